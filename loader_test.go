package tape

import (
	"context"
	"strings"
	"testing"
)

func TestLoaderCompilesAndCaches(t *testing.T) {
	files := newMemFileStore()
	seedStrategyFiles(files)
	compiler := &scriptedCompiler{program: scriptedProgram{}}
	loader := NewLoader(files, compiler)

	st := testStrategy("s1")
	bundle, err := loader.Load(context.Background(), st)
	if err != nil {
		t.Fatal(err)
	}
	if bundle.Entry == nil || bundle.Exit == nil {
		t.Fatal("bundle missing programs")
	}
	if bundle.Config.Name != "mean reversion" {
		t.Errorf("Config.Name = %q", bundle.Config.Name)
	}
	if compiler.compileCalls() != 2 {
		t.Errorf("compile calls = %d, want 2 (entry + exit)", compiler.compileCalls())
	}

	// Same file ids: served from cache.
	again, err := loader.Load(context.Background(), st)
	if err != nil {
		t.Fatal(err)
	}
	if again != bundle {
		t.Error("unchanged strategy was recompiled")
	}
	if compiler.compileCalls() != 2 {
		t.Errorf("compile calls after cache hit = %d, want 2", compiler.compileCalls())
	}
}

func TestLoaderRecompilesOnFileChange(t *testing.T) {
	files := newMemFileStore()
	seedStrategyFiles(files)
	compiler := &scriptedCompiler{program: scriptedProgram{}}
	loader := NewLoader(files, compiler)

	st := testStrategy("s1")
	if _, err := loader.Load(context.Background(), st); err != nil {
		t.Fatal(err)
	}

	// Editing the entry file gives it a new id; the next load recompiles.
	files.files["f_entry_v2"] = ChatFile{ID: "f_entry_v2", ChatID: "chat_1", Name: "entry.js", Data: []byte("function entry(data) { return []; }")}
	st.FileIDs.Entry = "f_entry_v2"
	if _, err := loader.Load(context.Background(), st); err != nil {
		t.Fatal(err)
	}
	if compiler.compileCalls() != 4 {
		t.Errorf("compile calls = %d, want 4 after invalidation", compiler.compileCalls())
	}
}

func TestLoaderMissingFile(t *testing.T) {
	files := newMemFileStore()
	compiler := &scriptedCompiler{program: scriptedProgram{}}
	loader := NewLoader(files, compiler)

	_, err := loader.Load(context.Background(), testStrategy("s1"))
	if err == nil || !strings.Contains(err.Error(), "entry file") {
		t.Errorf("err = %v, want missing entry file", err)
	}
}

func TestLoaderCompileError(t *testing.T) {
	files := newMemFileStore()
	seedStrategyFiles(files)
	compiler := &scriptedCompiler{err: errBoom}
	loader := NewLoader(files, compiler)

	_, err := loader.Load(context.Background(), testStrategy("s1"))
	if err == nil || !strings.Contains(err.Error(), "compile entry") {
		t.Errorf("err = %v, want compile failure", err)
	}
}

func TestLoaderBadConfig(t *testing.T) {
	files := newMemFileStore()
	seedStrategyFiles(files)
	files.files["f_config"] = ChatFile{ID: "f_config", ChatID: "chat_1", Name: "config.json", Data: []byte(`{"name":""}`)}
	compiler := &scriptedCompiler{program: scriptedProgram{}}
	loader := NewLoader(files, compiler)

	if _, err := loader.Load(context.Background(), testStrategy("s1")); err == nil {
		t.Error("invalid config accepted")
	}
}

func TestLoaderInvalidate(t *testing.T) {
	files := newMemFileStore()
	seedStrategyFiles(files)
	compiler := &scriptedCompiler{program: scriptedProgram{}}
	loader := NewLoader(files, compiler)

	st := testStrategy("s1")
	if _, err := loader.Load(context.Background(), st); err != nil {
		t.Fatal(err)
	}
	loader.Invalidate("s1")
	if _, err := loader.Load(context.Background(), st); err != nil {
		t.Fatal(err)
	}
	if compiler.compileCalls() != 4 {
		t.Errorf("compile calls = %d, want recompile after Invalidate", compiler.compileCalls())
	}
}
