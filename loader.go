package tape

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// EntryData is the world state handed to user strategy code. Everything the
// code may depend on arrives here explicitly, including the clock, so a
// program's output is a pure function of its input.
type EntryData struct {
	Now        time.Time      `json:"now"`
	Parameters map[string]any `json:"parameters"`
	Capital    Capital        `json:"capital"`
	Stats      StrategyStats  `json:"stats"`
	Positions  []Position     `json:"positions"`
}

// StrategyProgram is compiled user strategy code, ready to run. Implemented
// by sandbox.Program; the engine depends only on this contract.
type StrategyProgram interface {
	// Entry runs the program's entry function and returns its signals.
	Entry(ctx context.Context, data EntryData) ([]EntrySignal, error)
	// Exit runs the program's exit function against one open position.
	// A nil signal means hold.
	Exit(ctx context.Context, data EntryData, pos Position) (*ExitSignal, error)
}

// StrategyCompiler validates and compiles user strategy source. Implemented
// by sandbox.Compiler.
type StrategyCompiler interface {
	Compile(name, src string) (StrategyProgram, error)
}

// Bundle is a runnable strategy: compiled entry and exit programs plus the
// parsed config.
type Bundle struct {
	Entry  StrategyProgram
	Exit   StrategyProgram
	Config StrategyConfig
}

// Loader turns a Strategy record into a Bundle by fetching its three chat
// files, compiling entry/exit through the sandbox, and parsing the config.
// Results are cached per strategy and keyed by the exact file-id triplet,
// so editing any referenced file invalidates the entry. Safe for
// concurrent use.
type Loader struct {
	files    FileStore
	compiler StrategyCompiler

	mu    sync.RWMutex
	cache map[string]loaderEntry
}

type loaderEntry struct {
	fileIDs FileIDs
	bundle  *Bundle
}

// NewLoader creates a loader over files and compiler.
func NewLoader(files FileStore, compiler StrategyCompiler) *Loader {
	return &Loader{files: files, compiler: compiler, cache: map[string]loaderEntry{}}
}

// Load returns the runnable bundle for st, compiling on cache miss.
func (l *Loader) Load(ctx context.Context, st Strategy) (*Bundle, error) {
	l.mu.RLock()
	cached, ok := l.cache[st.ID]
	l.mu.RUnlock()
	if ok && cached.fileIDs == st.FileIDs {
		return cached.bundle, nil
	}

	entryFile, err := l.files.FileByID(ctx, st.FileIDs.Entry)
	if err != nil {
		return nil, fmt.Errorf("loader: entry file %s: %w", st.FileIDs.Entry, err)
	}
	exitFile, err := l.files.FileByID(ctx, st.FileIDs.Exit)
	if err != nil {
		return nil, fmt.Errorf("loader: exit file %s: %w", st.FileIDs.Exit, err)
	}
	configFile, err := l.files.FileByID(ctx, st.FileIDs.Config)
	if err != nil {
		return nil, fmt.Errorf("loader: config file %s: %w", st.FileIDs.Config, err)
	}

	entry, err := l.compiler.Compile(entryFile.Name, string(entryFile.Data))
	if err != nil {
		return nil, fmt.Errorf("loader: compile entry: %w", err)
	}
	exit, err := l.compiler.Compile(exitFile.Name, string(exitFile.Data))
	if err != nil {
		return nil, fmt.Errorf("loader: compile exit: %w", err)
	}
	config, err := ParseStrategyConfig(configFile.Data)
	if err != nil {
		return nil, fmt.Errorf("loader: %w", err)
	}

	bundle := &Bundle{Entry: entry, Exit: exit, Config: config}
	l.mu.Lock()
	l.cache[st.ID] = loaderEntry{fileIDs: st.FileIDs, bundle: bundle}
	l.mu.Unlock()
	return bundle, nil
}

// Invalidate drops the cached bundle for a strategy, if any.
func (l *Loader) Invalidate(strategyID string) {
	l.mu.Lock()
	delete(l.cache, strategyID)
	l.mu.Unlock()
}
