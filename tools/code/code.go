// Package code serves the code-gen specialist: it pulls fenced code blocks
// out of Markdown the model writes, validates strategy sources through the
// sandbox, saves the entry/exit/config triplet as chat files, and runs
// ad-hoc analysis code in an isolated container when one is configured.
package code

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	gtext "github.com/yuin/goldmark/text"

	"github.com/oddlot/tape"
	"github.com/oddlot/tape/sandbox"
)

// Block is one fenced code block lifted from Markdown.
type Block struct {
	Lang   string
	Source string
}

// ExtractBlocks walks the Markdown AST and returns every fenced code block
// in document order, with its info-string language tag.
func ExtractBlocks(md string) []Block {
	source := []byte(md)
	doc := goldmark.DefaultParser().Parse(gtext.NewReader(source))

	var blocks []Block
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		fc, ok := n.(*ast.FencedCodeBlock)
		if !ok {
			return ast.WalkContinue, nil
		}
		var b strings.Builder
		lines := fc.Lines()
		for i := 0; i < lines.Len(); i++ {
			seg := lines.At(i)
			b.Write(seg.Value(source))
		}
		blocks = append(blocks, Block{
			Lang:   string(fc.Language(source)),
			Source: b.String(),
		})
		return ast.WalkContinue, nil
	})
	return blocks
}

// Tool provides save_strategy_files, validate_strategy, and (when a
// container runner is configured) execute_code.
type Tool struct {
	files  tape.FileStore
	engine *sandbox.Engine
	runner *sandbox.ContainerRunner // nil disables execute_code
}

// Option configures a Tool.
type Option func(*Tool)

// WithRunner enables the execute_code tool backed by the given container
// runner.
func WithRunner(r *sandbox.ContainerRunner) Option {
	return func(t *Tool) { t.runner = r }
}

// New creates a code tool over the file store and sandbox engine.
func New(files tape.FileStore, engine *sandbox.Engine, opts ...Option) *Tool {
	t := &Tool{files: files, engine: engine}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tool) Definitions() []tape.ToolDefinition {
	defs := []tape.ToolDefinition{
		{
			Name:        "save_strategy_files",
			Description: "Save a strategy's entry.js, exit.js, and config.json to the chat workspace. Pass the sources directly, or pass markdown and the first two javascript blocks plus the first json block are used. Sources are validated before saving; nothing is saved if any file fails.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"entry": {"type": "string", "description": "entry.js source declaring function entry(data)"},
					"exit": {"type": "string", "description": "exit.js source declaring function exit(data, position)"},
					"config": {"type": "string", "description": "config.json content"},
					"markdown": {"type": "string", "description": "Markdown containing fenced code blocks to extract instead of explicit sources"}
				}
			}`),
		},
		{
			Name:        "validate_strategy",
			Description: "Validate strategy sources without saving: compile entry/exit through the sandbox and check the config. Reports every problem found.",
			Parameters: json.RawMessage(`{
				"type": "object",
				"properties": {
					"entry": {"type": "string"},
					"exit": {"type": "string"},
					"config": {"type": "string"}
				}
			}`),
		},
	}
	if t.runner != nil {
		defs = append(defs, tape.ToolDefinition{
			Name:        "execute_code",
			Description: "Execute a short python or node script in an isolated container (no network, capped memory and CPU) and return its output. Use for one-off calculations too involved for other tools.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"code":{"type":"string","description":"Source to execute"},"runtime":{"type":"string","enum":["python","node"],"description":"Interpreter (default python)"}},"required":["code"]}`),
		})
	}
	return defs
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (tape.ToolResult, error) {
	var params struct {
		Entry    string `json:"entry"`
		Exit     string `json:"exit"`
		Config   string `json:"config"`
		Markdown string `json:"markdown"`
		Code     string `json:"code"`
		Runtime  string `json:"runtime"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &params); err != nil {
			return tape.ToolResult{Error: "invalid args: " + err.Error()}, nil
		}
	}

	switch name {
	case "save_strategy_files":
		return t.save(ctx, params.Entry, params.Exit, params.Config, params.Markdown)
	case "validate_strategy":
		return t.validate(params.Entry, params.Exit, params.Config), nil
	case "execute_code":
		if t.runner == nil {
			return tape.ToolResult{Error: "code execution is not configured"}, nil
		}
		return t.run(ctx, params.Code, params.Runtime)
	default:
		return tape.ToolResult{Error: "unknown code tool: " + name}, nil
	}
}

// fillFromMarkdown extracts missing sources from fenced blocks: the first
// two javascript blocks become entry and exit, the first json block the
// config.
func fillFromMarkdown(md string, entry, exit, config *string) {
	var js []string
	for _, b := range ExtractBlocks(md) {
		switch b.Lang {
		case "javascript", "js":
			js = append(js, b.Source)
		case "json":
			if *config == "" {
				*config = b.Source
			}
		}
	}
	if *entry == "" && len(js) > 0 {
		*entry = js[0]
	}
	if *exit == "" && len(js) > 1 {
		*exit = js[1]
	}
}

func (t *Tool) save(ctx context.Context, entry, exit, config, md string) (tape.ToolResult, error) {
	if md != "" {
		fillFromMarkdown(md, &entry, &exit, &config)
	}
	if res := t.validate(entry, exit, config); res.Error != "" {
		return res, nil
	}

	inv := tape.InvocationFrom(ctx)
	var ids []string
	for _, f := range []struct {
		name, typ, data string
	}{
		{"entry.js", "text/javascript", entry},
		{"exit.js", "text/javascript", exit},
		{"config.json", "application/json", config},
	} {
		id, err := t.files.PutFile(ctx, tape.ChatFile{
			ChatID:   inv.ChatID,
			UserID:   inv.UserID,
			Name:     f.name,
			FileType: f.typ,
			Data:     []byte(f.data),
		})
		if err != nil {
			return tape.ToolResult{Error: "save " + f.name + ": " + err.Error()}, err
		}
		ids = append(ids, f.name+"="+id)
	}
	return tape.ToolResult{Content: "Strategy files saved: " + strings.Join(ids, " ")}, nil
}

// validate compiles both sources and parses the config, collecting every
// problem rather than stopping at the first.
func (t *Tool) validate(entry, exit, config string) tape.ToolResult {
	var problems []string

	if entry == "" {
		problems = append(problems, "entry source is empty")
	} else if p, err := t.engine.Compile("entry.js", entry); err != nil {
		problems = append(problems, "entry.js: "+err.Error())
	} else if !p.Declares("entry") {
		problems = append(problems, "entry.js must declare function entry(data)")
	}

	if exit == "" {
		problems = append(problems, "exit source is empty")
	} else if p, err := t.engine.Compile("exit.js", exit); err != nil {
		problems = append(problems, "exit.js: "+err.Error())
	} else if !p.Declares("exit") {
		problems = append(problems, "exit.js must declare function exit(data, position)")
	}

	if config == "" {
		problems = append(problems, "config is empty")
	} else if _, err := tape.ParseStrategyConfig([]byte(config)); err != nil {
		problems = append(problems, "config.json: "+err.Error())
	}

	if len(problems) > 0 {
		return tape.ToolResult{Error: "validation failed:\n  " + strings.Join(problems, "\n  ")}
	}
	return tape.ToolResult{Content: "Strategy sources are valid."}
}

func (t *Tool) run(ctx context.Context, src, runtime string) (tape.ToolResult, error) {
	if strings.TrimSpace(src) == "" {
		return tape.ToolResult{Error: "code is required"}, nil
	}

	inv := tape.InvocationFrom(ctx)
	inv.Status(ctx, "executing", runtime)

	res, err := t.runner.Run(ctx, sandbox.RunRequest{Code: src, Runtime: runtime})
	if err != nil {
		return tape.ToolResult{Error: "execute: " + err.Error()}, err
	}

	var b strings.Builder
	if res.Stdout != "" {
		b.WriteString(res.Stdout)
	}
	if res.Stderr != "" {
		if b.Len() > 0 {
			b.WriteString("\n")
		}
		b.WriteString("stderr:\n" + res.Stderr)
	}
	if res.ExitCode != 0 {
		return tape.ToolResult{Error: fmt.Sprintf("exit code %d\n%s", res.ExitCode, b.String())}, nil
	}
	if b.Len() == 0 {
		return tape.ToolResult{Content: "(no output)"}, nil
	}
	return tape.ToolResult{Content: b.String()}, nil
}
