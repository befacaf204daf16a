// Package file gives the agent read/write access to chat-scoped files:
// strategy sources, config, exported CSVs, uploaded statements. Files live
// in the store, not on disk, so a chat's workspace survives restarts and
// follows the chat across processes. PDF uploads are transparently
// converted to text on read.
package file

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/oddlot/tape"
)

const maxReadChars = 8000

// Tool provides read_file, write_file, and list_files over a FileStore.
type Tool struct {
	files tape.FileStore
}

// New creates a file tool over the store.
func New(files tape.FileStore) *Tool {
	return &Tool{files: files}
}

func (t *Tool) Definitions() []tape.ToolDefinition {
	return []tape.ToolDefinition{
		{
			Name:        "read_file",
			Description: "Read a file from this chat's workspace. PDF files are converted to plain text. Content is truncated to 8000 chars if large.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"name":{"type":"string","description":"File name, e.g. entry.js or statement.pdf"}},"required":["name"]}`),
		},
		{
			Name:        "write_file",
			Description: "Write content to a file in this chat's workspace. Overwrites an existing file of the same name.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{"name":{"type":"string","description":"File name"},"content":{"type":"string","description":"Content to write"},"file_type":{"type":"string","description":"MIME-like tag, e.g. text/javascript or application/json"}},"required":["name","content"]}`),
		},
		{
			Name:        "list_files",
			Description: "List the files in this chat's workspace with their sizes and types.",
			Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
		},
	}
}

func (t *Tool) Execute(ctx context.Context, name string, args json.RawMessage) (tape.ToolResult, error) {
	var params struct {
		Name     string `json:"name"`
		Content  string `json:"content"`
		FileType string `json:"file_type"`
	}
	if len(args) > 0 {
		if err := json.Unmarshal(args, &params); err != nil {
			return tape.ToolResult{Error: "invalid args: " + err.Error()}, nil
		}
	}

	inv := tape.InvocationFrom(ctx)

	switch name {
	case "read_file":
		return t.read(ctx, inv.ChatID, params.Name)
	case "write_file":
		return t.write(ctx, inv, params.Name, params.Content, params.FileType)
	case "list_files":
		return t.list(ctx, inv.ChatID)
	default:
		return tape.ToolResult{Error: "unknown file tool: " + name}, nil
	}
}

func (t *Tool) read(ctx context.Context, chatID, name string) (tape.ToolResult, error) {
	if name == "" {
		return tape.ToolResult{Error: "name is required"}, nil
	}
	f, err := t.files.File(ctx, chatID, name)
	if err != nil {
		return tape.ToolResult{Error: "read " + name + ": " + err.Error()}, nil
	}

	content := string(f.Data)
	if isPDF(f) {
		text, err := pdfText(f.Data)
		if err != nil {
			return tape.ToolResult{Error: "extract pdf text from " + name + ": " + err.Error()}, nil
		}
		content = text
	}

	if len(content) > maxReadChars {
		content = content[:maxReadChars] + "\n... (truncated)"
	}
	return tape.ToolResult{Content: content}, nil
}

func (t *Tool) write(ctx context.Context, inv *tape.Invocation, name, content, fileType string) (tape.ToolResult, error) {
	if name == "" {
		return tape.ToolResult{Error: "name is required"}, nil
	}
	if strings.Contains(name, "/") || strings.Contains(name, "..") {
		return tape.ToolResult{Error: "file name must be a plain name, no paths: " + name}, nil
	}
	if fileType == "" {
		fileType = guessType(name)
	}

	id, err := t.files.PutFile(ctx, tape.ChatFile{
		ChatID:   inv.ChatID,
		UserID:   inv.UserID,
		Name:     name,
		FileType: fileType,
		Data:     []byte(content),
	})
	if err != nil {
		return tape.ToolResult{Error: "write " + name + ": " + err.Error()}, err
	}
	return tape.ToolResult{Content: fmt.Sprintf("Written %d bytes to %s (file id %s)", len(content), name, id)}, nil
}

func (t *Tool) list(ctx context.Context, chatID string) (tape.ToolResult, error) {
	fs, err := t.files.Files(ctx, chatID)
	if err != nil {
		return tape.ToolResult{Error: "list files: " + err.Error()}, err
	}
	if len(fs) == 0 {
		return tape.ToolResult{Content: "No files in this chat."}, nil
	}

	sort.Slice(fs, func(i, j int) bool { return fs[i].Name < fs[j].Name })
	var b strings.Builder
	for _, f := range fs {
		fmt.Fprintf(&b, "%-24s %8d bytes  %s\n", f.Name, len(f.Data), f.FileType)
	}
	return tape.ToolResult{Content: b.String()}, nil
}

func isPDF(f tape.ChatFile) bool {
	return f.FileType == "application/pdf" || strings.HasSuffix(strings.ToLower(f.Name), ".pdf")
}

func pdfText(data []byte) (string, error) {
	if len(data) == 0 {
		return "", errors.New("empty pdf")
	}
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	var text strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		pageText = strings.TrimSpace(pageText)
		if pageText == "" {
			continue
		}
		if text.Len() > 0 {
			text.WriteString("\n\n")
		}
		text.WriteString(pageText)
	}
	return strings.TrimSpace(text.String()), nil
}

func guessType(name string) string {
	switch {
	case strings.HasSuffix(name, ".js"):
		return "text/javascript"
	case strings.HasSuffix(name, ".json"):
		return "application/json"
	case strings.HasSuffix(name, ".csv"):
		return "text/csv"
	case strings.HasSuffix(name, ".md"):
		return "text/markdown"
	case strings.HasSuffix(name, ".pdf"):
		return "application/pdf"
	default:
		return "text/plain"
	}
}
