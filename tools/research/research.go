// Package research fetches web pages and extracts the readable article
// text, for news, filings, and earnings coverage the agent cites in
// analysis.
package research

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	readability "github.com/go-shiori/go-readability"

	"github.com/oddlot/tape"
)

const (
	maxBodyBytes = 1 << 20 // 1MB
	maxContent   = 8000
)

// Tool provides research_url.
type Tool struct {
	client *http.Client
}

// New creates a research tool with a 15-second fetch timeout.
func New() *Tool {
	return &Tool{
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

// WithClient overrides the HTTP client, for tests and custom transports.
func (t *Tool) WithClient(c *http.Client) *Tool {
	t.client = c
	return t
}

func (t *Tool) Definitions() []tape.ToolDefinition {
	return []tape.ToolDefinition{{
		Name:        "research_url",
		Description: "Fetch a URL and extract its readable text content. Use for reading news articles, SEC filings, earnings coverage, and documentation.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"url":{"type":"string","description":"URL to fetch"}},"required":["url"]}`),
	}}
}

func (t *Tool) Execute(ctx context.Context, _ string, args json.RawMessage) (tape.ToolResult, error) {
	var params struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(args, &params); err != nil {
		return tape.ToolResult{Error: "invalid args: " + err.Error()}, nil
	}

	content, err := t.Fetch(ctx, params.URL)
	if err != nil {
		return tape.ToolResult{Error: err.Error()}, nil
	}
	if len(content) > maxContent {
		content = content[:maxContent] + "\n... (truncated)"
	}
	return tape.ToolResult{Content: content}, nil
}

// Fetch downloads a URL and extracts readable text. Exported for use by
// other tools.
func (t *Tool) Fetch(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; TapeBot/1.0)")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("HTTP %d from %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", fmt.Errorf("read error: %w", err)
	}

	html := string(body)
	parsedURL, _ := url.Parse(rawURL)
	article, err := readability.FromReader(strings.NewReader(html), parsedURL)
	if err == nil && article.TextContent != "" {
		return strings.TrimSpace(article.TextContent), nil
	}

	// Readability gives up on some pages (no article body); fall back to
	// tag stripping so the agent still sees something.
	return stripTags(html), nil
}

var (
	scriptRe = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	tagRe    = regexp.MustCompile(`<[^>]+>`)
	spaceRe  = regexp.MustCompile(`[ \t]{2,}`)
	blankRe  = regexp.MustCompile(`\n{3,}`)
)

func stripTags(html string) string {
	s := scriptRe.ReplaceAllString(html, "")
	s = tagRe.ReplaceAllString(s, "\n")
	s = spaceRe.ReplaceAllString(s, " ")
	s = blankRe.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
