// Package fetch provides the fetch_url tool: download a page and extract its
// readable text content.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/go-shiori/go-readability"

	manta "github.com/rheza/manta"
)

const maxContent = 8000

// Tool fetches URLs and extracts readable content.
type Tool struct {
	client *http.Client
}

// New creates a fetch Tool with a 15-second HTTP timeout.
func New() *Tool {
	return &Tool{
		client: &http.Client{Timeout: 15 * time.Second},
	}
}

// Descriptor returns the registry descriptor. Fetching is read-only, so the
// tool is pure and retries once after a timeout.
func (t *Tool) Descriptor() manta.Descriptor {
	return manta.Descriptor{
		Name:        "fetch_url",
		Description: "Fetch a URL and extract its readable text content. Use for reading web pages, articles, documentation.",
		Parameters: []byte(`{
			"type": "object",
			"properties": {
				"url": {"type": "string", "description": "URL to fetch"}
			},
			"required": ["url"]
		}`),
		Required:       []string{"url"},
		Pure:           true,
		RetryOnTimeout: true,
	}
}

// Register adds the tool to a registry.
func (t *Tool) Register(reg *manta.Registry) error {
	return reg.Register(t.Descriptor(), t.Handle)
}

// Handle runs one fetch invocation.
func (t *Tool) Handle(ctx context.Context, args map[string]any, _ manta.Invocation) (manta.ToolResult, error) {
	rawURL, _ := args["url"].(string)
	content, err := t.Fetch(ctx, rawURL)
	if err != nil {
		return manta.ToolResult{}, err
	}
	if len(content) > maxContent {
		content = content[:maxContent] + "\n... (truncated)"
	}
	return manta.ToolResult{Content: content}, nil
}

// Fetch downloads a URL and extracts readable text. Exported for use by other
// tools.
func (t *Tool) Fetch(ctx context.Context, rawURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("invalid URL: %w", err)
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; MantaBot/1.0)")

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("HTTP %d from %s", resp.StatusCode, rawURL)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20)) // 1MB limit
	if err != nil {
		return "", fmt.Errorf("read error: %w", err)
	}

	html := string(body)

	parsedURL, _ := url.Parse(rawURL)
	article, err := readability.FromReader(strings.NewReader(html), parsedURL)
	if err == nil && article.TextContent != "" {
		return strings.TrimSpace(article.TextContent), nil
	}

	// Fallback: simple HTML stripping
	return stripHTML(html), nil
}

var (
	tagRe    = regexp.MustCompile(`(?s)<(script|style)[^>]*>.*?</(script|style)>`)
	markupRe = regexp.MustCompile(`<[^>]+>`)
	spaceRe  = regexp.MustCompile(`\s+`)
)

func stripHTML(html string) string {
	text := tagRe.ReplaceAllString(html, " ")
	text = markupRe.ReplaceAllString(text, " ")
	return strings.TrimSpace(spaceRe.ReplaceAllString(text, " "))
}
