// Package search provides the web_search tool backed by the Brave Search API.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	manta "github.com/rheza/manta"
)

const defaultCount = 8

var searchEndpoint = "https://api.search.brave.com/res/v1/web/search"

// Tool performs web searches via the Brave API.
type Tool struct {
	apiKey     string
	httpClient *http.Client
	count      int
}

// New creates a search Tool. Requires a Brave API key.
func New(apiKey string) *Tool {
	return &Tool{
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		count:      defaultCount,
	}
}

// Descriptor returns the registry descriptor. Search has no side effects, so
// it is marked pure and opts into a single retry after a timeout.
func (t *Tool) Descriptor() manta.Descriptor {
	return manta.Descriptor{
		Name:        "web_search",
		Description: "Search the web for current information. Use for recent events, news, prices, weather, or anything that requires up-to-date data.",
		Parameters: []byte(`{
			"type": "object",
			"properties": {
				"query": {"type": "string", "description": "Search query optimized for search engines"}
			},
			"required": ["query"]
		}`),
		Required:       []string{"query"},
		Pure:           true,
		RetryOnTimeout: true,
	}
}

// Register adds the tool to a registry.
func (t *Tool) Register(reg *manta.Registry) error {
	return reg.Register(t.Descriptor(), t.Handle)
}

// Handle runs one search invocation.
func (t *Tool) Handle(ctx context.Context, args map[string]any, _ manta.Invocation) (manta.ToolResult, error) {
	query, _ := args["query"].(string)
	if strings.TrimSpace(query) == "" {
		return manta.ToolResult{}, fmt.Errorf("empty query")
	}

	results, err := t.braveSearch(ctx, query, t.count)
	if err != nil {
		return manta.ToolResult{}, err
	}
	if len(results) == 0 {
		return manta.ToolResult{Content: fmt.Sprintf("No results found for %q.", query)}, nil
	}
	return manta.ToolResult{Content: formatResults(results)}, nil
}

type braveResult struct {
	Title   string
	URL     string
	Snippet string
}

func (t *Tool) braveSearch(ctx context.Context, query string, count int) ([]braveResult, error) {
	u := fmt.Sprintf("%s?q=%s&count=%d", searchEndpoint, url.QueryEscape(query), count)

	req, err := http.NewRequestWithContext(ctx, "GET", u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", t.apiKey)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("brave search error: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("brave API %d: %s", resp.StatusCode, string(body))
	}

	var data struct {
		Web struct {
			Results []struct {
				Title       string `json:"title"`
				URL         string `json:"url"`
				Description string `json:"description"`
			} `json:"results"`
		} `json:"web"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return nil, fmt.Errorf("brave parse error: %w", err)
	}

	var results []braveResult
	for _, r := range data.Web.Results {
		results = append(results, braveResult{
			Title:   r.Title,
			URL:     r.URL,
			Snippet: r.Description,
		})
	}
	return results, nil
}

func formatResults(results []braveResult) string {
	var out strings.Builder
	for i, r := range results {
		fmt.Fprintf(&out, "[%d] %s\n%s\n%s\n\n", i+1, r.Title, r.URL, r.Snippet)
	}
	return strings.TrimRight(out.String(), "\n")
}
