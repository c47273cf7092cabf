package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

const websearchDescription = `Searches the web and returns result titles, URLs and snippets.

Usage:
- query is the search query
- count limits results (default 5, max 10)`

// WebSearchAPIKeyEnv gates registration of the web search tool: no key,
// no tool.
const WebSearchAPIKeyEnv = "BRAVE_SEARCH_API_KEY"

// WebSearchTool queries the Brave search API.
type WebSearchTool struct {
	apiKey string
	client *http.Client
}

// WebSearchInput represents the input for the websearch tool.
type WebSearchInput struct {
	Query string `json:"query"`
	Count int    `json:"count,omitempty"`
}

// NewWebSearchTool creates a web search tool with the given API key.
func NewWebSearchTool(apiKey string) *WebSearchTool {
	return &WebSearchTool{
		apiKey: apiKey,
		client: &http.Client{Timeout: 20 * time.Second},
	}
}

// WebSearchAvailable reports whether the tool can be registered.
func WebSearchAvailable() bool {
	return os.Getenv(WebSearchAPIKeyEnv) != ""
}

func (t *WebSearchTool) ID() string          { return "websearch" }
func (t *WebSearchTool) Description() string { return websearchDescription }

func (t *WebSearchTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {
			"query": {"type": "string", "description": "The search query"},
			"count": {"type": "integer", "description": "Number of results (default 5, max 10)"}
		},
		"required": ["query"]
	}`)
}

type braveSearchResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
		} `json:"results"`
	} `json:"web"`
}

func (t *WebSearchTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	var params WebSearchInput
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if params.Query == "" {
		return nil, fmt.Errorf("query is required")
	}
	if params.Count <= 0 {
		params.Count = 5
	}
	if params.Count > 10 {
		params.Count = 10
	}

	endpoint := fmt.Sprintf(
		"https://api.search.brave.com/res/v1/web/search?q=%s&count=%d",
		url.QueryEscape(params.Query), params.Count,
	)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", t.apiKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search failed: HTTP %d", resp.StatusCode)
	}

	var parsed braveSearchResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("undecodable search response: %w", err)
	}

	var out strings.Builder
	for i, result := range parsed.Web.Results {
		fmt.Fprintf(&out, "%d. %s\n   %s\n", i+1, result.Title, result.URL)
		if result.Description != "" {
			fmt.Fprintf(&out, "   %s\n", result.Description)
		}
	}
	if out.Len() == 0 {
		out.WriteString("No results found")
	}

	return &Result{
		Title:  fmt.Sprintf("Search: %s", params.Query),
		Output: out.String(),
		Metadata: map[string]any{
			"query":   params.Query,
			"results": len(parsed.Web.Results),
		},
	}, nil
}
