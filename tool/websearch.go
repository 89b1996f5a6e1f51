package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
)

// WebSearch is a local tool backed by the Brave Search API, useful as a
// stock tool for tool-using nodes.
type WebSearch struct {
	APIKey  string
	BaseURL string
	Count   int
	Client  *http.Client
}

var _ Tool = (*WebSearch)(nil)

// NewWebSearch creates the search tool. If apiKey is empty it falls back
// to the BRAVE_API_KEY environment variable.
func NewWebSearch(apiKey string) (*WebSearch, error) {
	if apiKey == "" {
		apiKey = os.Getenv("BRAVE_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("BRAVE_API_KEY not set")
	}
	return &WebSearch{
		APIKey:  apiKey,
		BaseURL: "https://api.search.brave.com/res/v1/web/search",
		Count:   10,
		Client:  http.DefaultClient,
	}, nil
}

// Descriptor implements Tool.
func (w *WebSearch) Descriptor() Descriptor {
	return Descriptor{
		Name:        "web_search",
		Description: "Search the web. Useful for current information. Takes a \"query\" argument.",
		InputSchema: json.RawMessage(`{"type":"object","properties":{"query":{"type":"string"}},"required":["query"]}`),
	}
}

// Call implements Tool.
func (w *WebSearch) Call(ctx context.Context, args map[string]any) (string, error) {
	query, _ := args["query"].(string)
	if query == "" {
		return "", fmt.Errorf("web_search requires a query argument")
	}

	params := url.Values{}
	params.Set("q", query)
	params.Set("count", fmt.Sprintf("%d", w.Count))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.BaseURL+"?"+params.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Subscription-Token", w.APIKey)

	resp, err := w.Client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("search api returned status: %d", resp.StatusCode)
	}

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	var sb strings.Builder
	if web, ok := result["web"].(map[string]any); ok {
		if results, ok := web["results"].([]any); ok {
			for i, r := range results {
				item, ok := r.(map[string]any)
				if !ok {
					continue
				}
				title, _ := item["title"].(string)
				link, _ := item["url"].(string)
				description, _ := item["description"].(string)
				sb.WriteString(fmt.Sprintf("%d. Title: %s\nURL: %s\nDescription: %s\n\n",
					i+1, title, link, description))
			}
		}
	}
	if sb.Len() == 0 {
		return "No results found", nil
	}
	return sb.String(), nil
}
