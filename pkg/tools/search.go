package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/troupeai/troupe/pkg/llms"
)

const defaultSearchBaseURL = "https://api.duckduckgo.com"

// WebSearchTool answers search queries through the DuckDuckGo instant
// answer API. No key required; results are abstract-level, which is enough
// for persona grounding.
type WebSearchTool struct {
	baseURL string
	client  *http.Client
}

// NewWebSearchTool creates the web_search tool. An empty baseURL uses the
// public endpoint; tests point it at a local server.
func NewWebSearchTool(baseURL string) *WebSearchTool {
	if baseURL == "" {
		baseURL = defaultSearchBaseURL
	}
	return &WebSearchTool{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (t *WebSearchTool) Name() string { return "web_search" }

func (t *WebSearchTool) Definition() llms.ToolDefinition {
	return llms.ToolDefinition{
		Name:        t.Name(),
		Description: "Search the web and return a short abstract with related topics.",
		Parameters: objectSchema(map[string]interface{}{
			"query": stringProperty("Search query."),
		}, "query"),
	}
}

type instantAnswer struct {
	Heading       string `json:"Heading"`
	AbstractText  string `json:"AbstractText"`
	AbstractURL   string `json:"AbstractURL"`
	RelatedTopics []struct {
		Text     string `json:"Text"`
		FirstURL string `json:"FirstURL"`
	} `json:"RelatedTopics"`
}

func (t *WebSearchTool) Execute(ctx context.Context, args map[string]interface{}) (string, error) {
	query, err := stringArg(args, "query")
	if err != nil {
		return "", err
	}

	endpoint := fmt.Sprintf("%s/?q=%s&format=json&no_html=1", t.baseURL, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("build search request: %w", err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("search %q: %w", query, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("search %q: HTTP %d", query, resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read search response: %w", err)
	}

	var answer instantAnswer
	if err := json.Unmarshal(body, &answer); err != nil {
		return "", fmt.Errorf("decode search response: %w", err)
	}

	var b strings.Builder
	if answer.Heading != "" {
		fmt.Fprintf(&b, "%s\n", answer.Heading)
	}
	if answer.AbstractText != "" {
		fmt.Fprintf(&b, "%s\n%s\n", answer.AbstractText, answer.AbstractURL)
	}
	count := 0
	for _, topic := range answer.RelatedTopics {
		if topic.Text == "" {
			continue
		}
		fmt.Fprintf(&b, "- %s (%s)\n", topic.Text, topic.FirstURL)
		count++
		if count >= 5 {
			break
		}
	}
	if b.Len() == 0 {
		return fmt.Sprintf("no results for %q", query), nil
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
