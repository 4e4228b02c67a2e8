package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/yuelin/studydesk/internal/catalog"
	"github.com/yuelin/studydesk/internal/chat"
	"github.com/yuelin/studydesk/internal/domain"
)

// WebSearchTool queries a SearxNG instance. Every hit becomes a retrieval
// snapshot so later messages can cite it.
type WebSearchTool struct {
	client  *resty.Client
	baseURL string
}

// NewWebSearchTool wires the web_search executor against a SearxNG base URL.
func NewWebSearchTool(baseURL string) *WebSearchTool {
	client := resty.New().
		SetTimeout(15 * time.Second).
		SetHeader("Accept", "application/json")
	return &WebSearchTool{client: client, baseURL: strings.TrimRight(baseURL, "/")}
}

func (t *WebSearchTool) Name() string { return "web_search" }

func (t *WebSearchTool) Sensitivity() chat.Sensitivity { return chat.SensitivityReadOnly }

func (t *WebSearchTool) Spec() chat.ToolSpec {
	return chat.ToolSpec{
		Name:        "web_search",
		Description: "Search the web for current information not in the user's materials.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]interface{}{"type": "string"},
				"limit": map[string]interface{}{"type": "integer", "description": "max results, default 5"},
			},
			"required": []string{"query"},
		},
	}
}

type webSearchArgs struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

type searxResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

func (t *WebSearchTool) Execute(ctx context.Context, args json.RawMessage, _ *chat.ExecutionContext) (*chat.ToolResult, error) {
	var in webSearchArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, domain.Validationf("web_search arguments: %v", err)
	}
	if strings.TrimSpace(in.Query) == "" {
		return nil, domain.Validationf("web_search query is empty")
	}
	if in.Limit <= 0 || in.Limit > 10 {
		in.Limit = 5
	}

	var parsed searxResponse
	resp, err := t.client.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"q":      in.Query,
			"format": "json",
		}).
		SetResult(&parsed).
		Get(t.baseURL + "/search")
	if err != nil {
		return &chat.ToolResult{Success: false, Content: "web search unavailable: " + err.Error()}, nil
	}
	if resp.StatusCode() != 200 {
		return &chat.ToolResult{
			Success: false,
			Content: "web search returned status " + strconv.Itoa(resp.StatusCode()),
		}, nil
	}
	if len(parsed.Results) == 0 {
		return &chat.ToolResult{Success: true, Content: "No web results."}, nil
	}
	if len(parsed.Results) > in.Limit {
		parsed.Results = parsed.Results[:in.Limit]
	}

	var sb strings.Builder
	sources := make([]catalog.RetrievalSource, 0, len(parsed.Results))
	for i, r := range parsed.Results {
		fmt.Fprintf(&sb, "[%d] %s\n%s\n%s\n\n", i+1, r.Title, r.URL, clampSnippet(r.Content, 300))
		sources = append(sources, catalog.RetrievalSource{
			Kind:    "web",
			Title:   r.Title,
			URL:     r.URL,
			Snippet: r.Content,
		})
	}
	return &chat.ToolResult{Success: true, Content: sb.String(), Sources: sources}, nil
}
