package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/yuelin/studydesk/internal/catalog"
	"github.com/yuelin/studydesk/internal/chat"
	"github.com/yuelin/studydesk/internal/domain"
	"github.com/yuelin/studydesk/internal/search"
)

// RagSearchTool answers from the user's indexed resources.
type RagSearchTool struct {
	search *search.Service
}

// NewRagSearchTool wires the rag_search executor.
func NewRagSearchTool(s *search.Service) *RagSearchTool {
	return &RagSearchTool{search: s}
}

func (t *RagSearchTool) Name() string { return "rag_search" }

func (t *RagSearchTool) Sensitivity() chat.Sensitivity { return chat.SensitivityReadOnly }

func (t *RagSearchTool) Spec() chat.ToolSpec {
	return chat.ToolSpec{
		Name:        "rag_search",
		Description: "Search the user's study materials (notes, textbooks, exams, files) by meaning. Use this before answering questions about the user's own content.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"query": map[string]interface{}{"type": "string", "description": "what to look for"},
				"top_k": map[string]interface{}{"type": "integer", "description": "max results, default 5"},
				"resource_types": map[string]interface{}{
					"type":        "array",
					"items":       map[string]interface{}{"type": "string"},
					"description": "optional filter: note, textbook, exam, translation, essay, image, file, mindmap",
				},
			},
			"required": []string{"query"},
		},
	}
}

type ragSearchArgs struct {
	Query         string   `json:"query"`
	TopK          int      `json:"top_k"`
	ResourceTypes []string `json:"resource_types"`
	FolderIDs     []string `json:"folder_ids"`
}

func (t *RagSearchTool) Execute(ctx context.Context, args json.RawMessage, _ *chat.ExecutionContext) (*chat.ToolResult, error) {
	var in ragSearchArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, domain.Validationf("rag_search arguments: %v", err)
	}
	if in.TopK <= 0 || in.TopK > 20 {
		in.TopK = 5
	}
	types := make([]domain.ResourceType, 0, len(in.ResourceTypes))
	for _, t := range in.ResourceTypes {
		types = append(types, domain.ResourceType(t))
	}

	results, err := t.search.Search(ctx, in.Query, &search.Options{
		TopK:          in.TopK,
		ResourceTypes: types,
		FolderIDs:     in.FolderIDs,
	})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return &chat.ToolResult{Success: true, Content: "No matching resources found."}, nil
	}

	var sb strings.Builder
	refs := make([]domain.ContextRef, 0, len(results))
	for i, r := range results {
		fmt.Fprintf(&sb, "[%d] %s (%s, score %.2f)\n%s\n\n", i+1, r.Title, r.ResourceType, r.Score, r.Snippet)
		refs = append(refs, domain.ContextRef{ResourceID: r.ResourceID, Kind: "rag"})
	}
	return &chat.ToolResult{Success: true, Content: sb.String(), Refs: refs}, nil
}

// MemorySearchTool recalls earlier retrieval snapshots and notes by full-text
// match on their stored content.
type MemorySearchTool struct {
	resources *catalog.ResourceRepo
}

// NewMemorySearchTool wires the memory_search executor.
func NewMemorySearchTool(resources *catalog.ResourceRepo) *MemorySearchTool {
	return &MemorySearchTool{resources: resources}
}

func (t *MemorySearchTool) Name() string { return "memory_search" }

func (t *MemorySearchTool) Sensitivity() chat.Sensitivity { return chat.SensitivityReadOnly }

func (t *MemorySearchTool) Spec() chat.ToolSpec {
	return chat.ToolSpec{
		Name:        "memory_search",
		Description: "Recall sources used in earlier conversations and the user's notes by keyword.",
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

type memorySearchArgs struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

func (t *MemorySearchTool) Execute(ctx context.Context, args json.RawMessage, _ *chat.ExecutionContext) (*chat.ToolResult, error) {
	var in memorySearchArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, domain.Validationf("memory_search arguments: %v", err)
	}
	if in.Limit <= 0 || in.Limit > 20 {
		in.Limit = 5
	}

	scores, err := t.resources.FullTextSearch(ctx, in.Query,
		[]domain.ResourceType{domain.ResourceRetrieval, domain.ResourceNote}, in.Limit)
	if err != nil {
		return nil, err
	}
	if len(scores) == 0 {
		return &chat.ToolResult{Success: true, Content: "Nothing remembered for that query."}, nil
	}

	var sb strings.Builder
	refs := make([]domain.ContextRef, 0, len(scores))
	for id := range scores {
		res, err := t.resources.GetVisible(ctx, id)
		if err != nil {
			continue
		}
		snippet, _ := res.Payload[domain.PayloadSnippet].(string)
		if snippet == "" {
			snippet, _ = res.Payload[domain.PayloadContent].(string)
		}
		fmt.Fprintf(&sb, "- %s: %s\n", res.Title, clampSnippet(snippet, 300))
		refs = append(refs, domain.ContextRef{
			ResourceID:  res.ID,
			ContentHash: res.ContentHash,
			Kind:        "memory",
		})
	}
	if len(refs) == 0 {
		return &chat.ToolResult{Success: true, Content: "Nothing remembered for that query."}, nil
	}
	return &chat.ToolResult{Success: true, Content: sb.String(), Refs: refs}, nil
}

func clampSnippet(s string, limit int) string {
	runes := []rune(strings.TrimSpace(s))
	if len(runes) > limit {
		return string(runes[:limit]) + "…"
	}
	return string(runes)
}
