package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/yuelin/studydesk/internal/catalog"
	"github.com/yuelin/studydesk/internal/chat"
	"github.com/yuelin/studydesk/internal/domain"
)

// ReadResourceTool returns the stored text of one catalog resource.
type ReadResourceTool struct {
	catalog *catalog.Service
}

// NewReadResourceTool wires the read_resource executor.
func NewReadResourceTool(cat *catalog.Service) *ReadResourceTool {
	return &ReadResourceTool{catalog: cat}
}

func (t *ReadResourceTool) Name() string { return "read_resource" }

func (t *ReadResourceTool) Sensitivity() chat.Sensitivity { return chat.SensitivityReadOnly }

func (t *ReadResourceTool) Spec() chat.ToolSpec {
	return chat.ToolSpec{
		Name:        "read_resource",
		Description: "Read the full text of one resource by its id, usually after rag_search returned it.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"resource_id": map[string]interface{}{"type": "string"},
			},
			"required": []string{"resource_id"},
		},
	}
}

type readResourceArgs struct {
	ResourceID string `json:"resource_id"`
}

func (t *ReadResourceTool) Execute(ctx context.Context, args json.RawMessage, _ *chat.ExecutionContext) (*chat.ToolResult, error) {
	var in readResourceArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, domain.Validationf("read_resource arguments: %v", err)
	}
	res, err := t.catalog.Resources().GetVisible(ctx, in.ResourceID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return &chat.ToolResult{Success: false, Content: "resource not found"}, nil
		}
		return nil, err
	}

	text := resourceText(res)
	if text == "" {
		return &chat.ToolResult{Success: true, Content: res.Title + " has no readable text."}, nil
	}
	return &chat.ToolResult{
		Success: true,
		Content: res.Title + "\n\n" + clampSnippet(text, 8000),
		Refs: []domain.ContextRef{{
			ResourceID:  res.ID,
			ContentHash: res.ContentHash,
			Kind:        "rag",
		}},
	}, nil
}

// resourceText picks the best text representation for the resource kind.
func resourceText(res *domain.Resource) string {
	str := func(key string) string {
		s, _ := res.Payload[key].(string)
		return s
	}
	switch res.ResourceType {
	case domain.ResourceNote, domain.ResourceEssay, domain.ResourceMindmap:
		return str(domain.PayloadContent)
	case domain.ResourceTranslation:
		source := str(domain.PayloadSourceText)
		translated := str(domain.PayloadTranslated)
		if source == "" {
			return translated
		}
		return source + "\n\n---\n\n" + translated
	case domain.ResourceRetrieval:
		return str(domain.PayloadSnippet)
	default:
		if s := str(domain.PayloadExtractedText); s != "" {
			return s
		}
		return str(domain.PayloadOCRText)
	}
}


// ListResourcesTool lists catalog entries, optionally filtered.
type ListResourcesTool struct {
	catalog *catalog.Service
}

// NewListResourcesTool wires the list_resources executor.
func NewListResourcesTool(cat *catalog.Service) *ListResourcesTool {
	return &ListResourcesTool{catalog: cat}
}

func (t *ListResourcesTool) Name() string { return "list_resources" }

func (t *ListResourcesTool) Sensitivity() chat.Sensitivity { return chat.SensitivityReadOnly }

func (t *ListResourcesTool) Spec() chat.ToolSpec {
	return chat.ToolSpec{
		Name:        "list_resources",
		Description: "List the user's resources by type or title keyword.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"resource_type": map[string]interface{}{"type": "string"},
				"search":        map[string]interface{}{"type": "string", "description": "title keyword"},
				"limit":         map[string]interface{}{"type": "integer", "description": "max results, default 20"},
			},
		},
	}
}

type listResourcesArgs struct {
	ResourceType string `json:"resource_type"`
	Search       string `json:"search"`
	Limit        int    `json:"limit"`
}

func (t *ListResourcesTool) Execute(ctx context.Context, args json.RawMessage, _ *chat.ExecutionContext) (*chat.ToolResult, error) {
	var in listResourcesArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, domain.Validationf("list_resources arguments: %v", err)
	}
	if in.Limit <= 0 || in.Limit > 100 {
		in.Limit = 20
	}
	opts := &catalog.ListOptions{Search: in.Search, Limit: in.Limit}
	if in.ResourceType != "" {
		opts.ResourceTypes = []domain.ResourceType{domain.ResourceType(in.ResourceType)}
	}
	resources, total, err := t.catalog.Resources().List(ctx, opts)
	if err != nil {
		return nil, err
	}
	if len(resources) == 0 {
		return &chat.ToolResult{Success: true, Content: "No resources found."}, nil
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d resources (showing %d):\n", total, len(resources))
	for _, r := range resources {
		fmt.Fprintf(&sb, "- %s [%s] %s\n", r.ID, r.ResourceType, r.Title)
	}
	return &chat.ToolResult{Success: true, Content: sb.String()}, nil
}

// CreateNoteTool writes a new note on the user's behalf. Write-level: the
// pipeline may require confirmation before running it.
type CreateNoteTool struct {
	catalog *catalog.Service
}

// NewCreateNoteTool wires the create_note executor.
func NewCreateNoteTool(cat *catalog.Service) *CreateNoteTool {
	return &CreateNoteTool{catalog: cat}
}

func (t *CreateNoteTool) Name() string { return "create_note" }

func (t *CreateNoteTool) Sensitivity() chat.Sensitivity { return chat.SensitivityWrite }

func (t *CreateNoteTool) Spec() chat.ToolSpec {
	return chat.ToolSpec{
		Name:        "create_note",
		Description: "Save a new note for the user. Only when the user asked to save or summarize something.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"title":   map[string]interface{}{"type": "string"},
				"content": map[string]interface{}{"type": "string"},
				"tags": map[string]interface{}{
					"type":  "array",
					"items": map[string]interface{}{"type": "string"},
				},
			},
			"required": []string{"title", "content"},
		},
	}
}

type createNoteArgs struct {
	Title   string   `json:"title"`
	Content string   `json:"content"`
	Tags    []string `json:"tags"`
}

func (t *CreateNoteTool) Execute(ctx context.Context, args json.RawMessage, _ *chat.ExecutionContext) (*chat.ToolResult, error) {
	var in createNoteArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, domain.Validationf("create_note arguments: %v", err)
	}
	res, err := t.catalog.CreateNote(ctx, in.Title, in.Content, in.Tags)
	if err != nil {
		return nil, err
	}
	return &chat.ToolResult{Success: true, Content: "Note saved as " + res.ID + "."}, nil
}
