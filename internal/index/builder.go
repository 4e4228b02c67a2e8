package index

import (
	"encoding/json"
	"strings"

	"github.com/yuelin/studydesk/internal/domain"
)

// CreateUnitInput is one unit a builder wants to exist for a resource.
// UnitIndex is assigned by position; builders emit units in order.
type CreateUnitInput struct {
	ImageBlobHash string
	ImageMimeType string
	TextContent   string
	TextSource    domain.TextSource
	TextRequired  bool
	MmRequired    bool
}

// UnitBuilder maps one resource's payload to its ordered unit inputs.
// Builders must be deterministic: the same payload always yields the same
// units so re-sync produces stable unit_index values.
type UnitBuilder interface {
	Build(res *domain.Resource) ([]CreateUnitInput, error)
}

// BuilderRegistry dispatches resources to their type's builder.
type BuilderRegistry struct {
	builders map[domain.ResourceType]UnitBuilder
}

// NewBuilderRegistry creates a registry with all built-in builders.
func NewBuilderRegistry() *BuilderRegistry {
	r := &BuilderRegistry{builders: map[domain.ResourceType]UnitBuilder{}}
	native := nativeTextBuilder{}
	paged := pagedBuilder{}
	r.Register(domain.ResourceNote, native)
	r.Register(domain.ResourceEssay, native)
	r.Register(domain.ResourceMindmap, native)
	r.Register(domain.ResourceTranslation, translationBuilder{})
	r.Register(domain.ResourceTextbook, paged)
	r.Register(domain.ResourceExam, paged)
	r.Register(domain.ResourceImage, imageBuilder{})
	r.Register(domain.ResourceFile, fileBuilder{})
	return r
}

// Register binds a builder to a resource type.
func (r *BuilderRegistry) Register(t domain.ResourceType, b UnitBuilder) {
	r.builders[t] = b
}

// Build runs the builder for the resource's type. Types without a builder
// (retrieval snapshots) produce no units.
func (r *BuilderRegistry) Build(res *domain.Resource) ([]CreateUnitInput, error) {
	b, ok := r.builders[res.ResourceType]
	if !ok {
		return nil, nil
	}
	return b.Build(res)
}

func payloadString(payload domain.JSONMap, key string) string {
	if payload == nil {
		return ""
	}
	if s, ok := payload[key].(string); ok {
		return s
	}
	return ""
}

func payloadInt(payload domain.JSONMap, key string) int {
	if payload == nil {
		return 0
	}
	switch v := payload[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	}
	return 0
}

// payloadStringArray parses a JSON-array-of-strings payload field. Missing or
// malformed fields read as empty.
func payloadStringArray(payload domain.JSONMap, key string) []string {
	raw := payloadString(payload, key)
	if raw == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

// nativeTextBuilder handles note, essay, and mindmap: one unit of native text.
type nativeTextBuilder struct{}

func (nativeTextBuilder) Build(res *domain.Resource) ([]CreateUnitInput, error) {
	content := strings.TrimSpace(payloadString(res.Payload, domain.PayloadContent))
	if content == "" {
		return nil, nil
	}
	return []CreateUnitInput{{
		TextContent:  content,
		TextSource:   domain.TextSourceNative,
		TextRequired: true,
	}}, nil
}

// translationBuilder joins both sides into one unit.
type translationBuilder struct{}

func (translationBuilder) Build(res *domain.Resource) ([]CreateUnitInput, error) {
	source := strings.TrimSpace(payloadString(res.Payload, domain.PayloadSourceText))
	translated := strings.TrimSpace(payloadString(res.Payload, domain.PayloadTranslated))
	if source == "" && translated == "" {
		return nil, nil
	}
	return []CreateUnitInput{{
		TextContent:  source + "\n\n---\n\n" + translated,
		TextSource:   domain.TextSourceNative,
		TextRequired: true,
	}}, nil
}

// pagedBuilder handles textbook and exam: one unit per page with the page's
// preview image and OCR text. Falls back to a single extracted-text unit when
// no per-page OCR exists.
type pagedBuilder struct{}

func (pagedBuilder) Build(res *domain.Resource) ([]CreateUnitInput, error) {
	pageCount := payloadInt(res.Payload, domain.PayloadPageCount)
	previews := payloadStringArray(res.Payload, domain.PayloadPreviewJSON)
	ocrPages := payloadStringArray(res.Payload, domain.PayloadOCRJSON)

	if pageCount <= 0 || (len(previews) == 0 && len(ocrPages) == 0) {
		extracted := strings.TrimSpace(payloadString(res.Payload, domain.PayloadExtractedText))
		if extracted == "" {
			return nil, nil
		}
		return []CreateUnitInput{{
			TextContent:  extracted,
			TextSource:   domain.TextSourceNative,
			TextRequired: true,
		}}, nil
	}

	units := make([]CreateUnitInput, 0, pageCount)
	for i := 0; i < pageCount; i++ {
		var unit CreateUnitInput
		if i < len(previews) && previews[i] != "" {
			unit.ImageBlobHash = previews[i]
			unit.ImageMimeType = "image/png"
			unit.MmRequired = true
		}
		if i < len(ocrPages) {
			if text := strings.TrimSpace(ocrPages[i]); text != "" {
				unit.TextContent = text
				unit.TextSource = domain.TextSourceOCR
				unit.TextRequired = true
			}
		}
		units = append(units, unit)
	}
	return units, nil
}

// imageBuilder handles standalone images: one unit with the blob and any OCR
// text found on it.
type imageBuilder struct{}

func (imageBuilder) Build(res *domain.Resource) ([]CreateUnitInput, error) {
	if res.BlobHash == "" {
		return nil, domain.Validationf("image resource %s has no blob", res.ID)
	}
	unit := CreateUnitInput{
		ImageBlobHash: res.BlobHash,
		ImageMimeType: payloadString(res.Payload, domain.PayloadMimeType),
		MmRequired:    true,
	}
	if unit.ImageMimeType == "" {
		unit.ImageMimeType = "image/png"
	}
	if text := strings.TrimSpace(payloadString(res.Payload, domain.PayloadOCRText)); text != "" {
		unit.TextContent = text
		unit.TextSource = domain.TextSourceOCR
		unit.TextRequired = true
	}
	return []CreateUnitInput{unit}, nil
}

// fileBuilder handles generic files: one unit per text source, native first.
type fileBuilder struct{}

func (fileBuilder) Build(res *domain.Resource) ([]CreateUnitInput, error) {
	extracted := strings.TrimSpace(payloadString(res.Payload, domain.PayloadExtractedText))
	ocrText := strings.TrimSpace(payloadString(res.Payload, domain.PayloadOCRText))

	var units []CreateUnitInput
	if extracted != "" {
		units = append(units, CreateUnitInput{
			TextContent:  extracted,
			TextSource:   domain.TextSourceNative,
			TextRequired: true,
		})
	}
	if ocrText != "" {
		units = append(units, CreateUnitInput{
			TextContent:  ocrText,
			TextSource:   domain.TextSourceOCR,
			TextRequired: true,
		})
	}
	return units, nil
}
