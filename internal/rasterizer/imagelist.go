package rasterizer

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"io"
	"strings"

	"github.com/yuelin/studydesk/internal/domain"
	"github.com/yuelin/studydesk/internal/logger"
)

// ImageListRasterizer is the in-process implementation: PDF pages arrive as
// pre-rendered images from the desktop renderer, DOCX bodies are read for
// native text, and plain images pass through as a single page.
type ImageListRasterizer struct {
	logger *logger.Logger
	dpi    int
}

// NewImageListRasterizer creates the in-process rasterizer.
func NewImageListRasterizer(log *logger.Logger, dpi int) *ImageListRasterizer {
	if dpi <= 0 {
		dpi = DefaultDPI
	}
	return &ImageListRasterizer{logger: log, dpi: dpi}
}

// Rasterize handles single-image blobs directly. Multi-page documents go
// through RasterizePages with renderer-supplied page images.
func (r *ImageListRasterizer) Rasterize(ctx context.Context, data []byte, mimeType string) (*Result, error) {
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		width, height, err := DecodeDimensions(data)
		if err != nil {
			return nil, err
		}
		return &Result{
			PageCount: 1,
			Pages: []Page{{
				Index:    0,
				Data:     data,
				MimeType: mimeType,
				Width:    width,
				Height:   height,
			}},
		}, nil
	case mimeType == "application/pdf":
		pageCount, err := ValidatePDF(data)
		if err != nil {
			return nil, err
		}
		// Page images come from the renderer sidecar; without them we can
		// still report structure so the caller can schedule rendering.
		return &Result{PageCount: pageCount}, nil
	case isDocxMime(mimeType):
		text, err := ExtractDocxText(data)
		if err != nil {
			return nil, err
		}
		return &Result{
			PageCount: 1,
			Pages:     []Page{{Index: 0, TextHint: text}},
		}, nil
	default:
		return nil, domain.Validationf("unsupported document type %q", mimeType)
	}
}

// RasterizePages pairs a validated document with renderer-supplied page
// images. Image count must match the document's page count.
func (r *ImageListRasterizer) RasterizePages(ctx context.Context, data []byte, pageImages [][]byte) (*Result, error) {
	pageCount, err := ValidatePDF(data)
	if err != nil {
		return nil, err
	}
	if len(pageImages) != pageCount {
		return nil, domain.Validationf("renderer produced %d pages, document has %d", len(pageImages), pageCount)
	}

	result := &Result{PageCount: pageCount, Pages: make([]Page, 0, pageCount)}
	for i, img := range pageImages {
		width, height, err := DecodeDimensions(img)
		if err != nil {
			r.logger.WithField("page", i).WithError(err).Warn("Failed to decode page image dimensions")
			width, height = 0, 0
		}
		result.Pages = append(result.Pages, Page{
			Index:    i,
			Data:     img,
			MimeType: "image/png",
			Width:    width,
			Height:   height,
		})
	}
	return result, nil
}

func isDocxMime(mimeType string) bool {
	return mimeType == "application/vnd.openxmlformats-officedocument.wordprocessingml.document" ||
		mimeType == "application/docx"
}

// docx body XML, just enough structure to pull paragraph text.
type docxDocument struct {
	Body struct {
		Paragraphs []struct {
			Runs []struct {
				Text string `xml:"t"`
			} `xml:"r"`
		} `xml:"p"`
	} `xml:"body"`
}

// ExtractDocxText pulls paragraph text from a DOCX archive.
func ExtractDocxText(data []byte) (string, error) {
	if int64(len(data)) > MaxDocumentBytes {
		return "", domain.Validationf("document exceeds %d MiB limit", MaxDocumentBytes>>20)
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", domain.Validationf("not a DOCX document")
	}
	for _, f := range zr.File {
		if f.Name != "word/document.xml" {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return "", domain.WrapIo(err, "open docx body")
		}
		raw, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return "", domain.WrapIo(err, "read docx body")
		}
		var doc docxDocument
		if err := xml.Unmarshal(raw, &doc); err != nil {
			return "", domain.Validationf("malformed DOCX body")
		}
		var sb strings.Builder
		for _, p := range doc.Body.Paragraphs {
			for _, run := range p.Runs {
				sb.WriteString(run.Text)
			}
			sb.WriteString("\n")
		}
		return strings.TrimSpace(sb.String()), nil
	}
	return "", domain.Validationf("DOCX archive has no document body")
}
