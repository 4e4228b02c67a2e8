package rasterizer

import (
	"bytes"
	"context"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"regexp"

	_ "golang.org/x/image/webp"

	"github.com/yuelin/studydesk/internal/domain"
)

// Page is one rendered document page plus whatever native text the document
// carried for it. TextHint is empty for scanned pages; OCR fills the gap later.
type Page struct {
	Index    int
	Data     []byte
	MimeType string
	Width    int
	Height   int
	TextHint string
}

// Result is the outcome of rasterizing one document blob.
type Result struct {
	PageCount int
	Pages     []Page
}

// Rasterizer turns a document blob into per-page images. Implementations may
// shell out to an external renderer; the in-process one accepts page images
// rendered elsewhere.
type Rasterizer interface {
	Rasterize(ctx context.Context, data []byte, mimeType string) (*Result, error)

	// RasterizePages pairs a validated PDF with renderer-supplied page images.
	RasterizePages(ctx context.Context, data []byte, pageImages [][]byte) (*Result, error)
}

// MaxDocumentBytes caps accepted documents at 200 MiB. Larger files are
// rejected before any page work starts.
const MaxDocumentBytes = 200 << 20

// DefaultDPI is the render resolution for page images.
const DefaultDPI = 300

var (
	pdfHeader  = []byte("%PDF-")
	encryptRef = []byte("/Encrypt")
	pageType   = regexp.MustCompile(`/Type\s*/Page[^s]`)
)

// ValidatePDF rejects documents the pipeline cannot process: non-PDF bytes,
// encrypted files, and files over MaxDocumentBytes. Returns the page count
// read from the document structure.
func ValidatePDF(data []byte) (pageCount int, err error) {
	if int64(len(data)) > MaxDocumentBytes {
		return 0, domain.Validationf("document exceeds %d MiB limit", MaxDocumentBytes>>20)
	}
	if !bytes.HasPrefix(data, pdfHeader) {
		return 0, domain.Validationf("not a PDF document")
	}
	if bytes.Contains(data, encryptRef) {
		return 0, domain.Validationf("encrypted PDF documents are not supported")
	}
	pageCount = len(pageType.FindAll(data, -1))
	if pageCount == 0 {
		return 0, domain.Validationf("PDF has no pages")
	}
	return pageCount, nil
}

// DecodeDimensions reads image dimensions without a full decode.
func DecodeDimensions(data []byte) (width, height int, err error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return 0, 0, domain.WrapIo(err, "decode image header")
	}
	return cfg.Width, cfg.Height, nil
}

// ContentTypeForFormat maps an image format suffix to a MIME type.
func ContentTypeForFormat(format string) string {
	switch format {
	case "jpeg", "jpg":
		return "image/jpeg"
	case "png":
		return "image/png"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"
	default:
		return "application/octet-stream"
	}
}
