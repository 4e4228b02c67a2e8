package rasterizer

import (
	"archive/zip"
	"bytes"
	"context"
	"image"
	"image/png"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yuelin/studydesk/internal/domain"
	"github.com/yuelin/studydesk/internal/logger"
)

func pngBytes(t *testing.T, width, height int) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, width, height))))
	return buf.Bytes()
}

func docxBytes(t *testing.T, body string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	w, err := zw.Create("word/document.xml")
	require.NoError(t, err)
	_, err = w.Write([]byte(body))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

const minimalPDF = "%PDF-1.4\n1 0 obj << /Type /Page >> endobj\n2 0 obj << /Type /Page >> endobj\n%%EOF"

func TestValidatePDF(t *testing.T) {
	count, err := ValidatePDF([]byte(minimalPDF))
	require.NoError(t, err)
	require.Equal(t, 2, count)

	_, err = ValidatePDF([]byte("not a pdf at all"))
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = ValidatePDF([]byte("%PDF-1.4\n/Encrypt 1 0 R\n1 0 obj << /Type /Page >> endobj"))
	require.ErrorIs(t, err, domain.ErrValidation)

	_, err = ValidatePDF([]byte("%PDF-1.4\nno pages here"))
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestRasterizeImagePassesThrough(t *testing.T) {
	r := NewImageListRasterizer(logger.New(&logger.Config{Level: "error"}), 0)
	data := pngBytes(t, 40, 30)

	result, err := r.Rasterize(context.Background(), data, "image/png")
	require.NoError(t, err)
	require.Equal(t, 1, result.PageCount)
	require.Len(t, result.Pages, 1)
	require.Equal(t, 40, result.Pages[0].Width)
	require.Equal(t, 30, result.Pages[0].Height)
	require.Equal(t, data, result.Pages[0].Data)
}

func TestRasterizePDFWithoutPagesReportsStructure(t *testing.T) {
	r := NewImageListRasterizer(logger.New(&logger.Config{Level: "error"}), 0)

	result, err := r.Rasterize(context.Background(), []byte(minimalPDF), "application/pdf")
	require.NoError(t, err)
	require.Equal(t, 2, result.PageCount)
	require.Empty(t, result.Pages)
}

func TestRasterizePagesPairsImagesWithDocument(t *testing.T) {
	r := NewImageListRasterizer(logger.New(&logger.Config{Level: "error"}), 0)
	pages := [][]byte{pngBytes(t, 100, 140), pngBytes(t, 100, 140)}

	result, err := r.RasterizePages(context.Background(), []byte(minimalPDF), pages)
	require.NoError(t, err)
	require.Equal(t, 2, result.PageCount)
	require.Len(t, result.Pages, 2)
	require.Equal(t, 1, result.Pages[1].Index)
	require.Equal(t, 100, result.Pages[0].Width)

	// Page image count must match document structure.
	_, err = r.RasterizePages(context.Background(), []byte(minimalPDF), pages[:1])
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestRasterizeRejectsUnknownType(t *testing.T) {
	r := NewImageListRasterizer(logger.New(&logger.Config{Level: "error"}), 0)
	_, err := r.Rasterize(context.Background(), []byte("x"), "application/zip")
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestExtractDocxText(t *testing.T) {
	body := `<?xml version="1.0"?>
<document xmlns:w="ns"><body>
<p><r><t>First paragraph.</t></r><r><t> More.</t></r></p>
<p><r><t>Second paragraph.</t></r></p>
</body></document>`

	text, err := ExtractDocxText(docxBytes(t, body))
	require.NoError(t, err)
	require.Equal(t, "First paragraph. More.\nSecond paragraph.", text)

	_, err = ExtractDocxText([]byte("not a zip"))
	require.ErrorIs(t, err, domain.ErrValidation)
}
