package index

import (
	"strings"
	"unicode/utf8"
)

// Chunking bounds, in runes. Chunks overlap so sentences cut at a boundary
// still appear whole in one chunk.
const (
	DefaultChunkSize    = 1000
	DefaultChunkOverlap = 200
	minChunkSize        = 100
)

// Chunker slices unit text into embedding-sized pieces.
type Chunker struct {
	size    int
	overlap int
}

// NewChunker creates a chunker; zero values fall back to defaults.
func NewChunker(size, overlap int) *Chunker {
	if size < minChunkSize {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = DefaultChunkOverlap
	}
	return &Chunker{size: size, overlap: overlap}
}

// Chunk splits text into ordered chunks. Paragraph boundaries are preferred
// split points; a paragraph longer than the chunk size is windowed with
// overlap. Empty input yields no chunks.
func (c *Chunker) Chunk(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if utf8.RuneCountInString(text) <= c.size {
		return []string{text}
	}

	var chunks []string
	var current strings.Builder
	currentLen := 0

	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			chunks = append(chunks, s)
		}
		current.Reset()
		currentLen = 0
	}

	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		paraLen := utf8.RuneCountInString(para)

		if paraLen > c.size {
			flush()
			chunks = append(chunks, c.window(para)...)
			continue
		}
		if currentLen > 0 && currentLen+paraLen+2 > c.size {
			flush()
		}
		if currentLen > 0 {
			current.WriteString("\n\n")
			currentLen += 2
		}
		current.WriteString(para)
		currentLen += paraLen
	}
	flush()
	return chunks
}

// window slides a fixed-size window with overlap over one long paragraph.
func (c *Chunker) window(text string) []string {
	runes := []rune(text)
	step := c.size - c.overlap
	var chunks []string
	for start := 0; start < len(runes); start += step {
		end := start + c.size
		if end > len(runes) {
			end = len(runes)
		}
		chunk := strings.TrimSpace(string(runes[start:end]))
		if chunk != "" {
			chunks = append(chunks, chunk)
		}
		if end == len(runes) {
			break
		}
	}
	return chunks
}
