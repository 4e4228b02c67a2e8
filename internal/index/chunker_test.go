package index

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
)

func TestChunkEmptyAndShortText(t *testing.T) {
	c := NewChunker(DefaultChunkSize, DefaultChunkOverlap)

	require.Nil(t, c.Chunk(""))
	require.Nil(t, c.Chunk("   \n\n  "))

	chunks := c.Chunk("a short note")
	require.Equal(t, []string{"a short note"}, chunks)
}

func TestChunkPrefersParagraphBoundaries(t *testing.T) {
	c := NewChunker(100, 0)

	para := strings.Repeat("x", 60)
	text := para + "\n\n" + para + "\n\n" + para
	chunks := c.Chunk(text)

	// 60+60 exceeds the budget, so each paragraph stands alone.
	require.Len(t, chunks, 3)
	for _, chunk := range chunks {
		require.Equal(t, para, chunk)
	}
}

func TestChunkPacksSmallParagraphs(t *testing.T) {
	c := NewChunker(200, 0)

	text := "first paragraph\n\nsecond paragraph"
	chunks := c.Chunk(text)
	require.Len(t, chunks, 1)
	require.Equal(t, text, chunks[0])
}

func TestChunkWindowsLongParagraphWithOverlap(t *testing.T) {
	c := NewChunker(100, 20)

	long := strings.Repeat("abcdefghij", 25) // 250 runes, no paragraph breaks
	chunks := c.Chunk(long)
	require.True(t, len(chunks) >= 3)

	for _, chunk := range chunks {
		require.LessOrEqual(t, utf8.RuneCountInString(chunk), 100)
	}

	// Consecutive windows share the overlap region.
	tail := chunks[0][len(chunks[0])-20:]
	require.True(t, strings.HasPrefix(chunks[1], tail))
}

func TestChunkHandlesMultibyteRunes(t *testing.T) {
	c := NewChunker(100, 10)

	long := strings.Repeat("数学笔记", 60) // 240 runes
	chunks := c.Chunk(long)
	require.True(t, len(chunks) > 1)
	for _, chunk := range chunks {
		require.True(t, utf8.ValidString(chunk))
		require.LessOrEqual(t, utf8.RuneCountInString(chunk), 100)
	}
}

func TestNewChunkerClampsBadConfig(t *testing.T) {
	c := NewChunker(10, 5000)
	require.Equal(t, DefaultChunkSize, c.size)
	require.Equal(t, DefaultChunkOverlap, c.overlap)
}
