package executor

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeOCRTextCollapsesWhitespace(t *testing.T) {
	in := "  Chapter   1 \n\n   The    Limit  \n"
	require.Equal(t, "Chapter 1\nThe Limit", NormalizeOCRText(in))
}

func TestNormalizeOCRTextStripsNoTextAnswers(t *testing.T) {
	for _, in := range []string{
		"", "   ", "None", "no text", "N/A", "null.",
		`"empty"`, "无文字", "没有文字。",
	} {
		require.Empty(t, NormalizeOCRText(in), "input %q", in)
	}
}

func TestNormalizeOCRTextKeepsRealContent(t *testing.T) {
	// "None" as part of a sentence is content, not a blank-page answer.
	require.Equal(t, "None of the above", NormalizeOCRText("None of the above"))
	require.Equal(t, "x = 5", NormalizeOCRText("  x  =  5  "))
}

func TestNormalizeOCRTextDropsBlankLines(t *testing.T) {
	in := "line one\n\n   \nline two"
	require.Equal(t, "line one\nline two", NormalizeOCRText(in))
}
