package executor

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yuelin/studydesk/internal/domain"
)

func TestDecodeGroundingScalesToPixels(t *testing.T) {
	output := `heading: <|ref|>Chapter 3<|/ref|><|det|>[[100, 200, 500, 300]]<|/det|>`

	boxes, err := DecodeGrounding(output, 1000, 2000)
	require.NoError(t, err)
	require.Len(t, boxes, 1)
	require.Equal(t, "Chapter 3", boxes[0].Label)
	require.Equal(t, 100, boxes[0].X1)
	require.Equal(t, 400, boxes[0].Y1)
	require.Equal(t, 501, boxes[0].X2) // 500*1000/999 rounds up
	require.Equal(t, 601, boxes[0].Y2)
}

func TestDecodeGroundingMultipleBoxesPerRef(t *testing.T) {
	output := `<|ref|>formula<|/ref|><|det|>[[0,0,999,999],[10,10,20,20]]<|/det|>`

	boxes, err := DecodeGrounding(output, 999, 999)
	require.NoError(t, err)
	require.Len(t, boxes, 2)
	require.Equal(t, "formula", boxes[0].Label)
	require.Equal(t, 999, boxes[0].X2)
	require.Equal(t, 10, boxes[1].X1)
}

func TestDecodeGroundingSkipsOutOfRangeCoords(t *testing.T) {
	output := `<|ref|>bad<|/ref|><|det|>[[0,0,1500,100]]<|/det|>` +
		`<|ref|>good<|/ref|><|det|>[[1,2,3,4]]<|/det|>`

	boxes, err := DecodeGrounding(output, 999, 999)
	require.NoError(t, err)
	require.Len(t, boxes, 1)
	require.Equal(t, "good", boxes[0].Label)
}

func TestDecodeGroundingInvalidImageSize(t *testing.T) {
	_, err := DecodeGrounding("anything", 0, 100)
	require.ErrorIs(t, err, domain.ErrValidation)
}

func TestDecodeGroundingPlainTextYieldsNoBoxes(t *testing.T) {
	boxes, err := DecodeGrounding("just ordinary model prose", 800, 600)
	require.NoError(t, err)
	require.Empty(t, boxes)
}
