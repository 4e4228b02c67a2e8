package executor

import (
	"math"
	"regexp"
	"strconv"

	"github.com/yuelin/studydesk/internal/domain"
)

// Grounded vision models emit box coordinates normalized to a 0-999 grid,
// independent of the actual image size.
const groundingGridMax = 999

// BoundingBox is a pixel-space rectangle on a page image.
type BoundingBox struct {
	Label  string `json:"label"`
	X1     int    `json:"x1"`
	Y1     int    `json:"y1"`
	X2     int    `json:"x2"`
	Y2     int    `json:"y2"`
	PageIx int    `json:"page_index"`
}

var (
	refDetPattern = regexp.MustCompile(`<\|ref\|>(.*?)<\|/ref\|><\|det\|>\[(.*?)\]<\|/det\|>`)
	boxPattern    = regexp.MustCompile(`\[\s*(\d+)\s*,\s*(\d+)\s*,\s*(\d+)\s*,\s*(\d+)\s*\]`)
)

// DecodeGrounding parses ref/det grounding markup from model output and maps
// the normalized coordinates onto an image of the given pixel size.
func DecodeGrounding(output string, width, height int) ([]BoundingBox, error) {
	if width <= 0 || height <= 0 {
		return nil, domain.Validationf("invalid image size %dx%d", width, height)
	}

	var boxes []BoundingBox
	for _, m := range refDetPattern.FindAllStringSubmatch(output, -1) {
		label := m[1]
		for _, raw := range boxPattern.FindAllStringSubmatch(m[2], -1) {
			coords := make([]int, 4)
			ok := true
			for i := 0; i < 4; i++ {
				v, err := strconv.Atoi(raw[i+1])
				if err != nil || v < 0 || v > groundingGridMax {
					ok = false
					break
				}
				coords[i] = v
			}
			if !ok {
				continue
			}
			boxes = append(boxes, BoundingBox{
				Label: label,
				X1:    scaleCoord(coords[0], width),
				Y1:    scaleCoord(coords[1], height),
				X2:    scaleCoord(coords[2], width),
				Y2:    scaleCoord(coords[3], height),
			})
		}
	}
	return boxes, nil
}

// scaleCoord maps a 0-999 normalized coordinate to pixels.
func scaleCoord(norm, size int) int {
	return int(math.Round(float64(norm) * float64(size) / groundingGridMax))
}
