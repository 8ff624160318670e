package ocr

import (
	"context"

	"github.com/otiai10/gosseract/v2"

	"github.com/local/drawingfusion/internal/tiling"
)

// TesseractProvider is the local recognition backend. A gosseract client is
// not safe for concurrent use, so each call gets its own.
type TesseractProvider struct {
	language string
}

func NewTesseractProvider(language string) *TesseractProvider {
	if language == "" {
		language = "eng"
	}
	return &TesseractProvider{language: language}
}

func (p *TesseractProvider) Recognize(ctx context.Context, imageBytes []byte) ([]RawRegion, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	client := gosseract.NewClient()
	defer client.Close()

	if err := client.SetLanguage(p.language); err != nil {
		return nil, err
	}
	if err := client.SetImageFromBytes(imageBytes); err != nil {
		return nil, err
	}

	boxes, err := client.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil {
		return nil, err
	}

	out := make([]RawRegion, 0, len(boxes))
	for _, b := range boxes {
		out = append(out, RawRegion{
			Text:       b.Word,
			Confidence: b.Confidence / 100,
			Box: tiling.Box{
				float64(b.Box.Min.X),
				float64(b.Box.Min.Y),
				float64(b.Box.Max.X),
				float64(b.Box.Max.Y),
			},
		})
	}
	return out, nil
}
