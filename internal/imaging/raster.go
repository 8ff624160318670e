// Package imaging loads drawing files into pixels and crops tiles out of
// them. Raster formats decode directly; PDF drawings are rendered through
// MuPDF at a configurable DPI.
package imaging

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	_ "image/png"
	"math"

	"github.com/gen2brain/go-fitz"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/rs/zerolog/log"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/tiff"

	"github.com/local/drawingfusion/internal/tiling"
)

// Decode parses PNG, JPEG or TIFF bytes into an image.
func Decode(data []byte) (image.Image, string, error) {
	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode raster image: %w", err)
	}
	log.Debug().
		Str("format", format).
		Int("width", img.Bounds().Dx()).
		Int("height", img.Bounds().Dy()).
		Msg("decoded raster drawing")
	return img, format, nil
}

// PDFPageCount reports how many pages a PDF carries without rendering it.
func PDFPageCount(data []byte) (int, error) {
	n, err := api.PageCount(bytes.NewReader(data), nil)
	if err != nil {
		return 0, fmt.Errorf("pdf page count failed: %w", err)
	}
	return n, nil
}

// RasterizePDF renders one page of a PDF to pixels at the given DPI.
// Pages are 1-based.
func RasterizePDF(data []byte, page int, dpi float64) (image.Image, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, fmt.Errorf("failed to open PDF: %w", err)
	}
	defer doc.Close()

	if page < 1 || page > doc.NumPage() {
		return nil, fmt.Errorf("page %d out of range, document has %d", page, doc.NumPage())
	}

	// go-fitz uses 0-based indexing
	img, err := doc.ImageDPI(page-1, dpi)
	if err != nil {
		return nil, fmt.Errorf("failed to render page %d: %w", page, err)
	}
	log.Debug().
		Int("page", page).
		Float64("dpi", dpi).
		Int("width", img.Bounds().Dx()).
		Int("height", img.Bounds().Dy()).
		Msg("rasterized pdf page")
	return img, nil
}

// CropTile cuts one tile rectangle out of the drawing. The returned image
// has its origin at (0,0) so tile pixels line up with tile-local
// coordinates.
func CropTile(src image.Image, r tiling.Rect) image.Image {
	rect := image.Rect(r.X, r.Y, r.X+r.W, r.Y+r.H).Intersect(src.Bounds())
	out := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(out, out.Bounds(), src, rect.Min, draw.Src)
	return out
}

// DownscaleToFit shrinks an image so neither side exceeds maxSide, keeping
// the aspect ratio. Returns the image and the applied scale factor; a factor
// of 1 means the input was returned untouched. Detections made on a scaled
// image divide their coordinates by the factor to get back to source pixels.
func DownscaleToFit(img image.Image, maxSide int) (image.Image, float64) {
	b := img.Bounds()
	longest := b.Dx()
	if b.Dy() > longest {
		longest = b.Dy()
	}
	if maxSide <= 0 || longest <= maxSide {
		return img, 1
	}
	scale := float64(maxSide) / float64(longest)
	nw := int(math.Round(float64(b.Dx()) * scale))
	nh := int(math.Round(float64(b.Dy()) * scale))
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	xdraw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, xdraw.Over, nil)
	log.Debug().
		Int("src_w", b.Dx()).
		Int("src_h", b.Dy()).
		Int("dst_w", nw).
		Int("dst_h", nh).
		Msg("downscaled oversized tile")
	return dst, scale
}

// EncodeJPEG encodes an image for transport to OCR and vision providers.
func EncodeJPEG(img image.Image, quality int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("failed to encode JPEG: %w", err)
	}
	return buf.Bytes(), nil
}

// ToBase64 converts binary data to base64 string
func ToBase64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// FromBase64 converts base64 string back to binary data
func FromBase64(b64 string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(b64)
}
