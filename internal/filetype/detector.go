// Package filetype sniffs uploaded drawing files by magic bytes. Filenames
// lie; the content decides whether a file goes through the PDF renderer or
// straight into the raster decoder.
package filetype

import (
	"fmt"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog/log"
)

// Kind classifies a drawing input.
type Kind string

const (
	KindPDF         Kind = "pdf"
	KindRaster      Kind = "raster"
	KindUnsupported Kind = "unsupported"
)

// Info contains detected file type information
type Info struct {
	MIMEType  string
	Extension string
	Kind      Kind
}

var rasterMIMEs = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/tiff": true,
}

// Detect sniffs the MIME type from content and maps it to an input kind.
func Detect(data []byte) (*Info, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty input")
	}

	mtype := mimetype.Detect(data)
	info := &Info{
		MIMEType:  mtype.String(),
		Extension: mtype.Extension(),
		Kind:      KindUnsupported,
	}

	base := info.MIMEType
	if i := strings.Index(base, ";"); i >= 0 {
		base = strings.TrimSpace(base[:i])
	}
	switch {
	case base == "application/pdf":
		info.Kind = KindPDF
	case rasterMIMEs[base]:
		info.Kind = KindRaster
	}

	log.Debug().
		Str("mime", info.MIMEType).
		Str("ext", info.Extension).
		Str("kind", string(info.Kind)).
		Msg("detected file type")
	return info, nil
}

// Validate returns an error for kinds the pipeline cannot process.
func (i *Info) Validate() error {
	if i.Kind == KindUnsupported {
		return fmt.Errorf("unsupported file type %s, want PDF, PNG, JPEG or TIFF", i.MIMEType)
	}
	return nil
}
