package filetype

import (
	"bytes"
	"image"
	"image/jpeg"
	"image/png"
	"testing"
)

func TestDetectPNG(t *testing.T) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4))); err != nil {
		t.Fatal(err)
	}
	info, err := Detect(buf.Bytes())
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if info.Kind != KindRaster || info.MIMEType != "image/png" {
		t.Errorf("info = %+v", info)
	}
	if err := info.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestDetectJPEG(t *testing.T) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4)), nil); err != nil {
		t.Fatal(err)
	}
	info, err := Detect(buf.Bytes())
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if info.Kind != KindRaster || info.MIMEType != "image/jpeg" {
		t.Errorf("info = %+v", info)
	}
}

func TestDetectPDF(t *testing.T) {
	// minimal header is enough for magic byte sniffing
	info, err := Detect([]byte("%PDF-1.7\n%\xe2\xe3\xcf\xd3\n"))
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if info.Kind != KindPDF {
		t.Errorf("kind = %v, want pdf", info.Kind)
	}
}

func TestDetectUnsupported(t *testing.T) {
	info, err := Detect([]byte("just some text, definitely not a drawing"))
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if info.Kind != KindUnsupported {
		t.Errorf("kind = %v, want unsupported", info.Kind)
	}
	if err := info.Validate(); err == nil {
		t.Error("Validate accepted unsupported type")
	}
}

func TestDetectEmpty(t *testing.T) {
	if _, err := Detect(nil); err == nil {
		t.Fatal("expected error for empty input")
	}
}
