package decompose

import (
	"bytes"
	"net/http"
	"strings"
)

// Format is the sniffed content kind of a raw payload.
type Format int

const (
	FormatUnknown Format = iota
	FormatImage
	FormatPDF
)

// SniffFormat inspects a payload's leading bytes. It recognizes the image
// formats the pipeline accepts from disk (PNG, JPEG, GIF, BMP, WebP via
// content-type detection; TIFF via magic bytes) and PDF.
func SniffFormat(data []byte) Format {
	ct := http.DetectContentType(data)
	if ct == "application/pdf" {
		return FormatPDF
	}
	if strings.HasPrefix(ct, "image/") {
		return FormatImage
	}
	// TIFF is not covered by DetectContentType.
	if bytes.HasPrefix(data, []byte("II*\x00")) || bytes.HasPrefix(data, []byte("MM\x00*")) {
		return FormatImage
	}
	return FormatUnknown
}
