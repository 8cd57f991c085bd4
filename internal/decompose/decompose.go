// Package decompose expands input artifacts into atomic conversion units:
// one unit per image, one unit per PDF page.
package decompose

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/docstream/ocrpipe/internal/domain"
	"github.com/docstream/ocrpipe/internal/observability"
)

var imageExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".bmp":  true,
	".tiff": true,
	".webp": true,
}

// Decomposer turns files and raw dataset payloads into ConversionUnits.
type Decomposer struct {
	quality int
	logger  *observability.Logger
}

// New creates a Decomposer. quality is the JPEG quality used for
// rasterized PDF pages.
func New(quality int, logger *observability.Logger) *Decomposer {
	if quality < 1 || quality > 100 {
		quality = 85
	}
	return &Decomposer{quality: quality, logger: logger.WithComponent("decompose")}
}

// IsSupported reports whether the file extension names a convertible
// artifact.
func IsSupported(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".pdf" || imageExtensions[ext]
}

// IsPDF reports whether the path names a PDF by extension.
func IsPDF(path string) bool {
	return strings.ToLower(filepath.Ext(path)) == ".pdf"
}

// FromFile produces the ordered units for one file. Single images yield
// exactly one unit with PageIndex 0; PDFs yield one unit per page with
// 1-based indices in page order. Reads the source but never writes output
// or calls the backend.
func (d *Decomposer) FromFile(absPath string, src domain.SourceRef, mode domain.ResolutionMode) ([]domain.ConversionUnit, error) {
	if IsPDF(absPath) {
		pages, err := d.rasterizePDF(absPath)
		if err != nil {
			return nil, err
		}
		return d.pageUnits(src, pages, mode), nil
	}

	if !IsSupported(absPath) {
		return nil, domain.DecompositionError(fmt.Sprintf("unsupported format %q", filepath.Ext(absPath)), nil)
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, domain.DecompositionError(fmt.Sprintf("read %s", src.ID()), err)
	}
	return []domain.ConversionUnit{{Source: src, Image: data, Mode: mode}}, nil
}

// FromBytes produces units for a raw dataset payload. The content type is
// sniffed: image payloads yield one unit, PDF payloads one unit per page.
// Undecodable payloads fail with a dataset row error attributed to the
// whole source.
func (d *Decomposer) FromBytes(data []byte, src domain.SourceRef, mode domain.ResolutionMode) ([]domain.ConversionUnit, error) {
	return d.FromBytesHint(data, "", src, mode)
}

// FromBytesHint is FromBytes with an extension hint (from a dataset
// extension column) consulted only when sniffing is inconclusive.
func (d *Decomposer) FromBytesHint(data []byte, ext string, src domain.SourceRef, mode domain.ResolutionMode) ([]domain.ConversionUnit, error) {
	if len(data) == 0 {
		return nil, domain.RowError(fmt.Sprintf("%s: empty payload", src.ID()), nil)
	}

	kind := SniffFormat(data)
	if kind == FormatUnknown {
		kind = formatFromExt(ext)
	}
	switch kind {
	case FormatImage:
		return []domain.ConversionUnit{{Source: src, Image: data, Mode: mode}}, nil
	case FormatPDF:
		pages, err := d.rasterizePDFBytes(data, src)
		if err != nil {
			return nil, err
		}
		return d.pageUnits(src, pages, mode), nil
	default:
		return nil, domain.RowError(fmt.Sprintf("%s: payload is neither an image nor a PDF", src.ID()), nil)
	}
}

func formatFromExt(ext string) Format {
	ext = strings.ToLower(strings.TrimPrefix(ext, "."))
	switch {
	case ext == "pdf":
		return FormatPDF
	case imageExtensions["."+ext]:
		return FormatImage
	default:
		return FormatUnknown
	}
}

func (d *Decomposer) pageUnits(src domain.SourceRef, pages [][]byte, mode domain.ResolutionMode) []domain.ConversionUnit {
	units := make([]domain.ConversionUnit, 0, len(pages))
	for i, img := range pages {
		units = append(units, domain.ConversionUnit{
			Source:    src,
			PageIndex: i + 1,
			Image:     img,
			Mode:      mode,
		})
	}
	d.logger.Debug().Str("source", src.ID()).Int("pages", len(units)).Msg("Decomposed multi-page source")
	return units
}
