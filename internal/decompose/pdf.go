package decompose

import (
	"bytes"
	"fmt"
	"image/jpeg"

	"github.com/gen2brain/go-fitz"

	"github.com/docstream/ocrpipe/internal/domain"
)

// rasterizePDF renders every page of a PDF file to in-memory JPEG bytes,
// in page order.
func (d *Decomposer) rasterizePDF(path string) ([][]byte, error) {
	doc, err := fitz.New(path)
	if err != nil {
		return nil, domain.DecompositionError(fmt.Sprintf("open PDF %s", path), err)
	}
	defer doc.Close()
	return d.renderPages(doc, path)
}

// rasterizePDFBytes renders an in-memory PDF payload, for dataset records.
func (d *Decomposer) rasterizePDFBytes(data []byte, src domain.SourceRef) ([][]byte, error) {
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, domain.RowError(fmt.Sprintf("%s: open PDF payload", src.ID()), err)
	}
	defer doc.Close()

	pages, err := d.renderPages(doc, src.ID())
	if err != nil {
		// Attribute dataset payload failures to the row, not the file.
		return nil, domain.RowError(fmt.Sprintf("%s: render PDF payload", src.ID()), err)
	}
	return pages, nil
}

func (d *Decomposer) renderPages(doc *fitz.Document, name string) ([][]byte, error) {
	pageCount := doc.NumPage()
	if pageCount == 0 {
		return nil, domain.DecompositionError(fmt.Sprintf("%s has no pages", name), nil)
	}

	pages := make([][]byte, 0, pageCount)
	for pageNum := 0; pageNum < pageCount; pageNum++ {
		img, err := doc.Image(pageNum)
		if err != nil {
			return nil, domain.DecompositionError(fmt.Sprintf("%s: render page %d", name, pageNum+1), err)
		}

		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: d.quality}); err != nil {
			return nil, domain.DecompositionError(fmt.Sprintf("%s: encode page %d", name, pageNum+1), err)
		}
		pages = append(pages, buf.Bytes())
	}
	return pages, nil
}
