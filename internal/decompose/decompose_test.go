package decompose

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docstream/ocrpipe/internal/domain"
	"github.com/docstream/ocrpipe/internal/observability"
)

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for x := 0; x < 8; x++ {
		img.Set(x, x, color.Black)
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func jpegBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 8)), nil))
	return buf.Bytes()
}

// minimalPDF builds a valid single-xref PDF with the given number of empty
// pages, offsets computed as the body is assembled.
func minimalPDF(pages int) []byte {
	var body bytes.Buffer
	offsets := make([]int, 0, pages+3)

	addObj := func(s string) {
		offsets = append(offsets, body.Len())
		body.WriteString(s)
	}

	body.WriteString("%PDF-1.4\n")

	kids := ""
	for i := 0; i < pages; i++ {
		if i > 0 {
			kids += " "
		}
		kids += fmt.Sprintf("%d 0 R", 3+i)
	}

	addObj("1 0 obj\n<< /Type /Catalog /Pages 2 0 R >>\nendobj\n")
	addObj(fmt.Sprintf("2 0 obj\n<< /Type /Pages /Kids [%s] /Count %d >>\nendobj\n", kids, pages))
	for i := 0; i < pages; i++ {
		addObj(fmt.Sprintf("%d 0 obj\n<< /Type /Page /Parent 2 0 R /MediaBox [0 0 200 200] >>\nendobj\n", 3+i))
	}

	xrefStart := body.Len()
	fmt.Fprintf(&body, "xref\n0 %d\n", len(offsets)+1)
	body.WriteString("0000000000 65535 f \n")
	for _, off := range offsets {
		fmt.Fprintf(&body, "%010d 00000 n \n", off)
	}
	fmt.Fprintf(&body, "trailer\n<< /Size %d /Root 1 0 R >>\nstartxref\n%d\n%%%%EOF\n", len(offsets)+1, xrefStart)

	return body.Bytes()
}

func TestFromFileSingleImage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "photo.png")
	require.NoError(t, os.WriteFile(path, pngBytes(t), 0o644))

	d := New(85, observability.Nop())
	src := domain.SourceRef{RelPath: "photo.png"}
	units, err := d.FromFile(path, src, domain.ResolutionBase)
	require.NoError(t, err)

	require.Len(t, units, 1)
	assert.Equal(t, 0, units[0].PageIndex)
	assert.False(t, units[0].MultiPage())
	assert.Equal(t, src, units[0].Source)
	assert.NotEmpty(t, units[0].Image)
}

func TestFromFileUnsupportedFormat(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello"), 0o644))

	d := New(85, observability.Nop())
	_, err := d.FromFile(path, domain.SourceRef{RelPath: "notes.txt"}, domain.ResolutionBase)
	require.Error(t, err)
	assert.Equal(t, domain.KindDecomposition, domain.KindOf(err))
}

func TestFromFilePDFPages(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "report.pdf")
	require.NoError(t, os.WriteFile(path, minimalPDF(3), 0o644))

	d := New(85, observability.Nop())
	src := domain.SourceRef{RelPath: "report.pdf"}
	units, err := d.FromFile(path, src, domain.ResolutionSmall)
	require.NoError(t, err)

	require.Len(t, units, 3)
	for i, u := range units {
		assert.Equal(t, i+1, u.PageIndex, "pages must be 1-based and in order")
		assert.True(t, u.MultiPage())
		assert.Equal(t, src, u.Source)
		assert.Equal(t, FormatImage, SniffFormat(u.Image), "rendered page must be an encoded image")
	}
}

func TestFromFileCorruptPDF(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "broken.pdf")
	require.NoError(t, os.WriteFile(path, []byte("%PDF-1.4 garbage"), 0o644))

	d := New(85, observability.Nop())
	_, err := d.FromFile(path, domain.SourceRef{RelPath: "broken.pdf"}, domain.ResolutionBase)
	require.Error(t, err)
	assert.Equal(t, domain.KindDecomposition, domain.KindOf(err))
}

func TestFromBytesImage(t *testing.T) {
	d := New(85, observability.Nop())
	src := domain.SourceRef{Collection: "org/x", Subset: "raw", Split: "train", RelPath: "row_1", Column: "content"}

	units, err := d.FromBytes(jpegBytes(t), src, domain.ResolutionBase)
	require.NoError(t, err)
	require.Len(t, units, 1)
	assert.Equal(t, src, units[0].Source)
}

func TestFromBytesPDF(t *testing.T) {
	d := New(85, observability.Nop())
	src := domain.SourceRef{Collection: "org/x", Subset: "raw", Split: "train", RelPath: "row_2", Column: "content"}

	units, err := d.FromBytes(minimalPDF(2), src, domain.ResolutionBase)
	require.NoError(t, err)
	require.Len(t, units, 2)
	assert.Equal(t, 1, units[0].PageIndex)
	assert.Equal(t, 2, units[1].PageIndex)
}

func TestFromBytesUndecodable(t *testing.T) {
	d := New(85, observability.Nop())
	src := domain.SourceRef{Collection: "org/x", Subset: "raw", Split: "train", RelPath: "row_3", Column: "content"}

	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: nil},
		{name: "text", data: []byte("just some text")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.FromBytes(tt.data, src, domain.ResolutionBase)
			require.Error(t, err)
			assert.Equal(t, domain.KindDatasetRow, domain.KindOf(err))
		})
	}
}

func TestSniffFormat(t *testing.T) {
	assert.Equal(t, FormatImage, SniffFormat(pngBytes(t)))
	assert.Equal(t, FormatImage, SniffFormat(jpegBytes(t)))
	assert.Equal(t, FormatImage, SniffFormat([]byte("II*\x00tiff-data")))
	assert.Equal(t, FormatImage, SniffFormat([]byte("MM\x00*tiff-data")))
	assert.Equal(t, FormatPDF, SniffFormat(minimalPDF(1)))
	assert.Equal(t, FormatUnknown, SniffFormat([]byte("plain text")))
}

func TestIsSupported(t *testing.T) {
	assert.True(t, IsSupported("a/b/photo.JPG"))
	assert.True(t, IsSupported("scan.tiff"))
	assert.True(t, IsSupported("doc.pdf"))
	assert.False(t, IsSupported("notes.txt"))
	assert.False(t, IsSupported("archive.zip"))
	assert.True(t, IsPDF("DOC.PDF"))
	assert.False(t, IsPDF("photo.png"))
}
