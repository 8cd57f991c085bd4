package dataset

import (
	"context"
	"encoding/base64"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docstream/ocrpipe/internal/domain"
	"github.com/docstream/ocrpipe/internal/observability"
)

type fakeSource struct {
	rows  map[string][]Row // keyed subset/split
	errs  map[string]error
	blobs map[string][]byte
}

func (f *fakeSource) Rows(ctx context.Context, subset, split string, fn func(Row) error) error {
	key := subset + "/" + split
	for _, r := range f.rows[key] {
		if err := fn(r); err != nil {
			return err
		}
	}
	return f.errs[key]
}

func (f *fakeSource) FetchBlob(ctx context.Context, url string) ([]byte, error) {
	data, ok := f.blobs[url]
	if !ok {
		return nil, fmt.Errorf("fetch blob: status 404")
	}
	return data, nil
}

type collector struct {
	payloads []Payload
	failures []error
	progress []Progress
}

func (c *collector) emit(ctx context.Context, p Payload) (int, error) {
	c.payloads = append(c.payloads, p)
	return 1, nil
}

func (c *collector) onRowFailure(src domain.SourceRef, err error) {
	c.failures = append(c.failures, err)
}

func b64(s string) string { return base64.StdEncoding.EncodeToString([]byte(s)) }

func jobSpec(maxSamples int, subsets ...SubsetSpec) *JobSpec {
	return &JobSpec{
		Name:       "org/docs",
		OutputRoot: "./out",
		Streaming:  true,
		MaxSamples: maxSamples,
		Subsets:    subsets,
	}
}

func TestStreamFilterDoesNotCountTowardCap(t *testing.T) {
	// 10 rows, 6 match the filter; all retained rows fit under the cap.
	rows := make([]Row, 10)
	for i := range rows {
		kind := "text"
		if i < 6 {
			kind = "image"
		}
		rows[i] = Row{Index: int64(i), Values: map[string]any{
			"file_type": kind,
			"content":   b64(fmt.Sprintf("payload-%d", i)),
		}}
	}
	src := &fakeSource{rows: map[string][]Row{"raw/train": rows}}
	spec := jobSpec(100, SubsetSpec{
		Name:           "raw",
		Splits:         []string{"train"},
		ContentColumns: []string{"content"},
		FilterColumn:   "file_type",
		FilterValues:   []string{"image"},
	})

	c := &collector{}
	s := NewStreamer(spec, src, Options{}, observability.Nop())
	require.NoError(t, s.Stream(context.Background(), c.emit, c.onRowFailure))

	assert.Len(t, c.payloads, 6)
	assert.Empty(t, c.failures)
}

func TestStreamCapCountsRetainedRows(t *testing.T) {
	rows := make([]Row, 20)
	for i := range rows {
		kind := "skip"
		if i%2 == 0 {
			kind = "keep"
		}
		rows[i] = Row{Index: int64(i), Values: map[string]any{
			"kind":    kind,
			"content": b64("x"),
		}}
	}
	src := &fakeSource{rows: map[string][]Row{"raw/train": rows}}
	spec := jobSpec(4, SubsetSpec{
		Name:           "raw",
		Splits:         []string{"train"},
		ContentColumns: []string{"content"},
		FilterColumn:   "kind",
		FilterValues:   []string{"keep"},
	})

	c := &collector{}
	s := NewStreamer(spec, src, Options{}, observability.Nop())
	require.NoError(t, s.Stream(context.Background(), c.emit, c.onRowFailure))

	assert.Len(t, c.payloads, 4, "cap applies to retained rows, filtered rows excluded")
}

func TestStreamCapSpansSplitsWithinSubset(t *testing.T) {
	mkRows := func(n int, base int64) []Row {
		rows := make([]Row, n)
		for i := range rows {
			rows[i] = Row{Index: base + int64(i), Values: map[string]any{"content": b64("x")}}
		}
		return rows
	}
	src := &fakeSource{rows: map[string][]Row{
		"raw/train":   mkRows(3, 0),
		"raw/test":    mkRows(3, 100),
		"other/train": mkRows(3, 200),
	}}
	spec := jobSpec(4,
		SubsetSpec{Name: "raw", Splits: []string{"train", "test"}, ContentColumns: []string{"content"}},
		SubsetSpec{Name: "other", Splits: []string{"train"}, ContentColumns: []string{"content"}},
	)

	c := &collector{}
	s := NewStreamer(spec, src, Options{}, observability.Nop())
	require.NoError(t, s.Stream(context.Background(), c.emit, c.onRowFailure))

	bySubset := map[string]int{}
	for _, p := range c.payloads {
		bySubset[p.Source.Subset]++
	}
	assert.Equal(t, 4, bySubset["raw"], "cap shared across a subset's splits")
	assert.Equal(t, 3, bySubset["other"], "cap independent across subsets")
}

func TestStreamPrefersImageColumnsOverContent(t *testing.T) {
	src := &fakeSource{rows: map[string][]Row{"raw/train": {
		{Index: 0, Values: map[string]any{
			"image":   b64("decoded-image"),
			"content": b64("raw-bytes"),
		}},
		{Index: 1, Values: map[string]any{
			"content": b64("only-content"),
		}},
	}}}
	spec := jobSpec(0, SubsetSpec{
		Name:           "raw",
		Splits:         []string{"train"},
		ImageColumns:   []string{"image"},
		ContentColumns: []string{"content"},
	})

	c := &collector{}
	s := NewStreamer(spec, src, Options{}, observability.Nop())
	require.NoError(t, s.Stream(context.Background(), c.emit, c.onRowFailure))

	require.Len(t, c.payloads, 2)
	assert.Equal(t, "image", c.payloads[0].Source.Column)
	assert.Equal(t, []byte("decoded-image"), c.payloads[0].Data)
	assert.Equal(t, "content", c.payloads[1].Source.Column)
}

func TestStreamEmitsMultiplePopulatedColumns(t *testing.T) {
	src := &fakeSource{rows: map[string][]Row{"raw/train": {
		{Index: 0, Values: map[string]any{
			"front": b64("front-bytes"),
			"back":  b64("back-bytes"),
		}},
	}}}
	spec := jobSpec(0, SubsetSpec{
		Name:           "raw",
		Splits:         []string{"train"},
		ContentColumns: []string{"front", "back"},
	})

	c := &collector{}
	s := NewStreamer(spec, src, Options{}, observability.Nop())
	require.NoError(t, s.Stream(context.Background(), c.emit, c.onRowFailure))

	require.Len(t, c.payloads, 2)
	assert.Equal(t, "front", c.payloads[0].Source.Column)
	assert.Equal(t, "back", c.payloads[1].Source.Column)
}

func TestStreamMalformedRowContinues(t *testing.T) {
	src := &fakeSource{rows: map[string][]Row{"raw/train": {
		{Index: 0, Values: map[string]any{"content": float64(42)}}, // not bytes
		{Index: 1, Values: map[string]any{"content": b64("fine")}},
	}}}
	spec := jobSpec(0, SubsetSpec{
		Name:           "raw",
		Splits:         []string{"train"},
		ContentColumns: []string{"content"},
	})

	c := &collector{}
	s := NewStreamer(spec, src, Options{}, observability.Nop())
	require.NoError(t, s.Stream(context.Background(), c.emit, c.onRowFailure))

	require.Len(t, c.failures, 1)
	assert.Equal(t, domain.KindDatasetRow, domain.KindOf(c.failures[0]))
	require.Len(t, c.payloads, 1, "bad row never aborts the split")
	assert.Equal(t, int64(1), c.payloads[0].Source.Row)
}

func TestStreamRowIdentifierPrefersPathColumn(t *testing.T) {
	src := &fakeSource{rows: map[string][]Row{"raw/train": {
		{Index: 5, Values: map[string]any{
			"path":    "scans/invoice_07.png",
			"content": b64("x"),
		}},
		{Index: 6, Values: map[string]any{"content": b64("y")}},
	}}}
	spec := jobSpec(0, SubsetSpec{
		Name:           "raw",
		Splits:         []string{"train"},
		ContentColumns: []string{"content"},
	})

	c := &collector{}
	s := NewStreamer(spec, src, Options{}, observability.Nop())
	require.NoError(t, s.Stream(context.Background(), c.emit, c.onRowFailure))

	require.Len(t, c.payloads, 2)
	assert.Equal(t, "scans/invoice_07.png", c.payloads[0].Source.RelPath)
	assert.Equal(t, "row_6", c.payloads[1].Source.RelPath)
}

func TestStreamResolvesBlobReferences(t *testing.T) {
	src := &fakeSource{
		rows: map[string][]Row{"raw/train": {
			{Index: 0, Values: map[string]any{
				"image": map[string]any{"src": "https://blobs.example/img0.jpg"},
			}},
			{Index: 1, Values: map[string]any{
				"image": map[string]any{"src": "https://blobs.example/missing.jpg"},
			}},
		}},
		blobs: map[string][]byte{"https://blobs.example/img0.jpg": []byte("jpeg-bytes")},
	}
	spec := jobSpec(0, SubsetSpec{
		Name:         "raw",
		Splits:       []string{"train"},
		ImageColumns: []string{"image"},
	})

	c := &collector{}
	s := NewStreamer(spec, src, Options{}, observability.Nop())
	require.NoError(t, s.Stream(context.Background(), c.emit, c.onRowFailure))

	require.Len(t, c.payloads, 1)
	assert.Equal(t, []byte("jpeg-bytes"), c.payloads[0].Data)
	require.Len(t, c.failures, 1, "unfetchable blob is a row failure")
	assert.Equal(t, domain.KindDatasetRow, domain.KindOf(c.failures[0]))
}

func TestStreamCarriesExtensionHint(t *testing.T) {
	src := &fakeSource{rows: map[string][]Row{"raw/train": {
		{Index: 0, Values: map[string]any{
			"content": b64("x"),
			"ext":     "pdf",
		}},
	}}}
	spec := jobSpec(0, SubsetSpec{
		Name:            "raw",
		Splits:          []string{"train"},
		ContentColumns:  []string{"content"},
		ExtensionColumn: "ext",
	})

	c := &collector{}
	s := NewStreamer(spec, src, Options{}, observability.Nop())
	require.NoError(t, s.Stream(context.Background(), c.emit, c.onRowFailure))

	require.Len(t, c.payloads, 1)
	assert.Equal(t, "pdf", c.payloads[0].Ext)
}

func TestStreamSplitFailureDoesNotAbortSiblings(t *testing.T) {
	src := &fakeSource{
		rows: map[string][]Row{
			"raw/test": {{Index: 0, Values: map[string]any{"content": b64("x")}}},
		},
		errs: map[string]error{"raw/train": fmt.Errorf("fetch rows raw/train offset 0: status 500")},
	}
	spec := jobSpec(0, SubsetSpec{
		Name:           "raw",
		Splits:         []string{"train", "test"},
		ContentColumns: []string{"content"},
	})

	c := &collector{}
	s := NewStreamer(spec, src, Options{}, observability.Nop())
	err := s.Stream(context.Background(), c.emit, c.onRowFailure)

	require.Error(t, err, "first split failure is reported")
	assert.Len(t, c.payloads, 1, "sibling split still processed")
}

func TestStreamReportsProgress(t *testing.T) {
	rows := make([]Row, 5)
	for i := range rows {
		rows[i] = Row{Index: int64(i), Values: map[string]any{"content": b64("x")}}
	}
	src := &fakeSource{rows: map[string][]Row{"raw/train": rows}}
	spec := jobSpec(0, SubsetSpec{
		Name:           "raw",
		Splits:         []string{"train"},
		ContentColumns: []string{"content"},
	})

	c := &collector{}
	s := NewStreamer(spec, src, Options{
		OnProgress:    func(p Progress) { c.progress = append(c.progress, p) },
		ProgressEvery: 2,
	}, observability.Nop())
	require.NoError(t, s.Stream(context.Background(), c.emit, c.onRowFailure))

	require.NotEmpty(t, c.progress)
	last := c.progress[len(c.progress)-1]
	assert.Equal(t, "raw", last.Subset)
	assert.Equal(t, "train", last.Split)
	assert.Equal(t, int64(5), last.RowsSeen)
	assert.Equal(t, int64(5), last.RowsRetained)
	assert.Equal(t, int64(5), last.UnitsEmitted)
}

func TestStreamReportsProgressThroughFilteredStretches(t *testing.T) {
	// Every row is filtered out; progress must still surface periodically,
	// not only at the end of the split.
	rows := make([]Row, 6)
	for i := range rows {
		rows[i] = Row{Index: int64(i), Values: map[string]any{
			"file_type": "text",
			"content":   b64("x"),
		}}
	}
	src := &fakeSource{rows: map[string][]Row{"raw/train": rows}}
	spec := jobSpec(0, SubsetSpec{
		Name:           "raw",
		Splits:         []string{"train"},
		ContentColumns: []string{"content"},
		FilterColumn:   "file_type",
		FilterValues:   []string{"image"},
	})

	c := &collector{}
	s := NewStreamer(spec, src, Options{
		OnProgress:    func(p Progress) { c.progress = append(c.progress, p) },
		ProgressEvery: 2,
	}, observability.Nop())
	require.NoError(t, s.Stream(context.Background(), c.emit, c.onRowFailure))

	assert.Empty(t, c.payloads)
	require.GreaterOrEqual(t, len(c.progress), 3, "periodic progress fires on filtered rows")
	mid := c.progress[0]
	assert.Equal(t, int64(2), mid.RowsSeen)
	assert.Equal(t, int64(0), mid.RowsRetained)
}

func TestStreamHonorsCancellation(t *testing.T) {
	rows := make([]Row, 100)
	for i := range rows {
		rows[i] = Row{Index: int64(i), Values: map[string]any{"content": b64("x")}}
	}
	src := &fakeSource{rows: map[string][]Row{"raw/train": rows}}
	spec := jobSpec(0, SubsetSpec{
		Name:           "raw",
		Splits:         []string{"train"},
		ContentColumns: []string{"content"},
	})

	ctx, cancel := context.WithCancel(context.Background())
	c := &collector{}
	s := NewStreamer(spec, src, Options{}, observability.Nop())

	emitted := 0
	emit := func(ctx context.Context, p Payload) (int, error) {
		emitted++
		if emitted == 3 {
			cancel()
		}
		return 1, nil
	}

	err := s.Stream(ctx, emit, c.onRowFailure)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 3, emitted, "no rows admitted after cancellation")
}
