package dataset

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/docstream/ocrpipe/internal/domain"
	"github.com/docstream/ocrpipe/internal/observability"
)

// Row is one raw dataset row as produced by a RecordSource. Values are the
// decoded JSON column values.
type Row struct {
	Index  int64
	Values map[string]any
}

// RecordSource lazily iterates the rows of one subset split, forward-only
// and without materializing the split. Iteration stops when fn returns a
// non-nil error; ErrStopSplit stops cleanly.
type RecordSource interface {
	Rows(ctx context.Context, subset, split string, fn func(Row) error) error
}

// BlobFetcher resolves indirect payloads (rows carrying a URL instead of
// inline bytes). Sources that never produce indirect payloads need not
// implement it.
type BlobFetcher interface {
	FetchBlob(ctx context.Context, url string) ([]byte, error)
}

// ErrStopSplit is returned by row callbacks to end a split early without
// signalling failure.
var ErrStopSplit = fmt.Errorf("stop split")

// Payload is one extracted binary payload, tagged with its origin.
type Payload struct {
	Source domain.SourceRef
	Data   []byte
	// Ext is an optional extension hint from the subset's extension column.
	Ext string
}

// Progress is a periodic snapshot of one split's iteration.
type Progress struct {
	Subset       string
	Split        string
	RowsSeen     int64
	RowsRetained int64
	UnitsEmitted int64
}

// EmitFunc receives one extracted payload and reports how many conversion
// units it produced. Returning an error aborts the run.
type EmitFunc func(ctx context.Context, p Payload) (int, error)

// RowFailureFunc is invoked for malformed rows so the caller can record a
// synthetic failure; streaming continues with the next row.
type RowFailureFunc func(src domain.SourceRef, err error)

// Options tunes a Streamer.
type Options struct {
	// OnProgress, if set, is called every ProgressEvery rows and at the end
	// of each split.
	OnProgress    func(Progress)
	ProgressEvery int64
}

// Streamer walks a JobSpec subset by subset and split by split, applying
// filters and per-subset caps, and hands extracted payloads to an EmitFunc.
type Streamer struct {
	spec   *JobSpec
	source RecordSource
	opts   Options
	logger *observability.Logger
}

// NewStreamer creates a Streamer for one job.
func NewStreamer(spec *JobSpec, source RecordSource, opts Options, logger *observability.Logger) *Streamer {
	if opts.ProgressEvery <= 0 {
		opts.ProgressEvery = 50
	}
	return &Streamer{spec: spec, source: source, opts: opts, logger: logger.WithComponent("dataset")}
}

// Stream iterates every subset and split in spec order. Row-level failures
// go to onRowFailure and never abort the run; source-level failures (split
// unreachable) abort the current split but not its siblings, and the first
// such error is returned after all subsets finish. The per-subset sample
// cap counts retained rows across all of the subset's splits.
func (s *Streamer) Stream(ctx context.Context, emit EmitFunc, onRowFailure RowFailureFunc) error {
	var firstErr error
	for i := range s.spec.Subsets {
		sub := &s.spec.Subsets[i]
		retained := int64(0)
		for _, split := range sub.Splits {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if s.spec.MaxSamples > 0 && retained >= int64(s.spec.MaxSamples) {
				break
			}
			n, err := s.streamSplit(ctx, sub, split, retained, emit, onRowFailure)
			retained += n
			if err != nil {
				if ctx.Err() != nil || domain.IsFatal(err) {
					return err
				}
				s.logger.Error().Str("subset", sub.Name).Str("split", split).Err(err).Msg("Split failed")
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	return firstErr
}

// streamSplit returns the number of retained rows it contributed.
func (s *Streamer) streamSplit(ctx context.Context, sub *SubsetSpec, split string, alreadyRetained int64, emit EmitFunc, onRowFailure RowFailureFunc) (int64, error) {
	prog := Progress{Subset: sub.Name, Split: split}
	retained := alreadyRetained

	err := s.source.Rows(ctx, sub.Name, split, func(row Row) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		prog.RowsSeen++

		if !s.rowPassesFilter(sub, row) {
			s.maybeProgress(&prog)
			return nil // filtered rows never count toward the cap
		}
		if s.spec.MaxSamples > 0 && retained >= int64(s.spec.MaxSamples) {
			return ErrStopSplit
		}
		retained++
		prog.RowsRetained++

		units, err := s.extractRow(ctx, sub, split, row, emit, onRowFailure)
		if err != nil {
			return err
		}
		prog.UnitsEmitted += int64(units)

		s.maybeProgress(&prog)
		return nil
	})
	if err == ErrStopSplit {
		err = nil
	}
	if s.opts.OnProgress != nil {
		s.opts.OnProgress(prog)
	}
	return retained - alreadyRetained, err
}

// maybeProgress fires the periodic callback. Keyed on rows seen, not rows
// retained, so a long run of filtered-out rows still surfaces progress.
func (s *Streamer) maybeProgress(prog *Progress) {
	if s.opts.OnProgress != nil && prog.RowsSeen%s.opts.ProgressEvery == 0 {
		s.opts.OnProgress(*prog)
	}
}

func (s *Streamer) rowPassesFilter(sub *SubsetSpec, row Row) bool {
	if sub.FilterColumn == "" {
		return true
	}
	val, ok := stringValue(row.Values[sub.FilterColumn])
	if !ok {
		return false
	}
	for _, want := range sub.FilterValues {
		if val == want {
			return true
		}
	}
	return false
}

// extractRow pulls the row's binary payloads and hands them to emit.
// Image columns are preferred; content columns are consulted only when no
// image column yielded a payload.
func (s *Streamer) extractRow(ctx context.Context, sub *SubsetSpec, split string, row Row, emit EmitFunc, onRowFailure RowFailureFunc) (int, error) {
	rowID := rowIdentifier(row)
	ext, _ := stringValue(row.Values[sub.ExtensionColumn])

	makeRef := func(col string) domain.SourceRef {
		return domain.SourceRef{
			Collection: s.spec.Name,
			Subset:     sub.Name,
			Split:      split,
			Row:        row.Index,
			RelPath:    rowID,
			Column:     col,
		}
	}

	emitColumns := func(cols []string) (int, bool, error) {
		emitted := 0
		yielded := false
		for _, col := range cols {
			raw, ok := row.Values[col]
			if !ok || raw == nil {
				continue
			}
			src := makeRef(col)
			data, err := s.resolvePayload(ctx, raw)
			if err != nil {
				onRowFailure(src, domain.RowError(fmt.Sprintf("%s: extract column %q", src.ID(), col), err))
				continue
			}
			yielded = true
			n, err := emit(ctx, Payload{Source: src, Data: data, Ext: ext})
			if err != nil {
				return emitted, yielded, err
			}
			emitted += n
		}
		return emitted, yielded, nil
	}

	// Image columns first; content columns only when no image column
	// yielded a payload for this row.
	emitted, yielded, err := emitColumns(sub.ImageColumns)
	if err != nil || yielded {
		return emitted, err
	}
	fromContent, _, err := emitColumns(sub.ContentColumns)
	return emitted + fromContent, err
}

// resolvePayload turns a raw column value into bytes. Supported shapes:
// base64 string, {"bytes": base64} object, and {"src": url} object which is
// fetched through the source's BlobFetcher.
func (s *Streamer) resolvePayload(ctx context.Context, raw any) ([]byte, error) {
	switch v := raw.(type) {
	case string:
		if data, err := base64.StdEncoding.DecodeString(v); err == nil {
			return data, nil
		}
		return []byte(v), nil
	case map[string]any:
		if b64, ok := stringValue(v["bytes"]); ok {
			data, err := base64.StdEncoding.DecodeString(b64)
			if err != nil {
				return nil, fmt.Errorf("decode bytes field: %w", err)
			}
			return data, nil
		}
		if url, ok := stringValue(v["src"]); ok {
			fetcher, ok := s.source.(BlobFetcher)
			if !ok {
				return nil, fmt.Errorf("row references blob %s but source cannot fetch blobs", url)
			}
			return fetcher.FetchBlob(ctx, url)
		}
		return nil, fmt.Errorf("object value has neither bytes nor src")
	default:
		return nil, fmt.Errorf("unsupported column value type %T", raw)
	}
}

// rowIdentifier prefers a path-like column so outputs keep recognizable
// names; otherwise it synthesizes one from the row index. Separators are
// replaced downstream by the output mapping.
func rowIdentifier(row Row) string {
	for _, key := range []string{"path", "file_name", "filename", "id"} {
		if v, ok := stringValue(row.Values[key]); ok && v != "" {
			return v
		}
	}
	return fmt.Sprintf("row_%d", row.Index)
}

func stringValue(raw any) (string, bool) {
	switch v := raw.(type) {
	case string:
		return v, true
	case fmt.Stringer:
		return v.String(), true
	default:
		return "", false
	}
}
