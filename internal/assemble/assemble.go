// Package assemble persists conversion results as markdown files and
// records failures in the run manifest.
package assemble

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/docstream/ocrpipe/internal/domain"
	"github.com/docstream/ocrpipe/internal/observability"
)

// Options configures an Assembler.
type Options struct {
	// OutputRoot is the directory all targets are resolved under.
	OutputRoot string
	// Overwrite replaces existing outputs instead of skipping them.
	Overwrite bool
	// ManifestFlushEvery flushes the manifest to disk after this many new
	// failures, so a long dataset run leaves a usable manifest behind even
	// if interrupted. Zero disables incremental flushing.
	ManifestFlushEvery int
}

// Assembler consumes results from the dispatcher and writes outputs. It is
// single-goroutine by construction: one Assembler drains one result channel,
// so its state needs no locking.
type Assembler struct {
	opts     Options
	logger   *observability.Logger
	manifest *Manifest
	stats    domain.RunStats

	// written maps relative target path to the source ID that produced it,
	// to surface two units resolving to the same output file.
	written map[string]string
}

// New creates an Assembler rooted at opts.OutputRoot.
func New(opts Options, logger *observability.Logger) *Assembler {
	return &Assembler{
		opts:     opts,
		logger:   logger.WithComponent("assemble"),
		manifest: NewManifest(filepath.Join(opts.OutputRoot, ManifestName), opts.ManifestFlushEvery),
		written:  make(map[string]string),
	}
}

// Consume drains the result channel, writing each success and recording
// each failure, and returns once the channel closes.
func (a *Assembler) Consume(results <-chan domain.Result) {
	for r := range results {
		a.Handle(r)
	}
}

// Handle processes a single result. The returned error reports a write
// failure for an otherwise successful unit; it is already recorded in the
// manifest, so callers only need it to gate post-write actions.
func (a *Assembler) Handle(r domain.Result) error {
	a.stats.Dispatched++
	if r.Outcome.Failed() {
		// Canceled units are neither succeeded nor failed: they stay out
		// of the manifest and are redone on the next run.
		if domain.KindOf(r.Outcome.Err) == domain.KindCanceled {
			a.logger.Debug().Str("source", r.Unit.Source.ID()).Msg("Unit canceled")
			return r.Outcome.Err
		}
		a.recordFailure(r.Unit, r.Outcome.Err)
		return r.Outcome.Err
	}
	if err := a.writeUnit(r.Unit, r.Outcome.Markdown); err != nil {
		a.recordFailure(r.Unit, err)
		return err
	}
	a.stats.Succeeded++
	return nil
}

// SkipExisting reports whether the unit's output already exists and should
// be skipped under the current overwrite policy. Pure check; the caller
// accounts for skips via AddSkipped so this is safe off the consumer
// goroutine.
func (a *Assembler) SkipExisting(src domain.SourceRef, pageIndex int) bool {
	if a.opts.Overwrite {
		return false
	}
	target := filepath.Join(a.opts.OutputRoot, filepath.FromSlash(domain.OutputTarget(src, pageIndex)))
	_, err := os.Stat(target)
	return err == nil
}

// AddDiscovered bumps the discovered-unit count.
func (a *Assembler) AddDiscovered(n int) { a.stats.Discovered += n }

// AddSkipped bumps the skipped-unit count.
func (a *Assembler) AddSkipped(n int) { a.stats.Skipped += n }

// Stats returns the counts accumulated so far.
func (a *Assembler) Stats() domain.RunStats { return a.stats }

// ManifestPath returns where the failure manifest is written.
func (a *Assembler) ManifestPath() string { return a.manifest.Path() }

// Finalize flushes the manifest. With no recorded failures it removes any
// stale manifest from a previous run so its presence always means this run
// had failures.
func (a *Assembler) Finalize() error {
	return a.manifest.Finalize()
}

func (a *Assembler) writeUnit(unit domain.ConversionUnit, markdown string) error {
	rel := domain.OutputTarget(unit.Source, unit.PageIndex)
	if prev, dup := a.written[rel]; dup {
		return domain.WriteError(fmt.Sprintf("target %s already written for %s", rel, prev), nil)
	}

	target := filepath.Join(a.opts.OutputRoot, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return domain.WriteError(fmt.Sprintf("create directory for %s", rel), err)
	}
	if err := atomicWriteFile(target, []byte(markdown)); err != nil {
		return domain.WriteError(fmt.Sprintf("write %s", rel), err)
	}

	a.written[rel] = unit.Source.ID()
	a.logger.Debug().Str("target", rel).Int("bytes", len(markdown)).Msg("Wrote output")
	return nil
}

func (a *Assembler) recordFailure(unit domain.ConversionUnit, err error) {
	a.stats.Failed++
	a.logger.Error().
		Str("source", unit.Source.ID()).
		Int("page", unit.PageIndex).
		Err(err).
		Msg("Unit failed")
	if mErr := a.manifest.Record(unit, err); mErr != nil {
		a.logger.Warn().Err(mErr).Msg("Failed to flush error manifest")
	}
}

// atomicWriteFile writes via a temp file in the target directory and
// renames it into place, so readers never observe a partial file.
func atomicWriteFile(target string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(target), "."+filepath.Base(target)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, target); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
