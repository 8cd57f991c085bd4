// Package pipeline orchestrates a conversion run end to end: discovery,
// decomposition, bounded dispatch, and assembly.
package pipeline

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/docstream/ocrpipe/internal/assemble"
	"github.com/docstream/ocrpipe/internal/config"
	"github.com/docstream/ocrpipe/internal/dataset"
	"github.com/docstream/ocrpipe/internal/decompose"
	"github.com/docstream/ocrpipe/internal/dispatch"
	"github.com/docstream/ocrpipe/internal/domain"
	"github.com/docstream/ocrpipe/internal/observability"
)

// Backend is the inference surface the pipeline depends on.
type Backend interface {
	Submit(ctx context.Context, image []byte, mode domain.ResolutionMode) (string, error)
	HealthCheck(ctx context.Context) error
}

// Options carries caller hooks; both are optional.
type Options struct {
	// OnUnitDone is called after every resolved unit with the counts so
	// far, from the pipeline's consumer goroutine.
	OnUnitDone func(domain.RunStats)
	// OnDatasetProgress surfaces streamer progress for dataset runs.
	OnDatasetProgress func(dataset.Progress)
}

// Summary is the terminal state of one run. Partial success is a valid
// terminal state: Stats.Failed > 0 with a non-nil Summary and nil error.
type Summary struct {
	RunID string
	Stats domain.RunStats
	// Subsets breaks the counts down per dataset subset. Empty for
	// filesystem runs.
	Subsets map[string]domain.RunStats
	// ManifestPath is set when at least one failure was recorded.
	ManifestPath string
}

// Pipeline runs conversions against one backend with one configuration.
type Pipeline struct {
	cfg     *config.Config
	backend Backend
	dec     *decompose.Decomposer
	mode    domain.ResolutionMode
	opts    Options
	logger  *observability.Logger
	runID   string
}

// New creates a Pipeline. The config must already be validated.
func New(cfg *config.Config, backend Backend, opts Options, logger *observability.Logger) (*Pipeline, error) {
	mode, err := domain.ParseResolutionMode(cfg.Pipeline.Resolution)
	if err != nil {
		return nil, err
	}
	runID := uuid.NewString()
	return &Pipeline{
		cfg:     cfg,
		backend: backend,
		dec:     decompose.New(cfg.Pipeline.PDFQuality, logger),
		mode:    mode,
		opts:    opts,
		logger:  logger.WithComponent("pipeline").WithRun(runID),
		runID:   runID,
	}, nil
}

// RunID returns the identifier stamped into logs and checkpoint rows.
func (p *Pipeline) RunID() string { return p.runID }

// ConvertSingle converts one single-image file and returns the markdown
// directly, for printing to stdout. PDF inputs need an output directory
// because they produce one file per page.
func (p *Pipeline) ConvertSingle(ctx context.Context, path string) (string, error) {
	if decompose.IsPDF(path) {
		return "", domain.ConfigError("PDF input produces per-page files; an output directory is required", nil)
	}
	if err := p.backend.HealthCheck(ctx); err != nil {
		return "", err
	}
	units, err := p.dec.FromFile(path, domain.SourceRef{RelPath: filepath.Base(path)}, p.mode)
	if err != nil {
		return "", err
	}
	return p.backend.Submit(ctx, units[0].Image, units[0].Mode)
}

// RunBatch converts a single file or a directory tree into outputRoot,
// mirroring the input's relative structure. Returns a fatal error only for
// conditions that prevent the run from starting; per-unit failures land in
// the summary and manifest.
func (p *Pipeline) RunBatch(ctx context.Context, input, outputRoot string) (*Summary, error) {
	entries, err := discoverInputs(input)
	if err != nil {
		return nil, err
	}
	if err := p.backend.HealthCheck(ctx); err != nil {
		return nil, err
	}
	asm, err := p.newAssembler(outputRoot, p.cfg.Pipeline.Overwrite)
	if err != nil {
		return nil, err
	}

	p.logger.Info().Str("input", input).Str("output", outputRoot).Int("sources", len(entries)).Msg("Starting batch run")

	produce := func(feed *feeder) error {
		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				return err
			}
			src := domain.SourceRef{RelPath: filepath.ToSlash(e.rel)}
			units, err := p.dec.FromFile(e.abs, src, p.mode)
			if err != nil {
				feed.noteDiscovered(src)
				feed.fail(src, 0, err)
				continue
			}
			for _, u := range units {
				feed.noteDiscovered(u.Source)
				if asm.SkipExisting(u.Source, u.PageIndex) {
					feed.noteSkipped(u.Source)
					continue
				}
				if err := feed.emit(u); err != nil {
					return err
				}
			}
		}
		return nil
	}

	return p.run(ctx, asm, nil, produce)
}

// markFunc records a successfully written unit, for checkpointed runs.
type markFunc func(unit domain.ConversionUnit) error

// feeder is the producer's side of the dispatch plumbing. The counts are
// producer-local and merged into the stats after the producer finishes.
type feeder struct {
	ctx        context.Context
	units      chan<- domain.ConversionUnit
	synthetic  chan<- domain.Result
	discovered int
	skipped    int
	// Per-subset producer counts, keyed by subset name. Only dataset
	// sources land here.
	subsetDiscovered map[string]int
	subsetSkipped    map[string]int
}

func (f *feeder) noteDiscovered(src domain.SourceRef) {
	f.discovered++
	if src.IsDataset() {
		f.subsetDiscovered[src.Subset]++
	}
}

func (f *feeder) noteSkipped(src domain.SourceRef) {
	f.skipped++
	if src.IsDataset() {
		f.subsetSkipped[src.Subset]++
	}
}

// emit hands a unit to the dispatcher, blocking under backpressure.
func (f *feeder) emit(u domain.ConversionUnit) error {
	select {
	case f.units <- u:
		return nil
	case <-f.ctx.Done():
		return f.ctx.Err()
	}
}

// fail routes a synthetic failure (decomposition, bad row) to the
// assembler without occupying a dispatcher slot.
func (f *feeder) fail(src domain.SourceRef, pageIndex int, err error) {
	r := domain.Result{
		Unit:    domain.ConversionUnit{Source: src, PageIndex: pageIndex},
		Outcome: domain.UnitOutcome{Err: err},
	}
	select {
	case f.synthetic <- r:
	case <-f.ctx.Done():
	}
}

func (p *Pipeline) newAssembler(outputRoot string, overwrite bool) (*assemble.Assembler, error) {
	if err := ensureDir(outputRoot); err != nil {
		return nil, err
	}
	return assemble.New(assemble.Options{
		OutputRoot:         outputRoot,
		Overwrite:          overwrite,
		ManifestFlushEvery: p.cfg.Pipeline.ManifestFlushEvery,
	}, p.logger), nil
}

// run wires producer, dispatcher, and assembler together and drains
// everything to completion. The assembler is touched only from this
// goroutine.
func (p *Pipeline) run(ctx context.Context, asm *assemble.Assembler, mark markFunc, produce func(*feeder) error) (*Summary, error) {
	units := make(chan domain.ConversionUnit, p.cfg.QueueDepth())
	synthetic := make(chan domain.Result, p.cfg.QueueDepth())

	disp := dispatch.New(p.backend, dispatch.Options{
		Workers:       p.cfg.Pipeline.MaxConcurrency,
		QueueDepth:    p.cfg.QueueDepth(),
		RetryAttempts: p.cfg.Pipeline.RetryAttempts,
	}, p.logger)
	results := disp.Run(ctx, units)

	feed := &feeder{
		ctx:              ctx,
		units:            units,
		synthetic:        synthetic,
		subsetDiscovered: make(map[string]int),
		subsetSkipped:    make(map[string]int),
	}
	prodCh := make(chan error, 1)
	go func() {
		err := produce(feed)
		close(units)
		close(synthetic)
		prodCh <- err
	}()

	subsets := make(map[string]*domain.RunStats)
	syntheticIn := (<-chan domain.Result)(synthetic)
	for results != nil || syntheticIn != nil {
		select {
		case r, ok := <-results:
			if !ok {
				results = nil
				continue
			}
			p.consumeResult(asm, mark, subsets, r)
		case r, ok := <-syntheticIn:
			if !ok {
				syntheticIn = nil
				continue
			}
			p.consumeResult(asm, mark, subsets, r)
		}
	}

	prodErr := <-prodCh
	asm.AddDiscovered(feed.discovered)
	asm.AddSkipped(feed.skipped)

	if err := asm.Finalize(); err != nil {
		p.logger.Error().Err(err).Msg("Failed to finalize manifest")
	}

	stats := asm.Stats()
	summary := &Summary{RunID: p.runID, Stats: stats, Subsets: mergeSubsetStats(subsets, feed)}
	if stats.Failed > 0 {
		summary.ManifestPath = asm.ManifestPath()
	}
	p.logger.Info().
		Int("discovered", stats.Discovered).
		Int("succeeded", stats.Succeeded).
		Int("failed", stats.Failed).
		Int("skipped", stats.Skipped).
		Msg("Run finished")

	if ctxErr := ctx.Err(); ctxErr != nil {
		return summary, ctxErr
	}
	return summary, prodErr
}

func (p *Pipeline) consumeResult(asm *assemble.Assembler, mark markFunc, subsets map[string]*domain.RunStats, r domain.Result) {
	writeErr := asm.Handle(r)
	if src := r.Unit.Source; src.IsDataset() {
		st := subsets[src.Subset]
		if st == nil {
			st = &domain.RunStats{}
			subsets[src.Subset] = st
		}
		st.Dispatched++
		switch {
		case writeErr == nil:
			st.Succeeded++
		case domain.KindOf(writeErr) != domain.KindCanceled:
			st.Failed++
		}
	}
	if writeErr == nil && mark != nil {
		if err := mark(r.Unit); err != nil {
			p.logger.Warn().Str("source", r.Unit.Source.ID()).Err(err).Msg("Failed to checkpoint unit")
		}
	}
	if p.opts.OnUnitDone != nil {
		p.opts.OnUnitDone(asm.Stats())
	}
}

// mergeSubsetStats folds the producer's per-subset discovered/skipped counts
// into the consumer's per-subset outcome counts. Returns nil when no dataset
// sources were involved.
func mergeSubsetStats(subsets map[string]*domain.RunStats, feed *feeder) map[string]domain.RunStats {
	for name, n := range feed.subsetDiscovered {
		st := subsets[name]
		if st == nil {
			st = &domain.RunStats{}
			subsets[name] = st
		}
		st.Discovered = n
		st.Skipped = feed.subsetSkipped[name]
	}
	if len(subsets) == 0 {
		return nil
	}
	out := make(map[string]domain.RunStats, len(subsets))
	for name, st := range subsets {
		out[name] = *st
	}
	return out
}

func ensureDir(path string) error {
	if path == "" {
		return domain.ConfigError("output directory must not be empty", nil)
	}
	if err := os.MkdirAll(path, 0o755); err != nil {
		return domain.WriteError(fmt.Sprintf("create output root %s", path), err)
	}
	return nil
}
