package pipeline

import (
	"context"

	"github.com/docstream/ocrpipe/internal/assemble"
	"github.com/docstream/ocrpipe/internal/checkpoint"
	"github.com/docstream/ocrpipe/internal/dataset"
	"github.com/docstream/ocrpipe/internal/domain"
)

// RunDataset streams a dataset job through the pipeline. Completed units
// are checkpointed in the output root so an interrupted run resumes where
// it left off. Split-level source failures abort only their split and
// surface as the returned error after all subsets finish.
func (p *Pipeline) RunDataset(ctx context.Context, spec *dataset.JobSpec, source dataset.RecordSource) (*Summary, error) {
	if err := p.backend.HealthCheck(ctx); err != nil {
		return nil, err
	}
	asm, err := p.newAssembler(spec.OutputRoot, spec.Overwrite)
	if err != nil {
		return nil, err
	}
	store, err := checkpoint.Open(spec.OutputRoot)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	if done, err := store.CompletedCount(ctx); err == nil && done > 0 {
		p.logger.Info().Int64("completed_units", done).Msg("Resuming from checkpoint")
	}
	p.logger.Info().Str("collection", spec.Name).Int("subsets", len(spec.Subsets)).Msg("Starting dataset run")

	mark := func(u domain.ConversionUnit) error {
		return store.MarkCompleted(ctx, u.Source, u.PageIndex, p.runID)
	}

	streamer := dataset.NewStreamer(spec, source, dataset.Options{
		OnProgress: p.opts.OnDatasetProgress,
	}, p.logger)

	produce := func(feed *feeder) error {
		emit := func(ctx context.Context, payload dataset.Payload) (int, error) {
			units, err := p.dec.FromBytesHint(payload.Data, payload.Ext, payload.Source, p.mode)
			if err != nil {
				feed.noteDiscovered(payload.Source)
				feed.fail(payload.Source, 0, err)
				return 0, nil
			}
			emitted := 0
			for _, u := range units {
				feed.noteDiscovered(u.Source)
				if !spec.Overwrite && p.unitAlreadyDone(ctx, store, asm, u) {
					feed.noteSkipped(u.Source)
					continue
				}
				if err := feed.emit(u); err != nil {
					return emitted, err
				}
				emitted++
			}
			return emitted, nil
		}
		onRowFailure := func(src domain.SourceRef, rowErr error) {
			feed.noteDiscovered(src)
			feed.fail(src, 0, rowErr)
		}
		return streamer.Stream(ctx, emit, onRowFailure)
	}

	return p.run(ctx, asm, mark, produce)
}

// unitAlreadyDone consults the checkpoint first, then the overwrite-aware
// output check. A checkpoint read failure is logged and treated as not
// done; redoing a unit is safe, silently dropping one is not.
func (p *Pipeline) unitAlreadyDone(ctx context.Context, store *checkpoint.Store, asm *assemble.Assembler, u domain.ConversionUnit) bool {
	done, err := store.IsCompleted(ctx, u.Source, u.PageIndex)
	if err != nil {
		p.logger.Warn().Str("source", u.Source.ID()).Err(err).Msg("Checkpoint lookup failed")
	}
	return done || asm.SkipExisting(u.Source, u.PageIndex)
}
