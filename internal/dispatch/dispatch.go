// Package dispatch runs conversion units against the inference backend
// under a fixed concurrency bound.
package dispatch

import (
	"context"
	"errors"
	"sync"

	"github.com/docstream/ocrpipe/internal/domain"
	"github.com/docstream/ocrpipe/internal/inference"
	"github.com/docstream/ocrpipe/internal/observability"
)

// Backend is the inference surface the dispatcher needs.
type Backend interface {
	Submit(ctx context.Context, image []byte, mode domain.ResolutionMode) (string, error)
}

// Options configures a Dispatcher.
type Options struct {
	// Workers is the number of concurrent in-flight requests. Must be >= 1.
	Workers int
	// QueueDepth bounds the result channel so a slow assembler applies
	// backpressure to the workers. Defaults to 2*Workers.
	QueueDepth int
	// RetryAttempts is the number of extra attempts after a transient
	// connection-level failure. Anything else fails on the first attempt.
	RetryAttempts int
}

// Dispatcher owns the worker pool. One Dispatcher per run.
type Dispatcher struct {
	backend Backend
	opts    Options
	logger  *observability.Logger
}

// New creates a Dispatcher.
func New(backend Backend, opts Options, logger *observability.Logger) *Dispatcher {
	if opts.Workers < 1 {
		opts.Workers = 1
	}
	if opts.QueueDepth < 1 {
		opts.QueueDepth = 2 * opts.Workers
	}
	if opts.RetryAttempts < 0 {
		opts.RetryAttempts = 0
	}
	return &Dispatcher{backend: backend, opts: opts, logger: logger.WithComponent("dispatch")}
}

// Run consumes units and emits one Result per unit, in completion order.
// At most Workers requests are in flight at any time. When ctx is
// cancelled, no new units are admitted; units already in flight resolve
// through the backend's own cancellation handling and their results are
// still emitted. The returned channel is closed once every admitted unit
// has resolved.
func (d *Dispatcher) Run(ctx context.Context, units <-chan domain.ConversionUnit) <-chan domain.Result {
	results := make(chan domain.Result, d.opts.QueueDepth)

	var wg sync.WaitGroup
	wg.Add(d.opts.Workers)
	for i := 0; i < d.opts.Workers; i++ {
		go func() {
			defer wg.Done()
			d.worker(ctx, units, results)
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	return results
}

func (d *Dispatcher) worker(ctx context.Context, units <-chan domain.ConversionUnit, results chan<- domain.Result) {
	for {
		// Cancellation wins over queued units.
		select {
		case <-ctx.Done():
			return
		default:
		}
		select {
		case <-ctx.Done():
			return
		case unit, ok := <-units:
			if !ok {
				return
			}
			results <- domain.Result{Unit: unit, Outcome: d.resolve(ctx, unit)}
		}
	}
}

// resolve performs the attempt chain for one unit: a first attempt, plus
// up to RetryAttempts more when the failure is a transient connection-level
// one. Rejections and backend errors are terminal on the first attempt.
func (d *Dispatcher) resolve(ctx context.Context, unit domain.ConversionUnit) domain.UnitOutcome {
	var err error
	for attempt := 0; attempt <= d.opts.RetryAttempts; attempt++ {
		var markdown string
		markdown, err = d.backend.Submit(ctx, unit.Image, unit.Mode)
		if err == nil {
			return domain.UnitOutcome{Markdown: markdown}
		}
		if ctx.Err() != nil || !inference.IsTransient(err) {
			break
		}
		d.logger.Warn().
			Str("source", unit.Source.ID()).
			Int("page", unit.PageIndex).
			Int("attempt", attempt+1).
			Err(err).
			Msg("Transient backend failure, retrying")
	}
	// A unit cut short by run cancellation is not a backend failure: mark
	// it so the assembler keeps it out of the manifest and it is redone on
	// the next run.
	if ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		err = domain.CanceledError("run canceled before unit completed", err)
	}
	return domain.UnitOutcome{Err: err}
}
