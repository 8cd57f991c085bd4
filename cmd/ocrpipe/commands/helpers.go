package commands

import (
	"errors"
	"sort"

	"github.com/docstream/ocrpipe/cmd/ocrpipe/ui"
	"github.com/docstream/ocrpipe/internal/config"
	"github.com/docstream/ocrpipe/internal/inference"
	"github.com/docstream/ocrpipe/internal/observability"
	"github.com/docstream/ocrpipe/internal/pipeline"
)

// errUnitsFailed makes the process exit non-zero when the manifest is
// non-empty, without a redundant error dump after the summary.
var errUnitsFailed = errors.New("one or more units failed; see the error manifest")

// runOverrides are per-command flag values applied over the loaded config.
type runOverrides struct {
	resolution  string
	concurrency int
	overwrite   bool
}

func loadConfig(o runOverrides) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if o.resolution != "" {
		cfg.Pipeline.Resolution = o.resolution
	}
	if o.concurrency > 0 {
		cfg.Pipeline.MaxConcurrency = o.concurrency
	}
	if o.overwrite {
		cfg.Pipeline.Overwrite = true
	}
	if verbose {
		cfg.Observability.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func buildPipeline(cfg *config.Config, opts pipeline.Options) (*pipeline.Pipeline, error) {
	logger := observability.NewLogger(observability.LogConfig{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: "ocrpipe",
	})
	client := inference.NewClient(inference.Options{
		BaseURL:        cfg.Backend.URL,
		Model:          cfg.Backend.Model,
		Prompt:         cfg.Backend.Prompt,
		RequestTimeout: cfg.Backend.RequestTimeout,
		MaxConcurrency: cfg.Pipeline.MaxConcurrency,
	})
	return pipeline.New(cfg, client, opts, logger)
}

// reportSummary prints the run summary and returns errUnitsFailed when any
// unit failed, so main exits non-zero on partial success.
func reportSummary(s *pipeline.Summary) error {
	ui.Newline()
	ui.Message("Discovered: %d  Succeeded: %d  Failed: %d  Skipped: %d",
		s.Stats.Discovered, s.Stats.Succeeded, s.Stats.Failed, s.Stats.Skipped)
	if len(s.Subsets) > 0 {
		names := make([]string, 0, len(s.Subsets))
		for name := range s.Subsets {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			st := s.Subsets[name]
			ui.Message("  %s: discovered %d succeeded %d failed %d skipped %d",
				name, st.Discovered, st.Succeeded, st.Failed, st.Skipped)
		}
	}
	if s.Stats.Failed > 0 {
		ui.Error("%d unit(s) failed; manifest: %s", s.Stats.Failed, s.ManifestPath)
		return errUnitsFailed
	}
	ui.Success("All %d unit(s) converted", s.Stats.Succeeded)
	return nil
}
