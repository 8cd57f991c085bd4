package commands

import (
	"fmt"
	"os"
	"sync"

	"github.com/spf13/cobra"

	"github.com/docstream/ocrpipe/cmd/ocrpipe/ui"
	"github.com/docstream/ocrpipe/internal/dataset"
	"github.com/docstream/ocrpipe/internal/domain"
	"github.com/docstream/ocrpipe/internal/pipeline"
)

var (
	datasetJobFile    string
	datasetEndpoint   string
	datasetToken      string
	datasetMaxSamples int
	datasetOverwrite  bool
)

var datasetCmd = &cobra.Command{
	Use:   "dataset",
	Short: "Convert records streamed from a dataset collection",
	Long: `Stream a dataset collection described by a job spec file, extract image
and content columns, and convert every record. Completed units are
checkpointed in the output root, so an interrupted run resumes where it
left off.`,
	RunE: runDataset,
}

func init() {
	datasetCmd.Flags().StringVarP(&datasetJobFile, "job", "j", "", "job spec YAML file (required)")
	datasetCmd.Flags().StringVar(&datasetEndpoint, "endpoint", "", "datasets-server endpoint override")
	datasetCmd.Flags().StringVar(&datasetToken, "token", "", "access token for gated collections (default $HF_TOKEN)")
	datasetCmd.Flags().IntVar(&datasetMaxSamples, "max-samples", 0, "override the spec's per-subset sample cap")
	datasetCmd.Flags().BoolVar(&datasetOverwrite, "overwrite", false, "redo units already checkpointed or written")
	datasetCmd.MarkFlagRequired("job")
	rootCmd.AddCommand(datasetCmd)
}

func runDataset(cmd *cobra.Command, args []string) error {
	ui.Init(noColor)
	cfg, err := loadConfig(runOverrides{})
	if err != nil {
		return err
	}

	spec, err := dataset.LoadJobSpec(datasetJobFile)
	if err != nil {
		return err
	}
	if datasetMaxSamples > 0 {
		spec.MaxSamples = datasetMaxSamples
	}
	if datasetOverwrite {
		spec.Overwrite = true
	}

	token := datasetToken
	if token == "" {
		token = os.Getenv("HF_TOKEN")
	}
	source := dataset.NewHubSource(spec.Name, dataset.HubOptions{
		Endpoint:       datasetEndpoint,
		Token:          token,
		RequestTimeout: cfg.Backend.RequestTimeout,
	})

	ui.Section(fmt.Sprintf("Dataset conversion: %s", spec.Name))

	// Spinner covers the health check and first split open, before any row
	// has been seen.
	spin := ui.NewSpinner("checking backend and opening dataset")
	spin.Start()
	var spinDone sync.Once

	bar := ui.NewProgressBar(-1, "converting")
	opts := pipeline.Options{
		OnUnitDone: func(s domain.RunStats) {
			spinDone.Do(spin.Stop)
			bar.Set(int64(s.Dispatched))
		},
		OnDatasetProgress: func(p dataset.Progress) {
			spinDone.Do(spin.Stop)
			bar.Describe(fmt.Sprintf("%s/%s rows %d (retained %d)",
				p.Subset, p.Split, p.RowsSeen, p.RowsRetained))
		},
	}

	p, err := buildPipeline(cfg, opts)
	if err != nil {
		spinDone.Do(spin.Stop)
		return err
	}

	summary, err := p.RunDataset(cmd.Context(), spec, source)
	spinDone.Do(spin.Stop)
	bar.Finish()
	if err != nil {
		if summary != nil {
			ui.Warning("Run ended early: %v", err)
			return reportSummaryWithError(summary)
		}
		return err
	}
	return reportSummary(summary)
}

// reportSummaryWithError prints the summary for a run that ended early and
// always exits non-zero.
func reportSummaryWithError(s *pipeline.Summary) error {
	if err := reportSummary(s); err != nil {
		return err
	}
	return errUnitsFailed
}
