package commands

import (
	"sync"

	"github.com/spf13/cobra"

	"github.com/docstream/ocrpipe/cmd/ocrpipe/ui"
	"github.com/docstream/ocrpipe/internal/domain"
	"github.com/docstream/ocrpipe/internal/pipeline"
)

var (
	batchInput       string
	batchOutput      string
	batchResolution  string
	batchConcurrency int
	batchOverwrite   bool
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Convert a directory tree of images and PDFs",
	Long: `Recursively convert every supported file under --input, mirroring the
directory structure into --output. Existing outputs are skipped unless
--overwrite is set.`,
	RunE: runBatch,
}

func init() {
	batchCmd.Flags().StringVarP(&batchInput, "input", "i", "", "input file or directory (required)")
	batchCmd.Flags().StringVarP(&batchOutput, "output", "o", "", "output directory (required)")
	batchCmd.Flags().StringVarP(&batchResolution, "resolution", "r", "", "resolution mode: tiny, small, base, large, gundam")
	batchCmd.Flags().IntVar(&batchConcurrency, "concurrency", 0, "max in-flight inference requests")
	batchCmd.Flags().BoolVar(&batchOverwrite, "overwrite", false, "overwrite existing outputs")
	batchCmd.MarkFlagRequired("input")
	batchCmd.MarkFlagRequired("output")
	rootCmd.AddCommand(batchCmd)
}

func runBatch(cmd *cobra.Command, args []string) error {
	ui.Init(noColor)
	cfg, err := loadConfig(runOverrides{
		resolution:  batchResolution,
		concurrency: batchConcurrency,
		overwrite:   batchOverwrite,
	})
	if err != nil {
		return err
	}

	// The scan and health-check phase has nothing to count, so a spinner
	// covers it until the first unit resolves.
	spin := ui.NewSpinner("checking backend and scanning input")
	spin.Start()
	var spinDone sync.Once

	// Unit total is only known once sources are decomposed, so the bar
	// runs in indeterminate mode and tracks resolved units.
	bar := ui.NewProgressBar(-1, "converting")
	opts := pipeline.Options{
		OnUnitDone: func(s domain.RunStats) {
			spinDone.Do(spin.Stop)
			bar.Set(int64(s.Dispatched))
		},
	}

	p, err := buildPipeline(cfg, opts)
	if err != nil {
		spinDone.Do(spin.Stop)
		return err
	}

	summary, err := p.RunBatch(cmd.Context(), batchInput, batchOutput)
	spinDone.Do(spin.Stop)
	bar.Finish()
	if err != nil {
		return err
	}
	return reportSummary(summary)
}
