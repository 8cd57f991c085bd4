package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/docstream/ocrpipe/cmd/ocrpipe/ui"
	"github.com/docstream/ocrpipe/internal/decompose"
	"github.com/docstream/ocrpipe/internal/pipeline"
)

var (
	processOutput     string
	processResolution string
)

var processCmd = &cobra.Command{
	Use:   "process <file>",
	Short: "Convert a single image or PDF",
	Long: `Convert one file. Single images print markdown to stdout unless
--output is given; PDFs always write one markdown file per page and
require --output.`,
	Args: cobra.ExactArgs(1),
	RunE: runProcess,
}

func init() {
	processCmd.Flags().StringVarP(&processOutput, "output", "o", "", "output directory (stdout for single images when omitted)")
	processCmd.Flags().StringVarP(&processResolution, "resolution", "r", "", "resolution mode: tiny, small, base, large, gundam")
	rootCmd.AddCommand(processCmd)
}

func runProcess(cmd *cobra.Command, args []string) error {
	input := args[0]
	ui.Init(noColor)

	cfg, err := loadConfig(runOverrides{resolution: processResolution})
	if err != nil {
		return err
	}
	p, err := buildPipeline(cfg, pipeline.Options{})
	if err != nil {
		return err
	}

	if processOutput == "" {
		if decompose.IsPDF(input) {
			return fmt.Errorf("PDF input writes one file per page; pass --output")
		}
		// Markdown goes to stdout; the spinner writes to stderr so piped
		// output stays clean.
		spin := ui.NewSpinner("converting " + input)
		spin.Start()
		md, err := p.ConvertSingle(cmd.Context(), input)
		spin.Stop()
		if err != nil {
			return err
		}
		fmt.Println(md)
		return nil
	}

	summary, err := p.RunBatch(cmd.Context(), input, processOutput)
	if err != nil {
		return err
	}
	return reportSummary(summary)
}
