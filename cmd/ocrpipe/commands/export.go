package commands

import (
	"sort"

	"github.com/spf13/cobra"

	"github.com/docstream/ocrpipe/cmd/ocrpipe/ui"
	"github.com/docstream/ocrpipe/internal/export"
	"github.com/docstream/ocrpipe/internal/observability"
)

var (
	exportOutput     string
	exportName       string
	exportMaxShardMB int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Collect converted markdown into a shareable dataset",
	Long: `Walk a conversion output root and write its markdown files as JSON
Lines shards under <output>/dataset, one file per subset and split, plus a
dataset card. The result loads directly with HuggingFace datasets tooling.`,
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "conversion output root to export (required)")
	exportCmd.Flags().StringVar(&exportName, "name", "", "dataset name for the card (default: output directory name)")
	exportCmd.Flags().IntVar(&exportMaxShardMB, "max-shard-mb", 500, "maximum shard size in MB")
	exportCmd.MarkFlagRequired("output")
	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	ui.Init(noColor)
	cfg, err := loadConfig(runOverrides{})
	if err != nil {
		return err
	}
	logger := observability.NewLogger(observability.LogConfig{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: "ocrpipe",
	})

	exporter := export.New(exportOutput, export.Options{
		DatasetName:   exportName,
		MaxShardBytes: int64(exportMaxShardMB) << 20,
	}, logger)

	spin := ui.NewSpinner("exporting " + exportOutput)
	spin.Start()
	report, err := exporter.Run(cmd.Context())
	spin.Stop()
	if err != nil {
		return err
	}

	ui.Section("Export")
	subsets := make([]string, 0, len(report.Records))
	for subset := range report.Records {
		subsets = append(subsets, subset)
	}
	sort.Strings(subsets)
	for _, subset := range subsets {
		ui.Message("  %s: %d records in %d file(s)", subset, report.Records[subset], len(report.Files[subset]))
	}
	ui.Message("  card: %s", report.CardPath)
	ui.Success("Exported %d record(s)", report.TotalRecords())
	return nil
}
