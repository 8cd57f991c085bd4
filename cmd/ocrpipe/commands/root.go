// Package commands implements the ocrpipe CLI.
package commands

import (
	"context"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	verbose bool
	noColor bool
)

var rootCmd = &cobra.Command{
	Use:   "ocrpipe",
	Short: "Convert images, PDFs, and dataset records to markdown via DeepSeek-OCR",
	Long: `ocrpipe converts document images and PDFs to markdown by delegating
recognition to a DeepSeek-OCR inference backend. It handles single files,
directory trees, and large streamed dataset collections.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
}

// Execute runs the root command under the given context.
func Execute(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}
