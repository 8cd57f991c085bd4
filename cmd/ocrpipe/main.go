// ocrpipe converts images, PDFs, and dataset records to markdown through a
// DeepSeek-OCR inference backend.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/docstream/ocrpipe/cmd/ocrpipe/commands"
)

func main() {
	// Optional .env for backend URL and tokens; absence is fine.
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := commands.Execute(ctx); err != nil {
		os.Exit(1)
	}
}
