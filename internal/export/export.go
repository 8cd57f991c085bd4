// Package export collects a run's markdown outputs into a dataset layout
// that HuggingFace tooling can load directly: JSON Lines shards per
// subset/split under <root>/dataset, plus a dataset card.
package export

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/docstream/ocrpipe/internal/domain"
	"github.com/docstream/ocrpipe/internal/observability"
)

// DatasetDirName is the directory under the output root that export files
// are written to, and that collection skips.
const DatasetDirName = "dataset"

// Record is one exported markdown document.
type Record struct {
	ID         string `json:"id"`
	SourceFile string `json:"source_file"`
	Split      string `json:"split"`
	PageNumber int    `json:"page_number,omitempty"`
	Text       string `json:"text"`
	TextLength int    `json:"text_length"`
	FilePath   string `json:"file_path"`
}

// Options tunes an Exporter.
type Options struct {
	// DatasetName titles the dataset card. Defaults to the output root's
	// base name.
	DatasetName string
	// MaxShardBytes splits one split's records across multiple files once
	// their encoded size passes this bound. Defaults to 500 MB.
	MaxShardBytes int64
}

// Report summarizes one export: files written per subset and total records.
type Report struct {
	// Files maps subset name to the shard paths written for it.
	Files map[string][]string
	// Records maps subset name to its record count.
	Records map[string]int
	// CardPath is where the dataset card was written.
	CardPath string
}

// TotalRecords sums the per-subset record counts.
func (r *Report) TotalRecords() int {
	total := 0
	for _, n := range r.Records {
		total += n
	}
	return total
}

// Exporter walks a run's output root and writes the dataset layout.
type Exporter struct {
	root   string
	opts   Options
	logger *observability.Logger
}

// New creates an Exporter over a conversion output root.
func New(outputRoot string, opts Options, logger *observability.Logger) *Exporter {
	if opts.DatasetName == "" {
		opts.DatasetName = filepath.Base(outputRoot)
	}
	if opts.MaxShardBytes <= 0 {
		opts.MaxShardBytes = 500 << 20
	}
	return &Exporter{root: outputRoot, opts: opts, logger: logger.WithComponent("export")}
}

// Run exports every subset directory under the root. Subset directories are
// the top-level directories; the dataset directory itself and dotfiles (the
// checkpoint database) are skipped.
func (e *Exporter) Run(ctx context.Context) (*Report, error) {
	subsets, err := e.subsetDirs()
	if err != nil {
		return nil, err
	}
	if len(subsets) == 0 {
		return nil, domain.ConfigError(fmt.Sprintf("no subset directories under %s", e.root), nil)
	}

	report := &Report{Files: make(map[string][]string), Records: make(map[string]int)}
	for _, subset := range subsets {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		records, err := e.collectRecords(subset)
		if err != nil {
			return nil, err
		}
		if len(records) == 0 {
			e.logger.Warn().Str("subset", subset).Msg("Subset has no markdown files")
			continue
		}
		files, err := e.writeSubset(subset, records)
		if err != nil {
			return nil, err
		}
		report.Files[subset] = files
		report.Records[subset] = len(records)
		e.logger.Info().Str("subset", subset).Int("records", len(records)).Int("files", len(files)).Msg("Exported subset")
	}

	if len(report.Records) == 0 {
		return nil, domain.ConfigError(fmt.Sprintf("no markdown outputs under %s", e.root), nil)
	}

	cardPath := filepath.Join(e.root, DatasetDirName, "README.md")
	if err := os.WriteFile(cardPath, []byte(e.datasetCard(report)), 0o644); err != nil {
		return nil, domain.WriteError("write dataset card", err)
	}
	report.CardPath = cardPath
	return report, nil
}

func (e *Exporter) subsetDirs() ([]string, error) {
	entries, err := os.ReadDir(e.root)
	if err != nil {
		return nil, domain.ConfigError(fmt.Sprintf("read output root %s", e.root), err)
	}
	var subsets []string
	for _, entry := range entries {
		name := entry.Name()
		if !entry.IsDir() || name == DatasetDirName || strings.HasPrefix(name, ".") {
			continue
		}
		subsets = append(subsets, name)
	}
	sort.Strings(subsets)
	return subsets, nil
}

// collectRecords walks one subset directory for markdown files. The split is
// the first path component under the subset when the file is nested,
// otherwise "train".
func (e *Exporter) collectRecords(subset string) ([]Record, error) {
	subsetDir := filepath.Join(e.root, subset)
	var records []Record

	err := filepath.WalkDir(subsetDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.EqualFold(filepath.Ext(path), ".md") {
			return nil
		}
		rel, err := filepath.Rel(subsetDir, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}

		split := "train"
		if idx := strings.IndexByte(rel, '/'); idx > 0 {
			split = rel[:idx]
		}
		stem := strings.TrimSuffix(filepath.Base(rel), filepath.Ext(rel))
		base, page := splitPageSuffix(stem)

		records = append(records, Record{
			ID:         rel,
			SourceFile: base,
			Split:      split,
			PageNumber: page,
			Text:       string(data),
			TextLength: len(data),
			FilePath:   rel,
		})
		return nil
	})
	if err != nil {
		return nil, domain.ConfigError(fmt.Sprintf("collect subset %s", subset), err)
	}
	return records, nil
}

// writeSubset groups a subset's records by split and writes each split's
// shards, returning the paths written.
func (e *Exporter) writeSubset(subset string, records []Record) ([]string, error) {
	bySplit := make(map[string][]Record)
	for _, r := range records {
		bySplit[r.Split] = append(bySplit[r.Split], r)
	}
	splits := make([]string, 0, len(bySplit))
	for split := range bySplit {
		splits = append(splits, split)
	}
	sort.Strings(splits)

	datasetDir := filepath.Join(e.root, DatasetDirName)
	if err := os.MkdirAll(datasetDir, 0o755); err != nil {
		return nil, domain.WriteError("create dataset directory", err)
	}

	var files []string
	for _, split := range splits {
		shards, err := shardRecords(bySplit[split], e.opts.MaxShardBytes)
		if err != nil {
			return nil, err
		}
		for i, shard := range shards {
			name := fmt.Sprintf("%s-%s.jsonl", subset, split)
			if len(shards) > 1 {
				name = fmt.Sprintf("%s-%s-%05d-of-%05d.jsonl", subset, split, i, len(shards))
			}
			path := filepath.Join(datasetDir, name)
			if err := os.WriteFile(path, shard, 0o644); err != nil {
				return nil, domain.WriteError(fmt.Sprintf("write shard %s", name), err)
			}
			files = append(files, path)
		}
	}
	return files, nil
}

// shardRecords encodes records as JSON lines and partitions them so no shard
// exceeds maxBytes. A single oversized record still gets its own shard.
func shardRecords(records []Record, maxBytes int64) ([][]byte, error) {
	var shards [][]byte
	var current []byte
	for _, r := range records {
		line, err := json.Marshal(r)
		if err != nil {
			return nil, domain.WriteError(fmt.Sprintf("encode record %s", r.ID), err)
		}
		line = append(line, '\n')
		if len(current) > 0 && int64(len(current)+len(line)) > maxBytes {
			shards = append(shards, current)
			current = nil
		}
		current = append(current, line...)
	}
	if len(current) > 0 {
		shards = append(shards, current)
	}
	return shards, nil
}

// splitPageSuffix separates a "_pageNNN" suffix produced for multi-page
// sources. Stems without a numeric page suffix return page 0.
func splitPageSuffix(stem string) (string, int) {
	idx := strings.LastIndex(stem, "_page")
	if idx < 0 {
		return stem, 0
	}
	page, err := strconv.Atoi(stem[idx+len("_page"):])
	if err != nil || page <= 0 {
		return stem, 0
	}
	return stem[:idx], page
}

func (e *Exporter) datasetCard(report *Report) string {
	var b strings.Builder
	total := report.TotalRecords()

	fmt.Fprintf(&b, `---
license: mit
task_categories:
- text-generation
- text-retrieval
size_categories:
- %s
---

# %s

OCR-extracted text from documents processed with DeepSeek-OCR.

## Dataset Summary

- **Total Records**: %d
- **Format**: JSON Lines, one record per document page

## Data Fields

- `+"`id`"+`: unique identifier for the record
- `+"`source_file`"+`: source filename without the page suffix
- `+"`split`"+`: dataset split
- `+"`page_number`"+`: page number for multi-page documents (absent for single pages)
- `+"`text`"+`: extracted text in markdown
- `+"`text_length`"+`: text length in bytes
- `+"`file_path`"+`: relative path of the source markdown file

## Subsets

`, sizeCategory(total), e.opts.DatasetName, total)

	subsets := make([]string, 0, len(report.Records))
	for name := range report.Records {
		subsets = append(subsets, name)
	}
	sort.Strings(subsets)
	for _, name := range subsets {
		fmt.Fprintf(&b, "- **%s**: %d records in %d file(s)\n", name, report.Records[name], len(report.Files[name]))
	}
	return b.String()
}

// sizeCategory buckets a record count into the HuggingFace card taxonomy.
func sizeCategory(n int) string {
	switch {
	case n < 1_000:
		return "n<1K"
	case n < 10_000:
		return "1K<n<10K"
	case n < 100_000:
		return "10K<n<100K"
	case n < 1_000_000:
		return "100K<n<1M"
	default:
		return "1M<n<10M"
	}
}
