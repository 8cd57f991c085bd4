package export

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docstream/ocrpipe/internal/domain"
	"github.com/docstream/ocrpipe/internal/observability"
)

// sampleRun lays out a dataset-run output root: two subsets, a multi-page
// document, plus the run artifacts export must ignore.
func sampleRun(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	write := func(rel, content string) {
		path := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
	write("raw/train/a_image.md", "# a")
	write("raw/train/b_image_page001.md", "# b page one")
	write("raw/train/b_image_page002.md", "# b page two")
	write("raw/test/c_image.md", "# c")
	write("other/x.md", "# x")
	write("errors.json", "[]")
	write(".ocrpipe-checkpoint.db", "not a real db")
	return root
}

func readRecords(t *testing.T, path string) []Record {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var records []Record
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		var r Record
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &r))
		records = append(records, r)
	}
	require.NoError(t, scanner.Err())
	return records
}

func TestRunWritesShardsPerSubsetAndSplit(t *testing.T) {
	root := sampleRun(t)
	e := New(root, Options{DatasetName: "docs"}, observability.Nop())

	report, err := e.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 3, report.Records["raw"])
	assert.Equal(t, 1, report.Records["other"])
	assert.Equal(t, 4, report.TotalRecords())

	train := readRecords(t, filepath.Join(root, DatasetDirName, "raw-train.jsonl"))
	require.Len(t, train, 3)
	byID := make(map[string]Record, len(train))
	for _, r := range train {
		assert.Equal(t, "train", r.Split)
		byID[r.ID] = r
	}

	a := byID["train/a_image.md"]
	assert.Equal(t, "a_image", a.SourceFile)
	assert.Equal(t, 0, a.PageNumber)
	assert.Equal(t, "# a", a.Text)
	assert.Equal(t, len("# a"), a.TextLength)

	b1 := byID["train/b_image_page001.md"]
	assert.Equal(t, "b_image", b1.SourceFile, "page suffix stripped from source file")
	assert.Equal(t, 1, b1.PageNumber)
	b2 := byID["train/b_image_page002.md"]
	assert.Equal(t, 2, b2.PageNumber)

	test := readRecords(t, filepath.Join(root, DatasetDirName, "raw-test.jsonl"))
	require.Len(t, test, 1)
	assert.Equal(t, "test", test[0].Split)

	// Files directly under the subset default to the train split.
	other := readRecords(t, filepath.Join(root, DatasetDirName, "other-train.jsonl"))
	require.Len(t, other, 1)
	assert.Equal(t, "x", other[0].SourceFile)
}

func TestRunWritesDatasetCard(t *testing.T) {
	root := sampleRun(t)
	e := New(root, Options{DatasetName: "docs"}, observability.Nop())

	report, err := e.Run(context.Background())
	require.NoError(t, err)

	data, err := os.ReadFile(report.CardPath)
	require.NoError(t, err)
	card := string(data)
	assert.Contains(t, card, "# docs")
	assert.Contains(t, card, "**Total Records**: 4")
	assert.Contains(t, card, "- **raw**: 3 records")
	assert.Contains(t, card, "n<1K")
}

func TestRunIsRepeatable(t *testing.T) {
	root := sampleRun(t)
	e := New(root, Options{}, observability.Nop())

	first, err := e.Run(context.Background())
	require.NoError(t, err)

	// The dataset directory from the first pass must not be re-collected.
	second, err := e.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.Records, second.Records)
}

func TestRunShardsLargeSplits(t *testing.T) {
	root := t.TempDir()
	sub := filepath.Join(root, "raw", "train")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	for i := 0; i < 6; i++ {
		name := filepath.Join(sub, string(rune('a'+i))+".md")
		require.NoError(t, os.WriteFile(name, bytes.Repeat([]byte("x"), 100), 0o644))
	}

	e := New(root, Options{MaxShardBytes: 300}, observability.Nop())
	report, err := e.Run(context.Background())
	require.NoError(t, err)

	files := report.Files["raw"]
	require.Greater(t, len(files), 1, "records above the shard bound split across files")
	assert.Contains(t, filepath.Base(files[0]), "-of-")

	total := 0
	for _, f := range files {
		total += len(readRecords(t, f))
	}
	assert.Equal(t, 6, total, "sharding loses no records")
}

func TestRunRejectsEmptyRoot(t *testing.T) {
	e := New(t.TempDir(), Options{}, observability.Nop())
	_, err := e.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, domain.KindConfig, domain.KindOf(err))
}

func TestSplitPageSuffix(t *testing.T) {
	tests := []struct {
		stem string
		base string
		page int
	}{
		{"doc_page003", "doc", 3},
		{"doc_page001", "doc", 1},
		{"doc", "doc", 0},
		{"doc_pagex", "doc_pagex", 0},
		{"front_page", "front_page", 0},
	}
	for _, tt := range tests {
		base, page := splitPageSuffix(tt.stem)
		assert.Equal(t, tt.base, base, tt.stem)
		assert.Equal(t, tt.page, page, tt.stem)
	}
}
