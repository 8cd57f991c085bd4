package pipeline

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/docstream/ocrpipe/internal/decompose"
	"github.com/docstream/ocrpipe/internal/domain"
)

type fileEntry struct {
	abs string
	// rel is the path under the input root, mirrored into the output root.
	rel string
}

// discoverInputs resolves a file or directory argument into the list of
// convertible sources, in lexical walk order.
func discoverInputs(input string) ([]fileEntry, error) {
	info, err := os.Stat(input)
	if err != nil {
		return nil, domain.ConfigError(fmt.Sprintf("input %s", input), err)
	}

	if !info.IsDir() {
		if !decompose.IsSupported(input) {
			return nil, domain.ConfigError(fmt.Sprintf("unsupported input format %q", filepath.Ext(input)), nil)
		}
		return []fileEntry{{abs: input, rel: filepath.Base(input)}}, nil
	}

	var entries []fileEntry
	err = filepath.WalkDir(input, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !decompose.IsSupported(path) {
			return nil
		}
		rel, err := filepath.Rel(input, path)
		if err != nil {
			return err
		}
		entries = append(entries, fileEntry{abs: path, rel: rel})
		return nil
	})
	if err != nil {
		return nil, domain.ConfigError(fmt.Sprintf("walk input %s", input), err)
	}
	if len(entries) == 0 {
		return nil, domain.ConfigError(fmt.Sprintf("no convertible files under %s", input), nil)
	}
	return entries, nil
}
