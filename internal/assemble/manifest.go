package assemble

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/docstream/ocrpipe/internal/domain"
)

// ManifestName is the failure manifest filename, written under the
// output root.
const ManifestName = "errors.json"

// Manifest accumulates failure entries and persists them as a JSON array.
// Used by a single goroutine (the assembler), so it is not locked.
type Manifest struct {
	path       string
	flushEvery int
	entries    []domain.ManifestEntry
	unflushed  int
}

// NewManifest creates a manifest that persists to path. flushEvery <= 0
// disables incremental flushing; Finalize always flushes.
func NewManifest(path string, flushEvery int) *Manifest {
	return &Manifest{path: path, flushEvery: flushEvery}
}

// Record appends a failure entry and flushes if the incremental threshold
// is reached.
func (m *Manifest) Record(unit domain.ConversionUnit, err error) error {
	m.entries = append(m.entries, domain.ManifestEntry{
		Source:    unit.Source.ID(),
		PageIndex: unit.PageIndex,
		Kind:      domain.KindOf(err),
		Message:   err.Error(),
	})
	m.unflushed++
	if m.flushEvery > 0 && m.unflushed >= m.flushEvery {
		return m.Flush()
	}
	return nil
}

// Entries returns the recorded failures.
func (m *Manifest) Entries() []domain.ManifestEntry { return m.entries }

// Path returns where the manifest is persisted.
func (m *Manifest) Path() string { return m.path }

// Flush writes the current entries atomically.
func (m *Manifest) Flush() error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return domain.WriteError("create manifest directory", err)
	}
	data, err := json.MarshalIndent(m.entries, "", "  ")
	if err != nil {
		return domain.WriteError("encode manifest", err)
	}
	if err := atomicWriteFile(m.path, append(data, '\n')); err != nil {
		return domain.WriteError(fmt.Sprintf("write %s", m.path), err)
	}
	m.unflushed = 0
	return nil
}

// Finalize persists the manifest. With zero entries it removes any stale
// manifest left by a previous run instead.
func (m *Manifest) Finalize() error {
	if len(m.entries) == 0 {
		if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
			return domain.WriteError(fmt.Sprintf("remove stale %s", m.path), err)
		}
		return nil
	}
	return m.Flush()
}
