package domain

import (
	"fmt"
	"path"
	"strings"
)

// ResolutionMode selects the compute/quality tradeoff on the inference
// backend. Each mode maps to a fixed DeepSeek-OCR preset geometry; the
// request/response shape is identical across modes.
type ResolutionMode string

const (
	ResolutionTiny   ResolutionMode = "tiny"
	ResolutionSmall  ResolutionMode = "small"
	ResolutionBase   ResolutionMode = "base"
	ResolutionLarge  ResolutionMode = "large"
	ResolutionGundam ResolutionMode = "gundam"
)

// ResolutionModes lists all valid modes in ascending compute order.
var ResolutionModes = []ResolutionMode{
	ResolutionTiny,
	ResolutionSmall,
	ResolutionBase,
	ResolutionLarge,
	ResolutionGundam,
}

// Preset holds the backend-side geometry implied by a resolution mode.
type Preset struct {
	BaseSize  int
	ImageSize int
	CropMode  bool
}

var presets = map[ResolutionMode]Preset{
	ResolutionTiny:   {BaseSize: 512, ImageSize: 512},
	ResolutionSmall:  {BaseSize: 640, ImageSize: 640},
	ResolutionBase:   {BaseSize: 1024, ImageSize: 1024},
	ResolutionLarge:  {BaseSize: 1280, ImageSize: 1280},
	ResolutionGundam: {BaseSize: 1024, ImageSize: 640, CropMode: true},
}

// ParseResolutionMode validates a mode string from config or flags.
func ParseResolutionMode(s string) (ResolutionMode, error) {
	mode := ResolutionMode(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := presets[mode]; !ok {
		return "", ConfigError(fmt.Sprintf("unknown resolution mode %q (valid: tiny, small, base, large, gundam)", s), nil)
	}
	return mode, nil
}

// Preset returns the backend geometry for the mode. Unknown modes fall back
// to the base preset so a zero-value mode never produces an empty request.
func (m ResolutionMode) Preset() Preset {
	if p, ok := presets[m]; ok {
		return p
	}
	return presets[ResolutionBase]
}

func (m ResolutionMode) String() string { return string(m) }

// SourceRef identifies where a unit of work came from. For filesystem inputs
// RelPath is the path relative to the input root. For dataset records the
// Collection/Subset/Split/Row fields are set instead and RelPath carries the
// synthetic row identifier.
type SourceRef struct {
	RelPath    string
	Collection string
	Subset     string
	Split      string
	Row        int64
	Column     string
}

// ID renders the stable identifier used in logs, the manifest, and the
// checkpoint store.
func (s SourceRef) ID() string {
	if s.Collection == "" {
		return s.RelPath
	}
	return fmt.Sprintf("%s/%s/%s/%s/%s", s.Collection, s.Subset, s.Split, s.RelPath, s.Column)
}

// IsDataset reports whether the ref originates from a dataset record.
func (s SourceRef) IsDataset() bool { return s.Collection != "" }

// ConversionUnit is the atomic piece of work: one image destined for one
// inference call. Immutable once created; owned by the dispatcher until
// resolved.
type ConversionUnit struct {
	Source SourceRef
	// PageIndex is 1-based for multi-page sources, 0 for single images.
	PageIndex int
	Image     []byte
	Mode      ResolutionMode
}

// MultiPage reports whether the unit came from a multi-page source.
func (u ConversionUnit) MultiPage() bool { return u.PageIndex > 0 }

// UnitOutcome is the result of exactly one inference attempt chain for a
// unit: either markdown text or a classified failure.
type UnitOutcome struct {
	Markdown string
	Err      error
}

// Failed reports whether the outcome is a failure.
func (o UnitOutcome) Failed() bool { return o.Err != nil }

// Result pairs a unit with its outcome for the assembler.
type Result struct {
	Unit    ConversionUnit
	Outcome UnitOutcome
}

// ManifestEntry records one failed unit. Entries are append-only.
type ManifestEntry struct {
	Source    string    `json:"source"`
	PageIndex int       `json:"page_index,omitempty"`
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
}

// OutputTarget derives the output file path for a unit relative to the
// output root. It is a pure function of the source ref and page index:
//   - single image:        <dir>/<stem>.md
//   - multi-page, page N:  <dir>/<stem>_pageNNN.md
//
// Dataset refs are namespaced <subset>/<split>/<rowID>_<column>.md so that
// same-named rows in different splits can never collide.
func OutputTarget(src SourceRef, pageIndex int) string {
	var dir, stem string
	if src.IsDataset() {
		dir = path.Join(src.Subset, src.Split)
		stem = sanitizeStem(src.RelPath) + "_" + src.Column
	} else {
		rel := path.Clean(strings.ReplaceAll(src.RelPath, "\\", "/"))
		dir = path.Dir(rel)
		if dir == "." {
			dir = ""
		}
		base := path.Base(rel)
		stem = strings.TrimSuffix(base, path.Ext(base))
	}
	name := stem + ".md"
	if pageIndex > 0 {
		name = fmt.Sprintf("%s_page%03d.md", stem, pageIndex)
	}
	return path.Join(dir, name)
}

// sanitizeStem keeps dataset row identifiers inside their split directory.
func sanitizeStem(s string) string {
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	return s
}

// RunStats accumulates per-run unit counts. It is reset at the start of
// every invocation and is only mutated by the assembler goroutine.
type RunStats struct {
	Discovered int
	Dispatched int
	Succeeded  int
	Failed     int
	Skipped    int
}
