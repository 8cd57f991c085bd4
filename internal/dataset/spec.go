// Package dataset streams records out of large external dataset collections
// and extracts binary payloads for conversion.
package dataset

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/docstream/ocrpipe/internal/domain"
)

// JobSpec is the declarative description of one dataset conversion job.
// Parsed once at job start and immutable for the run.
type JobSpec struct {
	// Name is the collection identifier, e.g. "org/document-scans".
	Name       string `yaml:"name"`
	OutputRoot string `yaml:"output_root"`
	// Streaming selects non-materializing iteration. Materialized mode is
	// not implemented; the field is validated so specs written for it fail
	// fast instead of silently streaming.
	Streaming bool `yaml:"streaming"`
	// MaxSamples caps retained rows per subset. Zero means unlimited.
	MaxSamples int  `yaml:"max_samples"`
	Overwrite  bool `yaml:"overwrite"`

	Subsets []SubsetSpec `yaml:"subsets"`
}

// SubsetSpec names one subset and how to pull payloads out of its rows.
type SubsetSpec struct {
	Name   string   `yaml:"name"`
	Splits []string `yaml:"splits"`
	// ContentColumns hold raw bytes whose format must be sniffed.
	ContentColumns []string `yaml:"content_columns"`
	// ImageColumns hold already-decoded image data; preferred over
	// ContentColumns when both are populated.
	ImageColumns []string `yaml:"image_columns"`
	// FilterColumn/FilterValues skip rows whose column value is not listed.
	// Skipped rows do not count toward MaxSamples.
	FilterColumn string   `yaml:"filter_column"`
	FilterValues []string `yaml:"filter_values"`
	// ExtensionColumn optionally names a column carrying a file-extension
	// hint for content sniffing.
	ExtensionColumn string `yaml:"extension_column"`
}

// LoadJobSpec reads and validates a job spec from a YAML file.
func LoadJobSpec(path string) (*JobSpec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.ConfigError(fmt.Sprintf("read job spec %s", path), err)
	}
	var spec JobSpec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return nil, domain.ConfigError(fmt.Sprintf("parse job spec %s", path), err)
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// Validate fails fast on an unusable spec, before any network or dataset
// I/O begins.
func (s *JobSpec) Validate() error {
	if s.Name == "" {
		return domain.ConfigError("job spec: name is required", nil)
	}
	if s.OutputRoot == "" {
		return domain.ConfigError("job spec: output_root is required", nil)
	}
	if !s.Streaming {
		return domain.ConfigError("job spec: only streaming mode is supported (set streaming: true)", nil)
	}
	if s.MaxSamples < 0 {
		return domain.ConfigError("job spec: max_samples must not be negative", nil)
	}
	if len(s.Subsets) == 0 {
		return domain.ConfigError("job spec: at least one subset is required", nil)
	}
	for i, sub := range s.Subsets {
		if err := sub.validate(); err != nil {
			return domain.ConfigError(fmt.Sprintf("job spec: subset %d (%q)", i, sub.Name), err)
		}
	}
	return nil
}

func (s *SubsetSpec) validate() error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(s.Splits) == 0 {
		return fmt.Errorf("at least one split is required")
	}
	if len(s.ContentColumns) == 0 && len(s.ImageColumns) == 0 {
		return fmt.Errorf("at least one content or image column is required")
	}
	if s.FilterColumn == "" && len(s.FilterValues) > 0 {
		return fmt.Errorf("filter_values set without filter_column")
	}
	if s.FilterColumn != "" && len(s.FilterValues) == 0 {
		return fmt.Errorf("filter_column set without filter_values")
	}
	return nil
}
