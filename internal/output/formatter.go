package output

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/dbradf/evgflip/internal/flips"
	"gopkg.in/yaml.v3"
)

// Format selects a report rendering.
type Format string

const (
	FormatTable Format = "table"
	FormatJSON  Format = "json"
	FormatYAML  Format = "yaml"
)

// Formatter renders a flip detection result.
type Formatter interface {
	Format(result flips.Result, w io.Writer) error
}

// NewFormatter creates the formatter for the given format name.
func NewFormatter(format Format) (Formatter, error) {
	switch format {
	case FormatTable:
		return &TableFormatter{}, nil
	case FormatJSON:
		return &JSONFormatter{}, nil
	case FormatYAML:
		return &YAMLFormatter{}, nil
	default:
		return nil, fmt.Errorf("unknown output format: %s", format)
	}
}

// TableFormatter renders a human-readable report. Revisions and
// variants are sorted so output is stable.
type TableFormatter struct{}

func (f *TableFormatter) Format(result flips.Result, w io.Writer) error {
	if len(result) == 0 {
		_, err := fmt.Fprintln(w, "No task flips found.")
		return err
	}

	revisions := make([]string, 0, len(result))
	for revision := range result {
		revisions = append(revisions, revision)
	}
	sort.Strings(revisions)

	if _, err := fmt.Fprintf(w, "Found task flips in %d revision(s):\n", len(revisions)); err != nil {
		return err
	}

	for _, revision := range revisions {
		if _, err := fmt.Fprintf(w, "\n%s\n", revision); err != nil {
			return err
		}

		variants := make([]string, 0, len(result[revision]))
		for variant := range result[revision] {
			variants = append(variants, variant)
		}
		sort.Strings(variants)

		for _, variant := range variants {
			tasks := result[revision][variant]
			if _, err := fmt.Fprintf(w, "  %s: %s\n", variant, strings.Join(tasks, ", ")); err != nil {
				return err
			}
		}
	}
	return nil
}

// JSONFormatter renders the result as indented JSON.
type JSONFormatter struct{}

func (f *JSONFormatter) Format(result flips.Result, w io.Writer) error {
	if result == nil {
		result = flips.Result{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return nil
}

// YAMLFormatter renders the result as YAML.
type YAMLFormatter struct{}

func (f *YAMLFormatter) Format(result flips.Result, w io.Writer) error {
	if result == nil {
		result = flips.Result{}
	}
	enc := yaml.NewEncoder(w)
	defer enc.Close()
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return nil
}
