package graphengine

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"encoding/json"

	"gopkg.in/yaml.v3"
)

// Format is the wire format of a task graph document.
type Format int

const (
	FormatUnknown Format = iota
	FormatYAML
	FormatJSON
)

// String returns the human-readable name of the format.
func (f Format) String() string {
	switch f {
	case FormatYAML:
		return "yaml"
	case FormatJSON:
		return "json"
	default:
		return "unknown"
	}
}

// DetectFormat infers the format from a file extension. Returns
// FormatUnknown for anything other than .yaml/.yml/.json.
func DetectFormat(filename string) Format {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".json":
		return FormatJSON
	default:
		return FormatUnknown
	}
}

// ParseFile loads and parses a task graph document from a path, detecting
// the format from the file extension.
func ParseFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read task graph file: %w", err)
	}

	format := DetectFormat(path)
	if format == FormatUnknown {
		return nil, fmt.Errorf("unsupported task graph file extension: %s", filepath.Ext(path))
	}

	return ParseString(string(data), format)
}

// ParseString parses a task graph document from a string given an explicit
// format tag, per the ingestion contract (accept either a path or a string
// plus a format tag).
func ParseString(content string, format Format) (*Document, error) {
	var doc Document

	switch format {
	case FormatYAML:
		if err := yaml.Unmarshal([]byte(content), &doc); err != nil {
			return nil, fmt.Errorf("parse yaml task graph: %w", err)
		}
	case FormatJSON:
		if err := json.Unmarshal([]byte(content), &doc); err != nil {
			return nil, fmt.Errorf("parse json task graph: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported task graph format: %v", format)
	}

	return &doc, nil
}
