package catalog

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/warp/story-engine/generic"
)

// =============================================================================
// FILE SCHEMA
// =============================================================================

// File is the on-disk catalog document.
type File struct {
	Stories []Story `json:"stories" yaml:"stories"`
}

// Format selects the catalog encoding.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatJSON Format = "json"
)

// FormatFor infers the format from a file extension.
func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".json":
		return FormatJSON, nil
	}
	return "", fmt.Errorf("unsupported catalog extension %q", filepath.Ext(path))
}

// =============================================================================
// FACTORY
// =============================================================================

// Parse decodes and validates a catalog document. Unknown fields are
// rejected so typos in hand-edited files surface early.
func Parse(data []byte, format Format) ([]Story, error) {
	var f File
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&f); err != nil {
			return nil, fmt.Errorf("failed to parse catalog YAML: %w", err)
		}
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&f); err != nil {
			return nil, fmt.Errorf("failed to parse catalog JSON: %w", err)
		}
	default:
		return nil, fmt.Errorf("unknown catalog format %q", format)
	}

	seen := make(map[string]bool, len(f.Stories))
	for _, s := range f.Stories {
		if err := s.Validate(); err != nil {
			return nil, err
		}
		if seen[s.ID] {
			return nil, generic.Invalid("id", "duplicate story "+s.ID)
		}
		seen[s.ID] = true
	}
	return f.Stories, nil
}

// LoadFile reads and parses a catalog file.
func LoadFile(path string) ([]Story, error) {
	format, err := FormatFor(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	stories, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return stories, nil
}

// Marshal encodes stories in the given format.
func Marshal(stories []Story, format Format) ([]byte, error) {
	f := File{Stories: stories}
	switch format {
	case FormatYAML:
		return yaml.Marshal(f)
	case FormatJSON:
		return json.MarshalIndent(f, "", "  ")
	}
	return nil, fmt.Errorf("unknown catalog format %q", format)
}

// DemoStories is the catalog seeded into empty development databases.
func DemoStories() []Story {
	return []Story{
		{
			ID:            "lighthouse",
			Title:         "The Lighthouse Keeper",
			Synopsis:      "A storm, a missing ship and a light that will not stay lit.",
			ChapterCost:   10,
			ChapterTarget: 8,
			Characters:    []Character{{ID: "keeper", Name: "The Keeper"}, {ID: "apprentice", Name: "The Apprentice"}},
			Roles:         []Role{{ID: "sailor", Name: "Shipwrecked Sailor"}, {ID: "inspector", Name: "Harbour Inspector"}},
		},
		{
			ID:            "orchard",
			Title:         "Night in the Orchard",
			ChapterCost:   0,
			ChapterTarget: 3,
			Characters:    []Character{{ID: "wanderer", Name: "Wanderer"}},
		},
	}
}
