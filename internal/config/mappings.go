package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/JonMunkholm/sheetsync/internal/core"
)

// SyncFile is the parsed mappings file.
type SyncFile struct {
	Kinds    []core.KindDefinition
	Mappings []core.WorksheetMapping
}

type syncFileYAML struct {
	Kinds    []kindYAML    `yaml:"kinds"`
	Mappings []mappingYAML `yaml:"mappings"`
}

type kindYAML struct {
	Name   string      `yaml:"name"`
	Label  string      `yaml:"label"`
	Fields []fieldYAML `yaml:"fields"`
}

type fieldYAML struct {
	Name     string `yaml:"name"`
	Required bool   `yaml:"required"`
	Unique   bool   `yaml:"unique"`
}

type mappingYAML struct {
	ID     string `yaml:"id"`
	Source struct {
		Type string `yaml:"type"`
		ID   string `yaml:"id"`
	} `yaml:"source"`
	Worksheet struct {
		ID   *int64 `yaml:"id"`
		Name string `yaml:"name"`
	} `yaml:"worksheet"`
	Kind              string            `yaml:"kind"`
	Mode              string            `yaml:"mode"`
	UniqueKeys        []string          `yaml:"unique_keys"`
	Columns           map[string]string `yaml:"columns"`
	MuteNotifications bool              `yaml:"mute_notifications"`
	SubmitAfterImport bool              `yaml:"submit_after_import"`
	Frequency         string            `yaml:"frequency"`
}

// LoadSyncFile reads and validates a mappings file.
// Relative workbook paths are resolved against the file's directory.
func LoadSyncFile(path string) (*SyncFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mappings file: %w", err)
	}

	sf, err := ParseSyncFile(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	dir := filepath.Dir(path)
	for i, m := range sf.Mappings {
		if m.Source.Type == core.SourceWorkbook && !filepath.IsAbs(m.Source.ID) {
			sf.Mappings[i].Source.ID = filepath.Join(dir, m.Source.ID)
		}
	}
	return sf, nil
}

// ParseSyncFile decodes a mappings document. Unknown keys are rejected so a
// misspelled option does not silently fall back to its default.
func ParseSyncFile(r io.Reader) (*SyncFile, error) {
	var doc syncFileYAML
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse mappings: %w", err)
	}

	sf := &SyncFile{}
	for _, k := range doc.Kinds {
		def := core.KindDefinition{Name: k.Name, Label: k.Label}
		for _, f := range k.Fields {
			def.Fields = append(def.Fields, core.FieldSpec{Name: f.Name, Required: f.Required, Unique: f.Unique})
		}
		sf.Kinds = append(sf.Kinds, def)
	}

	var errs []string
	seen := make(map[string]bool, len(doc.Mappings))
	for _, y := range doc.Mappings {
		m := core.WorksheetMapping{
			ID:                strings.TrimSpace(y.ID),
			Source:            core.SourceRef{Type: core.SourceType(strings.ToLower(y.Source.Type)), ID: strings.TrimSpace(y.Source.ID)},
			Worksheet:         core.WorksheetRef{ID: y.Worksheet.ID, Name: y.Worksheet.Name},
			Kind:              y.Kind,
			Mode:              core.ImportMode(strings.ToLower(y.Mode)),
			UniqueKeys:        y.UniqueKeys,
			Columns:           y.Columns,
			MuteNotifications: y.MuteNotifications,
			SubmitAfterImport: y.SubmitAfterImport,
			Frequency:         y.Frequency,
		}
		if m.Mode == "" {
			m.Mode = core.ModeAppend
		}
		if err := m.Validate(); err != nil {
			errs = append(errs, err.Error())
			continue
		}
		if seen[m.ID] {
			errs = append(errs, fmt.Sprintf("duplicate mapping id %q", m.ID))
			continue
		}
		seen[m.ID] = true
		sf.Mappings = append(sf.Mappings, m)
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid mappings:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return sf, nil
}

// Registry builds the kind registry declared by the file.
func (sf *SyncFile) Registry() (*core.Kinds, error) {
	return core.NewKinds(sf.Kinds...)
}
