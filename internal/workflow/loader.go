package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/rendis/crew/pkg/schema"
)

// LoadDefinitionFile decodes a YAML or JSON definition. Field names follow
// the JSON tags of schema.WorkflowDefinition.
func LoadDefinitionFile(path string) (*schema.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return DecodeDefinition(data)
}

// DecodeDefinition parses YAML (a superset of JSON) into a definition.
func DecodeDefinition(data []byte) (*schema.WorkflowDefinition, error) {
	var raw map[string]any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "definition is not valid YAML").WithCause(err)
	}
	// Round-trip through JSON so the struct's JSON tags drive decoding.
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "definition cannot be encoded").WithCause(err)
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(b, &def); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "definition has the wrong shape").WithCause(err)
	}
	return &def, nil
}

// definitionFiles matches definition files at any depth under a directory.
const definitionFiles = "**/*.{yaml,yml,json}"

// LoadDir registers every *.yaml, *.yml and *.json definition under dir,
// including subdirectories, in path order. It returns the registered ids.
func LoadDir(r *Registry, dir string) ([]string, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("read definitions dir: %w", err)
	}
	files, err := doublestar.Glob(os.DirFS(dir), definitionFiles)
	if err != nil {
		return nil, fmt.Errorf("glob definitions dir: %w", err)
	}
	sort.Strings(files)

	var ids []string
	for _, f := range files {
		def, err := LoadDefinitionFile(filepath.Join(dir, filepath.FromSlash(f)))
		if err != nil {
			return ids, fmt.Errorf("%s: %w", f, err)
		}
		if err := r.Register(def); err != nil {
			return ids, fmt.Errorf("%s: %w", f, err)
		}
		ids = append(ids, def.ID)
	}
	return ids, nil
}
