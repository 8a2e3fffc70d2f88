package tasks

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// definitions file shape:
//
//	tasks:
//	  add_photos:
//	    steps:
//	      - type: move_images
//	        priority: 100
//	      - type: generate_derivatives
//	        skip_flag: skip_derivatives
type defFile struct {
	Tasks map[string]struct {
		Steps []Step `yaml:"steps"`
	} `yaml:"tasks"`
}

// LoadDefinitions reads a YAML task definition file. Definitions are
// static configuration: loaded once at startup, read-only afterwards.
func LoadDefinitions(path string) (Definitions, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tasks: read definitions: %w", err)
	}
	return ParseDefinitions(data)
}

// ParseDefinitions parses YAML task definitions.
func ParseDefinitions(data []byte) (Definitions, error) {
	var f defFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("tasks: parse definitions: %w", err)
	}

	defs := Definitions{}
	for name, entry := range f.Tasks {
		for i, step := range entry.Steps {
			if step.Type == "" {
				return nil, fmt.Errorf("tasks: definition %q step %d has no type", name, i)
			}
		}
		defs[name] = Definition{Name: name, Steps: entry.Steps}
	}
	return defs, nil
}
