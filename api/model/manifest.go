package model

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Manifest is the functions.yaml file written by the synth step. It lists
// every function deployed as a live placeholder.
type Manifest struct {
	App       string               `yaml:"app" json:"app"`
	Stage     string               `yaml:"stage,omitempty" json:"stage,omitempty"`
	Functions []FunctionDefinition `yaml:"functions" json:"functions"`
}

func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseManifest(data)
}

func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse manifest: %w", err)
	}
	for i := range m.Functions {
		ApplyDefaults(&m.Functions[i])
	}
	return &m, nil
}
