package fs

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// NamespaceMeta is persisted as meta.yaml inside each namespace directory.
type NamespaceMeta struct {
	// Created is when the namespace directory was first created.
	Created time.Time `yaml:"created"`
	// LastSwapped is when the namespace last received swapped-in data.
	LastSwapped time.Time `yaml:"last_swapped,omitempty"`
}

// LoadNamespaceMeta reads namespace metadata from a file path.
func LoadNamespaceMeta(path string) (*NamespaceMeta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var meta NamespaceMeta
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("parse namespace metadata: %w", err)
	}
	return &meta, nil
}

// SaveNamespaceMeta writes namespace metadata to a file path.
func SaveNamespaceMeta(path string, meta *NamespaceMeta) error {
	data, err := yaml.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal namespace metadata: %w", err)
	}
	return os.WriteFile(path, data, 0644)
}
