package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/ShayCichocki/taskforge/pkg/models"
)

// Manifest is a batch of workers and tasks read from YAML:
//
//	workers:
//	  - id: builder-1
//	    capabilities: [go, docker]
//	    max_capacity: 2
//	tasks:
//	  - id: compile
//	    priority: high
//	    capability: go
//	    metadata: {command: "go build ./..."}
//	  - id: image
//	    depends_on: [compile]
type Manifest struct {
	Workers []models.Worker   `yaml:"workers"`
	Tasks   []models.TaskSpec `yaml:"tasks"`
}

// LoadManifest reads and parses a manifest file.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	m, err := ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	return m, nil
}

// ParseManifest parses manifest YAML. Unknown fields are rejected.
func ParseManifest(data []byte) (*Manifest, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	m := &Manifest{}
	if err := dec.Decode(m); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse: %w", err)
	}
	if err := m.validateWorkers(); err != nil {
		return nil, err
	}
	return m, nil
}

// LoadWorkers reads a file holding only a workers list, in the same format as
// a manifest's workers section.
func LoadWorkers(path string) ([]models.Worker, error) {
	m, err := LoadManifest(path)
	if err != nil {
		return nil, err
	}
	return m.Workers, nil
}

func (m *Manifest) validateWorkers() error {
	seen := make(map[string]bool, len(m.Workers))
	for i := range m.Workers {
		w := &m.Workers[i]
		if w.ID == "" {
			return fmt.Errorf("worker %d: id is required", i)
		}
		if seen[w.ID] {
			return fmt.Errorf("worker %s: declared twice", w.ID)
		}
		seen[w.ID] = true
		if w.MaxCapacity == 0 {
			w.MaxCapacity = 1
		}
		if w.MaxCapacity < 0 {
			return fmt.Errorf("worker %s: max_capacity must be positive", w.ID)
		}
		if len(w.Capabilities) == 0 {
			w.Capabilities = []string{models.AnyCapability}
		}
	}
	return nil
}
