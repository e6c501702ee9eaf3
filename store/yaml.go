package store

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/flowmesh/core"
)

// Catalog is the YAML document shape accepted by LoadFile: a flat list of
// persona cards and flow graphs.
type Catalog struct {
	Agents []core.PersonaConfig `yaml:"agents"`
	Flows  []*core.Flow         `yaml:"flows"`
}

// LoadFile reads a YAML catalog of agents and flows into a fresh in-memory
// store. Every definition is validated; the first invalid entry aborts the
// load.
func LoadFile(path string) (*InMemoryStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("store: read %s: %w", path, err)
	}
	return loadCatalog(data)
}

func loadCatalog(data []byte) (*InMemoryStore, error) {
	var cat Catalog
	if err := yaml.Unmarshal(data, &cat); err != nil {
		return nil, fmt.Errorf("store: parse catalog: %w", err)
	}
	s := NewInMemoryStore()
	for _, persona := range cat.Agents {
		if err := s.PutAgent(persona); err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
	}
	for _, flow := range cat.Flows {
		if err := s.PutFlow(flow); err != nil {
			return nil, fmt.Errorf("store: %w", err)
		}
	}
	return s, nil
}
