package model

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads and decodes a scenario file. The format follows the file
// extension: .json, or .yaml/.yml.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("scenario: read %s: %w", path, err)
	}
	var s Scenario
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("scenario: parse %s: %w", path, err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &s); err != nil {
			return nil, fmt.Errorf("scenario: parse %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("scenario: unsupported extension %q", filepath.Ext(path))
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

// Validate checks the structural minimum a scenario must satisfy before
// orchestration: a parseable global window and at least one node.
func (s *Scenario) Validate() error {
	if s.SimTime.StartTime == "" || s.SimTime.EndTime == "" {
		return fmt.Errorf("scenario: sim_time start_time and end_time are required")
	}
	if s.SimTime.Delta <= 0 {
		return fmt.Errorf("scenario: sim_time delta must be positive")
	}
	total := 0
	for _, t := range s.Topologies {
		total += len(t.Nodes)
	}
	if total == 0 {
		return fmt.Errorf("scenario: no nodes declared")
	}
	return nil
}
