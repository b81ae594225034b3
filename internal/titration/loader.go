package titration

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type scenarioEnvelope struct {
	Conversations []Scenario `json:"conversations" yaml:"conversations"`
}

// LoadScenarios reads a dataset file and returns its validated scenarios.
// The file is either a list of scenarios or {"conversations": [...]}; files
// ending in .yaml/.yml are parsed as YAML. limit > 0 keeps the first limit
// scenarios. Every error is a *ScenarioLoadError.
func LoadScenarios(path string, limit int) ([]Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ScenarioLoadError{Path: path, Index: -1, Err: err}
	}
	scenarios, err := ParseScenarios(data, isYAMLPath(path))
	if err != nil {
		var sle *ScenarioLoadError
		if errors.As(err, &sle) {
			sle.Path = path
			return nil, sle
		}
		return nil, &ScenarioLoadError{Path: path, Index: -1, Err: err}
	}
	if limit > 0 && limit < len(scenarios) {
		scenarios = scenarios[:limit]
	}
	return scenarios, nil
}

// ParseScenarios decodes and validates an in-memory dataset.
func ParseScenarios(data []byte, asYAML bool) ([]Scenario, error) {
	var (
		scenarios []Scenario
		err       error
	)
	if asYAML {
		scenarios, err = decodeYAML(data)
	} else {
		scenarios, err = decodeJSON(data)
	}
	if err != nil {
		return nil, &ScenarioLoadError{Index: -1, Err: err}
	}
	if len(scenarios) == 0 {
		return nil, &ScenarioLoadError{Index: -1, Err: ErrNoScenarios}
	}

	seen := make(map[string]struct{}, len(scenarios))
	for i := range scenarios {
		if err := scenarios[i].validate(); err != nil {
			return nil, &ScenarioLoadError{Index: i, Err: err}
		}
		id := scenarios[i].ID
		if _, dup := seen[id]; dup {
			return nil, &ScenarioLoadError{Index: i, Err: fmt.Errorf("duplicate id %q", id)}
		}
		seen[id] = struct{}{}
	}
	return scenarios, nil
}

func decodeJSON(data []byte) ([]Scenario, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty dataset")
	}
	if trimmed[0] == '[' {
		var list []Scenario
		if err := json.Unmarshal(trimmed, &list); err != nil {
			return nil, fmt.Errorf("parse json: %w", err)
		}
		return list, nil
	}
	var env scenarioEnvelope
	if err := json.Unmarshal(trimmed, &env); err != nil {
		return nil, fmt.Errorf("parse json: %w", err)
	}
	return env.Conversations, nil
}

func decodeYAML(data []byte) ([]Scenario, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	if len(root.Content) == 0 {
		return nil, fmt.Errorf("empty dataset")
	}
	doc := root.Content[0]
	if doc.Kind == yaml.SequenceNode {
		var list []Scenario
		if err := doc.Decode(&list); err != nil {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
		return list, nil
	}
	var env scenarioEnvelope
	if err := doc.Decode(&env); err != nil {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	return env.Conversations, nil
}

func isYAMLPath(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return true
	}
	return false
}
