package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/based/iacgen/pkg/iac"
)

// requestFile is the YAML document handed over by the planning stage.
type requestFile struct {
	Requests []struct {
		Type     string         `yaml:"type"`
		Name     string         `yaml:"name"`
		Priority int            `yaml:"priority"`
		Context  map[string]any `yaml:"context"`
	} `yaml:"requests"`
}

func loadRequests(path string) ([]iac.GenerationRequest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read requests: %w", err)
	}
	var doc requestFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse requests %s: %w", path, err)
	}
	if len(doc.Requests) == 0 {
		return nil, fmt.Errorf("no requests in %s", path)
	}

	out := make([]iac.GenerationRequest, 0, len(doc.Requests))
	for _, r := range doc.Requests {
		out = append(out, iac.GenerationRequest{
			Key:      iac.NewResourceKey(r.Type, r.Name),
			Priority: r.Priority,
			Context:  r.Context,
		})
	}
	return out, nil
}
