package model

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Parse reads a process definition from YAML and builds it.
func Parse(data []byte) (*Process, error) {
	var p Process
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal process definition: %w", err)
	}
	if err := p.Build(); err != nil {
		return nil, fmt.Errorf("invalid process definition %s: %w", p.Id, err)
	}
	return &p, nil
}

// MustParse is like Parse but panics on error. Intended for tests and static definitions.
func MustParse(data string) *Process {
	p, err := Parse([]byte(data))
	if err != nil {
		panic(err)
	}
	return p
}
