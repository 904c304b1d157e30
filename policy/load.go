package policy

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// File is the YAML layout of a policy file.
//
//	role_multipliers:        # defaults for every endpoint
//	  admin: 5
//	endpoints:
//	  - method: GET
//	    path: /media/{id}
//	    windows:
//	      - kind: burst
//	        size: 10s
//	        limit: 20
//	      - kind: minute
//	        limit: 60
//	    role_multipliers:    # per-endpoint overrides
//	      super_admin: 20
type File struct {
	RoleMultipliers map[string]float64 `yaml:"role_multipliers"`
	Endpoints       []EndpointFile     `yaml:"endpoints"`
}

// EndpointFile is one endpoint entry of a policy file.
type EndpointFile struct {
	Method          string             `yaml:"method"`
	Path            string             `yaml:"path"`
	Windows         []WindowFile       `yaml:"windows"`
	RoleMultipliers map[string]float64 `yaml:"role_multipliers"`
}

// WindowFile is one window entry of a policy file. Size is optional.
type WindowFile struct {
	Kind  string `yaml:"kind"`
	Size  string `yaml:"size"`
	Limit int64  `yaml:"limit"`
}

// LoadFile reads and parses a YAML policy file.
func LoadFile(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading policy file: %w", err)
	}
	return Parse(data)
}

// Parse builds a Table from YAML policy data.
func Parse(data []byte) (*Table, error) {
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPolicy, err)
	}

	defaults, err := parseMultipliers(f.RoleMultipliers)
	if err != nil {
		return nil, err
	}

	policies := make([]EndpointPolicy, 0, len(f.Endpoints))
	for i, ef := range f.Endpoints {
		p := EndpointPolicy{
			Method:         ef.Method,
			Path:           ef.Path,
			RoleMultiplier: make(map[Role]float64, len(defaults)+len(ef.RoleMultipliers)),
		}
		for r, m := range defaults {
			p.RoleMultiplier[r] = m
		}
		overrides, err := parseMultipliers(ef.RoleMultipliers)
		if err != nil {
			return nil, fmt.Errorf("endpoint %d: %w", i, err)
		}
		for r, m := range overrides {
			p.RoleMultiplier[r] = m
		}

		for _, wf := range ef.Windows {
			w := NewWindow(WindowKind(wf.Kind), wf.Limit)
			if wf.Size != "" {
				size, err := time.ParseDuration(wf.Size)
				if err != nil {
					return nil, fmt.Errorf("%w: endpoint %d window %q: %v", ErrInvalidPolicy, i, wf.Kind, err)
				}
				w.Size = size
			}
			p.Windows = append(p.Windows, w)
		}
		policies = append(policies, p)
	}

	return NewTable(policies...)
}

func parseMultipliers(in map[string]float64) (map[Role]float64, error) {
	out := make(map[Role]float64, len(in))
	for name, m := range in {
		r := Role(name)
		if !r.Valid() {
			return nil, fmt.Errorf("%w: unknown role %q", ErrInvalidPolicy, name)
		}
		out[r] = m
	}
	return out, nil
}
