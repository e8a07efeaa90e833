package config

import (
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// Policy optionally restricts which facilities are processed and which record
// kinds are relayed. An empty list means "everything".
type Policy struct {
	Facilities []string `yaml:"facilities,omitempty"`
	Kinds      []string `yaml:"kinds,omitempty"`
}

// LoadPolicy reads a YAML policy document. A missing path yields the permissive
// zero policy.
func LoadPolicy(path string) (Policy, error) {
	if path == "" {
		return Policy{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, errors.Wrapf(err, "config: read policy file %s", path)
	}
	var p Policy
	if err := yaml.Unmarshal(raw, &p); err != nil {
		return Policy{}, errors.Wrapf(err, "config: parse policy file %s", path)
	}
	return p, nil
}

// AllowFacility reports whether the named facility should be processed.
func (p Policy) AllowFacility(name string) bool {
	return contains(p.Facilities, name)
}

// AllowKind reports whether records of the given vendor kind should be relayed.
func (p Policy) AllowKind(kind string) bool {
	return contains(p.Kinds, kind)
}

func contains(list []string, v string) bool {
	if len(list) == 0 {
		return true
	}
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
