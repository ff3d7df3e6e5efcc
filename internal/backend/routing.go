package backend

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/forgeui-labs/forgeui-go/internal/domain"
)

// Routing is the static per-stage backend configuration, loaded once at
// startup.
type Routing struct {
	Default string                  `yaml:"default"`
	Stages  map[string]StageRouting `yaml:"stages"`
}

type StageRouting struct {
	Primary  string `yaml:"primary"`
	Fallback string `yaml:"fallback"`
}

// LoadRouting reads a routing table from a YAML file. An empty path yields an
// empty table, which resolves everything to the hardcoded default.
func LoadRouting(path string) (Routing, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Routing{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Routing{}, fmt.Errorf("read routing config: %w", err)
	}
	return ParseRouting(raw)
}

// ParseRouting parses and validates YAML routing content. Stage names must be
// members of the fixed stage set; model references must parse, but need not
// name a registered provider; unrecognized entries fall through at
// resolution time.
func ParseRouting(raw []byte) (Routing, error) {
	var routing Routing
	if err := yaml.Unmarshal(raw, &routing); err != nil {
		return Routing{}, fmt.Errorf("parse routing config: %w", err)
	}
	if err := routing.Validate(); err != nil {
		return Routing{}, err
	}
	return routing, nil
}

func (r Routing) Validate() error {
	if s := strings.TrimSpace(r.Default); s != "" {
		if _, ok := ParseModelRef(s); !ok {
			return fmt.Errorf("routing default %q is not provider/model", r.Default)
		}
	}
	for stage, entry := range r.Stages {
		if !domain.IsStage(stage) {
			return fmt.Errorf("routing references unknown stage %q", stage)
		}
		if s := strings.TrimSpace(entry.Primary); s != "" {
			if _, ok := ParseModelRef(s); !ok {
				return fmt.Errorf("routing stage %s primary %q is not provider/model", stage, entry.Primary)
			}
		}
		if s := strings.TrimSpace(entry.Fallback); s != "" {
			if _, ok := ParseModelRef(s); !ok {
				return fmt.Errorf("routing stage %s fallback %q is not provider/model", stage, entry.Fallback)
			}
		}
	}
	return nil
}

// Stage returns the routing entry for a stage, zero if absent.
func (r Routing) Stage(name string) StageRouting {
	if r.Stages == nil {
		return StageRouting{}
	}
	return r.Stages[name]
}
