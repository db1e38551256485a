// Package cascade models the stage dependency graph and resolves an
// entity's downstream readiness from its upstream completeness records.
// The graph is static configuration: adding a stage or an upstream edge is
// a YAML change, never a new conditional.
package cascade

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// StageSpec configures one pipeline stage.
type StageSpec struct {
	Name      string   `yaml:"name"`
	DependsOn []string `yaml:"depends_on,omitempty"`
	// ReadinessThreshold is the completeness percentage (0-100) at or
	// above which the stage's output counts as production-ready. Zero
	// falls back to the graph default.
	ReadinessThreshold float64 `yaml:"readiness_threshold,omitempty"`
	// BootstrapThreshold replaces ReadinessThreshold inside the bootstrap
	// window early in an operating period. Zero falls back to the graph
	// default.
	BootstrapThreshold float64 `yaml:"bootstrap_threshold,omitempty"`
	// HashFields is the allow-list of semantic payload fields the content
	// hash is computed over. Empty means hash every payload field.
	HashFields []string `yaml:"hash_fields,omitempty"`
	// Compute configures how the stage's payload is derived.
	Compute ComputeSpec `yaml:"compute,omitempty"`
}

// ComputeSpec selects and parameterizes a stage's compute function.
type ComputeSpec struct {
	// Kind is "aggregate" for ingestion-rooted stages that average the
	// date's observations, or "feature" for stages that derive a feature
	// vector from another stage's observation history.
	Kind string `yaml:"kind"`
	// SourceStage names the observation stream a feature compute reads.
	SourceStage string `yaml:"source_stage,omitempty"`
	// StatField is the observation field the feature windows are built
	// over.
	StatField string `yaml:"stat_field,omitempty"`
	// OpponentStage optionally names an upstream stage whose output for
	// the opponent is joined into the payload.
	OpponentStage string `yaml:"opponent_stage,omitempty"`
}

// Defaults holds graph-wide fallbacks for per-stage settings.
type Defaults struct {
	ReadinessThreshold float64 `yaml:"readiness_threshold"`
	BootstrapThreshold float64 `yaml:"bootstrap_threshold"`
	BootstrapDays      int     `yaml:"bootstrap_days"`
	// Epoch is the first date of the operating period (season start) the
	// bootstrap window is measured from, YYYY-MM-DD.
	Epoch string `yaml:"epoch"`
}

// Graph is a validated stage dependency DAG. Stage order is topological
// and deterministic, so issue aggregation and batch processing walk stages
// the same way on every run.
type Graph struct {
	Defaults Defaults
	specs    map[string]StageSpec
	order    []string
}

type graphFile struct {
	Pipeline struct {
		Defaults Defaults    `yaml:"defaults"`
		Stages   []StageSpec `yaml:"stages"`
	} `yaml:"pipeline"`
}

// LoadGraph reads the stage graph from a YAML file.
func LoadGraph(path string) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "cascade: read stage graph %s", path)
	}
	var f graphFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, eris.Wrap(err, "cascade: parse stage graph")
	}
	return NewGraph(f.Pipeline.Stages, f.Pipeline.Defaults)
}

// NewGraph validates the stage list as a DAG and applies defaults.
func NewGraph(stages []StageSpec, defaults Defaults) (*Graph, error) {
	if len(stages) == 0 {
		return nil, eris.New("cascade: no stages configured")
	}

	specs := make(map[string]StageSpec, len(stages))
	for _, s := range stages {
		name := strings.TrimSpace(s.Name)
		if name == "" {
			return nil, eris.New("cascade: stage with empty name")
		}
		if _, dup := specs[name]; dup {
			return nil, eris.Errorf("cascade: duplicate stage %q", name)
		}
		if s.ReadinessThreshold == 0 {
			s.ReadinessThreshold = defaults.ReadinessThreshold
		}
		if s.BootstrapThreshold == 0 {
			s.BootstrapThreshold = defaults.BootstrapThreshold
		}
		s.Name = name
		specs[name] = s
	}

	for _, s := range specs {
		for _, dep := range s.DependsOn {
			if _, ok := specs[dep]; !ok {
				return nil, eris.Errorf("cascade: stage %q depends on unknown stage %q", s.Name, dep)
			}
			if dep == s.Name {
				return nil, eris.Errorf("cascade: stage %q depends on itself", s.Name)
			}
		}
	}

	order, err := topoSort(stages, specs)
	if err != nil {
		return nil, err
	}

	return &Graph{Defaults: defaults, specs: specs, order: order}, nil
}

// topoSort runs Kahn's algorithm over the declared stage order, so ties
// resolve in declaration order and a cycle is reported explicitly.
func topoSort(declared []StageSpec, specs map[string]StageSpec) ([]string, error) {
	indegree := make(map[string]int, len(specs))
	for name := range specs {
		indegree[name] = len(specs[name].DependsOn)
	}

	var order []string
	for len(order) < len(specs) {
		progressed := false
		for _, s := range declared {
			if deg, pending := indegree[s.Name]; pending && deg == 0 {
				order = append(order, s.Name)
				delete(indegree, s.Name)
				for name, spec := range specs {
					for _, dep := range spec.DependsOn {
						if dep == s.Name {
							indegree[name]--
						}
					}
				}
				progressed = true
			}
		}
		if !progressed {
			remaining := make([]string, 0, len(indegree))
			for name := range indegree {
				remaining = append(remaining, name)
			}
			return nil, eris.Errorf("cascade: dependency cycle among stages %v", remaining)
		}
	}
	return order, nil
}

// Stage returns the spec for a stage name.
func (g *Graph) Stage(name string) (StageSpec, bool) {
	s, ok := g.specs[name]
	return s, ok
}

// Stages returns all stage specs in topological order.
func (g *Graph) Stages() []StageSpec {
	out := make([]StageSpec, 0, len(g.order))
	for _, name := range g.order {
		out = append(out, g.specs[name])
	}
	return out
}

// Upstreams returns the declared upstream stage names for a stage.
func (g *Graph) Upstreams(name string) []string {
	if s, ok := g.specs[name]; ok {
		return s.DependsOn
	}
	return nil
}

// HashAllowList maps each stage to its semantic hash field allow-list,
// in the shape the idempotency hasher consumes.
func (g *Graph) HashAllowList() map[string][]string {
	out := make(map[string][]string)
	for name, s := range g.specs {
		if len(s.HashFields) > 0 {
			out[name] = s.HashFields
		}
	}
	return out
}
