package workflow

import (
	"fmt"
	"time"
)

// Routing sentinels used in StageDefinition.OnSuccess / OnFailure.
const (
	// RouteEnd terminates the workflow.
	RouteEnd = "END"
	// RouteSkip (on_failure only) continues as if the stage succeeded,
	// advancing to the next stage in list order.
	RouteSkip = "skip"
)

// StageDefinition is one node in a platform's workflow graph.
type StageDefinition struct {
	Name       string `json:"name" yaml:"name"`
	AgentType  string `json:"agent_type" yaml:"agent_type"`
	Weight     int    `json:"weight" yaml:"weight"`
	TimeoutMS  int    `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	MaxRetries int    `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	OnSuccess  string `json:"on_success" yaml:"on_success"`
	OnFailure  string `json:"on_failure" yaml:"on_failure"`
}

// WorkflowDefinition is a per-platform named stage graph. Definitions are
// versioned and never mutated in place: an update writes a new version.
type WorkflowDefinition struct {
	ID         string            `json:"id"`
	PlatformID string            `json:"platform_id"`
	Name       string            `json:"name"`
	Version    int               `json:"version"`
	Enabled    bool              `json:"enabled"`
	Stages     []StageDefinition `json:"stages"`
	CreatedAt  time.Time         `json:"created_at"`
	UpdatedAt  time.Time         `json:"updated_at"`
}

// Stage returns the stage definition with the given name.
func (d *WorkflowDefinition) Stage(name string) (*StageDefinition, bool) {
	for i := range d.Stages {
		if d.Stages[i].Name == name {
			return &d.Stages[i], true
		}
	}
	return nil, false
}

// StageAfter returns the stage following name in list order, or RouteEnd if
// name is the last stage. Used to resolve the "skip" routing sentinel.
func (d *WorkflowDefinition) StageAfter(name string) string {
	for i := range d.Stages {
		if d.Stages[i].Name == name {
			if i+1 < len(d.Stages) {
				return d.Stages[i+1].Name
			}
			return RouteEnd
		}
	}
	return RouteEnd
}

// Validate checks the structural invariants of the definition: at least one
// stage, unique stage names, every routing target resolvable, and END
// reachable from every reachable stage (no routing cycles that cannot
// terminate).
func (d *WorkflowDefinition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("definition name is required")
	}
	if len(d.Stages) == 0 {
		return fmt.Errorf("definition %q has no stages", d.Name)
	}

	names := make(map[string]bool, len(d.Stages))
	for _, s := range d.Stages {
		if s.Name == "" {
			return fmt.Errorf("definition %q contains a stage with no name", d.Name)
		}
		if s.AgentType == "" {
			return fmt.Errorf("stage %q has no agent_type", s.Name)
		}
		if s.Weight < 0 {
			return fmt.Errorf("stage %q has negative weight", s.Name)
		}
		if names[s.Name] {
			return fmt.Errorf("duplicate stage name %q", s.Name)
		}
		names[s.Name] = true
	}

	for _, s := range d.Stages {
		if err := d.checkTarget(s.Name, "on_success", s.OnSuccess, names); err != nil {
			return err
		}
		if err := d.checkTarget(s.Name, "on_failure", s.OnFailure, names); err != nil {
			return err
		}
	}

	return d.checkTermination()
}

func (d *WorkflowDefinition) checkTarget(stage, field, target string, names map[string]bool) error {
	switch target {
	case "", RouteEnd:
		return nil
	case RouteSkip:
		if field == "on_success" {
			return fmt.Errorf("stage %q: skip is only valid for on_failure", stage)
		}
		return nil
	default:
		if !names[target] {
			return fmt.Errorf("stage %q: %s target %q does not exist", stage, field, target)
		}
		return nil
	}
}

// checkTermination verifies every stage reachable from the first stage can
// reach END through some sequence of success/failure edges.
func (d *WorkflowDefinition) checkTermination() error {
	// Stages from which END is reachable, computed by fixpoint.
	terminating := make(map[string]bool, len(d.Stages))
	resolve := func(stage *StageDefinition, target string) string {
		if target == "" {
			target = RouteEnd
		}
		if target == RouteSkip {
			return d.StageAfter(stage.Name)
		}
		return target
	}

	changed := true
	for changed {
		changed = false
		for i := range d.Stages {
			s := &d.Stages[i]
			if terminating[s.Name] {
				continue
			}
			succ := resolve(s, s.OnSuccess)
			fail := resolve(s, s.OnFailure)
			if succ == RouteEnd || fail == RouteEnd || terminating[succ] || terminating[fail] {
				terminating[s.Name] = true
				changed = true
			}
		}
	}

	for _, s := range d.Stages {
		if !terminating[s.Name] {
			return fmt.Errorf("stage %q cannot reach END", s.Name)
		}
	}
	return nil
}

// AgentTypes returns the distinct agent types referenced by the definition.
func (d *WorkflowDefinition) AgentTypes() []string {
	seen := make(map[string]bool)
	var types []string
	for _, s := range d.Stages {
		if !seen[s.AgentType] {
			seen[s.AgentType] = true
			types = append(types, s.AgentType)
		}
	}
	return types
}
