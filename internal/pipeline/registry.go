package pipeline

import (
	"errors"
	"fmt"
	"strings"

	"dtiqc/internal/proclog"
)

// ErrUnknownStep is returned when a step name is not registered.
var ErrUnknownStep = errors.New("unknown step")

// Registry is the ordered, validated set of step definitions.
type Registry struct {
	steps  []StepDefinition
	byName map[string]int
}

// NewRegistry validates defs and returns them as a Registry. Every
// predecessor must be declared before the step that names it, which keeps the
// graph acyclic and the declaration order topological.
func NewRegistry(defs ...StepDefinition) (*Registry, error) {
	reg := &Registry{byName: make(map[string]int, len(defs))}
	for _, def := range defs {
		if strings.TrimSpace(def.Name) == "" {
			return nil, errors.New("step name is required")
		}
		if _, dup := reg.byName[def.Name]; dup {
			return nil, fmt.Errorf("step %s declared twice", def.Name)
		}
		if def.Run == nil {
			return nil, fmt.Errorf("step %s has no run function", def.Name)
		}
		for _, pred := range def.Predecessors {
			if _, ok := reg.byName[pred]; !ok {
				return nil, fmt.Errorf("step %s: predecessor %s must be declared first", def.Name, pred)
			}
		}
		if def.Interactive {
			if len(def.Outcomes) == 0 {
				return nil, fmt.Errorf("step %s is interactive but declares no outcomes", def.Name)
			}
			for outcome := range def.Outcomes {
				switch outcome {
				case proclog.OutcomePass, proclog.OutcomeFail, proclog.OutcomeEdit:
				default:
					return nil, fmt.Errorf("step %s: %s is not a review verdict", def.Name, outcome)
				}
			}
			if _, ok := def.Outcomes[proclog.OutcomeEdit]; ok && !def.Editable {
				return nil, fmt.Errorf("step %s: Edit verdict requires an editable step", def.Name)
			}
		} else if def.Editable || len(def.Outcomes) > 0 {
			return nil, fmt.Errorf("step %s: only interactive steps take verdicts", def.Name)
		}
		reg.byName[def.Name] = len(reg.steps)
		reg.steps = append(reg.steps, def)
	}
	for _, def := range reg.steps {
		targets := []string{def.Next}
		for _, next := range def.Outcomes {
			targets = append(targets, next)
		}
		for _, target := range targets {
			if target == "" {
				continue
			}
			if _, ok := reg.byName[target]; !ok {
				return nil, fmt.Errorf("step %s: next step %s is not registered", def.Name, target)
			}
		}
	}
	return reg, nil
}

// Get returns the definition named name.
func (r *Registry) Get(name string) (StepDefinition, bool) {
	idx, ok := r.byName[name]
	if !ok {
		return StepDefinition{}, false
	}
	return r.steps[idx], true
}

// Resolve looks name up case-insensitively, as typed on a command line.
func (r *Registry) Resolve(name string) (StepDefinition, error) {
	if def, ok := r.Get(name); ok {
		return def, nil
	}
	for _, def := range r.steps {
		if strings.EqualFold(def.Name, strings.TrimSpace(name)) {
			return def, nil
		}
	}
	return StepDefinition{}, fmt.Errorf("%w %q (known steps: %s)", ErrUnknownStep, name, strings.Join(r.Names(), ", "))
}

// Steps returns the definitions in declaration order.
func (r *Registry) Steps() []StepDefinition {
	out := make([]StepDefinition, len(r.steps))
	copy(out, r.steps)
	return out
}

// Names returns the step names in declaration order.
func (r *Registry) Names() []string {
	out := make([]string, len(r.steps))
	for i, def := range r.steps {
		out[i] = def.Name
	}
	return out
}

// Automated returns the non-interactive steps in declaration order.
func (r *Registry) Automated() []StepDefinition {
	var out []StepDefinition
	for _, def := range r.steps {
		if !def.Interactive {
			out = append(out, def)
		}
	}
	return out
}

// Upstream returns every transitive predecessor of name in declaration order.
func (r *Registry) Upstream(name string) []string {
	idx, ok := r.byName[name]
	if !ok {
		return nil
	}
	seen := map[string]bool{}
	var walk func(step string)
	walk = func(step string) {
		def, _ := r.Get(step)
		for _, pred := range def.Predecessors {
			if !seen[pred] {
				seen[pred] = true
				walk(pred)
			}
		}
	}
	walk(r.steps[idx].Name)
	return r.inOrder(seen)
}

// Downstream returns every step that transitively depends on name, in
// declaration order.
func (r *Registry) Downstream(name string) []string {
	if _, ok := r.byName[name]; !ok {
		return nil
	}
	seen := map[string]bool{name: true}
	for _, def := range r.steps {
		for _, pred := range def.Predecessors {
			if seen[pred] {
				seen[def.Name] = true
				break
			}
		}
	}
	delete(seen, name)
	return r.inOrder(seen)
}

func (r *Registry) inOrder(set map[string]bool) []string {
	var out []string
	for _, def := range r.steps {
		if set[def.Name] {
			out = append(out, def.Name)
		}
	}
	return out
}
