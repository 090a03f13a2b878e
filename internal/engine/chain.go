package engine

import (
	"context"
	"fmt"

	"dtiqc/internal/logging"
	"dtiqc/internal/pipeline"
	"dtiqc/internal/proclog"
)

// RunChain runs automated steps for code in order and stops at the first
// outcome that is not success-class. With no steps named it starts at the
// first registered step and follows Next until an interactive step or the end
// of the pipeline. Steps whose latest entry is already terminal are not run
// again and are reported with Skipped set. A step whose predecessors have not
// all succeeded is reported with Blocked set and ends the chain.
func (e *Engine) RunChain(ctx context.Context, code string, steps ...string) ([]Result, error) {
	defs, err := e.chainSteps(steps)
	if err != nil {
		return nil, err
	}
	latest, err := e.store.LatestForCase(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("read case history: %w", err)
	}
	if latest == nil {
		latest = make(map[string]proclog.Entry)
	}

	var results []Result
	for _, def := range defs {
		if err := ctx.Err(); err != nil {
			return results, err
		}
		if entry, ok := latest[def.Name]; ok && entry.Outcome.Terminal() {
			results = append(results, Result{
				Code:    code,
				Step:    def.Name,
				Entry:   entry,
				Next:    def.NextStep(entry.Outcome),
				Skipped: true,
			})
			if !entry.Outcome.Success() {
				break
			}
			continue
		}
		if pred, ok := unsatisfied(def, latest); ok {
			e.logger.Info("step waiting on predecessor",
				logging.String(logging.FieldCase, code),
				logging.String(logging.FieldStep, def.Name),
				logging.String("predecessor", pred),
				logging.String("predecessor_outcome", latest[pred].Label()),
			)
			results = append(results, Result{
				Code:      code,
				Step:      def.Name,
				Blocked:   pred,
				BlockedBy: latest[pred],
			})
			break
		}
		res, err := e.Run(ctx, def.Name, code)
		if err != nil {
			return results, err
		}
		results = append(results, res)
		latest[def.Name] = res.Entry
		if !res.Entry.Outcome.Success() {
			break
		}
	}
	return results, nil
}

// unsatisfied returns the first predecessor of def whose latest entry is
// missing or not success-class.
func unsatisfied(def pipeline.StepDefinition, latest map[string]proclog.Entry) (string, bool) {
	for _, pred := range def.Predecessors {
		if entry, ok := latest[pred]; !ok || !entry.Outcome.Success() {
			return pred, true
		}
	}
	return "", false
}

func (e *Engine) chainSteps(names []string) ([]pipeline.StepDefinition, error) {
	if len(names) > 0 {
		defs := make([]pipeline.StepDefinition, 0, len(names))
		for _, name := range names {
			def, err := e.registry.Resolve(name)
			if err != nil {
				return nil, err
			}
			if def.Interactive {
				return nil, fmt.Errorf("step %s needs a reviewer; use 'dtiqc qc %s'", def.Name, def.Name)
			}
			defs = append(defs, def)
		}
		return defs, nil
	}

	all := e.registry.Steps()
	if len(all) == 0 {
		return nil, nil
	}
	var defs []pipeline.StepDefinition
	for def := all[0]; !def.Interactive; {
		defs = append(defs, def)
		next, ok := e.registry.Get(def.Next)
		if !ok {
			break
		}
		def = next
	}
	return defs, nil
}
