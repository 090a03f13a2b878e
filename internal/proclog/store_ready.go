package proclog

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// Ready lists the cases eligible to run step: the latest entry of every
// predecessor is success-class and step has no terminal entry. Cancelled
// entries for step never exclude a case; when the latest entry for step is a
// cancellation it is attached to the candidate so callers can resume it.
// Candidates are sorted by code.
func (s *Store) Ready(ctx context.Context, step string, predecessors []string) ([]Candidate, error) {
	if len(predecessors) == 0 {
		return nil, errors.New("ready: step has no predecessors")
	}
	steps := append(append([]string{}, predecessors...), step)
	latest, err := s.latestForSteps(ctx, steps)
	if err != nil {
		return nil, err
	}
	terminal, err := s.terminalCodes(ctx, step)
	if err != nil {
		return nil, err
	}

	var candidates []Candidate
	for code, byStep := range latest {
		if _, done := terminal[code]; done {
			continue
		}
		candidate := Candidate{Code: code}
		eligible := true
		for _, pred := range predecessors {
			entry, ok := byStep[pred]
			if !ok || !entry.Outcome.Success() {
				eligible = false
				break
			}
			if entry.CompletedOn.After(candidate.ReadySince) {
				candidate.ReadySince = entry.CompletedOn
			}
		}
		if !eligible {
			continue
		}
		if own, ok := byStep[step]; ok && own.Outcome == OutcomeCancelled {
			own := own
			candidate.Latest = &own
		}
		candidates = append(candidates, candidate)
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Code < candidates[j].Code })
	return candidates, nil
}

// OpenCancellations returns the cancelled-but-resumable entries operator left
// behind at step: latest entry is Cancelled with a reason other than skipped.
func (s *Store) OpenCancellations(ctx context.Context, step, operator string) ([]Entry, error) {
	latest, err := s.latestForSteps(ctx, []string{step})
	if err != nil {
		return nil, err
	}
	var open []Entry
	for _, byStep := range latest {
		entry := byStep[step]
		if entry.Outcome != OutcomeCancelled || !entry.Reason.Resumable() {
			continue
		}
		if operator != "" && entry.CompletedBy != operator {
			continue
		}
		open = append(open, entry)
	}
	sort.Slice(open, func(i, j int) bool {
		if open[i].CompletedOn.Equal(open[j].CompletedOn) {
			return open[i].ID < open[j].ID
		}
		return open[i].CompletedOn.Before(open[j].CompletedOn)
	})
	return open, nil
}

func (s *Store) terminalCodes(ctx context.Context, step string) (map[string]struct{}, error) {
	terminal := terminalOutcomes()
	args := append([]any{s.project, s.process, step}, outcomeArgs(terminal)...)
	rows, err := s.query(ctx, `SELECT DISTINCT code FROM proc_log
		WHERE project = ? AND process = ? AND step = ? AND outcome IN (`+makePlaceholders(len(terminal))+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("terminal cases for %s: %w", step, err)
	}
	defer rows.Close()
	out := make(map[string]struct{})
	for rows.Next() {
		var code string
		if err := rows.Scan(&code); err != nil {
			return nil, err
		}
		out[code] = struct{}{}
	}
	return out, rows.Err()
}
