package proclog

import (
	"context"
	"fmt"
	"sort"
)

// Reset deletes every entry recorded for code at the given steps. It is the
// only operation that removes log rows and exists so an operator can requeue a
// case halted by an Error or re-review a completed step.
func (s *Store) Reset(ctx context.Context, code string, steps []string) (int64, error) {
	if len(steps) == 0 {
		return 0, nil
	}
	args := append([]any{s.project, s.process, code}, stringArgs(steps)...)
	res, err := s.execWithRetry(ctx, `DELETE FROM proc_log
		WHERE project = ? AND process = ? AND code = ? AND step IN (`+makePlaceholders(len(steps))+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("reset %s: %w", code, err)
	}
	return res.RowsAffected()
}

// Stats counts cases by the latest outcome of each step.
func (s *Store) Stats(ctx context.Context) ([]StepCount, error) {
	rows, err := s.query(ctx, `SELECT step, outcome, COUNT(1) FROM (
		SELECT step, outcome,
			ROW_NUMBER() OVER (PARTITION BY code, step ORDER BY completed_on DESC, id DESC) AS rn
		FROM proc_log WHERE project = ? AND process = ?
	) ranked WHERE rn = 1 GROUP BY step, outcome`, s.project, s.process)
	if err != nil {
		return nil, fmt.Errorf("log stats: %w", err)
	}
	defer rows.Close()

	var counts []StepCount
	for rows.Next() {
		var (
			count   StepCount
			outcome string
		)
		if err := rows.Scan(&count.Step, &outcome, &count.Count); err != nil {
			return nil, err
		}
		count.Outcome = Outcome(outcome)
		counts = append(counts, count)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].Step == counts[j].Step {
			return counts[i].Outcome < counts[j].Outcome
		}
		return counts[i].Step < counts[j].Step
	})
	return counts, nil
}

// CheckHealth returns diagnostic information about the processing log database.
func (s *Store) CheckHealth(ctx context.Context) (Health, error) {
	ctx = ensureContext(ctx)
	health := Health{Driver: string(s.dialect), Location: s.location}
	if err := s.db.PingContext(ctx); err != nil {
		return health, fmt.Errorf("ping processing log: %w", err)
	}
	version, err := s.readSchemaVersion(ctx)
	if err != nil {
		return health, err
	}
	health.SchemaVersion = version

	counts := []struct {
		query string
		dst   *int
	}{
		{"SELECT COUNT(1) FROM proc_log WHERE project = ? AND process = ?", &health.Entries},
		{"SELECT COUNT(DISTINCT code) FROM proc_log WHERE project = ? AND process = ?", &health.Cases},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, s.dialect.Rebind(c.query), s.project, s.process).Scan(c.dst); err != nil {
			return health, fmt.Errorf("count rows: %w", err)
		}
	}
	if err := s.db.QueryRowContext(ctx, s.dialect.Rebind("SELECT COUNT(1) FROM review_locks WHERE project = ?"), s.project).Scan(&health.Locks); err != nil {
		return health, fmt.Errorf("count review locks: %w", err)
	}
	return health, nil
}
