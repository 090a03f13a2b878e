package proclog

import (
	"context"
	"fmt"
)

// InsertROIStats stores the statistics rows for one case in a single
// transaction. Any row that already exists for (code, measure, roi) aborts the
// whole insert with ErrDuplicate.
func (s *Store) InsertROIStats(ctx context.Context, stats []ROIStat) error {
	ctx = ensureContext(ctx)
	if len(stats) == 0 {
		return nil
	}
	for _, stat := range stats {
		if err := s.validate.Struct(stat); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidEntry, err)
		}
	}

	storedOn := formatTime(s.now())
	query := s.dialect.Rebind(`INSERT INTO roi_stats (
		project, process, code, measure, roi, min_value, max_value, mean_value, median_value, sd_value, volume, stored_on
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	return retryOnBusy(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin roi stats tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for _, stat := range stats {
			if _, err := tx.ExecContext(ctx, query,
				s.project, s.process, stat.Code, stat.Measure, stat.ROI,
				stat.Min, stat.Max, stat.Mean, stat.Median, stat.SD, stat.Volume, storedOn,
			); err != nil {
				if s.dialect.IsUniqueViolation(err) {
					return fmt.Errorf("%w: roi stats for %s %s/%s already stored", ErrDuplicate, stat.Code, stat.Measure, stat.ROI)
				}
				return fmt.Errorf("insert roi stats: %w", err)
			}
		}
		return tx.Commit()
	})
}

// ROIStats returns the stored statistics rows for code.
func (s *Store) ROIStats(ctx context.Context, code string) ([]ROIStat, error) {
	rows, err := s.query(ctx, `SELECT code, measure, roi, min_value, max_value, mean_value, median_value, sd_value, volume
		FROM roi_stats WHERE project = ? AND process = ? AND code = ? ORDER BY measure, roi`, s.project, s.process, code)
	if err != nil {
		return nil, fmt.Errorf("roi stats for %s: %w", code, err)
	}
	defer rows.Close()
	var out []ROIStat
	for rows.Next() {
		var stat ROIStat
		if err := rows.Scan(&stat.Code, &stat.Measure, &stat.ROI, &stat.Min, &stat.Max, &stat.Mean, &stat.Median, &stat.SD, &stat.Volume); err != nil {
			return nil, err
		}
		out = append(out, stat)
	}
	return out, rows.Err()
}

// DeleteROIStats removes the stored statistics for code so the storing step
// can be re-run after a reset.
func (s *Store) DeleteROIStats(ctx context.Context, code string) (int64, error) {
	res, err := s.execWithRetry(ctx, `DELETE FROM roi_stats WHERE project = ? AND process = ? AND code = ?`, s.project, s.process, code)
	if err != nil {
		return 0, fmt.Errorf("delete roi stats for %s: %w", code, err)
	}
	return res.RowsAffected()
}
