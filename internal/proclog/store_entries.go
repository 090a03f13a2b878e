package proclog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Append validates and inserts a new entry. Project and Process default to the
// store's scope and CompletedOn defaults to the current time. The stored entry,
// including its assigned ID, is returned.
func (s *Store) Append(ctx context.Context, entry Entry) (Entry, error) {
	ctx = ensureContext(ctx)
	if entry.Project == "" {
		entry.Project = s.project
	}
	if entry.Process == "" {
		entry.Process = s.process
	}
	if entry.CompletedOn.IsZero() {
		entry.CompletedOn = s.now()
	}
	entry.CompletedOn = entry.CompletedOn.UTC()
	entry.Comments = strings.TrimSpace(entry.Comments)
	if err := s.validate.Struct(entry); err != nil {
		return Entry{}, fmt.Errorf("%w: %v", ErrInvalidEntry, err)
	}
	if entry.Outcome != OutcomeCancelled && entry.Reason != ReasonNone {
		return Entry{}, fmt.Errorf("%w: reason %q only qualifies Cancelled", ErrInvalidEntry, entry.Reason)
	}

	query := s.dialect.Rebind(`INSERT INTO proc_log (
		project, process, code, step, outcome, reason, comments, completed_by, completed_on
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?) RETURNING id`)
	err := retryOnBusy(ctx, func() error {
		return s.db.QueryRowContext(ctx, query,
			entry.Project,
			entry.Process,
			entry.Code,
			entry.Step,
			string(entry.Outcome),
			nullableString(string(entry.Reason)),
			nullableString(entry.Comments),
			entry.CompletedBy,
			formatTime(entry.CompletedOn),
		).Scan(&entry.ID)
	})
	if err != nil {
		return Entry{}, fmt.Errorf("append entry: %w", err)
	}
	return entry, nil
}

// Latest returns the authoritative entry for code at step, or nil if the step
// never ran for the case.
func (s *Store) Latest(ctx context.Context, code, step string) (*Entry, error) {
	ctx = ensureContext(ctx)
	query := s.dialect.Rebind(`SELECT ` + entryColumns + ` FROM proc_log
		WHERE project = ? AND process = ? AND code = ? AND step = ?
		ORDER BY completed_on DESC, id DESC LIMIT 1`)
	entry, err := scanEntry(s.db.QueryRowContext(ctx, query, s.project, s.process, code, step))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest entry for %s/%s: %w", code, step, err)
	}
	return &entry, nil
}

// History returns every entry recorded for code in completion order.
func (s *Store) History(ctx context.Context, code string) ([]Entry, error) {
	rows, err := s.query(ctx, `SELECT `+entryColumns+` FROM proc_log
		WHERE project = ? AND process = ? AND code = ?
		ORDER BY completed_on ASC, id ASC`, s.project, s.process, code)
	if err != nil {
		return nil, fmt.Errorf("history for %s: %w", code, err)
	}
	defer rows.Close()
	return collectEntries(rows)
}

// LatestForCase returns the authoritative entry of every step that has run for
// code, keyed by step name.
func (s *Store) LatestForCase(ctx context.Context, code string) (map[string]Entry, error) {
	rows, err := s.query(ctx, `SELECT `+entryColumns+` FROM (
		SELECT `+entryColumns+`,
			ROW_NUMBER() OVER (PARTITION BY step ORDER BY completed_on DESC, id DESC) AS rn
		FROM proc_log WHERE project = ? AND process = ? AND code = ?
	) ranked WHERE rn = 1`, s.project, s.process, code)
	if err != nil {
		return nil, fmt.Errorf("latest entries for %s: %w", code, err)
	}
	defer rows.Close()
	entries, err := collectEntries(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[string]Entry, len(entries))
	for _, e := range entries {
		out[e.Step] = e
	}
	return out, nil
}

// latestForSteps returns the latest entry per (code, step) restricted to steps,
// keyed by code then step.
func (s *Store) latestForSteps(ctx context.Context, steps []string) (map[string]map[string]Entry, error) {
	if len(steps) == 0 {
		return map[string]map[string]Entry{}, nil
	}
	args := append([]any{s.project, s.process}, stringArgs(steps)...)
	rows, err := s.query(ctx, `SELECT `+entryColumns+` FROM (
		SELECT `+entryColumns+`,
			ROW_NUMBER() OVER (PARTITION BY code, step ORDER BY completed_on DESC, id DESC) AS rn
		FROM proc_log WHERE project = ? AND process = ? AND step IN (`+makePlaceholders(len(steps))+`)
	) ranked WHERE rn = 1`, args...)
	if err != nil {
		return nil, fmt.Errorf("latest entries: %w", err)
	}
	defer rows.Close()
	entries, err := collectEntries(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[string]map[string]Entry)
	for _, e := range entries {
		byStep, ok := out[e.Code]
		if !ok {
			byStep = make(map[string]Entry)
			out[e.Code] = byStep
		}
		byStep[e.Step] = e
	}
	return out, nil
}

func collectEntries(rows *sql.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}
