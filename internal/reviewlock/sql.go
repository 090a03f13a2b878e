package reviewlock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"dtiqc/internal/proclog"
)

const sqlTimeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLLocker keeps markers in the review_locks table of the processing log
// database. The (project, code) primary key provides the exclusive create.
type SQLLocker struct {
	db      *sql.DB
	dialect proclog.Dialect
	opts    Options
}

// NewSQLLocker returns a Locker that shares the processing log connection.
func NewSQLLocker(store *proclog.Store, opts Options) *SQLLocker {
	return &SQLLocker{db: store.DB(), dialect: store.Dialect(), opts: opts}
}

// Acquire inserts the marker row; a primary key conflict means the case is held.
func (s *SQLLocker) Acquire(ctx context.Context, code, step string) (Lock, error) {
	if err := validateCode(code); err != nil {
		return Lock{}, err
	}
	lock := s.opts.newLock(code, step)
	err := s.insert(ctx, lock)
	if err == nil {
		return lock, nil
	}
	if !s.dialect.IsUniqueViolation(err) {
		return Lock{}, fmt.Errorf("insert review lock: %w", err)
	}

	held, err := s.Peek(ctx, code)
	if err != nil {
		return Lock{}, err
	}
	if held == nil {
		if err := s.insert(ctx, lock); err == nil {
			return lock, nil
		}
		return Lock{}, &HeldError{Lock: Lock{Project: s.opts.Project, Code: code}}
	}
	if !held.Expired(s.opts.now()) {
		return Lock{}, &HeldError{Lock: *held}
	}

	// Only the claimant whose delete matches the stale token may insert.
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(
		`DELETE FROM review_locks WHERE project = ? AND code = ? AND token = ?`),
		s.opts.Project, code, held.Token)
	if err != nil {
		return Lock{}, fmt.Errorf("remove expired review lock: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if current, _ := s.Peek(ctx, code); current != nil {
			return Lock{}, &HeldError{Lock: *current}
		}
	}
	if err := s.insert(ctx, lock); err != nil {
		if s.dialect.IsUniqueViolation(err) {
			if current, _ := s.Peek(ctx, code); current != nil {
				return Lock{}, &HeldError{Lock: *current}
			}
		}
		return Lock{}, fmt.Errorf("insert review lock: %w", err)
	}
	return lock, nil
}

func (s *SQLLocker) insert(ctx context.Context, lock Lock) error {
	var expires any
	if !lock.ExpiresAt.IsZero() {
		expires = lock.ExpiresAt.UTC().Format(sqlTimeLayout)
	}
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(`INSERT INTO review_locks (
		project, code, step, claimant, token, acquired_at, expires_at
	) VALUES (?, ?, ?, ?, ?, ?, ?)`),
		lock.Project, lock.Code, lock.Step, lock.Claimant, lock.Token,
		lock.AcquiredAt.UTC().Format(sqlTimeLayout), expires)
	return err
}

// Release deletes the marker row when its token still matches.
func (s *SQLLocker) Release(ctx context.Context, lock Lock) error {
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(
		`DELETE FROM review_locks WHERE project = ? AND code = ? AND token = ?`),
		s.opts.Project, lock.Code, lock.Token)
	if err != nil {
		return fmt.Errorf("release review lock: %w", err)
	}
	return nil
}

// Refresh moves expires_at forward when the row still carries lock's token.
func (s *SQLLocker) Refresh(ctx context.Context, lock Lock) (Lock, error) {
	if s.opts.LeaseTTL <= 0 {
		return lock, nil
	}
	renewed := s.opts.renewed(lock)
	res, err := s.db.ExecContext(ctx, s.dialect.Rebind(
		`UPDATE review_locks SET expires_at = ? WHERE project = ? AND code = ? AND token = ?`),
		renewed.ExpiresAt.UTC().Format(sqlTimeLayout), s.opts.Project, lock.Code, lock.Token)
	if err != nil {
		return Lock{}, fmt.Errorf("refresh review lock: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return Lock{}, fmt.Errorf("refresh review lock: %w", err)
	} else if n == 0 {
		return Lock{}, lostError(lock)
	}
	return renewed, nil
}

// Clear force-removes the marker row for code.
func (s *SQLLocker) Clear(ctx context.Context, code string) error {
	_, err := s.db.ExecContext(ctx, s.dialect.Rebind(
		`DELETE FROM review_locks WHERE project = ? AND code = ?`), s.opts.Project, code)
	if err != nil {
		return fmt.Errorf("clear review lock: %w", err)
	}
	return nil
}

const lockColumns = "project, code, step, claimant, token, acquired_at, expires_at"

// Peek returns the marker row for code, or nil.
func (s *SQLLocker) Peek(ctx context.Context, code string) (*Lock, error) {
	row := s.db.QueryRowContext(ctx, s.dialect.Rebind(
		`SELECT `+lockColumns+` FROM review_locks WHERE project = ? AND code = ?`), s.opts.Project, code)
	lock, err := scanLock(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read review lock: %w", err)
	}
	return &lock, nil
}

// List returns every marker row in the project sorted by code.
func (s *SQLLocker) List(ctx context.Context) ([]Lock, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(
		`SELECT `+lockColumns+` FROM review_locks WHERE project = ? ORDER BY code`), s.opts.Project)
	if err != nil {
		return nil, fmt.Errorf("list review locks: %w", err)
	}
	defer rows.Close()
	var locks []Lock
	for rows.Next() {
		lock, err := scanLock(rows)
		if err != nil {
			return nil, err
		}
		locks = append(locks, lock)
	}
	return locks, rows.Err()
}

// Close does not close the shared processing log connection.
func (s *SQLLocker) Close() error { return nil }

func scanLock(scanner interface{ Scan(dest ...any) error }) (Lock, error) {
	var (
		lock     Lock
		acquired string
		expires  sql.NullString
	)
	if err := scanner.Scan(&lock.Project, &lock.Code, &lock.Step, &lock.Claimant, &lock.Token, &acquired, &expires); err != nil {
		return Lock{}, err
	}
	if t, err := time.Parse(sqlTimeLayout, acquired); err == nil {
		lock.AcquiredAt = t
	}
	if expires.Valid {
		if t, err := time.Parse(sqlTimeLayout, expires.String); err == nil {
			lock.ExpiresAt = t
		}
	}
	return lock, nil
}
