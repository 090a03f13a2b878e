package proclog

import (
	"database/sql"
	"errors"
	"strings"
	"time"
)

// timeLayout is fixed-width so lexical order in TEXT columns matches time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

const entryColumns = "id, project, process, code, step, outcome, reason, comments, completed_by, completed_on"

func scanEntry(scanner interface{ Scan(dest ...any) error }) (Entry, error) {
	var (
		entry       Entry
		outcome     string
		reason      sql.NullString
		comments    sql.NullString
		completedOn string
	)
	if err := scanner.Scan(
		&entry.ID,
		&entry.Project,
		&entry.Process,
		&entry.Code,
		&entry.Step,
		&outcome,
		&reason,
		&comments,
		&entry.CompletedBy,
		&completedOn,
	); err != nil {
		return Entry{}, err
	}
	entry.Outcome = Outcome(outcome)
	entry.Reason = Reason(reason.String)
	entry.Comments = comments.String
	if ts, err := parseTimeString(completedOn); err == nil {
		entry.CompletedOn = ts
	}
	return entry, nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func formatTime(value time.Time) string {
	return value.UTC().Format(timeLayout)
}

func parseTimeString(value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, errors.New("empty")
	}
	if t, err := time.Parse(timeLayout, value); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02 15:04:05", value)
}

func makePlaceholders(count int) string {
	if count <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", count), ",")
}

func outcomeArgs(outcomes []Outcome) []any {
	args := make([]any, len(outcomes))
	for i, o := range outcomes {
		args[i] = string(o)
	}
	return args
}

func stringArgs(values []string) []any {
	args := make([]any, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}
