package logs

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"dtiqc/internal/logging"
)

// timeKey matches the timestamp key written by the logging JSON handler.
const timeKey = "ts"

// Record is one decoded line of the JSON activity log.
type Record struct {
	Time    time.Time
	Level   slog.Level
	Message string
	Attrs   map[string]any
}

// Parse decodes a JSON log line. Lines that are not JSON objects report false.
func Parse(line string) (Record, bool) {
	var raw map[string]any
	if err := json.Unmarshal([]byte(line), &raw); err != nil {
		return Record{}, false
	}
	rec := Record{Attrs: raw}
	if v, ok := raw[timeKey].(string); ok {
		rec.Time, _ = time.Parse(time.RFC3339Nano, v)
	}
	if v, ok := raw[slog.LevelKey].(string); ok {
		_ = rec.Level.UnmarshalText([]byte(v))
	}
	if v, ok := raw[slog.MessageKey].(string); ok {
		rec.Message = v
	}
	delete(raw, timeKey)
	delete(raw, slog.LevelKey)
	delete(raw, slog.MessageKey)
	return rec, true
}

// Text returns the string form of the attribute key, or "".
func (r Record) Text(key string) string {
	v, ok := r.Attrs[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Filter selects records. Empty fields match everything.
type Filter struct {
	Case     string
	Step     string
	MinLevel slog.Level
}

// Match reports whether rec passes the filter. Case and step compare
// case-insensitively.
func (f Filter) Match(rec Record) bool {
	if rec.Level < f.MinLevel {
		return false
	}
	if f.Case != "" && !strings.EqualFold(rec.Text(logging.FieldCase), f.Case) {
		return false
	}
	if f.Step != "" && !strings.EqualFold(rec.Text(logging.FieldStep), f.Step) {
		return false
	}
	return true
}

// Format renders rec as a single human-readable line:
// time level [component] message key=value...
func Format(rec Record) string {
	var b strings.Builder
	if !rec.Time.IsZero() {
		b.WriteString(rec.Time.Local().Format(time.DateTime))
		b.WriteByte(' ')
	}
	fmt.Fprintf(&b, "%-5s ", rec.Level.String())
	if component := rec.Text(logging.FieldComponent); component != "" {
		fmt.Fprintf(&b, "[%s] ", component)
	}
	b.WriteString(rec.Message)

	keys := make([]string, 0, len(rec.Attrs))
	for k := range rec.Attrs {
		if k == logging.FieldComponent {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		value := rec.Text(k)
		if strings.ContainsAny(value, " \t\"") {
			value = fmt.Sprintf("%q", value)
		}
		fmt.Fprintf(&b, " %s=%s", k, value)
	}
	return b.String()
}
