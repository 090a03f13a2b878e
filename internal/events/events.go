// Package events publishes one message per recorded processing log entry so
// dashboards and downstream consumers can follow the pipeline without polling
// the database. Publishing is best effort and disabled unless a NATS URL is
// configured.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"dtiqc/internal/config"
	"dtiqc/internal/proclog"
)

// StepRecorded is the payload published after the engine appends an entry.
type StepRecorded struct {
	Project       string    `json:"project"`
	Process       string    `json:"process"`
	Code          string    `json:"code"`
	Step          string    `json:"step"`
	Outcome       string    `json:"outcome"`
	Reason        string    `json:"reason,omitempty"`
	Comments      string    `json:"comments,omitempty"`
	CompletedBy   string    `json:"completed_by"`
	CompletedOn   time.Time `json:"completed_on"`
	Next          string    `json:"next,omitempty"`
	DurationMS    int64     `json:"duration_ms"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// FromEntry builds the payload for entry.
func FromEntry(entry proclog.Entry, next string, duration time.Duration, correlationID string) StepRecorded {
	return StepRecorded{
		Project:       entry.Project,
		Process:       entry.Process,
		Code:          entry.Code,
		Step:          entry.Step,
		Outcome:       string(entry.Outcome),
		Reason:        string(entry.Reason),
		Comments:      entry.Comments,
		CompletedBy:   entry.CompletedBy,
		CompletedOn:   entry.CompletedOn,
		Next:          next,
		DurationMS:    duration.Milliseconds(),
		CorrelationID: correlationID,
	}
}

// Publisher emits StepRecorded events.
type Publisher interface {
	Publish(ctx context.Context, event StepRecorded) error
	Close() error
}

type conn interface {
	Publish(subject string, data []byte) error
	FlushWithContext(ctx context.Context) error
	Close()
}

// NATSPublisher publishes events on <prefix>.step.<project>.<step>.<outcome>.
type NATSPublisher struct {
	nc     conn
	prefix string
}

// NewPublisher connects to cfg.Events.NATSURL, or returns a no-op publisher
// when no URL is configured.
func NewPublisher(cfg *config.Config) (Publisher, error) {
	url := strings.TrimSpace(cfg.Events.NATSURL)
	if url == "" {
		return Nop{}, nil
	}
	nc, err := nats.Connect(url,
		nats.Name("dtiqc"),
		nats.MaxReconnects(5),
		nats.ReconnectWait(time.Second),
		nats.Timeout(5*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return newNATSPublisher(nc, cfg.Events.SubjectPrefix), nil
}

func newNATSPublisher(nc conn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = "dtiqc"
	}
	return &NATSPublisher{nc: nc, prefix: prefix}
}

// Subject returns the subject event is published on.
func (p *NATSPublisher) Subject(event StepRecorded) string {
	return strings.Join([]string{
		p.prefix,
		"step",
		subjectToken(event.Project),
		subjectToken(event.Step),
		subjectToken(strings.ToLower(event.Outcome)),
	}, ".")
}

// Publish sends event and waits for the server to acknowledge the flush.
func (p *NATSPublisher) Publish(ctx context.Context, event StepRecorded) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	if err := p.nc.Publish(p.Subject(event), data); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	flushCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := p.nc.FlushWithContext(flushCtx); err != nil {
		return fmt.Errorf("flush events: %w", err)
	}
	return nil
}

// Close drains nothing; buffered messages were flushed by Publish.
func (p *NATSPublisher) Close() error {
	p.nc.Close()
	return nil
}

// subjectToken replaces characters NATS treats as separators or wildcards.
func subjectToken(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "_"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\n', '\r':
			return '_'
		}
		return r
	}, value)
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, StepRecorded) error { return nil }

func (Nop) Close() error { return nil }
