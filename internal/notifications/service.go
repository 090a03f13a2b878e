package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"dtiqc/internal/config"
)

const userAgent = "dtiqc/0.1.0"

// Event names a notification type.
type Event string

const (
	EventStepError      Event = "step_error"
	EventBatchStarted   Event = "batch_started"
	EventBatchCompleted Event = "batch_completed"
	EventTest           Event = "test"
)

// Payload carries event-specific values.
type Payload map[string]any

// Service defines the notification surface exposed to pipeline components.
type Service interface {
	Publish(ctx context.Context, event Event, payload Payload) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint: topic,
		client:   &http.Client{Timeout: timeout},
		errors:   cfg.Notifications.Errors,
		batch:    cfg.Notifications.Batch,
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	client   *http.Client
	errors   bool
	batch    bool
}

func (n *ntfyService) Publish(ctx context.Context, event Event, data Payload) error {
	msg, ok := n.format(event, data)
	if !ok {
		return nil
	}
	return n.send(ctx, msg)
}

func (n *ntfyService) format(event Event, data Payload) (payload, bool) {
	switch event {
	case EventStepError:
		if !n.errors {
			return payload{}, false
		}
		message := fmt.Sprintf("Case %s failed at %s", text(data, "code"), text(data, "step"))
		if detail := text(data, "error"); detail != "" {
			message += ": " + detail
		}
		return payload{
			title:    "dtiqc - Step Error",
			message:  message,
			tags:     []string{"dtiqc", "error", "alert"},
			priority: "high",
		}, true
	case EventBatchStarted:
		// Batch start is logged locally; only the summary is pushed.
		return payload{}, false
	case EventBatchCompleted:
		if !n.batch {
			return payload{}, false
		}
		processed, _ := data["processed"].(int)
		failed, _ := data["failed"].(int)
		duration, _ := data["duration"].(time.Duration)
		duration = duration.Round(time.Second)
		if duration < 0 {
			duration = 0
		}
		if failed == 0 {
			return payload{
				title:   "dtiqc - Batch Complete",
				message: fmt.Sprintf("Batch complete: %d cases processed in %s", processed, duration),
				tags:    []string{"dtiqc", "batch", "completed"},
			}, true
		}
		return payload{
			title:   "dtiqc - Batch Complete (with errors)",
			message: fmt.Sprintf("Batch complete: %d succeeded, %d failed in %s", processed-failed, failed, duration),
			tags:    []string{"dtiqc", "batch", "completed"},
		}, true
	case EventTest:
		return payload{
			title:    "dtiqc - Test",
			message:  "Notification system test",
			tags:     []string{"dtiqc", "test"},
			priority: "low",
		}, true
	default:
		return payload{}, false
	}
}

func text(data Payload, key string) string {
	if data == nil {
		return ""
	}
	value, ok := data[key]
	if !ok || value == nil {
		return ""
	}
	return strings.TrimSpace(fmt.Sprint(value))
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) Publish(context.Context, Event, Payload) error { return nil }
