package notifications_test

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dtiqc/internal/config"
	"dtiqc/internal/notifications"
)

type pushed struct {
	title, tags, priority, body, agent string
}

// ntfyRecorder returns a config pointing at a fake ntfy topic and the channel
// every accepted push is delivered on.
func ntfyRecorder(t *testing.T, status int) (*config.Config, <-chan pushed) {
	t.Helper()
	received := make(chan pushed, 8)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		received <- pushed{
			title:    r.Header.Get("Title"),
			tags:     r.Header.Get("Tags"),
			priority: r.Header.Get("Priority"),
			agent:    r.Header.Get("User-Agent"),
			body:     string(body),
		}
		if status >= 300 {
			http.Error(w, "topic closed", status)
			return
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(server.Close)

	cfg := config.Default()
	cfg.Notifications.NtfyTopic = server.URL
	cfg.Notifications.RequestTimeout = 5
	return &cfg, received
}

func TestNewServiceWithoutTopicIsNoop(t *testing.T) {
	cfg := config.Default()
	cfg.Notifications.NtfyTopic = "  "
	err := notifications.NewService(&cfg).Publish(context.Background(), notifications.EventStepError, notifications.Payload{"code": "S001"})
	require.NoError(t, err)
}

func TestStepErrorNamesCaseAndStep(t *testing.T) {
	cfg, received := ntfyRecorder(t, http.StatusOK)

	err := notifications.NewService(cfg).Publish(context.Background(), notifications.EventStepError, notifications.Payload{
		"code":  "S001",
		"step":  "TensorFit",
		"error": "input missing: S001_dwi_denoised.nii.gz",
	})
	require.NoError(t, err)

	msg := <-received
	assert.Equal(t, "dtiqc - Step Error", msg.title)
	assert.Equal(t, "Case S001 failed at TensorFit: input missing: S001_dwi_denoised.nii.gz", msg.body)
	assert.Equal(t, "dtiqc,error,alert", msg.tags)
	assert.Equal(t, "high", msg.priority)
	assert.Contains(t, msg.agent, "dtiqc/")
}

func TestBatchCompletedSummaries(t *testing.T) {
	for _, tc := range []struct {
		name      string
		failed    int
		duration  time.Duration
		wantTitle string
		wantBody  string
	}{
		{"clean", 0, 90 * time.Second, "dtiqc - Batch Complete", "Batch complete: 4 cases processed in 1m30s"},
		{"with failures", 1, 2400 * time.Millisecond, "dtiqc - Batch Complete (with errors)", "Batch complete: 3 succeeded, 1 failed in 2s"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			cfg, received := ntfyRecorder(t, http.StatusOK)
			err := notifications.NewService(cfg).Publish(context.Background(), notifications.EventBatchCompleted, notifications.Payload{
				"processed": 4,
				"failed":    tc.failed,
				"duration":  tc.duration,
			})
			require.NoError(t, err)

			msg := <-received
			assert.Equal(t, tc.wantTitle, msg.title)
			assert.Equal(t, tc.wantBody, msg.body)
			assert.Equal(t, "dtiqc,batch,completed", msg.tags)
			assert.Empty(t, msg.priority)
		})
	}
}

func TestToggledOffEventsAreNotSent(t *testing.T) {
	cfg, received := ntfyRecorder(t, http.StatusOK)
	cfg.Notifications.Errors = false
	cfg.Notifications.Batch = false
	svc := notifications.NewService(cfg)

	for _, event := range []notifications.Event{
		notifications.EventStepError,
		notifications.EventBatchStarted,
		notifications.EventBatchCompleted,
		notifications.Event("unknown"),
	} {
		require.NoError(t, svc.Publish(context.Background(), event, notifications.Payload{"code": "S001"}), string(event))
	}
	assert.Empty(t, received)
}

func TestNtfyErrorStatusIsReturned(t *testing.T) {
	cfg, received := ntfyRecorder(t, http.StatusForbidden)

	err := notifications.NewService(cfg).Publish(context.Background(), notifications.EventTest, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
	assert.Contains(t, err.Error(), "topic closed")
	assert.Equal(t, "low", (<-received).priority)
}
