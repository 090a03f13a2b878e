package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dtiqc/internal/proclog"
)

type fakeConn struct {
	subjects []string
	payloads [][]byte
	flushed  int
	closed   bool
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil
}

func (f *fakeConn) FlushWithContext(context.Context) error {
	f.flushed++
	return nil
}

func (f *fakeConn) Close() { f.closed = true }

func TestNATSPublisherSubjectAndPayload(t *testing.T) {
	fc := &fakeConn{}
	pub := newNATSPublisher(fc, "lab")

	entry := proclog.Entry{
		Project:     "study.one",
		Process:     "dti",
		Code:        "S001",
		Step:        "MaskQC",
		Outcome:     proclog.OutcomeEdit,
		CompletedBy: "alice",
		CompletedOn: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
	}
	require.NoError(t, pub.Publish(context.Background(), FromEntry(entry, "ApplyMask", 1500*time.Millisecond, "req-1")))

	require.Len(t, fc.subjects, 1)
	assert.Equal(t, "lab.step.study_one.MaskQC.edit", fc.subjects[0])
	assert.Equal(t, 1, fc.flushed)

	var decoded StepRecorded
	require.NoError(t, json.Unmarshal(fc.payloads[0], &decoded))
	assert.Equal(t, "S001", decoded.Code)
	assert.Equal(t, "ApplyMask", decoded.Next)
	assert.Equal(t, int64(1500), decoded.DurationMS)
	assert.Equal(t, "req-1", decoded.CorrelationID)

	require.NoError(t, pub.Close())
	assert.True(t, fc.closed)
}

func TestNopPublisher(t *testing.T) {
	var pub Publisher = Nop{}
	assert.NoError(t, pub.Publish(context.Background(), StepRecorded{}))
	assert.NoError(t, pub.Close())
}
