package observability

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// captureLogger returns a debug-level JSON logger writing to a buffer.
func captureLogger() (*slog.Logger, *bytes.Buffer) {
	buf := &bytes.Buffer{}
	h := slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(h), buf
}

func records(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range bytes.Split(buf.Bytes(), []byte("\n")) {
		if len(line) == 0 {
			continue
		}
		var m map[string]any
		require.NoError(t, json.Unmarshal(line, &m))
		out = append(out, m)
	}
	return out
}

func lastRecord(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	recs := records(t, buf)
	require.NotEmpty(t, recs)
	return recs[len(recs)-1]
}

func TestEnrichLogger(t *testing.T) {
	t.Run("adds dispatch fields", func(t *testing.T) {
		logger, buf := captureLogger()

		enriched := EnrichLogger(logger, "evt-1", "team.created", "audit", 2)
		enriched.Info("test message")

		rec := lastRecord(t, buf)
		assert.Equal(t, "evt-1", rec["event_id"])
		assert.Equal(t, "team.created", rec["event_type"])
		assert.Equal(t, "audit", rec["handler"])
		assert.Equal(t, float64(2), rec["attempt"]) // JSON decodes ints as float64
	})

	t.Run("nil logger returns nil", func(t *testing.T) {
		assert.Nil(t, EnrichLogger(nil, "evt-1", "k", "h", 1))
	})
}

func TestLogHandlerFailure(t *testing.T) {
	tests := []struct {
		name      string
		willRetry bool
		level     string
	}{
		{"retry scheduled", true, "WARN"},
		{"terminal", false, "ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, buf := captureLogger()
			LogHandlerFailure(logger, "evt-1", "k", "h", 3, errors.New("boom"), tt.willRetry)

			rec := lastRecord(t, buf)
			assert.Equal(t, tt.level, rec["level"])
			assert.Equal(t, "handler failed", rec["msg"])
			assert.Equal(t, "boom", rec["error"])
			assert.Equal(t, tt.willRetry, rec["will_retry"])
			assert.Equal(t, float64(3), rec["attempt"])
		})
	}
}

func TestLogHelpers(t *testing.T) {
	logger, buf := captureLogger()

	LogPublish(logger, "evt-1", "team.created", 2)
	LogHandlerComplete(logger, "evt-1", "audit", 1.5)
	LogDeadLetter(logger, "evt-1", "team.created", "audit", 3, errors.New("gave up"))
	LogObserverDrop(logger, "evt-1", "team.created")
	LogHotTierEviction(logger, "a-1", "tenant-1")
	LogStoreError(logger, "append", errors.New("disk full"))

	recs := records(t, buf)
	require.Len(t, recs, 6)

	assert.Equal(t, "event published", recs[0]["msg"])
	assert.Equal(t, float64(2), recs[0]["subscribers"])

	assert.Equal(t, "handler completed", recs[1]["msg"])

	assert.Equal(t, "event dead-lettered", recs[2]["msg"])
	assert.Equal(t, "ERROR", recs[2]["level"])
	assert.Equal(t, float64(3), recs[2]["retry_count"])
	assert.Equal(t, "gave up", recs[2]["error"])

	assert.Equal(t, "WARN", recs[3]["level"])
	assert.Equal(t, "tenant-1", recs[4]["tenant_id"])
	assert.Equal(t, "append", recs[5]["operation"])
}

func TestLogHelpersNilLogger(t *testing.T) {
	assert.NotPanics(t, func() {
		LogPublish(nil, "e", "k", 0)
		LogHandlerComplete(nil, "e", "h", 0)
		LogHandlerFailure(nil, "e", "k", "h", 1, nil, false)
		LogDeadLetter(nil, "e", "k", "h", 1, nil)
		LogObserverDrop(nil, "e", "k")
		LogHotTierEviction(nil, "a", "t")
		LogStoreError(nil, "op", errors.New("x"))
	})
}

func TestLogDeadLetterNilError(t *testing.T) {
	logger, buf := captureLogger()
	LogDeadLetter(logger, "evt-1", "k", "h", 1, nil)
	assert.Equal(t, "", lastRecord(t, buf)["error"])
}

func TestTimedOperation(t *testing.T) {
	done := TimedOperation()
	time.Sleep(5 * time.Millisecond)
	assert.GreaterOrEqual(t, done(), float64(5))
}
