package runtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/message/router/middleware"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/gobflow/internal/runtime/events"
	"github.com/drblury/gobflow/internal/runtime/migrations"
	"github.com/drblury/gobflow/internal/runtime/offload"
)

func TestServiceStatsOnMessageFinish(t *testing.T) {
	stats := newServiceStats()

	stats.onMessageFinish(10*time.Millisecond, nil, nil)
	stats.onMessageFinish(30*time.Millisecond, errors.New("boom"), nil)
	stats.onRejected()

	assert.Equal(t, uint64(2), stats.MessagesProcessed)
	assert.Equal(t, uint64(1), stats.MessagesFailed)
	assert.Equal(t, uint64(1), stats.MessagesRejected)
	assert.Equal(t, int64(20*time.Millisecond), stats.Latency.AverageNs)
	assert.Equal(t, int64(30*time.Millisecond), stats.Latency.LastNs)
	assert.Equal(t, 2, stats.Latency.SampleSize)
	assert.Equal(t, uint64(2), stats.Throughput.TotalMessages)
	assert.Equal(t, uint64(1), stats.Errors.Other)
	assert.Equal(t, "boom", stats.Errors.LastError)
}

func TestServiceStatsMarshalJSON(t *testing.T) {
	stats := newServiceStats()
	stats.onMessageFinish(time.Millisecond, nil, nil)

	data, err := json.Marshal(stats)
	require.NoError(t, err)

	var payload map[string]any
	require.NoError(t, json.Unmarshal(data, &payload))
	assert.Equal(t, float64(1), payload["messages_processed"])
	assert.Contains(t, payload, "latency")
	assert.Contains(t, payload, "errors")
}

func TestPercentile(t *testing.T) {
	samples := []int64{10, 20, 30, 40, 50}
	assert.Equal(t, int64(10), percentile(samples, 0))
	assert.Equal(t, int64(30), percentile(samples, 0.5))
	assert.Equal(t, int64(50), percentile(samples, 1))
	assert.Equal(t, int64(0), percentile(nil, 0.5))
}

func TestLatencyWindowWrapsAround(t *testing.T) {
	lw := newLatencyWindow(3)
	for i := 1; i <= 5; i++ {
		lw.Add(time.Duration(i))
	}

	snap := lw.Snapshot()
	assert.Equal(t, 3, snap.SampleSize)
	assert.Equal(t, int64(4), snap.P50Ns)
	assert.Equal(t, int64(5), snap.LastNs)
}

func TestThroughputWindowDropsOldSamples(t *testing.T) {
	tw := newThroughputWindow(time.Minute)
	now := time.Now()
	tw.AddAndSnapshot(now.Add(-2 * time.Minute))
	snap := tw.AddAndSnapshot(now)

	assert.Equal(t, 1, snap.Count)
}

func TestDefaultErrorClassifier(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCategory
	}{
		{"nil", nil, ErrorCategoryNone},
		{"offload", fmt.Errorf("load: %w", &offload.ReadError{Ref: "x", Err: errors.New("gone")}), ErrorCategoryOffload},
		{"out of sync", &events.OutOfSyncError{}, ErrorCategoryOutOfSync},
		{"missing link", &migrations.MissingLinkError{}, ErrorCategoryMigration},
		{"unsupported action", &migrations.UnsupportedActionError{}, ErrorCategoryMigration},
		{"panic", middleware.RecoveredPanicError{V: "boom"}, ErrorCategoryPanic},
		{"other", errors.New("boom"), ErrorCategoryOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, defaultErrorClassifier(tt.err))
		})
	}
}

func TestErrorBreakdownCustomClassifier(t *testing.T) {
	stats := newServiceStats()
	stats.onMessageFinish(time.Millisecond, errors.New("bad record"), func(error) ErrorCategory {
		return ErrorCategoryMigration
	})

	assert.Equal(t, uint64(1), stats.Errors.Migration)
	assert.Equal(t, uint64(0), stats.Errors.Other)
}
