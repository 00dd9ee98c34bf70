package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/gobflow/internal/runtime/jsoncodec"
	messagepkg "github.com/drblury/gobflow/internal/runtime/message"
	"github.com/drblury/gobflow/internal/runtime/status"
	"github.com/drblury/gobflow/internal/runtime/topology"
)

func TestJobHooks_NilHooksAreSkipped(t *testing.T) {
	var hooks JobHooks
	assert.NotPanics(t, func() {
		hooks.start(JobContext{})
		hooks.done(JobContext{})
		hooks.failed(JobContext{}, errors.New("boom"))
		hooks.rejected(JobContext{})
	})
}

func TestJobHooks_Merge(t *testing.T) {
	var calls []string
	var mu sync.Mutex
	add := func(name string) {
		mu.Lock()
		calls = append(calls, name)
		mu.Unlock()
	}

	hooks1 := JobHooks{
		OnJobStart:    func(JobContext) { add("start1") },
		OnJobDone:     func(JobContext) { add("done1") },
		OnJobError:    func(JobContext, error) { add("error1") },
		OnJobRejected: func(JobContext) { add("rejected1") },
	}
	hooks2 := JobHooks{
		OnJobStart:    func(JobContext) { add("start2") },
		OnJobDone:     func(JobContext) { add("done2") },
		OnJobError:    func(JobContext, error) { add("error2") },
		OnJobRejected: func(JobContext) { add("rejected2") },
	}

	merged := hooks1.Merge(hooks2)
	merged.start(JobContext{})
	merged.done(JobContext{})
	merged.failed(JobContext{}, errors.New("boom"))
	merged.rejected(JobContext{})

	assert.Equal(t, []string{
		"start1", "start2",
		"done1", "done2",
		"error1", "error2",
		"rejected1", "rejected2",
	}, calls)
}

func TestJobHooks_MergePartial(t *testing.T) {
	var calls []string

	hooks1 := JobHooks{
		OnJobStart: func(JobContext) { calls = append(calls, "start1") },
	}
	hooks2 := JobHooks{
		OnJobDone: func(JobContext) { calls = append(calls, "done2") },
	}

	merged := hooks1.Merge(hooks2)
	merged.start(JobContext{})
	merged.done(JobContext{})
	merged.failed(JobContext{}, errors.New("ignored"))

	assert.Equal(t, []string{"start1", "done2"}, calls)
}

func TestProgressHooks(t *testing.T) {
	pub := &recordingPublisher{}
	hooks := ProgressHooks(status.NewReporter(pub, nil))
	job := JobContext{
		Context: context.Background(),
		Header:  jobHeader("meetbouten", "meetbouten"),
	}

	hooks.start(job)
	hooks.done(job)
	hooks.failed(job, errors.New("boom"))
	hooks.rejected(job)

	sent := pub.byKey(topology.ProgressKey)
	require.Len(t, sent, 4)
	var steps []status.Step
	for _, m := range sent {
		assert.Equal(t, topology.StatusExchange, m.exchange)
		var p status.Progress
		require.NoError(t, jsoncodec.Unmarshal(m.body, &p))
		steps = append(steps, p.Status)
		if p.Status == status.StepFail {
			assert.Equal(t, "boom", p.Info["error"])
		}
	}
	assert.Equal(t, []status.Step{status.StepStart, status.StepEnd, status.StepFail, status.StepRejected}, steps)
}

func TestProgressHooksNeedJobAndStep(t *testing.T) {
	pub := &recordingPublisher{}
	hooks := ProgressHooks(status.NewReporter(pub, nil))

	hooks.start(JobContext{Context: context.Background(), Header: messagepkg.Header{messagepkg.HeaderCatalogue: "meetbouten"}})

	assert.Empty(t, pub.byKey(topology.ProgressKey))
}

func TestLoggingHooks(t *testing.T) {
	logger := newRecordingLogger()
	hooks := LoggingHooks(logger)
	job := JobContext{Service: "importer", Queue: importQueue, Duration: 5 * time.Millisecond}

	hooks.start(job)
	hooks.done(job)
	hooks.rejected(job)
	hooks.failed(job, errors.New("test error"))

	assert.Equal(t, []string{"Job started"}, logger.messages("debug"))
	assert.Equal(t, []string{"Job completed", "Job rejected"}, logger.messages("info"))
	assert.Equal(t, []string{"Job failed"}, logger.messages("error"))

	entries := *logger.entries
	assert.Equal(t, "importer", entries[1].fields["service"])
	assert.Equal(t, int64(5), entries[1].fields["duration_ms"])
}

func TestMetricsHooks(t *testing.T) {
	var startCalls, doneCalls, errorCalls int

	hooks := MetricsHooks(
		func(service, queue string) { startCalls++ },
		func(service, queue string) { doneCalls++ },
		func(service, queue string) { errorCalls++ },
	)

	hooks.start(JobContext{})
	hooks.done(JobContext{})
	hooks.failed(JobContext{}, errors.New("test"))

	assert.Equal(t, 1, startCalls)
	assert.Equal(t, 1, doneCalls)
	assert.Equal(t, 1, errorCalls)
}

func TestAlertingHooks(t *testing.T) {
	var alertCalled bool
	var capturedErr error

	hooks := AlertingHooks(func(ctx JobContext, err error) {
		alertCalled = true
		capturedErr = err
	})

	expectedErr := errors.New("alert error")
	hooks.failed(JobContext{}, expectedErr)

	assert.True(t, alertCalled)
	assert.Equal(t, expectedErr, capturedErr)
}
