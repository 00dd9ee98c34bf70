package runtime

import (
	"context"
	"time"

	loggingpkg "github.com/drblury/gobflow/internal/runtime/logging"
	messagepkg "github.com/drblury/gobflow/internal/runtime/message"
	"github.com/drblury/gobflow/internal/runtime/status"
)

// JobContext provides information about a job execution to hooks.
type JobContext struct {
	// Service is the name of the service definition handling the message.
	Service string
	// Queue is the queue the message was received from.
	Queue string
	// RoutingKey is the key the message was published with.
	RoutingKey string
	// Header is the header of the incoming message.
	Header messagepkg.Header
	// Context is the context associated with the message.
	Context context.Context
	// StartedAt is when the job started processing.
	StartedAt time.Time
	// Duration is how long the job took (only set in OnJobDone, OnJobError
	// and OnJobRejected).
	Duration time.Duration
	// Redelivered is set when the broker delivers the message a second time.
	Redelivered bool
}

// JobHooks defines callbacks for job lifecycle events.
// All hooks are optional - nil hooks are simply not called.
type JobHooks struct {
	// OnJobStart is called before the offloaded contents are reattached.
	OnJobStart func(ctx JobContext)

	// OnJobDone is called after the result has been published.
	OnJobDone func(ctx JobContext)

	// OnJobError is called when reattaching, handling or publishing fails.
	OnJobError func(ctx JobContext, err error)

	// OnJobRejected is called when the handler hands the message back with
	// ErrReject.
	OnJobRejected func(ctx JobContext)
}

// Merge combines two JobHooks, creating a new JobHooks that calls both.
// The hooks from 'other' are called after the hooks from 'h'.
func (h JobHooks) Merge(other JobHooks) JobHooks {
	return JobHooks{
		OnJobStart:    chainHooks(h.OnJobStart, other.OnJobStart),
		OnJobDone:     chainHooks(h.OnJobDone, other.OnJobDone),
		OnJobError:    chainErrorHooks(h.OnJobError, other.OnJobError),
		OnJobRejected: chainHooks(h.OnJobRejected, other.OnJobRejected),
	}
}

func chainHooks(a, b func(JobContext)) func(JobContext) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext) {
		a(ctx)
		b(ctx)
	}
}

func chainErrorHooks(a, b func(JobContext, error)) func(JobContext, error) {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	return func(ctx JobContext, err error) {
		a(ctx, err)
		b(ctx, err)
	}
}

func (h JobHooks) start(ctx JobContext) {
	if h.OnJobStart != nil {
		h.OnJobStart(ctx)
	}
}

func (h JobHooks) done(ctx JobContext) {
	if h.OnJobDone != nil {
		h.OnJobDone(ctx)
	}
}

func (h JobHooks) failed(ctx JobContext, err error) {
	if h.OnJobError != nil {
		h.OnJobError(ctx, err)
	}
}

func (h JobHooks) rejected(ctx JobContext) {
	if h.OnJobRejected != nil {
		h.OnJobRejected(ctx)
	}
}

// ProgressHooks reports the job step status on the status exchange: START on
// entry, END on success, FAIL on error and REJECTED on rejection.
func ProgressHooks(reporter *status.Reporter) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			reporter.Report(ctx.Context, ctx.Header, status.StepStart, nil)
		},
		OnJobDone: func(ctx JobContext) {
			reporter.Report(ctx.Context, ctx.Header, status.StepEnd, nil)
		},
		OnJobError: func(ctx JobContext, err error) {
			reporter.Report(ctx.Context, ctx.Header, status.StepFail, map[string]any{"error": err.Error()})
		},
		OnJobRejected: func(ctx JobContext) {
			reporter.Report(ctx.Context, ctx.Header, status.StepRejected, nil)
		},
	}
}

// LoggingHooks returns pre-built hooks that log job lifecycle events.
func LoggingHooks(logger loggingpkg.ServiceLogger) JobHooks {
	fields := func(ctx JobContext) loggingpkg.LogFields {
		return loggingpkg.LogFields{
			"service":     ctx.Service,
			"queue":       ctx.Queue,
			"routing_key": ctx.RoutingKey,
			"process_id":  ctx.Header.ProcessID(),
			"redelivered": ctx.Redelivered,
		}
	}
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			logger.Debug("Job started", fields(ctx))
		},
		OnJobDone: func(ctx JobContext) {
			f := fields(ctx)
			f["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Info("Job completed", f)
		},
		OnJobError: func(ctx JobContext, err error) {
			f := fields(ctx)
			f["duration_ms"] = ctx.Duration.Milliseconds()
			logger.Error("Job failed", err, f)
		},
		OnJobRejected: func(ctx JobContext) {
			logger.Info("Job rejected", fields(ctx))
		},
	}
}

// MetricsHooks returns pre-built hooks that record job metrics.
func MetricsHooks(onStart, onDone, onError func(service, queue string)) JobHooks {
	return JobHooks{
		OnJobStart: func(ctx JobContext) {
			if onStart != nil {
				onStart(ctx.Service, ctx.Queue)
			}
		},
		OnJobDone: func(ctx JobContext) {
			if onDone != nil {
				onDone(ctx.Service, ctx.Queue)
			}
		},
		OnJobError: func(ctx JobContext, err error) {
			if onError != nil {
				onError(ctx.Service, ctx.Queue)
			}
		},
	}
}

// AlertingHooks returns pre-built hooks that trigger alerts on job errors.
func AlertingHooks(alertFunc func(ctx JobContext, err error)) JobHooks {
	return JobHooks{
		OnJobError: alertFunc,
	}
}
