package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	"github.com/drblury/gobflow/broker"
	errspkg "github.com/drblury/gobflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/gobflow/internal/runtime/logging"
	messagepkg "github.com/drblury/gobflow/internal/runtime/message"
	"github.com/drblury/gobflow/internal/runtime/offload"
)

// handleDelivery is the broker.Handler of every worker. A nil return acks
// the delivery, an error hands it back to the broker.
func (s *Service) handleDelivery(ctx context.Context, _ broker.Connection, raw *message.Message) error {
	d := broker.DeliveryOf(raw)
	fields := loggingpkg.LogFields{"queue": d.Queue, "routing_key": d.RoutingKey, "message_uuid": raw.UUID}

	entry, ok := resolve(s.entries, d.Queue, d.RoutingKey)
	if !ok {
		s.Logger.Error("No service for delivery, dropping message", errspkg.ErrUnboundRoutingKey, fields)
		s.metrics.RecordOutcome(d.Queue, OutcomeDropped)
		return nil
	}

	msg, err := messagepkg.Decode(raw.Payload)
	if err != nil {
		s.Logger.Error("Failed to decode message, handing raw body to handler", err, fields)
	}
	if s.Conf.DisableTestCatalogue && msg.Header.Catalogue() == TestCatalogue {
		s.Logger.Info("Skipping test catalogue message", fields)
		s.metrics.RecordOutcome(d.Queue, OutcomeSkipped)
		return nil
	}

	err = s.process(ctx, entry, raw, msg, d)
	switch {
	case err == nil:
		s.metrics.RecordOutcome(d.Queue, OutcomeAcked)
		return nil
	case errors.Is(err, ErrReject):
		s.metrics.RecordOutcome(d.Queue, OutcomeRejected)
		return err
	}
	return s.fail(ctx, msg, d, err)
}

// fail applies the single retry policy: the first failure stops the process
// so the broker redelivers to a fresh instance, a failed redelivery is acked
// and dropped.
func (s *Service) fail(ctx context.Context, msg *messagepkg.Message, d broker.Delivery, err error) error {
	fields := loggingpkg.LogFields{
		"queue":       d.Queue,
		"routing_key": d.RoutingKey,
		"process_id":  msg.Header.ProcessID(),
		"redelivered": d.Redelivered,
	}
	var panicErr middleware.RecoveredPanicError
	if errors.As(err, &panicErr) {
		fields["stacktrace"] = panicErr.Stacktrace
	}

	if d.Redelivered {
		s.Logger.Error("Message failed again after redelivery, dropping it", err, fields)
		s.store.Remove(msg.ContentsRef)
		s.metrics.RecordOutcome(d.Queue, OutcomeDropped)
		return nil
	}

	fields["exit_code"] = ExitRetry
	s.Logger.Error("Message failed, stopping for redelivery", err, fields)
	s.metrics.RecordOutcome(d.Queue, OutcomeFailed)
	s.heartbeat.Beat(context.WithoutCancel(ctx))
	exitProcess(ExitRetry)
	return err
}

func (s *Service) process(ctx context.Context, e serviceEntry, raw *message.Message, in *messagepkg.Message, d broker.Delivery) error {
	mlog := loggingpkg.NewMessageLogger(s.Logger, e.loggerName(), in.Header, loggingpkg.WithRecordSink(s.sink))
	ctx = loggingpkg.WithMessageLogger(ctx, mlog)
	stats := s.stats[e.name]

	job := JobContext{
		Service:     e.name,
		Queue:       d.Queue,
		RoutingKey:  d.RoutingKey,
		Header:      in.Header,
		Context:     ctx,
		StartedAt:   time.Now(),
		Redelivered: d.Redelivered,
	}
	s.hooks.start(job)

	loaded, h, err := s.store.Load(in, nil, offload.LoadParams{Stream: e.Stream})
	if err != nil {
		job.Duration = time.Since(job.StartedAt)
		stats.onMessageFinish(job.Duration, err, s.errorClassifier)
		s.hooks.failed(job, err)
		return err
	}

	mc := &MessageContext{
		Service:  e.name,
		Message:  loaded,
		Logger:   mlog,
		Audit:    s.audit,
		Delivery: d,
		svc:      s,
	}
	result, err := s.invoke(ctx, e, raw, mc)
	if err == nil {
		err = s.publishResult(ctx, e, in.Header, mlog, result)
	}
	job.Duration = time.Since(job.StartedAt)

	switch {
	case errors.Is(err, ErrReject):
		s.store.Release(loaded, h)
		stats.onRejected()
		s.hooks.rejected(job)
	case err != nil:
		s.store.Release(loaded, h)
		stats.onMessageFinish(job.Duration, err, s.errorClassifier)
		s.hooks.failed(job, err)
	default:
		s.store.End(loaded, h)
		stats.onMessageFinish(job.Duration, nil, s.errorClassifier)
		s.hooks.done(job)
	}
	return err
}

// invoke runs the handler through the middleware chain. The first registered
// middleware is the outermost.
func (s *Service) invoke(ctx context.Context, e serviceEntry, raw *message.Message, mc *MessageContext) (*messagepkg.Message, error) {
	var result *messagepkg.Message
	var h message.HandlerFunc = func(m *message.Message) ([]*message.Message, error) {
		var err error
		result, err = e.Handler(m.Context(), mc)
		return nil, err
	}
	for i := len(s.middlewares) - 1; i >= 0; i-- {
		h = s.middlewares[i](h)
	}
	raw.SetContext(ctx)
	_, err := h(raw)
	return result, err
}

// publishResult sends the notification of result, processes the issues
// raised while handling and publishes result to the report destination.
func (s *Service) publishResult(ctx context.Context, e serviceEntry, in messagepkg.Header, mlog *loggingpkg.MessageLogger, result *messagepkg.Message) error {
	if result == nil {
		s.issues.Process(ctx, e.step(), in, mlog.Issues())
		return nil
	}
	if result.Header == nil {
		result.Header = in.Clone()
	}
	fillSummary(result, mlog)

	s.issues.Process(ctx, e.step(), result.Header, mlog.Issues())

	if n := result.Notification; n != nil {
		if s.bus == nil {
			s.Logger.Error("Dropping notification without a bus", errspkg.ErrConnectionClosed, loggingpkg.LogFields{"type": n.Type})
		} else if err := s.bus.Publish(ctx, result.Header, n); err != nil {
			s.Logger.Error("Failed to send notification", err, loggingpkg.LogFields{"type": n.Type})
		}
		result = result.Clone()
		result.Notification = nil
	}

	if e.Report == nil {
		return nil
	}
	if err := s.publishMessage(ctx, e.Report.Exchange, e.Report.Key, result); err != nil {
		return fmt.Errorf("gobflow: publish result of %s: %w", e.name, err)
	}
	return nil
}

// publishMessage offloads msg when its contents are too large and publishes
// it. A spilled file is removed again when publishing fails.
func (s *Service) publishMessage(ctx context.Context, exchange, key string, msg *messagepkg.Message) error {
	out := s.store.Offload(msg, nil)
	if out.Stream != nil {
		return errspkg.ErrStreamNotOffloaded
	}
	body, err := messagepkg.Encode(out)
	if err == nil {
		err = s.Publish(ctx, exchange, key, body)
	}
	if err != nil && out.ContentsRef != msg.ContentsRef {
		s.store.Remove(out.ContentsRef)
	}
	return err
}

// fillSummary completes the result summary with the counters of mlog.
func fillSummary(result *messagepkg.Message, mlog *loggingpkg.MessageLogger) {
	logged := mlog.Summary()
	if result.Summary == nil {
		result.Summary = &logged
		return
	}
	if result.Summary.Warnings == nil {
		result.Summary.Warnings = logged.Warnings
	}
	if result.Summary.Errors == nil {
		result.Summary.Errors = logged.Errors
	}
	if result.Summary.LogCounts == nil {
		result.Summary.LogCounts = logged.LogCounts
	}
}
