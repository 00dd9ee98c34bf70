package logging

import (
	"context"
	"time"

	"github.com/sony/gobreaker"

	"github.com/drblury/gobflow/internal/runtime/jsoncodec"
)

const (
	// Exchange receives log records and audit trail messages.
	Exchange = "gob.log"

	defaultPublishTimeout = 5 * time.Second
)

// PublishFunc delivers an encoded body to exchange with routing key key.
type PublishFunc func(ctx context.Context, exchange, key string, body []byte) error

// RecordSink forwards structured records to the log exchange. Delivery is
// best effort: failures are logged locally and a circuit breaker stops
// publishing while the exchange is unreachable.
type RecordSink struct {
	publish PublishFunc
	cb      *gobreaker.CircuitBreaker
	log     ServiceLogger
	timeout time.Duration
}

// NewRecordSink returns nil when publish is nil; a nil sink drops records.
func NewRecordSink(publish PublishFunc, log ServiceLogger) *RecordSink {
	if publish == nil {
		return nil
	}
	if log == nil {
		log = NewNopLogger()
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "gobflow-log-records",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info("Log record publishing changed state", LogFields{"breaker": name, "from": from.String(), "to": to.String()})
		},
	})
	return &RecordSink{publish: publish, cb: cb, log: log, timeout: defaultPublishTimeout}
}

// Send publishes record with key. It never returns an error.
func (s *RecordSink) Send(ctx context.Context, key string, record map[string]any) {
	if s == nil {
		return
	}
	body, err := jsoncodec.Marshal(record)
	if err != nil {
		s.log.Error("Failed to encode log record", err, LogFields{"key": key})
		return
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	defer cancel()

	_, err = s.cb.Execute(func() (interface{}, error) {
		return nil, s.publish(ctx, Exchange, key, body)
	})
	if err != nil {
		s.log.Debug("Dropped log record", LogFields{"key": key, "error": err.Error()})
	}
}

// State exposes the breaker state for health reporting.
func (s *RecordSink) State() gobreaker.State {
	if s == nil {
		return gobreaker.StateClosed
	}
	return s.cb.State()
}
