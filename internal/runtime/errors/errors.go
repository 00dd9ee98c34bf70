package errors

import (
	sterrors "errors"
	"fmt"
)

var (
	ErrServiceRequired    = sterrors.New("gobflow: service is required")
	ErrHandlerRequired    = sterrors.New("gobflow: handler function is required")
	ErrQueueRequired      = sterrors.New("gobflow: queue is required")
	ErrExchangeRequired   = sterrors.New("gobflow: exchange is required")
	ErrRoutingKeyRequired = sterrors.New("gobflow: routing key is required")
	ErrBrokerRequired     = sterrors.New("gobflow: broker is required")
	ErrConfigRequired     = sterrors.New("gobflow: configuration is required")
	ErrLoggerRequired     = sterrors.New("gobflow: logger is required")
	ErrUnknownQueue       = sterrors.New("gobflow: queue is not declared in the topology")
	ErrUnboundRoutingKey  = sterrors.New("gobflow: routing key is not bound to the queue")
	ErrConnectionClosed   = sterrors.New("gobflow: connection is closed")
	ErrUnknownExchange    = sterrors.New("gobflow: exchange is not declared")
	ErrAlreadySubscribed  = sterrors.New("gobflow: connection already has a subscription")
	ErrNoEntity           = sterrors.New("gobflow: old and new entity are both missing")
	ErrStreamNotOffloaded = sterrors.New("gobflow: streamed contents could not be offloaded")

	// ErrReject is returned by a handler to hand the message back to the
	// broker without acknowledging it.
	ErrReject = sterrors.New("gobflow: message rejected by handler")
)

// ConfigValidationError wraps configuration problems detected at start-up.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return fmt.Sprintf("gobflow: invalid configuration: %v", e.Err)
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

// NewConfigValidationError returns nil when err is nil.
func NewConfigValidationError(err error) error {
	if err == nil {
		return nil
	}
	return ConfigValidationError{Err: err}
}
