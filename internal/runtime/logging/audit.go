package logging

import (
	"context"
	"time"

	"github.com/drblury/gobflow/internal/runtime/ids"
)

const (
	AuditRequestKey  = "audit.request"
	AuditResponseKey = "audit.response"
)

// AuditLogger records requests handled by a service and the responses sent
// back on the log exchange.
type AuditLogger struct {
	sink   *RecordSink
	source string
	now    func() time.Time
}

func NewAuditLogger(sink *RecordSink, source string) *AuditLogger {
	return &AuditLogger{sink: sink, source: source, now: time.Now}
}

// LogRequest records an incoming request and returns the id that correlates
// it with its response.
func (a *AuditLogger) LogRequest(ctx context.Context, destination string, data map[string]any) string {
	id := ids.CreateULID()
	a.sink.Send(ctx, AuditRequestKey, a.entry("request", id, destination, data))
	return id
}

// LogResponse records the response for the request identified by requestID.
func (a *AuditLogger) LogResponse(ctx context.Context, requestID, destination string, data map[string]any) {
	a.sink.Send(ctx, AuditResponseKey, a.entry("response", requestID, destination, data))
}

func (a *AuditLogger) entry(kind, id, destination string, data map[string]any) map[string]any {
	return map[string]any{
		"type":         kind,
		"request_uuid": id,
		"source":       a.source,
		"destination":  destination,
		"timestamp":    a.now().UTC().Format(time.RFC3339Nano),
		"data":         data,
	}
}
