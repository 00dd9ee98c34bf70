package logging

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/gobflow/internal/runtime/jsoncodec"
	messagepkg "github.com/drblury/gobflow/internal/runtime/message"
	"github.com/drblury/gobflow/internal/runtime/quality"
)

func TestWatermillServiceLoggerDelegates(t *testing.T) {
	base := newRecordingWatermillLogger()
	logger := NewWatermillServiceLogger(base)

	logger.Debug("dbg", LogFields{"component": "watermill"})
	logger.Info("info", nil)
	logger.Trace("trace", LogFields{"trace": true})
	logger.Error("oops", errors.New("boom"), LogFields{"failed": true})
	logger.With(LogFields{"child": "yes"}).Info("child_info", nil)

	require.Len(t, base.entries, 6)
	assert.Equal(t, "debug", base.entries[0].level)
	assert.Equal(t, "watermill", base.entries[0].fields["component"])
	assert.Equal(t, "yes", base.entries[4].fields["child"])
	assert.Equal(t, "child_info", base.entries[5].msg)
}

func TestConstructorsPanicOnNil(t *testing.T) {
	assert.Panics(t, func() { NewWatermillServiceLogger(nil) })
	assert.Panics(t, func() { NewSlogServiceLogger(nil) })
	assert.Panics(t, func() { NewWatermillAdapter(nil) })
}

func TestWatermillAdapterDelegates(t *testing.T) {
	base := &recordingServiceLogger{}
	adapter := NewWatermillAdapter(base)

	adapter.Debug("dbg", watermill.LogFields{"k": "v"})
	adapter.Info("info", nil)
	adapter.Trace("trace", nil)
	adapter.Error("err", errors.New("boom"), nil)
	adapter.With(watermill.LogFields{"child": "yes"}).Info("child_info", nil)

	require.Len(t, base.entries, 4)
	assert.Equal(t, "v", base.entries[0].fields["k"])
	assert.Len(t, base.children, 1)
	assert.Equal(t, "yes", base.children[0].fields["child"])
	assert.Equal(t, "child_info", base.children[0].entries[0].msg)
}

func TestWatermillFieldConversions(t *testing.T) {
	assert.Nil(t, toWatermillFields(nil))
	assert.Nil(t, fromWatermillFields(nil))
	assert.Equal(t, 1, fromWatermillFields(toWatermillFields(LogFields{"a": 1}))["a"])
}

func TestSlogAndNopLoggers(t *testing.T) {
	NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, nil))).Info("hello", LogFields{"k": "v"})
	NewNopLogger().With(LogFields{"a": 1}).Error("ignored", errors.New("x"), nil)
}

func TestMessageLoggerCountsAndSummary(t *testing.T) {
	base := newRecordingWatermillLogger()
	header := messagepkg.NewHeader("process_id", "p1", "catalogue", "gebieden", "collection", "buurten")
	l := NewMessageLogger(NewWatermillServiceLogger(base), "import", header)

	l.Info("started", nil)
	l.Warning("odd value", LogFields{"id": "1"})
	l.DataWarning("missing attribute", nil)
	l.Error("failed", errors.New("boom"), nil)
	l.DataError("bad geometry", nil)
	l.Debug("noise", nil)

	counts := l.Counts()
	assert.Equal(t, 1, counts["info"])
	assert.Equal(t, 1, counts["warning"])
	assert.Equal(t, 1, counts["data_warning"])
	assert.Equal(t, 1, counts["error"])
	assert.Equal(t, 1, counts["data_error"])

	summary := l.Summary()
	assert.Equal(t, []string{"odd value", "missing attribute"}, summary.Warnings)
	assert.Equal(t, []string{"failed", "bad geometry"}, summary.Errors)
	assert.True(t, summary.HasErrors())

	assert.Equal(t, "import", l.Name())
	assert.Equal(t, "p1", l.Header().ProcessID())
	require.NotEmpty(t, base.entries)
	assert.Equal(t, "with", base.entries[0].level)
	assert.Equal(t, "gebieden", base.entries[0].fields["catalogue"])
}

func TestMessageLoggerCapsSummaryMessages(t *testing.T) {
	l := NewMessageLogger(nil, "n", nil)
	for range MaxSummaryMessages + 5 {
		l.Warning("w", nil)
	}
	assert.Len(t, l.Summary().Warnings, MaxSummaryMessages)
	assert.Equal(t, MaxSummaryMessages+5, l.Counts()["warning"])
}

func TestMessageLoggerJoinsIssues(t *testing.T) {
	l := NewMessageLogger(nil, "n", nil)
	l.AddIssue(quality.NewIssue("C1", "1", "a", 5), LevelDataWarning)
	l.AddIssue(quality.NewIssue("C1", "1", "a", 8), LevelDataWarning)
	l.AddIssue(quality.NewIssue("C1", "1", "a", 5), LevelDataError)

	require.Equal(t, 1, l.IssueCount())
	assert.Equal(t, "5, 8", l.Issues()[0].Value())
	assert.Equal(t, 2, l.Counts()["data_warning"])
	assert.Equal(t, 1, l.Counts()["data_error"])
}

func TestMessageLoggerForwardsRecords(t *testing.T) {
	pub := &recordingPublisher{}
	sink := NewRecordSink(pub.publish, nil)
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	l := NewMessageLogger(nil, "compare", messagepkg.NewHeader("process_id", "p1", "jobid", "7"),
		WithRecordSink(sink), WithLoggerClock(func() time.Time { return fixed }))

	l.Debug("not forwarded", nil)
	l.Info("forwarded", LogFields{"n": 1})

	calls := pub.snapshot()
	require.Len(t, calls, 1)
	assert.Equal(t, Exchange, calls[0].exchange)
	assert.Equal(t, "log.info", calls[0].key)

	rec, err := jsoncodec.UnmarshalValue(calls[0].body)
	require.NoError(t, err)
	m := rec.(map[string]any)
	assert.Equal(t, "forwarded", m["msg"])
	assert.Equal(t, "compare", m["name"])
	assert.Equal(t, "p1", m["process_id"])
	assert.Equal(t, "7", m["jobid"])
	assert.Equal(t, "2024-01-02T03:04:05Z", m["timestamp"])
}

func TestRecordSinkOpensBreakerAfterFailures(t *testing.T) {
	pub := &recordingPublisher{err: errors.New("exchange down")}
	sink := NewRecordSink(pub.publish, nil)

	for range 5 {
		sink.Send(context.Background(), "log.info", map[string]any{"msg": "x"})
	}
	assert.Len(t, pub.snapshot(), 3)
	assert.Equal(t, gobreaker.StateOpen, sink.State())
}

func TestNilRecordSinkDropsRecords(t *testing.T) {
	var sink *RecordSink
	assert.Nil(t, NewRecordSink(nil, nil))
	sink.Send(context.Background(), "log.info", map[string]any{})
	assert.Equal(t, gobreaker.StateClosed, sink.State())
}

func TestAuditLogger(t *testing.T) {
	pub := &recordingPublisher{}
	audit := NewAuditLogger(NewRecordSink(pub.publish, nil), "gob-api")

	id := audit.LogRequest(context.Background(), "graphql", map[string]any{"q": "x"})
	audit.LogResponse(context.Background(), id, "graphql", map[string]any{"status": int64(200)})

	calls := pub.snapshot()
	require.Len(t, calls, 2)
	assert.Equal(t, AuditRequestKey, calls[0].key)
	assert.Equal(t, AuditResponseKey, calls[1].key)

	resp, err := jsoncodec.UnmarshalValue(calls[1].body)
	require.NoError(t, err)
	assert.Equal(t, id, resp.(map[string]any)["request_uuid"])
	assert.Equal(t, "response", resp.(map[string]any)["type"])
}

func TestFromContext(t *testing.T) {
	detached := FromContext(context.Background())
	require.NotNil(t, detached)
	detached.Info("counted", nil)
	assert.Equal(t, 1, detached.Counts()["info"])

	l := NewMessageLogger(nil, "bound", nil)
	ctx := WithMessageLogger(context.Background(), l)
	assert.Same(t, l, FromContext(ctx))
}

type publishCall struct {
	exchange string
	key      string
	body     []byte
}

type recordingPublisher struct {
	mu    sync.Mutex
	calls []publishCall
	err   error
}

func (p *recordingPublisher) publish(_ context.Context, exchange, key string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, publishCall{exchange: exchange, key: key, body: body})
	return p.err
}

func (p *recordingPublisher) snapshot() []publishCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]publishCall(nil), p.calls...)
}

type recordingWatermillLogger struct {
	entries []watermillEntry
	sink    *[]watermillEntry
}

type watermillEntry struct {
	level  string
	msg    string
	fields watermill.LogFields
	err    error
}

func newRecordingWatermillLogger() *recordingWatermillLogger {
	logger := &recordingWatermillLogger{}
	logger.sink = &logger.entries
	return logger
}

func (r *recordingWatermillLogger) record(entry watermillEntry) {
	*r.sink = append(*r.sink, entry)
}

func (r *recordingWatermillLogger) Error(msg string, err error, fields watermill.LogFields) {
	r.record(watermillEntry{level: "error", msg: msg, fields: fields, err: err})
}

func (r *recordingWatermillLogger) Info(msg string, fields watermill.LogFields) {
	r.record(watermillEntry{level: "info", msg: msg, fields: fields})
}

func (r *recordingWatermillLogger) Debug(msg string, fields watermill.LogFields) {
	r.record(watermillEntry{level: "debug", msg: msg, fields: fields})
}

func (r *recordingWatermillLogger) Trace(msg string, fields watermill.LogFields) {
	r.record(watermillEntry{level: "trace", msg: msg, fields: fields})
}

func (r *recordingWatermillLogger) With(fields watermill.LogFields) watermill.LoggerAdapter {
	child := &recordingWatermillLogger{sink: r.sink}
	child.record(watermillEntry{level: "with", fields: fields})
	return child
}

type recordingServiceLogger struct {
	fields   LogFields
	entries  []loggedEntry
	children []*recordingServiceLogger
}

type loggedEntry struct {
	level  string
	msg    string
	fields LogFields
	err    error
}

func (r *recordingServiceLogger) With(fields LogFields) ServiceLogger {
	child := &recordingServiceLogger{fields: fields}
	r.children = append(r.children, child)
	return child
}

func (r *recordingServiceLogger) Debug(msg string, fields LogFields) {
	r.entries = append(r.entries, loggedEntry{level: "debug", msg: msg, fields: fields})
}

func (r *recordingServiceLogger) Info(msg string, fields LogFields) {
	r.entries = append(r.entries, loggedEntry{level: "info", msg: msg, fields: fields})
}

func (r *recordingServiceLogger) Error(msg string, err error, fields LogFields) {
	r.entries = append(r.entries, loggedEntry{level: "error", msg: msg, fields: fields, err: err})
}

func (r *recordingServiceLogger) Trace(msg string, fields LogFields) {
	r.entries = append(r.entries, loggedEntry{level: "trace", msg: msg, fields: fields})
}
