package logging

import (
	"context"
	"maps"
	"slices"
	"sync"
	"time"

	messagepkg "github.com/drblury/gobflow/internal/runtime/message"
	"github.com/drblury/gobflow/internal/runtime/quality"
)

// Level is the severity of a message log record.
type Level string

const (
	LevelDebug       Level = "debug"
	LevelInfo        Level = "info"
	LevelWarning     Level = "warning"
	LevelError       Level = "error"
	LevelDataInfo    Level = "data_info"
	LevelDataWarning Level = "data_warning"
	LevelDataError   Level = "data_error"
)

// MaxSummaryMessages caps the warnings and errors kept for the summary.
const MaxSummaryMessages = 50

// MessageLogger is the logging context of a single message. It counts what
// was logged, keeps the issues raised and forwards records to the log
// exchange.
type MessageLogger struct {
	mu       sync.Mutex
	name     string
	header   messagepkg.Header
	base     ServiceLogger
	sink     *RecordSink
	now      func() time.Time
	counts   map[string]int
	warnings []string
	errors   []string
	issues   *quality.Collector
}

// MessageLoggerOption configures a MessageLogger.
type MessageLoggerOption func(*MessageLogger)

func WithRecordSink(sink *RecordSink) MessageLoggerOption {
	return func(l *MessageLogger) { l.sink = sink }
}

func WithLoggerClock(now func() time.Time) MessageLoggerOption {
	return func(l *MessageLogger) { l.now = now }
}

func NewMessageLogger(base ServiceLogger, name string, header messagepkg.Header, opts ...MessageLoggerOption) *MessageLogger {
	if base == nil {
		base = NewNopLogger()
	}
	l := &MessageLogger{
		name:   name,
		header: header.Clone(),
		now:    time.Now,
		counts: map[string]int{},
		issues: quality.NewCollector(),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.base = base.With(LogFields{
		"logger":     name,
		"process_id": l.header.ProcessID(),
		"catalogue":  l.header.Catalogue(),
		"collection": l.header.Collection(),
	})
	return l
}

func (l *MessageLogger) Name() string { return l.name }

func (l *MessageLogger) Header() messagepkg.Header { return l.header.Clone() }

// Service returns the process logger enriched with the message context.
func (l *MessageLogger) Service() ServiceLogger { return l.base }

func (l *MessageLogger) Debug(msg string, fields LogFields) {
	l.base.Debug(msg, fields)
	l.record(LevelDebug, msg, fields)
}

func (l *MessageLogger) Info(msg string, fields LogFields) {
	l.base.Info(msg, fields)
	l.record(LevelInfo, msg, fields)
}

func (l *MessageLogger) Warning(msg string, fields LogFields) {
	l.base.Info(msg, mergeFields(fields, LogFields{"level": string(LevelWarning)}))
	l.record(LevelWarning, msg, fields)
}

func (l *MessageLogger) Error(msg string, err error, fields LogFields) {
	l.base.Error(msg, err, fields)
	if err != nil {
		fields = mergeFields(fields, LogFields{"error": err.Error()})
	}
	l.record(LevelError, msg, fields)
}

func (l *MessageLogger) DataInfo(msg string, fields LogFields) {
	l.base.Info(msg, mergeFields(fields, LogFields{"level": string(LevelDataInfo)}))
	l.record(LevelDataInfo, msg, fields)
}

func (l *MessageLogger) DataWarning(msg string, fields LogFields) {
	l.base.Info(msg, mergeFields(fields, LogFields{"level": string(LevelDataWarning)}))
	l.record(LevelDataWarning, msg, fields)
}

func (l *MessageLogger) DataError(msg string, fields LogFields) {
	l.base.Error(msg, nil, mergeFields(fields, LogFields{"level": string(LevelDataError)}))
	l.record(LevelDataError, msg, fields)
}

// AddIssue stores issue for the quality update and logs it at level.
func (l *MessageLogger) AddIssue(issue quality.Issue, level Level) {
	l.issues.Add(issue)
	fields := LogFields{
		"id":        issue.EntityID,
		"attribute": issue.Attribute,
		"value":     issue.Value(),
	}
	switch level {
	case LevelDataError:
		l.DataError(issue.Msg(), fields)
	case LevelDataWarning:
		l.DataWarning(issue.Msg(), fields)
	default:
		l.DataInfo(issue.Msg(), fields)
	}
}

// Issues returns the joined issues raised so far.
func (l *MessageLogger) Issues() []quality.Issue {
	return l.issues.Issues()
}

func (l *MessageLogger) IssueCount() int {
	return l.issues.Len()
}

// Counts returns a copy of the per level counters.
func (l *MessageLogger) Counts() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return maps.Clone(l.counts)
}

// Summary renders the counters in the wire form of a result summary.
func (l *MessageLogger) Summary() messagepkg.Summary {
	l.mu.Lock()
	defer l.mu.Unlock()
	return messagepkg.Summary{
		Warnings:  slices.Clone(l.warnings),
		Errors:    slices.Clone(l.errors),
		LogCounts: maps.Clone(l.counts),
	}
}

func (l *MessageLogger) record(level Level, msg string, fields LogFields) {
	l.mu.Lock()
	l.counts[string(level)]++
	switch level {
	case LevelWarning, LevelDataWarning:
		if len(l.warnings) < MaxSummaryMessages {
			l.warnings = append(l.warnings, msg)
		}
	case LevelError, LevelDataError:
		if len(l.errors) < MaxSummaryMessages {
			l.errors = append(l.errors, msg)
		}
	}
	l.mu.Unlock()

	if l.sink == nil || level == LevelDebug {
		return
	}
	rec := map[string]any{
		"timestamp": l.now().UTC().Format(time.RFC3339Nano),
		"level":     string(level),
		"name":      l.name,
		"msg":       msg,
	}
	for _, k := range []string{
		messagepkg.HeaderProcessID,
		messagepkg.HeaderSource,
		messagepkg.HeaderApplication,
		messagepkg.HeaderCatalogue,
		messagepkg.HeaderCollection,
		messagepkg.HeaderEntity,
		messagepkg.HeaderJobID,
		messagepkg.HeaderStepID,
	} {
		if l.header.Has(k) {
			rec[k] = l.header[k]
		}
	}
	if len(fields) > 0 {
		rec["data"] = map[string]any(fields)
	}
	l.sink.Send(context.Background(), "log."+string(level), rec)
}

type messageLoggerKey struct{}

// WithMessageLogger binds l to ctx.
func WithMessageLogger(ctx context.Context, l *MessageLogger) context.Context {
	return context.WithValue(ctx, messageLoggerKey{}, l)
}

// FromContext returns the logger bound to ctx, or a detached logger that only
// counts when none is bound.
func FromContext(ctx context.Context) *MessageLogger {
	if ctx != nil {
		if l, ok := ctx.Value(messageLoggerKey{}).(*MessageLogger); ok && l != nil {
			return l
		}
	}
	return NewMessageLogger(nil, "", nil)
}
