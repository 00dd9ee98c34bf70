package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/message/router/middleware"

	"github.com/drblury/gobflow/broker"
	configpkg "github.com/drblury/gobflow/internal/runtime/config"
	errspkg "github.com/drblury/gobflow/internal/runtime/errors"
	"github.com/drblury/gobflow/internal/runtime/ids"
	loggingpkg "github.com/drblury/gobflow/internal/runtime/logging"
	messagepkg "github.com/drblury/gobflow/internal/runtime/message"
	"github.com/drblury/gobflow/internal/runtime/offload"
)

// Exit codes of a standalone run.
const (
	ExitOK          = 0
	ExitDataErrors  = 1
	ExitInfraFailed = 2
)

// ErrUnknownHandler is returned when a standalone run names no known service.
var ErrUnknownHandler = errors.New("gobflow: unknown handler")

// RunParams describe one standalone run.
type RunParams struct {
	// Handler names the service definition to run.
	Handler string
	// MessageData is a complete JSON message. When set the header flags are
	// ignored.
	MessageData string

	Catalogue   string
	Collection  string
	Entity      string
	Attribute   string
	Application string
	// Args holds the values of the service specific header flags.
	Args map[string]string
}

// Runner executes a single handler once outside the service runtime and
// writes the result message to the configured xcom path.
type Runner struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	defs  map[string]ServiceDefinition
	store *offload.Store
	now   func() time.Time
}

// NewRunner prepares a runner for defs. The broker settings of conf are not
// used.
func NewRunner(conf *configpkg.Config, log loggingpkg.ServiceLogger, defs map[string]ServiceDefinition) (*Runner, error) {
	if conf == nil {
		return nil, errspkg.NewConfigValidationError(errspkg.ErrConfigRequired)
	}
	if conf.SharedDir == "" {
		return nil, errspkg.NewConfigValidationError(errors.New("storage: shared directory is required"))
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}
	if len(defs) == 0 {
		return nil, errspkg.ErrServiceRequired
	}
	threshold := conf.OffloadThreshold
	if threshold <= 0 {
		threshold = offload.DefaultThreshold
	}
	return &Runner{
		Conf:   conf,
		Logger: log,
		defs:   defs,
		store:  offload.NewStore(conf.SharedDir, offload.WithThreshold(threshold), offload.WithLogger(log)),
		now:    time.Now,
	}, nil
}

// Definition returns the service definition registered as name.
func (r *Runner) Definition(name string) (ServiceDefinition, bool) {
	def, ok := r.defs[name]
	return def, ok
}

// BuildMessage returns the input message of a run: the decoded message data
// or a minimal message built from the header flags.
func (r *Runner) BuildMessage(p RunParams) (*messagepkg.Message, error) {
	if p.MessageData != "" {
		msg, err := messagepkg.Decode([]byte(p.MessageData))
		if err != nil {
			return nil, fmt.Errorf("gobflow: invalid message data: %w", err)
		}
		if msg.Header == nil {
			msg.Header = messagepkg.Header{}
		}
		return msg, nil
	}

	now := r.now()
	header := messagepkg.Header{
		messagepkg.HeaderProcessID: ids.NewProcessID(now, p.Catalogue, p.Collection),
		messagepkg.HeaderTimestamp: now.UTC().Format(time.RFC3339),
	}
	set := func(key, value string) {
		if value != "" {
			header[key] = value
		}
	}
	set(messagepkg.HeaderCatalogue, p.Catalogue)
	set(messagepkg.HeaderCollection, p.Collection)
	set(messagepkg.HeaderEntity, p.Entity)
	set(messagepkg.HeaderAttribute, p.Attribute)
	set(messagepkg.HeaderApplication, p.Application)
	if def, ok := r.defs[p.Handler]; ok {
		for _, arg := range def.Args {
			set(arg, p.Args[arg])
		}
	}
	return messagepkg.New(header, nil), nil
}

// Run builds the input, runs the handler and writes the offloaded result to
// the xcom path.
func (r *Runner) Run(ctx context.Context, p RunParams) (*messagepkg.Message, error) {
	def, ok := r.defs[p.Handler]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownHandler, p.Handler)
	}
	in, err := r.BuildMessage(p)
	if err != nil {
		return nil, err
	}

	e := serviceEntry{name: p.Handler, ServiceDefinition: def}
	mlog := loggingpkg.NewMessageLogger(r.Logger, e.loggerName(), in.Header)
	ctx = loggingpkg.WithMessageLogger(ctx, mlog)

	loaded, h, err := r.store.Load(in, nil, offload.LoadParams{Stream: def.Stream})
	if err != nil {
		return nil, err
	}

	result, err := r.invoke(ctx, e, loaded, mlog)
	if err != nil {
		r.store.Release(loaded, h)
		return nil, fmt.Errorf("gobflow: run %s: %w", p.Handler, err)
	}
	r.store.End(loaded, h)

	if result == nil {
		result = messagepkg.New(in.Header.Clone(), nil)
	}
	if result.Header == nil {
		result.Header = in.Header.Clone()
	}
	fillSummary(result, mlog)
	if n := mlog.IssueCount(); n > 0 {
		r.Logger.Info("Issues are not forwarded by a standalone run", loggingpkg.LogFields{"issues": n})
	}

	out := r.store.OffloadAlways(result, nil)
	if out.Stream != nil {
		return nil, errspkg.ErrStreamNotOffloaded
	}
	if err := r.writeResult(out); err != nil {
		if out.ContentsRef != result.ContentsRef {
			r.store.Remove(out.ContentsRef)
		}
		return nil, err
	}
	return out, nil
}

// invoke runs the handler behind the panic recoverer.
func (r *Runner) invoke(ctx context.Context, e serviceEntry, msg *messagepkg.Message, mlog *loggingpkg.MessageLogger) (*messagepkg.Message, error) {
	mc := &MessageContext{Service: e.name, Message: msg, Logger: mlog}
	var result *messagepkg.Message
	h := middleware.Recoverer(func(m *message.Message) ([]*message.Message, error) {
		var err error
		result, err = e.Handler(m.Context(), mc)
		return nil, err
	})
	raw := broker.NewDeliveryMessage(ids.CreateULID(), nil, broker.Delivery{Queue: e.Queue, RoutingKey: e.Key})
	raw.SetContext(ctx)
	_, err := h(raw)
	return result, err
}

func (r *Runner) writeResult(msg *messagepkg.Message) error {
	path := r.Conf.XComPath
	if path == "" {
		path = configpkg.DefaultXComPath
	}
	body, err := messagepkg.Encode(msg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("gobflow: create xcom directory: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return fmt.Errorf("gobflow: write xcom result: %w", err)
	}
	r.Logger.Info("Wrote result message", loggingpkg.LogFields{"path": path, "contents_ref": msg.ContentsRef})
	return nil
}

// ExitCode maps the outcome of Run to the process exit status.
func ExitCode(result *messagepkg.Message, err error) int {
	switch {
	case err != nil:
		return ExitInfraFailed
	case result != nil && result.Summary.HasErrors():
		return ExitDataErrors
	}
	return ExitOK
}
