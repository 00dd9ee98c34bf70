package runtime

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/drblury/gobflow/broker"
	"github.com/drblury/gobflow/broker/memory"
	configpkg "github.com/drblury/gobflow/internal/runtime/config"
	loggingpkg "github.com/drblury/gobflow/internal/runtime/logging"
	messagepkg "github.com/drblury/gobflow/internal/runtime/message"
	"github.com/drblury/gobflow/internal/runtime/notification"
	"github.com/drblury/gobflow/internal/runtime/topology"

	_ "github.com/drblury/gobflow/transport/channel"
)

func newTestLogger() loggingpkg.ServiceLogger {
	return loggingpkg.NewSlogServiceLogger(slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelDebug})))
}

type logEntry struct {
	level  string
	msg    string
	err    error
	fields loggingpkg.LogFields
}

type recordingLogger struct {
	mu      *sync.Mutex
	entries *[]logEntry
	fields  loggingpkg.LogFields
}

func newRecordingLogger() *recordingLogger {
	return &recordingLogger{mu: &sync.Mutex{}, entries: &[]logEntry{}}
}

func (l *recordingLogger) record(level, msg string, err error, fields loggingpkg.LogFields) {
	merged := loggingpkg.LogFields{}
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	*l.entries = append(*l.entries, logEntry{level: level, msg: msg, err: err, fields: merged})
}

func (l *recordingLogger) With(fields loggingpkg.LogFields) loggingpkg.ServiceLogger {
	merged := loggingpkg.LogFields{}
	for k, v := range l.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &recordingLogger{mu: l.mu, entries: l.entries, fields: merged}
}

func (l *recordingLogger) Debug(msg string, fields loggingpkg.LogFields) {
	l.record("debug", msg, nil, fields)
}

func (l *recordingLogger) Info(msg string, fields loggingpkg.LogFields) {
	l.record("info", msg, nil, fields)
}

func (l *recordingLogger) Error(msg string, err error, fields loggingpkg.LogFields) {
	l.record("error", msg, err, fields)
}

func (l *recordingLogger) Trace(msg string, fields loggingpkg.LogFields) {
	l.record("trace", msg, nil, fields)
}

func (l *recordingLogger) messages(level string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, e := range *l.entries {
		if e.level == level {
			out = append(out, e.msg)
		}
	}
	return out
}

type published struct {
	exchange string
	key      string
	body     []byte
}

type recordingPublisher struct {
	mu   sync.Mutex
	msgs []published
	err  error
}

func (p *recordingPublisher) Publish(_ context.Context, exchange, key string, body []byte, _ ...broker.PublishOption) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.msgs = append(p.msgs, published{exchange: exchange, key: key, body: body})
	return nil
}

func (p *recordingPublisher) byKey(key string) []published {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []published
	for _, m := range p.msgs {
		if m.key == key {
			out = append(out, m)
		}
	}
	return out
}

type testRuntime struct {
	svc    *Service
	broker *memory.Broker
	conf   *configpkg.Config
	bus    *notification.Bus
	cancel context.CancelFunc
	done   chan error
}

func testConfig(t *testing.T) *configpkg.Config {
	t.Helper()
	return &configpkg.Config{
		BrokerType:        configpkg.BrokerMemory,
		SharedDir:         t.TempDir(),
		OffloadThreshold:  configpkg.DefaultOffloadThreshold,
		HeartbeatInterval: 20 * time.Millisecond,
	}
}

// newTestRuntime builds a service on a private memory broker. The topology
// is created so tests can publish before Start.
func newTestRuntime(t *testing.T, conf *configpkg.Config, defs map[string]ServiceDefinition, deps ServiceDependencies) *testRuntime {
	t.Helper()
	if conf == nil {
		conf = testConfig(t)
	}
	b := memory.New(nil)
	ctx := context.Background()
	topo := topology.MustDefault()
	if err := broker.WithManager(ctx, b, func(m broker.Manager) error { return broker.CreateAll(ctx, m, topo) }); err != nil {
		t.Fatalf("create topology: %v", err)
	}

	bus, err := notification.NewBus(ctx, conf, notification.Options{})
	if err != nil {
		t.Fatalf("notification bus: %v", err)
	}
	t.Cleanup(func() { _ = bus.Close() })

	deps.Broker = b
	deps.Topology = topo
	deps.Bus = bus
	if deps.Registerer == nil {
		deps.Registerer = prometheus.NewRegistry()
	}
	svc, err := NewService(ctx, "test-service", conf, newTestLogger(), defs, deps)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	return &testRuntime{svc: svc, broker: b, conf: conf, bus: bus}
}

func (r *testRuntime) start(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan error, 1)
	go func() { r.done <- r.svc.Start(ctx) }()
	t.Cleanup(r.stop)

	waitFor(t, func() bool {
		roster := r.svc.roster()
		if len(roster) == 0 {
			return false
		}
		for _, w := range roster {
			if !w.Alive {
				return false
			}
		}
		return true
	})
}

func (r *testRuntime) stop() {
	if r.cancel == nil {
		return
	}
	r.cancel()
	r.cancel = nil
	<-r.done
}

func (r *testRuntime) publish(t *testing.T, key string, msg *messagepkg.Message) {
	t.Helper()
	body, err := messagepkg.Encode(msg)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	conn, err := r.broker.Connect(context.Background())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()
	if err := conn.Publish(context.Background(), topology.WorkflowExchange, key, body); err != nil {
		t.Fatalf("publish: %v", err)
	}
}

// receive waits for one message on queue.
func (r *testRuntime) receive(t *testing.T, queue string) []byte {
	t.Helper()
	conn, err := r.broker.Connect(context.Background())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer conn.Close()
	bodies, err := conn.Receive(context.Background(), queue, 2*time.Second, 1)
	if err != nil {
		t.Fatalf("receive from %s: %v", queue, err)
	}
	if len(bodies) == 0 {
		t.Fatalf("no message on %s", queue)
	}
	return bodies[0]
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func jobHeader(catalogue, collection string) messagepkg.Header {
	return messagepkg.Header{
		messagepkg.HeaderCatalogue:  catalogue,
		messagepkg.HeaderCollection: collection,
		messagepkg.HeaderProcessID:  "20240101.000000.test",
		messagepkg.HeaderJobID:      "job-1",
		messagepkg.HeaderStepID:     "step-1",
	}
}
