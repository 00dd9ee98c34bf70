package runtime

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/drblury/gobflow/broker"
	configpkg "github.com/drblury/gobflow/internal/runtime/config"
	errspkg "github.com/drblury/gobflow/internal/runtime/errors"
	loggingpkg "github.com/drblury/gobflow/internal/runtime/logging"
	"github.com/drblury/gobflow/internal/runtime/notification"
	"github.com/drblury/gobflow/internal/runtime/offload"
	"github.com/drblury/gobflow/internal/runtime/status"
	"github.com/drblury/gobflow/internal/runtime/topology"
)

const (
	// ExitRetry is the exit code of a service that stopped after a failed
	// message, so the orchestrator restarts it and the broker redelivers.
	ExitRetry = 75

	// TestCatalogue messages are skipped when DisableTestCatalogue is set.
	TestCatalogue = "test_catalogue"

	// SharedWorkerName names the worker consuming the queues of all services
	// without their own thread.
	SharedWorkerName = "shared"
)

var exitProcess = os.Exit

// ServiceDependencies holds the optional collaborators that the Service can use.
// Leave fields nil to build them from the configuration.
type ServiceDependencies struct {
	Broker   broker.Broker
	Topology *topology.Topology
	Store    *offload.Store
	// Bus sends handler notifications. Built from the configuration on Start
	// when nil.
	Bus                       *notification.Bus
	Hooks                     JobHooks
	Middlewares               []MiddlewareRegistration // Appended after the default middleware chain.
	DisableDefaultMiddlewares bool                     // Skips registering the default middleware chain when true.
	Registerer                prometheus.Registerer
	ErrorClassifier           ErrorClassifier
}

// Service runs a set of service definitions against the queues of a broker.
type Service struct {
	Conf   *configpkg.Config
	Logger loggingpkg.ServiceLogger

	name    string
	broker  broker.Broker
	topo    *topology.Topology
	store   *offload.Store
	entries []serviceEntry
	stats   map[string]*ServiceStats

	bus     *notification.Bus
	ownsBus bool

	hooks       JobHooks
	middlewares []message.HandlerMiddleware
	metrics     *RuntimeMetrics
	registerer  prometheus.Registerer

	sink      *loggingpkg.RecordSink
	audit     *loggingpkg.AuditLogger
	heartbeat *status.Heartbeater
	issues    *IssuePipeline

	pubMu sync.RWMutex
	pub   broker.Connection

	workersMu sync.Mutex
	workers   []*worker

	httpServers   map[int]*http.ServeMux
	httpServersMu sync.Mutex

	errorClassifier ErrorClassifier
}

// NewService validates defs against the topology and wires the service. Call
// Start to begin consuming.
func NewService(ctx context.Context, name string, conf *configpkg.Config, log loggingpkg.ServiceLogger, defs map[string]ServiceDefinition, deps ServiceDependencies) (*Service, error) {
	if conf == nil {
		return nil, errspkg.NewConfigValidationError(errspkg.ErrConfigRequired)
	}
	if err := conf.Validate(); err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}
	if log == nil {
		return nil, errspkg.ErrLoggerRequired
	}

	topo := deps.Topology
	if topo == nil {
		var err error
		if topo, err = topology.Default(); err != nil {
			return nil, errspkg.NewConfigValidationError(err)
		}
	}
	entries, err := buildEntries(topo, defs)
	if err != nil {
		return nil, errspkg.NewConfigValidationError(err)
	}

	log.Info("Creating service", loggingpkg.LogFields{
		"name":     name,
		"broker":   conf.BrokerType,
		"services": len(entries),
		"config":   conf,
	})

	b := deps.Broker
	if b == nil {
		if b, err = broker.Build(ctx, conf, loggingpkg.NewWatermillAdapter(log)); err != nil {
			return nil, err
		}
	}

	registerer := deps.Registerer
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	metrics := NewRuntimeMetrics(registerer)
	if err := metrics.Register(); err != nil {
		return nil, err
	}

	store := deps.Store
	if store == nil {
		threshold := conf.OffloadThreshold
		if threshold <= 0 {
			threshold = offload.DefaultThreshold
		}
		store = offload.NewStore(conf.SharedDir,
			offload.WithThreshold(threshold),
			offload.WithLogger(log),
			offload.WithSpillHook(metrics.RecordSpill),
		)
	}

	s := &Service{
		Conf:            conf,
		Logger:          log,
		name:            name,
		broker:          b,
		topo:            topo,
		store:           store,
		entries:         entries,
		stats:           make(map[string]*ServiceStats, len(entries)),
		bus:             deps.Bus,
		metrics:         metrics,
		registerer:      registerer,
		errorClassifier: deps.ErrorClassifier,
	}
	if s.errorClassifier == nil {
		s.errorClassifier = defaultErrorClassifier
	}
	for _, e := range entries {
		s.stats[e.name] = newServiceStats()
	}

	s.sink = loggingpkg.NewRecordSink(func(ctx context.Context, exchange, key string, body []byte) error {
		return s.Publish(ctx, exchange, key, body)
	}, log)
	s.audit = loggingpkg.NewAuditLogger(s.sink, name)
	s.heartbeat = status.NewHeartbeater(name, s, s.roster, log)
	s.issues = NewIssuePipeline(store, s, log)
	s.hooks = ProgressHooks(status.NewReporter(s, log)).
		Merge(LoggingHooks(log)).
		Merge(deps.Hooks)

	if err := s.registerConfiguredMiddlewares(deps); err != nil {
		return nil, err
	}
	return s, nil
}

// Name is the service name reported with heartbeats.
func (s *Service) Name() string { return s.name }

// Start materialises the topology, starts the workers and watches them until
// ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	err := broker.WithManager(ctx, s.broker, func(m broker.Manager) error {
		return broker.CreateAll(ctx, m, s.topo)
	})
	if err != nil {
		return fmt.Errorf("gobflow: create topology: %w", err)
	}

	pub, err := s.broker.Connect(ctx)
	if err != nil {
		return fmt.Errorf("gobflow: connect publisher: %w", err)
	}
	s.setPublisher(pub)
	defer s.closePublisher()

	if s.bus == nil {
		bus, err := notification.NewBus(ctx, s.Conf, notification.Options{Logger: s.Logger})
		if err != nil {
			return fmt.Errorf("gobflow: notification bus: %w", err)
		}
		s.bus, s.ownsBus = bus, true
	}
	defer s.closeBus()

	if err := s.startWorkers(ctx); err != nil {
		s.stopWorkers()
		return err
	}

	if s.Conf.MetricsPort > 0 {
		s.RegisterHTTPHandler(s.Conf.MetricsPort, "/api/services", http.HandlerFunc(s.handleGetServices))
	}

	s.heartbeat.Beat(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.watch(gctx) })
	s.startHTTPServers(gctx, g)
	err = g.Wait()

	s.stopWorkers()
	s.heartbeat.Beat(context.WithoutCancel(ctx))
	return err
}

// Publish sends body on the shared publishing connection.
func (s *Service) Publish(ctx context.Context, exchange, key string, body []byte, opts ...broker.PublishOption) error {
	s.pubMu.RLock()
	pub := s.pub
	s.pubMu.RUnlock()
	if pub == nil {
		return errspkg.ErrConnectionClosed
	}
	return pub.Publish(ctx, exchange, key, body, opts...)
}

func (s *Service) setPublisher(pub broker.Connection) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	s.pub = pub
}

func (s *Service) closePublisher() {
	s.pubMu.Lock()
	pub := s.pub
	s.pub = nil
	s.pubMu.Unlock()
	if pub != nil {
		if err := pub.Close(); err != nil {
			s.Logger.Error("Failed to close publisher", err, nil)
		}
	}
}

func (s *Service) closeBus() {
	if !s.ownsBus || s.bus == nil {
		return
	}
	if err := s.bus.Close(); err != nil {
		s.Logger.Error("Failed to close notification bus", err, nil)
	}
	s.bus, s.ownsBus = nil, false
}

func (s *Service) heartbeatInterval() time.Duration {
	if s.Conf.HeartbeatInterval > 0 {
		return s.Conf.HeartbeatInterval
	}
	return configpkg.DefaultHeartbeatInterval
}

// watch publishes a heartbeat every interval and restarts dead workers.
func (s *Service) watch(ctx context.Context) error {
	ticker := time.NewTicker(s.heartbeatInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			s.heartbeat.Beat(ctx)
			s.restartDeadWorkers(ctx)
		}
	}
}

// Services describes the running definitions and their statistics.
func (s *Service) Services() []ServiceInfo {
	out := make([]ServiceInfo, 0, len(s.entries))
	for _, e := range s.entries {
		info := ServiceInfo{Name: e.name, Queue: e.Queue, Key: e.Key, OwnThread: e.OwnThread, Stats: s.stats[e.name]}
		if e.Report != nil {
			info.ReportKey = e.Report.Key
		}
		out = append(out, info)
	}
	return out
}

func (s *Service) registerConfiguredMiddlewares(deps ServiceDependencies) error {
	var defaults []MiddlewareRegistration
	if !deps.DisableDefaultMiddlewares {
		defaults = DefaultMiddlewares()
	}
	registrations := make([]MiddlewareRegistration, 0, len(defaults)+len(deps.Middlewares))
	registrations = append(registrations, defaults...)
	registrations = append(registrations, deps.Middlewares...)

	for _, reg := range registrations {
		if err := s.RegisterMiddleware(reg); err != nil {
			name := reg.Name
			if name == "" {
				name = "anonymous_middleware"
			}
			return fmt.Errorf("failed to register middleware %s: %w", name, err)
		}
	}
	return nil
}

func (s *Service) RegisterHTTPHandler(port int, pattern string, handler http.Handler) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	if s.httpServers == nil {
		s.httpServers = make(map[int]*http.ServeMux)
	}

	mux, ok := s.httpServers[port]
	if !ok {
		mux = http.NewServeMux()
		s.httpServers[port] = mux
	}

	mux.Handle(pattern, handler)
}

func (s *Service) startHTTPServers(ctx context.Context, g *errgroup.Group) {
	s.httpServersMu.Lock()
	defer s.httpServersMu.Unlock()

	for port, mux := range s.httpServers {
		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		s.Logger.Info("Starting HTTP server", loggingpkg.LogFields{"address": srv.Addr})
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				s.Logger.Error("Failed to start HTTP server", err, loggingpkg.LogFields{"address": srv.Addr})
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
}
