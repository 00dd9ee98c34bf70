package runtime

import (
	"context"
	"fmt"
	"slices"

	"github.com/drblury/gobflow/broker"
	loggingpkg "github.com/drblury/gobflow/internal/runtime/logging"
	"github.com/drblury/gobflow/internal/runtime/status"
)

// worker owns one async connection consuming a fixed set of queues. The
// broker dispatches one message at a time per connection.
type worker struct {
	name   string
	queues []string
	conn   broker.AsyncConnection
}

func (w *worker) alive() bool {
	return w.conn != nil && w.conn.IsAlive()
}

// partition gives every own-thread service its own worker and collects the
// remaining queues in a single shared worker.
func partition(entries []serviceEntry) []*worker {
	var workers []*worker
	own := map[string]bool{}
	for _, e := range entries {
		if e.OwnThread && !own[e.Queue] {
			own[e.Queue] = true
			workers = append(workers, &worker{name: e.name, queues: []string{e.Queue}})
		}
	}
	var shared []string
	for _, e := range entries {
		if !own[e.Queue] && !slices.Contains(shared, e.Queue) {
			shared = append(shared, e.Queue)
		}
	}
	if len(shared) > 0 {
		workers = append(workers, &worker{name: SharedWorkerName, queues: shared})
	}
	return workers
}

func (s *Service) startWorkers(ctx context.Context) error {
	s.workersMu.Lock()
	defer s.workersMu.Unlock()

	s.workers = partition(s.entries)
	for _, w := range s.workers {
		if err := s.connectWorker(ctx, w); err != nil {
			return err
		}
		s.Logger.Info("Started worker", loggingpkg.LogFields{"worker": w.name, "queues": w.queues})
	}
	return nil
}

func (s *Service) connectWorker(ctx context.Context, w *worker) error {
	conn, err := s.broker.ConnectAsync(ctx)
	if err != nil {
		return fmt.Errorf("gobflow: connect worker %s: %w", w.name, err)
	}
	if err := conn.Subscribe(ctx, w.queues, s.handleDelivery); err != nil {
		_ = conn.Disconnect()
		return fmt.Errorf("gobflow: subscribe worker %s: %w", w.name, err)
	}
	w.conn = conn
	return nil
}

func (s *Service) restartDeadWorkers(ctx context.Context) {
	s.workersMu.Lock()
	defer s.workersMu.Unlock()

	for _, w := range s.workers {
		if w.alive() || ctx.Err() != nil {
			continue
		}
		s.Logger.Info("Restarting dead worker", loggingpkg.LogFields{"worker": w.name, "queues": w.queues})
		if w.conn != nil {
			_ = w.conn.Disconnect()
			w.conn = nil
		}
		if err := s.connectWorker(ctx, w); err != nil {
			s.Logger.Error("Failed to restart worker", err, loggingpkg.LogFields{"worker": w.name})
		}
	}
}

// stopWorkers disconnects outside the lock: Disconnect waits for a running
// handler, which may need the roster for its final heartbeat.
func (s *Service) stopWorkers() {
	s.workersMu.Lock()
	conns := make(map[string]broker.AsyncConnection, len(s.workers))
	for _, w := range s.workers {
		if w.conn != nil {
			conns[w.name] = w.conn
		}
	}
	s.workersMu.Unlock()

	for name, conn := range conns {
		if err := conn.Disconnect(); err != nil {
			s.Logger.Error("Failed to disconnect worker", err, loggingpkg.LogFields{"worker": name})
		}
	}
}

// roster lists the workers for heartbeats.
func (s *Service) roster() []status.Worker {
	s.workersMu.Lock()
	defer s.workersMu.Unlock()

	out := make([]status.Worker, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, status.Worker{Name: w.name, Alive: w.alive()})
	}
	return out
}
