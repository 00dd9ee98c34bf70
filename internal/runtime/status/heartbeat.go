package status

import (
	"context"
	"os"
	"time"

	loggingpkg "github.com/drblury/gobflow/internal/runtime/logging"
	"github.com/drblury/gobflow/internal/runtime/topology"
)

// Worker is one entry of the worker roster reported with a heartbeat.
type Worker struct {
	Name  string `json:"name"`
	Alive bool   `json:"is_alive"`
}

// Heartbeat is published on the status exchange with key "heartbeat".
type Heartbeat struct {
	Name      string        `json:"name"`
	Host      string        `json:"host"`
	PID       int           `json:"pid"`
	IsAlive   bool          `json:"is_alive"`
	Threads   []Worker      `json:"threads"`
	Resources ResourceUsage `json:"resources"`
	Timestamp string        `json:"timestamp"`
}

// Heartbeater builds and publishes heartbeats for a named service.
type Heartbeater struct {
	name      string
	host      string
	pid       int
	pub       Publisher
	roster    func() []Worker
	log       loggingpkg.ServiceLogger
	now       func() time.Time
	resources *resourceTracker
}

// NewHeartbeater returns a heartbeater for service name. roster lists the
// workers whose liveness makes up the service liveness.
func NewHeartbeater(name string, pub Publisher, roster func() []Worker, log loggingpkg.ServiceLogger) *Heartbeater {
	if log == nil {
		log = loggingpkg.NewNopLogger()
	}
	if roster == nil {
		roster = func() []Worker { return nil }
	}
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return &Heartbeater{
		name:      name,
		host:      host,
		pid:       os.Getpid(),
		pub:       pub,
		roster:    roster,
		log:       log,
		now:       time.Now,
		resources: newResourceTracker(),
	}
}

// Build assembles a heartbeat from the current roster.
func (h *Heartbeater) Build() Heartbeat {
	threads := h.roster()
	alive := true
	for _, w := range threads {
		alive = alive && w.Alive
	}
	return Heartbeat{
		Name:      h.name,
		Host:      h.host,
		PID:       h.pid,
		IsAlive:   alive,
		Threads:   threads,
		Resources: h.resources.Snapshot(),
		Timestamp: h.now().UTC().Format(time.RFC3339Nano),
	}
}

// Beat publishes a heartbeat and returns it.
func (h *Heartbeater) Beat(ctx context.Context) Heartbeat {
	hb := h.Build()
	send(ctx, h.pub, h.log, topology.HeartbeatKey, hb)
	return hb
}
