/*
Package runtime runs gobflow service definitions against a message broker.

# Package Structure

## Core Service (service.go, worker.go, handle.go)

The Service struct wires together:
  - The broker and the topology it declares on Start
  - One worker per dedicated service plus a shared worker for the rest
  - The offload store for large message contents
  - The middleware chain and job hooks
  - Heartbeats, progress reports and the notification bus
  - HTTP servers for metrics and the services API

A delivery is decoded, matched to the service listening on its queue and
routing key, loaded from the offload store and handed to the handler. The
first failure of a message stops the process so the broker redelivers it; a
redelivered message that fails again is dropped.

## Service Definitions (definition.go)

ServiceDefinition binds a HandlerFunc to a queue, an optional routing key
and an optional report destination. Definitions are validated against the
topology before the service is created.

## Middleware (middleware.go)

  - LogMessages: Debug logging of message payloads
  - Tracer: OpenTelemetry distributed tracing
  - Metrics: Prometheus metrics collection
  - Recoverer: Panic recovery

## Issues (issues.go)

Data quality issues raised while handling a message are written to a shared
file and announced to the issue queue.

## Standalone (standalone.go, standalone_cmd.go)

Runner executes one handler once without a broker and writes its result to
the xcom path.

## Stats & Monitoring (stats.go, metrics.go, api.go)

  - Latency percentiles (p50, p95, p99)
  - Throughput tracking
  - Error categorization

# Sub-packages

  - config/: Service configuration with validation
  - errors/: Sentinel errors and error types
  - events/: Entity events, their application and replay
  - gobtypes/: Typed attribute values and secure values
  - ids/: ULID and process id generation
  - jsoncodec/: JSON marshaling utilities
  - logging/: Logger interface, message logger and audit logger
  - message/: The message envelope and its header
  - migrations/: Event migrations between model versions
  - notification/: Broadcast notifications between services
  - offload/: Offloading of large message contents to shared storage
  - quality/: Data quality issues
  - status/: Heartbeats and job step progress
  - topology/: Exchanges, queues and routing keys
*/
package runtime
