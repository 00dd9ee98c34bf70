// Package gobflow runs the services of a registrations pipeline on top of a
// message broker. A service is a set of handlers, each listening on one queue
// of the workflow topology and reporting its result message to the next step.
//
// Config selects the broker (RabbitMQ, AWS SNS/SQS or an in-process memory
// broker) and the shared directory used to offload large message contents.
// NewService validates the service definitions against the topology, and
// Start declares the exchanges and queues, connects the workers and keeps
// them alive until the context is cancelled:
//
//	conf, err := gobflow.ConfigFromEnv()
//	if err != nil {
//		return err
//	}
//	svc, err := gobflow.NewService(ctx, "importer", conf, logger, map[string]gobflow.ServiceDefinition{
//		"import": {
//			Queue:   "gob.workflow.import",
//			Handler: handleImport,
//			Report:  &gobflow.Report{Exchange: gobflow.WorkflowExchange, Key: "import.result"},
//		},
//	}, gobflow.ServiceDependencies{})
//	if err != nil {
//		return err
//	}
//	return svc.Start(ctx)
//
// # Message handling
//
// Every delivery is decoded, its offloaded contents are loaded and the handler
// runs with a MessageContext carrying the message and a MessageLogger. The
// result is offloaded when large, published to the report destination and
// acknowledged. A handler that fails the first time makes the process exit so
// the message is redelivered to a fresh instance; a redelivered message that
// fails again is dropped.
//
// Progress of job steps and worker heartbeats go to the gob.status exchange,
// log records and audit messages to gob.log. Data quality issues raised while
// handling are written to a shared file and announced with an issue.request.
//
// # Middleware
//
// The default middleware chain logs messages, wraps handlers in an
// OpenTelemetry span, records Prometheus metrics and recovers panics. Custom
// middleware can be added via ServiceDependencies.Middlewares.
//
// # Job Hooks
//
// JobHooks provide OnJobStart, OnJobDone, OnJobError and OnJobRejected
// callbacks. ProgressHooks and LoggingHooks are always installed; add your
// own through ServiceDependencies.Hooks.
//
// # Standalone runs
//
// NewStandaloneCommand builds a cobra command that runs one handler once,
// without a broker, and writes the result message to Config.XComPath.
package gobflow
