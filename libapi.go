package gobflow

import (
	runtimepkg "github.com/drblury/gobflow/internal/runtime"
	configpkg "github.com/drblury/gobflow/internal/runtime/config"
	errspkg "github.com/drblury/gobflow/internal/runtime/errors"
	"github.com/drblury/gobflow/internal/runtime/events"
	idspkg "github.com/drblury/gobflow/internal/runtime/ids"
	jsoncodec "github.com/drblury/gobflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/gobflow/internal/runtime/logging"
	messagepkg "github.com/drblury/gobflow/internal/runtime/message"
	"github.com/drblury/gobflow/internal/runtime/migrations"
	"github.com/drblury/gobflow/internal/runtime/notification"
	"github.com/drblury/gobflow/internal/runtime/quality"
	"github.com/drblury/gobflow/internal/runtime/topology"

	// Register the built-in brokers and notification transports.
	_ "github.com/drblury/gobflow/broker/brokers"
	_ "github.com/drblury/gobflow/transport/transports"
)

type (
	Config              = configpkg.Config
	Service             = runtimepkg.Service
	ServiceDependencies = runtimepkg.ServiceDependencies
	ServiceDefinition   = runtimepkg.ServiceDefinition
	Report              = runtimepkg.Report
	HandlerFunc         = runtimepkg.HandlerFunc
	MessageContext      = runtimepkg.MessageContext

	MiddlewareBuilder      = runtimepkg.MiddlewareBuilder
	MiddlewareRegistration = runtimepkg.MiddlewareRegistration

	Message      = messagepkg.Message
	Header       = messagepkg.Header
	Summary      = messagepkg.Summary
	Notification = messagepkg.Notification

	LogFields     = loggingpkg.LogFields
	ServiceLogger = loggingpkg.ServiceLogger
	MessageLogger = loggingpkg.MessageLogger
	LogLevel      = loggingpkg.Level

	Issue = quality.Issue
	Check = quality.Check

	Topology = topology.Topology

	Event             = events.Event
	Entity            = events.Entity
	Modification      = events.Modification
	EventNotification = notification.EventNotification

	NotificationBus      = notification.Bus
	NotificationOptions  = notification.Options
	NotificationDelivery = notification.Delivery
	Migrator          = migrations.Migrator

	Runner    = runtimepkg.Runner
	RunParams = runtimepkg.RunParams

	ServiceInfo           = runtimepkg.ServiceInfo
	ServiceStats          = runtimepkg.ServiceStats
	ConfigValidationError = errspkg.ConfigValidationError

	// Job lifecycle hooks
	JobContext = runtimepkg.JobContext
	JobHooks   = runtimepkg.JobHooks

	// Error classification
	ErrorClassifier = runtimepkg.ErrorClassifier
	ErrorCategory   = runtimepkg.ErrorCategory
)

var (
	NewService     = runtimepkg.NewService
	ConfigFromEnv  = configpkg.FromEnv
	DefaultConfig  = configpkg.Default
	ValidateConfig = configpkg.ValidateConfig

	DefaultMiddlewares    = runtimepkg.DefaultMiddlewares
	LogMessagesMiddleware = runtimepkg.LogMessagesMiddleware
	TracerMiddleware      = runtimepkg.TracerMiddleware
	MetricsMiddleware     = runtimepkg.MetricsMiddleware
	RecovererMiddleware   = runtimepkg.RecovererMiddleware

	// Job lifecycle hooks
	ProgressHooks = runtimepkg.ProgressHooks
	LoggingHooks  = runtimepkg.LoggingHooks
	MetricsHooks  = runtimepkg.MetricsHooks
	AlertingHooks = runtimepkg.AlertingHooks

	// Standalone runs
	NewRunner              = runtimepkg.NewRunner
	NewStandaloneCommand   = runtimepkg.NewStandaloneCommand
	ExitCode               = runtimepkg.ExitCode
	NewMessage             = messagepkg.New
	NewHeader              = messagepkg.NewHeader
	EncodeMessage          = messagepkg.Encode
	DecodeMessage          = messagepkg.Decode
	MessageLoggerFromCtx   = loggingpkg.FromContext
	NewIssue               = quality.NewIssue
	RegisterCheck          = quality.RegisterCheck
	DefaultTopology        = topology.Default
	LoadTopology           = topology.Load
	NewNotificationBus     = notification.NewBus
	Listen                 = notification.Listen
	RegisterNotification   = notification.RegisterType
	NewEventNotification   = notification.NewEventNotification
	ParseEventNotification = notification.ParseEventNotification
	EventFor               = events.EventFor
	ApplyEvent             = events.Apply
	Replay                 = events.Replay
	DefaultMigrator        = migrations.Default

	ErrReject             = runtimepkg.ErrReject
	ErrUnknownHandler     = runtimepkg.ErrUnknownHandler
	ErrServiceRequired    = errspkg.ErrServiceRequired
	ErrHandlerRequired    = errspkg.ErrHandlerRequired
	ErrQueueRequired      = errspkg.ErrQueueRequired
	ErrRoutingKeyRequired = errspkg.ErrRoutingKeyRequired
	ErrConfigRequired     = errspkg.ErrConfigRequired
	ErrLoggerRequired     = errspkg.ErrLoggerRequired
	ErrUnknownQueue       = errspkg.ErrUnknownQueue
	ErrUnboundRoutingKey  = errspkg.ErrUnboundRoutingKey

	NewSlogServiceLogger      = loggingpkg.NewSlogServiceLogger
	NewWatermillServiceLogger = loggingpkg.NewWatermillServiceLogger
	NewNopLogger              = loggingpkg.NewNopLogger

	CreateULID   = idspkg.CreateULID
	NewProcessID = idspkg.NewProcessID

	Marshal       = jsoncodec.Marshal
	MarshalIndent = jsoncodec.MarshalIndent
	Unmarshal     = jsoncodec.Unmarshal
)

// Broker types accepted by Config.BrokerType.
const (
	BrokerRabbitMQ = configpkg.BrokerRabbitMQ
	BrokerAWS      = configpkg.BrokerAWS
	BrokerMemory   = configpkg.BrokerMemory
)

// Exchanges of the default topology.
const (
	WorkflowExchange = topology.WorkflowExchange
	LogExchange      = topology.LogExchange
	StatusExchange   = topology.StatusExchange
)

// Levels of the message logger.
const (
	LevelDebug       = loggingpkg.LevelDebug
	LevelInfo        = loggingpkg.LevelInfo
	LevelWarning     = loggingpkg.LevelWarning
	LevelError       = loggingpkg.LevelError
	LevelDataInfo    = loggingpkg.LevelDataInfo
	LevelDataWarning = loggingpkg.LevelDataWarning
	LevelDataError   = loggingpkg.LevelDataError
)

// Standalone exit codes.
const (
	ExitOK          = runtimepkg.ExitOK
	ExitDataErrors  = runtimepkg.ExitDataErrors
	ExitInfraFailed = runtimepkg.ExitInfraFailed
)

// Error category constants for ErrorClassifier.
const (
	ErrorCategoryNone      = runtimepkg.ErrorCategoryNone
	ErrorCategoryOffload   = runtimepkg.ErrorCategoryOffload
	ErrorCategoryOutOfSync = runtimepkg.ErrorCategoryOutOfSync
	ErrorCategoryMigration = runtimepkg.ErrorCategoryMigration
	ErrorCategoryPanic     = runtimepkg.ErrorCategoryPanic
	ErrorCategoryOther     = runtimepkg.ErrorCategoryOther
)
