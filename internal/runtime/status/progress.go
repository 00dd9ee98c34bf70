package status

import (
	"context"
	"time"

	loggingpkg "github.com/drblury/gobflow/internal/runtime/logging"
	messagepkg "github.com/drblury/gobflow/internal/runtime/message"
	"github.com/drblury/gobflow/internal/runtime/topology"
)

// Step is the progress state of a job step.
type Step string

const (
	StepStart    Step = "START"
	StepEnd      Step = "END"
	StepFail     Step = "FAIL"
	StepRejected Step = "REJECTED"
)

// Progress is published on the status exchange with key "progress".
type Progress struct {
	JobID     string         `json:"jobid"`
	StepID    string         `json:"stepid"`
	Status    Step           `json:"status"`
	Info      map[string]any `json:"info,omitempty"`
	Timestamp string         `json:"timestamp"`
}

// Reporter publishes step progress for messages that carry job and step ids.
type Reporter struct {
	pub Publisher
	log loggingpkg.ServiceLogger
	now func() time.Time
}

func NewReporter(pub Publisher, log loggingpkg.ServiceLogger) *Reporter {
	if log == nil {
		log = loggingpkg.NewNopLogger()
	}
	return &Reporter{pub: pub, log: log, now: time.Now}
}

// Report publishes status for the job step identified by header. It returns
// false without publishing when the header lacks a job or step id.
func (r *Reporter) Report(ctx context.Context, header messagepkg.Header, status Step, info map[string]any) bool {
	if r == nil || !header.Has(messagepkg.HeaderJobID) || !header.Has(messagepkg.HeaderStepID) {
		return false
	}
	send(ctx, r.pub, r.log, topology.ProgressKey, Progress{
		JobID:     header.JobID(),
		StepID:    header.StepID(),
		Status:    status,
		Info:      info,
		Timestamp: r.now().UTC().Format(time.RFC3339Nano),
	})
	return true
}
