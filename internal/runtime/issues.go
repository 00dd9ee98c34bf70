package runtime

import (
	"context"

	loggingpkg "github.com/drblury/gobflow/internal/runtime/logging"
	messagepkg "github.com/drblury/gobflow/internal/runtime/message"
	"github.com/drblury/gobflow/internal/runtime/offload"
	"github.com/drblury/gobflow/internal/runtime/quality"
	"github.com/drblury/gobflow/internal/runtime/status"
	"github.com/drblury/gobflow/internal/runtime/topology"
)

// IssuePipeline turns the issues raised while handling a message into a
// quality update request on the workflow exchange.
type IssuePipeline struct {
	store *offload.Store
	pub   status.Publisher
	log   loggingpkg.ServiceLogger
}

func NewIssuePipeline(store *offload.Store, pub status.Publisher, log loggingpkg.ServiceLogger) *IssuePipeline {
	if log == nil {
		log = loggingpkg.NewNopLogger()
	}
	return &IssuePipeline{store: store, pub: pub, log: log}
}

// Process writes issues to an offload file and publishes the quality update
// for the message identified by header. A functional step without issues
// still sends a reference to an empty list, which the quality service
// removes like any other offload file. Failures are logged, never returned;
// the result reports whether an update was published.
func (p *IssuePipeline) Process(ctx context.Context, step string, header messagepkg.Header, issues []quality.Issue) bool {
	if !quality.ShouldSend(header, step, len(issues)) {
		return false
	}
	fields := loggingpkg.LogFields{
		"process_id": header.ProcessID(),
		"catalogue":  header.Catalogue(),
		"collection": header.Collection(),
		"issues":     len(issues),
	}

	ref, count, err := p.store.WriteContents(nil, func(w *offload.ContentsWriter) error {
		for _, issue := range issues {
			if err := w.Write(issue.ToMap()); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		p.log.Error("Failed to write issues", err, fields)
		return false
	}

	body, err := messagepkg.Encode(quality.Update(header, ref, count))
	if err == nil {
		err = p.pub.Publish(ctx, topology.WorkflowExchange, quality.RequestKey, body)
	}
	if err != nil {
		p.log.Error("Failed to publish quality update", err, fields)
		p.store.Remove(ref)
		return false
	}
	p.log.Debug("Published quality update", fields)
	return true
}
