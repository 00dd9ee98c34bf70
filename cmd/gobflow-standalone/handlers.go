package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/drblury/gobflow/internal/runtime"
	"github.com/drblury/gobflow/internal/runtime/events"
	loggingpkg "github.com/drblury/gobflow/internal/runtime/logging"
	messagepkg "github.com/drblury/gobflow/internal/runtime/message"
	"github.com/drblury/gobflow/internal/runtime/migrations"
	"github.com/drblury/gobflow/internal/runtime/notification"
)

func definitions() map[string]runtime.ServiceDefinition {
	return map[string]runtime.ServiceDefinition{
		"echo": {
			Queue:   "gob.workflow.request",
			Handler: echo,
		},
		"apply": {
			Queue:   "gob.workflow.apply",
			Key:     "apply.request",
			Handler: applyEvents,
			Args:    []string{"version"},
		},
	}
}

func echo(_ context.Context, mc *runtime.MessageContext) (*messagepkg.Message, error) {
	mc.Logger.Info("Echo", loggingpkg.LogFields{"process_id": mc.Message.Header.ProcessID()})
	return messagepkg.New(mc.Message.Header.Clone(), mc.Message.Contents), nil
}

// applyEvents applies a list of events to empty entities and reports the
// applied events per action. Events are migrated to the version header first
// when one is given. Broken events are data errors and skipped.
func applyEvents(_ context.Context, mc *runtime.MessageContext) (*messagepkg.Message, error) {
	var items []any
	switch c := mc.Message.Contents.(type) {
	case nil:
	case []any:
		items = c
	default:
		return nil, fmt.Errorf("apply: contents must be a list of events, got %T", c)
	}

	migrator, err := migrations.Default()
	if err != nil {
		return nil, err
	}
	target := mc.Message.Header.Get("version")

	entities := map[string]events.Entity{}
	var applied []events.Event
	var lastEvent any
	for i, item := range items {
		ev, err := parseEvent(item)
		if err != nil {
			mc.Logger.DataError("Skipping malformed event", loggingpkg.LogFields{"index": i, "error": err.Error()})
			continue
		}
		if target != "" {
			if ev, err = migrator.Migrate(ev, target); err != nil {
				mc.Logger.DataError("Cannot migrate event", loggingpkg.LogFields{"index": i, "error": err.Error()})
				continue
			}
		}
		expanded, err := events.Expand(ev)
		if err != nil {
			mc.Logger.DataError("Skipping malformed event", loggingpkg.LogFields{"index": i, "error": err.Error()})
			continue
		}
		for _, e := range expanded {
			entity, ok := entities[e.SourceID]
			if !ok {
				entity = events.Entity{}
				entities[e.SourceID] = entity
			}
			if err := events.Apply(e, entity); err != nil {
				var oos *events.OutOfSyncError
				if errors.As(err, &oos) {
					mc.Logger.DataWarning("Event out of sync", loggingpkg.LogFields{"source_id": oos.SourceID, "key": oos.Key})
				} else {
					mc.Logger.DataError("Cannot apply event", loggingpkg.LogFields{"source_id": e.SourceID, "error": err.Error()})
				}
				continue
			}
			applied = append(applied, e)
			if e.ID != 0 {
				lastEvent = e.ID
			}
		}
	}

	counts := events.Applied(applied)
	mc.Logger.Info("Applied events", loggingpkg.LogFields{"events": len(applied), "entities": len(entities)})

	result := messagepkg.New(mc.Message.Header.Clone(), map[string]any{
		"applied":  counts,
		"entities": len(entities),
	})
	result.Notification = notification.NewEventNotification(counts, nil, lastEvent).Notification()
	return result, nil
}

func parseEvent(item any) (events.Event, error) {
	raw, ok := item.(map[string]any)
	if !ok {
		return events.Event{}, fmt.Errorf("%w: expected an object, got %T", events.ErrInvalidEvent, item)
	}
	return events.FromMap(raw)
}
