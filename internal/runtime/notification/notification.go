// Package notification broadcasts the notifications carried by handler
// results and lets any number of listeners receive their own copy.
package notification

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	messagepkg "github.com/drblury/gobflow/internal/runtime/message"
)

// TopicPrefix prefixes the broadcast topic of every notification type.
const TopicPrefix = "gobflow-notification-"

// TypeEvents is the type of EventNotification.
const TypeEvents = "events"

var (
	ErrTypeRequired    = errors.New("gobflow: notification type is required")
	ErrUnexpectedType  = errors.New("gobflow: unexpected notification type")
	ErrMalformedEvents = errors.New("gobflow: malformed event notification")
)

var (
	typesMu  sync.RWMutex
	types    = []string{TypeEvents}
	watchers = map[int]func(string){}
	watchSeq int
)

// RegisterType adds a notification type that listeners subscribe to when
// they do not name types explicitly. Such listeners that are already running
// pick the new type up as well.
func RegisterType(name string) {
	typesMu.Lock()
	if name == "" || slices.Contains(types, name) {
		typesMu.Unlock()
		return
	}
	types = append(types, name)
	notify := make([]func(string), 0, len(watchers))
	for _, fn := range watchers {
		notify = append(notify, fn)
	}
	typesMu.Unlock()

	for _, fn := range notify {
		fn(name)
	}
}

// Types returns the registered notification types.
func Types() []string {
	typesMu.RLock()
	defer typesMu.RUnlock()
	return slices.Clone(types)
}

// watchTypes returns the registered types and calls fn for every type
// registered afterwards, until stop is called.
func watchTypes(fn func(string)) (current []string, stop func()) {
	typesMu.Lock()
	defer typesMu.Unlock()
	watchSeq++
	id := watchSeq
	watchers[id] = fn
	return slices.Clone(types), func() {
		typesMu.Lock()
		defer typesMu.Unlock()
		delete(watchers, id)
	}
}

// Topic returns the broadcast topic for a notification type.
func Topic(notificationType string) string {
	return TopicPrefix + notificationType
}

// EventNotification is sent after a batch of events has been stored. Applied
// counts the stored events per action.
type EventNotification struct {
	Applied   map[string]int
	LastEvent LastEvent
}

// LastEvent brackets the events stored by one batch: the id of the last
// event before the batch and the last one after it. Nil means none.
type LastEvent struct {
	Before any
	After  any
}

// NewEventNotification reports a stored batch of events.
func NewEventNotification(applied map[string]int, before, after any) EventNotification {
	return EventNotification{Applied: applied, LastEvent: LastEvent{Before: before, After: after}}
}

// Notification renders the notification attached to a handler result.
func (e EventNotification) Notification() *messagepkg.Notification {
	applied := make(map[string]any, len(e.Applied))
	for action, n := range e.Applied {
		applied[action] = int64(n)
	}
	return &messagepkg.Notification{
		Type: TypeEvents,
		Contents: map[string]any{
			"applied": applied,
			"last_event": map[string]any{
				"before": e.LastEvent.Before,
				"after":  e.LastEvent.After,
			},
		},
	}
}

// ParseEventNotification reads a received events notification.
func ParseEventNotification(n *messagepkg.Notification) (EventNotification, error) {
	if n == nil || n.Type != TypeEvents {
		return EventNotification{}, ErrUnexpectedType
	}
	contents, ok := n.Contents.(map[string]any)
	if !ok {
		return EventNotification{}, ErrMalformedEvents
	}

	out := EventNotification{Applied: map[string]int{}}
	if applied, ok := contents["applied"].(map[string]any); ok {
		for action, v := range applied {
			count, err := toInt(v)
			if err != nil {
				return EventNotification{}, fmt.Errorf("%w: applied[%s]: %v", ErrMalformedEvents, action, err)
			}
			out.Applied[action] = count
		}
	}
	if last, ok := contents["last_event"].(map[string]any); ok {
		out.LastEvent = LastEvent{Before: last["before"], After: last["after"]}
	}
	return out, nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, fmt.Errorf("not a count: %T", v)
	}
}
