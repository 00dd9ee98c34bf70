// Package events derives change events from entity snapshots, applies them to
// entities and replays stored events into current state.
package events

import (
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/drblury/gobflow/internal/runtime/jsoncodec"
)

// Action is the kind of change an event records.
type Action string

const (
	ActionAdd         Action = "ADD"
	ActionModify      Action = "MODIFY"
	ActionDelete      Action = "DELETE"
	ActionConfirm     Action = "CONFIRM"
	ActionBulkConfirm Action = "BULKCONFIRM"
)

// Entity attributes maintained by the event model.
const (
	FieldSourceID      = "_source_id"
	FieldLastEvent     = "_last_event"
	FieldHash          = "_hash"
	FieldVersion       = "_version"
	FieldDateCreated   = "_date_created"
	FieldDateModified  = "_date_modified"
	FieldDateConfirmed = "_date_confirmed"
	FieldDateDeleted   = "_date_deleted"
)

// Keys inside event data.
const (
	DataModifications = "modifications"
	DataConfirms      = "confirms"
	DataEntity        = "entity"
)

var (
	ErrUnknownAction  = errors.New("gobflow: unknown event action")
	ErrInvalidEvent   = errors.New("gobflow: invalid event")
	ErrEntityRequired = errors.New("gobflow: entity is required")
)

// Event is a single change to one entity, or a batch of confirms.
type Event struct {
	ID             int64
	Action         Action
	SourceID       string
	EntitySourceID string
	Data           map[string]any
	Version        string
	Timestamp      time.Time
	Application    string
	Catalogue      string
	Collection     string
}

// Modification is one attribute change of a MODIFY event.
type Modification struct {
	Key      string
	OldValue any
	NewValue any
}

func (m Modification) toMap() map[string]any {
	return map[string]any{"key": m.Key, "old_value": m.OldValue, "new_value": m.NewValue}
}

// Confirm names one entity confirmed by a BULKCONFIRM event.
type Confirm struct {
	SourceID  string
	LastEvent any
}

// Modifications returns the attribute changes carried by the event.
func (e Event) Modifications() ([]Modification, error) {
	raw, ok := e.Data[DataModifications]
	if !ok || raw == nil {
		return nil, nil
	}
	switch list := raw.(type) {
	case []Modification:
		return list, nil
	case []any:
		out := make([]Modification, 0, len(list))
		for i, item := range list {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, fmt.Errorf("%w: modification %d is %T", ErrInvalidEvent, i, item)
			}
			key, _ := m["key"].(string)
			if key == "" {
				return nil, fmt.Errorf("%w: modification %d has no key", ErrInvalidEvent, i)
			}
			out = append(out, Modification{Key: key, OldValue: m["old_value"], NewValue: m["new_value"]})
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: modifications is %T", ErrInvalidEvent, raw)
	}
}

// Confirms returns the entities confirmed by a BULKCONFIRM event.
func (e Event) Confirms() ([]Confirm, error) {
	list, ok := e.Data[DataConfirms].([]any)
	if !ok {
		return nil, nil
	}
	out := make([]Confirm, 0, len(list))
	for i, item := range list {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: confirm %d is %T", ErrInvalidEvent, i, item)
		}
		out = append(out, Confirm{SourceID: stringOf(m["source_id"]), LastEvent: m["last_event"]})
	}
	return out, nil
}

// Attributes returns the entity attributes of the event: data.entity when
// present, otherwise data itself.
func (e Event) Attributes() map[string]any {
	if entity, ok := e.Data[DataEntity].(map[string]any); ok {
		return entity
	}
	return e.Data
}

// LastEvent is the id of the event the change was derived against.
func (e Event) LastEvent() any {
	return e.Data[FieldLastEvent]
}

// Clone copies the event so data can be changed without touching e.
func (e Event) Clone() Event {
	e.Data = cloneMap(e.Data)
	return e
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch value := v.(type) {
	case map[string]any:
		return cloneMap(value)
	case []any:
		out := make([]any, len(value))
		for i, item := range value {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// ToMap renders the wire shape. Empty fields are omitted.
func (e Event) ToMap() map[string]any {
	out := map[string]any{
		"event": string(e.Action),
		"data":  e.Data,
	}
	if e.ID != 0 {
		out["eventid"] = e.ID
	}
	set := func(key, value string) {
		if value != "" {
			out[key] = value
		}
	}
	set("source_id", e.SourceID)
	set("entity_source_id", e.EntitySourceID)
	set("version", e.Version)
	set("application", e.Application)
	set("catalogue", e.Catalogue)
	set("entity", e.Collection)
	if !e.Timestamp.IsZero() {
		out["timestamp"] = e.Timestamp
	}
	return out
}

// FromMap parses the wire shape produced by ToMap.
func FromMap(in map[string]any) (Event, error) {
	action, _ := in["event"].(string)
	if action == "" {
		return Event{}, fmt.Errorf("%w: missing action", ErrInvalidEvent)
	}
	e := Event{
		Action:         Action(action),
		SourceID:       stringOf(in["source_id"]),
		EntitySourceID: stringOf(in["entity_source_id"]),
		Version:        stringOf(in["version"]),
		Application:    stringOf(in["application"]),
		Catalogue:      stringOf(in["catalogue"]),
		Collection:     stringOf(in["entity"]),
	}
	if data, ok := in["data"].(map[string]any); ok {
		e.Data = data
	}
	switch id := in["eventid"].(type) {
	case int64:
		e.ID = id
	case int:
		e.ID = int64(id)
	}
	switch ts := in["timestamp"].(type) {
	case time.Time:
		e.Timestamp = ts
	case string:
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return Event{}, fmt.Errorf("%w: timestamp: %v", ErrInvalidEvent, err)
		}
		e.Timestamp = t
	}
	return e, nil
}

func (e Event) MarshalJSON() ([]byte, error) {
	return jsoncodec.Marshal(e.ToMap())
}

func (e *Event) UnmarshalJSON(data []byte) error {
	v, err := jsoncodec.UnmarshalValue(data)
	if err != nil {
		return err
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return fmt.Errorf("%w: not an object", ErrInvalidEvent)
	}
	parsed, err := FromMap(obj)
	if err != nil {
		return err
	}
	*e = parsed
	return nil
}

// Entity is the attribute map events are applied to.
type Entity map[string]any

// Clone returns a shallow copy of the entity.
func (e Entity) Clone() Entity {
	return maps.Clone(e)
}

func stringOf(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprint(s)
	}
}
