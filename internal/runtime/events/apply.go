package events

import (
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/drblury/gobflow/internal/runtime/gobtypes"
)

// OutOfSyncError reports a MODIFY whose old value does not match the entity
// it is applied to. The entity is left unchanged.
type OutOfSyncError struct {
	SourceID string
	Key      string
	Expected any
	Actual   any
}

func (e *OutOfSyncError) Error() string {
	return fmt.Sprintf("gobflow: entity %q out of sync on %q: event expects %v, entity has %v", e.SourceID, e.Key, e.Expected, e.Actual)
}

// Schema maps attribute names to their value kind. Attributes not in the
// schema have their kind inferred.
type Schema map[string]gobtypes.Kind

// Applier applies events to entities.
type Applier struct {
	Schema Schema
	// Now stamps events without a timestamp; time.Now when nil.
	Now func() time.Time
}

// Apply applies ev to entity with an Applier without schema.
func Apply(ev Event, entity Entity) error {
	return Applier{}.Apply(ev, entity)
}

// Apply changes entity in place. It either applies the whole event or
// returns an error without touching entity.
func (a Applier) Apply(ev Event, entity Entity) error {
	if entity == nil {
		return ErrEntityRequired
	}
	ts := a.timestamp(ev)

	switch ev.Action {
	case ActionAdd:
		staged := make(Entity, len(ev.Attributes())+2)
		for key, raw := range ev.Attributes() {
			v, err := a.coerce(key, raw)
			if err != nil {
				return err
			}
			staged[key] = v
		}
		staged[FieldDateDeleted] = nil
		staged[FieldDateCreated] = ts
		maps.Copy(entity, staged)

	case ActionModify:
		mods, err := ev.Modifications()
		if err != nil {
			return err
		}
		staged := make(Entity, len(mods)+2)
		for _, m := range mods {
			current := entity[m.Key]
			if !gobtypes.EqualRaw(current, m.OldValue) {
				return &OutOfSyncError{SourceID: ev.SourceID, Key: m.Key, Expected: m.OldValue, Actual: current}
			}
			v, err := a.coerce(m.Key, m.NewValue)
			if err != nil {
				return err
			}
			staged[m.Key] = v
		}
		if hash, ok := ev.Data[FieldHash]; ok {
			staged[FieldHash] = hash
		}
		staged[FieldDateModified] = ts
		maps.Copy(entity, staged)

	case ActionDelete:
		entity[FieldDateDeleted] = ts

	case ActionConfirm, ActionBulkConfirm:
		entity[FieldDateConfirmed] = ts

	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, ev.Action)
	}

	if ev.ID != 0 {
		entity[FieldLastEvent] = ev.ID
	}
	return nil
}

func (a Applier) timestamp(ev Event) time.Time {
	if !ev.Timestamp.IsZero() {
		return ev.Timestamp
	}
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

// coerce keeps bookkeeping attributes as they are and converts the rest to
// typed values.
func (a Applier) coerce(key string, raw any) (any, error) {
	if strings.HasPrefix(key, "_") {
		return raw, nil
	}
	var (
		v   gobtypes.Value
		err error
	)
	if kind, ok := a.Schema[key]; ok {
		v, err = gobtypes.CoerceAs(kind, raw)
	} else {
		v, err = gobtypes.Coerce(raw)
	}
	if err != nil {
		return nil, fmt.Errorf("gobflow: attribute %q: %w", key, err)
	}
	if v == nil {
		return nil, nil
	}
	return v, nil
}

// Expand splits a BULKCONFIRM event into one CONFIRM per entity. Other
// events are returned as is.
func Expand(ev Event) ([]Event, error) {
	if ev.Action != ActionBulkConfirm {
		return []Event{ev}, nil
	}
	confirms, err := ev.Confirms()
	if err != nil {
		return nil, err
	}
	out := make([]Event, len(confirms))
	for i, c := range confirms {
		confirm := ev
		confirm.Action = ActionConfirm
		confirm.SourceID = c.SourceID
		confirm.Data = map[string]any{FieldSourceID: c.SourceID, FieldLastEvent: c.LastEvent}
		out[i] = confirm
	}
	return out, nil
}
