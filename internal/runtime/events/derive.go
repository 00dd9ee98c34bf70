package events

import (
	errspkg "github.com/drblury/gobflow/internal/runtime/errors"
)

// EventFor derives the event that turns oldEntity into newEntity. A nil
// oldEntity means the entity is new; a nil newEntity means it disappeared
// from the source.
func EventFor(oldEntity, newEntity map[string]any, modifications []Modification, version string) (Event, error) {
	switch {
	case oldEntity == nil && newEntity == nil:
		return Event{}, errspkg.ErrNoEntity
	case oldEntity == nil:
		data := cloneMap(newEntity)
		data[FieldLastEvent] = nil
		return Event{Action: ActionAdd, SourceID: stringOf(newEntity[FieldSourceID]), Data: data, Version: version}, nil
	case newEntity == nil:
		return Event{
			Action:   ActionDelete,
			SourceID: stringOf(oldEntity[FieldSourceID]),
			Data:     map[string]any{FieldSourceID: oldEntity[FieldSourceID], FieldLastEvent: oldEntity[FieldLastEvent]},
			Version:  version,
		}, nil
	case len(modifications) == 0:
		return Event{
			Action:   ActionConfirm,
			SourceID: stringOf(newEntity[FieldSourceID]),
			Data:     map[string]any{FieldSourceID: newEntity[FieldSourceID], FieldLastEvent: oldEntity[FieldLastEvent]},
			Version:  version,
		}, nil
	default:
		data := cloneMap(newEntity)
		mods := make([]any, len(modifications))
		for i, m := range modifications {
			mods[i] = m.toMap()
		}
		data[DataModifications] = mods
		data[FieldLastEvent] = oldEntity[FieldLastEvent]
		data[FieldHash] = newEntity[FieldHash]
		return Event{Action: ActionModify, SourceID: stringOf(newEntity[FieldSourceID]), Data: data, Version: version}, nil
	}
}

// BulkConfirm folds confirms of one collection into a single event.
func BulkConfirm(confirms []Confirm, version string) Event {
	list := make([]any, len(confirms))
	for i, c := range confirms {
		list[i] = map[string]any{"source_id": c.SourceID, "last_event": c.LastEvent}
	}
	return Event{Action: ActionBulkConfirm, Data: map[string]any{DataConfirms: list}, Version: version}
}

// Applied counts events per action. Bulk confirms count each confirmed
// entity as a CONFIRM.
func Applied(evs []Event) map[string]int {
	counts := map[string]int{}
	for _, ev := range evs {
		if ev.Action == ActionBulkConfirm {
			confirms, _ := ev.Confirms()
			counts[string(ActionConfirm)] += len(confirms)
			continue
		}
		counts[string(ev.Action)]++
	}
	return counts
}
