package events

import (
	"context"
	"iter"
)

// Query selects the stored events of one entity.
type Query struct {
	Catalogue  string
	Collection string
	SourceID   string
}

// Reader yields stored events in the order they were applied. A query
// without matches yields nothing.
type Reader interface {
	ReadEvents(ctx context.Context, q Query) iter.Seq2[Event, error]
}

// Migrator brings an event to a model version.
type Migrator interface {
	Migrate(ev Event, targetVersion string) (Event, error)
}

// Replay rebuilds an entity from its stored events with an Applier without
// schema.
func Replay(ctx context.Context, reader Reader, migrator Migrator, q Query, version string) (Entity, bool, error) {
	return Applier{}.Replay(ctx, reader, migrator, q, version)
}

// Replay rebuilds the entity selected by q. Events of another version are
// migrated to version first when a migrator is given. found is false when no
// event applied to the entity.
func (a Applier) Replay(ctx context.Context, reader Reader, migrator Migrator, q Query, version string) (entity Entity, found bool, err error) {
	entity = Entity{}
	for ev, err := range reader.ReadEvents(ctx, q) {
		if err != nil {
			return nil, false, err
		}
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		if migrator != nil && version != "" && ev.Version != version {
			if ev, err = migrator.Migrate(ev, version); err != nil {
				return nil, false, err
			}
		}

		expanded, err := Expand(ev)
		if err != nil {
			return nil, false, err
		}
		for _, e := range expanded {
			if q.SourceID != "" && e.SourceID != q.SourceID {
				continue
			}
			if err := a.Apply(e, entity); err != nil {
				return nil, false, err
			}
			found = true
		}
	}
	if !found {
		return nil, false, nil
	}
	return entity, true, nil
}
