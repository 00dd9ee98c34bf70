// Package datastore defines the capabilities a store can offer. Concrete
// stores implement only the interfaces they support; callers ask for a
// capability instead of assuming it.
package datastore

import (
	"context"
	"errors"
	"iter"

	"github.com/drblury/gobflow/internal/runtime/events"
)

// Row is one record read from or written to a store.
type Row = map[string]any

var ErrUnknownTable = errors.New("gobflow: unknown table")

// Lister lists the tables of a store.
type Lister interface {
	ListTables(ctx context.Context) ([]string, error)
}

// Putter writes rows into a table and reports how many were written.
type Putter interface {
	WriteRows(ctx context.Context, table string, rows iter.Seq[Row]) (int, error)
}

// Deleter removes a table with all its rows.
type Deleter interface {
	Delete(ctx context.Context, table string) error
}

// Querier runs a store specific query. No matches yield an empty sequence.
type Querier interface {
	Query(ctx context.Context, query string) iter.Seq2[Row, error]
}

// EventReader reads stored events.
type EventReader = events.Reader

// EventWriter stores events and assigns their ids.
type EventWriter interface {
	AppendEvents(ctx context.Context, evs ...events.Event) ([]events.Event, error)
}

// Capabilities is the set of interfaces a store implements.
type Capabilities struct {
	List        bool
	Put         bool
	Delete      bool
	Query       bool
	ReadEvents  bool
	WriteEvents bool
}

// CapabilitiesOf reports the interfaces implemented by store.
func CapabilitiesOf(store any) Capabilities {
	_, list := store.(Lister)
	_, put := store.(Putter)
	_, del := store.(Deleter)
	_, query := store.(Querier)
	_, read := store.(EventReader)
	_, write := store.(EventWriter)
	return Capabilities{
		List:        list,
		Put:         put,
		Delete:      del,
		Query:       query,
		ReadEvents:  read,
		WriteEvents: write,
	}
}
