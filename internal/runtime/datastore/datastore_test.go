package datastore

import (
	"context"
	"slices"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/gobflow/internal/runtime/events"
	"github.com/drblury/gobflow/internal/runtime/migrations"
)

var fixedTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type readOnly struct{ events.Reader }

func TestCapabilitiesOf(t *testing.T) {
	assert.Equal(t, Capabilities{List: true, Put: true, Delete: true, Query: true, ReadEvents: true, WriteEvents: true},
		CapabilitiesOf(NewMemory(nil)))
	assert.Equal(t, Capabilities{ReadEvents: true}, CapabilitiesOf(readOnly{}))
	assert.Equal(t, Capabilities{}, CapabilitiesOf(struct{}{}))
}

func TestMemoryTables(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(nil)

	n, err := store.WriteRows(ctx, "buurten", slices.Values([]Row{{"code": "A00a"}, {"code": "A00b"}}))
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	_, err = store.WriteRows(ctx, "wijken", slices.Values([]Row{{"code": "A00"}}))
	require.NoError(t, err)

	tables, err := store.ListTables(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"buurten", "wijken"}, tables)

	var codes []any
	for row, err := range store.Query(ctx, "buurten") {
		require.NoError(t, err)
		codes = append(codes, row["code"])
	}
	assert.Equal(t, []any{"A00a", "A00b"}, codes)

	for range store.Query(ctx, "missing") {
		t.Fatal("unknown table yields no rows")
	}

	require.NoError(t, store.Delete(ctx, "wijken"))
	assert.ErrorIs(t, store.Delete(ctx, "wijken"), ErrUnknownTable)
}

func TestStoreBatchDescribesNotification(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(func() time.Time { return fixedTime })

	first, err := store.StoreBatch(ctx, []events.Event{
		{Action: events.ActionAdd, SourceID: "s1", Catalogue: "gebieden", Collection: "buurten"},
		{Action: events.ActionAdd, SourceID: "s2", Catalogue: "gebieden", Collection: "buurten"},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"ADD": 2}, first.Applied)
	assert.Nil(t, first.LastEvent.Before)
	assert.Equal(t, int64(2), first.LastEvent.After)

	second, err := store.StoreBatch(ctx, []events.Event{
		events.BulkConfirm([]events.Confirm{{SourceID: "s1"}, {SourceID: "s2"}}, "0.1"),
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]int{"CONFIRM": 2}, second.Applied)
	assert.Equal(t, int64(2), second.LastEvent.Before)
	assert.Equal(t, int64(3), second.LastEvent.After)
	assert.Equal(t, int64(3), store.LastEventID())

	empty, err := store.StoreBatch(ctx, nil)
	require.NoError(t, err)
	assert.Equal(t, empty.LastEvent.Before, empty.LastEvent.After)
}

func TestReplayMigratesStoredEvents(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(func() time.Time { return fixedTime })
	migrator := migrations.New([]migrations.Migration{{
		Catalogue: "gebieden", Collection: "buurten", Version: "0.1", TargetVersion: "0.2",
		Conversions: []migrations.Conversion{{"action": "rename", "old_column": "ligt_in_wijk", "new_column": "wijk"}},
	}})

	add, err := events.EventFor(nil, map[string]any{"_source_id": "s1", "ligt_in_wijk": "A00"}, nil, "0.1")
	require.NoError(t, err)
	add.Catalogue, add.Collection = "gebieden", "buurten"
	other, err := events.EventFor(nil, map[string]any{"_source_id": "s2", "ligt_in_wijk": "A01"}, nil, "0.2")
	require.NoError(t, err)
	other.Catalogue, other.Collection = "gebieden", "buurten"
	_, err = store.AppendEvents(ctx, add, other)
	require.NoError(t, err)

	entity, found, err := events.Replay(ctx, store, migrator, events.Query{Catalogue: "gebieden", Collection: "buurten", SourceID: "s1"}, "0.2")
	require.NoError(t, err)
	require.True(t, found)
	assert.NotContains(t, entity, "ligt_in_wijk")
	assert.EqualValues(t, "A00", entity["wijk"].(interface{ Raw() any }).Raw())
	assert.Equal(t, "0.2", entity["_version"])
	assert.Equal(t, int64(1), entity[events.FieldLastEvent])

	_, found, err = events.Replay(ctx, store, migrator, events.Query{SourceID: "unknown"}, "0.2")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestReplaySurfacesMissingMigration(t *testing.T) {
	ctx := context.Background()
	store := NewMemory(nil)
	_, err := store.AppendEvents(ctx, events.Event{Action: events.ActionAdd, SourceID: "s1", Catalogue: "brk", Collection: "kot", Version: "0.1", Data: map[string]any{}})
	require.NoError(t, err)

	_, _, err = events.Replay(ctx, store, migrations.New(nil), events.Query{SourceID: "s1"}, "0.2")
	var missing *migrations.MissingLinkError
	assert.ErrorAs(t, err, &missing)
}

func TestCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	store := NewMemory(nil)

	_, err := store.AppendEvents(ctx, events.Event{Action: events.ActionAdd})
	assert.ErrorIs(t, err, context.Canceled)
	_, err = store.StoreBatch(ctx, nil)
	assert.ErrorIs(t, err, context.Canceled)
}
