package datastore

import (
	"context"
	"iter"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/drblury/gobflow/internal/runtime/events"
	"github.com/drblury/gobflow/internal/runtime/notification"
)

// Memory is an in-process store of tables and events.
type Memory struct {
	mu     sync.RWMutex
	tables map[string][]Row
	events []events.Event
	lastID int64
	now    func() time.Time
}

// NewMemory returns an empty store. now stamps appended events; time.Now
// when nil.
func NewMemory(now func() time.Time) *Memory {
	if now == nil {
		now = time.Now
	}
	return &Memory{tables: map[string][]Row{}, now: now}
}

func (m *Memory) ListTables(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.tables)), nil
}

func (m *Memory) WriteRows(ctx context.Context, table string, rows iter.Seq[Row]) (int, error) {
	var batch []Row
	for row := range rows {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		batch = append(batch, maps.Clone(row))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[table] = append(m.tables[table], batch...)
	return len(batch), nil
}

func (m *Memory) Delete(ctx context.Context, table string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tables[table]; !ok {
		return ErrUnknownTable
	}
	delete(m.tables, table)
	return nil
}

// Query yields the rows of the table named by query.
func (m *Memory) Query(ctx context.Context, query string) iter.Seq2[Row, error] {
	m.mu.RLock()
	rows := slices.Clone(m.tables[query])
	m.mu.RUnlock()
	return func(yield func(Row, error) bool) {
		for _, row := range rows {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			if !yield(maps.Clone(row), nil) {
				return
			}
		}
	}
}

// AppendEvents stores evs, assigning ids and timestamps where missing.
func (m *Memory) AppendEvents(ctx context.Context, evs ...events.Event) ([]events.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appendLocked(evs), nil
}

func (m *Memory) appendLocked(evs []events.Event) []events.Event {
	stored := make([]events.Event, len(evs))
	for i, ev := range evs {
		ev = ev.Clone()
		m.lastID++
		ev.ID = m.lastID
		if ev.Timestamp.IsZero() {
			ev.Timestamp = m.now()
		}
		m.events = append(m.events, ev)
		stored[i] = ev
	}
	return stored
}

// StoreBatch appends a batch of events and describes it as the notification
// a handler attaches to its result. Last event ids are nil when there is none.
func (m *Memory) StoreBatch(ctx context.Context, evs []events.Event) (notification.EventNotification, error) {
	if err := ctx.Err(); err != nil {
		return notification.EventNotification{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var before any
	if m.lastID != 0 {
		before = m.lastID
	}
	stored := m.appendLocked(evs)
	after := before
	if len(stored) > 0 {
		after = stored[len(stored)-1].ID
	}
	return notification.NewEventNotification(events.Applied(stored), before, after), nil
}

// LastEventID is the id of the most recently stored event, 0 when empty.
func (m *Memory) LastEventID() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.lastID
}

// ReadEvents yields the events of q in storage order. Bulk confirms of the
// collection are included whenever they may name the entity.
func (m *Memory) ReadEvents(ctx context.Context, q events.Query) iter.Seq2[events.Event, error] {
	m.mu.RLock()
	var matched []events.Event
	for _, ev := range m.events {
		if q.Catalogue != "" && ev.Catalogue != q.Catalogue {
			continue
		}
		if q.Collection != "" && ev.Collection != q.Collection {
			continue
		}
		if q.SourceID != "" && ev.SourceID != q.SourceID && ev.Action != events.ActionBulkConfirm {
			continue
		}
		matched = append(matched, ev.Clone())
	}
	m.mu.RUnlock()

	return func(yield func(events.Event, error) bool) {
		for _, ev := range matched {
			if err := ctx.Err(); err != nil {
				yield(events.Event{}, err)
				return
			}
			if !yield(ev, nil) {
				return
			}
		}
	}
}
