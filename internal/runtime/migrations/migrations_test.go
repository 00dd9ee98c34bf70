package migrations

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/gobflow/internal/runtime/events"
)

func kotEvent(version string, entity map[string]any) events.Event {
	return events.Event{
		Action:     events.ActionAdd,
		Catalogue:  "brk",
		Collection: "kot",
		Version:    version,
		Data:       map[string]any{"entity": entity},
	}
}

func TestRename(t *testing.T) {
	m := New([]Migration{{
		Catalogue: "brk", Collection: "kot", Version: "0.1", TargetVersion: "0.2",
		Conversions: []Conversion{{"action": "rename", "old_column": "old", "new_column": "new"}},
	}})
	in := kotEvent("0.1", map[string]any{"old": "v", "_version": "0.1"})

	out, err := m.Migrate(in, "0.2")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"new": "v", "_version": "0.2"}, out.Data["entity"])
	assert.Equal(t, "0.2", out.Version)
	assert.Equal(t, map[string]any{"old": "v", "_version": "0.1"}, in.Data["entity"], "input is not modified")
}

func TestChainRenamesOncePerLink(t *testing.T) {
	m := New([]Migration{
		{Catalogue: "brk", Collection: "kot", Version: "0.1", TargetVersion: "0.2",
			Conversions: []Conversion{{"action": "rename", "old_column": "a", "new_column": "b"}}},
		{Catalogue: "brk", Collection: "kot", Version: "0.2", TargetVersion: "0.3",
			Conversions: []Conversion{{"action": "rename", "old_column": "b", "new_column": "c"}}},
	})

	out, err := m.Migrate(kotEvent("0.1", map[string]any{"a": int64(1), "keep": "x"}), "0.3")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"c": int64(1), "keep": "x", "_version": "0.3"}, out.Data["entity"])
}

func TestRenameFlatModifyEvent(t *testing.T) {
	m := New([]Migration{{
		Catalogue: "brk", Collection: "kot", Version: "0.1", TargetVersion: "0.2",
		Conversions: []Conversion{{"action": "rename", "old_column": "a", "new_column": "b"}},
	}})
	in := events.Event{
		Action: events.ActionModify, Catalogue: "brk", Collection: "kot", Version: "0.1",
		Data: map[string]any{
			"a":             int64(2),
			"modifications": []any{map[string]any{"key": "a", "old_value": int64(1), "new_value": int64(2)}},
		},
	}

	out, err := m.Migrate(in, "0.2")
	require.NoError(t, err)
	assert.Equal(t, int64(2), out.Data["b"])
	assert.NotContains(t, out.Data, "a")
	mods, err := out.Modifications()
	require.NoError(t, err)
	assert.Equal(t, "b", mods[0].Key)

	inMods, err := in.Modifications()
	require.NoError(t, err)
	assert.Equal(t, "a", inMods[0].Key)
}

func TestMigrateErrors(t *testing.T) {
	t.Run("missing link", func(t *testing.T) {
		_, err := New(nil).Migrate(kotEvent("0.1", map[string]any{}), "0.2")
		var missing *MissingLinkError
		require.ErrorAs(t, err, &missing)
		assert.Equal(t, "0.1", missing.Version)
		assert.Equal(t, "kot", missing.Collection)
	})

	t.Run("unsupported action", func(t *testing.T) {
		m := New([]Migration{{Catalogue: "brk", Collection: "kot", Version: "0.1", TargetVersion: "0.2",
			Conversions: []Conversion{{"action": "split"}}}})
		_, err := m.Migrate(kotEvent("0.1", map[string]any{}), "0.2")
		var unsupported *UnsupportedActionError
		require.ErrorAs(t, err, &unsupported)
		assert.Equal(t, "split", unsupported.Action)
	})

	t.Run("cycle", func(t *testing.T) {
		m := New([]Migration{
			{Catalogue: "brk", Collection: "kot", Version: "0.1", TargetVersion: "0.2"},
			{Catalogue: "brk", Collection: "kot", Version: "0.2", TargetVersion: "0.1"},
		})
		_, err := m.Migrate(kotEvent("0.1", map[string]any{}), "0.9")
		assert.ErrorIs(t, err, ErrCycle)
	})

	t.Run("same version is a no-op", func(t *testing.T) {
		in := kotEvent("0.2", map[string]any{"x": "y"})
		out, err := New(nil).Migrate(in, "0.2")
		require.NoError(t, err)
		assert.Equal(t, in, out)
	})
}

func TestRegisterAction(t *testing.T) {
	RegisterAction("uppercase_version", func(entity map[string]any, ev *events.Event, c Conversion) error {
		entity["converted_by"] = c.Action()
		return nil
	})
	m := New([]Migration{{Catalogue: "brk", Collection: "kot", Version: "0.1", TargetVersion: "0.2",
		Conversions: []Conversion{{"action": "uppercase_version"}}}})

	out, err := m.Migrate(kotEvent("0.1", map[string]any{}), "0.2")
	require.NoError(t, err)
	assert.Equal(t, "uppercase_version", out.Attributes()["converted_by"])
}

func TestParse(t *testing.T) {
	m, err := Default()
	require.NoError(t, err)
	ev := events.Event{
		Catalogue: "brk", Collection: "kadastraleobjecten", Version: "0.1",
		Data: map[string]any{"entity": map[string]any{"kadastrale_gemeente": "ASD", "kadastrale_sectie": "K"}},
	}
	out, err := m.Migrate(ev, "0.3")
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"aangeduid_door_kadastralegemeente": "ASD",
		"aangeduid_door_kadastralesectie":   "K",
		"_version":                          "0.3",
	}, out.Attributes())

	_, err = Parse([]byte("migrations:\n  - catalogue: brk\n"))
	assert.Error(t, err)
	_, err = Parse([]byte("migrations: [\n"))
	assert.Error(t, err)
}
