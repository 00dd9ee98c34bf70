package message

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderCloneDoesNotAlias(t *testing.T) {
	original := Header{"catalogue": "gebieden", "collection": "buurten"}
	clone := original.Clone()
	clone["catalogue"] = "changed"

	assert.Equal(t, "gebieden", original["catalogue"])
	assert.Len(t, clone, len(original))

	var empty Header
	assert.NotNil(t, empty.Clone())
}

func TestHeaderWithAndWithAll(t *testing.T) {
	base := Header{"source": "AMSBI"}
	enriched := base.With("catalogue", "gebieden")
	assert.NotContains(t, base, "catalogue")
	assert.Equal(t, "gebieden", enriched.Catalogue())

	merged := enriched.WithAll(Header{"collection": "buurten"})
	assert.Equal(t, "buurten", merged.Collection())
	assert.Equal(t, "AMSBI", merged.Source())
}

func TestHeaderGetRendersScalars(t *testing.T) {
	h := Header{"jobid": int64(12), "stepid": 3, "nil": nil, "d": decimal.RequireFromString("1.5"), "b": true}
	assert.Equal(t, "12", h.JobID())
	assert.Equal(t, "3", h.StepID())
	assert.Equal(t, "", h.Get("nil"))
	assert.Equal(t, "", h.Get("missing"))
	assert.Equal(t, "1.5", h.Get("d"))
	assert.Equal(t, "true", h.Get("b"))
	assert.False(t, h.Has("nil"))
}

func TestHeaderSubset(t *testing.T) {
	h := NewHeader("source", "s", "catalogue", "c", "jobid", "1")
	sub := h.Subset(NotificationHeaderKeys...)
	assert.Equal(t, Header{"source": "s", "catalogue": "c"}, sub)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := &Message{
		Header:   Header{"catalogue": "gebieden", "jobid": int64(4)},
		Contents: []any{map[string]any{"a": decimal.RequireFromString("1.25")}},
		Summary:  &Summary{NumRecords: 1, Warnings: []string{"w"}, LogCounts: map[string]int{"warning": 1}},
		Notification: &Notification{
			Type:     "events",
			Contents: map[string]any{"applied": map[string]any{"ADD": int64(1)}},
		},
		Workflow: map[string]any{"workflow_name": "import"},
		Extra:    map[string]any{"confirms": "ref"},
	}

	data, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, "gebieden", out.Header.Catalogue())
	assert.Equal(t, int64(4), out.Header["jobid"])
	records := out.Contents.([]any)
	assert.True(t, records[0].(map[string]any)["a"].(decimal.Decimal).Equal(decimal.RequireFromString("1.25")))
	require.NotNil(t, out.Summary)
	assert.Equal(t, 1, out.Summary.NumRecords)
	assert.Equal(t, []string{"w"}, out.Summary.Warnings)
	assert.Equal(t, 1, out.Summary.LogCounts["warning"])
	require.NotNil(t, out.Notification)
	assert.Equal(t, "events", out.Notification.Type)
	assert.Equal(t, "import", out.Workflow["workflow_name"])
	assert.Equal(t, "ref", out.Extra["confirms"])
	assert.Empty(t, out.ContentsRef)
}

func TestDecodeKeepsUndecodableBody(t *testing.T) {
	body := []byte("not json")
	m, err := Decode(body)
	require.Error(t, err)
	assert.Equal(t, body, m.Raw)

	m, err = Decode([]byte(`[1,2]`))
	assert.ErrorIs(t, err, ErrNotAnObject)
	assert.Equal(t, []byte(`[1,2]`), m.Raw)
}

func TestMessageJSONMethods(t *testing.T) {
	in := New(Header{"source": "x"}, "payload")
	data, err := in.MarshalJSON()
	require.NoError(t, err)

	var out Message
	require.NoError(t, out.UnmarshalJSON(data))
	assert.Equal(t, "payload", out.Contents)
	assert.Equal(t, "x", out.Header.Source())
}

func TestRecords(t *testing.T) {
	m := New(nil, []any{int64(1), int64(2)})
	var got []any
	for v, err := range m.Records() {
		require.NoError(t, err)
		got = append(got, v)
	}
	assert.Equal(t, []any{int64(1), int64(2)}, got)

	single := New(nil, "one")
	got = nil
	for v := range single.Records() {
		got = append(got, v)
	}
	assert.Equal(t, []any{"one"}, got)

	assert.False(t, New(nil, nil).HasContents())
}

func TestSummaryHasErrors(t *testing.T) {
	var nilSummary *Summary
	assert.False(t, nilSummary.HasErrors())
	assert.True(t, (&Summary{Errors: []string{"x"}}).HasErrors())
	assert.True(t, (&Summary{LogCounts: map[string]int{"error": 2}}).HasErrors())
	assert.False(t, (&Summary{LogCounts: map[string]int{"warning": 2}}).HasErrors())
}

func TestCloneIsolatesHeader(t *testing.T) {
	m := New(Header{"a": "1"}, nil)
	m.Summary = &Summary{Errors: []string{"e"}}
	c := m.Clone()
	c.Header["a"] = "2"
	c.Summary.Errors[0] = "changed"
	assert.Equal(t, "1", m.Header["a"])
	assert.Equal(t, "e", m.Summary.Errors[0])
}
