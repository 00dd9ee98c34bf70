package runtime

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuntimeMetrics_RecordOutcome(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRuntimeMetrics(reg)
	require.NoError(t, m.Register())

	m.RecordOutcome("gob.workflow.import", OutcomeAcked)
	m.RecordOutcome("gob.workflow.import", OutcomeAcked)
	m.RecordOutcome("gob.workflow.import", OutcomeFailed)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.messagesTotal.WithLabelValues("gob.workflow.import", OutcomeAcked)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.messagesTotal.WithLabelValues("gob.workflow.import", OutcomeFailed)))
}

func TestRuntimeMetrics_ObserveHandlerAndSpill(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRuntimeMetrics(reg)
	require.NoError(t, m.Register())

	m.ObserveHandler("gob.workflow.apply", 250*time.Millisecond)
	m.RecordSpill("20240301.120000.x", 4096)

	assert.Equal(t, 1, testutil.CollectAndCount(m.handlerSeconds))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.spillsTotal.WithLabelValues()))
}

func TestRuntimeMetrics_RegisterTwice(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewRuntimeMetrics(reg)
	require.NoError(t, m.Register())
	require.NoError(t, m.Register())

	other := NewRuntimeMetrics(reg)
	assert.NoError(t, other.Register(), "already registered collectors are not an error")
}

func TestRuntimeMetrics_NilIsNoop(t *testing.T) {
	var m *RuntimeMetrics
	m.RecordOutcome("q", OutcomeAcked)
	m.ObserveHandler("q", time.Second)
	m.RecordSpill("ref", 1)
}

func TestRuntimeMetrics_SecondInstanceSharesSeries(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := NewRuntimeMetrics(reg)
	require.NoError(t, first.Register())
	second := NewRuntimeMetrics(reg)
	require.NoError(t, second.Register())

	second.RecordOutcome("gob.workflow.import", OutcomeDropped)

	assert.Equal(t, 1.0, testutil.ToFloat64(first.messagesTotal.WithLabelValues("gob.workflow.import", OutcomeDropped)))
}
