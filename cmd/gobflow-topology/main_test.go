package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drblury/gobflow/broker"
	configpkg "github.com/drblury/gobflow/internal/runtime/config"
	loggingpkg "github.com/drblury/gobflow/internal/runtime/logging"
	"github.com/drblury/gobflow/internal/runtime/topology"
)

const smallTopology = `
exchanges:
  - name: gob.workflow
    queues:
      - name: gob.workflow.import
        keys: [import.request]
`

func TestShowPrintsBindings(t *testing.T) {
	topo, err := topology.Parse([]byte(smallTopology))
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, show(&out, topo))
	assert.Equal(t, "gob.workflow\tgob.workflow.import\timport.request\n", out.String())
}

func TestLoadTopologyFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "topology.yaml")
	require.NoError(t, os.WriteFile(path, []byte(smallTopology), 0o644))

	topo, err := loadTopology(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"gob.workflow.import"}, topo.QueueNames())

	def, err := loadTopology("")
	require.NoError(t, err)
	assert.Contains(t, def.ExchangeNames(), topology.StatusExchange)

	_, err = loadTopology(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestManageAppliesTopologyOnBroker(t *testing.T) {
	topo, err := topology.Parse([]byte(smallTopology))
	require.NoError(t, err)

	var seen *topology.Topology
	conf := &configpkg.Config{BrokerType: configpkg.BrokerMemory}
	err = manage(context.Background(), conf, loggingpkg.NewNopLogger(), topo, func(ctx context.Context, m broker.Manager, tp *topology.Topology) error {
		seen = tp
		return broker.CreateAll(ctx, m, tp)
	})
	require.NoError(t, err)
	assert.Same(t, topo, seen)

	applyErr := errors.New("cannot declare")
	err = manage(context.Background(), conf, loggingpkg.NewNopLogger(), topo, func(context.Context, broker.Manager, *topology.Topology) error {
		return applyErr
	})
	assert.ErrorIs(t, err, applyErr)
}

func TestManageRejectsUnknownBroker(t *testing.T) {
	topo, err := topology.Default()
	require.NoError(t, err)

	err = manage(context.Background(), &configpkg.Config{BrokerType: "kafka"}, loggingpkg.NewNopLogger(), topo, broker.CreateAll)
	assert.Error(t, err)
}

func TestShowCommand(t *testing.T) {
	cmd := showCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	require.NoError(t, cmd.RunE(cmd, nil))
	assert.True(t, strings.Contains(out.String(), "gob.workflow.import"))
}
