package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/drblury/gobflow/broker"
	_ "github.com/drblury/gobflow/broker/brokers"
	configpkg "github.com/drblury/gobflow/internal/runtime/config"
	loggingpkg "github.com/drblury/gobflow/internal/runtime/logging"
	"github.com/drblury/gobflow/internal/runtime/topology"
)

var topologyFile string

func main() {
	rootCmd := &cobra.Command{
		Use:          "gobflow-topology",
		Short:        "Manage the exchanges and queues of the gobflow topology",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&topologyFile, "file", "", "topology YAML file (defaults to the built-in topology)")

	rootCmd.AddCommand(
		brokerCmd("create", "Declare all exchanges, queues and bindings", broker.CreateAll),
		brokerCmd("destroy", "Delete all queues and exchanges", broker.DestroyAll),
		showCmd(),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func brokerCmd(use, short string, apply func(context.Context, broker.Manager, *topology.Topology) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			topo, err := loadTopology(topologyFile)
			if err != nil {
				return err
			}
			conf, err := configpkg.LoadEnv()
			if err != nil {
				return err
			}
			logger := loggingpkg.NewSlogServiceLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
			return manage(cmd.Context(), conf, logger, topo, apply)
		},
	}
}

func showCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the exchanges, queues and routing keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			topo, err := loadTopology(topologyFile)
			if err != nil {
				return err
			}
			return show(cmd.OutOrStdout(), topo)
		},
	}
}

func loadTopology(path string) (*topology.Topology, error) {
	if path == "" {
		return topology.Default()
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return topology.Load(f)
}

func manage(ctx context.Context, conf *configpkg.Config, logger loggingpkg.ServiceLogger, topo *topology.Topology, apply func(context.Context, broker.Manager, *topology.Topology) error) error {
	b, err := broker.Build(ctx, conf, loggingpkg.NewWatermillAdapter(logger))
	if err != nil {
		return err
	}
	defer b.Close()

	if err := broker.WithManager(ctx, b, func(m broker.Manager) error {
		return apply(ctx, m, topo)
	}); err != nil {
		return err
	}
	logger.Info("Topology updated", loggingpkg.LogFields{
		"broker":    b.Name(),
		"exchanges": len(topo.Exchanges),
		"queues":    len(topo.QueueNames()),
	})
	return nil
}

func show(w io.Writer, topo *topology.Topology) error {
	for _, b := range topo.Bindings() {
		if _, err := fmt.Fprintf(w, "%s\t%s\t%s\n", b.Exchange, b.Queue, strings.Join(b.Keys, ",")); err != nil {
			return err
		}
	}
	return nil
}
