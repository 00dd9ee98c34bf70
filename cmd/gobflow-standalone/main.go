package main

import (
	"log/slog"
	"os"

	"github.com/drblury/gobflow/internal/runtime"
	configpkg "github.com/drblury/gobflow/internal/runtime/config"
	loggingpkg "github.com/drblury/gobflow/internal/runtime/logging"
)

func main() {
	logger := loggingpkg.NewSlogServiceLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	conf, err := configpkg.FromEnv()
	if err != nil {
		logger.Error("Invalid configuration", err, nil)
		os.Exit(runtime.ExitInfraFailed)
	}

	cmd := runtime.NewStandaloneCommand("gobflow-standalone", conf, logger, definitions())
	if err := cmd.Execute(); err != nil {
		os.Exit(runtime.ExitInfraFailed)
	}
}
