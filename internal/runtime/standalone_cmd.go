package runtime

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/spf13/cobra"

	configpkg "github.com/drblury/gobflow/internal/runtime/config"
	loggingpkg "github.com/drblury/gobflow/internal/runtime/logging"
)

var exitFunc = os.Exit

// NewStandaloneCommand returns the command running one handler of defs once:
//
//	<use> <handler> [--catalogue ... --collection ... --entity ... --attribute ... --application ...]
//	<use> <handler> --message-data '{"header": {...}, "contents_ref": "..."}'
//
// Every name listed in a definition's Args becomes an extra flag. The
// process exits 1 when the result carries errors and 2 on any other failure.
func NewStandaloneCommand(use string, conf *configpkg.Config, log loggingpkg.ServiceLogger, defs map[string]ServiceDefinition) *cobra.Command {
	var p RunParams
	extra := map[string]*string{}

	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	slices.Sort(names)

	cmd := &cobra.Command{
		Use:          use + " <handler>",
		Short:        "Run a single handler once and write its result message",
		Args:         cobra.ExactArgs(1),
		ValidArgs:    names,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			p.Handler = args[0]
			p.Args = make(map[string]string, len(extra))
			for name, v := range extra {
				p.Args[name] = *v
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			code := runStandalone(ctx, conf, log, defs, p)
			if code != ExitOK {
				exitFunc(code)
			}
			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&p.MessageData, "message-data", "", "complete JSON input message")
	flags.StringVar(&p.Catalogue, "catalogue", "", "catalogue of the input header")
	flags.StringVar(&p.Collection, "collection", "", "collection of the input header")
	flags.StringVar(&p.Entity, "entity", "", "entity of the input header")
	flags.StringVar(&p.Attribute, "attribute", "", "attribute of the input header")
	flags.StringVar(&p.Application, "application", "", "application of the input header")
	for _, name := range names {
		for _, arg := range defs[name].Args {
			if _, ok := extra[arg]; ok || flags.Lookup(arg) != nil {
				continue
			}
			v := new(string)
			extra[arg] = v
			flags.StringVar(v, arg, "", fmt.Sprintf("%s header value for %s", arg, handlersUsing(defs, arg)))
		}
	}
	return cmd
}

func runStandalone(ctx context.Context, conf *configpkg.Config, log loggingpkg.ServiceLogger, defs map[string]ServiceDefinition, p RunParams) int {
	r, err := NewRunner(conf, log, defs)
	if err != nil {
		log.Error("Failed to create standalone runner", err, nil)
		return ExitInfraFailed
	}
	result, err := r.Run(ctx, p)
	if err != nil {
		log.Error("Standalone run failed", err, loggingpkg.LogFields{"handler": p.Handler})
	}
	return ExitCode(result, err)
}

func handlersUsing(defs map[string]ServiceDefinition, arg string) string {
	var out []string
	for name, def := range defs {
		if slices.Contains(def.Args, arg) {
			out = append(out, name)
		}
	}
	slices.Sort(out)
	return fmt.Sprint(out)
}
