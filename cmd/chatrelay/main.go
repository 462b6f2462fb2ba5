// Package main provides the chatrelay command.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/Veraticus/chatrelay/internal/backend"
	"github.com/Veraticus/chatrelay/internal/config"
)

const defaultConfigPath = "chatrelay.yaml"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(os.Stdin, os.Stdout).ExecuteContext(ctx); err != nil {
		log.Error().Err(err).Msg("chatrelay failed")
		stop()
		os.Exit(1)
	}
}

type flags struct {
	configPath string
	logLevel   string
	console    bool
}

func newRootCommand(in io.Reader, out io.Writer) *cobra.Command {
	f := &flags{}

	root := &cobra.Command{
		Use:           "chatrelay",
		Short:         "Relay chat messages to conversational AI backends",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRelay(cmd.Context(), f, in, out)
		},
	}
	root.PersistentFlags().StringVarP(&f.configPath, "config", "c", defaultConfigPath, "path to the YAML configuration")
	root.PersistentFlags().StringVar(&f.logLevel, "log-level", "", "log level (overrides logging.level)")
	root.PersistentFlags().BoolVar(&f.console, "console", false, "chat on stdin/stdout instead of connecting to OneBot")

	root.AddCommand(&cobra.Command{
		Use:   "run",
		Short: "Run the relay (default)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runRelay(cmd.Context(), f, in, out)
		},
	})

	root.AddCommand(&cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and report which backends are usable",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return checkConfig(f, cmd.OutOrStdout())
		},
	})

	return root
}

func loadConfig(f *flags) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	return cfg, nil
}

func runRelay(ctx context.Context, f *flags, in io.Reader, out io.Writer) error {
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}
	if err := setupLogging(cfg.Logging, os.Stderr); err != nil {
		return err
	}

	app, err := newApp(cfg)
	if err != nil {
		return err
	}

	if f.console {
		return app.runConsole(ctx, in, out)
	}
	return app.runOneBot(ctx)
}

func checkConfig(f *flags, out io.Writer) error {
	cfg, err := loadConfig(f)
	if err != nil {
		return err
	}

	catalog := newCatalog(cfg)
	checks := catalog.Checks()
	kinds := make([]backend.Kind, 0, len(checks))
	for kind := range checks {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })

	for _, kind := range kinds {
		if reason := checks[kind]; reason != nil {
			_, _ = fmt.Fprintf(out, "%s: disabled (%v)\n", kind, reason)
			continue
		}
		_, _ = fmt.Fprintf(out, "%s: ok\n", kind)
	}

	kind, err := catalog.Preferred()
	if err != nil {
		return errors.Wrap(err, "configuration cannot serve any chat")
	}
	_, _ = fmt.Fprintf(out, "new sessions use %s\n", kind)
	return nil
}
