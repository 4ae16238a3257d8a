package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd.
var (
	flagVerbose bool
	flagDebug   bool
	flagQuiet   bool
)

// cliContextKey is the context key the shared logger is stashed under.
type cliContextKey struct{}

func loggerFrom(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(cliContextKey{}).(*slog.Logger); ok {
		return l
	}

	return slog.Default()
}

// buildLogger constructs the shared *slog.Logger for this invocation. Color
// is never attempted — Dropgate's output is machine-parseable JSON in quiet
// environments and plain text otherwise, gated by go-isatty.
func buildLogger() *slog.Logger {
	level := slog.LevelWarn

	switch {
	case flagQuiet:
		level = slog.LevelError
	case flagDebug:
		level = slog.LevelDebug
	case flagVerbose:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	if isatty.IsTerminal(os.Stderr.Fd()) && !flagQuiet {
		return slog.New(slog.NewTextHandler(os.Stderr, opts))
	}

	return slog.New(slog.NewJSONHandler(os.Stderr, opts))
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "dropgate",
		Short:         "Privacy-first file sharing: hosted transfer and direct peer-to-peer transfer",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			logger := buildLogger()
			cmd.SetContext(context.WithValue(cmd.Context(), cliContextKey{}, logger))

			return nil
		},
	}

	root.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable info-level logging to stderr")
	root.PersistentFlags().BoolVar(&flagDebug, "debug", false, "enable debug-level logging to stderr")
	root.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress all but error-level logging")

	root.AddCommand(newSendCmd())
	root.AddCommand(newReceiveCmd())
	root.AddCommand(newServeCmd())
	root.AddCommand(newP2PCmd())
	root.AddCommand(newStatusCmd())

	return root
}
