package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/galadd/labwarden/internal/api"
	"github.com/galadd/labwarden/internal/logging"
)

const defaultServer = "http://localhost:8080"

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	levelVar := new(slog.LevelVar)
	levelVar.Set(slog.LevelInfo)

	root := newRootCommand(levelVar)
	if err := root.ExecuteContext(ctx); err != nil {
		if errors.Is(err, context.Canceled) {
			os.Exit(130)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// cli carries what every subcommand needs once the persistent flags have
// been parsed.
type cli struct {
	levelVar  *slog.LevelVar
	logger    *slog.Logger
	logLevel  string
	logFormat string
	server    string
	timeout   time.Duration
}

func (c *cli) client() *api.Client {
	return api.NewClient(c.server, c.timeout)
}

func newRootCommand(levelVar *slog.LevelVar) *cobra.Command {
	c := &cli{levelVar: levelVar, logger: logging.New(logging.FormatText, os.Stderr, levelVar)}

	cmd := &cobra.Command{
		Use:           "labwarden",
		Short:         "Per-user lab container orchestrator",
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			level, err := logging.ParseLevel(c.logLevel)
			if err != nil {
				return err
			}
			format, err := logging.ParseFormat(c.logFormat)
			if err != nil {
				return err
			}
			c.levelVar.Set(level)
			c.logger = logging.New(format, cmd.ErrOrStderr(), c.levelVar)
			return nil
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&c.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flags.StringVar(&c.logFormat, "log-format", "text", "log format (text, json)")
	flags.StringVar(&c.server, "server", envOr("LABWARDEN_SERVER", defaultServer), "labwarden server base URL")
	flags.DurationVar(&c.timeout, "timeout", 10*time.Minute, "request timeout; a first start may build an image")

	cmd.AddCommand(
		newServeCommand(c),
		newLabsCommand(c),
		newStartCommand(c),
		newStopCommand(c),
		newStatusCommand(c),
		newListCommand(c),
		newSweepCommand(c),
		newCleanupUserCommand(c),
		newOrphansCommand(c),
	)

	return cmd
}
