package main

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/qsharp/internal/logger"
)

var (
	logLevel  string
	logFormat string
	debug     bool
)

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Sources:     cli.EnvVars("QSHARP_LOG_LEVEL"),
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (" + strings.Join(logger.Formats, ", ") + ")",
			Value:       "pretty",
			Sources:     cli.EnvVars("QSHARP_LOG_FORMAT"),
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}

// setupLogging installs the configured logger on the context every
// subcommand receives.
func setupLogging(ctx context.Context, cmd *cli.Command) (context.Context, error) {
	level := logger.ParseLevel(logLevel)
	if debug {
		level = slog.LevelDebug
	}
	log, err := newLogger(os.Stderr, logFormat, level)
	if err != nil {
		return ctx, err
	}
	return logger.WithContext(ctx, log), nil
}

// newLogger drops colour from the pretty format when f is not a terminal.
func newLogger(f *os.File, format string, level slog.Level) (logger.Logger, error) {
	if (format == "" || strings.EqualFold(format, "pretty")) && !isTerminal(f.Fd()) {
		return logger.New(logger.NewPrettyHandler(f, &slog.HandlerOptions{Level: level}).Plain()), nil
	}
	return logger.ForFormat(f, format, level)
}
