package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v3"
)

func main() {
	if err := loadEnv(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	app := newApp()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := app.Run(ctx, os.Args)
	stop()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.Command {
	return &cli.Command{
		Name:   "qsharp",
		Usage:  "Quantization versus Hessian sharpness experiments",
		Flags:  loggingFlags(),
		Before: setupLogging,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			return cli.ShowAppHelp(cmd)
		},
		Commands: []*cli.Command{
			runCmd(),
			quantizeCmd(),
			serveCmd(),
			versionCmd(),
		},
	}
}

// loadEnv reads QSHARP_ENV_FILE, or ./.env when present. Variables already
// in the environment win.
func loadEnv() error {
	if path := os.Getenv("QSHARP_ENV_FILE"); path != "" {
		return godotenv.Load(path)
	}
	if _, err := os.Stat(".env"); err == nil {
		return godotenv.Load()
	}
	return nil
}
