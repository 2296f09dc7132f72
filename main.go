package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/maolilup/TiShiNengRunning/cmd/account"
	"github.com/maolilup/TiShiNengRunning/cmd/record"
	"github.com/maolilup/TiShiNengRunning/cmd/route"
	"github.com/maolilup/TiShiNengRunning/cmd/run"
	"github.com/maolilup/TiShiNengRunning/internal/config"
)

func main() {
	root := &cobra.Command{
		Use:   "tsnrun",
		Short: "Campus fitness session automation",
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			setupLogger(config.DefaultServiceConfigFromEnv().Logger)
		},
	}

	root.AddCommand(
		account.New(),
		record.New(),
		route.New(),
		run.New(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupLogger(cfg config.Logger) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.PrettyPrintConsole {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}
