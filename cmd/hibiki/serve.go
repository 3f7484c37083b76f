package main

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Hibiki/common/version"
	"github.com/bdobrica/Hibiki/internal/hibiki/app"
	"github.com/bdobrica/Hibiki/internal/hibiki/config"
	"github.com/bdobrica/Hibiki/internal/hibiki/observability"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the bot (default)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				var cerr *config.Error
				if errors.As(err, &cerr) {
					fmt.Fprintln(cmd.ErrOrStderr(), cerr.Error())
				}
				return err
			}

			closer, err := observability.Setup(observability.Options{
				Level:  cfg.Log.Level,
				Format: cfg.Log.Format,
				File:   cfg.Log.File,
			})
			defer closer.Close()
			if err != nil {
				slog.Warn("log file unavailable; logging to stderr only", "err", err)
			}
			slog.Info("Hibiki", "version", version.Version, "commit", version.GitCommit, "built", version.BuildTime)

			hibiki, err := app.New(cfg)
			if err != nil {
				return fmt.Errorf("failed to initialize Hibiki: %w", err)
			}
			defer hibiki.Stop()

			return hibiki.Run(cmd.Context())
		},
	}
}
