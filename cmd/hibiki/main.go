package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/bdobrica/Hibiki/internal/hibiki/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var cerr *config.Error
		if !errors.As(err, &cerr) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	serve := newServeCmd()
	rootCmd := &cobra.Command{
		Use:           "hibiki",
		Short:         "Hibiki relays chat messages to a hosted language model",
		Long:          "Hibiki receives messages from Telegram or Matrix, forwards them with a short conversation history to an OpenAI-compatible completion API, and streams the reply back by editing a single message.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          serve.RunE,
	}
	rootCmd.AddCommand(serve, newVersionCmd())
	return rootCmd
}
