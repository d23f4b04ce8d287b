// Package main provides the CLI entry point for the queue harness
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	queueharness "github.com/our-edu/go-queue-harness"
	"github.com/our-edu/go-queue-harness/commands"
)

func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	// Load configuration from .env file and environment variables
	cfg := queueharness.LoadConfig()
	logger.Debug().
		Str("driver", string(cfg.Messaging.Driver)).
		Str("region", cfg.AWS.Region).
		Str("prefix", cfg.SQS.Prefix).
		Strs("queues", cfg.Consumer.Queues).
		Msg("Configuration loaded")

	rootCmd := &cobra.Command{
		Use:   "queueworker",
		Short: "Queue worker - consume JSON messages from SQS or RabbitMQ",
		Long: `queueworker consumes messages from AWS SQS or RabbitMQ queues, and
provides commands to enqueue, peek at and resolve queues.`,
		SilenceUsage: true,
	}

	commands.AddCommands(rootCmd, cfg, logger)

	// Handle graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		logger.Error().Err(err).Msg("Command failed")
		stop()
		os.Exit(1)
	}
}
