package commands

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	queueharness "github.com/our-edu/go-queue-harness"
	"github.com/our-edu/go-queue-harness/internal/progress"
)

// LogProcessor logs every message and acknowledges it. It is the consume
// command's processor when none is configured.
func LogProcessor(logger zerolog.Logger) queueharness.Processor {
	return queueharness.ProcessorFunc(func(ctx context.Context, body map[string]any, msg queueharness.RawMessage) queueharness.Result {
		logger.Info().
			Str("queue", queueharness.QueueNameFromContext(ctx)).
			Str("message_id", msg.ID).
			Interface("body", body).
			Msg("Message received")
		return queueharness.Success()
	})
}

type consumeFlags struct {
	aws         awsFlags
	limit       int
	wait        int
	prefetch    int
	deleteBad   bool
	dedupe      bool
	verbose     bool
	metricsAddr string
}

// NewConsumeCmd creates a consume command bound to processor. Register it
// under several names to run different processors from one binary.
//
// Example:
//
//	root.AddCommand(commands.NewConsumeCmd(
//	    "import-staypoints", "Import staypoint uploads", cfg, logger, importer,
//	))
func NewConsumeCmd(use, short string, cfg *queueharness.Config, logger zerolog.Logger, processor queueharness.Processor, clientOpts ...queueharness.Option) *cobra.Command {
	defaults := cfg
	if defaults == nil {
		defaults = queueharness.DefaultConfig()
	}
	var f consumeFlags

	cmd := &cobra.Command{
		Use:   use + " <queues> [queue-type]",
		Short: short,
		Long: `Consumes messages from a comma-separated list of queues until interrupted.

queue-type is sqs (default) or rabbitmq. SQS queues are long-polled together
and a queue is not fetched again until every queue's previous batch is done.
RabbitMQ queues are consumed as streams and reconnected with backoff.

Messages that fail are left for redelivery, or dropped with --delete-bad.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := commandConfig(cfg, &f.aws, optionalArg(args, 1))
			if err != nil {
				return err
			}
			c.Consumer.Queues = queueharness.SplitQueues(args[0])
			c.Consumer.MaxMessages = f.limit
			c.Consumer.WaitSeconds = f.wait
			c.Consumer.DeleteBad = f.deleteBad
			c.Consumer.DedupeEnabled = f.dedupe
			c.RabbitMQ.Prefetch = f.prefetch
			if f.metricsAddr != "" {
				c.Metrics.Prometheus.Enabled = true
				c.Metrics.Prometheus.Addr = f.metricsAddr
			}
			return runConsume(cmd, c, logger, processor, clientOpts, f.verbose)
		},
	}

	f.aws.register(cmd)
	cmd.Flags().IntVarP(&f.limit, "limit", "l", defaults.Consumer.MaxMessages, "Maximum messages to receive per fetch")
	cmd.Flags().IntVarP(&f.wait, "wait", "w", defaults.Consumer.WaitSeconds, "Long polling wait time in seconds")
	cmd.Flags().IntVar(&f.prefetch, "prefetch", defaults.RabbitMQ.Prefetch, "RabbitMQ prefetch count")
	cmd.Flags().BoolVar(&f.deleteBad, "delete-bad", defaults.Consumer.DeleteBad, "Delete messages that fail processing")
	cmd.Flags().BoolVar(&f.dedupe, "dedupe", defaults.Consumer.DedupeEnabled, "Skip message ids already processed (requires Redis)")
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "Print a line for every dropped or requeued message")
	cmd.Flags().StringVar(&f.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address, e.g. :9090")

	return cmd
}

// runConsume runs the consumer until the command context is cancelled
func runConsume(cmd *cobra.Command, cfg *queueharness.Config, logger zerolog.Logger, processor queueharness.Processor, extra []queueharness.Option, verbose bool) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	out := cmd.OutOrStdout()

	logger.Info().
		Strs("queues", cfg.Consumer.Queues).
		Str("backend", string(cfg.Messaging.Driver)).
		Int("max_messages", cfg.Consumer.MaxMessages).
		Int("wait_time", cfg.Consumer.WaitSeconds).
		Bool("delete_bad", cfg.Consumer.DeleteBad).
		Msg("Starting consumer")

	client, err := newClient(cfg, logger, extra,
		queueharness.WithReporter(progress.NewWriterReporter(out, verbose)),
	)
	if err != nil {
		return err
	}
	defer client.Close()

	if cfg.Metrics.Prometheus.Enabled && cfg.Metrics.Prometheus.Addr != "" {
		stop, err := serveMetrics(cfg.Metrics.Prometheus.Addr, client.MetricsHandler(), logger)
		if err != nil {
			return err
		}
		defer stop()
	}

	consumer, err := client.Consumer(processor)
	if err != nil {
		return err
	}

	start := time.Now()
	err = consumer.Run(ctx)
	fmt.Fprintf(out, "Processed %d messages in %s\n", consumer.TotalProcessed(), time.Since(start).Round(time.Millisecond))

	if errors.Is(err, context.Canceled) {
		logger.Info().Msg("Consumer shutting down")
		return nil
	}
	return err
}

// serveMetrics exposes handler on addr and returns a function that shuts
// the server down
func serveMetrics(addr string, handler http.Handler, logger zerolog.Logger) (func(), error) {
	if handler == nil {
		return func() {}, nil
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
	logger.Info().Str("addr", ln.Addr().String()).Msg("Serving Prometheus metrics")

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}, nil
}
