// Package commands provides the cobra commands of the queue harness so
// they can be mounted on any CLI.
package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	queueharness "github.com/our-edu/go-queue-harness"
)

// Options configures the commands added by AddCommands
type Options struct {
	processor     queueharness.Processor
	clientOptions []queueharness.Option
}

// Option configures the commands added by AddCommands
type Option func(*Options)

// WithProcessor sets the processor used by the consume command. Without
// one, consume logs each message and acknowledges it.
func WithProcessor(p queueharness.Processor) Option {
	return func(o *Options) {
		o.processor = p
	}
}

// WithClientOptions appends options to every client the commands build.
func WithClientOptions(opts ...queueharness.Option) Option {
	return func(o *Options) {
		o.clientOptions = append(o.clientOptions, opts...)
	}
}

// AddCommands adds all queue harness commands to the provided root command
func AddCommands(rootCmd *cobra.Command, cfg *queueharness.Config, logger zerolog.Logger, opts ...Option) {
	o := &Options{}
	for _, opt := range opts {
		opt(o)
	}
	processor := o.processor
	if processor == nil {
		processor = LogProcessor(logger)
	}

	rootCmd.AddCommand(
		NewConsumeCmd("consume", "Consume messages from one or more queues", cfg, logger, processor, o.clientOptions...),
		newEnqueueCmd(cfg, logger, o.clientOptions),
		newResolveCmd(cfg, logger, o.clientOptions),
		newReceiveCmd(cfg, logger, o.clientOptions),
		newTestConnectionCmd(cfg, logger, o.clientOptions),
	)
}

// awsFlags are the credential overrides shared by every command
type awsFlags struct {
	key    string
	secret string
	region string
}

func (f *awsFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.key, "aws-key", "", "AWS access key (overrides AWS_SQS_ACCESS_KEY_ID)")
	cmd.Flags().StringVar(&f.secret, "aws-secret", "", "AWS secret key (overrides AWS_SQS_SECRET_ACCESS_KEY)")
	cmd.Flags().StringVar(&f.region, "aws-region", "", "AWS region (overrides AWS_DEFAULT_REGION)")
}

func (f *awsFlags) apply(cfg *queueharness.Config) {
	if f.key != "" {
		cfg.AWS.AccessKeyID = f.key
	}
	if f.secret != "" {
		cfg.AWS.SecretAccessKey = f.secret
	}
	if f.region != "" {
		cfg.AWS.Region = f.region
	}
}

// commandConfig copies cfg so flag overrides stay local to one invocation,
// then applies the optional queue-type argument.
func commandConfig(cfg *queueharness.Config, aws *awsFlags, queueType string) (*queueharness.Config, error) {
	c := queueharness.DefaultConfig()
	if cfg != nil {
		copied := *cfg
		c = &copied
	}
	if queueType != "" {
		driver, err := queueharness.ParseDriver(queueType)
		if err != nil {
			return nil, err
		}
		c.Messaging.Driver = driver
	}
	if aws != nil {
		aws.apply(c)
	}
	return c, nil
}

func newClient(cfg *queueharness.Config, logger zerolog.Logger, extra []queueharness.Option, opts ...queueharness.Option) (*queueharness.Client, error) {
	all := []queueharness.Option{
		queueharness.WithConfig(cfg),
		queueharness.WithLogger(logger),
	}
	all = append(all, opts...)
	all = append(all, extra...)

	client, err := queueharness.New(all...)
	if err != nil {
		return nil, fmt.Errorf("failed to create client: %w", err)
	}
	return client, nil
}

func optionalArg(args []string, i int) string {
	if len(args) > i {
		return args[i]
	}
	return ""
}

// newEnqueueCmd creates the enqueue command
func newEnqueueCmd(cfg *queueharness.Config, logger zerolog.Logger, extra []queueharness.Option) *cobra.Command {
	var aws awsFlags

	cmd := &cobra.Command{
		Use:   "enqueue <queue> <body> [queue-type]",
		Short: "Send a message to a queue",
		Long: `Sends a JSON body to a queue and prints the result as
{"status": ..., "message": ..., "id": ...}.`,
		Args: cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := commandConfig(cfg, &aws, optionalArg(args, 2))
			if err != nil {
				return err
			}
			return runEnqueue(cmd.Context(), cmd.OutOrStdout(), c, logger, extra, args[0], args[1])
		},
	}
	aws.register(cmd)

	return cmd
}

// newResolveCmd creates the resolve command
func newResolveCmd(cfg *queueharness.Config, logger zerolog.Logger, extra []queueharness.Option) *cobra.Command {
	var aws awsFlags

	cmd := &cobra.Command{
		Use:   "resolve <queues> [queue-type]",
		Short: "Resolve queue names to backend addresses",
		Long:  `Prints the address of each queue in a comma-separated list. For SQS this is the queue URL.`,
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := commandConfig(cfg, &aws, optionalArg(args, 1))
			if err != nil {
				return err
			}
			return runResolve(cmd.Context(), cmd.OutOrStdout(), c, logger, extra, queueharness.SplitQueues(args[0]))
		},
	}
	aws.register(cmd)

	return cmd
}

// newReceiveCmd creates the receive command
func newReceiveCmd(cfg *queueharness.Config, logger zerolog.Logger, extra []queueharness.Option) *cobra.Command {
	var aws awsFlags
	var limit, wait int

	cmd := &cobra.Command{
		Use:   "receive <queue> [queue-type]",
		Short: "Peek at messages without acknowledging them",
		Long: `Receives messages and prints them. Nothing is acknowledged, so the
messages become visible again after the visibility timeout.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := commandConfig(cfg, &aws, optionalArg(args, 1))
			if err != nil {
				return err
			}
			return runReceive(cmd.Context(), cmd.OutOrStdout(), c, logger, extra, args[0], limit, wait)
		},
	}
	aws.register(cmd)
	cmd.Flags().IntVarP(&limit, "limit", "l", 1, "Maximum messages to receive")
	cmd.Flags().IntVarP(&wait, "wait", "w", 5, "Long polling wait time in seconds")

	return cmd
}

// newTestConnectionCmd creates the test connection command
func newTestConnectionCmd(cfg *queueharness.Config, logger zerolog.Logger, extra []queueharness.Option) *cobra.Command {
	var aws awsFlags

	cmd := &cobra.Command{
		Use:   "test-connection [queues] [queue-type]",
		Short: "Test backend connectivity",
		Long: `Validates credentials and connectivity by resolving each queue and
checking Redis when it is configured.`,
		Args: cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := commandConfig(cfg, &aws, optionalArg(args, 1))
			if err != nil {
				return err
			}
			queues := c.Consumer.Queues
			if q := optionalArg(args, 0); q != "" {
				queues = queueharness.SplitQueues(q)
			}
			return runTestConnection(cmd.Context(), cmd.OutOrStdout(), c, logger, extra, queues)
		},
	}
	aws.register(cmd)

	return cmd
}

// runEnqueue sends one message
func runEnqueue(ctx context.Context, out io.Writer, cfg *queueharness.Config, logger zerolog.Logger, extra []queueharness.Option, queue, body string) error {
	if !json.Valid([]byte(body)) {
		return fmt.Errorf("body is not valid JSON: %s", body)
	}

	client, err := newClient(cfg, logger, extra)
	if err != nil {
		return err
	}
	defer client.Close()

	res, err := client.Enqueue(ctx, queue, json.RawMessage(body))
	printed, _ := json.Marshal(res)
	fmt.Fprintln(out, string(printed))
	if err != nil {
		return fmt.Errorf("failed to enqueue message: %w", err)
	}
	return nil
}

// runResolve prints the address of each queue
func runResolve(ctx context.Context, out io.Writer, cfg *queueharness.Config, logger zerolog.Logger, extra []queueharness.Option, queues []string) error {
	if len(queues) == 0 {
		return queueharness.ErrNoQueues
	}

	client, err := newClient(cfg, logger, extra)
	if err != nil {
		return err
	}
	defer client.Close()

	for _, queue := range queues {
		address, err := client.Resolve(ctx, queue)
		if err != nil {
			return fmt.Errorf("failed to resolve queue %s: %w", queue, err)
		}
		fmt.Fprintf(out, "%s\t%s\n", queue, address)
	}
	return nil
}

// runReceive prints received messages
func runReceive(ctx context.Context, out io.Writer, cfg *queueharness.Config, logger zerolog.Logger, extra []queueharness.Option, queue string, limit, wait int) error {
	client, err := newClient(cfg, logger, extra)
	if err != nil {
		return err
	}
	defer client.Close()

	fmt.Fprintln(out, "Receiving messages...")
	messages, err := client.Receive(ctx, queue, limit, wait)
	if err != nil {
		return fmt.Errorf("failed to receive messages: %w", err)
	}

	if len(messages) == 0 {
		fmt.Fprintln(out, "No messages received")
		return nil
	}

	for _, msg := range messages {
		fmt.Fprintf(out, "\nMessage ID: %s\n", msg.ID)
		if msg.Redelivered {
			fmt.Fprintln(out, "Redelivered: true")
		}
		fmt.Fprintf(out, "Body: %s\n", prettyBody(msg.Body))
	}
	return nil
}

// runTestConnection resolves every queue and pings Redis
func runTestConnection(ctx context.Context, out io.Writer, cfg *queueharness.Config, logger zerolog.Logger, extra []queueharness.Option, queues []string) error {
	fmt.Fprintf(out, "Testing %s connection...\n", cfg.Messaging.Driver)

	client, err := newClient(cfg, logger, extra)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Ping(ctx, queues...); err != nil {
		return fmt.Errorf("connection test failed: %w", err)
	}

	fmt.Fprintln(out, "Connection successful!")
	fmt.Fprintf(out, "Backend: %s\n", client.Backend().Name())
	if cfg.Messaging.Driver == queueharness.DriverSQS {
		fmt.Fprintf(out, "Region: %s\n", cfg.AWS.Region)
		fmt.Fprintf(out, "Queue Prefix: %s\n", cfg.SQS.Prefix)
	}
	for _, queue := range queues {
		depth, err := client.Depth(ctx, queue)
		if err != nil {
			fmt.Fprintf(out, "Queue: %s\n", queue)
			continue
		}
		fmt.Fprintf(out, "Queue: %s (%d messages)\n", queue, depth)
	}
	return nil
}

func prettyBody(body []byte) string {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		return string(body)
	}
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(body)
	}
	return "\n" + strings.TrimRight(string(pretty), "\n")
}
