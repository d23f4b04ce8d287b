package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	queueharness "github.com/our-edu/go-queue-harness"
	"github.com/our-edu/go-queue-harness/internal/drivers/memory"
)

func newTestRoot(t *testing.T, backend *memory.Backend, opts ...Option) (*cobra.Command, *bytes.Buffer, *queueharness.Config) {
	t.Helper()
	cfg := queueharness.DefaultConfig()
	cfg.Messaging.Driver = queueharness.DriverMemory

	root := &cobra.Command{Use: "test", SilenceUsage: true, SilenceErrors: true}
	opts = append(opts, WithClientOptions(queueharness.WithBackend(backend)))
	AddCommands(root, cfg, zerolog.Nop(), opts...)

	out := &bytes.Buffer{}
	root.SetOut(out)
	root.SetErr(out)
	return root, out, cfg
}

func TestAddCommands(t *testing.T) {
	root, _, _ := newTestRoot(t, memory.NewBackend())

	for _, name := range []string{"consume", "enqueue", "resolve", "receive", "test-connection"} {
		cmd, _, err := root.Find([]string{name})
		require.NoError(t, err, name)
		assert.Equal(t, name, cmd.Name())
	}
}

func TestEnqueueCommand(t *testing.T) {
	backend := memory.NewBackend(memory.WithQueues("orders"))
	root, out, _ := newTestRoot(t, backend)

	root.SetArgs([]string{"enqueue", "orders", `{"order_id":1}`})
	require.NoError(t, root.Execute())

	var res map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &res))
	assert.Equal(t, "success", res["status"])
	assert.Equal(t, "Message queued", res["message"])
	assert.NotEmpty(t, res["id"])
	assert.Equal(t, 1, backend.Depth("orders"))
}

func TestEnqueueCommand_InvalidJSON(t *testing.T) {
	backend := memory.NewBackend(memory.WithQueues("orders"))
	root, _, _ := newTestRoot(t, backend)

	root.SetArgs([]string{"enqueue", "orders", `{not json`})
	err := root.Execute()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "not valid JSON")
	assert.Equal(t, 0, backend.Depth("orders"))
}

func TestResolveCommand(t *testing.T) {
	root, out, _ := newTestRoot(t, memory.NewBackend(memory.WithQueues("orders", "invoices")))

	root.SetArgs([]string{"resolve", "orders, invoices"})
	require.NoError(t, root.Execute())

	assert.Equal(t, "orders\torders\ninvoices\tinvoices\n", out.String())
}

func TestResolveCommand_UnknownQueue(t *testing.T) {
	root, _, _ := newTestRoot(t, memory.NewBackend())

	root.SetArgs([]string{"resolve", "missing"})
	err := root.Execute()

	require.Error(t, err)
	assert.True(t, queueharness.IsNotFoundError(err))
}

func TestReceiveCommand(t *testing.T) {
	backend := memory.NewBackend(memory.WithQueues("orders"))
	res, err := backend.Send(context.Background(), "orders", `{"order_id":7}`)
	require.NoError(t, err)

	root, out, _ := newTestRoot(t, backend)
	root.SetArgs([]string{"receive", "orders", "--wait", "0"})
	require.NoError(t, root.Execute())

	assert.Contains(t, out.String(), "Message ID: "+res.MessageID)
	assert.Contains(t, out.String(), `"order_id": 7`)
}

func TestReceiveCommand_Empty(t *testing.T) {
	root, out, _ := newTestRoot(t, memory.NewBackend(memory.WithQueues("orders")))

	root.SetArgs([]string{"receive", "orders", "-w", "0"})
	require.NoError(t, root.Execute())

	assert.Contains(t, out.String(), "No messages received")
}

func TestTestConnectionCommand(t *testing.T) {
	backend := memory.NewBackend(memory.WithQueues("orders"))
	_, err := backend.Send(context.Background(), "orders", `{}`)
	require.NoError(t, err)

	root, out, _ := newTestRoot(t, backend)
	root.SetArgs([]string{"test-connection", "orders", "memory"})
	require.NoError(t, root.Execute())

	assert.Contains(t, out.String(), "Connection successful!")
	assert.Contains(t, out.String(), "Backend: memory")
	assert.Contains(t, out.String(), "Queue: orders (1 messages)")
}

func TestConsumeCommand(t *testing.T) {
	backend := memory.NewBackend(memory.WithQueues("orders"))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, body := range []string{`{"ok":true}`, `{"ok":false}`} {
		_, err := backend.Send(ctx, "orders", body)
		require.NoError(t, err)
	}

	var mu sync.Mutex
	seen := 0
	processor := queueharness.ProcessorFunc(func(ctx context.Context, body map[string]any, msg queueharness.RawMessage) queueharness.Result {
		mu.Lock()
		defer mu.Unlock()
		seen++
		if seen == 2 {
			cancel()
		}
		if body["ok"] == true {
			return queueharness.Success()
		}
		return queueharness.Failure(errors.New("rejected by processor"))
	})

	root, out, cfg := newTestRoot(t, backend, WithProcessor(processor))
	root.SetArgs([]string{"consume", "orders", "memory", "--wait", "0", "--delete-bad", "--verbose"})
	require.NoError(t, root.ExecuteContext(ctx))

	assert.Equal(t, 2, seen)
	assert.Equal(t, 0, backend.Depth("orders"))
	assert.Contains(t, out.String(), "(dropping message)")
	assert.Contains(t, out.String(), "Error! rejected by processor")
	assert.Contains(t, out.String(), "Processed 2 messages")

	// flags never leak into the shared configuration
	assert.Empty(t, cfg.Consumer.Queues)
	assert.False(t, cfg.Consumer.DeleteBad)
}

func TestConsumeCommand_UnknownQueueType(t *testing.T) {
	root, _, _ := newTestRoot(t, memory.NewBackend())

	root.SetArgs([]string{"consume", "orders", "kafka"})
	err := root.Execute()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown queue type")
}

func TestCommandConfig(t *testing.T) {
	base := queueharness.DefaultConfig()
	flags := &awsFlags{key: "AKIA", secret: "secret", region: "eu-west-1"}

	c, err := commandConfig(base, flags, "rabbit")
	require.NoError(t, err)

	assert.Equal(t, queueharness.DriverRabbitMQ, c.Messaging.Driver)
	assert.Equal(t, "AKIA", c.AWS.AccessKeyID)
	assert.Equal(t, "secret", c.AWS.SecretAccessKey)
	assert.Equal(t, "eu-west-1", c.AWS.Region)

	assert.Equal(t, queueharness.DriverSQS, base.Messaging.Driver)
	assert.Empty(t, base.AWS.AccessKeyID)
	assert.Equal(t, "us-east-1", base.AWS.Region)
}

func TestCommandConfig_DefaultsToSQS(t *testing.T) {
	c, err := commandConfig(nil, nil, "")
	require.NoError(t, err)
	assert.Equal(t, queueharness.DriverSQS, c.Messaging.Driver)
}
