package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/our-edu/go-queue-harness/internal/config"
	"github.com/our-edu/go-queue-harness/internal/contracts"
)

type fakeChannel struct {
	mu         sync.Mutex
	deliveries chan amqp.Delivery
	calls      []string
	acks       []uint64
	nacks      map[uint64]bool
	published  []amqp.Publishing
	routes     []string
	prefetch   int
	durable    bool
	closed     bool

	qosErr     error
	declareErr error
	consumeErr error
	publishErr error
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		deliveries: make(chan amqp.Delivery, 16),
		nacks:      make(map[uint64]bool),
	}
}

func (c *fakeChannel) record(call string) {
	c.mu.Lock()
	c.calls = append(c.calls, call)
	c.mu.Unlock()
}

func (c *fakeChannel) Qos(prefetchCount, prefetchSize int, global bool) error {
	c.record("qos")
	c.prefetch = prefetchCount
	return c.qosErr
}

func (c *fakeChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	c.record("declare")
	c.durable = durable
	return amqp.Queue{Name: name}, c.declareErr
}

func (c *fakeChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	c.record("consume")
	if c.consumeErr != nil {
		return nil, c.consumeErr
	}
	return c.deliveries, nil
}

func (c *fakeChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	c.record("publish")
	if c.publishErr != nil {
		return c.publishErr
	}
	c.mu.Lock()
	c.published = append(c.published, msg)
	c.routes = append(c.routes, key)
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) Ack(tag uint64, multiple bool) error {
	c.mu.Lock()
	c.acks = append(c.acks, tag)
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) Nack(tag uint64, multiple, requeue bool) error {
	c.mu.Lock()
	c.nacks[tag] = requeue
	c.mu.Unlock()
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

type fakeConnection struct {
	mu       sync.Mutex
	channels []*fakeChannel
	next     []*fakeChannel
	chanErr  error
	closed   bool
}

func (c *fakeConnection) Channel() (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.chanErr != nil {
		return nil, c.chanErr
	}
	ch := newFakeChannel()
	if len(c.next) > 0 {
		ch, c.next = c.next[0], c.next[1:]
	}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *fakeConnection) IsClosed() bool { return c.closed }

func (c *fakeConnection) Close() error {
	c.closed = true
	return nil
}

func newTestBackend(t *testing.T, conn *fakeConnection) (*Backend, *int) {
	t.Helper()
	dials := 0
	cfg := config.DefaultConfig()
	b := NewBackend(cfg, func(url string, c amqp.Config) (Connection, error) {
		dials++
		return conn, nil
	}, zerolog.Nop())
	t.Cleanup(func() { _ = b.Close() })
	return b, &dials
}

func TestBackend_PipelineStagesInOrder(t *testing.T) {
	conn := &fakeConnection{}
	b, _ := newTestBackend(t, conn)

	_, err := b.Deliveries(context.Background(), "jobs")
	require.NoError(t, err)

	require.Len(t, conn.channels, 1)
	ch := conn.channels[0]
	assert.Equal(t, []string{"qos", "declare", "consume"}, ch.calls)
	assert.Equal(t, 3, ch.prefetch)
	assert.True(t, ch.durable)
}

func TestBackend_PipelineStageFailures(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name  string
		setup func(*fakeConnection)
		stage string
	}{
		{"channel", func(c *fakeConnection) { c.chanErr = boom }, contracts.StageChannel},
		{"qos", func(c *fakeConnection) { ch := newFakeChannel(); ch.qosErr = boom; c.next = []*fakeChannel{ch} }, contracts.StageQos},
		{"declare", func(c *fakeConnection) { ch := newFakeChannel(); ch.declareErr = boom; c.next = []*fakeChannel{ch} }, contracts.StageDeclare},
		{"consume", func(c *fakeConnection) { ch := newFakeChannel(); ch.consumeErr = boom; c.next = []*fakeChannel{ch} }, contracts.StageConsume},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := &fakeConnection{}
			tt.setup(conn)
			b, _ := newTestBackend(t, conn)

			_, err := b.Deliveries(context.Background(), "jobs")

			var pipeErr *contracts.FatalPipelineError
			require.ErrorAs(t, err, &pipeErr)
			assert.Equal(t, tt.stage, pipeErr.Stage)
			assert.Equal(t, "jobs", pipeErr.Queue)
			assert.ErrorIs(t, err, boom)
		})
	}
}

func TestBackend_ConnectFailure(t *testing.T) {
	b := NewBackend(config.DefaultConfig(), func(string, amqp.Config) (Connection, error) {
		return nil, errors.New("connection refused")
	}, zerolog.Nop())
	defer b.Close()

	_, err := b.Deliveries(context.Background(), "jobs")

	var pipeErr *contracts.FatalPipelineError
	require.ErrorAs(t, err, &pipeErr)
	assert.Equal(t, contracts.StageConnect, pipeErr.Stage)
}

func TestBackend_DeliveriesMapsMessages(t *testing.T) {
	conn := &fakeConnection{}
	b, _ := newTestBackend(t, conn)

	msgs, err := b.Deliveries(context.Background(), "jobs")
	require.NoError(t, err)

	conn.channels[0].deliveries <- amqp.Delivery{
		MessageId:   "m-1",
		DeliveryTag: 7,
		Body:        []byte(`{"Body":"{\"a\":1}"}`),
		Redelivered: true,
		Headers:     amqp.Table{"x-source": "billing"},
	}

	select {
	case msg := <-msgs:
		assert.Equal(t, "m-1", msg.ID)
		assert.Equal(t, uint64(7), msg.DeliveryTag)
		assert.Equal(t, `{"a":1}`, string(msg.Body))
		assert.True(t, msg.Redelivered)
		assert.Equal(t, "jobs", msg.Queue)
		assert.Equal(t, "billing", msg.Attributes["x-source"])
		assert.NotEmpty(t, msg.Attributes[AttrChannel])
	case <-time.After(time.Second):
		t.Fatal("expected a delivery")
	}
}

func TestBackend_ChannelHeaderFromProducerIsIgnored(t *testing.T) {
	conn := &fakeConnection{}
	b, _ := newTestBackend(t, conn)
	ctx := context.Background()

	msgs, err := b.Deliveries(ctx, "jobs")
	require.NoError(t, err)
	ch := conn.channels[0]
	ch.deliveries <- amqp.Delivery{
		DeliveryTag: 1,
		Body:        []byte(`{}`),
		Headers:     amqp.Table{AttrChannel: "forwarded-from-elsewhere", "content_type": "text/plain"},
		ContentType: "application/json",
	}

	msg := <-msgs
	assert.NotEqual(t, "forwarded-from-elsewhere", msg.Attributes[AttrChannel])
	assert.Equal(t, "application/json", msg.Attributes["content_type"])

	require.NoError(t, b.Acknowledge(ctx, "jobs", msg))
	assert.Equal(t, []uint64{1}, ch.acks)
}

func TestBackend_DeliveriesClosedWhenBrokerCloses(t *testing.T) {
	conn := &fakeConnection{}
	b, _ := newTestBackend(t, conn)

	msgs, err := b.Deliveries(context.Background(), "jobs")
	require.NoError(t, err)

	close(conn.channels[0].deliveries)

	select {
	case _, ok := <-msgs:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("expected the delivery channel to close")
	}
}

func TestBackend_AckAndNackOnDeliveringChannel(t *testing.T) {
	conn := &fakeConnection{}
	b, _ := newTestBackend(t, conn)
	ctx := context.Background()

	msgs, err := b.Deliveries(ctx, "jobs")
	require.NoError(t, err)
	ch := conn.channels[0]
	ch.deliveries <- amqp.Delivery{DeliveryTag: 1, Body: []byte(`{}`)}
	ch.deliveries <- amqp.Delivery{DeliveryTag: 2, Body: []byte(`{}`)}
	ch.deliveries <- amqp.Delivery{DeliveryTag: 3, Body: []byte(`{}`)}

	first, second, third := <-msgs, <-msgs, <-msgs

	require.NoError(t, b.Acknowledge(ctx, "jobs", first))
	require.NoError(t, b.Reject(ctx, "jobs", second, true))
	require.NoError(t, b.Reject(ctx, "jobs", third, false))

	// a second settle of the same delivery is ignored
	require.NoError(t, b.Acknowledge(ctx, "jobs", first))

	assert.Equal(t, []uint64{1}, ch.acks)
	assert.Equal(t, map[uint64]bool{2: true, 3: false}, ch.nacks)
}

func TestBackend_SettleOnReplacedChannel(t *testing.T) {
	conn := &fakeConnection{}
	b, _ := newTestBackend(t, conn)
	ctx := context.Background()

	msgs, err := b.Deliveries(ctx, "jobs")
	require.NoError(t, err)
	conn.channels[0].deliveries <- amqp.Delivery{DeliveryTag: 1, Body: []byte(`{}`)}
	stale := <-msgs

	_, err = b.Deliveries(ctx, "jobs")
	require.NoError(t, err)

	err = b.Acknowledge(ctx, "jobs", stale)
	assert.True(t, contracts.IsTransportError(err))
	assert.Empty(t, conn.channels[1].acks)
	assert.True(t, conn.channels[0].closed)
}

func TestBackend_Receive(t *testing.T) {
	conn := &fakeConnection{}
	b, _ := newTestBackend(t, conn)
	ctx := context.Background()

	// opens the pipeline; nothing is queued yet
	got, err := b.Receive(ctx, "jobs", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, got)

	ch := conn.channels[0]
	ch.deliveries <- amqp.Delivery{DeliveryTag: 1, Body: []byte(`{}`)}
	ch.deliveries <- amqp.Delivery{DeliveryTag: 2, Body: []byte(`{}`)}

	require.Eventually(t, func() bool {
		got, err = b.Receive(ctx, "jobs", 1, 1)
		return err == nil && len(got) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(1), got[0].DeliveryTag)
}

func TestBackend_ReceiveClosesDroppedChannel(t *testing.T) {
	conn := &fakeConnection{}
	b, _ := newTestBackend(t, conn)
	ctx := context.Background()

	_, err := b.Receive(ctx, "jobs", 10, 0)
	require.NoError(t, err)

	ch := conn.channels[0]
	close(ch.deliveries)

	_, err = b.Receive(ctx, "jobs", 10, 1)
	assert.True(t, contracts.IsTransportError(err))

	ch.mu.Lock()
	defer ch.mu.Unlock()
	assert.True(t, ch.closed)
}

func TestBackend_Send(t *testing.T) {
	conn := &fakeConnection{}
	b, dials := newTestBackend(t, conn)
	ctx := context.Background()

	res, err := b.Send(ctx, "jobs", `{"a":1}`)
	require.NoError(t, err)
	assert.Equal(t, contracts.SendStatusSuccess, res.Status)
	assert.Equal(t, "Message queued", res.Message)
	assert.NotEmpty(t, res.MessageID)

	_, err = b.Send(ctx, "jobs", `{"a":2}`)
	require.NoError(t, err)

	require.Len(t, conn.channels, 1)
	ch := conn.channels[0]
	assert.Equal(t, []string{"declare", "publish", "publish"}, ch.calls)
	assert.Equal(t, []string{"jobs", "jobs"}, ch.routes)
	assert.Equal(t, amqp.Persistent, ch.published[0].DeliveryMode)
	assert.Equal(t, "application/json", ch.published[0].ContentType)
	assert.Equal(t, res.MessageID, ch.published[0].MessageId)
	assert.Equal(t, 1, *dials)
}

func TestBackend_SendFailure(t *testing.T) {
	ch := newFakeChannel()
	ch.publishErr = errors.New("channel closed")
	conn := &fakeConnection{next: []*fakeChannel{ch}}
	b, _ := newTestBackend(t, conn)

	res, err := b.Send(context.Background(), "jobs", `{}`)

	assert.True(t, contracts.IsTransportError(err))
	assert.Equal(t, contracts.SendStatusError, res.Status)
	assert.Equal(t, "Failed to queue message", res.Message)
	assert.True(t, ch.closed)
}

func TestBackend_ResolveAndName(t *testing.T) {
	b, _ := newTestBackend(t, &fakeConnection{})

	addr, err := b.Resolve(context.Background(), "jobs")
	require.NoError(t, err)
	assert.Equal(t, "jobs", addr)
	assert.Equal(t, "rabbitmq", b.Name())
}

func TestBackend_Close(t *testing.T) {
	conn := &fakeConnection{}
	b, _ := newTestBackend(t, conn)

	msgs, err := b.Deliveries(context.Background(), "jobs")
	require.NoError(t, err)

	require.NoError(t, b.Close())
	assert.True(t, conn.closed)
	assert.True(t, conn.channels[0].closed)

	select {
	case _, ok := <-msgs:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("expected the delivery channel to close")
	}
}
