package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/our-edu/go-queue-harness/internal/config"
	"github.com/our-edu/go-queue-harness/internal/contracts"
	"github.com/our-edu/go-queue-harness/pkg/payload"
)

// AttrChannel carries the id of the consumer channel that delivered a
// message. Delivery tags are only meaningful on that channel.
const AttrChannel = "x-harness-channel"

// ErrPipelineClosed is returned when a queue's consumer stopped delivering
var ErrPipelineClosed = errors.New("consumer pipeline closed")

// pipeline is one queue's consumer channel. outstanding holds the tags
// delivered but not yet settled; settling a tag twice would make the
// broker close the channel.
type pipeline struct {
	queue string
	id    string
	ch    Channel
	out   chan contracts.RawMessage

	mu          sync.Mutex
	outstanding map[uint64]struct{}
}

func (p *pipeline) settle(tag uint64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.outstanding[tag]; !ok {
		return false
	}
	delete(p.outstanding, tag)
	return true
}

func (p *pipeline) track(tag uint64) {
	p.mu.Lock()
	p.outstanding[tag] = struct{}{}
	p.mu.Unlock()
}

// Backend implements contracts.StreamingBackend on RabbitMQ
type Backend struct {
	config *config.Config
	dial   Dialer
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	conn      Connection
	pipelines map[string]*pipeline

	pubMu    sync.Mutex
	pubCh    Channel
	declared map[string]bool
}

// NewBackend creates a broker backend. The connection is dialed lazily.
func NewBackend(cfg *config.Config, dial Dialer, logger zerolog.Logger) *Backend {
	if dial == nil {
		dial = DialAMQP
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Backend{
		config:    cfg,
		dial:      dial,
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		pipelines: make(map[string]*pipeline),
		declared:  make(map[string]bool),
	}
}

var _ contracts.StreamingBackend = (*Backend)(nil)

// Name returns the backend name
func (b *Backend) Name() string {
	return string(config.DriverRabbitMQ)
}

// Resolve returns the queue name; broker queues are addressed by name
func (b *Backend) Resolve(ctx context.Context, queueName string) (string, error) {
	return queueName, nil
}

// connection returns the live connection, dialing when needed. b.mu must be held.
func (b *Backend) connection(queue string) (Connection, error) {
	if b.conn != nil && !b.conn.IsClosed() {
		return b.conn, nil
	}

	conn, err := b.dial(b.config.AMQPURL(), amqp.Config{
		Heartbeat: time.Duration(b.config.RabbitMQ.Heartbeat) * time.Second,
		Locale:    "en_US",
	})
	if err != nil {
		return nil, contracts.NewFatalPipelineError(contracts.StageConnect, queue, err)
	}

	b.logger.Info().
		Str("host", b.config.RabbitMQ.Host).
		Int("port", b.config.RabbitMQ.Port).
		Str("vhost", b.config.RabbitMQ.VHost).
		Msg("Connected to RabbitMQ")
	b.conn = conn
	return conn, nil
}

// Deliveries establishes the consumer pipeline for address: channel, QoS,
// durable queue declaration and consume, strictly in that order. The
// returned channel closes when the pipeline dies, ctx is done or the
// backend is closed.
func (b *Backend) Deliveries(ctx context.Context, address string) (<-chan contracts.RawMessage, error) {
	p, err := b.openPipeline(address)
	if err != nil {
		return nil, err
	}

	out := make(chan contracts.RawMessage)
	go func() {
		defer close(out)
		for {
			select {
			case msg, ok := <-p.out:
				if !ok {
					return
				}
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (b *Backend) openPipeline(queue string) (*pipeline, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if old, ok := b.pipelines[queue]; ok {
		_ = old.ch.Close()
		delete(b.pipelines, queue)
	}

	conn, err := b.connection(queue)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, contracts.NewFatalPipelineError(contracts.StageChannel, queue, err)
	}

	fail := func(stage string, err error) (*pipeline, error) {
		_ = ch.Close()
		return nil, contracts.NewFatalPipelineError(stage, queue, err)
	}

	if err := ch.Qos(b.config.RabbitMQ.Prefetch, 0, false); err != nil {
		return fail(contracts.StageQos, err)
	}
	if _, err := ch.QueueDeclare(queue, true, false, false, false, nil); err != nil {
		return fail(contracts.StageDeclare, err)
	}

	id := uuid.NewString()
	deliveries, err := ch.Consume(queue, "queueharness-"+id, false, false, false, false, nil)
	if err != nil {
		return fail(contracts.StageConsume, err)
	}

	p := &pipeline{
		queue:       queue,
		id:          id,
		ch:          ch,
		out:         make(chan contracts.RawMessage),
		outstanding: make(map[uint64]struct{}),
	}
	b.pipelines[queue] = p

	go b.forward(p, deliveries)

	b.logger.Info().
		Str("queue", queue).
		Int("prefetch", b.config.RabbitMQ.Prefetch).
		Msg("Waiting for messages")
	return p, nil
}

// forward converts deliveries until the broker closes the channel or the
// backend is closed
func (b *Backend) forward(p *pipeline, deliveries <-chan amqp.Delivery) {
	defer close(p.out)
	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				b.logger.Warn().Str("queue", p.queue).Msg("Broker closed the consumer channel")
				return
			}
			p.track(d.DeliveryTag)
			select {
			case p.out <- toRawMessage(d, p):
			case <-b.ctx.Done():
				return
			}
		case <-b.ctx.Done():
			return
		}
	}
}

// Receive collects pushed deliveries. It waits up to waitSeconds for the
// first message, then takes whatever else is already available, up to
// maxMessages.
func (b *Backend) Receive(ctx context.Context, address string, maxMessages, waitSeconds int) ([]contracts.RawMessage, error) {
	b.mu.Lock()
	p, ok := b.pipelines[address]
	b.mu.Unlock()
	if !ok {
		var err error
		if p, err = b.openPipeline(address); err != nil {
			return nil, err
		}
	}

	maxMessages = max(maxMessages, 1)
	timer := time.NewTimer(time.Duration(max(waitSeconds, 0)) * time.Second)
	defer timer.Stop()

	var messages []contracts.RawMessage
	select {
	case msg, ok := <-p.out:
		if !ok {
			b.dropPipeline(p)
			return nil, contracts.NewTransportError("receive", address, ErrPipelineClosed)
		}
		messages = append(messages, msg)
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	for len(messages) < maxMessages {
		select {
		case msg, ok := <-p.out:
			if !ok {
				b.dropPipeline(p)
				return messages, nil
			}
			messages = append(messages, msg)
		default:
			return messages, nil
		}
	}
	return messages, nil
}

func (b *Backend) dropPipeline(p *pipeline) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pipelines[p.queue] == p {
		delete(b.pipelines, p.queue)
	}
	_ = p.ch.Close()
}

// pipelineFor finds the live pipeline that delivered msg
func (b *Backend) pipelineFor(address string, msg contracts.RawMessage) (*pipeline, error) {
	b.mu.Lock()
	p, ok := b.pipelines[address]
	b.mu.Unlock()
	if !ok || p.id != msg.Attributes[AttrChannel] {
		return nil, contracts.NewTransportError("settle", address,
			fmt.Errorf("delivery %d belongs to a closed channel", msg.DeliveryTag))
	}
	return p, nil
}

// Acknowledge acks the delivery on the channel that delivered it
func (b *Backend) Acknowledge(ctx context.Context, address string, msg contracts.RawMessage) error {
	p, err := b.pipelineFor(address, msg)
	if err != nil {
		return err
	}
	if !p.settle(msg.DeliveryTag) {
		return nil
	}
	if err := p.ch.Ack(msg.DeliveryTag, false); err != nil {
		return contracts.NewTransportError("ack", address, err)
	}
	return nil
}

// Reject nacks the delivery, asking the broker to requeue it or drop it
func (b *Backend) Reject(ctx context.Context, address string, msg contracts.RawMessage, requeue bool) error {
	p, err := b.pipelineFor(address, msg)
	if err != nil {
		return err
	}
	if !p.settle(msg.DeliveryTag) {
		return nil
	}
	if err := p.ch.Nack(msg.DeliveryTag, false, requeue); err != nil {
		return contracts.NewTransportError("nack", address, err)
	}
	return nil
}

// Send publishes body as a persistent message to the default exchange,
// routed to queueName. The queue is declared durable on first use.
func (b *Backend) Send(ctx context.Context, queueName string, body string) (contracts.SendResult, error) {
	failed := contracts.SendResult{Status: contracts.SendStatusError, Message: "Failed to queue message"}

	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	ch, err := b.publishChannel(queueName)
	if err != nil {
		return failed, err
	}

	if !b.declared[queueName] {
		if _, err := ch.QueueDeclare(queueName, true, false, false, false, nil); err != nil {
			b.resetPublishChannel()
			return failed, contracts.NewTransportError("declare", queueName, err)
		}
		b.declared[queueName] = true
	}

	id := uuid.NewString()
	err = ch.PublishWithContext(ctx, "", queueName, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    id,
		Timestamp:    time.Now(),
		Body:         []byte(body),
	})
	if err != nil {
		b.resetPublishChannel()
		return failed, contracts.NewTransportError("publish", queueName, err)
	}

	b.logger.Debug().Str("queue", queueName).Str("message_id", id).Msg("Published message")
	return contracts.SendResult{
		Status:    contracts.SendStatusSuccess,
		Message:   "Message queued",
		MessageID: id,
	}, nil
}

// publishChannel returns the publishing channel. b.pubMu must be held.
func (b *Backend) publishChannel(queue string) (Channel, error) {
	if b.pubCh != nil {
		return b.pubCh, nil
	}

	b.mu.Lock()
	conn, err := b.connection(queue)
	b.mu.Unlock()
	if err != nil {
		return nil, contracts.NewTransportError("connect", queue, err)
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, contracts.NewTransportError("channel", queue, err)
	}
	b.pubCh = ch
	return ch, nil
}

// resetPublishChannel drops a channel the broker may have closed. b.pubMu must be held.
func (b *Backend) resetPublishChannel() {
	if b.pubCh != nil {
		_ = b.pubCh.Close()
	}
	b.pubCh = nil
	b.declared = make(map[string]bool)
}

// Close stops every pipeline and closes the connection
func (b *Backend) Close() error {
	b.cancel()

	b.pubMu.Lock()
	b.resetPublishChannel()
	b.pubMu.Unlock()

	b.mu.Lock()
	defer b.mu.Unlock()

	for queue, p := range b.pipelines {
		_ = p.ch.Close()
		delete(b.pipelines, queue)
	}
	if b.conn == nil {
		return nil
	}
	err := b.conn.Close()
	b.conn = nil
	if err != nil && !errors.Is(err, amqp.ErrClosed) {
		return fmt.Errorf("failed to close RabbitMQ connection: %w", err)
	}
	return nil
}

func toRawMessage(d amqp.Delivery, p *pipeline) contracts.RawMessage {
	attrs := make(map[string]string, len(d.Headers)+3)
	for k, v := range d.Headers {
		attrs[k] = fmt.Sprint(v)
	}
	// headers never override the consumer channel a delivery is settled on
	attrs[AttrChannel] = p.id
	attrs["content_type"] = d.ContentType
	if d.RoutingKey != "" {
		attrs["routing_key"] = d.RoutingKey
	}

	id := d.MessageId
	if id == "" {
		id = p.id + ":" + strconv.FormatUint(d.DeliveryTag, 10)
	}

	return contracts.RawMessage{
		ID:          id,
		DeliveryTag: d.DeliveryTag,
		Body:        payload.UnwrapBrokerBody(d.Body),
		Attributes:  attrs,
		Queue:       p.queue,
		Redelivered: d.Redelivered,
	}
}
