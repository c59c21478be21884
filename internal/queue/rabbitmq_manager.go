package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"notifyhub/internal/metrics"
	"notifyhub/internal/models"
)

var (
	ErrNotConnected = errors.New("broker not connected")
	ErrClosed       = errors.New("queue manager closed")
)

// RetryCountHeader carries how many times a message has been redelivered.
const RetryCountHeader = "x-retry-count"

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

type Options struct {
	URL         string
	Exchange    string
	Heartbeat   time.Duration
	Prefetch    int
	MaxPriority int
	Backoff     Backoff
	// Name is reported to the broker as connection_name.
	Name   string
	Dialer Dialer
}

// Handler processes one delivery and is responsible for acking or nacking it.
type Handler func(ctx context.Context, d amqp.Delivery)

// Manager owns the broker connection, the topology and a publishing channel.
// A supervisor goroutine started by Start reconnects with exponential backoff
// whenever the connection drops.
type Manager struct {
	opts Options

	connectMu sync.Mutex
	pubMu     sync.Mutex

	mu    sync.RWMutex
	state State
	conn  Connection
	pubCh Channel
	ready chan struct{}

	lost      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

func NewManager(opts Options) *Manager {
	if opts.Exchange == "" {
		opts.Exchange = DefaultExchange
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 60 * time.Second
	}
	if opts.Prefetch <= 0 {
		opts.Prefetch = 1
	}
	if opts.Backoff.Initial <= 0 {
		opts.Backoff = DefaultBackoff()
	}
	if opts.Dialer == nil {
		opts.Dialer = DialAMQP
	}

	return &Manager{
		opts:   opts,
		state:  StateDisconnected,
		ready:  make(chan struct{}),
		lost:   make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Ready returns a channel closed once the manager is connected. A new channel
// is handed out after every disconnect.
func (m *Manager) Ready() <-chan struct{} {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.ready
}

// Connect dials the broker and declares the topology. It is a no-op when
// already connected.
func (m *Manager) Connect(ctx context.Context) error {
	m.connectMu.Lock()
	defer m.connectMu.Unlock()

	m.mu.Lock()
	switch m.state {
	case StateClosed:
		m.mu.Unlock()
		return ErrClosed
	case StateConnected:
		m.mu.Unlock()
		return nil
	}
	m.state = StateConnecting
	m.mu.Unlock()

	if err := ctx.Err(); err != nil {
		m.setDisconnected()
		return err
	}

	conn, err := m.opts.Dialer(m.opts.URL, amqp.Config{
		Heartbeat:  m.opts.Heartbeat,
		Properties: amqp.Table{"connection_name": m.opts.Name},
	})
	if err != nil {
		m.setDisconnected()
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		m.setDisconnected()
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := declareTopology(ch, m.opts.Exchange, m.opts.MaxPriority); err != nil {
		_ = conn.Close()
		m.setDisconnected()
		return fmt.Errorf("failed to setup exchanges and queues: %w", err)
	}

	closeCh := conn.NotifyClose(make(chan *amqp.Error, 1))

	m.mu.Lock()
	if m.state == StateClosed {
		m.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	m.conn = conn
	m.pubCh = ch
	m.state = StateConnected
	close(m.ready)
	m.mu.Unlock()

	m.wg.Add(1)
	go m.watch(conn, closeCh)
	m.watchChannel(ch)

	log.Info().Str("exchange", m.opts.Exchange).Msg("RabbitMQ connected, topology declared")
	return nil
}

func (m *Manager) setDisconnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != StateClosed {
		m.state = StateDisconnected
	}
}

func (m *Manager) watch(conn Connection, closeCh chan *amqp.Error) {
	defer m.wg.Done()

	select {
	case amqpErr := <-closeCh:
		// nil when the connection was closed locally
		m.markLost(conn, amqpErr)
	case <-m.closed:
	}
}

func (m *Manager) markLost(conn Connection, cause *amqp.Error) {
	m.mu.Lock()
	if m.conn != conn || m.state == StateClosed {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.pubCh = nil
	m.state = StateDisconnected
	m.ready = make(chan struct{})
	m.mu.Unlock()

	evt := log.Warn()
	if cause != nil {
		evt = evt.Str("reason", cause.Reason).Int("code", cause.Code)
	}
	evt.Msg("RabbitMQ connection lost")

	select {
	case m.lost <- struct{}{}:
	default:
	}
}

// Start runs the reconnect supervisor until ctx is done or Close is called.
// It also performs the initial connection.
func (m *Manager) Start(ctx context.Context) {
	if m.State() != StateConnected {
		select {
		case m.lost <- struct{}{}:
		default:
		}
	}

	m.wg.Add(1)
	go m.supervise(ctx)
}

func (m *Manager) supervise(ctx context.Context) {
	defer m.wg.Done()

	for {
		select {
		case <-m.lost:
		case <-m.closed:
			return
		case <-ctx.Done():
			return
		}

		for attempt := 0; ; attempt++ {
			err := m.Connect(ctx)
			if err == nil {
				if attempt > 0 {
					metrics.Reconnects.Inc()
				}
				break
			}
			if errors.Is(err, ErrClosed) {
				return
			}

			delay := m.opts.Backoff.Delay(attempt)
			log.Warn().Err(err).Int("attempt", attempt+1).Dur("retry_in", delay).Msg("RabbitMQ reconnect failed")

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-m.closed:
				timer.Stop()
				return
			case <-ctx.Done():
				timer.Stop()
				return
			}
		}
	}
}

// publishChannel returns the publishing channel, reconnecting once
// synchronously when the manager is disconnected.
func (m *Manager) publishChannel(ctx context.Context) (Channel, error) {
	m.mu.RLock()
	ch, conn, state := m.pubCh, m.conn, m.state
	m.mu.RUnlock()

	if state == StateClosed {
		return nil, ErrClosed
	}
	if ch != nil {
		return ch, nil
	}

	if conn == nil || conn.IsClosed() {
		if err := m.Connect(ctx); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
		}
		m.mu.RLock()
		ch = m.pubCh
		m.mu.RUnlock()
		if ch == nil {
			return nil, ErrNotConnected
		}
		return ch, nil
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	m.mu.Lock()
	m.pubCh = ch
	m.mu.Unlock()
	m.watchChannel(ch)
	return ch, nil
}

// watchChannel forgets the publishing channel once the broker closes it, so
// the next publish opens a fresh one on the live connection.
func (m *Manager) watchChannel(ch Channel) {
	closeCh := ch.NotifyClose(make(chan *amqp.Error, 1))

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		select {
		case amqpErr, ok := <-closeCh:
			if ok && amqpErr != nil {
				log.Warn().Str("reason", amqpErr.Reason).Int("code", amqpErr.Code).Msg("publishing channel closed by broker")
			}
		case <-m.closed:
			return
		}

		m.mu.Lock()
		if m.pubCh == ch {
			m.pubCh = nil
		}
		m.mu.Unlock()
	}()
}

func (m *Manager) dropChannel(ch Channel) {
	m.mu.Lock()
	if m.pubCh == ch {
		m.pubCh = nil
	}
	m.mu.Unlock()
	_ = ch.Close()
}

// Publish sends msg to the exchange under the type's routing key. It returns
// true once the broker accepted the message into its buffer.
func (m *Manager) Publish(ctx context.Context, typ models.NotificationType, msg models.Message) (bool, error) {
	key, err := routingKey(typ)
	if err != nil {
		return false, err
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return false, fmt.Errorf("failed to marshal message: %w", err)
	}

	env := msg.Common()
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    env.CorrelationID,
		Priority:     env.Priority.AMQP(),
		Timestamp:    env.Timestamp,
		Headers:      amqp.Table{RetryCountHeader: int32(0)},
		Body:         body,
	}

	m.pubMu.Lock()
	defer m.pubMu.Unlock()

	ch, err := m.publishChannel(ctx)
	if err != nil {
		return false, err
	}

	err = ch.PublishWithContext(ctx, m.opts.Exchange, key, false, false, pub)
	if errors.Is(err, amqp.ErrClosed) {
		// the channel died before its close notification was handled
		m.dropChannel(ch)
		if ch, err = m.publishChannel(ctx); err != nil {
			return false, err
		}
		err = ch.PublishWithContext(ctx, m.opts.Exchange, key, false, false, pub)
	}
	if err != nil {
		m.dropChannel(ch)
		return false, fmt.Errorf("failed to publish %s: %w", env.CorrelationID, err)
	}

	log.Debug().
		Str("correlation_id", env.CorrelationID).
		Str("routing_key", key).
		Msg("message published")
	return true, nil
}

// Consume delivers messages from queue to handler one at a time until ctx is
// cancelled or the manager is closed, resubscribing after reconnects.
func (m *Manager) Consume(ctx context.Context, queue, tag string, handler Handler) error {
	for {
		select {
		case <-m.Ready():
		case <-m.closed:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}

		ch, deliveries, err := m.subscribe(queue, tag)
		if err != nil {
			log.Warn().Err(err).Str("queue", queue).Msg("subscribe failed")
			select {
			case <-time.After(m.opts.Backoff.Initial):
				continue
			case <-m.closed:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		log.Info().Str("queue", queue).Int("prefetch", m.opts.Prefetch).Msg("consumer started")
		err = m.drain(ctx, deliveries, handler)
		_ = ch.Close()
		if err != nil {
			return err
		}

		select {
		case <-m.closed:
			return nil
		default:
			log.Warn().Str("queue", queue).Msg("delivery channel closed, resubscribing")
		}
	}
}

func (m *Manager) subscribe(queue, tag string) (Channel, <-chan amqp.Delivery, error) {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()
	if conn == nil {
		return nil, nil, ErrNotConnected
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open consumer channel: %w", err)
	}
	if err := ch.Qos(m.opts.Prefetch, 0, false); err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("failed to set prefetch: %w", err)
	}

	deliveries, err := ch.Consume(queue, tag, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, nil, fmt.Errorf("failed to consume %s: %w", queue, err)
	}
	return ch, deliveries, nil
}

func (m *Manager) drain(ctx context.Context, deliveries <-chan amqp.Delivery, handler Handler) error {
	for {
		select {
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			handler(ctx, d)
		case <-m.closed:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// QueueStats reports ready messages and consumers for every declared queue.
func (m *Manager) QueueStats(ctx context.Context) (map[string]models.QueueStat, error) {
	m.mu.RLock()
	conn := m.conn
	m.mu.RUnlock()
	if conn == nil {
		return nil, ErrNotConnected
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// a failed passive declare closes the channel, so use a throwaway one
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open stats channel: %w", err)
	}
	defer ch.Close()

	stats := make(map[string]models.QueueStat, len(bindings))
	for _, name := range Queues() {
		q, err := ch.QueueDeclarePassive(name, true, false, false, false, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to inspect queue %s: %w", name, err)
		}
		stats[name] = models.QueueStat{MessageCount: q.Messages, ConsumerCount: q.Consumers}
	}
	return stats, nil
}

// HealthCheck passively checks that the email queue exists.
func (m *Manager) HealthCheck(ctx context.Context) bool {
	m.mu.RLock()
	conn, state := m.conn, m.state
	m.mu.RUnlock()
	if state != StateConnected || conn == nil || ctx.Err() != nil {
		return false
	}

	ch, err := conn.Channel()
	if err != nil {
		return false
	}
	defer ch.Close()

	_, err = ch.QueueDeclarePassive(EmailQueue, true, false, false, false, nil)
	return err == nil
}

// Close stops the supervisor and closes the connection.
func (m *Manager) Close() error {
	var err error
	m.closeOnce.Do(func() {
		close(m.closed)

		m.mu.Lock()
		conn, ch := m.conn, m.pubCh
		m.conn, m.pubCh = nil, nil
		m.state = StateClosed
		m.mu.Unlock()

		if ch != nil {
			_ = ch.Close()
		}
		if conn != nil {
			err = conn.Close()
		}
		m.wg.Wait()
		log.Info().Msg("RabbitMQ manager closed")
	})
	return err
}
