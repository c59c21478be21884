// Package queuetest provides an in-memory broker that speaks the queue
// package's Connection and Channel interfaces. It models direct-exchange
// routing, per-consumer prefetch, acks, and dead-lettering on reject.
package queuetest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"

	"notifyhub/internal/queue"
)

type message struct {
	pub         amqp.Publishing
	exchange    string
	key         string
	redelivered bool
}

type fakeQueue struct {
	name      string
	args      amqp.Table
	ready     []message
	consumers []*consumer
}

type consumer struct {
	ch       *Channel
	tag      string
	out      chan amqp.Delivery
	prefetch int
	unacked  int
}

type pending struct {
	queue *fakeQueue
	cons  *consumer
	msg   message
}

// Broker is a goroutine-safe in-memory broker.
type Broker struct {
	mu        sync.Mutex
	exchanges map[string]string
	queues    map[string]*fakeQueue
	bindings  map[string]map[string][]string // exchange -> key -> queues
	inflight  map[uint64]pending
	nextTag   uint64
	conns     []*Conn

	// DialErr, when set, makes Dial fail.
	DialErr   error
	dials     int
	published []amqp.Publishing
}

func NewBroker() *Broker {
	return &Broker{
		exchanges: make(map[string]string),
		queues:    make(map[string]*fakeQueue),
		bindings:  make(map[string]map[string][]string),
		inflight:  make(map[uint64]pending),
	}
}

// Dial satisfies queue.Dialer.
func (b *Broker) Dial(_ string, _ amqp.Config) (queue.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dials++
	if b.DialErr != nil {
		return nil, b.DialErr
	}
	c := &Conn{broker: b}
	b.conns = append(b.conns, c)
	return c, nil
}

func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

func (b *Broker) SetDialErr(err error) {
	b.mu.Lock()
	b.DialErr = err
	b.mu.Unlock()
}

// Published returns every message accepted by the exchange.
func (b *Broker) Published() []amqp.Publishing {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]amqp.Publishing(nil), b.published...)
}

// QueueArgs returns the arguments a queue was declared with.
func (b *Broker) QueueArgs(name string) amqp.Table {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return q.args
	}
	return nil
}

// Bound reports whether queue is bound to exchange under key.
func (b *Broker) Bound(exchange, key, queueName string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, q := range b.bindings[exchange][key] {
		if q == queueName {
			return true
		}
	}
	return false
}

func (b *Broker) ExchangeKind(name string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.exchanges[name]
}

// Ready returns the number of ready (undelivered) messages in a queue.
func (b *Broker) Ready(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if q, ok := b.queues[name]; ok {
		return len(q.ready)
	}
	return 0
}

// DropConnections simulates the broker closing every open connection.
func (b *Broker) DropConnections() {
	b.mu.Lock()
	conns := b.conns
	b.conns = nil
	b.mu.Unlock()

	for _, c := range conns {
		c.shutdown(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED", Server: true})
	}
}

// CloseChannels simulates the broker closing every open channel with a
// channel-level error while the connections stay up.
func (b *Broker) CloseChannels() {
	b.mu.Lock()
	conns := append([]*Conn(nil), b.conns...)
	b.mu.Unlock()

	var channels []*Channel
	for _, c := range conns {
		c.mu.Lock()
		channels = append(channels, c.channels...)
		c.mu.Unlock()
	}
	for _, ch := range channels {
		ch.shutdown(&amqp.Error{Code: amqp.ChannelError, Reason: "CHANNEL_ERROR", Server: true})
	}
}

// route must be called with mu held.
func (b *Broker) route(m message) error {
	if _, ok := b.exchanges[m.exchange]; !ok {
		return fmt.Errorf("NOT_FOUND - no exchange '%s'", m.exchange)
	}
	for _, name := range b.bindings[m.exchange][m.key] {
		q := b.queues[name]
		q.ready = append(q.ready, m)
		b.dispatch(q)
	}
	return nil
}

// dispatch must be called with mu held.
func (b *Broker) dispatch(q *fakeQueue) {
	for len(q.ready) > 0 {
		var target *consumer
		for _, c := range q.consumers {
			if c.prefetch <= 0 || c.unacked < c.prefetch {
				target = c
				break
			}
		}
		if target == nil {
			return
		}

		m := q.ready[0]
		q.ready = q.ready[1:]

		b.nextTag++
		tag := b.nextTag
		target.unacked++
		b.inflight[tag] = pending{queue: q, cons: target, msg: m}

		target.out <- amqp.Delivery{
			Acknowledger: b,
			Headers:      m.pub.Headers,
			ContentType:  m.pub.ContentType,
			DeliveryMode: m.pub.DeliveryMode,
			Priority:     m.pub.Priority,
			MessageId:    m.pub.MessageId,
			Timestamp:    m.pub.Timestamp,
			ConsumerTag:  target.tag,
			DeliveryTag:  tag,
			Redelivered:  m.redelivered,
			Exchange:     m.exchange,
			RoutingKey:   m.key,
			Body:         m.pub.Body,
		}
	}
}

func (b *Broker) settle(tag uint64) (pending, error) {
	p, ok := b.inflight[tag]
	if !ok {
		return pending{}, fmt.Errorf("PRECONDITION_FAILED - unknown delivery tag %d", tag)
	}
	delete(b.inflight, tag)
	p.cons.unacked--
	return p, nil
}

func (b *Broker) Ack(tag uint64, _ bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, err := b.settle(tag)
	if err != nil {
		return err
	}
	b.dispatch(p.queue)
	return nil
}

func (b *Broker) Nack(tag uint64, _ bool, requeue bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	p, err := b.settle(tag)
	if err != nil {
		return err
	}

	if requeue {
		p.msg.redelivered = true
		p.queue.ready = append([]message{p.msg}, p.queue.ready...)
	} else if dlx, ok := p.queue.args["x-dead-letter-exchange"].(string); ok {
		dead := p.msg
		dead.exchange = dlx
		if key, ok := p.queue.args["x-dead-letter-routing-key"].(string); ok {
			dead.key = key
		}
		dead.redelivered = false
		_ = b.route(dead)
	}

	b.dispatch(p.queue)
	return nil
}

func (b *Broker) Reject(tag uint64, requeue bool) error {
	return b.Nack(tag, false, requeue)
}

// Conn is an in-memory queue.Connection.
type Conn struct {
	broker *Broker

	mu       sync.Mutex
	closed   bool
	notify   []chan *amqp.Error
	channels []*Channel
}

func (c *Conn) Channel() (queue.Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &Channel{conn: c}
	c.channels = append(c.channels, ch)
	return ch, nil
}

func (c *Conn) NotifyClose(ch chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		close(ch)
		return ch
	}
	c.notify = append(c.notify, ch)
	return ch
}

func (c *Conn) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Conn) Close() error {
	c.shutdown(nil)
	return nil
}

func (c *Conn) shutdown(cause *amqp.Error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	notify, channels := c.notify, c.channels
	c.notify, c.channels = nil, nil
	c.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Close()
	}
	for _, n := range notify {
		if cause != nil {
			select {
			case n <- cause:
			default:
			}
		}
		close(n)
	}
}

// Channel is an in-memory queue.Channel.
type Channel struct {
	conn *Conn

	mu        sync.Mutex
	closed    bool
	prefetch  int
	consumers []*consumer
	notify    []chan *amqp.Error
}

var errChannelClosed = errors.New("channel/connection is not open")

func (ch *Channel) isClosed() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closed
}

func (ch *Channel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	if ch.isClosed() {
		return errChannelClosed
	}
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.exchanges[name] = kind
	return nil
}

func (ch *Channel) QueueDeclare(name string, _, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	if ch.isClosed() {
		return amqp.Queue{}, errChannelClosed
	}
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		q = &fakeQueue{name: name, args: args}
		b.queues[name] = q
	}
	return amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
}

func (ch *Channel) QueueDeclarePassive(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	if ch.isClosed() {
		return amqp.Queue{}, errChannelClosed
	}
	b := ch.conn.broker
	b.mu.Lock()
	q, ok := b.queues[name]
	var out amqp.Queue
	if ok {
		out = amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}
	}
	b.mu.Unlock()

	if !ok {
		_ = ch.Close()
		return amqp.Queue{}, &amqp.Error{Code: amqp.NotFound, Reason: fmt.Sprintf("NOT_FOUND - no queue '%s'", name)}
	}
	return out, nil
}

func (ch *Channel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	if ch.isClosed() {
		return errChannelClosed
	}
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, ok := b.queues[name]; !ok {
		return fmt.Errorf("NOT_FOUND - no queue '%s'", name)
	}
	if b.bindings[exchange] == nil {
		b.bindings[exchange] = make(map[string][]string)
	}
	for _, q := range b.bindings[exchange][key] {
		if q == name {
			return nil
		}
	}
	b.bindings[exchange][key] = append(b.bindings[exchange][key], name)
	return nil
}

func (ch *Channel) Qos(prefetchCount, _ int, _ bool) error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return errChannelClosed
	}
	ch.prefetch = prefetchCount
	return nil
}

func (ch *Channel) PublishWithContext(ctx context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ch.isClosed() {
		return amqp.ErrClosed
	}
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.route(message{pub: msg, exchange: exchange, key: key}); err != nil {
		return err
	}
	b.published = append(b.published, msg)
	return nil
}

func (ch *Channel) Consume(queueName, tag string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return nil, errChannelClosed
	}
	prefetch := ch.prefetch
	ch.mu.Unlock()

	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queueName]
	if !ok {
		return nil, fmt.Errorf("NOT_FOUND - no queue '%s'", queueName)
	}

	c := &consumer{ch: ch, tag: tag, out: make(chan amqp.Delivery, 64), prefetch: prefetch}
	q.consumers = append(q.consumers, c)

	ch.mu.Lock()
	ch.consumers = append(ch.consumers, c)
	ch.mu.Unlock()

	b.dispatch(q)
	return c.out, nil
}

func (ch *Channel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		close(c)
		return c
	}
	ch.notify = append(ch.notify, c)
	return c
}

// Close cancels the channel's consumers and requeues their unacked messages.
func (ch *Channel) Close() error {
	ch.shutdown(nil)
	return nil
}

func (ch *Channel) shutdown(cause *amqp.Error) {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	consumers, notify := ch.consumers, ch.notify
	ch.consumers, ch.notify = nil, nil
	ch.mu.Unlock()

	ch.release(consumers)

	for _, n := range notify {
		if cause != nil {
			select {
			case n <- cause:
			default:
			}
		}
		close(n)
	}
}

func (ch *Channel) release(consumers []*consumer) {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, c := range consumers {
		for _, q := range b.queues {
			for i, qc := range q.consumers {
				if qc == c {
					q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
					break
				}
			}
		}
		for tag, p := range b.inflight {
			if p.cons == c {
				delete(b.inflight, tag)
				p.msg.redelivered = true
				p.queue.ready = append([]message{p.msg}, p.queue.ready...)
			}
		}
		close(c.out)
	}
	for _, q := range b.queues {
		b.dispatch(q)
	}
}
