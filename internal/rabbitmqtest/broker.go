// Package rabbitmqtest provides an in-memory broker implementing the
// transport interfaces of internal/rabbitmq, for tests.
//
// It models what the bus relies on: direct, topic and fanout exchanges, the
// default exchange, durable/exclusive/auto-delete queues, per-consumer
// prefetch, ack/nack with requeue and the redelivered flag, and channel
// exceptions that close the channel (404 on a missing queue, 406 on a
// conflicting redeclare). Failures can be injected per operation.
package rabbitmqtest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/glimte/hutch-go/internal/rabbitmq"
)

// deliveryBuffer bounds how many deliveries wait in a consumer's channel.
const deliveryBuffer = 1024

// Operation names accepted by FailNext.
const (
	OpDial            = "dial"
	OpChannel         = "channel"
	OpQos             = "qos"
	OpConfirm         = "confirm"
	OpExchangeDeclare = "exchange.declare"
	OpExchangeDelete  = "exchange.delete"
	OpQueueDeclare    = "queue.declare"
	OpQueueBind       = "queue.bind"
	OpQueueDelete     = "queue.delete"
	OpQueuePurge      = "queue.purge"
	OpConsume         = "consume"
	OpCancel          = "cancel"
	OpPublish         = "publish"
	OpAck             = "ack"
	OpNack            = "nack"
)

// Message is a message held by a queue.
type Message struct {
	Exchange    string
	RoutingKey  string
	Publishing  amqp.Publishing
	Redelivered bool
}

// Published records one publish call.
type Published struct {
	Exchange   string
	RoutingKey string
	Publishing amqp.Publishing
	Queues     []string
}

// Disposition records one acknowledgment a consumer sent.
type Disposition struct {
	Queue       string
	ConsumerTag string
	Type        string
	Body        []byte
	Kind        string // ack, nack or reject
	Requeue     bool
	Redelivered bool
}

// Broker is an in-memory AMQP broker. It implements rabbitmq.Dialer.
type Broker struct {
	mu           sync.Mutex
	exchanges    map[string]*exchange
	queues       map[string]*queue
	conns        map[*Conn]struct{}
	failures     map[string][]error
	published    []Published
	dispositions []Disposition
	violations   []string
	dials        []rabbitmq.DialConfig
}

type exchange struct {
	name       string
	kind       string
	durable    bool
	autoDelete bool
	bindings   []binding
}

type binding struct {
	queue string
	key   string
}

type queue struct {
	name         string
	durable      bool
	autoDelete   bool
	exclusive    bool
	owner        *Conn
	ready        []*Message
	consumers    []*consumer
	hadConsumers bool
	next         int
}

type consumer struct {
	tag        string
	ch         *Channel
	q          *queue
	autoAck    bool
	prefetch   int
	unacked    int
	deliveries chan amqp.Delivery
}

type pending struct {
	q   *queue
	c   *consumer
	msg *Message
}

// NewBroker creates an empty broker with the default exchange.
func NewBroker() *Broker {
	return &Broker{
		exchanges: map[string]*exchange{
			"": {name: "", kind: rabbitmq.ExchangeDirect, durable: true},
		},
		queues:   make(map[string]*queue),
		conns:    make(map[*Conn]struct{}),
		failures: make(map[string][]error),
	}
}

// Dial opens a new connection.
func (b *Broker) Dial(ctx context.Context, url string, cfg rabbitmq.DialConfig) (rabbitmq.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.takeFailureLocked(OpDial); err != nil {
		return nil, err
	}

	b.dials = append(b.dials, cfg)
	conn := &Conn{broker: b, channels: make(map[*Channel]struct{})}
	b.conns[conn] = struct{}{}
	return conn, nil
}

// FailNext makes the next call of op fail with err. Calls queue up.
func (b *Broker) FailNext(op string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[op] = append(b.failures[op], err)
}

// Dials returns the configuration of every dial so far.
func (b *Broker) Dials() []rabbitmq.DialConfig {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]rabbitmq.DialConfig(nil), b.dials...)
}

// Published returns every publish so far.
func (b *Broker) Published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Published(nil), b.published...)
}

// Dispositions returns every acknowledgment consumers sent so far.
func (b *Broker) Dispositions() []Disposition {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Disposition(nil), b.dispositions...)
}

// Violations lists protocol misuse such as acknowledging an unknown or
// already acknowledged delivery tag.
func (b *Broker) Violations() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.violations...)
}

// Messages returns the ready messages of a queue without consuming them.
func (b *Broker) Messages(name string) []Message {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[name]
	if !ok {
		return nil
	}
	out := make([]Message, len(q.ready))
	for i, m := range q.ready {
		out[i] = *m
	}
	return out
}

// QueueLen returns the number of ready messages in a queue.
func (b *Broker) QueueLen(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if q, ok := b.queues[name]; ok {
		return len(q.ready)
	}
	return 0
}

// HasQueue reports whether a queue exists.
func (b *Broker) HasQueue(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.queues[name]
	return ok
}

// QueueNames returns every queue whose name starts with prefix.
func (b *Broker) QueueNames(prefix string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	var names []string
	for name := range b.queues {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	return names
}

// QueueFlags reports how a queue was declared.
func (b *Broker) QueueFlags(name string) (durable, exclusive, autoDelete, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, found := b.queues[name]
	if !found {
		return false, false, false, false
	}
	return q.durable, q.exclusive, q.autoDelete, true
}

// ConsumerCount returns the number of consumers on a queue.
func (b *Broker) ConsumerCount(name string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if q, ok := b.queues[name]; ok {
		return len(q.consumers)
	}
	return 0
}

// ExchangeKind returns the kind of a declared exchange.
func (b *Broker) ExchangeKind(name string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ex, ok := b.exchanges[name]
	if !ok {
		return "", false
	}
	return ex.kind, true
}

// Bindings returns the routing keys binding queue to exchange.
func (b *Broker) Bindings(exchangeName, queueName string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return nil
	}
	var keys []string
	for _, bd := range ex.bindings {
		if bd.queue == queueName {
			keys = append(keys, bd.key)
		}
	}
	return keys
}

// Inject places a message straight onto a queue, as a foreign producer
// would. The queue is created durable if missing.
func (b *Broker) Inject(queueName string, msg amqp.Publishing) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queueName]
	if !ok {
		q = &queue{name: queueName, durable: true}
		b.queues[queueName] = q
	}
	q.ready = append(q.ready, &Message{RoutingKey: queueName, Publishing: msg})
	b.dispatchLocked(q)
}

// OpenConnections returns the number of connections not yet closed.
func (b *Broker) OpenConnections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.conns)
}

// KillConnections closes every connection as the broker would on a forced
// shutdown, notifying close listeners with reason.
func (b *Broker) KillConnections(reason string) {
	b.mu.Lock()
	conns := make([]*Conn, 0, len(b.conns))
	for c := range b.conns {
		conns = append(conns, c)
	}
	b.mu.Unlock()

	for _, c := range conns {
		c.close(&amqp.Error{Code: amqp.ConnectionForced, Reason: reason, Server: true})
	}
}

func (b *Broker) takeFailureLocked(op string) error {
	errs := b.failures[op]
	if len(errs) == 0 {
		return nil
	}
	b.failures[op] = errs[1:]
	return errs[0]
}

// route returns the queues a publish reaches. Callers hold b.mu.
func (b *Broker) routeLocked(ex *exchange, key string) []*queue {
	if ex.name == "" {
		if q, ok := b.queues[key]; ok {
			return []*queue{q}
		}
		return nil
	}

	seen := make(map[string]struct{})
	var out []*queue
	for _, bd := range ex.bindings {
		var hit bool
		switch ex.kind {
		case rabbitmq.ExchangeDirect:
			hit = bd.key == key
		case rabbitmq.ExchangeTopic:
			hit = MatchTopic(bd.key, key)
		case "fanout":
			hit = true
		}
		if !hit {
			continue
		}
		if _, dup := seen[bd.queue]; dup {
			continue
		}
		if q, ok := b.queues[bd.queue]; ok {
			seen[bd.queue] = struct{}{}
			out = append(out, q)
		}
	}
	return out
}

// dispatchLocked hands ready messages to consumers with spare prefetch,
// round robin. Callers hold b.mu.
func (b *Broker) dispatchLocked(q *queue) {
	for len(q.ready) > 0 && len(q.consumers) > 0 {
		c := b.nextConsumerLocked(q)
		if c == nil {
			return
		}

		msg := q.ready[0]
		c.ch.nextTag++
		tag := c.ch.nextTag

		d := amqp.Delivery{
			Acknowledger:    c.ch,
			Headers:         msg.Publishing.Headers,
			ContentType:     msg.Publishing.ContentType,
			ContentEncoding: msg.Publishing.ContentEncoding,
			DeliveryMode:    msg.Publishing.DeliveryMode,
			Priority:        msg.Publishing.Priority,
			CorrelationId:   msg.Publishing.CorrelationId,
			ReplyTo:         msg.Publishing.ReplyTo,
			Expiration:      msg.Publishing.Expiration,
			MessageId:       msg.Publishing.MessageId,
			Timestamp:       msg.Publishing.Timestamp,
			Type:            msg.Publishing.Type,
			UserId:          msg.Publishing.UserId,
			AppId:           msg.Publishing.AppId,
			ConsumerTag:     c.tag,
			DeliveryTag:     tag,
			Redelivered:     msg.Redelivered,
			Exchange:        msg.Exchange,
			RoutingKey:      msg.RoutingKey,
			Body:            msg.Publishing.Body,
		}

		select {
		case c.deliveries <- d:
		default:
			c.ch.nextTag--
			return
		}

		q.ready = q.ready[1:]
		if !c.autoAck {
			c.unacked++
			c.ch.unacked[tag] = &pending{q: q, c: c, msg: msg}
		}
	}
}

func (b *Broker) nextConsumerLocked(q *queue) *consumer {
	n := len(q.consumers)
	for i := 0; i < n; i++ {
		c := q.consumers[(q.next+i)%n]
		if c.prefetch > 0 && c.unacked >= c.prefetch {
			continue
		}
		if len(c.deliveries) == cap(c.deliveries) {
			continue
		}
		q.next = (q.next + i + 1) % n
		return c
	}
	return nil
}

// removeConsumerLocked detaches a consumer and closes its delivery stream.
func (b *Broker) removeConsumerLocked(c *consumer) {
	q := c.q
	for i, other := range q.consumers {
		if other == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}
	if q.next >= len(q.consumers) {
		q.next = 0
	}
	delete(c.ch.consumers, c.tag)
	close(c.deliveries)

	if q.autoDelete && q.hadConsumers && len(q.consumers) == 0 {
		b.deleteQueueLocked(q)
	}
}

func (b *Broker) deleteQueueLocked(q *queue) int {
	if b.queues[q.name] != q {
		return 0
	}
	delete(b.queues, q.name)

	for _, ex := range b.exchanges {
		kept := ex.bindings[:0]
		for _, bd := range ex.bindings {
			if bd.queue != q.name {
				kept = append(kept, bd)
			}
		}
		ex.bindings = kept
	}

	for len(q.consumers) > 0 {
		c := q.consumers[0]
		q.consumers = q.consumers[1:]
		delete(c.ch.consumers, c.tag)
		close(c.deliveries)
	}

	n := len(q.ready)
	q.ready = nil
	return n
}

func (b *Broker) settleLocked(ch *Channel, tag uint64, kind string, requeue bool) error {
	p, ok := ch.unacked[tag]
	if !ok {
		v := fmt.Sprintf("%s of unknown delivery tag %d on channel %s", kind, tag, ch.id)
		b.violations = append(b.violations, v)
		return &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED - " + v}
	}
	delete(ch.unacked, tag)
	p.c.unacked--

	b.dispositions = append(b.dispositions, Disposition{
		Queue:       p.q.name,
		ConsumerTag: p.c.tag,
		Type:        p.msg.Publishing.Type,
		Body:        p.msg.Publishing.Body,
		Kind:        kind,
		Requeue:     requeue,
		Redelivered: p.msg.Redelivered,
	})

	if requeue && b.queues[p.q.name] == p.q {
		redelivered := *p.msg
		redelivered.Redelivered = true
		p.q.ready = append([]*Message{&redelivered}, p.q.ready...)
	}

	b.dispatchLocked(p.q)
	return nil
}

// channelError closes ch the way a broker channel exception does.
func (b *Broker) channelErrorLocked(ch *Channel, code int, reason string) error {
	err := &amqp.Error{Code: code, Reason: reason, Server: true}
	ch.closeLocked()
	return err
}

// Conn is an in-memory connection.
type Conn struct {
	broker   *Broker
	channels map[*Channel]struct{}
	notify   []chan *amqp.Error
	closed   bool
}

// Channel opens a channel.
func (c *Conn) Channel() (rabbitmq.Channel, error) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}
	if err := b.takeFailureLocked(OpChannel); err != nil {
		return nil, err
	}

	ch := &Channel{
		id:        uuid.NewString()[:8],
		conn:      c,
		consumers: make(map[string]*consumer),
		unacked:   make(map[uint64]*pending),
	}
	c.channels[ch] = struct{}{}
	return ch, nil
}

// NotifyClose registers a listener for connection close.
func (c *Conn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()

	if c.closed {
		close(receiver)
		return receiver
	}
	c.notify = append(c.notify, receiver)
	return receiver
}

// IsClosed reports whether the connection is closed.
func (c *Conn) IsClosed() bool {
	c.broker.mu.Lock()
	defer c.broker.mu.Unlock()
	return c.closed
}

// Close closes the connection, its channels and its exclusive queues.
func (c *Conn) Close() error {
	if c.IsClosed() {
		return amqp.ErrClosed
	}
	c.close(nil)
	return nil
}

func (c *Conn) close(reason *amqp.Error) {
	b := c.broker
	b.mu.Lock()
	if c.closed {
		b.mu.Unlock()
		return
	}
	c.closed = true
	delete(b.conns, c)

	for ch := range c.channels {
		ch.closeLocked()
	}
	for _, q := range b.queues {
		if q.exclusive && q.owner == c {
			b.deleteQueueLocked(q)
		}
	}
	notify := c.notify
	c.notify = nil
	b.mu.Unlock()

	for _, receiver := range notify {
		if reason != nil {
			receiver <- reason
		}
		close(receiver)
	}
}

// Channel is an in-memory channel. It is also the Acknowledger of the
// deliveries it hands out.
type Channel struct {
	id         string
	conn       *Conn
	prefetch   int
	confirming bool
	closed     bool
	nextTag    uint64
	consumers  map[string]*consumer
	unacked    map[uint64]*pending
}

func (ch *Channel) lock() (*Broker, error) {
	b := ch.conn.broker
	b.mu.Lock()
	if ch.closed {
		b.mu.Unlock()
		return nil, amqp.ErrClosed
	}
	return b, nil
}

// closeLocked closes the channel: consumers stop and unacked deliveries
// go back to their queues flagged as redelivered.
func (ch *Channel) closeLocked() {
	if ch.closed {
		return
	}
	ch.closed = true
	b := ch.conn.broker
	delete(ch.conn.channels, ch)

	for _, c := range ch.consumers {
		b.removeConsumerLocked(c)
	}

	touched := make(map[*queue]struct{})
	for tag, p := range ch.unacked {
		delete(ch.unacked, tag)
		if b.queues[p.q.name] != p.q {
			continue
		}
		redelivered := *p.msg
		redelivered.Redelivered = true
		p.q.ready = append([]*Message{&redelivered}, p.q.ready...)
		touched[p.q] = struct{}{}
	}
	for q := range touched {
		b.dispatchLocked(q)
	}
}

// Qos sets the prefetch applied to consumers started afterwards.
func (ch *Channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	b, err := ch.lock()
	if err != nil {
		return err
	}
	defer b.mu.Unlock()

	if err := b.takeFailureLocked(OpQos); err != nil {
		return err
	}
	ch.prefetch = prefetchCount
	return nil
}

// Confirm puts the channel in confirm mode.
func (ch *Channel) Confirm(noWait bool) error {
	b, err := ch.lock()
	if err != nil {
		return err
	}
	defer b.mu.Unlock()

	if err := b.takeFailureLocked(OpConfirm); err != nil {
		return err
	}
	ch.confirming = true
	return nil
}

// ExchangeDeclare declares an exchange.
func (ch *Channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	b, err := ch.lock()
	if err != nil {
		return err
	}
	defer b.mu.Unlock()

	if err := b.takeFailureLocked(OpExchangeDeclare); err != nil {
		return err
	}
	if name == "" || strings.HasPrefix(name, "amq.") {
		return b.channelErrorLocked(ch, amqp.AccessRefused, "ACCESS_REFUSED - exchange name '"+name+"' is reserved")
	}
	switch kind {
	case rabbitmq.ExchangeDirect, rabbitmq.ExchangeTopic, "fanout":
	default:
		return b.channelErrorLocked(ch, amqp.CommandInvalid, "COMMAND_INVALID - unknown exchange type '"+kind+"'")
	}

	if ex, ok := b.exchanges[name]; ok {
		if ex.kind != kind || ex.durable != durable {
			return b.channelErrorLocked(ch, amqp.PreconditionFailed,
				fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg for exchange '%s'", name))
		}
		return nil
	}
	b.exchanges[name] = &exchange{name: name, kind: kind, durable: durable, autoDelete: autoDelete}
	return nil
}

// ExchangeDelete deletes an exchange. Deleting a missing exchange succeeds.
func (ch *Channel) ExchangeDelete(name string, ifUnused, noWait bool) error {
	b, err := ch.lock()
	if err != nil {
		return err
	}
	defer b.mu.Unlock()

	if err := b.takeFailureLocked(OpExchangeDelete); err != nil {
		return err
	}
	if name == "" {
		return b.channelErrorLocked(ch, amqp.AccessRefused, "ACCESS_REFUSED - the default exchange cannot be deleted")
	}
	ex, ok := b.exchanges[name]
	if !ok {
		return nil
	}
	if ifUnused && len(ex.bindings) > 0 {
		return b.channelErrorLocked(ch, amqp.PreconditionFailed,
			fmt.Sprintf("PRECONDITION_FAILED - exchange '%s' in use", name))
	}
	delete(b.exchanges, name)
	return nil
}

// QueueDeclare declares a queue. An empty name gets a generated one.
func (ch *Channel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b, err := ch.lock()
	if err != nil {
		return amqp.Queue{}, err
	}
	defer b.mu.Unlock()

	if err := b.takeFailureLocked(OpQueueDeclare); err != nil {
		return amqp.Queue{}, err
	}
	if name == "" {
		name = "amq.gen-" + uuid.NewString()
	}

	if q, ok := b.queues[name]; ok {
		if q.exclusive && q.owner != ch.conn {
			return amqp.Queue{}, b.channelErrorLocked(ch, amqp.ResourceLocked,
				fmt.Sprintf("RESOURCE_LOCKED - cannot obtain exclusive access to locked queue '%s'", name))
		}
		if q.durable != durable || q.exclusive != exclusive || q.autoDelete != autoDelete {
			return amqp.Queue{}, b.channelErrorLocked(ch, amqp.PreconditionFailed,
				fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg for queue '%s'", name))
		}
		return amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
	}

	q := &queue{name: name, durable: durable, autoDelete: autoDelete, exclusive: exclusive}
	if exclusive {
		q.owner = ch.conn
	}
	b.queues[name] = q
	return amqp.Queue{Name: name}, nil
}

// QueueDeclarePassive inspects a queue; a missing queue closes the channel
// with a 404.
func (ch *Channel) QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	b, err := ch.lock()
	if err != nil {
		return amqp.Queue{}, err
	}
	defer b.mu.Unlock()

	if err := b.takeFailureLocked(OpQueueDeclare); err != nil {
		return amqp.Queue{}, err
	}
	q, ok := b.queues[name]
	if !ok {
		return amqp.Queue{}, b.channelErrorLocked(ch, amqp.NotFound,
			fmt.Sprintf("NOT_FOUND - no queue '%s' in vhost '/'", name))
	}
	return amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
}

// QueueBind binds a queue to an exchange.
func (ch *Channel) QueueBind(name, key, exchangeName string, noWait bool, args amqp.Table) error {
	b, err := ch.lock()
	if err != nil {
		return err
	}
	defer b.mu.Unlock()

	if err := b.takeFailureLocked(OpQueueBind); err != nil {
		return err
	}
	if exchangeName == "" {
		return b.channelErrorLocked(ch, amqp.AccessRefused, "ACCESS_REFUSED - operation not permitted on the default exchange")
	}
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return b.channelErrorLocked(ch, amqp.NotFound,
			fmt.Sprintf("NOT_FOUND - no exchange '%s' in vhost '/'", exchangeName))
	}
	if _, ok := b.queues[name]; !ok {
		return b.channelErrorLocked(ch, amqp.NotFound,
			fmt.Sprintf("NOT_FOUND - no queue '%s' in vhost '/'", name))
	}
	for _, bd := range ex.bindings {
		if bd.queue == name && bd.key == key {
			return nil
		}
	}
	ex.bindings = append(ex.bindings, binding{queue: name, key: key})
	return nil
}

// QueueDelete deletes a queue and returns its message count. Deleting a
// missing queue succeeds with zero.
func (ch *Channel) QueueDelete(name string, ifUnused, ifEmpty, noWait bool) (int, error) {
	b, err := ch.lock()
	if err != nil {
		return 0, err
	}
	defer b.mu.Unlock()

	if err := b.takeFailureLocked(OpQueueDelete); err != nil {
		return 0, err
	}
	q, ok := b.queues[name]
	if !ok {
		return 0, nil
	}
	if ifUnused && len(q.consumers) > 0 {
		return 0, b.channelErrorLocked(ch, amqp.PreconditionFailed,
			fmt.Sprintf("PRECONDITION_FAILED - queue '%s' in use", name))
	}
	if ifEmpty && len(q.ready) > 0 {
		return 0, b.channelErrorLocked(ch, amqp.PreconditionFailed,
			fmt.Sprintf("PRECONDITION_FAILED - queue '%s' not empty", name))
	}
	return b.deleteQueueLocked(q), nil
}

// QueuePurge drops every ready message of a queue.
func (ch *Channel) QueuePurge(name string, noWait bool) (int, error) {
	b, err := ch.lock()
	if err != nil {
		return 0, err
	}
	defer b.mu.Unlock()

	if err := b.takeFailureLocked(OpQueuePurge); err != nil {
		return 0, err
	}
	q, ok := b.queues[name]
	if !ok {
		return 0, b.channelErrorLocked(ch, amqp.NotFound,
			fmt.Sprintf("NOT_FOUND - no queue '%s' in vhost '/'", name))
	}
	n := len(q.ready)
	q.ready = nil
	return n, nil
}

// Consume starts a consumer. Its delivery channel closes on Cancel, on
// channel or connection close, and when the queue is deleted.
func (ch *Channel) Consume(queueName, tag string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	b, err := ch.lock()
	if err != nil {
		return nil, err
	}
	defer b.mu.Unlock()

	if err := b.takeFailureLocked(OpConsume); err != nil {
		return nil, err
	}
	q, ok := b.queues[queueName]
	if !ok {
		return nil, b.channelErrorLocked(ch, amqp.NotFound,
			fmt.Sprintf("NOT_FOUND - no queue '%s' in vhost '/'", queueName))
	}
	if q.exclusive && q.owner != ch.conn {
		return nil, b.channelErrorLocked(ch, amqp.ResourceLocked,
			fmt.Sprintf("RESOURCE_LOCKED - cannot obtain exclusive access to locked queue '%s'", queueName))
	}
	if tag == "" {
		tag = "amq.ctag-" + uuid.NewString()
	}
	if _, dup := ch.consumers[tag]; dup {
		return nil, b.channelErrorLocked(ch, amqp.NotAllowed,
			fmt.Sprintf("NOT_ALLOWED - attempt to reuse consumer tag '%s'", tag))
	}

	c := &consumer{
		tag:        tag,
		ch:         ch,
		q:          q,
		autoAck:    autoAck,
		prefetch:   ch.prefetch,
		deliveries: make(chan amqp.Delivery, deliveryBuffer),
	}
	ch.consumers[tag] = c
	q.consumers = append(q.consumers, c)
	q.hadConsumers = true

	b.dispatchLocked(q)
	return c.deliveries, nil
}

// Cancel stops a consumer. Unknown tags are ignored.
func (ch *Channel) Cancel(tag string, noWait bool) error {
	b, err := ch.lock()
	if err != nil {
		return err
	}
	defer b.mu.Unlock()

	if err := b.takeFailureLocked(OpCancel); err != nil {
		return err
	}
	if c, ok := ch.consumers[tag]; ok {
		b.removeConsumerLocked(c)
	}
	return nil
}

// PublishWithConfirm routes a message. Unroutable messages are dropped,
// as the broker does without the mandatory flag.
func (ch *Channel) PublishWithConfirm(ctx context.Context, exchangeName, key string, msg amqp.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b, err := ch.lock()
	if err != nil {
		return err
	}
	defer b.mu.Unlock()

	if err := b.takeFailureLocked(OpPublish); err != nil {
		return err
	}
	ex, ok := b.exchanges[exchangeName]
	if !ok {
		return b.channelErrorLocked(ch, amqp.NotFound,
			fmt.Sprintf("NOT_FOUND - no exchange '%s' in vhost '/'", exchangeName))
	}

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	targets := b.routeLocked(ex, key)

	rec := Published{Exchange: exchangeName, RoutingKey: key, Publishing: msg}
	for _, q := range targets {
		rec.Queues = append(rec.Queues, q.name)
		q.ready = append(q.ready, &Message{Exchange: exchangeName, RoutingKey: key, Publishing: msg})
		b.dispatchLocked(q)
	}
	b.published = append(b.published, rec)
	return nil
}

// IsClosed reports whether the channel is closed.
func (ch *Channel) IsClosed() bool {
	b := ch.conn.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	return ch.closed
}

// Close closes the channel.
func (ch *Channel) Close() error {
	b, err := ch.lock()
	if err != nil {
		return err
	}
	defer b.mu.Unlock()

	ch.closeLocked()
	return nil
}

// Ack implements amqp.Acknowledger.
func (ch *Channel) Ack(tag uint64, multiple bool) error {
	b, err := ch.lock()
	if err != nil {
		return err
	}
	defer b.mu.Unlock()

	if err := b.takeFailureLocked(OpAck); err != nil {
		return err
	}
	return b.settleLocked(ch, tag, "ack", false)
}

// Nack implements amqp.Acknowledger.
func (ch *Channel) Nack(tag uint64, multiple, requeue bool) error {
	b, err := ch.lock()
	if err != nil {
		return err
	}
	defer b.mu.Unlock()

	if err := b.takeFailureLocked(OpNack); err != nil {
		return err
	}
	return b.settleLocked(ch, tag, "nack", requeue)
}

// Reject implements amqp.Acknowledger.
func (ch *Channel) Reject(tag uint64, requeue bool) error {
	b, err := ch.lock()
	if err != nil {
		return err
	}
	defer b.mu.Unlock()

	return b.settleLocked(ch, tag, "reject", requeue)
}

// MatchTopic reports whether a topic binding pattern matches a routing key.
// Words are separated by dots; "*" matches exactly one word and "#" matches
// zero or more.
func MatchTopic(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	if len(pattern) == 0 {
		return len(key) == 0
	}

	switch pattern[0] {
	case "#":
		for i := 0; i <= len(key); i++ {
			if matchWords(pattern[1:], key[i:]) {
				return true
			}
		}
		return false
	case "*":
		return len(key) > 0 && matchWords(pattern[1:], key[1:])
	default:
		return len(key) > 0 && pattern[0] == key[0] && matchWords(pattern[1:], key[1:])
	}
}
