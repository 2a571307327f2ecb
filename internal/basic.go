package internal

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	amqpError "github.com/grasevski/amqpcli/amqperror"
	"github.com/grasevski/amqpcli/message"
)

// Publish emits one message as a method frame, a content header, and body
// frames no larger than the negotiated frame size allows. In confirm mode
// the sequence number is taken under the same lock that orders the frames
// onto the wire, so tags match the broker's view even under concurrent
// publishers.
func (ch *channel) Publish(exchange, key string, mandatory, immediate bool, msg message.Publishing) (*DeferredConfirmation, error) {
	if err := ch.awaitFlow(); err != nil {
		return nil, err
	}

	methodPayload, err := encodeMethod(&basicPublish{
		Exchange:   exchange,
		RoutingKey: key,
		Mandatory:  mandatory,
		Immediate:  immediate,
	})
	if err != nil {
		return nil, err
	}
	headerPayload, err := encodeContentHeader(ClassBasic, uint64(len(msg.Body)), msg.Properties)
	if err != nil {
		return nil, err
	}

	chunks := splitBody(msg.Body, ch.conn.bodyChunkSize())
	frames := make([]*frame, 0, 2+len(chunks))
	frames = append(frames,
		&frame{Type: FrameMethod, Channel: ch.id, Payload: methodPayload},
		&frame{Type: FrameHeader, Channel: ch.id, Payload: headerPayload},
	)
	for _, chunk := range chunks {
		frames = append(frames, &frame{Type: FrameBody, Channel: ch.id, Payload: chunk})
	}

	ch.publishMu.Lock()
	defer ch.publishMu.Unlock()

	if !ch.isOpen() {
		return nil, ch.closedError()
	}

	var dc *DeferredConfirmation
	if ch.isConfirming() {
		dc = ch.confirms.next()
	}
	if err := ch.conn.writeFrames(frames...); err != nil {
		if dc != nil {
			// The sequence number is burned either way; settle the handle
			// so nobody waits on it.
			ch.confirms.fail(dc)
		}
		return nil, err
	}
	return dc, nil
}

// Confirm switches the channel into publisher confirm mode. The protocol
// allows this once per channel, so a repeat fails locally without a round
// trip.
func (ch *channel) Confirm(noWait bool) error {
	ch.mu.Lock()
	if !ch.open {
		err := ch.closedErrorLocked()
		ch.mu.Unlock()
		return err
	}
	if ch.confirming {
		ch.mu.Unlock()
		return amqpError.ErrConfirmsAlreadyEnabled
	}
	ch.confirming = true
	ch.mu.Unlock()

	var err error
	if noWait {
		err = ch.conn.writeMethod(ch.id, &confirmSelect{NoWait: true})
	} else {
		_, err = ch.call(&confirmSelect{})
	}
	if err != nil {
		ch.mu.Lock()
		ch.confirming = false
		ch.mu.Unlock()
	}
	return err
}

// Consume opens a delivery stream from a queue. An empty consumerTag gets a
// generated one so cancellation always has a name to use.
func (ch *channel) Consume(queue, consumerTag string, autoAck, exclusive, noLocal, noWait bool, args message.Table) (<-chan message.Delivery, error) {
	if consumerTag == "" {
		consumerTag = "ctag-" + uuid.NewString()
	}
	cons := &consumer{
		tag:        consumerTag,
		deliveries: make(chan message.Delivery, consumerBuffer),
	}

	ch.mu.Lock()
	if !ch.open {
		err := ch.closedErrorLocked()
		ch.mu.Unlock()
		return nil, err
	}
	if _, dup := ch.consumers[consumerTag]; dup {
		ch.mu.Unlock()
		return nil, &amqpError.Error{
			Code:    amqpError.NotAllowed.Code(),
			Reason:  fmt.Sprintf("consumer tag %q already in use", consumerTag),
			Recover: true,
		}
	}
	// Registered before the consume round trip: the first deliveries can
	// arrive on the reader loop right behind consume-ok.
	ch.consumers[consumerTag] = cons
	ch.mu.Unlock()

	req := &basicConsume{
		Queue:       queue,
		ConsumerTag: consumerTag,
		NoLocal:     noLocal,
		NoAck:       autoAck,
		Exclusive:   exclusive,
		NoWait:      noWait,
		Arguments:   args,
	}

	if noWait {
		if err := ch.conn.writeMethod(ch.id, req); err != nil {
			ch.deleteConsumer(consumerTag)
			return nil, err
		}
		return cons.deliveries, nil
	}

	res, err := ch.call(req)
	if err != nil {
		ch.deleteConsumer(consumerTag)
		return nil, err
	}
	if ok, _ := res.m.(*basicConsumeOk); ok != nil && ok.ConsumerTag != consumerTag {
		ch.conn.Warn("Broker renamed consumer %q to %q", consumerTag, ok.ConsumerTag)
	}
	return cons.deliveries, nil
}

// Cancel removes a consumer from dispatch. A delivery being handed over
// finishes first; one already delivered stays acknowledgeable afterwards.
func (ch *channel) Cancel(consumerTag string, noWait bool) error {
	ch.mu.Lock()
	_, known := ch.consumers[consumerTag]
	open := ch.open
	ch.mu.Unlock()
	if !open {
		return ch.closedError()
	}
	if !known {
		return fmt.Errorf("consumer %q: %w", consumerTag, amqpError.ErrConsumerNotFound)
	}

	if noWait {
		ch.deleteConsumer(consumerTag)
		return ch.conn.writeMethod(ch.id, &basicCancel{ConsumerTag: consumerTag, NoWait: true})
	}

	_, err := ch.call(&basicCancel{ConsumerTag: consumerTag})
	// The broker stops sending after cancel-ok, so nothing new can be in
	// flight when the stream is closed.
	ch.deleteConsumer(consumerTag)
	return err
}

// Get fetches at most one message synchronously. ok reports whether the
// queue had one.
func (ch *channel) Get(queue string, autoAck bool) (msg message.Delivery, ok bool, err error) {
	res, err := ch.call(&basicGet{Queue: queue, NoAck: autoAck})
	if err != nil {
		return message.Delivery{}, false, err
	}
	switch res.m.(type) {
	case *basicGetEmpty:
		return message.Delivery{}, false, nil
	case *basicGetOk:
		return *res.delivery, true, nil
	default:
		classID, methodID := res.m.id()
		return message.Delivery{}, false, fmt.Errorf("unexpected %s reply to basic.get",
			getFullMethodName(classID, methodID))
	}
}

// Ack acknowledges a delivery tag, or everything up to it when multiple.
func (ch *channel) Ack(tag uint64, multiple bool) error {
	if !ch.isOpen() {
		return ch.closedError()
	}
	return ch.conn.writeMethod(ch.id, &basicAck{DeliveryTag: tag, Multiple: multiple})
}

// Nack negatively acknowledges a delivery tag, or everything up to it when
// multiple, optionally requeueing.
func (ch *channel) Nack(tag uint64, multiple bool, requeue bool) error {
	if !ch.isOpen() {
		return ch.closedError()
	}
	return ch.conn.writeMethod(ch.id, &basicNack{DeliveryTag: tag, Multiple: multiple, Requeue: requeue})
}

// Reject negatively acknowledges a single delivery tag.
func (ch *channel) Reject(tag uint64, requeue bool) error {
	if !ch.isOpen() {
		return ch.closedError()
	}
	return ch.conn.writeMethod(ch.id, &basicReject{DeliveryTag: tag, Requeue: requeue})
}

// Qos bounds how far the broker runs ahead of acknowledgements.
func (ch *channel) Qos(prefetchCount, prefetchSize int, global bool) error {
	_, err := ch.call(&basicQos{
		PrefetchSize:  uint32(prefetchSize),
		PrefetchCount: uint16(prefetchCount),
		Global:        global,
	})
	return err
}

// ExchangeDeclare creates or asserts an exchange.
func (ch *channel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args message.Table) error {
	req := &exchangeDeclare{
		Exchange:   name,
		Type:       kind,
		Durable:    durable,
		AutoDelete: autoDelete,
		Internal:   internal,
		NoWait:     noWait,
		Arguments:  args,
	}
	if noWait {
		if !ch.isOpen() {
			return ch.closedError()
		}
		return ch.conn.writeMethod(ch.id, req)
	}
	_, err := ch.call(req)
	return err
}

// QueueDeclare creates or asserts a queue.
func (ch *channel) QueueDeclare(name string, durable, exclusive, autoDelete, noWait bool, args message.Table) (message.Queue, error) {
	req := &queueDeclare{
		Queue:      name,
		Durable:    durable,
		Exclusive:  exclusive,
		AutoDelete: autoDelete,
		NoWait:     noWait,
		Arguments:  args,
	}
	if noWait {
		if !ch.isOpen() {
			return message.Queue{}, ch.closedError()
		}
		return message.Queue{Name: name}, ch.conn.writeMethod(ch.id, req)
	}
	res, err := ch.call(req)
	if err != nil {
		return message.Queue{}, err
	}
	declareOk, ok := res.m.(*queueDeclareOk)
	if !ok {
		return message.Queue{}, fmt.Errorf("unexpected reply to queue.declare")
	}
	return message.Queue{
		Name:      declareOk.Queue,
		Messages:  declareOk.MessageCount,
		Consumers: declareOk.ConsumerCount,
	}, nil
}

// QueueBind binds a queue to an exchange under a routing key.
func (ch *channel) QueueBind(queue, key, exchange string, noWait bool, args message.Table) error {
	req := &queueBind{
		Queue:      queue,
		Exchange:   exchange,
		RoutingKey: key,
		NoWait:     noWait,
		Arguments:  args,
	}
	if noWait {
		if !ch.isOpen() {
			return ch.closedError()
		}
		return ch.conn.writeMethod(ch.id, req)
	}
	_, err := ch.call(req)
	return err
}

// DeferredConfirmation is an outstanding publish in confirm mode. It
// resolves when the broker acks or nacks the sequence number, or when the
// channel dies.
type DeferredConfirmation struct {
	DeliveryTag uint64

	done chan struct{}
	ack  bool
}

// Done returns a chan closed once the confirmation is resolved.
func (d *DeferredConfirmation) Done() <-chan struct{} {
	return d.done
}

// Acked reports the outcome. Only meaningful after Done.
func (d *DeferredConfirmation) Acked() bool {
	select {
	case <-d.done:
		return d.ack
	default:
		return false
	}
}

// Wait blocks until the broker settles the publish or the context ends.
func (d *DeferredConfirmation) Wait(ctx context.Context) (bool, error) {
	select {
	case <-d.done:
		return d.ack, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// confirmTracker maps publish sequence numbers to their handles. Sequence
// numbers start at 1, increment once per publish, and are never reused,
// even after a nack or a failed write.
type confirmTracker struct {
	mu        sync.Mutex
	published uint64
	pending   map[uint64]*DeferredConfirmation
	listeners []chan message.Confirmation
	closed    bool
}

// next allocates the next sequence number. Call under the channel's publish
// lock so numbering matches wire order.
func (t *confirmTracker) next() *DeferredConfirmation {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.pending == nil {
		t.pending = make(map[uint64]*DeferredConfirmation)
	}
	t.published++
	d := &DeferredConfirmation{DeliveryTag: t.published, done: make(chan struct{})}
	t.pending[t.published] = d
	return d
}

// handle settles one broker acknowledgement. With multiple set it covers
// every pending tag up to and including tag, resolved in ascending order;
// covering an empty range is a no-op, not an error. It reports false for a
// single ack naming an unknown tag.
func (t *confirmTracker) handle(tag uint64, multiple, ack bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	var resolved []*DeferredConfirmation
	if multiple {
		tags := make([]uint64, 0, len(t.pending))
		for tg := range t.pending {
			if tg <= tag {
				tags = append(tags, tg)
			}
		}
		sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
		for _, tg := range tags {
			resolved = append(resolved, t.pending[tg])
			delete(t.pending, tg)
		}
	} else {
		d, ok := t.pending[tag]
		if !ok {
			return false
		}
		delete(t.pending, tag)
		resolved = append(resolved, d)
	}

	for _, d := range resolved {
		d.ack = ack
		close(d.done)
		for _, l := range t.listeners {
			l <- message.Confirmation{DeliveryTag: d.DeliveryTag, Ack: ack}
		}
	}
	return true
}

// fail settles one handle as not acknowledged after a local write error.
func (t *confirmTracker) fail(d *DeferredConfirmation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[d.DeliveryTag]; !ok {
		return
	}
	delete(t.pending, d.DeliveryTag)
	d.ack = false
	close(d.done)
	for _, l := range t.listeners {
		l <- message.Confirmation{DeliveryTag: d.DeliveryTag, Ack: false}
	}
}

// notify registers a confirmation listener.
func (t *confirmTracker) notify(receiver chan message.Confirmation) chan message.Confirmation {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		close(receiver)
		return receiver
	}
	t.listeners = append(t.listeners, receiver)
	return receiver
}

// close resolves every outstanding handle as unacknowledged and ends the
// listener streams.
func (t *confirmTracker) close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.closed = true

	tags := make([]uint64, 0, len(t.pending))
	for tg := range t.pending {
		tags = append(tags, tg)
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i] < tags[j] })
	for _, tg := range tags {
		d := t.pending[tg]
		d.ack = false
		close(d.done)
	}
	t.pending = nil

	for _, l := range t.listeners {
		close(l)
	}
	t.listeners = nil
}
