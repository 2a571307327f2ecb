package internal

import (
	"fmt"
	"sync"
	"time"

	amqpError "github.com/grasevski/amqpcli/amqperror"
	"github.com/grasevski/amqpcli/message"
)

// consumerBuffer is the delivery chan capacity per consumer. When it fills,
// the reader loop blocks until the caller drains, which throttles the rate
// the connection reads at.
const consumerBuffer = 16

// Channel is one multiplexed protocol channel. Synchronous methods are
// serialized: a second call on the same channel queues behind the first.
type Channel interface {
	// ID is the channel number on the wire.
	ID() uint16

	// Close performs the channel close handshake and releases the id.
	Close() error

	// NotifyClose registers a listener for the channel dying. Sent the
	// causing error, or closed without a send on graceful close. Pass a
	// buffered chan and drain it.
	NotifyClose(receiver chan *amqpError.Error) chan *amqpError.Error

	// NotifyFlow registers a listener for broker flow state changes: false
	// pauses publishing, true resumes it.
	NotifyFlow(receiver chan bool) chan bool

	// NotifyReturn registers a listener for mandatory or immediate messages
	// the broker could not route.
	NotifyReturn(receiver chan message.Return) chan message.Return

	// NotifyPublish registers a listener for publisher confirmations, in
	// delivery tag order.
	NotifyPublish(receiver chan message.Confirmation) chan message.Confirmation

	// NotifyCancel registers a listener for broker-cancelled consumer tags.
	NotifyCancel(receiver chan string) chan string

	// Flow asks the broker to pause (false) or resume (true) deliveries on
	// this channel.
	Flow(active bool) error

	// Qos bounds unacknowledged deliveries on the channel.
	Qos(prefetchCount, prefetchSize int, global bool) error

	// ExchangeDeclare creates or asserts an exchange.
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args message.Table) error

	// QueueDeclare creates or asserts a queue and reports its stats.
	QueueDeclare(name string, durable, exclusive, autoDelete, noWait bool, args message.Table) (message.Queue, error)

	// QueueBind binds a queue to an exchange under a routing key.
	QueueBind(queue, key, exchange string, noWait bool, args message.Table) error

	// Confirm puts the channel in publisher confirm mode. Allowed once per
	// channel; the broker rejects a repeat, so the client does too.
	Confirm(noWait bool) error

	// Publish sends one message: method frame, header frame, then body
	// frames chunked to the negotiated frame size. In confirm mode the
	// returned handle resolves when the broker settles the publish;
	// otherwise it is nil.
	Publish(exchange, key string, mandatory, immediate bool, msg message.Publishing) (*DeferredConfirmation, error)

	// Consume subscribes to a queue. Deliveries arrive on the returned chan
	// until cancellation or channel death closes it. The caller must drain
	// the chan; an undrained consumer eventually stalls the connection.
	Consume(queue, consumerTag string, autoAck, exclusive, noLocal, noWait bool, args message.Table) (<-chan message.Delivery, error)

	// Cancel removes a consumer. A delivery already being handed to the
	// consumer completes first; buffered deliveries remain readable until
	// the chan is drained. Cancelling an unknown tag fails with a not-found
	// error.
	Cancel(consumerTag string, noWait bool) error

	// Get synchronously fetches one message. ok is false when the queue is
	// empty.
	Get(queue string, autoAck bool) (msg message.Delivery, ok bool, err error)

	// Ack acknowledges a delivery tag, or all tags up to it when multiple.
	Ack(tag uint64, multiple bool) error

	// Nack negatively acknowledges a delivery tag, or all tags up to it
	// when multiple, optionally requeueing.
	Nack(tag uint64, multiple bool, requeue bool) error

	// Reject negatively acknowledges a single delivery tag.
	Reject(tag uint64, requeue bool) error
}

type channel struct {
	id   uint16
	conn *connection

	mu         sync.Mutex
	open       bool
	closeErr   *amqpError.Error
	pending    *pendingCall
	consumers  map[string]*consumer
	flowActive bool
	flowGate   chan struct{} // closed while publishing is allowed
	confirming bool

	closedCh chan struct{} // closed when the channel shuts down

	callMu    sync.Mutex // serializes synchronous calls
	publishMu sync.Mutex // orders confirm sequence numbers with wire order

	notifyMu        sync.Mutex // guards listener slices and their sends
	closeListeners  []chan *amqpError.Error
	flowListeners   []chan bool
	returnListeners []chan message.Return
	cancelListeners []chan string

	confirms  confirmTracker
	assembler contentAssembler // reader loop only
}

// pendingCall is the single outstanding synchronous request on a channel.
type pendingCall struct {
	req  method
	done chan callResult // buffered, capacity 1
}

type callResult struct {
	m        method
	delivery *message.Delivery // set for get-ok, after body assembly
	err      error
}

func newChannel(conn *connection, id uint16) *channel {
	gate := make(chan struct{})
	close(gate) // flow starts active
	return &channel{
		id:         id,
		conn:       conn,
		open:       true,
		consumers:  make(map[string]*consumer),
		flowActive: true,
		flowGate:   gate,
		closedCh:   make(chan struct{}),
	}
}

// openChannel performs the channel.open handshake with the broker.
func (ch *channel) openChannel() error {
	_, err := ch.call(&channelOpen{})
	return err
}

func (ch *channel) ID() uint16 {
	return ch.id
}

func (ch *channel) isOpen() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.open
}

// closedError reports why the channel is unusable.
func (ch *channel) closedError() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.closedErrorLocked()
}

func (ch *channel) closedErrorLocked() error {
	if ch.closeErr != nil {
		return ch.closeErr
	}
	return amqpError.ErrChannelClosed
}

// call sends a synchronous method and suspends the caller until the matching
// reply, a timeout, or channel/connection death. callMu keeps at most one
// call outstanding per channel.
func (ch *channel) call(req method) (callResult, error) {
	ch.callMu.Lock()
	defer ch.callMu.Unlock()

	ch.mu.Lock()
	if !ch.open {
		err := ch.closedErrorLocked()
		ch.mu.Unlock()
		return callResult{}, err
	}
	pc := &pendingCall{req: req, done: make(chan callResult, 1)}
	ch.pending = pc
	ch.mu.Unlock()

	if err := ch.conn.writeMethod(ch.id, req); err != nil {
		ch.clearPending(pc)
		return callResult{}, err
	}

	classID, methodID := req.id()
	select {
	case res := <-pc.done:
		if res.err != nil {
			return callResult{}, res.err
		}
		return res, nil
	case <-time.After(ch.conn.cfg.CallTimeout):
		ch.clearPending(pc)
		return callResult{}, fmt.Errorf("%s on channel %d: %w",
			getFullMethodName(classID, methodID), ch.id, amqpError.ErrTimeout)
	case <-ch.conn.closed:
		ch.clearPending(pc)
		return callResult{}, ch.conn.closeError()
	}
}

// clearPending vacates the call slot if pc still owns it, so an abandoned
// call never blocks the next one.
func (ch *channel) clearPending(pc *pendingCall) {
	ch.mu.Lock()
	if ch.pending == pc {
		ch.pending = nil
	}
	ch.mu.Unlock()
}

// resolveCall hands a reply to the pending call if it matches. Runs on the
// reader loop.
func (ch *channel) resolveCall(res callResult) bool {
	classID, methodID := res.m.id()
	key := methodKey{classID, methodID}

	ch.mu.Lock()
	pc := ch.pending
	matched := pc != nil && repliesTo(pc.req, key)
	if matched {
		ch.pending = nil
	}
	ch.mu.Unlock()

	if matched {
		pc.done <- res
	}
	return matched
}

// failPending resolves the outstanding call, if any, with an error.
func (ch *channel) failPending(err error) {
	ch.mu.Lock()
	pc := ch.pending
	ch.pending = nil
	ch.mu.Unlock()
	if pc != nil {
		pc.done <- callResult{err: err}
	}
}

// handleFrame routes one inbound frame for this channel. Runs on the reader
// loop; a returned error is a protocol violation that kills the connection.
func (ch *channel) handleFrame(f *frame) error {
	switch f.Type {
	case FrameMethod:
		return ch.handleMethod(f.Payload)
	case FrameHeader:
		return ch.handleHeader(f.Payload)
	case FrameBody:
		return ch.handleBody(f.Payload)
	default:
		return fmt.Errorf("%s frame on channel %d: %w",
			getFrameTypeName(f.Type), ch.id, amqpError.ErrUnexpectedFrame)
	}
}

func (ch *channel) handleMethod(payload []byte) error {
	m, err := decodeMethod(payload)
	if err != nil {
		return err
	}
	classID, methodID := m.id()

	// Frames of one message are contiguous within a channel.
	if ch.assembler.pending() {
		return fmt.Errorf("%s interrupts message assembly on channel %d: %w",
			getFullMethodName(classID, methodID), ch.id, amqpError.ErrUnexpectedFrame)
	}

	switch m := m.(type) {
	case *basicDeliver:
		return ch.assembler.begin(m)
	case *basicGetOk:
		return ch.assembler.begin(m)
	case *basicReturn:
		ch.conn.Info("Message returned from exchange %q with routing key %q: %d %s",
			m.Exchange, m.RoutingKey, m.ReplyCode, m.ReplyText)
		return ch.assembler.begin(m)
	case *channelFlow:
		return ch.handleFlow(m)
	case *channelClose:
		return ch.handleServerClose(m)
	case *basicCancel:
		return ch.handleServerCancel(m)
	case *basicAck:
		return ch.handleConfirm(m.DeliveryTag, m.Multiple, true)
	case *basicNack:
		return ch.handleConfirm(m.DeliveryTag, m.Multiple, false)
	default:
		if ch.resolveCall(callResult{m: m}) {
			return nil
		}
		if replyMethods[methodKey{classID, methodID}] {
			// Reply to a call that timed out or was abandoned.
			ch.conn.Warn("Dropping stale %s reply on channel %d", getFullMethodName(classID, methodID), ch.id)
			return nil
		}
		return fmt.Errorf("%s with no pending call on channel %d: %w",
			getFullMethodName(classID, methodID), ch.id, amqpError.ErrUnexpectedFrame)
	}
}

func (ch *channel) handleHeader(payload []byte) error {
	done, err := ch.assembler.header(payload)
	if err != nil {
		return err
	}
	if done {
		return ch.finishDelivery()
	}
	return nil
}

func (ch *channel) handleBody(payload []byte) error {
	done, err := ch.assembler.bodyFrame(payload)
	if err != nil {
		return err
	}
	if done {
		return ch.finishDelivery()
	}
	return nil
}

// finishDelivery routes a fully reassembled message to its destination.
func (ch *channel) finishDelivery() error {
	m, props, body := ch.assembler.take()

	switch m := m.(type) {
	case *basicDeliver:
		d := message.Delivery{
			ConsumerTag:  m.ConsumerTag,
			DeliveryTag:  m.DeliveryTag,
			Redelivered:  m.Redelivered,
			Exchange:     m.Exchange,
			RoutingKey:   m.RoutingKey,
			Properties:   props,
			Body:         body,
			Acknowledger: ch,
		}
		ch.mu.Lock()
		cons := ch.consumers[m.ConsumerTag]
		ch.mu.Unlock()
		if cons == nil {
			ch.conn.Warn("Dropping delivery %d for unknown consumer %q on channel %d",
				m.DeliveryTag, m.ConsumerTag, ch.id)
			return nil
		}
		cons.send(d, ch.closedCh, ch.conn.closed)
		return nil

	case *basicGetOk:
		d := &message.Delivery{
			DeliveryTag:  m.DeliveryTag,
			Redelivered:  m.Redelivered,
			Exchange:     m.Exchange,
			RoutingKey:   m.RoutingKey,
			MessageCount: m.MessageCount,
			Properties:   props,
			Body:         body,
			Acknowledger: ch,
		}
		if !ch.resolveCall(callResult{m: m, delivery: d}) {
			ch.conn.Warn("Dropping get-ok with no pending call on channel %d", ch.id)
		}
		return nil

	case *basicReturn:
		ret := message.Return{
			ReplyCode:  m.ReplyCode,
			ReplyText:  m.ReplyText,
			Exchange:   m.Exchange,
			RoutingKey: m.RoutingKey,
			Properties: props,
			Body:       body,
		}
		ch.notifyMu.Lock()
		if len(ch.returnListeners) == 0 {
			ch.conn.Warn("Unroutable message discarded: %d %s (exchange %q, routing key %q)",
				m.ReplyCode, m.ReplyText, m.Exchange, m.RoutingKey)
		}
		for _, l := range ch.returnListeners {
			l <- ret
		}
		ch.notifyMu.Unlock()
		return nil

	default:
		classID, methodID := m.id()
		return fmt.Errorf("content for %s on channel %d: %w",
			getFullMethodName(classID, methodID), ch.id, amqpError.ErrUnexpectedFrame)
	}
}

// handleFlow applies a broker flow switch and confirms it.
func (ch *channel) handleFlow(m *channelFlow) error {
	ch.mu.Lock()
	if m.Active && !ch.flowActive {
		close(ch.flowGate)
	} else if !m.Active && ch.flowActive {
		ch.flowGate = make(chan struct{})
	}
	ch.flowActive = m.Active
	ch.mu.Unlock()

	if m.Active {
		ch.conn.Info("Broker resumed flow on channel %d", ch.id)
	} else {
		ch.conn.Info("Broker paused flow on channel %d", ch.id)
	}

	ch.notifyMu.Lock()
	for _, l := range ch.flowListeners {
		l <- m.Active
	}
	ch.notifyMu.Unlock()

	return ch.conn.writeMethod(ch.id, &channelFlowOk{Active: m.Active})
}

// handleServerClose settles a broker raised channel exception: confirm it,
// fail everything on this channel, leave the connection running.
func (ch *channel) handleServerClose(m *channelClose) error {
	ch.conn.Info("Server closed channel %d: %d %s (%s)",
		ch.id, m.ReplyCode, m.ReplyText, getFullMethodName(m.ClassID, m.MethodID))
	ch.conn.writeMethod(ch.id, &channelCloseOk{})
	ch.shutdown(amqpError.NewError(m.ReplyCode, m.ReplyText, true))
	ch.conn.releaseChannel(ch.id)
	return nil
}

// handleServerCancel removes a consumer at the broker's request, such as its
// queue being deleted.
func (ch *channel) handleServerCancel(m *basicCancel) error {
	ch.conn.Warn("Broker cancelled consumer %q on channel %d", m.ConsumerTag, ch.id)

	ch.deleteConsumer(m.ConsumerTag)

	ch.notifyMu.Lock()
	for _, l := range ch.cancelListeners {
		l <- m.ConsumerTag
	}
	ch.notifyMu.Unlock()

	if !m.NoWait {
		return ch.conn.writeMethod(ch.id, &basicCancelOk{ConsumerTag: m.ConsumerTag})
	}
	return nil
}

func (ch *channel) handleConfirm(tag uint64, multiple, ack bool) error {
	if !ch.isConfirming() {
		kind := "basic.ack"
		if !ack {
			kind = "basic.nack"
		}
		return fmt.Errorf("%s on channel %d without confirm mode: %w", kind, ch.id, amqpError.ErrUnexpectedFrame)
	}
	if !ch.confirms.handle(tag, multiple, ack) {
		ch.conn.Warn("Confirmation for unknown delivery tag %d on channel %d", tag, ch.id)
	}
	return nil
}

func (ch *channel) isConfirming() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.confirming
}

// awaitFlow blocks a publish while the broker has flow paused. It gives up
// after the call timeout rather than hanging forever.
func (ch *channel) awaitFlow() error {
	ch.mu.Lock()
	if !ch.open {
		err := ch.closedErrorLocked()
		ch.mu.Unlock()
		return err
	}
	gate := ch.flowGate
	ch.mu.Unlock()

	select {
	case <-gate:
		return nil
	case <-ch.closedCh:
		return ch.closedError()
	case <-ch.conn.closed:
		return ch.conn.closeError()
	case <-time.After(ch.conn.cfg.CallTimeout):
		return fmt.Errorf("publish on channel %d: %w", ch.id, amqpError.ErrFlowStopped)
	}
}

// Close performs the channel.close handshake, then settles local state. The
// channel is unusable afterwards even when the broker never answered.
func (ch *channel) Close() error {
	ch.mu.Lock()
	if !ch.open {
		err := ch.closedErrorLocked()
		ch.mu.Unlock()
		return err
	}
	ch.mu.Unlock()

	_, err := ch.call(&channelClose{ReplyCode: amqpError.ReplySuccess.Code(), ReplyText: "goodbye"})
	ch.shutdown(nil)
	ch.conn.releaseChannel(ch.id)
	return err
}

// shutdown makes the channel unusable and settles every waiter: the pending
// call, paused publishers, consumers, confirm handles, and listeners. Safe
// from any goroutine; runs once.
func (ch *channel) shutdown(reason *amqpError.Error) {
	ch.mu.Lock()
	if !ch.open {
		ch.mu.Unlock()
		return
	}
	ch.open = false
	ch.closeErr = reason
	close(ch.closedCh)
	if !ch.flowActive {
		close(ch.flowGate)
		ch.flowActive = true
	}
	consumers := make([]*consumer, 0, len(ch.consumers))
	for _, cons := range ch.consumers {
		consumers = append(consumers, cons)
	}
	ch.consumers = make(map[string]*consumer)
	ch.mu.Unlock()

	ch.failPending(ch.closedError())
	ch.assembler.reset()

	for _, cons := range consumers {
		cons.close()
	}
	ch.confirms.close()

	ch.notifyMu.Lock()
	closeListeners := ch.closeListeners
	ch.closeListeners = nil
	for _, l := range ch.flowListeners {
		close(l)
	}
	ch.flowListeners = nil
	for _, l := range ch.returnListeners {
		close(l)
	}
	ch.returnListeners = nil
	for _, l := range ch.cancelListeners {
		close(l)
	}
	ch.cancelListeners = nil
	ch.notifyMu.Unlock()

	for _, l := range closeListeners {
		if reason != nil {
			l <- reason
		}
		close(l)
	}
}

func (ch *channel) NotifyClose(receiver chan *amqpError.Error) chan *amqpError.Error {
	ch.mu.Lock()
	open := ch.open
	ch.mu.Unlock()

	ch.notifyMu.Lock()
	defer ch.notifyMu.Unlock()
	if !open {
		close(receiver)
		return receiver
	}
	ch.closeListeners = append(ch.closeListeners, receiver)
	return receiver
}

func (ch *channel) NotifyFlow(receiver chan bool) chan bool {
	ch.notifyMu.Lock()
	defer ch.notifyMu.Unlock()
	if !ch.isOpenNotify() {
		close(receiver)
		return receiver
	}
	ch.flowListeners = append(ch.flowListeners, receiver)
	return receiver
}

func (ch *channel) NotifyReturn(receiver chan message.Return) chan message.Return {
	ch.notifyMu.Lock()
	defer ch.notifyMu.Unlock()
	if !ch.isOpenNotify() {
		close(receiver)
		return receiver
	}
	ch.returnListeners = append(ch.returnListeners, receiver)
	return receiver
}

func (ch *channel) NotifyCancel(receiver chan string) chan string {
	ch.notifyMu.Lock()
	defer ch.notifyMu.Unlock()
	if !ch.isOpenNotify() {
		close(receiver)
		return receiver
	}
	ch.cancelListeners = append(ch.cancelListeners, receiver)
	return receiver
}

func (ch *channel) NotifyPublish(receiver chan message.Confirmation) chan message.Confirmation {
	return ch.confirms.notify(receiver)
}

// isOpenNotify is isOpen for use under notifyMu; takes mu briefly.
func (ch *channel) isOpenNotify() bool {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.open
}

// Flow asks the broker to pause or resume deliveries to this channel.
func (ch *channel) Flow(active bool) error {
	_, err := ch.call(&channelFlow{Active: active})
	return err
}

// consumer is one subscription's delivery stream. sendMu makes close safe
// against an in-flight send: cancellation waits for the current delivery to
// be handed over, then no further sends happen.
type consumer struct {
	tag        string
	deliveries chan message.Delivery

	sendMu sync.Mutex
	closed bool
}

// send hands one delivery to the caller, giving up if the channel or
// connection dies while the caller is not draining.
func (cons *consumer) send(d message.Delivery, chClosed, connClosed <-chan struct{}) {
	cons.sendMu.Lock()
	defer cons.sendMu.Unlock()
	if cons.closed {
		return
	}
	select {
	case cons.deliveries <- d:
	case <-chClosed:
	case <-connClosed:
	}
}

// close ends the delivery stream. Buffered deliveries stay readable.
func (cons *consumer) close() {
	cons.sendMu.Lock()
	defer cons.sendMu.Unlock()
	if !cons.closed {
		cons.closed = true
		close(cons.deliveries)
	}
}

// deleteConsumer removes a consumer record and ends its stream.
func (ch *channel) deleteConsumer(tag string) *consumer {
	ch.mu.Lock()
	cons := ch.consumers[tag]
	delete(ch.consumers, tag)
	ch.mu.Unlock()
	if cons != nil {
		cons.close()
	}
	return cons
}
