package amqpcli

import (
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	amqpError "github.com/grasevski/amqpcli/amqperror"
	"github.com/grasevski/amqpcli/internal"
	"github.com/grasevski/amqpcli/message"
)

func TestChannelOpenAndClose(t *testing.T) {
	conn, b := dialBroker(t, quietConfig(), 0, 0, 0)

	ch1 := openTestChannel(t, conn, b, 1)
	ch2 := openTestChannel(t, conn, b, 2)
	assert.Equal(t, uint16(1), ch1.ID())
	assert.Equal(t, uint16(2), ch2.ID(), "channel ids allocate upward")

	errCh := make(chan error, 1)
	go func() { errCh <- ch1.Close() }()

	closeArgs := b.expectMethod(1, internal.ClassChannel, internal.MethodChannelClose)
	assert.Equal(t, uint16(200), closeArgs.short(), "client close uses reply code 200")
	assert.Equal(t, "goodbye", closeArgs.shortstr())
	b.sendMethod(1, b.method(internal.ClassChannel, internal.MethodChannelCloseOk))

	require.NoError(t, <-errCh)
	require.ErrorIs(t, ch1.Close(), amqpError.ErrChannelClosed, "closing twice reports the channel gone")
}

func TestChannelMaxExhaustion(t *testing.T) {
	conn, b := dialBroker(t, quietConfig(), 1, 0, 0)
	openTestChannel(t, conn, b, 1)

	_, err := conn.Channel()
	require.ErrorIs(t, err, amqpError.ErrChannelMax, "no ids left below the negotiated channel-max")
}

func TestSynchronousCallsSerialized(t *testing.T) {
	conn, b := dialBroker(t, quietConfig(), 0, 0, 0)
	ch := openTestChannel(t, conn, b, 1)

	type declareResult struct {
		q   message.Queue
		err error
	}

	first := make(chan declareResult, 1)
	go func() {
		q, err := ch.QueueDeclare("q1", true, false, false, false, nil)
		first <- declareResult{q, err}
	}()

	args1 := b.expectMethod(1, internal.ClassQueue, internal.MethodQueueDeclare)
	args1.short()
	assert.Equal(t, "q1", args1.shortstr())
	assert.Equal(t, byte(0x02), args1.octet(), "durable is the second flag bit")
	args1.skipTable()

	// Launched only after the broker holds the first request, so the second
	// declare is provably queued behind it.
	second := make(chan declareResult, 1)
	go func() {
		q, err := ch.QueueDeclare("q2", false, false, false, false, nil)
		second <- declareResult{q, err}
	}()

	b.expectQuiet()

	ok1 := b.method(internal.ClassQueue, internal.MethodQueueDeclareOk)
	ok1.shortstr("q1")
	ok1.long(3)
	ok1.long(1)
	b.sendMethod(1, ok1)

	res1 := <-first
	require.NoError(t, res1.err)
	assert.Equal(t, message.Queue{Name: "q1", Messages: 3, Consumers: 1}, res1.q)

	args2 := b.expectMethod(1, internal.ClassQueue, internal.MethodQueueDeclare)
	args2.short()
	assert.Equal(t, "q2", args2.shortstr(), "second declare goes out once the first resolves")

	ok2 := b.method(internal.ClassQueue, internal.MethodQueueDeclareOk)
	ok2.shortstr("q2")
	ok2.long(0)
	ok2.long(0)
	b.sendMethod(1, ok2)

	res2 := <-second
	require.NoError(t, res2.err)
	assert.Equal(t, "q2", res2.q.Name)
}

func TestServerChannelCloseIsolation(t *testing.T) {
	conn, b := dialBroker(t, quietConfig(), 0, 0, 0)
	ch1 := openTestChannel(t, conn, b, 1)
	ch2 := openTestChannel(t, conn, b, 2)
	closeCh := ch1.NotifyClose(make(chan *amqpError.Error, 1))

	kill := b.method(internal.ClassChannel, internal.MethodChannelClose)
	kill.short(406)
	kill.shortstr("PRECONDITION_FAILED - inequivalent arg 'durable'")
	kill.short(internal.ClassQueue)
	kill.short(internal.MethodQueueDeclare)
	b.sendMethod(1, kill)
	b.expectMethod(1, internal.ClassChannel, internal.MethodChannelCloseOk)

	select {
	case reason := <-closeCh:
		require.NotNil(t, reason)
		assert.Equal(t, uint16(406), reason.Code)
		assert.True(t, reason.Recover, "a channel exception is recoverable on a fresh channel")
	case <-time.After(2 * time.Second):
		t.Fatal("channel close notification never arrived")
	}

	err := ch1.Qos(10, 0, false)
	require.Error(t, err, "the dead channel refuses further calls")
	var amqpErr *amqpError.Error
	require.ErrorAs(t, err, &amqpErr)
	assert.Equal(t, uint16(406), amqpErr.Code, "calls report why the channel died")
	b.expectQuiet()

	declared := make(chan error, 1)
	go func() {
		_, err := ch2.QueueDeclare("still-works", false, false, false, false, nil)
		declared <- err
	}()
	args := b.expectMethod(2, internal.ClassQueue, internal.MethodQueueDeclare)
	args.short()
	assert.Equal(t, "still-works", args.shortstr())
	ok := b.method(internal.ClassQueue, internal.MethodQueueDeclareOk)
	ok.shortstr("still-works")
	ok.long(0)
	ok.long(0)
	b.sendMethod(2, ok)

	require.NoError(t, <-declared, "the sibling channel is unaffected")
	assert.False(t, conn.IsClosed(), "a channel exception leaves the connection open")
}

func TestBrokerFlowPausesPublish(t *testing.T) {
	conn, b := dialBroker(t, quietConfig(), 0, 0, 0)
	ch := openTestChannel(t, conn, b, 1)
	flowCh := ch.NotifyFlow(make(chan bool, 2))

	pause := b.method(internal.ClassChannel, internal.MethodChannelFlow)
	pause.octet(0)
	b.sendMethod(1, pause)

	flowOk := b.expectMethod(1, internal.ClassChannel, internal.MethodChannelFlowOk)
	assert.Equal(t, byte(0), flowOk.octet(), "flow-ok confirms the pause")
	assert.False(t, <-flowCh, "listeners hear the pause")

	pubErr := make(chan error, 1)
	go func() {
		_, err := ch.Publish("", "jobs", false, false, message.Publishing{
			Properties: message.Properties{ContentType: "text/plain"},
			Body:       []byte("queued behind flow"),
		})
		pubErr <- err
	}()

	b.expectQuiet()

	resume := b.method(internal.ClassChannel, internal.MethodChannelFlow)
	resume.octet(1)
	b.sendMethod(1, resume)

	// The flow-ok and the unblocked publish race for the wire; accept both
	// orders. The publish frames themselves stay contiguous.
	frameType, fch, payload := b.readFrame()
	require.Equal(t, byte(internal.FrameMethod), frameType)
	require.Equal(t, uint16(1), fch)
	classID := binary.BigEndian.Uint16(payload[0:2])
	methodID := binary.BigEndian.Uint16(payload[2:4])

	checkPublish := func(args *argReader, body []byte) {
		args.short()
		assert.Equal(t, "", args.shortstr(), "default exchange")
		assert.Equal(t, "jobs", args.shortstr())
		assert.Equal(t, byte(0), args.octet(), "neither mandatory nor immediate")
		assert.Equal(t, []byte("queued behind flow"), body)
	}

	if classID == uint16(internal.ClassChannel) {
		require.Equal(t, uint16(internal.MethodChannelFlowOk), methodID)
		require.Equal(t, byte(1), payload[4], "flow-ok confirms the resume")
		args, _, body := b.expectPublish(1)
		checkPublish(args, body)
	} else {
		require.Equal(t, uint16(internal.ClassBasic), classID)
		require.Equal(t, uint16(internal.MethodBasicPublish), methodID)
		_, body := b.expectContent(1)
		checkPublish(b.args(payload[4:]), body)
		lateFlowOk := b.expectMethod(1, internal.ClassChannel, internal.MethodChannelFlowOk)
		require.Equal(t, byte(1), lateFlowOk.octet(), "flow-ok confirms the resume")
	}

	assert.True(t, <-flowCh, "listeners hear the resume")
	require.NoError(t, <-pubErr, "the paused publish completes after resume")
}

func TestChannelCallTimeout(t *testing.T) {
	cfg := quietConfig()
	cfg.CallTimeout = 500 * time.Millisecond
	conn, b := dialBroker(t, cfg, 0, 0, 0)
	ch := openTestChannel(t, conn, b, 1)

	errCh := make(chan error, 1)
	go func() {
		_, err := ch.QueueDeclare("slow", false, false, false, false, nil)
		errCh <- err
	}()

	b.expectMethod(1, internal.ClassQueue, internal.MethodQueueDeclare)

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, amqpError.ErrTimeout)
	case <-time.After(2 * time.Second):
		t.Fatal("declare never timed out")
	}

	// The answer the broker owed arrives late; the client must shrug it off.
	late := b.method(internal.ClassQueue, internal.MethodQueueDeclareOk)
	late.shortstr("slow")
	late.long(0)
	late.long(0)
	b.sendMethod(1, late)

	qosErr := make(chan error, 1)
	go func() { qosErr <- ch.Qos(32, 0, false) }()

	qosArgs := b.expectMethod(1, internal.ClassBasic, internal.MethodBasicQos)
	assert.Equal(t, uint32(0), qosArgs.long(), "prefetch size")
	assert.Equal(t, uint16(32), qosArgs.short(), "prefetch count")
	assert.Equal(t, byte(0), qosArgs.octet(), "per-consumer qos")
	b.sendMethod(1, b.method(internal.ClassBasic, internal.MethodBasicQosOk))

	require.NoError(t, <-qosErr, "the channel keeps working after a timed out call")
	assert.False(t, conn.IsClosed(), "a stale reply is dropped, not fatal")
}
