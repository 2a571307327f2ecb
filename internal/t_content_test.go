package internal

import (
	"bytes"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	amqpError "github.com/grasevski/amqpcli/amqperror"
	"github.com/grasevski/amqpcli/message"
)

func TestContentHeaderRoundTrip(t *testing.T) {
	in := message.Properties{
		ContentType:     "application/json",
		ContentEncoding: "gzip",
		Headers:         message.Table{"x-origin": "amqpcli"},
		DeliveryMode:    message.Persistent,
		Priority:        5,
		CorrelationId:   "corr-1",
		ReplyTo:         "amq.rabbitmq.reply-to",
		Expiration:      "60000",
		MessageId:       "msg-1",
		Timestamp:       time.Unix(1690000000, 0),
		Type:            "event",
		UserId:          "guest",
		AppId:           "amqpcli",
	}

	payload, err := encodeContentHeader(ClassBasic, 42, in)
	require.NoError(t, err)

	classID, bodySize, out, err := decodeContentHeader(payload)
	require.NoError(t, err)
	assert.Equal(t, uint16(ClassBasic), classID)
	assert.Equal(t, uint64(42), bodySize)
	assert.Equal(t, in, out, "every set property should survive the round trip")
}

func TestContentHeaderOmitsZeroProperties(t *testing.T) {
	payload, err := encodeContentHeader(ClassBasic, 0, message.Properties{})
	require.NoError(t, err)

	// class(2) + weight(2) + body size(8) + flags(2), no property values.
	require.Len(t, payload, 14)
	assert.Equal(t, uint16(0), binary.BigEndian.Uint16(payload[12:14]), "no flags should be set")

	_, _, props, err := decodeContentHeader(payload)
	require.NoError(t, err)
	assert.Equal(t, message.Properties{}, props)
}

func TestContentHeaderFlagBits(t *testing.T) {
	payload, err := encodeContentHeader(ClassBasic, 3, message.Properties{
		ContentType:  "text/plain",
		DeliveryMode: message.Transient,
	})
	require.NoError(t, err)

	flags := binary.BigEndian.Uint16(payload[12:14])
	assert.Equal(t, uint16(flagContentType|flagDeliveryMode), flags,
		"only the set properties should be flagged")
}

func TestDecodeContentHeaderDiscardsClusterId(t *testing.T) {
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.BigEndian, uint16(ClassBasic))
	binary.Write(buf, binary.BigEndian, uint16(0))
	binary.Write(buf, binary.BigEndian, uint64(0))
	binary.Write(buf, binary.BigEndian, uint16(flagClusterId))
	require.NoError(t, writeShortString(buf, "old-cluster"))

	classID, bodySize, props, err := decodeContentHeader(buf.Bytes())
	require.NoError(t, err, "the reserved cluster id field should be consumed, not rejected")
	assert.Equal(t, uint16(ClassBasic), classID)
	assert.Equal(t, uint64(0), bodySize)
	assert.Equal(t, message.Properties{}, props, "the value itself is discarded")
}

func TestDecodeContentHeaderTruncated(t *testing.T) {
	payload, err := encodeContentHeader(ClassBasic, 9, message.Properties{ContentType: "text/plain"})
	require.NoError(t, err)

	_, _, _, err = decodeContentHeader(payload[:len(payload)-3])
	require.Error(t, err, "a header missing flagged property bytes must not decode")

	_, _, _, err = decodeContentHeader(payload[:6])
	require.Error(t, err, "a header shorter than its fixed fields must not decode")
}

func TestAssemblerDeliveryAcrossBodyFrames(t *testing.T) {
	a := &contentAssembler{}
	deliver := &basicDeliver{ConsumerTag: "ctag-1", DeliveryTag: 1, RoutingKey: "work"}

	require.NoError(t, a.begin(deliver))
	assert.True(t, a.pending())

	header, err := encodeContentHeader(ClassBasic, 10, message.Properties{ContentType: "text/plain"})
	require.NoError(t, err)
	done, err := a.header(header)
	require.NoError(t, err)
	assert.False(t, done, "ten body bytes are still owed")

	done, err = a.bodyFrame([]byte("hello"))
	require.NoError(t, err)
	assert.False(t, done)

	done, err = a.bodyFrame([]byte("world"))
	require.NoError(t, err)
	assert.True(t, done, "the declared size has been reached")

	m, props, body := a.take()
	assert.Equal(t, deliver, m)
	assert.Equal(t, "text/plain", props.ContentType)
	assert.Equal(t, []byte("helloworld"), body)
	assert.False(t, a.pending(), "take should reset the assembler")
}

func TestAssemblerBodylessMessage(t *testing.T) {
	a := &contentAssembler{}
	require.NoError(t, a.begin(&basicGetOk{DeliveryTag: 1}))

	header, err := encodeContentHeader(ClassBasic, 0, message.Properties{})
	require.NoError(t, err)
	done, err := a.header(header)
	require.NoError(t, err)
	assert.True(t, done, "a zero body size completes on the header frame")

	_, _, body := a.take()
	assert.Empty(t, body)
}

func TestAssemblerRejectsMisorderedFrames(t *testing.T) {
	t.Run("method interrupts assembly", func(t *testing.T) {
		a := &contentAssembler{}
		require.NoError(t, a.begin(&basicDeliver{DeliveryTag: 1}))

		err := a.begin(&basicDeliver{DeliveryTag: 2})
		require.Error(t, err)
		assert.ErrorIs(t, err, amqpError.ErrUnexpectedFrame)
	})

	t.Run("header without a method", func(t *testing.T) {
		a := &contentAssembler{}
		header, err := encodeContentHeader(ClassBasic, 0, message.Properties{})
		require.NoError(t, err)

		_, err = a.header(header)
		require.Error(t, err)
		assert.ErrorIs(t, err, amqpError.ErrUnexpectedFrame)
	})

	t.Run("body without a header", func(t *testing.T) {
		a := &contentAssembler{}
		_, err := a.bodyFrame([]byte("stray"))
		require.Error(t, err)
		assert.ErrorIs(t, err, amqpError.ErrUnexpectedFrame)
	})

	t.Run("header class mismatch", func(t *testing.T) {
		a := &contentAssembler{}
		require.NoError(t, a.begin(&basicDeliver{DeliveryTag: 1}))

		header, err := encodeContentHeader(ClassConnection, 0, message.Properties{})
		require.NoError(t, err)
		_, err = a.header(header)
		require.Error(t, err)
		assert.ErrorIs(t, err, amqpError.ErrUnexpectedFrame)
	})
}

func TestAssemblerRejectsBodyOverrun(t *testing.T) {
	a := &contentAssembler{}
	require.NoError(t, a.begin(&basicDeliver{DeliveryTag: 1}))

	header, err := encodeContentHeader(ClassBasic, 5, message.Properties{})
	require.NoError(t, err)
	_, err = a.header(header)
	require.NoError(t, err)

	_, err = a.bodyFrame([]byte("abc"))
	require.NoError(t, err)

	_, err = a.bodyFrame([]byte("def"))
	require.Error(t, err, "six bytes against a declared size of five must fail")
	assert.ErrorIs(t, err, amqpError.ErrFrame)
}

func TestAssemblerReset(t *testing.T) {
	a := &contentAssembler{}
	require.NoError(t, a.begin(&basicDeliver{DeliveryTag: 1}))

	header, err := encodeContentHeader(ClassBasic, 5, message.Properties{})
	require.NoError(t, err)
	_, err = a.header(header)
	require.NoError(t, err)
	_, err = a.bodyFrame([]byte("ab"))
	require.NoError(t, err)

	a.reset()
	assert.False(t, a.pending(), "reset should discard the partial assembly")
	require.NoError(t, a.begin(&basicDeliver{DeliveryTag: 2}), "the assembler should accept a new message after reset")
}
