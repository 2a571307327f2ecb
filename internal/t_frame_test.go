package internal

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	amqpError "github.com/grasevski/amqpcli/amqperror"
)

func TestFrameRoundTrip(t *testing.T) {
	cases := []struct {
		name  string
		frame frame
	}{
		{"method frame", frame{Type: FrameMethod, Channel: 1, Payload: []byte{0, 10, 0, 11, 1, 2, 3}}},
		{"header frame", frame{Type: FrameHeader, Channel: 2047, Payload: bytes.Repeat([]byte{0xAB}, 64)}},
		{"body frame", frame{Type: FrameBody, Channel: 42, Payload: []byte("hello world")}},
		{"empty body frame", frame{Type: FrameBody, Channel: 9, Payload: []byte{}}},
		{"heartbeat frame", frame{Type: FrameHeartbeat, Channel: 0, Payload: []byte{}}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			wire := tc.frame.marshal()

			decoded, consumed, err := decodeFrame(wire, 0)
			require.NoError(t, err)
			assert.Equal(t, len(wire), consumed, "whole encoding should be consumed")
			assert.Equal(t, tc.frame.Type, decoded.Type)
			assert.Equal(t, tc.frame.Channel, decoded.Channel)
			assert.Equal(t, []byte(tc.frame.Payload), decoded.Payload)
		})
	}
}

func TestDecodeFramePrefixNeverMisdecodes(t *testing.T) {
	f := frame{Type: FrameMethod, Channel: 3, Payload: []byte("some method payload")}
	wire := f.marshal()

	for n := 0; n < len(wire); n++ {
		_, _, err := decodeFrame(wire[:n], 0)
		require.ErrorIs(t, err, errIncompleteFrame, "prefix of %d bytes must ask for more data", n)
	}
}

func TestDecodeFrameRejectsUnknownType(t *testing.T) {
	f := frame{Type: FrameMethod, Channel: 0, Payload: []byte{1}}
	wire := f.marshal()
	wire[0] = 9 // not a valid frame type

	_, _, err := decodeFrame(wire, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, amqpError.ErrFrame)
}

func TestDecodeFrameRejectsBadEndOctet(t *testing.T) {
	f := frame{Type: FrameBody, Channel: 1, Payload: []byte("abc")}
	wire := f.marshal()
	wire[len(wire)-1] = 0x00

	_, _, err := decodeFrame(wire, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, amqpError.ErrFrame)
}

func TestDecodeFrameEnforcesFrameMax(t *testing.T) {
	f := frame{Type: FrameBody, Channel: 1, Payload: bytes.Repeat([]byte{1}, 5000)}
	wire := f.marshal()

	_, _, err := decodeFrame(wire, 4096)
	require.Error(t, err)
	assert.ErrorIs(t, err, amqpError.ErrFrameTooLarge)

	// A header declaring a size near 1<<32 must be rejected the same way;
	// wrapping the size arithmetic and stalling for more bytes would let a
	// hostile peer grow the buffer without bound.
	header := []byte{FrameBody, 0, 1, 0xFF, 0xFF, 0xFF, 0xFF}
	_, _, err = decodeFrame(header, 4096)
	require.Error(t, err)
	assert.ErrorIs(t, err, amqpError.ErrFrameTooLarge, "a wrapping size field must not bypass the cap")

	// The same frame is fine without a negotiated cap.
	_, _, err = decodeFrame(wire, 0)
	assert.NoError(t, err)
}

func TestFrameDecoderReassemblesAcrossFeeds(t *testing.T) {
	f1 := frame{Type: FrameMethod, Channel: 1, Payload: []byte("first")}
	f2 := frame{Type: FrameBody, Channel: 1, Payload: []byte("second frame body")}
	wire := append(f1.marshal(), f2.marshal()...)

	d := frameDecoder{}

	// Feed one byte at a time; both frames must come out intact and in order.
	var got []*frame
	for _, b := range wire {
		d.feed([]byte{b})
		for {
			f, err := d.next()
			if err != nil {
				require.ErrorIs(t, err, errIncompleteFrame)
				break
			}
			got = append(got, f)
		}
	}

	require.Len(t, got, 2)
	assert.Equal(t, []byte("first"), got[0].Payload)
	assert.Equal(t, byte(FrameMethod), got[0].Type)
	assert.Equal(t, []byte("second frame body"), got[1].Payload)
	assert.Equal(t, byte(FrameBody), got[1].Type)
}

func TestFrameDecoderDrainsBuffer(t *testing.T) {
	f := frame{Type: FrameHeartbeat, Channel: 0}
	d := frameDecoder{}
	d.feed(f.marshal())

	_, err := d.next()
	require.NoError(t, err)
	assert.Nil(t, d.buf, "buffer should be released once drained")

	_, err = d.next()
	assert.ErrorIs(t, err, errIncompleteFrame)
}

func TestSplitBodyChunkCounts(t *testing.T) {
	chunkSize := 131072 - frameOverhead

	cases := []struct {
		name   string
		size   int
		chunks int
	}{
		{"empty body", 0, 0},
		{"single byte", 1, 1},
		{"exactly one chunk", chunkSize, 1},
		{"one byte over", chunkSize + 1, 2},
		{"typical large payload", 300000, 3},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			body := bytes.Repeat([]byte{0x5A}, tc.size)
			chunks := splitBody(body, chunkSize)
			require.Len(t, chunks, tc.chunks)

			reassembled := make([]byte, 0, tc.size)
			for i, c := range chunks {
				assert.LessOrEqual(t, len(c), chunkSize, "chunk %d exceeds the payload capacity", i)
				reassembled = append(reassembled, c...)
			}
			assert.Equal(t, body, reassembled, "concatenated chunks must equal the original body")
		})
	}
}

func TestHeartbeatFrameShape(t *testing.T) {
	wire := heartbeatFrame().marshal()
	assert.Equal(t, []byte{FrameHeartbeat, 0, 0, 0, 0, 0, 0, FrameEnd}, wire)
}
