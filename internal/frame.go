package internal

import (
	"encoding/binary"
	"fmt"

	amqpError "github.com/grasevski/amqpcli/amqperror"
)

// frame is one wire frame: type octet, channel, and the payload between the
// 7 byte header and the end octet.
type frame struct {
	Type    byte
	Channel uint16
	Payload []byte
}

// errIncompleteFrame reports that the buffer holds only a prefix of a frame.
// It is not a failure: feed more bytes and decode again.
var errIncompleteFrame = fmt.Errorf("incomplete frame")

// decodeFrame decodes one frame from the start of data. It returns the frame
// and the number of bytes consumed, errIncompleteFrame when data holds only
// a prefix, or a frame error when the bytes cannot be a valid frame. The
// payload is copied, so the caller may reuse data. A frameMax of 0 disables
// the size check.
func decodeFrame(data []byte, frameMax uint32) (*frame, int, error) {
	if len(data) < 7 {
		return nil, 0, errIncompleteFrame
	}

	frameType := data[0]
	switch frameType {
	case FrameMethod, FrameHeader, FrameBody, FrameHeartbeat:
	default:
		return nil, 0, fmt.Errorf("invalid frame type %d: %w", frameType, amqpError.ErrFrame)
	}

	channel := binary.BigEndian.Uint16(data[1:3])
	size := binary.BigEndian.Uint32(data[3:7])

	// Sum in uint64: a hostile size near 1<<32 must not wrap past the check.
	if frameMax > 0 && uint64(size)+frameOverhead > uint64(frameMax) {
		return nil, 0, fmt.Errorf("frame of %d bytes exceeds negotiated maximum %d: %w",
			uint64(size)+frameOverhead, frameMax, amqpError.ErrFrameTooLarge)
	}

	total := 7 + int(size) + 1
	if len(data) < total {
		return nil, 0, errIncompleteFrame
	}

	if data[total-1] != FrameEnd {
		return nil, 0, fmt.Errorf("expected frame end octet %#x, got %#x: %w",
			FrameEnd, data[total-1], amqpError.ErrFrame)
	}

	payload := make([]byte, size)
	copy(payload, data[7:7+size])

	return &frame{Type: frameType, Channel: channel, Payload: payload}, total, nil
}

// frameDecoder buffers incoming bytes and yields complete frames. It keeps
// partial frames across feeds, so the transport may deliver bytes in any
// chunking.
type frameDecoder struct {
	buf      []byte
	frameMax uint32
}

// feed appends raw bytes from the transport.
func (d *frameDecoder) feed(data []byte) {
	d.buf = append(d.buf, data...)
}

// next returns the next complete frame, or errIncompleteFrame when the
// buffered bytes do not yet hold one.
func (d *frameDecoder) next() (*frame, error) {
	f, consumed, err := decodeFrame(d.buf, d.frameMax)
	if err != nil {
		return nil, err
	}
	d.buf = d.buf[consumed:]
	if len(d.buf) == 0 {
		d.buf = nil
	}
	return f, nil
}

// setFrameMax tightens the size check after tuning.
func (d *frameDecoder) setFrameMax(frameMax uint32) {
	d.frameMax = frameMax
}

// marshal renders the frame into wire bytes, envelope included.
func (f *frame) marshal() []byte {
	out := make([]byte, 7+len(f.Payload)+1)
	out[0] = f.Type
	binary.BigEndian.PutUint16(out[1:3], f.Channel)
	binary.BigEndian.PutUint32(out[3:7], uint32(len(f.Payload)))
	copy(out[7:], f.Payload)
	out[len(out)-1] = FrameEnd
	return out
}

// heartbeatFrame builds the empty heartbeat frame on channel 0.
func heartbeatFrame() *frame {
	return &frame{Type: FrameHeartbeat, Channel: 0}
}
