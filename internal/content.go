package internal

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	amqpError "github.com/grasevski/amqpcli/amqperror"
	"github.com/grasevski/amqpcli/message"
)

// Content header property flags, most significant bit first.
const (
	flagContentType     = 0x8000
	flagContentEncoding = 0x4000
	flagHeaders         = 0x2000
	flagDeliveryMode    = 0x1000
	flagPriority        = 0x0800
	flagCorrelationId   = 0x0400
	flagReplyTo         = 0x0200
	flagExpiration      = 0x0100
	flagMessageId       = 0x0080
	flagTimestamp       = 0x0040
	flagType            = 0x0020
	flagUserId          = 0x0010
	flagAppId           = 0x0008
	flagClusterId       = 0x0004
)

// encodeContentHeader renders a header frame payload: class id, weight,
// body size, property flags, then the flagged property values in order.
func encodeContentHeader(classID uint16, bodySize uint64, props message.Properties) ([]byte, error) {
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.BigEndian, classID)
	binary.Write(buf, binary.BigEndian, uint16(0)) // weight, unused
	binary.Write(buf, binary.BigEndian, bodySize)

	var flags uint16
	if props.ContentType != "" {
		flags |= flagContentType
	}
	if props.ContentEncoding != "" {
		flags |= flagContentEncoding
	}
	if len(props.Headers) > 0 {
		flags |= flagHeaders
	}
	if props.DeliveryMode > 0 {
		flags |= flagDeliveryMode
	}
	if props.Priority > 0 {
		flags |= flagPriority
	}
	if props.CorrelationId != "" {
		flags |= flagCorrelationId
	}
	if props.ReplyTo != "" {
		flags |= flagReplyTo
	}
	if props.Expiration != "" {
		flags |= flagExpiration
	}
	if props.MessageId != "" {
		flags |= flagMessageId
	}
	if !props.Timestamp.IsZero() {
		flags |= flagTimestamp
	}
	if props.Type != "" {
		flags |= flagType
	}
	if props.UserId != "" {
		flags |= flagUserId
	}
	if props.AppId != "" {
		flags |= flagAppId
	}
	binary.Write(buf, binary.BigEndian, flags)

	if flags&flagContentType != 0 {
		if err := writeShortString(buf, props.ContentType); err != nil {
			return nil, err
		}
	}
	if flags&flagContentEncoding != 0 {
		if err := writeShortString(buf, props.ContentEncoding); err != nil {
			return nil, err
		}
	}
	if flags&flagHeaders != 0 {
		if err := writeTable(buf, props.Headers); err != nil {
			return nil, err
		}
	}
	if flags&flagDeliveryMode != 0 {
		buf.WriteByte(props.DeliveryMode)
	}
	if flags&flagPriority != 0 {
		buf.WriteByte(props.Priority)
	}
	if flags&flagCorrelationId != 0 {
		if err := writeShortString(buf, props.CorrelationId); err != nil {
			return nil, err
		}
	}
	if flags&flagReplyTo != 0 {
		if err := writeShortString(buf, props.ReplyTo); err != nil {
			return nil, err
		}
	}
	if flags&flagExpiration != 0 {
		if err := writeShortString(buf, props.Expiration); err != nil {
			return nil, err
		}
	}
	if flags&flagMessageId != 0 {
		if err := writeShortString(buf, props.MessageId); err != nil {
			return nil, err
		}
	}
	if flags&flagTimestamp != 0 {
		binary.Write(buf, binary.BigEndian, uint64(props.Timestamp.Unix()))
	}
	if flags&flagType != 0 {
		if err := writeShortString(buf, props.Type); err != nil {
			return nil, err
		}
	}
	if flags&flagUserId != 0 {
		if err := writeShortString(buf, props.UserId); err != nil {
			return nil, err
		}
	}
	if flags&flagAppId != 0 {
		if err := writeShortString(buf, props.AppId); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// decodeContentHeader parses a header frame payload.
func decodeContentHeader(payload []byte) (classID uint16, bodySize uint64, props message.Properties, err error) {
	r := bytes.NewReader(payload)

	if err = binary.Read(r, binary.BigEndian, &classID); err != nil {
		return 0, 0, props, fmt.Errorf("failed to read header class id: %w", err)
	}
	var weight uint16
	if err = binary.Read(r, binary.BigEndian, &weight); err != nil {
		return 0, 0, props, fmt.Errorf("failed to read header weight: %w", err)
	}
	if err = binary.Read(r, binary.BigEndian, &bodySize); err != nil {
		return 0, 0, props, fmt.Errorf("failed to read body size: %w", err)
	}
	var flags uint16
	if err = binary.Read(r, binary.BigEndian, &flags); err != nil {
		return 0, 0, props, fmt.Errorf("failed to read property flags: %w", err)
	}

	if flags&flagContentType != 0 {
		if props.ContentType, err = readShortString(r); err != nil {
			return 0, 0, props, err
		}
	}
	if flags&flagContentEncoding != 0 {
		if props.ContentEncoding, err = readShortString(r); err != nil {
			return 0, 0, props, err
		}
	}
	if flags&flagHeaders != 0 {
		if props.Headers, err = readTable(r); err != nil {
			return 0, 0, props, err
		}
	}
	if flags&flagDeliveryMode != 0 {
		if props.DeliveryMode, err = r.ReadByte(); err != nil {
			return 0, 0, props, err
		}
	}
	if flags&flagPriority != 0 {
		if props.Priority, err = r.ReadByte(); err != nil {
			return 0, 0, props, err
		}
	}
	if flags&flagCorrelationId != 0 {
		if props.CorrelationId, err = readShortString(r); err != nil {
			return 0, 0, props, err
		}
	}
	if flags&flagReplyTo != 0 {
		if props.ReplyTo, err = readShortString(r); err != nil {
			return 0, 0, props, err
		}
	}
	if flags&flagExpiration != 0 {
		if props.Expiration, err = readShortString(r); err != nil {
			return 0, 0, props, err
		}
	}
	if flags&flagMessageId != 0 {
		if props.MessageId, err = readShortString(r); err != nil {
			return 0, 0, props, err
		}
	}
	if flags&flagTimestamp != 0 {
		var ts uint64
		if err = binary.Read(r, binary.BigEndian, &ts); err != nil {
			return 0, 0, props, err
		}
		props.Timestamp = time.Unix(int64(ts), 0)
	}
	if flags&flagType != 0 {
		if props.Type, err = readShortString(r); err != nil {
			return 0, 0, props, err
		}
	}
	if flags&flagUserId != 0 {
		if props.UserId, err = readShortString(r); err != nil {
			return 0, 0, props, err
		}
	}
	if flags&flagAppId != 0 {
		if props.AppId, err = readShortString(r); err != nil {
			return 0, 0, props, err
		}
	}
	if flags&flagClusterId != 0 {
		// Reserved field, consumed to keep offsets right, value discarded.
		if _, err = readShortString(r); err != nil {
			return 0, 0, props, err
		}
	}
	return classID, bodySize, props, nil
}

// splitBody cuts a payload into body frame chunks of at most chunkSize bytes.
// An empty body yields no chunks.
func splitBody(body []byte, chunkSize int) [][]byte {
	if len(body) == 0 {
		return nil
	}
	chunks := make([][]byte, 0, (len(body)+chunkSize-1)/chunkSize)
	for start := 0; start < len(body); start += chunkSize {
		end := start + chunkSize
		if end > len(body) {
			end = len(body)
		}
		chunks = append(chunks, body[start:end])
	}
	return chunks
}

// contentAssembler rebuilds one inbound message per channel. A content method
// (deliver, return, get-ok) arms it; the following header frame declares the
// body size; body frames accumulate until that size is reached. Frames of one
// message are contiguous within a channel, so a method or header arriving
// mid-assembly is a protocol violation.
type contentAssembler struct {
	method   method
	props    message.Properties
	bodySize uint64
	body     []byte
	inHeader bool
	inBody   bool
}

// begin arms the assembler for the body of a content method.
func (a *contentAssembler) begin(m method) error {
	if a.inHeader || a.inBody {
		classID, methodID := m.id()
		return fmt.Errorf("%s interrupts message assembly: %w",
			getFullMethodName(classID, methodID), amqpError.ErrUnexpectedFrame)
	}
	a.method = m
	a.inHeader = true
	return nil
}

// pending reports whether an assembly is in progress.
func (a *contentAssembler) pending() bool {
	return a.inHeader || a.inBody
}

// header consumes the content header frame. It reports done for bodyless
// messages.
func (a *contentAssembler) header(payload []byte) (done bool, err error) {
	if !a.inHeader {
		return false, fmt.Errorf("header frame without a content method: %w", amqpError.ErrUnexpectedFrame)
	}
	classID, bodySize, props, err := decodeContentHeader(payload)
	if err != nil {
		return false, err
	}
	expected, _ := a.method.id()
	if classID != expected {
		return false, fmt.Errorf("header class %d does not match %d: %w",
			classID, expected, amqpError.ErrUnexpectedFrame)
	}
	a.props = props
	a.bodySize = bodySize
	a.body = make([]byte, 0, bodySize)
	a.inHeader = false
	a.inBody = bodySize > 0
	return !a.inBody, nil
}

// bodyFrame consumes one body frame. It reports done when the declared size
// has been reached; more bytes than declared is a protocol violation.
func (a *contentAssembler) bodyFrame(payload []byte) (done bool, err error) {
	if !a.inBody {
		return false, fmt.Errorf("body frame without a content header: %w", amqpError.ErrUnexpectedFrame)
	}
	if uint64(len(a.body))+uint64(len(payload)) > a.bodySize {
		return false, fmt.Errorf("body exceeds declared size %d: %w", a.bodySize, amqpError.ErrFrame)
	}
	a.body = append(a.body, payload...)
	if uint64(len(a.body)) == a.bodySize {
		a.inBody = false
		return true, nil
	}
	return false, nil
}

// take returns the assembled message and resets the assembler.
func (a *contentAssembler) take() (method, message.Properties, []byte) {
	m, props, body := a.method, a.props, a.body
	*a = contentAssembler{}
	return m, props, body
}

// reset discards any partial assembly, for channel teardown.
func (a *contentAssembler) reset() {
	*a = contentAssembler{}
}
