package internal

import (
	"bytes"
	"encoding/binary"
	"fmt"

	amqpError "github.com/grasevski/amqpcli/amqperror"
	"github.com/grasevski/amqpcli/message"
)

// method is one decoded protocol method. Field order on the wire is fixed by
// the protocol; each implementation reads and writes its fields in that order.
type method interface {
	id() (classID, methodID uint16)
	read(r *bytes.Reader) error
	write(buf *bytes.Buffer) error
}

// decodeMethod parses a method frame payload: class id, method id, then the
// method's arguments. An unknown (class, method) pair or trailing bytes after
// the arguments are protocol violations.
func decodeMethod(payload []byte) (method, error) {
	r := bytes.NewReader(payload)

	var classID, methodID uint16
	if err := binary.Read(r, binary.BigEndian, &classID); err != nil {
		return nil, fmt.Errorf("failed to read class id: %w", err)
	}
	if err := binary.Read(r, binary.BigEndian, &methodID); err != nil {
		return nil, fmt.Errorf("failed to read method id: %w", err)
	}

	spec, ok := lookupMethod(classID, methodID)
	if !ok {
		return nil, fmt.Errorf("class %d method %d: %w", classID, methodID, amqpError.ErrUnknownMethod)
	}

	m := spec.New()
	if err := m.read(r); err != nil {
		return nil, fmt.Errorf("failed to decode %s: %w", spec.Name, err)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%d trailing bytes after %s: %w", r.Len(), spec.Name, amqpError.ErrFrame)
	}
	return m, nil
}

// encodeMethod renders a method into a method frame payload.
func encodeMethod(m method) ([]byte, error) {
	classID, methodID := m.id()
	buf := &bytes.Buffer{}
	binary.Write(buf, binary.BigEndian, classID)
	binary.Write(buf, binary.BigEndian, methodID)
	if err := m.write(buf); err != nil {
		return nil, fmt.Errorf("failed to encode %s: %w", getFullMethodName(classID, methodID), err)
	}
	return buf.Bytes(), nil
}

// -------------------- connection class --------------------

type connectionStart struct {
	VersionMajor     byte
	VersionMinor     byte
	ServerProperties message.Table
	Mechanisms       string
	Locales          string
}

func (m *connectionStart) id() (uint16, uint16) { return ClassConnection, MethodConnectionStart }

func (m *connectionStart) read(r *bytes.Reader) (err error) {
	if m.VersionMajor, err = r.ReadByte(); err != nil {
		return err
	}
	if m.VersionMinor, err = r.ReadByte(); err != nil {
		return err
	}
	if m.ServerProperties, err = readTable(r); err != nil {
		return err
	}
	if m.Mechanisms, err = readLongString(r); err != nil {
		return err
	}
	m.Locales, err = readLongString(r)
	return err
}

func (m *connectionStart) write(buf *bytes.Buffer) error {
	buf.WriteByte(m.VersionMajor)
	buf.WriteByte(m.VersionMinor)
	if err := writeTable(buf, m.ServerProperties); err != nil {
		return err
	}
	if err := writeLongString(buf, m.Mechanisms); err != nil {
		return err
	}
	return writeLongString(buf, m.Locales)
}

type connectionStartOk struct {
	ClientProperties message.Table
	Mechanism        string
	Response         string
	Locale           string
}

func (m *connectionStartOk) id() (uint16, uint16) { return ClassConnection, MethodConnectionStartOk }

func (m *connectionStartOk) read(r *bytes.Reader) (err error) {
	if m.ClientProperties, err = readTable(r); err != nil {
		return err
	}
	if m.Mechanism, err = readShortString(r); err != nil {
		return err
	}
	if m.Response, err = readLongString(r); err != nil {
		return err
	}
	m.Locale, err = readShortString(r)
	return err
}

func (m *connectionStartOk) write(buf *bytes.Buffer) error {
	if err := writeTable(buf, m.ClientProperties); err != nil {
		return err
	}
	if err := writeShortString(buf, m.Mechanism); err != nil {
		return err
	}
	if err := writeLongString(buf, m.Response); err != nil {
		return err
	}
	return writeShortString(buf, m.Locale)
}

type connectionTune struct {
	ChannelMax uint16
	FrameMax   uint32
	Heartbeat  uint16
}

func (m *connectionTune) id() (uint16, uint16) { return ClassConnection, MethodConnectionTune }

func (m *connectionTune) read(r *bytes.Reader) error {
	if err := binary.Read(r, binary.BigEndian, &m.ChannelMax); err != nil {
		return err
	}
	if err := binary.Read(r, binary.BigEndian, &m.FrameMax); err != nil {
		return err
	}
	return binary.Read(r, binary.BigEndian, &m.Heartbeat)
}

func (m *connectionTune) write(buf *bytes.Buffer) error {
	binary.Write(buf, binary.BigEndian, m.ChannelMax)
	binary.Write(buf, binary.BigEndian, m.FrameMax)
	binary.Write(buf, binary.BigEndian, m.Heartbeat)
	return nil
}

type connectionTuneOk struct {
	ChannelMax uint16
	FrameMax   uint32
	Heartbeat  uint16
}

func (m *connectionTuneOk) id() (uint16, uint16) { return ClassConnection, MethodConnectionTuneOk }

func (m *connectionTuneOk) read(r *bytes.Reader) error {
	if err := binary.Read(r, binary.BigEndian, &m.ChannelMax); err != nil {
		return err
	}
	if err := binary.Read(r, binary.BigEndian, &m.FrameMax); err != nil {
		return err
	}
	return binary.Read(r, binary.BigEndian, &m.Heartbeat)
}

func (m *connectionTuneOk) write(buf *bytes.Buffer) error {
	binary.Write(buf, binary.BigEndian, m.ChannelMax)
	binary.Write(buf, binary.BigEndian, m.FrameMax)
	binary.Write(buf, binary.BigEndian, m.Heartbeat)
	return nil
}

type connectionOpen struct {
	VirtualHost string
	// Capabilities and Insist are reserved in 0-9-1 and sent empty.
	Capabilities string
	Insist       bool
}

func (m *connectionOpen) id() (uint16, uint16) { return ClassConnection, MethodConnectionOpen }

func (m *connectionOpen) read(r *bytes.Reader) (err error) {
	if m.VirtualHost, err = readShortString(r); err != nil {
		return err
	}
	if m.Capabilities, err = readShortString(r); err != nil {
		return err
	}
	bits, err := r.ReadByte()
	if err != nil {
		return err
	}
	m.Insist = bits&0x01 != 0
	return nil
}

func (m *connectionOpen) write(buf *bytes.Buffer) error {
	if err := writeShortString(buf, m.VirtualHost); err != nil {
		return err
	}
	if err := writeShortString(buf, m.Capabilities); err != nil {
		return err
	}
	var bits byte
	if m.Insist {
		bits |= 0x01
	}
	buf.WriteByte(bits)
	return nil
}

type connectionOpenOk struct {
	KnownHosts string
}

func (m *connectionOpenOk) id() (uint16, uint16) { return ClassConnection, MethodConnectionOpenOk }

func (m *connectionOpenOk) read(r *bytes.Reader) (err error) {
	m.KnownHosts, err = readShortString(r)
	return err
}

func (m *connectionOpenOk) write(buf *bytes.Buffer) error {
	return writeShortString(buf, m.KnownHosts)
}

type connectionClose struct {
	ReplyCode uint16
	ReplyText string
	ClassID   uint16
	MethodID  uint16
}

func (m *connectionClose) id() (uint16, uint16) { return ClassConnection, MethodConnectionClose }

func (m *connectionClose) read(r *bytes.Reader) (err error) {
	if err = binary.Read(r, binary.BigEndian, &m.ReplyCode); err != nil {
		return err
	}
	if m.ReplyText, err = readShortString(r); err != nil {
		return err
	}
	if err = binary.Read(r, binary.BigEndian, &m.ClassID); err != nil {
		return err
	}
	return binary.Read(r, binary.BigEndian, &m.MethodID)
}

func (m *connectionClose) write(buf *bytes.Buffer) error {
	binary.Write(buf, binary.BigEndian, m.ReplyCode)
	if err := writeShortString(buf, m.ReplyText); err != nil {
		return err
	}
	binary.Write(buf, binary.BigEndian, m.ClassID)
	binary.Write(buf, binary.BigEndian, m.MethodID)
	return nil
}

type connectionCloseOk struct{}

func (m *connectionCloseOk) id() (uint16, uint16) { return ClassConnection, MethodConnectionCloseOk }

func (m *connectionCloseOk) read(r *bytes.Reader) error { return nil }

func (m *connectionCloseOk) write(buf *bytes.Buffer) error { return nil }

// -------------------- channel class --------------------

type channelOpen struct {
	OutOfBand string
}

func (m *channelOpen) id() (uint16, uint16) { return ClassChannel, MethodChannelOpen }

func (m *channelOpen) read(r *bytes.Reader) (err error) {
	m.OutOfBand, err = readShortString(r)
	return err
}

func (m *channelOpen) write(buf *bytes.Buffer) error {
	return writeShortString(buf, m.OutOfBand)
}

type channelOpenOk struct {
	ChannelID string
}

func (m *channelOpenOk) id() (uint16, uint16) { return ClassChannel, MethodChannelOpenOk }

func (m *channelOpenOk) read(r *bytes.Reader) (err error) {
	m.ChannelID, err = readLongString(r)
	return err
}

func (m *channelOpenOk) write(buf *bytes.Buffer) error {
	return writeLongString(buf, m.ChannelID)
}

type channelFlow struct {
	Active bool
}

func (m *channelFlow) id() (uint16, uint16) { return ClassChannel, MethodChannelFlow }

func (m *channelFlow) read(r *bytes.Reader) error {
	bits, err := r.ReadByte()
	if err != nil {
		return err
	}
	m.Active = bits&0x01 != 0
	return nil
}

func (m *channelFlow) write(buf *bytes.Buffer) error {
	var bits byte
	if m.Active {
		bits |= 0x01
	}
	buf.WriteByte(bits)
	return nil
}

type channelFlowOk struct {
	Active bool
}

func (m *channelFlowOk) id() (uint16, uint16) { return ClassChannel, MethodChannelFlowOk }

func (m *channelFlowOk) read(r *bytes.Reader) error {
	bits, err := r.ReadByte()
	if err != nil {
		return err
	}
	m.Active = bits&0x01 != 0
	return nil
}

func (m *channelFlowOk) write(buf *bytes.Buffer) error {
	var bits byte
	if m.Active {
		bits |= 0x01
	}
	buf.WriteByte(bits)
	return nil
}

type channelClose struct {
	ReplyCode uint16
	ReplyText string
	ClassID   uint16
	MethodID  uint16
}

func (m *channelClose) id() (uint16, uint16) { return ClassChannel, MethodChannelClose }

func (m *channelClose) read(r *bytes.Reader) (err error) {
	if err = binary.Read(r, binary.BigEndian, &m.ReplyCode); err != nil {
		return err
	}
	if m.ReplyText, err = readShortString(r); err != nil {
		return err
	}
	if err = binary.Read(r, binary.BigEndian, &m.ClassID); err != nil {
		return err
	}
	return binary.Read(r, binary.BigEndian, &m.MethodID)
}

func (m *channelClose) write(buf *bytes.Buffer) error {
	binary.Write(buf, binary.BigEndian, m.ReplyCode)
	if err := writeShortString(buf, m.ReplyText); err != nil {
		return err
	}
	binary.Write(buf, binary.BigEndian, m.ClassID)
	binary.Write(buf, binary.BigEndian, m.MethodID)
	return nil
}

type channelCloseOk struct{}

func (m *channelCloseOk) id() (uint16, uint16) { return ClassChannel, MethodChannelCloseOk }

func (m *channelCloseOk) read(r *bytes.Reader) error { return nil }

func (m *channelCloseOk) write(buf *bytes.Buffer) error { return nil }

// -------------------- exchange class --------------------

type exchangeDeclare struct {
	reserved1  uint16
	Exchange   string
	Type       string
	Passive    bool
	Durable    bool
	AutoDelete bool
	Internal   bool
	NoWait     bool
	Arguments  message.Table
}

func (m *exchangeDeclare) id() (uint16, uint16) { return ClassExchange, MethodExchangeDeclare }

func (m *exchangeDeclare) read(r *bytes.Reader) (err error) {
	if err = binary.Read(r, binary.BigEndian, &m.reserved1); err != nil {
		return err
	}
	if m.Exchange, err = readShortString(r); err != nil {
		return err
	}
	if m.Type, err = readShortString(r); err != nil {
		return err
	}
	bits, err := r.ReadByte()
	if err != nil {
		return err
	}
	m.Passive = bits&0x01 != 0
	m.Durable = bits&0x02 != 0
	m.AutoDelete = bits&0x04 != 0
	m.Internal = bits&0x08 != 0
	m.NoWait = bits&0x10 != 0
	m.Arguments, err = readTable(r)
	return err
}

func (m *exchangeDeclare) write(buf *bytes.Buffer) error {
	binary.Write(buf, binary.BigEndian, m.reserved1)
	if err := writeShortString(buf, m.Exchange); err != nil {
		return err
	}
	if err := writeShortString(buf, m.Type); err != nil {
		return err
	}
	var bits byte
	if m.Passive {
		bits |= 0x01
	}
	if m.Durable {
		bits |= 0x02
	}
	if m.AutoDelete {
		bits |= 0x04
	}
	if m.Internal {
		bits |= 0x08
	}
	if m.NoWait {
		bits |= 0x10
	}
	buf.WriteByte(bits)
	return writeTable(buf, m.Arguments)
}

type exchangeDeclareOk struct{}

func (m *exchangeDeclareOk) id() (uint16, uint16) { return ClassExchange, MethodExchangeDeclareOk }

func (m *exchangeDeclareOk) read(r *bytes.Reader) error { return nil }

func (m *exchangeDeclareOk) write(buf *bytes.Buffer) error { return nil }

// -------------------- queue class --------------------

type queueDeclare struct {
	reserved1  uint16
	Queue      string
	Passive    bool
	Durable    bool
	Exclusive  bool
	AutoDelete bool
	NoWait     bool
	Arguments  message.Table
}

func (m *queueDeclare) id() (uint16, uint16) { return ClassQueue, MethodQueueDeclare }

func (m *queueDeclare) read(r *bytes.Reader) (err error) {
	if err = binary.Read(r, binary.BigEndian, &m.reserved1); err != nil {
		return err
	}
	if m.Queue, err = readShortString(r); err != nil {
		return err
	}
	bits, err := r.ReadByte()
	if err != nil {
		return err
	}
	m.Passive = bits&0x01 != 0
	m.Durable = bits&0x02 != 0
	m.Exclusive = bits&0x04 != 0
	m.AutoDelete = bits&0x08 != 0
	m.NoWait = bits&0x10 != 0
	m.Arguments, err = readTable(r)
	return err
}

func (m *queueDeclare) write(buf *bytes.Buffer) error {
	binary.Write(buf, binary.BigEndian, m.reserved1)
	if err := writeShortString(buf, m.Queue); err != nil {
		return err
	}
	var bits byte
	if m.Passive {
		bits |= 0x01
	}
	if m.Durable {
		bits |= 0x02
	}
	if m.Exclusive {
		bits |= 0x04
	}
	if m.AutoDelete {
		bits |= 0x08
	}
	if m.NoWait {
		bits |= 0x10
	}
	buf.WriteByte(bits)
	return writeTable(buf, m.Arguments)
}

type queueDeclareOk struct {
	Queue         string
	MessageCount  uint32
	ConsumerCount uint32
}

func (m *queueDeclareOk) id() (uint16, uint16) { return ClassQueue, MethodQueueDeclareOk }

func (m *queueDeclareOk) read(r *bytes.Reader) (err error) {
	if m.Queue, err = readShortString(r); err != nil {
		return err
	}
	if err = binary.Read(r, binary.BigEndian, &m.MessageCount); err != nil {
		return err
	}
	return binary.Read(r, binary.BigEndian, &m.ConsumerCount)
}

func (m *queueDeclareOk) write(buf *bytes.Buffer) error {
	if err := writeShortString(buf, m.Queue); err != nil {
		return err
	}
	binary.Write(buf, binary.BigEndian, m.MessageCount)
	binary.Write(buf, binary.BigEndian, m.ConsumerCount)
	return nil
}

type queueBind struct {
	reserved1  uint16
	Queue      string
	Exchange   string
	RoutingKey string
	NoWait     bool
	Arguments  message.Table
}

func (m *queueBind) id() (uint16, uint16) { return ClassQueue, MethodQueueBind }

func (m *queueBind) read(r *bytes.Reader) (err error) {
	if err = binary.Read(r, binary.BigEndian, &m.reserved1); err != nil {
		return err
	}
	if m.Queue, err = readShortString(r); err != nil {
		return err
	}
	if m.Exchange, err = readShortString(r); err != nil {
		return err
	}
	if m.RoutingKey, err = readShortString(r); err != nil {
		return err
	}
	bits, err := r.ReadByte()
	if err != nil {
		return err
	}
	m.NoWait = bits&0x01 != 0
	m.Arguments, err = readTable(r)
	return err
}

func (m *queueBind) write(buf *bytes.Buffer) error {
	binary.Write(buf, binary.BigEndian, m.reserved1)
	if err := writeShortString(buf, m.Queue); err != nil {
		return err
	}
	if err := writeShortString(buf, m.Exchange); err != nil {
		return err
	}
	if err := writeShortString(buf, m.RoutingKey); err != nil {
		return err
	}
	var bits byte
	if m.NoWait {
		bits |= 0x01
	}
	buf.WriteByte(bits)
	return writeTable(buf, m.Arguments)
}

type queueBindOk struct{}

func (m *queueBindOk) id() (uint16, uint16) { return ClassQueue, MethodQueueBindOk }

func (m *queueBindOk) read(r *bytes.Reader) error { return nil }

func (m *queueBindOk) write(buf *bytes.Buffer) error { return nil }

// -------------------- basic class --------------------

type basicQos struct {
	PrefetchSize  uint32
	PrefetchCount uint16
	Global        bool
}

func (m *basicQos) id() (uint16, uint16) { return ClassBasic, MethodBasicQos }

func (m *basicQos) read(r *bytes.Reader) error {
	if err := binary.Read(r, binary.BigEndian, &m.PrefetchSize); err != nil {
		return err
	}
	if err := binary.Read(r, binary.BigEndian, &m.PrefetchCount); err != nil {
		return err
	}
	bits, err := r.ReadByte()
	if err != nil {
		return err
	}
	m.Global = bits&0x01 != 0
	return nil
}

func (m *basicQos) write(buf *bytes.Buffer) error {
	binary.Write(buf, binary.BigEndian, m.PrefetchSize)
	binary.Write(buf, binary.BigEndian, m.PrefetchCount)
	var bits byte
	if m.Global {
		bits |= 0x01
	}
	buf.WriteByte(bits)
	return nil
}

type basicQosOk struct{}

func (m *basicQosOk) id() (uint16, uint16) { return ClassBasic, MethodBasicQosOk }

func (m *basicQosOk) read(r *bytes.Reader) error { return nil }

func (m *basicQosOk) write(buf *bytes.Buffer) error { return nil }

type basicConsume struct {
	reserved1   uint16
	Queue       string
	ConsumerTag string
	NoLocal     bool
	NoAck       bool
	Exclusive   bool
	NoWait      bool
	Arguments   message.Table
}

func (m *basicConsume) id() (uint16, uint16) { return ClassBasic, MethodBasicConsume }

func (m *basicConsume) read(r *bytes.Reader) (err error) {
	if err = binary.Read(r, binary.BigEndian, &m.reserved1); err != nil {
		return err
	}
	if m.Queue, err = readShortString(r); err != nil {
		return err
	}
	if m.ConsumerTag, err = readShortString(r); err != nil {
		return err
	}
	bits, err := r.ReadByte()
	if err != nil {
		return err
	}
	m.NoLocal = bits&0x01 != 0
	m.NoAck = bits&0x02 != 0
	m.Exclusive = bits&0x04 != 0
	m.NoWait = bits&0x08 != 0
	m.Arguments, err = readTable(r)
	return err
}

func (m *basicConsume) write(buf *bytes.Buffer) error {
	binary.Write(buf, binary.BigEndian, m.reserved1)
	if err := writeShortString(buf, m.Queue); err != nil {
		return err
	}
	if err := writeShortString(buf, m.ConsumerTag); err != nil {
		return err
	}
	var bits byte
	if m.NoLocal {
		bits |= 0x01
	}
	if m.NoAck {
		bits |= 0x02
	}
	if m.Exclusive {
		bits |= 0x04
	}
	if m.NoWait {
		bits |= 0x08
	}
	buf.WriteByte(bits)
	return writeTable(buf, m.Arguments)
}

type basicConsumeOk struct {
	ConsumerTag string
}

func (m *basicConsumeOk) id() (uint16, uint16) { return ClassBasic, MethodBasicConsumeOk }

func (m *basicConsumeOk) read(r *bytes.Reader) (err error) {
	m.ConsumerTag, err = readShortString(r)
	return err
}

func (m *basicConsumeOk) write(buf *bytes.Buffer) error {
	return writeShortString(buf, m.ConsumerTag)
}

type basicCancel struct {
	ConsumerTag string
	NoWait      bool
}

func (m *basicCancel) id() (uint16, uint16) { return ClassBasic, MethodBasicCancel }

func (m *basicCancel) read(r *bytes.Reader) (err error) {
	if m.ConsumerTag, err = readShortString(r); err != nil {
		return err
	}
	bits, err := r.ReadByte()
	if err != nil {
		return err
	}
	m.NoWait = bits&0x01 != 0
	return nil
}

func (m *basicCancel) write(buf *bytes.Buffer) error {
	if err := writeShortString(buf, m.ConsumerTag); err != nil {
		return err
	}
	var bits byte
	if m.NoWait {
		bits |= 0x01
	}
	buf.WriteByte(bits)
	return nil
}

type basicCancelOk struct {
	ConsumerTag string
}

func (m *basicCancelOk) id() (uint16, uint16) { return ClassBasic, MethodBasicCancelOk }

func (m *basicCancelOk) read(r *bytes.Reader) (err error) {
	m.ConsumerTag, err = readShortString(r)
	return err
}

func (m *basicCancelOk) write(buf *bytes.Buffer) error {
	return writeShortString(buf, m.ConsumerTag)
}

type basicPublish struct {
	reserved1  uint16
	Exchange   string
	RoutingKey string
	Mandatory  bool
	Immediate  bool
}

func (m *basicPublish) id() (uint16, uint16) { return ClassBasic, MethodBasicPublish }

func (m *basicPublish) read(r *bytes.Reader) (err error) {
	if err = binary.Read(r, binary.BigEndian, &m.reserved1); err != nil {
		return err
	}
	if m.Exchange, err = readShortString(r); err != nil {
		return err
	}
	if m.RoutingKey, err = readShortString(r); err != nil {
		return err
	}
	bits, err := r.ReadByte()
	if err != nil {
		return err
	}
	m.Mandatory = bits&0x01 != 0
	m.Immediate = bits&0x02 != 0
	return nil
}

func (m *basicPublish) write(buf *bytes.Buffer) error {
	binary.Write(buf, binary.BigEndian, m.reserved1)
	if err := writeShortString(buf, m.Exchange); err != nil {
		return err
	}
	if err := writeShortString(buf, m.RoutingKey); err != nil {
		return err
	}
	var bits byte
	if m.Mandatory {
		bits |= 0x01
	}
	if m.Immediate {
		bits |= 0x02
	}
	buf.WriteByte(bits)
	return nil
}

type basicReturn struct {
	ReplyCode  uint16
	ReplyText  string
	Exchange   string
	RoutingKey string
}

func (m *basicReturn) id() (uint16, uint16) { return ClassBasic, MethodBasicReturn }

func (m *basicReturn) read(r *bytes.Reader) (err error) {
	if err = binary.Read(r, binary.BigEndian, &m.ReplyCode); err != nil {
		return err
	}
	if m.ReplyText, err = readShortString(r); err != nil {
		return err
	}
	if m.Exchange, err = readShortString(r); err != nil {
		return err
	}
	m.RoutingKey, err = readShortString(r)
	return err
}

func (m *basicReturn) write(buf *bytes.Buffer) error {
	binary.Write(buf, binary.BigEndian, m.ReplyCode)
	if err := writeShortString(buf, m.ReplyText); err != nil {
		return err
	}
	if err := writeShortString(buf, m.Exchange); err != nil {
		return err
	}
	return writeShortString(buf, m.RoutingKey)
}

type basicDeliver struct {
	ConsumerTag string
	DeliveryTag uint64
	Redelivered bool
	Exchange    string
	RoutingKey  string
}

func (m *basicDeliver) id() (uint16, uint16) { return ClassBasic, MethodBasicDeliver }

func (m *basicDeliver) read(r *bytes.Reader) (err error) {
	if m.ConsumerTag, err = readShortString(r); err != nil {
		return err
	}
	if err = binary.Read(r, binary.BigEndian, &m.DeliveryTag); err != nil {
		return err
	}
	bits, err := r.ReadByte()
	if err != nil {
		return err
	}
	m.Redelivered = bits&0x01 != 0
	if m.Exchange, err = readShortString(r); err != nil {
		return err
	}
	m.RoutingKey, err = readShortString(r)
	return err
}

func (m *basicDeliver) write(buf *bytes.Buffer) error {
	if err := writeShortString(buf, m.ConsumerTag); err != nil {
		return err
	}
	binary.Write(buf, binary.BigEndian, m.DeliveryTag)
	var bits byte
	if m.Redelivered {
		bits |= 0x01
	}
	buf.WriteByte(bits)
	if err := writeShortString(buf, m.Exchange); err != nil {
		return err
	}
	return writeShortString(buf, m.RoutingKey)
}

type basicGet struct {
	reserved1 uint16
	Queue     string
	NoAck     bool
}

func (m *basicGet) id() (uint16, uint16) { return ClassBasic, MethodBasicGet }

func (m *basicGet) read(r *bytes.Reader) (err error) {
	if err = binary.Read(r, binary.BigEndian, &m.reserved1); err != nil {
		return err
	}
	if m.Queue, err = readShortString(r); err != nil {
		return err
	}
	bits, err := r.ReadByte()
	if err != nil {
		return err
	}
	m.NoAck = bits&0x01 != 0
	return nil
}

func (m *basicGet) write(buf *bytes.Buffer) error {
	binary.Write(buf, binary.BigEndian, m.reserved1)
	if err := writeShortString(buf, m.Queue); err != nil {
		return err
	}
	var bits byte
	if m.NoAck {
		bits |= 0x01
	}
	buf.WriteByte(bits)
	return nil
}

type basicGetOk struct {
	DeliveryTag  uint64
	Redelivered  bool
	Exchange     string
	RoutingKey   string
	MessageCount uint32
}

func (m *basicGetOk) id() (uint16, uint16) { return ClassBasic, MethodBasicGetOk }

func (m *basicGetOk) read(r *bytes.Reader) (err error) {
	if err = binary.Read(r, binary.BigEndian, &m.DeliveryTag); err != nil {
		return err
	}
	bits, err := r.ReadByte()
	if err != nil {
		return err
	}
	m.Redelivered = bits&0x01 != 0
	if m.Exchange, err = readShortString(r); err != nil {
		return err
	}
	if m.RoutingKey, err = readShortString(r); err != nil {
		return err
	}
	return binary.Read(r, binary.BigEndian, &m.MessageCount)
}

func (m *basicGetOk) write(buf *bytes.Buffer) error {
	binary.Write(buf, binary.BigEndian, m.DeliveryTag)
	var bits byte
	if m.Redelivered {
		bits |= 0x01
	}
	buf.WriteByte(bits)
	if err := writeShortString(buf, m.Exchange); err != nil {
		return err
	}
	if err := writeShortString(buf, m.RoutingKey); err != nil {
		return err
	}
	binary.Write(buf, binary.BigEndian, m.MessageCount)
	return nil
}

type basicGetEmpty struct {
	reserved1 string
}

func (m *basicGetEmpty) id() (uint16, uint16) { return ClassBasic, MethodBasicGetEmpty }

func (m *basicGetEmpty) read(r *bytes.Reader) (err error) {
	m.reserved1, err = readShortString(r)
	return err
}

func (m *basicGetEmpty) write(buf *bytes.Buffer) error {
	return writeShortString(buf, m.reserved1)
}

type basicAck struct {
	DeliveryTag uint64
	Multiple    bool
}

func (m *basicAck) id() (uint16, uint16) { return ClassBasic, MethodBasicAck }

func (m *basicAck) read(r *bytes.Reader) error {
	if err := binary.Read(r, binary.BigEndian, &m.DeliveryTag); err != nil {
		return err
	}
	bits, err := r.ReadByte()
	if err != nil {
		return err
	}
	m.Multiple = bits&0x01 != 0
	return nil
}

func (m *basicAck) write(buf *bytes.Buffer) error {
	binary.Write(buf, binary.BigEndian, m.DeliveryTag)
	var bits byte
	if m.Multiple {
		bits |= 0x01
	}
	buf.WriteByte(bits)
	return nil
}

type basicReject struct {
	DeliveryTag uint64
	Requeue     bool
}

func (m *basicReject) id() (uint16, uint16) { return ClassBasic, MethodBasicReject }

func (m *basicReject) read(r *bytes.Reader) error {
	if err := binary.Read(r, binary.BigEndian, &m.DeliveryTag); err != nil {
		return err
	}
	bits, err := r.ReadByte()
	if err != nil {
		return err
	}
	m.Requeue = bits&0x01 != 0
	return nil
}

func (m *basicReject) write(buf *bytes.Buffer) error {
	binary.Write(buf, binary.BigEndian, m.DeliveryTag)
	var bits byte
	if m.Requeue {
		bits |= 0x01
	}
	buf.WriteByte(bits)
	return nil
}

type basicNack struct {
	DeliveryTag uint64
	Multiple    bool
	Requeue     bool
}

func (m *basicNack) id() (uint16, uint16) { return ClassBasic, MethodBasicNack }

func (m *basicNack) read(r *bytes.Reader) error {
	if err := binary.Read(r, binary.BigEndian, &m.DeliveryTag); err != nil {
		return err
	}
	bits, err := r.ReadByte()
	if err != nil {
		return err
	}
	m.Multiple = bits&0x01 != 0
	m.Requeue = bits&0x02 != 0
	return nil
}

func (m *basicNack) write(buf *bytes.Buffer) error {
	binary.Write(buf, binary.BigEndian, m.DeliveryTag)
	var bits byte
	if m.Multiple {
		bits |= 0x01
	}
	if m.Requeue {
		bits |= 0x02
	}
	buf.WriteByte(bits)
	return nil
}

// -------------------- confirm class --------------------

type confirmSelect struct {
	NoWait bool
}

func (m *confirmSelect) id() (uint16, uint16) { return ClassConfirm, MethodConfirmSelect }

func (m *confirmSelect) read(r *bytes.Reader) error {
	bits, err := r.ReadByte()
	if err != nil {
		return err
	}
	m.NoWait = bits&0x01 != 0
	return nil
}

func (m *confirmSelect) write(buf *bytes.Buffer) error {
	var bits byte
	if m.NoWait {
		bits |= 0x01
	}
	buf.WriteByte(bits)
	return nil
}

type confirmSelectOk struct{}

func (m *confirmSelectOk) id() (uint16, uint16) { return ClassConfirm, MethodConfirmSelectOk }

func (m *confirmSelectOk) read(r *bytes.Reader) error { return nil }

func (m *confirmSelectOk) write(buf *bytes.Buffer) error { return nil }
