package amqpcli

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/grasevski/amqpcli/config"
	"github.com/grasevski/amqpcli/internal"
)

// testBroker scripts the server half of a connection over an in-memory pipe.
// It reads and writes raw wire bytes rather than going through the client's
// own codecs, so the tests hold the client to the frame format itself.
type testBroker struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func newTestBroker(t *testing.T) (*testBroker, net.Conn) {
	t.Helper()
	client, server := net.Pipe()
	server.SetDeadline(time.Now().Add(10 * time.Second))
	t.Cleanup(func() {
		server.Close()
		client.Close()
	})
	return &testBroker{t: t, conn: server, r: bufio.NewReader(server)}, client
}

// readFrame returns the next frame's type, channel and payload.
func (b *testBroker) readFrame() (byte, uint16, []byte) {
	b.t.Helper()
	header := make([]byte, 7)
	_, err := io.ReadFull(b.r, header)
	require.NoError(b.t, err, "reading frame header")

	size := binary.BigEndian.Uint32(header[3:7])
	rest := make([]byte, size+1)
	_, err = io.ReadFull(b.r, rest)
	require.NoError(b.t, err, "reading frame payload")
	require.Equal(b.t, byte(internal.FrameEnd), rest[size], "frame end octet")

	return header[0], binary.BigEndian.Uint16(header[1:3]), rest[:size]
}

func (b *testBroker) writeFrame(frameType byte, channel uint16, payload []byte) {
	b.t.Helper()
	buf := &bytes.Buffer{}
	buf.WriteByte(frameType)
	binary.Write(buf, binary.BigEndian, channel)
	binary.Write(buf, binary.BigEndian, uint32(len(payload)))
	buf.Write(payload)
	buf.WriteByte(internal.FrameEnd)
	_, err := b.conn.Write(buf.Bytes())
	require.NoError(b.t, err, "writing frame")
}

// expectMethod reads one frame and requires it to be the given method,
// returning the argument bytes after the class and method ids.
func (b *testBroker) expectMethod(channel, classID, methodID uint16) *argReader {
	b.t.Helper()
	frameType, ch, payload := b.readFrame()
	require.Equal(b.t, byte(internal.FrameMethod), frameType, "frame type")
	require.Equal(b.t, channel, ch, "channel id")
	require.GreaterOrEqual(b.t, len(payload), 4, "method payload length")
	require.Equal(b.t, classID, binary.BigEndian.Uint16(payload[0:2]), "class id")
	require.Equal(b.t, methodID, binary.BigEndian.Uint16(payload[2:4]), "method id")
	return &argReader{t: b.t, r: bytes.NewReader(payload[4:])}
}

func (b *testBroker) sendMethod(channel uint16, p *payloadWriter) {
	b.t.Helper()
	b.writeFrame(internal.FrameMethod, channel, p.Bytes())
}

// sendContent delivers a content header and the body in one chunk.
func (b *testBroker) sendContent(channel uint16, contentType string, body []byte) {
	b.t.Helper()
	header := &payloadWriter{}
	header.short(internal.ClassBasic)
	header.short(0) // weight
	header.longlong(uint64(len(body)))
	if contentType != "" {
		header.short(0x8000)
		header.shortstr(contentType)
	} else {
		header.short(0)
	}
	b.writeFrame(internal.FrameHeader, channel, header.Bytes())
	if len(body) > 0 {
		b.writeFrame(internal.FrameBody, channel, body)
	}
}

// args wraps already read method argument bytes for field by field checks.
func (b *testBroker) args(payload []byte) *argReader {
	return &argReader{t: b.t, r: bytes.NewReader(payload)}
}

// expectContent reads a content header and body frames until the declared
// body size is assembled, returning the property flags and the body.
func (b *testBroker) expectContent(channel uint16) (uint16, []byte) {
	b.t.Helper()
	frameType, ch, payload := b.readFrame()
	require.Equal(b.t, byte(internal.FrameHeader), frameType, "content header frame")
	require.Equal(b.t, channel, ch)
	require.GreaterOrEqual(b.t, len(payload), 14, "content header fixed part")
	require.Equal(b.t, uint16(internal.ClassBasic), binary.BigEndian.Uint16(payload[0:2]), "content class id")

	bodySize := binary.BigEndian.Uint64(payload[4:12])
	flags := binary.BigEndian.Uint16(payload[12:14])

	body := make([]byte, 0, bodySize)
	for uint64(len(body)) < bodySize {
		ft, bch, chunk := b.readFrame()
		require.Equal(b.t, byte(internal.FrameBody), ft, "body frame")
		require.Equal(b.t, channel, bch)
		require.NotEmpty(b.t, chunk, "empty body frame would never finish the message")
		body = append(body, chunk...)
	}
	require.Equal(b.t, bodySize, uint64(len(body)), "body matches the declared size")
	return flags, body
}

// expectPublish reads one full published message off the wire.
func (b *testBroker) expectPublish(channel uint16) (*argReader, uint16, []byte) {
	b.t.Helper()
	args := b.expectMethod(channel, internal.ClassBasic, internal.MethodBasicPublish)
	flags, body := b.expectContent(channel)
	return args, flags, body
}

// expectQuiet requires that the client sends nothing for a grace window.
func (b *testBroker) expectQuiet() {
	b.t.Helper()
	require.Zero(b.t, b.r.Buffered(), "client sent frames it should not have")

	b.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	var probe [1]byte
	_, err := b.conn.Read(probe[:])
	require.Error(b.t, err, "client sent bytes while it should be idle")
	var nerr net.Error
	require.ErrorAs(b.t, err, &nerr)
	require.True(b.t, nerr.Timeout(), "read should have timed out, got: %v", err)
	b.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
}

// readProtocolHeader consumes and checks the client's protocol announcement.
func (b *testBroker) readProtocolHeader() {
	b.t.Helper()
	header := make([]byte, 8)
	_, err := io.ReadFull(b.r, header)
	require.NoError(b.t, err, "reading protocol header")
	require.Equal(b.t, []byte("AMQP\x00\x00\x09\x01"), header, "protocol header")
}

// sendStart announces the server to the client. Failure tests vary the
// version and the mechanism list.
func (b *testBroker) sendStart(versionMajor, versionMinor byte, mechanisms, locales string) {
	b.t.Helper()
	start := b.method(internal.ClassConnection, internal.MethodConnectionStart)
	start.octet(versionMajor)
	start.octet(versionMinor)
	start.table(map[string]string{"product": "testbroker", "version": "0.0.1"})
	start.longstr(mechanisms)
	start.longstr(locales)
	b.sendMethod(0, start)
}

// handshake walks the server side of the opening sequence and returns the
// channel-max, frame-max and heartbeat the client echoed in tune-ok.
func (b *testBroker) handshake(channelMax uint16, frameMax uint32, heartbeat uint16) (uint16, uint32, uint16) {
	b.t.Helper()

	b.readProtocolHeader()
	b.sendStart(0, 9, "PLAIN AMQPLAIN", "en_US")

	startOk := b.expectMethod(0, internal.ClassConnection, internal.MethodConnectionStartOk)
	startOk.skipTable()
	require.Equal(b.t, "PLAIN", startOk.shortstr(), "auth mechanism")
	require.Equal(b.t, "\x00guest\x00guest", startOk.longstr(), "SASL PLAIN response")
	require.Equal(b.t, "en_US", startOk.shortstr(), "locale")

	tune := b.method(internal.ClassConnection, internal.MethodConnectionTune)
	tune.short(channelMax)
	tune.long(frameMax)
	tune.short(heartbeat)
	b.sendMethod(0, tune)

	tuneOk := b.expectMethod(0, internal.ClassConnection, internal.MethodConnectionTuneOk)
	gotChannelMax := tuneOk.short()
	gotFrameMax := tuneOk.long()
	gotHeartbeat := tuneOk.short()

	open := b.expectMethod(0, internal.ClassConnection, internal.MethodConnectionOpen)
	require.Equal(b.t, "/", open.shortstr(), "vhost")

	openOk := b.method(internal.ClassConnection, internal.MethodConnectionOpenOk)
	openOk.shortstr("")
	b.sendMethod(0, openOk)

	return gotChannelMax, gotFrameMax, gotHeartbeat
}

// acceptChannelOpen answers the next channel.open on the given channel id.
func (b *testBroker) acceptChannelOpen(id uint16) {
	b.t.Helper()
	b.expectMethod(id, internal.ClassChannel, internal.MethodChannelOpen)
	ok := b.method(internal.ClassChannel, internal.MethodChannelOpenOk)
	ok.longstr("")
	b.sendMethod(id, ok)
}

// method builds a method frame payload for sendMethod.
func (b *testBroker) method(classID, methodID uint16) *payloadWriter {
	p := &payloadWriter{}
	p.short(classID)
	p.short(methodID)
	return p
}

// payloadWriter accumulates wire fields in order.
type payloadWriter struct {
	bytes.Buffer
}

func (p *payloadWriter) octet(v byte)      { p.WriteByte(v) }
func (p *payloadWriter) short(v uint16)    { binary.Write(p, binary.BigEndian, v) }
func (p *payloadWriter) long(v uint32)     { binary.Write(p, binary.BigEndian, v) }
func (p *payloadWriter) longlong(v uint64) { binary.Write(p, binary.BigEndian, v) }

func (p *payloadWriter) shortstr(s string) {
	p.WriteByte(byte(len(s)))
	p.WriteString(s)
}

func (p *payloadWriter) longstr(s string) {
	binary.Write(p, binary.BigEndian, uint32(len(s)))
	p.WriteString(s)
}

// table writes a field table of long string values, sufficient for scripted
// server properties.
func (p *payloadWriter) table(entries map[string]string) {
	inner := &bytes.Buffer{}
	for name, value := range entries {
		inner.WriteByte(byte(len(name)))
		inner.WriteString(name)
		inner.WriteByte('S')
		binary.Write(inner, binary.BigEndian, uint32(len(value)))
		inner.WriteString(value)
	}
	binary.Write(p, binary.BigEndian, uint32(inner.Len()))
	p.Write(inner.Bytes())
}

// argReader walks a method frame's argument bytes.
type argReader struct {
	t *testing.T
	r *bytes.Reader
}

func (a *argReader) octet() byte {
	b, err := a.r.ReadByte()
	require.NoError(a.t, err, "reading octet argument")
	return b
}

func (a *argReader) short() uint16 {
	var v uint16
	require.NoError(a.t, binary.Read(a.r, binary.BigEndian, &v), "reading short argument")
	return v
}

func (a *argReader) long() uint32 {
	var v uint32
	require.NoError(a.t, binary.Read(a.r, binary.BigEndian, &v), "reading long argument")
	return v
}

func (a *argReader) longlong() uint64 {
	var v uint64
	require.NoError(a.t, binary.Read(a.r, binary.BigEndian, &v), "reading longlong argument")
	return v
}

func (a *argReader) shortstr() string {
	n, err := a.r.ReadByte()
	require.NoError(a.t, err, "reading short string length")
	buf := make([]byte, n)
	_, err = io.ReadFull(a.r, buf)
	require.NoError(a.t, err, "reading short string bytes")
	return string(buf)
}

func (a *argReader) longstr() string {
	var n uint32
	require.NoError(a.t, binary.Read(a.r, binary.BigEndian, &n), "reading long string length")
	buf := make([]byte, n)
	_, err := io.ReadFull(a.r, buf)
	require.NoError(a.t, err, "reading long string bytes")
	return string(buf)
}

func (a *argReader) skipTable() {
	var n uint32
	require.NoError(a.t, binary.Read(a.r, binary.BigEndian, &n), "reading table size")
	_, err := a.r.Seek(int64(n), io.SeekCurrent)
	require.NoError(a.t, err, "skipping table bytes")
}

// quietConfig is the connection config scripted tests run with: heartbeats
// off so no frame arrives outside the script, and a short call timeout so a
// scripting mistake fails the test instead of stalling it.
func quietConfig() config.Config {
	return config.Config{
		Heartbeat:    0,
		HeartbeatSet: true,
		CallTimeout:  2 * time.Second,
	}
}

type dialResult struct {
	conn *Connection
	err  error
}

// openAsync starts the client handshake in the background so the test
// goroutine is free to script the server side.
func openAsync(transport io.ReadWriteCloser, cfg config.Config) chan dialResult {
	resCh := make(chan dialResult, 1)
	go func() {
		conn, err := Open(transport, cfg, WithLoggingConfig(config.LoggingConfig{DisableLogging: true}))
		resCh <- dialResult{conn, err}
	}()
	return resCh
}

// dialBroker opens a connection against a scripted handshake.
func dialBroker(t *testing.T, cfg config.Config, channelMax uint16, frameMax uint32, heartbeat uint16) (*Connection, *testBroker) {
	t.Helper()
	b, transport := newTestBroker(t)
	resCh := openAsync(transport, cfg)

	b.handshake(channelMax, frameMax, heartbeat)

	res := <-resCh
	require.NoError(t, res.err, "scripted handshake should succeed")
	return res.conn, b
}

// openTestChannel opens a channel against the scripted broker.
func openTestChannel(t *testing.T, conn *Connection, b *testBroker, id uint16) *Channel {
	t.Helper()

	type chanResult struct {
		ch  *Channel
		err error
	}
	resCh := make(chan chanResult, 1)
	go func() {
		ch, err := conn.Channel()
		resCh <- chanResult{ch, err}
	}()

	b.acceptChannelOpen(id)

	res := <-resCh
	require.NoError(t, res.err, "channel open should succeed")
	require.Equal(t, id, res.ch.ID())
	return res.ch
}
