package internal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	amqpError "github.com/grasevski/amqpcli/amqperror"
	"github.com/grasevski/amqpcli/config"
	"github.com/grasevski/amqpcli/logger"
	"github.com/grasevski/amqpcli/message"
)

const clientVersion = "0.1.0"

// Connection states. Frames only flow while open; closing covers the window
// between sending connection.close and receiving close-ok.
const (
	stateClosed int32 = iota
	stateHandshakeSent
	stateNegotiating
	stateOpen
	stateClosing
)

// Connection is a negotiated protocol session over one transport stream.
type Connection interface {
	// Channel opens a new channel on the connection.
	Channel() (Channel, error)

	// Close performs the close handshake and shuts the connection down.
	Close() error

	// CloseWithCode performs the close handshake with an explicit reply code
	// and reason, for callers that shut down due to their own errors.
	CloseWithCode(code uint16, reason string) error

	// NotifyClose registers a listener for the connection shutting down. The
	// chan is sent the causing error, or closed without a send on graceful
	// close. The caller should pass a buffered chan and must drain it.
	NotifyClose(receiver chan *amqpError.Error) chan *amqpError.Error

	// IsClosed reports whether the connection has shut down.
	IsClosed() bool

	// FrameMax is the negotiated maximum frame size in bytes.
	FrameMax() uint32

	// ChannelMax is the negotiated maximum channel number.
	ChannelMax() uint16

	// HeartbeatInterval is the negotiated heartbeat interval, 0 when
	// heartbeats are disabled.
	HeartbeatInterval() time.Duration

	// ServerProperties is the property table the broker sent during the
	// handshake.
	ServerProperties() message.Table

	// Logger exposes the connection's logger for collaborators.
	Logger() logger.Logger
}

type connection struct {
	transport io.ReadWriteCloser
	writer    *bufio.Writer
	writeMu   sync.Mutex

	cfg     config.Config
	decoder frameDecoder

	state atomic.Int32

	frameMax   uint32
	channelMax uint16
	heartbeat  time.Duration

	mu             sync.Mutex
	channels       map[uint16]*channel
	lastChannelID  uint16
	closeListeners []chan *amqpError.Error
	closeErr       *amqpError.Error

	closed    chan struct{} // closed once on teardown
	closeOnce sync.Once
	closeOkCh chan struct{} // signalled when close-ok arrives

	lastSent atomic.Int64 // unix nanos of the last outbound frame
	lastRecv atomic.Int64 // unix nanos of the last inbound byte

	serverProperties message.Table
	clientProperties message.Table

	internalLogger   *log.Logger   // Internal logger for formatting output
	customLogger     logger.Logger // External logger interface, if provided
	disableLogging   bool
	heartbeatLogging bool
}

// ConnectionOption defines functional options for configuring the connection
type ConnectionOption func(*connection)

// WithLogger sets a custom logger that implements the Logger interface
func WithLogger(l logger.Logger) ConnectionOption {
	return func(c *connection) {
		c.customLogger = l
	}
}

// WithLoggingConfig applies logging behavior settings in one option.
func WithLoggingConfig(lc config.LoggingConfig) ConnectionOption {
	return func(c *connection) {
		if lc.CustomLogger != nil {
			c.customLogger = lc.CustomLogger
		}
		c.disableLogging = lc.DisableLogging
		c.heartbeatLogging = lc.HeartbeatLogging
	}
}

// WithClientProperties merges extra entries into the client property table
// announced during the handshake.
func WithClientProperties(props message.Table) ConnectionOption {
	return func(c *connection) {
		for k, v := range props {
			c.clientProperties[k] = v
		}
	}
}

// Open performs the protocol handshake over an already connected transport
// and returns the negotiated connection. The transport must be a duplex
// ordered byte stream; dialing and TLS are the caller's concern.
func Open(transport io.ReadWriteCloser, cfg config.Config, opts ...ConnectionOption) (Connection, error) {
	cfg = cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	var logPrefix string
	if IsTerminal {
		logPrefix = fmt.Sprintf("%s[AMQP]%s ", colorBlue, colorReset)
	} else {
		logPrefix = "[AMQP] "
	}

	c := &connection{
		transport:      transport,
		writer:         bufio.NewWriter(transport),
		cfg:            cfg,
		decoder:        frameDecoder{frameMax: cfg.FrameMax},
		channels:       make(map[uint16]*channel),
		closed:         make(chan struct{}),
		closeOkCh:      make(chan struct{}, 1),
		internalLogger: log.New(os.Stdout, logPrefix, log.LstdFlags|log.Lmicroseconds),
		clientProperties: message.Table{
			"product":  "amqpcli",
			"version":  clientVersion,
			"platform": "golang",
			"capabilities": message.Table{
				"publisher_confirms":     true,
				"basic.nack":             true,
				"consumer_cancel_notify": true,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := c.handshake(); err != nil {
		transport.Close()
		return nil, err
	}

	go c.readLoop()
	go c.heartbeater()

	return c, nil
}

// deadliner is the optional transport surface used to bound the handshake.
type deadliner interface {
	SetDeadline(t time.Time) error
}

// handshake walks the opening sequence: protocol header, start/start-ok,
// tune/tune-ok, open/open-ok. It runs before the read loop starts, so frames
// are read inline.
func (c *connection) handshake() error {
	if d, ok := c.transport.(deadliner); ok {
		d.SetDeadline(time.Now().Add(c.cfg.DialTimeout))
		defer d.SetDeadline(time.Time{})
	}

	c.state.Store(stateHandshakeSent)
	if err := c.writeRaw(protocolHeader); err != nil {
		return fmt.Errorf("failed to send protocol header: %w", err)
	}

	m, err := c.expectMethod()
	if err != nil {
		return fmt.Errorf("handshake failed awaiting connection.start: %w", err)
	}
	start, ok := m.(*connectionStart)
	if !ok {
		return c.handshakeViolation(m, "connection.start")
	}
	if start.VersionMajor != 0 || start.VersionMinor != 9 {
		return amqpError.NewError(amqpError.NotImplemented.Code(),
			fmt.Sprintf("server speaks protocol %d-%d, need 0-9", start.VersionMajor, start.VersionMinor), false)
	}
	if !fieldOffered(start.Mechanisms, "PLAIN") {
		return amqpError.NewError(amqpError.AccessRefused.Code(),
			fmt.Sprintf("server offers no supported auth mechanism in %q", start.Mechanisms), false)
	}
	locale := c.cfg.Locale
	if !fieldOffered(start.Locales, locale) {
		if fields := strings.Fields(start.Locales); len(fields) > 0 {
			locale = fields[0]
		}
	}
	c.serverProperties = start.ServerProperties
	c.state.Store(stateNegotiating)

	c.Debug("Connected to %s %s", c.serverProperties["product"], c.serverProperties["version"])

	startOk := &connectionStartOk{
		ClientProperties: c.clientProperties,
		Mechanism:        "PLAIN",
		Response:         fmt.Sprintf("\x00%s\x00%s", c.cfg.Username, c.cfg.Password),
		Locale:           locale,
	}
	if err := c.writeMethod(0, startOk); err != nil {
		return fmt.Errorf("failed to send connection.start-ok: %w", err)
	}

	m, err = c.expectMethod()
	if err != nil {
		return fmt.Errorf("handshake failed awaiting connection.tune: %w", err)
	}
	tune, ok := m.(*connectionTune)
	if !ok {
		return c.handshakeViolation(m, "connection.tune")
	}

	c.channelMax = uint16(negotiate(uint32(c.cfg.ChannelMax), uint32(tune.ChannelMax), config.DefaultChannelMax))
	c.frameMax = negotiate(c.cfg.FrameMax, tune.FrameMax, config.DefaultFrameMax)
	c.heartbeat = time.Duration(negotiate(uint32(c.cfg.Heartbeat/time.Second), uint32(tune.Heartbeat), 0)) * time.Second
	c.decoder.setFrameMax(c.frameMax)

	c.Info("Negotiated channel-max=%d frame-max=%d heartbeat=%v", c.channelMax, c.frameMax, c.heartbeat)

	tuneOk := &connectionTuneOk{
		ChannelMax: c.channelMax,
		FrameMax:   c.frameMax,
		Heartbeat:  uint16(c.heartbeat / time.Second),
	}
	if err := c.writeMethod(0, tuneOk); err != nil {
		return fmt.Errorf("failed to send connection.tune-ok: %w", err)
	}

	if err := c.writeMethod(0, &connectionOpen{VirtualHost: c.cfg.VHost}); err != nil {
		return fmt.Errorf("failed to send connection.open: %w", err)
	}
	m, err = c.expectMethod()
	if err != nil {
		return fmt.Errorf("handshake failed awaiting connection.open-ok: %w", err)
	}
	if _, ok := m.(*connectionOpenOk); !ok {
		return c.handshakeViolation(m, "connection.open-ok")
	}

	now := time.Now().UnixNano()
	c.lastSent.Store(now)
	c.lastRecv.Store(now)
	c.state.Store(stateOpen)
	c.Info("Connection to vhost %q open", c.cfg.VHost)
	return nil
}

// expectMethod reads frames inline until one method frame on channel 0
// arrives. A connection.close from the server ends the handshake with the
// broker's own error.
func (c *connection) expectMethod() (method, error) {
	for {
		f, err := c.readFrameBlocking()
		if err != nil {
			return nil, err
		}
		if f.Type == FrameHeartbeat {
			continue
		}
		if f.Type != FrameMethod || f.Channel != 0 {
			return nil, fmt.Errorf("%s frame on channel %d during handshake: %w",
				getFrameTypeName(f.Type), f.Channel, amqpError.ErrUnexpectedFrame)
		}
		m, err := decodeMethod(f.Payload)
		if err != nil {
			return nil, err
		}
		if cl, ok := m.(*connectionClose); ok {
			c.writeMethod(0, &connectionCloseOk{})
			err := amqpError.NewError(cl.ReplyCode, cl.ReplyText, true)
			if cl.ReplyCode == amqpError.InvalidPath.Code() || cl.ReplyCode == amqpError.NotAllowed.Code() {
				return nil, fmt.Errorf("%w: %s", amqpError.ErrVHost, cl.ReplyText)
			}
			return nil, err
		}
		return m, nil
	}
}

func (c *connection) handshakeViolation(m method, expected string) error {
	classID, methodID := m.id()
	return fmt.Errorf("expected %s, got %s: %w",
		expected, getFullMethodName(classID, methodID), amqpError.ErrUnexpectedFrame)
}

// readFrameBlocking reads transport bytes into the decoder until a full
// frame is available. Only used during the handshake; afterwards the read
// loop owns the transport.
func (c *connection) readFrameBlocking() (*frame, error) {
	buf := make([]byte, 4096)
	for {
		f, err := c.decoder.next()
		if err == nil {
			return f, nil
		}
		if !errors.Is(err, errIncompleteFrame) {
			return nil, err
		}
		n, rerr := c.transport.Read(buf)
		if n > 0 {
			c.decoder.feed(buf[:n])
			continue
		}
		if rerr != nil {
			return nil, rerr
		}
	}
}

// negotiate resolves one tunable: zero from a side defers to the other side,
// both zero falls back, otherwise the minimum wins.
func negotiate(client, server, fallback uint32) uint32 {
	switch {
	case client == 0 && server == 0:
		return fallback
	case client == 0:
		return server
	case server == 0:
		return client
	case client < server:
		return client
	default:
		return server
	}
}

// fieldOffered reports whether want appears in a space separated offer list.
func fieldOffered(offered, want string) bool {
	if want == "" {
		return false
	}
	for _, f := range strings.Fields(offered) {
		if f == want {
			return true
		}
	}
	return false
}

// readLoop is the single reader: it pulls transport bytes, feeds the frame
// decoder, and dispatches every decoded frame synchronously. All connection
// and channel state mutation driven by inbound frames happens here.
func (c *connection) readLoop() {
	defer c.finalize()

	buf := make([]byte, 8192)
	for {
		n, rerr := c.transport.Read(buf)
		if n > 0 {
			c.lastRecv.Store(time.Now().UnixNano())
			c.decoder.feed(buf[:n])
			for {
				f, err := c.decoder.next()
				if errors.Is(err, errIncompleteFrame) {
					break
				}
				if err != nil {
					c.protocolViolation(err)
					return
				}
				if err := c.dispatch(f); err != nil {
					c.protocolViolation(err)
					return
				}
				if c.state.Load() == stateClosed {
					return
				}
			}
		}
		if c.state.Load() == stateClosed {
			return
		}
		if rerr != nil {
			c.transportFailed(rerr)
			return
		}
	}
}

// dispatch routes one inbound frame: heartbeats are consumed here, channel 0
// frames belong to the connection, everything else goes to its channel.
func (c *connection) dispatch(f *frame) error {
	if f.Type == FrameHeartbeat {
		if c.heartbeatLogging {
			c.Debug("Received %s on channel %d", colorize("HEARTBEAT", colorGray), f.Channel)
		}
		return nil
	}
	if f.Channel == 0 {
		return c.handleConnectionFrame(f)
	}

	c.mu.Lock()
	ch := c.channels[f.Channel]
	c.mu.Unlock()
	if ch == nil {
		c.Warn("Dropping %s frame on unknown channel %d", getFrameTypeName(f.Type), f.Channel)
		return nil
	}
	return ch.handleFrame(f)
}

// handleConnectionFrame processes channel 0 traffic after the handshake.
// Only method frames are legal there.
func (c *connection) handleConnectionFrame(f *frame) error {
	if f.Type != FrameMethod {
		return fmt.Errorf("%s frame on channel 0: %w", getFrameTypeName(f.Type), amqpError.ErrUnexpectedFrame)
	}
	m, err := decodeMethod(f.Payload)
	if err != nil {
		return err
	}

	switch m := m.(type) {
	case *connectionClose:
		c.Info("Server closed connection: %d %s", m.ReplyCode, m.ReplyText)
		c.writeMethod(0, &connectionCloseOk{})
		var reason *amqpError.Error
		if m.ReplyCode != amqpError.ReplySuccess.Code() {
			reason = amqpError.NewError(m.ReplyCode, m.ReplyText, true)
		}
		c.closeWithError(reason)
		return nil
	case *connectionCloseOk:
		select {
		case c.closeOkCh <- struct{}{}:
		default:
		}
		return nil
	default:
		classID, methodID := m.id()
		return fmt.Errorf("%s on channel 0 outside handshake: %w",
			getFullMethodName(classID, methodID), amqpError.ErrUnexpectedFrame)
	}
}

// protocolViolation reports an unrecoverable inbound protocol error: tell
// the broker why with connection.close, then tear down.
func (c *connection) protocolViolation(err error) {
	c.Err("Protocol violation: %v", err)

	code := amqpError.InternalError.Code()
	var amqpErr *amqpError.Error
	if errors.As(err, &amqpErr) && amqpErr.Code != 0 {
		code = amqpErr.Code
	}
	if c.state.Load() == stateOpen {
		c.writeMethod(0, &connectionClose{ReplyCode: code, ReplyText: err.Error()})
	}
	c.closeWithError(amqpError.NewError(code, err.Error(), false))
}

// transportFailed tears the connection down after an I/O error. During a
// deliberate close the error is the expected outcome of closing the socket.
func (c *connection) transportFailed(err error) {
	if c.state.Load() == stateClosed {
		return
	}
	state := c.state.Load()
	if state == stateClosing {
		c.closeWithError(nil)
		return
	}
	c.Err("Transport failed: %v", err)
	c.closeWithError(amqpError.NewError(amqpError.ConnectionForced.Code(),
		fmt.Sprintf("transport failure: %v", err), false))
}

// closeWithError makes the connection unusable and unblocks the read loop.
// The read loop's finalize pass settles channels and listeners, so consumer
// channels are never closed while a dispatch is mid delivery.
func (c *connection) closeWithError(reason *amqpError.Error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closeErr = reason
		c.mu.Unlock()
		c.state.Store(stateClosed)
		close(c.closed)
		c.transport.Close()
	})
}

// finalize runs exactly once, after the read loop exits: fail every channel,
// then tell the close listeners. Deferred from the read loop so no dispatch
// can be in flight.
func (c *connection) finalize() {
	c.closeWithError(amqpError.ErrClosed) // no-op when a reason is already set

	c.mu.Lock()
	channels := make([]*channel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	c.channels = make(map[uint16]*channel)
	listeners := c.closeListeners
	c.closeListeners = nil
	reason := c.closeErr
	c.mu.Unlock()

	chanReason := reason
	if chanReason == nil {
		chanReason = amqpError.ErrClosed
	}
	for _, ch := range channels {
		ch.shutdown(chanReason)
	}
	for _, l := range listeners {
		if reason != nil {
			l <- reason
		}
		close(l)
	}
}

// Close performs the graceful close handshake.
func (c *connection) Close() error {
	return c.CloseWithCode(amqpError.ReplySuccess.Code(), "goodbye")
}

func (c *connection) CloseWithCode(code uint16, reason string) error {
	if !c.state.CompareAndSwap(stateOpen, stateClosing) {
		return amqpError.ErrClosed
	}
	if err := c.writeMethod(0, &connectionClose{ReplyCode: code, ReplyText: reason}); err != nil {
		c.closeWithError(nil)
		return err
	}
	select {
	case <-c.closeOkCh:
	case <-time.After(c.cfg.CallTimeout):
		c.Warn("No close-ok within %v, closing transport anyway", c.cfg.CallTimeout)
	case <-c.closed:
	}
	c.closeWithError(nil)
	return nil
}

func (c *connection) IsClosed() bool {
	return c.state.Load() == stateClosed
}

// closeError reports the terminal error once closed, ErrClosed before a
// reason is known.
func (c *connection) closeError() *amqpError.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closeErr != nil {
		return c.closeErr
	}
	return amqpError.ErrClosed
}

func (c *connection) NotifyClose(receiver chan *amqpError.Error) chan *amqpError.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Load() == stateClosed {
		close(receiver)
		return receiver
	}
	c.closeListeners = append(c.closeListeners, receiver)
	return receiver
}

// Channel allocates the next free channel id and opens it with the broker.
func (c *connection) Channel() (Channel, error) {
	if c.state.Load() != stateOpen {
		return nil, c.closeError()
	}

	ch, err := c.allocateChannel()
	if err != nil {
		return nil, err
	}
	if err := ch.openChannel(); err != nil {
		c.releaseChannel(ch.id)
		return nil, err
	}
	return ch, nil
}

func (c *connection) allocateChannel() (*channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Scan for a free id starting after the last allocation so ids are not
	// reused immediately after a close.
	for i := uint16(0); i < c.channelMax; i++ {
		id := (c.lastChannelID+i)%c.channelMax + 1
		if _, taken := c.channels[id]; !taken {
			c.lastChannelID = id
			ch := newChannel(c, id)
			c.channels[id] = ch
			return ch, nil
		}
	}
	return nil, amqpError.ErrChannelMax
}

func (c *connection) releaseChannel(id uint16) {
	c.mu.Lock()
	delete(c.channels, id)
	c.mu.Unlock()
}

// writeRaw sends bytes outside the frame envelope. Only the protocol header
// needs this.
func (c *connection) writeRaw(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.writer.Write(b); err != nil {
		return err
	}
	if err := c.writer.Flush(); err != nil {
		return err
	}
	c.lastSent.Store(time.Now().UnixNano())
	return nil
}

// writeFrame sends one frame and flushes.
func (c *connection) writeFrame(f *frame) error {
	return c.writeFrames(f)
}

// writeFrames sends a group of frames atomically: one lock acquisition, one
// flush, no interleaving with other writers.
func (c *connection) writeFrames(frames ...*frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	for _, f := range frames {
		if err := c.writeFrameInternal(f); err != nil {
			return err
		}
	}
	if err := c.writer.Flush(); err != nil {
		return fmt.Errorf("error flushing frames: %w", err)
	}
	c.lastSent.Store(time.Now().UnixNano())
	return nil
}

// writeFrameInternal writes a frame to the connection's buffered writer.
// It does NOT acquire a lock and does NOT flush the writer.
// This is intended to be used when multiple frames need to be written
// atomically under an external lock, followed by a single flush.
func (c *connection) writeFrameInternal(f *frame) error {
	if c.frameMax > 0 && uint64(len(f.Payload))+frameOverhead > uint64(c.frameMax) {
		return fmt.Errorf("outbound frame of %d bytes: %w", len(f.Payload)+frameOverhead, amqpError.ErrFrameTooLarge)
	}

	c.Debug("Buffering frame: type=%s, channel=%d, size=%d",
		colorize(getFrameTypeName(f.Type), colorYellow),
		f.Channel,
		len(f.Payload))

	if _, err := c.writer.Write(f.marshal()); err != nil {
		return fmt.Errorf("error writing frame: %w", err)
	}
	return nil
}

// writeMethod encodes and sends one method frame.
func (c *connection) writeMethod(channelID uint16, m method) error {
	payload, err := encodeMethod(m)
	if err != nil {
		return err
	}
	return c.writeFrame(&frame{Type: FrameMethod, Channel: channelID, Payload: payload})
}

// heartbeater owns liveness while the connection is open: it sends a
// heartbeat when nothing else went out for a full interval, and declares the
// peer dead after two intervals of inbound silence.
func (c *connection) heartbeater() {
	interval := c.heartbeat
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-c.closed:
			return
		case <-ticker.C:
			now := time.Now()
			if now.Sub(time.Unix(0, c.lastSent.Load())) >= interval {
				if err := c.writeFrame(heartbeatFrame()); err != nil {
					c.transportFailed(err)
					return
				}
				if c.heartbeatLogging {
					c.Debug("Sent %s", colorize("HEARTBEAT", colorGray))
				}
			}
			if now.Sub(time.Unix(0, c.lastRecv.Load())) > 2*interval {
				c.Err("No traffic from server in over %v, declaring connection dead", 2*interval)
				c.closeWithError(amqpError.ErrHeartbeatTimeout)
				return
			}
		}
	}
}

func (c *connection) FrameMax() uint32 {
	return c.frameMax
}

func (c *connection) ChannelMax() uint16 {
	return c.channelMax
}

func (c *connection) HeartbeatInterval() time.Duration {
	return c.heartbeat
}

func (c *connection) ServerProperties() message.Table {
	return c.serverProperties
}

// bodyChunkSize is the usable payload size of one body frame.
func (c *connection) bodyChunkSize() int {
	if c.frameMax == 0 {
		return config.DefaultFrameMax - frameOverhead
	}
	return int(c.frameMax) - frameOverhead
}
