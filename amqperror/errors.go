package amqpError

import "fmt"

// AmqpError represents AMQP protocol reply codes
type AmqpError uint16

// AMQP reply code constants
const (
	// ReplySuccess - Used by close methods to indicate a graceful shutdown
	ReplySuccess AmqpError = 200

	// ContentTooLarge - Used when a message exceeds the server's allowed size
	ContentTooLarge AmqpError = 311

	// NoRoute - Used when mandatory messages cannot be routed
	NoRoute AmqpError = 312

	// NoConsumers - Used when an immediate message has no consumer to go to
	NoConsumers AmqpError = 313

	// ConnectionForced - Used when the server closes the connection administratively
	ConnectionForced AmqpError = 320

	// InvalidPath - Used when the vhost in connection.open does not exist
	InvalidPath AmqpError = 402

	// AccessRefused - Used for vhost access denied, passive declare of server-named queue
	AccessRefused AmqpError = 403

	// NotFound - Used for missing exchanges, queues, bindings, consumers
	NotFound AmqpError = 404

	// ResourceLocked - Used when exclusive queue is accessed by another consumer
	ResourceLocked AmqpError = 405

	// PreconditionFailed - Used for queue property mismatches, unknown delivery tags, repeated confirm.select
	PreconditionFailed AmqpError = 406

	// FrameError - Used for frame parsing errors
	FrameError AmqpError = 501

	// SyntaxError - Used for malformed method arguments
	SyntaxError AmqpError = 502

	// CommandInvalid - Used for invalid commands (e.g., non-Connection class on channel 0)
	CommandInvalid AmqpError = 503

	// ChannelError - Used for channel-related errors
	ChannelError AmqpError = 504

	// UnexpectedFrame - Used for frames received in wrong order
	UnexpectedFrame AmqpError = 505

	// ResourceError - Used for resource limits
	ResourceError AmqpError = 506

	// NotAllowed - Used for duplicate consumer tags
	NotAllowed AmqpError = 530

	// NotImplemented - Used for methods the peer does not implement
	NotImplemented AmqpError = 540

	// InternalError - Used for internal server errors
	InternalError AmqpError = 541
)

func (e AmqpError) Code() uint16 {
	// Return the reply code as a uint16
	return uint16(e)
}

// String returns the error string representation of the AmqpError
func (e AmqpError) String() string {
	switch e {
	case ReplySuccess:
		return "REPLY_SUCCESS"
	case ContentTooLarge:
		return "CONTENT_TOO_LARGE"
	case NoRoute:
		return "NO_ROUTE"
	case NoConsumers:
		return "NO_CONSUMERS"
	case ConnectionForced:
		return "CONNECTION_FORCED"
	case InvalidPath:
		return "INVALID_PATH"
	case AccessRefused:
		return "ACCESS_REFUSED"
	case NotFound:
		return "NOT_FOUND"
	case ResourceLocked:
		return "RESOURCE_LOCKED"
	case PreconditionFailed:
		return "PRECONDITION_FAILED"
	case FrameError:
		return "FRAME_ERROR"
	case SyntaxError:
		return "SYNTAX_ERROR"
	case CommandInvalid:
		return "COMMAND_INVALID"
	case ChannelError:
		return "CHANNEL_ERROR"
	case UnexpectedFrame:
		return "UNEXPECTED_FRAME"
	case ResourceError:
		return "RESOURCE_ERROR"
	case NotAllowed:
		return "NOT_ALLOWED"
	case NotImplemented:
		return "NOT_IMPLEMENTED"
	case InternalError:
		return "INTERNAL_ERROR"
	default:
		return "UNKNOWN_ERROR"
	}
}

// IsSoft reports whether the reply code is a channel-level (soft) exception.
// Soft exceptions close only the channel that raised them; hard exceptions
// terminate the whole connection.
func (e AmqpError) IsSoft() bool {
	switch e {
	case ContentTooLarge, NoRoute, NoConsumers, AccessRefused, NotFound, ResourceLocked, PreconditionFailed:
		return true
	default:
		return false
	}
}

// Error is the error type surfaced by the client for protocol and
// client-detected failures. Code is an AMQP reply code, or zero for purely
// local conditions such as call timeouts.
type Error struct {
	Code    uint16 // AMQP reply code, 0 if not applicable
	Reason  string // human readable reason, broker supplied when available
	Server  bool   // true when the broker raised the exception
	Recover bool   // true when the connection survives the error
}

func (e *Error) Error() string {
	if e.Code == 0 {
		return fmt.Sprintf("amqp: %s", e.Reason)
	}
	return fmt.Sprintf("amqp error %d (%s): %s", e.Code, AmqpError(e.Code), e.Reason)
}

// NewError builds an Error from a reply code and reason text. Recoverability
// follows the protocol's soft/hard split: soft exceptions leave the
// connection usable.
func NewError(code uint16, reason string, server bool) *Error {
	return &Error{
		Code:    code,
		Reason:  reason,
		Server:  server,
		Recover: AmqpError(code).IsSoft(),
	}
}

// Predefined client-detected errors.
var (
	// ErrClosed is returned for operations on a closed connection.
	ErrClosed = &Error{Code: ConnectionForced.Code(), Reason: "connection is closed", Recover: false}

	// ErrChannelClosed is returned for operations on a closed channel.
	ErrChannelClosed = &Error{Code: ChannelError.Code(), Reason: "channel is closed", Recover: true}

	// ErrTimeout is returned when a synchronous call exceeds its deadline.
	// It fails only the call that timed out.
	ErrTimeout = &Error{Reason: "timed out waiting for reply", Recover: true}

	// ErrFrame is returned when an inbound frame cannot be parsed.
	ErrFrame = &Error{Code: FrameError.Code(), Reason: "malformed frame", Recover: false}

	// ErrFrameTooLarge is returned when a frame exceeds the negotiated maximum size.
	ErrFrameTooLarge = &Error{Code: FrameError.Code(), Reason: "frame size exceeds negotiated maximum", Recover: false}

	// ErrUnexpectedFrame is returned when a frame arrives out of sequence,
	// such as a body frame with no preceding content header.
	ErrUnexpectedFrame = &Error{Code: UnexpectedFrame.Code(), Reason: "frame received out of order", Recover: false}

	// ErrUnknownMethod is returned when an inbound method is not in the registry.
	ErrUnknownMethod = &Error{Code: NotImplemented.Code(), Reason: "unknown class or method id", Recover: false}

	// ErrConsumerNotFound is returned for operations on a cancelled or unknown consumer tag.
	ErrConsumerNotFound = &Error{Code: NotFound.Code(), Reason: "consumer tag not found", Recover: true}

	// ErrConfirmsAlreadyEnabled is returned when confirm.select is requested
	// twice on one channel.
	ErrConfirmsAlreadyEnabled = &Error{Code: PreconditionFailed.Code(), Reason: "confirm mode already enabled on this channel", Recover: true}

	// ErrFlowStopped is returned when a publish waits out its deadline on a
	// channel the broker has paused with channel.flow.
	ErrFlowStopped = &Error{Code: ResourceError.Code(), Reason: "channel flow stopped by broker", Recover: true}

	// ErrChannelMax is returned when no channel id below the negotiated
	// channel-max is free.
	ErrChannelMax = &Error{Code: ResourceError.Code(), Reason: "no free channel ids", Recover: true}

	// ErrVHost is returned when the broker rejects the vhost during open.
	ErrVHost = &Error{Code: InvalidPath.Code(), Reason: "virtual host refused", Recover: false}

	// ErrHeartbeatTimeout is returned when nothing arrives from the peer for
	// twice the negotiated heartbeat interval.
	ErrHeartbeatTimeout = &Error{Code: ConnectionForced.Code(), Reason: "no heartbeat from peer within twice the negotiated interval", Recover: false}
)
