package internal

import "fmt"

// protocolHeader is the literal sent as the first bytes of every new
// connection: "AMQP" followed by protocol id 0 and version 0-9-1.
var protocolHeader = []byte("AMQP\x00\x00\x09\x01")

const (
	FrameMethod    = 1
	FrameHeader    = 2
	FrameBody      = 3
	FrameHeartbeat = 8
	FrameEnd       = 206
)

// frameOverhead is the envelope around every frame payload: 7 header bytes
// plus the end octet. Usable body chunk size is frameMax minus this.
const frameOverhead = 8

const (
	ClassConnection = 10
	ClassChannel    = 20
	ClassExchange   = 40
	ClassQueue      = 50
	ClassBasic      = 60
	ClassConfirm    = 85
)

const (
	MethodConnectionStart   = 10
	MethodConnectionStartOk = 11
	MethodConnectionTune    = 30
	MethodConnectionTuneOk  = 31
	MethodConnectionOpen    = 40
	MethodConnectionOpenOk  = 41
	MethodConnectionClose   = 50
	MethodConnectionCloseOk = 51

	MethodChannelOpen    = 10
	MethodChannelOpenOk  = 11
	MethodChannelFlow    = 20
	MethodChannelFlowOk  = 21
	MethodChannelClose   = 40
	MethodChannelCloseOk = 41

	MethodExchangeDeclare   = 10
	MethodExchangeDeclareOk = 11

	MethodQueueDeclare   = 10
	MethodQueueDeclareOk = 11
	MethodQueueBind      = 20
	MethodQueueBindOk    = 21

	MethodBasicQos       = 10
	MethodBasicQosOk     = 11
	MethodBasicConsume   = 20
	MethodBasicConsumeOk = 21
	MethodBasicCancel    = 30
	MethodBasicCancelOk  = 31
	MethodBasicPublish   = 40
	MethodBasicReturn    = 50
	MethodBasicDeliver   = 60
	MethodBasicGet       = 70
	MethodBasicGetOk     = 71
	MethodBasicGetEmpty  = 72
	MethodBasicAck       = 80
	MethodBasicReject    = 90
	MethodBasicNack      = 120

	MethodConfirmSelect   = 10
	MethodConfirmSelectOk = 11
)

// methodKey identifies one protocol method.
type methodKey struct {
	ClassID  uint16
	MethodID uint16
}

// methodSpec is the registry entry for one method: its wire name, a
// constructor for decoding, whether it expects a synchronous reply and which
// methods answer it, and whether content frames follow it.
type methodSpec struct {
	Name        string
	New         func() method
	Synchronous bool
	Replies     []methodKey
	Content     bool
}

var methodRegistry = map[methodKey]methodSpec{
	{ClassConnection, MethodConnectionStart}: {
		Name:        "connection.start",
		New:         func() method { return &connectionStart{} },
		Synchronous: true,
		Replies:     []methodKey{{ClassConnection, MethodConnectionStartOk}},
	},
	{ClassConnection, MethodConnectionStartOk}: {
		Name: "connection.start-ok",
		New:  func() method { return &connectionStartOk{} },
	},
	{ClassConnection, MethodConnectionTune}: {
		Name:        "connection.tune",
		New:         func() method { return &connectionTune{} },
		Synchronous: true,
		Replies:     []methodKey{{ClassConnection, MethodConnectionTuneOk}},
	},
	{ClassConnection, MethodConnectionTuneOk}: {
		Name: "connection.tune-ok",
		New:  func() method { return &connectionTuneOk{} },
	},
	{ClassConnection, MethodConnectionOpen}: {
		Name:        "connection.open",
		New:         func() method { return &connectionOpen{} },
		Synchronous: true,
		Replies:     []methodKey{{ClassConnection, MethodConnectionOpenOk}},
	},
	{ClassConnection, MethodConnectionOpenOk}: {
		Name: "connection.open-ok",
		New:  func() method { return &connectionOpenOk{} },
	},
	{ClassConnection, MethodConnectionClose}: {
		Name:        "connection.close",
		New:         func() method { return &connectionClose{} },
		Synchronous: true,
		Replies:     []methodKey{{ClassConnection, MethodConnectionCloseOk}},
	},
	{ClassConnection, MethodConnectionCloseOk}: {
		Name: "connection.close-ok",
		New:  func() method { return &connectionCloseOk{} },
	},

	{ClassChannel, MethodChannelOpen}: {
		Name:        "channel.open",
		New:         func() method { return &channelOpen{} },
		Synchronous: true,
		Replies:     []methodKey{{ClassChannel, MethodChannelOpenOk}},
	},
	{ClassChannel, MethodChannelOpenOk}: {
		Name: "channel.open-ok",
		New:  func() method { return &channelOpenOk{} },
	},
	{ClassChannel, MethodChannelFlow}: {
		Name:        "channel.flow",
		New:         func() method { return &channelFlow{} },
		Synchronous: true,
		Replies:     []methodKey{{ClassChannel, MethodChannelFlowOk}},
	},
	{ClassChannel, MethodChannelFlowOk}: {
		Name: "channel.flow-ok",
		New:  func() method { return &channelFlowOk{} },
	},
	{ClassChannel, MethodChannelClose}: {
		Name:        "channel.close",
		New:         func() method { return &channelClose{} },
		Synchronous: true,
		Replies:     []methodKey{{ClassChannel, MethodChannelCloseOk}},
	},
	{ClassChannel, MethodChannelCloseOk}: {
		Name: "channel.close-ok",
		New:  func() method { return &channelCloseOk{} },
	},

	{ClassExchange, MethodExchangeDeclare}: {
		Name:        "exchange.declare",
		New:         func() method { return &exchangeDeclare{} },
		Synchronous: true,
		Replies:     []methodKey{{ClassExchange, MethodExchangeDeclareOk}},
	},
	{ClassExchange, MethodExchangeDeclareOk}: {
		Name: "exchange.declare-ok",
		New:  func() method { return &exchangeDeclareOk{} },
	},

	{ClassQueue, MethodQueueDeclare}: {
		Name:        "queue.declare",
		New:         func() method { return &queueDeclare{} },
		Synchronous: true,
		Replies:     []methodKey{{ClassQueue, MethodQueueDeclareOk}},
	},
	{ClassQueue, MethodQueueDeclareOk}: {
		Name: "queue.declare-ok",
		New:  func() method { return &queueDeclareOk{} },
	},
	{ClassQueue, MethodQueueBind}: {
		Name:        "queue.bind",
		New:         func() method { return &queueBind{} },
		Synchronous: true,
		Replies:     []methodKey{{ClassQueue, MethodQueueBindOk}},
	},
	{ClassQueue, MethodQueueBindOk}: {
		Name: "queue.bind-ok",
		New:  func() method { return &queueBindOk{} },
	},

	{ClassBasic, MethodBasicQos}: {
		Name:        "basic.qos",
		New:         func() method { return &basicQos{} },
		Synchronous: true,
		Replies:     []methodKey{{ClassBasic, MethodBasicQosOk}},
	},
	{ClassBasic, MethodBasicQosOk}: {
		Name: "basic.qos-ok",
		New:  func() method { return &basicQosOk{} },
	},
	{ClassBasic, MethodBasicConsume}: {
		Name:        "basic.consume",
		New:         func() method { return &basicConsume{} },
		Synchronous: true,
		Replies:     []methodKey{{ClassBasic, MethodBasicConsumeOk}},
	},
	{ClassBasic, MethodBasicConsumeOk}: {
		Name: "basic.consume-ok",
		New:  func() method { return &basicConsumeOk{} },
	},
	{ClassBasic, MethodBasicCancel}: {
		Name:        "basic.cancel",
		New:         func() method { return &basicCancel{} },
		Synchronous: true,
		Replies:     []methodKey{{ClassBasic, MethodBasicCancelOk}},
	},
	{ClassBasic, MethodBasicCancelOk}: {
		Name: "basic.cancel-ok",
		New:  func() method { return &basicCancelOk{} },
	},
	{ClassBasic, MethodBasicPublish}: {
		Name:    "basic.publish",
		New:     func() method { return &basicPublish{} },
		Content: true,
	},
	{ClassBasic, MethodBasicReturn}: {
		Name:    "basic.return",
		New:     func() method { return &basicReturn{} },
		Content: true,
	},
	{ClassBasic, MethodBasicDeliver}: {
		Name:    "basic.deliver",
		New:     func() method { return &basicDeliver{} },
		Content: true,
	},
	{ClassBasic, MethodBasicGet}: {
		Name:        "basic.get",
		New:         func() method { return &basicGet{} },
		Synchronous: true,
		Replies: []methodKey{
			{ClassBasic, MethodBasicGetOk},
			{ClassBasic, MethodBasicGetEmpty},
		},
	},
	{ClassBasic, MethodBasicGetOk}: {
		Name:    "basic.get-ok",
		New:     func() method { return &basicGetOk{} },
		Content: true,
	},
	{ClassBasic, MethodBasicGetEmpty}: {
		Name: "basic.get-empty",
		New:  func() method { return &basicGetEmpty{} },
	},
	{ClassBasic, MethodBasicAck}: {
		Name: "basic.ack",
		New:  func() method { return &basicAck{} },
	},
	{ClassBasic, MethodBasicReject}: {
		Name: "basic.reject",
		New:  func() method { return &basicReject{} },
	},
	{ClassBasic, MethodBasicNack}: {
		Name: "basic.nack",
		New:  func() method { return &basicNack{} },
	},

	{ClassConfirm, MethodConfirmSelect}: {
		Name:        "confirm.select",
		New:         func() method { return &confirmSelect{} },
		Synchronous: true,
		Replies:     []methodKey{{ClassConfirm, MethodConfirmSelectOk}},
	},
	{ClassConfirm, MethodConfirmSelectOk}: {
		Name: "confirm.select-ok",
		New:  func() method { return &confirmSelectOk{} },
	},
}

// replyMethods is the set of methods that only ever answer a synchronous
// request. One arriving with no pending call is stale, not a violation.
var replyMethods = func() map[methodKey]bool {
	set := make(map[methodKey]bool)
	for _, spec := range methodRegistry {
		for _, r := range spec.Replies {
			set[r] = true
		}
	}
	return set
}()

// lookupMethod returns the registry entry for a (class, method) pair.
func lookupMethod(classID, methodID uint16) (methodSpec, bool) {
	spec, ok := methodRegistry[methodKey{classID, methodID}]
	return spec, ok
}

// repliesTo reports whether reply is a valid answer to the request method.
func repliesTo(request method, reply methodKey) bool {
	classID, methodID := request.id()
	spec, ok := methodRegistry[methodKey{classID, methodID}]
	if !ok {
		return false
	}
	for _, r := range spec.Replies {
		if r == reply {
			return true
		}
	}
	return false
}

// getClassName returns a string representation of a class ID
func getClassName(classId uint16) string {
	switch classId {
	case ClassConnection:
		return "connection"
	case ClassChannel:
		return "channel"
	case ClassExchange:
		return "exchange"
	case ClassQueue:
		return "queue"
	case ClassBasic:
		return "basic"
	case ClassConfirm:
		return "confirm"
	default:
		return fmt.Sprintf("unknown(%d)", classId)
	}
}

// getFullMethodName returns the complete method name as class.method
func getFullMethodName(classId uint16, methodId uint16) string {
	if spec, ok := methodRegistry[methodKey{classId, methodId}]; ok {
		return spec.Name
	}
	return fmt.Sprintf("%s.unknown(%d)", getClassName(classId), methodId)
}

// getFrameTypeName returns a string representation of a frame type
func getFrameTypeName(frameType byte) string {
	switch frameType {
	case FrameMethod:
		return "METHOD"
	case FrameHeader:
		return "HEADER"
	case FrameBody:
		return "BODY"
	case FrameHeartbeat:
		return "HEARTBEAT"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", frameType)
	}
}
