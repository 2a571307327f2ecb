// Package message holds the value types exchanged between the client and the
// application: field tables, content properties, outbound publishings and
// inbound deliveries.
package message

import (
	"fmt"
	"time"
)

// Table is an AMQP field table. Keys are short strings; values must be one of
// the types representable in the wire format: bool, int8, uint8, int16,
// int32, int64, float32, float64, Decimal, string, []byte, []interface{},
// Table, time stamps as uint64, or nil.
type Table map[string]interface{}

// Decimal matches the AMQP decimal-value encoding: Value scaled down by
// 10^Scale.
type Decimal struct {
	Scale uint8
	Value int32
}

// Delivery modes for the DeliveryMode property.
const (
	Transient  uint8 = 1
	Persistent uint8 = 2
)

// Properties are the basic-class content properties carried by a content
// header frame. Zero values are omitted from the wire encoding.
type Properties struct {
	ContentType     string    // MIME content type
	ContentEncoding string    // MIME content encoding
	Headers         Table     // application headers
	DeliveryMode    uint8     // Transient or Persistent
	Priority        uint8     // 0..9
	CorrelationId   string    // application correlation identifier
	ReplyTo         string    // address to reply to
	Expiration      string    // message expiration
	MessageId       string    // application message identifier
	Timestamp       time.Time // message timestamp
	Type            string    // message type name
	UserId          string    // creating user id, validated by the broker
	AppId           string    // creating application id
}

// Publishing is an outbound message: properties plus body.
type Publishing struct {
	Properties
	Body []byte
}

// Acknowledger settles delivery tags on the channel a delivery arrived on.
type Acknowledger interface {
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple bool, requeue bool) error
	Reject(tag uint64, requeue bool) error
}

// Delivery is an inbound message assembled from a deliver or get-ok method,
// its content header and its body frames.
type Delivery struct {
	ConsumerTag  string // empty for basic.get deliveries
	DeliveryTag  uint64
	Redelivered  bool
	Exchange     string
	RoutingKey   string
	MessageCount uint32 // remaining queue depth, basic.get only
	Properties   Properties
	Body         []byte

	Acknowledger Acknowledger
}

// Ack acknowledges this delivery. With multiple set, every unacknowledged
// delivery up to and including this tag is settled in one frame.
func (d *Delivery) Ack(multiple bool) error {
	if d.Acknowledger == nil {
		return fmt.Errorf("delivery not ackable: no channel attached")
	}
	return d.Acknowledger.Ack(d.DeliveryTag, multiple)
}

// Nack negatively acknowledges this delivery, optionally covering earlier
// tags and optionally asking the broker to requeue.
func (d *Delivery) Nack(multiple, requeue bool) error {
	if d.Acknowledger == nil {
		return fmt.Errorf("delivery not ackable: no channel attached")
	}
	return d.Acknowledger.Nack(d.DeliveryTag, multiple, requeue)
}

// Reject negatively acknowledges this single delivery.
func (d *Delivery) Reject(requeue bool) error {
	if d.Acknowledger == nil {
		return fmt.Errorf("delivery not ackable: no channel attached")
	}
	return d.Acknowledger.Reject(d.DeliveryTag, requeue)
}

// Return is a published message handed back by the broker, carrying the
// reply code and text explaining why it could not be routed.
type Return struct {
	ReplyCode  uint16
	ReplyText  string
	Exchange   string
	RoutingKey string
	Properties Properties
	Body       []byte
}

// Confirmation reports the broker's verdict on one published message in
// confirm mode.
type Confirmation struct {
	DeliveryTag uint64
	Ack         bool
}

// Queue describes a declared queue as reported by queue.declare-ok.
type Queue struct {
	Name      string
	Messages  uint32
	Consumers uint32
}
