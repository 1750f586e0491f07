// Package broker moves outbox rows to consumers. AMQP is the primary
// transport; Kafka and an in-process queue implement the same contract.
package broker

import (
	"context"
	"errors"
	"strings"
)

// ContentTypeJSON is set on every published message.
const ContentTypeJSON = "application/json"

// Message is one event on the wire.
type Message struct {
	// ID is the outbox row id and the only de-duplication token consumers get.
	ID string
	// Type is the event type. It doubles as the routing key.
	Type        string
	AggregateID string
	Body        []byte
}

type Publisher interface {
	Publish(ctx context.Context, msg Message) error
}

// Acknowledger settles a delivery with the transport.
type Acknowledger interface {
	Ack() error
	Nack(requeue bool) error
}

type Delivery struct {
	Message
	RoutingKey  string
	Redelivered bool

	acker Acknowledger
}

func NewDelivery(msg Message, routingKey string, redelivered bool, acker Acknowledger) Delivery {
	return Delivery{Message: msg, RoutingKey: routingKey, Redelivered: redelivered, acker: acker}
}

var errNoAcknowledger = errors.New("delivery has no acknowledger")

func (d Delivery) Ack() error {
	if d.acker == nil {
		return errNoAcknowledger
	}
	return d.acker.Ack()
}

func (d Delivery) Nack(requeue bool) error {
	if d.acker == nil {
		return errNoAcknowledger
	}
	return d.acker.Nack(requeue)
}

// Handler processes one delivery and settles it with Ack or Nack.
type Handler func(ctx context.Context, d Delivery)

// Subscriber feeds deliveries to h until ctx is done.
type Subscriber interface {
	Subscribe(ctx context.Context, h Handler) error
}

// MatchRoutingKey applies AMQP topic binding rules: words are dot separated,
// "*" matches exactly one word and "#" matches zero or more.
func MatchRoutingKey(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(pattern, key []string) bool {
	for len(pattern) > 0 {
		switch pattern[0] {
		case "#":
			if len(pattern) == 1 {
				return true
			}
			for i := 0; i <= len(key); i++ {
				if matchWords(pattern[1:], key[i:]) {
					return true
				}
			}
			return false
		case "*":
			if len(key) == 0 {
				return false
			}
		default:
			if len(key) == 0 || key[0] != pattern[0] {
				return false
			}
		}
		pattern, key = pattern[1:], key[1:]
	}
	return len(key) == 0
}
