package kafkax

import (
	"strings"

	"github.com/segmentio/kafka-go"
)

const (
	HeaderMessageID   = "message_id"
	HeaderMessageType = "message_type"
	HeaderContentType = "content_type"
)

// EventMeta is the canonical metadata carried on Kafka messages. It mirrors
// the AMQP message_id/type properties so consumers are transport agnostic.
type EventMeta struct {
	MessageID string
	Type      string
}

// ExtractEventMeta reads the message id and type headers. Unlike the key,
// the message id is never guessed: a message without it is malformed.
func ExtractEventMeta(msg kafka.Message) EventMeta {
	return EventMeta{
		MessageID: HeaderValue(msg.Headers, HeaderMessageID),
		Type:      HeaderValue(msg.Headers, HeaderMessageType),
	}
}

func HeaderValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

func SplitBrokers(raw string) []string {
	var brokers []string
	for _, b := range strings.Split(raw, ",") {
		b = strings.TrimSpace(b)
		if b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}
