// Package message defines the envelope exchanged with the broker.
package message

import (
	"fmt"
	"time"

	"github.com/arrowmq/arrowmq.go/pkg/codec"
)

// Message is an AMQP message as seen by the client: an opaque body plus
// the standard properties and application properties.
//
// A Message received from a consumer is bound to the link that delivered it
// and must be settled (accepted, rejected, ...) through the same consumer.
type Message struct {
	Body []byte

	MessageID     any
	CorrelationID any
	To            string
	ReplyTo       string
	Subject       string
	ContentType   string
	GroupID       string

	// Durable, Priority and TTL map to the AMQP header section.
	// A nil Durable or Priority leaves the producer default in effect.
	Durable  *bool
	Priority *uint8
	TTL      time.Duration

	ApplicationProperties map[string]any
	// Annotations are message annotations, e.g. the routing-type annotation
	// some brokers read.
	Annotations map[string]any

	// DeliveryCount is set on received messages.
	DeliveryCount uint32
}

// New returns a message with the given raw body.
func New(body []byte) *Message {
	return &Message{Body: body}
}

// Encode returns a message whose body is v encoded with m.
// The content type is set from the marshaler.
func Encode(v any, m codec.Marshaler) (*Message, error) {
	body, err := m.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("message: failed to encode body: %w", err)
	}
	return &Message{Body: body, ContentType: m.ContentType()}, nil
}

// Decode decodes the body into dst.
// With a nil unmarshaler the codec is chosen from ContentType.
func (m *Message) Decode(dst any, u codec.Unmarshaler) error {
	if u == nil {
		c := codec.ForContentType(m.ContentType)
		if c == nil {
			return fmt.Errorf("message: no codec for content type %q", m.ContentType)
		}
		u = c
	}
	if err := u.Unmarshal(m.Body, dst); err != nil {
		return fmt.Errorf("message: failed to decode body: %w", err)
	}
	return nil
}

// SetProperty sets an application property.
func (m *Message) SetProperty(key string, value any) {
	if m.ApplicationProperties == nil {
		m.ApplicationProperties = make(map[string]any)
	}
	m.ApplicationProperties[key] = value
}

// Property returns an application property.
func (m *Message) Property(key string) (any, bool) {
	v, ok := m.ApplicationProperties[key]
	return v, ok
}

// SetAnnotation sets a message annotation.
func (m *Message) SetAnnotation(key string, value any) {
	if m.Annotations == nil {
		m.Annotations = make(map[string]any)
	}
	m.Annotations[key] = value
}

// SetDurable marks the message durable or not.
func (m *Message) SetDurable(durable bool) {
	m.Durable = &durable
}

// SetPriority sets the message priority.
func (m *Message) SetPriority(p uint8) {
	m.Priority = &p
}

// Clone returns a shallow copy with copied property maps,
// so defaults can be applied without mutating the caller's message.
func (m *Message) Clone() *Message {
	c := *m
	if m.ApplicationProperties != nil {
		c.ApplicationProperties = make(map[string]any, len(m.ApplicationProperties))
		for k, v := range m.ApplicationProperties {
			c.ApplicationProperties[k] = v
		}
	}
	if m.Annotations != nil {
		c.Annotations = make(map[string]any, len(m.Annotations))
		for k, v := range m.Annotations {
			c.Annotations[k] = v
		}
	}
	return &c
}
