package amqpconn

import (
	"bytes"
	"fmt"

	"github.com/Azure/go-amqp"

	"github.com/arrowmq/arrowmq.go/pkg/message"
)

// toAMQP converts an outgoing message.
func toAMQP(m *message.Message) *amqp.Message {
	out := amqp.NewMessage(m.Body)

	props := &amqp.MessageProperties{
		MessageID:     m.MessageID,
		CorrelationID: m.CorrelationID,
		To:            optString(m.To),
		ReplyTo:       optString(m.ReplyTo),
		Subject:       optString(m.Subject),
		ContentType:   optString(m.ContentType),
		GroupID:       optString(m.GroupID),
	}
	if hasProperties(m) {
		out.Properties = props
	}

	if m.Durable != nil || m.Priority != nil || m.TTL > 0 {
		h := &amqp.MessageHeader{Priority: 4}
		if m.Durable != nil {
			h.Durable = *m.Durable
		}
		if m.Priority != nil {
			h.Priority = *m.Priority
		}
		h.TTL = m.TTL
		out.Header = h
	}

	if len(m.ApplicationProperties) > 0 {
		out.ApplicationProperties = make(map[string]any, len(m.ApplicationProperties))
		for k, v := range m.ApplicationProperties {
			out.ApplicationProperties[k] = v
		}
	}
	if len(m.Annotations) > 0 {
		out.Annotations = toAnnotations(m.Annotations)
	}
	return out
}

// fromAMQP converts a received message.
func fromAMQP(in *amqp.Message) *message.Message {
	m := &message.Message{Body: body(in)}

	if p := in.Properties; p != nil {
		m.MessageID = p.MessageID
		m.CorrelationID = p.CorrelationID
		m.To = deref(p.To)
		m.ReplyTo = deref(p.ReplyTo)
		m.Subject = deref(p.Subject)
		m.ContentType = deref(p.ContentType)
		m.GroupID = deref(p.GroupID)
	}
	if h := in.Header; h != nil {
		durable, priority := h.Durable, h.Priority
		m.Durable = &durable
		m.Priority = &priority
		m.TTL = h.TTL
		m.DeliveryCount = h.DeliveryCount
	}
	if len(in.ApplicationProperties) > 0 {
		m.ApplicationProperties = make(map[string]any, len(in.ApplicationProperties))
		for k, v := range in.ApplicationProperties {
			m.ApplicationProperties[k] = v
		}
	}
	if len(in.Annotations) > 0 {
		m.Annotations = make(map[string]any, len(in.Annotations))
		for k, v := range in.Annotations {
			m.Annotations[fmt.Sprint(k)] = v
		}
	}
	return m
}

// body flattens the data sections. Messages sent with an amqp-value body
// are accepted when the value is binary or a string.
func body(in *amqp.Message) []byte {
	switch len(in.Data) {
	case 0:
	case 1:
		return in.Data[0]
	default:
		return bytes.Join(in.Data, nil)
	}
	switch v := in.Value.(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	}
	return nil
}

func hasProperties(m *message.Message) bool {
	return m.MessageID != nil || m.CorrelationID != nil ||
		m.To != "" || m.ReplyTo != "" || m.Subject != "" ||
		m.ContentType != "" || m.GroupID != ""
}

func toAnnotations(in map[string]any) amqp.Annotations {
	if len(in) == 0 {
		return nil
	}
	out := make(amqp.Annotations, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func optString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
