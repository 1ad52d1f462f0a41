package arrowmq

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arrowmq/arrowmq.go/pkg/message"
)

// respond makes the broker answer every request sent to address.
func respond(b *fakeBroker, address string, before func(n int32) bool) *atomic.Int32 {
	var requests atomic.Int32
	b.setOnPublish(func(to string, msg *message.Message) {
		if to != address {
			return
		}
		n := requests.Add(1)
		if before != nil && !before(n) {
			return
		}
		reply := message.New([]byte(fmt.Sprintf("re: %s", msg.Body)))
		reply.CorrelationID = msg.MessageID
		_ = b.publish(msg.ReplyTo, reply)
	})
	return &requests
}

func TestRequestReply(t *testing.T) {
	h := newHarness(t)
	ctx := ctxWithTimeout(t, 2*time.Second)
	respond(h.broker, "rpc", nil)

	client, err := h.conn.CreateRequestReplyClient(ctx, RequestReplyClientConfig{})
	require.NoError(t, err)

	req := message.New([]byte("ping"))
	resp, err := client.Send(ctx, "rpc", Anycast, req)
	require.NoError(t, err)
	assert.Equal(t, []byte("re: ping"), resp.Body)
	assert.Nil(t, req.MessageID, "the caller's message is not modified")

	sent := h.broker.publishedTo("rpc")
	require.Len(t, sent, 1)
	assert.Equal(t, sent[0].MessageID, resp.CorrelationID)
	assert.Equal(t, "temp-queue-1", sent[0].ReplyTo)
	assert.Equal(t, int8(1), sent[0].Annotations[routingTypeAnnotation])
}

func TestRequestReplyKeepsMessageID(t *testing.T) {
	h := newHarness(t)
	ctx := ctxWithTimeout(t, 2*time.Second)
	respond(h.broker, "rpc", nil)

	client, err := h.conn.CreateRequestReplyClient(ctx, RequestReplyClientConfig{})
	require.NoError(t, err)

	req := message.New([]byte("ping"))
	req.MessageID = uint64(42)
	resp, err := client.Send(ctx, "rpc", RoutingTypeDefault, req)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), resp.CorrelationID)
	assert.NotContains(t, h.broker.publishedTo("rpc")[0].Annotations, routingTypeAnnotation)
}

func TestRequestReplyConcurrent(t *testing.T) {
	h := newHarness(t)
	ctx := ctxWithTimeout(t, 2*time.Second)
	respond(h.broker, "rpc", nil)

	client, err := h.conn.CreateRequestReplyClient(ctx, RequestReplyClientConfig{})
	require.NoError(t, err)

	const n = 10
	errs := make(chan error, n)
	for i := range n {
		go func() {
			body := fmt.Sprintf("req-%d", i)
			resp, err := client.Send(ctx, "rpc", Anycast, message.New([]byte(body)))
			if err == nil && string(resp.Body) != "re: "+body {
				err = fmt.Errorf("reply %q for request %q", resp.Body, body)
			}
			errs <- err
		}()
	}
	for range n {
		assert.NoError(t, <-errs)
	}
}

func TestRequestReplySurvivesRecovery(t *testing.T) {
	h := newHarness(t)
	ctx := ctxWithTimeout(t, 2*time.Second)

	// The first request is lost together with the connection.
	requests := respond(h.broker, "rpc", func(n int32) bool {
		if n == 1 {
			h.dialer.conn(0).kill()
			return false
		}
		return true
	})

	client, err := h.conn.CreateRequestReplyClient(ctx, RequestReplyClientConfig{})
	require.NoError(t, err)

	resp, err := client.Send(ctx, "rpc", Anycast, message.New([]byte("ping")))
	require.NoError(t, err)
	assert.Equal(t, []byte("re: ping"), resp.Body)
	assert.Equal(t, int32(2), requests.Load())

	sent := h.broker.publishedTo("rpc")
	require.Len(t, sent, 2)
	assert.Equal(t, sent[0].MessageID, sent[1].MessageID, "the retried request keeps its id")
	assert.NotEqual(t, sent[0].ReplyTo, sent[1].ReplyTo)
	assert.Equal(t, 2, h.dialer.connCount())
}

func TestRequestReplyTimeout(t *testing.T) {
	h := newHarness(t)

	client, err := h.conn.CreateRequestReplyClient(context.Background(), RequestReplyClientConfig{Timeout: 20 * time.Millisecond})
	require.NoError(t, err)

	start := time.Now()
	_, err = client.Send(context.Background(), "nobody-home", Anycast, message.New(nil))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	// the client is still usable
	respond(h.broker, "rpc", nil)
	_, err = client.Send(context.Background(), "rpc", Anycast, message.New(nil))
	assert.NoError(t, err)
}

func TestRequestReplyCloseFailsPending(t *testing.T) {
	h := newHarness(t)
	ctx := ctxWithTimeout(t, 2*time.Second)

	client, err := h.conn.CreateRequestReplyClient(ctx, RequestReplyClientConfig{})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := client.Send(ctx, "nobody-home", Anycast, message.New(nil))
		done <- err
	}()
	require.Eventually(t, func() bool {
		return len(h.broker.publishedTo("nobody-home")) == 1
	}, time.Second, time.Millisecond)

	require.NoError(t, client.Close())
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrClosed)
	case <-ctx.Done():
		t.Fatal("pending request not released by Close")
	}

	_, err = client.Send(ctx, "rpc", Anycast, message.New(nil))
	assert.ErrorIs(t, err, ErrClosed)
}

func TestRequestReplyValidation(t *testing.T) {
	h := newHarness(t)
	ctx := ctxWithTimeout(t, 2*time.Second)

	_, err := h.conn.CreateRequestReplyClient(ctx, RequestReplyClientConfig{Timeout: -time.Second})
	assert.ErrorIs(t, err, ErrInvalidConfig)

	client, err := h.conn.CreateRequestReplyClient(ctx, RequestReplyClientConfig{})
	require.NoError(t, err)

	_, err = client.Send(ctx, "", Anycast, message.New(nil))
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = client.Send(ctx, "rpc", RoutingType(7), message.New(nil))
	assert.ErrorIs(t, err, ErrInvalidConfig)
	_, err = client.Send(ctx, "rpc", Anycast, nil)
	assert.Error(t, err)
}

func TestCorrelationKey(t *testing.T) {
	assert.Equal(t, correlationKey("42"), correlationKey("42"))
	assert.NotEqual(t, correlationKey("42"), correlationKey(uint64(42)))
	assert.NotEqual(t, correlationKey(uint64(1)), correlationKey(uint64(2)))
}
