package message

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arrowmq/arrowmq.go/pkg/codec"
)

type event struct {
	Kind string `json:"kind" cbor:"kind"`
	Seq  int    `json:"seq" cbor:"seq"`
}

func TestEncodeDecode(t *testing.T) {
	msg, err := Encode(event{Kind: "created", Seq: 3}, codec.NewCBOR())
	require.NoError(t, err)
	assert.Equal(t, codec.ContentTypeCBOR, msg.ContentType)

	t.Run("codec from content type", func(t *testing.T) {
		var got event
		require.NoError(t, msg.Decode(&got, nil))
		assert.Equal(t, event{Kind: "created", Seq: 3}, got)
	})

	t.Run("unknown content type", func(t *testing.T) {
		raw := New([]byte("hello"))
		var got event
		assert.Error(t, raw.Decode(&got, nil))
	})

	t.Run("explicit unmarshaler", func(t *testing.T) {
		j, err := Encode(event{Kind: "x"}, codec.NewJSON())
		require.NoError(t, err)
		var got event
		require.NoError(t, j.Decode(&got, codec.NewJSON()))
		assert.Equal(t, "x", got.Kind)
	})
}

func TestProperties(t *testing.T) {
	msg := New(nil)
	_, ok := msg.Property("tenant")
	assert.False(t, ok)

	msg.SetProperty("tenant", "acme")
	v, ok := msg.Property("tenant")
	assert.True(t, ok)
	assert.Equal(t, "acme", v)
}

func TestCloneDoesNotShareMaps(t *testing.T) {
	msg := New([]byte("b"))
	msg.SetProperty("a", 1)
	msg.SetAnnotation("x-opt", "v")
	msg.SetDurable(true)

	c := msg.Clone()
	c.SetProperty("a", 2)
	c.SetAnnotation("x-opt", "w")

	assert.Equal(t, 1, msg.ApplicationProperties["a"])
	assert.Equal(t, "v", msg.Annotations["x-opt"])
	require.NotNil(t, c.Durable)
	assert.True(t, *c.Durable)
}
