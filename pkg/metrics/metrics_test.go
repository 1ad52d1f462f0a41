package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilIsNoop(t *testing.T) {
	m := New(nil)
	require.Nil(t, m)

	assert.NotPanics(t, func() {
		m.ConnectAttempt("amqp://broker:5672", time.Millisecond, nil)
		m.Recovered()
		m.RecoveryFailed()
		m.ResourceSuspended("producer")
		m.ResourceResumed()
		m.ResourceTerminated("producer", true, true)
		m.ResourceRegistered("consumer")
		m.ResourceDeregistered("consumer")
		m.SetState(2)
	})
}

func TestCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ConnectAttempt("amqp://a:5672", time.Millisecond, errors.New("refused"))
	m.ConnectAttempt("amqp://b:5672", time.Millisecond, nil)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectAttempts.WithLabelValues("amqp://a:5672", OutcomeFailure)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectAttempts.WithLabelValues("amqp://b:5672", OutcomeSuccess)))

	m.ResourceSuspended("consumer")
	m.ResourceSuspended("producer")
	m.ResourceResumed()
	m.ResourceTerminated("producer", true, true)
	m.ResourceTerminated("consumer", false, false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Suspended))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Suspensions.WithLabelValues("consumer")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Terminations.WithLabelValues("producer")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Terminations.WithLabelValues("consumer")))

	m.ResourceRegistered("consumer")
	m.ResourceRegistered("consumer")
	m.ResourceDeregistered("consumer")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Resources.WithLabelValues("consumer")))

	m.Recovered()
	m.RecoveryFailed()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Recoveries))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RecoveryErrors))

	m.SetState(3)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.State))
}

func TestDuplicateRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)
	assert.Panics(t, func() { New(reg) })
}
