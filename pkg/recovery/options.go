package recovery

import (
	"fmt"
	"time"
)

// Kind enumerates the built-in policy shapes.
type Kind string

const (
	KindConstant    Kind = "constant"
	KindLinear      Kind = "linear"
	KindExponential Kind = "exponential"
	KindJitter      Kind = "jitter"
)

// Options selects and parameterizes a built-in policy.
// It is the shape file configuration is decoded into.
type Options struct {
	Kind       Kind          `koanf:"kind"`
	RetryCount int           `koanf:"retry_count"`
	Delay      time.Duration `koanf:"delay"`
	MaxDelay   time.Duration `koanf:"max_delay"`
	// Factor is the growth factor of linear and exponential policies.
	// Zero selects the policy default.
	Factor    float64 `koanf:"factor"`
	FastFirst bool    `koanf:"fast_first"`
}

// DefaultOptions is an unbounded exponential backoff from 1s capped at 30s,
// with an immediate first retry.
func DefaultOptions() Options {
	return Options{
		Kind:       KindExponential,
		RetryCount: Unbounded,
		Delay:      time.Second,
		MaxDelay:   30 * time.Second,
		FastFirst:  true,
	}
}

// Default returns the policy described by DefaultOptions.
func Default() Policy {
	p, err := New(DefaultOptions())
	if err != nil {
		panic(fmt.Sprintf("BUG: default recovery policy is invalid: %v", err))
	}
	return p
}

// New builds the policy described by o.
func New(o Options) (Policy, error) {
	var opts []Option
	if o.Factor != 0 {
		opts = append(opts, WithFactor(o.Factor))
	}
	if o.MaxDelay != 0 {
		opts = append(opts, WithMaxDelay(o.MaxDelay))
	}

	var (
		p   Policy
		err error
	)
	switch o.Kind {
	case KindConstant:
		p, err = Constant(o.RetryCount, o.Delay)
	case KindLinear:
		p, err = Linear(o.RetryCount, o.Delay, opts...)
	case KindExponential:
		p, err = Exponential(o.RetryCount, o.Delay, opts...)
	case KindJitter:
		p, err = DecorrelatedJitter(o.RetryCount, o.Delay, o.MaxDelay)
	default:
		return nil, fmt.Errorf("%w: unknown policy kind %q", ErrInvalidPolicy, o.Kind)
	}
	if err != nil {
		return nil, err
	}

	if o.FastFirst {
		p = FastFirst(p)
	}
	return p, nil
}
