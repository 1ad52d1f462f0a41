package recovery

import (
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"
)

// Unbounded is the RetryCount of a policy that retries forever.
const Unbounded = -1

// ErrInvalidPolicy is returned when a policy is constructed with invalid parameters.
var ErrInvalidPolicy = errors.New("recovery: invalid policy")

// Policy decides how many times and how long to wait between reconnect attempts.
//
// Attempts are 1-based: Delay(1) is the wait before the first retry,
// i.e. after the initial connect attempt failed.
type Policy interface {
	// RetryCount is the number of retries allowed after the initial attempt,
	// or Unbounded.
	RetryCount() int

	// Delay returns the wait before the given retry attempt.
	Delay(attempt int) time.Duration
}

// Exhausted reports whether p allows no more retries after the given number of retries.
func Exhausted(p Policy, retries int) bool {
	n := p.RetryCount()
	if n == Unbounded {
		return false
	}
	return retries >= n
}

func validateRetryCount(retryCount int) error {
	if retryCount < 0 && retryCount != Unbounded {
		return fmt.Errorf("%w: retry count must be >= 0 or Unbounded, got %d", ErrInvalidPolicy, retryCount)
	}
	return nil
}

func validateDelay(name string, d time.Duration) error {
	if d < 0 {
		return fmt.Errorf("%w: %s must be >= 0, got %v", ErrInvalidPolicy, name, d)
	}
	return nil
}

// clamp converts a float nanosecond value to a Duration within [0, maxDelay].
// A zero maxDelay means no cap.
func clamp(ns float64, maxDelay time.Duration) time.Duration {
	if math.IsNaN(ns) || ns < 0 {
		return 0
	}
	if ns >= float64(math.MaxInt64) {
		if maxDelay > 0 {
			return maxDelay
		}
		return time.Duration(math.MaxInt64)
	}
	d := time.Duration(ns)
	if maxDelay > 0 && d > maxDelay {
		return maxDelay
	}
	return d
}

// Option customizes linear and exponential policies.
type Option func(*options)

type options struct {
	factor    float64
	factorSet bool
	maxDelay  time.Duration
	seed      uint64
	seedSet   bool
}

// WithFactor sets the growth factor of a linear or exponential policy.
func WithFactor(f float64) Option {
	return func(o *options) {
		o.factor = f
		o.factorSet = true
	}
}

// WithMaxDelay caps the delay returned by the policy.
func WithMaxDelay(d time.Duration) Option {
	return func(o *options) {
		o.maxDelay = d
	}
}

// WithSeed fixes the random source of a jitter policy.
func WithSeed(seed uint64) Option {
	return func(o *options) {
		o.seed = seed
		o.seedSet = true
	}
}

func buildOptions(opts []Option) *options {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// ConstantPolicy waits the same delay before every retry.
type ConstantPolicy struct {
	retryCount int
	delay      time.Duration
}

// Constant returns a policy that always waits delay.
func Constant(retryCount int, delay time.Duration) (*ConstantPolicy, error) {
	if err := validateRetryCount(retryCount); err != nil {
		return nil, err
	}
	if err := validateDelay("delay", delay); err != nil {
		return nil, err
	}
	return &ConstantPolicy{retryCount: retryCount, delay: delay}, nil
}

func (p *ConstantPolicy) RetryCount() int { return p.retryCount }

func (p *ConstantPolicy) Delay(int) time.Duration { return p.delay }

// LinearPolicy grows the delay by initialDelay*factor on every attempt.
type LinearPolicy struct {
	retryCount   int
	initialDelay time.Duration
	factor       float64
	maxDelay     time.Duration
}

// Linear returns a policy where Delay(n) = initialDelay * (1 + factor*(n-1)).
// The factor defaults to 1.
func Linear(retryCount int, initialDelay time.Duration, opts ...Option) (*LinearPolicy, error) {
	o := buildOptions(opts)
	if !o.factorSet {
		o.factor = 1
	}
	if err := validateRetryCount(retryCount); err != nil {
		return nil, err
	}
	if err := validateDelay("initial delay", initialDelay); err != nil {
		return nil, err
	}
	if err := validateDelay("max delay", o.maxDelay); err != nil {
		return nil, err
	}
	if o.factor < 0 || math.IsNaN(o.factor) {
		return nil, fmt.Errorf("%w: linear factor must be >= 0, got %v", ErrInvalidPolicy, o.factor)
	}
	return &LinearPolicy{
		retryCount:   retryCount,
		initialDelay: initialDelay,
		factor:       o.factor,
		maxDelay:     o.maxDelay,
	}, nil
}

func (p *LinearPolicy) RetryCount() int { return p.retryCount }

func (p *LinearPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	ns := float64(p.initialDelay) * (1 + p.factor*float64(attempt-1))
	return clamp(ns, p.maxDelay)
}

// ExponentialPolicy multiplies the delay by factor on every attempt.
type ExponentialPolicy struct {
	retryCount   int
	initialDelay time.Duration
	factor       float64
	maxDelay     time.Duration
}

// Exponential returns a policy where Delay(n) = initialDelay * factor^(n-1).
// The factor defaults to 2.
func Exponential(retryCount int, initialDelay time.Duration, opts ...Option) (*ExponentialPolicy, error) {
	o := buildOptions(opts)
	if !o.factorSet {
		o.factor = 2
	}
	if err := validateRetryCount(retryCount); err != nil {
		return nil, err
	}
	if err := validateDelay("initial delay", initialDelay); err != nil {
		return nil, err
	}
	if err := validateDelay("max delay", o.maxDelay); err != nil {
		return nil, err
	}
	if o.factor < 1 || math.IsNaN(o.factor) {
		return nil, fmt.Errorf("%w: exponential factor must be >= 1, got %v", ErrInvalidPolicy, o.factor)
	}
	return &ExponentialPolicy{
		retryCount:   retryCount,
		initialDelay: initialDelay,
		factor:       o.factor,
		maxDelay:     o.maxDelay,
	}, nil
}

func (p *ExponentialPolicy) RetryCount() int { return p.retryCount }

func (p *ExponentialPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	ns := float64(p.initialDelay) * math.Pow(p.factor, float64(attempt-1))
	return clamp(ns, p.maxDelay)
}

// JitterPolicy implements "decorrelated jitter":
// each delay is drawn uniformly from [baseDelay, 3*previous] and capped at maxDelay.
//
// The sequence for a given instance is reproducible: attempt n always
// replays the same draws for attempts 1..n.
type JitterPolicy struct {
	retryCount int
	baseDelay  time.Duration
	maxDelay   time.Duration
	seed       uint64
}

// DecorrelatedJitter returns a jitter policy bounded by baseDelay and maxDelay.
// Without WithSeed the seed is random.
func DecorrelatedJitter(retryCount int, baseDelay, maxDelay time.Duration, opts ...Option) (*JitterPolicy, error) {
	o := buildOptions(opts)
	if err := validateRetryCount(retryCount); err != nil {
		return nil, err
	}
	if err := validateDelay("base delay", baseDelay); err != nil {
		return nil, err
	}
	if maxDelay < baseDelay {
		return nil, fmt.Errorf("%w: max delay %v is below base delay %v", ErrInvalidPolicy, maxDelay, baseDelay)
	}
	seed := o.seed
	if !o.seedSet {
		seed = rand.Uint64() //nolint:gosec // jitter, not security-critical
	}
	return &JitterPolicy{
		retryCount: retryCount,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		seed:       seed,
	}, nil
}

func (p *JitterPolicy) RetryCount() int { return p.retryCount }

func (p *JitterPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	prev := float64(p.baseDelay)
	base := float64(p.baseDelay)
	for i := 1; i <= attempt; i++ {
		upper := prev * 3
		r := rand.New(rand.NewPCG(p.seed, uint64(i))).Float64() //nolint:gosec
		prev = math.Min(float64(p.maxDelay), base+r*(upper-base))
		if prev >= float64(p.maxDelay) {
			// Once capped the sequence stays at the cap.
			break
		}
	}
	return clamp(prev, p.maxDelay)
}

type fastFirst struct {
	Policy
}

// FastFirst makes the first retry immediate.
// Retry n>1 waits inner.Delay(n-1); the retry count is unchanged,
// so the immediate retry consumes one of them.
func FastFirst(inner Policy) Policy {
	return &fastFirst{Policy: inner}
}

func (p *fastFirst) Delay(attempt int) time.Duration {
	if attempt <= 1 {
		return 0
	}
	return p.Policy.Delay(attempt - 1)
}
