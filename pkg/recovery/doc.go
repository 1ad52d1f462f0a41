// Package recovery provides the retry policies used when a connection
// to the broker has to be re-established.
//
// A Policy answers two questions: how many retries are allowed after the
// initial attempt (RetryCount, or Unbounded), and how long to wait before
// each retry (Delay). The built-in shapes are:
//   - Constant: the same delay every time
//   - Linear: initialDelay * (1 + factor*(n-1)), optionally capped
//   - Exponential: initialDelay * factor^(n-1), optionally capped
//   - DecorrelatedJitter: random delays between the base delay and three
//     times the previous delay, capped
//
// Any policy can be wrapped with FastFirst to make the first retry immediate.
//
// Policies can also be built from an Options value, which is how
// file-based configuration selects one:
//
//	p, err := recovery.New(recovery.Options{
//	    Kind:       recovery.KindExponential,
//	    RetryCount: 10,
//	    Delay:      500 * time.Millisecond,
//	    MaxDelay:   10 * time.Second,
//	    FastFirst:  true,
//	})
package recovery
