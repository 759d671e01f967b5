// Package retry decides what happens after a task state fails: retry it
// after a delay, route to a catch handler, or propagate the failure.
package retry

import (
	"math"
	"time"

	"github.com/xraph/stepflow"
	"github.com/xraph/stepflow/backoff"
	"github.com/xraph/stepflow/definition"
)

// Kind is the decision taken for a failure.
type Kind int

// Decision kinds.
const (
	Propagate Kind = iota
	Retry
	Catch
)

func (k Kind) String() string {
	switch k {
	case Retry:
		return "retry"
	case Catch:
		return "catch"
	default:
		return "propagate"
	}
}

// Action is the result of NextAction. Delay is set for Retry; Next and
// ResultPath for Catch.
type Action struct {
	Kind       Kind
	Delay      time.Duration
	Next       string
	ResultPath string
}

// Policies are the retry and catch lists of one state, evaluated in
// declaration order.
type Policies struct {
	Retry []definition.RetryPolicy
	Catch []definition.CatchPolicy
}

// For returns the policies declared on st.
func For(st *definition.State) Policies {
	return Policies{Retry: st.Retry, Catch: st.Catch}
}

// NextAction evaluates the policies for a failure of errorKind. attempts
// is the number of dispatches already made for the current state entry,
// so the first failure is evaluated with attempts = 1.
//
// The first retry policy whose filter matches errorKind and whose
// maxAttempts exceeds attempts wins. Otherwise the first matching catch
// wins. StatesMachineError never matches a filter.
func NextAction(p Policies, attempts int, errorKind string) Action {
	if errorKind == stepflow.ErrorKindStatesMachine {
		return Action{Kind: Propagate}
	}

	for _, rp := range p.Retry {
		if !Matches(rp.ErrorEquals, errorKind) {
			continue
		}
		rp = rp.WithDefaults()
		if rp.MaxAttempts <= attempts {
			continue
		}
		return Action{Kind: Retry, Delay: Delay(rp, attempts)}
	}

	for _, cp := range p.Catch {
		if Matches(cp.ErrorEquals, errorKind) {
			return Action{Kind: Catch, Next: cp.Next, ResultPath: cp.ResultPath}
		}
	}
	return Action{Kind: Propagate}
}

// Delay returns the wait before retry number attempts (1-indexed):
// interval * rate^(attempts-1), capped by maxDelaySeconds and jittered
// when the policy asks for it.
func Delay(rp definition.RetryPolicy, attempts int) time.Duration {
	rp = rp.WithDefaults()
	b := &backoff.Multiplicative{
		Initial: seconds(rp.IntervalSeconds),
		Rate:    rp.BackoffRate,
		Max:     seconds(rp.MaxDelaySeconds),
		Jitter:  rp.Jitter,
	}
	return b.Delay(attempts)
}

// Matches reports whether errorKind is selected by a filter list.
func Matches(filter []string, errorKind string) bool {
	if errorKind == stepflow.ErrorKindStatesMachine {
		return false
	}
	for _, k := range filter {
		if k == errorKind || definition.IsWildcard(k) {
			return true
		}
	}
	return false
}

// seconds converts policy seconds to a Duration, clamped to
// [0, backoff.MaxDelay].
func seconds(s float64) time.Duration {
	d := s * float64(time.Second)
	switch {
	case math.IsNaN(d) || d <= 0:
		return 0
	case d >= float64(backoff.MaxDelay):
		return backoff.MaxDelay
	}
	return time.Duration(d)
}
