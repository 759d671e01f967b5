package definition

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind is the discriminator of the State tagged union.
type Kind string

// State kinds.
const (
	KindTask     Kind = "Task"
	KindChoice   Kind = "Choice"
	KindParallel Kind = "Parallel"
	KindWait     Kind = "Wait"
	KindPass     Kind = "Pass"
	KindSucceed  Kind = "Succeed"
	KindFail     Kind = "Fail"
)

// Terminal reports whether the kind ends an execution.
func (k Kind) Terminal() bool { return k == KindSucceed || k == KindFail }

// Definition is a named, versioned state graph. Once registered it is
// never mutated; a changed document becomes a new version.
type Definition struct {
	Name    string `json:"name" yaml:"name"`
	Version int    `json:"version,omitempty" yaml:"version,omitempty"`
	Comment string `json:"comment,omitempty" yaml:"comment,omitempty"`
	StartAt string `json:"startAt" yaml:"startAt"`

	// TimeoutSeconds is the default timeout of Task states that declare none.
	TimeoutSeconds int `json:"timeoutSeconds,omitempty" yaml:"timeoutSeconds,omitempty"`

	States StateMap `json:"states" yaml:"states"`

	// Digest is a content hash assigned at registration.
	Digest    string    `json:"digest,omitempty" yaml:"-"`
	CreatedAt time.Time `json:"createdAt,omitzero" yaml:"-"`
}

// Ref identifies one version of a definition.
type Ref struct {
	Name    string `json:"name"`
	Version int    `json:"version"`
}

// Ref returns the definition's name and version.
func (d *Definition) Ref() Ref { return Ref{Name: d.Name, Version: d.Version} }

// Branch is one sub-graph of a Parallel state. It is validated as a
// definition in its own right.
type Branch struct {
	StartAt string   `json:"startAt" yaml:"startAt"`
	States  StateMap `json:"states" yaml:"states"`
}

// State is one node of the graph. Type selects which fields apply;
// Validate rejects fields that do not belong to the kind.
type State struct {
	Type    Kind   `json:"type" yaml:"type"`
	Comment string `json:"comment,omitempty" yaml:"comment,omitempty"`
	Next    string `json:"next,omitempty" yaml:"next,omitempty"`
	End     bool   `json:"end,omitempty" yaml:"end,omitempty"`

	// Task.
	Handler        string        `json:"handler,omitempty" yaml:"handler,omitempty"`
	TimeoutSeconds int           `json:"timeoutSeconds,omitempty" yaml:"timeoutSeconds,omitempty"`
	Retry          []RetryPolicy `json:"retry,omitempty" yaml:"retry,omitempty"`

	// Task and Parallel.
	Catch      []CatchPolicy `json:"catch,omitempty" yaml:"catch,omitempty"`
	ResultPath string        `json:"resultPath,omitempty" yaml:"resultPath,omitempty"`

	// Choice.
	Choices []ChoiceRule `json:"choices,omitempty" yaml:"choices,omitempty"`
	Default string       `json:"default,omitempty" yaml:"default,omitempty"`

	// Parallel.
	Branches []Branch `json:"branches,omitempty" yaml:"branches,omitempty"`

	// Wait. Exactly one is set.
	Seconds       *int64 `json:"seconds,omitempty" yaml:"seconds,omitempty"`
	Timestamp     string `json:"timestamp,omitempty" yaml:"timestamp,omitempty"`
	SecondsPath   string `json:"secondsPath,omitempty" yaml:"secondsPath,omitempty"`
	TimestampPath string `json:"timestampPath,omitempty" yaml:"timestampPath,omitempty"`

	// Pass.
	Result RawJSON `json:"result,omitempty" yaml:"result,omitempty"`

	// Fail.
	Error string `json:"error,omitempty" yaml:"error,omitempty"`
	Cause string `json:"cause,omitempty" yaml:"cause,omitempty"`
}

// Timeout returns the task deadline, falling back to the definition
// default and then to fallback.
func (s *State) Timeout(def *Definition, fallback time.Duration) time.Duration {
	switch {
	case s.TimeoutSeconds > 0:
		return time.Duration(s.TimeoutSeconds) * time.Second
	case def != nil && def.TimeoutSeconds > 0:
		return time.Duration(def.TimeoutSeconds) * time.Second
	default:
		return fallback
	}
}

// RetryPolicy re-dispatches a failed Task. The first policy whose filter
// matches and whose attempts are not exhausted applies.
type RetryPolicy struct {
	ErrorEquals     []string `json:"errorEquals" yaml:"errorEquals"`
	IntervalSeconds float64  `json:"intervalSeconds,omitempty" yaml:"intervalSeconds,omitempty"`
	BackoffRate     float64  `json:"backoffRate,omitempty" yaml:"backoffRate,omitempty"`
	MaxAttempts     int      `json:"maxAttempts,omitempty" yaml:"maxAttempts,omitempty"`
	MaxDelaySeconds float64  `json:"maxDelaySeconds,omitempty" yaml:"maxDelaySeconds,omitempty"`
	// Jitter randomizes each delay in [0, delay).
	Jitter bool `json:"jitter,omitempty" yaml:"jitter,omitempty"`
}

// Retry policy defaults applied when a field is omitted.
const (
	DefaultIntervalSeconds = 1.0
	DefaultBackoffRate     = 2.0
	DefaultMaxAttempts     = 3
)

// WithDefaults returns a copy with omitted fields filled in.
func (p RetryPolicy) WithDefaults() RetryPolicy {
	if p.IntervalSeconds == 0 {
		p.IntervalSeconds = DefaultIntervalSeconds
	}
	if p.BackoffRate == 0 {
		p.BackoffRate = DefaultBackoffRate
	}
	if p.MaxAttempts == 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	return p
}

// CatchPolicy routes an unretried failure to another state. The error
// object {"error", "cause"} is placed at ResultPath of the state input.
type CatchPolicy struct {
	ErrorEquals []string `json:"errorEquals" yaml:"errorEquals"`
	Next        string   `json:"next" yaml:"next"`
	ResultPath  string   `json:"resultPath,omitempty" yaml:"resultPath,omitempty"`
}

// ChoiceRule pairs a condition with the state it selects.
type ChoiceRule struct {
	Condition `yaml:",inline"`
	Next      string `json:"next" yaml:"next"`
}

// RawJSON is a JSON value that can also be written as YAML. YAML numbers
// keep their literal text.
type RawJSON json.RawMessage

// MarshalJSON returns the raw value.
func (r RawJSON) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

// UnmarshalJSON stores a copy of data.
func (r *RawJSON) UnmarshalJSON(data []byte) error {
	*r = append((*r)[:0], data...)
	return nil
}

// Branch resolves a branch path such as "Fanout/1" or "Fanout/1/Inner/0"
// to the sub-graph it names. The result shares the definition's name,
// version and default timeout. An empty path returns d itself.
func (d *Definition) Branch(path string) (*Definition, error) {
	if path == "" {
		return d, nil
	}
	parts := strings.Split(path, "/")
	if len(parts)%2 != 0 {
		return nil, fmt.Errorf("definition: malformed branch path %q", path)
	}
	cur := d
	for i := 0; i < len(parts); i += 2 {
		st, ok := cur.States.Get(parts[i])
		if !ok || st.Type != KindParallel {
			return nil, fmt.Errorf("definition: %q is not a Parallel state", parts[i])
		}
		idx, err := strconv.Atoi(parts[i+1])
		if err != nil || idx < 0 || idx >= len(st.Branches) {
			return nil, fmt.Errorf("definition: branch index %q out of range", parts[i+1])
		}
		b := &st.Branches[idx]
		cur = &Definition{
			Name:           d.Name,
			Version:        d.Version,
			TimeoutSeconds: d.TimeoutSeconds,
			StartAt:        b.StartAt,
			States:         b.States,
		}
	}
	return cur, nil
}

// BranchPath appends a state/index pair to a branch path.
func BranchPath(parent, state string, index int) string {
	p := state + "/" + strconv.Itoa(index)
	if parent == "" {
		return p
	}
	return parent + "/" + p
}
