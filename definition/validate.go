package definition

import (
	"fmt"
	"strings"
	"time"

	"github.com/xraph/stepflow"
)

// Validate checks a definition and returns every problem found. ok is
// false when at least one problem is not a warning. Unreachable states are
// warnings; everything else is fatal.
func Validate(def *Definition) (bool, []stepflow.ValidationError) {
	v := &validator{}
	if def == nil {
		v.fail("", "definition is nil")
		return false, v.errs
	}
	if strings.TrimSpace(def.Name) == "" {
		v.fail("name", "name is required")
	}
	if def.TimeoutSeconds < 0 {
		v.fail("timeoutSeconds", "must not be negative")
	}
	v.graph("", def.StartAt, def.States)

	ok := true
	for _, e := range v.errs {
		if !e.Warning {
			ok = false
			break
		}
	}
	return ok, v.errs
}

// Check runs Validate and returns a *stepflow.DefinitionError when the
// definition is not usable.
func Check(def *Definition) ([]stepflow.ValidationError, error) {
	ok, errs := Validate(def)
	if !ok {
		return errs, &stepflow.DefinitionError{Errors: errs}
	}
	return errs, nil
}

type validator struct {
	errs []stepflow.ValidationError
}

func (v *validator) fail(path, format string, args ...any) {
	v.errs = append(v.errs, stepflow.ValidationError{Path: path, Message: fmt.Sprintf(format, args...)})
}

func (v *validator) warn(path, format string, args ...any) {
	v.errs = append(v.errs, stepflow.ValidationError{Path: path, Message: fmt.Sprintf(format, args...), Warning: true})
}

func join(prefix, field string) string {
	if prefix == "" {
		return field
	}
	return prefix + "." + field
}

// graph validates one state graph: the top-level definition or a Parallel
// branch. prefix qualifies error paths.
func (v *validator) graph(prefix, startAt string, states StateMap) {
	if states.Len() == 0 {
		v.fail(join(prefix, "states"), "at least one state is required")
		return
	}
	switch {
	case startAt == "":
		v.fail(join(prefix, "startAt"), "startAt is required")
	default:
		if _, ok := states.Get(startAt); !ok {
			v.fail(join(prefix, "startAt"), "start state %q does not exist", startAt)
		}
	}

	for _, name := range states.Names() {
		st, _ := states.Get(name)
		v.state(join(prefix, "states."+name), st, states)
	}

	v.staticCycles(prefix, states)
	if _, ok := states.Get(startAt); ok {
		v.reachability(prefix, startAt, states)
	}
}

func (v *validator) ref(path, target string, states StateMap) {
	if _, ok := states.Get(target); !ok {
		v.fail(path, "state %q does not exist", target)
	}
}

func (v *validator) state(path string, st *State, states StateMap) {
	if st == nil {
		v.fail(path, "state is empty")
		return
	}

	switch st.Type {
	case KindTask, KindChoice, KindParallel, KindWait, KindPass, KindSucceed, KindFail:
	case "":
		v.fail(join(path, "type"), "type is required")
		return
	default:
		v.fail(join(path, "type"), "unknown state type %q", st.Type)
		return
	}

	v.transition(path, st, states)
	v.foreignFields(path, st)

	switch st.Type {
	case KindTask:
		if strings.TrimSpace(st.Handler) == "" {
			v.fail(join(path, "handler"), "handler is required")
		}
		if st.TimeoutSeconds < 0 {
			v.fail(join(path, "timeoutSeconds"), "must not be negative")
		}
		v.retries(path, st.Retry)
		v.catches(path, st.Catch, states)
		v.resultPath(join(path, "resultPath"), st.ResultPath)
	case KindChoice:
		if len(st.Choices) == 0 {
			v.fail(join(path, "choices"), "at least one choice rule is required")
		}
		for i := range st.Choices {
			rp := join(path, fmt.Sprintf("choices[%d]", i))
			for _, msg := range st.Choices[i].Check() {
				v.fail(rp, "%s", msg)
			}
			if st.Choices[i].Next == "" {
				v.fail(join(rp, "next"), "next is required")
			} else {
				v.ref(join(rp, "next"), st.Choices[i].Next, states)
			}
		}
		if st.Default != "" {
			v.ref(join(path, "default"), st.Default, states)
		}
	case KindParallel:
		if len(st.Branches) == 0 {
			v.fail(join(path, "branches"), "at least one branch is required")
		}
		for i := range st.Branches {
			b := &st.Branches[i]
			v.graph(join(path, fmt.Sprintf("branches[%d]", i)), b.StartAt, b.States)
		}
		v.catches(path, st.Catch, states)
		v.resultPath(join(path, "resultPath"), st.ResultPath)
	case KindWait:
		v.wait(path, st)
	case KindPass:
		v.resultPath(join(path, "resultPath"), st.ResultPath)
	}
}

// transition checks next/end for non-terminal kinds and their absence on
// terminal ones.
func (v *validator) transition(path string, st *State, states StateMap) {
	switch st.Type {
	case KindSucceed, KindFail, KindChoice:
		if st.Next != "" {
			v.fail(join(path, "next"), "%s states cannot have next", st.Type)
		}
		if st.End {
			v.fail(join(path, "end"), "%s states cannot have end", st.Type)
		}
	default:
		switch {
		case st.Next != "" && st.End:
			v.fail(path, "next and end are mutually exclusive")
		case st.Next == "" && !st.End:
			v.fail(path, "one of next or end is required")
		case st.Next != "":
			v.ref(join(path, "next"), st.Next, states)
		}
	}
}

// foreignFields rejects fields that belong to another kind.
func (v *validator) foreignFields(path string, st *State) {
	check := func(set bool, field string, kinds ...Kind) {
		if !set {
			return
		}
		for _, k := range kinds {
			if st.Type == k {
				return
			}
		}
		v.fail(join(path, field), "not valid for %s states", st.Type)
	}
	check(st.Handler != "", "handler", KindTask)
	check(st.TimeoutSeconds != 0, "timeoutSeconds", KindTask)
	check(len(st.Retry) > 0, "retry", KindTask)
	check(len(st.Catch) > 0, "catch", KindTask, KindParallel)
	check(st.ResultPath != "", "resultPath", KindTask, KindParallel, KindPass)
	check(len(st.Choices) > 0, "choices", KindChoice)
	check(st.Default != "", "default", KindChoice)
	check(len(st.Branches) > 0, "branches", KindParallel)
	check(st.Seconds != nil, "seconds", KindWait)
	check(st.Timestamp != "", "timestamp", KindWait)
	check(st.SecondsPath != "", "secondsPath", KindWait)
	check(st.TimestampPath != "", "timestampPath", KindWait)
	check(len(st.Result) > 0, "result", KindPass)
	check(st.Error != "", "error", KindFail)
	check(st.Cause != "", "cause", KindFail)
}

func (v *validator) retries(path string, policies []RetryPolicy) {
	for i, p := range policies {
		rp := join(path, fmt.Sprintf("retry[%d]", i))
		v.errorFilter(rp, p.ErrorEquals, i == len(policies)-1)
		p = p.WithDefaults()
		if p.IntervalSeconds <= 0 {
			v.fail(join(rp, "intervalSeconds"), "must be positive")
		}
		if p.BackoffRate < 1.0 {
			v.fail(join(rp, "backoffRate"), "must be at least 1.0")
		}
		if p.MaxAttempts < 1 {
			v.fail(join(rp, "maxAttempts"), "must be at least 1")
		}
		if p.MaxDelaySeconds < 0 {
			v.fail(join(rp, "maxDelaySeconds"), "must not be negative")
		}
	}
}

func (v *validator) catches(path string, policies []CatchPolicy, states StateMap) {
	for i, c := range policies {
		cp := join(path, fmt.Sprintf("catch[%d]", i))
		v.errorFilter(cp, c.ErrorEquals, i == len(policies)-1)
		if c.Next == "" {
			v.fail(join(cp, "next"), "next is required")
		} else {
			v.ref(join(cp, "next"), c.Next, states)
		}
		v.resultPath(join(cp, "resultPath"), c.ResultPath)
	}
}

// errorFilter requires a non-empty filter where a wildcard stands alone in
// the last policy.
func (v *validator) errorFilter(path string, kinds []string, last bool) {
	if len(kinds) == 0 {
		v.fail(join(path, "errorEquals"), "at least one error kind is required")
		return
	}
	for _, k := range kinds {
		if strings.TrimSpace(k) == "" {
			v.fail(join(path, "errorEquals"), "error kinds cannot be empty")
		}
		if IsWildcard(k) {
			if len(kinds) > 1 {
				v.fail(join(path, "errorEquals"), "%s must be the only entry", k)
			}
			if !last {
				v.fail(join(path, "errorEquals"), "%s must appear in the last policy", k)
			}
		}
	}
}

func (v *validator) resultPath(path, expr string) {
	if expr == "" {
		return
	}
	if _, err := ParsePath(expr); err != nil {
		v.fail(path, "%s", err.Error())
	}
}

func (v *validator) wait(path string, st *State) {
	set := 0
	if st.Seconds != nil {
		set++
		if *st.Seconds < 0 {
			v.fail(join(path, "seconds"), "must not be negative")
		}
	}
	if st.Timestamp != "" {
		set++
		if _, err := time.Parse(time.RFC3339, st.Timestamp); err != nil {
			v.fail(join(path, "timestamp"), "must be an RFC 3339 timestamp")
		}
	}
	paths := []struct{ field, expr string }{
		{"secondsPath", st.SecondsPath},
		{"timestampPath", st.TimestampPath},
	}
	for _, p := range paths {
		if p.expr == "" {
			continue
		}
		set++
		if _, err := ParsePath(p.expr); err != nil {
			v.fail(join(path, p.field), "%s", err.Error())
		}
	}
	if set != 1 {
		v.fail(path, "exactly one of seconds, timestamp, secondsPath, timestampPath is required")
	}
}

// staticCycles rejects loops made only of next edges. Choice rules and
// catch edges are conditional and may close a loop.
func (v *validator) staticCycles(prefix string, states StateMap) {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, states.Len())
	var stack []string
	reported := false

	var visit func(name string)
	visit = func(name string) {
		color[name] = grey
		stack = append(stack, name)
		st, ok := states.Get(name)
		if ok && st != nil && st.Next != "" {
			if _, exists := states.Get(st.Next); exists {
				switch color[st.Next] {
				case white:
					visit(st.Next)
				case grey:
					if !reported {
						cycle := append(cycleFrom(stack, st.Next), st.Next)
						v.fail(join(prefix, "states."+st.Next), "static next cycle %s", strings.Join(cycle, " -> "))
						reported = true
					}
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[name] = black
	}
	for _, name := range states.Names() {
		if color[name] == white {
			visit(name)
		}
	}
}

func cycleFrom(stack []string, start string) []string {
	for i, n := range stack {
		if n == start {
			return append([]string(nil), stack[i:]...)
		}
	}
	return nil
}

// reachability warns about states no edge can reach from the start state.
func (v *validator) reachability(prefix, startAt string, states StateMap) {
	seen := map[string]bool{startAt: true}
	queue := []string{startAt}
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		st, ok := states.Get(name)
		if !ok || st == nil {
			continue
		}
		for _, next := range Successors(st) {
			if _, exists := states.Get(next); exists && !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}
	for _, name := range states.Names() {
		if !seen[name] {
			v.warn(join(prefix, "states."+name), "state is unreachable from %q", startAt)
		}
	}
}

// Successors lists every state a state can transition to.
func Successors(st *State) []string {
	var out []string
	if st.Next != "" {
		out = append(out, st.Next)
	}
	for _, r := range st.Choices {
		out = append(out, r.Next)
	}
	if st.Default != "" {
		out = append(out, st.Default)
	}
	for _, c := range st.Catch {
		out = append(out, c.Next)
	}
	return out
}

// IsWildcard reports whether an error filter entry matches every kind.
func IsWildcard(kind string) bool {
	return kind == stepflow.ErrorKindAll || kind == stepflow.ErrorKindWildcard
}
