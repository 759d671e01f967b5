package definition

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Comparison operators accepted in a condition.
const (
	OpEqual        = "=="
	OpNotEqual     = "!="
	OpLess         = "<"
	OpLessEqual    = "<="
	OpGreater      = ">"
	OpGreaterEqual = ">="
)

var operators = map[string]bool{
	OpEqual: true, OpNotEqual: true,
	OpLess: true, OpLessEqual: true,
	OpGreater: true, OpGreaterEqual: true,
}

// Condition is either a comparison {variable, operator, value} or one of
// the combinators and/or/not.
type Condition struct {
	Variable string   `json:"variable,omitempty" yaml:"variable,omitempty"`
	Operator string   `json:"operator,omitempty" yaml:"operator,omitempty"`
	Value    *Literal `json:"value,omitempty" yaml:"value,omitempty"`

	And []Condition `json:"and,omitempty" yaml:"and,omitempty"`
	Or  []Condition `json:"or,omitempty" yaml:"or,omitempty"`
	Not *Condition  `json:"not,omitempty" yaml:"not,omitempty"`
}

// Check reports grammar errors in the condition tree.
func (c *Condition) Check() []string {
	var problems []string
	forms := 0
	if c.Variable != "" || c.Operator != "" || c.Value != nil {
		forms++
	}
	if len(c.And) > 0 {
		forms++
	}
	if len(c.Or) > 0 {
		forms++
	}
	if c.Not != nil {
		forms++
	}
	if forms != 1 {
		return []string{"condition must be exactly one of a comparison, and, or, not"}
	}

	switch {
	case len(c.And) > 0:
		for i := range c.And {
			problems = append(problems, prefixAll(fmt.Sprintf("and[%d]", i), c.And[i].Check())...)
		}
	case len(c.Or) > 0:
		for i := range c.Or {
			problems = append(problems, prefixAll(fmt.Sprintf("or[%d]", i), c.Or[i].Check())...)
		}
	case c.Not != nil:
		problems = append(problems, prefixAll("not", c.Not.Check())...)
	default:
		if _, err := ParsePath(c.Variable); err != nil {
			problems = append(problems, "variable: "+err.Error())
		}
		if !operators[c.Operator] {
			problems = append(problems, fmt.Sprintf("operator %q is not one of ==, !=, <, <=, >, >=", c.Operator))
		}
		if c.Value == nil {
			problems = append(problems, "value is required")
		}
	}
	return problems
}

func prefixAll(prefix string, msgs []string) []string {
	for i, m := range msgs {
		msgs[i] = prefix + ": " + m
	}
	return msgs
}

// Evaluate applies the condition to a decoded payload. Comparisons between
// a missing variable or mismatched types are false.
func (c *Condition) Evaluate(doc any) bool {
	switch {
	case len(c.And) > 0:
		for i := range c.And {
			if !c.And[i].Evaluate(doc) {
				return false
			}
		}
		return true
	case len(c.Or) > 0:
		for i := range c.Or {
			if c.Or[i].Evaluate(doc) {
				return true
			}
		}
		return false
	case c.Not != nil:
		return !c.Not.Evaluate(doc)
	}

	path, err := ParsePath(c.Variable)
	if err != nil || c.Value == nil {
		return false
	}
	actual, ok := path.Lookup(doc)
	if !ok {
		return false
	}
	cmp, ok := c.Value.compare(actual)
	if !ok {
		return false
	}
	switch c.Operator {
	case OpEqual:
		return cmp == 0
	case OpNotEqual:
		return cmp != 0
	case OpLess:
		return cmp < 0
	case OpLessEqual:
		return cmp <= 0
	case OpGreater:
		return cmp > 0
	case OpGreaterEqual:
		return cmp >= 0
	}
	return false
}

// ──────────────────────────────────────────────────
// Literal
// ──────────────────────────────────────────────────

// Literal is the typed right-hand side of a comparison: a number kept as
// its exact decimal text, or a string.
type Literal struct {
	Number bool
	Text   string
}

// NumberLiteral returns a numeric literal. It panics on malformed text.
func NumberLiteral(text string) *Literal {
	if _, ok := parseDecimal(text); !ok {
		panic(fmt.Sprintf("definition: invalid number literal %q", text))
	}
	return &Literal{Number: true, Text: text}
}

// StringLiteral returns a string literal.
func StringLiteral(s string) *Literal { return &Literal{Text: s} }

// compare orders actual relative to the literal (actual <=> literal).
func (l *Literal) compare(actual any) (int, bool) {
	if l.Number {
		var text string
		switch v := actual.(type) {
		case json.Number:
			text = v.String()
		case float64:
			text = strconv.FormatFloat(v, 'g', -1, 64)
		default:
			return 0, false
		}
		a, ok := parseDecimal(text)
		if !ok {
			return 0, false
		}
		b, ok := parseDecimal(l.Text)
		if !ok {
			return 0, false
		}
		return a.cmp(b), true
	}
	s, ok := actual.(string)
	if !ok {
		return 0, false
	}
	return strings.Compare(s, l.Text), true
}

// MarshalJSON writes numbers verbatim and strings quoted.
func (l Literal) MarshalJSON() ([]byte, error) {
	if l.Number {
		return []byte(l.Text), nil
	}
	return json.Marshal(l.Text)
}

// UnmarshalJSON accepts a JSON number or string.
func (l *Literal) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*l = Literal{Text: s}
		return nil
	}
	text := string(data)
	if _, ok := parseDecimal(text); !ok || !json.Valid(data) {
		return fmt.Errorf("condition value %s must be a number or a string", text)
	}
	*l = Literal{Number: true, Text: text}
	return nil
}

// MarshalYAML writes the literal as a scalar node.
func (l Literal) MarshalYAML() (any, error) {
	if l.Number {
		return &yaml.Node{Kind: yaml.ScalarNode, Value: l.Text}, nil
	}
	return l.Text, nil
}

// UnmarshalYAML accepts a numeric or string scalar.
func (l *Literal) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: condition value must be a number or a string", node.Line)
	}
	switch node.ShortTag() {
	case "!!str":
		*l = Literal{Text: node.Value}
	case "!!int", "!!float":
		raw, err := nodeToJSON(node)
		if err != nil {
			return err
		}
		*l = Literal{Number: true, Text: string(raw)}
	default:
		return fmt.Errorf("line %d: condition value must be a number or a string", node.Line)
	}
	return nil
}
