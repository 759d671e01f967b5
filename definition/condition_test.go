package definition_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/xraph/stepflow/definition"
)

func decode(t *testing.T, s string) any {
	t.Helper()
	v, err := definition.DecodeJSON(json.RawMessage(s))
	if err != nil {
		t.Fatalf("DecodeJSON: %v", err)
	}
	return v
}

func TestCondition_Evaluate(t *testing.T) {
	num := definition.NumberLiteral
	str := definition.StringLiteral

	tests := []struct {
		name  string
		cond  definition.Condition
		input string
		want  bool
	}{
		{"ge true", definition.Condition{Variable: "$.amount", Operator: ">=", Value: num("100")}, `{"amount":150}`, true},
		{"ge false", definition.Condition{Variable: "$.amount", Operator: ">=", Value: num("100")}, `{"amount":50}`, false},
		{"ge equal", definition.Condition{Variable: "input.amount", Operator: ">=", Value: num("100")}, `{"amount":100.0}`, true},
		{"lt", definition.Condition{Variable: "$.n", Operator: "<", Value: num("0.3")}, `{"n":0.1}`, true},
		{"le", definition.Condition{Variable: "$.n", Operator: "<=", Value: num("1")}, `{"n":2}`, false},
		{"gt big", definition.Condition{Variable: "$.n", Operator: ">", Value: num("9007199254740992")}, `{"n":9007199254740993}`, true},
		{"eq string", definition.Condition{Variable: "$.status", Operator: "==", Value: str("SUCCESS")}, `{"status":"SUCCESS"}`, true},
		{"ne string", definition.Condition{Variable: "$.status", Operator: "!=", Value: str("SUCCESS")}, `{"status":"FAILED"}`, true},
		{"string order", definition.Condition{Variable: "$.name", Operator: "<", Value: str("m")}, `{"name":"alpha"}`, true},
		{"nested", definition.Condition{Variable: "$.user.tier", Operator: "==", Value: str("gold")}, `{"user":{"tier":"gold"}}`, true},
		{"index", definition.Condition{Variable: "$.items[1]", Operator: "==", Value: num("7")}, `{"items":[3,7]}`, true},
		{"missing", definition.Condition{Variable: "$.amount", Operator: "==", Value: num("1")}, `{}`, false},
		{"type mismatch", definition.Condition{Variable: "$.amount", Operator: "==", Value: str("1")}, `{"amount":1}`, false},
		{"and", definition.Condition{And: []definition.Condition{
			{Variable: "$.a", Operator: ">", Value: num("1")},
			{Variable: "$.b", Operator: "==", Value: str("x")},
		}}, `{"a":2,"b":"x"}`, true},
		{"or", definition.Condition{Or: []definition.Condition{
			{Variable: "$.a", Operator: ">", Value: num("10")},
			{Variable: "$.b", Operator: "==", Value: str("x")},
		}}, `{"a":2,"b":"x"}`, true},
		{"not", definition.Condition{Not: &definition.Condition{Variable: "$.a", Operator: "==", Value: num("2")}}, `{"a":2}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.cond.Evaluate(decode(t, tt.input)); got != tt.want {
				t.Errorf("Evaluate = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCondition_Deterministic(t *testing.T) {
	c := definition.Condition{Variable: "$.amount", Operator: ">=", Value: definition.NumberLiteral("100")}
	doc := decode(t, `{"amount":150}`)
	first := c.Evaluate(doc)
	for range 100 {
		if c.Evaluate(doc) != first {
			t.Fatal("evaluation is not deterministic")
		}
	}
}

func TestCondition_Check(t *testing.T) {
	bad := definition.Condition{
		Variable: "$.a",
		Operator: ">",
		Value:    definition.NumberLiteral("1"),
		Or:       []definition.Condition{{Variable: "$.b", Operator: "==", Value: definition.StringLiteral("x")}},
	}
	if len(bad.Check()) == 0 {
		t.Error("mixing a comparison with or must be rejected")
	}

	missingValue := definition.Condition{Variable: "$.a", Operator: ">"}
	if len(missingValue.Check()) == 0 {
		t.Error("missing value must be rejected")
	}
}

func TestLiteral_JSON(t *testing.T) {
	var l definition.Literal
	if err := json.Unmarshal([]byte(`1.50`), &l); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if !l.Number || l.Text != "1.50" {
		t.Errorf("literal = %+v", l)
	}
	out, _ := json.Marshal(l)
	if string(out) != "1.50" {
		t.Errorf("Marshal = %s, want 1.50", out)
	}
	if err := json.Unmarshal([]byte(`true`), &l); err == nil {
		t.Error("boolean literal must be rejected")
	}
}

func TestCondition_ExtremeExponents(t *testing.T) {
	num := definition.NumberLiteral

	tests := []struct {
		name  string
		op    string
		value string
		input string
		want  bool
	}{
		{"huge positive", ">", "100", `{"n":1e9999999}`, true},
		{"huge negative", "<", "-100", `{"n":-1e9999999}`, true},
		{"tiny positive", "<", "0.001", `{"n":1e-9999999}`, true},
		{"tiny above zero", ">", "0", `{"n":1e-9999999}`, true},
		{"huge equal", "==", "1e9999999", `{"n":10e9999998}`, true},
		{"huge ordered", "<", "2e9999999", `{"n":1.5e9999999}`, true},
		{"zero forms", "==", "0", `{"n":-0.000e500}`, true},
		{"trailing zeros", "==", "1.50", `{"n":1.5}`, true},
		{"leading zeros", "==", "0.05", `{"n":5e-2}`, true},
		{"negative order", "<", "-1.5", `{"n":-2}`, true},
		{"exponent overflow", "==", "1", `{"n":1e99999999999999999999}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cond := definition.Condition{Variable: "$.n", Operator: tt.op, Value: num(tt.value)}
			input := decode(t, tt.input)

			start := time.Now()
			got := cond.Evaluate(input)
			if elapsed := time.Since(start); elapsed > time.Second {
				t.Errorf("Evaluate took %v", elapsed)
			}
			if got != tt.want {
				t.Errorf("Evaluate = %v, want %v", got, tt.want)
			}
		})
	}
}
