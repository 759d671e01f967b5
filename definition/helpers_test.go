package definition_test

import (
	"testing"

	"github.com/xraph/stepflow"
	"github.com/xraph/stepflow/definition"
)

func mustParse(t *testing.T, src string) *definition.Definition {
	t.Helper()
	def, err := definition.Parse([]byte(src))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return def
}

func fatalErrors(errs []stepflow.ValidationError) []stepflow.ValidationError {
	var out []stepflow.ValidationError
	for _, e := range errs {
		if !e.Warning {
			out = append(out, e)
		}
	}
	return out
}

const orderYAML = `
name: order
startAt: Charge
states:
  Charge:
    type: Task
    handler: charge-card
    timeoutSeconds: 30
    retry:
      - errorEquals: [CardDeclined]
        intervalSeconds: 1
        backoffRate: 2
        maxAttempts: 3
    catch:
      - errorEquals: ["*"]
        next: Refund
        resultPath: $.error
    next: Route
  Route:
    type: Choice
    choices:
      - variable: $.amount
        operator: ">="
        value: 100
        next: HighValue
    default: Standard
  HighValue:
    type: Succeed
  Standard:
    type: Succeed
  Refund:
    type: Fail
    error: ChargeFailed
    cause: card could not be charged
`
