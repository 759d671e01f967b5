// Package definition models workflow definitions: an immutable, versioned
// graph of named states expressed as a tagged union over state kinds.
//
// Definitions are authored in YAML or JSON, parsed with Parse, checked with
// Validate, and made available to the engine through a Registry that
// assigns versions and persists accepted definitions. A definition that
// fails validation can never be used to start an execution.
//
//	name: order
//	startAt: Charge
//	states:
//	  Charge:
//	    type: Task
//	    handler: charge-card
//	    timeoutSeconds: 30
//	    retry:
//	      - errorEquals: ["*"]
//	        intervalSeconds: 1
//	        backoffRate: 2
//	        maxAttempts: 3
//	    next: Route
//	  Route:
//	    type: Choice
//	    choices:
//	      - variable: $.amount
//	        operator: ">="
//	        value: 100
//	        next: HighValue
//	    default: Standard
//	  HighValue: {type: Succeed}
//	  Standard: {type: Succeed}
package definition
