package relayhook

// Lifecycle event types. Each constant maps to one ext lifecycle hook and
// is used as Event.Type when publishing.
const (
	EventExecutionStarted   = "stepflow.execution.started"
	EventExecutionSucceeded = "stepflow.execution.succeeded"
	EventExecutionFailed    = "stepflow.execution.failed"
	EventExecutionStopped   = "stepflow.execution.stopped"
	EventTaskSucceeded      = "stepflow.task.succeeded"
	EventTaskFailed         = "stepflow.task.failed"
	EventTaskRetrying       = "stepflow.task.retrying"
	EventScheduleFired      = "stepflow.schedule.fired"
)

// Definition documents one event type for consumers of the relay channel.
type Definition struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Group       string `json:"group"`
}

// AllDefinitions returns definitions for every event type the extension
// publishes.
func AllDefinitions() []Definition {
	return []Definition{
		// ── Execution events ────────────────────────────
		{
			Name:        EventExecutionStarted,
			Description: "Fired when an execution is created and queued.",
			Group:       "executions",
		},
		{
			Name:        EventExecutionSucceeded,
			Description: "Fired when an execution reaches a Succeed state or an end transition.",
			Group:       "executions",
		},
		{
			Name:        EventExecutionFailed,
			Description: "Fired when an execution reaches a Fail state or an error propagates.",
			Group:       "executions",
		},
		{
			Name:        EventExecutionStopped,
			Description: "Fired when an execution is stopped through the Control API.",
			Group:       "executions",
		},
		// ── Task events ─────────────────────────────────
		{
			Name:        EventTaskSucceeded,
			Description: "Fired when a worker reports success for a live task token.",
			Group:       "tasks",
		},
		{
			Name:        EventTaskFailed,
			Description: "Fired when a live task fails or times out.",
			Group:       "tasks",
		},
		{
			Name:        EventTaskRetrying,
			Description: "Fired when a failed task is scheduled for another attempt.",
			Group:       "tasks",
		},
		// ── Schedule events ─────────────────────────────
		{
			Name:        EventScheduleFired,
			Description: "Fired when a schedule entry starts an execution.",
			Group:       "schedules",
		},
	}
}
