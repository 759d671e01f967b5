package audithook

// Audit event actions. Each constant corresponds to one ext lifecycle hook
// and becomes the Action field of the audit event.
const (
	ActionExecutionStarted   = "execution.started"
	ActionExecutionSucceeded = "execution.succeeded"
	ActionExecutionFailed    = "execution.failed"
	ActionExecutionStopped   = "execution.stopped"
	ActionTaskScheduled      = "task.scheduled"
	ActionTaskSucceeded      = "task.succeeded"
	ActionTaskFailed         = "task.failed"
	ActionTaskRetrying       = "task.retrying"
	ActionScheduleFired      = "schedule.fired"
)

// Audit event categories group related actions.
const (
	CategoryExecution = "stepflow.execution"
	CategoryTask      = "stepflow.task"
	CategorySchedule  = "stepflow.schedule"
)

// Resource types used as the Resource field in audit events.
const (
	ResourceExecution = "execution"
	ResourceSchedule  = "schedule_entry"
)

// AllActions returns every action this extension can emit.
func AllActions() []string {
	return []string{
		ActionExecutionStarted,
		ActionExecutionSucceeded,
		ActionExecutionFailed,
		ActionExecutionStopped,
		ActionTaskScheduled,
		ActionTaskSucceeded,
		ActionTaskFailed,
		ActionTaskRetrying,
		ActionScheduleFired,
	}
}
