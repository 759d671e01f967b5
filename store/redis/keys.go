package redis

// Redis key naming conventions for stepflow data.
// All keys are prefixed with "stepflow:" to avoid collisions.

const keyPrefix = "stepflow:"

// ── Definition keys ──

// definitionKey returns the Hash of versions for a definition:
// stepflow:def:{name}, field = version.
func definitionKey(name string) string { return keyPrefix + "def:" + name }

// definitionVersionsKey returns the Sorted Set of versions scored by number.
func definitionVersionsKey(name string) string { return keyPrefix + "def_versions:" + name }

// definitionNamesKey is the Set tracking all definition names.
const definitionNamesKey = keyPrefix + "def_names"

// ── Execution keys ──

// executionKey returns the head record: stepflow:exec:{id}
func executionKey(id string) string { return keyPrefix + "exec:" + id }

// eventsKey returns the List holding an execution's event log.
func eventsKey(id string) string { return keyPrefix + "events:" + id }

// checkpointKey returns the latest checkpoint of an execution.
func checkpointKey(id string) string { return keyPrefix + "checkpoint:" + id }

// executionsKey is the Sorted Set of all executions scored by start time.
const executionsKey = keyPrefix + "execs"

// pendingKey is the Sorted Set of RUNNING executions scored by start time.
const pendingKey = keyPrefix + "pending"

// executionNamesKey maps "{definition}/{name}" to top-level execution IDs.
const executionNamesKey = keyPrefix + "exec_names"

// tokensKey maps task tokens to execution IDs.
const tokensKey = keyPrefix + "tokens"

// ── Schedule keys ──

// scheduleKey returns the key for a schedule entry: stepflow:schedule:{id}
func scheduleKey(id string) string { return keyPrefix + "schedule:" + id }

// scheduleIDsKey is the Set tracking all schedule IDs.
const scheduleIDsKey = keyPrefix + "schedule_ids"

// scheduleNamesKey maps schedule names to IDs for duplicate detection.
const scheduleNamesKey = keyPrefix + "schedule_names"
