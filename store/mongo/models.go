package mongo

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/xraph/stepflow/definition"
	"github.com/xraph/stepflow/execution"
	"github.com/xraph/stepflow/schedule"
)

// ── Definition model ──────────────────────────────────────────────

type definitionModel struct {
	ID        string    `bson:"_id"`
	Name      string    `bson:"name"`
	Version   int       `bson:"version"`
	Body      []byte    `bson:"body"`
	CreatedAt time.Time `bson:"created_at"`
}

func toDefinitionModel(def *definition.Definition) (*definitionModel, error) {
	body, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("encode definition: %w", err)
	}
	created := def.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	return &definitionModel{
		ID:        def.Name + "@" + strconv.Itoa(def.Version),
		Name:      def.Name,
		Version:   def.Version,
		Body:      body,
		CreatedAt: created,
	}, nil
}

func fromDefinitionModel(m *definitionModel) (*definition.Definition, error) {
	var def definition.Definition
	if err := json.Unmarshal(m.Body, &def); err != nil {
		return nil, fmt.Errorf("decode definition %s: %w", m.ID, err)
	}
	return &def, nil
}

// ── Execution model ───────────────────────────────────────────────

type executionModel struct {
	ID             string    `bson:"_id"`
	Name           string    `bson:"name"`
	DefinitionName string    `bson:"definition_name"`
	ParentID       string    `bson:"parent_id"`
	Status         string    `bson:"status"`
	LastSeq        int64     `bson:"last_seq"`
	StartedAt      time.Time `bson:"started_at"`
	Body           []byte    `bson:"body"`
}

func toExecutionModel(exec *execution.Execution) (*executionModel, error) {
	body, err := json.Marshal(exec)
	if err != nil {
		return nil, fmt.Errorf("encode execution: %w", err)
	}
	parent := ""
	if exec.IsChild() {
		parent = exec.ParentID.String()
	}
	return &executionModel{
		ID:             exec.ID.String(),
		Name:           exec.Name,
		DefinitionName: exec.DefinitionName,
		ParentID:       parent,
		Status:         string(exec.Status),
		LastSeq:        exec.LastSeq,
		StartedAt:      exec.StartedAt,
		Body:           body,
	}, nil
}

func fromExecutionModel(m *executionModel) (*execution.Execution, error) {
	var exec execution.Execution
	if err := json.Unmarshal(m.Body, &exec); err != nil {
		return nil, fmt.Errorf("decode execution %s: %w", m.ID, err)
	}
	return &exec, nil
}

// ── Event model ───────────────────────────────────────────────────

type eventModel struct {
	ExecutionID string `bson:"execution_id"`
	Seq         int64  `bson:"seq"`
	Kind        string `bson:"kind"`
	Token       string `bson:"token,omitempty"`
	Body        []byte `bson:"body"`
}

func toEventModel(ev *execution.Event) (*eventModel, error) {
	body, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode event %d: %w", ev.Seq, err)
	}
	m := &eventModel{
		ExecutionID: ev.ExecutionID.String(),
		Seq:         ev.Seq,
		Kind:        string(ev.Kind),
		Body:        body,
	}
	if ev.Kind == execution.KindTaskScheduled {
		m.Token = ev.Token
	}
	return m, nil
}

func fromEventModel(m *eventModel) (*execution.Event, error) {
	var ev execution.Event
	if err := json.Unmarshal(m.Body, &ev); err != nil {
		return nil, fmt.Errorf("decode event %s/%d: %w", m.ExecutionID, m.Seq, err)
	}
	return &ev, nil
}

// ── Checkpoint model ──────────────────────────────────────────────

type checkpointModel struct {
	ExecutionID string    `bson:"_id"`
	Seq         int64     `bson:"seq"`
	State       []byte    `bson:"state"`
	CreatedAt   time.Time `bson:"created_at"`
}

// ── Schedule model ────────────────────────────────────────────────

type scheduleModel struct {
	ID          string     `bson:"_id"`
	Name        string     `bson:"name"`
	Body        []byte     `bson:"body"`
	LockedBy    string     `bson:"locked_by"`
	LockedUntil *time.Time `bson:"locked_until"`
}

// toScheduleModel keeps the lock out of the body; it lives in its own
// fields so AcquireScheduleLock can match on it.
func toScheduleModel(e *schedule.Entry) (*scheduleModel, error) {
	cp := *e
	cp.LockedBy = ""
	cp.LockedUntil = nil
	body, err := json.Marshal(&cp)
	if err != nil {
		return nil, fmt.Errorf("encode schedule: %w", err)
	}
	return &scheduleModel{
		ID:          e.ID.String(),
		Name:        e.Name,
		Body:        body,
		LockedBy:    e.LockedBy,
		LockedUntil: e.LockedUntil,
	}, nil
}

func fromScheduleModel(m *scheduleModel) (*schedule.Entry, error) {
	var e schedule.Entry
	if err := json.Unmarshal(m.Body, &e); err != nil {
		return nil, fmt.Errorf("decode schedule %s: %w", m.ID, err)
	}
	if m.LockedBy != "" {
		e.LockedBy = m.LockedBy
		if m.LockedUntil != nil {
			until := m.LockedUntil.UTC()
			e.LockedUntil = &until
		}
	}
	return &e, nil
}
