package mongo

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/xraph/stepflow"
	"github.com/xraph/stepflow/id"
	"github.com/xraph/stepflow/schedule"
)

// CreateSchedule persists a new entry. Names are unique.
func (s *Store) CreateSchedule(ctx context.Context, entry *schedule.Entry) error {
	m, err := toScheduleModel(entry)
	if err != nil {
		return fmt.Errorf("stepflow/mongo: %w", err)
	}
	if _, err := s.col(colSchedules).InsertOne(ctx, m); err != nil {
		if isDuplicateKey(err) {
			return stepflow.ErrDuplicateSchedule
		}
		return fmt.Errorf("stepflow/mongo: create schedule: %w", err)
	}
	return nil
}

// GetSchedule retrieves an entry by ID.
func (s *Store) GetSchedule(ctx context.Context, entryID id.ScheduleID) (*schedule.Entry, error) {
	var m scheduleModel
	err := s.col(colSchedules).FindOne(ctx, bson.D{{Key: "_id", Value: entryID.String()}}).Decode(&m)
	if err != nil {
		if isNoDocuments(err) {
			return nil, stepflow.ErrScheduleNotFound
		}
		return nil, fmt.Errorf("stepflow/mongo: get schedule: %w", err)
	}
	e, err := fromScheduleModel(&m)
	if err != nil {
		return nil, fmt.Errorf("stepflow/mongo: %w", err)
	}
	return e, nil
}

// ListSchedules returns all entries ordered by name.
func (s *Store) ListSchedules(ctx context.Context) ([]*schedule.Entry, error) {
	cursor, err := s.col(colSchedules).Find(ctx, bson.D{},
		options.Find().SetSort(bson.D{{Key: "name", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("stepflow/mongo: list schedules: %w", err)
	}
	var models []scheduleModel
	if err := cursor.All(ctx, &models); err != nil {
		return nil, fmt.Errorf("stepflow/mongo: list schedules: %w", err)
	}

	result := make([]*schedule.Entry, 0, len(models))
	for i := range models {
		e, err := fromScheduleModel(&models[i])
		if err != nil {
			return nil, fmt.Errorf("stepflow/mongo: %w", err)
		}
		result = append(result, e)
	}
	return result, nil
}

// AcquireScheduleLock takes the firing lock when it is free, expired or
// already held by workerID.
func (s *Store) AcquireScheduleLock(ctx context.Context, entryID id.ScheduleID, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	now := time.Now().UTC()
	until := now.Add(ttl)
	res, err := s.col(colSchedules).UpdateOne(ctx,
		bson.D{
			{Key: "_id", Value: entryID.String()},
			{Key: "$or", Value: bson.A{
				bson.D{{Key: "locked_by", Value: ""}},
				bson.D{{Key: "locked_by", Value: workerID.String()}},
				bson.D{{Key: "locked_until", Value: nil}},
				bson.D{{Key: "locked_until", Value: bson.D{{Key: "$lte", Value: now}}}},
			}},
		},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "locked_by", Value: workerID.String()},
			{Key: "locked_until", Value: until},
		}}},
	)
	if err != nil {
		return false, fmt.Errorf("stepflow/mongo: acquire schedule lock: %w", err)
	}
	if res.MatchedCount > 0 {
		return true, nil
	}
	if _, err := s.GetSchedule(ctx, entryID); err != nil {
		return false, err
	}
	return false, nil
}

// ReleaseScheduleLock releases the firing lock held by workerID.
func (s *Store) ReleaseScheduleLock(ctx context.Context, entryID id.ScheduleID, workerID id.WorkerID) error {
	_, err := s.col(colSchedules).UpdateOne(ctx,
		bson.D{{Key: "_id", Value: entryID.String()}, {Key: "locked_by", Value: workerID.String()}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "locked_by", Value: ""},
			{Key: "locked_until", Value: nil},
		}}},
	)
	if err != nil {
		return fmt.Errorf("stepflow/mongo: release schedule lock: %w", err)
	}
	return nil
}

// UpdateSchedule replaces an entry. Lock fields are kept.
func (s *Store) UpdateSchedule(ctx context.Context, entry *schedule.Entry) error {
	cp := *entry
	cp.UpdatedAt = time.Now().UTC()
	m, err := toScheduleModel(&cp)
	if err != nil {
		return fmt.Errorf("stepflow/mongo: %w", err)
	}
	res, err := s.col(colSchedules).UpdateOne(ctx,
		bson.D{{Key: "_id", Value: m.ID}},
		bson.D{{Key: "$set", Value: bson.D{
			{Key: "name", Value: m.Name},
			{Key: "body", Value: m.Body},
		}}},
	)
	if err != nil {
		if isDuplicateKey(err) {
			return stepflow.ErrDuplicateSchedule
		}
		return fmt.Errorf("stepflow/mongo: update schedule: %w", err)
	}
	if res.MatchedCount == 0 {
		return stepflow.ErrScheduleNotFound
	}
	return nil
}

// DeleteSchedule removes an entry by ID.
func (s *Store) DeleteSchedule(ctx context.Context, entryID id.ScheduleID) error {
	res, err := s.col(colSchedules).DeleteOne(ctx, bson.D{{Key: "_id", Value: entryID.String()}})
	if err != nil {
		return fmt.Errorf("stepflow/mongo: delete schedule: %w", err)
	}
	if res.DeletedCount == 0 {
		return stepflow.ErrScheduleNotFound
	}
	return nil
}
