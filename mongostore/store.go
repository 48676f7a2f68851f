// Package mongostore implements the task repository on a MongoDB
// collection. Every contended transition is one FindOneAndUpdate with the
// pre- or post-image returned in the same round trip; log and side-effect
// appends are $push updates.
package mongostore

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/schedoc/schedoc-go"
)

// Store implements schedoc.TaskStore on a mongo collection.
type Store struct {
	coll *mongo.Collection
}

// New creates a Store over db.<collection>. An empty collection defaults
// to "tasks".
func New(db *mongo.Database, collection string) *Store {
	if collection == "" {
		collection = "tasks"
	}
	return &Store{coll: db.Collection(collection)}
}

// Collection exposes the underlying collection for operator tooling.
func (s *Store) Collection() *mongo.Collection { return s.coll }

// EnsureIndexes creates the compound (status, scheduledAt) index the claim
// query and the sweeper scan.
func (s *Store) EnsureIndexes(ctx context.Context) error {
	_, err := s.coll.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "status", Value: 1}, {Key: "scheduledAt", Value: 1}},
	})
	return err
}

// Insert persists a new record.
func (s *Store) Insert(ctx context.Context, t *schedoc.Task) error {
	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = now
	}
	_, err := s.coll.InsertOne(ctx, t)
	return err
}

// FindByID loads one record by id.
func (s *Store) FindByID(ctx context.Context, id string) (*schedoc.Task, error) {
	return s.findOne(ctx, bson.M{"_id": id})
}

// FindOne loads the first record matching the filter in scheduledAt order.
func (s *Store) FindOne(ctx context.Context, f schedoc.TaskFilter) (*schedoc.Task, error) {
	return s.findOne(ctx, buildFilter(f), options.FindOne().SetSort(sortByScheduledAt))
}

func (s *Store) findOne(ctx context.Context, filter bson.M, opts ...*options.FindOneOptions) (*schedoc.Task, error) {
	var t schedoc.Task
	err := s.coll.FindOne(ctx, filter, opts...).Decode(&t)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, schedoc.ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// FindMany loads all records matching the filter in scheduledAt order.
func (s *Store) FindMany(ctx context.Context, f schedoc.TaskFilter) ([]*schedoc.Task, error) {
	cur, err := s.coll.Find(ctx, buildFilter(f), options.Find().SetSort(sortByScheduledAt))
	if err != nil {
		return nil, err
	}
	var out []*schedoc.Task
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateOneAndReturn atomically applies the update to the first record
// matching the filter and returns the pre- or post-image.
func (s *Store) UpdateOneAndReturn(ctx context.Context, f schedoc.TaskFilter, u schedoc.TaskUpdate, ret schedoc.ReturnDoc) (*schedoc.Task, error) {
	retDoc := options.After
	if ret == schedoc.ReturnBefore {
		retDoc = options.Before
	}
	var t schedoc.Task
	err := s.coll.FindOneAndUpdate(ctx, buildFilter(f), buildUpdate(u),
		options.FindOneAndUpdate().SetReturnDocument(retDoc).SetSort(sortByScheduledAt),
	).Decode(&t)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, schedoc.ErrTaskNotFound
	}
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// PushLog appends one log entry to a record.
func (s *Store) PushLog(ctx context.Context, id string, e schedoc.LogEntry) error {
	return s.push(ctx, id, "logs", e)
}

// PushSideEffect appends one side-effect entry to a record.
func (s *Store) PushSideEffect(ctx context.Context, id string, e schedoc.SideEffect) error {
	return s.push(ctx, id, "sideEffects", e)
}

func (s *Store) push(ctx context.Context, id, field string, entry any) error {
	res, err := s.coll.UpdateByID(ctx, id, bson.M{
		"$push":        bson.M{field: entry},
		"$currentDate": bson.M{"updatedAt": true},
	})
	if err != nil {
		return err
	}
	if res.MatchedCount == 0 {
		return schedoc.ErrTaskNotFound
	}
	return nil
}

// DeleteMany removes matching records. Test helper.
func (s *Store) DeleteMany(ctx context.Context, f schedoc.TaskFilter) (int64, error) {
	res, err := s.coll.DeleteMany(ctx, buildFilter(f))
	if err != nil {
		return 0, err
	}
	return res.DeletedCount, nil
}

var sortByScheduledAt = bson.D{{Key: "scheduledAt", Value: 1}}

func buildFilter(f schedoc.TaskFilter) bson.M {
	filter := bson.M{}
	if f.ID != "" {
		filter["_id"] = f.ID
	}
	if f.Name != "" {
		filter["name"] = f.Name
	}
	if len(f.NameIn) > 0 {
		filter["name"] = bson.M{"$in": f.NameIn}
	}
	if f.Status != "" {
		filter["status"] = f.Status
	}
	if f.ScheduledAtBefore != nil {
		filter["scheduledAt"] = bson.M{"$lte": *f.ScheduledAtBefore}
	}
	if f.TimeoutAtBefore != nil {
		filter["timeoutAt"] = bson.M{"$lte": *f.TimeoutAtBefore}
	}
	return filter
}

func buildUpdate(u schedoc.TaskUpdate) bson.M {
	set := bson.M{}
	if u.Status != "" {
		set["status"] = u.Status
	}
	if u.StartedRunningAt != nil {
		set["startedRunningAt"] = *u.StartedRunningAt
	}
	if u.FinishedRunningAt != nil {
		set["finishedRunningAt"] = *u.FinishedRunningAt
	}
	if u.TimeoutAt != nil {
		set["timeoutAt"] = *u.TimeoutAt
	}
	if u.CancelledAt != nil {
		set["cancelledAt"] = *u.CancelledAt
	}
	if u.NextScheduledAt != nil {
		set["nextScheduledAt"] = *u.NextScheduledAt
	}
	if u.WorkerName != "" {
		set["workerName"] = u.WorkerName
	}
	if u.Error != nil {
		set["error"] = u.Error
	}
	if u.SetResult {
		set["result"] = u.Result
	}
	return bson.M{
		"$set":         set,
		"$currentDate": bson.M{"updatedAt": true},
	}
}

var _ schedoc.TaskStore = (*Store)(nil)
