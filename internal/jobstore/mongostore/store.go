// Package mongostore implements jobstore.Store against MongoDB, the
// backend spec.md §6.4 names as DB_BACKEND=mongodb. No example repo in the
// retrieved pack carries a Mongo driver (documented in DESIGN.md); the
// atomic-claim and CAS-update idioms below follow the same shape as
// sqlitestore's GORM transactions, translated to findOneAndUpdate.
package mongostore

import (
	"context"
	"encoding/json"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/nimbuschain/fetch/internal/jobstore"
	"github.com/nimbuschain/fetch/internal/model"
)

type Store struct {
	client   *mongo.Client
	jobs     *mongo.Collection
	events   *mongo.Collection
	results  *mongo.Collection
	counters *mongo.Collection
}

// Open connects to uri and selects dbName, indexing the collections
// spec.md §6.2 requires.
func Open(ctx context.Context, uri, dbName string) (*Store, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	if err := client.Ping(ctx, nil); err != nil {
		return nil, err
	}

	db := client.Database(dbName)
	s := &Store{
		client:   client,
		jobs:     db.Collection("jobs"),
		events:   db.Collection("job_events"),
		results:  db.Collection("job_results"),
		counters: db.Collection("counters"),
	}

	if err := s.ensureIndexes(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.jobs.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "state", Value: 1}, {Key: "created_at", Value: 1}}},
		{Keys: bson.D{{Key: "provider", Value: 1}, {Key: "created_at", Value: 1}}},
	})
	if err != nil {
		return err
	}
	_, err = s.events.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "id", Value: 1}}},
		{Keys: bson.D{{Key: "job_id", Value: 1}, {Key: "id", Value: 1}}},
	})
	return err
}

func (s *Store) Close() error {
	return s.client.Disconnect(context.Background())
}

type jobDoc struct {
	JobID           string     `bson:"job_id"`
	JobType         string     `bson:"job_type"`
	Provider        string     `bson:"provider"`
	Collection      string     `bson:"collection"`
	RequestJSON     string     `bson:"request_json"`
	State           string     `bson:"state"`
	Progress        float64    `bson:"progress"`
	BytesDownloaded int64      `bson:"bytes_downloaded"`
	BytesTotal      *int64     `bson:"bytes_total,omitempty"`
	OwnerToken      string     `bson:"owner_token"`
	Attempt         int        `bson:"attempt"`
	ErrorsJSON      string     `bson:"errors_json"`
	CreatedAt       time.Time  `bson:"created_at"`
	StartedAt       *time.Time `bson:"started_at,omitempty"`
	FinishedAt      *time.Time `bson:"finished_at,omitempty"`
	LastHeartbeatAt *time.Time `bson:"last_heartbeat_at,omitempty"`
}

type eventDoc struct {
	ID          int64     `bson:"id"`
	JobID       string    `bson:"job_id"`
	Type        string    `bson:"type"`
	Timestamp   time.Time `bson:"timestamp"`
	PayloadJSON string    `bson:"payload_json"`
}

type resultDoc struct {
	JobID      string    `bson:"job_id"`
	ResultJSON string    `bson:"result_json"`
	UpdatedAt  time.Time `bson:"updated_at"`
}

// nextEventID atomically increments the shared counter document, the
// Mongo analog of sqlitestore's autoincrement primary key (spec.md §4.1
// "shared counter row / autoincrement / sequence document").
func (s *Store) nextEventID(ctx context.Context) (int64, error) {
	res := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": "job_events"},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	)
	var doc struct {
		Seq int64 `bson:"seq"`
	}
	if err := res.Decode(&doc); err != nil {
		return 0, err
	}
	return doc.Seq, nil
}

func (s *Store) appendEvent(ctx context.Context, jobID, eventType string, payload any, ts time.Time) (int64, error) {
	id, err := s.nextEventID(ctx)
	if err != nil {
		return 0, err
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	_, err = s.events.InsertOne(ctx, eventDoc{ID: id, JobID: jobID, Type: eventType, Timestamp: ts, PayloadJSON: string(payloadJSON)})
	if err != nil {
		return 0, err
	}
	return id, nil
}

func (s *Store) CreateJob(ctx context.Context, req model.JobRequest) (string, error) {
	reqJSON, err := model.EncodeJobRequest(req)
	if err != nil {
		return "", err
	}
	jobID := newJobID()
	now := time.Now().UTC()

	doc := jobDoc{
		JobID:       jobID,
		JobType:     string(req.GetJobType()),
		Provider:    req.GetProvider(),
		Collection:  req.GetCollection(),
		RequestJSON: string(reqJSON),
		State:       string(model.JobQueued),
		Attempt:     1,
		ErrorsJSON:  "[]",
		CreatedAt:   now,
	}
	if _, err := s.jobs.InsertOne(ctx, doc); err != nil {
		return "", err
	}
	if _, err := s.appendEvent(ctx, jobID, model.EventJobQueued, map[string]any{"state": model.JobQueued}, now); err != nil {
		return "", err
	}
	return jobID, nil
}

func (s *Store) ClaimNext(ctx context.Context, workerID string, providers []string) (*model.Job, error) {
	filter := bson.M{"state": string(model.JobQueued)}
	if len(providers) > 0 {
		filter["provider"] = bson.M{"$in": providers}
	}
	now := time.Now().UTC()

	res := s.jobs.FindOneAndUpdate(ctx, filter,
		bson.M{"$set": bson.M{
			"state":             string(model.JobRunning),
			"owner_token":       workerID,
			"started_at":        now,
			"last_heartbeat_at": now,
		}},
		options.FindOneAndUpdate().
			SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "job_id", Value: 1}}).
			SetReturnDocument(options.After),
	)

	var doc jobDoc
	if err := res.Decode(&doc); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, jobstore.ErrNotFound
		}
		return nil, err
	}

	if _, err := s.appendEvent(ctx, doc.JobID, model.EventJobStarted, map[string]any{"state": model.JobRunning}, now); err != nil {
		return nil, err
	}
	return docToJob(&doc)
}

func (s *Store) Heartbeat(ctx context.Context, jobID, workerID string) (bool, error) {
	res, err := s.jobs.UpdateOne(ctx, bson.M{
		"job_id":      jobID,
		"owner_token": workerID,
		"state":       bson.M{"$in": []string{string(model.JobRunning), string(model.JobCancelRequested)}},
	}, bson.M{"$set": bson.M{"last_heartbeat_at": time.Now().UTC()}})
	if err != nil {
		return false, err
	}
	return res.ModifiedCount > 0, nil
}

func (s *Store) UpdateProgress(ctx context.Context, jobID, workerID string, bytesDownloaded int64, bytesTotal *int64, progress *float64) (bool, error) {
	set := bson.M{"bytes_downloaded": bytesDownloaded}
	if bytesTotal != nil {
		set["bytes_total"] = *bytesTotal
	}
	if progress != nil {
		set["progress"] = *progress
	}
	res, err := s.jobs.UpdateOne(ctx, bson.M{
		"job_id":      jobID,
		"owner_token": workerID,
		"state":       bson.M{"$in": []string{string(model.JobRunning), string(model.JobCancelRequested)}},
	}, bson.M{"$set": set})
	if err != nil {
		return false, err
	}
	return res.ModifiedCount > 0, nil
}

func (s *Store) RequestCancel(ctx context.Context, jobID string) (jobstore.ClaimOutcome, error) {
	now := time.Now().UTC()

	var doc jobDoc
	if err := s.jobs.FindOne(ctx, bson.M{"job_id": jobID}).Decode(&doc); err != nil {
		if err == mongo.ErrNoDocuments {
			return jobstore.CancelUnknown, nil
		}
		return jobstore.CancelUnknown, err
	}

	switch model.JobState(doc.State) {
	case model.JobQueued:
		res, err := s.jobs.UpdateOne(ctx, bson.M{"job_id": jobID, "state": string(model.JobQueued)},
			bson.M{"$set": bson.M{"state": string(model.JobCancelled), "finished_at": now, "owner_token": ""}})
		if err != nil {
			return jobstore.CancelUnknown, err
		}
		if res.ModifiedCount == 0 {
			return jobstore.CancelAlreadyTerminal, nil
		}
		if _, err := s.appendEvent(ctx, jobID, model.EventJobCancelled, map[string]any{"reason": "cancelled_while_queued"}, now); err != nil {
			return jobstore.CancelUnknown, err
		}
		return jobstore.CancelApplied, nil
	case model.JobRunning:
		res, err := s.jobs.UpdateOne(ctx, bson.M{"job_id": jobID, "state": string(model.JobRunning)},
			bson.M{"$set": bson.M{"state": string(model.JobCancelRequested)}})
		if err != nil {
			return jobstore.CancelUnknown, err
		}
		if res.ModifiedCount == 0 {
			return jobstore.CancelAlreadyTerminal, nil
		}
		if _, err := s.appendEvent(ctx, jobID, model.EventJobCancelRequested, map[string]any{"state": model.JobCancelRequested}, now); err != nil {
			return jobstore.CancelUnknown, err
		}
		return jobstore.CancelApplied, nil
	default:
		return jobstore.CancelAlreadyTerminal, nil
	}
}

func (s *Store) Finish(ctx context.Context, jobID, workerID string, outcome jobstore.Outcome) (bool, error) {
	now := time.Now().UTC()
	errsJSON, err := json.Marshal(outcome.Errors)
	if err != nil {
		return false, err
	}

	set := bson.M{
		"state":       string(outcome.State),
		"finished_at": now,
		"owner_token": "",
		"errors_json": string(errsJSON),
	}
	if outcome.State == model.JobSucceeded {
		set["progress"] = 100.0
	}

	res, err := s.jobs.UpdateOne(ctx, bson.M{
		"job_id":      jobID,
		"owner_token": workerID,
		"state":       bson.M{"$in": []string{string(model.JobRunning), string(model.JobCancelRequested)}},
	}, bson.M{"$set": set})
	if err != nil {
		return false, err
	}
	if res.ModifiedCount == 0 {
		return false, nil
	}

	var evtType string
	payload := map[string]any{"status": outcome.State}
	switch outcome.State {
	case model.JobSucceeded:
		evtType = model.EventJobSucceeded
	case model.JobFailed:
		evtType = model.EventJobFailed
		if len(outcome.Errors) > 0 {
			payload["error"] = outcome.Errors[0].Message
		}
	case model.JobCancelled:
		evtType = model.EventJobCancelled
	}
	if evtType != "" {
		if _, err := s.appendEvent(ctx, jobID, evtType, payload, now); err != nil {
			return false, err
		}
	}

	if outcome.State == model.JobSucceeded && outcome.Result != nil {
		resultJSON, err := json.Marshal(outcome.Result)
		if err != nil {
			return false, err
		}
		_, err = s.results.UpdateOne(ctx, bson.M{"job_id": jobID},
			bson.M{"$set": resultDoc{JobID: jobID, ResultJSON: string(resultJSON), UpdatedAt: now}},
			options.Update().SetUpsert(true))
		if err != nil {
			return false, err
		}
	}
	return true, nil
}

func (s *Store) AppendEvent(ctx context.Context, jobID, eventType string, payload any) (int64, error) {
	return s.appendEvent(ctx, jobID, eventType, payload, time.Now().UTC())
}

func (s *Store) RequeueIncomplete(ctx context.Context, staleBefore *time.Time) (int, error) {
	filter := bson.M{"state": bson.M{"$in": []string{string(model.JobRunning), string(model.JobCancelRequested)}}}
	if staleBefore != nil {
		filter["$or"] = []bson.M{
			{"last_heartbeat_at": bson.M{"$lt": *staleBefore}},
			{"last_heartbeat_at": nil},
		}
	}

	cur, err := s.jobs.Find(ctx, filter)
	if err != nil {
		return 0, err
	}
	defer cur.Close(ctx)

	now := time.Now().UTC()
	count := 0
	for cur.Next(ctx) {
		var doc jobDoc
		if err := cur.Decode(&doc); err != nil {
			return count, err
		}
		_, err := s.jobs.UpdateOne(ctx, bson.M{"job_id": doc.JobID}, bson.M{"$set": bson.M{
			"state":       string(model.JobQueued),
			"owner_token": "",
			"attempt":     doc.Attempt + 1,
		}})
		if err != nil {
			return count, err
		}
		if _, err := s.appendEvent(ctx, doc.JobID, model.EventJobRequeuedRestart, map[string]any{"reason": "stale_or_restart"}, now); err != nil {
			return count, err
		}
		count++
	}
	return count, cur.Err()
}

func (s *Store) ReleaseBackToQueue(ctx context.Context, jobID, workerID string) (bool, error) {
	res, err := s.jobs.UpdateOne(ctx, bson.M{
		"job_id":      jobID,
		"owner_token": workerID,
		"state":       string(model.JobRunning),
	}, bson.M{"$set": bson.M{"state": string(model.JobQueued), "owner_token": ""}, "$unset": bson.M{"started_at": ""}})
	if err != nil {
		return false, err
	}
	return res.ModifiedCount > 0, nil
}

func (s *Store) ListJobs(ctx context.Context, filter jobstore.ListFilters) ([]*model.Job, int, error) {
	q := bson.M{}
	if filter.State != "" {
		q["state"] = string(filter.State)
	}
	if filter.Provider != "" {
		q["provider"] = filter.Provider
	}
	if filter.DateFrom != nil || filter.DateTo != nil {
		createdAt := bson.M{}
		if filter.DateFrom != nil {
			createdAt["$gte"] = *filter.DateFrom
		}
		if filter.DateTo != nil {
			createdAt["$lte"] = *filter.DateTo
		}
		q["created_at"] = createdAt
	}

	total, err := s.jobs.CountDocuments(ctx, q)
	if err != nil {
		return nil, 0, err
	}

	page := filter.Page
	if page < 1 {
		page = 1
	}
	pageSize := filter.PageSize
	if pageSize < 1 {
		pageSize = 20
	}

	cur, err := s.jobs.Find(ctx, q, options.Find().
		SetSort(bson.D{{Key: "created_at", Value: -1}, {Key: "job_id", Value: 1}}).
		SetSkip(int64((page-1)*pageSize)).
		SetLimit(int64(pageSize)))
	if err != nil {
		return nil, 0, err
	}
	defer cur.Close(ctx)

	var jobs []*model.Job
	for cur.Next(ctx) {
		var doc jobDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, 0, err
		}
		j, err := docToJob(&doc)
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, j)
	}
	return jobs, int(total), cur.Err()
}

func (s *Store) GetJob(ctx context.Context, jobID string) (*model.Job, error) {
	var doc jobDoc
	if err := s.jobs.FindOne(ctx, bson.M{"job_id": jobID}).Decode(&doc); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, jobstore.ErrNotFound
		}
		return nil, err
	}
	return docToJob(&doc)
}

func (s *Store) GetResult(ctx context.Context, jobID string) (*model.JobResult, error) {
	var doc resultDoc
	if err := s.results.FindOne(ctx, bson.M{"job_id": jobID}).Decode(&doc); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, jobstore.ErrNotFound
		}
		return nil, err
	}
	var result model.JobResult
	if err := json.Unmarshal([]byte(doc.ResultJSON), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *Store) ListEvents(ctx context.Context, scope jobstore.EventScope, since int64, limit int) ([]*model.JobEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 200
	}
	q := bson.M{"id": bson.M{"$gt": since}}
	if scope.JobID != "" {
		q["job_id"] = scope.JobID
	}

	cur, err := s.events.Find(ctx, q, options.Find().SetSort(bson.D{{Key: "id", Value: 1}}).SetLimit(int64(limit)))
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var events []*model.JobEvent
	for cur.Next(ctx) {
		var doc eventDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, err
		}
		events = append(events, &model.JobEvent{
			ID:        doc.ID,
			JobID:     doc.JobID,
			Type:      doc.Type,
			Timestamp: doc.Timestamp,
			Payload:   json.RawMessage(doc.PayloadJSON),
		})
	}
	return events, cur.Err()
}

func docToJob(doc *jobDoc) (*model.Job, error) {
	req, err := model.DecodeStoredJobRequest([]byte(doc.RequestJSON))
	if err != nil {
		return nil, err
	}
	var errs []model.JobError
	if err := json.Unmarshal([]byte(doc.ErrorsJSON), &errs); err != nil {
		return nil, err
	}
	return &model.Job{
		JobID:           doc.JobID,
		Request:         req,
		State:           model.JobState(doc.State),
		Progress:        doc.Progress,
		BytesDownloaded: doc.BytesDownloaded,
		BytesTotal:      doc.BytesTotal,
		CreatedAt:       doc.CreatedAt,
		StartedAt:       doc.StartedAt,
		FinishedAt:      doc.FinishedAt,
		LastHeartbeatAt: doc.LastHeartbeatAt,
		OwnerToken:      doc.OwnerToken,
		Attempt:         doc.Attempt,
		Errors:          errs,
	}, nil
}
