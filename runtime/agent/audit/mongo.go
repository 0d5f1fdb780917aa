package audit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"goa.design/deskagent/runtime/agent"
)

const (
	defaultStepsCollection       = "audit_steps"
	defaultCheckpointsCollection = "audit_checkpoints"
	defaultMongoTimeout          = 5 * time.Second
)

// MongoOptions configures a Mongo-backed Log.
type MongoOptions struct {
	Client                *mongodriver.Client
	Database              string
	StepsCollection       string
	CheckpointsCollection string
	Timeout               time.Duration
	Filter                SensitiveFilter
}

// Mongo is a durable Log backed by MongoDB. Steps are appended to a
// capped-order collection keyed by (run_id, seq); checkpoints are
// upserted keyed by task_id so LatestCheckpoint is always a single
// point lookup.
type Mongo struct {
	coll      stepCollection
	cpColl    checkpointCollection
	timeout   time.Duration
	filter    SensitiveFilter
}

// NewMongo constructs a Mongo-backed Log and ensures its indexes exist.
func NewMongo(ctx context.Context, opts MongoOptions) (*Mongo, error) {
	if opts.Client == nil {
		return nil, errors.New("audit: mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("audit: database name is required")
	}
	stepsName := opts.StepsCollection
	if stepsName == "" {
		stepsName = defaultStepsCollection
	}
	cpName := opts.CheckpointsCollection
	if cpName == "" {
		cpName = defaultCheckpointsCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultMongoTimeout
	}
	filter := opts.Filter
	if filter == nil {
		filter = RedactingFilter
	}

	db := opts.Client.Database(opts.Database)
	steps := mongoStepCollection{coll: db.Collection(stepsName)}
	checkpoints := mongoCheckpointCollection{coll: db.Collection(cpName)}

	ictx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := ensureStepIndexes(ictx, steps); err != nil {
		return nil, err
	}

	return &Mongo{coll: steps, cpColl: checkpoints, timeout: timeout, filter: filter}, nil
}

func (m *Mongo) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	if m.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, m.timeout)
}

// Append implements Log.
func (m *Mongo) Append(ctx context.Context, runID string, r agent.StepRecord) error {
	if runID == "" {
		return ErrRunIDRequired
	}
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	doc := stepDocument{RunID: runID, Seq: r.StepIndex, Record: toRecordDoc(r)}
	_, err := m.coll.InsertOne(ctx, doc)
	return err
}

// List implements Log.
func (m *Mongo) List(ctx context.Context, runID string, cursor string, limit int) (Page, error) {
	if runID == "" {
		return Page{}, ErrRunIDRequired
	}
	if limit <= 0 {
		return Page{}, ErrInvalidLimit
	}
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"run_id": runID}
	if cursor != "" {
		var after int
		if _, err := parseCursor(cursor, &after); err != nil {
			return Page{}, err
		}
		filter["seq"] = bson.M{"$gt": after}
	}
	docs, err := m.coll.Find(ctx, filter, limit+1)
	if err != nil {
		return Page{}, err
	}

	var next string
	if len(docs) > limit {
		docs = docs[:limit]
		// there is more; cursor on the last returned seq lets the
		// caller ask again without re-reading it.
		next = formatCursor(docs[len(docs)-1].Seq)
	}

	records := make([]agent.StepRecord, len(docs))
	for i, d := range docs {
		records[i] = m.filter(fromRecordDoc(d.Record))
	}
	return Page{Records: records, NextCursor: next}, nil
}

// Recent implements Log.
func (m *Mongo) Recent(ctx context.Context, runID string, k int) ([]agent.StepRecord, error) {
	if runID == "" {
		return nil, ErrRunIDRequired
	}
	if k <= 0 {
		return nil, ErrInvalidLimit
	}
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	docs, err := m.coll.FindLastN(ctx, bson.M{"run_id": runID}, k)
	if err != nil {
		return nil, err
	}
	out := make([]agent.StepRecord, len(docs))
	for i, d := range docs {
		out[i] = m.filter(fromRecordDoc(d.Record))
	}
	return out, nil
}

// Checkpoint implements Log.
func (m *Mongo) Checkpoint(ctx context.Context, c agent.Checkpoint) error {
	if c.TaskID == "" {
		return errors.New("audit: checkpoint task id is required")
	}
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	filter := bson.M{"task_id": string(c.TaskID)}
	update := bson.M{"$set": checkpointDocument{
		TaskID:              string(c.TaskID),
		MilestoneID:         string(c.MilestoneID),
		StepIndex:           c.StepIndex,
		ActiveMemoryIDs:     c.ActiveMemoryIDs,
		ConsecutiveFailures: c.ConsecutiveFailures,
		Timestamp:           c.Timestamp.UTC(),
	}}
	return m.cpColl.Upsert(ctx, filter, update)
}

// LatestCheckpoint implements Log.
func (m *Mongo) LatestCheckpoint(ctx context.Context, taskID agent.TaskID) (agent.Checkpoint, bool, error) {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()

	doc, found, err := m.cpColl.FindOne(ctx, bson.M{"task_id": string(taskID)})
	if err != nil || !found {
		return agent.Checkpoint{}, false, err
	}
	return agent.Checkpoint{
		TaskID:              agent.TaskID(doc.TaskID),
		MilestoneID:         agent.MilestoneID(doc.MilestoneID),
		StepIndex:           doc.StepIndex,
		ActiveMemoryIDs:     doc.ActiveMemoryIDs,
		ConsecutiveFailures: doc.ConsecutiveFailures,
		Timestamp:           doc.Timestamp,
	}, true, nil
}

type stepDocument struct {
	RunID  string     `bson:"run_id"`
	Seq    int        `bson:"seq"`
	Record recordDoc  `bson:"record"`
}

type recordDoc struct {
	Observation string    `bson:"observation"`
	Reasoning   string    `bson:"reasoning"`
	ActionKind  string    `bson:"action_kind"`
	ActionText  string    `bson:"action_text,omitempty"`
	ActionDoc   bson.Raw  `bson:"action,omitempty"`
	Confidence  float64   `bson:"confidence"`
	Timestamp   time.Time `bson:"timestamp"`
	SecretTags  []string  `bson:"secret_tags,omitempty"`
	ErrKind     string    `bson:"err_kind,omitempty"`
	ErrMessage  string    `bson:"err_message,omitempty"`
	ErrRetry    bool      `bson:"err_retryable,omitempty"`
}

type checkpointDocument struct {
	TaskID              string    `bson:"task_id"`
	MilestoneID         string    `bson:"milestone_id"`
	StepIndex           int       `bson:"step_index"`
	ActiveMemoryIDs     []string  `bson:"active_memory_ids"`
	ConsecutiveFailures int       `bson:"consecutive_failures"`
	Timestamp           time.Time `bson:"timestamp"`
}

func toRecordDoc(r agent.StepRecord) recordDoc {
	d := recordDoc{
		Observation: r.Observation,
		Reasoning:   r.Reasoning,
		ActionKind:  string(r.Action.Kind),
		ActionText:  r.Action.Text,
		Confidence:  r.Confidence,
		Timestamp:   r.Timestamp.UTC(),
	}
	for _, tag := range r.SecretTags {
		d.SecretTags = append(d.SecretTags, string(tag))
	}
	if r.Err != nil {
		d.ErrKind = r.Err.Kind
		d.ErrMessage = r.Err.Message
		d.ErrRetry = r.Err.Retryable
	}
	return d
}

func fromRecordDoc(d recordDoc) agent.StepRecord {
	r := agent.StepRecord{
		Observation: d.Observation,
		Reasoning:   d.Reasoning,
		Action:      agent.ActionRecord{Kind: agent.ActionKind(d.ActionKind), Text: d.ActionText},
		Confidence:  d.Confidence,
		Timestamp:   d.Timestamp,
	}
	for _, tag := range d.SecretTags {
		r.SecretTags = append(r.SecretTags, agent.SecretTag(tag))
	}
	if d.ErrKind != "" {
		r.Err = &agent.StepError{Kind: d.ErrKind, Message: d.ErrMessage, Retryable: d.ErrRetry}
	}
	return r
}

func parseCursor(cursor string, out *int) (int, error) {
	n, err := strconv.Atoi(cursor)
	if err != nil {
		return 0, fmt.Errorf("audit: invalid cursor %q: %w", cursor, err)
	}
	*out = n
	return n, nil
}

func formatCursor(n int) string {
	return strconv.Itoa(n)
}

func ensureStepIndexes(ctx context.Context, coll stepCollection) error {
	return coll.EnsureIndex(ctx, bson.D{{Key: "run_id", Value: 1}, {Key: "seq", Value: 1}})
}

type stepCollection interface {
	InsertOne(ctx context.Context, doc stepDocument) (any, error)
	Find(ctx context.Context, filter bson.M, limit int) ([]stepDocument, error)
	FindLastN(ctx context.Context, filter bson.M, n int) ([]stepDocument, error)
	EnsureIndex(ctx context.Context, keys bson.D) error
}

type checkpointCollection interface {
	Upsert(ctx context.Context, filter bson.M, update bson.M) error
	FindOne(ctx context.Context, filter bson.M) (checkpointDocument, bool, error)
}

type mongoStepCollection struct {
	coll *mongodriver.Collection
}

func (c mongoStepCollection) InsertOne(ctx context.Context, doc stepDocument) (any, error) {
	return c.coll.InsertOne(ctx, doc)
}

func (c mongoStepCollection) Find(ctx context.Context, filter bson.M, limit int) ([]stepDocument, error) {
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: 1}}).SetLimit(int64(limit))
	cur, err := c.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var docs []stepDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	return docs, nil
}

func (c mongoStepCollection) FindLastN(ctx context.Context, filter bson.M, n int) ([]stepDocument, error) {
	opts := options.Find().SetSort(bson.D{{Key: "seq", Value: -1}}).SetLimit(int64(n))
	cur, err := c.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)
	var docs []stepDocument
	if err := cur.All(ctx, &docs); err != nil {
		return nil, err
	}
	// reverse to oldest-first
	for i, j := 0, len(docs)-1; i < j; i, j = i+1, j-1 {
		docs[i], docs[j] = docs[j], docs[i]
	}
	return docs, nil
}

func (c mongoStepCollection) EnsureIndex(ctx context.Context, keys bson.D) error {
	_, err := c.coll.Indexes().CreateOne(ctx, mongodriver.IndexModel{Keys: keys})
	return err
}

type mongoCheckpointCollection struct {
	coll *mongodriver.Collection
}

func (c mongoCheckpointCollection) Upsert(ctx context.Context, filter bson.M, update bson.M) error {
	_, err := c.coll.UpdateOne(ctx, filter, update, options.UpdateOne().SetUpsert(true))
	return err
}

func (c mongoCheckpointCollection) FindOne(ctx context.Context, filter bson.M) (checkpointDocument, bool, error) {
	var doc checkpointDocument
	err := c.coll.FindOne(ctx, filter).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return checkpointDocument{}, false, nil
		}
		return checkpointDocument{}, false, err
	}
	return doc, true, nil
}
