// Package resumeindex is a small durable pointer store backed by MongoDB:
// trajectory_id -> last snapshotted part, latest commit, winner status. It
// lets resume short-circuit a full trace.parquet download when only a cheap
// "has this run already won" check is needed. Adapted from
// features/session/mongo/clients/mongo/client.go's collection-wrapper/index
// style, translated to the mongo-driver/v2 API surface.
package resumeindex

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	mongodriver "go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/readpref"
)

const (
	defaultCollection = "trajectory_resume_pointers"
	defaultOpTimeout  = 5 * time.Second
	clientName        = "resumeindex-mongo"
)

// Pointer is the durable resume state tracked for one trajectory.
type Pointer struct {
	TrajectoryID string    `bson:"trajectory_id"`
	LastPart     int       `bson:"last_part"`
	LatestCommit string    `bson:"latest_commit"`
	Won          bool      `bson:"won"`
	UpdatedAt    time.Time `bson:"updated_at"`
}

// Index is the contract cmd/trajectoryd's resume path consults before
// falling back to a full tracestore.Load.
type Index interface {
	Ping(ctx context.Context) error
	Upsert(ctx context.Context, p Pointer) error
	Get(ctx context.Context, trajectoryID string) (Pointer, bool, error)
}

// Options configures the Mongo-backed Index.
type Options struct {
	Client     *mongodriver.Client
	Database   string
	Collection string
	Timeout    time.Duration
}

type mongoIndex struct {
	coll    *mongodriver.Collection
	timeout time.Duration
}

// New returns an Index backed by MongoDB, creating its unique index on
// trajectory_id if absent.
func New(opts Options) (Index, error) {
	if opts.Client == nil {
		return nil, errors.New("resumeindex: mongo client is required")
	}
	if opts.Database == "" {
		return nil, errors.New("resumeindex: database name is required")
	}
	collName := opts.Collection
	if collName == "" {
		collName = defaultCollection
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultOpTimeout
	}
	coll := opts.Client.Database(opts.Database).Collection(collName)

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	index := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "trajectory_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := coll.Indexes().CreateOne(ctx, index); err != nil {
		return nil, err
	}
	return &mongoIndex{coll: coll, timeout: timeout}, nil
}

func (m *mongoIndex) Name() string { return clientName }

func (m *mongoIndex) Ping(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}
	return m.coll.Database().Client().Ping(ctx, readpref.Primary())
}

// Upsert writes p, replacing any prior pointer for the same trajectory.
func (m *mongoIndex) Upsert(ctx context.Context, p Pointer) error {
	opCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	p.UpdatedAt = time.Now().UTC()
	_, err := m.coll.UpdateOne(
		opCtx,
		bson.D{{Key: "trajectory_id", Value: p.TrajectoryID}},
		bson.D{{Key: "$set", Value: p}},
		options.UpdateOne().SetUpsert(true),
	)
	return err
}

// Get returns the pointer for trajectoryID, ok=false if none exists.
func (m *mongoIndex) Get(ctx context.Context, trajectoryID string) (Pointer, bool, error) {
	opCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	var p Pointer
	err := m.coll.FindOne(opCtx, bson.D{{Key: "trajectory_id", Value: trajectoryID}}).Decode(&p)
	if errors.Is(err, mongodriver.ErrNoDocuments) {
		return Pointer{}, false, nil
	}
	if err != nil {
		return Pointer{}, false, err
	}
	return p, true, nil
}
