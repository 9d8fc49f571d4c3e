// Package mongo adapts a mongo-driver client to the wallace capability set:
// connection check, provider-managed (callback) transactions, the
// schema-version tracking collection, and the distributed executor lock
// backed by a single lock document.
package mongo

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"

	"github.com/wallacedb/wallace"
)

const lockDocID = "migration-lock"

type record struct {
	Version     int64     `bson:"version"`
	Name        string    `bson:"name"`
	Checksum    string    `bson:"checksum,omitempty"`
	Username    string    `bson:"username,omitempty"`
	AppliedAt   time.Time `bson:"applied_at"`
	ExecutionMs int64     `bson:"execution_ms"`
}

type lockDoc struct {
	ID        string    `bson:"_id"`
	LockedBy  string    `bson:"locked_by"`
	LockedAt  time.Time `bson:"locked_at"`
	ExpiresAt time.Time `bson:"expires_at"`
}

// DB is the database handle handed to wallace.New. It implements Database,
// CallbackTransactionCapable, LockingCapable, and TrackingStore.
type DB struct {
	client *mongo.Client
	db     *mongo.Database
	logger *zap.Logger

	trackCollection string
	lockCollection  string
	lockTimeout     time.Duration
}

type Option func(*DB)

// WithLogger replaces the default no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(d *DB) { d.logger = logger }
}

// WithLockCollection sets the executor-lock collection name.
func WithLockCollection(name string) Option {
	return func(d *DB) { d.lockCollection = name }
}

// WithLockTimeout sets the lock expiry written on acquisition.
func WithLockTimeout(timeout time.Duration) Option {
	return func(d *DB) { d.lockTimeout = timeout }
}

// New wraps an existing client and target database. The client stays owned
// by the caller.
func New(client *mongo.Client, database string, opts ...Option) *DB {
	d := &DB{
		client:         client,
		db:             client.Database(database),
		logger:         zap.NewNop(),
		lockCollection: "migration_lock",
		lockTimeout:    10 * time.Minute,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// CheckConnection pings the server.
func (d *DB) CheckConnection(ctx context.Context) error {
	return errors.WithStack(d.client.Ping(ctx, nil))
}

// RunTransaction executes fn inside one provider-managed transaction. The
// driver commits on success and aborts on error; transient transaction
// errors surface to the caller for batch-level retry.
func (d *DB) RunTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	session, err := d.client.StartSession()
	if err != nil {
		return errors.WithStack(err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(sc mongo.SessionContext) (interface{}, error) {
		return nil, fn(sc)
	})
	return errors.WithStack(err)
}

// Init records the tracking collection name and ensures a unique index on
// the version field.
func (d *DB) Init(ctx context.Context, tableName string) error {
	d.trackCollection = tableName
	_, err := d.db.Collection(tableName).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "version", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	return errors.WithStack(err)
}

// Save inserts one execution record.
func (d *DB) Save(ctx context.Context, script *wallace.MigrationScript) error {
	if d.trackCollection == "" {
		return errors.New("tracking store not initialized")
	}
	_, err := d.db.Collection(d.trackCollection).InsertOne(ctx, record{
		Version:     script.Timestamp,
		Name:        script.Name,
		Checksum:    script.Checksum,
		Username:    script.Username,
		AppliedAt:   script.StartedAt,
		ExecutionMs: script.FinishedAt.Sub(script.StartedAt).Milliseconds(),
	})
	return errors.WithMessage(err, "insert record failed")
}

// Remove deletes the record for one timestamp.
func (d *DB) Remove(ctx context.Context, timestamp int64) error {
	if d.trackCollection == "" {
		return errors.New("tracking store not initialized")
	}
	_, err := d.db.Collection(d.trackCollection).
		DeleteOne(ctx, bson.M{"version": timestamp})
	return errors.WithStack(err)
}

// AllMigrated returns every execution record in ascending version order.
func (d *DB) AllMigrated(ctx context.Context) ([]*wallace.MigrationScript, error) {
	if d.trackCollection == "" {
		return nil, nil
	}
	cursor, err := d.db.Collection(d.trackCollection).
		Find(ctx, bson.M{}, options.Find().SetSort(bson.D{{Key: "version", Value: 1}}))
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer cursor.Close(ctx)

	var migrated []*wallace.MigrationScript
	for cursor.Next(ctx) {
		var rec record
		if err := cursor.Decode(&rec); err != nil {
			return nil, errors.WithStack(err)
		}
		migrated = append(migrated, &wallace.MigrationScript{
			Name:       rec.Name,
			Timestamp:  rec.Version,
			Checksum:   rec.Checksum,
			Username:   rec.Username,
			StartedAt:  rec.AppliedAt,
			FinishedAt: rec.AppliedAt.Add(time.Duration(rec.ExecutionMs) * time.Millisecond),
			Result:     "OK",
		})
	}
	return migrated, errors.WithStack(cursor.Err())
}

// AcquireLock inserts the single lock document. The fixed _id makes the
// insert atomic: a second executor gets a duplicate-key error.
func (d *DB) AcquireLock(ctx context.Context, executorID string) (bool, error) {
	now := time.Now()
	_, err := d.db.Collection(d.lockCollection).InsertOne(ctx, lockDoc{
		ID:        lockDocID,
		LockedBy:  executorID,
		LockedAt:  now,
		ExpiresAt: now.Add(d.lockTimeout),
	})
	if mongo.IsDuplicateKeyError(err) {
		return false, nil
	}
	if err != nil {
		return false, errors.WithStack(err)
	}
	return true, nil
}

// VerifyLockOwnership re-reads the lock document and compares the holder.
func (d *DB) VerifyLockOwnership(ctx context.Context, executorID string) (bool, error) {
	var doc lockDoc
	err := d.db.Collection(d.lockCollection).
		FindOne(ctx, bson.M{"_id": lockDocID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return false, nil
	}
	if err != nil {
		return false, errors.WithStack(err)
	}
	return doc.LockedBy == executorID, nil
}

// ReleaseLock deletes the lock document only while still owned.
func (d *DB) ReleaseLock(ctx context.Context, executorID string) error {
	res, err := d.db.Collection(d.lockCollection).
		DeleteOne(ctx, bson.M{"_id": lockDocID, "locked_by": executorID})
	if err != nil {
		return errors.WithStack(err)
	}
	if res.DeletedCount == 0 {
		return errors.Errorf("lock no longer owned by %s", executorID)
	}
	return nil
}

// ForceReleaseLock unconditionally deletes the lock document.
func (d *DB) ForceReleaseLock(ctx context.Context) error {
	_, err := d.db.Collection(d.lockCollection).
		DeleteOne(ctx, bson.M{"_id": lockDocID})
	return errors.WithStack(err)
}

// GetLockStatus returns the current holder, or nil when unlocked.
func (d *DB) GetLockStatus(ctx context.Context) (*wallace.LockStatus, error) {
	var doc lockDoc
	err := d.db.Collection(d.lockCollection).
		FindOne(ctx, bson.M{"_id": lockDocID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &wallace.LockStatus{
		IsLocked:  true,
		LockedBy:  doc.LockedBy,
		LockedAt:  doc.LockedAt,
		ExpiresAt: doc.ExpiresAt,
	}, nil
}

// CheckAndReleaseExpiredLock deletes the lock document once its expiry has
// passed.
func (d *DB) CheckAndReleaseExpiredLock(ctx context.Context) error {
	res, err := d.db.Collection(d.lockCollection).
		DeleteOne(ctx, bson.M{"_id": lockDocID, "expires_at": bson.M{"$lt": time.Now()}})
	if err != nil {
		return errors.WithStack(err)
	}
	if res.DeletedCount > 0 {
		d.logger.Warn("released expired migration lock")
	}
	return nil
}
