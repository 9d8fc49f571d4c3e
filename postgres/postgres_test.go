package postgres

import (
	"context"
	"fmt"
	"net/url"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ory/dockertest/v3"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wallacedb/wallace"
)

func TestMigrateEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping docker-backed test in short mode")
	}

	pool, teardown, err := setup()
	defer teardown()
	require.NoError(t, err)

	db := New(pool)
	m, err := wallace.New(db, db, wallace.WithMigrations([]*wallace.MigrationScript{
		{
			Name:      "create_foo",
			Timestamp: 1,
			Up:        execStmt("CREATE TABLE foo (id SERIAL)"),
			Down:      execStmt("DROP TABLE foo"),
		},
		{
			Name:      "add_bar",
			Timestamp: 2,
			Up:        execStmt("ALTER TABLE foo ADD bar TEXT"),
			Down:      execStmt("ALTER TABLE foo DROP COLUMN bar"),
		},
	}))
	require.NoError(t, err)

	result, err := m.MigrateAll(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Len(t, result.Executed, 2)

	info, err := m.Info(context.Background())
	require.NoError(t, err)
	require.Len(t, info, 2)
	assert.Equal(t, wallace.Applied, info[0].Status)
	assert.Equal(t, wallace.Applied, info[1].Status)

	// A second run has nothing to do.
	result, err = m.MigrateAll(context.Background())
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Empty(t, result.Executed)

	// The lock is released between runs.
	status, err := m.LockStatus(context.Background())
	require.NoError(t, err)
	assert.False(t, status.IsLocked)

	require.NoError(t, m.RollbackToVersion(context.Background(), 1))
	info, err = m.Info(context.Background())
	require.NoError(t, err)
	assert.Equal(t, wallace.Applied, info[0].Status)
	assert.Equal(t, wallace.Pending, info[1].Status)
}

func TestMigrateInvalidSQLRollsBack(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping docker-backed test in short mode")
	}

	pool, teardown, err := setup()
	defer teardown()
	require.NoError(t, err)

	db := New(pool)
	m, err := wallace.New(db, db,
		wallace.WithMigrations([]*wallace.MigrationScript{
			{
				Name:      "create_foo",
				Timestamp: 1,
				Up:        execStmt("CREATE TABLE foo (id SERIAL)"),
				Down:      execStmt("DROP TABLE foo"),
			},
			{
				Name:      "broken",
				Timestamp: 2,
				Up:        execStmt("CREATE haehfj // TABLE --foo (id SERIAL)"),
				Down:      execStmt("SELECT 1"),
			},
		}),
		wallace.WithRollbackStrategy(wallace.RollbackDown),
	)
	require.NoError(t, err)

	result, err := m.MigrateAll(context.Background())
	require.NoError(t, err)
	assert.False(t, result.Success)
	assert.Error(t, result.Errors)

	// The failed script never gets a tracking record.
	migrated, err := db.AllMigrated(context.Background())
	require.NoError(t, err)
	assert.Len(t, migrated, 1)

	var exists bool
	err = pool.QueryRow(context.Background(),
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_name = 'foo')`).
		Scan(&exists)
	require.NoError(t, err)
	assert.False(t, exists)
}

type stubTx struct {
	pgx.Tx
	commitErrs []error
	commits    int
}

func (t *stubTx) Commit(ctx context.Context) error {
	t.commits++
	if len(t.commitErrs) == 0 {
		return nil
	}
	err := t.commitErrs[0]
	t.commitErrs = t.commitErrs[1:]
	return err
}

func TestCommitKeepsTransactionOnRetriableFailure(t *testing.T) {
	tx := &stubTx{commitErrs: []error{
		errors.New("ERROR: could not serialize access due to concurrent update"),
	}}
	db := New(nil)
	db.tx = tx

	require.Error(t, db.Commit(context.Background()))
	// The handle survives so a retried commit reaches the same transaction.
	assert.NotNil(t, db.tx)

	require.NoError(t, db.Commit(context.Background()))
	assert.Nil(t, db.tx)
	assert.Equal(t, 2, tx.commits)
}

func TestCommitClearsTransactionOnNonRetriableFailure(t *testing.T) {
	tx := &stubTx{commitErrs: []error{
		errors.New("ERROR: duplicate key value violates unique constraint"),
	}}
	db := New(nil)
	db.tx = tx

	require.Error(t, db.Commit(context.Background()))
	assert.Nil(t, db.tx)
	assert.Equal(t, 1, tx.commits)
}

func execStmt(stmt string) wallace.MigrationFunc {
	return func(ctx context.Context, db wallace.Database) error {
		executor, ok := db.(wallace.SQLExecutor)
		if !ok {
			return errors.New("database handle cannot execute raw SQL")
		}
		return executor.Exec(ctx, stmt)
	}
}

func setup() (*pgxpool.Pool, func() error, error) {
	dockerPool, err := dockertest.NewPool("")
	if err != nil {
		return nil, func() error {
			return nil
		}, errors.Errorf("Could not connect to docker: %s", err)
	}

	resource, err := dockerPool.Run("postgres", "latest", []string{"POSTGRES_PASSWORD=admin", "POSTGRES_DB=test"})
	if err != nil {
		return nil, func() error {
			return nil
		}, errors.Errorf("Could not start resource: %s", err)
	}
	_ = resource.Expire(120) // Tell docker to hard kill the container in 120 seconds
	var pool *pgxpool.Pool
	if err := dockerPool.Retry(func() error {
		var err error
		pool, err = pgxpool.New(context.Background(), (&url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword("postgres", "admin"),
			Host:     fmt.Sprintf("localhost:%s", resource.GetPort("5432/tcp")),
			Path:     "test",
			RawQuery: "sslmode=disable&timezone=UTC",
		}).String())
		if err != nil {
			return errors.WithStack(err)
		}
		return pool.Ping(context.Background())
	}); err != nil {
		return nil, func() error {
			return nil
		}, errors.Errorf("Could not connect to docker: %s", err)
	}
	return pool, func() error {
		if err := dockerPool.Purge(resource); err != nil {
			return errors.Errorf("Could not purge resource: %s", err)
		}
		return nil
	}, nil
}
