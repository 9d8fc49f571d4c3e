package main

import (
	"context"
	"net/url"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/wallacedb/wallace"
	"github.com/wallacedb/wallace/postgres"
)

var migrations = []*wallace.MigrationScript{{
	Name:      "20240101120000_create_posts",
	Timestamp: 20240101120000,
	Up: func(ctx context.Context, db wallace.Database) error {
		return db.(wallace.SQLExecutor).Exec(ctx, `CREATE TABLE posts (
	id 		BIGINT GENERATED ALWAYS AS IDENTITY,
	title 	VARCHAR(255),
	PRIMARY KEY (id)
 );`)
	},
	Down: func(ctx context.Context, db wallace.Database) error {
		return db.(wallace.SQLExecutor).Exec(ctx, "DROP TABLE posts;")
	},
}, {
	Name:      "20240102090000_add_body",
	Timestamp: 20240102090000,
	Up: func(ctx context.Context, db wallace.Database) error {
		return db.(wallace.SQLExecutor).Exec(ctx, "ALTER TABLE posts ADD COLUMN body TEXT;")
	},
	Down: func(ctx context.Context, db wallace.Database) error {
		return db.(wallace.SQLExecutor).Exec(ctx, "ALTER TABLE posts DROP COLUMN body;")
	},
}}

func main() {
	ctx := context.Background()
	logger, _ := zap.NewDevelopment()

	pool, _ := pgxpool.New(ctx, (&url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword("postgres", "admin"),
		Host:     "localhost:5432",
		Path:     "db",
		RawQuery: "sslmode=disable&timezone=UTC",
	}).String())

	db := postgres.New(pool, postgres.WithLogger(logger))

	m, _ := wallace.New(db, db,
		wallace.WithLogger(logger),
		wallace.WithMigrations(migrations),
		wallace.WithRollbackStrategy(wallace.RollbackDown),
	)

	_, _ = m.MigrateAll(ctx)
}
