package wallace

import (
	"context"
	"crypto/sha256"
	"fmt"
	"time"
)

// MigrationFunc is the executable unit of a migration script. It receives the
// database handle the Migrator was constructed with; while a managed
// transaction is open the adapter routes statements through it.
type MigrationFunc func(ctx context.Context, db Database) error

// MigrationScript is one uniquely timestamped, ordered unit of change.
type MigrationScript struct {
	Name      string
	Timestamp int64
	FilePath  string

	Up   MigrationFunc
	Down MigrationFunc

	// SelfContained marks scripts that carry their own transaction boundaries
	// (raw SQL files). A pending batch mixing self-contained and managed
	// scripts is rejected unless the transaction mode is TransactionNone.
	SelfContained bool

	// Checksum is the sha256 of the script content. On scripts loaded from
	// disk it reflects the current file; on tracking-store records it is the
	// value recorded at execution time.
	Checksum string

	StartedAt  time.Time
	FinishedAt time.Time
	Username   string
	Result     string
	DryRun     bool
}

// HasDown reports whether the script can be rolled back.
func (m *MigrationScript) HasDown() bool {
	return m.Down != nil
}

// ChecksumBytes calculates the sha256 of raw script content.
func ChecksumBytes(content []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(content))
}

// ScriptSet is a snapshot of migration state for one workflow invocation.
// All is filesystem truth, Migrated is tracking-store truth, Pending and
// Ignored are derived from the two. Executed accumulates during the run and
// is appended to before each script starts, so a failure mid-script still
// yields the correct rollback list.
type ScriptSet struct {
	All      []*MigrationScript
	Migrated []*MigrationScript
	Pending  []*MigrationScript
	Ignored  []*MigrationScript
	Executed []*MigrationScript
}

// MigrationResult is the terminal output of one workflow invocation.
// It is never mutated after being returned.
type MigrationResult struct {
	Success  bool
	Executed []*MigrationScript
	Migrated []*MigrationScript
	Ignored  []*MigrationScript
	Errors   error
}
