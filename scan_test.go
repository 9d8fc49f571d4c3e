package wallace

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScanPairsUpAndDown(t *testing.T) {
	fsys := fstest.MapFS{
		"20240101120000_create_users.sql":      {Data: []byte("CREATE TABLE users (id BIGINT);")},
		"20240101120000_create_users.down.sql": {Data: []byte("DROP TABLE users;")},
		"20240102090000_add_email.sql":         {Data: []byte("ALTER TABLE users ADD email TEXT;")},
	}

	found, err := NewFSScanner(fsys).Scan(context.Background())

	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, int64(20240101120000), found[0].Timestamp)
	assert.Equal(t, int64(20240102090000), found[1].Timestamp)
	assert.True(t, found[0].HasDown())
	assert.False(t, found[1].HasDown())
	assert.True(t, found[0].SelfContained)
	assert.NotEmpty(t, found[0].Checksum)
}

func TestScanRejectsInvalidFilename(t *testing.T) {
	fsys := fstest.MapFS{
		"create_users.sql": {Data: []byte("CREATE TABLE users (id BIGINT);")},
	}

	_, err := NewFSScanner(fsys).Scan(context.Background())

	assert.ErrorIs(t, err, ErrInvalidFilename)
}

func TestScanRejectsDuplicateTimestamps(t *testing.T) {
	fsys := fstest.MapFS{
		"100_first.sql":  {Data: []byte("CREATE TABLE a (id BIGINT);")},
		"100_second.sql": {Data: []byte("CREATE TABLE b (id BIGINT);")},
	}

	_, err := NewFSScanner(fsys).Scan(context.Background())

	var dup DuplicateTimestampError
	require.ErrorAs(t, err, &dup)
	assert.Equal(t, int64(100), dup.Timestamp)
}

func TestScanRejectsOrphanDown(t *testing.T) {
	fsys := fstest.MapFS{
		"20240101120000_create_users.down.sql": {Data: []byte("DROP TABLE users;")},
	}

	_, err := NewFSScanner(fsys).Scan(context.Background())

	assert.ErrorIs(t, err, ErrOrphanDown)
}

func TestScannedScriptExecutesThroughSQLExecutor(t *testing.T) {
	fsys := fstest.MapFS{
		"20240101120000_create_users.sql": {Data: []byte("CREATE TABLE users (id BIGINT);")},
	}
	found, err := NewFSScanner(fsys).Scan(context.Background())
	require.NoError(t, err)

	db := newMemDB()
	require.NoError(t, found[0].Up(context.Background(), db))

	assert.Equal(t, []string{"CREATE TABLE users (id BIGINT);"}, db.stmts)
}

func TestScannedScriptFailsWithoutSQLExecutor(t *testing.T) {
	fsys := fstest.MapFS{
		"20240101120000_create_users.sql": {Data: []byte("CREATE TABLE users (id BIGINT);")},
	}
	found, err := NewFSScanner(fsys).Scan(context.Background())
	require.NoError(t, err)

	assert.Error(t, found[0].Up(context.Background(), bareDB{}))
}

func TestParseFilename(t *testing.T) {
	ts, desc, err := parseFilename("20240101120000_create_users.sql")
	require.NoError(t, err)
	assert.Equal(t, int64(20240101120000), ts)
	assert.Equal(t, "create_users", desc)

	_, _, err = parseFilename("0_zero.sql")
	assert.ErrorIs(t, err, ErrInvalidTimestamp)

	_, _, err = parseFilename("nope.txt")
	assert.ErrorIs(t, err, ErrInvalidFilename)
}
