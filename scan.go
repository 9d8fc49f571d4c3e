package wallace

import (
	"context"
	"io/fs"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

var (
	ErrInvalidFilename  = errors.New("invalid migration filename (expected '<timestamp>_<description>.sql')")
	ErrInvalidTimestamp = errors.New("invalid timestamp (positive integer required)")
	ErrOrphanDown       = errors.New("down script without a matching up script")
)

var filenamePattern = regexp.MustCompile(`^([0-9]+)_(.+)\.sql$`)

const downSuffix = ".down.sql"

// DirScanner discovers raw SQL migration scripts in one directory. Files are
// named `<timestamp>_<description>.sql` with an optional
// `<timestamp>_<description>.down.sql` counterpart. Scripts it produces
// execute through the handle's SQLExecutor capability and are marked
// SelfContained, since a raw SQL file may carry its own transaction
// statements.
type DirScanner struct {
	fsys fs.FS
	dir  string
}

// NewDirScanner scans dir on the host filesystem.
func NewDirScanner(dir string) *DirScanner {
	return &DirScanner{fsys: os.DirFS(dir), dir: dir}
}

// NewFSScanner scans the root of an fs.FS, typically an embed.FS subtree.
func NewFSScanner(fsys fs.FS) *DirScanner {
	return &DirScanner{fsys: fsys, dir: "."}
}

// Scan reads every *.sql file, pairs down scripts with their up counterpart,
// and returns the scripts sorted by timestamp.
func (s *DirScanner) Scan(ctx context.Context) ([]*MigrationScript, error) {
	entries, err := fs.Glob(s.fsys, "*.sql")
	if err != nil {
		return nil, errors.WithStack(err)
	}

	scripts := map[int64]*MigrationScript{}
	downs := map[int64][]byte{}

	for _, name := range entries {
		content, err := fs.ReadFile(s.fsys, name)
		if err != nil {
			return nil, errors.Wrapf(err, "reading %s", name)
		}

		if strings.HasSuffix(name, downSuffix) {
			ts, _, err := parseFilename(strings.TrimSuffix(name, downSuffix) + ".sql")
			if err != nil {
				return nil, err
			}
			downs[ts] = content
			continue
		}

		ts, _, err := parseFilename(name)
		if err != nil {
			return nil, err
		}
		if _, exists := scripts[ts]; exists {
			return nil, DuplicateTimestampError{Timestamp: ts}
		}

		script := &MigrationScript{
			Name:          name,
			Timestamp:     ts,
			FilePath:      s.dir + "/" + name,
			Checksum:      ChecksumBytes(content),
			SelfContained: true,
		}
		script.Up = sqlFunc(name, content)
		scripts[ts] = script
	}

	for ts, content := range downs {
		script, ok := scripts[ts]
		if !ok {
			return nil, errors.Wrapf(ErrOrphanDown, "timestamp %d", ts)
		}
		script.Down = sqlFunc(script.Name, content)
	}

	out := make([]*MigrationScript, 0, len(scripts))
	for _, script := range scripts {
		out = append(out, script)
	}
	sort.Sort(byTimestamp(out))
	return out, nil
}

// parseFilename splits `<timestamp>_<description>.sql` into its parts.
func parseFilename(name string) (int64, string, error) {
	match := filenamePattern.FindStringSubmatch(name)
	if match == nil {
		return 0, "", errors.Wrapf(ErrInvalidFilename, "got %q", name)
	}

	ts, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return 0, "", errors.Wrapf(ErrInvalidTimestamp, "%v in %q", err, name)
	}
	if ts <= 0 {
		return 0, "", errors.Wrapf(ErrInvalidTimestamp, "got %d in %q", ts, name)
	}

	return ts, match[2], nil
}

func sqlFunc(name string, content []byte) MigrationFunc {
	stmt := string(content)
	return func(ctx context.Context, db Database) error {
		exec, ok := db.(SQLExecutor)
		if !ok {
			return errors.Errorf("database handle cannot execute raw SQL script %s", name)
		}
		return exec.Exec(ctx, stmt)
	}
}
