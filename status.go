package wallace

// Status is a migration status value
type Status uint8

const (
	// Ignored means that the script is on disk but below the last executed
	// timestamp and will never run automatically
	Ignored Status = iota
	// Applied means that the script was successfully applied to the database
	Applied
	// Pending means that the script is new and waiting to be applied
	Pending
	// Error means that the script could not be applied to the database
	Error
)

func (s Status) String() string {
	switch s {
	case Ignored:
		return "IGNORED"
	case Applied:
		return "APPLIED"
	case Pending:
		return "PENDING"
	case Error:
		return "ERROR"
	default:
		return "INVALID"
	}
}

// MigrationInfo pairs a script with its classification for reporting.
type MigrationInfo struct {
	Status Status
	Script *MigrationScript
}

func statusOf(migrated []*MigrationScript, script *MigrationScript) Status {
	if len(migrated) == 0 {
		return Pending
	}

	if script.Timestamp > lastTimestamp(migrated) {
		return Pending
	}

	for _, m := range migrated {
		if m.Timestamp == script.Timestamp {
			return Applied
		}
	}

	return Ignored
}
