package wallace

import (
	"context"
	"fmt"
)

// Severity classifies a validation issue.
type Severity uint8

const (
	// SeverityWarning issues only block under strict mode.
	SeverityWarning Severity = iota
	// SeverityError issues always block the run.
	SeverityError
)

func (s Severity) String() string {
	switch s {
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	default:
		return "INVALID"
	}
}

// Issue is one validation finding for one script.
type Issue struct {
	Severity Severity
	Script   string
	Message  string
}

func (i Issue) String() string {
	return fmt.Sprintf("[%s] %s: %s", i.Severity, i.Script, i.Message)
}

// StructuralValidator checks pending scripts for structural problems and
// re-checks migrated scripts for post-execution tampering.
type StructuralValidator struct{}

// Validate returns every issue found in the set. Migrated-script integrity is
// checked by comparing the checksum recorded at execution time against the
// current file content found in All.
func (v *StructuralValidator) Validate(ctx context.Context, set *ScriptSet) ([]Issue, error) {
	var issues []Issue

	issues = append(issues, validateTimestamps(set.All)...)
	issues = append(issues, validateDuplicates(set.All)...)

	for _, script := range set.Pending {
		if script.Up == nil {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Script:   script.Name,
				Message:  "pending script has no up()",
			})
		}
		if !script.HasDown() {
			issues = append(issues, Issue{
				Severity: SeverityWarning,
				Script:   script.Name,
				Message:  "pending script has no down() and cannot be rolled back",
			})
		}
	}

	issues = append(issues, validateIntegrity(set.Migrated, set.All)...)

	return issues, nil
}

func validateTimestamps(all []*MigrationScript) []Issue {
	var issues []Issue
	for _, script := range all {
		if script.Timestamp <= 0 {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Script:   script.Name,
				Message:  IllegalTimestampError{Timestamp: script.Timestamp}.Error(),
			})
		}
	}
	return issues
}

func validateDuplicates(all []*MigrationScript) []Issue {
	unique := map[int64]struct{}{}
	var issues []Issue
	for _, script := range all {
		if _, exists := unique[script.Timestamp]; exists {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Script:   script.Name,
				Message:  DuplicateTimestampError{Timestamp: script.Timestamp}.Error(),
			})
		}
		unique[script.Timestamp] = struct{}{}
	}
	return issues
}

func validateIntegrity(migrated, all []*MigrationScript) []Issue {
	onDisk := map[int64]*MigrationScript{}
	for _, script := range all {
		onDisk[script.Timestamp] = script
	}

	var removed []int64
	var issues []Issue
	for _, record := range migrated {
		current, ok := onDisk[record.Timestamp]
		if !ok {
			removed = append(removed, record.Timestamp)
			continue
		}
		if record.Checksum != "" && current.Checksum != "" && record.Checksum != current.Checksum {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Script:   record.Name,
				Message:  InvalidChecksumError{Timestamp: record.Timestamp}.Error(),
			})
		}
	}

	if len(removed) != 0 {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Script:   "",
			Message:  RemovedMigrationsError{Timestamps: removed}.Error(),
		})
	}

	return issues
}

// checkHybridBatch rejects a pending batch that mixes scripts owning their
// transaction boundaries with managed ones while a wrapping transaction mode
// is active. This is a fail-fast guard against conflicting transaction
// boundaries, not an optimization.
func checkHybridBatch(pending []*MigrationScript, mode TransactionMode, managed bool) error {
	if mode == TransactionNone || !managed {
		return nil
	}

	var selfContained, plain int
	for _, script := range pending {
		if script.SelfContained {
			selfContained++
		} else {
			plain++
		}
	}

	if selfContained > 0 && plain > 0 {
		return HybridBatchError{SelfContained: selfContained, Managed: plain}
	}
	return nil
}
