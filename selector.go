package wallace

import "sort"

// The selector functions are pure classification over two inputs: migrated
// (tracking-store truth) and all (filesystem truth). Correctness rests on the
// uniqueness and monotonic sortability of timestamps; the structural
// validator enforces uniqueness before any of this runs.

// GetPending returns the scripts that must run: on a first run the whole set,
// otherwise every new script with a timestamp above the last migrated one,
// sorted ascending.
func GetPending(migrated, all []*MigrationScript) []*MigrationScript {
	if len(migrated) == 0 {
		sorted := append([]*MigrationScript(nil), all...)
		sort.Sort(byTimestamp(sorted))
		return sorted
	}

	last := lastTimestamp(migrated)

	var pending []*MigrationScript
	for _, script := range newScripts(migrated, all) {
		if script.Timestamp > last {
			pending = append(pending, script)
		}
	}

	sort.Sort(byTimestamp(pending))
	return pending
}

// GetIgnored returns scripts present on disk, not yet executed, but with a
// timestamp at or below the last migrated one. They were added out of order
// and will never run automatically.
func GetIgnored(migrated, all []*MigrationScript) []*MigrationScript {
	if len(migrated) == 0 {
		return nil
	}

	last := lastTimestamp(migrated)

	var ignored []*MigrationScript
	for _, script := range newScripts(migrated, all) {
		if script.Timestamp <= last {
			ignored = append(ignored, script)
		}
	}

	sort.Sort(byTimestamp(ignored))
	return ignored
}

// GetPendingUpTo restricts GetPending to timestamps at or below target,
// sorted ascending. Used for partial "migrate to version" requests.
func GetPendingUpTo(migrated, all []*MigrationScript, target int64) []*MigrationScript {
	var pending []*MigrationScript
	for _, script := range GetPending(migrated, all) {
		if script.Timestamp <= target {
			pending = append(pending, script)
		}
	}
	return pending
}

// GetMigratedDownTo returns migrated scripts above target sorted descending,
// the exact reverse-chronological order required for safe rollback.
func GetMigratedDownTo(migrated []*MigrationScript, target int64) []*MigrationScript {
	var candidates []*MigrationScript
	for _, script := range migrated {
		if script.Timestamp > target {
			candidates = append(candidates, script)
		}
	}

	sort.Sort(sort.Reverse(byTimestamp(candidates)))
	return candidates
}

// GetMigratedInRange returns migrated scripts with from < timestamp <= to,
// sorted descending.
func GetMigratedInRange(migrated []*MigrationScript, from, to int64) []*MigrationScript {
	var candidates []*MigrationScript
	for _, script := range migrated {
		if script.Timestamp > from && script.Timestamp <= to {
			candidates = append(candidates, script)
		}
	}

	sort.Sort(sort.Reverse(byTimestamp(candidates)))
	return candidates
}

func lastTimestamp(migrated []*MigrationScript) int64 {
	var last int64
	for _, script := range migrated {
		if script.Timestamp > last {
			last = script.Timestamp
		}
	}
	return last
}

// newScripts is the set difference all − migrated, keyed by timestamp.
func newScripts(migrated, all []*MigrationScript) []*MigrationScript {
	seen := map[int64]struct{}{}
	for _, script := range migrated {
		seen[script.Timestamp] = struct{}{}
	}

	var fresh []*MigrationScript
	for _, script := range all {
		if _, ok := seen[script.Timestamp]; !ok {
			fresh = append(fresh, script)
		}
	}
	return fresh
}
