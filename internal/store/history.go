package store

import (
	"sort"
)

// MergeRuns combines the runs of the current batch with previously persisted
// history. Batch entries replace persisted entries with the same ID. The result is
// ordered by StartedAt descending and truncated to limit entries (MaxRunHistory
// when limit <= 0).
func MergeRuns(existing, batch []CommitRun, limit int) []CommitRun {
	if limit <= 0 {
		limit = MaxRunHistory
	}

	batchIDs := make(map[string]struct{}, len(batch))
	for _, run := range batch {
		batchIDs[run.ID] = struct{}{}
	}

	combined := make([]CommitRun, 0, len(batch)+len(existing))
	combined = append(combined, batch...)
	for _, run := range existing {
		if _, ok := batchIDs[run.ID]; ok {
			continue
		}
		combined = append(combined, run)
	}

	sort.SliceStable(combined, func(i, j int) bool {
		return combined[i].StartedAt.After(combined[j].StartedAt)
	})

	if len(combined) > limit {
		combined = combined[:limit]
	}
	return combined
}
