package monitor

import (
	"github.com/leozw/query-guardian/internal/core"
	"github.com/leozw/query-guardian/internal/db"
)

// DiffResult is the three-way partition of one run's rows against the
// unresolved records already on file.
type DiffResult struct {
	// NewRows are the rows whose hash was not on file, deduplicated
	// and in source order for notification payloads.
	NewRows []core.Row

	// Continuing are the records whose hash showed up again.
	Continuing []*db.ErrorRecord

	// Resolved are the records whose hash stopped appearing.
	Resolved []*db.ErrorRecord
}

// DiffRows recomputes the full current hash set and compares it with
// the known unresolved records. It is a set comparison, not an
// incremental patch: every run classifies the complete row set, so two
// consecutive runs over identical data yield an empty New and Resolved
// and every known record in Continuing.
func DiffRows(rows []core.Row, keyFields []string, known []*db.ErrorRecord) *DiffResult {
	current := make(map[string]core.Row, len(rows))
	order := make([]string, 0, len(rows))
	for _, row := range rows {
		h := HashRow(row, keyFields)
		if _, seen := current[h]; !seen {
			order = append(order, h)
		}
		current[h] = row
	}

	knownByHash := make(map[string]*db.ErrorRecord, len(known))
	for _, rec := range known {
		knownByHash[rec.Hash] = rec
	}

	res := &DiffResult{}
	for _, h := range order {
		if _, ok := knownByHash[h]; ok {
			continue
		}
		res.NewRows = append(res.NewRows, current[h])
	}
	for _, rec := range known {
		if _, ok := current[rec.Hash]; ok {
			res.Continuing = append(res.Continuing, rec)
		} else {
			res.Resolved = append(res.Resolved, rec)
		}
	}
	return res
}
