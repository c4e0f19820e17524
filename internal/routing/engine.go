// Package routing decides who hears about which error rows. Rules are
// evaluated per row in priority order; each matching rule contributes
// its recipients, and rows that match nothing fall back to the query's
// no-match policy.
package routing

import (
	"sort"

	"go.uber.org/zap"

	"github.com/leozw/query-guardian/internal/core"
	"github.com/leozw/query-guardian/internal/db"
)

// Batch is one outgoing notification group: a recipient set and the
// rows it should see, in source order.
type Batch struct {
	Recipients []string
	Rows       []core.Row
}

// Result is the routing outcome for one set of rows. Unmatched counts
// rows no rule claimed, before the no-match fallback ran; it feeds the
// metrics and the skip log.
type Result struct {
	Batches   []Batch
	Unmatched int
}

type Engine struct {
	logger *zap.Logger
}

func NewEngine(logger *zap.Logger) *Engine {
	return &Engine{logger: logger}
}

// EvaluateCondition applies one condition to a row. Evaluation
// problems (bad regex, unknown operator) are contained here: logged,
// condition false, never propagated.
func (e *Engine) EvaluateCondition(row core.Row, cond *db.RoutingCondition) bool {
	value, _ := row.Lookup(cond.Field)

	matched, err := Operator(cond.Operator).Evaluate(value.Render(), cond.Value, cond.CaseSensitive)
	if err != nil {
		e.logger.Warn("routing condition failed to evaluate",
			zap.String("field", cond.Field),
			zap.String("operator", cond.Operator),
			zap.Error(err))
		return false
	}
	return matched
}

// EvaluateRule folds a rule's conditions with its AND/OR logic. A rule
// without conditions is a catch-all; a disabled rule never matches.
func (e *Engine) EvaluateRule(row core.Row, rule *db.RoutingRule) bool {
	if !rule.Enabled {
		return false
	}
	if len(rule.Conditions) == 0 {
		return true
	}

	if rule.Logic == db.LogicOr {
		for i := range rule.Conditions {
			if e.EvaluateCondition(row, &rule.Conditions[i]) {
				return true
			}
		}
		return false
	}

	for i := range rule.Conditions {
		if !e.EvaluateCondition(row, &rule.Conditions[i]) {
			return false
		}
	}
	return true
}

// Route groups rows by recipient. With routing disabled every row goes
// to the query's flat recipient list in a single batch. With routing
// enabled rules run in ascending priority per row; stop_on_match ends
// the scan after the matching rule's recipients are collected. Rows
// that match no rule go to the default recipients or are dropped,
// per the query's no-match action. Batches come out sorted by
// recipient so dispatch order is stable.
func (e *Engine) Route(q *db.MonitoredQuery, rules []*db.RoutingRule, rows []core.Row) *Result {
	if len(rows) == 0 {
		return &Result{}
	}

	if !q.RoutingEnabled {
		if len(q.Recipients) == 0 {
			e.logger.Warn("query has no recipients configured",
				zap.String("query", q.Name),
				zap.Int("rows", len(rows)))
			return &Result{}
		}
		return &Result{Batches: []Batch{{Recipients: q.Recipients, Rows: rows}}}
	}

	sorted := make([]*db.RoutingRule, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})

	perRecipient := make(map[string][]core.Row)
	var unmatched []core.Row

	for _, row := range rows {
		matched := make(map[string]bool)
		stop := false

		for _, rule := range sorted {
			if stop {
				break
			}
			if e.EvaluateRule(row, rule) {
				for _, r := range rule.Recipients {
					matched[r] = true
				}
				if rule.StopOnMatch {
					stop = true
				}
			}
		}

		if len(matched) == 0 {
			unmatched = append(unmatched, row)
			continue
		}
		for r := range matched {
			perRecipient[r] = append(perRecipient[r], row)
		}
	}

	if len(unmatched) > 0 {
		if q.NoMatchAction == db.NoMatchSendDefault && len(q.DefaultRecipients) > 0 {
			for _, r := range q.DefaultRecipients {
				perRecipient[r] = append(perRecipient[r], unmatched...)
			}
		} else {
			e.logger.Warn("rows matched no routing rule",
				zap.String("query", q.Name),
				zap.Int("count", len(unmatched)),
				zap.String("action", string(q.NoMatchAction)))
		}
	}

	result := &Result{Unmatched: len(unmatched)}
	recipients := make([]string, 0, len(perRecipient))
	for r := range perRecipient {
		recipients = append(recipients, r)
	}
	sort.Strings(recipients)
	for _, r := range recipients {
		result.Batches = append(result.Batches, Batch{
			Recipients: []string{r},
			Rows:       perRecipient[r],
		})
	}
	return result
}
