// SPDX-License-Identifier: Apache-2.0

package reconcile

import (
	"context"
	"fmt"

	"github.com/lib/pq"

	"github.com/rblakemesser/dbslice/pkg/db"
	"github.com/rblakemesser/dbslice/pkg/introspect"
)

// TriggerCounts summarizes a trigger pass.
type TriggerCounts struct {
	Created int `json:"created"`
	Dropped int `json:"dropped"`
	Failed  int `json:"failed"`
}

func (c *TriggerCounts) add(o *TriggerCounts) {
	c.Created += o.Created
	c.Dropped += o.Dropped
	c.Failed += o.Failed
}

// ReconcileTableTriggers creates every source trigger missing from the
// destination table (rewritten to target the destination table and
// function) and drops destination triggers absent in source. With strict
// false a per-trigger failure is counted and skipped.
func ReconcileTableTriggers(ctx context.Context, q db.DB, srcSchema, dstSchema, table string, strict bool) (*TriggerCounts, error) {
	counts := &TriggerCounts{}

	srcOK, err := introspect.TableExists(ctx, q, srcSchema, table)
	if err != nil {
		return counts, err
	}
	dstOK, err := introspect.TableExists(ctx, q, dstSchema, table)
	if err != nil {
		return counts, err
	}
	if !srcOK || !dstOK {
		return counts, nil
	}

	srcTriggers, err := introspect.FetchTriggers(ctx, q, srcSchema, table)
	if err != nil {
		return counts, err
	}
	dstTriggers, err := introspect.FetchTriggers(ctx, q, dstSchema, table)
	if err != nil {
		return counts, err
	}

	for name, tr := range srcTriggers {
		if _, ok := dstTriggers[name]; ok {
			continue
		}
		stmt := RewriteTriggerDef(tr.Definition, srcSchema, dstSchema, table)
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			if strict {
				return counts, fmt.Errorf("creating trigger %q on %s.%s: %w", name, dstSchema, table, err)
			}
			counts.Failed++
			continue
		}
		counts.Created++
	}

	for name := range dstTriggers {
		if _, ok := srcTriggers[name]; ok {
			continue
		}
		stmt := fmt.Sprintf("DROP TRIGGER IF EXISTS %s ON %s CASCADE",
			pq.QuoteIdentifier(name), introspect.QualifiedTable(dstSchema, table))
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			if strict {
				return counts, fmt.Errorf("dropping trigger %q on %s.%s: %w", name, dstSchema, table, err)
			}
			counts.Failed++
			continue
		}
		counts.Dropped++
	}

	return counts, nil
}

// ReconcileAllTriggers runs the trigger pass over every source table present
// in the destination.
func ReconcileAllTriggers(ctx context.Context, q db.DB, srcSchema, dstSchema string, strict bool) (*TriggerCounts, error) {
	totals := &TriggerCounts{}
	tables, err := introspect.ListTables(ctx, q, srcSchema)
	if err != nil {
		return totals, err
	}
	for _, table := range tables {
		exists, err := introspect.TableExists(ctx, q, dstSchema, table)
		if err != nil {
			return totals, err
		}
		if !exists {
			continue
		}
		counts, err := ReconcileTableTriggers(ctx, q, srcSchema, dstSchema, table, strict)
		if err != nil {
			return totals, err
		}
		totals.add(counts)
	}
	return totals, nil
}
