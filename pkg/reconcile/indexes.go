// SPDX-License-Identifier: Apache-2.0

package reconcile

import (
	"context"
	"fmt"
	"strings"

	"github.com/rblakemesser/dbslice/pkg/db"
	"github.com/rblakemesser/dbslice/pkg/ddl"
	"github.com/rblakemesser/dbslice/pkg/introspect"
)

// IndexCounts summarizes an index pass.
type IndexCounts struct {
	Created int `json:"created"`
	Dropped int `json:"dropped"`
}

func (c *IndexCounts) add(o *IndexCounts) {
	c.Created += o.Created
	c.Dropped += o.Dropped
}

// ReconcileTableIndexes makes the destination table's non-PK index set equal
// the source's: missing indexes are created (with the source name forced),
// same-named indexes with drifted definitions are dropped and recreated,
// and extraneous destination indexes are dropped.
func ReconcileTableIndexes(ctx context.Context, q db.DB, srcSchema, dstSchema, table string) (*IndexCounts, error) {
	counts := &IndexCounts{}

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

	srcIdx, err := introspect.FetchIndexes(ctx, q, srcSchema, table)
	if err != nil {
		return counts, err
	}
	dstIdx, err := introspect.FetchIndexes(ctx, q, dstSchema, table)
	if err != nil {
		return counts, err
	}
	dropPKeys(srcIdx)
	dropPKeys(dstIdx)

	createForced := func(name, defn string) error {
		stmt := ddl.RewriteIndexTarget(defn, srcSchema, dstSchema, table)
		stmt = strings.ReplaceAll(stmt, " IF NOT EXISTS", "")
		stmt = ForceIndexName(stmt, name)
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating index %q on %s.%s: %w", name, dstSchema, table, err)
		}
		return nil
	}

	for name, defn := range srcIdx {
		if _, ok := dstIdx[name]; ok {
			continue
		}
		if err := createForced(name, defn); err != nil {
			return counts, err
		}
		counts.Created++
	}

	for name := range srcIdx {
		dstDef, ok := dstIdx[name]
		if !ok {
			continue
		}
		srcPrepared := ddl.RewriteIndexTarget(srcIdx[name], srcSchema, dstSchema, table)
		dstPrepared := ddl.RewriteIndexTarget(dstDef, dstSchema, dstSchema, table)
		if NormalizeIndexDef(srcPrepared) == NormalizeIndexDef(dstPrepared) {
			continue
		}
		if _, err := q.ExecContext(ctx, fmt.Sprintf("DROP INDEX IF EXISTS %s",
			introspect.QualifiedTable(dstSchema, name))); err != nil {
			return counts, err
		}
		if err := createForced(name, srcIdx[name]); err != nil {
			return counts, err
		}
		counts.Created++
	}

	for name := range dstIdx {
		if _, ok := srcIdx[name]; ok {
			continue
		}
		if _, err := q.ExecContext(ctx, fmt.Sprintf("DROP INDEX IF EXISTS %s",
			introspect.QualifiedTable(dstSchema, name))); err != nil {
			return counts, err
		}
		counts.Dropped++
	}

	return counts, nil
}

// ReconcileAllIndexes runs the index pass over every source table present in
// the destination.
func ReconcileAllIndexes(ctx context.Context, q db.DB, srcSchema, dstSchema string) (*IndexCounts, error) {
	totals := &IndexCounts{}
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
		counts, err := ReconcileTableIndexes(ctx, q, srcSchema, dstSchema, table)
		if err != nil {
			return totals, err
		}
		totals.add(counts)
	}
	return totals, nil
}

func dropPKeys(indexes map[string]string) {
	for name := range indexes {
		if strings.HasSuffix(name, "_pkey") {
			delete(indexes, name)
		}
	}
}
