// SPDX-License-Identifier: Apache-2.0

package reconcile

import (
	"context"
	"fmt"

	"github.com/rblakemesser/dbslice/pkg/db"
	"github.com/rblakemesser/dbslice/pkg/ddl"
	"github.com/rblakemesser/dbslice/pkg/introspect"
)

// FunctionCounts summarizes a function pass.
type FunctionCounts struct {
	Migrated int `json:"migrated"`
	Failed   int `json:"failed"`
}

// MigrateFunctions dumps each source routine, rewrites it for the
// destination schema and executes it. With strict false, a routine that
// fails to install is counted and skipped; with strict true the first
// failure aborts the pass.
func MigrateFunctions(ctx context.Context, q db.DB, srcSchema, dstSchema string, strict bool) (*FunctionCounts, error) {
	counts := &FunctionCounts{}

	if err := ddl.EnsureSchemas(ctx, q, []string{dstSchema}); err != nil {
		return counts, err
	}

	funcs, err := introspect.FetchFunctions(ctx, q, srcSchema)
	if err != nil {
		return counts, err
	}

	for _, fn := range funcs {
		stmt := RewriteFunctionDef(fn.Definition, srcSchema, dstSchema)
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			if strict {
				return counts, fmt.Errorf("installing function %q in %s: %w", fn.Name, dstSchema, err)
			}
			counts.Failed++
			continue
		}
		counts.Migrated++
	}
	return counts, nil
}
