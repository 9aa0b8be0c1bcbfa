// SPDX-License-Identifier: Apache-2.0

package reconcile

import (
	"context"
	"sort"

	"github.com/rblakemesser/dbslice/pkg/db"
	"github.com/rblakemesser/dbslice/pkg/introspect"
)

// PreflightReport lists the conditions that would make a constraint pass
// fail or validate slowly: unlogged destination tables, common tables
// missing a primary key the source has, and FK pairs touching an unlogged
// table.
type PreflightReport struct {
	OK              bool                `json:"ok"`
	UnloggedTables  []string            `json:"unlogged_tables"`
	PKMissing       []string            `json:"pk_missing"`
	FKUnloggedPairs []introspect.FKPair `json:"fk_unlogged_pairs"`
}

// Preflight inspects the destination ahead of constraint reconciliation.
func Preflight(ctx context.Context, q db.DB, srcSchema, dstSchema string) (*PreflightReport, error) {
	report := &PreflightReport{}

	unlogged, err := introspect.ListUnloggedTables(ctx, q, dstSchema)
	if err != nil {
		return nil, err
	}
	report.UnloggedTables = unlogged
	unloggedSet := toSet(unlogged)

	srcTables, err := introspect.ListTables(ctx, q, srcSchema)
	if err != nil {
		return nil, err
	}
	dstTables, err := introspect.ListTables(ctx, q, dstSchema)
	if err != nil {
		return nil, err
	}
	dstSet := toSet(dstTables)

	var common []string
	for _, t := range srcTables {
		if dstSet[t] {
			common = append(common, t)
		}
	}
	sort.Strings(common)

	for _, table := range common {
		has, err := introspect.HasPrimaryKey(ctx, q, dstSchema, table)
		if err != nil {
			return nil, err
		}
		if has {
			continue
		}
		pk, err := introspect.GetPrimaryKey(ctx, q, srcSchema, table)
		if err != nil {
			return nil, err
		}
		if pk != nil {
			report.PKMissing = append(report.PKMissing, table)
		}
	}

	pairs, err := introspect.FKChildParentPairs(ctx, q, srcSchema)
	if err != nil {
		return nil, err
	}
	for _, pair := range pairs {
		if dstSet[pair.Child] && dstSet[pair.Parent] && (unloggedSet[pair.Child] || unloggedSet[pair.Parent]) {
			report.FKUnloggedPairs = append(report.FKUnloggedPairs, pair)
		}
	}

	report.OK = len(report.UnloggedTables) == 0 && len(report.PKMissing) == 0 && len(report.FKUnloggedPairs) == 0
	return report, nil
}
