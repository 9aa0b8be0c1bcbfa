// SPDX-License-Identifier: Apache-2.0

package slice

import (
	"context"
	"fmt"
	"strings"

	"github.com/rblakemesser/dbslice/pkg/config"
	"github.com/rblakemesser/dbslice/pkg/ddl"
	"github.com/rblakemesser/dbslice/pkg/introspect"
	"github.com/rblakemesser/dbslice/pkg/neuter"
	"github.com/rblakemesser/dbslice/pkg/reconcile"
)

// MigrateOptions tunes the full pipeline.
type MigrateOptions struct {
	// Restart resets the destination schema before anything else.
	Restart bool
	// SkipValidateFKs leaves foreign keys NOT VALID.
	SkipValidateFKs bool
	// ValidateParallel bounds concurrent FK validations (0 = default).
	ValidateParallel int
}

// Migrate runs the full pipeline: precopy, pre-phase selections and groups,
// post-phase selections and groups, optional redaction, then the
// sequence/function/trigger/constraint reconciliation passes. Build
// failures abort; reconciliation passes record their error and the
// pipeline continues, mirroring how drift in one object class should not
// block inspection of the rest.
func (e *Engine) Migrate(ctx context.Context, opts MigrateOptions) (map[string]interface{}, error) {
	run := map[string]interface{}{}

	if opts.Restart {
		if err := ddl.ResetSchema(ctx, e.conn, e.plan.DestSchema); err != nil {
			return run, err
		}
	}

	precopy, err := e.Precopy(ctx)
	if err != nil {
		return run, fmt.Errorf("precopy: %w", err)
	}
	run["precopy"] = precopy

	prePlan, postPlan := e.plan.SplitPhases()

	preSel, preCreated, err := e.runPhase(ctx, prePlan, DefaultBuildOptions())
	if err != nil {
		return run, fmt.Errorf("pre-phase build: %w", err)
	}
	run["selections_pre"] = preSel
	run["table_groups_pre_created"] = preCreated

	postSel, postCreated, err := e.runPhase(ctx, postPlan, DefaultBuildOptions())
	if err != nil {
		return run, fmt.Errorf("post-phase build: %w", err)
	}
	run["selections_post"] = postSel
	run["table_groups_post_created"] = postCreated

	if e.plan.Neuter.On() {
		if _, err := neuter.Apply(ctx, e.conn, e.raw, e.plan, ""); err != nil {
			run["neuter"] = map[string]string{"result": "error", "error": err.Error()}
		} else {
			run["neuter"] = map[string]string{"result": "applied"}
		}
	}

	rec := e.plan.Reconcile
	if rec.Sequences {
		if counts, err := reconcile.ReconcileSequences(ctx, e.conn, e.plan.SourceSchema, e.plan.DestSchema, true); err != nil {
			run["sequences"] = errResult(err)
		} else {
			run["sequences"] = counts
		}
	}
	if counts, err := reconcile.MigrateFunctions(ctx, e.conn, e.plan.SourceSchema, e.plan.DestSchema, rec.StrictObjects); err != nil {
		run["functions"] = errResult(err)
	} else {
		run["functions"] = counts
	}
	if rec.Triggers {
		if counts, err := reconcile.ReconcileAllTriggers(ctx, e.conn, e.plan.SourceSchema, e.plan.DestSchema, rec.StrictObjects); err != nil {
			run["triggers"] = errResult(err)
		} else {
			run["triggers"] = counts
		}
	}
	if rec.Constraints {
		created := append(append([]string{}, preCreatedNames(preCreated)...), preCreatedNames(postCreated)...)
		counts, err := reconcile.MirrorConstraints(ctx, e.conn, e.raw, e.plan.SourceSchema, e.plan.DestSchema, reconcile.ConstraintOptions{
			ValidateFKTables: created,
			SkipValidateFKs:  opts.SkipValidateFKs,
			ValidateParallel: opts.ValidateParallel,
		})
		if err != nil {
			run["constraints"] = errResult(err)
		} else {
			run["constraints"] = counts
		}
	}

	return run, nil
}

func errResult(err error) map[string]string {
	return map[string]string{"result": "error", "error": err.Error()}
}

// preCreatedNames strips the schema qualifier off created-table names for
// the FK validation filter.
func preCreatedNames(created []string) []string {
	names := make([]string, 0, len(created))
	for _, qualified := range created {
		if i := strings.IndexByte(qualified, '.'); i >= 0 {
			names = append(names, qualified[i+1:])
		} else {
			names = append(names, qualified)
		}
	}
	return names
}

// runPhase resolves a phase's selections and builds its table groups. The
// engine's resolved-selection map persists across phases so post-phase
// selectors can scope against pre-phase selections.
func (e *Engine) runPhase(ctx context.Context, phase *config.Plan, opts BuildOptions) (map[string]int, []string, error) {
	saved := e.plan
	e.plan = phase
	defer func() { e.plan = saved }()

	if _, err := e.ResolveSelections(ctx); err != nil {
		return nil, nil, err
	}

	counts := make(map[string]int, len(phase.Roots))
	for _, r := range phase.Roots {
		if sel, ok := e.selections[r.Name]; ok {
			counts[r.Name] = len(sel.IDs)
		}
	}

	if len(phase.TableGroups) == 0 {
		return counts, nil, nil
	}
	created, err := e.BuildGroups(ctx, opts)
	return counts, created, err
}

// MigrateTables resolves selections and builds only the named table groups
// (all groups when names is empty), including any selection transitively
// required. Precopy does not run; clones are structure-only and primary
// keys attach at finalize.
func (e *Engine) MigrateTables(ctx context.Context, names []string) (map[string]interface{}, error) {
	subset, err := e.plan.Subset(names)
	if err != nil {
		return nil, err
	}

	counts, created, err := e.runPhase(ctx, subset, BuildOptions{IncludeDefaults: false, AddPrimaryKeys: true})
	if err != nil {
		return nil, err
	}

	selSummary := make(map[string]map[string]int, len(counts))
	for name, n := range counts {
		selSummary[name] = map[string]int{"count": n}
	}
	return map[string]interface{}{
		"selections":           selSummary,
		"table_groups_created": created,
	}, nil
}

// ResetGroups drops the named groups' destination and tmp tables and their
// shard artifacts, leaving everything else in place.
func (e *Engine) ResetGroups(ctx context.Context, names []string) error {
	for _, name := range names {
		group, ok := e.plan.GroupByName(name)
		if !ok {
			return config.UnknownGroupError{Name: name}
		}
		tables := group.GroupTables()

		var dstTables, tmpTables []string
		for _, t := range tables {
			dstTables = append(dstTables, introspect.QualifiedTable(e.plan.DestSchema, t))
			tmpTables = append(tmpTables, introspect.QualifiedTable(e.plan.TmpSchema, t))
		}
		if err := ddl.DropTablesIfExists(ctx, e.conn, dstTables); err != nil {
			return err
		}
		if err := ddl.DropTablesIfExists(ctx, e.conn, tmpTables); err != nil {
			return err
		}

		var shardTables []string
		for _, t := range tables {
			for _, pattern := range []string{t + "_sh%", t + "_pmsh%"} {
				rels, err := introspect.ListRelationsLike(ctx, e.conn, e.plan.ShardsSchema, pattern)
				if err != nil {
					return err
				}
				for _, rel := range rels {
					shardTables = append(shardTables, introspect.QualifiedTable(e.plan.ShardsSchema, rel))
				}
			}
		}
		if err := ddl.DropTablesIfExists(ctx, e.conn, shardTables); err != nil {
			return err
		}
	}
	return nil
}

// PreMigrateResult summarizes a pre-migrate run.
type PreMigrateResult struct {
	Truncated      []string `json:"truncated"`
	SkippedMissing []string `json:"skipped_missing"`
	SQLExecuted    int      `json:"sql_executed"`
}

// PreMigrate truncates each configured target with CASCADE (bare names
// resolve against the destination schema; missing tables are skipped and
// reported) and then executes the plan's raw SQL statements in order.
func (e *Engine) PreMigrate(ctx context.Context) (*PreMigrateResult, error) {
	if e.plan.DestSchema == "" {
		return nil, fmt.Errorf("dest_schema must be set for pre-migrate")
	}
	res := &PreMigrateResult{Truncated: []string{}, SkippedMissing: []string{}}

	for _, item := range e.plan.PreMigrate.Truncate {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		schema, table := e.plan.DestSchema, item
		if i := strings.IndexByte(item, '.'); i >= 0 {
			schema = strings.Trim(item[:i], `"`)
			table = strings.Trim(item[i+1:], `"`)
		}
		exists, err := introspect.TableExists(ctx, e.conn, schema, table)
		if err != nil {
			return res, err
		}
		if !exists {
			res.SkippedMissing = append(res.SkippedMissing, schema+"."+table)
			continue
		}
		if _, err := e.conn.ExecContext(ctx, fmt.Sprintf("TRUNCATE TABLE %s CASCADE",
			introspect.QualifiedTable(schema, table))); err != nil {
			return res, err
		}
		res.Truncated = append(res.Truncated, schema+"."+table)
	}

	for _, stmt := range e.plan.PreMigrate.SQL {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := e.conn.ExecContext(ctx, stmt); err != nil {
			return res, fmt.Errorf("pre-migrate sql: %w", err)
		}
		res.SQLExecuted++
	}
	return res, nil
}
