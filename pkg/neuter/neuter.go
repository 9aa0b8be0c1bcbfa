// SPDX-License-Identifier: Apache-2.0

// Package neuter redacts sensitive columns in the destination schema.
// Prefix rules are idempotent: a value already carrying the prefix is never
// prefixed twice.
package neuter

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"github.com/rblakemesser/dbslice/pkg/config"
	"github.com/rblakemesser/dbslice/pkg/db"
	"github.com/rblakemesser/dbslice/pkg/introspect"
)

type UnsupportedStrategyError struct {
	Strategy string
}

func (e UnsupportedStrategyError) Error() string {
	return fmt.Sprintf("unsupported neuter strategy %q", e.Strategy)
}

// Apply runs every redaction rule of the plan against the destination
// schema, optionally scoped to one table. pool supplies the dedicated
// connections parallel shard updates run on; sharded rules with parallel
// above one are a hard error without it. Reports whether anything ran.
func Apply(ctx context.Context, q db.DB, pool *sql.DB, plan *config.Plan, onlyTable string) (bool, error) {
	if plan.DestSchema == "" {
		return false, fmt.Errorf("dest_schema must be set for neuter")
	}
	exists, err := introspect.SchemaExists(ctx, q, plan.DestSchema)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, fmt.Errorf("dest_schema %q does not exist", plan.DestSchema)
	}
	if !plan.Neuter.On() {
		return false, nil
	}

	parallel := plan.Neuter.Parallel
	if parallel < 1 {
		parallel = 1
	}

	tables := make([]string, 0, len(plan.Neuter.Targets))
	for t := range plan.Neuter.Targets {
		tables = append(tables, t)
	}
	sort.Strings(tables)

	changed := false
	for _, table := range tables {
		if onlyTable != "" && table != onlyTable {
			continue
		}
		exists, err := introspect.TableExists(ctx, q, plan.DestSchema, table)
		if err != nil {
			return changed, err
		}
		if !exists {
			continue
		}
		for _, rule := range plan.Neuter.Targets[table] {
			if rule.Column == "" || rule.Strategy == "" {
				continue
			}
			colExists, err := introspect.ColumnExists(ctx, q, plan.DestSchema, table, rule.Column)
			if err != nil {
				return changed, err
			}
			if !colExists {
				continue
			}
			ran, err := applyRule(ctx, q, pool, plan, table, rule, parallel)
			if err != nil {
				return changed, fmt.Errorf("neutering %s.%s: %w", table, rule.Column, err)
			}
			changed = changed || ran
		}
	}
	return changed, nil
}

func applyRule(ctx context.Context, q db.DB, pool *sql.DB, plan *config.Plan, table string, rule config.NeuterRule, parallel int) (bool, error) {
	switch rule.Strategy {
	case "prefix":
		return applyPrefix(ctx, q, pool, plan, table, rule, parallel)
	case "replace":
		return applyReplace(ctx, q, pool, plan, table, rule, parallel)
	default:
		return false, UnsupportedStrategyError{Strategy: rule.Strategy}
	}
}

// prefixUpdateSQL builds the prefix UPDATE. The trailing NOT ILIKE guard on
// the prefix itself is what keeps the rule idempotent; maxLen wraps the new
// value in left() when the column caps its length. Placeholders are numbered
// in the order prefixArgs supplies their values; with shard set, a modulo
// predicate on the shard column is appended whose two placeholders (modulo,
// shard index) follow them.
func prefixUpdateSQL(destSchema, table string, rule config.NeuterRule, maxLen *int, shard bool) string {
	col := pq.QuoteIdentifier(rule.Column)

	var b strings.Builder
	n := 0
	next := func() string {
		n++
		return fmt.Sprintf("$%d", n)
	}

	b.WriteString(fmt.Sprintf("UPDATE %s SET %s = ", introspect.QualifiedTable(destSchema, table), col))
	if maxLen != nil {
		b.WriteString(fmt.Sprintf("left(%s || %s, %d)", next(), col, *maxLen))
	} else {
		b.WriteString(fmt.Sprintf("%s || %s", next(), col))
	}
	b.WriteString(fmt.Sprintf(" WHERE %s IS NOT NULL AND %s <> ''", col, col))
	for range rule.Skips() {
		b.WriteString(fmt.Sprintf(" AND %s NOT ILIKE %s", col, next()))
	}
	b.WriteString(fmt.Sprintf(" AND %s NOT ILIKE %s", col, next()))
	if shard {
		shardCol := rule.Shard.Column
		if shardCol == "" {
			shardCol = "id"
		}
		b.WriteString(fmt.Sprintf(" AND (%s %% %s) = %s", pq.QuoteIdentifier(shardCol), next(), next()))
	}
	return b.String()
}

func prefixArgs(rule config.NeuterRule) []interface{} {
	args := []interface{}{rule.Value}
	for _, p := range rule.Skips() {
		args = append(args, p)
	}
	args = append(args, rule.Value+"%")
	return args
}

func applyPrefix(ctx context.Context, q db.DB, pool *sql.DB, plan *config.Plan, table string, rule config.NeuterRule, parallel int) (bool, error) {
	maxLen, err := introspect.ColumnCharMaxLength(ctx, q, plan.DestSchema, table, rule.Column)
	if err != nil {
		return false, err
	}

	if rule.Shard != nil && parallel > 1 {
		stmt := prefixUpdateSQL(plan.DestSchema, table, rule, maxLen, true)
		return true, runSharded(ctx, q, pool, plan, table, rule, parallel, func(conn *sql.Conn, modulo, shard int) error {
			args := append(prefixArgs(rule), modulo, shard)
			_, err := conn.ExecContext(ctx, stmt, args...)
			return err
		})
	}

	stmt := prefixUpdateSQL(plan.DestSchema, table, rule, maxLen, false)
	if _, err := q.ExecContext(ctx, stmt, prefixArgs(rule)...); err != nil {
		return false, err
	}
	return true, nil
}

func applyReplace(ctx context.Context, q db.DB, pool *sql.DB, plan *config.Plan, table string, rule config.NeuterRule, parallel int) (bool, error) {
	col := pq.QuoteIdentifier(rule.Column)
	target := introspect.QualifiedTable(plan.DestSchema, table)

	if rule.Shard != nil && parallel > 1 {
		shardCol := rule.Shard.Column
		if shardCol == "" {
			shardCol = "id"
		}
		stmt := fmt.Sprintf("UPDATE %s SET %s = $1 WHERE (%s %% $2) = $3", target, col, pq.QuoteIdentifier(shardCol))
		return true, runSharded(ctx, q, pool, plan, table, rule, parallel, func(conn *sql.Conn, modulo, shard int) error {
			_, err := conn.ExecContext(ctx, stmt, rule.Value, modulo, shard)
			return err
		})
	}

	if _, err := q.ExecContext(ctx, fmt.Sprintf("UPDATE %s SET %s = $1", target, col), rule.Value); err != nil {
		return false, err
	}
	return true, nil
}

// runSharded partitions a rule's UPDATE by modulo on the shard column and
// runs min(parallel, modulo) shards at a time, each on its own connection.
func runSharded(ctx context.Context, q db.DB, pool *sql.DB, plan *config.Plan, table string, rule config.NeuterRule, parallel int, exec func(conn *sql.Conn, modulo, shard int) error) error {
	if pool == nil {
		return fmt.Errorf("a DSN-backed connection pool is required for parallel neuter")
	}

	shardCol := rule.Shard.Column
	if shardCol == "" {
		shardCol = "id"
	}
	exists, err := introspect.ColumnExists(ctx, q, plan.DestSchema, table, shardCol)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("shard column %q does not exist on %s.%s", shardCol, plan.DestSchema, table)
	}

	modulo := rule.Shard.Modulo
	if modulo < 1 {
		modulo = parallel
	}

	limit := parallel
	if modulo < limit {
		limit = modulo
	}

	g := new(errgroup.Group)
	g.SetLimit(limit)
	for i := 0; i < modulo; i++ {
		g.Go(func() error {
			conn, err := pool.Conn(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()
			return exec(conn, modulo, i)
		})
	}
	return g.Wait()
}
