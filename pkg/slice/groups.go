// SPDX-License-Identifier: Apache-2.0

package slice

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"github.com/rblakemesser/dbslice/pkg/config"
	"github.com/rblakemesser/dbslice/pkg/ddl"
	"github.com/rblakemesser/dbslice/pkg/introspect"
)

// BuildOptions tunes group materialization. The full pipeline clones
// structure with defaults and attaches primary keys at finalize;
// migrate-tables clones structure without defaults and also attaches
// primary keys at finalize.
type BuildOptions struct {
	IncludeDefaults bool
	AddPrimaryKeys  bool
}

// DefaultBuildOptions are the options used by the full pipeline.
func DefaultBuildOptions() BuildOptions {
	return BuildOptions{IncludeDefaults: true, AddPrimaryKeys: true}
}

// BuildGroups materializes every table group of the plan in declared order
// and returns the qualified destination tables created. Selections must be
// resolved first.
func (e *Engine) BuildGroups(ctx context.Context, opts BuildOptions) ([]string, error) {
	src := e.plan.SourceSchema
	dst := e.plan.DestSchema

	if err := ddl.EnsureSchemas(ctx, e.conn, []string{dst}); err != nil {
		return nil, err
	}

	var created []string
	usedShards := false

	for _, group := range e.plan.TableGroups {
		skip, err := e.groupFullyMaterialized(ctx, group)
		if err != nil {
			return nil, err
		}
		if skip {
			continue
		}

		sel := e.groupSelection(group)
		sharded := sel != nil && sel.Sharded()

		if sharded {
			usedShards = true
			if err := e.buildShardedRoot(ctx, group, sel, opts); err != nil {
				return nil, fmt.Errorf("group %q: %w", group.Name, err)
			}
		} else {
			if err := e.buildPlainRoot(ctx, group, sel, opts); err != nil {
				return nil, fmt.Errorf("group %q: %w", group.Name, err)
			}
		}

		for _, dep := range group.Deps {
			var err error
			switch {
			case len(dep.Sources) > 0:
				err = e.buildMultiSourceDep(ctx, group, dep, sel, opts)
			case dep.ShardBy == config.ShardByPKMod:
				usedShards = true
				err = e.buildPKModDep(ctx, group, dep, sel, opts)
			default:
				err = e.buildSimpleDep(ctx, dep)
			}
			if err != nil {
				return nil, fmt.Errorf("group %q dep %q: %w", group.Name, dep.Table, err)
			}
			if dep.Distinct {
				if err := e.dedupeTable(ctx, dep.Table); err != nil {
					return nil, fmt.Errorf("group %q dep %q: dedup: %w", group.Name, dep.Table, err)
				}
			}
		}

		for _, table := range group.GroupTables() {
			qualified := introspect.QualifiedTable(dst, table)
			if err := ddl.AnalyzeTable(ctx, e.conn, qualified); err != nil {
				return nil, fmt.Errorf("analyzing %s: %w", qualified, err)
			}
			if err := ddl.SetLogged(ctx, e.conn, qualified); err != nil {
				return nil, fmt.Errorf("setting %s logged: %w", qualified, err)
			}
			if opts.AddPrimaryKeys {
				pk, err := introspect.GetPrimaryKey(ctx, e.conn, src, table)
				if err != nil {
					return nil, err
				}
				if pk != nil {
					if err := ddl.AddPrimaryKey(ctx, e.conn, dst, table, pk.Columns, pk.Name); err != nil {
						return nil, fmt.Errorf("failed to add primary key on %s.%s: %w", dst, table, err)
					}
				}
			}
			created = append(created, dst+"."+table)
		}
	}

	if usedShards {
		if err := e.resetShardsSchema(ctx); err != nil {
			return nil, err
		}
	}

	return created, nil
}

// groupFullyMaterialized reports whether every target table of the group
// already exists in the destination.
func (e *Engine) groupFullyMaterialized(ctx context.Context, group config.TableGroup) (bool, error) {
	tables := group.GroupTables()
	if len(tables) == 0 {
		return true, nil
	}
	for _, t := range tables {
		exists, err := introspect.TableExists(ctx, e.conn, e.plan.DestSchema, t)
		if err != nil {
			return false, err
		}
		if !exists {
			return false, nil
		}
	}
	return true, nil
}

// groupSelection resolves the selection attached to the group's root, if
// any.
func (e *Engine) groupSelection(group config.TableGroup) *Selection {
	name := group.Root.Selection
	if name == "" && group.Root.Selector != nil {
		name = group.Name
	}
	if name == "" {
		return nil
	}
	return e.selections[name]
}

func (e *Engine) likeClause(table string, opts BuildOptions) string {
	like := fmt.Sprintf("LIKE %s", introspect.QualifiedTable(e.plan.SourceSchema, table))
	if opts.IncludeDefaults {
		like += " INCLUDING DEFAULTS"
	}
	return like
}

// buildPlainRoot materializes an unsharded root: a single join against the
// selection sub-query, or an empty clone when the root has no selection.
func (e *Engine) buildPlainRoot(ctx context.Context, group config.TableGroup, sel *Selection, opts BuildOptions) error {
	rootTable := group.RootTable()
	dstTable := introspect.QualifiedTable(e.plan.DestSchema, rootTable)

	if err := ddl.DropTableIfExists(ctx, e.conn, dstTable); err != nil {
		return err
	}
	if sel == nil {
		_, err := e.conn.ExecContext(ctx, fmt.Sprintf("CREATE UNLOGGED TABLE %s (%s)",
			dstTable, e.likeClause(rootTable, opts)))
		return err
	}

	_, err := e.conn.ExecContext(ctx, fmt.Sprintf(
		"CREATE UNLOGGED TABLE %s AS SELECT d.* FROM %s d JOIN (%s) p ON %s",
		dstTable, introspect.QualifiedTable(e.plan.SourceSchema, rootTable), sel.SQL, group.Root.JoinExpr()))
	return err
}

// buildShardedRoot materializes a sharded root: per-shard scratch tables
// built concurrently, then an empty destination clone filled by concurrent
// inserts from each shard.
func (e *Engine) buildShardedRoot(ctx context.Context, group config.TableGroup, sel *Selection, opts BuildOptions) error {
	rootTable := group.RootTable()
	src := e.plan.SourceSchema
	shards := e.plan.ShardsSchema
	dstTable := introspect.QualifiedTable(e.plan.DestSchema, rootTable)

	if err := ddl.EnsureSchemas(ctx, e.conn, []string{shards}); err != nil {
		return err
	}

	g := new(errgroup.Group)
	g.SetLimit(e.fanoutParallel)
	for i, shardSQL := range sel.Shards {
		g.Go(func() error {
			return e.withWorkerConn(ctx, func(conn *sql.Conn) error {
				shardTable := introspect.QualifiedTable(shards, shardName(rootTable, i))
				if _, err := conn.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", shardTable)); err != nil {
					return err
				}
				_, err := conn.ExecContext(ctx, fmt.Sprintf(
					"CREATE UNLOGGED TABLE %s AS SELECT d.* FROM %s d JOIN (%s) p ON %s",
					shardTable, introspect.QualifiedTable(src, rootTable), shardSQL, group.Root.JoinExpr()))
				return err
			})
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if err := ddl.DropTableIfExists(ctx, e.conn, dstTable); err != nil {
		return err
	}
	if _, err := e.conn.ExecContext(ctx, fmt.Sprintf("CREATE UNLOGGED TABLE %s (%s)",
		dstTable, e.likeClause(rootTable, opts))); err != nil {
		return err
	}

	return e.insertShards(ctx, dstTable, shards, rootTable, "_sh", len(sel.Shards))
}

// insertShards bulk-inserts each scratch shard into the destination table
// concurrently. Shard tables are disjoint so the writes do not contend.
func (e *Engine) insertShards(ctx context.Context, dstTable, shardsSchema, table, suffix string, count int) error {
	g := new(errgroup.Group)
	g.SetLimit(e.fanoutParallel)
	for i := 0; i < count; i++ {
		g.Go(func() error {
			return e.withWorkerConn(ctx, func(conn *sql.Conn) error {
				shardTable := introspect.QualifiedTable(shardsSchema, fmt.Sprintf("%s%s%d", table, suffix, i))
				_, err := conn.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s SELECT * FROM %s", dstTable, shardTable))
				return err
			})
		})
	}
	return g.Wait()
}

func shardName(table string, i int) string {
	return fmt.Sprintf("%s_sh%d", table, i)
}

func pkModShardName(table string, i int) string {
	return fmt.Sprintf("%s_pmsh%d", table, i)
}

// buildSimpleDep materializes a dependency with a single CREATE TABLE AS
// joining the already-materialized parent.
func (e *Engine) buildSimpleDep(ctx context.Context, dep config.GroupDep) error {
	src := e.plan.SourceSchema
	dst := e.plan.DestSchema
	parentSchema := dep.ParentSchema
	if parentSchema == "" {
		parentSchema = dst
	}
	dstTable := introspect.QualifiedTable(dst, dep.Table)

	if err := ddl.DropTableIfExists(ctx, e.conn, dstTable); err != nil {
		return err
	}
	stmt := fmt.Sprintf("CREATE UNLOGGED TABLE %s AS SELECT d.* FROM %s d JOIN %s p ON %s",
		dstTable,
		introspect.QualifiedTable(src, dep.Table),
		introspect.QualifiedTable(parentSchema, dep.ParentTable),
		dep.Join)
	if dep.Where != "" {
		stmt += " WHERE " + dep.Where
	}
	_, err := e.conn.ExecContext(ctx, stmt)
	return err
}

// buildMultiSourceDep materializes a dependency fed by several parent
// producers: an empty clone receives one insert per source, in declared
// order. Sharded producers fan the insert out over their shards.
func (e *Engine) buildMultiSourceDep(ctx context.Context, group config.TableGroup, dep config.GroupDep, rootSel *Selection, opts BuildOptions) error {
	src := e.plan.SourceSchema
	dst := e.plan.DestSchema
	rootTable := group.RootTable()
	dstTable := introspect.QualifiedTable(dst, dep.Table)
	srcTable := introspect.QualifiedTable(src, dep.Table)

	if err := ddl.DropTableIfExists(ctx, e.conn, dstTable); err != nil {
		return err
	}
	if _, err := e.conn.ExecContext(ctx, fmt.Sprintf("CREATE UNLOGGED TABLE %s (%s)",
		dstTable, e.likeClause(dep.Table, opts))); err != nil {
		return err
	}

	rootSharded := rootSel != nil && rootSel.Sharded()

	for _, source := range dep.Sources {
		where := ""
		if source.Where != "" {
			where = " WHERE " + source.Where
		}

		switch {
		case source.Selection != "":
			sel := e.selections[source.Selection]
			if sel != nil && sel.Sharded() {
				g := new(errgroup.Group)
				g.SetLimit(e.fanoutParallel)
				for _, shardSQL := range sel.Shards {
					g.Go(func() error {
						return e.withWorkerConn(ctx, func(conn *sql.Conn) error {
							_, err := conn.ExecContext(ctx, fmt.Sprintf(
								"INSERT INTO %s SELECT d.* FROM %s d JOIN (%s) p ON %s%s",
								dstTable, srcTable, shardSQL, source.Join, where))
							return err
						})
					})
				}
				if err := g.Wait(); err != nil {
					return err
				}
				continue
			}
			selSQL := EmptySelectionSQL
			if sel != nil {
				selSQL = sel.SQL
			}
			if _, err := e.conn.ExecContext(ctx, fmt.Sprintf(
				"INSERT INTO %s SELECT d.* FROM %s d JOIN (%s) p ON %s%s",
				dstTable, srcTable, selSQL, source.Join, where)); err != nil {
				return err
			}

		case rootSharded && source.ParentTable == rootTable:
			g := new(errgroup.Group)
			g.SetLimit(e.fanoutParallel)
			for i := range rootSel.Shards {
				g.Go(func() error {
					return e.withWorkerConn(ctx, func(conn *sql.Conn) error {
						_, err := conn.ExecContext(ctx, fmt.Sprintf(
							"INSERT INTO %s SELECT d.* FROM %s d JOIN %s p ON %s%s",
							dstTable, srcTable,
							introspect.QualifiedTable(e.plan.ShardsSchema, shardName(source.ParentTable, i)),
							source.Join, where))
						return err
					})
				})
			}
			if err := g.Wait(); err != nil {
				return err
			}

		default:
			parentSchema := source.ParentSchema
			if parentSchema == "" {
				parentSchema = dst
			}
			if _, err := e.conn.ExecContext(ctx, fmt.Sprintf(
				"INSERT INTO %s SELECT d.* FROM %s d JOIN %s p ON %s%s",
				dstTable, srcTable,
				introspect.QualifiedTable(parentSchema, source.ParentTable),
				source.Join, where)); err != nil {
				return err
			}
		}
	}
	return nil
}

// buildPKModDep materializes a dependency sharded by primary-key modulo:
// per-shard scratch tables carved by a modulo predicate, built and unioned
// concurrently.
func (e *Engine) buildPKModDep(ctx context.Context, group config.TableGroup, dep config.GroupDep, rootSel *Selection, opts BuildOptions) error {
	src := e.plan.SourceSchema
	dst := e.plan.DestSchema
	shards := e.plan.ShardsSchema

	count := dep.ShardCount
	if count == 0 && rootSel != nil {
		count = len(rootSel.Shards)
	}
	if count <= 1 {
		return fmt.Errorf("shard_by=pk_mod requires shard_count > 1")
	}

	isInt, err := introspect.ColumnIsInteger(ctx, e.conn, src, dep.Table, dep.ShardKey)
	if err != nil {
		return err
	}

	if err := ddl.EnsureSchemas(ctx, e.conn, []string{shards}); err != nil {
		return err
	}

	srcTable := introspect.QualifiedTable(src, dep.Table)
	parentTable := introspect.QualifiedTable(dst, dep.ParentTable)
	shardKey := pq.QuoteIdentifier(dep.ShardKey)

	g := new(errgroup.Group)
	g.SetLimit(e.fanoutParallel)
	for i := 0; i < count; i++ {
		g.Go(func() error {
			return e.withWorkerConn(ctx, func(conn *sql.Conn) error {
				pred := fmt.Sprintf("(d.%s %% %d) = %d", shardKey, count, i)
				if !isInt {
					pred = fmt.Sprintf("(abs(hashtext(d.%s::text)) %% %d) = %d", shardKey, count, i)
				}
				where := "WHERE " + pred
				if dep.Where != "" {
					where = fmt.Sprintf("WHERE %s AND %s", dep.Where, pred)
				}
				shardTable := introspect.QualifiedTable(shards, pkModShardName(dep.Table, i))
				if _, err := conn.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", shardTable)); err != nil {
					return err
				}
				_, err := conn.ExecContext(ctx, fmt.Sprintf(
					"CREATE UNLOGGED TABLE %s AS SELECT d.* FROM %s d JOIN %s p ON %s %s",
					shardTable, srcTable, parentTable, dep.Join, where))
				return err
			})
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	dstTable := introspect.QualifiedTable(dst, dep.Table)
	if err := ddl.DropTableIfExists(ctx, e.conn, dstTable); err != nil {
		return err
	}
	if _, err := e.conn.ExecContext(ctx, fmt.Sprintf("CREATE UNLOGGED TABLE %s (%s)",
		dstTable, e.likeClause(dep.Table, opts))); err != nil {
		return err
	}

	return e.insertShards(ctx, dstTable, shards, dep.Table, "_pmsh", count)
}

// dedupeTable rewrites a destination table keeping one row per primary-key
// tuple; with no primary key, rows deduplicate on a hash of their JSON
// form. SELECT DISTINCT on the row itself is avoided because some column
// types lack equality operators.
func (e *Engine) dedupeTable(ctx context.Context, table string) error {
	src := e.plan.SourceSchema
	dstTable := introspect.QualifiedTable(e.plan.DestSchema, table)

	pk, err := introspect.GetPrimaryKey(ctx, e.conn, src, table)
	if err != nil {
		return err
	}

	keys := "md5(to_jsonb(d)::text)"
	if pk != nil {
		cols := make([]string, len(pk.Columns))
		for i, c := range pk.Columns {
			cols[i] = "d." + pq.QuoteIdentifier(c)
		}
		keys = strings.Join(cols, ", ")
	}

	// Temp tables are session-scoped, so the whole rewrite pins one
	// connection.
	return e.withWorkerConn(ctx, func(conn *sql.Conn) error {
		stmts := []string{
			fmt.Sprintf("CREATE TEMP TABLE _dbslice_distinct AS SELECT DISTINCT ON (%s) d.* FROM %s d ORDER BY %s", keys, dstTable, keys),
			fmt.Sprintf("TRUNCATE %s", dstTable),
			fmt.Sprintf("INSERT INTO %s SELECT * FROM _dbslice_distinct", dstTable),
			"DROP TABLE _dbslice_distinct",
		}
		for _, stmt := range stmts {
			if _, err := conn.ExecContext(ctx, stmt); err != nil {
				return err
			}
		}
		return nil
	})
}

// resetShardsSchema drops and recreates the scratch shard namespace,
// refusing to touch primary application schemas.
func (e *Engine) resetShardsSchema(ctx context.Context) error {
	shards := e.plan.ShardsSchema
	banned := map[string]bool{
		e.plan.SourceSchema:  true,
		e.plan.DestSchema:    true,
		e.plan.TmpSchema:     true,
		"public":             true,
		"pg_catalog":         true,
		"information_schema": true,
	}
	if banned[shards] {
		return nil
	}
	return ddl.ResetSchema(ctx, e.conn, shards)
}
