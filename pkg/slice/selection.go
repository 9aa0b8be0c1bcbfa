// SPDX-License-Identifier: Apache-2.0

package slice

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/lib/pq"

	"github.com/rblakemesser/dbslice/pkg/config"
	"github.com/rblakemesser/dbslice/pkg/ddl"
	"github.com/rblakemesser/dbslice/pkg/introspect"
)

// EmptySelectionSQL is the sub-query sentinel for a selection that resolved
// to no identifiers.
const EmptySelectionSQL = "SELECT NULL::bigint AS id WHERE FALSE"

// Selection is a named set of root identifiers plus a sub-query that
// reproduces the set. When the owning root is sharded, Shards holds the
// per-shard sub-queries whose union equals the selection.
type Selection struct {
	Name   string
	IDs    []int64
	SQL    string
	Shards []string
}

// Sharded reports whether the selection carries per-shard sub-queries.
func (s *Selection) Sharded() bool {
	return len(s.Shards) > 1
}

// ValuesSQL renders an id list as an inline sub-query.
func ValuesSQL(ids []int64) string {
	if len(ids) == 0 {
		return EmptySelectionSQL
	}
	var b strings.Builder
	b.WriteString("SELECT id FROM (VALUES ")
	for i, id := range ids {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteByte('(')
		b.WriteString(strconv.FormatInt(id, 10))
		b.WriteByte(')')
	}
	b.WriteString(") AS v(id)")
	return b.String()
}

// ResolveSelections evaluates every root selector of the plan and returns
// the resolved selections keyed by name. Selections that other selections
// scope against (scope_or_exists) are resolved first.
func (e *Engine) ResolveSelections(ctx context.Context) (map[string]*Selection, error) {
	if err := ddl.EnsureSchemas(ctx, e.conn, []string{e.plan.DestSchema}); err != nil {
		return nil, err
	}

	pending := append([]config.Root(nil), e.plan.Roots...)
	for len(pending) > 0 {
		progressed := false
		var next []config.Root
		for _, root := range pending {
			unresolved := false
			for _, dep := range scopeDependencies(root) {
				if _, ok := e.selections[dep]; !ok {
					unresolved = true
					break
				}
			}
			if unresolved {
				next = append(next, root)
				continue
			}
			sel, err := e.resolveRoot(ctx, root)
			if err != nil {
				return nil, err
			}
			e.selections[root.Name] = sel
			progressed = true
		}
		if !progressed {
			names := make([]string, 0, len(next))
			for _, r := range next {
				names = append(names, r.Name)
			}
			sort.Strings(names)
			return nil, fmt.Errorf("unresolvable selection dependencies: %s", strings.Join(names, ", "))
		}
		pending = next
	}
	return e.selections, nil
}

func scopeDependencies(root config.Root) []string {
	if root.Selector.Mode != config.ModeScopeOrExists {
		return nil
	}
	deps := []string{root.Selector.ScopeSelection}
	if ec := root.Selector.Exists; ec != nil && ec.Filter.Selection != "" {
		deps = append(deps, ec.Filter.Selection)
	}
	return deps
}

func (e *Engine) resolveRoot(ctx context.Context, root config.Root) (*Selection, error) {
	ids, selSQL, err := e.selectIDs(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("resolving selection %q: %w", root.Name, err)
	}

	// Ensure-listed identifiers join the set but leave the sub-query alone.
	present := make(map[int64]bool, len(ids))
	for _, id := range ids {
		present[id] = true
	}
	for _, id := range root.Ensure {
		if !present[id] {
			ids = append(ids, id)
			present[id] = true
		}
	}

	sel := &Selection{Name: root.Name, IDs: ids, SQL: selSQL}

	if root.Shard.Active() {
		shards, err := e.assignShards(ctx, root, ids)
		if err != nil {
			return nil, fmt.Errorf("sharding selection %q: %w", root.Name, err)
		}
		sel.Shards = make([]string, len(shards))
		for i, shardIDs := range shards {
			sel.Shards[i] = ValuesSQL(shardIDs)
		}
	}
	return sel, nil
}

// selectIDs evaluates the selector and returns the identifier set plus the
// reusable sub-query that reproduces it.
func (e *Engine) selectIDs(ctx context.Context, root config.Root) ([]int64, string, error) {
	sel := root.Selector
	src := e.plan.SourceSchema
	dst := e.plan.DestSchema

	switch sel.NormalizedMode() {
	case config.ModeList:
		ids := append([]int64(nil), sel.IDs...)
		return ids, ValuesSQL(ids), nil

	case config.ModeSQL:
		ids, err := e.queryIDs(ctx, sel.SQL, sel.Params...)
		if err != nil {
			return nil, "", err
		}
		return ids, fmt.Sprintf("SELECT id FROM (%s) AS src(id)", sel.SQL), nil

	case config.ModeReferencedBy:
		var parts []string
		for _, r := range sel.Refs {
			schema := r.Schema
			if schema == "" {
				schema = dst
			}
			exists, err := introspect.TableExists(ctx, e.conn, schema, r.Table)
			if err != nil {
				return nil, "", err
			}
			if exists {
				parts = append(parts, fmt.Sprintf("SELECT DISTINCT %s AS id FROM %s",
					pq.QuoteIdentifier(r.Column), introspect.QualifiedTable(schema, r.Table)))
			}
		}
		return e.unionIDs(ctx, parts)

	case config.ModeReferencedByColumn:
		schema := sel.Schema
		if schema == "" {
			schema = dst
		}
		tables, err := introspect.TablesWithColumn(ctx, e.conn, schema, sel.Column)
		if err != nil {
			return nil, "", err
		}
		var parts []string
		for _, t := range tables {
			parts = append(parts, fmt.Sprintf("SELECT DISTINCT %s AS id FROM %s",
				pq.QuoteIdentifier(sel.Column), introspect.QualifiedTable(schema, t)))
		}
		for _, r := range sel.ExtraRefs {
			refSchema := r.Schema
			if refSchema == "" {
				refSchema = dst
			}
			tblExists, err := introspect.TableExists(ctx, e.conn, refSchema, r.Table)
			if err != nil {
				return nil, "", err
			}
			if !tblExists {
				continue
			}
			colExists, err := introspect.ColumnExists(ctx, e.conn, refSchema, r.Table, r.Column)
			if err != nil {
				return nil, "", err
			}
			if colExists {
				parts = append(parts, fmt.Sprintf("SELECT DISTINCT %s AS id FROM %s",
					pq.QuoteIdentifier(r.Column), introspect.QualifiedTable(refSchema, r.Table)))
			}
		}
		return e.unionIDs(ctx, parts)

	case config.ModeFKInStage:
		srcOK, err := introspect.TableExists(ctx, e.conn, src, root.Table)
		if err != nil {
			return nil, "", err
		}
		stageOK, err := introspect.TableExists(ctx, e.conn, dst, sel.StageTable)
		if err != nil {
			return nil, "", err
		}
		if !srcOK || !stageOK {
			return nil, EmptySelectionSQL, nil
		}
		stageIDCol := sel.StageIDCol
		if stageIDCol == "" {
			stageIDCol = "id"
		}
		query := fmt.Sprintf(
			"SELECT DISTINCT d.id FROM %s d WHERE d.%s IS NOT NULL AND d.%s IN (SELECT %s FROM %s)",
			introspect.QualifiedTable(src, root.Table),
			pq.QuoteIdentifier(sel.FKColumn), pq.QuoteIdentifier(sel.FKColumn),
			pq.QuoteIdentifier(stageIDCol), introspect.QualifiedTable(dst, sel.StageTable))
		ids, err := e.queryIDs(ctx, query)
		if err != nil {
			return nil, "", err
		}
		return ids, query, nil

	case config.ModeRefersToStage:
		srcOK, err := introspect.TableExists(ctx, e.conn, src, root.Table)
		if err != nil {
			return nil, "", err
		}
		var clauses []string
		for _, t := range sel.Targets {
			stageOK, err := introspect.TableExists(ctx, e.conn, dst, t.StageTable)
			if err != nil {
				return nil, "", err
			}
			if !stageOK {
				continue
			}
			stageIDCol := t.StageIDCol
			if stageIDCol == "" {
				stageIDCol = "id"
			}
			clauses = append(clauses, fmt.Sprintf("EXISTS (SELECT 1 FROM %s x WHERE x.%s = d.%s)",
				introspect.QualifiedTable(dst, t.StageTable),
				pq.QuoteIdentifier(stageIDCol), pq.QuoteIdentifier(t.LocalColumn)))
		}
		if !srcOK || len(clauses) == 0 {
			return nil, EmptySelectionSQL, nil
		}
		query := fmt.Sprintf("SELECT DISTINCT d.id FROM %s d WHERE %s",
			introspect.QualifiedTable(src, root.Table), strings.Join(clauses, " OR "))
		ids, err := e.queryIDs(ctx, query)
		if err != nil {
			return nil, "", err
		}
		return ids, query, nil

	case config.ModeScopeOrExists:
		return e.selectScopeOrExists(ctx, root)
	}

	return nil, "", config.UnsupportedSelectorError{Selection: root.Name, Mode: sel.Mode}
}

// selectScopeOrExists resolves the scope_or_exists selector: rows whose
// scope column falls in an already-resolved selection (minus excluded
// values), or rows reachable through a mapping table filtered by another
// selection. Scope sets are inlined as VALUES sub-queries.
func (e *Engine) selectScopeOrExists(ctx context.Context, root config.Root) ([]int64, string, error) {
	sel := root.Selector
	src := e.plan.SourceSchema

	scope, ok := e.selections[sel.ScopeSelection]
	if !ok {
		return nil, "", fmt.Errorf("selection %q requires unresolved selection %q", root.Name, sel.ScopeSelection)
	}

	srcOK, err := introspect.TableExists(ctx, e.conn, src, root.Table)
	if err != nil {
		return nil, "", err
	}
	if !srcOK {
		return nil, EmptySelectionSQL, nil
	}

	scopeCol := pq.QuoteIdentifier(sel.ScopeColumn)
	scopeSQL := fmt.Sprintf("(d.%s IN (%s))", scopeCol, ValuesSQL(scope.IDs))
	if len(sel.ExcludeValues) > 0 {
		vals := make([]string, len(sel.ExcludeValues))
		for i, v := range sel.ExcludeValues {
			vals[i] = strconv.FormatInt(v, 10)
		}
		scopeSQL += fmt.Sprintf(" AND d.%s NOT IN (%s)", scopeCol, strings.Join(vals, ","))
	}

	existsSQL := ""
	if ec := sel.Exists; ec != nil {
		mapOK, err := introspect.TableExists(ctx, e.conn, src, ec.Table)
		if err != nil {
			return nil, "", err
		}
		if mapOK {
			filter, ok := e.selections[ec.Filter.Selection]
			if !ok {
				return nil, "", fmt.Errorf("selection %q requires unresolved selection %q", root.Name, ec.Filter.Selection)
			}
			var preds []string
			if ec.RequireLocalNotNull {
				preds = append(preds, fmt.Sprintf("d.%s IS NOT NULL", pq.QuoteIdentifier(ec.On.Local)))
			}
			if lp := ec.LocalPredicate; lp != nil {
				preds = append(preds, fmt.Sprintf("d.%s = %d", pq.QuoteIdentifier(lp.Column), lp.Value))
			}
			preds = append(preds, fmt.Sprintf(
				"EXISTS (SELECT 1 FROM %s m WHERE m.%s = d.%s AND m.%s IN (%s))",
				introspect.QualifiedTable(src, ec.Table),
				pq.QuoteIdentifier(ec.On.Foreign), pq.QuoteIdentifier(ec.On.Local),
				pq.QuoteIdentifier(ec.Filter.Column), ValuesSQL(filter.IDs)))
			existsSQL = "(" + strings.Join(preds, " AND ") + ")"
		}
	}

	where := scopeSQL
	if existsSQL != "" {
		where = fmt.Sprintf("(%s) OR (%s)", scopeSQL, existsSQL)
	}
	query := fmt.Sprintf("SELECT DISTINCT d.id FROM %s d WHERE %s",
		introspect.QualifiedTable(src, root.Table), where)
	ids, err := e.queryIDs(ctx, query)
	if err != nil {
		return nil, "", err
	}
	return ids, query, nil
}

// unionIDs runs a UNION of parts filtered to non-null ids and returns both
// the identifiers and the reusable sub-query.
func (e *Engine) unionIDs(ctx context.Context, parts []string) ([]int64, string, error) {
	if len(parts) == 0 {
		return nil, EmptySelectionSQL, nil
	}
	query := fmt.Sprintf("SELECT id FROM (%s) u WHERE id IS NOT NULL", strings.Join(parts, " UNION "))
	ids, err := e.queryIDs(ctx, query)
	if err != nil {
		return nil, "", err
	}
	return ids, query, nil
}

func (e *Engine) queryIDs(ctx context.Context, query string, args ...interface{}) ([]int64, error) {
	rows, err := e.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// assignShards distributes the selection's identifiers across shard.Count
// buckets, either round-robin or by greedy weight balancing.
func (e *Engine) assignShards(ctx context.Context, root config.Root, ids []int64) ([][]int64, error) {
	shard := root.Shard
	shards := make([][]int64, shard.Count)

	if shard.Strategy == config.ShardWeighted {
		weights, err := e.queryWeights(ctx, shard.WeightsSQL)
		if err != nil {
			return nil, err
		}
		AssignWeighted(shards, ids, weights)
		return shards, nil
	}

	for i, id := range ids {
		k := i % shard.Count
		shards[k] = append(shards[k], id)
	}
	return shards, nil
}

// AssignWeighted fills shards greedily: identifiers in descending weight
// order go to the bucket with the smallest running total, ties broken by
// bucket index. Unknown identifiers weigh 1.
func AssignWeighted(shards [][]int64, ids []int64, weights map[int64]int64) {
	type item struct {
		id     int64
		weight int64
	}
	items := make([]item, len(ids))
	for i, id := range ids {
		w, ok := weights[id]
		if !ok {
			w = 1
		}
		items[i] = item{id: id, weight: w}
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].weight > items[j].weight })

	totals := make([]int64, len(shards))
	for _, it := range items {
		k := 0
		for idx := 1; idx < len(totals); idx++ {
			if totals[idx] < totals[k] {
				k = idx
			}
		}
		shards[k] = append(shards[k], it.id)
		totals[k] += it.weight
	}
}

// queryWeights runs weights_sql and coerces its (id, weight) rows. A row
// that cannot be coerced to integers is a configuration error.
func (e *Engine) queryWeights(ctx context.Context, weightsSQL string) (map[int64]int64, error) {
	rows, err := e.conn.QueryContext(ctx, weightsSQL)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	weights := make(map[int64]int64)
	for rows.Next() {
		var rawID, rawWeight interface{}
		if err := rows.Scan(&rawID, &rawWeight); err != nil {
			return nil, err
		}
		id, err := coerceInt64(rawID)
		if err != nil {
			return nil, fmt.Errorf("invalid weights row: id=%v: %w", rawID, err)
		}
		weight, err := coerceInt64(rawWeight)
		if err != nil {
			return nil, fmt.Errorf("invalid weights row: id=%d weight=%v: %w", id, rawWeight, err)
		}
		weights[id] = weight
	}
	return weights, rows.Err()
}

func coerceInt64(v interface{}) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int32:
		return int64(x), nil
	case float64:
		return int64(x), nil
	case []byte:
		return strconv.ParseInt(string(x), 10, 64)
	case string:
		return strconv.ParseInt(x, 10, 64)
	case nil:
		return 0, fmt.Errorf("null value")
	default:
		return 0, fmt.Errorf("unsupported type %T", v)
	}
}
