// SPDX-License-Identifier: Apache-2.0

package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rblakemesser/dbslice/pkg/config"
)

func TestParseDefaults(t *testing.T) {
	t.Parallel()

	plan, err := config.Parse([]byte(`{}`))
	require.NoError(t, err)

	assert.Equal(t, "public", plan.SourceSchema)
	assert.Equal(t, "stage", plan.DestSchema)
	assert.Equal(t, "tmp", plan.TmpSchema)
	assert.Equal(t, "shards", plan.ShardsSchema)

	assert.True(t, plan.Reconcile.Sequences)
	assert.True(t, plan.Reconcile.Constraints)
	assert.True(t, plan.Reconcile.Triggers)
	assert.False(t, plan.Reconcile.Permissions)
	assert.False(t, plan.Reconcile.StrictObjects)
}

func TestParseDerivesRootsFromTableGroups(t *testing.T) {
	t.Parallel()

	plan, err := config.Parse([]byte(`
source_schema: public
dest_schema: stage
table_groups:
  - name: store
    root:
      table: store
      selector:
        mode: list
        ids: [1, 2]
    deps:
      - table: product
        parent_table: store
        join: d.store_id = p.id
`))
	require.NoError(t, err)

	require.Len(t, plan.Roots, 1)
	root := plan.Roots[0]
	assert.Equal(t, "store", root.Name)
	assert.Equal(t, "store", root.Table)
	assert.Equal(t, "id", root.IDCol)
	assert.Equal(t, config.ModeList, root.Selector.NormalizedMode())
	assert.Equal(t, []int64{1, 2}, root.Selector.IDs)
}

func TestParseRootSelectionAlias(t *testing.T) {
	t.Parallel()

	plan, err := config.Parse([]byte(`
table_groups:
  - name: orders
    root:
      table: order
      selection: stores
      selector:
        mode: list
        ids: [7]
`))
	require.NoError(t, err)

	require.Len(t, plan.Roots, 1)
	assert.Equal(t, "stores", plan.Roots[0].Name)
	assert.Equal(t, "order", plan.Roots[0].Table)
}

func TestParseRejectsUnsupportedSelector(t *testing.T) {
	t.Parallel()

	_, err := config.Parse([]byte(`
table_groups:
  - name: store
    root:
      table: store
      selector:
        mode: frobnicate
`))
	require.Error(t, err)
	assert.ErrorContains(t, err, "unsupported selector mode")
}

func TestParseRejectsPKModWithoutShardKey(t *testing.T) {
	t.Parallel()

	_, err := config.Parse([]byte(`
table_groups:
  - name: orders
    root:
      table: order
      selector:
        mode: list
        ids: [1]
    deps:
      - table: order_item
        parent_table: order
        join: d.order_id = p.id
        shard_by: pk_mod
        shard_count: 2
`))
	require.Error(t, err)
	assert.ErrorContains(t, err, "requires shard_key")
}

func TestParseRejectsWeightedShardWithoutWeightsSQL(t *testing.T) {
	t.Parallel()

	_, err := config.Parse([]byte(`
table_groups:
  - name: store
    root:
      table: store
      shard:
        count: 4
        strategy: weighted
      selector:
        mode: list
        ids: [1]
`))
	require.Error(t, err)
	assert.ErrorContains(t, err, "weights_sql")
}

func TestParseRejectsSelectionCycle(t *testing.T) {
	t.Parallel()

	_, err := config.Parse([]byte(`
table_groups:
  - name: a
    root:
      table: a
      selector:
        mode: scope_or_exists
        scope_column: b_id
        scope_selection: b
  - name: b
    root:
      table: b
      selector:
        mode: scope_or_exists
        scope_column: a_id
        scope_selection: a
`))
	require.Error(t, err)
	assert.ErrorContains(t, err, "cycle")
}

func TestSplitPhases(t *testing.T) {
	t.Parallel()

	plan, err := config.Parse([]byte(`
table_groups:
  - name: store
    root:
      table: store
      selector:
        mode: list
        ids: [1]
  - name: catalog
    root:
      table: catalog
      phase: post
      selector:
        mode: referenced_by_column
        column: catalog_id
`))
	require.NoError(t, err)

	pre, post := plan.SplitPhases()

	require.Len(t, pre.TableGroups, 1)
	assert.Equal(t, "store", pre.TableGroups[0].Name)
	require.Len(t, pre.Roots, 1)

	require.Len(t, post.TableGroups, 1)
	assert.Equal(t, "catalog", post.TableGroups[0].Name)
	require.Len(t, post.Roots, 1)
	assert.Equal(t, "catalog", post.Roots[0].Name)
}

func TestSubsetComputesSelectionClosure(t *testing.T) {
	t.Parallel()

	plan, err := config.Parse([]byte(`
table_groups:
  - name: stores
    root:
      table: store
      selector:
        mode: list
        ids: [1]
  - name: members
    root:
      table: member
      selector:
        mode: scope_or_exists
        scope_column: store_id
        scope_selection: stores
`))
	require.NoError(t, err)

	subset, err := plan.Subset([]string{"members"})
	require.NoError(t, err)

	require.Len(t, subset.TableGroups, 1)
	assert.Equal(t, "members", subset.TableGroups[0].Name)

	names := make([]string, 0, len(subset.Roots))
	for _, r := range subset.Roots {
		names = append(names, r.Name)
	}
	assert.ElementsMatch(t, []string{"stores", "members"}, names)
}

func TestSubsetRejectsUnknownGroup(t *testing.T) {
	t.Parallel()

	plan, err := config.Parse([]byte(`
table_groups:
  - name: stores
    root:
      table: store
      selector:
        mode: list
        ids: [1]
`))
	require.NoError(t, err)

	_, err = plan.Subset([]string{"nope"})
	require.Error(t, err)
	assert.ErrorIs(t, err, config.UnknownGroupError{Name: "nope"})
}

func TestNeuterRuleSkips(t *testing.T) {
	t.Parallel()

	single := config.NeuterRule{SkipPattern: "%@example.com"}
	assert.Equal(t, []string{"%@example.com"}, single.Skips())

	multi := config.NeuterRule{SkipPatterns: []string{"a%", "b%"}}
	assert.Equal(t, []string{"a%", "b%"}, multi.Skips())
}

func TestGroupRootJoinDefault(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "d.id = p.id", config.GroupRoot{}.JoinExpr())
	assert.Equal(t, "d.id = p.store_id", config.GroupRoot{Join: "d.id = p.store_id"}.JoinExpr())
}

func TestReconcileGateOverrides(t *testing.T) {
	t.Parallel()

	plan, err := config.Parse([]byte(`
reconcile:
  sequences: false
  permissions: true
  strict_objects: true
`))
	require.NoError(t, err)

	assert.False(t, plan.Reconcile.Sequences)
	assert.True(t, plan.Reconcile.Permissions)
	assert.True(t, plan.Reconcile.StrictObjects)
	assert.True(t, plan.Reconcile.Indexes)
}
