// SPDX-License-Identifier: Apache-2.0

package slice_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rblakemesser/dbslice/internal/testutils"
	"github.com/rblakemesser/dbslice/pkg/slice"
)

func TestMain(m *testing.M) {
	testutils.SharedTestMain(m)
}

func mustExec(t *testing.T, db *sql.DB, stmts ...string) {
	t.Helper()
	for _, stmt := range stmts {
		_, err := db.Exec(stmt)
		require.NoError(t, err, "statement: %s", stmt)
	}
}

func countRows(t *testing.T, db *sql.DB, table string) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow("SELECT count(*) FROM "+table).Scan(&n))
	return n
}

func seedStoreSchema(t *testing.T, db *sql.DB) {
	mustExec(t, db,
		`CREATE TABLE public.store (id bigint PRIMARY KEY, name text NOT NULL)`,
		`CREATE TABLE public.product (id bigint PRIMARY KEY, store_id bigint NOT NULL, sku text)`,
		`INSERT INTO public.store VALUES (1, 'Alpha Store'), (2, 'Beta Store'), (3, 'Gamma Store')`,
		`INSERT INTO public.product VALUES (10, 1, 'a-1'), (11, 1, 'a-2'), (20, 2, 'b-1'), (30, 3, 'c-1')`,
	)
}

func TestPrecopyOnly(t *testing.T) {
	t.Parallel()

	plan := `
source_schema: public
dest_schema: stage
precopy:
  full_copy: [coupon]
  schema_only: [shipment]
`
	testutils.WithEngineAndConnectionToContainer(t, plan, func(e *slice.Engine, db *sql.DB) {
		ctx := context.Background()
		mustExec(t, db,
			`CREATE TABLE public.coupon (id bigint PRIMARY KEY, code text)`,
			`CREATE TABLE public.shipment (id bigint PRIMARY KEY, address text)`,
			`INSERT INTO public.coupon SELECT g, 'c-' || g FROM generate_series(1, 7) g`,
			`INSERT INTO public.shipment SELECT g, 'addr-' || g FROM generate_series(1, 12) g`,
		)

		res, err := e.Precopy(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"shipment"}, res.SchemaOnly)
		assert.Equal(t, []string{"coupon"}, res.FullCopy)

		assert.Equal(t, 0, countRows(t, db, "stage.shipment"))
		assert.Equal(t, 7, countRows(t, db, "stage.coupon"))

		// Precopy is idempotent: rerunning creates nothing new.
		res, err = e.Precopy(ctx)
		require.NoError(t, err)
		assert.Empty(t, res.SchemaOnly)
		assert.Empty(t, res.FullCopy)
		assert.Equal(t, 7, countRows(t, db, "stage.coupon"))
	})
}

func TestSubsetByRootList(t *testing.T) {
	t.Parallel()

	plan := `
source_schema: public
dest_schema: stage
table_groups:
  - name: store
    root:
      table: store
      selector:
        mode: list
        ids: [1]
    deps:
      - table: product
        parent_table: store
        join: d.store_id = p.id
`
	testutils.WithEngineAndConnectionToContainer(t, plan, func(e *slice.Engine, db *sql.DB) {
		ctx := context.Background()
		seedStoreSchema(t, db)

		_, err := e.ResolveSelections(ctx)
		require.NoError(t, err)

		created, err := e.BuildGroups(ctx, slice.DefaultBuildOptions())
		require.NoError(t, err)
		assert.Equal(t, []string{"stage.store", "stage.product"}, created)

		var name string
		require.NoError(t, db.QueryRow(`SELECT name FROM stage.store`).Scan(&name))
		assert.Equal(t, "Alpha Store", name)
		assert.Equal(t, 1, countRows(t, db, "stage.store"))

		rows, err := db.Query(`SELECT DISTINCT store_id FROM stage.product ORDER BY store_id`)
		require.NoError(t, err)
		defer rows.Close()
		var ids []int64
		for rows.Next() {
			var id int64
			require.NoError(t, rows.Scan(&id))
			ids = append(ids, id)
		}
		require.NoError(t, rows.Err())
		assert.Equal(t, []int64{1}, ids)

		// Destination tables carry the source primary keys.
		var pk string
		require.NoError(t, db.QueryRow(`
			SELECT constraint_name FROM information_schema.table_constraints
			WHERE table_schema = 'stage' AND table_name = 'store' AND constraint_type = 'PRIMARY KEY'`).Scan(&pk))
		assert.Equal(t, "store_pkey", pk)
	})
}

func TestGroupSkippedWhenAllTablesExist(t *testing.T) {
	t.Parallel()

	plan := `
source_schema: public
dest_schema: stage
table_groups:
  - name: store
    root:
      table: store
      selector:
        mode: list
        ids: [1]
    deps:
      - table: product
        parent_table: store
        join: d.store_id = p.id
`
	testutils.WithEngineAndConnectionToContainer(t, plan, func(e *slice.Engine, db *sql.DB) {
		ctx := context.Background()
		seedStoreSchema(t, db)
		mustExec(t, db,
			`CREATE SCHEMA stage`,
			`CREATE TABLE stage.store (id bigint, name text)`,
			`CREATE TABLE stage.product (id bigint, store_id bigint, sku text)`,
			`INSERT INTO stage.store VALUES (99, 'Sentinel')`,
		)

		_, err := e.ResolveSelections(ctx)
		require.NoError(t, err)

		created, err := e.BuildGroups(ctx, slice.DefaultBuildOptions())
		require.NoError(t, err)
		assert.Empty(t, created)

		// The pre-existing contents survive untouched.
		var name string
		require.NoError(t, db.QueryRow(`SELECT name FROM stage.store`).Scan(&name))
		assert.Equal(t, "Sentinel", name)
	})
}

func TestMultiSourceUnionWithDistinct(t *testing.T) {
	t.Parallel()

	plan := `
source_schema: public
dest_schema: stage
table_groups:
  - name: store
    root:
      table: store
      selector:
        mode: list
        ids: [1]
    deps:
      - table: parent_a
        parent_table: store
        join: d.store_id = p.id
      - table: parent_b
        parent_table: store
        join: d.store_id = p.id
      - table: batch
        distinct: true
        sources:
          - parent_table: parent_a
            join: d.id = p.batch_id
          - parent_table: parent_b
            join: d.id = p.batch_id
`
	testutils.WithEngineAndConnectionToContainer(t, plan, func(e *slice.Engine, db *sql.DB) {
		ctx := context.Background()
		mustExec(t, db,
			`CREATE TABLE public.store (id bigint PRIMARY KEY, name text)`,
			`CREATE TABLE public.parent_a (id bigint PRIMARY KEY, store_id bigint, batch_id bigint)`,
			`CREATE TABLE public.parent_b (id bigint PRIMARY KEY, store_id bigint, batch_id bigint)`,
			`CREATE TABLE public.batch (id bigint PRIMARY KEY, label text)`,
			`INSERT INTO public.store VALUES (1, 'Alpha')`,
			`INSERT INTO public.batch VALUES (500, 'B')`,
			`INSERT INTO public.parent_a VALUES (1, 1, 500), (2, 1, 500), (3, 1, 500)`,
			`INSERT INTO public.parent_b VALUES (4, 1, 500), (5, 1, 500), (6, 1, 500)`,
		)

		_, err := e.ResolveSelections(ctx)
		require.NoError(t, err)

		_, err = e.BuildGroups(ctx, slice.DefaultBuildOptions())
		require.NoError(t, err)

		assert.Equal(t, 1, countRows(t, db, "stage.batch"))
		var id int64
		require.NoError(t, db.QueryRow(`SELECT id FROM stage.batch`).Scan(&id))
		assert.Equal(t, int64(500), id)

		var pk string
		require.NoError(t, db.QueryRow(`
			SELECT constraint_name FROM information_schema.table_constraints
			WHERE table_schema = 'stage' AND table_name = 'batch' AND constraint_type = 'PRIMARY KEY'`).Scan(&pk))
		assert.Equal(t, "batch_pkey", pk)
	})
}

func TestPKModSharding(t *testing.T) {
	t.Parallel()

	plan := `
source_schema: public
dest_schema: stage
shards_schema: shards
table_groups:
  - name: orders
    root:
      table: order_header
      selector:
        mode: list
        ids: [1, 2]
    deps:
      - table: order_item
        parent_table: order_header
        join: d.order_id = p.id
        shard_by: pk_mod
        shard_key: id
        shard_count: 2
`
	testutils.WithEngineAndConnectionToContainer(t, plan, func(e *slice.Engine, db *sql.DB) {
		ctx := context.Background()
		mustExec(t, db,
			`CREATE TABLE public.order_header (id bigint PRIMARY KEY, store_id bigint)`,
			`CREATE TABLE public.order_item (id bigint PRIMARY KEY, order_id bigint, qty int)`,
			`INSERT INTO public.order_header VALUES (1, 1), (2, 1), (3, 2)`,
			`INSERT INTO public.order_item SELECT g, 1 + (g % 3), 1 FROM generate_series(1, 30) g`,
		)

		_, err := e.ResolveSelections(ctx)
		require.NoError(t, err)

		_, err = e.BuildGroups(ctx, slice.DefaultBuildOptions())
		require.NoError(t, err)

		var want int
		require.NoError(t, db.QueryRow(`
			SELECT count(*) FROM public.order_item d
			JOIN public.order_header o ON d.order_id = o.id
			WHERE o.id IN (1, 2)`).Scan(&want))
		assert.Equal(t, want, countRows(t, db, "stage.order_item"))

		// The scratch namespace is reset after the build.
		var shardTables int
		require.NoError(t, db.QueryRow(`
			SELECT count(*) FROM information_schema.tables WHERE table_schema = 'shards'`).Scan(&shardTables))
		assert.Equal(t, 0, shardTables)
	})
}

func TestShardedSelectionRoundRobin(t *testing.T) {
	t.Parallel()

	plan := `
source_schema: public
dest_schema: stage
shards_schema: shards
table_groups:
  - name: store
    root:
      table: store
      shard:
        count: 2
      selector:
        mode: list
        ids: [1, 2, 3]
    deps:
      - table: product
        parent_table: store
        join: d.store_id = p.id
`
	testutils.WithEngineAndConnectionToContainer(t, plan, func(e *slice.Engine, db *sql.DB) {
		ctx := context.Background()
		seedStoreSchema(t, db)

		sels, err := e.ResolveSelections(ctx)
		require.NoError(t, err)
		require.Len(t, sels["store"].Shards, 2)

		created, err := e.BuildGroups(ctx, slice.DefaultBuildOptions())
		require.NoError(t, err)
		assert.Equal(t, []string{"stage.store", "stage.product"}, created)

		assert.Equal(t, 3, countRows(t, db, "stage.store"))
		assert.Equal(t, 4, countRows(t, db, "stage.product"))
	})
}

func TestMigrateTablesSubset(t *testing.T) {
	t.Parallel()

	plan := `
source_schema: public
dest_schema: stage
table_groups:
  - name: store
    root:
      table: store
      selector:
        mode: list
        ids: [1]
    deps:
      - table: product
        parent_table: store
        join: d.store_id = p.id
  - name: coupon
    root:
      table: coupon
      selector:
        mode: list
        ids: [1]
`
	testutils.WithEngineAndConnectionToContainer(t, plan, func(e *slice.Engine, db *sql.DB) {
		ctx := context.Background()
		seedStoreSchema(t, db)
		mustExec(t, db, `CREATE TABLE public.coupon (id bigint PRIMARY KEY, code text)`)

		res, err := e.MigrateTables(ctx, []string{"store"})
		require.NoError(t, err)

		created, ok := res["table_groups_created"].([]string)
		require.True(t, ok)
		assert.Equal(t, []string{"stage.store", "stage.product"}, created)

		// The coupon group was not requested.
		var exists bool
		require.NoError(t, db.QueryRow(`
			SELECT EXISTS (SELECT 1 FROM information_schema.tables
			WHERE table_schema = 'stage' AND table_name = 'coupon')`).Scan(&exists))
		assert.False(t, exists)
	})
}

func TestSelectionEnsureAndSubquery(t *testing.T) {
	t.Parallel()

	plan := `
source_schema: public
dest_schema: stage
table_groups:
  - name: store
    root:
      table: store
      ensure: [3]
      selector:
        mode: sql
        sql: SELECT id FROM public.store WHERE name LIKE 'Alpha%'
`
	testutils.WithEngineAndConnectionToContainer(t, plan, func(e *slice.Engine, db *sql.DB) {
		ctx := context.Background()
		seedStoreSchema(t, db)

		sels, err := e.ResolveSelections(ctx)
		require.NoError(t, err)

		sel := sels["store"]
		require.NotNil(t, sel)
		assert.ElementsMatch(t, []int64{1, 3}, sel.IDs)

		// The registered sub-query reproduces the resolved set (without the
		// ensure additions).
		rows, err := db.Query("SELECT id FROM (" + sel.SQL + ") s(id) ORDER BY id")
		require.NoError(t, err)
		defer rows.Close()
		var ids []int64
		for rows.Next() {
			var id int64
			require.NoError(t, rows.Scan(&id))
			ids = append(ids, id)
		}
		require.NoError(t, rows.Err())
		assert.Equal(t, []int64{1}, ids)
	})
}

func TestPreMigrateTruncatesAndRunsSQL(t *testing.T) {
	t.Parallel()

	plan := `
source_schema: public
dest_schema: stage
pre_migrate:
  truncate: [audit_log, missing_table]
  sql:
    - "INSERT INTO stage.audit_log VALUES (1, 'seeded')"
`
	testutils.WithEngineAndConnectionToContainer(t, plan, func(e *slice.Engine, db *sql.DB) {
		ctx := context.Background()
		mustExec(t, db,
			`CREATE SCHEMA stage`,
			`CREATE TABLE stage.audit_log (id bigint, note text)`,
			`INSERT INTO stage.audit_log VALUES (9, 'old'), (10, 'old')`,
		)

		res, err := e.PreMigrate(ctx)
		require.NoError(t, err)

		assert.Equal(t, []string{"stage.audit_log"}, res.Truncated)
		assert.Equal(t, []string{"stage.missing_table"}, res.SkippedMissing)
		assert.Equal(t, 1, res.SQLExecuted)

		assert.Equal(t, 1, countRows(t, db, "stage.audit_log"))
	})
}

func TestResetGroupsDropsArtifacts(t *testing.T) {
	t.Parallel()

	plan := `
source_schema: public
dest_schema: stage
tmp_schema: tmp
shards_schema: shards
table_groups:
  - name: store
    root:
      table: store
      selector:
        mode: list
        ids: [1]
    deps:
      - table: product
        parent_table: store
        join: d.store_id = p.id
`
	testutils.WithEngineAndConnectionToContainer(t, plan, func(e *slice.Engine, db *sql.DB) {
		ctx := context.Background()
		mustExec(t, db,
			`CREATE SCHEMA stage`,
			`CREATE SCHEMA tmp`,
			`CREATE SCHEMA shards`,
			`CREATE TABLE stage.store (id bigint)`,
			`CREATE TABLE stage.product (id bigint)`,
			`CREATE TABLE tmp.store (id bigint)`,
			`CREATE TABLE shards.store_sh0 (id bigint)`,
			`CREATE TABLE shards.product_pmsh1 (id bigint)`,
			`CREATE TABLE shards.unrelated (id bigint)`,
		)

		require.NoError(t, e.ResetGroups(ctx, []string{"store"}))

		for _, gone := range []string{"stage.store", "stage.product", "tmp.store", "shards.store_sh0", "shards.product_pmsh1"} {
			var exists bool
			require.NoError(t, db.QueryRow(`
				SELECT EXISTS (SELECT 1 FROM information_schema.tables
				WHERE table_schema || '.' || table_name = $1)`, gone).Scan(&exists))
			assert.False(t, exists, "expected %s to be dropped", gone)
		}

		var exists bool
		require.NoError(t, db.QueryRow(`
			SELECT EXISTS (SELECT 1 FROM information_schema.tables
			WHERE table_schema = 'shards' AND table_name = 'unrelated')`).Scan(&exists))
		assert.True(t, exists)
	})
}
