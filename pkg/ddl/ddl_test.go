// SPDX-License-Identifier: Apache-2.0

package ddl_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rblakemesser/dbslice/internal/testutils"
	"github.com/rblakemesser/dbslice/pkg/db"
	"github.com/rblakemesser/dbslice/pkg/ddl"
	"github.com/rblakemesser/dbslice/pkg/introspect"
)

func TestMain(m *testing.M) {
	testutils.SharedTestMain(m)
}

func TestRewriteIndexTarget(t *testing.T) {
	t.Parallel()

	got := ddl.RewriteIndexTarget(
		"CREATE INDEX product_store_idx ON public.product USING btree (store_id)",
		"public", "stage", "product")
	assert.Equal(t, `CREATE INDEX product_store_idx ON "stage"."product" USING btree (store_id)`, got)

	quoted := ddl.RewriteIndexTarget(
		`CREATE UNIQUE INDEX coupon_code_key ON "public"."coupon" USING btree (code)`,
		"public", "stage", "coupon")
	assert.Equal(t, `CREATE UNIQUE INDEX coupon_code_key ON "stage"."coupon" USING btree (code)`, quoted)
}

func TestInjectIfNotExists(t *testing.T) {
	t.Parallel()

	assert.Equal(t,
		"CREATE INDEX IF NOT EXISTS foo ON t (c)",
		ddl.InjectIfNotExists("CREATE INDEX foo ON t (c)"))
	assert.Equal(t,
		"CREATE UNIQUE INDEX IF NOT EXISTS foo ON t (c)",
		ddl.InjectIfNotExists("CREATE UNIQUE INDEX foo ON t (c)"))
	assert.Equal(t,
		"DROP INDEX foo",
		ddl.InjectIfNotExists("DROP INDEX foo"))
}

func TestCreateSchemaOnlyTable(t *testing.T) {
	t.Parallel()

	testutils.WithConnectionToContainer(t, func(conn *sql.DB, _ string) {
		ctx := context.Background()
		rdb := &db.RDB{DB: conn}

		_, err := conn.Exec(`CREATE TABLE public.widget (id bigint PRIMARY KEY, name text DEFAULT 'unnamed')`)
		require.NoError(t, err)
		_, err = conn.Exec(`INSERT INTO public.widget (id) VALUES (1)`)
		require.NoError(t, err)
		require.NoError(t, ddl.EnsureSchemas(ctx, rdb, []string{"stage"}))

		created, err := ddl.CreateSchemaOnlyTable(ctx, rdb, "public", "stage", "widget")
		require.NoError(t, err)
		assert.True(t, created)

		var n int
		require.NoError(t, conn.QueryRow(`SELECT count(*) FROM stage.widget`).Scan(&n))
		assert.Equal(t, 0, n)

		// Structure clone keeps the default and the source primary key.
		def, err := introspect.ColumnDefault(ctx, rdb, "stage", "widget", "name")
		require.NoError(t, err)
		require.NotNil(t, def)
		assert.Contains(t, *def, "unnamed")

		pk, err := introspect.GetPrimaryKey(ctx, rdb, "stage", "widget")
		require.NoError(t, err)
		require.NotNil(t, pk)
		assert.Equal(t, []string{"id"}, pk.Columns)

		created, err = ddl.CreateSchemaOnlyTable(ctx, rdb, "public", "stage", "widget")
		require.NoError(t, err)
		assert.False(t, created)
	})
}

func TestFullCopyTable(t *testing.T) {
	t.Parallel()

	testutils.WithConnectionToContainer(t, func(conn *sql.DB, _ string) {
		ctx := context.Background()
		rdb := &db.RDB{DB: conn}

		_, err := conn.Exec(`CREATE TABLE public.widget (id bigint PRIMARY KEY, name text)`)
		require.NoError(t, err)
		_, err = conn.Exec(`INSERT INTO public.widget SELECT g, 'w' || g FROM generate_series(1, 5) g`)
		require.NoError(t, err)
		require.NoError(t, ddl.EnsureSchemas(ctx, rdb, []string{"stage"}))

		created, err := ddl.FullCopyTable(ctx, rdb, "public", "stage", "widget")
		require.NoError(t, err)
		assert.True(t, created)

		var n int
		require.NoError(t, conn.QueryRow(`SELECT count(*) FROM stage.widget`).Scan(&n))
		assert.Equal(t, 5, n)

		unlogged, err := introspect.IsUnloggedTable(ctx, rdb, "stage", "widget")
		require.NoError(t, err)
		assert.False(t, unlogged)

		pk, err := introspect.GetPrimaryKey(ctx, rdb, "stage", "widget")
		require.NoError(t, err)
		require.NotNil(t, pk)
	})
}

func TestFullCopyTableUpgradesUnlogged(t *testing.T) {
	t.Parallel()

	testutils.WithConnectionToContainer(t, func(conn *sql.DB, _ string) {
		ctx := context.Background()
		rdb := &db.RDB{DB: conn}

		_, err := conn.Exec(`CREATE TABLE public.widget (id bigint PRIMARY KEY)`)
		require.NoError(t, err)
		require.NoError(t, ddl.EnsureSchemas(ctx, rdb, []string{"stage"}))
		_, err = conn.Exec(`CREATE UNLOGGED TABLE stage.widget (id bigint)`)
		require.NoError(t, err)

		created, err := ddl.FullCopyTable(ctx, rdb, "public", "stage", "widget")
		require.NoError(t, err)
		assert.False(t, created)

		unlogged, err := introspect.IsUnloggedTable(ctx, rdb, "stage", "widget")
		require.NoError(t, err)
		assert.False(t, unlogged)

		pk, err := introspect.GetPrimaryKey(ctx, rdb, "stage", "widget")
		require.NoError(t, err)
		require.NotNil(t, pk)
	})
}

func TestMoveToSchema(t *testing.T) {
	t.Parallel()

	testutils.WithConnectionToContainer(t, func(conn *sql.DB, _ string) {
		ctx := context.Background()
		rdb := &db.RDB{DB: conn}

		require.NoError(t, ddl.EnsureSchemas(ctx, rdb, []string{"tmp", "stage"}))
		_, err := conn.Exec(`CREATE TABLE tmp.widget (id bigint)`)
		require.NoError(t, err)
		_, err = conn.Exec(`INSERT INTO tmp.widget VALUES (1)`)
		require.NoError(t, err)

		require.NoError(t, ddl.AnalyzeTable(ctx, rdb, introspect.QualifiedTable("tmp", "widget")))
		require.NoError(t, ddl.MoveToSchema(ctx, rdb, introspect.QualifiedTable("tmp", "widget"), "stage"))

		var n int
		require.NoError(t, conn.QueryRow(`SELECT count(*) FROM stage.widget`).Scan(&n))
		assert.Equal(t, 1, n)

		exists, err := introspect.TableExists(ctx, rdb, "tmp", "widget")
		require.NoError(t, err)
		assert.False(t, exists)
	})
}

func TestResetSchema(t *testing.T) {
	t.Parallel()

	testutils.WithConnectionToContainer(t, func(conn *sql.DB, _ string) {
		ctx := context.Background()
		rdb := &db.RDB{DB: conn}

		require.NoError(t, ddl.EnsureSchemas(ctx, rdb, []string{"scratch"}))
		_, err := conn.Exec(`CREATE TABLE scratch.junk (id int)`)
		require.NoError(t, err)

		require.NoError(t, ddl.ResetSchema(ctx, rdb, "scratch"))

		var n int
		require.NoError(t, conn.QueryRow(`
			SELECT count(*) FROM information_schema.tables WHERE table_schema = 'scratch'`).Scan(&n))
		assert.Equal(t, 0, n)
	})
}

func TestDropTablesIfExistsBatches(t *testing.T) {
	t.Parallel()

	testutils.WithConnectionToContainer(t, func(conn *sql.DB, _ string) {
		ctx := context.Background()
		rdb := &db.RDB{DB: conn}

		_, err := conn.Exec(`CREATE TABLE public.a (id int)`)
		require.NoError(t, err)
		_, err = conn.Exec(`CREATE TABLE public.b (id int)`)
		require.NoError(t, err)

		err = ddl.DropTablesIfExists(ctx, rdb, []string{`public.a`, `public.b`, `public.missing`})
		require.NoError(t, err)

		var n int
		require.NoError(t, conn.QueryRow(`
			SELECT count(*) FROM information_schema.tables
			WHERE table_schema = 'public' AND table_name IN ('a', 'b')`).Scan(&n))
		assert.Equal(t, 0, n)
	})
}

func TestRecreateNonPKIndexes(t *testing.T) {
	t.Parallel()

	testutils.WithConnectionToContainer(t, func(conn *sql.DB, _ string) {
		ctx := context.Background()
		rdb := &db.RDB{DB: conn}

		_, err := conn.Exec(`CREATE TABLE public.widget (id bigint PRIMARY KEY, name text)`)
		require.NoError(t, err)
		_, err = conn.Exec(`CREATE INDEX widget_name_idx ON public.widget (name)`)
		require.NoError(t, err)
		require.NoError(t, ddl.EnsureSchemas(ctx, rdb, []string{"stage"}))
		_, err = conn.Exec(`CREATE TABLE stage.widget (id bigint, name text)`)
		require.NoError(t, err)

		require.NoError(t, ddl.RecreateNonPKIndexes(ctx, rdb, "public", "stage", "widget"))
		// Idempotent thanks to IF NOT EXISTS.
		require.NoError(t, ddl.RecreateNonPKIndexes(ctx, rdb, "public", "stage", "widget"))

		var n int
		require.NoError(t, conn.QueryRow(`
			SELECT count(*) FROM pg_indexes
			WHERE schemaname = 'stage' AND tablename = 'widget' AND indexname = 'widget_name_idx'`).Scan(&n))
		assert.Equal(t, 1, n)

		// The primary key index is never copied.
		require.NoError(t, conn.QueryRow(`
			SELECT count(*) FROM pg_indexes
			WHERE schemaname = 'stage' AND tablename = 'widget' AND indexname LIKE '%_pkey'`).Scan(&n))
		assert.Equal(t, 0, n)
	})
}
