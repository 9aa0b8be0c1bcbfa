// SPDX-License-Identifier: Apache-2.0

package promote_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rblakemesser/dbslice/internal/testutils"
	"github.com/rblakemesser/dbslice/pkg/db"
	"github.com/rblakemesser/dbslice/pkg/promote"
)

func TestMain(m *testing.M) {
	testutils.SharedTestMain(m)
}

func schemaExists(t *testing.T, conn *sql.DB, schema string) bool {
	t.Helper()
	var exists bool
	require.NoError(t, conn.QueryRow(
		`SELECT EXISTS (SELECT 1 FROM information_schema.schemata WHERE schema_name = $1)`, schema).Scan(&exists))
	return exists
}

func TestSwapThenUnswapRestoresLayout(t *testing.T) {
	t.Parallel()

	testutils.WithConnectionToContainer(t, func(conn *sql.DB, _ string) {
		ctx := context.Background()
		rdb := &db.RDB{DB: conn}

		_, err := conn.Exec(`CREATE TABLE public.live_marker (id int)`)
		require.NoError(t, err)
		_, err = conn.Exec(`CREATE SCHEMA stage`)
		require.NoError(t, err)
		_, err = conn.Exec(`CREATE TABLE stage.staged_marker (id int)`)
		require.NoError(t, err)

		require.NoError(t, promote.Swap(ctx, rdb, "stage", "old"))

		assert.True(t, schemaExists(t, conn, "old"))
		assert.False(t, schemaExists(t, conn, "stage"))

		// The promoted schema is live.
		var exists bool
		require.NoError(t, conn.QueryRow(`
			SELECT EXISTS (SELECT 1 FROM information_schema.tables
			WHERE table_schema = 'public' AND table_name = 'staged_marker')`).Scan(&exists))
		assert.True(t, exists)

		require.NoError(t, promote.Unswap(ctx, rdb, "stage", "old"))

		assert.False(t, schemaExists(t, conn, "old"))
		assert.True(t, schemaExists(t, conn, "stage"))
		require.NoError(t, conn.QueryRow(`
			SELECT EXISTS (SELECT 1 FROM information_schema.tables
			WHERE table_schema = 'public' AND table_name = 'live_marker')`).Scan(&exists))
		assert.True(t, exists)
	})
}

func TestSwapRequiresDestSchema(t *testing.T) {
	t.Parallel()

	testutils.WithConnectionToContainer(t, func(conn *sql.DB, _ string) {
		ctx := context.Background()
		rdb := &db.RDB{DB: conn}

		err := promote.Swap(ctx, rdb, "stage", "old")
		require.Error(t, err)
		assert.ErrorIs(t, err, promote.SchemaMissingError{Schema: "stage"})

		// Nothing moved.
		assert.True(t, schemaExists(t, conn, "public"))
		assert.False(t, schemaExists(t, conn, "old"))
	})
}

func TestSwapRefusesWhenOldPresent(t *testing.T) {
	t.Parallel()

	testutils.WithConnectionToContainer(t, func(conn *sql.DB, _ string) {
		ctx := context.Background()
		rdb := &db.RDB{DB: conn}

		_, err := conn.Exec(`CREATE SCHEMA stage`)
		require.NoError(t, err)
		_, err = conn.Exec(`CREATE SCHEMA old`)
		require.NoError(t, err)

		err = promote.Swap(ctx, rdb, "stage", "old")
		require.Error(t, err)
		assert.ErrorIs(t, err, promote.SchemaExistsError{Schema: "old"})

		assert.True(t, schemaExists(t, conn, "stage"))
		assert.True(t, schemaExists(t, conn, "public"))
	})
}

func TestUnswapRequiresOldSchema(t *testing.T) {
	t.Parallel()

	testutils.WithConnectionToContainer(t, func(conn *sql.DB, _ string) {
		ctx := context.Background()
		rdb := &db.RDB{DB: conn}

		err := promote.Unswap(ctx, rdb, "stage", "old")
		require.Error(t, err)
		assert.ErrorIs(t, err, promote.SchemaMissingError{Schema: "old"})
	})
}
