// SPDX-License-Identifier: Apache-2.0

package audit_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rblakemesser/dbslice/internal/testutils"
	"github.com/rblakemesser/dbslice/pkg/audit"
	"github.com/rblakemesser/dbslice/pkg/db"
)

func TestMain(m *testing.M) {
	testutils.SharedTestMain(m)
}

func mustExec(t *testing.T, conn *sql.DB, stmts ...string) {
	t.Helper()
	for _, stmt := range stmts {
		_, err := conn.Exec(stmt)
		require.NoError(t, err, "statement: %s", stmt)
	}
}

func TestAuditTablePerfectMatch(t *testing.T) {
	t.Parallel()

	testutils.WithConnectionToContainer(t, func(conn *sql.DB, _ string) {
		ctx := context.Background()
		rdb := &db.RDB{DB: conn}

		mustExec(t, conn,
			`CREATE TABLE public.widget (id bigint PRIMARY KEY, name text NOT NULL)`,
			`CREATE INDEX widget_name_idx ON public.widget (name)`,
			`CREATE SCHEMA stage`,
			`CREATE TABLE stage.widget (id bigint PRIMARY KEY, name text NOT NULL)`,
			`CREATE INDEX widget_name_idx ON stage.widget (name)`,
		)

		report, err := audit.AuditTable(ctx, rdb, "widget", "public", "stage")
		require.NoError(t, err)
		assert.True(t, report.Clean())
	})
}

func TestAuditTableMissingInDest(t *testing.T) {
	t.Parallel()

	testutils.WithConnectionToContainer(t, func(conn *sql.DB, _ string) {
		ctx := context.Background()
		rdb := &db.RDB{DB: conn}

		mustExec(t, conn,
			`CREATE TABLE public.widget (id bigint PRIMARY KEY)`,
			`CREATE SCHEMA stage`,
		)

		report, err := audit.AuditTable(ctx, rdb, "widget", "public", "stage")
		require.NoError(t, err)
		require.NotNil(t, report.ExistsDiff)
		assert.True(t, report.ExistsDiff.DstMissing)
		assert.False(t, report.ExistsDiff.SrcMissing)
		assert.False(t, report.Clean())
	})
}

func TestAuditTableDetectsGaps(t *testing.T) {
	t.Parallel()

	testutils.WithConnectionToContainer(t, func(conn *sql.DB, _ string) {
		ctx := context.Background()
		rdb := &db.RDB{DB: conn}

		mustExec(t, conn,
			`CREATE TABLE public.widget (id bigint PRIMARY KEY, name text NOT NULL, price numeric(10,2))`,
			`CREATE INDEX widget_name_idx ON public.widget (name)`,
			`CREATE SCHEMA stage`,
			// missing price column, missing pk, extra column, drifted index
			`CREATE TABLE stage.widget (id bigint, name text, extra text)`,
			`CREATE INDEX widget_name_idx ON stage.widget (id)`,
		)

		report, err := audit.AuditTable(ctx, rdb, "widget", "public", "stage")
		require.NoError(t, err)
		assert.False(t, report.Clean())

		require.NotNil(t, report.Columns)
		assert.Equal(t, []string{"price"}, report.Columns.OnlySrc)
		assert.Equal(t, []string{"extra"}, report.Columns.OnlyDst)
		assert.Contains(t, report.Columns.Mismatched, "name")

		require.NotNil(t, report.PK)
		require.NotNil(t, report.Indexes)
		assert.Contains(t, report.Indexes.Mismatched, "widget_name_idx")
	})
}

func TestAuditTableIgnoresFKNotValidAndSchemaQualifiers(t *testing.T) {
	t.Parallel()

	testutils.WithConnectionToContainer(t, func(conn *sql.DB, _ string) {
		ctx := context.Background()
		rdb := &db.RDB{DB: conn}

		mustExec(t, conn,
			`CREATE TABLE public.parent (id bigint PRIMARY KEY)`,
			`CREATE TABLE public.child (id bigint PRIMARY KEY, parent_id bigint,
				CONSTRAINT child_fk FOREIGN KEY (parent_id) REFERENCES public.parent(id))`,
			`CREATE SCHEMA stage`,
			`CREATE TABLE stage.parent (id bigint PRIMARY KEY)`,
			`CREATE TABLE stage.child (id bigint PRIMARY KEY, parent_id bigint,
				CONSTRAINT child_fk FOREIGN KEY (parent_id) REFERENCES stage.parent(id) NOT VALID)`,
		)

		report, err := audit.AuditTable(ctx, rdb, "child", "public", "stage")
		require.NoError(t, err)
		assert.True(t, report.Clean())
	})
}

func TestAuditAllTablesReturnsOnlyGaps(t *testing.T) {
	t.Parallel()

	testutils.WithConnectionToContainer(t, func(conn *sql.DB, _ string) {
		ctx := context.Background()
		rdb := &db.RDB{DB: conn}

		mustExec(t, conn,
			`CREATE TABLE public.clean_table (id bigint PRIMARY KEY)`,
			`CREATE TABLE public.dirty_table (id bigint PRIMARY KEY, name text)`,
			`CREATE SCHEMA stage`,
			`CREATE TABLE stage.clean_table (id bigint PRIMARY KEY)`,
			`CREATE TABLE stage.dirty_table (id bigint PRIMARY KEY)`,
		)

		reports, err := audit.AuditAllTables(ctx, rdb, "public", "stage")
		require.NoError(t, err)

		assert.NotContains(t, reports, "clean_table")
		assert.Contains(t, reports, "dirty_table")
	})
}

func TestAuditSequences(t *testing.T) {
	t.Parallel()

	testutils.WithConnectionToContainer(t, func(conn *sql.DB, _ string) {
		ctx := context.Background()
		rdb := &db.RDB{DB: conn}

		mustExec(t, conn,
			`CREATE SEQUENCE public.shared_seq`,
			`CREATE SEQUENCE public.src_only_seq`,
			`CREATE SCHEMA stage`,
			`CREATE SEQUENCE stage.shared_seq`,
			`CREATE SEQUENCE stage.dst_only_seq`,
			`SELECT setval('public.shared_seq', 50, true)`,
		)

		report, err := audit.AuditSequences(ctx, rdb, "public", "stage")
		require.NoError(t, err)
		assert.False(t, report.Clean())

		require.Len(t, report.OnlySrc, 1)
		assert.Equal(t, "src_only_seq", report.OnlySrc[0].Name)
		require.Len(t, report.OnlyDst, 1)
		assert.Equal(t, "dst_only_seq", report.OnlyDst[0].Name)
		assert.Contains(t, report.NextValueMismatched, "shared_seq")
	})
}

func TestAuditSequencesPerfectMatch(t *testing.T) {
	t.Parallel()

	testutils.WithConnectionToContainer(t, func(conn *sql.DB, _ string) {
		ctx := context.Background()
		rdb := &db.RDB{DB: conn}

		mustExec(t, conn,
			`CREATE SEQUENCE public.shared_seq`,
			`CREATE SCHEMA stage`,
			`CREATE SEQUENCE stage.shared_seq`,
		)

		report, err := audit.AuditSequences(ctx, rdb, "public", "stage")
		require.NoError(t, err)
		assert.True(t, report.Clean())
	})
}
