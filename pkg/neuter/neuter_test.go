// SPDX-License-Identifier: Apache-2.0

package neuter_test

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rblakemesser/dbslice/internal/testutils"
	"github.com/rblakemesser/dbslice/pkg/config"
	"github.com/rblakemesser/dbslice/pkg/db"
	"github.com/rblakemesser/dbslice/pkg/neuter"
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

func parsePlan(t *testing.T, yaml string) *config.Plan {
	t.Helper()
	plan, err := config.Parse([]byte(yaml))
	require.NoError(t, err)
	return plan
}

func tableState(t *testing.T, conn *sql.DB, query string) []string {
	t.Helper()
	rows, err := conn.Query(query)
	require.NoError(t, err)
	defer rows.Close()
	var out []string
	for rows.Next() {
		var s sql.NullString
		require.NoError(t, rows.Scan(&s))
		out = append(out, s.String)
	}
	require.NoError(t, rows.Err())
	return out
}

func TestNeuterIdempotence(t *testing.T) {
	t.Parallel()

	plan := parsePlan(t, `
dest_schema: stage
neuter:
  targets:
    customer:
      - column: password
        strategy: replace
        value: HASHED2
      - column: email
        strategy: prefix
        value: "x-"
`)

	testutils.WithConnectionToContainer(t, func(conn *sql.DB, _ string) {
		ctx := context.Background()
		rdb := &db.RDB{DB: conn}

		mustExec(t, conn,
			`CREATE SCHEMA stage`,
			`CREATE TABLE stage.customer (id bigint PRIMARY KEY, email text, password text)`,
			`INSERT INTO stage.customer VALUES
				(1, 'ann@example.com', 'secret1'),
				(2, 'bob@example.com', 'secret2'),
				(3, '', 'secret3'),
				(4, NULL, 'secret4')`,
		)

		changed, err := neuter.Apply(ctx, rdb, conn, plan, "")
		require.NoError(t, err)
		assert.True(t, changed)

		first := tableState(t, conn, `SELECT id::text || '|' || coalesce(email, '<null>') || '|' || password FROM stage.customer ORDER BY id`)
		assert.Equal(t, []string{
			"1|x-ann@example.com|HASHED2",
			"2|x-bob@example.com|HASHED2",
			"3||HASHED2",
			"4|<null>|HASHED2",
		}, first)

		// Second pass leaves the contents bitwise identical.
		changed, err = neuter.Apply(ctx, rdb, conn, plan, "")
		require.NoError(t, err)
		assert.True(t, changed)

		second := tableState(t, conn, `SELECT id::text || '|' || coalesce(email, '<null>') || '|' || password FROM stage.customer ORDER BY id`)
		assert.Equal(t, first, second)
	})
}

func TestNeuterSkipPatterns(t *testing.T) {
	t.Parallel()

	plan := parsePlan(t, `
dest_schema: stage
neuter:
  targets:
    customer:
      - column: email
        strategy: prefix
        value: "x-"
        skip_patterns: ["%@keepme.com"]
`)

	testutils.WithConnectionToContainer(t, func(conn *sql.DB, _ string) {
		ctx := context.Background()
		rdb := &db.RDB{DB: conn}

		mustExec(t, conn,
			`CREATE SCHEMA stage`,
			`CREATE TABLE stage.customer (id bigint PRIMARY KEY, email text)`,
			`INSERT INTO stage.customer VALUES (1, 'ann@example.com'), (2, 'ops@keepme.com')`,
		)

		_, err := neuter.Apply(ctx, rdb, conn, plan, "")
		require.NoError(t, err)

		emails := tableState(t, conn, `SELECT email FROM stage.customer ORDER BY id`)
		assert.Equal(t, []string{"x-ann@example.com", "ops@keepme.com"}, emails)
	})
}

func TestNeuterPrefixRespectsCharMaxLength(t *testing.T) {
	t.Parallel()

	plan := parsePlan(t, `
dest_schema: stage
neuter:
  targets:
    customer:
      - column: code
        strategy: prefix
        value: "xx-"
`)

	testutils.WithConnectionToContainer(t, func(conn *sql.DB, _ string) {
		ctx := context.Background()
		rdb := &db.RDB{DB: conn}

		mustExec(t, conn,
			`CREATE SCHEMA stage`,
			`CREATE TABLE stage.customer (id bigint PRIMARY KEY, code varchar(6))`,
			`INSERT INTO stage.customer VALUES (1, 'abcdef')`,
		)

		_, err := neuter.Apply(ctx, rdb, conn, plan, "")
		require.NoError(t, err)

		codes := tableState(t, conn, `SELECT code FROM stage.customer`)
		assert.Equal(t, []string{"xx-abc"}, codes)
	})
}

func TestNeuterParallelShards(t *testing.T) {
	t.Parallel()

	plan := parsePlan(t, `
dest_schema: stage
neuter:
  parallel: 4
  targets:
    customer:
      - column: email
        strategy: prefix
        value: "x-"
        shard:
          column: id
          modulo: 4
      - column: password
        strategy: replace
        value: HASHED2
        shard:
          column: id
          modulo: 4
`)

	testutils.WithConnectionToContainer(t, func(conn *sql.DB, _ string) {
		ctx := context.Background()
		rdb := &db.RDB{DB: conn}

		mustExec(t, conn,
			`CREATE SCHEMA stage`,
			`CREATE TABLE stage.customer (id bigint PRIMARY KEY, email text, password text)`,
			`INSERT INTO stage.customer SELECT g, 'u' || g || '@example.com', 'pw' || g FROM generate_series(1, 100) g`,
		)

		changed, err := neuter.Apply(ctx, rdb, conn, plan, "")
		require.NoError(t, err)
		assert.True(t, changed)

		var unprefixed, unreplaced int
		require.NoError(t, conn.QueryRow(`SELECT count(*) FROM stage.customer WHERE email NOT LIKE 'x-%'`).Scan(&unprefixed))
		require.NoError(t, conn.QueryRow(`SELECT count(*) FROM stage.customer WHERE password <> 'HASHED2'`).Scan(&unreplaced))
		assert.Equal(t, 0, unprefixed)
		assert.Equal(t, 0, unreplaced)
	})
}

func TestNeuterParallelWithoutPoolFails(t *testing.T) {
	t.Parallel()

	plan := parsePlan(t, `
dest_schema: stage
neuter:
  parallel: 2
  targets:
    customer:
      - column: email
        strategy: prefix
        value: "x-"
        shard:
          column: id
          modulo: 2
`)

	testutils.WithConnectionToContainer(t, func(conn *sql.DB, _ string) {
		ctx := context.Background()
		rdb := &db.RDB{DB: conn}

		mustExec(t, conn,
			`CREATE SCHEMA stage`,
			`CREATE TABLE stage.customer (id bigint PRIMARY KEY, email text)`,
			`INSERT INTO stage.customer VALUES (1, 'ann@example.com')`,
		)

		_, err := neuter.Apply(ctx, rdb, nil, plan, "")
		require.Error(t, err)
		assert.ErrorContains(t, err, "required for parallel neuter")
	})
}

func TestNeuterUnsupportedStrategy(t *testing.T) {
	t.Parallel()

	plan := parsePlan(t, `
dest_schema: stage
neuter:
  targets:
    customer:
      - column: email
        strategy: scramble
        value: x
`)

	testutils.WithConnectionToContainer(t, func(conn *sql.DB, _ string) {
		ctx := context.Background()
		rdb := &db.RDB{DB: conn}

		mustExec(t, conn,
			`CREATE SCHEMA stage`,
			`CREATE TABLE stage.customer (id bigint PRIMARY KEY, email text)`,
		)

		_, err := neuter.Apply(ctx, rdb, conn, plan, "")
		require.Error(t, err)
		assert.ErrorContains(t, err, "unsupported neuter strategy")
	})
}

func TestNeuterOnlyTableScope(t *testing.T) {
	t.Parallel()

	plan := parsePlan(t, `
dest_schema: stage
neuter:
  targets:
    customer:
      - column: email
        strategy: replace
        value: gone
    vendor:
      - column: email
        strategy: replace
        value: gone
`)

	testutils.WithConnectionToContainer(t, func(conn *sql.DB, _ string) {
		ctx := context.Background()
		rdb := &db.RDB{DB: conn}

		mustExec(t, conn,
			`CREATE SCHEMA stage`,
			`CREATE TABLE stage.customer (id bigint PRIMARY KEY, email text)`,
			`CREATE TABLE stage.vendor (id bigint PRIMARY KEY, email text)`,
			`INSERT INTO stage.customer VALUES (1, 'keep@customer.com')`,
			`INSERT INTO stage.vendor VALUES (1, 'zap@vendor.com')`,
		)

		_, err := neuter.Apply(ctx, rdb, conn, plan, "vendor")
		require.NoError(t, err)

		assert.Equal(t, []string{"keep@customer.com"}, tableState(t, conn, `SELECT email FROM stage.customer`))
		assert.Equal(t, []string{"gone"}, tableState(t, conn, `SELECT email FROM stage.vendor`))
	})
}
