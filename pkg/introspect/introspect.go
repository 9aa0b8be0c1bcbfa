// SPDX-License-Identifier: Apache-2.0

// Package introspect holds the read-only catalog queries the engine uses to
// discover tables, columns, keys and dependent objects. All queries take
// only shared catalog locks; server errors propagate to the caller.
package introspect

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/rblakemesser/dbslice/pkg/db"
)

// PrimaryKey is a table's primary key constraint with its columns in key
// order.
type PrimaryKey struct {
	Name    string
	Columns []string
}

func TableExists(ctx context.Context, q db.DB, schema, table string) (bool, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT 1
		FROM information_schema.tables
		WHERE table_schema = $1 AND table_name = $2 AND table_type = 'BASE TABLE'
		LIMIT 1`, schema, table)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	return rowExists(rows)
}

func ColumnExists(ctx context.Context, q db.DB, schema, table, column string) (bool, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT 1
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2 AND column_name = $3
		LIMIT 1`, schema, table, column)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	return rowExists(rows)
}

// ColumnCharMaxLength returns the character maximum length of a column, or
// nil when the column has none (or does not exist).
func ColumnCharMaxLength(ctx context.Context, q db.DB, schema, table, column string) (*int, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT character_maximum_length
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2 AND column_name = $3
		LIMIT 1`, schema, table, column)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var length sql.NullInt64
	if err := db.ScanFirstValue(rows, &length); err != nil {
		return nil, err
	}
	if !length.Valid {
		return nil, nil
	}
	n := int(length.Int64)
	return &n, nil
}

// ColumnIsInteger reports whether the column has an integer type, which
// decides the pk_mod shard predicate form. A missing column is an error.
func ColumnIsInteger(ctx context.Context, q db.DB, schema, table, column string) (bool, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT data_type, udt_name
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2 AND column_name = $3`, schema, table, column)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return false, err
		}
		return false, fmt.Errorf("column not found: %s.%s.%s", schema, table, column)
	}
	var dataType, udt string
	if err := rows.Scan(&dataType, &udt); err != nil {
		return false, err
	}
	switch dataType {
	case "integer", "bigint", "smallint":
		return true, nil
	}
	switch udt {
	case "int2", "int4", "int8":
		return true, nil
	}
	return false, nil
}

// GetPrimaryKey returns the primary key of a table, or nil if it has none.
func GetPrimaryKey(ctx context.Context, q db.DB, schema, table string) (*PrimaryKey, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT tc.constraint_name, kcu.column_name
		FROM information_schema.table_constraints tc
		JOIN information_schema.key_column_usage kcu
		  ON tc.constraint_name = kcu.constraint_name AND tc.table_schema = kcu.table_schema
		WHERE tc.table_schema = $1 AND tc.table_name = $2 AND tc.constraint_type = 'PRIMARY KEY'
		ORDER BY kcu.ordinal_position`, schema, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pk *PrimaryKey
	for rows.Next() {
		var name, column string
		if err := rows.Scan(&name, &column); err != nil {
			return nil, err
		}
		if pk == nil {
			pk = &PrimaryKey{Name: name}
		}
		pk.Columns = append(pk.Columns, column)
	}
	return pk, rows.Err()
}

func HasPrimaryKey(ctx context.Context, q db.DB, schema, table string) (bool, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT 1
		FROM information_schema.table_constraints
		WHERE table_schema = $1 AND table_name = $2 AND constraint_type = 'PRIMARY KEY'
		LIMIT 1`, schema, table)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	return rowExists(rows)
}

func ListTables(ctx context.Context, q db.DB, schema string) ([]string, error) {
	return stringList(ctx, q, `
		SELECT table_name
		FROM information_schema.tables
		WHERE table_schema = $1 AND table_type = 'BASE TABLE'
		ORDER BY table_name`, schema)
}

func ListUnloggedTables(ctx context.Context, q db.DB, schema string) ([]string, error) {
	return stringList(ctx, q, `
		SELECT c.relname
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = $1 AND c.relkind = 'r' AND c.relpersistence = 'u'
		ORDER BY c.relname`, schema)
}

func IsUnloggedTable(ctx context.Context, q db.DB, schema, table string) (bool, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT c.relpersistence = 'u'
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = $1 AND c.relname = $2 AND c.relkind = 'r'`, schema, table)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	var unlogged bool
	if err := db.ScanFirstValue(rows, &unlogged); err != nil {
		return false, err
	}
	return unlogged, nil
}

func SchemaExists(ctx context.Context, q db.DB, schema string) (bool, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT 1 FROM information_schema.schemata WHERE schema_name = $1`, schema)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	return rowExists(rows)
}

func ListSequences(ctx context.Context, q db.DB, schema string) ([]string, error) {
	return stringList(ctx, q, `
		SELECT c.relname
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE c.relkind = 'S' AND n.nspname = $1
		ORDER BY c.relname`, schema)
}

// ListMatviews lists the materialized views in a schema.
func ListMatviews(ctx context.Context, q db.DB, schema string) ([]string, error) {
	return stringList(ctx, q, `
		SELECT matviewname
		FROM pg_matviews
		WHERE schemaname = $1
		ORDER BY matviewname`, schema)
}

// ListRelationsLike lists relation names in a schema matching a LIKE
// pattern.
func ListRelationsLike(ctx context.Context, q db.DB, schema, pattern string) ([]string, error) {
	return stringList(ctx, q, `
		SELECT c.relname
		FROM pg_class c
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = $1 AND c.relname LIKE $2
		ORDER BY c.relname`, schema, pattern)
}

// TablesWithColumn lists the tables in a schema having a column of the
// given name, used by the referenced_by_column selector.
func TablesWithColumn(ctx context.Context, q db.DB, schema, column string) ([]string, error) {
	return stringList(ctx, q, `
		SELECT table_name
		FROM information_schema.columns
		WHERE table_schema = $1 AND column_name = $2
		ORDER BY table_name`, schema, column)
}

// FKPair is a foreign-key relationship between two tables of one schema.
type FKPair struct {
	Child  string
	Parent string
}

// FKChildParentPairs enumerates foreign-key child/parent table pairs wholly
// inside one schema.
func FKChildParentPairs(ctx context.Context, q db.DB, schema string) ([]FKPair, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT child.relname, parent.relname
		FROM pg_constraint con
		JOIN pg_class child ON child.oid = con.conrelid
		JOIN pg_namespace child_ns ON child_ns.oid = child.relnamespace
		JOIN pg_class parent ON parent.oid = con.confrelid
		JOIN pg_namespace parent_ns ON parent_ns.oid = parent.relnamespace
		WHERE con.contype = 'f' AND child_ns.nspname = $1 AND parent_ns.nspname = $1
		ORDER BY child.relname`, schema)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pairs []FKPair
	for rows.Next() {
		var p FKPair
		if err := rows.Scan(&p.Child, &p.Parent); err != nil {
			return nil, err
		}
		pairs = append(pairs, p)
	}
	return pairs, rows.Err()
}

// InvalidForeignKey is a destination FK with convalidated=false awaiting
// VALIDATE CONSTRAINT.
type InvalidForeignKey struct {
	Table      string
	Constraint string
}

// InvalidForeignKeys lists the not-yet-validated foreign keys of a schema,
// grouped by table in name order.
func InvalidForeignKeys(ctx context.Context, q db.DB, schema string) ([]InvalidForeignKey, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT c.relname, con.conname
		FROM pg_constraint con
		JOIN pg_class c ON c.oid = con.conrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = $1 AND con.contype = 'f' AND NOT con.convalidated
		ORDER BY c.relname, con.conname`, schema)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var fks []InvalidForeignKey
	for rows.Next() {
		var fk InvalidForeignKey
		if err := rows.Scan(&fk.Table, &fk.Constraint); err != nil {
			return nil, err
		}
		fks = append(fks, fk)
	}
	return fks, rows.Err()
}

// IndexExists reports whether an index relation with the given name exists
// in the schema.
func IndexExists(ctx context.Context, q db.DB, schema, name string) (bool, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT 1 FROM pg_class i
		JOIN pg_namespace n ON n.oid = i.relnamespace
		WHERE i.relkind = 'i' AND n.nspname = $1 AND i.relname = $2
		LIMIT 1`, schema, name)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	return rowExists(rows)
}

func stringList(ctx context.Context, q db.DB, query string, args ...interface{}) ([]string, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func rowExists(rows *sql.Rows) (bool, error) {
	exists := rows.Next()
	return exists, rows.Err()
}

// QualifiedTable renders a fully quoted schema.table reference.
func QualifiedTable(schema, table string) string {
	return fmt.Sprintf("%s.%s", pq.QuoteIdentifier(schema), pq.QuoteIdentifier(table))
}
