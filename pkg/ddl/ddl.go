// SPDX-License-Identifier: Apache-2.0

// Package ddl holds the schema and table mutation primitives. Every
// operation is a single statement (or a short autocommitted sequence);
// a failed statement rolls back on its own and the error propagates.
package ddl

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/lib/pq"

	"github.com/rblakemesser/dbslice/pkg/db"
	"github.com/rblakemesser/dbslice/pkg/introspect"
)

// EnsureSchemas creates each schema if missing.
func EnsureSchemas(ctx context.Context, q db.DB, schemas []string) error {
	for _, s := range schemas {
		if _, err := q.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", pq.QuoteIdentifier(s))); err != nil {
			return fmt.Errorf("creating schema %q: %w", s, err)
		}
	}
	return nil
}

// ResetSchema drops a schema with cascade and recreates it empty.
func ResetSchema(ctx context.Context, q db.DB, schema string) error {
	if _, err := q.ExecContext(ctx, fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", pq.QuoteIdentifier(schema))); err != nil {
		return fmt.Errorf("dropping schema %q: %w", schema, err)
	}
	if _, err := q.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA %s", pq.QuoteIdentifier(schema))); err != nil {
		return fmt.Errorf("creating schema %q: %w", schema, err)
	}
	return nil
}

// RenameSchema renames a schema.
func RenameSchema(ctx context.Context, q db.DB, old, new string) error {
	_, err := q.ExecContext(ctx, fmt.Sprintf("ALTER SCHEMA %s RENAME TO %s",
		pq.QuoteIdentifier(old), pq.QuoteIdentifier(new)))
	if err != nil {
		return fmt.Errorf("renaming schema %q to %q: %w", old, new, err)
	}
	return nil
}

// MoveToSchema moves an already-qualified table into another schema.
func MoveToSchema(ctx context.Context, q db.DB, qualifiedTable, targetSchema string) error {
	_, err := q.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s SET SCHEMA %s", qualifiedTable, pq.QuoteIdentifier(targetSchema)))
	return err
}

// AnalyzeTable refreshes planner statistics for a qualified table.
func AnalyzeTable(ctx context.Context, q db.DB, qualifiedTable string) error {
	_, err := q.ExecContext(ctx, "ANALYZE "+qualifiedTable)
	return err
}

// SetLogged switches a qualified table from UNLOGGED to LOGGED.
func SetLogged(ctx context.Context, q db.DB, qualifiedTable string) error {
	_, err := q.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s SET LOGGED", qualifiedTable))
	return err
}

// DropTableIfExists drops a qualified table with cascade.
func DropTableIfExists(ctx context.Context, q db.DB, qualifiedTable string) error {
	_, err := q.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s CASCADE", qualifiedTable))
	return err
}

// DropTablesIfExists drops a batch of qualified tables in one statement.
func DropTablesIfExists(ctx context.Context, q db.DB, qualifiedTables []string) error {
	tables := make([]string, 0, len(qualifiedTables))
	for _, t := range qualifiedTables {
		if t != "" {
			tables = append(tables, t)
		}
	}
	if len(tables) == 0 {
		return nil
	}
	_, err := q.ExecContext(ctx, "DROP TABLE IF EXISTS "+strings.Join(tables, ", ")+" CASCADE")
	return err
}

// AddPrimaryKey attaches a primary key constraint. Adding a key that already
// exists fails; callers that need idempotence check first.
func AddPrimaryKey(ctx context.Context, q db.DB, schema, table string, columns []string, constraintName string) error {
	if len(columns) == 0 {
		return nil
	}
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = pq.QuoteIdentifier(c)
	}
	name := constraintName
	if name == "" {
		name = table + "_pkey"
	}
	_, err := q.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s PRIMARY KEY (%s)",
		introspect.QualifiedTable(schema, table), pq.QuoteIdentifier(name), strings.Join(quoted, ", ")))
	return err
}

// attachSourcePK copies the source table's primary key onto the destination
// table when the source has one and the destination does not.
func attachSourcePK(ctx context.Context, q db.DB, sourceSchema, destSchema, table string) error {
	has, err := introspect.HasPrimaryKey(ctx, q, destSchema, table)
	if err != nil {
		return err
	}
	if has {
		return nil
	}
	pk, err := introspect.GetPrimaryKey(ctx, q, sourceSchema, table)
	if err != nil {
		return err
	}
	if pk == nil {
		return nil
	}
	return AddPrimaryKey(ctx, q, destSchema, table, pk.Columns, pk.Name)
}

// CreateSchemaOnlyTable creates an empty structure-and-defaults clone of a
// source table in the destination and attaches the source primary key.
// Reports whether the table was newly created.
func CreateSchemaOnlyTable(ctx context.Context, q db.DB, sourceSchema, destSchema, table string) (bool, error) {
	exists, err := introspect.TableExists(ctx, q, destSchema, table)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}
	_, err = q.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (LIKE %s INCLUDING DEFAULTS)",
		introspect.QualifiedTable(destSchema, table), introspect.QualifiedTable(sourceSchema, table)))
	if err != nil {
		return false, fmt.Errorf("creating %s.%s: %w", destSchema, table, err)
	}
	if err := attachSourcePK(ctx, q, sourceSchema, destSchema, table); err != nil {
		return false, fmt.Errorf("adding primary key on %s.%s: %w", destSchema, table, err)
	}
	return true, nil
}

// FullCopyTable clones a source table with all rows: create UNLOGGED, bulk
// insert, switch LOGGED, attach the source primary key. If the destination
// already exists but is UNLOGGED it is switched to LOGGED (adding the
// primary key if missing); otherwise this is a no-op. Reports whether the
// table was newly created.
func FullCopyTable(ctx context.Context, q db.DB, sourceSchema, destSchema, table string) (bool, error) {
	dst := introspect.QualifiedTable(destSchema, table)
	src := introspect.QualifiedTable(sourceSchema, table)

	exists, err := introspect.TableExists(ctx, q, destSchema, table)
	if err != nil {
		return false, err
	}
	if exists {
		unlogged, err := introspect.IsUnloggedTable(ctx, q, destSchema, table)
		if err != nil {
			return false, err
		}
		if unlogged {
			if err := SetLogged(ctx, q, dst); err != nil {
				return false, fmt.Errorf("setting %s.%s logged: %w", destSchema, table, err)
			}
			if err := attachSourcePK(ctx, q, sourceSchema, destSchema, table); err != nil {
				return false, fmt.Errorf("adding primary key on %s.%s: %w", destSchema, table, err)
			}
		}
		return false, nil
	}

	if _, err := q.ExecContext(ctx, fmt.Sprintf("CREATE UNLOGGED TABLE %s (LIKE %s INCLUDING DEFAULTS)", dst, src)); err != nil {
		return false, fmt.Errorf("creating %s.%s: %w", destSchema, table, err)
	}
	if _, err := q.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s SELECT * FROM %s", dst, src)); err != nil {
		return false, fmt.Errorf("copying rows into %s.%s: %w", destSchema, table, err)
	}
	if err := SetLogged(ctx, q, dst); err != nil {
		return false, fmt.Errorf("setting %s.%s logged: %w", destSchema, table, err)
	}
	if err := attachSourcePK(ctx, q, sourceSchema, destSchema, table); err != nil {
		return false, fmt.Errorf("adding primary key on %s.%s: %w", destSchema, table, err)
	}
	return true, nil
}

var (
	createIndexRE       = regexp.MustCompile(`^CREATE INDEX `)
	createUniqueIndexRE = regexp.MustCompile(`^CREATE UNIQUE INDEX `)
)

// RecreateNonPKIndexes copies each non-PK index of the source table onto the
// destination table, rewriting the ON clause and injecting IF NOT EXISTS so
// repeated runs are harmless.
func RecreateNonPKIndexes(ctx context.Context, q db.DB, sourceSchema, destSchema, table string) error {
	indexes, err := introspect.FetchIndexes(ctx, q, sourceSchema, table)
	if err != nil {
		return err
	}
	for name, defn := range indexes {
		if strings.HasSuffix(name, "_pkey") {
			continue
		}
		stmt := RewriteIndexTarget(defn, sourceSchema, destSchema, table)
		stmt = InjectIfNotExists(stmt)
		if _, err := q.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("recreating index %q on %s.%s: %w", name, destSchema, table, err)
		}
	}
	return nil
}

// RewriteIndexTarget repoints an index definition's ON clause at the
// destination table. The final fallback repoints the first remaining
// schema-qualified ON target, whatever its schema; an unqualified target is
// left as is.
func RewriteIndexTarget(indexDef, sourceSchema, destSchema, table string) string {
	out := indexDef
	plain := regexp.MustCompile(`(?i)\bON\s+` + regexp.QuoteMeta(sourceSchema) + `\.` + regexp.QuoteMeta(table) + `\b`)
	out = plain.ReplaceAllString(out, fmt.Sprintf("ON %s.%s", destSchema, pq.QuoteIdentifier(table)))
	quoted := regexp.MustCompile(`(?i)\bON\s+"` + regexp.QuoteMeta(sourceSchema) + `"\s*\.\s*"` + regexp.QuoteMeta(table) + `"`)
	out = quoted.ReplaceAllString(out, fmt.Sprintf("ON %s.%s", pq.QuoteIdentifier(destSchema), pq.QuoteIdentifier(table)))
	any := regexp.MustCompile(`(?i)\bON\s+("?[A-Za-z_][\w$]*"?)\s*\.\s*("?[A-Za-z_][\w$]*"?)`)
	loc := any.FindStringIndex(out)
	if loc != nil {
		out = out[:loc[0]] + fmt.Sprintf("ON %s.%s", pq.QuoteIdentifier(destSchema), pq.QuoteIdentifier(table)) + out[loc[1]:]
	}
	return out
}

// InjectIfNotExists makes a CREATE [UNIQUE] INDEX statement idempotent.
func InjectIfNotExists(stmt string) string {
	if createUniqueIndexRE.MatchString(stmt) {
		return strings.Replace(stmt, "CREATE UNIQUE INDEX ", "CREATE UNIQUE INDEX IF NOT EXISTS ", 1)
	}
	if createIndexRE.MatchString(stmt) {
		return strings.Replace(stmt, "CREATE INDEX ", "CREATE INDEX IF NOT EXISTS ", 1)
	}
	return stmt
}

// RefreshAllMatviews refreshes every materialized view in a schema, stopping
// at the first failure.
func RefreshAllMatviews(ctx context.Context, q db.DB, schema string) error {
	views, err := introspect.ListMatviews(ctx, q, schema)
	if err != nil {
		return err
	}
	for _, mv := range views {
		if _, err := q.ExecContext(ctx, fmt.Sprintf("REFRESH MATERIALIZED VIEW %s", introspect.QualifiedTable(schema, mv))); err != nil {
			return fmt.Errorf("refreshing %s.%s: %w", schema, mv, err)
		}
	}
	return nil
}
