// SPDX-License-Identifier: Apache-2.0

package introspect

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	"github.com/rblakemesser/dbslice/pkg/db"
)

// Column is a column definition as reported by information_schema.
type Column struct {
	Name             string
	DataType         string
	UDTName          string
	Nullable         string
	Default          *string
	CharMaxLength    *int64
	NumericPrecision *int64
	NumericScale     *int64
}

// FetchColumns returns a table's columns keyed by name, with Names holding
// ordinal order.
func FetchColumns(ctx context.Context, q db.DB, schema, table string) (map[string]Column, []string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT column_name, data_type, udt_name, is_nullable, column_default,
		       character_maximum_length, numeric_precision, numeric_scale
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
		ORDER BY ordinal_position`, schema, table)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	cols := make(map[string]Column)
	var names []string
	for rows.Next() {
		var c Column
		var def sql.NullString
		var charLen, numPrec, numScale sql.NullInt64
		if err := rows.Scan(&c.Name, &c.DataType, &c.UDTName, &c.Nullable, &def, &charLen, &numPrec, &numScale); err != nil {
			return nil, nil, err
		}
		if def.Valid {
			c.Default = &def.String
		}
		if charLen.Valid {
			c.CharMaxLength = &charLen.Int64
		}
		if numPrec.Valid {
			c.NumericPrecision = &numPrec.Int64
		}
		if numScale.Valid {
			c.NumericScale = &numScale.Int64
		}
		cols[c.Name] = c
		names = append(names, c.Name)
	}
	return cols, names, rows.Err()
}

// ColumnDefault returns a column's default expression, or nil if none.
func ColumnDefault(ctx context.Context, q db.DB, schema, table, column string) (*string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT column_default
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2 AND column_name = $3`, schema, table, column)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var def sql.NullString
	if err := db.ScanFirstValue(rows, &def); err != nil {
		return nil, err
	}
	if !def.Valid {
		return nil, nil
	}
	return &def.String, nil
}

// Constraint kinds as stored in pg_constraint.contype.
const (
	ConstraintUnique    = "u"
	ConstraintCheck     = "c"
	ConstraintExclusion = "x"
	ConstraintForeign   = "f"
	ConstraintPrimary   = "p"
)

// FetchConstraints returns a table's constraints partitioned by kind, each
// as name → canonical definition text from pg_get_constraintdef.
func FetchConstraints(ctx context.Context, q db.DB, schema, table string) (map[string]map[string]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT con.conname, con.contype, pg_get_constraintdef(con.oid, true)
		FROM pg_constraint con
		JOIN pg_class c ON c.oid = con.conrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		WHERE n.nspname = $1 AND c.relname = $2
		ORDER BY con.conname`, schema, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]map[string]string{
		ConstraintPrimary:   {},
		ConstraintUnique:    {},
		ConstraintCheck:     {},
		ConstraintExclusion: {},
		ConstraintForeign:   {},
	}
	for rows.Next() {
		var name, kind, defn string
		if err := rows.Scan(&name, &kind, &defn); err != nil {
			return nil, err
		}
		if m, ok := out[kind]; ok {
			m[name] = defn
		}
	}
	return out, rows.Err()
}

// FetchIndexes returns a table's indexes as name → definition.
func FetchIndexes(ctx context.Context, q db.DB, schema, table string) (map[string]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT indexname, indexdef
		FROM pg_indexes
		WHERE schemaname = $1 AND tablename = $2
		ORDER BY indexname`, schema, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var name, defn string
		if err := rows.Scan(&name, &defn); err != nil {
			return nil, err
		}
		out[name] = defn
	}
	return out, rows.Err()
}

// Trigger is a user trigger's reconstructed definition and the function it
// executes.
type Trigger struct {
	Definition string
	Function   string
}

// FetchTriggers returns a table's non-internal triggers as name → trigger.
func FetchTriggers(ctx context.Context, q db.DB, schema, table string) (map[string]Trigger, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT t.tgname, pg_get_triggerdef(t.oid, true), p.proname
		FROM pg_trigger t
		JOIN pg_class c ON c.oid = t.tgrelid
		JOIN pg_namespace n ON n.oid = c.relnamespace
		JOIN pg_proc p ON p.oid = t.tgfoid
		WHERE n.nspname = $1 AND c.relname = $2 AND NOT t.tgisinternal
		ORDER BY t.tgname`, schema, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]Trigger)
	for rows.Next() {
		var name string
		var tr Trigger
		if err := rows.Scan(&name, &tr.Definition, &tr.Function); err != nil {
			return nil, err
		}
		out[name] = tr
	}
	return out, rows.Err()
}

// FunctionDef is a stored routine and its reconstructed source.
type FunctionDef struct {
	Name       string
	Definition string
}

// FetchFunctions returns the definitions of all routines in a schema.
// Routines whose definition cannot be reconstructed are omitted.
func FetchFunctions(ctx context.Context, q db.DB, schema string) ([]FunctionDef, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT p.proname, pg_get_functiondef(p.oid)
		FROM pg_proc p
		JOIN pg_namespace n ON n.oid = p.pronamespace
		WHERE n.nspname = $1`, schema)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []FunctionDef
	for rows.Next() {
		var f FunctionDef
		var def sql.NullString
		if err := rows.Scan(&f.Name, &def); err != nil {
			return nil, err
		}
		if !def.Valid || def.String == "" {
			continue
		}
		f.Definition = def.String
		out = append(out, f)
	}
	return out, rows.Err()
}

// SequenceCore is a sequence's position: NextValue is last_value when the
// sequence has not been called, last_value + increment_by otherwise.
type SequenceCore struct {
	NextValue   int64
	IncrementBy int64
	IsCalled    bool
}

// FetchSequenceCore reads a sequence's next value and increment.
func FetchSequenceCore(ctx context.Context, q db.DB, schema, seq string) (*SequenceCore, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("SELECT last_value, is_called FROM %s", QualifiedTable(schema, seq)))
	if err != nil {
		return nil, err
	}
	var lastValue int64
	var isCalled bool
	if !rows.Next() {
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, nil
	}
	if err := rows.Scan(&lastValue, &isCalled); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	incRows, err := q.QueryContext(ctx, `
		SELECT increment_by
		FROM pg_sequences
		WHERE schemaname = $1 AND sequencename = $2`, schema, seq)
	if err != nil {
		return nil, err
	}
	defer incRows.Close()

	incrementBy := int64(1)
	if err := db.ScanFirstValue(incRows, &incrementBy); err != nil {
		return nil, err
	}

	core := &SequenceCore{IncrementBy: incrementBy, IsCalled: isCalled}
	if isCalled {
		core.NextValue = lastValue + incrementBy
	} else {
		core.NextValue = lastValue
	}
	return core, nil
}

// OwnedBy identifies the column a sequence is owned by.
type OwnedBy struct {
	Schema string
	Table  string
	Column string
}

func (o OwnedBy) String() string {
	return fmt.Sprintf("%s.%s.%s", o.Schema, o.Table, o.Column)
}

// FetchSequenceOwnedBy returns the column a sequence is OWNED BY, or nil.
func FetchSequenceOwnedBy(ctx context.Context, q db.DB, schema, seq string) (*OwnedBy, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT tns.nspname, t.relname, a.attname
		FROM pg_class seq
		JOIN pg_namespace seq_ns ON seq_ns.oid = seq.relnamespace
		LEFT JOIN pg_depend d ON d.objid = seq.oid AND d.deptype = 'a'
		LEFT JOIN pg_class t ON t.oid = d.refobjid
		LEFT JOIN pg_namespace tns ON tns.oid = t.relnamespace
		LEFT JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = d.refobjsubid
		WHERE seq.relkind = 'S' AND seq_ns.nspname = $1 AND seq.relname = $2`, schema, seq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var ownerSchema, ownerTable, ownerColumn sql.NullString
	if err := rows.Scan(&ownerSchema, &ownerTable, &ownerColumn); err != nil {
		return nil, err
	}
	if !ownerSchema.Valid || !ownerTable.Valid || !ownerColumn.Valid {
		return nil, nil
	}
	return &OwnedBy{Schema: ownerSchema.String, Table: ownerTable.String, Column: ownerColumn.String}, nil
}

// SequenceOwnedColumn relates a sequence to a column of a specific table.
type SequenceOwnedColumn struct {
	SeqSchema string
	SeqName   string
	Column    string
}

// FetchTableOwnedSequences lists the sequences OWNED BY columns of a table.
func FetchTableOwnedSequences(ctx context.Context, q db.DB, schema, table string) ([]SequenceOwnedColumn, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT seq_ns.nspname, seq.relname, a.attname
		FROM pg_class seq
		JOIN pg_namespace seq_ns ON seq_ns.oid = seq.relnamespace
		JOIN pg_depend d ON d.objid = seq.oid AND d.deptype = 'a'
		JOIN pg_class t ON t.oid = d.refobjid
		JOIN pg_namespace tns ON tns.oid = t.relnamespace
		JOIN pg_attribute a ON a.attrelid = t.oid AND a.attnum = d.refobjsubid
		WHERE seq.relkind = 'S' AND tns.nspname = $1 AND t.relname = $2
		ORDER BY seq_ns.nspname, seq.relname, a.attname`, schema, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SequenceOwnedColumn
	for rows.Next() {
		var s SequenceOwnedColumn
		if err := rows.Scan(&s.SeqSchema, &s.SeqName, &s.Column); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

var nextvalRE = regexp.MustCompile(`nextval\('"?([\w]+)"?\.?"?([\w]+)?"?'::regclass\)`)

// SequenceFromDefault extracts the (schema, sequence) referenced by a
// nextval() column default. Schema is empty when the default is unqualified.
func SequenceFromDefault(defaultExpr string) (schema, seq string, ok bool) {
	m := nextvalRE.FindStringSubmatch(defaultExpr)
	if m == nil {
		return "", "", false
	}
	if m[2] != "" {
		return m[1], m[2], true
	}
	return "", m[1], true
}
