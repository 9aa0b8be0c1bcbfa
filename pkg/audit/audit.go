// SPDX-License-Identifier: Apache-2.0

// Package audit produces gaps-only reports comparing a table or the
// sequences of the source schema against the destination. A clean report
// renders as the `perfect match` sentinel at the CLI.
package audit

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/rblakemesser/dbslice/pkg/db"
	"github.com/rblakemesser/dbslice/pkg/introspect"
	"github.com/rblakemesser/dbslice/pkg/reconcile"
)

type SchemaPair struct {
	Src string `json:"src"`
	Dst string `json:"dst"`
}

type SrcDst struct {
	Src interface{} `json:"src"`
	Dst interface{} `json:"dst"`
}

// DiffMap is the generic three-way diff of named definitions.
type DiffMap struct {
	OnlySrc    []string          `json:"only_src,omitempty"`
	OnlyDst    []string          `json:"only_dst,omitempty"`
	Mismatched map[string]SrcDst `json:"mismatched,omitempty"`
}

func (d *DiffMap) Empty() bool {
	return d == nil || (len(d.OnlySrc) == 0 && len(d.OnlyDst) == 0 && len(d.Mismatched) == 0)
}

// TableReport is the gaps report for one table. Sections are omitted when
// they hold no differences.
type TableReport struct {
	Table       string              `json:"table"`
	Schemas     SchemaPair          `json:"schemas"`
	ExistsDiff  *ExistsDiff         `json:"exists_diff,omitempty"`
	Columns     *DiffMap            `json:"columns,omitempty"`
	PK          *SrcDst             `json:"pk,omitempty"`
	Constraints map[string]*DiffMap `json:"constraints,omitempty"`
	Indexes     *DiffMap            `json:"indexes,omitempty"`
	Triggers    *DiffMap            `json:"triggers,omitempty"`
	SeqDefaults *DiffMap            `json:"seq_defaults,omitempty"`
	SeqOwnedBy  *DiffMap            `json:"seq_owned_by,omitempty"`
}

type ExistsDiff struct {
	SrcMissing bool `json:"src_missing"`
	DstMissing bool `json:"dst_missing"`
}

// Clean reports whether the table has no gaps.
func (r *TableReport) Clean() bool {
	return r.ExistsDiff == nil &&
		r.Columns.Empty() &&
		r.PK == nil &&
		len(r.Constraints) == 0 &&
		r.Indexes.Empty() &&
		r.Triggers.Empty() &&
		r.SeqDefaults.Empty() &&
		r.SeqOwnedBy.Empty()
}

var (
	schemaRefRE   = regexp.MustCompile(`"?(public|stage)"?\.`)
	whitespaceRE  = regexp.MustCompile(`\s+`)
	nextvalNormRE = regexp.MustCompile(`(?i)nextval\('\s*"?(?:public|stage)"?\.`)
)

func normSchemaRefs(text string) string {
	return schemaRefRE.ReplaceAllString(text, "SCHEMA.")
}

func collapse(text string) string {
	return whitespaceRE.ReplaceAllString(strings.TrimSpace(text), " ")
}

func normDefault(val string) string {
	return collapse(nextvalNormRE.ReplaceAllString(val, "nextval('"))
}

// AuditTable compares one table between the source and destination schemas.
func AuditTable(ctx context.Context, q db.DB, table, srcSchema, dstSchema string) (*TableReport, error) {
	report := &TableReport{
		Table:   table,
		Schemas: SchemaPair{Src: srcSchema, Dst: dstSchema},
	}

	srcExists, err := introspect.TableExists(ctx, q, srcSchema, table)
	if err != nil {
		return nil, err
	}
	dstExists, err := introspect.TableExists(ctx, q, dstSchema, table)
	if err != nil {
		return nil, err
	}
	if !srcExists || !dstExists {
		report.ExistsDiff = &ExistsDiff{SrcMissing: !srcExists, DstMissing: !dstExists}
		return report, nil
	}

	if err := auditColumns(ctx, q, report, table, srcSchema, dstSchema); err != nil {
		return nil, err
	}
	if err := auditPrimaryKey(ctx, q, report, table, srcSchema, dstSchema); err != nil {
		return nil, err
	}
	if err := auditConstraints(ctx, q, report, table, srcSchema, dstSchema); err != nil {
		return nil, err
	}
	if err := auditIndexes(ctx, q, report, table, srcSchema, dstSchema); err != nil {
		return nil, err
	}
	if err := auditTriggers(ctx, q, report, table, srcSchema, dstSchema); err != nil {
		return nil, err
	}
	if err := auditSequenceBindings(ctx, q, report, table, srcSchema, dstSchema); err != nil {
		return nil, err
	}

	return report, nil
}

func auditColumns(ctx context.Context, q db.DB, report *TableReport, table, srcSchema, dstSchema string) error {
	srcCols, _, err := introspect.FetchColumns(ctx, q, srcSchema, table)
	if err != nil {
		return err
	}
	dstCols, _, err := introspect.FetchColumns(ctx, q, dstSchema, table)
	if err != nil {
		return err
	}

	diff := &DiffMap{Mismatched: map[string]SrcDst{}}
	for name := range srcCols {
		if _, ok := dstCols[name]; !ok {
			diff.OnlySrc = append(diff.OnlySrc, name)
		}
	}
	for name := range dstCols {
		if _, ok := srcCols[name]; !ok {
			diff.OnlyDst = append(diff.OnlyDst, name)
		}
	}
	sort.Strings(diff.OnlySrc)
	sort.Strings(diff.OnlyDst)

	for name, sc := range srcCols {
		dc, ok := dstCols[name]
		if !ok {
			continue
		}
		if !columnsEqual(sc, dc) {
			diff.Mismatched[name] = SrcDst{Src: describeColumn(sc), Dst: describeColumn(dc)}
		}
	}

	if !diff.Empty() {
		if len(diff.Mismatched) == 0 {
			diff.Mismatched = nil
		}
		report.Columns = diff
	}
	return nil
}

func columnsEqual(a, b introspect.Column) bool {
	if a.DataType != b.DataType || a.UDTName != b.UDTName || a.Nullable != b.Nullable {
		return false
	}
	if !int64PtrEqual(a.CharMaxLength, b.CharMaxLength) ||
		!int64PtrEqual(a.NumericPrecision, b.NumericPrecision) ||
		!int64PtrEqual(a.NumericScale, b.NumericScale) {
		return false
	}
	return strPtrNormEqual(a.Default, b.Default)
}

func int64PtrEqual(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func strPtrNormEqual(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return normDefault(*a) == normDefault(*b)
}

func describeColumn(c introspect.Column) map[string]interface{} {
	out := map[string]interface{}{
		"data_type": c.DataType,
		"udt":       c.UDTName,
		"nullable":  c.Nullable,
	}
	if c.Default != nil {
		out["default"] = *c.Default
	}
	if c.CharMaxLength != nil {
		out["charlen"] = *c.CharMaxLength
	}
	return out
}

func auditPrimaryKey(ctx context.Context, q db.DB, report *TableReport, table, srcSchema, dstSchema string) error {
	srcPK, err := introspect.GetPrimaryKey(ctx, q, srcSchema, table)
	if err != nil {
		return err
	}
	dstPK, err := introspect.GetPrimaryKey(ctx, q, dstSchema, table)
	if err != nil {
		return err
	}
	srcCols := pkColumns(srcPK)
	dstCols := pkColumns(dstPK)
	if strings.Join(srcCols, ",") != strings.Join(dstCols, ",") {
		report.PK = &SrcDst{Src: srcCols, Dst: dstCols}
	}
	return nil
}

func pkColumns(pk *introspect.PrimaryKey) []string {
	if pk == nil {
		return []string{}
	}
	return pk.Columns
}

var fkRefNormRE = regexp.MustCompile(`(?i)(REFERENCES\s+)(?:SCHEMA\.|"?[A-Za-z_][\w$]*"?\.)?("?[A-Za-z_][\w$]*"?)`)

// normalizeFK ignores NOT VALID and schema qualification differences when
// comparing foreign keys.
func normalizeFK(defn string) string {
	out := reconcile.CanonicalConstraint(defn, true)
	return fkRefNormRE.ReplaceAllString(out, "$1$2")
}

func auditConstraints(ctx context.Context, q db.DB, report *TableReport, table, srcSchema, dstSchema string) error {
	srcCons, err := introspect.FetchConstraints(ctx, q, srcSchema, table)
	if err != nil {
		return err
	}
	dstCons, err := introspect.FetchConstraints(ctx, q, dstSchema, table)
	if err != nil {
		return err
	}

	kinds := map[string]string{
		"unique":    introspect.ConstraintUnique,
		"check":     introspect.ConstraintCheck,
		"exclusion": introspect.ConstraintExclusion,
		"foreign":   introspect.ConstraintForeign,
	}
	out := map[string]*DiffMap{}
	for label, kind := range kinds {
		normalizer := func(s string) string { return collapse(normSchemaRefs(s)) }
		if kind == introspect.ConstraintForeign {
			normalizer = func(s string) string { return normalizeFK(normSchemaRefs(s)) }
		}
		diff := diffDefs(srcCons[kind], dstCons[kind], normalizer)
		if !diff.Empty() {
			out[label] = diff
		}
	}
	if len(out) > 0 {
		report.Constraints = out
	}
	return nil
}

func diffDefs(src, dst map[string]string, normalize func(string) string) *DiffMap {
	diff := &DiffMap{Mismatched: map[string]SrcDst{}}
	for name := range src {
		if _, ok := dst[name]; !ok {
			diff.OnlySrc = append(diff.OnlySrc, name)
		}
	}
	for name := range dst {
		if _, ok := src[name]; !ok {
			diff.OnlyDst = append(diff.OnlyDst, name)
		}
	}
	sort.Strings(diff.OnlySrc)
	sort.Strings(diff.OnlyDst)

	for name, sv := range src {
		dv, ok := dst[name]
		if !ok {
			continue
		}
		if normalize(sv) != normalize(dv) {
			diff.Mismatched[name] = SrcDst{Src: sv, Dst: dv}
		}
	}
	if len(diff.Mismatched) == 0 {
		diff.Mismatched = nil
	}
	return diff
}

func auditIndexes(ctx context.Context, q db.DB, report *TableReport, table, srcSchema, dstSchema string) error {
	srcIdx, err := introspect.FetchIndexes(ctx, q, srcSchema, table)
	if err != nil {
		return err
	}
	dstIdx, err := introspect.FetchIndexes(ctx, q, dstSchema, table)
	if err != nil {
		return err
	}
	for name := range srcIdx {
		if strings.HasSuffix(name, "_pkey") {
			delete(srcIdx, name)
		}
	}
	for name := range dstIdx {
		if strings.HasSuffix(name, "_pkey") {
			delete(dstIdx, name)
		}
	}

	tableRefRE := regexp.MustCompile(` ON SCHEMA\."?` + regexp.QuoteMeta(table) + `"? `)
	normalize := func(s string) string {
		out := normSchemaRefs(s)
		out = tableRefRE.ReplaceAllString(out, " ON SCHEMA.TABLE ")
		return collapse(out)
	}

	diff := diffDefs(srcIdx, dstIdx, normalize)
	if !diff.Empty() {
		report.Indexes = diff
	}
	return nil
}

func auditTriggers(ctx context.Context, q db.DB, report *TableReport, table, srcSchema, dstSchema string) error {
	srcTr, err := introspect.FetchTriggers(ctx, q, srcSchema, table)
	if err != nil {
		return err
	}
	dstTr, err := introspect.FetchTriggers(ctx, q, dstSchema, table)
	if err != nil {
		return err
	}

	onTableRE := regexp.MustCompile(`(?i)\bON\s+(?:SCHEMA\.)?"?` + regexp.QuoteMeta(table) + `"?\b`)
	normalize := func(tr introspect.Trigger) string {
		out := normSchemaRefs(tr.Definition)
		out = onTableRE.ReplaceAllString(out, "ON SCHEMA.TABLE")
		out = regexp.MustCompile(`(?i)EXECUTE\s+FUNCTION\s+SCHEMA\.`).ReplaceAllString(out, "EXECUTE FUNCTION ")
		return collapse(out) + "|" + tr.Function
	}

	srcDefs := make(map[string]string, len(srcTr))
	for name, tr := range srcTr {
		srcDefs[name] = normalize(tr)
	}
	dstDefs := make(map[string]string, len(dstTr))
	for name, tr := range dstTr {
		dstDefs[name] = normalize(tr)
	}

	diff := diffDefs(srcDefs, dstDefs, func(s string) string { return s })
	if !diff.Empty() {
		// report the raw definitions for mismatches
		for name := range diff.Mismatched {
			diff.Mismatched[name] = SrcDst{Src: srcTr[name].Definition, Dst: dstTr[name].Definition}
		}
		report.Triggers = diff
	}
	return nil
}

// auditSequenceBindings diffs nextval() column defaults and sequence OWNED
// BY bindings, schema-agnostically.
func auditSequenceBindings(ctx context.Context, q db.DB, report *TableReport, table, srcSchema, dstSchema string) error {
	srcCols, _, err := introspect.FetchColumns(ctx, q, srcSchema, table)
	if err != nil {
		return err
	}
	dstCols, _, err := introspect.FetchColumns(ctx, q, dstSchema, table)
	if err != nil {
		return err
	}

	seqOf := func(cols map[string]introspect.Column) map[string]string {
		out := map[string]string{}
		for name, c := range cols {
			if c.Default == nil {
				continue
			}
			if _, seq, ok := introspect.SequenceFromDefault(*c.Default); ok {
				out[name] = seq
			}
		}
		return out
	}
	srcSeq := seqOf(srcCols)
	dstSeq := seqOf(dstCols)

	diff := &DiffMap{}
	for col := range srcSeq {
		if _, ok := dstSeq[col]; !ok {
			diff.OnlySrc = append(diff.OnlySrc, col)
		}
	}
	for col := range dstSeq {
		if _, ok := srcSeq[col]; !ok {
			diff.OnlyDst = append(diff.OnlyDst, col)
		}
	}
	sort.Strings(diff.OnlySrc)
	sort.Strings(diff.OnlyDst)
	if !diff.Empty() {
		report.SeqDefaults = diff
	}

	srcOwned, err := introspect.FetchTableOwnedSequences(ctx, q, srcSchema, table)
	if err != nil {
		return err
	}
	dstOwned, err := introspect.FetchTableOwnedSequences(ctx, q, dstSchema, table)
	if err != nil {
		return err
	}

	key := func(s introspect.SequenceOwnedColumn) string { return s.SeqName + "." + s.Column }
	srcKeys := map[string]bool{}
	for _, s := range srcOwned {
		srcKeys[key(s)] = true
	}
	dstKeys := map[string]bool{}
	for _, s := range dstOwned {
		dstKeys[key(s)] = true
	}

	owned := &DiffMap{}
	for k := range srcKeys {
		if !dstKeys[k] {
			owned.OnlySrc = append(owned.OnlySrc, k)
		}
	}
	for k := range dstKeys {
		if !srcKeys[k] {
			owned.OnlyDst = append(owned.OnlyDst, k)
		}
	}
	sort.Strings(owned.OnlySrc)
	sort.Strings(owned.OnlyDst)
	if !owned.Empty() {
		report.SeqOwnedBy = owned
	}
	return nil
}

// AuditAllTables audits every source base table and returns only those with
// gaps.
func AuditAllTables(ctx context.Context, q db.DB, srcSchema, dstSchema string) (map[string]*TableReport, error) {
	tables, err := introspect.ListTables(ctx, q, srcSchema)
	if err != nil {
		return nil, err
	}
	out := map[string]*TableReport{}
	for _, table := range tables {
		report, err := AuditTable(ctx, q, table, srcSchema, dstSchema)
		if err != nil {
			return nil, err
		}
		if !report.Clean() {
			out[table] = report
		}
	}
	return out, nil
}
