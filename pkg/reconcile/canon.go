// SPDX-License-Identifier: Apache-2.0

// Package reconcile mirrors dependent database objects — sequences, stored
// routines, triggers, non-PK indexes and constraints — from the source
// schema to the destination, comparing by canonical definition text.
package reconcile

import (
	"regexp"
	"strings"
)

var (
	whitespaceRE = regexp.MustCompile(`\s+`)
	notValidRE   = regexp.MustCompile(`(?i)\s+NOT\s+VALID\b`)
	referencesRE = regexp.MustCompile(`(?i)(REFERENCES\s+)(?:"?[A-Za-z_][\w$]*"?\.)?"?([A-Za-z_][\w$]*)"?`)

	createIndexNameRE       = regexp.MustCompile(`^(CREATE\s+INDEX\s+)(\S+)`)
	createUniqueIndexNameRE = regexp.MustCompile(`^(CREATE\s+UNIQUE\s+INDEX\s+)(\S+)`)

	triggerOnClauseRE  = regexp.MustCompile(`(?i)\bON\b[\s\S]*?\bFOR\s+EACH\b`)
	executeFunctionRE  = regexp.MustCompile(`(?i)EXECUTE\s+FUNCTION\s+(?:"?[A-Za-z_][\w$]*"?)\s*\.\s*("?[A-Za-z_][\w$]*"?)`)
	executeUnqualifRE  = regexp.MustCompile(`(?i)EXECUTE\s+FUNCTION\s+("?[A-Za-z_][\w$]*"?)\s*\(`)
	createFunctionName = "CREATE FUNCTION"
)

// CanonicalConstraint collapses whitespace and, for foreign keys, strips
// NOT VALID, yielding the form used for equivalence comparison.
func CanonicalConstraint(defn string, isFK bool) string {
	d := whitespaceRE.ReplaceAllString(strings.TrimSpace(defn), " ")
	if isFK {
		d = notValidRE.ReplaceAllString(d, "")
	}
	return d
}

// RewriteSchemaRefs replaces src-schema qualifiers with the destination
// schema throughout a definition.
func RewriteSchemaRefs(defn, srcSchema, dstSchema string) string {
	re := regexp.MustCompile(`\b` + regexp.QuoteMeta(srcSchema) + `\.`)
	return re.ReplaceAllString(defn, dstSchema+".")
}

// QualifyFKReference rewrites the first REFERENCES clause of a foreign-key
// definition to target the destination schema explicitly.
func QualifyFKReference(defn, dstSchema string) string {
	replaced := false
	return referencesRE.ReplaceAllStringFunc(defn, func(m string) string {
		if replaced {
			return m
		}
		replaced = true
		sub := referencesRE.FindStringSubmatch(m)
		return sub[1] + `"` + dstSchema + `"."` + sub[2] + `"`
	})
}

// PrepareFKDefinition rewrites a source FK definition for the destination
// and appends NOT VALID when absent, so the key can be validated later
// without a long table scan at ADD time.
func PrepareFKDefinition(defn, srcSchema, dstSchema string) string {
	d := RewriteSchemaRefs(defn, srcSchema, dstSchema)
	d = QualifyFKReference(d, dstSchema)
	if !strings.Contains(strings.ToUpper(d), "NOT VALID") {
		d += " NOT VALID"
	}
	return d
}

// ForceIndexName pins the index name in a CREATE [UNIQUE] INDEX statement,
// quoting it, so IF NOT EXISTS cannot leave a differently-named index in
// place.
func ForceIndexName(stmt, name string) string {
	quoted := `"` + name + `"`
	if createUniqueIndexNameRE.MatchString(stmt) {
		return createUniqueIndexNameRE.ReplaceAllString(stmt, "${1}"+quoted)
	}
	return createIndexNameRE.ReplaceAllString(stmt, "${1}"+quoted)
}

// NormalizeIndexDef is the comparison form for index definitions: collapsed
// whitespace with any IF NOT EXISTS removed.
func NormalizeIndexDef(defn string) string {
	d := whitespaceRE.ReplaceAllString(strings.TrimSpace(defn), " ")
	return strings.ReplaceAll(d, " IF NOT EXISTS", "")
}

// RewriteTriggerDef repoints a trigger definition at the destination table
// and the destination copy of its function.
func RewriteTriggerDef(tgdef, srcSchema, dstSchema, table string) string {
	out := triggerOnClauseRE.ReplaceAllStringFunc(tgdef, func(string) string {
		return `ON "` + dstSchema + `"."` + table + `" FOR EACH`
	})
	srcExec := regexp.MustCompile(`(?i)EXECUTE\s+FUNCTION\s+` + regexp.QuoteMeta(srcSchema) + `\.`)
	out = srcExec.ReplaceAllString(out, "EXECUTE FUNCTION "+dstSchema+".")
	if !executeFunctionRE.MatchString(out) {
		replaced := false
		out = executeUnqualifRE.ReplaceAllStringFunc(out, func(m string) string {
			if replaced {
				return m
			}
			replaced = true
			sub := executeUnqualifRE.FindStringSubmatch(m)
			return "EXECUTE FUNCTION " + dstSchema + "." + sub[1] + "("
		})
	}
	return out
}

// RewriteFunctionDef turns a dumped CREATE FUNCTION into an idempotent
// CREATE OR REPLACE targeting the destination schema.
func RewriteFunctionDef(fndef, srcSchema, dstSchema string) string {
	out := strings.Replace(fndef, createFunctionName, "CREATE OR REPLACE FUNCTION", 1)
	return strings.ReplaceAll(out, srcSchema+".", dstSchema+".")
}
