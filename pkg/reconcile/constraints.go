// SPDX-License-Identifier: Apache-2.0

package reconcile

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"github.com/rblakemesser/dbslice/pkg/db"
	"github.com/rblakemesser/dbslice/pkg/ddl"
	"github.com/rblakemesser/dbslice/pkg/introspect"
)

// DefaultValidateParallel bounds concurrent FK validations.
const DefaultValidateParallel = 16

// constraintKinds is the order constraint kinds reconcile in.
var constraintKinds = []string{
	introspect.ConstraintUnique,
	introspect.ConstraintCheck,
	introspect.ConstraintExclusion,
	introspect.ConstraintForeign,
}

// ConstraintOptions tunes the constraint pass.
type ConstraintOptions struct {
	// OnlyTables restricts the pass to the named tables (nil = every
	// common table).
	OnlyTables []string
	// ValidateFKTables restricts FK validation to the named tables (nil =
	// every table in the destination schema).
	ValidateFKTables []string
	// SkipValidateFKs leaves destination foreign keys NOT VALID.
	SkipValidateFKs bool
	// ValidateParallel bounds concurrent validations; zero means the
	// default.
	ValidateParallel int
}

// ConstraintCounts summarizes a constraint pass.
type ConstraintCounts struct {
	PrimaryKeysAdded int `json:"primary_keys_added"`
	Created          int `json:"created"`
	Replaced         int `json:"replaced"`
	Dropped          int `json:"dropped"`
	ValidatedFK      int `json:"validated_fk"`
}

// MigratePrimaryKeys adds the source primary key to every common table that
// lacks one in the destination.
func MigratePrimaryKeys(ctx context.Context, q db.DB, srcSchema, dstSchema string) (int, error) {
	tables, err := introspect.ListTables(ctx, q, srcSchema)
	if err != nil {
		return 0, err
	}

	added := 0
	for _, table := range tables {
		exists, err := introspect.TableExists(ctx, q, dstSchema, table)
		if err != nil {
			return added, err
		}
		if !exists {
			continue
		}
		has, err := introspect.HasPrimaryKey(ctx, q, dstSchema, table)
		if err != nil {
			return added, err
		}
		if has {
			continue
		}
		pk, err := introspect.GetPrimaryKey(ctx, q, srcSchema, table)
		if err != nil {
			return added, err
		}
		if pk == nil {
			continue
		}
		if err := ddl.AddPrimaryKey(ctx, q, dstSchema, table, pk.Columns, pk.Name); err != nil {
			return added, fmt.Errorf("adding primary key on %s.%s: %w", dstSchema, table, err)
		}
		added++
	}
	return added, nil
}

// MirrorConstraints reconciles unique, check, exclusion and foreign-key
// constraints from source to destination, then validates outstanding
// foreign keys with bounded concurrency. Primary keys reconcile first.
// pool supplies dedicated connections for the validation workers.
func MirrorConstraints(ctx context.Context, q db.DB, pool *sql.DB, srcSchema, dstSchema string, opts ConstraintOptions) (*ConstraintCounts, error) {
	counts := &ConstraintCounts{}

	pksAdded, err := MigratePrimaryKeys(ctx, q, srcSchema, dstSchema)
	if err != nil {
		return counts, err
	}
	counts.PrimaryKeysAdded = pksAdded

	var only map[string]bool
	if opts.OnlyTables != nil {
		only = make(map[string]bool, len(opts.OnlyTables))
		for _, t := range opts.OnlyTables {
			only[t] = true
		}
	}

	tables, err := introspect.ListTables(ctx, q, srcSchema)
	if err != nil {
		return counts, err
	}

	for _, table := range tables {
		if only != nil && !only[table] {
			continue
		}
		exists, err := introspect.TableExists(ctx, q, dstSchema, table)
		if err != nil {
			return counts, err
		}
		if !exists {
			continue
		}
		if err := mirrorTableConstraints(ctx, q, srcSchema, dstSchema, table, counts); err != nil {
			return counts, err
		}
	}

	if !opts.SkipValidateFKs {
		validated, err := ValidateForeignKeys(ctx, q, pool, dstSchema, opts.ValidateFKTables, opts.ValidateParallel)
		if err != nil {
			return counts, err
		}
		counts.ValidatedFK = validated
	}

	return counts, nil
}

func mirrorTableConstraints(ctx context.Context, q db.DB, srcSchema, dstSchema, table string, counts *ConstraintCounts) error {
	srcMap, err := introspect.FetchConstraints(ctx, q, srcSchema, table)
	if err != nil {
		return err
	}
	dstMap, err := introspect.FetchConstraints(ctx, q, dstSchema, table)
	if err != nil {
		return err
	}

	for _, kind := range constraintKinds {
		isFK := kind == introspect.ConstraintForeign
		srcDefs := srcMap[kind]
		dstDefs := dstMap[kind]

		srcNorm := make(map[string]string, len(srcDefs))
		for name, defn := range srcDefs {
			d := RewriteSchemaRefs(defn, srcSchema, dstSchema)
			if isFK {
				d = QualifyFKReference(d, dstSchema)
			}
			srcNorm[name] = CanonicalConstraint(d, isFK)
		}
		dstNorm := make(map[string]string, len(dstDefs))
		for name, defn := range dstDefs {
			if isFK {
				defn = QualifyFKReference(defn, dstSchema)
			}
			dstNorm[name] = CanonicalConstraint(defn, isFK)
		}

		// Same name, drifted definition: drop and re-add the source form.
		for name := range srcNorm {
			dstDef, common := dstNorm[name]
			if !common || srcNorm[name] == dstDef {
				continue
			}
			if err := dropConstraint(ctx, q, dstSchema, table, name); err != nil {
				return err
			}
			defn := rewriteForDest(srcDefs[name], srcSchema, dstSchema, isFK)
			if err := ensureConstraint(ctx, q, dstSchema, table, name, defn); err != nil {
				return fmt.Errorf("failed to replace constraint %s.%s.%s: %w", dstSchema, table, name, err)
			}
			counts.Replaced++
		}

		// Only in destination: drop.
		for name := range dstNorm {
			if _, ok := srcNorm[name]; ok {
				continue
			}
			if err := dropConstraint(ctx, q, dstSchema, table, name); err != nil {
				return err
			}
			counts.Dropped++
		}

		// Only in source: add.
		for name := range srcNorm {
			if _, ok := dstNorm[name]; ok {
				continue
			}
			defn := rewriteForDest(srcDefs[name], srcSchema, dstSchema, isFK)
			if err := ensureConstraint(ctx, q, dstSchema, table, name, defn); err != nil {
				return fmt.Errorf("failed to add constraint %s.%s.%s: %w", dstSchema, table, name, err)
			}
			counts.Created++
		}
	}
	return nil
}

func rewriteForDest(defn, srcSchema, dstSchema string, isFK bool) string {
	if isFK {
		return PrepareFKDefinition(defn, srcSchema, dstSchema)
	}
	return RewriteSchemaRefs(defn, srcSchema, dstSchema)
}

func dropConstraint(ctx context.Context, q db.DB, schema, table, name string) error {
	_, err := q.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s DROP CONSTRAINT IF EXISTS %s",
		introspect.QualifiedTable(schema, table), pq.QuoteIdentifier(name)))
	return err
}

// ensureConstraint adds a constraint, recovering from the index/constraint
// name collisions unique constraints are prone to: a deferrable unique
// retries after dropping the same-named index, a non-deferrable unique
// retries with USING INDEX when a same-named index exists.
func ensureConstraint(ctx context.Context, q db.DB, dstSchema, table, name, defn string) error {
	addStmt := fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s %s",
		introspect.QualifiedTable(dstSchema, table), pq.QuoteIdentifier(name), defn)

	_, err := q.ExecContext(ctx, addStmt)
	if err == nil {
		return nil
	}

	upper := strings.ToUpper(defn)
	isUnique := strings.Contains(upper, "UNIQUE")
	isDeferrable := strings.Contains(upper, "DEFERRABLE")

	if isUnique && isDeferrable {
		if _, dropErr := q.ExecContext(ctx, fmt.Sprintf("DROP INDEX IF EXISTS %s",
			introspect.QualifiedTable(dstSchema, name))); dropErr == nil {
			if _, retryErr := q.ExecContext(ctx, addStmt); retryErr == nil {
				return nil
			}
		}
	}

	if isUnique && !isDeferrable {
		exists, idxErr := introspect.IndexExists(ctx, q, dstSchema, name)
		if idxErr == nil && exists {
			stmt := fmt.Sprintf("ALTER TABLE %s ADD CONSTRAINT %s UNIQUE USING INDEX %s",
				introspect.QualifiedTable(dstSchema, table), pq.QuoteIdentifier(name), pq.QuoteIdentifier(name))
			if _, retryErr := q.ExecContext(ctx, stmt); retryErr == nil {
				return nil
			}
		}
	}

	return err
}

// ValidateForeignKeys validates every NOT VALID foreign key in the
// destination schema, optionally filtered to a table list. Validations are
// grouped by table — ALTER TABLE VALIDATE takes locks that contend on the
// same relation — and groups run concurrently on dedicated connections, at
// most parallel at a time. All tasks are awaited before the first error is
// raised.
func ValidateForeignKeys(ctx context.Context, q db.DB, pool *sql.DB, dstSchema string, onlyTables []string, parallel int) (int, error) {
	if parallel <= 0 {
		parallel = DefaultValidateParallel
	}

	fks, err := introspect.InvalidForeignKeys(ctx, q, dstSchema)
	if err != nil {
		return 0, err
	}
	if onlyTables != nil {
		allowed := make(map[string]bool, len(onlyTables))
		for _, t := range onlyTables {
			allowed[t] = true
		}
		filtered := fks[:0]
		for _, fk := range fks {
			if allowed[fk.Table] {
				filtered = append(filtered, fk)
			}
		}
		fks = filtered
	}
	if len(fks) == 0 {
		return 0, nil
	}

	groups := make(map[string][]string)
	var order []string
	for _, fk := range fks {
		if _, ok := groups[fk.Table]; !ok {
			order = append(order, fk.Table)
		}
		groups[fk.Table] = append(groups[fk.Table], fk.Constraint)
	}

	g := new(errgroup.Group)
	g.SetLimit(parallel)
	for _, table := range order {
		constraints := groups[table]
		g.Go(func() error {
			conn, err := pool.Conn(ctx)
			if err != nil {
				return err
			}
			defer conn.Close()
			for _, name := range constraints {
				_, err := conn.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s VALIDATE CONSTRAINT %s",
					introspect.QualifiedTable(dstSchema, table), pq.QuoteIdentifier(name)))
				if err != nil {
					return fmt.Errorf("validating %s.%s %q: %w", dstSchema, table, name, err)
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	return len(fks), nil
}
