// SPDX-License-Identifier: Apache-2.0

package reconcile

import (
	"context"
	"fmt"
	"sort"

	"github.com/lib/pq"

	"github.com/rblakemesser/dbslice/pkg/db"
	"github.com/rblakemesser/dbslice/pkg/introspect"
)

// SequenceCounts summarizes a sequence pass.
type SequenceCounts struct {
	Created        int `json:"created"`
	AlignedOwnedBy int `json:"aligned_owned_by"`
	AlignedNext    int `json:"aligned_next"`
	Dropped        int `json:"dropped"`
}

// CreateMissingSequence creates a sequence if absent, positions it with a
// non-called setval, and attaches OWNED BY when the owning column exists.
func CreateMissingSequence(ctx context.Context, q db.DB, targetSchema, name string, nextValue *int64, ownedBy *introspect.OwnedBy) error {
	if _, err := q.ExecContext(ctx, fmt.Sprintf("CREATE SEQUENCE IF NOT EXISTS %s",
		introspect.QualifiedTable(targetSchema, name))); err != nil {
		return err
	}
	if nextValue != nil {
		if _, err := q.ExecContext(ctx, "SELECT setval($1, $2, false)",
			fmt.Sprintf("%s.%s", targetSchema, name), *nextValue); err != nil {
			return err
		}
	}
	if ownedBy != nil {
		tblOK, err := introspect.TableExists(ctx, q, ownedBy.Schema, ownedBy.Table)
		if err != nil {
			return err
		}
		if tblOK {
			colOK, err := introspect.ColumnExists(ctx, q, ownedBy.Schema, ownedBy.Table, ownedBy.Column)
			if err != nil {
				return err
			}
			if colOK {
				if _, err := q.ExecContext(ctx, fmt.Sprintf("ALTER SEQUENCE %s OWNED BY %s.%s",
					introspect.QualifiedTable(targetSchema, name),
					introspect.QualifiedTable(ownedBy.Schema, ownedBy.Table),
					pq.QuoteIdentifier(ownedBy.Column))); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// ReconcileSequences mirrors sequences from source to destination: missing
// sequences are created and positioned, drifted next values realigned,
// OWNED BY translated to destination columns, and (by default) extraneous
// destination sequences dropped.
func ReconcileSequences(ctx context.Context, q db.DB, srcSchema, dstSchema string, dropExtraneous bool) (*SequenceCounts, error) {
	counts := &SequenceCounts{}

	srcList, err := introspect.ListSequences(ctx, q, srcSchema)
	if err != nil {
		return counts, err
	}
	dstList, err := introspect.ListSequences(ctx, q, dstSchema)
	if err != nil {
		return counts, err
	}

	srcSet := toSet(srcList)
	dstSet := toSet(dstList)

	if dropExtraneous {
		for _, name := range sortedDiff(dstSet, srcSet) {
			if _, err := q.ExecContext(ctx, fmt.Sprintf("DROP SEQUENCE IF EXISTS %s CASCADE",
				introspect.QualifiedTable(dstSchema, name))); err != nil {
				return counts, err
			}
			counts.Dropped++
		}
	}

	for _, name := range sortedDiff(srcSet, dstSet) {
		core, err := introspect.FetchSequenceCore(ctx, q, srcSchema, name)
		if err != nil {
			return counts, err
		}
		owned, err := introspect.FetchSequenceOwnedBy(ctx, q, srcSchema, name)
		if err != nil {
			return counts, err
		}
		var ownedDst *introspect.OwnedBy
		if owned != nil {
			ownedDst = &introspect.OwnedBy{Schema: dstSchema, Table: owned.Table, Column: owned.Column}
		}
		var next *int64
		if core != nil {
			next = &core.NextValue
		}
		if err := CreateMissingSequence(ctx, q, dstSchema, name, next, ownedDst); err != nil {
			return counts, fmt.Errorf("creating sequence %s.%s: %w", dstSchema, name, err)
		}
		counts.Created++
		if next != nil {
			counts.AlignedNext++
		}
		if ownedDst != nil {
			counts.AlignedOwnedBy++
		}
	}

	for _, name := range sortedBoth(srcSet, dstSet) {
		srcCore, err := introspect.FetchSequenceCore(ctx, q, srcSchema, name)
		if err != nil {
			return counts, err
		}
		dstCore, err := introspect.FetchSequenceCore(ctx, q, dstSchema, name)
		if err != nil {
			return counts, err
		}
		if srcCore != nil && (dstCore == nil || dstCore.NextValue != srcCore.NextValue) {
			if _, err := q.ExecContext(ctx, "SELECT setval($1, $2, false)",
				fmt.Sprintf("%s.%s", dstSchema, name), srcCore.NextValue); err != nil {
				return counts, err
			}
			counts.AlignedNext++
		}

		ownedSrc, err := introspect.FetchSequenceOwnedBy(ctx, q, srcSchema, name)
		if err != nil {
			return counts, err
		}
		ownedDst, err := introspect.FetchSequenceOwnedBy(ctx, q, dstSchema, name)
		if err != nil {
			return counts, err
		}

		var desired *introspect.OwnedBy
		if ownedSrc != nil {
			desired = &introspect.OwnedBy{Schema: dstSchema, Table: ownedSrc.Table, Column: ownedSrc.Column}
		}
		if ownedEqual(desired, ownedDst) {
			continue
		}
		if desired != nil {
			tblOK, err := introspect.TableExists(ctx, q, desired.Schema, desired.Table)
			if err != nil {
				return counts, err
			}
			colOK := false
			if tblOK {
				colOK, err = introspect.ColumnExists(ctx, q, desired.Schema, desired.Table, desired.Column)
				if err != nil {
					return counts, err
				}
			}
			if !tblOK || !colOK {
				continue
			}
			if _, err := q.ExecContext(ctx, fmt.Sprintf("ALTER SEQUENCE %s OWNED BY %s.%s",
				introspect.QualifiedTable(dstSchema, name),
				introspect.QualifiedTable(desired.Schema, desired.Table),
				pq.QuoteIdentifier(desired.Column))); err != nil {
				return counts, err
			}
		} else {
			if _, err := q.ExecContext(ctx, fmt.Sprintf("ALTER SEQUENCE %s OWNED BY NONE",
				introspect.QualifiedTable(dstSchema, name))); err != nil {
				return counts, err
			}
		}
		counts.AlignedOwnedBy++
	}

	return counts, nil
}

func ownedEqual(a, b *introspect.OwnedBy) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Schema == b.Schema && a.Table == b.Table && a.Column == b.Column
}

func toSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

func sortedDiff(a, b map[string]bool) []string {
	var out []string
	for n := range a {
		if !b[n] {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}

func sortedBoth(a, b map[string]bool) []string {
	var out []string
	for n := range a {
		if b[n] {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}
