// SPDX-License-Identifier: Apache-2.0

package audit

import (
	"context"
	"sort"

	"github.com/rblakemesser/dbslice/pkg/db"
	"github.com/rblakemesser/dbslice/pkg/introspect"
)

// SequenceInfo describes one sequence present on a single side.
type SequenceInfo struct {
	Name      string `json:"name"`
	NextValue *int64 `json:"next_value"`
	OwnedBy   string `json:"owned_by,omitempty"`
}

// SequenceReport is the gaps-only sequence audit.
type SequenceReport struct {
	Schemas             SchemaPair        `json:"schemas"`
	OnlySrc             []SequenceInfo    `json:"only_src,omitempty"`
	OnlyDst             []SequenceInfo    `json:"only_dst,omitempty"`
	NextValueMismatched map[string]SrcDst `json:"next_value_mismatched,omitempty"`
	OwnedByDiff         map[string]SrcDst `json:"owned_by_diff,omitempty"`
}

// Clean reports whether the sequences of both schemas match.
func (r *SequenceReport) Clean() bool {
	return len(r.OnlySrc) == 0 && len(r.OnlyDst) == 0 &&
		len(r.NextValueMismatched) == 0 && len(r.OwnedByDiff) == 0
}

// AuditSequences compares the sequence sets, next values and OWNED BY
// bindings of two schemas. OWNED BY differences ignore the schema
// component: a destination binding to the same table and column counts as a
// match.
func AuditSequences(ctx context.Context, q db.DB, srcSchema, dstSchema string) (*SequenceReport, error) {
	report := &SequenceReport{Schemas: SchemaPair{Src: srcSchema, Dst: dstSchema}}

	srcList, err := introspect.ListSequences(ctx, q, srcSchema)
	if err != nil {
		return nil, err
	}
	dstList, err := introspect.ListSequences(ctx, q, dstSchema)
	if err != nil {
		return nil, err
	}

	srcSet := map[string]bool{}
	for _, n := range srcList {
		srcSet[n] = true
	}
	dstSet := map[string]bool{}
	for _, n := range dstList {
		dstSet[n] = true
	}

	describe := func(schema, name string) (SequenceInfo, error) {
		info := SequenceInfo{Name: name}
		core, err := introspect.FetchSequenceCore(ctx, q, schema, name)
		if err != nil {
			return info, err
		}
		if core != nil {
			info.NextValue = &core.NextValue
		}
		owned, err := introspect.FetchSequenceOwnedBy(ctx, q, schema, name)
		if err != nil {
			return info, err
		}
		if owned != nil {
			info.OwnedBy = owned.String()
		}
		return info, nil
	}

	for _, name := range sortedNames(srcSet, dstSet, true) {
		info, err := describe(srcSchema, name)
		if err != nil {
			return nil, err
		}
		report.OnlySrc = append(report.OnlySrc, info)
	}
	for _, name := range sortedNames(dstSet, srcSet, true) {
		info, err := describe(dstSchema, name)
		if err != nil {
			return nil, err
		}
		report.OnlyDst = append(report.OnlyDst, info)
	}

	for _, name := range sortedNames(srcSet, dstSet, false) {
		srcCore, err := introspect.FetchSequenceCore(ctx, q, srcSchema, name)
		if err != nil {
			return nil, err
		}
		dstCore, err := introspect.FetchSequenceCore(ctx, q, dstSchema, name)
		if err != nil {
			return nil, err
		}
		if srcCore != nil && dstCore != nil && srcCore.NextValue != dstCore.NextValue {
			if report.NextValueMismatched == nil {
				report.NextValueMismatched = map[string]SrcDst{}
			}
			report.NextValueMismatched[name] = SrcDst{Src: srcCore.NextValue, Dst: dstCore.NextValue}
		}

		srcOwned, err := introspect.FetchSequenceOwnedBy(ctx, q, srcSchema, name)
		if err != nil {
			return nil, err
		}
		dstOwned, err := introspect.FetchSequenceOwnedBy(ctx, q, dstSchema, name)
		if err != nil {
			return nil, err
		}
		if !ownedMatch(srcOwned, dstOwned) {
			if report.OwnedByDiff == nil {
				report.OwnedByDiff = map[string]SrcDst{}
			}
			report.OwnedByDiff[name] = SrcDst{Src: ownedString(srcOwned), Dst: ownedString(dstOwned)}
		}
	}

	return report, nil
}

// ownedMatch compares OWNED BY bindings ignoring the schema component.
func ownedMatch(a, b *introspect.OwnedBy) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Table == b.Table && a.Column == b.Column
}

func ownedString(o *introspect.OwnedBy) interface{} {
	if o == nil {
		return nil
	}
	return o.String()
}

// sortedNames lists names of a, excluding (diff=true) or intersecting
// (diff=false) b, sorted.
func sortedNames(a, b map[string]bool, diff bool) []string {
	var out []string
	for n := range a {
		if b[n] != diff {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out
}
