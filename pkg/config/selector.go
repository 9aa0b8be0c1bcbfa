// SPDX-License-Identifier: Apache-2.0

package config

// Selector modes.
const (
	ModeList               = "list"
	ModeSQL                = "sql"
	ModeReferencedBy       = "referenced_by"
	ModeReferencedByColumn = "referenced_by_column"
	ModeFKInStage          = "fk_in_stage"
	ModeRefersToStage      = "refers_to_stage"
	ModeScopeOrExists      = "scope_or_exists"
)

// Shard strategies and dependency sharding kinds.
const (
	ShardRoundRobin = "round_robin"
	ShardWeighted   = "weighted"
	ShardByPKMod    = "pk_mod"
)

// Selector is the discriminated union of root selection variants. Mode
// decides which fields apply; Validate enforces the variant up front.
type Selector struct {
	Mode string `json:"mode"`

	// list
	IDs []int64 `json:"ids"`

	// sql
	SQL    string        `json:"sql"`
	Params []interface{} `json:"params"`

	// referenced_by
	Refs []ColumnRef `json:"refs"`

	// referenced_by_column
	Schema    string      `json:"schema"`
	Column    string      `json:"column"`
	ExtraRefs []ColumnRef `json:"extra_refs"`

	// fk_in_stage
	FKColumn   string `json:"fk_column"`
	StageTable string `json:"stage_table"`
	StageIDCol string `json:"stage_id_col"`

	// refers_to_stage
	Targets []StageTarget `json:"targets"`

	// scope_or_exists
	ScopeColumn    string        `json:"scope_column"`
	ScopeSelection string        `json:"scope_selection"`
	ExcludeValues  []int64       `json:"exclude_values"`
	Exists         *ExistsClause `json:"exists"`
}

// ColumnRef names a column in a table, optionally schema-qualified.
type ColumnRef struct {
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Column string `json:"column"`
}

// StageTarget is one EXISTS clause of a refers_to_stage selector: the local
// column must match StageIDCol of an already-materialized stage table.
type StageTarget struct {
	StageTable  string `json:"stage_table"`
	LocalColumn string `json:"local_column"`
	StageIDCol  string `json:"stage_id_col"`
}

// ExistsClause describes the mapping-table arm of a scope_or_exists
// selector.
type ExistsClause struct {
	Table               string          `json:"table"`
	On                  ExistsJoin      `json:"on"`
	Filter              ExistsFilter    `json:"filter"`
	LocalPredicate      *LocalPredicate `json:"local_predicate"`
	RequireLocalNotNull bool            `json:"require_local_not_null"`
}

type ExistsJoin struct {
	Local   string `json:"local"`
	Foreign string `json:"foreign"`
}

type ExistsFilter struct {
	Column    string `json:"column"`
	Selection string `json:"selection"`
}

type LocalPredicate struct {
	Column string `json:"column"`
	Value  int64  `json:"value"`
}

// NormalizedMode returns the selector mode, defaulting absent to list.
func (s Selector) NormalizedMode() string {
	if s.Mode == "" {
		return ModeList
	}
	return s.Mode
}

// Validate checks that the selector variant is well formed. name is the
// owning selection, used in error messages.
func (s Selector) Validate(name string) error {
	switch s.NormalizedMode() {
	case ModeList:
		// an empty id list is a valid (empty) selection
	case ModeSQL:
		if s.SQL == "" {
			return SelectorError{Selection: name, Reason: "sql selector requires a query"}
		}
	case ModeReferencedBy:
		for _, r := range s.Refs {
			if r.Table == "" || r.Column == "" {
				return SelectorError{Selection: name, Reason: "referenced_by refs require table and column"}
			}
		}
	case ModeReferencedByColumn:
		if s.Column == "" {
			return SelectorError{Selection: name, Reason: "referenced_by_column requires a column"}
		}
	case ModeFKInStage:
		if s.FKColumn == "" || s.StageTable == "" {
			return SelectorError{Selection: name, Reason: "fk_in_stage requires fk_column and stage_table"}
		}
	case ModeRefersToStage:
		if len(s.Targets) == 0 {
			return SelectorError{Selection: name, Reason: "refers_to_stage requires targets"}
		}
		for _, t := range s.Targets {
			if t.StageTable == "" || t.LocalColumn == "" {
				return SelectorError{Selection: name, Reason: "refers_to_stage targets require stage_table and local_column"}
			}
		}
	case ModeScopeOrExists:
		if s.ScopeColumn == "" || s.ScopeSelection == "" {
			return SelectorError{Selection: name, Reason: "scope_or_exists requires scope_column and scope_selection"}
		}
		if s.Exists != nil {
			e := s.Exists
			if e.Table == "" || e.On.Local == "" || e.On.Foreign == "" || e.Filter.Column == "" || e.Filter.Selection == "" {
				return SelectorError{Selection: name, Reason: "scope_or_exists exists clause requires table, on and filter"}
			}
		}
	default:
		return UnsupportedSelectorError{Selection: name, Mode: s.Mode}
	}
	return nil
}
