// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"

	"sigs.k8s.io/yaml"
)

const (
	DefaultSourceSchema = "public"
	DefaultDestSchema   = "stage"
	DefaultTmpSchema    = "tmp"
	DefaultShardsSchema = "shards"
)

// Plan is the normalized slicing configuration. It is produced by Load and
// is the single input to every engine entry point.
type Plan struct {
	SourceSchema string `json:"source_schema"`
	DestSchema   string `json:"dest_schema"`
	TmpSchema    string `json:"tmp_schema"`
	ShardsSchema string `json:"shards_schema"`

	Precopy     Precopy      `json:"precopy"`
	TableGroups []TableGroup `json:"table_groups"`
	Neuter      Neuter       `json:"neuter"`
	PreMigrate  PreMigrate   `json:"pre_migrate"`
	Reconcile   Reconcile    `json:"reconcile"`

	// Roots is derived from TableGroups[].Root.Selector during Load.
	Roots []Root `json:"-"`
}

type Precopy struct {
	SchemaOnly []string `json:"schema_only"`
	FullCopy   []string `json:"full_copy"`
}

type TableGroup struct {
	Name string     `json:"name"`
	Root GroupRoot  `json:"root"`
	Deps []GroupDep `json:"deps"`
}

type GroupRoot struct {
	Table     string    `json:"table"`
	IDCol     string    `json:"id_col"`
	Selection string    `json:"selection"`
	Join      string    `json:"join"`
	Selector  *Selector `json:"selector"`
	Ensure    []int64   `json:"ensure"`
	Phase     string    `json:"phase"`
	Shard     *Shard    `json:"shard"`
}

// JoinExpr is the root join predicate, defaulting to matching on id.
func (r GroupRoot) JoinExpr() string {
	if r.Join == "" {
		return "d.id = p.id"
	}
	return r.Join
}

type GroupDep struct {
	Table        string      `json:"table"`
	ParentTable  string      `json:"parent_table"`
	ParentSchema string      `json:"parent_schema"`
	Join         string      `json:"join"`
	Where        string      `json:"where"`
	Distinct     bool        `json:"distinct"`
	Sources      []DepSource `json:"sources"`
	ShardBy      string      `json:"shard_by"`
	ShardKey     string      `json:"shard_key"`
	ShardCount   int         `json:"shard_count"`
}

// DepSource is one producer of rows for a multi-source dependency. Exactly
// one of Selection or ParentTable is set.
type DepSource struct {
	Selection    string `json:"selection"`
	ParentTable  string `json:"parent_table"`
	ParentSchema string `json:"parent_schema"`
	Join         string `json:"join"`
	Where        string `json:"where"`
}

// Root is a selection descriptor derived from a table group root.
type Root struct {
	Name     string   `json:"name"`
	Table    string   `json:"table"`
	IDCol    string   `json:"id_col"`
	Selector Selector `json:"selector"`
	Ensure   []int64  `json:"ensure"`
	Phase    string   `json:"phase"`
	Shard    *Shard   `json:"shard"`
}

func (r Root) IsPost() bool {
	return r.Phase == "post"
}

type Shard struct {
	Count      int    `json:"count"`
	Strategy   string `json:"strategy"`
	WeightsSQL string `json:"weights_sql"`
}

func (s *Shard) Active() bool {
	return s != nil && s.Count > 1
}

type Neuter struct {
	Enabled  *bool                   `json:"enabled"`
	Parallel int                     `json:"parallel"`
	Targets  map[string][]NeuterRule `json:"targets"`
}

// On reports whether the neuter pass should run at all.
func (n Neuter) On() bool {
	if n.Enabled != nil && !*n.Enabled {
		return false
	}
	return len(n.Targets) > 0
}

type NeuterRule struct {
	Column       string       `json:"column"`
	Strategy     string       `json:"strategy"`
	Value        string       `json:"value"`
	SkipPattern  string       `json:"skip_pattern"`
	SkipPatterns []string     `json:"skip_patterns"`
	Shard        *NeuterShard `json:"shard"`
}

// Skips collapses the single- and multi-pattern forms into one list.
func (r NeuterRule) Skips() []string {
	if r.SkipPattern != "" {
		return []string{r.SkipPattern}
	}
	return r.SkipPatterns
}

type NeuterShard struct {
	Column string `json:"column"`
	Modulo int    `json:"modulo"`
}

type PreMigrate struct {
	Truncate []string `json:"truncate"`
	SQL      []string `json:"sql"`
}

// Reconcile gates each reconciliation pass. All passes default on except
// permissions. StrictObjects turns per-object failure tolerance in the
// function and trigger passes into a hard abort.
type Reconcile struct {
	Sequences      bool `json:"sequences"`
	PrimaryKeys    bool `json:"primary_keys"`
	Indexes        bool `json:"indexes"`
	Triggers       bool `json:"triggers"`
	ColumnSettings bool `json:"column_settings"`
	Constraints    bool `json:"constraints"`
	Views          bool `json:"views"`
	Permissions    bool `json:"permissions"`
	StrictObjects  bool `json:"strict_objects"`
}

// rawReconcile uses pointers so absent keys can default on.
type rawReconcile struct {
	Sequences      *bool `json:"sequences"`
	PrimaryKeys    *bool `json:"primary_keys"`
	Indexes        *bool `json:"indexes"`
	Triggers       *bool `json:"triggers"`
	ColumnSettings *bool `json:"column_settings"`
	Constraints    *bool `json:"constraints"`
	Views          *bool `json:"views"`
	Permissions    *bool `json:"permissions"`
	StrictObjects  *bool `json:"strict_objects"`
}

type rawPlan struct {
	SourceSchema string       `json:"source_schema"`
	SrcSchema    string       `json:"src_schema"`
	DestSchema   string       `json:"dest_schema"`
	DstSchema    string       `json:"dst_schema"`
	TmpSchema    string       `json:"tmp_schema"`
	ShardsSchema string       `json:"shards_schema"`
	Precopy      Precopy      `json:"precopy"`
	TableGroups  []TableGroup `json:"table_groups"`
	Neuter       Neuter       `json:"neuter"`
	PreMigrate   PreMigrate   `json:"pre_migrate"`
	Reconcile    rawReconcile `json:"reconcile"`
}

// Load reads and normalizes a YAML plan from path.
func Load(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading plan %q: %w", path, err)
	}
	return Parse(data)
}

// Parse normalizes a YAML plan: schema defaults, root derivation from table
// group selectors, reconcile gate defaults, and selector validation.
func Parse(data []byte) (*Plan, error) {
	var raw rawPlan
	if err := yaml.UnmarshalStrict(data, &raw); err != nil {
		return nil, fmt.Errorf("parsing plan: %w", err)
	}

	p := &Plan{
		SourceSchema: coalesce(raw.SourceSchema, raw.SrcSchema, DefaultSourceSchema),
		DestSchema:   coalesce(raw.DestSchema, raw.DstSchema, DefaultDestSchema),
		TmpSchema:    coalesce(raw.TmpSchema, DefaultTmpSchema),
		ShardsSchema: coalesce(raw.ShardsSchema, DefaultShardsSchema),
		Precopy:      raw.Precopy,
		TableGroups:  raw.TableGroups,
		Neuter:       raw.Neuter,
		PreMigrate:   raw.PreMigrate,
		Reconcile: Reconcile{
			Sequences:      boolOr(raw.Reconcile.Sequences, true),
			PrimaryKeys:    boolOr(raw.Reconcile.PrimaryKeys, true),
			Indexes:        boolOr(raw.Reconcile.Indexes, true),
			Triggers:       boolOr(raw.Reconcile.Triggers, true),
			ColumnSettings: boolOr(raw.Reconcile.ColumnSettings, true),
			Constraints:    boolOr(raw.Reconcile.Constraints, true),
			Views:          boolOr(raw.Reconcile.Views, true),
			Permissions:    boolOr(raw.Reconcile.Permissions, false),
			StrictObjects:  boolOr(raw.Reconcile.StrictObjects, false),
		},
	}

	p.Roots = deriveRoots(p.TableGroups)

	if err := p.validate(); err != nil {
		return nil, err
	}
	return p, nil
}

// deriveRoots collects selection descriptors from table group roots. A group
// whose root has no selector depends on a selection declared elsewhere.
func deriveRoots(groups []TableGroup) []Root {
	var roots []Root
	for _, g := range groups {
		if g.Root.Selector == nil {
			continue
		}
		name := g.Root.Selection
		if name == "" {
			name = g.Name
		}
		table := g.Root.Table
		if table == "" {
			table = g.Name
		}
		idCol := g.Root.IDCol
		if idCol == "" {
			idCol = "id"
		}
		roots = append(roots, Root{
			Name:     name,
			Table:    table,
			IDCol:    idCol,
			Selector: *g.Root.Selector,
			Ensure:   g.Root.Ensure,
			Phase:    g.Root.Phase,
			Shard:    g.Root.Shard,
		})
	}
	return roots
}

// GroupByName finds a table group by name.
func (p *Plan) GroupByName(name string) (TableGroup, bool) {
	for _, g := range p.TableGroups {
		if g.Name == name {
			return g, true
		}
	}
	return TableGroup{}, false
}

// GroupTables lists the destination tables a group materializes, root first.
func (g TableGroup) GroupTables() []string {
	tables := make([]string, 0, 1+len(g.Deps))
	if g.Root.Table != "" {
		tables = append(tables, g.Root.Table)
	} else if g.Name != "" {
		tables = append(tables, g.Name)
	}
	for _, d := range g.Deps {
		if d.Table != "" {
			tables = append(tables, d.Table)
		}
	}
	return tables
}

// RootTable is the group's root table, defaulting to the group name.
func (g TableGroup) RootTable() string {
	if g.Root.Table != "" {
		return g.Root.Table
	}
	return g.Name
}

// SplitPhases partitions the plan into the pre-phase and post-phase slices
// of the migration. Groups whose root selection references a post-phase root
// are deferred so their selectors can read materialized destination tables.
func (p *Plan) SplitPhases() (pre, post *Plan) {
	postNames := make(map[string]bool)
	for _, r := range p.Roots {
		if r.IsPost() {
			postNames[r.Name] = true
		}
	}

	clone := func(roots []Root, groups []TableGroup) *Plan {
		c := *p
		c.Roots = roots
		c.TableGroups = groups
		return &c
	}

	var preRoots, postRoots []Root
	for _, r := range p.Roots {
		if r.IsPost() {
			postRoots = append(postRoots, r)
		} else {
			preRoots = append(preRoots, r)
		}
	}

	var preGroups, postGroups []TableGroup
	for _, g := range p.TableGroups {
		sel := g.Root.Selection
		if sel == "" && g.Root.Selector != nil {
			sel = g.Name
		}
		if sel != "" && postNames[sel] {
			postGroups = append(postGroups, g)
		} else {
			preGroups = append(preGroups, g)
		}
	}

	return clone(preRoots, preGroups), clone(postRoots, postGroups)
}

// Subset returns a copy of the plan restricted to the named table groups,
// with Roots reduced to the transitive closure of selections those groups
// require. An unknown group name is an error.
func (p *Plan) Subset(names []string) (*Plan, error) {
	if len(names) == 0 {
		c := *p
		return &c, nil
	}

	want := make(map[string]bool, len(names))
	for _, n := range names {
		if _, ok := p.GroupByName(n); !ok {
			return nil, UnknownGroupError{Name: n}
		}
		want[n] = true
	}

	var groups []TableGroup
	for _, g := range p.TableGroups {
		if want[g.Name] {
			groups = append(groups, g)
		}
	}

	roots, err := p.requiredRoots(groups)
	if err != nil {
		return nil, err
	}

	c := *p
	c.TableGroups = groups
	c.Roots = roots
	return &c, nil
}

// requiredRoots computes the transitive closure of selections needed by the
// given groups, following scope_or_exists dependencies.
func (p *Plan) requiredRoots(groups []TableGroup) ([]Root, error) {
	byName := make(map[string]Root, len(p.Roots))
	for _, r := range p.Roots {
		byName[r.Name] = r
	}

	need := make(map[string]bool)
	for _, g := range groups {
		sel := g.Root.Selection
		if sel == "" && g.Root.Selector != nil {
			sel = g.Name
		}
		if sel != "" {
			need[sel] = true
		}
		for _, d := range g.Deps {
			for _, s := range d.Sources {
				if s.Selection != "" {
					need[s.Selection] = true
				}
			}
		}
	}

	for changed := true; changed; {
		changed = false
		for name := range need {
			r, ok := byName[name]
			if !ok {
				continue
			}
			if r.Selector.Mode == ModeScopeOrExists {
				dep := r.Selector.ScopeSelection
				if dep != "" && !need[dep] {
					need[dep] = true
					changed = true
				}
				if r.Selector.Exists != nil {
					fs := r.Selector.Exists.Filter.Selection
					if fs != "" && !need[fs] {
						need[fs] = true
						changed = true
					}
				}
			}
		}
	}

	// Preserve declaration order.
	var roots []Root
	for _, r := range p.Roots {
		if need[r.Name] {
			roots = append(roots, r)
		}
	}
	return roots, nil
}

func (p *Plan) validate() error {
	seen := make(map[string]bool)
	for _, g := range p.TableGroups {
		if g.Name == "" {
			return InvalidPlanError{Reason: "table group requires a name"}
		}
		if seen[g.Name] {
			return InvalidPlanError{Reason: fmt.Sprintf("duplicate table group %q", g.Name)}
		}
		seen[g.Name] = true

		for _, d := range g.Deps {
			if d.Table == "" {
				return InvalidPlanError{Reason: fmt.Sprintf("group %q: dependency requires a table", g.Name)}
			}
			if d.ShardBy != "" && d.ShardBy != ShardByPKMod {
				return InvalidPlanError{Reason: fmt.Sprintf("group %q dep %q: unsupported shard_by %q", g.Name, d.Table, d.ShardBy)}
			}
			if d.ShardBy == ShardByPKMod && d.ShardKey == "" {
				return InvalidPlanError{Reason: fmt.Sprintf("group %q dep %q: shard_by=pk_mod requires shard_key", g.Name, d.Table)}
			}
		}
	}

	rootSeen := make(map[string]bool)
	for _, r := range p.Roots {
		if rootSeen[r.Name] {
			return InvalidPlanError{Reason: fmt.Sprintf("duplicate selection %q", r.Name)}
		}
		rootSeen[r.Name] = true

		if err := r.Selector.Validate(r.Name); err != nil {
			return err
		}
		if r.Shard != nil && r.Shard.Count > 1 {
			switch r.Shard.Strategy {
			case "", ShardRoundRobin:
			case ShardWeighted:
				if r.Shard.WeightsSQL == "" {
					return InvalidPlanError{Reason: fmt.Sprintf("selection %q: weighted sharding requires weights_sql", r.Name)}
				}
			default:
				return InvalidPlanError{Reason: fmt.Sprintf("selection %q: unsupported shard strategy %q", r.Name, r.Shard.Strategy)}
			}
		}
	}

	return p.checkSelectionCycles()
}

// checkSelectionCycles rejects plans whose scope_or_exists selections form a
// dependency cycle.
func (p *Plan) checkSelectionCycles() error {
	next := make(map[string]string)
	for _, r := range p.Roots {
		if r.Selector.Mode == ModeScopeOrExists && r.Selector.ScopeSelection != "" {
			next[r.Name] = r.Selector.ScopeSelection
		}
	}
	for start := range next {
		slow, fast := start, start
		for {
			var ok bool
			if fast, ok = next[fast]; !ok {
				break
			}
			if fast, ok = next[fast]; !ok {
				break
			}
			slow = next[slow]
			if slow == fast {
				return InvalidPlanError{Reason: fmt.Sprintf("selection dependency cycle involving %q", start)}
			}
		}
	}
	return nil
}

func coalesce(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
