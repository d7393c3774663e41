// Package fetchxml implements the mutable FetchXML document tree the
// compiler assembles a query into (§3, §4.2), plus its XML serialization
// (§6.3). The tree is not safe for concurrent execution without cloning
// (see internal/paging.Clone) because paging mutates Fetch.Page/PagingCookie
// in place between requests.
package fetchxml

import "sort"

// LinkType is the join kind of a LinkEntity.
type LinkType string

const (
	LinkInner LinkType = "inner"
	LinkOuter LinkType = "outer"
)

// FilterType is the boolean combinator of a Filter, or the indeterminate
// placeholder used while the assembler hasn't yet seen the first AND/OR
// under a freshly opened filter (§3, resolved to "and" at Finalize).
type FilterType string

const (
	FilterAnd           FilterType = "and"
	FilterOr            FilterType = "or"
	FilterIndeterminate FilterType = "indeterminate"
)

// Item is any node that can appear in an Entity's or LinkEntity's child
// list: Attribute, AllAttributes, Filter, *LinkEntity, or Order. The kind
// ordering (attributes -> filter -> link-entity -> order) that Finalize
// enforces is a stable sort, so relative order within a kind is preserved.
type Item interface {
	itemSortRank() int
}

// Attribute is a projected column, with the aggregate/group-by annotations
// FetchXML uses for server-side aggregation (§4.2, §4.6).
type Attribute struct {
	Name         string
	Alias        string
	Aggregate    string // "", "count", "countcolumn", "sum", "avg", "min", "max"
	Distinct     bool
	DistinctSpecified bool
	DateGrouping string // "", "day", "week", "month", "quarter", "year", "fiscal-period", "fiscal-year"
	GroupBy      bool
	GroupBySpecified bool
}

func (Attribute) itemSortRank() int { return rankAttribute }

// AllAttributes is the `<all-attributes/>` wildcard projection.
type AllAttributes struct{}

func (AllAttributes) itemSortRank() int { return rankAttribute }

// Order is a sort key, by attribute name or by projected alias (§4.2).
type Order struct {
	Attribute  string
	Alias      string
	Descending bool
}

func (Order) itemSortRank() int { return rankOrder }

// Condition is one leaf test inside a Filter. EntityName disambiguates the
// attribute when the condition applies to a joined link-entity rather than
// the filter's containing entity.
type Condition struct {
	EntityName string
	Attribute  string
	Operator   string
	Value      string
	Values     []string
}

// Filter is a boolean group of Conditions and nested Filters (§3, §4.2).
type Filter struct {
	Type  FilterType
	Items []FilterItem
}

func (*Filter) itemSortRank() int { return rankFilter }

// FilterItem is either a Condition or a nested *Filter.
type FilterItem interface {
	isFilterItem()
}

func (Condition) isFilterItem() {}
func (*Filter) isFilterItem()   {}

// NewFilter starts a filter in the indeterminate state (§3): its Type is
// resolved to the first combinator observed (SetType), or set to FilterAnd
// by Prune/Finalize if the filter never saw one (a single condition).
func NewFilter() *Filter {
	return &Filter{Type: FilterIndeterminate}
}

// SetType resolves the filter's combinator on first AND/OR observed. A
// second call with a different type is a caller bug (the assembler tracks
// one filter per logical AND/OR chain) and is ignored.
func (f *Filter) SetType(t FilterType) {
	if f.Type == FilterIndeterminate {
		f.Type = t
	}
}

// AddCondition appends a leaf condition.
func (f *Filter) AddCondition(c Condition) {
	f.Items = append(f.Items, c)
}

// AddFilter appends a nested filter.
func (f *Filter) AddFilter(child *Filter) {
	f.Items = append(f.Items, child)
}

// IsEmpty reports whether this filter has no items at its top level,
// without pruning. Call Prune first to remove the empty
// nested filters themselves; IsEmpty just answers the top-level question.
func (f *Filter) IsEmpty() bool {
	return f == nil || len(f.Items) == 0
}

// Prune recursively removes empty nested filters, then resolves any
// remaining indeterminate type to "and" (§4.2's empty-filter-pruning and
// indeterminate-resolution invariants).
func (f *Filter) Prune() {
	if f == nil {
		return
	}
	if f.Type == FilterIndeterminate {
		f.Type = FilterAnd
	}
	kept := f.Items[:0]
	for _, item := range f.Items {
		if nested, ok := item.(*Filter); ok {
			nested.Prune()
			if nested.IsEmpty() {
				continue
			}
		}
		kept = append(kept, item)
	}
	f.Items = kept
}

// LinkEntity is a joined table (§3). Alias must be unique among its
// siblings' LinkEntity aliases and among the containing Entity's attribute
// aliases — the assembler enforces this when it allocates aliases.
type LinkEntity struct {
	Name     string
	Alias    string
	From     string
	To       string
	LinkType LinkType
	Items    []Item
}

func (*LinkEntity) itemSortRank() int { return rankLinkEntity }

// Entity is the root table of a Fetch.
type Entity struct {
	Name  string
	Items []Item
}

// Fetch is the document root (§3).
type Fetch struct {
	Distinct          bool
	DistinctSpecified bool
	Top               int
	TopSpecified      bool
	Count             int
	CountSpecified    bool
	Page              int
	PageSpecified     bool
	NoLock            bool
	NoLockSpecified   bool
	Aggregate         bool
	AggregateSpecified bool
	PagingCookie      string
	Entity            *Entity
}

const (
	rankAttribute = iota
	rankFilter
	rankLinkEntity
	rankOrder
)

// Finalize applies the §4.2 invariants to the whole tree: it prunes empty
// filters, resolves indeterminate filter types, and stably sorts every
// Entity's and LinkEntity's item list into attributes -> filter ->
// link-entity -> order. It must run once, after all clauses have been
// lowered and before serialization.
func (f *Fetch) Finalize() {
	if f == nil || f.Entity == nil {
		return
	}
	finalizeItems(f.Entity.Items)
	f.Entity.Items = sortItems(pruneFilters(f.Entity.Items))
}

func finalizeItems(items []Item) {
	for _, item := range items {
		if le, ok := item.(*LinkEntity); ok {
			finalizeItems(le.Items)
			le.Items = sortItems(pruneFilters(le.Items))
		}
	}
}

func pruneFilters(items []Item) []Item {
	kept := make([]Item, 0, len(items))
	for _, item := range items {
		if filter, ok := item.(*Filter); ok {
			filter.Prune()
			if filter.IsEmpty() {
				continue
			}
		}
		kept = append(kept, item)
	}
	return kept
}

func sortItems(items []Item) []Item {
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].itemSortRank() < items[j].itemSortRank()
	})
	return items
}

// AttributeSink is any node that can receive plain (non-aggregate)
// attributes: the root Entity or a LinkEntity. The binder (§4.1) uses this
// to add a column to whichever table owns it without caring which kind of
// node that table wraps.
type AttributeSink interface {
	AddAttribute(Attribute)
	HasAttribute(name string) bool
	HasAlias(alias string) bool
}

// AddAttribute appends a projected column to e, enforcing the §4.2
// non-empty-name invariant.
func (e *Entity) AddAttribute(a Attribute) {
	if a.Name == "" {
		panic("fetchxml: attribute name must not be empty")
	}
	e.Items = append(e.Items, a)
}

// HasAttribute reports whether a plain attribute with this name is already
// present, so the binder can avoid requesting the same column twice.
func (e *Entity) HasAttribute(name string) bool { return hasAttribute(e.Items, name) }

// HasAlias reports whether an attribute alias is already taken, enforcing
// the §4.2 unique-alias invariant.
func (e *Entity) HasAlias(alias string) bool { return hasAlias(e.Items, alias) }

// AddAttribute appends a projected column to a LinkEntity.
func (le *LinkEntity) AddAttribute(a Attribute) {
	if a.Name == "" {
		panic("fetchxml: attribute name must not be empty")
	}
	le.Items = append(le.Items, a)
}

// HasAttribute reports whether a plain attribute with this name is already
// present on this link-entity.
func (le *LinkEntity) HasAttribute(name string) bool { return hasAttribute(le.Items, name) }

// HasAlias reports whether an attribute alias is already taken on this
// link-entity.
func (le *LinkEntity) HasAlias(alias string) bool { return hasAlias(le.Items, alias) }

func hasAttribute(items []Item, name string) bool {
	for _, item := range items {
		if a, ok := item.(Attribute); ok && a.Aggregate == "" && a.Name == name {
			return true
		}
	}
	return false
}

func hasAlias(items []Item, alias string) bool {
	if alias == "" {
		return false
	}
	for _, item := range items {
		if a, ok := item.(Attribute); ok && a.Alias == alias {
			return true
		}
	}
	return false
}

// CountAttribute builds the aggregate=count Attribute, which always
// projects the primary-id attribute per §4.2 ("aggregate=count uses the
// primary-id attribute as name").
func CountAttribute(primaryIDAttribute, alias string) Attribute {
	return Attribute{Name: primaryIDAttribute, Alias: alias, Aggregate: "count"}
}

// CountColumnAttribute builds the aggregate=countcolumn Attribute, which
// projects the real attribute being counted (§4.2).
func CountColumnAttribute(attributeName, alias string) Attribute {
	return Attribute{Name: attributeName, Alias: alias, Aggregate: "countcolumn"}
}
