package compiler

import (
	"sql4dataverse/internal/attrtype"
	"sql4dataverse/internal/fetchxml"
	"sql4dataverse/internal/metadata"
)

// Row is the runtime shape the expression tree and post-processing
// operators evaluate against: a flat map from column/output name to a
// domain-typed value (nil represents SQL NULL). The execution runtime
// populates rows from FetchXML result sets or from an upstream
// aggregate-alternative scan.
type Row map[string]interface{}

// Expr is a lowered scalar expression (§4.3): a typed tree over a single
// row parameter that yields a nullable value plus the domain type it
// produces, so callers (Projection, Having, comparisons) can make
// type-aware decisions without re-inspecting the SQL AST.
type Expr interface {
	Eval(row Row) interface{}
	Type() attrtype.DomainType
}

// EntityTable is one table or join participant in the query (§3). Exactly
// one EntityTable in a query has IsRoot=true; every other one wraps a
// *fetchxml.LinkEntity.
type EntityTable struct {
	LogicalName string
	Alias       string
	IsRoot      bool
	Sink        fetchxml.AttributeSink
	Link        *fetchxml.LinkEntity // nil when IsRoot
	Metadata    metadata.EntityMetadata
}

// Name returns the alias if the table has one, else the logical name — the
// binder's resolution preference (§3: "resolution prefers alias over entity
// name").
func (t *EntityTable) Name() string {
	if t.Alias != "" {
		return t.Alias
	}
	return t.LogicalName
}

// ColumnBinding is the result of binding a SQL column reference (§3, §4.1).
type ColumnBinding struct {
	Table         *EntityTable
	AttributeName string
	AttrType      attrtype.DomainType
	ExplicitAlias string
}

// OutputName is the name this binding contributes to a CompiledQuery's
// column list: the explicit alias if the caller gave one, else the bare
// attribute name.
func (b ColumnBinding) OutputName() string {
	if b.ExplicitAlias != "" {
		return b.ExplicitAlias
	}
	return b.AttributeName
}

// SortKey is one key of a Sort operator (§4.6).
type SortKey struct {
	IsNativePrefix bool
	Selector       Expr
	Descending     bool
}

// Grouping is one grouping key of an expression-path Aggregate operator
// (§4.5 expression path, §4.6).
type Grouping struct {
	OutputName string
	Selector   Expr
}

// AggregateFuncKind enumerates the aggregate functions the expression path
// supports (§4.5, §4.6).
type AggregateFuncKind int

const (
	AggCount AggregateFuncKind = iota
	AggCountColumn
	AggCountColumnDistinct
	AggAverage
	AggMin
	AggMax
	AggSum
)

// AggregateFunc is one aggregate computation in an Aggregate operator.
type AggregateFunc struct {
	OutputName string
	Kind       AggregateFuncKind
	Arg        Expr // nil for AggCount
}

// Operator is one stage of the post-processing pipeline (§4.6). The order
// of append mirrors the logical clause order (§3).
type Operator interface {
	operatorKind() string
}

// OperatorKind returns an operator's short display name (Where, Projection,
// Sort, ...), for callers outside the package that want to print a plan.
func OperatorKind(op Operator) string {
	return op.operatorKind()
}

// WhereOp filters rows by a three-valued predicate, treating unknown as
// false.
type WhereOp struct {
	Predicate Expr
}

func (WhereOp) operatorKind() string { return "Where" }

// ProjectionOp extends each row with computed columns; existing columns
// pass through untouched. Order preserves the SELECT list's left-to-right
// order for callers that care about column position.
type ProjectionOp struct {
	Order   []string
	Columns map[string]Expr
}

func (ProjectionOp) operatorKind() string { return "Projection" }

// SortOp performs a stable sort. When the leading keys are
// IsNativePrefix=true, the operator only re-orders within groups already
// equal on those keys (§4.5 step 6, §4.6).
type SortOp struct {
	Keys []SortKey
}

func (SortOp) operatorKind() string { return "Sort" }

// DistinctOp removes duplicate rows, comparing strings case-insensitively.
type DistinctOp struct{}

func (DistinctOp) operatorKind() string { return "Distinct" }

// TopOp keeps only the first N rows.
type TopOp struct {
	N int
}

func (TopOp) operatorKind() string { return "Top" }

// OffsetOp skips Skip rows then keeps at most Take.
type OffsetOp struct {
	Skip int
	Take int
}

func (OffsetOp) operatorKind() string { return "Offset" }

// HavingOp is a post-aggregation predicate (§4.6). Always an expression —
// FetchXML has no native equivalent.
type HavingOp struct {
	Predicate Expr
}

func (HavingOp) operatorKind() string { return "Having" }

// AggregateOp requires its input pre-sorted by the grouping selectors; it
// streams groups by key-change detection (§4.6).
type AggregateOp struct {
	Groupings  []Grouping
	Aggregates []AggregateFunc
}

func (AggregateOp) operatorKind() string { return "Aggregate" }

// QueryKind distinguishes the statement families a CompiledQuery can
// represent (§3, §4.8).
type QueryKind int

const (
	KindSelect QueryKind = iota
	KindUpdate
	KindDelete
	KindInsert
)

// InsertSource is the row source for an INSERT (§4.8): either literal/
// expression value rows, or a nested compiled SELECT.
type InsertSource struct {
	ValueRows    [][]Expr        // each inner slice has one Expr per target column, in TargetColumns order
	SourceSelect *CompiledQuery  // set instead of ValueRows for INSERT SELECT
	SourceCols   []string        // INSERT SELECT: source column names, positionally mapped to TargetColumns
}

// CompiledQuery is the immutable record the execution runtime consumes
// (§3). The compiled query owns its FetchXML tree and operator pipeline;
// EntityTable references used during compilation are not exported.
type CompiledQuery struct {
	Kind QueryKind

	Fetch     *fetchxml.Fetch
	Operators []Operator

	// SELECT
	Columns              []string
	AllPages             bool
	AggregateAlternative *CompiledQuery

	// UPDATE
	UpdateEntityName string
	UpdateIDColumn   string
	Updates          map[string]Expr

	// DELETE
	DeleteEntityName string
	DeleteIDColumns  []string

	// INSERT
	InsertEntityName string
	TargetColumns    []string
	Insert           *InsertSource

	// RawSQL holds raw SQL text for a query the compiler could not lower.
	// Nothing in this package sets it, so every compiled query leaves it
	// empty; a query that cannot be lowered returns an error instead.
	RawSQL string
}
