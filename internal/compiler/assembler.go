// Package compiler implements the T-SQL to FetchXML query compiler: the
// metadata binder, scalar and predicate lowerers, the query assembler that
// drives clause-by-clause lowering, the post-processing operator pipeline,
// the aggregate-alternative planner, and the DML compilers.
package compiler

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/ha1tch/tsqlparser/ast"

	"sql4dataverse/internal/attrtype"
	"sql4dataverse/internal/fetchxml"
	"sql4dataverse/internal/metadata"
)

// CompileMetricsRecorder receives an instrumentation callback once per
// Compile call; internal/observability.CompilerMetrics implements it. Kept
// as a narrow interface here rather than importing internal/observability
// directly, the same boundary dbexec draws around *sql.DB.
type CompileMetricsRecorder interface {
	RecordCompile(duration time.Duration, fallbacksAbsorbed int, usedAggregateAlternative bool)
}

// CompileTracer brackets a Compile call in a span; internal/observability.Tracer
// implements it against the global OpenTelemetry TracerProvider, the same
// narrow-interface boundary CompileMetricsRecorder draws around
// internal/observability.CompilerMetrics.
type CompileTracer interface {
	StartSpan(name string) func()
}

// Options controls behavior the caller can toggle per §9's two flags.
type Options struct {
	QuotedIdentifiers     bool
	TSQLEndpointAvailable bool
	DefaultFetchSize      int
	Metrics               CompileMetricsRecorder
	Tracer                CompileTracer
	// Logger, if set, receives a debug record every time a construct can't
	// be expressed natively and the assembler falls back to post-processing
	// (§4.4/§4.5's PostProcessingRequired signal).
	Logger *slog.Logger
}

// Assembler drives the fixed clause order of §4.5 and owns the FetchXML/
// operator-pipeline fallback protocol.
type Assembler struct {
	provider metadata.Provider
	options  Options

	binder    *binder
	predicate *predicateLowerer
	scalar    *scalarLowerer

	fetch     *fetchxml.Fetch
	operators []Operator

	aliasSeen          map[string]bool   // collision-resolver-style dedup for generated aggregate aliases (§4.5)
	aggregateAliases   map[int]string    // SELECT column index -> output row key, for grouped/aggregate columns
	aggregateExprAlias map[string]string // aggregate call's String() -> its output row key, for HAVING reuse
	exprN              int
	groupN             int
	aggN               int

	forceAggregateExpression bool
	pulledInExtraColumns     bool // true once a fallback pulls a column the SELECT list didn't ask for
	fallbacksAbsorbed        int  // count of PostProcessingRequired signals absorbed into a fallback path
}

// logFallback records a debug-level note that a construct could not be
// lowered natively and fell back to post-processing, and counts it toward
// the compile_fallback_total metric.
func (a *Assembler) logFallback(step string, err error) {
	a.fallbacksAbsorbed++
	if a.options.Logger != nil {
		a.options.Logger.Debug("compiler: post-processing fallback absorbed",
			slog.String("step", step), slog.String("reason", err.Error()))
	}
}

// NewAssembler builds an Assembler bound to a metadata provider.
func NewAssembler(provider metadata.Provider, options Options) *Assembler {
	if options.DefaultFetchSize == 0 {
		options.DefaultFetchSize = 5000
	}
	b := newBinder()
	return &Assembler{
		provider:  provider,
		options:   options,
		binder:    b,
		predicate: newPredicateLowerer(b),
		scalar:    newScalarLowerer(b),
		aliasSeen:          make(map[string]bool),
		aggregateAliases:   make(map[int]string),
		aggregateExprAlias: make(map[string]string),
	}
}

// Compile lowers a SELECT statement into a CompiledQuery (§4.5).
func (a *Assembler) Compile(stmt *ast.SelectStatement) (*CompiledQuery, error) {
	if a.options.Tracer != nil {
		end := a.options.Tracer.StartSpan("compiler.Compile")
		defer end()
	}
	started := time.Now()
	cq, err := a.compile(stmt)
	if a.options.Metrics != nil {
		a.options.Metrics.RecordCompile(time.Since(started), a.fallbacksAbsorbed, cq != nil && cq.AggregateAlternative != nil)
	}
	return cq, err
}

func (a *Assembler) compile(stmt *ast.SelectStatement) (*CompiledQuery, error) {
	if err := a.lowerFrom(stmt.From); err != nil {
		return nil, err
	}

	whereFallback, err := a.lowerWhere(stmt.Where)
	if err != nil {
		return nil, err
	}
	if len(whereFallback) > 0 {
		// Materialize the WHERE fallback before any later step decides
		// native-vs-operator by checking len(a.operators) == 0: GROUP BY,
		// DISTINCT, ORDER BY, OFFSET, and TOP must all see that WHERE has
		// already forced the post-processing path, or they apply the native
		// FetchXML form before the in-memory predicate runs (§4.5).
		a.prependWhere(whereFallback)
	}

	if err := a.lowerGroupByAndAggregates(stmt); err != nil {
		return nil, err
	}

	outputCols, err := a.lowerSelect(stmt.Columns)
	if err != nil {
		return nil, err
	}

	a.lowerDistinct(stmt.Distinct)

	if err := a.lowerOrderBy(stmt.OrderBy, outputCols); err != nil {
		return nil, err
	}

	if err := a.lowerHaving(stmt.Having); err != nil {
		return nil, err
	}

	if err := a.lowerOffset(stmt.Offset); err != nil {
		return nil, err
	}

	if err := a.lowerTop(stmt.Top); err != nil {
		return nil, err
	}

	if a.pulledInExtraColumns && len(a.operators) > 0 {
		a.appendTrimProjection(outputCols)
	}

	a.fetch.Finalize()

	cq := &CompiledQuery{
		Kind:      KindSelect,
		Fetch:     a.fetch,
		Operators: a.operators,
		Columns:   outputCols,
		AllPages:  true,
	}

	if a.isAggregateQuery() {
		alt, err := a.compileAggregateAlternative(stmt)
		if err == nil {
			cq.AggregateAlternative = alt
		}
	}

	return cq, nil
}

func (a *Assembler) isAggregateQuery() bool {
	if a.fetch.Aggregate {
		return true
	}
	for _, op := range a.operators {
		if _, ok := op.(AggregateOp); ok {
			return true
		}
	}
	return false
}

// compileAggregateAlternative re-compiles the original statement with the
// expression aggregate path forced (§4.7).
func (a *Assembler) compileAggregateAlternative(stmt *ast.SelectStatement) (*CompiledQuery, error) {
	alt := NewAssembler(a.provider, a.options)
	alt.forceAggregateExpression = true
	return alt.compile(stmt)
}

func (a *Assembler) prependWhere(fallback []Expr) {
	pred := combineAnd(fallback)
	a.operators = append([]Operator{WhereOp{Predicate: pred}}, a.operators...)
}

func combineAnd(exprs []Expr) Expr {
	if len(exprs) == 0 {
		return &literalExpr{value: true, typ: attrtype.DomainNullableBool}
	}
	result := exprs[0]
	for _, e := range exprs[1:] {
		result = &boolExpr{op: boolAnd, left: result, right: e}
	}
	return result
}

// appendTrimProjection adds a final Projection naming exactly the requested
// output columns, in SELECT order, when a WHERE fallback or the expression
// aggregate path pulled extra attributes into the fetch that were never in
// the SELECT list (§8's `firstname = lastname` scenario). Like every
// ProjectionOp it passes the row's other columns through, so those extra
// attributes stay on the row; the output is selected by Columns.
func (a *Assembler) appendTrimProjection(outputCols []string) {
	cols := make(map[string]Expr, len(outputCols))
	for _, name := range outputCols {
		n := name
		cols[n] = &passthroughExpr{name: n}
	}
	a.operators = append(a.operators, ProjectionOp{Order: outputCols, Columns: cols})
}

type passthroughExpr struct{ name string }

func (passthroughExpr) Type() attrtype.DomainType { return attrtype.DomainString }
func (p *passthroughExpr) Eval(row Row) interface{} { return row[p.name] }

// --- FROM (§4.5 step 1) ---

func (a *Assembler) lowerFrom(from *ast.FromClause) error {
	if from == nil || len(from.Tables) != 1 {
		return &NotSupportedQueryFragment{Reason: "exactly one top-level table reference required", Fragment: "FROM"}
	}
	return a.lowerTableReference(from.Tables[0])
}

func (a *Assembler) lowerTableReference(ref ast.TableReference) error {
	switch t := ref.(type) {
	case *ast.TableName:
		return a.addRootTable(t)
	case *ast.JoinClause:
		if err := a.lowerTableReference(t.Left); err != nil {
			return err
		}
		return a.addJoinedTable(t)
	default:
		return &NotSupportedQueryFragment{Reason: "unsupported table reference", Fragment: fmt.Sprintf("%v", ref)}
	}
}

func (a *Assembler) addRootTable(t *ast.TableName) error {
	name := t.Name.String()
	meta, err := a.provider.Get(name)
	if err != nil {
		return &UnknownTable{Identifier: name}
	}
	alias := ""
	if t.Alias != nil {
		alias = t.Alias.Value
	}
	entity := &fetchxml.Entity{Name: meta.LogicalName}
	a.fetch = &fetchxml.Fetch{Entity: entity}
	if len(t.Hints) > 0 {
		for _, h := range t.Hints {
			if strings.EqualFold(h, "NOLOCK") {
				a.fetch.NoLock = true
				a.fetch.NoLockSpecified = true
				continue
			}
			return &NotSupportedQueryFragment{Reason: "unsupported table hint", Fragment: h}
		}
	}
	table := &EntityTable{LogicalName: meta.LogicalName, Alias: alias, IsRoot: true, Sink: entity, Metadata: meta}
	a.binder.addTable(table)
	return nil
}

func (a *Assembler) addJoinedTable(j *ast.JoinClause) error {
	tn, ok := j.Right.(*ast.TableName)
	if !ok {
		return &NotSupportedQueryFragment{Reason: "unsupported join right side", Fragment: fmt.Sprintf("%v", j.Right)}
	}
	name := tn.Name.String()
	meta, err := a.provider.Get(name)
	if err != nil {
		return &UnknownTable{Identifier: name}
	}
	alias := name
	if tn.Alias != nil {
		alias = tn.Alias.Value
	}
	linkType := fetchxml.LinkInner
	switch strings.ToUpper(j.Type) {
	case "INNER":
		linkType = fetchxml.LinkInner
	case "LEFT", "LEFT OUTER":
		linkType = fetchxml.LinkOuter
	default:
		return &NotSupportedQueryFragment{Reason: "unsupported join type", Fragment: j.Type}
	}

	link := &fetchxml.LinkEntity{Name: meta.LogicalName, Alias: alias, LinkType: linkType}
	table := &EntityTable{LogicalName: meta.LogicalName, Alias: alias, Sink: link, Link: link, Metadata: meta}
	a.binder.addTable(table)

	from, to, residual, err := a.splitJoinCondition(j.Condition, table)
	if err != nil {
		return err
	}
	link.From = from
	link.To = to

	if residual != nil {
		filter := fetchxml.NewFilter()
		p := newPredicateLowerer(a.binder)
		if err := p.lowerFilter(residual, filter, false); err != nil {
			return &RewriteAsWhere{Fragment: residual.String()}
		}
		link.Items = append(link.Items, filter)
	}

	container := a.currentEntityLikeContainer()
	appendLinkEntity(container, link)
	return nil
}

// splitJoinCondition finds the single column/column comparison designating
// the join key and returns everything else as a residual predicate node
// (nil if none). It supports the common case of a bare comparison or a
// top-level AND chain containing exactly one such comparison.
func (a *Assembler) splitJoinCondition(cond ast.Expression, newcomer *EntityTable) (from, to string, residual ast.Expression, err error) {
	var joinKeyExpr *ast.InfixExpression
	var rest []ast.Expression

	var walk func(node ast.Expression)
	walk = func(node ast.Expression) {
		if infix, ok := node.(*ast.InfixExpression); ok && strings.ToUpper(infix.Operator) == "AND" {
			walk(infix.Left)
			walk(infix.Right)
			return
		}
		if infix, ok := node.(*ast.InfixExpression); ok && infix.Operator == "=" {
			_, lok := asQualified(infix.Left)
			_, rok := asQualified(infix.Right)
			if lok && rok && joinKeyExpr == nil {
				joinKeyExpr = infix
				return
			}
		}
		rest = append(rest, node)
	}
	walk(cond)

	if joinKeyExpr == nil {
		return "", "", nil, &NotSupportedQueryFragment{Reason: "JOIN ON requires a column/column equality join key", Fragment: cond.String()}
	}
	leftCol, _ := asQualified(joinKeyExpr.Left)
	rightCol, _ := asQualified(joinKeyExpr.Right)
	leftBinding, err := a.binder.bindColumn(leftCol)
	if err != nil {
		return "", "", nil, err
	}
	rightBinding, err := a.binder.bindColumn(rightCol)
	if err != nil {
		return "", "", nil, err
	}
	var outerAttr, newAttr string
	switch {
	case leftBinding.Table == newcomer:
		outerAttr, newAttr = rightBinding.AttributeName, leftBinding.AttributeName
	case rightBinding.Table == newcomer:
		outerAttr, newAttr = leftBinding.AttributeName, rightBinding.AttributeName
	default:
		return "", "", nil, &NotSupportedQueryFragment{Reason: "join key must reference the newly joined table", Fragment: cond.String()}
	}

	if len(rest) == 0 {
		return outerAttr, newAttr, nil, nil
	}
	residual = rest[0]
	for _, r := range rest[1:] {
		residual = &ast.InfixExpression{Operator: "AND", Left: residual, Right: r}
	}
	return outerAttr, newAttr, residual, nil
}

// currentEntityLikeContainer returns something appendLinkEntity can attach
// a new LinkEntity to: the root Entity (link entities always attach to the
// query root's Items in this compiler, matching FetchXML's flat sibling
// convention for simple join chains).
func (a *Assembler) currentEntityLikeContainer() *fetchxml.Entity {
	return a.fetch.Entity
}

func appendLinkEntity(e *fetchxml.Entity, link *fetchxml.LinkEntity) {
	e.Items = append(e.Items, link)
}

// --- WHERE (§4.5 step 2) ---

func (a *Assembler) lowerWhere(where ast.Expression) ([]Expr, error) {
	if where == nil {
		return nil, nil
	}
	filter := fetchxml.NewFilter()
	fallback, err := a.lowerWhereAnd(where, filter)
	if err != nil {
		if ppr, ok := err.(*postProcessingRequired); ok {
			// the whole predicate could not be lowered at all; it becomes a
			// single expression Where operator with no native filter.
			a.logFallback("WHERE", ppr)
			e, err2 := a.predicate.lowerExpr(where)
			if err2 != nil {
				return nil, err2
			}
			return []Expr{e}, nil
		}
		return nil, err
	}
	if !filter.IsEmpty() {
		filter.Prune()
		if !filter.IsEmpty() {
			a.fetch.Entity.Items = append(a.fetch.Entity.Items, filter)
		}
	}
	return fallback, nil
}

// lowerWhereAnd implements the AND-chain fallback lift (§4.4): only at this
// top-level AND-chain does a PostProcessingRequired child get lifted into
// the expression tail instead of failing the clause.
func (a *Assembler) lowerWhereAnd(node ast.Expression, filter *fetchxml.Filter) ([]Expr, error) {
	if infix, ok := node.(*ast.InfixExpression); ok && strings.ToUpper(infix.Operator) == "AND" {
		leftFallback, err := a.lowerWhereAnd(infix.Left, filter)
		if err != nil {
			return nil, err
		}
		rightFallback, err := a.lowerWhereAnd(infix.Right, filter)
		if err != nil {
			return nil, err
		}
		return append(leftFallback, rightFallback...), nil
	}
	filter.SetType(fetchxml.FilterAnd)
	err := a.predicate.lowerFilter(node, filter, false)
	if err == nil {
		return nil, nil
	}
	if ppr, ok := err.(*postProcessingRequired); ok {
		a.logFallback("WHERE/AND", ppr)
		e, err2 := a.predicate.lowerExpr(node)
		if err2 != nil {
			return nil, err2
		}
		a.pulledInExtraColumns = true
		return []Expr{e}, nil
	}
	return nil, err
}

// --- GROUP BY / aggregates (§4.5 step 3) ---

func (a *Assembler) lowerGroupByAndAggregates(stmt *ast.SelectStatement) error {
	hasGroupBy := len(stmt.GroupBy) > 0
	hasAggregate := selectHasAggregate(stmt.Columns)
	if !hasGroupBy && !hasAggregate {
		return nil
	}
	if a.forceAggregateExpression || len(a.operators) > 0 {
		return a.lowerAggregateExpressionPath(stmt)
	}
	if err := a.lowerAggregateFetchXMLPath(stmt); err != nil {
		if ppr, ok := err.(*postProcessingRequired); ok {
			a.logFallback("GROUP BY/aggregate", ppr)
			return a.lowerAggregateExpressionPath(stmt)
		}
		return err
	}
	return nil
}

func selectHasAggregate(cols []ast.SelectColumn) bool {
	for _, c := range cols {
		if containsAggregateCall(c.Expression) {
			return true
		}
	}
	return false
}

func containsAggregateCall(node ast.Expression) bool {
	fc, ok := node.(*ast.FunctionCall)
	if !ok {
		return false
	}
	switch strings.ToLower(fc.Function.String()) {
	case "count", "sum", "avg", "min", "max":
		return true
	default:
		return false
	}
}

func (a *Assembler) lowerAggregateFetchXMLPath(stmt *ast.SelectStatement) error {
	a.fetch.Aggregate = true
	a.fetch.AggregateSpecified = true

	for _, g := range stmt.GroupBy {
		if err := a.addGroupingAttribute(g); err != nil {
			return err
		}
	}
	for i, c := range stmt.Columns {
		if !containsAggregateCall(c.Expression) {
			continue
		}
		if err := a.addAggregateAttribute(c, i); err != nil {
			return err
		}
	}
	return nil
}

func (a *Assembler) addGroupingAttribute(expr ast.Expression) error {
	if fc, ok := expr.(*ast.FunctionCall); ok && strings.EqualFold(fc.Function.String(), "DATEPART") {
		if len(fc.Arguments) != 2 {
			return newPostProcessingRequired("DATEPART grouping requires two arguments", fc.String())
		}
		partIdent, ok := fc.Arguments[0].(*ast.Identifier)
		if !ok {
			return newPostProcessingRequired("date-part must be a symbol", fc.String())
		}
		part, ok := NormalizeDatePart(partIdent.Value)
		if !ok {
			return newPostProcessingRequired("unrecognised date part", partIdent.Value)
		}
		col, ok := asQualified(fc.Arguments[1])
		if !ok {
			return newPostProcessingRequired("DATEPART grouping requires a column", fc.String())
		}
		binding, err := a.binder.bindColumn(col)
		if err != nil {
			return err
		}
		a.addGroupByOnce(binding, part)
		return nil
	}
	col, ok := asQualified(expr)
	if !ok {
		return newPostProcessingRequired("GROUP BY requires a plain column or DATEPART", expr.String())
	}
	binding, err := a.binder.bindColumn(col)
	if err != nil {
		return err
	}
	a.addGroupByOnce(binding, "")
	return nil
}

// addGroupByOnce dedupes by table.alias+name+dategrouping (§9 open
// question: different date-parts of the same column are distinct keys).
func (a *Assembler) addGroupByOnce(binding ColumnBinding, dateGrouping string) {
	key := binding.Table.Name() + "." + binding.AttributeName + "." + dateGrouping
	if a.aliasSeen[key] {
		return
	}
	a.aliasSeen[key] = true
	binding.Table.Sink.AddAttribute(fetchxml.Attribute{
		Name:         binding.AttributeName,
		DateGrouping: dateGrouping,
		GroupBy:      true,
		GroupBySpecified: true,
	})
}

func (a *Assembler) addAggregateAttribute(c ast.SelectColumn, index int) error {
	fc := c.Expression.(*ast.FunctionCall)
	fname := strings.ToLower(fc.Function.String())

	alias := ""
	if c.Alias != nil {
		alias = c.Alias.Value
	}

	if fname == "count" && len(fc.Arguments) == 1 {
		if _, ok := fc.Arguments[0].(*ast.Identifier); ok && fc.Arguments[0].String() == "*" {
			root := a.binder.tables[0]
			if alias == "" {
				alias = a.generateAggregateAlias(root, "rowcount")
			}
			root.Sink.AddAttribute(fetchxml.CountAttribute(root.Metadata.PrimaryIDAttribute, alias))
			a.aggregateAliases[index] = alias
			a.aggregateExprAlias[fc.String()] = alias
			return nil
		}
	}
	if len(fc.Arguments) != 1 {
		return newPostProcessingRequired("aggregate function requires exactly one argument", fc.String())
	}
	col, ok := asQualified(fc.Arguments[0])
	if !ok {
		return newPostProcessingRequired("aggregate argument must be a column", fc.String())
	}
	binding, err := a.binder.bindColumn(col)
	if err != nil {
		return err
	}
	aggKind, ok := fetchAggregateName(fname)
	if !ok {
		return newPostProcessingRequired("unsupported aggregate function", fname)
	}
	if alias == "" {
		alias = a.generateAggregateAlias(binding.Table, binding.AttributeName+"_"+aggKind)
	}
	binding.Table.Sink.AddAttribute(fetchxml.Attribute{
		Name:      binding.AttributeName,
		Alias:     alias,
		Aggregate: aggKind,
	})
	a.aggregateAliases[index] = alias
	a.aggregateExprAlias[fc.String()] = alias
	return nil
}

func fetchAggregateName(sqlName string) (string, bool) {
	switch sqlName {
	case "count":
		return "countcolumn", true
	case "sum":
		return "sum", true
	case "avg":
		return "avg", true
	case "min":
		return "min", true
	case "max":
		return "max", true
	default:
		return "", false
	}
}

// generateAggregateAlias implements the `attr_aggregate[_n]` rule (§4.5),
// qualifying link-entity tables as `linkalias_attr_aggregate`.
func (a *Assembler) generateAggregateAlias(table *EntityTable, base string) string {
	name := base
	if !table.IsRoot {
		name = table.Name() + "_" + base
	}
	candidate := name
	n := 1
	for a.aliasSeen["alias:"+candidate] || table.Sink.HasAlias(candidate) {
		n++
		candidate = fmt.Sprintf("%s_%d", name, n)
	}
	a.aliasSeen["alias:"+candidate] = true
	return candidate
}

// lowerAggregateExpressionPath implements §4.5's expression aggregate path:
// collect every referenced column as a plain attribute, sort by grouping
// selectors, then append an Aggregate operator.
func (a *Assembler) lowerAggregateExpressionPath(stmt *ast.SelectStatement) error {
	for _, col := range referencedColumns(stmt) {
		binding, err := a.binder.bindColumn(col)
		if err != nil {
			return err
		}
		requestAttribute(binding)
	}

	// selectAliasFor finds the alias (if any) the SELECT list gives a GROUP
	// BY expression, so the aggregated row ends up keyed by the same name
	// lowerSelect will project under.
	selectAliasFor := func(expr ast.Expression) string {
		for _, c := range stmt.Columns {
			if c.Alias != nil && c.Expression.String() == expr.String() {
				return c.Alias.Value
			}
		}
		return ""
	}

	var groupings []Grouping
	var sortKeys []SortKey
	groupOutputByExpr := make(map[string]string)
	for _, g := range stmt.GroupBy {
		e, err := a.scalar.lower(g)
		if err != nil {
			return err
		}
		name := selectAliasFor(g)
		if name == "" {
			if col, ok := asQualified(g); ok {
				if binding, err := a.binder.bindColumn(col); err == nil {
					name = binding.AttributeName
				}
			}
		}
		if name == "" {
			name = fmt.Sprintf("grp%d", a.groupN+1)
			a.groupN++
		}
		groupings = append(groupings, Grouping{OutputName: name, Selector: e})
		sortKeys = append(sortKeys, SortKey{Selector: e})
		a.binder.declareCalculated(name, &passthroughExpr{name: name})
		groupOutputByExpr[g.String()] = name
	}
	if len(sortKeys) > 0 {
		a.operators = append(a.operators, SortOp{Keys: sortKeys})
	}

	var aggregates []AggregateFunc
	for i, c := range stmt.Columns {
		if !containsAggregateCall(c.Expression) {
			if name, ok := groupOutputByExpr[c.Expression.String()]; ok {
				a.aggregateAliases[i] = name
			}
			continue
		}
		fc := c.Expression.(*ast.FunctionCall)
		fname := strings.ToLower(fc.Function.String())
		outputName := fmt.Sprintf("agg%d", a.aggN+1)
		if c.Alias != nil {
			outputName = c.Alias.Value
		}
		a.aggN++
		a.aggregateAliases[i] = outputName
		a.aggregateExprAlias[fc.String()] = outputName
		if fname == "count" && len(fc.Arguments) == 1 && fc.Arguments[0].String() == "*" {
			aggregates = append(aggregates, AggregateFunc{OutputName: outputName, Kind: AggCount})
			a.binder.declareCalculated(outputName, &passthroughExpr{name: outputName})
			continue
		}
		arg, err := a.scalar.lower(fc.Arguments[0])
		if err != nil {
			return err
		}
		kind, ok := expressionAggregateKind(fname)
		if !ok {
			return &NotSupportedQueryFragment{Reason: "unsupported aggregate function", Fragment: fname}
		}
		aggregates = append(aggregates, AggregateFunc{OutputName: outputName, Kind: kind, Arg: arg})
		a.binder.declareCalculated(outputName, &passthroughExpr{name: outputName})
	}

	a.operators = append(a.operators, AggregateOp{Groupings: groupings, Aggregates: aggregates})
	a.pulledInExtraColumns = true
	return nil
}

func expressionAggregateKind(sqlName string) (AggregateFuncKind, bool) {
	switch sqlName {
	case "count":
		return AggCountColumn, true
	case "sum":
		return AggSum, true
	case "avg":
		return AggAverage, true
	case "min":
		return AggMin, true
	case "max":
		return AggMax, true
	default:
		return 0, false
	}
}

// referencedColumns collects every plain column reference anywhere in the
// query (§4.5 expression path), a conservative superset sufficient for the
// in-memory aggregate to have every value it needs.
func referencedColumns(stmt *ast.SelectStatement) []*ast.QualifiedIdentifier {
	var out []*ast.QualifiedIdentifier
	visit := func(node ast.Expression) {
		walkExpression(node, func(n ast.Expression) {
			if q, ok := asQualified(n); ok && !isTableWildcard(q) {
				if _, isFunc := n.(*ast.FunctionCall); !isFunc {
					out = append(out, q)
				}
			}
		})
	}
	for _, c := range stmt.Columns {
		visit(c.Expression)
	}
	visit(stmt.Where)
	for _, g := range stmt.GroupBy {
		visit(g)
	}
	visit(stmt.Having)
	for _, o := range stmt.OrderBy {
		visit(o.Expression)
	}
	return out
}

// walkExpression is a minimal tagged-union traversal sufficient to find
// every leaf column reference (§9's dynamic-dispatch-over-AST-nodes note).
func walkExpression(node ast.Expression, fn func(ast.Expression)) {
	if node == nil {
		return
	}
	switch n := node.(type) {
	case *ast.QualifiedIdentifier, *ast.Identifier:
		fn(n)
	case *ast.InfixExpression:
		walkExpression(n.Left, fn)
		walkExpression(n.Right, fn)
	case *ast.PrefixExpression:
		walkExpression(n.Right, fn)
	case *ast.FunctionCall:
		for _, arg := range n.Arguments {
			walkExpression(arg, fn)
		}
	case *ast.IsNullExpression:
		walkExpression(n.Expr, fn)
	case *ast.LikeExpression:
		walkExpression(n.Expr, fn)
		walkExpression(n.Pattern, fn)
	case *ast.InExpression:
		walkExpression(n.Expr, fn)
		for _, v := range n.Values {
			walkExpression(v, fn)
		}
	case *ast.CaseExpression:
		walkExpression(n.Operand, fn)
		for _, wc := range n.WhenClauses {
			walkExpression(wc.Condition, fn)
			walkExpression(wc.Result, fn)
		}
		walkExpression(n.ElseClause, fn)
	}
}

// --- SELECT (§4.5 step 4) ---

func (a *Assembler) lowerSelect(cols []ast.SelectColumn) ([]string, error) {
	var output []string
	var projOrder []string
	projCols := make(map[string]Expr)

	for i, c := range cols {
		if name, ok := a.aggregateAliases[i]; ok {
			// already resolved by the GROUP BY/aggregate step, either as a
			// native FetchXML aggregate alias or an expression-path output key.
			output = append(output, name)
			continue
		}
		if c.AllColumns {
			names, err := a.expandAllAttributes(nil)
			if err != nil {
				return nil, err
			}
			output = append(output, names...)
			continue
		}
		if col, ok := asQualified(c.Expression); ok && isTableWildcard(c.Expression) {
			names, err := a.expandAllAttributes(col)
			if err != nil {
				return nil, err
			}
			output = append(output, names...)
			continue
		}
		if col, ok := asQualified(c.Expression); ok && len(col.Parts) <= 2 {
			binding, err := a.binder.bindColumn(col)
			if err == nil {
				if c.Alias != nil {
					binding.ExplicitAlias = c.Alias.Value
					binding.Table.Sink.AddAttribute(fetchxml.Attribute{Name: binding.AttributeName, Alias: binding.ExplicitAlias})
				} else {
					requestAttribute(binding)
				}
				output = append(output, binding.OutputName())
				continue
			}
		}
		// calculated column: a genuine expression, realized via Projection.
		expr, err := a.scalar.lower(c.Expression)
		if err != nil {
			return nil, err
		}
		name := fmt.Sprintf("Expr%d", a.exprN+1)
		if c.Alias != nil {
			name = c.Alias.Value
		}
		a.exprN++
		projOrder = append(projOrder, name)
		projCols[name] = expr
		a.binder.declareCalculated(name, &passthroughExpr{name: name})
		output = append(output, name)
	}

	if len(projCols) > 0 {
		a.operators = append(a.operators, ProjectionOp{Order: append([]string{}, projOrder...), Columns: projCols})
	}
	return output, nil
}

func isTableWildcard(e ast.Expression) bool {
	q, ok := e.(*ast.QualifiedIdentifier)
	if !ok || len(q.Parts) == 0 {
		return false
	}
	return q.Parts[len(q.Parts)-1].Value == "*"
}

// expandAllAttributes lowers `*` (table nil) or `table.*` (table set): adds
// an <all-attributes/> to the matching table's Sink and returns every
// readable attribute name, sorted (§4.5 step 4).
func (a *Assembler) expandAllAttributes(scopeCol *ast.QualifiedIdentifier) ([]string, error) {
	var tables []*EntityTable
	if scopeCol == nil {
		tables = a.binder.tables
	} else {
		t, err := a.binder.tableByAliasOrName(scopeCol.Parts[0].Value)
		if err != nil {
			return nil, err
		}
		tables = []*EntityTable{t}
	}
	var names []string
	for _, t := range tables {
		names = append(names, readableAttributeNames(t)...)
		appendAllAttributes(t.Sink)
	}
	sort.Strings(names)
	return names, nil
}

func readableAttributeNames(t *EntityTable) []string {
	var out []string
	for _, attr := range t.Metadata.Attributes {
		if attr.IsValidForRead {
			out = append(out, attr.LogicalName)
		}
	}
	return out
}

func appendAllAttributes(sink fetchxml.AttributeSink) {
	switch s := sink.(type) {
	case *fetchxml.Entity:
		s.Items = append(s.Items, fetchxml.AllAttributes{})
	case *fetchxml.LinkEntity:
		s.Items = append(s.Items, fetchxml.AllAttributes{})
	}
}

// --- DISTINCT (§4.5 step 5) ---

func (a *Assembler) lowerDistinct(distinct bool) {
	if !distinct {
		return
	}
	if len(a.operators) == 0 {
		a.fetch.Distinct = true
		a.fetch.DistinctSpecified = true
		return
	}
	a.operators = append(a.operators, DistinctOp{})
}

// --- ORDER BY (§4.5 step 6) ---

func (a *Assembler) lowerOrderBy(items []*ast.OrderByItem, outputCols []string) error {
	if len(items) == 0 {
		return nil
	}
	nativeCount := 0
	var fallbackKeys []SortKey
	fallingBack := len(a.operators) > 0

	for _, item := range items {
		expr := item.Expression
		if lit, ok := expr.(*ast.IntegerLiteral); ok {
			idx := int(lit.Value)
			if idx < 1 || idx > len(outputCols) {
				return &NotSupportedQueryFragment{Reason: "ORDER BY ordinal out of range", Fragment: expr.String()}
			}
			expr = &ast.Identifier{Value: outputCols[idx-1]}
		}

		if !fallingBack {
			if col, ok := asQualified(expr); ok {
				binding, err := a.binder.bindColumn(col)
				if err == nil {
					requestAttribute(binding)
					binding.Table.addOrder(binding.AttributeName, item.Descending)
					nativeCount++
					continue
				}
			}
		}
		fallingBack = true
		e, err := a.scalar.lower(expr)
		if err != nil {
			return err
		}
		fallbackKeys = append(fallbackKeys, SortKey{Selector: e, Descending: item.Descending})
	}

	if len(fallbackKeys) > 0 {
		keys := make([]SortKey, 0, nativeCount+len(fallbackKeys))
		for i := 0; i < nativeCount; i++ {
			keys = append(keys, SortKey{IsNativePrefix: true})
		}
		keys = append(keys, fallbackKeys...)
		a.operators = append(a.operators, SortOp{Keys: keys})
	}
	return nil
}

// addOrder appends an Order item to the table's own FetchXML node (§4.5
// step 6's native-sort path).
func (t *EntityTable) addOrder(name string, descending bool) {
	switch s := t.Sink.(type) {
	case *fetchxml.Entity:
		s.Items = append(s.Items, fetchxml.Order{Attribute: name, Descending: descending})
	case *fetchxml.LinkEntity:
		s.Items = append(s.Items, fetchxml.Order{Attribute: name, Descending: descending})
	}
}

// --- HAVING (§4.5 step 7) ---

func (a *Assembler) lowerHaving(having ast.Expression) error {
	if having == nil {
		return nil
	}
	resolved := substituteAggregateRefs(having, a.aggregateExprAlias)
	e, err := a.predicate.lowerExpr(resolved)
	if err != nil {
		return err
	}
	a.operators = append(a.operators, HavingOp{Predicate: e})
	return nil
}

// substituteAggregateRefs rewrites HAVING's aggregate calls into references
// to the alias the same call already produced in GROUP BY/SELECT lowering,
// without mutating the original AST (compileAggregateAlternative re-lowers
// the same statement). The match is a literal text comparison, so HAVING
// must repeat the aggregate call with the same casing and argument text it
// used in SELECT.
func substituteAggregateRefs(node ast.Expression, aliasByExpr map[string]string) ast.Expression {
	if node == nil {
		return nil
	}
	if fc, ok := node.(*ast.FunctionCall); ok {
		if alias, ok := aliasByExpr[fc.String()]; ok {
			return &ast.Identifier{Value: alias}
		}
	}
	switch n := node.(type) {
	case *ast.InfixExpression:
		return &ast.InfixExpression{Token: n.Token, Operator: n.Operator,
			Left:  substituteAggregateRefs(n.Left, aliasByExpr),
			Right: substituteAggregateRefs(n.Right, aliasByExpr)}
	case *ast.PrefixExpression:
		return &ast.PrefixExpression{Token: n.Token, Operator: n.Operator,
			Right: substituteAggregateRefs(n.Right, aliasByExpr)}
	default:
		return node
	}
}

// --- OFFSET (§4.5 step 8) ---

func (a *Assembler) lowerOffset(offset ast.Expression) error {
	if offset == nil {
		return nil
	}
	lit, ok := offset.(*ast.IntegerLiteral)
	if !ok {
		e, err := a.scalar.lower(offset)
		if err != nil {
			return err
		}
		a.operators = append(a.operators, OffsetOp{Skip: int(evalConstInt(e)), Take: -1})
		return nil
	}
	n := int(lit.Value)
	size := a.options.DefaultFetchSize
	if n%size == 0 && len(a.operators) == 0 {
		a.fetch.Count = size
		a.fetch.CountSpecified = true
		a.fetch.Page = n/size + 1
		a.fetch.PageSpecified = true
		return nil
	}
	a.operators = append(a.operators, OffsetOp{Skip: n, Take: -1})
	return nil
}

func evalConstInt(e Expr) int64 {
	v := e.Eval(Row{})
	i, _ := toInt64(v)
	return i
}

// --- TOP (§4.5 step 9) ---

func (a *Assembler) lowerTop(top *ast.TopClause) error {
	if top == nil {
		return nil
	}
	if top.Percent || top.WithTies {
		return &NotSupportedQueryFragment{Reason: "TOP PERCENT/WITH TIES unsupported", Fragment: top.String()}
	}
	lit, ok := top.Count.(*ast.IntegerLiteral)
	if !ok {
		return &NotSupportedQueryFragment{Reason: "TOP requires a literal count", Fragment: top.String()}
	}
	n := int(lit.Value)
	if len(a.operators) == 0 {
		a.fetch.Top = n
		a.fetch.TopSpecified = true
		return nil
	}
	a.operators = append(a.operators, TopOp{N: n})
	return nil
}
