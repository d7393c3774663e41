package compiler

import "fmt"

// QueryParseException wraps a parse error surfaced by the SQL front end
// (§6.1, §7). Fatal.
type QueryParseException struct {
	Line    int
	Col     int
	Message string
}

func (e *QueryParseException) Error() string {
	return fmt.Sprintf("query parse error at %d:%d: %s", e.Line, e.Col, e.Message)
}

// NotSupportedQueryFragment reports a construct that could not be lowered by
// either the FetchXML or the expression path (§7). Fatal unless the caller
// enabled the raw-SQL fallback.
type NotSupportedQueryFragment struct {
	Reason   string
	Fragment string
}

func (e *NotSupportedQueryFragment) Error() string {
	return fmt.Sprintf("unsupported query fragment (%s): %s", e.Reason, e.Fragment)
}

// postProcessingRequired is the internal control signal §4.4/§4.5 use to
// trigger the expression fallback path. It must never escape the compiler;
// every exported Compile entry point recovers it and either falls back or
// converts it into NotSupportedQueryFragment.
type postProcessingRequired struct {
	Reason   string
	Fragment string
}

func (e *postProcessingRequired) Error() string {
	return fmt.Sprintf("post-processing required (%s): %s", e.Reason, e.Fragment)
}

func newPostProcessingRequired(reason, fragment string) error {
	return &postProcessingRequired{Reason: reason, Fragment: fragment}
}

// AmbiguousTable is raised by the binder when a two-part identifier's first
// part matches more than one table (§4.1).
type AmbiguousTable struct {
	Identifier string
}

func (e *AmbiguousTable) Error() string {
	return fmt.Sprintf("ambiguous table reference %q", e.Identifier)
}

// UnknownTable is raised by the binder when no table matches an identifier's
// first part.
type UnknownTable struct {
	Identifier string
	Suggestion string
}

func (e *UnknownTable) Error() string {
	if e.Suggestion != "" {
		return fmt.Sprintf("unknown table %q, did you mean %s?", e.Identifier, e.Suggestion)
	}
	return fmt.Sprintf("unknown table %q", e.Identifier)
}

// AmbiguousAttribute is raised when a single-part column reference matches
// attributes or aliases on more than one table.
type AmbiguousAttribute struct {
	Identifier string
}

func (e *AmbiguousAttribute) Error() string {
	return fmt.Sprintf("ambiguous column reference %q", e.Identifier)
}

// UnknownAttribute is raised when a column reference matches no table's
// metadata attributes or declared FetchXML aliases.
type UnknownAttribute struct {
	Identifier string
}

func (e *UnknownAttribute) Error() string {
	return fmt.Sprintf("unknown column %q", e.Identifier)
}

// RewriteAsWhere is raised when a residual join filter cannot be safely
// lowered under the join's ON clause (§4.5 step 1).
type RewriteAsWhere struct {
	Fragment string
}

func (e *RewriteAsWhere) Error() string {
	return fmt.Sprintf("join residual filter cannot be lowered under ON, rewrite as WHERE: %s", e.Fragment)
}

// UnknownFunction is raised by the scalar lowerer for a function call that
// is not in the fixed function library (§4.3).
type UnknownFunction struct {
	Name string
}

func (e *UnknownFunction) Error() string {
	return fmt.Sprintf("unknown function %q", e.Name)
}

// UnsupportedSubquery is raised when the predicate lowerer encounters an IN
// clause with a subquery (§4.4); the caller must rewrite it as a join.
type UnsupportedSubquery struct {
	Fragment string
}

func (e *UnsupportedSubquery) Error() string {
	return fmt.Sprintf("unsupported subquery, rewrite as join: %s", e.Fragment)
}

// AggregateQueryRecordLimit is the classification of a runtime error the
// execution runtime returns when a native aggregate query exceeds the
// platform's row limit (§4.7, §7). The compiler never raises this itself —
// it is defined here so internal/execruntime and callers share one type.
type AggregateQueryRecordLimit struct {
	Message string
}

func (e *AggregateQueryRecordLimit) Error() string {
	return fmt.Sprintf("aggregate query record limit exceeded: %s", e.Message)
}
