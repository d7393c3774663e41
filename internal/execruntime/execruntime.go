// Package execruntime is a thin, non-authoritative reference adapter
// between a compiler.CompiledQuery and the data platform. It ships no real
// platform client, only the collaborator boundary (OrganizationService), the
// AggregateQueryRecordLimit classification, and a Runner that drives paging,
// the aggregate-alternative fallback, and batched UPDATE/DELETE the way an
// external execution runtime behaves. Ported in style from the teacher's
// internal/dbexec: a narrow interface wraps the real collaborator, and a
// fake implementing that interface is all tests need.
package execruntime

import (
	"context"

	"sql4dataverse/internal/compiler"
	"sql4dataverse/internal/fetchxml"
)

// Page is one page of results returned by OrganizationService.Execute
// (§6.3). MoreRecords/PagingCookie mirror the wire response the platform
// sends back alongside a FetchXML result set.
type Page struct {
	Rows         []compiler.Row
	PagingCookie string
	MoreRecords  bool
}

// OrganizationService is the sole collaborator boundary between a
// CompiledQuery and the data platform; the compiler and execution runtime
// never talk to the platform directly (§5: "the execution runtime: issuing
// FetchXML requests, paging, batching Update/Delete/Create... these are
// thin wrappers").
type OrganizationService interface {
	Execute(ctx context.Context, fetch *fetchxml.Fetch) (Page, error)
	Update(ctx context.Context, entity, idColumn, idValue string, fields map[string]interface{}) error
	Delete(ctx context.Context, entity string, idColumns, idValues []string) error
	Create(ctx context.Context, entity string, fields map[string]interface{}) (string, error)
}
