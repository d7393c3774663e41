package execruntime

import (
	"context"
	"fmt"
	"time"

	"sql4dataverse/internal/compiler"
	"sql4dataverse/internal/paging"
)

// MetricsRecorder instruments batch execution and aggregate fallback the
// way CompileMetricsRecorder instruments Compile; internal/observability's
// RuntimeMetrics implements it. Nil is a valid no-op value.
type MetricsRecorder interface {
	RecordBatch(duration time.Duration, kind string, aborted bool)
	RecordAggregateFallback()
}

// Runner drives a CompiledQuery against an OrganizationService: paging a
// SELECT to completion, falling back to AggregateAlternative on a
// classified AggregateQueryRecordLimit, and batching UPDATE/DELETE with
// first-error-abort semantics (§5).
type Runner struct {
	Service    OrganizationService
	Classifier AggregateLimitClassifier
	Metrics    MetricsRecorder

	// BatchSize caps how many rows are grouped per UPDATE/DELETE batch
	// before the aborted-batch boundary applies. Zero or a negative value
	// puts all rows in a single batch.
	BatchSize int
}

// NewRunner builds a Runner with the default substring-based
// AggregateLimitClassifier; pass a non-nil Metrics to instrument it.
func NewRunner(service OrganizationService, metrics MetricsRecorder) *Runner {
	return &Runner{
		Service:    service,
		Classifier: DefaultAggregateLimitClassifier(),
		Metrics:    metrics,
	}
}

// RunSelect executes cq to completion across all pages, transparently
// switching to cq.AggregateAlternative if the primary plan's execution
// error classifies as AggregateQueryRecordLimit (§4.7: "Both plans share
// output column names so consumers do not observe the switch").
func (r *Runner) RunSelect(ctx context.Context, cq *compiler.CompiledQuery) ([]compiler.Row, error) {
	rows, err := r.runPages(ctx, cq)
	if err == nil {
		return rows, nil
	}
	if cq.AggregateAlternative == nil || r.Classifier == nil || !r.Classifier.IsAggregateLimitError(err) {
		return nil, err
	}
	if r.Metrics != nil {
		r.Metrics.RecordAggregateFallback()
	}
	return r.runPages(ctx, cq.AggregateAlternative)
}

func (r *Runner) runPages(ctx context.Context, cq *compiler.CompiledQuery) ([]compiler.Row, error) {
	work := paging.Clone(cq)
	var all []compiler.Row
	for {
		page, err := r.Service.Execute(ctx, work.Fetch)
		if err != nil {
			return nil, err
		}
		all = append(all, page.Rows...)
		if !cq.AllPages || !page.MoreRecords {
			return all, nil
		}
		paging.AdvancePage(work.Fetch, page.PagingCookie)
	}
}

// RunUpdates applies cq.Updates to each row, in batches of r.BatchSize,
// aborting at the first batch containing an error (§5: "no retry; errors
// are fatal to the statement"). rows is normally the result of RunSelect
// against the SELECT CompileUpdate built to identify the target rows.
func (r *Runner) RunUpdates(ctx context.Context, cq *compiler.CompiledQuery, rows []compiler.Row) error {
	return r.runBatches(ctx, "update", len(rows), func(ctx context.Context, i int) error {
		row := rows[i]
		idValue := fmt.Sprintf("%v", row[cq.UpdateIDColumn])
		fields := make(map[string]interface{}, len(cq.Updates))
		for name, expr := range cq.Updates {
			fields[name] = expr.Eval(row)
		}
		return r.Service.Update(ctx, cq.UpdateEntityName, cq.UpdateIDColumn, idValue, fields)
	})
}

// RunDeletes deletes each row by cq.DeleteIDColumns, batched the same way
// RunUpdates is.
func (r *Runner) RunDeletes(ctx context.Context, cq *compiler.CompiledQuery, rows []compiler.Row) error {
	return r.runBatches(ctx, "delete", len(rows), func(ctx context.Context, i int) error {
		row := rows[i]
		idValues := make([]string, len(cq.DeleteIDColumns))
		for j, col := range cq.DeleteIDColumns {
			idValues[j] = fmt.Sprintf("%v", row[col])
		}
		return r.Service.Delete(ctx, cq.DeleteEntityName, cq.DeleteIDColumns, idValues)
	})
}

func (r *Runner) runBatches(ctx context.Context, kind string, n int, apply func(ctx context.Context, i int) error) error {
	batchSize := r.BatchSize
	if batchSize <= 0 {
		batchSize = n
	}
	if batchSize <= 0 {
		return nil
	}
	for start := 0; start < n; start += batchSize {
		end := start + batchSize
		if end > n {
			end = n
		}
		started := time.Now()
		err := applyBatch(ctx, start, end, apply)
		if r.Metrics != nil {
			r.Metrics.RecordBatch(time.Since(started), kind, err != nil)
		}
		if err != nil {
			return fmt.Errorf("%s batch [%d:%d) aborted: %w", kind, start, end, err)
		}
	}
	return nil
}

func applyBatch(ctx context.Context, start, end int, apply func(ctx context.Context, i int) error) error {
	for i := start; i < end; i++ {
		if err := apply(ctx, i); err != nil {
			return err
		}
	}
	return nil
}
