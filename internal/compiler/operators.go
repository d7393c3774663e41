package compiler

import (
	"sort"
	"strings"
)

// Execute runs rows through the post-processing pipeline in order (§4.6).
// Each operator receives the output of the previous one; the function is
// used both by the execution runtime and by the aggregate-alternative
// parity tests, which run the same rows through the primary and the
// alternative plan's operators and compare results.
func Execute(pipeline []Operator, rows []Row) ([]Row, error) {
	for _, op := range pipeline {
		switch o := op.(type) {
		case WhereOp:
			rows = execWhere(o, rows)
		case ProjectionOp:
			rows = execProjection(o, rows)
		case SortOp:
			rows = execSort(o, rows)
		case DistinctOp:
			rows = execDistinct(rows)
		case TopOp:
			rows = execTop(o, rows)
		case OffsetOp:
			rows = execOffset(o, rows)
		case HavingOp:
			rows = execWhere(WhereOp{Predicate: o.Predicate}, rows)
		case AggregateOp:
			rows = execAggregate(o, rows)
		}
	}
	return rows, nil
}

func execWhere(o WhereOp, rows []Row) []Row {
	kept := rows[:0]
	for _, r := range rows {
		if b, ok := o.Predicate.Eval(r).(bool); ok && b {
			kept = append(kept, r)
		}
	}
	return kept
}

func execProjection(o ProjectionOp, rows []Row) []Row {
	out := make([]Row, len(rows))
	for i, r := range rows {
		nr := make(Row, len(r)+len(o.Columns))
		for k, v := range r {
			nr[k] = v
		}
		for _, name := range o.Order {
			nr[name] = o.Columns[name].Eval(r)
		}
		out[i] = nr
	}
	return out
}

func execSort(o SortOp, rows []Row) []Row {
	sorted := make([]Row, len(rows))
	copy(sorted, rows)
	sort.SliceStable(sorted, func(i, j int) bool {
		for _, key := range o.Keys {
			if key.IsNativePrefix {
				// the native fetch already ordered rows on this key; a stable
				// sort leaves ties in their incoming relative order.
				continue
			}
			cmp := compareNullable(key.Selector.Eval(sorted[i]), key.Selector.Eval(sorted[j]))
			if cmp == 0 {
				continue
			}
			if key.Descending {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
	return sorted
}

// compareNullable orders nulls before any non-null value (§4.6).
func compareNullable(a, b interface{}) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -1
	}
	if b == nil {
		return 1
	}
	return compareValues(a, b)
}

func execDistinct(rows []Row) []Row {
	seen := make(map[string]bool, len(rows))
	kept := rows[:0]
	for _, r := range rows {
		key := distinctKey(r)
		if seen[key] {
			continue
		}
		seen[key] = true
		kept = append(kept, r)
	}
	return kept
}

func distinctKey(r Row) string {
	names := make([]string, 0, len(r))
	for k := range r {
		names = append(names, k)
	}
	sort.Strings(names)
	var sb strings.Builder
	for _, n := range names {
		sb.WriteString(n)
		sb.WriteByte('=')
		sb.WriteString(strings.ToLower(toStringValue(r[n])))
		sb.WriteByte('\x1f')
	}
	return sb.String()
}

func execTop(o TopOp, rows []Row) []Row {
	if o.N >= len(rows) {
		return rows
	}
	return rows[:o.N]
}

func execOffset(o OffsetOp, rows []Row) []Row {
	if o.Skip >= len(rows) {
		return rows[:0]
	}
	rows = rows[o.Skip:]
	if o.Take < 0 || o.Take >= len(rows) {
		return rows
	}
	return rows[:o.Take]
}

// execAggregate streams groups by key-change detection; it requires rows to
// already be sorted by the grouping selectors (§4.6), which the assembler
// guarantees by emitting a Sort operator ahead of every Aggregate operator
// built on the expression path.
func execAggregate(o AggregateOp, rows []Row) []Row {
	if len(o.Groupings) == 0 {
		return []Row{aggregateGroup(o, rows)}
	}
	var out []Row
	start := 0
	for i := 1; i <= len(rows); i++ {
		if i < len(rows) && sameGroup(o.Groupings, rows[start], rows[i]) {
			continue
		}
		out = append(out, aggregateGroup(o, rows[start:i]))
		start = i
	}
	return out
}

func sameGroup(groupings []Grouping, a, b Row) bool {
	for _, g := range groupings {
		if compareNullable(g.Selector.Eval(a), g.Selector.Eval(b)) != 0 {
			return false
		}
	}
	return true
}

func aggregateGroup(o AggregateOp, group []Row) Row {
	out := make(Row, len(o.Groupings)+len(o.Aggregates))
	if len(group) > 0 {
		for _, g := range o.Groupings {
			out[g.OutputName] = g.Selector.Eval(group[0])
		}
	}
	for _, agg := range o.Aggregates {
		out[agg.OutputName] = computeAggregate(agg, group)
	}
	return out
}

func computeAggregate(agg AggregateFunc, group []Row) interface{} {
	switch agg.Kind {
	case AggCount:
		return int64(len(group))
	case AggCountColumn, AggCountColumnDistinct:
		seen := make(map[string]bool)
		var n int64
		for _, r := range group {
			v := agg.Arg.Eval(r)
			if v == nil {
				continue
			}
			if agg.Kind == AggCountColumnDistinct {
				k := strings.ToLower(toStringValue(v))
				if seen[k] {
					continue
				}
				seen[k] = true
			}
			n++
		}
		return n
	case AggSum, AggAverage:
		sum := toDecimal(nil)
		var n int64
		for _, r := range group {
			v := agg.Arg.Eval(r)
			if v == nil {
				continue
			}
			sum = sum.Add(toDecimal(v))
			n++
		}
		if n == 0 {
			return nil
		}
		if agg.Kind == AggAverage {
			return sum.Div(toDecimal(n))
		}
		return sum
	case AggMin, AggMax:
		var best interface{}
		for _, r := range group {
			v := agg.Arg.Eval(r)
			if v == nil {
				continue
			}
			if best == nil {
				best = v
				continue
			}
			cmp := compareValues(v, best)
			if (agg.Kind == AggMin && cmp < 0) || (agg.Kind == AggMax && cmp > 0) {
				best = v
			}
		}
		return best
	default:
		return nil
	}
}
