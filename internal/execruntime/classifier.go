package execruntime

import "strings"

// AggregateLimitClassifier decides whether an execution error means the
// platform rejected a native aggregate query for exceeding
// AggregateQueryRecordLimit, as opposed to any other execution failure,
// which is surfaced verbatim with no retry.
type AggregateLimitClassifier interface {
	IsAggregateLimitError(err error) bool
}

// SubstringClassifier matches the platform's own error text for the
// aggregate row-limit fault, the same way the source system distinguishes
// it from any other fault: by a fixed substring, since the platform does
// not expose a typed error code through FetchXML.
type SubstringClassifier struct {
	Substring string
}

// DefaultAggregateLimitClassifier is the substring the platform's
// AggregateQueryRecordLimitExceeded fault carries.
func DefaultAggregateLimitClassifier() SubstringClassifier {
	return SubstringClassifier{Substring: "AggregateQueryRecordLimitExceeded"}
}

func (c SubstringClassifier) IsAggregateLimitError(err error) bool {
	if err == nil || c.Substring == "" {
		return false
	}
	return strings.Contains(err.Error(), c.Substring)
}
