package execruntime

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubstringClassifier_Matches(t *testing.T) {
	c := DefaultAggregateLimitClassifier()
	assert.True(t, c.IsAggregateLimitError(errors.New("fault: AggregateQueryRecordLimitExceeded (50000 rows)")))
}

func TestSubstringClassifier_DoesNotMatchUnrelatedError(t *testing.T) {
	c := DefaultAggregateLimitClassifier()
	assert.False(t, c.IsAggregateLimitError(errors.New("connection reset by peer")))
}

func TestSubstringClassifier_NilError(t *testing.T) {
	c := DefaultAggregateLimitClassifier()
	assert.False(t, c.IsAggregateLimitError(nil))
}
