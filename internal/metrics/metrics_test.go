package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordTaskSettledIncrementsCounter(t *testing.T) {
	e := New()
	e.RecordTaskSettled("completed", 1.5)
	e.RecordTaskSettled("completed", 2.0)
	e.RecordTaskSettled("failed", 0.2)

	assert.Equal(t, float64(2), testutil.ToFloat64(e.tasksTotal.WithLabelValues("completed")))
	assert.Equal(t, float64(1), testutil.ToFloat64(e.tasksTotal.WithLabelValues("failed")))
}

func TestSetBreakerStateEncodesOpenAsTwo(t *testing.T) {
	e := New()
	e.SetBreakerState("0", "OPEN")
	assert.Equal(t, float64(2), testutil.ToFloat64(e.breakerState.WithLabelValues("0")))

	e.SetBreakerState("0", "CLOSED")
	assert.Equal(t, float64(0), testutil.ToFloat64(e.breakerState.WithLabelValues("0")))
}

func TestSetBudgetComputesPercent(t *testing.T) {
	e := New()
	e.SetBudget(250, 1000)
	assert.Equal(t, float64(250), testutil.ToFloat64(e.budgetTokens))
	assert.Equal(t, 0.25, testutil.ToFloat64(e.budgetPercent))
}

func TestSetBudgetIgnoresZeroLimit(t *testing.T) {
	e := New()
	e.SetBudget(10, 0)
	assert.Equal(t, float64(10), testutil.ToFloat64(e.budgetTokens))
	assert.Equal(t, float64(0), testutil.ToFloat64(e.budgetPercent))
}
