package harness

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/outboxd/internal/ops"
)

func sampleResult() *Result {
	r := NewResult()
	r.add(TraceEvent{Type: EventMutate, Record: "notes/a@1", Action: ops.ActionCreate, entity: "notes/a"}, 0)
	r.add(TraceEvent{Type: EventCall, Record: "tasks/t@2", Action: ops.ActionCreate, Outcome: OutcomeOK, entity: "tasks/t"}, 0)
	r.add(TraceEvent{Type: EventCall, Record: "notes/a@3", Action: ops.ActionDelete, Outcome: OutcomeOK, entity: "notes/a"}, 0)
	r.Records = []RecordState{
		{ID: "notes/a@1", Status: ops.StatusSucceeded, SupersededBy: "notes/a@3", entity: "notes/a"},
		{ID: "tasks/t@2", Status: ops.StatusSucceeded, Attempt: 1, entity: "tasks/t"},
		{ID: "notes/a@3", Status: ops.StatusSucceeded, Attempt: 1, entity: "notes/a"},
	}
	return r
}

func intPtr(n int) *int { return &n }

func TestEvaluateAssertions_Pass(t *testing.T) {
	errs := EvaluateAssertions(sampleResult(), []Assertion{
		{Type: AssertCallCount, Count: 2},
		{Type: AssertCallCount, Entity: "notes/a", Count: 1},
		{Type: AssertCallOrder, Calls: []string{"tasks/t create", "notes/a delete"}},
		{Type: AssertCallOrder, Calls: []string{"notes/a delete"}},
		{Type: AssertRecordStatus, Entity: "notes/a", Index: 1, Status: "succeeded", Attempt: intPtr(1)},
		{Type: AssertRecordStatus, Entity: "notes/a", Status: "succeeded"},
	})
	assert.Empty(t, errs)
}

func TestEvaluateAssertions_Failures(t *testing.T) {
	tests := []struct {
		name      string
		assertion Assertion
		want      string
	}{
		{
			name:      "call count",
			assertion: Assertion{Type: AssertCallCount, Count: 3},
			want:      "3 calls for all entities",
		},
		{
			name:      "call order reversed",
			assertion: Assertion{Type: AssertCallOrder, Calls: []string{"notes/a delete", "tasks/t create"}},
			want:      `"tasks/t create" not found`,
		},
		{
			name:      "record index out of range",
			assertion: Assertion{Type: AssertRecordStatus, Entity: "tasks/t", Index: 1, Status: "succeeded"},
			want:      "1 records",
		},
		{
			name:      "record status",
			assertion: Assertion{Type: AssertRecordStatus, Entity: "tasks/t", Status: "dead_lettered"},
			want:      "tasks/t@2 is dead_lettered",
		},
		{
			name:      "record attempt",
			assertion: Assertion{Type: AssertRecordStatus, Entity: "tasks/t", Status: "succeeded", Attempt: intPtr(2)},
			want:      "attempt 1",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			errs := EvaluateAssertions(sampleResult(), []Assertion{tt.assertion})
			require.Len(t, errs, 1)
			assert.Contains(t, errs[0], tt.want)
			assert.Contains(t, errs[0], "Assertion failed: "+tt.assertion.Type)
		})
	}
}

func TestAssertionError_ListsCalls(t *testing.T) {
	err := &AssertionError{
		Type:     AssertCallCount,
		Expected: "1 calls",
		Actual:   "2 calls",
		Trace:    sampleResult().Trace,
	}
	msg := err.Error()
	assert.Contains(t, msg, "[2] tasks/t@2 create -> ok")
	assert.Contains(t, msg, "[3] notes/a@3 delete -> ok")
	assert.NotContains(t, msg, "[1]")
}
