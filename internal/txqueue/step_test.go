package txqueue

import (
	"context"
	"errors"
	"testing"
)

func noopCall(ctx context.Context) (PendingTx, error) {
	return newFakeTx(), nil
}

func TestValidateSteps(t *testing.T) {
	tests := []struct {
		name    string
		steps   []Step
		wantErr error
	}{
		{
			name:    "empty",
			steps:   nil,
			wantErr: ErrEmptyQueue,
		},
		{
			name:    "missing method call",
			steps:   []Step{{Title: "approve"}},
			wantErr: ErrMissingMethodCall,
		},
		{
			name: "forward reference",
			steps: []Step{
				{Title: "approve", MethodCall: noopCall, WaitForResponseOf: []int{1}},
				{Title: "swap", MethodCall: noopCall},
			},
			wantErr: ErrForwardDependency,
		},
		{
			name:    "self reference",
			steps:   []Step{{Title: "approve", MethodCall: noopCall, WaitForResponseOf: []int{0}}},
			wantErr: ErrSelfDependency,
		},
		{
			name: "out of range",
			steps: []Step{
				{Title: "approve", MethodCall: noopCall},
				{Title: "swap", MethodCall: noopCall, WaitForResponseOf: []int{5}},
			},
			wantErr: ErrDependencyOutOfRange,
		},
		{
			name: "negative",
			steps: []Step{
				{Title: "approve", MethodCall: noopCall},
				{Title: "swap", MethodCall: noopCall, WaitForResponseOf: []int{-1}},
			},
			wantErr: ErrDependencyOutOfRange,
		},
		{
			name: "duplicate",
			steps: []Step{
				{Title: "approve", MethodCall: noopCall},
				{Title: "swap", MethodCall: noopCall, WaitForResponseOf: []int{0, 0}},
			},
			wantErr: ErrDuplicateDependency,
		},
		{
			name: "valid chain",
			steps: []Step{
				{Title: "a", MethodCall: noopCall},
				{Title: "b", MethodCall: noopCall, WaitForResponseOf: []int{0}},
				{Title: "c", MethodCall: noopCall, WaitForResponseOf: []int{0, 1}},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := NewQueue(tt.steps)
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if q.State() != StateIdle {
					t.Errorf("state = %v, want idle", q.State())
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("error = %v, want %v", err, tt.wantErr)
			}
			if !IsConstructionError(err) {
				t.Errorf("IsConstructionError(%v) = false", err)
			}
			if q != nil {
				t.Error("queue should be nil on error")
			}
		})
	}
}

func TestPlanSteps(t *testing.T) {
	p := NewPlan()
	approve := p.Add("approve", noopCall, Reload("allowances"))
	deposit := p.Add("deposit", noopCall, After(approve), Reload("balances", "allowances"))
	p.Add("stake", noopCall, After(approve, deposit))

	steps, err := p.Steps()
	if err != nil {
		t.Fatalf("Steps: %v", err)
	}
	if len(steps) != 3 || p.Len() != 3 {
		t.Fatalf("len = %d, want 3", len(steps))
	}
	if deps := steps[2].WaitForResponseOf; len(deps) != 2 || deps[0] != 0 || deps[1] != 1 {
		t.Errorf("stake deps = %v, want [0 1]", deps)
	}
	if len(steps[1].ReloadQueriesAfterMined) != 2 {
		t.Errorf("deposit reload = %v", steps[1].ReloadQueriesAfterMined)
	}
	if deposit.Index() != 1 {
		t.Errorf("deposit index = %d, want 1", deposit.Index())
	}
}

func TestPlanRejectsForeignNode(t *testing.T) {
	other := NewPlan()
	foreign := other.Add("elsewhere", noopCall)

	p := NewPlan()
	p.Add("approve", noopCall, After(foreign))
	if _, err := p.Steps(); !errors.Is(err, ErrForeignNode) {
		t.Errorf("error = %v, want ErrForeignNode", err)
	}

	p2 := NewPlan()
	p2.Add("approve", noopCall, After(nil))
	if _, err := p2.Steps(); !errors.Is(err, ErrForeignNode) {
		t.Errorf("error = %v, want ErrForeignNode", err)
	}
}

func TestStepErrorUnwrap(t *testing.T) {
	err := error(&StepError{Index: 2, Title: "swap", Kind: KindUserRejected, Err: ErrUserRejected})
	if !errors.Is(err, ErrUserRejected) {
		t.Error("StepError should unwrap to its cause")
	}
	var se *StepError
	if !errors.As(err, &se) || se.Index != 2 {
		t.Errorf("errors.As failed: %v", err)
	}
	if got := err.Error(); got != "step 2 (swap): user_rejected: user rejected the request" {
		t.Errorf("Error() = %q", got)
	}
	if IsConstructionError(err) {
		t.Error("runtime error classified as construction error")
	}
}

func TestCancelIdleQueue(t *testing.T) {
	q, err := NewQueue([]Step{{Title: "a", MethodCall: noopCall}})
	if err != nil {
		t.Fatal(err)
	}
	q.Cancel()

	select {
	case <-q.Done():
	default:
		t.Fatal("Done should be closed")
	}
	if q.State() != StateCancelled {
		t.Errorf("state = %v, want cancelled", q.State())
	}

	e := NewExecutor(Config{})
	defer e.Close()
	if err := e.Start(q); !errors.Is(err, ErrQueueStarted) {
		t.Errorf("Start error = %v, want ErrQueueStarted", err)
	}
}
