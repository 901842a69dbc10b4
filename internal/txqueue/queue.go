package txqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/gateway-fm/dexsync/internal/freshness"
)

// State of a queue.
type State int

const (
	StateIdle State = iota
	StateRunning
	StateComplete
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateComplete:
		return "complete"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	for st := StateIdle; st <= StateCancelled; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown queue state %q", text)
}

// Terminal reports whether no further step will be submitted.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed || s == StateCancelled
}

// StepStatus is the progress of a single step.
type StepStatus int

const (
	StepPending StepStatus = iota
	StepSubmitting
	StepSubmitted
	StepConfirmed
	StepReverted
	StepFailed
)

func (s StepStatus) String() string {
	switch s {
	case StepPending:
		return "pending"
	case StepSubmitting:
		return "submitting"
	case StepSubmitted:
		return "submitted"
	case StepConfirmed:
		return "confirmed"
	case StepReverted:
		return "reverted"
	case StepFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s StepStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *StepStatus) UnmarshalText(text []byte) error {
	for st := StepPending; st <= StepFailed; st++ {
		if st.String() == string(text) {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown step status %q", text)
}

type stepState struct {
	status      StepStatus
	handle      PendingTx
	receipt     *Receipt
	err         error
	submittedAt time.Time
	confirmedAt time.Time

	// confirmed is closed once the watcher of the step resolved; confirmErr
	// is set before closing.
	confirmed  chan struct{}
	confirmErr error
}

// Queue is one orchestrated sequence of writes. It is created Idle and
// started by an Executor; once terminal it stays inspectable.
type Queue struct {
	id        string
	steps     []Step
	createdAt time.Time

	mu         sync.Mutex
	state      State
	active     int
	stepStates []stepState
	err        *StepError
	finishedAt time.Time

	ctx    context.Context
	cancel context.CancelFunc

	watchers sync.WaitGroup
	done     chan struct{}
	settled  chan struct{}
}

// NewQueue validates steps and returns an idle queue. Dependencies must
// reference earlier steps, exactly once each.
func NewQueue(steps []Step) (*Queue, error) {
	if err := validateSteps(steps); err != nil {
		return nil, err
	}
	return newQueue(uuid.NewString(), steps, time.Now()), nil
}

func newQueue(id string, steps []Step, now time.Time) *Queue {
	q := &Queue{
		id:         id,
		steps:      append([]Step(nil), steps...),
		createdAt:  now,
		stepStates: make([]stepState, len(steps)),
		done:       make(chan struct{}),
		settled:    make(chan struct{}),
	}
	for i := range q.stepStates {
		q.stepStates[i].confirmed = make(chan struct{})
	}
	return q
}

// ID returns the queue identifier.
func (q *Queue) ID() string { return q.id }

// Len returns the number of steps.
func (q *Queue) Len() int { return len(q.steps) }

// Done is closed once the queue reached a terminal state.
func (q *Queue) Done() <-chan struct{} { return q.done }

// Settled is closed once the queue is terminal and every submitted
// transaction was confirmed, reverted or abandoned.
func (q *Queue) Settled() <-chan struct{} { return q.settled }

// State returns the current state.
func (q *Queue) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// ActiveIndex returns the step being prepared or submitted. It equals Len()
// once every step was submitted.
func (q *Queue) ActiveIndex() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active
}

// Err returns the terminal error, or nil if the queue did not fail.
func (q *Queue) Err() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err == nil {
		return nil
	}
	return q.err
}

// Handle returns the pending transaction of step i, or nil if the step was
// not submitted.
func (q *Queue) Handle(i int) PendingTx {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i < 0 || i >= len(q.stepStates) {
		return nil
	}
	return q.stepStates[i].handle
}

// Cancel stops the queue. Steps not yet submitted are abandoned; already
// submitted transactions are still watched until confirmed.
func (q *Queue) Cancel() {
	q.mu.Lock()
	switch q.state {
	case StateIdle:
		q.state = StateCancelled
		q.err = &StepError{Index: 0, Title: q.steps[0].Title, Kind: KindCancelled, Err: context.Canceled}
		q.finishedAt = time.Now()
		q.mu.Unlock()
		close(q.done)
		close(q.settled)
		return
	case StateRunning:
		cancel := q.cancel
		q.mu.Unlock()
		cancel()
		return
	}
	q.mu.Unlock()
}

func (q *Queue) start(parent context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.state != StateIdle {
		return ErrQueueStarted
	}
	q.ctx, q.cancel = context.WithCancel(parent)
	q.state = StateRunning
	q.active = 0
	return nil
}

func (q *Queue) setActive(i int) {
	q.mu.Lock()
	q.active = i
	q.mu.Unlock()
}

func (q *Queue) setStatus(i int, status StepStatus) {
	q.mu.Lock()
	q.stepStates[i].status = status
	q.mu.Unlock()
}

func (q *Queue) submitted(i int, handle PendingTx, at time.Time) {
	q.mu.Lock()
	s := &q.stepStates[i]
	s.status = StepSubmitted
	s.handle = handle
	s.submittedAt = at
	q.mu.Unlock()
}

// confirm records the outcome of step i's transaction and releases steps
// waiting on it.
func (q *Queue) confirm(i int, receipt *Receipt, err error, at time.Time) {
	q.mu.Lock()
	s := &q.stepStates[i]
	s.receipt = receipt
	s.confirmedAt = at
	s.confirmErr = err
	switch {
	case err == nil:
		s.status = StepConfirmed
	case receipt != nil && receipt.Status == ReceiptStatusFailed:
		s.status = StepReverted
		s.err = err
	default:
		s.status = StepFailed
		s.err = err
	}
	q.mu.Unlock()
	close(s.confirmed)
}

// waitConfirmed blocks until step i resolved and returns its outcome.
func (q *Queue) waitConfirmed(ctx context.Context, i int) error {
	s := &q.stepStates[i]
	select {
	case <-s.confirmed:
		q.mu.Lock()
		defer q.mu.Unlock()
		return s.confirmErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finish moves the queue to its terminal state. A nil stepErr means all
// steps were submitted.
func (q *Queue) finish(stepErr *StepError, at time.Time) {
	q.mu.Lock()
	switch {
	case stepErr == nil:
		q.state = StateComplete
		q.active = len(q.steps)
	case stepErr.Kind == KindCancelled:
		q.state = StateCancelled
		q.err = stepErr
		if s := &q.stepStates[stepErr.Index]; s.status == StepSubmitting {
			s.status = StepFailed
			s.err = stepErr.Err
		}
	default:
		q.state = StateFailed
		q.err = stepErr
		q.stepStates[stepErr.Index].status = StepFailed
		q.stepStates[stepErr.Index].err = stepErr.Err
	}
	q.finishedAt = at
	q.mu.Unlock()
	close(q.done)
}

// StepSnapshot is a point-in-time view of one step.
type StepSnapshot struct {
	Index       int                 `json:"index"`
	Title       string              `json:"title"`
	Status      StepStatus          `json:"status"`
	DependsOn   []int               `json:"dependsOn"`
	Reload      []freshness.QueryID `json:"reload,omitempty"`
	TxHash      string              `json:"txHash,omitempty"`
	BlockNumber uint64              `json:"blockNumber,omitempty"`
	GasUsed     uint64              `json:"gasUsed,omitempty"`
	Error       string              `json:"error,omitempty"`
	SubmittedAt time.Time           `json:"submittedAt,omitzero"`
	ConfirmedAt time.Time           `json:"confirmedAt,omitzero"`
}

// Snapshot is a point-in-time view of a queue.
type Snapshot struct {
	ID          string         `json:"id"`
	State       State          `json:"state"`
	ActiveIndex int            `json:"activeIndex"`
	Steps       []StepSnapshot `json:"steps"`
	FailedIndex int            `json:"failedIndex"`
	ErrorKind   string         `json:"errorKind,omitempty"`
	Error       string         `json:"error,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	FinishedAt  time.Time      `json:"finishedAt,omitzero"`
}

// Snapshot returns the current state of the queue.
func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	snap := Snapshot{
		ID:          q.id,
		State:       q.state,
		ActiveIndex: q.active,
		Steps:       make([]StepSnapshot, len(q.steps)),
		FailedIndex: -1,
		CreatedAt:   q.createdAt,
		FinishedAt:  q.finishedAt,
	}
	if q.err != nil {
		snap.FailedIndex = q.err.Index
		snap.ErrorKind = q.err.Kind.String()
		snap.Error = q.err.Err.Error()
	}
	for i := range q.steps {
		snap.Steps[i] = q.stepSnapshotLocked(i)
	}
	return snap
}

func (q *Queue) stepSnapshot(i int) StepSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stepSnapshotLocked(i)
}

func (q *Queue) stepSnapshotLocked(i int) StepSnapshot {
	step, s := q.steps[i], q.stepStates[i]
	ss := StepSnapshot{
		Index:       i,
		Title:       step.Title,
		Status:      s.status,
		DependsOn:   append([]int{}, step.WaitForResponseOf...),
		Reload:      step.ReloadQueriesAfterMined,
		SubmittedAt: s.submittedAt,
		ConfirmedAt: s.confirmedAt,
	}
	if h, ok := s.handle.(Hasher); ok {
		ss.TxHash = h.Hash().Hex()
	}
	if s.receipt != nil {
		if ss.TxHash == "" && s.receipt.TxHash != (common.Hash{}) {
			ss.TxHash = s.receipt.TxHash.Hex()
		}
		ss.BlockNumber = s.receipt.BlockNumber
		ss.GasUsed = s.receipt.GasUsed
	}
	if s.err != nil {
		ss.Error = s.err.Error()
	}
	return ss
}
