// Package storage provides persistence for transaction queue history.
package storage

import (
	"time"

	"github.com/gateway-fm/dexsync/internal/txqueue"
)

// QueueRun is a persisted transaction queue with its steps.
// JSON tags use camelCase to match the UI's expectations.
type QueueRun struct {
	ID           string     `json:"id"`
	State        string     `json:"state"` // "running", "complete", "failed", "cancelled"
	CreatedAt    time.Time  `json:"createdAt"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
	StepCount    int        `json:"stepCount"`
	FailedIndex  int        `json:"failedIndex"` // -1 when no step failed
	ErrorKind    string     `json:"errorKind,omitempty"`
	ErrorMessage string     `json:"errorMessage,omitempty"`
	Steps        []StepLog  `json:"steps,omitempty"`
}

// StepLog is the last recorded status of one step of a queue run.
type StepLog struct {
	QueueID     string     `json:"queueId"`
	Index       int        `json:"index"`
	Title       string     `json:"title"`
	Status      string     `json:"status"`
	DependsOn   []int      `json:"dependsOn"`
	Reload      []string   `json:"reload,omitempty"`
	TxHash      string     `json:"txHash,omitempty"`
	BlockNumber uint64     `json:"blockNumber,omitempty"`
	GasUsed     uint64     `json:"gasUsed,omitempty"`
	Error       string     `json:"error,omitempty"`
	SubmittedAt *time.Time `json:"submittedAt,omitempty"`
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// PaginatedQueueRuns is a page of queue runs, newest first.
type PaginatedQueueRuns struct {
	Runs   []QueueRun `json:"runs"`
	Total  int        `json:"total"`
	Limit  int        `json:"limit"`
	Offset int        `json:"offset"`
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// QueueRunFromSnapshot converts an executor snapshot into its persisted form.
func QueueRunFromSnapshot(snap txqueue.Snapshot) *QueueRun {
	run := &QueueRun{
		ID:           snap.ID,
		State:        snap.State.String(),
		CreatedAt:    snap.CreatedAt,
		FinishedAt:   timePtr(snap.FinishedAt),
		StepCount:    len(snap.Steps),
		FailedIndex:  snap.FailedIndex,
		ErrorKind:    snap.ErrorKind,
		ErrorMessage: snap.Error,
		Steps:        make([]StepLog, 0, len(snap.Steps)),
	}
	for _, s := range snap.Steps {
		run.Steps = append(run.Steps, *StepLogFromSnapshot(snap.ID, s, snap.CreatedAt))
	}
	return run
}

// StepLogFromSnapshot converts a step snapshot into its persisted form.
func StepLogFromSnapshot(queueID string, s txqueue.StepSnapshot, at time.Time) *StepLog {
	reload := make([]string, 0, len(s.Reload))
	for _, q := range s.Reload {
		reload = append(reload, string(q))
	}
	dependsOn := s.DependsOn
	if dependsOn == nil {
		dependsOn = []int{}
	}
	return &StepLog{
		QueueID:     queueID,
		Index:       s.Index,
		Title:       s.Title,
		Status:      s.Status.String(),
		DependsOn:   dependsOn,
		Reload:      reload,
		TxHash:      s.TxHash,
		BlockNumber: s.BlockNumber,
		GasUsed:     s.GasUsed,
		Error:       s.Error,
		SubmittedAt: timePtr(s.SubmittedAt),
		ConfirmedAt: timePtr(s.ConfirmedAt),
		UpdatedAt:   at,
	}
}
