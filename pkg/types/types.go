// Package types contains public API types for dexsync.
// These types form the external interface and must remain backwards-compatible.
package types

import "time"

// StepKind selects how a step request is turned into a transaction.
type StepKind string

const (
	StepApprove  StepKind = "approve"  // ERC20 approve(spender, amount) on token
	StepTransfer StepKind = "transfer" // ERC20 transfer(to, amount) on token
	StepNative   StepKind = "native"   // plain value transfer to to
	StepRaw      StepKind = "raw"      // arbitrary calldata to to
)

// StepRequest is one entry of a setSteps call.
type StepRequest struct {
	Title string   `json:"title"`
	Kind  StepKind `json:"kind"`

	Token   string `json:"token,omitempty"`   // approve, transfer
	Spender string `json:"spender,omitempty"` // approve
	To      string `json:"to,omitempty"`      // transfer, native, raw
	Amount  string `json:"amount,omitempty"`  // decimal token units
	Value   string `json:"value,omitempty"`   // decimal wei, native and raw
	Data    string `json:"data,omitempty"`    // 0x-prefixed calldata, raw

	// WaitForResponseOf lists indices of earlier steps whose confirmation
	// this step waits for.
	WaitForResponseOf []int `json:"waitForResponseOf,omitempty"`
	// ReloadQueriesAfterMined lists queries to invalidate once this step
	// is confirmed.
	ReloadQueriesAfterMined []string `json:"reloadQueriesAfterMined,omitempty"`
}

// SetStepsRequest is the API request replacing the current queue.
type SetStepsRequest struct {
	Steps []StepRequest `json:"steps"`
}

// FieldRequest is the API request reading one cached field.
type FieldRequest struct {
	Contract string   `json:"contract"`
	Field    string   `json:"field"`
	Account  string   `json:"account,omitempty"`
	Args     []string `json:"args,omitempty"`
}

// LatencyBucket represents a latency histogram bucket.
type LatencyBucket struct {
	Label string `json:"label"`
	Count int    `json:"count"`
}

// LatencyStats holds latency statistics.
type LatencyStats struct {
	Count   int             `json:"count"`
	Min     float64         `json:"min"`     // ms
	Max     float64         `json:"max"`     // ms
	Avg     float64         `json:"avg"`     // ms
	P50     float64         `json:"p50"`     // ms
	P90     float64         `json:"p90"`     // ms
	P99     float64         `json:"p99"`     // ms
	Buckets []LatencyBucket `json:"buckets"` // histogram
}

// Stats is the API response of the stats endpoint.
type Stats struct {
	CachedFields  int           `json:"cachedFields"`
	PendingTxs    int           `json:"pendingTxs"`
	Confirmations *LatencyStats `json:"confirmations,omitempty"`
	Fetches       *LatencyStats `json:"fetches,omitempty"`
}

// Event types pushed to WebSocket clients.
const (
	EventQueue    = "queue"    // a queue started or finished
	EventStep     = "step"     // a step changed status
	EventRefetch  = "refetch"  // a query should be refetched
	EventSnapshot = "snapshot" // current queue, sent on connect
	EventField    = "field"    // a watched field changed
	EventError    = "error"    // a client message was rejected
)

// Event is a message pushed to WebSocket clients.
type Event struct {
	Type         string    `json:"type"`
	QueueID      string    `json:"queueId,omitempty"`
	Query        string    `json:"query,omitempty"`
	Subscription string    `json:"subscription,omitempty"`
	Payload      any       `json:"payload,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Client message types.
const (
	MessageWatch   = "watch"
	MessageUnwatch = "unwatch"
)

// ClientMessage is a message sent by WebSocket clients. ID is chosen by
// the client and tags the field events of the subscription.
type ClientMessage struct {
	Type  string       `json:"type"`
	ID    string       `json:"id"`
	Field FieldRequest `json:"field,omitzero"`
}

// FieldUpdate is the payload of field events.
type FieldUpdate struct {
	Value   any       `json:"value"`
	Version uint64    `json:"version"`
	Stale   bool      `json:"stale,omitempty"`
	At      time.Time `json:"at,omitzero"`
}

// ErrorResponse is the body of every non-2xx API response.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}
