// Package txqueue orchestrates ordered, dependency-annotated on-chain writes.
//
// A queue holds a list of steps. Each step submits one transaction through
// its MethodCall once the transactions of the steps it depends on are
// confirmed. Submission is serialized; confirmation is watched in the
// background and triggers cache invalidation.
package txqueue

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/dexsync/internal/freshness"
)

// Receipt status values, as in eth_getTransactionReceipt.
const (
	ReceiptStatusFailed     uint64 = 0
	ReceiptStatusSuccessful uint64 = 1
)

// Receipt is the confirmation of a mined transaction.
type Receipt struct {
	TxHash      common.Hash
	Status      uint64
	BlockNumber uint64
	GasUsed     uint64
}

// PendingTx is a submitted, not yet confirmed, transaction.
type PendingTx interface {
	// Wait blocks until the transaction is mined. A mined transaction with a
	// failure status yields ErrTxReverted.
	Wait(ctx context.Context) (*Receipt, error)
}

// Hasher is implemented by pending transactions that know their hash.
type Hasher interface {
	Hash() common.Hash
}

// MethodCall submits one write and returns its pending transaction.
type MethodCall func(ctx context.Context) (PendingTx, error)

// Step is one entry of a queue. WaitForResponseOf lists indices of earlier
// steps whose transactions must be confirmed before MethodCall runs.
type Step struct {
	Title                   string
	MethodCall              MethodCall
	WaitForResponseOf       []int
	ReloadQueriesAfterMined []freshness.QueryID
}

func validateSteps(steps []Step) error {
	if len(steps) == 0 {
		return ErrEmptyQueue
	}
	for i, s := range steps {
		if s.MethodCall == nil {
			return fmt.Errorf("step %d (%s): %w", i, s.Title, ErrMissingMethodCall)
		}
		seen := make(map[int]struct{}, len(s.WaitForResponseOf))
		for _, d := range s.WaitForResponseOf {
			var err error
			switch {
			case d < 0 || d >= len(steps):
				err = ErrDependencyOutOfRange
			case d == i:
				err = ErrSelfDependency
			case d > i:
				err = ErrForwardDependency
			}
			if _, dup := seen[d]; err == nil && dup {
				err = ErrDuplicateDependency
			}
			if err != nil {
				return fmt.Errorf("step %d (%s) -> %d: %w", i, s.Title, d, err)
			}
			seen[d] = struct{}{}
		}
	}
	return nil
}

// Plan builds a queue as a DAG of nodes. A node can only depend on nodes
// added before it, so a plan cannot express forward references or cycles.
type Plan struct {
	nodes []*Node
}

// Node is a step within a Plan.
type Node struct {
	plan   *Plan
	index  int
	title  string
	call   MethodCall
	after  []*Node
	reload []freshness.QueryID
}

// NodeOption configures a node added to a Plan.
type NodeOption func(*Node)

// After makes the node wait for the confirmation of deps.
func After(deps ...*Node) NodeOption {
	return func(n *Node) {
		n.after = append(n.after, deps...)
	}
}

// Reload lists queries to invalidate once the node's transaction is mined.
func Reload(queries ...freshness.QueryID) NodeOption {
	return func(n *Node) {
		n.reload = append(n.reload, queries...)
	}
}

// NewPlan creates an empty plan.
func NewPlan() *Plan {
	return &Plan{}
}

// Add appends a step to the plan and returns its node.
func (p *Plan) Add(title string, call MethodCall, opts ...NodeOption) *Node {
	n := &Node{plan: p, index: len(p.nodes), title: title, call: call}
	for _, opt := range opts {
		opt(n)
	}
	p.nodes = append(p.nodes, n)
	return n
}

// Index returns the position of the node in its plan.
func (n *Node) Index() int {
	return n.index
}

// Len returns the number of nodes.
func (p *Plan) Len() int {
	return len(p.nodes)
}

// Steps flattens the plan into index-based steps.
func (p *Plan) Steps() ([]Step, error) {
	steps := make([]Step, len(p.nodes))
	for i, n := range p.nodes {
		deps := make([]int, 0, len(n.after))
		for _, d := range n.after {
			if d == nil || d.plan != p {
				return nil, fmt.Errorf("step %d (%s): %w", i, n.title, ErrForeignNode)
			}
			deps = append(deps, d.index)
		}
		steps[i] = Step{
			Title:                   n.title,
			MethodCall:              n.call,
			WaitForResponseOf:       deps,
			ReloadQueriesAfterMined: n.reload,
		}
	}
	if err := validateSteps(steps); err != nil {
		return nil, err
	}
	return steps, nil
}
