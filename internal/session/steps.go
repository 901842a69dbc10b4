package session

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/gateway-fm/dexsync/internal/chain"
	"github.com/gateway-fm/dexsync/internal/freshness"
	"github.com/gateway-fm/dexsync/internal/txqueue"
	"github.com/gateway-fm/dexsync/pkg/types"
)

// buildPlan turns API step requests into a plan whose transactions are
// sent through s. Index-based dependencies become node edges, so they must
// point at earlier requests.
func buildPlan(s chain.Submitter, reqs []types.StepRequest) (*txqueue.Plan, error) {
	plan := txqueue.NewPlan()
	nodes := make([]*txqueue.Node, 0, len(reqs))
	for i, req := range reqs {
		call, err := methodCall(s, req)
		if err != nil {
			return nil, fmt.Errorf("%w: step %d (%s): %v", ErrInvalidRequest, i, req.Title, err)
		}

		title := req.Title
		if title == "" {
			title = string(req.Kind)
		}

		deps := make([]*txqueue.Node, 0, len(req.WaitForResponseOf))
		for _, d := range req.WaitForResponseOf {
			var err error
			switch {
			case d < 0 || d >= len(reqs):
				err = txqueue.ErrDependencyOutOfRange
			case d == i:
				err = txqueue.ErrSelfDependency
			case d > i:
				err = txqueue.ErrForwardDependency
			}
			if err != nil {
				return nil, fmt.Errorf("step %d (%s) -> %d: %w", i, title, d, err)
			}
			deps = append(deps, nodes[d])
		}

		reload := make([]freshness.QueryID, 0, len(req.ReloadQueriesAfterMined))
		for _, q := range req.ReloadQueriesAfterMined {
			reload = append(reload, freshness.QueryID(q))
		}

		nodes = append(nodes, plan.Add(title, call, txqueue.After(deps...), txqueue.Reload(reload...)))
	}
	return plan, nil
}

func methodCall(s chain.Submitter, req types.StepRequest) (txqueue.MethodCall, error) {
	switch req.Kind {
	case types.StepApprove:
		token, err := parseAddress("token", req.Token)
		if err != nil {
			return nil, err
		}
		spender, err := parseAddress("spender", req.Spender)
		if err != nil {
			return nil, err
		}
		amount, err := parseAmount("amount", req.Amount)
		if err != nil {
			return nil, err
		}
		return chain.ApproveCall(s, token, spender, amount)

	case types.StepTransfer:
		token, err := parseAddress("token", req.Token)
		if err != nil {
			return nil, err
		}
		to, err := parseAddress("to", req.To)
		if err != nil {
			return nil, err
		}
		amount, err := parseAmount("amount", req.Amount)
		if err != nil {
			return nil, err
		}
		return chain.TransferCall(s, token, to, amount)

	case types.StepNative:
		to, err := parseAddress("to", req.To)
		if err != nil {
			return nil, err
		}
		value, err := parseAmount("value", req.Value)
		if err != nil {
			return nil, err
		}
		return chain.RawCall(s, to, value, nil), nil

	case types.StepRaw:
		to, err := parseAddress("to", req.To)
		if err != nil {
			return nil, err
		}
		data, err := hexutil.Decode(req.Data)
		if err != nil {
			return nil, fmt.Errorf("data: %w", err)
		}
		value := new(big.Int)
		if req.Value != "" {
			if value, err = parseAmount("value", req.Value); err != nil {
				return nil, err
			}
		}
		return chain.RawCall(s, to, value, data), nil

	default:
		return nil, fmt.Errorf("unknown kind %q", req.Kind)
	}
}

func parseAddress(name, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("%s %q is not an address", name, s)
	}
	return common.HexToAddress(s), nil
}

var maxUint256 = new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))

// parseAmount accepts a non-negative decimal integer or "max" for 2^256-1.
func parseAmount(name, s string) (*big.Int, error) {
	if strings.EqualFold(s, "max") {
		return new(big.Int).Set(maxUint256), nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("%s %q is not a non-negative integer", name, s)
	}
	if v.Cmp(maxUint256) > 0 {
		return nil, fmt.Errorf("%s %q overflows uint256", name, s)
	}
	return v, nil
}
