package chain

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/dexsync/internal/freshness"
	"github.com/gateway-fm/dexsync/internal/resolver"
)

// Query identifiers of the cached chain reads.
const (
	QueryTokenInfo  freshness.QueryID = "tokenInfo"
	QuerySupply     freshness.QueryID = "supply"
	QueryBalances   freshness.QueryID = "balances"
	QueryAllowances freshness.QueryID = "allowances"
	QueryBlock      freshness.QueryID = "block"
)

// Field TTLs. Immutable token metadata is cached for an hour, volatile
// per-account state for a couple of seconds.
const (
	ImmutableTTL = time.Hour
	SupplyTTL    = 15 * time.Second
	VolatileTTL  = 2 * time.Second
)

func noArgs(fetch freshness.FetchFunc) func(args []string) (freshness.FetchFunc, error) {
	return func(args []string) (freshness.FetchFunc, error) {
		if len(args) != 0 {
			return nil, fmt.Errorf("takes no arguments, got %d", len(args))
		}
		return fetch, nil
	}
}

func addressArg(args []string, name string) (common.Address, error) {
	if len(args) != 1 {
		return common.Address{}, fmt.Errorf("takes 1 argument (%s), got %d", name, len(args))
	}
	if !common.IsHexAddress(args[0]) {
		return common.Address{}, fmt.Errorf("%s %q is not an address", name, args[0])
	}
	return common.HexToAddress(args[0]), nil
}

// checksumArgs rewrites every address argument in its checksummed form.
func checksumArgs(args []string) ([]string, error) {
	out := make([]string, len(args))
	for i, arg := range args {
		if !common.IsHexAddress(arg) {
			return nil, fmt.Errorf("argument %d %q is not an address", i, arg)
		}
		out[i] = common.HexToAddress(arg).Hex()
	}
	return out, nil
}

// DefaultCatalog returns the ERC20 and native fields served through r.
func DefaultCatalog(r *Reader) resolver.Catalog {
	return resolver.Catalog{
		"decimals": {
			TTL:     ImmutableTTL,
			Default: uint8(0),
			Queries: []freshness.QueryID{QueryTokenInfo},
			Fetch: noArgs(func(ctx context.Context, fc freshness.FetchContext) (any, error) {
				return r.Decimals(ctx, fc.Contract)
			}),
		},
		"symbol": {
			TTL:     ImmutableTTL,
			Default: "",
			Queries: []freshness.QueryID{QueryTokenInfo},
			Fetch: noArgs(func(ctx context.Context, fc freshness.FetchContext) (any, error) {
				return r.Symbol(ctx, fc.Contract)
			}),
		},
		"name": {
			TTL:     ImmutableTTL,
			Default: "",
			Queries: []freshness.QueryID{QueryTokenInfo},
			Fetch: noArgs(func(ctx context.Context, fc freshness.FetchContext) (any, error) {
				return r.Name(ctx, fc.Contract)
			}),
		},
		"totalSupply": {
			TTL:     SupplyTTL,
			Default: "0",
			Queries: []freshness.QueryID{QuerySupply},
			Fetch: noArgs(func(ctx context.Context, fc freshness.FetchContext) (any, error) {
				v, err := r.TotalSupply(ctx, fc.Contract)
				if err != nil {
					return nil, err
				}
				return v.String(), nil
			}),
		},
		"balanceOf": {
			TTL:        VolatileTTL,
			Default:    "0",
			PerAccount: true,
			Queries:    []freshness.QueryID{QueryBalances},
			Fetch: noArgs(func(ctx context.Context, fc freshness.FetchContext) (any, error) {
				v, err := r.BalanceOf(ctx, fc.Contract, fc.Account)
				if err != nil {
					return nil, err
				}
				return v.String(), nil
			}),
		},
		"allowance": {
			TTL:           VolatileTTL,
			Default:       "0",
			PerAccount:    true,
			Queries:       []freshness.QueryID{QueryAllowances},
			NormalizeArgs: checksumArgs,
			Fetch: func(args []string) (freshness.FetchFunc, error) {
				spender, err := addressArg(args, "spender")
				if err != nil {
					return nil, err
				}
				return func(ctx context.Context, fc freshness.FetchContext) (any, error) {
					v, err := r.Allowance(ctx, fc.Contract, fc.Account, spender)
					if err != nil {
						return nil, err
					}
					return v.String(), nil
				}, nil
			},
		},
		"ethBalance": {
			TTL:        VolatileTTL,
			Default:    "0",
			PerAccount: true,
			Native:     true,
			Queries:    []freshness.QueryID{QueryBalances},
			Fetch: noArgs(func(ctx context.Context, fc freshness.FetchContext) (any, error) {
				v, err := r.EthBalance(ctx, fc.Account)
				if err != nil {
					return nil, err
				}
				return v.String(), nil
			}),
		},
		"blockNumber": {
			TTL:     VolatileTTL,
			Default: uint64(0),
			Native:  true,
			Queries: []freshness.QueryID{QueryBlock},
			Fetch: noArgs(func(ctx context.Context, fc freshness.FetchContext) (any, error) {
				return r.BlockNumber(ctx)
			}),
		},
	}
}
