package chain

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/dexsync/internal/rpc"
)

var errNotMocked = errors.New("not mocked")

// mockClient implements rpc.Client with overridable functions.
type mockClient struct {
	mu sync.Mutex

	callContract   func(msg rpc.CallMsg) ([]byte, error)
	estimateGas    func(msg rpc.CallMsg) (uint64, error)
	sendRaw        func(raw []byte) (common.Hash, error)
	receipt        func(hash common.Hash) (*rpc.Receipt, error)
	nonce          uint64
	balance        *big.Int
	blockNumber    uint64
	gasPrice       *big.Int
	baseFee        *big.Int
	calls          []rpc.CallMsg
	sent           [][]byte
	receiptQueries int
}

var _ rpc.Client = (*mockClient)(nil)

func (m *mockClient) Call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	return nil, errNotMocked
}

func (m *mockClient) BatchCall(ctx context.Context, calls []rpc.BatchRequest) ([]rpc.BatchResponse, error) {
	return nil, errNotMocked
}

func (m *mockClient) CallContract(ctx context.Context, msg rpc.CallMsg) ([]byte, error) {
	m.mu.Lock()
	m.calls = append(m.calls, msg)
	fn := m.callContract
	m.mu.Unlock()
	if fn == nil {
		return nil, errNotMocked
	}
	return fn(msg)
}

func (m *mockClient) EstimateGas(ctx context.Context, msg rpc.CallMsg) (uint64, error) {
	if m.estimateGas == nil {
		return 21000, nil
	}
	return m.estimateGas(msg)
}

func (m *mockClient) SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error) {
	m.mu.Lock()
	m.sent = append(m.sent, raw)
	fn := m.sendRaw
	m.mu.Unlock()
	if fn == nil {
		return common.Hash{}, nil
	}
	return fn(raw)
}

func (m *mockClient) GetTransactionReceipt(ctx context.Context, hash common.Hash) (*rpc.Receipt, error) {
	m.mu.Lock()
	m.receiptQueries++
	fn := m.receipt
	m.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(hash)
}

func (m *mockClient) GetNonce(ctx context.Context, address common.Address) (uint64, error) {
	return m.nonce, nil
}

func (m *mockClient) GetConfirmedNonce(ctx context.Context, address common.Address) (uint64, error) {
	return m.nonce, nil
}

func (m *mockClient) GetBalance(ctx context.Context, address common.Address) (*big.Int, error) {
	if m.balance == nil {
		return nil, errNotMocked
	}
	return m.balance, nil
}

func (m *mockClient) GetBlockNumber(ctx context.Context) (uint64, error) {
	return m.blockNumber, nil
}

func (m *mockClient) GetGasPrice(ctx context.Context) (*big.Int, error) {
	if m.gasPrice == nil {
		return big.NewInt(2_000_000_000), nil
	}
	return m.gasPrice, nil
}

func (m *mockClient) GetBaseFee(ctx context.Context) (*big.Int, error) {
	if m.baseFee == nil {
		return big.NewInt(1_000_000_000), nil
	}
	return m.baseFee, nil
}

func (m *mockClient) ChainID(ctx context.Context) (*big.Int, error) {
	return big.NewInt(1337), nil
}

func (m *mockClient) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// erc20Responder answers eth_call with ABI-encoded outputs keyed by method name.
func erc20Responder(outputs map[string]any) func(msg rpc.CallMsg) ([]byte, error) {
	return func(msg rpc.CallMsg) ([]byte, error) {
		method, err := ERC20ABI.MethodById(msg.Data[:4])
		if err != nil {
			return nil, err
		}
		v, ok := outputs[method.Name]
		if !ok {
			return nil, errors.New("execution reverted")
		}
		return method.Outputs.Pack(v)
	}
}
