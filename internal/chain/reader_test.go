package chain

import (
	"context"
	"errors"
	"math/big"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/gateway-fm/dexsync/internal/freshness"
	"github.com/gateway-fm/dexsync/internal/resolver"
)

var (
	testToken   = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	testOwner   = common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	testSpender = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
)

type recordingRPCObserver struct {
	mu      sync.Mutex
	methods []string
	errs    int
}

func (o *recordingRPCObserver) RPCCall(method string, elapsed time.Duration, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.methods = append(o.methods, method)
	if err != nil {
		o.errs++
	}
}

func TestReaderERC20(t *testing.T) {
	client := &mockClient{
		callContract: erc20Responder(map[string]any{
			"decimals":    uint8(18),
			"symbol":      "TKN",
			"name":        "Token",
			"totalSupply": big.NewInt(1_000_000),
			"balanceOf":   big.NewInt(42),
			"allowance":   big.NewInt(7),
		}),
	}
	obs := &recordingRPCObserver{}
	r := NewReader(ReaderConfig{Client: client, Observer: obs})
	ctx := context.Background()

	dec, err := r.Decimals(ctx, testToken)
	if err != nil || dec != 18 {
		t.Fatalf("Decimals = %d, %v", dec, err)
	}
	sym, err := r.Symbol(ctx, testToken)
	if err != nil || sym != "TKN" {
		t.Fatalf("Symbol = %q, %v", sym, err)
	}
	name, err := r.Name(ctx, testToken)
	if err != nil || name != "Token" {
		t.Fatalf("Name = %q, %v", name, err)
	}
	supply, err := r.TotalSupply(ctx, testToken)
	if err != nil || supply.Int64() != 1_000_000 {
		t.Fatalf("TotalSupply = %v, %v", supply, err)
	}
	bal, err := r.BalanceOf(ctx, testToken, testOwner)
	if err != nil || bal.Int64() != 42 {
		t.Fatalf("BalanceOf = %v, %v", bal, err)
	}
	allowance, err := r.Allowance(ctx, testToken, testOwner, testSpender)
	if err != nil || allowance.Int64() != 7 {
		t.Fatalf("Allowance = %v, %v", allowance, err)
	}

	if len(client.calls) != 6 {
		t.Fatalf("expected 6 eth_calls, got %d", len(client.calls))
	}
	last := client.calls[5]
	if last.To != testToken {
		t.Errorf("call to %s, want %s", last.To.Hex(), testToken.Hex())
	}
	args, err := ERC20ABI.Methods["allowance"].Inputs.Unpack(last.Data[4:])
	if err != nil {
		t.Fatalf("unpack allowance args: %v", err)
	}
	if args[0].(common.Address) != testOwner || args[1].(common.Address) != testSpender {
		t.Errorf("allowance args = %v", args)
	}

	if len(obs.methods) != 6 || obs.methods[0] != "eth_call" {
		t.Errorf("observer saw %v", obs.methods)
	}
}

func TestReaderCallError(t *testing.T) {
	client := &mockClient{callContract: erc20Responder(map[string]any{})}
	obs := &recordingRPCObserver{}
	r := NewReader(ReaderConfig{Client: client, Observer: obs})

	if _, err := r.Decimals(context.Background(), testToken); err == nil {
		t.Fatal("expected error for reverted call")
	}
	if obs.errs != 1 {
		t.Errorf("expected 1 observed error, got %d", obs.errs)
	}
}

func TestReaderNative(t *testing.T) {
	client := &mockClient{balance: big.NewInt(1e18), blockNumber: 123}
	r := NewReader(ReaderConfig{Client: client})

	bal, err := r.EthBalance(context.Background(), testOwner)
	if err != nil || bal.Cmp(big.NewInt(1e18)) != 0 {
		t.Fatalf("EthBalance = %v, %v", bal, err)
	}
	n, err := r.BlockNumber(context.Background())
	if err != nil || n != 123 {
		t.Fatalf("BlockNumber = %d, %v", n, err)
	}
}

func TestEncodeApprove(t *testing.T) {
	data, err := EncodeApprove(testSpender, big.NewInt(100))
	if err != nil {
		t.Fatalf("EncodeApprove: %v", err)
	}
	method, err := ERC20ABI.MethodById(data[:4])
	if err != nil {
		t.Fatalf("MethodById: %v", err)
	}
	if method.Name != "approve" {
		t.Errorf("method = %s, want approve", method.Name)
	}
	args, err := method.Inputs.Unpack(data[4:])
	if err != nil {
		t.Fatalf("unpack: %v", err)
	}
	if args[0].(common.Address) != testSpender || args[1].(*big.Int).Int64() != 100 {
		t.Errorf("args = %v", args)
	}
}

func TestDefaultCatalogThroughResolver(t *testing.T) {
	client := &mockClient{
		callContract: erc20Responder(map[string]any{
			"symbol":    "TKN",
			"allowance": big.NewInt(500),
		}),
	}
	reg := freshness.New(freshness.Config{})
	defer reg.Close()
	res := resolver.New(reg, DefaultCatalog(NewReader(ReaderConfig{Client: client})))

	sym := resolver.FieldPath{Contract: testToken, Field: "symbol"}
	first, err := res.Resolve(sym)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if first.Value != "" || !first.Stale {
		t.Errorf("first read = %+v, want stale default", first)
	}
	reg.WaitIdle()
	second, err := res.Resolve(sym)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if second.Value != "TKN" || second.Stale {
		t.Errorf("second read = %+v, want fresh TKN", second)
	}

	allowance := resolver.FieldPath{
		Contract: testToken,
		Field:    "allowance",
		Account:  testOwner,
		Args:     []string{testSpender.Hex()},
	}
	if _, err := res.Resolve(allowance); err != nil {
		t.Fatalf("Resolve allowance: %v", err)
	}
	reg.WaitIdle()
	got, err := res.Resolve(allowance)
	if err != nil {
		t.Fatalf("Resolve allowance: %v", err)
	}
	if got.Value != "500" {
		t.Errorf("allowance = %v, want 500", got.Value)
	}

	lower := allowance
	lower.Args = []string{strings.ToLower(testSpender.Hex())}
	same, err := res.Resolve(lower)
	if err != nil {
		t.Fatalf("Resolve lowercase allowance: %v", err)
	}
	if same.Value != "500" || same.Stale {
		t.Errorf("lowercase spender read = %+v, want the cached 500", same)
	}

	keys := reg.KeysForQuery(QueryAllowances)
	if len(keys) != 1 {
		t.Fatalf("expected 1 key bound to allowances, got %d", len(keys))
	}
	if want := "allowance(" + testSpender.Hex() + ")"; keys[0].Field != want {
		t.Errorf("key field = %q, want %q", keys[0].Field, want)
	}
}

func TestNativeCatalogFieldsShareKeyAcrossContracts(t *testing.T) {
	reg := freshness.New(freshness.Config{})
	defer reg.Close()
	res := resolver.New(reg, DefaultCatalog(NewReader(ReaderConfig{Client: &mockClient{}})))

	for _, field := range []string{"blockNumber", "ethBalance"} {
		a, err := res.Key(resolver.FieldPath{Contract: testToken, Field: field, Account: testOwner})
		if err != nil {
			t.Fatalf("%s: %v", field, err)
		}
		b, err := res.Key(resolver.FieldPath{Field: field, Account: testOwner})
		if err != nil {
			t.Fatalf("%s: %v", field, err)
		}
		if a != b || a.Contract != (common.Address{}) {
			t.Errorf("%s keys = %v and %v, want one contract-free key", field, a, b)
		}
	}
}

func TestCatalogArgumentValidation(t *testing.T) {
	cat := DefaultCatalog(NewReader(ReaderConfig{Client: &mockClient{}}))

	tests := []struct {
		field string
		args  []string
		ok    bool
	}{
		{"symbol", nil, true},
		{"symbol", []string{"x"}, false},
		{"allowance", []string{testSpender.Hex()}, true},
		{"allowance", nil, false},
		{"allowance", []string{"not-an-address"}, false},
	}
	for _, tt := range tests {
		_, err := cat[tt.field].Fetch(tt.args)
		if (err == nil) != tt.ok {
			t.Errorf("%s(%v): err = %v, want ok=%v", tt.field, tt.args, err, tt.ok)
		}
	}
}

func TestCatalogFetchPropagatesError(t *testing.T) {
	cat := DefaultCatalog(NewReader(ReaderConfig{Client: &mockClient{}}))
	fetch, err := cat["totalSupply"].Fetch(nil)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	_, err = fetch(context.Background(), freshness.FetchContext{Contract: testToken})
	if !errors.Is(err, errNotMocked) {
		t.Errorf("err = %v, want errNotMocked", err)
	}
}
