package stabilitypool_test

import (
	"context"
	"math/big"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/soyart/spgains/config"
	"github.com/soyart/spgains/stabilitypool"
)

const testDepositor = "0x000000000000000000000000000000000000dEaD"

var symbols = []string{"wstETH", "rETH", "cbETH", "sfrxETH", "ETHx", "weETH", "ezETH", "rsETH"}

type slot struct {
	pool  common.Address
	index uint8
}

// revertError looks like a JSON-RPC error object returned by the node.
type revertError struct{}

func (revertError) Error() string  { return "execution reverted" }
func (revertError) ErrorCode() int { return 3 }

// codeError is a JSON-RPC error object with an arbitrary code.
type codeError int

func (e codeError) Error() string  { return "node error" }
func (e codeError) ErrorCode() int { return int(e) }

type fakeCaller struct {
	t   *testing.T
	abi abi.ABI

	mu    sync.Mutex
	gains map[slot]*big.Int
	errs  map[slot][]error // popped one per call; the last one sticks
	raw   map[slot][]byte
	calls map[slot]int
}

func newFakeCaller(t *testing.T, parsed abi.ABI) *fakeCaller {
	return &fakeCaller{
		t:     t,
		abi:   parsed,
		gains: make(map[slot]*big.Int),
		errs:  make(map[slot][]error),
		raw:   make(map[slot][]byte),
		calls: make(map[slot]int),
	}
}

func (f *fakeCaller) CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error) {
	require.Nil(f.t, block)
	require.NotNil(f.t, msg.To)

	method := f.abi.Methods[stabilitypool.MethodCollateralGains]
	require.Equal(f.t, method.ID, msg.Data[:4])

	args, err := method.Inputs.Unpack(msg.Data[4:])
	require.NoError(f.t, err)
	require.Equal(f.t, common.HexToAddress(testDepositor), args[0].(common.Address))

	key := slot{pool: *msg.To, index: args[1].(uint8)}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[key]++

	if errs := f.errs[key]; len(errs) > 0 {
		err := errs[0]
		if len(errs) > 1 {
			f.errs[key] = errs[1:]
		}
		if err != nil {
			return nil, err
		}
	}

	if out, ok := f.raw[key]; ok {
		return out, nil
	}

	gain := f.gains[key]
	if gain == nil {
		gain = new(big.Int)
	}

	return method.Outputs.Pack(gain)
}

func (f *fakeCaller) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	var n int
	for _, c := range f.calls {
		n += c
	}

	return n
}

func (f *fakeCaller) callsTo(key slot) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls[key]
}

func testConfig() *config.Config {
	retries := 2
	return &config.Config{
		NodeUrl:      "http://127.0.0.1:8545",
		AbiFile:      "../abi/sp_abi.json",
		CallTimeout:  time.Second,
		RetryBackoff: time.Millisecond,
		MaxRetries:   &retries,
		Pools:        config.DefaultPools(),
	}
}

func mkusd() common.Address {
	return config.DefaultPools()[0].ContractAddress()
}

func ultra() common.Address {
	return config.DefaultPools()[1].ContractAddress()
}

func setup(t *testing.T) (*stabilitypool.Service, *fakeCaller) {
	conf := testConfig()

	parsed, err := stabilitypool.LoadABI(conf.AbiFile)
	require.NoError(t, err)

	caller := newFakeCaller(t, parsed)
	service, err := stabilitypool.New(conf, caller, parsed, nil)
	require.NoError(t, err)

	return service, caller
}

func ether(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
}

func TestFetchAllZero(t *testing.T) {
	service, caller := setup(t)

	table, err := service.FetchClaimableAmounts(context.Background(), testDepositor)
	require.NoError(t, err)
	require.Len(t, table, 8)

	for i, row := range table {
		require.Equal(t, symbols[i], row.Symbol)
		require.Equal(t, 0.0, row.Amount)
	}

	require.Equal(t, 8, caller.totalCalls())
}

func TestFetchOrder(t *testing.T) {
	service, caller := setup(t)

	for i := 0; i < 5; i++ {
		caller.gains[slot{pool: mkusd(), index: uint8(i)}] = ether(int64(i + 1))
	}
	for i := 0; i < 3; i++ {
		caller.gains[slot{pool: ultra(), index: uint8(i)}] = ether(int64(i + 6))
	}

	table, err := service.FetchClaimableAmounts(context.Background(), testDepositor)
	require.NoError(t, err)
	require.Len(t, table, 8)

	for i, row := range table {
		require.Equal(t, symbols[i], row.Symbol)
		require.Equal(t, float64(i+1), row.Amount)
		require.Equal(t, 0, ether(int64(i+1)).Cmp(row.Raw))
	}
}

func TestFetchIdempotent(t *testing.T) {
	service, caller := setup(t)

	caller.gains[slot{pool: mkusd(), index: 3}] = big.NewInt(123456789)
	caller.gains[slot{pool: ultra(), index: 2}] = ether(42)

	first, err := service.FetchClaimableAmounts(context.Background(), testDepositor)
	require.NoError(t, err)

	second, err := service.FetchClaimableAmounts(context.Background(), testDepositor)
	require.NoError(t, err)

	require.Equal(t, first, second)
}

func TestFetchInvalidAddress(t *testing.T) {
	service, caller := setup(t)

	table, err := service.FetchClaimableAmounts(context.Background(), "not-an-address")
	require.Nil(t, table)
	require.True(t, errors.Is(err, stabilitypool.ErrInvalidAddress))
	require.Equal(t, 0, caller.totalCalls())
}

func TestFetchTransportErrorRetried(t *testing.T) {
	service, caller := setup(t)

	key := slot{pool: ultra(), index: 1}
	caller.errs[key] = []error{errors.New("connection refused")}

	table, err := service.FetchClaimableAmounts(context.Background(), testDepositor)
	require.Nil(t, table)
	require.Error(t, err)
	require.True(t, stabilitypool.IsTransport(err))
	require.False(t, stabilitypool.IsContractCall(err))

	var callErr *stabilitypool.CallError
	require.True(t, errors.As(err, &callErr))
	require.Equal(t, "ezETH", callErr.Collateral.Symbol)

	// 1 attempt + 2 retries
	require.Equal(t, 3, caller.callsTo(key))
}

func TestFetchTransientTransportError(t *testing.T) {
	service, caller := setup(t)

	key := slot{pool: mkusd(), index: 0}
	caller.errs[key] = []error{errors.New("i/o timeout"), nil}
	caller.gains[key] = ether(2)

	table, err := service.FetchClaimableAmounts(context.Background(), testDepositor)
	require.NoError(t, err)
	require.Equal(t, 2.0, table[0].Amount)
	require.Equal(t, 2, caller.callsTo(key))
}

func TestFetchContractErrorNotRetried(t *testing.T) {
	service, caller := setup(t)

	key := slot{pool: mkusd(), index: 4}
	caller.errs[key] = []error{revertError{}}

	table, err := service.FetchClaimableAmounts(context.Background(), testDepositor)
	require.Nil(t, table)
	require.True(t, stabilitypool.IsContractCall(err))
	require.Equal(t, 1, caller.callsTo(key))
}

func TestFetchMalformedReturn(t *testing.T) {
	service, caller := setup(t)

	caller.raw[slot{pool: ultra(), index: 0}] = []byte{}

	table, err := service.FetchClaimableAmounts(context.Background(), testDepositor)
	require.Nil(t, table)
	require.True(t, stabilitypool.IsContractCall(err))
}

func TestFetchCancelled(t *testing.T) {
	service, caller := setup(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	key := slot{pool: mkusd(), index: 1}
	caller.errs[key] = []error{context.Canceled}

	_, err := service.FetchClaimableAmounts(ctx, testDepositor)
	require.True(t, stabilitypool.IsTransport(err))
	require.Equal(t, 1, caller.callsTo(key))
}

func TestCollaterals(t *testing.T) {
	service, _ := setup(t)

	collaterals := service.Collaterals()
	require.Len(t, collaterals, 8)

	for i, c := range collaterals {
		require.Equal(t, symbols[i], c.Symbol)
	}

	require.Equal(t, "mkUSD", collaterals[4].Pool)
	require.Equal(t, uint8(4), collaterals[4].Index)
	require.Equal(t, "ULTRA", collaterals[5].Pool)
	require.Equal(t, uint8(0), collaterals[5].Index)
}

func TestToDecimal(t *testing.T) {
	require.Equal(t, 1.0, stabilitypool.ToDecimal(big.NewInt(1e18)))
	require.Equal(t, 0.0, stabilitypool.ToDecimal(big.NewInt(0)))
	require.Equal(t, 0.0, stabilitypool.ToDecimal(nil))
	require.Equal(t, 0.5, stabilitypool.ToDecimal(big.NewInt(5e17)))
	require.Equal(t, 1234.0, stabilitypool.ToDecimal(ether(1234)))
}

func TestLoadABI(t *testing.T) {
	_, err := stabilitypool.LoadABI("../abi/sp_abi.json")
	require.NoError(t, err)

	dir := t.TempDir()

	_, err = stabilitypool.LoadABI(filepath.Join(dir, "missing.json"))
	require.Error(t, err)

	garbage := filepath.Join(dir, "garbage.json")
	require.NoError(t, os.WriteFile(garbage, []byte("{not json"), 0o644))
	_, err = stabilitypool.LoadABI(garbage)
	require.Error(t, err)

	noMethod := filepath.Join(dir, "no_method.json")
	require.NoError(t, os.WriteFile(noMethod, []byte(`[{"inputs":[],"name":"foo","outputs":[],"stateMutability":"view","type":"function"}]`), 0o644))
	_, err = stabilitypool.LoadABI(noMethod)
	require.Error(t, err)

	wrongInput := filepath.Join(dir, "wrong_input.json")
	require.NoError(t, os.WriteFile(wrongInput, []byte(`[{"inputs":[{"name":"a","type":"address"},{"name":"i","type":"uint256"}],"name":"collateralGainsByDepositor","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"}]`), 0o644))
	_, err = stabilitypool.LoadABI(wrongInput)
	require.Error(t, err)
}

func TestFetchThrottledRetried(t *testing.T) {
	service, caller := setup(t)

	key := slot{pool: mkusd(), index: 2}
	caller.errs[key] = []error{codeError(-32005), codeError(-32090), nil}
	caller.gains[key] = ether(3)

	table, err := service.FetchClaimableAmounts(context.Background(), testDepositor)
	require.NoError(t, err)
	require.Equal(t, 3.0, table[2].Amount)
	require.Equal(t, 3, caller.callsTo(key))

	caller.errs[key] = []error{codeError(-32005)}

	_, err = service.FetchClaimableAmounts(context.Background(), testDepositor)
	require.True(t, stabilitypool.IsTransport(err))
	require.False(t, stabilitypool.IsContractCall(err))
}

func TestFetchOtherRPCErrorNotRetried(t *testing.T) {
	service, caller := setup(t)

	key := slot{pool: ultra(), index: 2}
	caller.errs[key] = []error{codeError(-32000)}

	_, err := service.FetchClaimableAmounts(context.Background(), testDepositor)
	require.True(t, stabilitypool.IsContractCall(err))
	require.Equal(t, 1, caller.callsTo(key))
}

func TestFetchReportsLowestIndexFailure(t *testing.T) {
	service, caller := setup(t)

	caller.errs[slot{pool: ultra(), index: 2}] = []error{revertError{}}
	caller.errs[slot{pool: mkusd(), index: 1}] = []error{revertError{}}
	caller.errs[slot{pool: ultra(), index: 0}] = []error{errors.New("connection reset")}

	table, err := service.FetchClaimableAmounts(context.Background(), testDepositor)
	require.Nil(t, table)

	var callErr *stabilitypool.CallError
	require.True(t, errors.As(err, &callErr))
	require.Equal(t, "rETH", callErr.Collateral.Symbol)
	require.Equal(t, stabilitypool.KindContractCall, callErr.Kind)
}

func TestFetchBadChecksum(t *testing.T) {
	service, caller := setup(t)

	_, err := service.FetchClaimableAmounts(context.Background(), "0x000000000000000000000000000000000000DEaD")
	require.True(t, errors.Is(err, stabilitypool.ErrInvalidAddress))
	require.Equal(t, 0, caller.totalCalls())
}
