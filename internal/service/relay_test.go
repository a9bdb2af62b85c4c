package service

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"multichain-funding/internal/blockchain/evm"
	"multichain-funding/internal/config"
	"multichain-funding/internal/domainerr"
	"multichain-funding/internal/models"
)

const (
	testRouter  = "0x2222222222222222222222222222222222222222"
	testTarget  = "0x3333333333333333333333333333333333333333"
	testRelayer = "0x4444444444444444444444444444444444444444"
	testSimCode = "0x6080604052"
)

type fakeChainRPC struct {
	mu           sync.Mutex
	balances     map[string]*big.Int
	gas          uint64
	estimateFn   func(ctx context.Context, msg ethereum.CallMsg, overrides evm.StateOverride) (uint64, error)
	simulateFn   func(ctx context.Context, msg ethereum.CallMsg) (*evm.SimulationResult, error)
	nonce        *big.Int
	estimates    []ethereum.CallMsg
	overrides    []evm.StateOverride
	simulated    []ethereum.CallMsg
	simOverrides []evm.StateOverride
}

func (f *fakeChainRPC) Balance(_ context.Context, _, token string, _ common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.balances[token]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (f *fakeChainRPC) EstimateGas(ctx context.Context, _ string, msg ethereum.CallMsg, overrides evm.StateOverride) (uint64, error) {
	f.mu.Lock()
	f.estimates = append(f.estimates, msg)
	f.overrides = append(f.overrides, overrides)
	f.mu.Unlock()
	if f.estimateFn != nil {
		return f.estimateFn(ctx, msg, overrides)
	}
	return f.gas, nil
}

func (f *fakeChainRPC) Simulate(ctx context.Context, _ string, msg ethereum.CallMsg, overrides evm.StateOverride) (*evm.SimulationResult, error) {
	f.mu.Lock()
	f.simulated = append(f.simulated, msg)
	f.simOverrides = append(f.simOverrides, overrides)
	f.mu.Unlock()
	if f.simulateFn != nil {
		return f.simulateFn(ctx, msg)
	}
	return &evm.SimulationResult{}, nil
}

func (f *fakeChainRPC) RouterNonce(context.Context, string, common.Address, common.Address) (*big.Int, error) {
	return new(big.Int).Set(f.nonce), nil
}

type fakeRelay struct {
	mu        sync.Mutex
	fee       *big.Int
	gas       []uint64
	payloads  [][]byte
	receipt   models.RelayReceipt
	err       error
	statuses  []models.RelayReceipt // answered in order, the last one repeats
	lookups   int
	statusErr error
}

func (f *fakeRelay) EstimateSponsorFee(_ context.Context, _, _ string, gas uint64) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gas = append(f.gas, gas)
	return new(big.Int).Set(f.fee), nil
}

func (f *fakeRelay) Submit(_ context.Context, _, _ string, payload []byte, _ uint64) (models.RelayReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payloads = append(f.payloads, payload)
	return f.receipt, f.err
}

func (f *fakeRelay) TaskStatus(_ context.Context, taskID string) (models.RelayReceipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if f.statusErr != nil {
		return models.RelayReceipt{}, f.statusErr
	}
	if len(f.statuses) == 0 {
		return models.RelayReceipt{TaskID: taskID}, nil
	}
	next := f.statuses[0]
	if len(f.statuses) > 1 {
		f.statuses = f.statuses[1:]
	}
	return next, nil
}

type relayFixture struct {
	svc     *RelayService
	chain   *fakeChainRPC
	relay   *fakeRelay
	ledger  *fakeLedger
	history *HistoryService
	store   *OptimisticStore
	clock   time.Time
}

func newRelayFixture(t *testing.T) *relayFixture {
	t.Helper()

	router, err := evm.NewRouter()
	require.NoError(t, err)

	chainCfgs := map[string]config.ChainConfig{
		"42161": {
			ChainID:        "42161",
			Type:           models.ChainTypeEVM,
			NativeSymbol:   "ETH",
			NativeDecimals: 18,
			RelayRouter:    testRouter,
			RelayFeeToken:  models.NativeTokenAddress,
			RelaySender:    testRelayer,
			RelaySimCode:   testSimCode,
			Tokens:         []config.TokenConfig{{Address: usdcArb, Symbol: "USDC", Decimals: 6}},
		},
	}
	relayCfg := config.RelayConfig{
		NominalFee:        "1000",
		Validity:          5 * time.Minute,
		GasBufferPct:      20,
		SwapSlippageBps:   30,
		SimulationTimeout: time.Second,
		MaxRebuilds:       1,
		HashWait:          100 * time.Millisecond,
		SwapPaths:         []config.SwapPath{{ChainID: "42161", Tokens: []string{models.NativeTokenAddress, usdcArb}}},
	}

	chain := &fakeChainRPC{
		balances: map[string]*big.Int{usdcArb: big.NewInt(100_000_000)},
		gas:      100_000,
		nonce:    big.NewInt(7),
	}
	relay := &fakeRelay{
		fee:     big.NewInt(1_000_000_000_000_000), // 0.001 ETH
		receipt: models.RelayReceipt{TaskID: "task-1", TxHash: "0xbeef"},
	}
	ledger := &fakeLedger{}
	history, store := newTestHistory(ledger)

	f := &relayFixture{chain: chain, relay: relay, ledger: ledger, history: history, store: store, clock: baseTime}
	f.svc = NewRelayService(chain, relay, newTestPrices(testOracle()), router, chainCfgs, relayCfg, history, nil, zap.NewNop())
	f.svc.now = func() time.Time { return f.clock }
	return f
}

func testIntent() models.TransferIntent {
	return models.TransferIntent{
		Account:        testAccount,
		ChainID:        "42161",
		Operation:      models.OperationDeposit,
		Target:         testTarget,
		CallData:       []byte{0xde, 0xad, 0xbe, 0xef},
		TransferToken:  usdcArb,
		TransferAmount: big.NewInt(50_000_000),
		PaymentToken:   usdcArb,
		ToChainID:      "1",
	}
}

func TestRelayService_BuildAndSimulate(t *testing.T) {
	f := newRelayFixture(t)

	built, err := f.svc.BuildAndSimulate(context.Background(), testIntent())
	require.NoError(t, err)

	// 0.001 ETH at $3000 is 3 USDC, plus 30 bps swap slippage
	assert.Equal(t, big.NewInt(3_009_000), built.PaymentAmount)
	assert.Equal(t, built.PaymentAmount, built.Params.FeeAmount)
	assert.Equal(t, usdcArb, built.Params.FeeToken)
	assert.Equal(t, big.NewInt(7), built.Params.Nonce)
	assert.Equal(t, baseTime.Add(5*time.Minute), built.Params.Deadline)
	assert.Len(t, built.Digest, 32)
	assert.NotEmpty(t, built.Params.Payload)
	assert.Equal(t, common.HexToAddress(testRouter).Hex(), built.Router)

	require.Len(t, f.relay.gas, 1)
	assert.Equal(t, built.GasLimit, f.relay.gas[0])
	assert.Equal(t, uint64(120_000), built.GasLimit, "router call estimate plus the 20% buffer")
}

func TestRelayService_EstimatesPlaceholderSignedRouterCall(t *testing.T) {
	f := newRelayFixture(t)

	_, err := f.svc.BuildAndSimulate(context.Background(), testIntent())
	require.NoError(t, err)

	rt, err := f.svc.resolve(testIntent())
	require.NoError(t, err)
	_, want, err := f.svc.pack(rt, testIntent(), big.NewInt(1000), big.NewInt(7), baseTime.Add(5*time.Minute))
	require.NoError(t, err)

	require.Len(t, f.chain.estimates, 1)
	msg := f.chain.estimates[0]
	require.NotNil(t, msg.To)
	assert.Equal(t, common.HexToAddress(testRouter), *msg.To)
	assert.Equal(t, want, msg.Data, "nominal fee, live nonce and placeholder signature")

	overrides := f.chain.overrides[0]
	account, ok := overrides[common.HexToAddress(testAccount)]
	require.True(t, ok, "gas estimate runs with an overridden account balance")
	assert.Equal(t, 0, account.Balance.ToInt().Cmp(sentinelBalance))
	assert.Equal(t, common.FromHex(testSimCode), []byte(overrides[common.HexToAddress(testRouter)].Code))
}

func TestRelayService_SimulatesTheBuiltPayload(t *testing.T) {
	f := newRelayFixture(t)

	built, err := f.svc.BuildAndSimulate(context.Background(), testIntent())
	require.NoError(t, err)

	require.Len(t, f.chain.simulated, 1)
	msg := f.chain.simulated[0]
	require.NotNil(t, msg.To)
	assert.Equal(t, common.HexToAddress(testRouter), *msg.To)
	assert.Equal(t, built.Params.Payload, msg.Data)
	assert.Equal(t, common.HexToAddress(testRelayer), msg.From)
	assert.Equal(t, built.GasLimit, msg.Gas)

	overrides := f.chain.simOverrides[0]
	router, ok := overrides[common.HexToAddress(testRouter)]
	require.True(t, ok, "router signature check is patched out")
	assert.Equal(t, common.FromHex(testSimCode), []byte(router.Code))
	assert.Nil(t, router.Balance)
	assert.Empty(t, router.StateDiff)
	_, touched := overrides[common.HexToAddress(testAccount)]
	assert.False(t, touched, "account state is simulated as it is on chain")
}

func TestRelayService_RouterRevertIsDecoded(t *testing.T) {
	invalidNonce := revertSelector(t, "InvalidNonce(uint256,uint256)", []string{"uint256", "uint256"}, big.NewInt(8), big.NewInt(7))
	feeTooLow := revertSelector(t, "FeeTooLow(uint256,uint256)", []string{"uint256", "uint256"}, big.NewInt(4_000_000), big.NewInt(3_009_000))

	tests := []struct {
		name     string
		data     []byte
		wantName string
	}{
		{name: "nonce moved", data: invalidNonce, wantName: "InvalidNonce"},
		{name: "fee below router minimum", data: feeTooLow, wantName: "FeeTooLow"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRelayFixture(t)
			f.chain.simulateFn = func(_ context.Context, msg ethereum.CallMsg) (*evm.SimulationResult, error) {
				if msg.To == nil || *msg.To != common.HexToAddress(testRouter) {
					return &evm.SimulationResult{}, nil
				}
				return &evm.SimulationResult{Reverted: true, RevertData: tt.data, Message: "execution reverted"}, nil
			}

			_, err := f.svc.BuildAndSimulate(context.Background(), testIntent())
			var simErr *domainerr.SimulationFailedError
			require.ErrorAs(t, err, &simErr)
			assert.Equal(t, tt.wantName, simErr.Name)
			assert.Len(t, simErr.Args, 2)
		})
	}
}

func TestRelayService_MissingSimulationCode(t *testing.T) {
	f := newRelayFixture(t)
	chainCfg := f.svc.chainCfgs["42161"]
	chainCfg.RelaySimCode = ""
	f.svc.chainCfgs["42161"] = chainCfg

	_, err := f.svc.BuildAndSimulate(context.Background(), testIntent())
	assert.ErrorContains(t, err, "simulation code")
	assert.Empty(t, f.chain.simulated)
}

func revertSelector(t *testing.T, signature string, types []string, values ...interface{}) []byte {
	t.Helper()
	args := make(abi.Arguments, 0, len(types))
	for _, typ := range types {
		parsed, err := abi.NewType(typ, "", nil)
		require.NoError(t, err)
		args = append(args, abi.Argument{Type: parsed})
	}
	packed, err := args.Pack(values...)
	require.NoError(t, err)
	return append(crypto.Keccak256([]byte(signature))[:4], packed...)
}

func TestRelayService_InsufficientBalance(t *testing.T) {
	tests := []struct {
		name     string
		balance  int64
		wantKind domainerr.BalanceKind
	}{
		{name: "cannot cover the transfer", balance: 10_000_000, wantKind: domainerr.BalanceTransfer},
		{name: "covers transfer but not the fee", balance: 51_000_000, wantKind: domainerr.BalanceGas},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRelayFixture(t)
			f.chain.balances[usdcArb] = big.NewInt(tt.balance)

			_, err := f.svc.BuildAndSimulate(context.Background(), testIntent())
			var balErr *domainerr.InsufficientBalanceError
			require.ErrorAs(t, err, &balErr)
			assert.Equal(t, tt.wantKind, balErr.Kind)
			assert.ErrorIs(t, err, domainerr.ErrInsufficientBalance)
		})
	}
}

func TestRelayService_RevertIsDecoded(t *testing.T) {
	f := newRelayFixture(t)

	stringType, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	encoded, err := abi.Arguments{{Type: stringType}}.Pack("transfer amount exceeds allowance")
	require.NoError(t, err)
	revert := append(crypto.Keccak256([]byte("Error(string)"))[:4], encoded...)

	f.chain.simulateFn = func(context.Context, ethereum.CallMsg) (*evm.SimulationResult, error) {
		return &evm.SimulationResult{Reverted: true, RevertData: revert, Message: "execution reverted"}, nil
	}

	_, err = f.svc.BuildAndSimulate(context.Background(), testIntent())
	var simErr *domainerr.SimulationFailedError
	require.ErrorAs(t, err, &simErr)
	assert.Equal(t, "Error", simErr.Name)
	assert.Equal(t, "transfer amount exceeds allowance", simErr.Reason)
}

func TestRelayService_UndecodableRevert(t *testing.T) {
	f := newRelayFixture(t)
	f.chain.simulateFn = func(context.Context, ethereum.CallMsg) (*evm.SimulationResult, error) {
		return &evm.SimulationResult{Reverted: true, RevertData: []byte{1, 2}, Message: "execution reverted"}, nil
	}

	_, err := f.svc.BuildAndSimulate(context.Background(), testIntent())
	require.ErrorIs(t, err, domainerr.ErrSimulationFailed)
	assert.Equal(t, "simulation failed", err.Error())
}

func TestRelayService_SimulationTimeout(t *testing.T) {
	f := newRelayFixture(t)
	f.svc.cfg.SimulationTimeout = 20 * time.Millisecond
	f.chain.simulateFn = func(ctx context.Context, _ ethereum.CallMsg) (*evm.SimulationResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	_, err := f.svc.BuildAndSimulate(context.Background(), testIntent())
	require.ErrorIs(t, err, domainerr.ErrRemoteUnavailable)
	assert.True(t, domainerr.IsRetryable(err))

	var remote *domainerr.RemoteUnavailableError
	require.ErrorAs(t, err, &remote)
	assert.True(t, remote.Timeout)
}

func TestRelayService_EstimateGasFailure(t *testing.T) {
	f := newRelayFixture(t)
	f.chain.estimateFn = func(context.Context, ethereum.CallMsg, evm.StateOverride) (uint64, error) {
		return 0, errors.New("connection reset")
	}

	_, err := f.svc.BuildAndSimulate(context.Background(), testIntent())
	assert.ErrorIs(t, err, domainerr.ErrRemoteUnavailable)
}

func TestRelayService_UnknownChain(t *testing.T) {
	f := newRelayFixture(t)
	intent := testIntent()
	intent.ChainID = "999"

	_, err := f.svc.BuildAndSimulate(context.Background(), intent)
	assert.Error(t, err)
}

func TestRelayService_Refresh(t *testing.T) {
	f := newRelayFixture(t)

	built, err := f.svc.BuildAndSimulate(context.Background(), testIntent())
	require.NoError(t, err)

	same, err := f.svc.Refresh(context.Background(), *built)
	require.NoError(t, err)
	assert.Equal(t, built.Params.Deadline, same.Params.Deadline)
	assert.Len(t, f.relay.gas, 1)

	f.clock = f.clock.Add(6 * time.Minute)
	rebuilt, err := f.svc.Refresh(context.Background(), *built)
	require.NoError(t, err)
	assert.True(t, rebuilt.Params.Deadline.After(built.Params.Deadline))
	assert.Len(t, f.relay.gas, 2, "expired relay is rebuilt from the base pass")
}

func TestRelayService_SubmitStale(t *testing.T) {
	f := newRelayFixture(t)

	built, err := f.svc.BuildAndSimulate(context.Background(), testIntent())
	require.NoError(t, err)

	f.clock = f.clock.Add(5 * time.Minute)
	_, err = f.svc.Submit(context.Background(), models.SignedRelay{Built: *built, Signature: make([]byte, 65)})

	var stale *domainerr.StaleQuoteError
	require.ErrorAs(t, err, &stale)
	assert.Equal(t, built.Params.Deadline, stale.Deadline)
	assert.Empty(t, f.relay.payloads)
}

func TestRelayService_SubmitRecordsOptimisticTransfer(t *testing.T) {
	f := newRelayFixture(t)

	built, err := f.svc.BuildAndSimulate(context.Background(), testIntent())
	require.NoError(t, err)

	sig := make([]byte, 65)
	sig[0] = 0xaa
	res, err := f.svc.Submit(context.Background(), models.SignedRelay{Built: *built, Signature: sig})
	require.NoError(t, err)

	assert.Equal(t, "task-1", res.Receipt.TaskID)
	assert.Equal(t, "task-1", res.Transfer.ID)
	assert.Equal(t, models.StepSubmitted, res.Transfer.Step)
	assert.Equal(t, "0xbeef", res.Transfer.TxHashes.Submitted)
	assert.Zero(t, f.relay.lookups, "hash from the receipt needs no lookup")

	require.Len(t, f.relay.payloads, 1)
	assert.NotEqual(t, built.Params.Payload, f.relay.payloads[0], "submitted payload carries the real signature")

	view, err := f.history.Transfers(context.Background(), testAccount)
	require.NoError(t, err)
	assert.Equal(t, []string{res.Transfer.ID}, ids(view))
	assert.Equal(t, 1, f.store.Len())
}

func TestRelayService_SubmitResolvesMissingHash(t *testing.T) {
	f := newRelayFixture(t)
	f.relay.receipt = models.RelayReceipt{TaskID: "task-1"}
	f.relay.statuses = []models.RelayReceipt{
		{TaskID: "task-1"},
		{TaskID: "task-1", TxHash: "0xfeed"},
	}

	built, err := f.svc.BuildAndSimulate(context.Background(), testIntent())
	require.NoError(t, err)

	res, err := f.svc.Submit(context.Background(), models.SignedRelay{Built: *built, Signature: make([]byte, 65)})
	require.NoError(t, err)

	assert.Equal(t, "0xfeed", res.Receipt.TxHash)
	assert.Equal(t, "0xfeed", res.Transfer.TxHashes.Submitted)
	assert.GreaterOrEqual(t, f.relay.lookups, 2)

	// the ledger knows the transfer by hash under its own id
	f.ledger.set([]models.FundingTransfer{{
		ID: "ledger-9", Account: testAccount, Step: models.StepSent,
		TxHashes: models.StepTxHashes{Submitted: "0xFEED", Sent: "0xabc"},
	}}, nil)
	view, err := f.history.Refresh(context.Background(), testAccount)
	require.NoError(t, err)
	assert.Equal(t, []string{"ledger-9"}, ids(view))
	assert.Zero(t, f.store.Len())
}

func TestRelayService_SubmitWithoutHashCorrelatesOnTaskID(t *testing.T) {
	f := newRelayFixture(t)
	f.relay.receipt = models.RelayReceipt{TaskID: "task-1"}

	built, err := f.svc.BuildAndSimulate(context.Background(), testIntent())
	require.NoError(t, err)

	res, err := f.svc.Submit(context.Background(), models.SignedRelay{Built: *built, Signature: make([]byte, 65)})
	require.NoError(t, err)

	assert.Equal(t, "task-1", res.Transfer.ID)
	assert.Empty(t, res.Transfer.TxHashes.Submitted)
	assert.Positive(t, f.relay.lookups)

	f.ledger.set([]models.FundingTransfer{{
		ID: "task-1", Account: testAccount, Step: models.StepSent,
		TxHashes: models.StepTxHashes{Sent: "0xabc"},
	}}, nil)
	view, err := f.history.Refresh(context.Background(), testAccount)
	require.NoError(t, err)

	require.Len(t, view, 1, "no duplicate next to the authoritative record")
	assert.Equal(t, models.StepSent, view[0].Step)
	assert.Zero(t, f.store.Len())
}

func TestRelayService_SubmitStatusLookupFails(t *testing.T) {
	f := newRelayFixture(t)
	f.relay.receipt = models.RelayReceipt{TaskID: "task-1"}
	f.relay.statusErr = errors.New("task not found")

	built, err := f.svc.BuildAndSimulate(context.Background(), testIntent())
	require.NoError(t, err)

	res, err := f.svc.Submit(context.Background(), models.SignedRelay{Built: *built, Signature: make([]byte, 65)})
	require.NoError(t, err, "a broadcast task is recorded even when its hash is unknown")
	assert.Equal(t, "task-1", res.Transfer.ID)
	assert.Equal(t, 1, f.relay.lookups, "client errors are not retried")
}

func TestRelayService_SubmitRejectsBadSignature(t *testing.T) {
	f := newRelayFixture(t)

	built, err := f.svc.BuildAndSimulate(context.Background(), testIntent())
	require.NoError(t, err)

	_, err = f.svc.Submit(context.Background(), models.SignedRelay{Built: *built, Signature: []byte{1}})
	assert.Error(t, err)
}

func TestRelayService_BuildLatestSupersedes(t *testing.T) {
	f := newRelayFixture(t)

	started := make(chan struct{})
	var once sync.Once
	f.chain.estimateFn = func(ctx context.Context, _ ethereum.CallMsg, _ evm.StateOverride) (uint64, error) {
		first := false
		once.Do(func() { first = true })
		if first {
			close(started)
			<-ctx.Done()
			return 0, ctx.Err()
		}
		return 100_000, nil
	}

	errCh := make(chan error, 1)
	go func() {
		_, err := f.svc.BuildLatest(context.Background(), testAccount, testIntent())
		errCh <- err
	}()
	<-started

	built, err := f.svc.BuildLatest(context.Background(), testAccount, testIntent())
	require.NoError(t, err)
	assert.NotNil(t, built)

	assert.ErrorIs(t, <-errCh, domainerr.ErrSuperseded)
}

func TestCeilDiv(t *testing.T) {
	assert.Equal(t, int64(4), ceilDiv(big.NewInt(10), big.NewInt(3)).Int64())
	assert.Equal(t, int64(5), ceilDiv(big.NewInt(10), big.NewInt(2)).Int64())
}
