package service

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"multichain-funding/internal/blockchain/evm"
	"multichain-funding/internal/config"
	"multichain-funding/internal/domainerr"
	"multichain-funding/internal/metrics"
	"multichain-funding/internal/models"
)

// sentinelBalance is the native balance granted to the account while estimating gas
var sentinelBalance = new(big.Int).Lsh(big.NewInt(1), 128)

// OptimisticRecorder accepts locally observed transfers
type OptimisticRecorder interface {
	RecordOptimistic(t models.FundingTransfer) (models.FundingTransfer, error)
}

// SubmitResult is the outcome of relaying a signed payload
type SubmitResult struct {
	Receipt  models.RelayReceipt    `json:"receipt"`
	Transfer models.FundingTransfer `json:"transfer"`
}

// RelayService builds, simulates and submits sponsored calls
type RelayService struct {
	chains     ChainRPC
	relay      Relay
	prices     *PriceService
	router     *evm.Router
	chainCfgs  map[string]config.ChainConfig
	cfg        config.RelayConfig
	recorder   OptimisticRecorder
	superseder *Superseder
	metrics    *metrics.Collector
	logger     *zap.Logger
	now        func() time.Time
}

// NewRelayService creates a new relay service
func NewRelayService(
	chains ChainRPC,
	relay Relay,
	prices *PriceService,
	router *evm.Router,
	chainCfgs map[string]config.ChainConfig,
	cfg config.RelayConfig,
	recorder OptimisticRecorder,
	collector *metrics.Collector,
	logger *zap.Logger,
) *RelayService {
	return &RelayService{
		chains:     chains,
		relay:      relay,
		prices:     prices,
		router:     router,
		chainCfgs:  chainCfgs,
		cfg:        cfg,
		recorder:   recorder,
		superseder: NewSuperseder(),
		metrics:    collector,
		logger:     logger.Named("relay"),
		now:        time.Now,
	}
}

// relayTarget is the resolved chain context of an intent
type relayTarget struct {
	chainCfg config.ChainConfig
	chainID  *big.Int
	router   common.Address
	sender   common.Address // relayer, msg.sender of the router call
	simCode  []byte
	account  common.Address
	target   common.Address
	feeToken string // what the relay charges in
	payment  string // what the user pays with
}

// BuildAndSimulate produces a sponsored call for intent that simulated successfully
// against live state and is ready for the user's signature
func (s *RelayService) BuildAndSimulate(ctx context.Context, intent models.TransferIntent) (*models.BuiltRelay, error) {
	start := time.Now()
	built, err := s.build(ctx, intent)
	if s.metrics != nil {
		s.metrics.RecordBuild(time.Since(start), err)
	}
	return built, err
}

// BuildLatest is BuildAndSimulate with last-request-wins semantics per key
func (s *RelayService) BuildLatest(ctx context.Context, key string, intent models.TransferIntent) (*models.BuiltRelay, error) {
	return Latest(s.superseder, ctx, "build:"+key, func(ctx context.Context) (*models.BuiltRelay, error) {
		return s.BuildAndSimulate(ctx, intent)
	})
}

// Refresh returns built unchanged while it is valid and rebuilds it from scratch otherwise
func (s *RelayService) Refresh(ctx context.Context, built models.BuiltRelay) (*models.BuiltRelay, error) {
	if !built.Params.Expired(s.now()) {
		return &built, nil
	}
	s.logger.Debug("Rebuilding expired relay",
		zap.String("account", built.Intent.Account),
		zap.Time("deadline", built.Params.Deadline))
	return s.BuildAndSimulate(ctx, built.Intent)
}

// Submit forwards a signed payload to the relay and records it as a submitted transfer
func (s *RelayService) Submit(ctx context.Context, signed models.SignedRelay) (*SubmitResult, error) {
	built := signed.Built
	if built.Params.Expired(s.now()) {
		return nil, &domainerr.StaleQuoteError{Deadline: built.Params.Deadline}
	}
	if len(signed.Signature) != len(evm.PlaceholderSignature) {
		return nil, fmt.Errorf("signature must be %d bytes, got %d", len(evm.PlaceholderSignature), len(signed.Signature))
	}

	rt, err := s.resolve(built.Intent)
	if err != nil {
		return nil, err
	}

	call := s.sponsoredCall(rt, built.Intent, built.Params.FeeAmount, built.Params.Nonce, built.Params.Deadline)
	payload, err := s.router.PackExecute(call, signed.Signature)
	if err != nil {
		return nil, err
	}

	receipt, err := s.relay.Submit(ctx, built.Intent.ChainID, rt.router.Hex(), payload, built.GasLimit)
	if err != nil {
		return nil, domainerr.Remote("relay", err)
	}
	if receipt.TxHash == "" {
		receipt = s.awaitTxHash(ctx, receipt)
	}

	operation := built.Intent.Operation
	if operation == "" {
		operation = models.OperationDeposit
	}
	// The ledger records relayed transfers under their relay task id
	transfer, err := s.recorder.RecordOptimistic(models.FundingTransfer{
		ID:                receipt.TaskID,
		Operation:         operation,
		Step:              models.StepSubmitted,
		Account:           built.Intent.Account,
		SourceChainID:     built.Intent.ChainID,
		SettlementChainID: built.Intent.ToChainID,
		Token:             models.NormalizeTokenKey(built.Intent.TransferToken),
		SentAmount:        built.Intent.TransferAmount,
		TxHashes:          models.StepTxHashes{Submitted: receipt.TxHash},
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("Relay submitted",
		zap.String("chain_id", built.Intent.ChainID),
		zap.String("account", built.Intent.Account),
		zap.String("task_id", receipt.TaskID),
		zap.String("tx_hash", receipt.TxHash),
		zap.String("transfer_id", transfer.ID))

	return &SubmitResult{Receipt: receipt, Transfer: transfer}, nil
}

// awaitTxHash polls the relay until it reports the broadcast hash of receipt's task. A
// receipt that is still unresolved after the configured wait is returned unchanged.
func (s *RelayService) awaitTxHash(ctx context.Context, receipt models.RelayReceipt) models.RelayReceipt {
	wait := s.cfg.HashWait
	if wait <= 0 {
		return receipt
	}
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = wait / 20
	policy.MaxInterval = wait / 4

	operation := func() (models.RelayReceipt, error) {
		status, err := s.relay.TaskStatus(ctx, receipt.TaskID)
		if err != nil {
			if !domainerr.IsRetryable(err) {
				return models.RelayReceipt{}, backoff.Permanent(err)
			}
			return models.RelayReceipt{}, err
		}
		if status.TxHash == "" {
			return models.RelayReceipt{}, errTaskPending
		}
		return status, nil
	}

	status, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(policy),
		backoff.WithMaxElapsedTime(wait))
	if err != nil {
		s.logger.Warn("Relay task has no tx hash yet, recording by task id",
			zap.String("task_id", receipt.TaskID),
			zap.Error(err))
		return receipt
	}
	receipt.TxHash = status.TxHash
	return receipt
}

var errTaskPending = errors.New("relay task not broadcast yet")

func (s *RelayService) build(ctx context.Context, intent models.TransferIntent) (*models.BuiltRelay, error) {
	rt, err := s.resolve(intent)
	if err != nil {
		return nil, err
	}

	timeout := s.cfg.SimulationTimeout
	if timeout <= 0 {
		timeout = config.DefaultFetchTimeout
	}

	attempts := s.cfg.MaxRebuilds + 1
	if attempts < 1 {
		attempts = 1
	}

	var deadline time.Time
	for i := 0; i < attempts; i++ {
		opCtx, cancel := context.WithTimeout(ctx, timeout)
		built, err := s.buildOnce(opCtx, rt, intent)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("relay build aborted: %w", ctx.Err())
			}
			return nil, err
		}
		if !built.Params.Expired(s.now()) {
			return built, nil
		}
		deadline = built.Params.Deadline
		s.logger.Warn("Relay expired while building, rebuilding", zap.Int("attempt", i+1))
	}
	return nil, &domainerr.StaleQuoteError{Deadline: deadline}
}

func (s *RelayService) buildOnce(ctx context.Context, rt relayTarget, intent models.TransferIntent) (*models.BuiltRelay, error) {
	nonce, err := s.chains.RouterNonce(ctx, intent.ChainID, rt.router, rt.account)
	if err != nil {
		return nil, s.rpcFailure("failed to read router nonce", err)
	}

	// Base pass: the placeholder-signed router call at the nominal fee
	nominal, ok := new(big.Int).SetString(s.cfg.NominalFee, 10)
	if !ok {
		nominal = new(big.Int)
	}
	_, estimatePayload, err := s.pack(rt, intent, nominal, nonce, s.now().Add(s.validity()))
	if err != nil {
		return nil, err
	}

	estimateOverrides := s.simulationOverrides(rt)
	estimateOverrides[rt.account] = evm.AccountOverride{Balance: (*hexutil.Big)(sentinelBalance)}
	gas, err := s.chains.EstimateGas(ctx, intent.ChainID, s.routerMsg(rt, intent, estimatePayload, 0), estimateOverrides)
	if err != nil {
		return nil, s.rpcFailure("failed to estimate gas", err)
	}
	gasLimit := gas * (100 + s.cfg.GasBufferPct) / 100

	sponsorFee, err := s.relay.EstimateSponsorFee(ctx, intent.ChainID, rt.feeToken, gasLimit)
	if err != nil {
		return nil, domainerr.Remote("relay", err)
	}

	// Real pass: the exact payload handed back for signing, against live account state
	payment, err := s.convert(ctx, rt, rt.feeToken, rt.payment, sponsorFee)
	if err != nil {
		return nil, err
	}
	deadline := s.now().Add(s.validity()).Truncate(time.Second)

	if err := s.checkBalances(ctx, rt, intent, payment); err != nil {
		return nil, err
	}

	call, payload, err := s.pack(rt, intent, payment, nonce, deadline)
	if err != nil {
		return nil, err
	}

	sim, err := s.chains.Simulate(ctx, intent.ChainID, s.routerMsg(rt, intent, payload, gasLimit), s.simulationOverrides(rt))
	if err != nil {
		return nil, s.rpcFailure("failed to simulate", err)
	}
	if sim.Reverted {
		failure := s.router.DecodeRevert(sim.RevertData)
		if failure.Name == "" {
			failure.Reason = sim.Message
		}
		return nil, failure
	}

	digest, err := s.router.Digest(rt.chainID, rt.router, call)
	if err != nil {
		return nil, err
	}

	s.logger.Debug("Relay built",
		zap.String("chain_id", intent.ChainID),
		zap.String("account", intent.Account),
		zap.Uint64("gas_limit", gasLimit),
		zap.String("sponsor_fee", sponsorFee.String()),
		zap.String("payment_amount", payment.String()),
		zap.String("nonce", nonce.String()))

	return &models.BuiltRelay{
		Intent: intent,
		Params: models.RelayParams{
			FeeToken:  rt.payment,
			FeeAmount: payment,
			Payload:   payload,
			Nonce:     nonce,
			Deadline:  deadline,
		},
		Router:        rt.router.Hex(),
		GasLimit:      gasLimit,
		PaymentAmount: payment,
		Digest:        digest,
		BuiltAt:       s.now(),
	}, nil
}

// rpcFailure maps a chain RPC error: reverts become simulation failures, everything else
// is an unavailable remote
func (s *RelayService) rpcFailure(op string, err error) error {
	if data, ok := evm.RevertData(err); ok {
		return s.router.DecodeRevert(data)
	}
	if strings.Contains(err.Error(), "execution reverted") {
		return &domainerr.SimulationFailedError{Reason: err.Error()}
	}
	return domainerr.Remote("chain-rpc", fmt.Errorf("%s: %w", op, err))
}

// pack builds the sponsored call and its placeholder-signed router calldata
func (s *RelayService) pack(rt relayTarget, intent models.TransferIntent, fee, nonce *big.Int, deadline time.Time) (evm.SponsoredCall, []byte, error) {
	call := s.sponsoredCall(rt, intent, fee, nonce, deadline)
	payload, err := s.router.PackExecute(call, evm.PlaceholderSignature)
	if err != nil {
		return evm.SponsoredCall{}, nil, err
	}
	return call, payload, nil
}

// routerMsg is the transaction the relayer would send to the router
func (s *RelayService) routerMsg(rt relayTarget, intent models.TransferIntent, data []byte, gas uint64) ethereum.CallMsg {
	return ethereum.CallMsg{From: rt.sender, To: &rt.router, Gas: gas, Data: data, Value: intent.Value}
}

// simulationOverrides swaps in the router build without signature checks. The relayer
// is funded for any forwarded value; the account itself is left as it is on chain.
func (s *RelayService) simulationOverrides(rt relayTarget) evm.StateOverride {
	overrides := evm.SimulationOverride(rt.router, rt.simCode)
	if rt.sender != rt.account {
		overrides[rt.sender] = evm.AccountOverride{Balance: (*hexutil.Big)(sentinelBalance)}
	}
	return overrides
}

func (s *RelayService) checkBalances(ctx context.Context, rt relayTarget, intent models.TransferIntent, payment *big.Int) error {
	transferAmount := intent.TransferAmount
	if transferAmount == nil {
		transferAmount = new(big.Int)
	}
	transferToken := models.NormalizeTokenKey(intent.TransferToken)

	required := new(big.Int).Set(payment)
	if transferToken == rt.payment {
		required.Add(required, transferAmount)
	}

	var transferBal, paymentBal *big.Int
	g, gctx := errgroup.WithContext(ctx)
	if transferToken != "" && transferAmount.Sign() > 0 && transferToken != rt.payment {
		g.Go(func() error {
			var err error
			transferBal, err = s.chains.Balance(gctx, intent.ChainID, transferToken, rt.account)
			return err
		})
	}
	g.Go(func() error {
		var err error
		paymentBal, err = s.chains.Balance(gctx, intent.ChainID, rt.payment, rt.account)
		return err
	})
	if err := g.Wait(); err != nil {
		return domainerr.Remote("chain-rpc", fmt.Errorf("failed to read balances: %w", err))
	}

	if transferBal != nil && transferBal.Cmp(transferAmount) < 0 {
		return &domainerr.InsufficientBalanceError{
			Kind: domainerr.BalanceTransfer, Token: transferToken, Required: transferAmount, Available: transferBal,
		}
	}
	if transferToken == rt.payment && paymentBal.Cmp(transferAmount) < 0 {
		return &domainerr.InsufficientBalanceError{
			Kind: domainerr.BalanceTransfer, Token: transferToken, Required: transferAmount, Available: paymentBal,
		}
	}
	if paymentBal.Cmp(required) < 0 {
		return &domainerr.InsufficientBalanceError{
			Kind: domainerr.BalanceGas, Token: rt.payment, Required: required, Available: paymentBal,
		}
	}
	return nil
}

// convert prices amount of from in units of to along the configured swap path, rounding
// up and adding the swap slippage on every hop
func (s *RelayService) convert(ctx context.Context, rt relayTarget, from, to string, amount *big.Int) (*big.Int, error) {
	if from == to {
		return new(big.Int).Set(amount), nil
	}
	path, err := s.swapPath(rt.chainCfg.ChainID, from, to)
	if err != nil {
		return nil, err
	}

	prices, err := s.prices.Prices(ctx, rt.chainCfg.ChainID)
	if err != nil {
		return nil, err
	}

	out := new(big.Int).Set(amount)
	for i := 0; i+1 < len(path); i++ {
		a, b := path[i], path[i+1]
		decA, err := s.decimals(rt.chainCfg, a)
		if err != nil {
			return nil, err
		}
		decB, err := s.decimals(rt.chainCfg, b)
		if err != nil {
			return nil, err
		}
		midA, err := midOf(prices, rt.chainCfg.ChainID, a)
		if err != nil {
			return nil, err
		}
		midB, err := midOf(prices, rt.chainCfg.ChainID, b)
		if err != nil {
			return nil, err
		}
		if midB.Sign() == 0 {
			return nil, fmt.Errorf("zero price for token %s on chain %s", b, rt.chainCfg.ChainID)
		}

		num := new(big.Int).Mul(out, midA)
		num.Mul(num, pow10(int64(decB)))
		den := new(big.Int).Mul(midB, pow10(int64(decA)))
		out = ceilDiv(num, den)
		out = ceilDiv(out.Mul(out, big.NewInt(int64(bpsDenominator+s.cfg.SwapSlippageBps))), big.NewInt(bpsDenominator))
	}
	return out, nil
}

func (s *RelayService) swapPath(chainID, from, to string) ([]string, error) {
	for _, p := range s.cfg.SwapPaths {
		if p.ChainID != chainID || len(p.Tokens) < 2 {
			continue
		}
		first := models.NormalizeTokenKey(p.Tokens[0])
		last := models.NormalizeTokenKey(p.Tokens[len(p.Tokens)-1])
		if first != from || last != to {
			continue
		}
		path := make([]string, len(p.Tokens))
		for i, t := range p.Tokens {
			path[i] = models.NormalizeTokenKey(t)
		}
		return path, nil
	}
	return nil, fmt.Errorf("no swap path from %s to %s on chain %s", from, to, chainID)
}

func (s *RelayService) decimals(chainCfg config.ChainConfig, token string) (uint8, error) {
	t, ok := chainCfg.TokenByAddress(token)
	if !ok {
		return 0, fmt.Errorf("token %s is not configured on chain %s", token, chainCfg.ChainID)
	}
	return t.Decimals, nil
}

func (s *RelayService) resolve(intent models.TransferIntent) (relayTarget, error) {
	chainCfg, ok := s.chainCfgs[intent.ChainID]
	if !ok {
		return relayTarget{}, fmt.Errorf("unknown chain %s", intent.ChainID)
	}
	if chainCfg.Type != models.ChainTypeEVM {
		return relayTarget{}, fmt.Errorf("chain %s does not support sponsored calls", intent.ChainID)
	}
	if !common.IsHexAddress(chainCfg.RelayRouter) {
		return relayTarget{}, fmt.Errorf("chain %s has no relay router configured", intent.ChainID)
	}
	if !common.IsHexAddress(intent.Account) {
		return relayTarget{}, fmt.Errorf("invalid account address %q", intent.Account)
	}
	if !common.IsHexAddress(intent.Target) {
		return relayTarget{}, fmt.Errorf("invalid target address %q", intent.Target)
	}
	if !common.IsHexAddress(intent.PaymentToken) {
		return relayTarget{}, fmt.Errorf("invalid payment token %q", intent.PaymentToken)
	}
	chainID, ok := new(big.Int).SetString(intent.ChainID, 10)
	if !ok {
		return relayTarget{}, fmt.Errorf("chain id %s is not numeric", intent.ChainID)
	}
	simCode, err := hexutil.Decode(chainCfg.RelaySimCode)
	if err != nil || len(simCode) == 0 {
		return relayTarget{}, fmt.Errorf("chain %s has no relay simulation code configured", intent.ChainID)
	}

	payment := models.NormalizeTokenKey(intent.PaymentToken)
	feeToken := models.NormalizeTokenKey(chainCfg.RelayFeeToken)
	if feeToken == "" {
		feeToken = payment
	}

	return relayTarget{
		chainCfg: chainCfg,
		chainID:  chainID,
		router:   common.HexToAddress(chainCfg.RelayRouter),
		sender:   common.HexToAddress(chainCfg.RelaySender),
		simCode:  simCode,
		account:  common.HexToAddress(intent.Account),
		target:   common.HexToAddress(intent.Target),
		feeToken: feeToken,
		payment:  payment,
	}, nil
}

func (s *RelayService) sponsoredCall(rt relayTarget, intent models.TransferIntent, fee, nonce *big.Int, deadline time.Time) evm.SponsoredCall {
	value := intent.Value
	if value == nil {
		value = new(big.Int)
	}
	return evm.SponsoredCall{
		From:      rt.account,
		Target:    rt.target,
		Data:      intent.CallData,
		Value:     value,
		FeeToken:  common.HexToAddress(rt.payment),
		FeeAmount: fee,
		Nonce:     nonce,
		Deadline:  evm.DeadlineFrom(deadline),
	}
}

func (s *RelayService) validity() time.Duration {
	if s.cfg.Validity <= 0 {
		return config.DefaultRelayValidity
	}
	return s.cfg.Validity
}

func ceilDiv(num, den *big.Int) *big.Int {
	q, r := new(big.Int).QuoRem(num, den, new(big.Int))
	if r.Sign() != 0 {
		q.Add(q, big.NewInt(1))
	}
	return q
}
