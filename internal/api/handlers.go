package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"multichain-funding/internal/domainerr"
	"multichain-funding/internal/models"
	"multichain-funding/internal/service"
)

// Version is reported by the health endpoint
const Version = "1.0.0"

// Subscriptions starts and stops per-account background work
type Subscriptions interface {
	Subscribe(account models.Account) error
	Unsubscribe(account string)
}

// BalanceReader returns the latest aggregated balances
type BalanceReader interface {
	Latest(account string) (models.BalanceMap, bool)
	Sessions() int
}

// Quoter produces fee quotes
type Quoter interface {
	QuoteLatest(ctx context.Context, key string, req service.QuoteRequest) (*models.FeeQuote, error)
}

// RelayBuilder builds and submits sponsored calls
type RelayBuilder interface {
	BuildLatest(ctx context.Context, key string, intent models.TransferIntent) (*models.BuiltRelay, error)
	Refresh(ctx context.Context, built models.BuiltRelay) (*models.BuiltRelay, error)
	Submit(ctx context.Context, signed models.SignedRelay) (*service.SubmitResult, error)
}

// History serves reconciled funding history
type History interface {
	Transfers(ctx context.Context, account string) ([]models.FundingTransfer, error)
	RecordOptimistic(t models.FundingTransfer) (models.FundingTransfer, error)
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	subscriptions     Subscriptions
	balances          BalanceReader
	quoter            Quoter
	relay             RelayBuilder
	history           History
	settlementChainID string
	logger            *zap.Logger
}

// NewHandler creates a new API handler
func NewHandler(
	subscriptions Subscriptions,
	balances BalanceReader,
	quoter Quoter,
	relay RelayBuilder,
	history History,
	settlementChainID string,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		subscriptions:     subscriptions,
		balances:          balances,
		quoter:            quoter,
		relay:             relay,
		history:           history,
		settlementChainID: settlementChainID,
		logger:            logger.Named("api"),
	}
}

// ==================== Health Check ====================

// HandleHealth returns service health status
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:  "ok",
		Version: Version,
	}
	if h.balances != nil {
		response.Sessions = h.balances.Sessions()
	}
	respondJSON(w, http.StatusOK, response)
}

// ==================== Balances ====================

// HandleSubscribe handles POST /api/v1/balances/subscribe
func (h *Handler) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	var req SubscribeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Account == "" {
		respondError(w, http.StatusBadRequest, "account is required", nil)
		return
	}

	account := models.Account{Address: req.Account, Aliases: req.Aliases}
	if err := h.subscriptions.Subscribe(account); err != nil {
		h.logger.Error("Failed to subscribe", zap.String("account", req.Account), zap.Error(err))
		respondError(w, http.StatusBadRequest, "Failed to subscribe", err)
		return
	}

	respondJSON(w, http.StatusAccepted, SubscribeResponse{Account: req.Account, SettlementChainID: h.settlementChainID})
}

// HandleUnsubscribe handles DELETE /api/v1/balances/subscribe/{account}
func (h *Handler) HandleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]
	h.subscriptions.Unsubscribe(account)
	w.WriteHeader(http.StatusNoContent)
}

// HandleGetBalances handles GET /api/v1/balances/{account}
func (h *Handler) HandleGetBalances(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]

	balances, ok := h.balances.Latest(account)
	if !ok {
		respondError(w, http.StatusNotFound, "No active subscription for account", nil)
		return
	}
	respondJSON(w, http.StatusOK, BalancesResponse{Account: account, Balances: balances})
}

// ==================== Quotes ====================

// HandleQuote handles POST /api/v1/quotes
func (h *Handler) HandleQuote(w http.ResponseWriter, r *http.Request) {
	var req QuoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.FromChainID == "" || req.ToChainID == "" {
		respondError(w, http.StatusBadRequest, "from_chain_id and to_chain_id are required", nil)
		return
	}
	if req.Token == "" {
		respondError(w, http.StatusBadRequest, "token is required", nil)
		return
	}
	amount, err := parseAmount("amount", req.Amount, true)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid amount", err)
		return
	}

	key := req.Account
	if key == "" {
		key = r.RemoteAddr
	}

	quote, err := h.quoter.QuoteLatest(r.Context(), key, service.QuoteRequest{
		Account:     req.Account,
		Amount:      amount,
		FromChainID: req.FromChainID,
		ToChainID:   req.ToChainID,
		Token:       req.Token,
		SlippageBps: req.SlippageBps,
	})
	if err != nil {
		h.respondDomainError(w, "Failed to quote transfer", err)
		return
	}

	response := QuoteResponse{
		MinAmountReceivable: quote.MinAmountReceivable.String(),
		MaxAmountReceivable: quote.MaxAmountReceivable.String(),
		BridgeFeeUSD:        quote.BridgeFeeUSD.String(),
		NetworkFeeUSD:       quote.NetworkFeeUSD.String(),
		TotalFeeUSD:         quote.TotalFeeUSD.String(),
		SlippageBps:         quote.SlippageBps,
	}
	if quote.Limits.MinAmount != nil {
		response.MinAmount = quote.Limits.MinAmount.String()
	}
	if quote.Limits.MaxAmount != nil {
		response.MaxAmount = quote.Limits.MaxAmount.String()
	}
	respondJSON(w, http.StatusOK, response)
}

// ==================== Relay ====================

// HandleRelayBuild handles POST /api/v1/relay/build
func (h *Handler) HandleRelayBuild(w http.ResponseWriter, r *http.Request) {
	var req RelayBuildRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	intent, err := req.toIntent()
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid relay request", err)
		return
	}

	built, err := h.relay.BuildLatest(r.Context(), intent.Account+":"+intent.ChainID, intent)
	if err != nil {
		h.respondDomainError(w, "Failed to build relay", err)
		return
	}
	respondJSON(w, http.StatusOK, RelayBuildResponse{Built: built, DigestHex: hexutil.Encode(built.Digest)})
}

// HandleRelayRefresh handles POST /api/v1/relay/refresh
func (h *Handler) HandleRelayRefresh(w http.ResponseWriter, r *http.Request) {
	var req RelayRefreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	built, err := h.relay.Refresh(r.Context(), req.Built)
	if err != nil {
		h.respondDomainError(w, "Failed to refresh relay", err)
		return
	}
	respondJSON(w, http.StatusOK, RelayBuildResponse{Built: built, DigestHex: hexutil.Encode(built.Digest)})
}

// HandleRelaySubmit handles POST /api/v1/relay/submit
func (h *Handler) HandleRelaySubmit(w http.ResponseWriter, r *http.Request) {
	var req RelaySubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	sig, err := hexutil.Decode(req.Signature)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Invalid signature", err)
		return
	}

	result, err := h.relay.Submit(r.Context(), models.SignedRelay{Built: req.Built, Signature: sig})
	if err != nil {
		h.respondDomainError(w, "Failed to submit relay", err)
		return
	}
	respondJSON(w, http.StatusAccepted, result)
}

// ==================== Transfers ====================

// HandleGetTransfers handles GET /api/v1/transfers/{account}
func (h *Handler) HandleGetTransfers(w http.ResponseWriter, r *http.Request) {
	account := mux.Vars(r)["account"]

	transfers, err := h.history.Transfers(r.Context(), account)
	if err != nil {
		h.respondDomainError(w, "Failed to get transfers", err)
		return
	}
	respondJSON(w, http.StatusOK, TransfersResponse{Account: account, Transfers: transfers})
}

// HandleRecordOptimistic handles POST /api/v1/transfers/optimistic
func (h *Handler) HandleRecordOptimistic(w http.ResponseWriter, r *http.Request) {
	var req models.FundingTransfer
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	recorded, err := h.history.RecordOptimistic(req)
	if err != nil {
		respondError(w, http.StatusBadRequest, "Failed to record transfer", err)
		return
	}
	respondJSON(w, http.StatusCreated, recorded)
}

// ==================== Helper Functions ====================

func (req RelayBuildRequest) toIntent() (models.TransferIntent, error) {
	if req.Account == "" || req.ChainID == "" || req.Target == "" || req.PaymentToken == "" {
		return models.TransferIntent{}, fmt.Errorf("account, chain_id, target and payment_token are required")
	}

	var callData []byte
	if req.CallData != "" {
		data, err := hexutil.Decode(req.CallData)
		if err != nil {
			return models.TransferIntent{}, fmt.Errorf("invalid call_data: %w", err)
		}
		callData = data
	}
	value, err := parseAmount("value", req.Value, false)
	if err != nil {
		return models.TransferIntent{}, err
	}
	transferAmount, err := parseAmount("transfer_amount", req.TransferAmount, false)
	if err != nil {
		return models.TransferIntent{}, err
	}

	return models.TransferIntent{
		Account:        req.Account,
		ChainID:        req.ChainID,
		Operation:      req.Operation,
		Target:         req.Target,
		CallData:       callData,
		Value:          value,
		TransferToken:  req.TransferToken,
		TransferAmount: transferAmount,
		PaymentToken:   req.PaymentToken,
		ToChainID:      req.ToChainID,
	}, nil
}

// parseAmount parses a base-10 integer amount. Empty is zero unless required.
func parseAmount(field, raw string, required bool) (*big.Int, error) {
	if raw == "" {
		if required {
			return nil, fmt.Errorf("%s is required", field)
		}
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, fmt.Errorf("%s must be an integer", field)
	}
	if v.Sign() < 0 || (required && v.Sign() == 0) {
		return nil, fmt.Errorf("%s must be positive", field)
	}
	return v, nil
}

// statusFor maps the domain error taxonomy to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, domainerr.ErrBoundaryViolation),
		errors.Is(err, domainerr.ErrInsufficientBalance),
		errors.Is(err, domainerr.ErrSimulationFailed):
		return http.StatusUnprocessableEntity
	case errors.Is(err, domainerr.ErrStaleQuote), errors.Is(err, domainerr.ErrSuperseded):
		return http.StatusConflict
	case errors.Is(err, domainerr.ErrRemoteUnavailable):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled):
		return http.StatusRequestTimeout
	default:
		return http.StatusBadRequest
	}
}

func (h *Handler) respondDomainError(w http.ResponseWriter, message string, err error) {
	status := statusFor(err)
	if status == http.StatusServiceUnavailable {
		h.logger.Warn(message, zap.Error(err))
	} else {
		h.logger.Debug(message, zap.Int("status", status), zap.Error(err))
	}

	respondJSON(w, status, ErrorResponse{
		Error:     message,
		Message:   fmt.Sprintf("%s: %v", message, err),
		Retryable: domainerr.IsRetryable(err),
	})
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		// Log error but can't send response since headers already written
		fmt.Printf("Failed to encode JSON response: %v\n", err)
	}
}

// respondError sends an error response
func respondError(w http.ResponseWriter, statusCode int, message string, err error) {
	errorMsg := message
	if err != nil {
		errorMsg = fmt.Sprintf("%s: %v", message, err)
	}

	response := ErrorResponse{
		Error:   message,
		Message: errorMsg,
	}

	respondJSON(w, statusCode, response)
}
