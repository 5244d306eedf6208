package handlers

import (
	"encoding/json"
	"math/big"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/DemocracyEarth/ubi-ledger/engine"
	"github.com/DemocracyEarth/ubi-ledger/logger"
	"github.com/DemocracyEarth/ubi-ledger/metrics"
	"github.com/DemocracyEarth/ubi-ledger/models"
	"github.com/DemocracyEarth/ubi-ledger/registry"
)

// Handler contains the HTTP handlers for the ledger API endpoints
type Handler struct {
	Engine     *engine.Engine
	Registry   *registry.Static
	AdminToken string
}

// NewHandler creates and returns a new Handler instance
func NewHandler(e *engine.Engine, reg *registry.Static, adminToken string) *Handler {
	return &Handler{Engine: e, Registry: reg, AdminToken: adminToken}
}

// StartAccruing handles POST requests to open an account's accrual window
func (h *Handler) StartAccruing(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	if err := h.Engine.StartAccruing(address); err != nil {
		h.fail(w, "start_accruing", err)
		return
	}
	metrics.OperationsTotal.WithLabelValues("start_accruing").Inc()
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message": "Accrual started",
		"address": address,
	})
}

// ReportRemoval handles POST requests reporting an account that lost its
// registry verification. The reporter collects the forfeited accrual.
func (h *Handler) ReportRemoval(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	var req struct {
		Reporter string `json:"reporter"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Reporter == "" {
		badRequest(w, "reporter is required")
		return
	}
	if err := h.Engine.ReportRemoval(address, req.Reporter); err != nil {
		h.fail(w, "report_removal", err)
		return
	}
	metrics.OperationsTotal.WithLabelValues("report_removal").Inc()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":  "Removal reported",
		"address":  address,
		"reporter": req.Reporter,
	})
}

// GetAccruedValue handles GET requests for an account's base accrual
func (h *Handler) GetAccruedValue(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	asOf, ok := asOfParam(w, r)
	if !ok {
		return
	}
	amount, err := h.Engine.GetAccruedValue(address, asOf)
	if err != nil {
		h.fail(w, "get_accrued", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"address": address,
		"accrued": amount,
	})
}

// GetBalance handles GET requests for an account's effective balance
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	asOf, ok := asOfParam(w, r)
	if !ok {
		return
	}
	amount, err := h.Engine.GetBalance(address, asOf)
	if err != nil {
		h.fail(w, "get_balance", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"address": address,
		"balance": amount,
	})
}

// Transfer handles POST requests moving settled value between accounts
func (h *Handler) Transfer(w http.ResponseWriter, r *http.Request) {
	var req struct {
		From   string `json:"from"`
		To     string `json:"to"`
		Amount string `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "Invalid request payload")
		return
	}
	amount, ok := parseAmount(req.Amount)
	if !ok {
		badRequest(w, "amount must be a base-10 integer")
		return
	}
	if err := h.Engine.Transfer(req.From, req.To, amount); err != nil {
		h.fail(w, "transfer", err)
		return
	}
	metrics.OperationsTotal.WithLabelValues("transfer").Inc()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Transfer complete",
		"from":    req.From,
		"to":      req.To,
		"amount":  amount,
	})
}

// Burn handles POST requests destroying settled value
func (h *Handler) Burn(w http.ResponseWriter, r *http.Request) {
	var req struct {
		From   string `json:"from"`
		Amount string `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "Invalid request payload")
		return
	}
	amount, ok := parseAmount(req.Amount)
	if !ok {
		badRequest(w, "amount must be a base-10 integer")
		return
	}
	if err := h.Engine.Burn(req.From, amount); err != nil {
		h.fail(w, "burn", err)
		return
	}
	metrics.OperationsTotal.WithLabelValues("burn").Inc()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Burn complete",
		"from":    req.From,
		"amount":  amount,
	})
}

// CreateDelegation handles POST requests creating a delegation
func (h *Handler) CreateDelegation(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Sender        string `json:"sender"`
		Recipient     string `json:"recipient"`
		RatePerSecond string `json:"rate_per_second"`
		Start         int64  `json:"start"`
		Stop          int64  `json:"stop"`
		Cancellable   bool   `json:"cancellable"`
		Kind          string `json:"kind"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "Invalid request payload")
		return
	}
	rate, ok := parseAmount(req.RatePerSecond)
	if !ok {
		badRequest(w, "rate_per_second must be a base-10 integer")
		return
	}
	id, err := h.Engine.CreateDelegation(engine.CreateDelegationRequest{
		Sender:        req.Sender,
		Recipient:     req.Recipient,
		RatePerSecond: rate,
		Start:         req.Start,
		Stop:          req.Stop,
		Cancellable:   req.Cancellable,
		Kind:          models.DelegationKind(req.Kind),
	})
	if err != nil {
		h.fail(w, "create_delegation", err)
		return
	}
	metrics.OperationsTotal.WithLabelValues("create_delegation").Inc()
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"message": "Delegation created",
		"id":      id,
	})
}

// GetDelegation handles GET requests for a delegation record
func (h *Handler) GetDelegation(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	d, err := h.Engine.GetDelegation(id)
	if err != nil {
		h.fail(w, "get_delegation", err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// BalanceOfDelegation handles GET requests for a delegation's unwithdrawn
// accrued value
func (h *Handler) BalanceOfDelegation(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	asOf, ok := asOfParam(w, r)
	if !ok {
		return
	}
	amount, err := h.Engine.BalanceOfDelegation(id, asOf)
	if err != nil {
		h.fail(w, "delegation_balance", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"id":      id,
		"balance": amount,
	})
}

// Withdraw handles POST requests paying out one or more delegations to their
// recipient. An explicit amount is only valid with a single id.
func (h *Handler) Withdraw(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Caller string   `json:"caller"`
		IDs    []uint64 `json:"ids"`
		Amount string   `json:"amount"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "Invalid request payload")
		return
	}
	var (
		results []engine.WithdrawalResult
		err     error
	)
	if req.Amount != "" {
		if len(req.IDs) != 1 {
			badRequest(w, "an explicit amount requires exactly one id")
			return
		}
		amount, ok := parseAmount(req.Amount)
		if !ok {
			badRequest(w, "amount must be a base-10 integer")
			return
		}
		var paid *big.Int
		paid, err = h.Engine.WithdrawAmount(req.IDs[0], req.Caller, amount)
		if err == nil {
			results = []engine.WithdrawalResult{{ID: req.IDs[0], Amount: paid}}
		}
	} else {
		results, err = h.Engine.Withdraw(req.IDs, req.Caller)
	}
	if err != nil {
		h.fail(w, "withdraw", err)
		return
	}
	metrics.OperationsTotal.WithLabelValues("withdraw").Inc()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message":     "Withdrawal complete",
		"withdrawals": results,
	})
}

// CancelDelegation handles POST requests cancelling a delegation
func (h *Handler) CancelDelegation(w http.ResponseWriter, r *http.Request) {
	id, ok := idParam(w, r)
	if !ok {
		return
	}
	var req struct {
		Caller string `json:"caller"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Caller == "" {
		badRequest(w, "caller is required")
		return
	}
	if err := h.Engine.CancelDelegation(id, req.Caller); err != nil {
		h.fail(w, "cancel_delegation", err)
		return
	}
	metrics.OperationsTotal.WithLabelValues("cancel_delegation").Inc()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Delegation cancelled",
		"id":      id,
	})
}

// GetActiveDelegations handles GET requests for an account's active outgoing
// delegation ids
func (h *Handler) GetActiveDelegations(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	ids, err := h.Engine.GetActiveDelegationsOf(address)
	if err != nil {
		h.fail(w, "active_delegations", err)
		return
	}
	if ids == nil {
		ids = []uint64{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"address": address,
		"ids":     ids,
	})
}

// GetOutgoingAccruedTotal handles GET requests for the total unwithdrawn
// value across an account's active outgoing delegations
func (h *Handler) GetOutgoingAccruedTotal(w http.ResponseWriter, r *http.Request) {
	address := mux.Vars(r)["address"]
	total, err := h.Engine.GetOutgoingAccruedTotal(address)
	if err != nil {
		h.fail(w, "outgoing_accrued", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"address": address,
		"total":   total,
	})
}

// SetMaxDelegations handles PUT requests updating the per-sender delegation
// cap. Requires the admin token.
func (h *Handler) SetMaxDelegations(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "admin token required"})
		return
	}
	var req struct {
		Max int `json:"max"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "Invalid request payload")
		return
	}
	if err := h.Engine.SetMaxDelegationsAllowed(req.Max); err != nil {
		h.fail(w, "set_max_delegations", err)
		return
	}
	metrics.OperationsTotal.WithLabelValues("set_max_delegations").Inc()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Delegation cap updated",
		"max":     req.Max,
	})
}

// RegistryAdd marks an address as verified in the stand-in registry oracle.
// Requires the admin token.
func (h *Handler) RegistryAdd(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "admin token required"})
		return
	}
	address := mux.Vars(r)["address"]
	h.Registry.Add(address)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Address verified",
		"address": address,
	})
}

// RegistryRemove clears an address's verified status in the stand-in
// registry oracle. Requires the admin token.
func (h *Handler) RegistryRemove(w http.ResponseWriter, r *http.Request) {
	if !h.authorized(r) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "admin token required"})
		return
	}
	address := mux.Vars(r)["address"]
	h.Registry.Remove(address)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "Address unverified",
		"address": address,
	})
}

// GetEvents handles GET requests for the event log
func (h *Handler) GetEvents(w http.ResponseWriter, r *http.Request) {
	var after uint64
	limit := 100
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			badRequest(w, "after must be an unsigned integer")
			return
		}
		after = n
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			badRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}
	events, err := h.Engine.GetEvents(after, limit)
	if err != nil {
		h.fail(w, "get_events", err)
		return
	}
	if events == nil {
		events = []*models.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

func (h *Handler) authorized(r *http.Request) bool {
	return h.AdminToken != "" && r.Header.Get("X-Admin-Token") == h.AdminToken
}

// fail logs the rejection, counts it, and maps the error kind to a status.
func (h *Handler) fail(w http.ResponseWriter, op string, err error) {
	kind := engine.KindOf(err)
	metrics.OperationErrors.WithLabelValues(op, string(kind)).Inc()
	logger.Logger.Error("Operation rejected",
		zap.String("op", op), zap.String("kind", string(kind)), zap.Error(err))
	writeJSON(w, statusFor(kind), map[string]string{
		"error": err.Error(),
		"kind":  string(kind),
	})
}

func statusFor(kind engine.Kind) int {
	switch kind {
	case engine.KindNotFound:
		return http.StatusNotFound
	case engine.KindUnauthorized:
		return http.StatusForbidden
	case engine.KindInternal:
		return http.StatusInternalServerError
	case engine.KindAlreadyAccruing, engine.KindNotAccruing, engine.KindStillVerified,
		engine.KindNotVerified, engine.KindNotEligible, engine.KindNotCancellable,
		engine.KindTooManyDelegations, engine.KindOverlappingToSameRecipient,
		engine.KindCircularDelegation, engine.KindInsufficientCapacity,
		engine.KindAmountExceedsAvailable, engine.KindInsufficientBalance,
		engine.KindReentrantCall:
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func parseAmount(s string) (*big.Int, bool) {
	if s == "" {
		return nil, false
	}
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, false
	}
	return n, true
}

func idParam(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		badRequest(w, "id must be an unsigned integer")
		return 0, false
	}
	return id, true
}

func asOfParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	v := r.URL.Query().Get("as_of")
	if v == "" {
		return 0, true
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		badRequest(w, "as_of must be a unix timestamp")
		return 0, false
	}
	return n, true
}
