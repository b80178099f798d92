package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"fanvault.io/internal/audit"
	"fanvault.io/internal/auth"
	"fanvault.io/internal/ledger"
)

type createAccountRequest struct {
	InitialAmount int64 `json:"initial_amount"`
}

type transferRequest struct {
	FromID         string `json:"from_id"`
	ToID           string `json:"to_id"`
	Amount         int64  `json:"amount"`
	Action         string `json:"action"`
	IdempotencyKey string `json:"idempotency_key"`
}

type listEntriesResponse struct {
	Items     []ledger.Entry `json:"items"`
	NextAfter uint64         `json:"next_after"`
	AsOf      time.Time      `json:"as_of"`
}

func (a *API) handleAccountsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createAccount(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

func (a *API) handleAccountResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/accounts/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if id, ok := strings.CutSuffix(path, "/balance"); ok {
		if id == "" {
			writeError(w, r, http.StatusNotFound, "account not found")
			return
		}
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getBalance(w, r, id)
		return
	}
	if id, ok := strings.CutSuffix(path, "/entries"); ok {
		if id == "" {
			writeError(w, r, http.StatusNotFound, "account not found")
			return
		}
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.listEntries(w, r, id)
		return
	}

	if strings.Contains(path, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch r.Method {
	case http.MethodGet:
		a.getAccount(w, r, path)
	default:
		methodNotAllowed(w, r, http.MethodGet)
	}
}

func (a *API) handleTransfers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.transfer(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

func (a *API) createAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.InitialAmount < 0 {
		writeError(w, r, http.StatusBadRequest, "initial_amount must be >= 0")
		return
	}
	// Only operators seed accounts with a signup bonus.
	if req.InitialAmount > 0 && !auth.HasRole(r.Context(), auth.RoleAdmin) {
		writeError(w, r, http.StatusForbidden, "initial_amount requires the admin role")
		return
	}

	acc, err := a.ledger.CreateAccount(r.Context(), req.InitialAmount)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "wallet.account.create", map[string]any{
		"account_id":     acc.ID,
		"initial_amount": req.InitialAmount,
	})

	w.Header().Set("Location", "/v1/accounts/"+acc.ID)
	writeJSON(w, http.StatusCreated, acc)
}

// requireOwnerOrAdmin guards account-scoped reads.
func (a *API) requireOwnerOrAdmin(w http.ResponseWriter, r *http.Request, accountID string) bool {
	if actorID(r) == accountID || auth.HasRole(r.Context(), auth.RoleAdmin) {
		return true
	}
	writeError(w, r, http.StatusForbidden, "forbidden")
	return false
}

func (a *API) getAccount(w http.ResponseWriter, r *http.Request, id string) {
	if !a.requireOwnerOrAdmin(w, r, id) {
		return
	}
	acc, err := a.ledger.GetAccount(r.Context(), id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (a *API) getBalance(w http.ResponseWriter, r *http.Request, id string) {
	if !a.requireOwnerOrAdmin(w, r, id) {
		return
	}
	acc, err := a.ledger.GetAccount(r.Context(), id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"account_id": acc.ID,
		"available":  acc.Available,
		"withheld":   acc.Withheld,
	})
}

func (a *API) listEntries(w http.ResponseWriter, r *http.Request, id string) {
	if !a.requireOwnerOrAdmin(w, r, id) {
		return
	}
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	afterParam := strings.TrimSpace(r.URL.Query().Get("after"))
	var after uint64
	if afterParam != "" {
		v, err := strconv.ParseUint(afterParam, 10, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "after must be a non-negative integer")
			return
		}
		after = v
	}

	items, next, err := a.ledger.ListEntries(r.Context(), id, limit, after)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, listEntriesResponse{
		Items:     items,
		NextAfter: next,
		AsOf:      time.Now().UTC(),
	})
}

// transfer is the operator escape hatch for manual adjustments; every normal
// coin movement goes through a marketplace operation instead.
func (a *API) transfer(w http.ResponseWriter, r *http.Request) {
	if !a.requireRole(w, r, auth.RoleAdmin) {
		return
	}

	var req transferRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	idem := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if req.IdempotencyKey != "" {
		bodyKey := strings.TrimSpace(req.IdempotencyKey)
		if idem == "" {
			idem = bodyKey
		} else if idem != bodyKey {
			writeError(w, r, http.StatusBadRequest, "Idempotency-Key header and body value must match")
			return
		}
	}
	if len(idem) > 128 {
		writeError(w, r, http.StatusBadRequest, "Idempotency-Key too long")
		return
	}

	fromID := strings.TrimSpace(req.FromID)
	toID := strings.TrimSpace(req.ToID)
	if fromID == "" || toID == "" {
		writeError(w, r, http.StatusBadRequest, "from_id and to_id are required")
		return
	}
	if req.Amount <= 0 {
		writeError(w, r, http.StatusBadRequest, "amount must be > 0")
		return
	}
	action, err := parseAction(req.Action)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	start := time.Now().UTC()
	tx, err := a.ledger.Transfer(r.Context(), fromID, toID, req.Amount, action,
		map[string]string{"origin": "manual"}, idem)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	replayed := idem != "" && !tx.CreatedAt.After(start)

	if idem != "" {
		w.Header().Set("Idempotency-Key", idem)
	}

	event := "wallet.transfer.execute"
	if replayed {
		event = "wallet.transfer.idempotent_replay"
	}
	_ = audit.LogEvent(r.Context(), event, map[string]any{
		"transfer_id":  tx.ID,
		"from_account": fromID,
		"to_account":   toID,
		"amount":       req.Amount,
		"action":       string(action),
	})

	writeJSON(w, http.StatusCreated, tx)
}

func parseAction(raw string) (ledger.Action, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ledger.ActionPurchase, nil
	}
	action := ledger.Action(raw)
	switch action {
	case ledger.ActionPurchase, ledger.ActionPurchaseRefund, ledger.ActionCallCharge,
		ledger.ActionAuctionSale, ledger.ActionCommissionPayout,
		ledger.ActionSignupBonus, ledger.ActionTopUp:
		return action, nil
	}
	return "", errors.New("unknown action tag")
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between 1 and 1000")
	}
	return val, nil
}
