package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"fanvault.io/internal/audit"
	"fanvault.io/internal/ledger"
)

// signatureHeader carries the hex HMAC-SHA256 of the raw request body, keyed
// with the shared webhook secret.
const signatureHeader = "X-Webhook-Signature"

type paymentWebhook struct {
	SessionID string `json:"session_id"`
	AccountID string `json:"account_id"`
	Amount    int64  `json:"amount"`
}

type affiliateSaleWebhook struct {
	Code            string  `json:"code"`
	ExternalOrderID string  `json:"external_order_id"`
	SaleAmount      int64   `json:"sale_amount"`
	Rate            float64 `json:"rate"`
}

// verifyWebhook reads the body and checks its signature. Webhook endpoints
// are public paths, so the HMAC is the only authentication they get.
func (a *API) verifyWebhook(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if len(a.webhookSecret) == 0 {
		writeError(w, r, http.StatusServiceUnavailable, "webhook secret not configured")
		return nil, false
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "unreadable body")
		return nil, false
	}

	provided := strings.TrimSpace(r.Header.Get(signatureHeader))
	mac := hmac.New(sha256.New, a.webhookSecret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	if provided == "" || !hmac.Equal([]byte(provided), []byte(expected)) {
		writeError(w, r, http.StatusUnauthorized, "invalid webhook signature")
		return nil, false
	}
	return body, true
}

// handlePaymentWebhook credits a coin top-up reported by the payment
// collaborator. The provider session id is the idempotency key, so redelivery
// returns the original transfer instead of crediting twice.
func (a *API) handlePaymentWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	body, ok := a.verifyWebhook(w, r)
	if !ok {
		return
	}

	var evt paymentWebhook
	if err := json.Unmarshal(body, &evt); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid payload")
		return
	}
	if strings.TrimSpace(evt.SessionID) == "" || strings.TrimSpace(evt.AccountID) == "" {
		writeError(w, r, http.StatusBadRequest, "session_id and account_id are required")
		return
	}
	if evt.Amount <= 0 {
		writeError(w, r, http.StatusBadRequest, "amount must be > 0")
		return
	}

	start := time.Now().UTC()
	tx, err := a.ledger.Credit(r.Context(), evt.AccountID, evt.Amount,
		ledger.ActionTopUp,
		map[string]string{"payment_session": evt.SessionID},
		"topup:"+evt.SessionID,
	)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	replayed := !tx.CreatedAt.After(start)

	event := "wallet.topup"
	if replayed {
		event = "wallet.topup.idempotent_replay"
	}
	_ = audit.LogEvent(r.Context(), event, map[string]any{
		"account_id":      evt.AccountID,
		"amount":          evt.Amount,
		"payment_session": evt.SessionID,
		"transfer_id":     tx.ID,
	})

	writeJSON(w, http.StatusOK, tx)
}

// handleAffiliateSaleWebhook accrues a commission for a qualifying sale
// reported by the partner storefront.
func (a *API) handleAffiliateSaleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	body, ok := a.verifyWebhook(w, r)
	if !ok {
		return
	}

	var evt affiliateSaleWebhook
	if err := json.Unmarshal(body, &evt); err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid payload")
		return
	}

	c, err := a.affiliates.RecordCommission(r.Context(), evt.Code, evt.ExternalOrderID, evt.SaleAmount, evt.Rate)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "affiliate.commission.accrue", map[string]any{
		"commission_id":     c.ID,
		"external_order_id": c.ExternalOrderID,
		"amount":            c.Amount,
	})

	writeJSON(w, http.StatusCreated, c)
}
