package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"fanvault.io/internal/affiliate"
	"fanvault.io/internal/auction"
	"fanvault.io/internal/auth"
	"fanvault.io/internal/calls"
	"fanvault.io/internal/ledger"
	"fanvault.io/internal/obs"
	"fanvault.io/internal/offer"
	"fanvault.io/internal/unlock"
	"fanvault.io/internal/withdraw"
)

// ReadyProbe checks the dependencies /readyz reports on (DB ping when a
// durable store is configured).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

// Deps carries everything the HTTP layer serves.
type Deps struct {
	Ledger      ledger.Service
	Unlocks     *unlock.Service
	Calls       *calls.Service
	Withdrawals *withdraw.Service
	Auctions    *auction.Engine
	Offers      *offer.Allocator
	Affiliates  *affiliate.Service

	ReadyProbe    ReadyProbe
	Version       string
	WebhookSecret []byte
}

// API is the HTTP layer.
type API struct {
	mux *http.ServeMux

	ledger      ledger.Service
	unlocks     *unlock.Service
	calls       *calls.Service
	withdrawals *withdraw.Service
	auctions    *auction.Engine
	offers      *offer.Allocator
	affiliates  *affiliate.Service

	readyProbe    ReadyProbe
	version       string
	webhookSecret []byte
}

func New(d Deps) *API {
	a := &API{
		mux:           http.NewServeMux(),
		ledger:        d.Ledger,
		unlocks:       d.Unlocks,
		calls:         d.Calls,
		withdrawals:   d.Withdrawals,
		auctions:      d.Auctions,
		offers:        d.Offers,
		affiliates:    d.Affiliates,
		readyProbe:    d.ReadyProbe,
		version:       d.Version,
		webhookSecret: d.WebhookSecret,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// wallet
	a.mux.HandleFunc("/v1/accounts", a.handleAccountsCollection)
	a.mux.HandleFunc("/v1/accounts/", a.handleAccountResource)
	a.mux.HandleFunc("/v1/transfers", a.handleTransfers)

	// marketplace
	a.mux.HandleFunc("/v1/items", a.handleItemsCollection)
	a.mux.HandleFunc("/v1/items/", a.handleItemResource)
	a.mux.HandleFunc("/v1/calls", a.handleCallsCollection)
	a.mux.HandleFunc("/v1/calls/", a.handleCallResource)
	a.mux.HandleFunc("/v1/withdrawals", a.handleWithdrawalsCollection)
	a.mux.HandleFunc("/v1/withdrawals/", a.handleWithdrawalResource)
	a.mux.HandleFunc("/v1/auctions", a.handleAuctionsCollection)
	a.mux.HandleFunc("/v1/auctions/", a.handleAuctionResource)
	a.mux.HandleFunc("/v1/offers", a.handleOffersCollection)
	a.mux.HandleFunc("/v1/offers/", a.handleOfferResource)

	// affiliates
	a.mux.HandleFunc("/v1/affiliates/codes", a.handleAffiliateCodes)
	a.mux.HandleFunc("/v1/affiliates/clicks", a.handleAffiliateClicks)
	a.mux.HandleFunc("/v1/affiliates/commissions/", a.handleCommissionResource)

	// inbound webhooks from external collaborators
	a.mux.HandleFunc("/v1/webhooks/payments", a.handlePaymentWebhook)
	a.mux.HandleFunc("/v1/webhooks/affiliate-sales", a.handleAffiliateSaleWebhook)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the fully wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	h := a.withAuth(a.mux)
	h = MaxBodyBytes(h, 1<<20)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = RateLimit(h, 40, 20)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "fanvault-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "fanvault-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeErrorPayload(w, r, code, map[string]any{"error": msg})
}

func writeErrorCode(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	writeErrorPayload(w, r, status, map[string]any{"error": msg, "code": code})
}

func writeErrorPayload(w http.ResponseWriter, r *http.Request, status int, payload map[string]any) {
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, status, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

// handleDomainError maps service errors onto HTTP statuses. Conflicts carry a
// machine-readable code so clients can distinguish, for example, a full offer
// from a closed one.
func handleDomainError(w http.ResponseWriter, r *http.Request, err error) {
	var shortfall *ledger.InsufficientFundsError
	var bidTooLow *auction.BidTooLowError

	switch {
	case errors.As(err, &shortfall):
		obs.RecordInsufficientFunds()
		writeErrorPayload(w, r, http.StatusConflict, map[string]any{
			"error":      "insufficient funds",
			"code":       "insufficient_funds",
			"account_id": shortfall.AccountID,
			"available":  shortfall.Available,
			"required":   shortfall.Required,
			"shortfall":  shortfall.Required - shortfall.Available,
		})
	case errors.Is(err, ledger.ErrInsufficientFunds):
		obs.RecordInsufficientFunds()
		writeErrorCode(w, r, http.StatusConflict, "insufficient_funds", err.Error())
	case errors.Is(err, ledger.ErrInsufficientHold):
		writeErrorCode(w, r, http.StatusConflict, "insufficient_hold", err.Error())

	case errors.As(err, &bidTooLow):
		writeErrorPayload(w, r, http.StatusConflict, map[string]any{
			"error":   err.Error(),
			"code":    "bid_too_low",
			"offered": bidTooLow.Offered,
			"minimum": bidTooLow.Minimum,
		})

	case errors.Is(err, withdraw.ErrInvalidTransition),
		errors.Is(err, calls.ErrInvalidTransition),
		errors.Is(err, affiliate.ErrInvalidTransition):
		writeErrorCode(w, r, http.StatusConflict, "invalid_transition", err.Error())

	case errors.Is(err, offer.ErrOfferFull):
		writeErrorCode(w, r, http.StatusConflict, "offer_full", err.Error())
	case errors.Is(err, offer.ErrOfferClosed):
		writeErrorCode(w, r, http.StatusConflict, "offer_closed", err.Error())
	case errors.Is(err, offer.ErrNotAccepted):
		writeErrorCode(w, r, http.StatusConflict, "not_accepted", err.Error())
	case errors.Is(err, auction.ErrClosed):
		writeErrorCode(w, r, http.StatusConflict, "auction_closed", err.Error())
	case errors.Is(err, auction.ErrNotExpired):
		writeErrorCode(w, r, http.StatusConflict, "not_expired", err.Error())
	case errors.Is(err, affiliate.ErrDuplicateOrder):
		writeErrorCode(w, r, http.StatusConflict, "duplicate_order", err.Error())
	case errors.Is(err, affiliate.ErrCodeTaken):
		writeErrorCode(w, r, http.StatusConflict, "code_taken", err.Error())

	case errors.Is(err, auth.ErrForbidden),
		errors.Is(err, auction.ErrSellerBid),
		errors.Is(err, calls.ErrNotRecipient),
		errors.Is(err, calls.ErrNotParticipant),
		errors.Is(err, offer.ErrNotInvited):
		writeError(w, r, http.StatusForbidden, err.Error())

	case errors.Is(err, ledger.ErrNotFound),
		errors.Is(err, unlock.ErrNotFound),
		errors.Is(err, calls.ErrNotFound),
		errors.Is(err, withdraw.ErrNotFound),
		errors.Is(err, auction.ErrNotFound),
		errors.Is(err, offer.ErrNotFound),
		errors.Is(err, affiliate.ErrNotFound),
		errors.Is(err, affiliate.ErrUnknownCode):
		writeError(w, r, http.StatusNotFound, err.Error())

	case errors.Is(err, ledger.ErrInvalidAmount),
		errors.Is(err, ledger.ErrSameAccount),
		errors.Is(err, unlock.ErrInvalidPrice),
		errors.Is(err, unlock.ErrMissingPointer),
		errors.Is(err, calls.ErrInvalidKind),
		errors.Is(err, withdraw.ErrMissingReason),
		errors.Is(err, auction.ErrNoBuyNow),
		errors.Is(err, offer.ErrInvalidDecision),
		errors.Is(err, offer.ErrInvalidSpots),
		errors.Is(err, affiliate.ErrInvalidRate):
		writeError(w, r, http.StatusBadRequest, err.Error())

	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
