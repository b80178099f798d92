package httpapi

import (
	"net/http"
	"strings"
	"time"

	"fanvault.io/internal/affiliate"
	"fanvault.io/internal/auth"
	"fanvault.io/internal/calls"
	"fanvault.io/internal/offer"
	"fanvault.io/internal/withdraw"
)

// splitResource splits "<id>" or "<id>/<action>"; deeper paths are rejected.
func splitResource(path string) (id, action string, ok bool) {
	parts := strings.Split(path, "/")
	switch len(parts) {
	case 1:
		return parts[0], "", parts[0] != ""
	case 2:
		return parts[0], parts[1], parts[0] != "" && parts[1] != ""
	}
	return "", "", false
}

// --- items ---

type createItemRequest struct {
	Price    int64  `json:"price"`
	Resource string `json:"resource"`
}

func (a *API) handleItemsCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.requireRole(w, r, auth.RoleCreator, auth.RoleAdmin) {
		return
	}
	var req createItemRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	item, err := a.unlocks.CreateItem(r.Context(), actorID(r), req.Price, req.Resource)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/items/"+item.ID)
	writeJSON(w, http.StatusCreated, item)
}

func (a *API) handleItemResource(w http.ResponseWriter, r *http.Request) {
	id, action, ok := splitResource(strings.TrimPrefix(r.URL.Path, "/v1/items/"))
	if !ok {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		item, err := a.unlocks.GetItem(r.Context(), id)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, item)
	case action == "unlock" && r.Method == http.MethodPost:
		res, err := a.unlocks.Unlock(r.Context(), actorID(r), id)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, res)
	case action == "" || action == "unlock":
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

// --- calls ---

type startCallRequest struct {
	RecipientID string `json:"recipient_id"`
	Kind        string `json:"kind"`
}

func (a *API) handleCallsCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req startCallRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.RecipientID) == "" {
		writeError(w, r, http.StatusBadRequest, "recipient_id is required")
		return
	}
	sess, err := a.calls.Start(r.Context(), actorID(r), req.RecipientID, calls.Kind(req.Kind))
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/calls/"+sess.ID)
	writeJSON(w, http.StatusCreated, sess)
}

func (a *API) handleCallResource(w http.ResponseWriter, r *http.Request) {
	id, action, ok := splitResource(strings.TrimPrefix(r.URL.Path, "/v1/calls/"))
	if !ok {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	if action == "" {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		sess, err := a.calls.Get(r.Context(), id)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		actor := actorID(r)
		if actor != sess.CallerID && actor != sess.RecipientID && !auth.HasRole(r.Context(), auth.RoleAdmin) {
			writeError(w, r, http.StatusForbidden, "forbidden")
			return
		}
		writeJSON(w, http.StatusOK, sess)
		return
	}

	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	switch action {
	case "join":
		sess, err := a.calls.Join(r.Context(), id, actorID(r))
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	case "decline":
		sess, err := a.calls.Decline(r.Context(), id, actorID(r))
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, sess)
	case "end":
		settlement, err := a.calls.End(r.Context(), id, actorID(r))
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, settlement)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

// --- withdrawals ---

type createWithdrawalRequest struct {
	Amount int64 `json:"amount"`
}

type withdrawalTransitionRequest struct {
	Status string `json:"status"`
	Notes  string `json:"notes"`
	Reason string `json:"reason"`
}

func (a *API) handleWithdrawalsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var req createWithdrawalRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		wd, err := a.withdrawals.Request(r.Context(), actorID(r), req.Amount)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		w.Header().Set("Location", "/v1/withdrawals/"+wd.ID)
		writeJSON(w, http.StatusCreated, wd)
	case http.MethodGet:
		accountID := strings.TrimSpace(r.URL.Query().Get("account_id"))
		if accountID == "" {
			accountID = actorID(r)
		}
		if !a.requireOwnerOrAdmin(w, r, accountID) {
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"items": a.withdrawals.ListByAccount(r.Context(), accountID),
			"as_of": time.Now().UTC(),
		})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) handleWithdrawalResource(w http.ResponseWriter, r *http.Request) {
	id, action, ok := splitResource(strings.TrimPrefix(r.URL.Path, "/v1/withdrawals/"))
	if !ok {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		wd, err := a.withdrawals.Get(r.Context(), id)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		if !a.requireOwnerOrAdmin(w, r, wd.AccountID) {
			return
		}
		writeJSON(w, http.StatusOK, wd)
	case action == "transition" && r.Method == http.MethodPost:
		if !a.requireRole(w, r, auth.RoleAdmin) {
			return
		}
		var req withdrawalTransitionRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		wd, err := a.withdrawals.Transition(r.Context(), id, withdraw.Status(req.Status), actorID(r),
			withdraw.TransitionArgs{Notes: req.Notes, Reason: req.Reason})
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, wd)
	case action == "" || action == "transition":
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

// --- auctions ---

type createAuctionRequest struct {
	StartPrice  int64     `json:"start_price"`
	BuyNowPrice int64     `json:"buy_now_price"`
	EndsAt      time.Time `json:"ends_at"`
}

type placeBidRequest struct {
	Amount int64 `json:"amount"`
}

func (a *API) handleAuctionsCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.requireRole(w, r, auth.RoleCreator, auth.RoleAdmin) {
		return
	}
	var req createAuctionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	auc, err := a.auctions.Create(r.Context(), actorID(r), req.StartPrice, req.BuyNowPrice, req.EndsAt)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/auctions/"+auc.ID)
	writeJSON(w, http.StatusCreated, auc)
}

func (a *API) handleAuctionResource(w http.ResponseWriter, r *http.Request) {
	id, action, ok := splitResource(strings.TrimPrefix(r.URL.Path, "/v1/auctions/"))
	if !ok {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		auc, err := a.auctions.Get(r.Context(), id)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, auc)
	case "bids":
		switch r.Method {
		case http.MethodGet:
			bids, err := a.auctions.Bids(r.Context(), id)
			if err != nil {
				handleDomainError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"items": bids})
		case http.MethodPost:
			var req placeBidRequest
			if err := decodeJSON(w, r, &req); err != nil {
				writeError(w, r, http.StatusBadRequest, err.Error())
				return
			}
			auc, err := a.auctions.PlaceBid(r.Context(), id, actorID(r), req.Amount)
			if err != nil {
				handleDomainError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, auc)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
		}
	case "buy-now":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		auc, err := a.auctions.BuyNow(r.Context(), id, actorID(r))
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, auc)
	case "close":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		// the sweeper owns closes; this is the operator's manual trigger
		if !a.requireRole(w, r, auth.RoleAdmin) {
			return
		}
		auc, err := a.auctions.Close(r.Context(), id)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, auc)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

// --- offers ---

type createOfferRequest struct {
	Title string `json:"title"`
	Spots int    `json:"spots"`
}

type inviteRequest struct {
	InviteeID string `json:"invitee_id"`
}

type respondRequest struct {
	Decision string `json:"decision"`
}

type checkInRequest struct {
	InviteeID string `json:"invitee_id"`
	State     string `json:"state"`
}

func (a *API) handleOffersCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.requireRole(w, r, auth.RoleOrganization, auth.RoleAdmin) {
		return
	}
	var req createOfferRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	o, err := a.offers.CreateOffer(r.Context(), actorID(r), req.Title, req.Spots)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/offers/"+o.ID)
	writeJSON(w, http.StatusCreated, o)
}

// requireOfferOwner permits the publishing organization and administrators.
func (a *API) requireOfferOwner(w http.ResponseWriter, r *http.Request, offerID string) bool {
	o, err := a.offers.Get(r.Context(), offerID)
	if err != nil {
		handleDomainError(w, r, err)
		return false
	}
	if actorID(r) == o.OrganizationID || auth.HasRole(r.Context(), auth.RoleAdmin) {
		return true
	}
	writeError(w, r, http.StatusForbidden, "forbidden")
	return false
}

func (a *API) handleOfferResource(w http.ResponseWriter, r *http.Request) {
	id, action, ok := splitResource(strings.TrimPrefix(r.URL.Path, "/v1/offers/"))
	if !ok {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		o, err := a.offers.Get(r.Context(), id)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, o)
	case "invites":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		if !a.requireOfferOwner(w, r, id) {
			return
		}
		var req inviteRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if strings.TrimSpace(req.InviteeID) == "" {
			writeError(w, r, http.StatusBadRequest, "invitee_id is required")
			return
		}
		resp, err := a.offers.Invite(r.Context(), id, req.InviteeID)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, resp)
	case "responses":
		switch r.Method {
		case http.MethodGet:
			if !a.requireOfferOwner(w, r, id) {
				return
			}
			responses, err := a.offers.Responses(r.Context(), id)
			if err != nil {
				handleDomainError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"items": responses})
		case http.MethodPost:
			var req respondRequest
			if err := decodeJSON(w, r, &req); err != nil {
				writeError(w, r, http.StatusBadRequest, err.Error())
				return
			}
			resp, err := a.offers.Respond(r.Context(), id, actorID(r), offer.ResponseStatus(req.Decision))
			if err != nil {
				handleDomainError(w, r, err)
				return
			}
			writeJSON(w, http.StatusOK, resp)
		default:
			methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
		}
	case "checkin":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		if !a.requireOfferOwner(w, r, id) {
			return
		}
		var req checkInRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		resp, err := a.offers.CheckIn(r.Context(), id, req.InviteeID, offer.CheckInState(req.State))
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
	case "close":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		if !a.requireOfferOwner(w, r, id) {
			return
		}
		o, err := a.offers.Close(r.Context(), id)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, o)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

// --- affiliates ---

type registerCodeRequest struct {
	Code string `json:"code"`
}

type recordClickRequest struct {
	Code   string `json:"code"`
	Source string `json:"source"`
}

type commissionTransitionRequest struct {
	Status string `json:"status"`
}

func (a *API) handleAffiliateCodes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req registerCodeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.affiliates.RegisterCode(r.Context(), actorID(r), req.Code); err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"account_id": actorID(r),
		"code":       strings.ToLower(strings.TrimSpace(req.Code)),
	})
}

func (a *API) handleAffiliateClicks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req recordClickRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	click, err := a.affiliates.RecordClick(r.Context(), req.Code, req.Source)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, click)
}

func (a *API) handleCommissionResource(w http.ResponseWriter, r *http.Request) {
	id, action, ok := splitResource(strings.TrimPrefix(r.URL.Path, "/v1/affiliates/commissions/"))
	if !ok {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		c, err := a.affiliates.Get(r.Context(), id)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		if !a.requireOwnerOrAdmin(w, r, c.ReferrerID) {
			return
		}
		writeJSON(w, http.StatusOK, c)
	case action == "transition" && r.Method == http.MethodPost:
		if !a.requireRole(w, r, auth.RoleAdmin) {
			return
		}
		var req commissionTransitionRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		c, err := a.affiliates.Transition(r.Context(), id, affiliate.Status(req.Status), actorID(r))
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, c)
	case action == "" || action == "transition":
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}
