package offer

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"fanvault.io/internal/ids"
	"fanvault.io/internal/notify"
)

// Status is the offer lifecycle state.
type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

// ResponseStatus tracks an invitee's decision.
type ResponseStatus string

const (
	ResponsePending  ResponseStatus = "pending"
	ResponseAccepted ResponseStatus = "accepted"
	ResponseDeclined ResponseStatus = "declined"
)

// CheckInState records attendance against an accepted response. It never
// affects capacity; it feeds the external reliability score.
type CheckInState string

const (
	CheckInNone    CheckInState = "not_checked_in"
	CheckInPresent CheckInState = "checked_in"
	CheckInNoShow  CheckInState = "no_show"
)

var (
	ErrNotFound        = errors.New("offer not found")
	ErrNotInvited      = errors.New("no invitation for this account")
	ErrOfferFull       = errors.New("offer is full")
	ErrOfferClosed     = errors.New("offer is closed")
	ErrInvalidDecision = errors.New("decision must be accepted or declined")
	ErrNotAccepted     = errors.New("check-in requires an accepted response")
	ErrInvalidSpots    = errors.New("spots must be > 0")
)

// Offer is a capacity-limited invitation (gig/collab) published by an
// organization.
type Offer struct {
	ID             string    `json:"id"`
	OrganizationID string    `json:"organization_id"`
	Title          string    `json:"title"`
	Spots          int       `json:"spots"`
	SpotsFilled    int       `json:"spots_filled"`
	Status         Status    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
}

// Response is one invitee's standing against an offer.
type Response struct {
	ID        string         `json:"id"`
	OfferID   string         `json:"offer_id"`
	InviteeID string         `json:"invitee_id"`
	Status    ResponseStatus `json:"status"`
	CheckIn   CheckInState   `json:"check_in"`
	UpdatedAt time.Time      `json:"updated_at"`
}

type record struct {
	offer     Offer
	responses map[string]*Response // invitee id -> response
}

// Allocator manages offer capacity. The spots_filled check and the response
// status write happen under one lock, so concurrent accepts near the limit can
// never overrun capacity.
type Allocator struct {
	mu     sync.Mutex
	offers map[string]*record
	outbox *notify.Outbox
}

func NewAllocator(outbox *notify.Outbox) *Allocator {
	return &Allocator{
		offers: make(map[string]*record),
		outbox: outbox,
	}
}

func (a *Allocator) CreateOffer(ctx context.Context, organizationID, title string, spots int) (Offer, error) {
	if spots <= 0 {
		return Offer{}, ErrInvalidSpots
	}
	if strings.TrimSpace(title) == "" {
		return Offer{}, errors.New("title is required")
	}

	o := Offer{
		ID:             ids.New("off"),
		OrganizationID: organizationID,
		Title:          strings.TrimSpace(title),
		Spots:          spots,
		Status:         StatusOpen,
		CreatedAt:      time.Now().UTC(),
	}
	a.mu.Lock()
	a.offers[o.ID] = &record{offer: o, responses: make(map[string]*Response)}
	a.mu.Unlock()
	return o, nil
}

func (a *Allocator) Get(ctx context.Context, id string) (Offer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, ok := a.offers[id]
	if !ok {
		return Offer{}, ErrNotFound
	}
	return rec.offer, nil
}

// Invite creates a pending response; uninvited parties cannot self-enroll.
// Re-inviting the same account returns the existing response unchanged.
func (a *Allocator) Invite(ctx context.Context, offerID, inviteeID string) (Response, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec, ok := a.offers[offerID]
	if !ok {
		return Response{}, ErrNotFound
	}
	if rec.offer.Status != StatusOpen {
		return Response{}, ErrOfferClosed
	}
	if existing, ok := rec.responses[inviteeID]; ok {
		return *existing, nil
	}

	resp := &Response{
		ID:        ids.New("rsp"),
		OfferID:   offerID,
		InviteeID: inviteeID,
		Status:    ResponsePending,
		CheckIn:   CheckInNone,
		UpdatedAt: time.Now().UTC(),
	}
	rec.responses[inviteeID] = resp
	return *resp, nil
}

// Respond applies an invitee's decision with atomic capacity management:
// moving to accepted re-checks capacity and increments spots_filled; moving an
// accepted response away decrements it. Repeating the current decision is a
// no-op.
func (a *Allocator) Respond(ctx context.Context, offerID, inviteeID string, decision ResponseStatus) (Response, error) {
	resp, accepted, err := a.respond(ctx, offerID, inviteeID, decision)
	if err != nil {
		return Response{}, err
	}
	if accepted {
		a.outbox.Publish(notify.Event{
			Kind:      notify.KindOfferAccepted,
			AccountID: resp.InviteeID,
			Fields:    map[string]string{"offer_id": offerID},
		})
	}
	return resp, nil
}

func (a *Allocator) respond(ctx context.Context, offerID, inviteeID string, decision ResponseStatus) (Response, bool, error) {
	if decision != ResponseAccepted && decision != ResponseDeclined {
		return Response{}, false, ErrInvalidDecision
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	rec, ok := a.offers[offerID]
	if !ok {
		return Response{}, false, ErrNotFound
	}
	if rec.offer.Status != StatusOpen {
		return Response{}, false, ErrOfferClosed
	}
	resp, ok := rec.responses[inviteeID]
	if !ok {
		return Response{}, false, ErrNotInvited
	}
	if resp.Status == decision {
		return *resp, false, nil
	}

	if decision == ResponseAccepted {
		if rec.offer.SpotsFilled >= rec.offer.Spots {
			return Response{}, false, ErrOfferFull
		}
		rec.offer.SpotsFilled++
	} else if resp.Status == ResponseAccepted {
		rec.offer.SpotsFilled--
	}

	resp.Status = decision
	resp.UpdatedAt = time.Now().UTC()
	return *resp, decision == ResponseAccepted, nil
}

// CheckIn records attendance against an accepted response. Administrator /
// organization only (enforced at the HTTP layer).
func (a *Allocator) CheckIn(ctx context.Context, offerID, inviteeID string, state CheckInState) (Response, error) {
	if state != CheckInPresent && state != CheckInNoShow {
		return Response{}, errors.New("check-in state must be checked_in or no_show")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	rec, ok := a.offers[offerID]
	if !ok {
		return Response{}, ErrNotFound
	}
	resp, ok := rec.responses[inviteeID]
	if !ok {
		return Response{}, ErrNotInvited
	}
	if resp.Status != ResponseAccepted {
		return Response{}, ErrNotAccepted
	}

	resp.CheckIn = state
	resp.UpdatedAt = time.Now().UTC()
	return *resp, nil
}

// Close stops further invitations and responses.
func (a *Allocator) Close(ctx context.Context, offerID string) (Offer, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec, ok := a.offers[offerID]
	if !ok {
		return Offer{}, ErrNotFound
	}
	rec.offer.Status = StatusClosed
	return rec.offer, nil
}

// Responses lists an offer's responses ordered by invitee id.
func (a *Allocator) Responses(ctx context.Context, offerID string) ([]Response, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rec, ok := a.offers[offerID]
	if !ok {
		return nil, ErrNotFound
	}
	res := make([]Response, 0, len(rec.responses))
	for _, r := range rec.responses {
		res = append(res, *r)
	}
	sort.Slice(res, func(i, j int) bool { return res[i].InviteeID < res[j].InviteeID })
	return res, nil
}
