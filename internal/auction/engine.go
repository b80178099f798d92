package auction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"fanvault.io/internal/ids"
	"fanvault.io/internal/ledger"
	"fanvault.io/internal/notify"
	"fanvault.io/internal/obs"
)

// Status is the auction lifecycle state. Once status leaves active no further
// bids are accepted.
type Status string

const (
	StatusActive Status = "active"
	StatusSold   Status = "sold"
	StatusUnsold Status = "unsold"
)

var (
	ErrNotFound   = errors.New("auction not found")
	ErrClosed     = errors.New("auction closed")
	ErrSellerBid  = errors.New("seller cannot bid on own auction")
	ErrNoBuyNow   = errors.New("auction has no buy-now price")
	ErrNotExpired = errors.New("auction has not expired yet")
	ErrBidTooLow  = errors.New("bid too low")
)

// BidTooLowError reports the bid floor so clients can re-bid sensibly.
type BidTooLowError struct {
	Offered int64
	Minimum int64 // smallest acceptable bid
}

func (e *BidTooLowError) Error() string {
	return fmt.Sprintf("bid too low: offered %d, minimum %d", e.Offered, e.Minimum)
}

func (e *BidTooLowError) Unwrap() error { return ErrBidTooLow }

// Bid is one accepted bid. Bids are commitments, not charges: funds move only
// at close or buy-now.
type Bid struct {
	BidderID string    `json:"bidder_id"`
	Amount   int64     `json:"amount"`
	At       time.Time `json:"at"`
}

// Auction is a single-lot listing.
type Auction struct {
	ID           string    `json:"id"`
	SellerID     string    `json:"seller_id"`
	StartPrice   int64     `json:"start_price"`
	BuyNowPrice  int64     `json:"buy_now_price,omitempty"` // 0 = not offered
	CurrentBid   int64     `json:"current_bid"`
	HighBidderID string    `json:"high_bidder_id,omitempty"`
	EndsAt       time.Time `json:"ends_at"`
	Status       Status    `json:"status"`
	CreatedAt    time.Time `json:"created_at"`
}

type record struct {
	auction     Auction
	bids        []Bid
	buyNowBuyer string // set when the auction settled via buy-now
}

// Engine accepts bids and settles expired auctions. Bid acceptance serializes
// on the engine lock, so concurrent bids apply in submission order relative to
// the stored high bid; close is idempotent because settlement goes through a
// ledger idempotency key and closed auctions short-circuit.
type Engine struct {
	mu       sync.Mutex
	auctions map[string]*record
	ledger   ledger.Service
	outbox   *notify.Outbox
	now      func() time.Time
}

// Option configures Engine.
type Option func(*Engine)

// WithClock overrides the time source. Only intended for test use.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

func NewEngine(l ledger.Service, outbox *notify.Outbox, opts ...Option) *Engine {
	e := &Engine{
		auctions: make(map[string]*record),
		ledger:   l,
		outbox:   outbox,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Engine) Create(ctx context.Context, sellerID string, startPrice, buyNowPrice int64, endsAt time.Time) (Auction, error) {
	if startPrice <= 0 {
		return Auction{}, ledger.ErrInvalidAmount
	}
	if buyNowPrice < 0 || (buyNowPrice > 0 && buyNowPrice < startPrice) {
		return Auction{}, ledger.ErrInvalidAmount
	}
	if !endsAt.After(e.now()) {
		return Auction{}, errors.New("ends_at must be in the future")
	}
	if _, err := e.ledger.GetAccount(ctx, sellerID); err != nil {
		return Auction{}, err
	}

	a := Auction{
		ID:          ids.New("auc"),
		SellerID:    sellerID,
		StartPrice:  startPrice,
		BuyNowPrice: buyNowPrice,
		EndsAt:      endsAt.UTC(),
		Status:      StatusActive,
		CreatedAt:   e.now().UTC(),
	}
	e.mu.Lock()
	e.auctions[a.ID] = &record{auction: a}
	e.mu.Unlock()
	return a, nil
}

func (e *Engine) Get(ctx context.Context, id string) (Auction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.auctions[id]
	if !ok {
		return Auction{}, ErrNotFound
	}
	return rec.auction, nil
}

// Bids returns the accepted bid history, oldest first.
func (e *Engine) Bids(ctx context.Context, id string) ([]Bid, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.auctions[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := make([]Bid, len(rec.bids))
	copy(out, rec.bids)
	return out, nil
}

// PlaceBid records a strictly increasing commitment; ties are rejected and no
// funds move.
func (e *Engine) PlaceBid(ctx context.Context, auctionID, bidderID string, amount int64) (Auction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.auctions[auctionID]
	if !ok {
		return Auction{}, ErrNotFound
	}
	a := &rec.auction
	if a.Status != StatusActive || !e.now().Before(a.EndsAt) {
		return Auction{}, ErrClosed
	}
	if bidderID == a.SellerID {
		return Auction{}, ErrSellerBid
	}

	minimum := a.StartPrice
	if a.HighBidderID != "" {
		minimum = a.CurrentBid + 1
	}
	if amount < minimum {
		return Auction{}, &BidTooLowError{Offered: amount, Minimum: minimum}
	}

	a.CurrentBid = amount
	a.HighBidderID = bidderID
	rec.bids = append(rec.bids, Bid{BidderID: bidderID, Amount: amount, At: e.now().UTC()})
	return *a, nil
}

// BuyNow short-circuits to immediate settlement at the buy-now price.
func (e *Engine) BuyNow(ctx context.Context, auctionID, buyerID string) (Auction, error) {
	a, evt, err := e.buyNow(ctx, auctionID, buyerID)
	if err != nil {
		return Auction{}, err
	}
	e.publish(evt)
	return a, nil
}

func (e *Engine) buyNow(ctx context.Context, auctionID, buyerID string) (Auction, *notify.Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.auctions[auctionID]
	if !ok {
		return Auction{}, nil, ErrNotFound
	}
	a := &rec.auction
	if a.Status != StatusActive || !e.now().Before(a.EndsAt) {
		// A retried buy-now from the buyer who already settled replays the
		// stored result; the ledger key absorbed the charge. Anyone else
		// sees a closed auction.
		if a.Status == StatusSold && buyerID != "" && buyerID == rec.buyNowBuyer {
			return *a, nil, nil
		}
		return Auction{}, nil, ErrClosed
	}
	if a.BuyNowPrice <= 0 {
		return Auction{}, nil, ErrNoBuyNow
	}
	if buyerID == a.SellerID {
		return Auction{}, nil, ErrSellerBid
	}

	_, err := e.ledger.Transfer(ctx, buyerID, a.SellerID, a.BuyNowPrice,
		ledger.ActionAuctionSale,
		map[string]string{"auction_id": a.ID, "kind": "buy_now"},
		"auction-buynow:"+a.ID,
	)
	if err != nil {
		return Auction{}, nil, err
	}

	a.Status = StatusSold
	a.CurrentBid = a.BuyNowPrice
	a.HighBidderID = buyerID
	rec.buyNowBuyer = buyerID
	return *a, e.closedEvent(a), nil
}

// Close settles an expired auction. Invoking it twice is a no-op, not a
// double-charge: the sweep may retry after a partial failure.
func (e *Engine) Close(ctx context.Context, auctionID string) (Auction, error) {
	a, evt, err := e.close(ctx, auctionID)
	if err != nil {
		return Auction{}, err
	}
	e.publish(evt)
	return a, nil
}

func (e *Engine) close(ctx context.Context, auctionID string) (Auction, *notify.Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	rec, ok := e.auctions[auctionID]
	if !ok {
		return Auction{}, nil, ErrNotFound
	}
	a := &rec.auction
	if a.Status != StatusActive {
		return *a, nil, nil
	}
	if e.now().Before(a.EndsAt) {
		return Auction{}, nil, ErrNotExpired
	}

	if a.HighBidderID == "" {
		a.Status = StatusUnsold
		return *a, e.closedEvent(a), nil
	}

	_, err := e.ledger.Transfer(ctx, a.HighBidderID, a.SellerID, a.CurrentBid,
		ledger.ActionAuctionSale,
		map[string]string{"auction_id": a.ID, "kind": "close"},
		"auction-close:"+a.ID,
	)
	switch {
	case err == nil:
		a.Status = StatusSold
	case errors.Is(err, ledger.ErrInsufficientFunds):
		// Bids are commitments, not escrow: a winner who cannot pay forfeits
		// and the lot goes unsold.
		a.Status = StatusUnsold
	default:
		return Auction{}, nil, err
	}
	return *a, e.closedEvent(a), nil
}

// SweepExpired closes every expired auction still active. Driven by the
// api sweeper goroutine on a ticker; tolerant of overlapping invocations.
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	e.mu.Lock()
	var expired []string
	now := e.now()
	for id, rec := range e.auctions {
		if rec.auction.Status == StatusActive && !now.Before(rec.auction.EndsAt) {
			expired = append(expired, id)
		}
	}
	e.mu.Unlock()

	var closed int
	for _, id := range expired {
		if _, err := e.Close(ctx, id); err != nil {
			return closed, err
		}
		closed++
	}
	obs.RecordSweep()
	return closed, nil
}

func (e *Engine) closedEvent(a *Auction) *notify.Event {
	return &notify.Event{
		Kind:      notify.KindAuctionClosed,
		AccountID: a.SellerID,
		Fields: map[string]string{
			"auction_id": a.ID,
			"status":     string(a.Status),
			"winner_id":  a.HighBidderID,
			"amount":     fmt.Sprintf("%d", a.CurrentBid),
		},
	}
}

func (e *Engine) publish(evt *notify.Event) {
	if evt != nil {
		e.outbox.Publish(*evt)
	}
}
