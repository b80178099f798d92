package unlock

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"fanvault.io/internal/ids"
	"fanvault.io/internal/ledger"
	"fanvault.io/internal/notify"
)

var (
	ErrNotFound       = errors.New("item not found")
	ErrInvalidPrice   = errors.New("price must be >= 0")
	ErrMissingPointer = errors.New("resource pointer is required")
)

// Item is a priced, gated resource (content post or message attachment).
// Resource is the opaque pointer the external media service resolves into a
// time-limited retrieval URL.
type Item struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Price     int64     `json:"price"`
	Resource  string    `json:"resource"`
	CreatedAt time.Time `json:"created_at"`
}

// Result is the settled outcome of an unlock attempt. A replayed unlock is
// indistinguishable from first success apart from the AlreadyUnlocked flag.
type Result struct {
	AlreadyUnlocked bool            `json:"already_unlocked"`
	Resource        string          `json:"resource"`
	Transfer        ledger.Transfer `json:"transfer"`
}

type record struct {
	item       Item
	unlockedBy map[string]struct{}
}

// Service grants at-most-once paid access to items. The membership check and
// the purchase happen under one lock, so two concurrent unlock attempts by the
// same buyer can never double-charge; the ledger idempotency key guards
// cross-process retries as well.
type Service struct {
	mu     sync.Mutex
	items  map[string]*record
	ledger ledger.Service
	outbox *notify.Outbox
}

func NewService(l ledger.Service, outbox *notify.Outbox) *Service {
	return &Service{
		items:  make(map[string]*record),
		ledger: l,
		outbox: outbox,
	}
}

func (s *Service) CreateItem(ctx context.Context, ownerID string, price int64, resource string) (Item, error) {
	if price < 0 {
		return Item{}, ErrInvalidPrice
	}
	if strings.TrimSpace(resource) == "" {
		return Item{}, ErrMissingPointer
	}
	if _, err := s.ledger.GetAccount(ctx, ownerID); err != nil {
		return Item{}, err
	}

	item := Item{
		ID:        ids.New("itm"),
		OwnerID:   ownerID,
		Price:     price,
		Resource:  resource,
		CreatedAt: time.Now().UTC(),
	}

	s.mu.Lock()
	s.items[item.ID] = &record{item: item, unlockedBy: make(map[string]struct{})}
	s.mu.Unlock()
	return item, nil
}

func (s *Service) GetItem(ctx context.Context, id string) (Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.items[id]
	if !ok {
		return Item{}, ErrNotFound
	}
	return rec.item, nil
}

// Unlock charges the buyer once and adds them to the item's unlock set.
// Repeated calls by the same buyer are free and emit no new ledger entries.
func (s *Service) Unlock(ctx context.Context, buyerID, itemID string) (Result, error) {
	res, sold, err := s.unlock(ctx, buyerID, itemID)
	if err != nil {
		return Result{}, err
	}
	if sold != nil {
		// Post-commit, best-effort: a notification failure never rolls back
		// the unlock.
		s.outbox.Publish(notify.Event{
			Kind:      notify.KindItemSold,
			AccountID: sold.ownerID,
			Fields: map[string]string{
				"item_id":  itemID,
				"buyer_id": buyerID,
			},
		})
	}
	return res, nil
}

type saleInfo struct {
	ownerID string
}

func (s *Service) unlock(ctx context.Context, buyerID, itemID string) (Result, *saleInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.items[itemID]
	if !ok {
		return Result{}, nil, ErrNotFound
	}
	item := rec.item

	if buyerID == item.OwnerID {
		return Result{AlreadyUnlocked: true, Resource: item.Resource}, nil, nil
	}
	if _, done := rec.unlockedBy[buyerID]; done {
		return Result{AlreadyUnlocked: true, Resource: item.Resource}, nil, nil
	}

	var tx ledger.Transfer
	if item.Price > 0 {
		var err error
		tx, err = s.ledger.Transfer(ctx, buyerID, item.OwnerID, item.Price,
			ledger.ActionPurchase,
			map[string]string{"item_id": item.ID},
			"unlock:"+item.ID+":"+buyerID,
		)
		if err != nil {
			return Result{}, nil, err
		}
	} else if _, err := s.ledger.GetAccount(ctx, buyerID); err != nil {
		return Result{}, nil, err
	}

	rec.unlockedBy[buyerID] = struct{}{}
	return Result{Resource: item.Resource, Transfer: tx}, &saleInfo{ownerID: item.OwnerID}, nil
}
