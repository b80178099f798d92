package ledger

import (
	"errors"
	"fmt"
	"time"
)

// Amounts are whole coins, the platform's single internal unit. No floats.

// Action tags every ledger entry with the business operation that produced it.
type Action string

const (
	ActionPurchase          Action = "purchase"
	ActionPurchaseRefund    Action = "purchase_refund"
	ActionCallCharge        Action = "call_charge"
	ActionAuctionSale       Action = "auction_sale"
	ActionWithdrawalHold    Action = "withdrawal_hold"
	ActionWithdrawalRelease Action = "withdrawal_release"
	ActionCommissionPayout  Action = "commission_payout"
	ActionSignupBonus       Action = "signup_bonus"
	ActionTopUp             Action = "topup"
)

// Account holds the spendable and withheld coin balances for one party.
// The withheld balance is earmarked for an in-flight withdrawal.
type Account struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Available int64     `json:"available"`
	Withheld  int64     `json:"withheld"`
}

// Entry is one immutable, append-only ledger line. The per-account sum of
// Amount equals the account's available balance; the balance field is a cache,
// the log is the source of truth.
type Entry struct {
	ID            string            `json:"id"`
	AccountID     string            `json:"account_id"`
	Amount        int64             `json:"amount"` // signed
	Action        Action            `json:"action"`
	CorrelationID string            `json:"correlation_id"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	Sequence      uint64            `json:"sequence"` // monotonic per ledger
	CreatedAt     time.Time         `json:"created_at"`
}

// Transfer is the settled result of a debit/credit pair (or a bare credit).
// Its ID doubles as the correlation id shared by the produced entries.
type Transfer struct {
	ID             string    `json:"id"`
	CreatedAt      time.Time `json:"created_at"`
	FromID         string    `json:"from_id,omitempty"` // empty for credit-only operations
	ToID           string    `json:"to_id"`
	Amount         int64     `json:"amount"`
	Action         Action    `json:"action"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	Sequence       uint64    `json:"sequence"`
}

var (
	ErrNotFound          = errors.New("account not found")
	ErrInvalidAmount     = errors.New("amount must be > 0")
	ErrSameAccount       = errors.New("debit and credit account must differ")
	ErrInsufficientFunds = errors.New("insufficient funds")
	ErrInsufficientHold  = errors.New("withheld balance smaller than requested")
)

// InsufficientFundsError reports the shortfall so callers can render an
// actionable error (e.g. offer a top-up path).
type InsufficientFundsError struct {
	AccountID string
	Available int64
	Required  int64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: account %s has %d, requires %d",
		e.AccountID, e.Available, e.Required)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }
