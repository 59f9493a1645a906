package exchange

import (
	"time"

	"github.com/shopspring/decimal"
)

// UpdateKind identifies the canonical category of an account event.
type UpdateKind string

const (
	UpdateBalance    UpdateKind = "BALANCE"
	UpdatePosition   UpdateKind = "POSITION"
	UpdateMarginCall UpdateKind = "MARGIN_CALL"
	UpdateOrder      UpdateKind = "ORDER"
	UpdateFunding    UpdateKind = "FUNDING"
)

// Balance is the canonical per-asset balance.
type Balance struct {
	Asset  string
	Free   decimal.Decimal
	Locked decimal.Decimal
	Total  decimal.Decimal
}

// Position is the canonical open position for one symbol.
type Position struct {
	Symbol        string
	Side          string // "long" / "short"
	Size          decimal.Decimal
	EntryPrice    decimal.Decimal
	MarkPrice     decimal.Decimal
	UnrealizedPnl decimal.Decimal
	MarginCall    bool
}

// Order is the canonical open or recently changed order.
type Order struct {
	OrderID   string
	Symbol    string
	Side      string // "buy" / "sell"
	Type      string // "limit" / "market"
	Status    string // "new" / "partially_filled" / "filled" / "cancelled" / "rejected"
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	Filled    decimal.Decimal
	UpdatedAt time.Time
}

// AccountUpdate is the transient canonical value produced per push frame.
// It is merged into the owning AccountSnapshot and not retained.
type AccountUpdate struct {
	Exchange  string
	Kind      UpdateKind
	EventTime time.Time

	// Populated per kind; unused slices stay nil.
	Balances  []Balance  // BALANCE, FUNDING settlements touching wallet
	Positions []Position // POSITION, MARGIN_CALL
	Orders    []Order    // ORDER

	// FUNDING detail
	FundingSymbol string
	FundingAmount decimal.Decimal

	// Vendor reason string when one is provided (e.g. "FUNDING_FEE").
	Reason string
}

// AccountSnapshot is the vendor-agnostic cached account state for one
// (user, exchange) pair. The owning session's read loop is the only
// writer; readers always receive a Clone.
type AccountSnapshot struct {
	UserID   string
	Exchange string

	Balances  map[string]Balance  // keyed by asset
	Positions map[string]Position // keyed by symbol
	Orders    map[string]Order    // keyed by order id

	LastUpdateAt  time.Time
	LastFundingAt time.Time
	Stale         bool
}

func NewAccountSnapshot(userID, exchange string) *AccountSnapshot {
	return &AccountSnapshot{
		UserID:    userID,
		Exchange:  exchange,
		Balances:  make(map[string]Balance),
		Positions: make(map[string]Position),
		Orders:    make(map[string]Order),
		Stale:     true,
	}
}

// terminal order statuses are dropped from the open-order map once seen.
var terminalOrderStatus = map[string]bool{
	"filled":    true,
	"cancelled": true,
	"rejected":  true,
	"expired":   true,
}

// Apply merges one canonical update into the snapshot in place.
func (s *AccountSnapshot) Apply(u *AccountUpdate) {
	if u == nil {
		return
	}

	// Vendor frames routinely carry wallet changes alongside position or
	// order data, so balance merging is kind-independent.
	for _, b := range u.Balances {
		s.Balances[b.Asset] = b
	}

	switch u.Kind {
	case UpdateFunding:
		s.LastFundingAt = u.EventTime

	case UpdatePosition:
		for _, p := range u.Positions {
			if p.Size.IsZero() {
				delete(s.Positions, p.Symbol)
				continue
			}
			s.Positions[p.Symbol] = p
		}

	case UpdateMarginCall:
		for _, p := range u.Positions {
			existing, ok := s.Positions[p.Symbol]
			if !ok {
				existing = p
			}
			existing.MarginCall = true
			if !p.MarkPrice.IsZero() {
				existing.MarkPrice = p.MarkPrice
			}
			if !p.UnrealizedPnl.IsZero() {
				existing.UnrealizedPnl = p.UnrealizedPnl
			}
			s.Positions[p.Symbol] = existing
		}

	case UpdateOrder:
		for _, o := range u.Orders {
			if terminalOrderStatus[o.Status] {
				delete(s.Orders, o.OrderID)
				continue
			}
			s.Orders[o.OrderID] = o
		}
	}

	if u.EventTime.After(s.LastUpdateAt) {
		s.LastUpdateAt = u.EventTime
	}
}

// Clone returns a deep copy safe for concurrent readers.
func (s *AccountSnapshot) Clone() *AccountSnapshot {
	out := &AccountSnapshot{
		UserID:        s.UserID,
		Exchange:      s.Exchange,
		Balances:      make(map[string]Balance, len(s.Balances)),
		Positions:     make(map[string]Position, len(s.Positions)),
		Orders:        make(map[string]Order, len(s.Orders)),
		LastUpdateAt:  s.LastUpdateAt,
		LastFundingAt: s.LastFundingAt,
		Stale:         s.Stale,
	}
	for k, v := range s.Balances {
		out.Balances[k] = v
	}
	for k, v := range s.Positions {
		out.Positions[k] = v
	}
	for k, v := range s.Orders {
		out.Orders[k] = v
	}
	return out
}
