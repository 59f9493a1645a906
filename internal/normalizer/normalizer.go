package normalizer

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"accountflow/internal/exchange"
)

// ParseError reports a vendor payload that could not be mapped into the
// canonical schema. Frames carrying one are logged and dropped; no
// snapshot is mutated.
type ParseError struct {
	Exchange string
	Field    string
	Reason   string
}

func (e *ParseError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: cannot normalize payload: field %s: %s", e.Exchange, e.Field, e.Reason)
	}
	return fmt.Sprintf("%s: cannot normalize payload: %s", e.Exchange, e.Reason)
}

func parseErr(exchangeName, field, reason string) *ParseError {
	return &ParseError{Exchange: exchangeName, Field: field, Reason: reason}
}

// FormatFunc maps one raw vendor data payload to a canonical update.
type FormatFunc func(payload []byte) (*exchange.AccountUpdate, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]FormatFunc)
)

// Register installs the format function for an exchange. Adapters for
// new vendors register here without touching the dispatch core.
func Register(exchangeName string, fn FormatFunc) {
	registryMu.Lock()
	registry[strings.ToLower(exchangeName)] = fn
	registryMu.Unlock()
}

// FormatAccountUpdate converts a vendor data payload into the canonical
// AccountUpdate for the given exchange. A nil update with a nil error
// means the payload is valid but carries nothing to merge.
func FormatAccountUpdate(exchangeName string, payload []byte) (*exchange.AccountUpdate, error) {
	registryMu.RLock()
	fn, ok := registry[strings.ToLower(exchangeName)]
	registryMu.RUnlock()
	if !ok {
		return nil, exchange.ErrUnsupportedExchange
	}
	return fn(payload)
}

// HumanSummary renders one canonical update as a short display line.
// Pure and deterministic; no side effects.
func HumanSummary(exchangeName string, u *exchange.AccountUpdate) string {
	if u == nil {
		return ""
	}
	switch u.Kind {
	case exchange.UpdateBalance:
		parts := make([]string, 0, len(u.Balances))
		for _, b := range u.Balances {
			parts = append(parts, fmt.Sprintf("%s=%s", b.Asset, b.Total.String()))
		}
		return fmt.Sprintf("[%s] balance update: %s", exchangeName, strings.Join(parts, " "))

	case exchange.UpdatePosition:
		parts := make([]string, 0, len(u.Positions))
		for _, p := range u.Positions {
			parts = append(parts, fmt.Sprintf("%s %s %s @ %s (upnl %s)", p.Symbol, p.Side, p.Size.String(), p.EntryPrice.String(), p.UnrealizedPnl.String()))
		}
		return fmt.Sprintf("[%s] position update: %s", exchangeName, strings.Join(parts, "; "))

	case exchange.UpdateMarginCall:
		symbols := make([]string, 0, len(u.Positions))
		for _, p := range u.Positions {
			symbols = append(symbols, p.Symbol)
		}
		return fmt.Sprintf("[%s] MARGIN CALL on %s", exchangeName, strings.Join(symbols, ", "))

	case exchange.UpdateOrder:
		parts := make([]string, 0, len(u.Orders))
		for _, o := range u.Orders {
			parts = append(parts, fmt.Sprintf("%s %s %s %s/%s %s", o.Symbol, o.Side, o.Status, o.Filled.String(), o.Quantity.String(), o.Price.String()))
		}
		return fmt.Sprintf("[%s] order update: %s", exchangeName, strings.Join(parts, "; "))

	case exchange.UpdateFunding:
		return fmt.Sprintf("[%s] funding %s on %s", exchangeName, u.FundingAmount.String(), u.FundingSymbol)
	}
	return fmt.Sprintf("[%s] %s update", exchangeName, u.Kind)
}

// SnapshotSummary renders the cached account state as a multi-line
// report, deterministically ordered. Pure; no side effects.
func SnapshotSummary(s *exchange.AccountSnapshot) string {
	if s == nil {
		return ""
	}

	var b strings.Builder
	fmt.Fprintf(&b, "account %s@%s", s.UserID, s.Exchange)
	if s.Stale {
		b.WriteString(" (stale)")
	}
	if !s.LastUpdateAt.IsZero() {
		fmt.Fprintf(&b, " as of %s", s.LastUpdateAt.UTC().Format("2006-01-02T15:04:05Z"))
	}
	b.WriteString("\n")

	assets := make([]string, 0, len(s.Balances))
	for a := range s.Balances {
		assets = append(assets, a)
	}
	sort.Strings(assets)
	for _, a := range assets {
		bal := s.Balances[a]
		fmt.Fprintf(&b, "  balance %s free=%s locked=%s total=%s\n", bal.Asset, bal.Free.String(), bal.Locked.String(), bal.Total.String())
	}

	symbols := make([]string, 0, len(s.Positions))
	for sym := range s.Positions {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	for _, sym := range symbols {
		p := s.Positions[sym]
		fmt.Fprintf(&b, "  position %s %s %s entry=%s mark=%s upnl=%s", p.Symbol, p.Side, p.Size.String(), p.EntryPrice.String(), p.MarkPrice.String(), p.UnrealizedPnl.String())
		if p.MarginCall {
			b.WriteString(" MARGIN CALL")
		}
		b.WriteString("\n")
	}

	ids := make([]string, 0, len(s.Orders))
	for id := range s.Orders {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		o := s.Orders[id]
		fmt.Fprintf(&b, "  order %s %s %s %s %s filled=%s/%s @ %s\n", o.OrderID, o.Symbol, o.Side, o.Type, o.Status, o.Filled.String(), o.Quantity.String(), o.Price.String())
	}

	return strings.TrimRight(b.String(), "\n")
}
