package normalizer

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"accountflow/internal/exchange"
)

func init() {
	Register("binance", formatBinance)
}

// Binance futures user-data stream events. Field names follow the
// vendor's single-letter wire format.
type binanceEvent struct {
	EventType string `json:"e"`
	EventTime int64  `json:"E"`

	// ACCOUNT_UPDATE
	Account *binanceAccountData `json:"a,omitempty"`

	// MARGIN_CALL
	CrossWallet   string                `json:"cw,omitempty"`
	CallPositions []binanceCallPosition `json:"p,omitempty"`

	// ORDER_TRADE_UPDATE
	Order *binanceOrderData `json:"o,omitempty"`
}

type binanceAccountData struct {
	Reason    string            `json:"m"`
	Balances  []binanceBalance  `json:"B"`
	Positions []binancePosition `json:"P"`
}

type binanceBalance struct {
	Asset         string `json:"a"`
	WalletBalance string `json:"wb"`
	CrossWallet   string `json:"cw"`
	BalanceChange string `json:"bc"`
}

type binancePosition struct {
	Symbol        string `json:"s"`
	PositionAmt   string `json:"pa"`
	EntryPrice    string `json:"ep"`
	UnrealizedPnl string `json:"up"`
	PositionSide  string `json:"ps"`
}

type binanceCallPosition struct {
	Symbol        string `json:"s"`
	PositionSide  string `json:"ps"`
	PositionAmt   string `json:"pa"`
	MarkPrice     string `json:"mp"`
	UnrealizedPnl string `json:"up"`
}

type binanceOrderData struct {
	Symbol    string `json:"s"`
	Side      string `json:"S"`
	OrderType string `json:"o"`
	Quantity  string `json:"q"`
	Price     string `json:"p"`
	Status    string `json:"X"`
	OrderID   int64  `json:"i"`
	FilledQty string `json:"z"`
	TradeTime int64  `json:"T"`
}

func formatBinance(payload []byte) (*exchange.AccountUpdate, error) {
	var ev binanceEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, parseErr("binance", "", err.Error())
	}

	eventTime := time.UnixMilli(ev.EventTime).UTC()

	switch ev.EventType {
	case "ACCOUNT_UPDATE":
		if ev.Account == nil {
			return nil, parseErr("binance", "a", "missing account data")
		}
		u := &exchange.AccountUpdate{
			Exchange:  "binance",
			EventTime: eventTime,
			Reason:    ev.Account.Reason,
		}
		for _, b := range ev.Account.Balances {
			if b.Asset == "" {
				return nil, parseErr("binance", "a.B.a", "missing asset")
			}
			total, err := decimal.NewFromString(b.WalletBalance)
			if err != nil {
				return nil, parseErr("binance", "a.B.wb", "missing or invalid wallet balance")
			}
			free := total
			if cw, err := decimal.NewFromString(b.CrossWallet); err == nil {
				free = cw
			}
			u.Balances = append(u.Balances, exchange.Balance{
				Asset:  b.Asset,
				Free:   free,
				Locked: total.Sub(free),
				Total:  total,
			})
		}
		for _, p := range ev.Account.Positions {
			if p.Symbol == "" {
				return nil, parseErr("binance", "a.P.s", "missing symbol")
			}
			size, err := decimal.NewFromString(p.PositionAmt)
			if err != nil {
				return nil, parseErr("binance", "a.P.pa", "missing or invalid position amount")
			}
			u.Positions = append(u.Positions, exchange.Position{
				Symbol:        p.Symbol,
				Side:          binanceSide(p.PositionSide, size),
				Size:          size.Abs(),
				EntryPrice:    optDecimal(p.EntryPrice),
				UnrealizedPnl: optDecimal(p.UnrealizedPnl),
			})
		}
		switch {
		case ev.Account.Reason == "FUNDING_FEE":
			u.Kind = exchange.UpdateFunding
			if len(ev.Account.Positions) > 0 {
				u.FundingSymbol = ev.Account.Positions[0].Symbol
			}
			for _, b := range ev.Account.Balances {
				u.FundingAmount = optDecimal(b.BalanceChange)
			}
		case len(u.Positions) > 0:
			u.Kind = exchange.UpdatePosition
		default:
			u.Kind = exchange.UpdateBalance
		}
		if len(u.Balances) == 0 && len(u.Positions) == 0 {
			return nil, parseErr("binance", "a", "empty account update")
		}
		return u, nil

	case "MARGIN_CALL":
		if len(ev.CallPositions) == 0 {
			return nil, parseErr("binance", "p", "margin call without positions")
		}
		u := &exchange.AccountUpdate{
			Exchange:  "binance",
			Kind:      exchange.UpdateMarginCall,
			EventTime: eventTime,
		}
		for _, p := range ev.CallPositions {
			if p.Symbol == "" {
				return nil, parseErr("binance", "p.s", "missing symbol")
			}
			size := optDecimal(p.PositionAmt)
			u.Positions = append(u.Positions, exchange.Position{
				Symbol:        p.Symbol,
				Side:          binanceSide(p.PositionSide, size),
				Size:          size.Abs(),
				MarkPrice:     optDecimal(p.MarkPrice),
				UnrealizedPnl: optDecimal(p.UnrealizedPnl),
				MarginCall:    true,
			})
		}
		return u, nil

	case "ORDER_TRADE_UPDATE":
		if ev.Order == nil {
			return nil, parseErr("binance", "o", "missing order data")
		}
		o := ev.Order
		if o.Symbol == "" {
			return nil, parseErr("binance", "o.s", "missing symbol")
		}
		if o.OrderID == 0 {
			return nil, parseErr("binance", "o.i", "missing order id")
		}
		qty, err := decimal.NewFromString(o.Quantity)
		if err != nil {
			return nil, parseErr("binance", "o.q", "missing or invalid quantity")
		}
		return &exchange.AccountUpdate{
			Exchange:  "binance",
			Kind:      exchange.UpdateOrder,
			EventTime: eventTime,
			Orders: []exchange.Order{{
				OrderID:   decimal.NewFromInt(o.OrderID).String(),
				Symbol:    o.Symbol,
				Side:      strings.ToLower(o.Side),
				Type:      strings.ToLower(o.OrderType),
				Status:    binanceOrderStatus(o.Status),
				Price:     optDecimal(o.Price),
				Quantity:  qty,
				Filled:    optDecimal(o.FilledQty),
				UpdatedAt: time.UnixMilli(o.TradeTime).UTC(),
			}},
		}, nil
	}

	return nil, parseErr("binance", "e", "unknown event type "+ev.EventType)
}

func binanceSide(positionSide string, size decimal.Decimal) string {
	switch strings.ToUpper(positionSide) {
	case "LONG":
		return "long"
	case "SHORT":
		return "short"
	}
	// BOTH (one-way mode): sign of the amount decides.
	if size.IsNegative() {
		return "short"
	}
	return "long"
}

func binanceOrderStatus(status string) string {
	switch strings.ToUpper(status) {
	case "NEW":
		return "new"
	case "PARTIALLY_FILLED":
		return "partially_filled"
	case "FILLED":
		return "filled"
	case "CANCELED":
		return "cancelled"
	case "REJECTED":
		return "rejected"
	case "EXPIRED":
		return "expired"
	}
	return strings.ToLower(status)
}

// optDecimal parses optional numeric fields, defaulting to zero.
func optDecimal(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}
