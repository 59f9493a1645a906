package normalizer

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"accountflow/internal/exchange"
)

func init() {
	Register("bybit", formatBybit)
}

// Bybit v5 private stream messages: one envelope, topic-specific data.
type bybitMessage struct {
	Topic        string          `json:"topic"`
	CreationTime int64           `json:"creationTime"`
	Data         json.RawMessage `json:"data"`
}

type bybitWalletEntry struct {
	AccountType string      `json:"accountType"`
	Coins       []bybitCoin `json:"coin"`
}

type bybitCoin struct {
	Coin          string `json:"coin"`
	WalletBalance string `json:"walletBalance"`
	Available     string `json:"availableToWithdraw"`
	Locked        string `json:"locked"`
}

type bybitPosition struct {
	Symbol        string `json:"symbol"`
	Side          string `json:"side"`
	Size          string `json:"size"`
	EntryPrice    string `json:"entryPrice"`
	MarkPrice     string `json:"markPrice"`
	UnrealisedPnl string `json:"unrealisedPnl"`
	Status        string `json:"positionStatus"`
}

type bybitOrder struct {
	OrderID     string `json:"orderId"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	OrderStatus string `json:"orderStatus"`
	Price       string `json:"price"`
	Qty         string `json:"qty"`
	CumExecQty  string `json:"cumExecQty"`
	UpdatedTime string `json:"updatedTime"`
}

type bybitExecution struct {
	Symbol   string `json:"symbol"`
	ExecType string `json:"execType"`
	ExecFee  string `json:"execFee"`
}

func formatBybit(payload []byte) (*exchange.AccountUpdate, error) {
	var msg bybitMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, parseErr("bybit", "", err.Error())
	}
	if msg.Topic == "" {
		return nil, parseErr("bybit", "topic", "missing topic")
	}

	eventTime := time.UnixMilli(msg.CreationTime).UTC()

	switch msg.Topic {
	case "wallet":
		var entries []bybitWalletEntry
		if err := json.Unmarshal(msg.Data, &entries); err != nil {
			return nil, parseErr("bybit", "data", err.Error())
		}
		u := &exchange.AccountUpdate{Exchange: "bybit", Kind: exchange.UpdateBalance, EventTime: eventTime}
		for _, entry := range entries {
			for _, c := range entry.Coins {
				if c.Coin == "" {
					return nil, parseErr("bybit", "data.coin.coin", "missing asset")
				}
				total, err := decimal.NewFromString(c.WalletBalance)
				if err != nil {
					return nil, parseErr("bybit", "data.coin.walletBalance", "missing or invalid wallet balance")
				}
				free := optDecimal(c.Available)
				u.Balances = append(u.Balances, exchange.Balance{
					Asset:  c.Coin,
					Free:   free,
					Locked: optDecimal(c.Locked),
					Total:  total,
				})
			}
		}
		if len(u.Balances) == 0 {
			return nil, parseErr("bybit", "data", "wallet update without coins")
		}
		return u, nil

	case "position":
		var positions []bybitPosition
		if err := json.Unmarshal(msg.Data, &positions); err != nil {
			return nil, parseErr("bybit", "data", err.Error())
		}
		if len(positions) == 0 {
			return nil, parseErr("bybit", "data", "position update without positions")
		}
		u := &exchange.AccountUpdate{Exchange: "bybit", Kind: exchange.UpdatePosition, EventTime: eventTime}
		for _, p := range positions {
			if p.Symbol == "" {
				return nil, parseErr("bybit", "data.symbol", "missing symbol")
			}
			size, err := decimal.NewFromString(p.Size)
			if err != nil {
				return nil, parseErr("bybit", "data.size", "missing or invalid size")
			}
			side := "long"
			if strings.EqualFold(p.Side, "Sell") {
				side = "short"
			}
			pos := exchange.Position{
				Symbol:        p.Symbol,
				Side:          side,
				Size:          size,
				EntryPrice:    optDecimal(p.EntryPrice),
				MarkPrice:     optDecimal(p.MarkPrice),
				UnrealizedPnl: optDecimal(p.UnrealisedPnl),
			}
			if strings.EqualFold(p.Status, "Liq") || strings.EqualFold(p.Status, "Adl") {
				pos.MarginCall = true
				u.Kind = exchange.UpdateMarginCall
			}
			u.Positions = append(u.Positions, pos)
		}
		return u, nil

	case "order":
		var orders []bybitOrder
		if err := json.Unmarshal(msg.Data, &orders); err != nil {
			return nil, parseErr("bybit", "data", err.Error())
		}
		if len(orders) == 0 {
			return nil, parseErr("bybit", "data", "order update without orders")
		}
		u := &exchange.AccountUpdate{Exchange: "bybit", Kind: exchange.UpdateOrder, EventTime: eventTime}
		for _, o := range orders {
			if o.OrderID == "" {
				return nil, parseErr("bybit", "data.orderId", "missing order id")
			}
			if o.Symbol == "" {
				return nil, parseErr("bybit", "data.symbol", "missing symbol")
			}
			qty, err := decimal.NewFromString(o.Qty)
			if err != nil {
				return nil, parseErr("bybit", "data.qty", "missing or invalid qty")
			}
			u.Orders = append(u.Orders, exchange.Order{
				OrderID:   o.OrderID,
				Symbol:    o.Symbol,
				Side:      strings.ToLower(o.Side),
				Type:      strings.ToLower(o.OrderType),
				Status:    bybitOrderStatus(o.OrderStatus),
				Price:     optDecimal(o.Price),
				Quantity:  qty,
				Filled:    optDecimal(o.CumExecQty),
				UpdatedAt: bybitMillis(o.UpdatedTime, eventTime),
			})
		}
		return u, nil

	case "execution":
		var execs []bybitExecution
		if err := json.Unmarshal(msg.Data, &execs); err != nil {
			return nil, parseErr("bybit", "data", err.Error())
		}
		for _, e := range execs {
			if !strings.EqualFold(e.ExecType, "Funding") {
				continue
			}
			if e.Symbol == "" {
				return nil, parseErr("bybit", "data.symbol", "missing symbol")
			}
			return &exchange.AccountUpdate{
				Exchange:      "bybit",
				Kind:          exchange.UpdateFunding,
				EventTime:     eventTime,
				FundingSymbol: e.Symbol,
				FundingAmount: optDecimal(e.ExecFee).Neg(),
			}, nil
		}
		// Ordinary fills carry no account state of their own; the order
		// and wallet topics cover them.
		return nil, nil
	}

	return nil, parseErr("bybit", "topic", "unknown topic "+msg.Topic)
}

func bybitOrderStatus(status string) string {
	switch status {
	case "New", "Created", "Untriggered":
		return "new"
	case "PartiallyFilled":
		return "partially_filled"
	case "Filled":
		return "filled"
	case "Cancelled", "PartiallyFilledCanceled", "Deactivated":
		return "cancelled"
	case "Rejected":
		return "rejected"
	}
	return strings.ToLower(status)
}

func bybitMillis(s string, fallback time.Time) time.Time {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return fallback
	}
	return time.UnixMilli(d.IntPart()).UTC()
}
