package normalizer

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"accountflow/internal/exchange"
)

func init() {
	Register("kucoin", formatKucoin)
}

// KuCoin futures private topics. Unlike the other vendors, numeric
// position fields arrive as JSON numbers rather than strings.
type kucoinMessage struct {
	Topic   string          `json:"topic"`
	Subject string          `json:"subject"`
	Data    json.RawMessage `json:"data"`
}

type kucoinWallet struct {
	Currency         string `json:"currency"`
	AvailableBalance string `json:"availableBalance"`
	HoldBalance      string `json:"holdBalance"`
	Timestamp        int64  `json:"timestamp"`
}

type kucoinPosition struct {
	Symbol        string  `json:"symbol"`
	CurrentQty    float64 `json:"currentQty"`
	AvgEntryPrice float64 `json:"avgEntryPrice"`
	MarkPrice     float64 `json:"markPrice"`
	UnrealisedPnl float64 `json:"unrealisedPnl"`
	CurrentTime   int64   `json:"currentTimestamp"`
}

type kucoinOrder struct {
	OrderID    string `json:"orderId"`
	Symbol     string `json:"symbol"`
	Side       string `json:"side"`
	OrderType  string `json:"orderType"`
	Status     string `json:"status"`
	Price      string `json:"price"`
	Size       string `json:"size"`
	FilledSize string `json:"filledSize"`
	OrderTime  int64  `json:"orderTime"`
}

func formatKucoin(payload []byte) (*exchange.AccountUpdate, error) {
	var msg kucoinMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, parseErr("kucoin", "", err.Error())
	}
	if msg.Topic == "" {
		return nil, parseErr("kucoin", "topic", "missing topic")
	}

	topic := msg.Topic
	if i := strings.Index(topic, ":"); i >= 0 {
		topic = topic[:i]
	}

	switch topic {
	case "/contractAccount/wallet":
		var w kucoinWallet
		if err := json.Unmarshal(msg.Data, &w); err != nil {
			return nil, parseErr("kucoin", "data", err.Error())
		}
		if w.Currency == "" {
			return nil, parseErr("kucoin", "data.currency", "missing currency")
		}
		free, err := decimal.NewFromString(w.AvailableBalance)
		if err != nil {
			return nil, parseErr("kucoin", "data.availableBalance", "missing or invalid available balance")
		}
		locked := optDecimal(w.HoldBalance)
		return &exchange.AccountUpdate{
			Exchange:  "kucoin",
			Kind:      exchange.UpdateBalance,
			EventTime: time.UnixMilli(w.Timestamp).UTC(),
			Balances: []exchange.Balance{{
				Asset:  w.Currency,
				Free:   free,
				Locked: locked,
				Total:  free.Add(locked),
			}},
		}, nil

	case "/contract/position":
		var p kucoinPosition
		if err := json.Unmarshal(msg.Data, &p); err != nil {
			return nil, parseErr("kucoin", "data", err.Error())
		}
		if p.Symbol == "" {
			return nil, parseErr("kucoin", "data.symbol", "missing symbol")
		}
		size := decimal.NewFromFloat(p.CurrentQty)
		side := "long"
		if size.IsNegative() {
			side = "short"
		}
		return &exchange.AccountUpdate{
			Exchange:  "kucoin",
			Kind:      exchange.UpdatePosition,
			EventTime: time.UnixMilli(p.CurrentTime).UTC(),
			Positions: []exchange.Position{{
				Symbol:        p.Symbol,
				Side:          side,
				Size:          size.Abs(),
				EntryPrice:    decimal.NewFromFloat(p.AvgEntryPrice),
				MarkPrice:     decimal.NewFromFloat(p.MarkPrice),
				UnrealizedPnl: decimal.NewFromFloat(p.UnrealisedPnl),
			}},
		}, nil

	case "/contractMarket/tradeOrders":
		var o kucoinOrder
		if err := json.Unmarshal(msg.Data, &o); err != nil {
			return nil, parseErr("kucoin", "data", err.Error())
		}
		if o.OrderID == "" {
			return nil, parseErr("kucoin", "data.orderId", "missing order id")
		}
		if o.Symbol == "" {
			return nil, parseErr("kucoin", "data.symbol", "missing symbol")
		}
		qty, err := decimal.NewFromString(o.Size)
		if err != nil {
			return nil, parseErr("kucoin", "data.size", "missing or invalid size")
		}
		return &exchange.AccountUpdate{
			Exchange:  "kucoin",
			Kind:      exchange.UpdateOrder,
			EventTime: time.UnixMilli(o.OrderTime / int64(time.Millisecond)).UTC(),
			Orders: []exchange.Order{{
				OrderID:   o.OrderID,
				Symbol:    o.Symbol,
				Side:      strings.ToLower(o.Side),
				Type:      strings.ToLower(o.OrderType),
				Status:    kucoinOrderStatus(o.Status),
				Price:     optDecimal(o.Price),
				Quantity:  qty,
				Filled:    optDecimal(o.FilledSize),
				UpdatedAt: time.UnixMilli(o.OrderTime / int64(time.Millisecond)).UTC(),
			}},
		}, nil
	}

	return nil, parseErr("kucoin", "topic", "unknown topic "+msg.Topic)
}

func kucoinOrderStatus(status string) string {
	switch strings.ToLower(status) {
	case "open", "match":
		return "new"
	case "done":
		return "filled"
	}
	return strings.ToLower(status)
}
