package normalizer

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"accountflow/internal/exchange"
)

func init() {
	Register("okx", formatOkx)
}

// OKX v5 private channel pushes: envelope with arg.channel plus a data
// array whose shape depends on the channel.
type okxMessage struct {
	Arg struct {
		Channel string `json:"channel"`
	} `json:"arg"`
	Data json.RawMessage `json:"data"`
}

type okxAccountEntry struct {
	UpdateTime string             `json:"uTime"`
	Details    []okxBalanceDetail `json:"details"`
}

type okxBalanceDetail struct {
	Currency  string `json:"ccy"`
	CashBal   string `json:"cashBal"`
	AvailBal  string `json:"availBal"`
	FrozenBal string `json:"frozenBal"`
}

type okxPosition struct {
	InstID        string `json:"instId"`
	PosSide       string `json:"posSide"`
	Pos           string `json:"pos"`
	AvgPrice      string `json:"avgPx"`
	MarkPrice     string `json:"markPx"`
	UnrealizedPnl string `json:"upl"`
	UpdateTime    string `json:"uTime"`
}

type okxOrder struct {
	OrderID    string `json:"ordId"`
	InstID     string `json:"instId"`
	Side       string `json:"side"`
	OrdType    string `json:"ordType"`
	State      string `json:"state"`
	Price      string `json:"px"`
	Size       string `json:"sz"`
	FilledSize string `json:"accFillSz"`
	UpdateTime string `json:"uTime"`
}

func formatOkx(payload []byte) (*exchange.AccountUpdate, error) {
	var msg okxMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, parseErr("okx", "", err.Error())
	}
	if msg.Arg.Channel == "" {
		return nil, parseErr("okx", "arg.channel", "missing channel")
	}

	switch msg.Arg.Channel {
	case "account":
		var entries []okxAccountEntry
		if err := json.Unmarshal(msg.Data, &entries); err != nil {
			return nil, parseErr("okx", "data", err.Error())
		}
		u := &exchange.AccountUpdate{Exchange: "okx", Kind: exchange.UpdateBalance}
		for _, entry := range entries {
			u.EventTime = okxMillis(entry.UpdateTime, u.EventTime)
			for _, d := range entry.Details {
				if d.Currency == "" {
					return nil, parseErr("okx", "data.details.ccy", "missing currency")
				}
				total, err := decimal.NewFromString(d.CashBal)
				if err != nil {
					return nil, parseErr("okx", "data.details.cashBal", "missing or invalid cash balance")
				}
				u.Balances = append(u.Balances, exchange.Balance{
					Asset:  d.Currency,
					Free:   optDecimal(d.AvailBal),
					Locked: optDecimal(d.FrozenBal),
					Total:  total,
				})
			}
		}
		if len(u.Balances) == 0 {
			return nil, parseErr("okx", "data", "account update without balance details")
		}
		return u, nil

	case "positions":
		var positions []okxPosition
		if err := json.Unmarshal(msg.Data, &positions); err != nil {
			return nil, parseErr("okx", "data", err.Error())
		}
		if len(positions) == 0 {
			return nil, parseErr("okx", "data", "positions update without positions")
		}
		u := &exchange.AccountUpdate{Exchange: "okx", Kind: exchange.UpdatePosition}
		for _, p := range positions {
			if p.InstID == "" {
				return nil, parseErr("okx", "data.instId", "missing instrument")
			}
			size, err := decimal.NewFromString(p.Pos)
			if err != nil {
				return nil, parseErr("okx", "data.pos", "missing or invalid position size")
			}
			side := strings.ToLower(p.PosSide)
			if side != "long" && side != "short" {
				// Net mode: sign decides.
				if size.IsNegative() {
					side = "short"
				} else {
					side = "long"
				}
			}
			u.EventTime = okxMillis(p.UpdateTime, u.EventTime)
			u.Positions = append(u.Positions, exchange.Position{
				Symbol:        p.InstID,
				Side:          side,
				Size:          size.Abs(),
				EntryPrice:    optDecimal(p.AvgPrice),
				MarkPrice:     optDecimal(p.MarkPrice),
				UnrealizedPnl: optDecimal(p.UnrealizedPnl),
			})
		}
		return u, nil

	case "orders":
		var orders []okxOrder
		if err := json.Unmarshal(msg.Data, &orders); err != nil {
			return nil, parseErr("okx", "data", err.Error())
		}
		if len(orders) == 0 {
			return nil, parseErr("okx", "data", "orders update without orders")
		}
		u := &exchange.AccountUpdate{Exchange: "okx", Kind: exchange.UpdateOrder}
		for _, o := range orders {
			if o.OrderID == "" {
				return nil, parseErr("okx", "data.ordId", "missing order id")
			}
			if o.InstID == "" {
				return nil, parseErr("okx", "data.instId", "missing instrument")
			}
			qty, err := decimal.NewFromString(o.Size)
			if err != nil {
				return nil, parseErr("okx", "data.sz", "missing or invalid size")
			}
			u.EventTime = okxMillis(o.UpdateTime, u.EventTime)
			u.Orders = append(u.Orders, exchange.Order{
				OrderID:   o.OrderID,
				Symbol:    o.InstID,
				Side:      strings.ToLower(o.Side),
				Type:      strings.ToLower(o.OrdType),
				Status:    okxOrderStatus(o.State),
				Price:     optDecimal(o.Price),
				Quantity:  qty,
				Filled:    optDecimal(o.FilledSize),
				UpdatedAt: okxMillis(o.UpdateTime, time.Time{}),
			})
		}
		return u, nil
	}

	return nil, parseErr("okx", "arg.channel", "unknown channel "+msg.Arg.Channel)
}

func okxOrderStatus(state string) string {
	switch state {
	case "live":
		return "new"
	case "partially_filled":
		return "partially_filled"
	case "filled":
		return "filled"
	case "canceled", "mmp_canceled":
		return "cancelled"
	}
	return strings.ToLower(state)
}

func okxMillis(s string, fallback time.Time) time.Time {
	ms, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fallback
	}
	return time.UnixMilli(ms).UTC()
}
