package exchange

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestApplyBalanceUpsert(t *testing.T) {
	snap := NewAccountSnapshot("alice", "binance")
	require.True(t, snap.Stale)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	snap.Apply(&AccountUpdate{
		Kind:      UpdateBalance,
		EventTime: at,
		Balances:  []Balance{{Asset: "USDT", Free: d("90"), Locked: d("10"), Total: d("100")}},
	})

	require.Len(t, snap.Balances, 1)
	require.True(t, snap.Balances["USDT"].Total.Equal(d("100")))
	require.Equal(t, at, snap.LastUpdateAt)

	snap.Apply(&AccountUpdate{
		Kind:      UpdateBalance,
		EventTime: at.Add(time.Second),
		Balances:  []Balance{{Asset: "USDT", Free: d("50"), Locked: d("10"), Total: d("60")}},
	})
	require.True(t, snap.Balances["USDT"].Total.Equal(d("60")))
}

func TestApplyPositionZeroSizeRemoves(t *testing.T) {
	snap := NewAccountSnapshot("alice", "binance")
	snap.Apply(&AccountUpdate{
		Kind:      UpdatePosition,
		Positions: []Position{{Symbol: "BTCUSDT", Side: "long", Size: d("1")}},
	})
	require.Contains(t, snap.Positions, "BTCUSDT")

	snap.Apply(&AccountUpdate{
		Kind:      UpdatePosition,
		Positions: []Position{{Symbol: "BTCUSDT", Side: "long", Size: d("0")}},
	})
	require.NotContains(t, snap.Positions, "BTCUSDT")
}

func TestApplyMarginCallFlagsPosition(t *testing.T) {
	snap := NewAccountSnapshot("alice", "binance")
	snap.Apply(&AccountUpdate{
		Kind:      UpdatePosition,
		Positions: []Position{{Symbol: "ETHUSDT", Side: "short", Size: d("2"), EntryPrice: d("2400")}},
	})

	snap.Apply(&AccountUpdate{
		Kind:      UpdateMarginCall,
		Positions: []Position{{Symbol: "ETHUSDT", MarkPrice: d("2900"), UnrealizedPnl: d("-1000"), MarginCall: true}},
	})

	p := snap.Positions["ETHUSDT"]
	require.True(t, p.MarginCall)
	require.True(t, p.EntryPrice.Equal(d("2400")), "margin call keeps the known entry price")
	require.True(t, p.MarkPrice.Equal(d("2900")))
}

func TestApplyOrderTerminalStatusDrops(t *testing.T) {
	snap := NewAccountSnapshot("alice", "binance")
	snap.Apply(&AccountUpdate{
		Kind:   UpdateOrder,
		Orders: []Order{{OrderID: "1", Symbol: "BTCUSDT", Status: "new", Quantity: d("1")}},
	})
	snap.Apply(&AccountUpdate{
		Kind:   UpdateOrder,
		Orders: []Order{{OrderID: "1", Symbol: "BTCUSDT", Status: "partially_filled", Quantity: d("1"), Filled: d("0.5")}},
	})
	require.True(t, snap.Orders["1"].Filled.Equal(d("0.5")))

	snap.Apply(&AccountUpdate{
		Kind:   UpdateOrder,
		Orders: []Order{{OrderID: "1", Symbol: "BTCUSDT", Status: "filled", Quantity: d("1"), Filled: d("1")}},
	})
	require.NotContains(t, snap.Orders, "1")
}

func TestApplyFundingSetsTimestampAndBalances(t *testing.T) {
	snap := NewAccountSnapshot("alice", "binance")
	at := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	snap.Apply(&AccountUpdate{
		Kind:          UpdateFunding,
		EventTime:     at,
		FundingSymbol: "BTCUSDT",
		FundingAmount: d("-0.8"),
		Balances:      []Balance{{Asset: "USDT", Total: d("99.2")}},
	})
	require.Equal(t, at, snap.LastFundingAt)
	require.True(t, snap.Balances["USDT"].Total.Equal(d("99.2")))
}

func TestApplyEventTimeMonotonic(t *testing.T) {
	snap := NewAccountSnapshot("alice", "binance")
	later := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	earlier := later.Add(-time.Minute)

	snap.Apply(&AccountUpdate{Kind: UpdateBalance, EventTime: later})
	snap.Apply(&AccountUpdate{Kind: UpdateBalance, EventTime: earlier})
	require.Equal(t, later, snap.LastUpdateAt)
}

func TestCloneIsolation(t *testing.T) {
	snap := NewAccountSnapshot("alice", "binance")
	snap.Apply(&AccountUpdate{
		Kind:     UpdateBalance,
		Balances: []Balance{{Asset: "USDT", Total: d("100")}},
	})

	clone := snap.Clone()
	snap.Apply(&AccountUpdate{
		Kind:     UpdateBalance,
		Balances: []Balance{{Asset: "USDT", Total: d("1")}},
	})

	require.True(t, clone.Balances["USDT"].Total.Equal(d("100")))
	require.True(t, snap.Balances["USDT"].Total.Equal(d("1")))
}

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	_, err := r.Get("binance")
	require.ErrorIs(t, err, ErrUnsupportedExchange)
}

func TestCredentialErrorChain(t *testing.T) {
	base := NewCredentialError("okx", "passphrase mismatch", nil)
	wrapped := &CredentialError{Exchange: "okx", Err: base}

	require.True(t, IsCredentialError(base))
	require.True(t, IsCredentialError(wrapped))
	require.False(t, IsCredentialError(ErrConnectTimeout))
	require.Contains(t, base.Error(), "okx")
	require.Contains(t, base.Error(), "passphrase mismatch")
}
