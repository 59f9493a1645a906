package normalizer

import (
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"accountflow/internal/exchange"
)

func TestFormatUnsupportedExchange(t *testing.T) {
	_, err := FormatAccountUpdate("ftx", []byte(`{}`))
	require.ErrorIs(t, err, exchange.ErrUnsupportedExchange)
}

func TestFormatBinanceBalance(t *testing.T) {
	payload := []byte(`{
		"e": "ACCOUNT_UPDATE",
		"E": 1700000000000,
		"a": {
			"m": "DEPOSIT",
			"B": [{"a": "USDT", "wb": "1250.5", "cw": "1200.0"}],
			"P": []
		}
	}`)

	upd, err := FormatAccountUpdate("binance", payload)
	require.NoError(t, err)
	require.Equal(t, exchange.UpdateBalance, upd.Kind)
	require.Len(t, upd.Balances, 1)
	require.Equal(t, "USDT", upd.Balances[0].Asset)
	require.True(t, upd.Balances[0].Total.Equal(decimal.RequireFromString("1250.5")))
	require.Equal(t, int64(1700000000000), upd.EventTime.UnixMilli())
}

func TestFormatBinancePosition(t *testing.T) {
	payload := []byte(`{
		"e": "ACCOUNT_UPDATE",
		"E": 1700000000000,
		"a": {
			"m": "ORDER",
			"B": [{"a": "USDT", "wb": "900", "cw": "900"}],
			"P": [{"s": "BTCUSDT", "pa": "0.5", "ep": "42000", "mp": "42500", "up": "250", "ps": "LONG"}]
		}
	}`)

	upd, err := FormatAccountUpdate("binance", payload)
	require.NoError(t, err)
	require.Equal(t, exchange.UpdatePosition, upd.Kind)
	require.Len(t, upd.Positions, 1)
	require.Equal(t, "long", upd.Positions[0].Side)
	require.True(t, upd.Positions[0].Size.Equal(decimal.RequireFromString("0.5")))
	// The wallet change in the same frame is not dropped.
	require.Len(t, upd.Balances, 1)
}

func TestFormatBinanceFunding(t *testing.T) {
	payload := []byte(`{
		"e": "ACCOUNT_UPDATE",
		"E": 1700000000000,
		"a": {
			"m": "FUNDING_FEE",
			"B": [{"a": "USDT", "wb": "999.2", "cw": "999.2", "bc": "-0.8"}],
			"P": []
		}
	}`)

	upd, err := FormatAccountUpdate("binance", payload)
	require.NoError(t, err)
	require.Equal(t, exchange.UpdateFunding, upd.Kind)
	require.True(t, upd.FundingAmount.Equal(decimal.RequireFromString("-0.8")))
}

func TestFormatBinanceMarginCall(t *testing.T) {
	payload := []byte(`{
		"e": "MARGIN_CALL",
		"E": 1700000000000,
		"p": [{"s": "ETHUSDT", "pa": "-2", "mp": "2100", "up": "-340", "ps": "SHORT"}]
	}`)

	upd, err := FormatAccountUpdate("binance", payload)
	require.NoError(t, err)
	require.Equal(t, exchange.UpdateMarginCall, upd.Kind)
	require.Len(t, upd.Positions, 1)
	require.True(t, upd.Positions[0].MarginCall)
	require.Equal(t, "short", upd.Positions[0].Side)
}

func TestFormatBinanceOrder(t *testing.T) {
	payload := []byte(`{
		"e": "ORDER_TRADE_UPDATE",
		"E": 1700000000000,
		"o": {
			"i": 123456,
			"s": "BTCUSDT",
			"S": "BUY",
			"o": "LIMIT",
			"X": "PARTIALLY_FILLED",
			"p": "42000",
			"q": "1",
			"z": "0.4",
			"T": 1700000000000
		}
	}`)

	upd, err := FormatAccountUpdate("binance", payload)
	require.NoError(t, err)
	require.Equal(t, exchange.UpdateOrder, upd.Kind)
	require.Len(t, upd.Orders, 1)
	require.Equal(t, "123456", upd.Orders[0].OrderID)
	require.Equal(t, "partially_filled", upd.Orders[0].Status)
}

func TestFormatBinanceMissingAsset(t *testing.T) {
	payload := []byte(`{
		"e": "ACCOUNT_UPDATE",
		"E": 1700000000000,
		"a": {"m": "DEPOSIT", "B": [{"wb": "10", "cw": "10"}], "P": []}
	}`)

	_, err := FormatAccountUpdate("binance", payload)
	var perr *ParseError
	require.True(t, errors.As(err, &perr))
	require.Equal(t, "binance", perr.Exchange)
}

func TestFormatBybitWallet(t *testing.T) {
	payload := []byte(`{
		"topic": "wallet",
		"creationTime": 1700000000000,
		"data": [{
			"accountType": "UNIFIED",
			"coin": [{"coin": "USDT", "walletBalance": "5000", "availableToWithdraw": "4200", "locked": "800"}]
		}]
	}`)

	upd, err := FormatAccountUpdate("bybit", payload)
	require.NoError(t, err)
	require.Equal(t, exchange.UpdateBalance, upd.Kind)
	require.Len(t, upd.Balances, 1)
	require.True(t, upd.Balances[0].Total.Equal(decimal.RequireFromString("5000")))
}

func TestFormatBybitLiquidationPosition(t *testing.T) {
	payload := []byte(`{
		"topic": "position",
		"creationTime": 1700000000000,
		"data": [{
			"symbol": "BTCUSDT",
			"side": "Buy",
			"size": "1.5",
			"entryPrice": "40000",
			"markPrice": "36000",
			"unrealisedPnl": "-6000",
			"positionStatus": "Liq"
		}]
	}`)

	upd, err := FormatAccountUpdate("bybit", payload)
	require.NoError(t, err)
	require.Equal(t, exchange.UpdateMarginCall, upd.Kind)
	require.True(t, upd.Positions[0].MarginCall)
}

func TestFormatBybitFundingExecution(t *testing.T) {
	payload := []byte(`{
		"topic": "execution",
		"creationTime": 1700000000000,
		"data": [{
			"symbol": "ETHUSDT",
			"execType": "Funding",
			"execFee": "0.35",
			"execTime": "1700000000000"
		}]
	}`)

	upd, err := FormatAccountUpdate("bybit", payload)
	require.NoError(t, err)
	require.Equal(t, exchange.UpdateFunding, upd.Kind)
	require.Equal(t, "ETHUSDT", upd.FundingSymbol)
	require.True(t, upd.FundingAmount.Equal(decimal.RequireFromString("-0.35")))
}

func TestFormatBybitTradeExecutionIsNoop(t *testing.T) {
	payload := []byte(`{
		"topic": "execution",
		"creationTime": 1700000000000,
		"data": [{
			"symbol": "BTCUSDT",
			"execType": "Trade",
			"execFee": "0.05",
			"execTime": "1700000000000"
		}]
	}`)

	upd, err := FormatAccountUpdate("bybit", payload)
	require.NoError(t, err)
	require.Nil(t, upd)
}

func TestFormatOkxAccount(t *testing.T) {
	payload := []byte(`{
		"arg": {"channel": "account"},
		"data": [{
			"uTime": "1700000000000",
			"details": [{"ccy": "USDT", "cashBal": "3000", "availBal": "2500", "frozenBal": "500"}]
		}]
	}`)

	upd, err := FormatAccountUpdate("okx", payload)
	require.NoError(t, err)
	require.Equal(t, exchange.UpdateBalance, upd.Kind)
	require.Len(t, upd.Balances, 1)
	require.True(t, upd.Balances[0].Locked.Equal(decimal.RequireFromString("500")))
}

func TestFormatOkxOrderCancelled(t *testing.T) {
	payload := []byte(`{
		"arg": {"channel": "orders"},
		"data": [{
			"ordId": "abc-1",
			"instId": "BTC-USDT-SWAP",
			"side": "sell",
			"ordType": "limit",
			"state": "canceled",
			"px": "45000",
			"sz": "2",
			"accFillSz": "0",
			"uTime": "1700000000000"
		}]
	}`)

	upd, err := FormatAccountUpdate("okx", payload)
	require.NoError(t, err)
	require.Equal(t, exchange.UpdateOrder, upd.Kind)
	require.Equal(t, "cancelled", upd.Orders[0].Status)
}

func TestFormatKucoinWallet(t *testing.T) {
	payload := []byte(`{
		"topic": "/contractAccount/wallet",
		"subject": "availableBalance.change",
		"data": {
			"currency": "USDT",
			"availableBalance": "880.25",
			"holdBalance": "19.75",
			"timestamp": 1700000000000
		}
	}`)

	upd, err := FormatAccountUpdate("kucoin", payload)
	require.NoError(t, err)
	require.Equal(t, exchange.UpdateBalance, upd.Kind)
	require.True(t, upd.Balances[0].Total.Equal(decimal.RequireFromString("900")))
}

func TestFormatKucoinPositionShort(t *testing.T) {
	payload := []byte(`{
		"topic": "/contract/position:XBTUSDTM",
		"subject": "position.change",
		"data": {
			"symbol": "XBTUSDTM",
			"currentQty": -3,
			"avgEntryPrice": 41000,
			"markPrice": 40500,
			"unrealisedPnl": 1500,
			"currentTimestamp": 1700000000000
		}
	}`)

	upd, err := FormatAccountUpdate("kucoin", payload)
	require.NoError(t, err)
	require.Equal(t, exchange.UpdatePosition, upd.Kind)
	require.Equal(t, "short", upd.Positions[0].Side)
	require.True(t, upd.Positions[0].Size.Equal(decimal.NewFromInt(3)))
}

func TestFormatKucoinUnknownTopic(t *testing.T) {
	payload := []byte(`{"topic": "/contractMarket/ticker", "data": {}}`)

	_, err := FormatAccountUpdate("kucoin", payload)
	var perr *ParseError
	require.True(t, errors.As(err, &perr))
}

func TestHumanSummary(t *testing.T) {
	upd := &exchange.AccountUpdate{
		Exchange: "binance",
		Kind:     exchange.UpdateBalance,
		Balances: []exchange.Balance{{Asset: "USDT", Total: decimal.RequireFromString("100")}},
	}
	s := HumanSummary("binance", upd)
	require.Contains(t, s, "binance")
	require.Contains(t, s, "USDT")
}

func TestSnapshotSummary(t *testing.T) {
	snap := exchange.NewAccountSnapshot("alice", "binance")
	snap.Balances["USDT"] = exchange.Balance{
		Asset: "USDT",
		Free:  decimal.RequireFromString("90"),
		Total: decimal.RequireFromString("100"),
	}
	snap.Positions["BTCUSDT"] = exchange.Position{
		Symbol:     "BTCUSDT",
		Side:       "long",
		Size:       decimal.RequireFromString("0.5"),
		EntryPrice: decimal.RequireFromString("42000"),
		MarginCall: true,
	}
	snap.Stale = false

	s := SnapshotSummary(snap)
	require.Contains(t, s, "alice@binance")
	require.Contains(t, s, "balance USDT")
	require.Contains(t, s, "MARGIN CALL")
	require.NotContains(t, s, "stale")

	snap.Stale = true
	require.Contains(t, SnapshotSummary(snap), "(stale)")
}

func TestSnapshotSummaryNil(t *testing.T) {
	require.Equal(t, "", SnapshotSummary(nil))
}
