package binance

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	appconfig "accountflow/config"
	"accountflow/internal/exchange"
)

func testAdapter() *Adapter {
	return New(appconfig.ExchangeConfig{}, 40*time.Second)
}

func TestParseFrameReady(t *testing.T) {
	f, err := testAdapter().ParseFrame(readyFrame)
	require.NoError(t, err)
	require.Equal(t, exchange.FrameAuthAck, f.Type)
}

func TestParseFrameAccountUpdate(t *testing.T) {
	raw := []byte(`{"e":"ACCOUNT_UPDATE","E":1700000000000,"a":{"m":"ORDER","B":[],"P":[]}}`)
	f, err := testAdapter().ParseFrame(raw)
	require.NoError(t, err)
	require.Equal(t, exchange.FrameData, f.Type)
	require.Equal(t, raw, f.Payload)
}

func TestParseFrameIgnoresOtherEvents(t *testing.T) {
	f, err := testAdapter().ParseFrame([]byte(`{"e":"TRADE_LITE"}`))
	require.NoError(t, err)
	require.Equal(t, exchange.FrameIgnore, f.Type)
	require.Equal(t, "TRADE_LITE", f.Reason)
}

func TestParseFrameRejectsGarbage(t *testing.T) {
	_, err := testAdapter().ParseFrame([]byte("not json"))
	require.Error(t, err)
}

func TestListenKeyExpiredDetection(t *testing.T) {
	require.True(t, isListenKeyExpired([]byte(`{"e":"listenKeyExpired"}`)))
	require.False(t, isListenKeyExpired([]byte(`{"e":"ACCOUNT_UPDATE"}`)))
}

func TestRestBaseDefaultsAndTrims(t *testing.T) {
	require.Equal(t, defaultRestURL, testAdapter().restBase())

	a := New(appconfig.ExchangeConfig{RestURL: "https://testnet.binancefuture.com/fapi/v1"}, 0)
	require.Equal(t, "https://testnet.binancefuture.com", a.restBase())
}

func TestHeartbeatMessageIsNil(t *testing.T) {
	require.Nil(t, testAdapter().HeartbeatMessage())
}
