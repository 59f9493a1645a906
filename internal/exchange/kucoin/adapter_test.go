package kucoin

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

func TestParseFrameWelcome(t *testing.T) {
	f, err := testAdapter().ParseFrame([]byte(`{"id":"abc","type":"welcome"}`))
	require.NoError(t, err)
	require.Equal(t, exchange.FrameAuthAck, f.Type)
}

func TestParseFramePong(t *testing.T) {
	f, err := testAdapter().ParseFrame([]byte(`{"id":"keepalive","type":"pong"}`))
	require.NoError(t, err)
	require.Equal(t, exchange.FrameHeartbeatAck, f.Type)
}

func TestParseFrameMessage(t *testing.T) {
	raw := []byte(`{"type":"message","topic":"/contractAccount/wallet","subject":"availableBalance.change","data":{"currency":"USDT","availableBalance":"100.5","holdBalance":"2"}}`)
	f, err := testAdapter().ParseFrame(raw)
	require.NoError(t, err)
	require.Equal(t, exchange.FrameData, f.Type)
	require.Equal(t, raw, f.Payload)
}

func TestParseFrameMessageEmptyData(t *testing.T) {
	raw := []byte(`{"type":"message","topic":"/contract/position:XBTUSDTM","data":{}}`)
	f, err := testAdapter().ParseFrame(raw)
	require.NoError(t, err)
	require.Equal(t, exchange.FrameData, f.Type)
}

func TestParseFrameErrorUnauthorized(t *testing.T) {
	f, err := testAdapter().ParseFrame([]byte(`{"type":"error","code":401,"data":"token expired"}`))
	require.NoError(t, err)
	require.Equal(t, exchange.FrameAuthReject, f.Type)
	require.Equal(t, "token expired", f.Reason)
}

func TestParseFrameAck(t *testing.T) {
	f, err := testAdapter().ParseFrame([]byte(`{"id":"sub-1","type":"ack"}`))
	require.NoError(t, err)
	require.Equal(t, exchange.FrameSubscriptionAck, f.Type)
}

func TestCredentialCodes(t *testing.T) {
	require.True(t, credentialCode("400003"))
	require.True(t, credentialCode("400004"))
	require.False(t, credentialCode("200000"))
}

func TestRestBase(t *testing.T) {
	require.Equal(t, defaultRestURL, testAdapter().restBase())

	a := New(appconfig.ExchangeConfig{RestURL: "wss://api-futures.kucoin.com/path"}, 0)
	require.Equal(t, "https://api-futures.kucoin.com", a.restBase())
}
