package bybit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"copymirror/copytrade"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBybitClient(t *testing.T) {
	apiKey := "test_api_key"
	secretKey := "test_secret_key"

	// 测试主网客户端
	client := NewBybitClient(apiKey, secretKey, false)
	if client == nil {
		t.Fatal("创建主网客户端失败")
	}
	if client.apiKey != apiKey {
		t.Errorf("API Key 设置错误")
	}
	if client.baseURL != MainnetRestURL {
		t.Errorf("主网 URL 错误: 期望 %s, 得到 %s", MainnetRestURL, client.baseURL)
	}

	// 测试测试网客户端
	testnetClient := NewBybitClient(apiKey, secretKey, true, WithRecvWindow(8000))
	if testnetClient.baseURL != TestnetRestURL {
		t.Errorf("测试网 URL 错误: 期望 %s, 得到 %s", TestnetRestURL, testnetClient.baseURL)
	}
	assert.Equal(t, "8000", testnetClient.recvWindow)
}

func TestSign(t *testing.T) {
	client := NewBybitClient("test_key", "test_secret", false)

	params := "api_key=test&symbol=BTCUSDT&timestamp=1234567890"
	signature := client.sign(params)

	// HMAC-SHA256 十六进制为 64 字符
	if len(signature) != 64 {
		t.Errorf("签名长度错误: 期望 64, 得到 %d", len(signature))
	}
	if signature != client.sign(params) {
		t.Error("相同输入应该产生相同签名")
	}
}

func TestEncodeQuerySorted(t *testing.T) {
	q := encodeQuery(map[string]string{"symbol": "BTCUSDT", "category": "linear", "limit": "200"})
	assert.Equal(t, "category=linear&limit=200&symbol=BTCUSDT", q)
	assert.Equal(t, "", encodeQuery(nil))
}

// fakeBybit 记录请求的假服务端
type fakeBybit struct {
	t      *testing.T
	mu     sync.Mutex
	bodies map[string][]string
	routes map[string]string
}

func newFakeBybit(t *testing.T) (*fakeBybit, *httptest.Server) {
	f := &fakeBybit{t: t, bodies: make(map[string][]string), routes: make(map[string]string)}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakeBybit) route(path, response string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routes[path] = response
}

func (f *fakeBybit) requests(path string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.bodies[path]...)
}

func (f *fakeBybit) serve(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	payload := string(body)
	if r.Method == http.MethodGet {
		payload = r.URL.RawQuery
	}
	ts := r.Header.Get("X-BAPI-TIMESTAMP")
	recv := r.Header.Get("X-BAPI-RECV-WINDOW")
	h := hmac.New(sha256.New, []byte("secret"))
	h.Write([]byte(ts + "key" + recv + payload))
	if r.Header.Get("X-BAPI-SIGN") != hex.EncodeToString(h.Sum(nil)) {
		f.t.Errorf("签名不匹配: %s %s", r.Method, r.URL.Path)
	}

	f.mu.Lock()
	f.bodies[r.URL.Path] = append(f.bodies[r.URL.Path], payload)
	resp, ok := f.routes[r.URL.Path]
	f.mu.Unlock()

	if !ok {
		resp = `{"retCode":0,"retMsg":"OK","result":{}}`
	}
	if strings.HasPrefix(resp, "HTTP ") {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(resp))
		return
	}
	_, _ = w.Write([]byte(resp))
}

func newTestAdapter(t *testing.T, srv *httptest.Server, hedge bool) *BybitAdapter {
	adapter, err := NewBybitAdapter(AdapterConfig{
		Name:          "follower",
		APIKey:        "key",
		SecretKey:     "secret",
		HedgeMode:     hedge,
		ClientOptions: []ClientOption{WithBaseURL(srv.URL)},
	})
	require.NoError(t, err)
	return adapter
}

const instrumentsResp = `{"retCode":0,"retMsg":"OK","result":{"list":[{"symbol":"BTCUSDT","status":"Trading",
"priceFilter":{"tickSize":"0.10"},
"lotSizeFilter":{"qtyStep":"0.001","minOrderQty":"0.001","maxOrderQty":"100","minNotionalValue":"5"}}]}}`

func TestNewAdapterRequiresKeys(t *testing.T) {
	_, err := NewBybitAdapter(AdapterConfig{APIKey: "key"})
	assert.Error(t, err)

	adapter, err := NewBybitAdapter(AdapterConfig{Name: "donor", APIKey: "k", SecretKey: "s"})
	require.NoError(t, err)
	assert.Equal(t, "bybit", adapter.GetName())
	assert.Equal(t, "linear", adapter.category)
	assert.Equal(t, "USDT", adapter.settleCoin)
}

func TestPlaceOrderAlwaysSendsPositionIdx(t *testing.T) {
	fake, srv := newFakeBybit(t)
	fake.route("/v5/market/instruments-info", instrumentsResp)
	fake.route("/v5/order/create", `{"retCode":0,"retMsg":"OK","result":{"orderId":"abc","orderLinkId":"copy:BTCUSDT"}}`)
	adapter := newTestAdapter(t, srv, false)

	id, err := adapter.PlaceOrder(context.Background(), copytrade.CopyOrder{
		Symbol:      "BTCUSDT",
		Side:        copytrade.SideSell,
		Qty:         0.004,
		PositionIdx: 0,
		OrderType:   copytrade.OrderTypeMarket,
		OrderLinkID: "copy:BTCUSDT",
	})
	require.NoError(t, err)
	assert.Equal(t, "abc", id)

	bodies := fake.requests("/v5/order/create")
	require.Len(t, bodies, 1)

	var sent map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(bodies[0]), &sent))
	idx, present := sent["positionIdx"]
	require.True(t, present, "单向模式也必须携带 positionIdx")
	assert.Equal(t, 0.0, idx)
	assert.Equal(t, "Sell", sent["side"])
	assert.Equal(t, "0.004", sent["qty"])
	assert.Equal(t, "IOC", sent["timeInForce"])
	assert.Equal(t, false, sent["reduceOnly"])
}

func TestGetInstrumentCached(t *testing.T) {
	fake, srv := newFakeBybit(t)
	fake.route("/v5/market/instruments-info", instrumentsResp)
	adapter := newTestAdapter(t, srv, false)

	inst, err := adapter.GetInstrument(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.True(t, inst.QtyStep.Equal(decimal.RequireFromString("0.001")))
	assert.True(t, inst.MinNotional.Equal(decimal.NewFromInt(5)))
	assert.True(t, inst.TickSize.Equal(decimal.RequireFromString("0.1")))

	_, err = adapter.GetInstrument(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Len(t, fake.requests("/v5/market/instruments-info"), 1)
}

func TestGetPositionsPaginatesAndConverts(t *testing.T) {
	var calls int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if r.URL.Query().Get("cursor") == "" {
			assert.Equal(t, "USDT", r.URL.Query().Get("settleCoin"))
			_, _ = w.Write([]byte(`{"retCode":0,"result":{"nextPageCursor":"p2","list":[
{"symbol":"SOLUSDT","side":"Sell","size":"3","avgPrice":"150.5","markPrice":"151","leverage":"10","tradeMode":1,"positionIdx":2,"positionBalance":"45.1","trailingStop":"2","activePrice":"140","updatedTime":"1700000000000"},
{"symbol":"SOLUSDT","side":"","size":"0","avgPrice":"0","leverage":"10","tradeMode":1,"positionIdx":1}]}}`))
			return
		}
		_, _ = w.Write([]byte(`{"retCode":0,"result":{"nextPageCursor":"","list":[
{"symbol":"BTCUSDT","side":"Buy","size":"0.01","avgPrice":"50000","markPrice":"50100","leverage":"5","tradeMode":0,"positionIdx":0}]}}`))
	}))
	defer srv.Close()
	adapter := newTestAdapter(t, srv, true)

	positions, err := adapter.GetPositions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	require.Len(t, positions, 2, "空仓位槽应被过滤")

	sol := positions[0]
	assert.Equal(t, copytrade.PositionKey{Symbol: "SOLUSDT", Idx: 2}, sol.Key())
	assert.Equal(t, copytrade.SideSell, sol.Side)
	assert.Equal(t, copytrade.MarginIsolated, sol.MarginMode)
	assert.Equal(t, 150.5, sol.EntryPrice)
	assert.Equal(t, 2.0, sol.TrailingStop)
	assert.Equal(t, int64(1700000000000), sol.UpdatedAt.UnixMilli())

	assert.Equal(t, copytrade.MarginCross, positions[1].MarginMode)
}

func TestAPIErrorsAreTyped(t *testing.T) {
	fake, srv := newFakeBybit(t)
	fake.route("/v5/position/set-leverage", `{"retCode":110043,"retMsg":"leverage not modified"}`)
	fake.route("/v5/order/cancel", `{"retCode":10006,"retMsg":"too many visits"}`)
	fake.route("/v5/position/add-margin", `HTTP 502`)
	fake.route("/v5/position/switch-isolated", `{"retCode":110094,"retMsg":"order does not meet minimum order value"}`)
	adapter := newTestAdapter(t, srv, false)
	ctx := context.Background()

	err := adapter.SetLeverage(ctx, "BTCUSDT", 10)
	assert.True(t, IsNotModified(err))
	assert.False(t, IsRetryable(err))

	err = adapter.CancelOrder(ctx, "BTCUSDT", "1", "")
	assert.Equal(t, CodeRateLimit, RetCode(err))
	assert.True(t, IsRetryable(err))

	err = adapter.AddMargin(ctx, copytrade.PositionKey{Symbol: "BTCUSDT"}, -1.5)
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.True(t, IsRetryable(err))
	assert.Contains(t, fake.requests("/v5/position/add-margin")[0], `"margin":"-1.5"`)

	err = adapter.SetMarginMode(ctx, "BTCUSDT", copytrade.MarginIsolated, 10)
	assert.Equal(t, CodeMinNotional, RetCode(err))
	assert.False(t, IsRetryable(err))
	assert.Contains(t, fake.requests("/v5/position/switch-isolated")[0], `"tradeMode":1`)
}

func TestNetworkErrorIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	adapter := newTestAdapter(t, srv, false)
	srv.Close()

	_, err := adapter.GetPositions(context.Background())
	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.True(t, IsRetryable(err))
}

func TestSetTradingStop(t *testing.T) {
	fake, srv := newFakeBybit(t)
	adapter := newTestAdapter(t, srv, true)
	key := copytrade.PositionKey{Symbol: "SOLUSDT", Idx: copytrade.IdxHedgeSell}

	require.NoError(t, adapter.SetTradingStop(context.Background(), key, copytrade.TrailingStopSpec{
		ActivationPrice: 140.5, Distance: 2, TriggerDirection: 1,
	}))
	body := fake.requests("/v5/position/trading-stop")[0]
	assert.Contains(t, body, `"positionIdx":2`)
	assert.Contains(t, body, `"trailingStop":"2"`)
	assert.Contains(t, body, `"activePrice":"140.5"`)
	assert.Contains(t, body, `"triggerDirection":1`)

	// 撤销时仓位已无追踪止损
	fake.route("/v5/position/trading-stop", `{"retCode":10001,"retMsg":"can not set tp/sl/ts for zero position"}`)
	require.NoError(t, adapter.SetTradingStop(context.Background(), key, copytrade.TrailingStopSpec{}))
	body = fake.requests("/v5/position/trading-stop")[1]
	assert.Contains(t, body, `"trailingStop":"0"`)
	assert.NotContains(t, body, "activePrice")
	assert.NotContains(t, body, "triggerDirection")

	err := adapter.SetTradingStop(context.Background(), key, copytrade.TrailingStopSpec{Distance: 3})
	assert.Equal(t, CodeParamsError, RetCode(err))
}

func TestFormatQty(t *testing.T) {
	assert.Equal(t, "0.004", formatQty(0.004, decimal.RequireFromString("0.001")))
	assert.Equal(t, "3", formatQty(3, decimal.NewFromInt(1)))
	assert.Equal(t, "12.50", formatQty(12.5, decimal.RequireFromString("0.01")))
}

func TestParseStreamMessage(t *testing.T) {
	msg, ok, err := parseStreamMessage([]byte(`{"topic":"position","creationTime":1700000000123,"data":[
{"symbol":"BTCUSDT","side":"Buy","size":"0.5","entryPrice":"50000","leverage":"10","tradeMode":1,"positionIdx":1,"positionBalance":"2500"}]}`))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, StreamPosition, msg.Kind)
	require.Len(t, msg.Positions, 1)
	assert.Equal(t, int64(1700000000123), msg.At.UnixMilli())

	pos := ConvertPosition(msg.Positions[0])
	assert.Equal(t, 50000.0, pos.EntryPrice, "avgPrice 缺失时使用 entryPrice")
	assert.Equal(t, copytrade.IdxHedgeBuy, pos.Idx)

	msg, ok, err = parseStreamMessage([]byte(`{"topic":"wallet","data":[{"accountType":"UNIFIED","totalEquity":"10000","totalAvailableBalance":"8000"}]}`))
	require.NoError(t, err)
	require.True(t, ok)
	account := ConvertWallet(msg.Wallets[0], copytrade.RoleFollower)
	assert.Equal(t, 10000.0, account.Equity)
	assert.Equal(t, 8000.0, account.Available)

	_, ok, err = parseStreamMessage([]byte(`{"op":"pong","success":true}`))
	require.NoError(t, err)
	assert.False(t, ok)

	_, _, err = parseStreamMessage([]byte(`{"topic":"position","data":{"bad":1}}`))
	assert.Error(t, err)
}
