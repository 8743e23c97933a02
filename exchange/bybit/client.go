package bybit

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	// 主网 API 地址
	MainnetRestURL = "https://api.bybit.com"
	// 测试网 API 地址
	TestnetRestURL = "https://api-testnet.bybit.com"
)

// BybitClient Bybit V5 REST API 客户端
type BybitClient struct {
	apiKey     string
	secretKey  string
	baseURL    string
	recvWindow string
	httpClient *http.Client
	now        func() time.Time
}

// ClientOption 客户端选项
type ClientOption func(*BybitClient)

// WithBaseURL 覆盖 REST 地址（测试使用）
func WithBaseURL(u string) ClientOption {
	return func(c *BybitClient) { c.baseURL = strings.TrimRight(u, "/") }
}

// WithRecvWindow 设置 recv_window（毫秒）
func WithRecvWindow(ms int) ClientOption {
	return func(c *BybitClient) {
		if ms > 0 {
			c.recvWindow = strconv.Itoa(ms)
		}
	}
}

// WithHTTPClient 自定义 http.Client
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *BybitClient) { c.httpClient = hc }
}

// NewBybitClient 创建 Bybit 客户端
func NewBybitClient(apiKey, secretKey string, useTestnet bool, opts ...ClientOption) *BybitClient {
	baseURL := MainnetRestURL
	if useTestnet {
		baseURL = TestnetRestURL
	}

	c := &BybitClient{
		apiKey:     apiKey,
		secretKey:  secretKey,
		baseURL:    baseURL,
		recvWindow: "5000",
		httpClient: &http.Client{Timeout: 10 * time.Second},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// sign 生成签名
func (c *BybitClient) sign(payload string) string {
	h := hmac.New(sha256.New, []byte(c.secretKey))
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

// encodeQuery 按 key 排序编码 GET 参数，保证签名串与 URL 一致
func encodeQuery(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(url.QueryEscape(k))
		sb.WriteByte('=')
		sb.WriteString(url.QueryEscape(params[k]))
	}
	return sb.String()
}

// envelope V5 统一响应
type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
	Time    int64           `json:"time"`
}

func (c *BybitClient) get(ctx context.Context, path string, params map[string]string, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, encodeQuery(params), nil, out)
}

func (c *BybitClient) post(ctx context.Context, path string, body interface{}, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("序列化请求体失败: %w", err)
	}
	return c.do(ctx, http.MethodPost, path, "", data, out)
}

// do 发送签名请求，非 0 retCode 返回 *APIError
func (c *BybitClient) do(ctx context.Context, method, path, query string, body []byte, out interface{}) error {
	timestamp := strconv.FormatInt(c.now().UnixMilli(), 10)

	signStr := timestamp + c.apiKey + c.recvWindow
	if method == http.MethodGet {
		signStr += query
	} else {
		signStr += string(body)
	}

	fullURL := c.baseURL + path
	if query != "" {
		fullURL += "?" + query
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("创建请求失败: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-BAPI-API-KEY", c.apiKey)
	req.Header.Set("X-BAPI-SIGN", c.sign(signStr))
	req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
	req.Header.Set("X-BAPI-RECV-WINDOW", c.recvWindow)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &NetworkError{Op: path, Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &NetworkError{Op: path, Err: fmt.Errorf("读取响应失败: %w", err)}
	}

	if resp.StatusCode != http.StatusOK {
		return &HTTPError{Path: path, StatusCode: resp.StatusCode, Body: truncate(string(respBody), 256)}
	}

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		return fmt.Errorf("解析响应失败: %w", err)
	}
	if env.RetCode != 0 {
		return &APIError{Path: path, RetCode: env.RetCode, RetMsg: env.RetMsg}
	}

	if out != nil && len(env.Result) > 0 {
		if err := json.Unmarshal(env.Result, out); err != nil {
			return fmt.Errorf("解析 %s 结果失败: %w", path, err)
		}
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// Instrument 合约规格
type Instrument struct {
	Symbol        string        `json:"symbol"`
	Status        string        `json:"status"`
	BaseCoin      string        `json:"baseCoin"`
	QuoteCoin     string        `json:"quoteCoin"`
	SettleCoin    string        `json:"settleCoin"`
	PriceFilter   PriceFilter   `json:"priceFilter"`
	LotSizeFilter LotSizeFilter `json:"lotSizeFilter"`
}

type PriceFilter struct {
	TickSize string `json:"tickSize"`
}

type LotSizeFilter struct {
	QtyStep          string `json:"qtyStep"`
	MinOrderQty      string `json:"minOrderQty"`
	MaxOrderQty      string `json:"maxOrderQty"`
	MinNotionalValue string `json:"minNotionalValue"`
}

// GetInstruments 获取合约规格（自动翻页）
func (c *BybitClient) GetInstruments(ctx context.Context, category, symbol string) ([]Instrument, error) {
	params := map[string]string{"category": category, "limit": "1000"}
	if symbol != "" {
		params["symbol"] = symbol
	}

	var all []Instrument
	for {
		var result struct {
			List           []Instrument `json:"list"`
			NextPageCursor string       `json:"nextPageCursor"`
		}
		if err := c.get(ctx, "/v5/market/instruments-info", params, &result); err != nil {
			return nil, err
		}
		all = append(all, result.List...)
		if result.NextPageCursor == "" || symbol != "" {
			return all, nil
		}
		params["cursor"] = result.NextPageCursor
	}
}

// BybitPosition 持仓信息（V5 position/list 与 position 推送同结构）
type BybitPosition struct {
	Symbol          string `json:"symbol"`
	Side            string `json:"side"`
	Size            string `json:"size"`
	AvgPrice        string `json:"avgPrice"`
	EntryPrice      string `json:"entryPrice"`
	MarkPrice       string `json:"markPrice"`
	Leverage        string `json:"leverage"`
	TradeMode       int    `json:"tradeMode"` // 0 全仓 1 逐仓
	PositionIdx     int    `json:"positionIdx"`
	PositionBalance string `json:"positionBalance"`
	LiqPrice        string `json:"liqPrice"`
	UnrealisedPnl   string `json:"unrealisedPnl"`
	CumRealisedPnl  string `json:"cumRealisedPnl"`
	TrailingStop    string `json:"trailingStop"`
	ActivePrice     string `json:"activePrice"`
	UpdatedTime     string `json:"updatedTime"`
}

// GetPositions 获取持仓（按结算币种查询全部，自动翻页）
func (c *BybitClient) GetPositions(ctx context.Context, category, symbol, settleCoin string) ([]BybitPosition, error) {
	params := map[string]string{"category": category, "limit": "200"}
	if symbol != "" {
		params["symbol"] = symbol
	} else {
		params["settleCoin"] = settleCoin
	}

	var all []BybitPosition
	for {
		var result struct {
			List           []BybitPosition `json:"list"`
			NextPageCursor string          `json:"nextPageCursor"`
		}
		if err := c.get(ctx, "/v5/position/list", params, &result); err != nil {
			return nil, err
		}
		all = append(all, result.List...)
		if result.NextPageCursor == "" {
			return all, nil
		}
		params["cursor"] = result.NextPageCursor
	}
}

// WalletBalance 账户权益
type WalletBalance struct {
	AccountType           string `json:"accountType"`
	TotalEquity           string `json:"totalEquity"`
	TotalAvailableBalance string `json:"totalAvailableBalance"`
	TotalMarginBalance    string `json:"totalMarginBalance"`
	TotalPerpUPL          string `json:"totalPerpUPL"`
}

// GetWalletBalance 获取统一账户权益
func (c *BybitClient) GetWalletBalance(ctx context.Context, accountType string) (*WalletBalance, error) {
	var result struct {
		List []WalletBalance `json:"list"`
	}
	if err := c.get(ctx, "/v5/account/wallet-balance", map[string]string{"accountType": accountType}, &result); err != nil {
		return nil, err
	}
	if len(result.List) == 0 {
		return nil, fmt.Errorf("未返回 %s 账户余额", accountType)
	}
	return &result.List[0], nil
}

// PlaceOrderRequest 下单参数
// PositionIdx 不带 omitempty，单向模式的 0 也会显式发送
type PlaceOrderRequest struct {
	Category    string `json:"category"`
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderType   string `json:"orderType"`
	Qty         string `json:"qty"`
	Price       string `json:"price,omitempty"`
	TimeInForce string `json:"timeInForce,omitempty"`
	PositionIdx int    `json:"positionIdx"`
	ReduceOnly  bool   `json:"reduceOnly"`
	OrderLinkID string `json:"orderLinkId,omitempty"`
}

// PlaceOrderResult 下单结果
type PlaceOrderResult struct {
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
}

// PlaceOrder 下单
func (c *BybitClient) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*PlaceOrderResult, error) {
	var result PlaceOrderResult
	if err := c.post(ctx, "/v5/order/create", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// CancelOrder 取消订单
func (c *BybitClient) CancelOrder(ctx context.Context, category, symbol, orderID, orderLinkID string) error {
	body := map[string]string{"category": category, "symbol": symbol}
	if orderID != "" {
		body["orderId"] = orderID
	}
	if orderLinkID != "" {
		body["orderLinkId"] = orderLinkID
	}
	return c.post(ctx, "/v5/order/cancel", body, nil)
}

// SetLeverage 设置杠杆（双向持仓时多空杠杆一致）
func (c *BybitClient) SetLeverage(ctx context.Context, category, symbol, leverage string) error {
	return c.post(ctx, "/v5/position/set-leverage", map[string]string{
		"category":     category,
		"symbol":       symbol,
		"buyLeverage":  leverage,
		"sellLeverage": leverage,
	}, nil)
}

// SwitchIsolated 切换全仓/逐仓，tradeMode 0 全仓 1 逐仓
func (c *BybitClient) SwitchIsolated(ctx context.Context, category, symbol string, tradeMode int, leverage string) error {
	return c.post(ctx, "/v5/position/switch-isolated", map[string]interface{}{
		"category":     category,
		"symbol":       symbol,
		"tradeMode":    tradeMode,
		"buyLeverage":  leverage,
		"sellLeverage": leverage,
	}, nil)
}

// TradingStopRequest 设置持仓止盈止损/追踪止损
type TradingStopRequest struct {
	Category         string `json:"category"`
	Symbol           string `json:"symbol"`
	PositionIdx      int    `json:"positionIdx"`
	TpslMode         string `json:"tpslMode,omitempty"`
	TrailingStop     string `json:"trailingStop"`
	ActivePrice      string `json:"activePrice,omitempty"`
	TriggerDirection int    `json:"triggerDirection,omitempty"` // 1 价格上涨触发，2 价格下跌触发
}

// SetTradingStop 设置追踪止损，trailingStop="0" 表示撤销
func (c *BybitClient) SetTradingStop(ctx context.Context, req TradingStopRequest) error {
	return c.post(ctx, "/v5/position/trading-stop", req, nil)
}

// AddMargin 增减逐仓保证金，margin 为负表示减少
func (c *BybitClient) AddMargin(ctx context.Context, category, symbol string, positionIdx int, margin string) error {
	return c.post(ctx, "/v5/position/add-margin", map[string]interface{}{
		"category":    category,
		"symbol":      symbol,
		"margin":      margin,
		"positionIdx": positionIdx,
	}, nil)
}

// APIKeyInfo API Key 信息
type APIKeyInfo struct {
	Note        string              `json:"note"`
	ReadOnly    int                 `json:"readOnly"`
	IPs         []string            `json:"ips"`
	Permissions map[string][]string `json:"permissions"`
	CreatedAt   string              `json:"createdAt"`
}

// GetAPIKeyInfo 查询当前 API Key 权限
func (c *BybitClient) GetAPIKeyInfo(ctx context.Context) (*APIKeyInfo, error) {
	var info APIKeyInfo
	if err := c.get(ctx, "/v5/user/query-api", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}
