package bybit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"copymirror/logger"
	"copymirror/utils"

	"github.com/gorilla/websocket"
)

const (
	// 私有频道地址
	MainnetWsURL = "wss://stream.bybit.com/v5/private"
	TestnetWsURL = "wss://stream-testnet.bybit.com/v5/private"
)

// 私有频道主题
const (
	TopicPosition  = "position"
	TopicOrder     = "order"
	TopicExecution = "execution"
	TopicWallet    = "wallet"
)

// StreamKind 推送类型
type StreamKind string

const (
	StreamPosition  StreamKind = "position"
	StreamOrder     StreamKind = "order"
	StreamExecution StreamKind = "execution"
	StreamWallet    StreamKind = "wallet"
	// StreamConnected 每次认证并订阅成功后发出，Reconnect 区分首次连接与重连
	StreamConnected StreamKind = "connected"
)

// Execution 成交推送
type Execution struct {
	Symbol      string `json:"symbol"`
	Side        string `json:"side"`
	OrderID     string `json:"orderId"`
	OrderLinkID string `json:"orderLinkId"`
	ExecID      string `json:"execId"`
	ExecPrice   string `json:"execPrice"`
	ExecQty     string `json:"execQty"`
	ExecFee     string `json:"execFee"`
	ExecType    string `json:"execType"`
	ClosedSize  string `json:"closedSize"`
	ExecTime    string `json:"execTime"`
}

// OrderUpdate 订单推送
type OrderUpdate struct {
	Symbol       string `json:"symbol"`
	Side         string `json:"side"`
	OrderID      string `json:"orderId"`
	OrderLinkID  string `json:"orderLinkId"`
	OrderType    string `json:"orderType"`
	OrderStatus  string `json:"orderStatus"`
	Qty          string `json:"qty"`
	CumExecQty   string `json:"cumExecQty"`
	AvgPrice     string `json:"avgPrice"`
	PositionIdx  int    `json:"positionIdx"`
	ReduceOnly   bool   `json:"reduceOnly"`
	RejectReason string `json:"rejectReason"`
	UpdatedTime  string `json:"updatedTime"`
}

// StreamMessage 解析后的推送
type StreamMessage struct {
	Kind       StreamKind
	Reconnect  bool
	Positions  []BybitPosition
	Wallets    []WalletBalance
	Executions []Execution
	Orders     []OrderUpdate
	At         time.Time
}

// StreamConfig 私有频道参数
type StreamConfig struct {
	URL            string
	PingInterval   time.Duration
	PongWait       time.Duration
	ReconnectDelay time.Duration
	MaxBackoff     time.Duration
	BufferSize     int
}

func (c *StreamConfig) withDefaults(useTestnet bool) {
	if c.URL == "" {
		c.URL = MainnetWsURL
		if useTestnet {
			c.URL = TestnetWsURL
		}
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 20 * time.Second
	}
	if c.PongWait <= 0 {
		c.PongWait = 60 * time.Second
	}
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = time.Second
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 30 * time.Second
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 1024
	}
}

// PrivateStream 私有频道连接，断线自动重连
// 每条连接只有一个读协程，推送按到达顺序写入 Messages()
type PrivateStream struct {
	apiKey    string
	secretKey string
	name      string
	cfg       StreamConfig

	writeMu sync.Mutex
	conn    *websocket.Conn

	out        chan StreamMessage
	isRunning  atomic.Bool
	reconnects atomic.Int64
	cancel     context.CancelFunc
	done       chan struct{}
}

// NewPrivateStream 创建私有频道，name 用于日志（donor / follower）
func NewPrivateStream(name, apiKey, secretKey string, useTestnet bool, cfg StreamConfig) *PrivateStream {
	cfg.withDefaults(useTestnet)
	return &PrivateStream{
		apiKey:    apiKey,
		secretKey: secretKey,
		name:      name,
		cfg:       cfg,
		out:       make(chan StreamMessage, cfg.BufferSize),
		done:      make(chan struct{}),
	}
}

// Messages 推送通道，Stop 后关闭
func (s *PrivateStream) Messages() <-chan StreamMessage {
	return s.out
}

// Reconnects 重连次数
func (s *PrivateStream) Reconnects() int64 {
	return s.reconnects.Load()
}

// sign 生成认证签名
func (s *PrivateStream) sign(expires string) string {
	h := hmac.New(sha256.New, []byte(s.secretKey))
	h.Write([]byte("GET/realtime" + expires))
	return hex.EncodeToString(h.Sum(nil))
}

// Start 启动连接循环
func (s *PrivateStream) Start(ctx context.Context) error {
	if !s.isRunning.CompareAndSwap(false, true) {
		return fmt.Errorf("WebSocket 已在运行")
	}
	ctx, s.cancel = context.WithCancel(ctx)
	go s.run(ctx)
	return nil
}

// Stop 停止并等待读协程退出
func (s *PrivateStream) Stop() {
	if !s.isRunning.Load() {
		return
	}
	s.cancel()
	s.closeConn()
	<-s.done
}

func (s *PrivateStream) run(ctx context.Context) {
	defer func() {
		s.isRunning.Store(false)
		close(s.out)
		close(s.done)
	}()

	backoff := s.cfg.ReconnectDelay
	connected := false

	for {
		err := s.connect(ctx)
		if err == nil {
			backoff = s.cfg.ReconnectDelay
			if connected {
				s.reconnects.Add(1)
			}
			logger.Info("✅ [Bybit WS:%s] 私有频道已连接 (重连=%v)", s.name, connected)
			if !s.emit(ctx, StreamMessage{Kind: StreamConnected, Reconnect: connected, At: time.Now()}) {
				return
			}
			connected = true

			err = s.readLoop(ctx)
		}

		select {
		case <-ctx.Done():
			logger.Info("⏹️ [Bybit WS:%s] 私有频道已停止", s.name)
			return
		default:
		}

		logger.Warn("⚠️ [Bybit WS:%s] 连接中断: %v，%v 后重连", s.name, err, backoff)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > s.cfg.MaxBackoff {
			backoff = s.cfg.MaxBackoff
		}
	}
}

type opResponse struct {
	Op      string `json:"op"`
	Success bool   `json:"success"`
	RetMsg  string `json:"ret_msg"`
}

// connect 拨号、认证、订阅
func (s *PrivateStream) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("连接 WebSocket 失败: %w", err)
	}
	conn.SetReadLimit(1 << 20)

	s.writeMu.Lock()
	s.conn = conn
	s.writeMu.Unlock()

	expires := strconv.FormatInt(time.Now().Add(10*time.Second).UnixMilli(), 10)
	if err := s.send(map[string]interface{}{"op": "auth", "args": []string{s.apiKey, expires, s.sign(expires)}}); err != nil {
		s.closeConn()
		return fmt.Errorf("发送认证失败: %w", err)
	}
	if err := s.awaitOp(conn, "auth"); err != nil {
		s.closeConn()
		return fmt.Errorf("WebSocket 认证失败: %w", err)
	}

	topics := []string{TopicPosition, TopicOrder, TopicExecution, TopicWallet}
	if err := s.send(map[string]interface{}{"op": "subscribe", "args": topics}); err != nil {
		s.closeConn()
		return fmt.Errorf("订阅失败: %w", err)
	}
	if err := s.awaitOp(conn, "subscribe"); err != nil {
		s.closeConn()
		return fmt.Errorf("订阅失败: %w", err)
	}
	return nil
}

// awaitOp 等待指定 op 的应答
func (s *PrivateStream) awaitOp(conn *websocket.Conn, op string) error {
	_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	defer conn.SetReadDeadline(time.Time{})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		var resp opResponse
		if err := json.Unmarshal(data, &resp); err != nil {
			continue
		}
		if resp.Op != op {
			continue
		}
		if !resp.Success {
			return fmt.Errorf("%s 失败: %s", op, resp.RetMsg)
		}
		return nil
	}
}

func (s *PrivateStream) send(msg interface{}) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("WebSocket 未连接")
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteJSON(msg)
}

func (s *PrivateStream) closeConn() {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

// readLoop 单协程读取并按顺序投递
func (s *PrivateStream) readLoop(ctx context.Context) error {
	s.writeMu.Lock()
	conn := s.conn
	s.writeMu.Unlock()
	if conn == nil {
		return fmt.Errorf("WebSocket 未连接")
	}
	defer s.closeConn()

	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))

	pingDone := make(chan struct{})
	defer close(pingDone)
	go s.keepAlive(pingDone)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))

		msg, ok, err := parseStreamMessage(data)
		if err != nil {
			logger.Warn("⚠️ [Bybit WS:%s] 解析推送失败: %v", s.name, err)
			continue
		}
		if !ok {
			continue
		}
		if !s.emit(ctx, msg) {
			return ctx.Err()
		}
	}
}

// emit 阻塞投递，保证不丢推送
func (s *PrivateStream) emit(ctx context.Context, msg StreamMessage) bool {
	select {
	case s.out <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

// keepAlive Bybit 要求应用层 ping
func (s *PrivateStream) keepAlive(done <-chan struct{}) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := s.send(map[string]string{"op": "ping"}); err != nil {
				logger.Warn("⚠️ [Bybit WS:%s] 发送心跳失败: %v", s.name, err)
				s.closeConn()
				return
			}
		}
	}
}

type rawMessage struct {
	Topic        string          `json:"topic"`
	Op           string          `json:"op"`
	CreationTime int64           `json:"creationTime"`
	Data         json.RawMessage `json:"data"`
}

// parseStreamMessage 解析推送，非数据消息（pong、op 应答）返回 ok=false
func parseStreamMessage(data []byte) (StreamMessage, bool, error) {
	var raw rawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return StreamMessage{}, false, err
	}
	if raw.Topic == "" || len(raw.Data) == 0 {
		return StreamMessage{}, false, nil
	}

	msg := StreamMessage{At: utils.FromMillis(raw.CreationTime)}
	if msg.At.IsZero() {
		msg.At = time.Now().UTC()
	}

	var err error
	switch raw.Topic {
	case TopicPosition:
		msg.Kind = StreamPosition
		err = json.Unmarshal(raw.Data, &msg.Positions)
	case TopicWallet:
		msg.Kind = StreamWallet
		err = json.Unmarshal(raw.Data, &msg.Wallets)
	case TopicExecution:
		msg.Kind = StreamExecution
		err = json.Unmarshal(raw.Data, &msg.Executions)
	case TopicOrder:
		msg.Kind = StreamOrder
		err = json.Unmarshal(raw.Data, &msg.Orders)
	default:
		return StreamMessage{}, false, nil
	}
	if err != nil {
		return StreamMessage{}, false, fmt.Errorf("解析 %s 推送失败: %w", raw.Topic, err)
	}
	return msg, true, nil
}
