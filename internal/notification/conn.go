package notification

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/nao1215/sonic/pkg/middleware"
)

// ConnState は接続の状態。CONNECTING → OPEN → CLOSED の順にのみ遷移する。
type ConnState int32

const (
	// StateConnecting はハンドシェイク中。
	StateConnecting ConnState = iota
	// StateOpen はコマンドの送受信中。
	StateOpen
	// StateClosed は終了済み。
	StateClosed
)

// String はログ出力用の名前を返す。
func (s ConnState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// ReadMarker は接続から既読化を行うためのストア操作。
type ReadMarker interface {
	MarkRead(ctx context.Context, id int64, recipientID string) (bool, error)
}

// PrincipalResolver はハンドシェイク要求から認証済みの受信者IDを取り出す。
// 認証されていない場合は空文字列とfalseを返す。
type PrincipalResolver func(r *http.Request) (string, bool)

// JWTPrincipal はAuthorizationヘッダーまたはtokenクエリのJWTから受信者IDを取り出す。
// トークンがない、または無効な場合は未認証として扱う。
func JWTPrincipal(secret string) PrincipalResolver {
	return func(r *http.Request) (string, bool) {
		token := middleware.TokenFromRequest(r)
		if token == "" {
			return "", false
		}
		claims, err := middleware.ParseToken(secret, token)
		if err != nil {
			return "", false
		}
		return claims.UserID, true
	}
}

// ConnConfig は接続ごとの送受信設定。
type ConnConfig struct {
	// SendBuffer は送信キューの長さ。溢れた接続は遅いクライアントとして切断する。
	SendBuffer int
	// WriteTimeout は1フレームの書き込み期限。0なら無期限。
	WriteTimeout time.Duration
	// ReadTimeout は次のメッセージを待つ期限。0なら無期限。
	ReadTimeout time.Duration
	// MaxMessageBytes は受信メッセージの最大サイズ。0なら無制限。
	MaxMessageBytes int64
}

// DefaultConnConfig は既定の接続設定。
var DefaultConnConfig = ConnConfig{
	SendBuffer:      32,
	WriteTimeout:    10 * time.Second,
	MaxMessageBytes: 64 * 1024,
}

// closeGracePeriod はクローズフレームの書き込み期限。
const closeGracePeriod = time.Second

// Conn は1本のWebSocket接続。
// 受信コマンドは読み込みループで到着順に処理し、送信は全て1つの送信キュー経由で
// 書き込みポンプが直列に行う。
type Conn struct {
	id          string
	ws          *websocket.Conn
	recipientID string
	hub         *Hub
	marker      ReadMarker
	cfg         ConnConfig
	logger      zerolog.Logger

	state     atomic.Int32
	joined    atomic.Bool
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, recipientID string, hub *Hub, marker ReadMarker, cfg ConnConfig, logger zerolog.Logger) *Conn {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = DefaultConnConfig.SendBuffer
	}
	id := uuid.NewString()
	c := &Conn{
		id:          id,
		ws:          ws,
		recipientID: recipientID,
		hub:         hub,
		marker:      marker,
		cfg:         cfg,
		send:        make(chan []byte, cfg.SendBuffer),
		done:        make(chan struct{}),
		logger: logger.With().
			Str("component", "conn").
			Str("conn_id", id).
			Str("recipient_id", recipientID).
			Logger(),
	}
	c.state.Store(int32(StateConnecting))
	return c
}

// ID はSubscriberの実装。
func (c *Conn) ID() string {
	return c.id
}

// State は現在の状態を返す。
func (c *Conn) State() ConnState {
	return ConnState(c.state.Load())
}

// Authenticated は認証済みの接続かどうかを返す。未認証の接続はグループに参加しない。
func (c *Conn) Authenticated() bool {
	return c.recipientID != ""
}

// Deliver はSubscriberの実装。通知をnotificationメッセージとして送信キューに積む。
func (c *Conn) Deliver(p Payload) bool {
	if c.State() == StateClosed {
		return false
	}
	return c.enqueue(newNotificationMessage(p))
}

// serve はハンドシェイクから切断までを処理する。戻った時点で接続は閉じている。
func (c *Conn) serve(ctx context.Context) {
	defer c.Close() //nolint:errcheck

	// 確立メッセージを最初のフレームにするため、グループ参加と書き込みポンプの起動より前に積む
	c.enqueue(newEstablished(c.Authenticated()))

	if c.Authenticated() {
		if err := c.hub.Join(c.recipientID, c); err != nil {
			c.logger.Warn().Err(err).Msg("グループに参加できませんでした")
			return
		}
		c.joined.Store(true)
		// Joinの直前にCloseされていた場合に備える
		if c.State() == StateClosed {
			c.hub.Leave(c.recipientID, c)
			return
		}
	}

	if !c.state.CompareAndSwap(int32(StateConnecting), int32(StateOpen)) {
		return
	}
	metricConnections.Inc()
	c.logger.Info().Bool("authenticated", c.Authenticated()).Msg("接続しました")

	go c.writePump()
	c.readLoop(ctx)
}

// readLoop はクライアントメッセージを1件ずつ到着順に処理する。
func (c *Conn) readLoop(ctx context.Context) {
	if c.cfg.MaxMessageBytes > 0 {
		c.ws.SetReadLimit(c.cfg.MaxMessageBytes)
	}
	for {
		if c.cfg.ReadTimeout > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		}
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				c.logger.Debug().Err(err).Msg("接続が切断されました")
			}
			return
		}
		c.handle(ctx, data)
	}
}

// handle は1件のクライアントメッセージを処理する。
func (c *Conn) handle(ctx context.Context, data []byte) {
	cmd, err := ParseCommand(data)
	if err != nil {
		metricCommands.WithLabelValues("invalid").Inc()
		c.enqueue(newInvalidJSON())
		return
	}
	metricCommands.WithLabelValues(cmd.Kind.String()).Inc()

	switch cmd.Kind {
	case CommandPing:
		c.enqueue(newPong(cmd.Timestamp))
	case CommandMarkRead:
		if !cmd.HasNotificationID() {
			return
		}
		c.markRead(ctx, cmd)
		c.enqueue(newMarkedRead(cmd.NotificationID))
	case CommandUnknown:
		// 未知の種類は無視する
	}
}

// markRead は既読化を行う。結果にかかわらずクライアントへの応答は同じ。
func (c *Conn) markRead(ctx context.Context, cmd Command) {
	if !c.Authenticated() {
		return
	}
	id, ok := cmd.ParsedNotificationID()
	if !ok {
		return
	}
	updated, err := c.marker.MarkRead(ctx, id, c.recipientID)
	if err != nil {
		c.logger.Error().Err(err).Int64("notification_id", id).Msg("既読処理に失敗しました")
		return
	}
	c.logger.Debug().Int64("notification_id", id).Bool("updated", updated).Msg("既読にしました")
}

// enqueue はメッセージを送信キューに積む。キューが満杯なら接続を閉じる。
func (c *Conn) enqueue(v any) bool {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error().Err(err).Msg("メッセージのシリアライズに失敗しました")
		return false
	}

	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.send <- data:
		return true
	case <-c.done:
		return false
	default:
		c.logger.Warn().Int("buffer", cap(c.send)).Msg("送信キューが満杯のため切断します")
		_ = c.Close()
		return false
	}
}

// writePump は送信キューのメッセージを順に書き込む。この接続への書き込みはここだけで行う。
func (c *Conn) writePump() {
	defer c.Close() //nolint:errcheck

	for {
		select {
		case data := <-c.send:
			if c.cfg.WriteTimeout > 0 {
				_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				c.logger.Debug().Err(err).Msg("書き込みに失敗しました")
				return
			}
		case <-c.done:
			return
		}
	}
}

// Close は接続を終了する。グループに参加していれば離脱する。
// 何度呼んでもよく、ハンドシェイク途中でも安全。
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		prev := ConnState(c.state.Swap(int32(StateClosed)))
		close(c.done)

		if c.joined.Load() {
			c.hub.Leave(c.recipientID, c)
		}
		if prev == StateOpen {
			metricConnections.Dec()
		}

		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeGracePeriod))
		if cerr := c.ws.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = cerr
		}
		c.logger.Info().Str("from", prev.String()).Msg("切断しました")
	})
	return err
}

// WSHandler はWebSocketのハンドシェイクを受け付け、接続ごとにConnを起動する。
type WSHandler struct {
	hub      *Hub
	marker   ReadMarker
	resolve  PrincipalResolver
	upgrader websocket.Upgrader
	cfg      ConnConfig
	logger   zerolog.Logger
}

// NewWSHandler は新しいWSHandlerを生成する。
// checkOriginがnilの場合、gorilla/websocketの既定（同一オリジンのみ）を使う。
func NewWSHandler(hub *Hub, marker ReadMarker, resolve PrincipalResolver, checkOrigin func(string) bool, cfg ConnConfig, logger zerolog.Logger) *WSHandler {
	h := &WSHandler{
		hub:     hub,
		marker:  marker,
		resolve: resolve,
		cfg:     cfg,
		logger:  logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
	if checkOrigin != nil {
		h.upgrader.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			// ブラウザ以外のクライアントはOriginを送らない
			return origin == "" || checkOrigin(origin)
		}
	}
	return h
}

// ServeHTTP はハンドシェイクを行い、接続が閉じるまでブロックする。
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	recipientID, ok := h.resolve(r)
	if !ok {
		recipientID = ""
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgradeがエラーレスポンスを書き込み済み
		h.logger.Debug().Err(err).Msg("WebSocketのハンドシェイクに失敗しました")
		return
	}

	newConn(ws, recipientID, h.hub, h.marker, h.cfg, h.logger).serve(r.Context())
}
