package notification

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nao1215/sonic/pkg/middleware"
)

const wsTestSecret = "ws-test-secret"

// wsFixture はWebSocketエンドポイントを立ち上げたテスト環境。
type wsFixture struct {
	srv   *httptest.Server
	hub   *Hub
	store *Store
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()

	store := newTestStore(t)
	hub := NewHub(zerolog.Nop())
	handler := NewWSHandler(hub, store, JWTPrincipal(wsTestSecret), nil, DefaultConnConfig, zerolog.Nop())
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	return &wsFixture{srv: srv, hub: hub, store: store}
}

// dial はトークン付き（空なら無し）でWebSocket接続を開く。
func (f *wsFixture) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()

	u := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/"
	if token != "" {
		u += "?token=" + url.QueryEscape(token)
	}
	ws, resp, err := websocket.DefaultDialer.DialContext(t.Context(), u, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

// dialAs は受信者としてログインした接続を開き、確立メッセージを読み捨てる。
func (f *wsFixture) dialAs(t *testing.T, recipientID string) *websocket.Conn {
	t.Helper()

	ws := f.dial(t, wsToken(t, recipientID))
	msg := readMessage(t, ws)
	require.Equal(t, "connection_established", msg["type"])
	return ws
}

func wsToken(t *testing.T, recipientID string) string {
	t.Helper()
	token, err := middleware.GenerateJWT(wsTestSecret, recipientID, recipientID+"@example.com", time.Hour)
	require.NoError(t, err)
	return token
}

func readMessage(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := ws.ReadMessage()
	require.NoError(t, err)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

func sendText(t *testing.T, ws *websocket.Conn, text string) {
	t.Helper()
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(text)))
}

func TestWSHandshake(t *testing.T) {
	t.Parallel()

	t.Run("認証済みの接続は確立メッセージを最初に受け取りグループに参加する", func(t *testing.T) {
		t.Parallel()
		f := newWSFixture(t)

		ws := f.dial(t, wsToken(t, "user-a"))
		msg := readMessage(t, ws)

		assert.Equal(t, "connection_established", msg["type"])
		assert.Equal(t, "Connected to notification service", msg["message"])
		// 確立メッセージを受け取った時点でグループ参加は完了している
		assert.Equal(t, 1, f.hub.Members("user-a"))
	})

	t.Run("トークンが無い接続は未認証として受け付ける", func(t *testing.T) {
		t.Parallel()
		f := newWSFixture(t)

		ws := f.dial(t, "")
		msg := readMessage(t, ws)

		assert.Equal(t, "connection_established", msg["type"])
		assert.Equal(t, "Connected (unauthenticated)", msg["message"])
		assert.Zero(t, f.hub.Members(""))
	})

	t.Run("無効なトークンは未認証として扱う", func(t *testing.T) {
		t.Parallel()
		f := newWSFixture(t)

		ws := f.dial(t, "not-a-jwt")
		msg := readMessage(t, ws)

		assert.Equal(t, "Connected (unauthenticated)", msg["message"])
	})

	t.Run("Authorizationヘッダーのトークンも受け付ける", func(t *testing.T) {
		t.Parallel()
		f := newWSFixture(t)

		u := "ws" + strings.TrimPrefix(f.srv.URL, "http") + "/"
		header := http.Header{}
		header.Set("Authorization", "Bearer "+wsToken(t, "user-h"))
		ws, resp, err := websocket.DefaultDialer.DialContext(t.Context(), u, header)
		require.NoError(t, err)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		t.Cleanup(func() { _ = ws.Close() })

		msg := readMessage(t, ws)
		assert.Equal(t, "Connected to notification service", msg["message"])
		assert.Equal(t, 1, f.hub.Members("user-h"))
	})

	t.Run("Hub停止後の認証済み接続は閉じられる", func(t *testing.T) {
		t.Parallel()
		f := newWSFixture(t)
		f.hub.CloseAll()

		ws := f.dial(t, wsToken(t, "user-a"))
		require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, _, err := ws.ReadMessage()
		require.Error(t, err)
		assert.Zero(t, f.hub.Members("user-a"))
	})
}

func TestWSCommands(t *testing.T) {
	t.Parallel()

	t.Run("pingにはタイムスタンプをそのまま返す", func(t *testing.T) {
		t.Parallel()
		f := newWSFixture(t)
		ws := f.dialAs(t, "user-a")

		sendText(t, ws, `{"type":"ping","timestamp":1767225600}`)
		msg := readMessage(t, ws)

		assert.Equal(t, "pong", msg["type"])
		assert.Equal(t, float64(1767225600), msg["timestamp"])
	})

	t.Run("タイムスタンプの無いpingにはnullを返す", func(t *testing.T) {
		t.Parallel()
		f := newWSFixture(t)
		ws := f.dialAs(t, "user-a")

		sendText(t, ws, `{"type":"ping"}`)
		msg := readMessage(t, ws)

		assert.Equal(t, "pong", msg["type"])
		v, ok := msg["timestamp"]
		assert.True(t, ok)
		assert.Nil(t, v)
	})

	t.Run("不正なJSONにはエラーを返し接続は維持する", func(t *testing.T) {
		t.Parallel()
		f := newWSFixture(t)
		ws := f.dialAs(t, "user-a")

		sendText(t, ws, `not json`)
		msg := readMessage(t, ws)
		assert.Equal(t, "error", msg["type"])
		assert.Equal(t, "Invalid JSON", msg["message"])

		sendText(t, ws, `{"type":"ping","timestamp":1}`)
		assert.Equal(t, "pong", readMessage(t, ws)["type"])
	})

	t.Run("JSONオブジェクト以外にはエラーを返す", func(t *testing.T) {
		t.Parallel()
		f := newWSFixture(t)
		ws := f.dialAs(t, "user-a")

		for _, text := range []string{`null`, `[{"type":"ping"}]`, `42`} {
			sendText(t, ws, text)
			msg := readMessage(t, ws)
			assert.Equal(t, "error", msg["type"], text)
			assert.Equal(t, "Invalid JSON", msg["message"], text)
		}
	})

	t.Run("未知の種類は応答せずに無視する", func(t *testing.T) {
		t.Parallel()
		f := newWSFixture(t)
		ws := f.dialAs(t, "user-a")

		sendText(t, ws, `{"type":"subscribe","channel":"x"}`)
		sendText(t, ws, `{"type":1}`)
		sendText(t, ws, `{"type":["ping"]}`)
		sendText(t, ws, `{"type":"ping","timestamp":2}`)

		msg := readMessage(t, ws)
		assert.Equal(t, "pong", msg["type"])
		assert.Equal(t, float64(2), msg["timestamp"])
	})

	t.Run("コマンドは到着順に処理される", func(t *testing.T) {
		t.Parallel()
		f := newWSFixture(t)
		ws := f.dialAs(t, "user-a")

		for i := 1; i <= 5; i++ {
			sendText(t, ws, `{"type":"ping","timestamp":`+strconv.Itoa(i)+`}`)
		}
		for i := 1; i <= 5; i++ {
			msg := readMessage(t, ws)
			assert.Equal(t, float64(i), msg["timestamp"])
		}
	})
}

func TestWSMarkRead(t *testing.T) {
	t.Parallel()

	t.Run("自分の通知を既読にして受け取ったIDを返す", func(t *testing.T) {
		t.Parallel()
		f := newWSFixture(t)
		cat := mustCategory(t, f.store, "Order Update")
		n, err := f.store.Create(t.Context(), "user-a", cat.ID, "Shipped", "")
		require.NoError(t, err)
		ws := f.dialAs(t, "user-a")

		sendText(t, ws, `{"type":"mark_read","notification_id":`+jsonInt(n.ID)+`}`)
		msg := readMessage(t, ws)

		assert.Equal(t, "marked_read", msg["type"])
		assert.Equal(t, float64(n.ID), msg["notification_id"])
		got, err := f.store.Get(t.Context(), n.ID)
		require.NoError(t, err)
		assert.True(t, got.IsRead)
	})

	t.Run("数字文字列のIDも受け付けて文字列のまま返す", func(t *testing.T) {
		t.Parallel()
		f := newWSFixture(t)
		cat := mustCategory(t, f.store, "Order Update")
		n, err := f.store.Create(t.Context(), "user-a", cat.ID, "Shipped", "")
		require.NoError(t, err)
		ws := f.dialAs(t, "user-a")

		sendText(t, ws, `{"type":"mark_read","notification_id":"`+jsonInt(n.ID)+`"}`)
		msg := readMessage(t, ws)

		assert.Equal(t, jsonInt(n.ID), msg["notification_id"])
		got, err := f.store.Get(t.Context(), n.ID)
		require.NoError(t, err)
		assert.True(t, got.IsRead)
	})

	t.Run("存在しないIDでも同じ応答を返す", func(t *testing.T) {
		t.Parallel()
		f := newWSFixture(t)
		ws := f.dialAs(t, "user-a")

		sendText(t, ws, `{"type":"mark_read","notification_id":999}`)
		msg := readMessage(t, ws)

		assert.Equal(t, "marked_read", msg["type"])
		assert.Equal(t, float64(999), msg["notification_id"])
	})

	t.Run("他人の通知は既読にならない", func(t *testing.T) {
		t.Parallel()
		f := newWSFixture(t)
		cat := mustCategory(t, f.store, "Order Update")
		n, err := f.store.Create(t.Context(), "user-b", cat.ID, "Shipped", "")
		require.NoError(t, err)
		ws := f.dialAs(t, "user-a")

		sendText(t, ws, `{"type":"mark_read","notification_id":`+jsonInt(n.ID)+`}`)
		assert.Equal(t, "marked_read", readMessage(t, ws)["type"])

		got, err := f.store.Get(t.Context(), n.ID)
		require.NoError(t, err)
		assert.False(t, got.IsRead)
	})

	t.Run("未認証の接続は応答するが既読にしない", func(t *testing.T) {
		t.Parallel()
		f := newWSFixture(t)
		cat := mustCategory(t, f.store, "Order Update")
		n, err := f.store.Create(t.Context(), "user-a", cat.ID, "Shipped", "")
		require.NoError(t, err)
		ws := f.dial(t, "")
		readMessage(t, ws)

		sendText(t, ws, `{"type":"mark_read","notification_id":`+jsonInt(n.ID)+`}`)
		assert.Equal(t, "marked_read", readMessage(t, ws)["type"])

		got, err := f.store.Get(t.Context(), n.ID)
		require.NoError(t, err)
		assert.False(t, got.IsRead)
	})

	t.Run("IDが無いmark_readには応答しない", func(t *testing.T) {
		t.Parallel()
		f := newWSFixture(t)
		ws := f.dialAs(t, "user-a")

		sendText(t, ws, `{"type":"mark_read"}`)
		sendText(t, ws, `{"type":"mark_read","notification_id":null}`)
		sendText(t, ws, `{"type":"mark_read","notification_id":0.0}`)
		sendText(t, ws, `{"type":"mark_read","notification_id":[]}`)
		sendText(t, ws, `{"type":"ping","timestamp":3}`)

		assert.Equal(t, "pong", readMessage(t, ws)["type"])
	})
}

func TestWSPush(t *testing.T) {
	t.Parallel()

	t.Run("Hubへの発行が通知メッセージとして届く", func(t *testing.T) {
		t.Parallel()
		f := newWSFixture(t)
		ws := f.dialAs(t, "user-a")

		delivered := f.hub.Publish("user-a", Payload{
			ID:        5,
			Title:     "Order #1042 shipped",
			Message:   "Your ring is on its way",
			Type:      "Order Update",
			CreatedAt: "2026-01-01T09:00:00Z",
		})
		require.Equal(t, 1, delivered)

		msg := readMessage(t, ws)
		assert.Equal(t, "notification", msg["type"])
		body, ok := msg["notification"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, float64(5), body["id"])
		assert.Equal(t, "Order #1042 shipped", body["title"])
		assert.Equal(t, "Your ring is on its way", body["message"])
		assert.Equal(t, "Order Update", body["type"])
		assert.Equal(t, false, body["read"])
		assert.Equal(t, "2026-01-01T09:00:00Z", body["created_at"])
	})

	t.Run("同じ受信者の全ての接続に届く", func(t *testing.T) {
		t.Parallel()
		f := newWSFixture(t)
		phone := f.dialAs(t, "user-a")
		laptop := f.dialAs(t, "user-a")
		require.Equal(t, 2, f.hub.Members("user-a"))

		f.hub.Publish("user-a", Payload{ID: 8, Title: "Gold rate"})

		assert.Equal(t, "notification", readMessage(t, phone)["type"])
		assert.Equal(t, "notification", readMessage(t, laptop)["type"])
	})
}

func TestWSDisconnect(t *testing.T) {
	t.Parallel()

	t.Run("クライアントが切断するとグループから外れる", func(t *testing.T) {
		t.Parallel()
		f := newWSFixture(t)
		ws := f.dialAs(t, "user-a")
		require.Equal(t, 1, f.hub.Members("user-a"))

		_ = ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		_ = ws.Close()

		require.Eventually(t, func() bool {
			return f.hub.Members("user-a") == 0
		}, 2*time.Second, 10*time.Millisecond)
	})

	t.Run("CloseAllで全ての接続が正常終了として閉じられる", func(t *testing.T) {
		t.Parallel()
		f := newWSFixture(t)
		a := f.dialAs(t, "user-a")
		b := f.dialAs(t, "user-b")

		f.hub.CloseAll()

		for _, ws := range []*websocket.Conn{a, b} {
			require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
			_, _, err := ws.ReadMessage()
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "err = %v", err)
		}
		assert.Zero(t, f.hub.Members("user-a"))
		assert.Zero(t, f.hub.Members("user-b"))
	})
}

// serverSideConn はサーバー側のwebsocket.Connを取り出す。書き込みポンプは起動しない。
func serverSideConn(t *testing.T) *websocket.Conn {
	t.Helper()

	conns := make(chan *websocket.Conn, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- ws
	}))
	t.Cleanup(srv.Close)

	client, resp, err := websocket.DefaultDialer.DialContext(t.Context(), "ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = client.Close() })

	select {
	case ws := <-conns:
		return ws
	case <-time.After(2 * time.Second):
		t.Fatal("サーバー側の接続を取得できませんでした")
		return nil
	}
}

func TestConnSlowClient(t *testing.T) {
	t.Parallel()

	hub := NewHub(zerolog.Nop())
	c := newConn(serverSideConn(t), "user-a", hub, nil, ConnConfig{SendBuffer: 1}, zerolog.Nop())
	require.NoError(t, hub.Join("user-a", c))
	c.joined.Store(true)
	c.state.Store(int32(StateOpen))

	// 書き込みポンプが動いていないため2件目で送信キューが溢れる
	assert.True(t, c.Deliver(Payload{ID: 1}))
	assert.False(t, c.Deliver(Payload{ID: 2}))

	assert.Equal(t, StateClosed, c.State())
	assert.Zero(t, hub.Members("user-a"))
	assert.False(t, c.Deliver(Payload{ID: 3}))
}

func TestConnClose(t *testing.T) {
	t.Parallel()

	t.Run("ハンドシェイク中のCloseは何度呼んでもよい", func(t *testing.T) {
		t.Parallel()
		hub := NewHub(zerolog.Nop())
		c := newConn(serverSideConn(t), "user-a", hub, nil, DefaultConnConfig, zerolog.Nop())
		require.Equal(t, StateConnecting, c.State())

		assert.NotPanics(t, func() {
			_ = c.Close()
			_ = c.Close()
		})
		assert.Equal(t, StateClosed, c.State())
		assert.Zero(t, hub.Members("user-a"))
	})

	t.Run("状態名", func(t *testing.T) {
		t.Parallel()
		assert.Equal(t, "connecting", StateConnecting.String())
		assert.Equal(t, "open", StateOpen.String())
		assert.Equal(t, "closed", StateClosed.String())
	})
}

func jsonInt(id int64) string {
	return strconv.FormatInt(id, 10)
}
