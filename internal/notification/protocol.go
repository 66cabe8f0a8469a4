package notification

import (
	"bytes"
	"encoding/json"
	"errors"
	"strconv"
	"time"
)

// メッセージ種別。クライアントとの互換性のため英語のまま送受信する。
const (
	typeConnectionEstablished = "connection_established"
	typePing                  = "ping"
	typePong                  = "pong"
	typeMarkRead              = "mark_read"
	typeMarkedRead            = "marked_read"
	typeError                 = "error"
	typeNotification          = "notification"
)

const (
	msgConnected     = "Connected to notification service"
	msgConnectedAnon = "Connected (unauthenticated)"
	msgInvalidJSON   = "Invalid JSON"
)

// ErrMalformedMessage はクライアントから受け取ったメッセージがJSONオブジェクトとして解釈できないことを表す。
var ErrMalformedMessage = errors.New("メッセージを解析できません")

// CommandKind はクライアントコマンドの種類。未知の種類はCommandUnknownとして無視する。
type CommandKind int

const (
	// CommandUnknown は未知の種類。将来のコマンド追加に備えて無視する。
	CommandUnknown CommandKind = iota
	// CommandPing は死活確認。タイムスタンプを返す。
	CommandPing
	// CommandMarkRead は通知の既読化。
	CommandMarkRead
)

// String はメトリクスのラベルに使う名前を返す。
func (k CommandKind) String() string {
	switch k {
	case CommandPing:
		return typePing
	case CommandMarkRead:
		return typeMarkRead
	default:
		return "unknown"
	}
}

// Command はクライアントから受け取った1件のコマンド。
type Command struct {
	Kind CommandKind
	// Timestamp はpingで送られた値。そのままpongで返す。
	Timestamp json.RawMessage
	// NotificationID はmark_readで送られた値。そのままmarked_readで返す。
	NotificationID json.RawMessage
}

// inboundEnvelope はクライアントメッセージの外枠。
// typeが文字列でないメッセージも未知の種類として受け付けるためRawMessageで受ける。
type inboundEnvelope struct {
	Type           json.RawMessage `json:"type"`
	Timestamp      json.RawMessage `json:"timestamp"`
	NotificationID json.RawMessage `json:"notification_id"`
}

// ParseCommand はクライアントメッセージをコマンドに変換する。
// JSONオブジェクトとして解釈できない場合（null、配列、スカラーを含む）はErrMalformedMessageを返す。
func ParseCommand(data []byte) (Command, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return Command{}, ErrMalformedMessage
	}
	var env inboundEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Command{}, errors.Join(ErrMalformedMessage, err)
	}

	var kind string
	if err := json.Unmarshal(env.Type, &kind); err != nil {
		return Command{Kind: CommandUnknown}, nil
	}
	switch kind {
	case typePing:
		return Command{Kind: CommandPing, Timestamp: env.Timestamp}, nil
	case typeMarkRead:
		return Command{Kind: CommandMarkRead, NotificationID: env.NotificationID}, nil
	default:
		return Command{Kind: CommandUnknown}, nil
	}
}

// HasNotificationID はmark_readに通知IDが指定されているかを返す。
// 未指定とnullのほか、偽とみなす値（false、0、0.0、空文字列、空配列、空オブジェクト）は指定なしとして扱う。
func (c Command) HasNotificationID() bool {
	raw := bytes.TrimSpace(c.NotificationID)
	if len(raw) == 0 {
		return false
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return false
	}
	switch id := v.(type) {
	case nil:
		return false
	case bool:
		return id
	case json.Number:
		f, err := strconv.ParseFloat(id.String(), 64)
		return err != nil || f != 0
	case string:
		return id != ""
	case []any:
		return len(id) > 0
	case map[string]any:
		return len(id) > 0
	default:
		return true
	}
}

// ParsedNotificationID は通知IDを整数として解釈する。数値と数字文字列を受け付ける。
func (c Command) ParsedNotificationID() (int64, bool) {
	raw := bytes.TrimSpace(c.NotificationID)
	if len(raw) == 0 {
		return 0, false
	}
	var s string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &s); err != nil {
			return 0, false
		}
	} else {
		s = string(raw)
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// Payload はライブ接続へ届ける通知の内容。
type Payload struct {
	ID        int64  `json:"id"`
	Title     string `json:"title"`
	Message   string `json:"message"`
	Type      string `json:"type"`
	Read      bool   `json:"read"`
	CreatedAt string `json:"created_at"`
}

// NewPayload は保存済みの通知からペイロードを生成する。
func NewPayload(n *Notification) Payload {
	return Payload{
		ID:        n.ID,
		Title:     n.Title,
		Message:   n.Message(),
		Type:      n.CategoryName,
		Read:      n.IsRead,
		CreatedAt: n.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}

// サーバーからクライアントへのメッセージ。

type establishedMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type pongMessage struct {
	Type      string          `json:"type"`
	Timestamp json.RawMessage `json:"timestamp"`
}

type markedReadMessage struct {
	Type           string          `json:"type"`
	NotificationID json.RawMessage `json:"notification_id"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type notificationMessage struct {
	Type         string  `json:"type"`
	Notification Payload `json:"notification"`
}

func newEstablished(authenticated bool) establishedMessage {
	if authenticated {
		return establishedMessage{Type: typeConnectionEstablished, Message: msgConnected}
	}
	return establishedMessage{Type: typeConnectionEstablished, Message: msgConnectedAnon}
}

func newPong(ts json.RawMessage) pongMessage {
	return pongMessage{Type: typePong, Timestamp: ts}
}

func newMarkedRead(id json.RawMessage) markedReadMessage {
	return markedReadMessage{Type: typeMarkedRead, NotificationID: id}
}

func newInvalidJSON() errorMessage {
	return errorMessage{Type: typeError, Message: msgInvalidJSON}
}

func newNotificationMessage(p Payload) notificationMessage {
	return notificationMessage{Type: typeNotification, Notification: p}
}
