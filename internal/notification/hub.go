package notification

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"
)

// ErrHubClosed はシャットダウン後にJoinされたことを表す。
var ErrHubClosed = errors.New("hubは停止済みです")

// groupPrefix は受信者グループ名の接頭辞。
const groupPrefix = "notifications_"

// GroupName は受信者IDからグループ名を導出する。
func GroupName(recipientID string) string {
	return groupPrefix + recipientID
}

// Subscriber はHubに参加するライブ接続。
type Subscriber interface {
	// ID は接続ごとに一意な識別子を返す。
	ID() string
	// Deliver はペイロードを送信キューに積む。積めなかった場合はfalseを返す。
	// 呼び出し側をブロックしてはならない。
	Deliver(p Payload) bool
	// Close は接続を終了する。複数回呼んでもよい。
	Close() error
}

// Publisher は受信者のライブ接続へペイロードを届ける。
// Hub自身のほか、レプリカ間で中継するrelayパッケージの実装がある。
type Publisher interface {
	Push(ctx context.Context, recipientID string, p Payload) error
}

// Hub は受信者IDごとのライブ接続集合を管理し、ペイロードを配信する。
// グループは最初のJoinで生まれ、最後のLeaveで消える。
type Hub struct {
	mu     sync.RWMutex
	groups map[string]map[string]Subscriber
	closed bool
	logger zerolog.Logger
}

// NewHub は空のHubを生成する。
func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		groups: make(map[string]map[string]Subscriber),
		logger: logger.With().Str("component", "hub").Logger(),
	}
}

// Join は接続を受信者のグループに追加する。同じ接続で繰り返し呼んでも1回分として扱う。
func (h *Hub) Join(recipientID string, sub Subscriber) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return ErrHubClosed
	}
	members, ok := h.groups[recipientID]
	if !ok {
		members = make(map[string]Subscriber)
		h.groups[recipientID] = members
		metricGroups.Inc()
	}
	members[sub.ID()] = sub

	h.logger.Debug().
		Str("group", GroupName(recipientID)).
		Str("subscriber", sub.ID()).
		Int("members", len(members)).
		Msg("グループに参加しました")
	return nil
}

// Leave は接続を受信者のグループから外す。参加していない接続に対しては何もしない。
func (h *Hub) Leave(recipientID string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	members, ok := h.groups[recipientID]
	if !ok {
		return
	}
	if _, ok := members[sub.ID()]; !ok {
		return
	}
	delete(members, sub.ID())
	if len(members) == 0 {
		delete(h.groups, recipientID)
		metricGroups.Dec()
	}

	h.logger.Debug().
		Str("group", GroupName(recipientID)).
		Str("subscriber", sub.ID()).
		Int("members", len(members)).
		Msg("グループから離脱しました")
}

// Publish は受信者のグループに属する全ての接続へペイロードを配信し、配信できた数を返す。
// グループが空の場合は何もしない。
func (h *Hub) Publish(recipientID string, p Payload) int {
	h.mu.RLock()
	members := make([]Subscriber, 0, len(h.groups[recipientID]))
	for _, sub := range h.groups[recipientID] {
		members = append(members, sub)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, sub := range members {
		if sub.Deliver(p) {
			delivered++
			continue
		}
		metricDeliveries.WithLabelValues("dropped").Inc()
		h.logger.Warn().
			Str("group", GroupName(recipientID)).
			Str("subscriber", sub.ID()).
			Int64("notification_id", p.ID).
			Msg("送信キューに積めなかったため配信を破棄しました")
	}
	metricDeliveries.WithLabelValues("delivered").Add(float64(delivered))
	return delivered
}

// Push はPublisherの実装。プロセス内のグループへ直接配信する。
func (h *Hub) Push(_ context.Context, recipientID string, p Payload) error {
	h.Publish(recipientID, p)
	return nil
}

// Members は受信者のグループに属する接続数を返す。存在しないグループは0。
func (h *Hub) Members(recipientID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.groups[recipientID])
}

// CloseAll は全ての接続を閉じ、以降のJoinを拒否する。サーバー停止時に呼ぶ。
func (h *Hub) CloseAll() {
	h.mu.Lock()
	h.closed = true
	var all []Subscriber
	for _, members := range h.groups {
		for _, sub := range members {
			all = append(all, sub)
		}
	}
	h.mu.Unlock()

	// CloseはLeaveを呼ぶためロックの外で実行する
	for _, sub := range all {
		if err := sub.Close(); err != nil {
			h.logger.Debug().Err(err).Str("subscriber", sub.ID()).Msg("接続のクローズに失敗しました")
		}
	}
	h.logger.Info().Int("connections", len(all)).Msg("全ての接続を閉じました")
}
