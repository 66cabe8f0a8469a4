// Package relay は通知サービスのレプリカ間でライブ配信を中継する。
//
// 通知を作成したプロセスと受信者のWebSocket接続を持つプロセスが異なる場合に備え、
// Dispatcherはペイロードを直接Hubへ渡さずにRedis Pub/SubまたはNATSへ発行する。
// 各レプリカは全受信者のチャネルを購読し、受け取ったペイロードを自身のHubへ配信する。
// 単一プロセスで動かす場合はLocalを使う。
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/nao1215/sonic/internal/config"
	"github.com/nao1215/sonic/internal/notification"
)

// Deliverer はプロセス内のライブ接続へペイロードを届ける。*notification.Hub が実装する。
type Deliverer interface {
	Publish(recipientID string, p notification.Payload) int
}

// Relay はDispatcherのPublisherとして使う中継実装。
type Relay interface {
	notification.Publisher
	// Run は購読を開始し、ctxがキャンセルされるまで受信したペイロードをHubへ配信する。
	// 購読に失敗した場合や購読が切れた場合はバックオフしながら再試行する。
	Run(ctx context.Context) error
	// Ready は購読中でレプリカ間の配信が届く状態ならnilを返す。ヘルスチェックで使う。
	Ready(ctx context.Context) error
	// Close は接続を閉じる。
	Close() error
}

// Message はブローカー上でやり取りする中継メッセージ。
type Message struct {
	RecipientID  string               `json:"recipient_id"`
	Notification notification.Payload `json:"notification"`
}

func encode(recipientID string, p notification.Payload) ([]byte, error) {
	data, err := json.Marshal(Message{RecipientID: recipientID, Notification: p})
	if err != nil {
		return nil, fmt.Errorf("中継メッセージのシリアライズに失敗: %w", err)
	}
	return data, nil
}

// deliver は受信した中継メッセージをHubへ配信する。不正なメッセージは破棄する。
func deliver(hub Deliverer, data []byte, logger zerolog.Logger) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		logger.Warn().Err(err).Msg("中継メッセージを解析できないため破棄しました")
		return
	}
	if msg.RecipientID == "" {
		logger.Warn().Int64("notification_id", msg.Notification.ID).Msg("recipient_idの無い中継メッセージを破棄しました")
		return
	}
	delivered := hub.Publish(msg.RecipientID, msg.Notification)
	logger.Debug().
		Str("recipient_id", msg.RecipientID).
		Int64("notification_id", msg.Notification.ID).
		Int("delivered", delivered).
		Msg("中継メッセージを配信しました")
}

// subjectToken は受信者IDをチャネル名・サブジェクトに使える形にする。
// 実際の宛先はメッセージ本文のrecipient_idで判定するため、衝突しても配信先は変わらない。
func subjectToken(recipientID string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', '*', '>', ' ', '\t', '\r', '\n':
			return '_'
		default:
			return r
		}
	}, recipientID)
}

// ErrNotSubscribed は中継チャネルを購読できていないことを表す。
var ErrNotSubscribed = errors.New("中継チャネルを購読していません")

// backoff は購読の再試行間隔。失敗のたびに倍にし、maxで頭打ちにする。
type backoff struct {
	min time.Duration
	max time.Duration
}

var defaultBackoff = backoff{min: time.Second, max: 30 * time.Second}

// subscription はRedisとNATSで共通の購読状態。
type subscription struct {
	ready   atomic.Bool
	backoff backoff
	logger  zerolog.Logger
}

func newSubscription(logger zerolog.Logger) *subscription {
	return &subscription{backoff: defaultBackoff, logger: logger}
}

// readyErr は購読中でなければErrNotSubscribedを返す。
func (s *subscription) readyErr() error {
	if !s.ready.Load() {
		return ErrNotSubscribed
	}
	return nil
}

// run はctxがキャンセルされるまでsubscribeを繰り返し呼ぶ。
// subscribeは購読が確立したらonReadyを呼び、購読が切れたらエラーを返す。
func (s *subscription) run(ctx context.Context, subscribe func(ctx context.Context, onReady func()) error) error {
	wait := s.backoff.min
	for {
		err := subscribe(ctx, func() {
			s.ready.Store(true)
			wait = s.backoff.min
		})
		s.ready.Store(false)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = ErrNotSubscribed
		}
		s.logger.Error().Err(err).Dur("retry_in", wait).Msg("中継チャネルの購読に失敗したため再試行します")

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
		wait = min(wait*2, s.backoff.max)
	}
}

// Local はプロセス内のHubへ直接配信する。
type Local struct {
	hub Deliverer
}

// NewLocal は新しいLocalを生成する。
func NewLocal(hub Deliverer) *Local {
	return &Local{hub: hub}
}

// Push はnotification.Publisherの実装。
func (l *Local) Push(_ context.Context, recipientID string, p notification.Payload) error {
	l.hub.Publish(recipientID, p)
	return nil
}

// Run は購読するものが無いためctxのキャンセルを待つだけ。
func (l *Local) Run(ctx context.Context) error {
	<-ctx.Done()
	return nil
}

// Ready はプロセス内配信のため常にnil。
func (l *Local) Ready(context.Context) error {
	return nil
}

// Close は何もしない。
func (l *Local) Close() error {
	return nil
}

// New は設定に応じたRelayを生成する。接続に失敗した場合はエラーを返す。
func New(ctx context.Context, cfg config.RelayConfig, hub Deliverer, logger zerolog.Logger) (Relay, error) {
	logger = logger.With().Str("component", "relay").Str("driver", string(cfg.Driver)).Logger()

	switch cfg.Driver {
	case config.RelayLocal, "":
		return NewLocal(hub), nil
	case config.RelayRedis:
		rdb, err := DialRedis(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, err
		}
		return NewRedis(rdb, hub, logger), nil
	case config.RelayNATS:
		nc, err := DialNATS(cfg.NATSURL, logger)
		if err != nil {
			return nil, err
		}
		return NewNATS(nc, hub, logger), nil
	default:
		return nil, fmt.Errorf("未対応のrelay.driverです: %q", cfg.Driver)
	}
}
