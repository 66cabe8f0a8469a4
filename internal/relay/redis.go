package relay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/nao1215/sonic/internal/notification"
)

// redisChannelPrefix は受信者ごとのPub/Subチャネル名の接頭辞。
const redisChannelPrefix = "sonic:notifications:"

// RedisChannel は受信者のPub/Subチャネル名を返す。
func RedisChannel(recipientID string) string {
	return redisChannelPrefix + subjectToken(recipientID)
}

// DialRedis はRedisに接続し、疎通を確認する。
func DialRedis(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("Redis %s への接続に失敗: %w", addr, err)
	}
	return rdb, nil
}

// Redis はRedis Pub/Sub経由でレプリカ間にペイロードを中継する。
type Redis struct {
	rdb    *redis.Client
	hub    Deliverer
	sub    *subscription
	logger zerolog.Logger
}

// NewRedis は新しいRedisを生成する。
func NewRedis(rdb *redis.Client, hub Deliverer, logger zerolog.Logger) *Redis {
	return &Redis{rdb: rdb, hub: hub, sub: newSubscription(logger), logger: logger}
}

// Push は受信者のチャネルへペイロードを発行する。購読中のレプリカが無くてもエラーにしない。
func (r *Redis) Push(ctx context.Context, recipientID string, p notification.Payload) error {
	data, err := encode(recipientID, p)
	if err != nil {
		return err
	}
	if err := r.rdb.Publish(ctx, RedisChannel(recipientID), data).Err(); err != nil {
		return fmt.Errorf("Redisへの発行に失敗: %w", err)
	}
	return nil
}

// Run は全受信者のチャネルをパターン購読し、ctxがキャンセルされるまでHubへ配信する。
func (r *Redis) Run(ctx context.Context) error {
	return r.sub.run(ctx, r.subscribe)
}

// subscribe は1回分の購読を行い、購読が切れるまでブロックする。
func (r *Redis) subscribe(ctx context.Context, onReady func()) error {
	pubsub := r.rdb.PSubscribe(ctx, redisChannelPrefix+"*")
	defer pubsub.Close() //nolint:errcheck

	// 購読の確立を待つ
	if _, err := pubsub.Receive(ctx); err != nil {
		return fmt.Errorf("Redisの購読に失敗: %w", err)
	}
	onReady()
	r.logger.Info().Str("pattern", redisChannelPrefix+"*").Msg("中継チャネルを購読しました")

	ch := pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return errors.New("Redisの購読チャネルが閉じられました")
			}
			deliver(r.hub, []byte(msg.Payload), r.logger)
		}
	}
}

// Ready は購読中かつRedisに疎通できればnilを返す。
func (r *Redis) Ready(ctx context.Context) error {
	if err := r.sub.readyErr(); err != nil {
		return err
	}
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("Redisに接続できません: %w", err)
	}
	return nil
}

// Close はRedisとの接続を閉じる。
func (r *Redis) Close() error {
	return r.rdb.Close()
}
