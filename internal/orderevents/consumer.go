package orderevents

import (
	"context"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/nao1215/sonic/internal/config"
	"github.com/nao1215/sonic/pkg/event"
)

// fetchRetryInterval は取得エラー後の再試行間隔。
const fetchRetryInterval = time.Second

// reader はConsumerが使うkafka.Readerの操作。
type reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer は注文イベントのトピックを購読し、Handlerへ渡す。
// 処理に失敗したメッセージもコミットする。
type Consumer struct {
	reader  reader
	handler *Handler
	logger  zerolog.Logger
}

// NewConsumer は新しいConsumerを生成する。
func NewConsumer(cfg config.KafkaConfig, handler *Handler, logger zerolog.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupID,
		Topic:          cfg.OrdersTopic,
		MinBytes:       10e3,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
	})
	return newConsumer(r, handler, logger)
}

func newConsumer(r reader, handler *Handler, logger zerolog.Logger) *Consumer {
	return &Consumer{
		reader:  r,
		handler: handler,
		logger:  logger.With().Str("component", "order-consumer").Logger(),
	}
}

// Run はctxがキャンセルされるまでメッセージを取得して処理する。
func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close() //nolint:errcheck

	c.logger.Info().Msg("注文イベントの購読を開始しました")
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info().Msg("注文イベントの購読を終了しました")
				return nil
			}
			c.logger.Warn().Err(err).Msg("メッセージの取得に失敗しました")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(fetchRetryInterval):
			}
			continue
		}

		c.process(ctx, m)

		if err := c.reader.CommitMessages(ctx, m); err != nil {
			c.logger.Warn().Err(err).Int64("offset", m.Offset).Msg("オフセットのコミットに失敗しました")
		}
	}
}

// process は1件のメッセージを処理する。失敗はログに記録するだけにする。
func (c *Consumer) process(ctx context.Context, m kafka.Message) {
	e, err := event.Decode(m.Value)
	if err != nil {
		c.logger.Warn().Err(err).
			Int("partition", m.Partition).
			Int64("offset", m.Offset).
			Msg("不正なイベントを破棄しました")
		return
	}
	if err := c.handler.Handle(ctx, e); err != nil {
		c.logger.Error().Err(err).
			Str("event_id", e.ID).
			Str("event_type", string(e.EventType)).
			Msg("注文イベントの処理に失敗しました")
	}
}
