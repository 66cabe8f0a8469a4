package orderevents

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"github.com/nao1215/sonic/pkg/event"
)

// writer はSinkが使うkafka.Writerの操作。
type writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Sink はNotificationSentイベントをKafkaへ発行する。notification.EventSink を実装する。
type Sink struct {
	w writer
}

// NewSink は新しいSinkを生成する。発行は非同期で行い、失敗はログに記録する。
func NewSink(brokers []string, topic string, logger zerolog.Logger) *Sink {
	logger = logger.With().Str("component", "event-sink").Str("topic", topic).Logger()
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           50 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		Async:                  true,
		AllowAutoTopicCreation: true,
		Completion: func(messages []kafka.Message, err error) {
			if err != nil {
				logger.Warn().Err(err).Int("messages", len(messages)).Msg("イベントの発行に失敗しました")
			}
		},
	}
	return &Sink{w: w}
}

// Emit はイベントを集約IDをキーとして発行する。
func (s *Sink) Emit(ctx context.Context, e *event.Event) error {
	value, err := e.Encode()
	if err != nil {
		return err
	}
	err = s.w.WriteMessages(ctx, kafka.Message{
		Key:   e.Key(),
		Value: value,
		Time:  e.CreatedAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(e.EventType)},
		},
	})
	if err != nil {
		return fmt.Errorf("イベントの発行に失敗: %w", err)
	}
	return nil
}

// Close は未送信のイベントを送り切ってから閉じる。
func (s *Sink) Close() error {
	return s.w.Close()
}
