// Package orderevents は注文サービスのイベントを購読して「Order Update」通知を配信し、
// 作成した通知をNotificationSentイベントとしてKafkaへ発行する。
package orderevents

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/nao1215/sonic/internal/notification"
	"github.com/nao1215/sonic/pkg/event"
)

// ErrDispatchFailed は通知種別が解決できず配信できなかったことを表す。
var ErrDispatchFailed = errors.New("通知の配信に失敗しました")

// Sender は通知を名前で指定した種別で配信する。*notification.Dispatcher が実装する。
type Sender interface {
	SendToCategoryName(ctx context.Context, recipientIDs []string, name, title, message string) notification.Result
}

// EventLog は処理済みイベントIDの記録先。*notification.Store が実装する。
type EventLog interface {
	RecordEvent(ctx context.Context, eventID string) (bool, error)
	ForgetEvent(ctx context.Context, eventID string) error
}

// Handler は注文イベントを通知に変換して配信する。
type Handler struct {
	sender   Sender
	events   EventLog
	category string
	logger   zerolog.Logger
}

// HandlerOption はHandlerの生成時オプション。
type HandlerOption func(*Handler)

// WithEventLog は同じIDのイベントを2回目以降スキップする。
func WithEventLog(log EventLog) HandlerOption {
	return func(h *Handler) {
		h.events = log
	}
}

// NewHandler は新しいHandlerを生成する。通知種別は「Order Update」を使う。
func NewHandler(sender Sender, logger zerolog.Logger, opts ...HandlerOption) *Handler {
	h := &Handler{
		sender:   sender,
		category: notification.CategoryOrderUpdate,
		logger:   logger.With().Str("component", "orderevents").Logger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// message はイベントから組み立てた通知内容。
type message struct {
	userID string
	title  string
	body   string
}

// compose はイベントを通知内容に変換する。通知対象外のイベントはfalseを返す。
func compose(e *event.Event) (message, bool, error) {
	switch e.EventType {
	case event.TypeOrderPlaced:
		d, err := event.DecodeData[event.OrderPlacedData](e)
		if err != nil {
			return message{}, false, err
		}
		return message{
			userID: d.UserID,
			title:  fmt.Sprintf("Order %s placed", d.OrderNumber),
			body:   fmt.Sprintf("Thank you! Your order %s with %d item(s) has been placed.", d.OrderNumber, d.ItemCount),
		}, true, nil
	case event.TypeOrderStatusChanged:
		d, err := event.DecodeData[event.OrderStatusChangedData](e)
		if err != nil {
			return message{}, false, err
		}
		return message{
			userID: d.UserID,
			title:  fmt.Sprintf("Order %s %s", d.OrderNumber, d.Status),
			body:   fmt.Sprintf("Your order %s is now %s.", d.OrderNumber, d.Status),
		}, true, nil
	case event.TypeOrderCancelled:
		d, err := event.DecodeData[event.OrderCancelledData](e)
		if err != nil {
			return message{}, false, err
		}
		body := fmt.Sprintf("Your order %s has been cancelled.", d.OrderNumber)
		if d.Reason != "" {
			body += " Reason: " + d.Reason
		}
		return message{
			userID: d.UserID,
			title:  fmt.Sprintf("Order %s cancelled", d.OrderNumber),
			body:   body,
		}, true, nil
	case event.TypeCustomizationRequested:
		d, err := event.DecodeData[event.CustomizationRequestedData](e)
		if err != nil {
			return message{}, false, err
		}
		return message{
			userID: d.UserID,
			title:  "Customization request received",
			body:   fmt.Sprintf("We received your customization request for %s.", d.ProductName),
		}, true, nil
	default:
		return message{}, false, nil
	}
}

// Handle は1件のイベントを処理する。通知対象外のイベントと処理済みのイベントは無視する。
func (h *Handler) Handle(ctx context.Context, e *event.Event) error {
	msg, ok, err := compose(e)
	if err != nil {
		return fmt.Errorf("%sイベントの解析に失敗: %w", e.EventType, err)
	}
	if !ok {
		h.logger.Debug().Str("event_type", string(e.EventType)).Msg("通知対象外のイベントを無視しました")
		return nil
	}
	if msg.userID == "" {
		return fmt.Errorf("%sイベントにuser_idがありません", e.EventType)
	}

	first, err := h.record(ctx, e)
	if err != nil {
		return err
	}
	if !first {
		h.logger.Info().
			Str("event_id", e.ID).
			Str("event_type", string(e.EventType)).
			Msg("処理済みのイベントを無視しました")
		return nil
	}

	result := h.sender.SendToCategoryName(ctx, []string{msg.userID}, h.category, msg.title, msg.body)
	if !result.Success {
		h.forget(ctx, e)
		return fmt.Errorf("%w: %s", ErrDispatchFailed, result.Error)
	}
	h.logger.Info().
		Str("event_id", e.ID).
		Str("event_type", string(e.EventType)).
		Str("user_id", msg.userID).
		Int("created", result.NotificationsCreated).
		Msg("注文イベントを通知しました")
	return nil
}

// record はイベントIDを記録し、初めて処理するイベントかどうかを返す。
// EventLogが無い場合とIDの無いイベントは常に処理する。
func (h *Handler) record(ctx context.Context, e *event.Event) (bool, error) {
	if h.events == nil || e.ID == "" {
		return true, nil
	}
	first, err := h.events.RecordEvent(ctx, e.ID)
	if err != nil {
		return false, fmt.Errorf("イベント %s の重複確認に失敗: %w", e.ID, err)
	}
	return first, nil
}

// forget は配信できなかったイベントの記録を取り消す。
func (h *Handler) forget(ctx context.Context, e *event.Event) {
	if h.events == nil || e.ID == "" {
		return
	}
	if err := h.events.ForgetEvent(ctx, e.ID); err != nil {
		h.logger.Warn().Err(err).Str("event_id", e.ID).Msg("処理済みイベントの記録を取り消せませんでした")
	}
}
