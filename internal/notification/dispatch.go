package notification

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/nao1215/sonic/pkg/event"
)

const (
	// errCategoryNotFound は通知種別が解決できなかった場合のエラーメッセージ。
	errCategoryNotFound = "category not found"
	// errRecipientLookup は受信者一覧の取得に失敗した場合のエラーメッセージ。
	errRecipientLookup = "recipient lookup failed"
)

// EventSink はNotificationSentイベントの発行先。
type EventSink interface {
	Emit(ctx context.Context, e *event.Event) error
}

// Result は一斉配信の結果。
// 通知種別が解決できればSuccessはtrueになり、存在しない受信者はスキップされる。
type Result struct {
	Success              bool     `json:"success"`
	NotificationsCreated int      `json:"notifications_created"`
	NotificationIDs      []int64  `json:"notification_ids"`
	SkippedRecipientIDs  []string `json:"skipped_recipient_ids,omitempty"`
	Error                string   `json:"error,omitempty"`
}

// MarshalJSON は失敗時に {success, error} のみを出力する。
func (r Result) MarshalJSON() ([]byte, error) {
	if !r.Success {
		return json.Marshal(struct {
			Success bool   `json:"success"`
			Error   string `json:"error"`
		}{Success: false, Error: r.Error})
	}
	type alias Result
	a := alias(r)
	if a.NotificationIDs == nil {
		a.NotificationIDs = []int64{}
	}
	return json.Marshal(a)
}

func failed(msg string) Result {
	return Result{Success: false, Error: msg}
}

// Dispatcher は業務ロジックから呼ばれる通知の配信窓口。
// 受信者ごとに通知を1件保存してから、ライブ接続へ配信する。
// 配信に失敗しても保存は取り消さない。
type Dispatcher struct {
	store     *Store
	publisher Publisher
	events    EventSink
	logger    zerolog.Logger
	tracer    trace.Tracer
}

// DispatcherOption はDispatcherの生成時オプション。
type DispatcherOption func(*Dispatcher)

// WithEventSink は通知作成ごとにNotificationSentイベントを発行する。
func WithEventSink(sink EventSink) DispatcherOption {
	return func(d *Dispatcher) {
		d.events = sink
	}
}

// NewDispatcher は新しいDispatcherを生成する。
func NewDispatcher(store *Store, publisher Publisher, logger zerolog.Logger, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:     store,
		publisher: publisher,
		logger:    logger.With().Str("component", "dispatcher").Logger(),
		tracer:    otel.Tracer("github.com/nao1215/sonic/internal/notification"),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SendTo は指定した受信者それぞれに通知を作成し、ライブ接続へ配信する。
// 通知種別が存在しない場合は何も書き込まずに失敗を返す。
// 存在しない受信者はその受信者だけをスキップする。
func (d *Dispatcher) SendTo(ctx context.Context, recipientIDs []string, categoryID int64, title, message string) Result {
	ctx, span := d.tracer.Start(ctx, "Dispatcher.SendTo", trace.WithAttributes(
		attribute.Int64("notification.category_id", categoryID),
		attribute.Int("notification.recipients", len(recipientIDs)),
	))
	defer span.End()

	category, err := d.store.ActiveCategory(ctx, categoryID)
	if err != nil {
		return d.categoryFailure(span, err, categoryID)
	}
	return d.send(ctx, span, recipientIDs, category, title, message)
}

// SendToCategoryName は通知種別を名前で解決してSendToと同じ処理を行う。
func (d *Dispatcher) SendToCategoryName(ctx context.Context, recipientIDs []string, name, title, message string) Result {
	ctx, span := d.tracer.Start(ctx, "Dispatcher.SendToCategoryName", trace.WithAttributes(
		attribute.String("notification.category", name),
		attribute.Int("notification.recipients", len(recipientIDs)),
	))
	defer span.End()

	category, err := d.store.CategoryByName(ctx, name)
	if err == nil && !category.IsActive {
		err = fmt.Errorf("通知種別 %q は無効です: %w", name, ErrNotFound)
	}
	if err != nil {
		return d.categoryFailure(span, err, name)
	}
	return d.send(ctx, span, recipientIDs, category, title, message)
}

// SendToAll は有効かつ論理削除されていない全受信者（excludeIDsを除く）に通知する。
func (d *Dispatcher) SendToAll(ctx context.Context, categoryID int64, title, message string, excludeIDs []string) Result {
	ids, err := d.store.ActiveRecipientIDs(ctx, excludeIDs)
	if err != nil {
		d.logger.Error().Err(err).Msg("配信対象の受信者の取得に失敗しました")
		return failed(errRecipientLookup)
	}
	d.logger.Info().
		Int("recipients", len(ids)).
		Int("excluded", len(excludeIDs)).
		Msg("全受信者へ配信します")
	return d.SendTo(ctx, ids, categoryID, title, message)
}

func (d *Dispatcher) categoryFailure(span trace.Span, err error, key any) Result {
	if !errors.Is(err, ErrNotFound) {
		d.logger.Error().Err(err).Interface("category", key).Msg("通知種別の取得に失敗しました")
	} else {
		d.logger.Warn().Interface("category", key).Msg("通知種別が見つかりません")
	}
	span.SetStatus(codes.Error, errCategoryNotFound)
	return failed(errCategoryNotFound)
}

// send は受信者を順に処理する。受信者単位の失敗は結果に集約し、呼び出し元へは伝播しない。
func (d *Dispatcher) send(ctx context.Context, span trace.Span, recipientIDs []string, category *Category, title, message string) Result {
	result := Result{Success: true, NotificationIDs: []int64{}}

	for _, recipientID := range unique(recipientIDs) {
		n, err := d.sendOne(ctx, recipientID, category, title, message)
		if err != nil {
			result.SkippedRecipientIDs = append(result.SkippedRecipientIDs, recipientID)
			continue
		}
		result.NotificationIDs = append(result.NotificationIDs, n.ID)
	}
	result.NotificationsCreated = len(result.NotificationIDs)

	span.SetAttributes(
		attribute.Int("notification.created", result.NotificationsCreated),
		attribute.Int("notification.skipped", len(result.SkippedRecipientIDs)),
	)
	d.logger.Info().
		Str("category", category.Name).
		Int("created", result.NotificationsCreated).
		Int("skipped", len(result.SkippedRecipientIDs)).
		Msg("通知を配信しました")
	return result
}

// errUnknownRecipient は受信者が存在しないことを表す。
var errUnknownRecipient = errors.New("受信者が存在しません")

// sendOne は1人の受信者に対して保存と配信を行う。
func (d *Dispatcher) sendOne(ctx context.Context, recipientID string, category *Category, title, message string) (*Notification, error) {
	exists, err := d.store.RecipientExists(ctx, recipientID)
	if err != nil {
		metricDispatched.WithLabelValues("failed").Inc()
		d.logger.Error().Err(err).Str("recipient_id", recipientID).Msg("受信者の確認に失敗しました")
		return nil, err
	}
	if !exists {
		metricDispatched.WithLabelValues("skipped").Inc()
		d.logger.Debug().Str("recipient_id", recipientID).Msg("存在しない受信者をスキップしました")
		return nil, errUnknownRecipient
	}

	n, err := d.store.Create(ctx, recipientID, category.ID, title, message)
	if err != nil {
		metricDispatched.WithLabelValues("failed").Inc()
		d.logger.Error().Err(err).Str("recipient_id", recipientID).Msg("通知の保存に失敗しました")
		return nil, err
	}
	metricDispatched.WithLabelValues("created").Inc()

	// 保存後に配信する。配信に失敗しても保存は取り消さない
	pushed := true
	if err := d.publisher.Push(ctx, recipientID, NewPayload(n)); err != nil {
		pushed = false
		d.logger.Warn().Err(err).
			Str("recipient_id", recipientID).
			Int64("notification_id", n.ID).
			Msg("ライブ配信に失敗しました")
	}

	d.emitSent(ctx, n, pushed)
	return n, nil
}

// emitSent はNotificationSentイベントを発行する。失敗はログに記録するだけにする。
func (d *Dispatcher) emitSent(ctx context.Context, n *Notification, pushed bool) {
	if d.events == nil {
		return
	}
	e, err := event.New(
		fmt.Sprintf("notification-%d", n.ID),
		event.AggregateTypeNotification,
		event.TypeNotificationSent,
		1,
		event.NotificationSentData{
			NotificationID: n.ID,
			UserID:         n.RecipientID,
			TypeName:       n.CategoryName,
			Title:          n.Title,
			Pushed:         pushed,
		},
	)
	if err != nil {
		d.logger.Error().Err(err).Msg("NotificationSentイベントの生成に失敗しました")
		return
	}
	if err := d.events.Emit(ctx, e); err != nil {
		d.logger.Warn().Err(err).Int64("notification_id", n.ID).Msg("NotificationSentイベントの発行に失敗しました")
	}
}

// unique は空文字列と重複を除き、最初に現れた順序を保つ。
func unique(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
