// Package event は通知サービスが購読・発行するドメインイベントを定義する。
//
// 注文サービスやカスタマイズ依頼の処理から発行されたイベントを受け取り、
// 通知の生成に使用する。通知を作成した際はNotificationSentイベントを発行する。
package event

import (
	"encoding/json"
	"time"
)

// AggregateType はイベントの対象となるエンティティの種類を表す。
type AggregateType string

const (
	// AggregateTypeOrder は注文エンティティを表す。
	AggregateTypeOrder AggregateType = "Order"
	// AggregateTypeCustomizeOrder はカスタマイズ依頼エンティティを表す。
	AggregateTypeCustomizeOrder AggregateType = "CustomizeOrder"
	// AggregateTypeNotification は通知エンティティを表す。
	AggregateTypeNotification AggregateType = "Notification"
)

// Type はイベントの種類を表す。
type Type string

const (
	// TypeOrderPlaced は注文が確定したことを表す。
	TypeOrderPlaced Type = "OrderPlaced"
	// TypeOrderStatusChanged は注文ステータスが変更されたことを表す。
	TypeOrderStatusChanged Type = "OrderStatusChanged"
	// TypeOrderCancelled は注文がキャンセルされたことを表す。
	TypeOrderCancelled Type = "OrderCancelled"
	// TypeCustomizationRequested はカスタマイズ依頼を受け付けたことを表す。
	TypeCustomizationRequested Type = "CustomizationRequested"

	// TypeNotificationSent は通知が作成・配信されたことを表す。
	TypeNotificationSent Type = "NotificationSent"
)

// Event はサービス間でやり取りされる不変のイベントレコード。
type Event struct {
	// ID はイベントの一意識別子（UUID）。
	ID string `json:"id"`
	// AggregateID は対象エンティティの識別子。
	AggregateID string `json:"aggregate_id"`
	// AggregateType は対象エンティティの種類。
	AggregateType AggregateType `json:"aggregate_type"`
	// EventType はイベントの種類。
	EventType Type `json:"event_type"`
	// Data はイベント固有のデータ（JSON形式）。
	Data json.RawMessage `json:"data"`
	// Version はAggregate内でのイベントの順序番号。
	Version int64 `json:"version"`
	// CreatedAt はイベントが作成された日時。
	CreatedAt time.Time `json:"created_at"`
}

// OrderPlacedData はOrderPlacedイベントのデータ。
type OrderPlacedData struct {
	// UserID は注文したユーザーのID。
	UserID string `json:"user_id"`
	// OrderNumber は画面に表示する注文番号。
	OrderNumber string `json:"order_number"`
	// ItemCount は注文に含まれる商品点数。
	ItemCount int `json:"item_count"`
}

// OrderStatusChangedData はOrderStatusChangedイベントのデータ。
type OrderStatusChangedData struct {
	// UserID は注文したユーザーのID。
	UserID string `json:"user_id"`
	// OrderNumber は画面に表示する注文番号。
	OrderNumber string `json:"order_number"`
	// Status は変更後のステータス（例: "shipped"）。
	Status string `json:"status"`
}

// OrderCancelledData はOrderCancelledイベントのデータ。
type OrderCancelledData struct {
	UserID      string `json:"user_id"`
	OrderNumber string `json:"order_number"`
	Reason      string `json:"reason,omitempty"`
}

// CustomizationRequestedData はCustomizationRequestedイベントのデータ。
type CustomizationRequestedData struct {
	// UserID は依頼したユーザーのID。
	UserID string `json:"user_id"`
	// ProductName は対象商品名。
	ProductName string `json:"product_name"`
}

// NotificationSentData はNotificationSentイベントのデータ。
type NotificationSentData struct {
	// NotificationID は作成された通知のID。
	NotificationID int64 `json:"notification_id"`
	// UserID は通知先のユーザーID。
	UserID string `json:"user_id"`
	// TypeName は通知種別名。
	TypeName string `json:"type_name"`
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Pushed はライブ配信の発行に成功したかどうか。受信者がオフラインでもtrueになる。
	Pushed bool `json:"pushed"`
}
