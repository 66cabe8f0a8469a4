package notification

import (
	"database/sql"
	"errors"
	"time"
)

var (
	// ErrNotFound は対象のレコードが存在しない、または論理削除済みであることを表す。
	ErrNotFound = errors.New("対象が見つかりません")
	// ErrAlreadyExists は同じ名前・IDのレコードが既に存在することを表す。
	ErrAlreadyExists = errors.New("既に存在します")
)

// Notification は1人の受信者に届けられる1件の通知。
// 変更されるのは既読フラグと論理削除の項目のみ。
type Notification struct {
	// ID は通知の一意識別子。
	ID int64 `db:"id"`
	// RecipientID は通知先の受信者ID。
	RecipientID string `db:"recipient_id"`
	// CategoryID は通知種別のID。
	CategoryID int64 `db:"type_id"`
	// CategoryName は通知種別名。一覧取得時に結合して埋める。
	CategoryName string `db:"type_name"`
	// Title は通知のタイトル。
	Title string `db:"title"`
	// Body は通知本文。省略可能。
	Body sql.NullString `db:"body"`
	// IsRead は既読フラグ。
	IsRead bool `db:"is_read"`
	// CreatedAt は作成日時（UTC）。
	CreatedAt time.Time `db:"created_at"`
	// IsDelete は論理削除フラグ。
	IsDelete bool `db:"is_delete"`
	// DeletedAt は論理削除日時。
	DeletedAt sql.NullTime `db:"deleted_at"`
}

// Message は本文を返す。本文がない場合は空文字列。
func (n *Notification) Message() string {
	return n.Body.String
}

// Category は通知種別（例: "Order Update"）。
type Category struct {
	ID        int64        `db:"id"`
	Name      string       `db:"name"`
	IsActive  bool         `db:"is_active"`
	CreatedAt time.Time    `db:"created_at"`
	UpdatedAt time.Time    `db:"updated_at"`
	IsDelete  bool         `db:"is_delete"`
	DeletedAt sql.NullTime `db:"deleted_at"`
}

// Recipient は通知の受信者。ユーザー管理サービスが持つユーザーのうち、
// 通知の宛先判定に必要な存在・有効フラグだけを保持する。
type Recipient struct {
	ID        string       `db:"id"`
	Username  string       `db:"username"`
	Email     string       `db:"email"`
	IsActive  bool         `db:"is_active"`
	CreatedAt time.Time    `db:"created_at"`
	IsDelete  bool         `db:"is_delete"`
	DeletedAt sql.NullTime `db:"deleted_at"`
}

// DefaultCategories は seed コマンドで作成する通知種別。
var DefaultCategories = []string{
	"Order Update",
	"Gold Rate Alert",
	"New Collection",
	"Account Activity",
	"Jewelry Recommendation",
}

// CategoryOrderUpdate は注文関連の通知種別名。
const CategoryOrderUpdate = "Order Update"
