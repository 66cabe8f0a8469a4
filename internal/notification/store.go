package notification

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/nao1215/sonic/pkg/migration"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const (
	// defaultListLimit は一覧取得の既定件数。
	defaultListLimit = 50
	// maxListLimit は一覧取得の最大件数。
	maxListLimit = 200
)

// Store は通知・通知種別・受信者を永続化する。
// 全ての読み取りクエリは論理削除済みの行を除外する。
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

// OpenStore はSQLiteデータベースを開き、マイグレーションを適用する。
// pathに ":memory:" を指定するとインメモリDBを使う（接続は1本に制限する）。
func OpenStore(ctx context.Context, path string, logger zerolog.Logger) (*Store, error) {
	dsn := path
	inMemory := path == ":memory:"
	if !inMemory {
		dsn = path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	}

	db, err := sqlx.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	if inMemory {
		// インメモリDBは接続ごとに別のDBになる
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("外部キー制約の有効化に失敗: %w", err)
		}
	}

	if _, err := migration.Run(ctx, db.DB, migrationsFS, "migrations", logger); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}

	return NewStore(db), nil
}

// NewStore はマイグレーション済みのDBからStoreを生成する。
func NewStore(db *sqlx.DB) *Store {
	return &Store{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Close はデータベース接続を閉じる。
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping はデータベースへの疎通を確認する。
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// selectNotification は通知種別名を結合した通知のSELECT句。
const selectNotification = `
	SELECT n.id, n.recipient_id, n.type_id, t.name AS type_name, n.title, n.body,
	       n.is_read, n.created_at, n.is_delete, n.deleted_at
	FROM notifications n
	JOIN notification_types t ON t.id = n.type_id`

// Create は未読の通知を1件作成する。
// 通知種別が存在しない、無効、または論理削除済みの場合はErrNotFoundを返し、何も書き込まない。
func (s *Store) Create(ctx context.Context, recipientID string, categoryID int64, title, body string) (*Notification, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var name string
	err = tx.GetContext(ctx, &name,
		"SELECT name FROM notification_types WHERE id = ? AND is_active = 1 AND is_delete = 0",
		categoryID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("通知種別 %d: %w", categoryID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("通知種別の取得に失敗: %w", err)
	}

	n := &Notification{
		RecipientID:  recipientID,
		CategoryID:   categoryID,
		CategoryName: name,
		Title:        title,
		Body:         sql.NullString{String: body, Valid: body != ""},
		CreatedAt:    s.now(),
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO notifications (recipient_id, type_id, title, body, is_read, created_at)
		 VALUES (?, ?, ?, ?, 0, ?)`,
		n.RecipientID, n.CategoryID, n.Title, n.Body, n.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("通知の作成に失敗: %w", err)
	}
	if n.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("通知IDの取得に失敗: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("コミットに失敗: %w", err)
	}
	return n, nil
}

// Get は論理削除されていない通知を1件取得する。
func (s *Store) Get(ctx context.Context, id int64) (*Notification, error) {
	var n Notification
	err := s.db.GetContext(ctx, &n, selectNotification+" WHERE n.id = ? AND n.is_delete = 0", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("通知 %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("通知の取得に失敗: %w", err)
	}
	return &n, nil
}

// MarkRead は受信者が所有する通知を既読にする。
// 該当する通知がない（存在しない・他人の通知・論理削除済み）場合はfalseを返す。
// 既読済みの通知に対して再度呼んでもtrueを返す。
func (s *Store) MarkRead(ctx context.Context, id int64, recipientID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE notifications SET is_read = 1 WHERE id = ? AND recipient_id = ? AND is_delete = 0",
		id, recipientID)
	if err != nil {
		return false, fmt.Errorf("通知の既読処理に失敗: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新件数の取得に失敗: %w", err)
	}
	return affected > 0, nil
}

// MarkAllRead は受信者の未読通知を全て既読にし、更新件数を返す。
func (s *Store) MarkAllRead(ctx context.Context, recipientID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE notifications SET is_read = 1 WHERE recipient_id = ? AND is_read = 0 AND is_delete = 0",
		recipientID)
	if err != nil {
		return 0, fmt.Errorf("全通知の既読処理に失敗: %w", err)
	}
	return res.RowsAffected()
}

// UnreadCount は受信者の未読通知数を返す。
func (s *Store) UnreadCount(ctx context.Context, recipientID string) (int64, error) {
	var count int64
	err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM notifications WHERE recipient_id = ? AND is_read = 0 AND is_delete = 0",
		recipientID)
	if err != nil {
		return 0, fmt.Errorf("未読件数の取得に失敗: %w", err)
	}
	return count, nil
}

// ListFilter は通知一覧の絞り込み条件。
type ListFilter struct {
	// Read がnilでなければ既読・未読で絞り込む。
	Read *bool
	// CategoryID が0でなければ通知種別で絞り込む。
	CategoryID int64
	// Search が空でなければタイトルまたは本文に含む通知に絞り込む。
	Search string
	// Limit は取得件数。0以下なら50件、最大200件。
	Limit int
	// Offset は読み飛ばす件数。
	Offset int
}

// likeEscaper はLIKEのワイルドカードを文字として扱う。
var likeEscaper = strings.NewReplacer(`\`, `\\`, "%", `\%`, "_", `\_`)

// ListForRecipient は受信者の通知を新しい順に返す。
func (s *Store) ListForRecipient(ctx context.Context, recipientID string, f ListFilter) ([]Notification, error) {
	var (
		where = []string{"n.recipient_id = ?", "n.is_delete = 0"}
		args  = []any{recipientID}
	)
	if f.Read != nil {
		where = append(where, "n.is_read = ?")
		args = append(args, *f.Read)
	}
	if f.CategoryID != 0 {
		where = append(where, "n.type_id = ?")
		args = append(args, f.CategoryID)
	}
	if f.Search != "" {
		pattern := "%" + likeEscaper.Replace(f.Search) + "%"
		where = append(where, `(n.title LIKE ? ESCAPE '\' OR n.body LIKE ? ESCAPE '\')`)
		args = append(args, pattern, pattern)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	limit = min(limit, maxListLimit)
	offset := max(f.Offset, 0)
	args = append(args, limit, offset)

	query := selectNotification +
		" WHERE " + strings.Join(where, " AND ") +
		" ORDER BY n.created_at DESC, n.id DESC LIMIT ? OFFSET ?"

	notifications := []Notification{}
	if err := s.db.SelectContext(ctx, &notifications, query, args...); err != nil {
		return nil, fmt.Errorf("通知一覧の取得に失敗: %w", err)
	}
	return notifications, nil
}

// SoftDelete は通知を一括で論理削除し、今回新たに削除した件数を返す。
// 削除済みの通知は対象外のため、同じIDで繰り返し呼んでもエラーにならない。
func (s *Store) SoftDelete(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	query, args, err := sqlx.In(
		"UPDATE notifications SET is_delete = 1, deleted_at = ? WHERE is_delete = 0 AND id IN (?)",
		s.now(), ids)
	if err != nil {
		return 0, fmt.Errorf("クエリの構築に失敗: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("通知の論理削除に失敗: %w", err)
	}
	return res.RowsAffected()
}
