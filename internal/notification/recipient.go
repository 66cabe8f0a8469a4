package notification

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

// UpsertRecipient は受信者を登録する。既に存在する場合は名前・メール・有効フラグを更新し、
// 論理削除されていれば復元する。ユーザー管理サービスからの同期とseedで使用する。
func (s *Store) UpsertRecipient(ctx context.Context, r Recipient) error {
	if r.ID == "" {
		return errors.New("受信者IDが空です")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO recipients (id, username, email, is_active, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			username = excluded.username,
			email = excluded.email,
			is_active = excluded.is_active,
			is_delete = 0,
			deleted_at = NULL`,
		r.ID, r.Username, r.Email, r.IsActive, s.now())
	if err != nil {
		return fmt.Errorf("受信者の登録に失敗: %w", err)
	}
	return nil
}

// GetRecipient は論理削除されていない受信者を取得する。
func (s *Store) GetRecipient(ctx context.Context, id string) (*Recipient, error) {
	var r Recipient
	err := s.db.GetContext(ctx, &r, `
		SELECT id, username, email, is_active, created_at, is_delete, deleted_at
		FROM recipients WHERE id = ? AND is_delete = 0`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("受信者 %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("受信者の取得に失敗: %w", err)
	}
	return &r, nil
}

// RecipientExists は受信者が存在する（論理削除されていない）かを返す。
// 無効化された受信者も存在するものとして扱う。
func (s *Store) RecipientExists(ctx context.Context, id string) (bool, error) {
	var count int
	err := s.db.GetContext(ctx, &count,
		"SELECT COUNT(*) FROM recipients WHERE id = ? AND is_delete = 0", id)
	if err != nil {
		return false, fmt.Errorf("受信者の存在確認に失敗: %w", err)
	}
	return count > 0, nil
}

// ActiveRecipientIDs は有効かつ論理削除されていない受信者のIDを登録順に返す。
// excludeに含まれるIDは除外する。
func (s *Store) ActiveRecipientIDs(ctx context.Context, exclude []string) ([]string, error) {
	query := "SELECT id FROM recipients WHERE is_active = 1 AND is_delete = 0"
	var args []any
	if len(exclude) > 0 {
		var err error
		query, args, err = sqlx.In(query+" AND id NOT IN (?)", exclude)
		if err != nil {
			return nil, fmt.Errorf("クエリの構築に失敗: %w", err)
		}
	}
	query += " ORDER BY created_at, id"

	ids := []string{}
	if err := s.db.SelectContext(ctx, &ids, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("受信者一覧の取得に失敗: %w", err)
	}
	return ids, nil
}

// SoftDeleteRecipient は受信者を論理削除する。対象がなければfalseを返す。
func (s *Store) SoftDeleteRecipient(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"UPDATE recipients SET is_delete = 1, deleted_at = ? WHERE id = ? AND is_delete = 0",
		s.now(), id)
	if err != nil {
		return false, fmt.Errorf("受信者の論理削除に失敗: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新件数の取得に失敗: %w", err)
	}
	return affected > 0, nil
}
