package notification

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
)

const selectCategory = `
	SELECT id, name, is_active, created_at, updated_at, is_delete, deleted_at
	FROM notification_types`

// CreateCategory は通知種別を作成する。同名の種別が既にある場合はErrAlreadyExistsを返す。
func (s *Store) CreateCategory(ctx context.Context, name string, active bool) (*Category, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var exists int
	if err := tx.GetContext(ctx, &exists,
		"SELECT COUNT(*) FROM notification_types WHERE name = ? AND is_delete = 0", name); err != nil {
		return nil, fmt.Errorf("通知種別の重複確認に失敗: %w", err)
	}
	if exists > 0 {
		return nil, fmt.Errorf("通知種別 %q: %w", name, ErrAlreadyExists)
	}

	now := s.now()
	c := &Category{
		Name:      name,
		IsActive:  active,
		CreatedAt: now,
		UpdatedAt: now,
	}
	res, err := tx.ExecContext(ctx,
		"INSERT INTO notification_types (name, is_active, created_at, updated_at) VALUES (?, ?, ?, ?)",
		c.Name, c.IsActive, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("通知種別の作成に失敗: %w", err)
	}
	if c.ID, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("通知種別IDの取得に失敗: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("コミットに失敗: %w", err)
	}
	return c, nil
}

// GetCategory は論理削除されていない通知種別を取得する。無効な種別も返す。
func (s *Store) GetCategory(ctx context.Context, id int64) (*Category, error) {
	return s.getCategory(ctx, " WHERE id = ? AND is_delete = 0", id)
}

// ActiveCategory は配信に使える（有効かつ論理削除されていない）通知種別を取得する。
func (s *Store) ActiveCategory(ctx context.Context, id int64) (*Category, error) {
	return s.getCategory(ctx, " WHERE id = ? AND is_active = 1 AND is_delete = 0", id)
}

// CategoryByName は名前で通知種別を取得する。
func (s *Store) CategoryByName(ctx context.Context, name string) (*Category, error) {
	return s.getCategory(ctx, " WHERE name = ? AND is_delete = 0", name)
}

func (s *Store) getCategory(ctx context.Context, where string, arg any) (*Category, error) {
	var c Category
	err := s.db.GetContext(ctx, &c, selectCategory+where, arg)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("通知種別 %v: %w", arg, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("通知種別の取得に失敗: %w", err)
	}
	return &c, nil
}

// GetOrCreateCategory は名前で通知種別を取得し、なければ有効な種別として作成する。
// 2番目の戻り値は今回作成したかどうか。
func (s *Store) GetOrCreateCategory(ctx context.Context, name string) (*Category, bool, error) {
	c, err := s.CategoryByName(ctx, name)
	if err == nil {
		return c, false, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	c, err = s.CreateCategory(ctx, name, true)
	if errors.Is(err, ErrAlreadyExists) {
		// 並行して作成された
		c, err = s.CategoryByName(ctx, name)
		return c, false, err
	}
	if err != nil {
		return nil, false, err
	}
	return c, true, nil
}

// ListCategories は通知種別を名前順に返す。activeOnlyがtrueなら有効な種別のみ。
func (s *Store) ListCategories(ctx context.Context, activeOnly bool) ([]Category, error) {
	query := selectCategory + " WHERE is_delete = 0"
	if activeOnly {
		query += " AND is_active = 1"
	}
	query += " ORDER BY name"

	categories := []Category{}
	if err := s.db.SelectContext(ctx, &categories, query); err != nil {
		return nil, fmt.Errorf("通知種別一覧の取得に失敗: %w", err)
	}
	return categories, nil
}

// UpdateCategory は通知種別の名前と有効フラグを更新する。
func (s *Store) UpdateCategory(ctx context.Context, id int64, name string, active bool) (*Category, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("トランザクション開始に失敗: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	var exists int
	if err := tx.GetContext(ctx, &exists,
		"SELECT COUNT(*) FROM notification_types WHERE name = ? AND id != ? AND is_delete = 0",
		name, id); err != nil {
		return nil, fmt.Errorf("通知種別の重複確認に失敗: %w", err)
	}
	if exists > 0 {
		return nil, fmt.Errorf("通知種別 %q: %w", name, ErrAlreadyExists)
	}

	res, err := tx.ExecContext(ctx,
		"UPDATE notification_types SET name = ?, is_active = ?, updated_at = ? WHERE id = ? AND is_delete = 0",
		name, active, s.now(), id)
	if err != nil {
		return nil, fmt.Errorf("通知種別の更新に失敗: %w", err)
	}
	if affected, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("更新件数の取得に失敗: %w", err)
	} else if affected == 0 {
		return nil, fmt.Errorf("通知種別 %d: %w", id, ErrNotFound)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("コミットに失敗: %w", err)
	}
	return s.GetCategory(ctx, id)
}

// SoftDeleteCategories は通知種別を一括で論理削除し、今回新たに削除した件数を返す。
// 削除済みの種別で作成された通知はそのまま残る。
func (s *Store) SoftDeleteCategories(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	now := s.now()
	query, args, err := sqlx.In(
		"UPDATE notification_types SET is_delete = 1, deleted_at = ?, updated_at = ? WHERE is_delete = 0 AND id IN (?)",
		now, now, ids)
	if err != nil {
		return 0, fmt.Errorf("クエリの構築に失敗: %w", err)
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("通知種別の論理削除に失敗: %w", err)
	}
	return res.RowsAffected()
}
