package notification

import (
	"context"
	"fmt"
)

// RecordEvent は取り込んだイベントのIDを記録する。
// 初めて見るIDならtrue、記録済みならfalseを返す。再配信されたイベントの重複処理を防ぐために使う。
func (s *Store) RecordEvent(ctx context.Context, eventID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO processed_events (event_id, processed_at) VALUES (?, ?)",
		eventID, s.now())
	if err != nil {
		return false, fmt.Errorf("処理済みイベントの記録に失敗: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("更新件数の取得に失敗: %w", err)
	}
	return affected == 1, nil
}

// ForgetEvent はイベントの記録を取り消す。処理に失敗したイベントを再配信時にやり直せるようにする。
func (s *Store) ForgetEvent(ctx context.Context, eventID string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM processed_events WHERE event_id = ?", eventID); err != nil {
		return fmt.Errorf("処理済みイベントの削除に失敗: %w", err)
	}
	return nil
}
