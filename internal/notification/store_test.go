package notification

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestStore はテスト用のStoreをインメモリSQLiteで構築する。
// 作成日時の順序を確定させるため、時計は呼ばれるたびに1秒進む。
func newTestStore(t *testing.T) *Store {
	t.Helper()

	store, err := OpenStore(t.Context(), ":memory:", zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	var tick atomic.Int64
	store.now = func() time.Time {
		return base.Add(time.Duration(tick.Add(1)) * time.Second)
	}
	return store
}

// mustCategory はテスト用の有効な通知種別を作成する。
func mustCategory(t *testing.T, s *Store, name string) *Category {
	t.Helper()
	c, err := s.CreateCategory(t.Context(), name, true)
	require.NoError(t, err)
	return c
}

// mustRecipient はテスト用の有効な受信者を登録する。
func mustRecipient(t *testing.T, s *Store, id string) {
	t.Helper()
	require.NoError(t, s.UpsertRecipient(t.Context(), Recipient{ID: id, Username: id, IsActive: true}))
}

// countNotifications は論理削除済みも含めた通知の総数を返す。
func countNotifications(t *testing.T, s *Store) int {
	t.Helper()
	var n int
	require.NoError(t, s.db.Get(&n, "SELECT COUNT(*) FROM notifications"))
	return n
}

func boolPtr(b bool) *bool { return &b }

func TestStoreCreate(t *testing.T) {
	t.Parallel()

	t.Run("未読の通知が作成される", func(t *testing.T) {
		t.Parallel()
		s := newTestStore(t)
		cat := mustCategory(t, s, "Order Update")

		n, err := s.Create(t.Context(), "user-a", cat.ID, "Shipped", "Your order shipped")
		require.NoError(t, err)

		assert.NotZero(t, n.ID)
		assert.Equal(t, "Order Update", n.CategoryName)
		assert.False(t, n.IsRead)
		assert.Equal(t, "Your order shipped", n.Message())

		got, err := s.Get(t.Context(), n.ID)
		require.NoError(t, err)
		assert.Equal(t, "user-a", got.RecipientID)
		assert.Equal(t, "Shipped", got.Title)
		assert.False(t, got.IsRead)
		assert.True(t, got.CreatedAt.Equal(n.CreatedAt))
	})

	t.Run("本文は省略できる", func(t *testing.T) {
		t.Parallel()
		s := newTestStore(t)
		cat := mustCategory(t, s, "Gold Rate Alert")

		n, err := s.Create(t.Context(), "user-a", cat.ID, "Gold up", "")
		require.NoError(t, err)

		got, err := s.Get(t.Context(), n.ID)
		require.NoError(t, err)
		assert.False(t, got.Body.Valid)
		assert.Empty(t, got.Message())
	})

	t.Run("存在しない通知種別はErrNotFoundで何も書き込まない", func(t *testing.T) {
		t.Parallel()
		s := newTestStore(t)

		_, err := s.Create(t.Context(), "user-a", 999, "t", "m")
		require.ErrorIs(t, err, ErrNotFound)
		assert.Zero(t, countNotifications(t, s))
	})

	t.Run("無効な通知種別はErrNotFound", func(t *testing.T) {
		t.Parallel()
		s := newTestStore(t)
		cat, err := s.CreateCategory(t.Context(), "Disabled", false)
		require.NoError(t, err)

		_, err = s.Create(t.Context(), "user-a", cat.ID, "t", "m")
		require.ErrorIs(t, err, ErrNotFound)
		assert.Zero(t, countNotifications(t, s))
	})

	t.Run("論理削除された通知種別はErrNotFound", func(t *testing.T) {
		t.Parallel()
		s := newTestStore(t)
		cat := mustCategory(t, s, "Old")
		_, err := s.SoftDeleteCategories(t.Context(), []int64{cat.ID})
		require.NoError(t, err)

		_, err = s.Create(t.Context(), "user-a", cat.ID, "t", "m")
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestStoreMarkRead(t *testing.T) {
	t.Parallel()

	t.Run("所有者は既読にでき2回目もtrue", func(t *testing.T) {
		t.Parallel()
		s := newTestStore(t)
		cat := mustCategory(t, s, "Order Update")
		n, err := s.Create(t.Context(), "user-a", cat.ID, "t", "m")
		require.NoError(t, err)

		ok, err := s.MarkRead(t.Context(), n.ID, "user-a")
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = s.MarkRead(t.Context(), n.ID, "user-a")
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := s.Get(t.Context(), n.ID)
		require.NoError(t, err)
		assert.True(t, got.IsRead)
	})

	t.Run("他人の通知はfalseで変更しない", func(t *testing.T) {
		t.Parallel()
		s := newTestStore(t)
		cat := mustCategory(t, s, "Order Update")
		n, err := s.Create(t.Context(), "user-a", cat.ID, "t", "m")
		require.NoError(t, err)

		ok, err := s.MarkRead(t.Context(), n.ID, "user-b")
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := s.Get(t.Context(), n.ID)
		require.NoError(t, err)
		assert.False(t, got.IsRead)
	})

	t.Run("存在しない通知はfalse", func(t *testing.T) {
		t.Parallel()
		s := newTestStore(t)

		ok, err := s.MarkRead(t.Context(), 999, "user-a")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Zero(t, countNotifications(t, s))
	})

	t.Run("論理削除済みの通知はfalse", func(t *testing.T) {
		t.Parallel()
		s := newTestStore(t)
		cat := mustCategory(t, s, "Order Update")
		n, err := s.Create(t.Context(), "user-a", cat.ID, "t", "m")
		require.NoError(t, err)
		_, err = s.SoftDelete(t.Context(), []int64{n.ID})
		require.NoError(t, err)

		ok, err := s.MarkRead(t.Context(), n.ID, "user-a")
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestStoreListForRecipient(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	order := mustCategory(t, s, "Order Update")
	gold := mustCategory(t, s, "Gold Rate Alert")

	var ids []int64
	for i, catID := range []int64{order.ID, gold.ID, order.ID, order.ID} {
		n, err := s.Create(t.Context(), "user-a", catID, "title", "")
		require.NoError(t, err, "index %d", i)
		ids = append(ids, n.ID)
	}
	_, err := s.Create(t.Context(), "user-b", order.ID, "other", "")
	require.NoError(t, err)

	_, err = s.MarkRead(t.Context(), ids[0], "user-a")
	require.NoError(t, err)
	_, err = s.SoftDelete(t.Context(), []int64{ids[3]})
	require.NoError(t, err)

	idsOf := func(ns []Notification) []int64 {
		out := make([]int64, 0, len(ns))
		for _, n := range ns {
			out = append(out, n.ID)
		}
		return out
	}

	t.Run("新しい順で論理削除済みと他人の通知を含まない", func(t *testing.T) {
		t.Parallel()
		got, err := s.ListForRecipient(t.Context(), "user-a", ListFilter{})
		require.NoError(t, err)
		assert.Equal(t, []int64{ids[2], ids[1], ids[0]}, idsOf(got))
		assert.Equal(t, "Gold Rate Alert", got[1].CategoryName)
	})

	t.Run("未読で絞り込む", func(t *testing.T) {
		t.Parallel()
		got, err := s.ListForRecipient(t.Context(), "user-a", ListFilter{Read: boolPtr(false)})
		require.NoError(t, err)
		assert.Equal(t, []int64{ids[2], ids[1]}, idsOf(got))
	})

	t.Run("既読で絞り込む", func(t *testing.T) {
		t.Parallel()
		got, err := s.ListForRecipient(t.Context(), "user-a", ListFilter{Read: boolPtr(true)})
		require.NoError(t, err)
		assert.Equal(t, []int64{ids[0]}, idsOf(got))
	})

	t.Run("通知種別で絞り込む", func(t *testing.T) {
		t.Parallel()
		got, err := s.ListForRecipient(t.Context(), "user-a", ListFilter{CategoryID: gold.ID})
		require.NoError(t, err)
		assert.Equal(t, []int64{ids[1]}, idsOf(got))
	})

	t.Run("ページネーション", func(t *testing.T) {
		t.Parallel()
		got, err := s.ListForRecipient(t.Context(), "user-a", ListFilter{Limit: 1, Offset: 1})
		require.NoError(t, err)
		assert.Equal(t, []int64{ids[1]}, idsOf(got))
	})

	t.Run("通知がない受信者は空スライス", func(t *testing.T) {
		t.Parallel()
		got, err := s.ListForRecipient(t.Context(), "nobody", ListFilter{})
		require.NoError(t, err)
		assert.NotNil(t, got)
		assert.Empty(t, got)
	})
}

func TestStoreListSearch(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	cat := mustCategory(t, s, "Order Update")
	create := func(title, body string) int64 {
		n, err := s.Create(t.Context(), "user-a", cat.ID, title, body)
		require.NoError(t, err)
		return n.ID
	}
	shipped := create("Order #1042 shipped", "Your ring is on its way")
	gold := create("Gold rate alert", "24K gold is up 2%")
	ring := create("New collection", "Discover our RING_2026 line")
	_ = create("Welcome", "")

	tests := []struct {
		name   string
		search string
		want   []int64
	}{
		{name: "タイトルに一致", search: "shipped", want: []int64{shipped}},
		{name: "本文に一致し大文字小文字を区別しない", search: "ring", want: []int64{ring, shipped}},
		{name: "%は文字として扱う", search: "2%", want: []int64{gold}},
		{name: "_は文字として扱う", search: "RING_", want: []int64{ring}},
		{name: "一致しない", search: "bracelet", want: []int64{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := s.ListForRecipient(t.Context(), "user-a", ListFilter{Search: tt.search})
			require.NoError(t, err)
			ids := make([]int64, 0, len(got))
			for _, n := range got {
				ids = append(ids, n.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestStoreSoftDelete(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	cat := mustCategory(t, s, "Order Update")
	a, err := s.Create(t.Context(), "user-a", cat.ID, "a", "")
	require.NoError(t, err)
	b, err := s.Create(t.Context(), "user-a", cat.ID, "b", "")
	require.NoError(t, err)

	n, err := s.SoftDelete(t.Context(), []int64{a.ID, b.ID, 999})
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	// 再削除は何もしない
	n, err = s.SoftDelete(t.Context(), []int64{a.ID})
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.SoftDelete(t.Context(), nil)
	require.NoError(t, err)
	assert.Zero(t, n)

	_, err = s.Get(t.Context(), a.ID)
	require.ErrorIs(t, err, ErrNotFound)

	// 行は物理削除されず削除日時が記録される
	var deletedAt time.Time
	require.NoError(t, s.db.Get(&deletedAt, "SELECT deleted_at FROM notifications WHERE id = ?", a.ID))
	assert.False(t, deletedAt.IsZero())
	assert.Equal(t, 2, countNotifications(t, s))
}

func TestStoreMarkAllReadAndUnreadCount(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	cat := mustCategory(t, s, "Order Update")
	for range 3 {
		_, err := s.Create(t.Context(), "user-a", cat.ID, "t", "")
		require.NoError(t, err)
	}
	_, err := s.Create(t.Context(), "user-b", cat.ID, "t", "")
	require.NoError(t, err)

	count, err := s.UnreadCount(t.Context(), "user-a")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	updated, err := s.MarkAllRead(t.Context(), "user-a")
	require.NoError(t, err)
	assert.Equal(t, int64(3), updated)

	count, err = s.UnreadCount(t.Context(), "user-a")
	require.NoError(t, err)
	assert.Zero(t, count)

	count, err = s.UnreadCount(t.Context(), "user-b")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestCategories(t *testing.T) {
	t.Parallel()

	t.Run("GetOrCreateCategoryは2回目に既存の種別を返す", func(t *testing.T) {
		t.Parallel()
		s := newTestStore(t)

		first, created, err := s.GetOrCreateCategory(t.Context(), "New Collection")
		require.NoError(t, err)
		assert.True(t, created)
		assert.True(t, first.IsActive)

		second, created, err := s.GetOrCreateCategory(t.Context(), "New Collection")
		require.NoError(t, err)
		assert.False(t, created)
		assert.Equal(t, first.ID, second.ID)
	})

	t.Run("同名の種別は作成できない", func(t *testing.T) {
		t.Parallel()
		s := newTestStore(t)
		mustCategory(t, s, "Order Update")

		_, err := s.CreateCategory(t.Context(), "Order Update", true)
		assert.ErrorIs(t, err, ErrAlreadyExists)
	})

	t.Run("論理削除した名前は再作成できる", func(t *testing.T) {
		t.Parallel()
		s := newTestStore(t)
		old := mustCategory(t, s, "Order Update")
		_, err := s.SoftDeleteCategories(t.Context(), []int64{old.ID})
		require.NoError(t, err)

		c, created, err := s.GetOrCreateCategory(t.Context(), "Order Update")
		require.NoError(t, err)
		assert.True(t, created)
		assert.NotEqual(t, old.ID, c.ID)
	})

	t.Run("更新と有効フラグ", func(t *testing.T) {
		t.Parallel()
		s := newTestStore(t)
		c := mustCategory(t, s, "Account Activity")

		updated, err := s.UpdateCategory(t.Context(), c.ID, "Account Alerts", false)
		require.NoError(t, err)
		assert.Equal(t, "Account Alerts", updated.Name)
		assert.False(t, updated.IsActive)
		assert.True(t, updated.UpdatedAt.After(c.UpdatedAt))

		_, err = s.ActiveCategory(t.Context(), c.ID)
		require.ErrorIs(t, err, ErrNotFound)
		_, err = s.GetCategory(t.Context(), c.ID)
		require.NoError(t, err)

		_, err = s.UpdateCategory(t.Context(), 999, "x", true)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("一覧は名前順で有効のみにも絞り込める", func(t *testing.T) {
		t.Parallel()
		s := newTestStore(t)
		mustCategory(t, s, "Order Update")
		mustCategory(t, s, "Gold Rate Alert")
		_, err := s.CreateCategory(t.Context(), "Archived", false)
		require.NoError(t, err)

		all, err := s.ListCategories(t.Context(), false)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, "Archived", all[0].Name)
		assert.Equal(t, "Gold Rate Alert", all[1].Name)

		active, err := s.ListCategories(t.Context(), true)
		require.NoError(t, err)
		assert.Len(t, active, 2)
	})

	t.Run("一括論理削除は冪等", func(t *testing.T) {
		t.Parallel()
		s := newTestStore(t)
		a := mustCategory(t, s, "A")
		b := mustCategory(t, s, "B")

		n, err := s.SoftDeleteCategories(t.Context(), []int64{a.ID, b.ID})
		require.NoError(t, err)
		assert.Equal(t, int64(2), n)

		n, err = s.SoftDeleteCategories(t.Context(), []int64{a.ID, b.ID})
		require.NoError(t, err)
		assert.Zero(t, n)

		_, err = s.CategoryByName(t.Context(), "A")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestRecipients(t *testing.T) {
	t.Parallel()

	t.Run("存在確認は論理削除された受信者を除外し無効な受信者は含む", func(t *testing.T) {
		t.Parallel()
		s := newTestStore(t)
		mustRecipient(t, s, "active")
		require.NoError(t, s.UpsertRecipient(t.Context(), Recipient{ID: "inactive", IsActive: false}))
		mustRecipient(t, s, "deleted")
		ok, err := s.SoftDeleteRecipient(t.Context(), "deleted")
		require.NoError(t, err)
		require.True(t, ok)

		for id, want := range map[string]bool{"active": true, "inactive": true, "deleted": false, "ghost": false} {
			got, err := s.RecipientExists(t.Context(), id)
			require.NoError(t, err)
			assert.Equal(t, want, got, id)
		}
	})

	t.Run("有効な受信者IDは登録順で除外指定を反映する", func(t *testing.T) {
		t.Parallel()
		s := newTestStore(t)
		for _, id := range []string{"u1", "u2", "u3", "u4"} {
			mustRecipient(t, s, id)
		}
		require.NoError(t, s.UpsertRecipient(t.Context(), Recipient{ID: "u5", IsActive: false}))
		_, err := s.SoftDeleteRecipient(t.Context(), "u4")
		require.NoError(t, err)

		ids, err := s.ActiveRecipientIDs(t.Context(), nil)
		require.NoError(t, err)
		assert.Equal(t, []string{"u1", "u2", "u3"}, ids)

		ids, err = s.ActiveRecipientIDs(t.Context(), []string{"u2"})
		require.NoError(t, err)
		assert.Equal(t, []string{"u1", "u3"}, ids)
	})

	t.Run("再登録で論理削除から復元される", func(t *testing.T) {
		t.Parallel()
		s := newTestStore(t)
		mustRecipient(t, s, "u1")
		_, err := s.SoftDeleteRecipient(t.Context(), "u1")
		require.NoError(t, err)

		ok, err := s.SoftDeleteRecipient(t.Context(), "u1")
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, s.UpsertRecipient(t.Context(), Recipient{ID: "u1", Email: "u1@example.com", IsActive: true}))
		r, err := s.GetRecipient(t.Context(), "u1")
		require.NoError(t, err)
		assert.Equal(t, "u1@example.com", r.Email)
	})

	t.Run("空のIDは登録できない", func(t *testing.T) {
		t.Parallel()
		s := newTestStore(t)
		assert.Error(t, s.UpsertRecipient(t.Context(), Recipient{}))
	})
}

func TestStoreRecordEvent(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)

	first, err := s.RecordEvent(t.Context(), "ev-1")
	require.NoError(t, err)
	assert.True(t, first)

	again, err := s.RecordEvent(t.Context(), "ev-1")
	require.NoError(t, err)
	assert.False(t, again)

	other, err := s.RecordEvent(t.Context(), "ev-2")
	require.NoError(t, err)
	assert.True(t, other)

	require.NoError(t, s.ForgetEvent(t.Context(), "ev-1"))
	retried, err := s.RecordEvent(t.Context(), "ev-1")
	require.NoError(t, err)
	assert.True(t, retried)

	// 記録の無いIDを取り消してもエラーにしない
	require.NoError(t, s.ForgetEvent(t.Context(), "missing"))
}
