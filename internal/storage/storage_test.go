package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatchbot/pkg/logx"
)

func stores(t *testing.T) map[string]Store {
	t.Helper()
	sq, err := Open(context.Background(), Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "bot.db"),
	}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sq.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sq,
	}
}

func TestUpsertIsIdempotent(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			before, err := st.CountTotal(ctx)
			require.NoError(t, err)

			for i := 0; i < 5; i++ {
				require.NoError(t, st.UpsertUser(ctx, User{ID: 1001, Username: "ann"}))
			}
			require.NoError(t, st.UpsertUser(ctx, User{ID: 1001}))

			after, err := st.CountTotal(ctx)
			require.NoError(t, err)
			assert.Equal(t, before+1, after)

			users, err := st.ListActive(ctx)
			require.NoError(t, err)
			require.Len(t, users, 1)
			assert.Equal(t, "ann", users[0].Username, "empty username must not overwrite")
		})
	}
}

func TestActiveAudienceExcludesBlocked(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now().Add(-time.Hour)
			for i, id := range []int64{30, 10, 20} {
				require.NoError(t, st.UpsertUser(ctx, User{ID: id, LastSeen: base.Add(time.Duration(i) * time.Second)}))
			}

			created, err := st.Block(ctx, 10)
			require.NoError(t, err)
			assert.True(t, created)
			created, err = st.Block(ctx, 10)
			require.NoError(t, err)
			assert.False(t, created)

			// never seen
			_, err = st.Block(ctx, 999)
			require.NoError(t, err)
			blocked, err := st.IsBlocked(ctx, 999)
			require.NoError(t, err)
			assert.True(t, blocked)

			users, err := st.ListActive(ctx)
			require.NoError(t, err)
			ids := make([]int64, 0, len(users))
			for _, u := range users {
				ids = append(ids, u.ID)
			}
			assert.Equal(t, []int64{30, 20}, ids, "first_seen order")

			n, _ := st.CountActive(ctx)
			assert.Equal(t, 2, n)
			n, _ = st.CountBlocked(ctx)
			assert.Equal(t, 2, n)

			removed, err := st.Unblock(ctx, 10)
			require.NoError(t, err)
			assert.True(t, removed)
			removed, err = st.Unblock(ctx, 10)
			require.NoError(t, err)
			assert.False(t, removed)
			n, _ = st.CountActive(ctx)
			assert.Equal(t, 3, n)
		})
	}
}

func TestConversationState(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			_, ok, err := st.GetState(ctx, 5)
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, st.PutState(ctx, State{UserID: 5, Name: "awaiting_refund_confirmation", Data: map[string]string{"charge": "c1"}}))
			require.NoError(t, st.PutState(ctx, State{UserID: 5, Name: "awaiting_send_confirmation", Data: map[string]string{"template": "promo"}}))

			got, ok, err := st.GetState(ctx, 5)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Equal(t, "awaiting_send_confirmation", got.Name)
			assert.Equal(t, map[string]string{"template": "promo"}, got.Data)

			require.NoError(t, st.ClearState(ctx, 5))
			_, ok, err = st.GetState(ctx, 5)
			require.NoError(t, err)
			assert.False(t, ok)
		})
	}
}

func TestPayments(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p := Payment{ChargeID: "ch_1", UserID: 7, Payload: "vip", Currency: "XTR", Total: 50}

			inserted, err := st.RecordPayment(ctx, p)
			require.NoError(t, err)
			assert.True(t, inserted)
			inserted, err = st.RecordPayment(ctx, p)
			require.NoError(t, err)
			assert.False(t, inserted)

			got, err := st.GetPayment(ctx, "ch_1")
			require.NoError(t, err)
			assert.Equal(t, int64(7), got.UserID)
			assert.False(t, got.Refunded())

			ok, err := st.MarkRefunded(ctx, "ch_1", time.Time{})
			require.NoError(t, err)
			assert.True(t, ok)
			ok, err = st.MarkRefunded(ctx, "ch_1", time.Time{})
			require.NoError(t, err)
			assert.False(t, ok)

			got, err = st.GetPayment(ctx, "ch_1")
			require.NoError(t, err)
			assert.True(t, got.Refunded())

			_, err = st.GetPayment(ctx, "nope")
			assert.True(t, errors.Is(err, ErrNotFound))
		})
	}
}

func TestAuditAppend(t *testing.T) {
	for name, st := range stores(t) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, st.AppendAudit(context.Background(), AuditEntry{ActorID: 1, Action: "block", Target: "5", OK: 1}))
		})
	}
}

func TestRebind(t *testing.T) {
	s := &sqlStore{dollar: true}
	assert.Equal(t, "SELECT a FROM t WHERE x = $1 AND y = $2", s.q("SELECT a FROM t WHERE x = ? AND y = ?"))
	s.dollar = false
	assert.Equal(t, "x = ?", s.q("x = ?"))
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "mongo"}, logx.Nop())
	require.Error(t, err)
}
