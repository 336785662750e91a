package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"dispatchbot/pkg/logx"
)

const (
	auditRetention  = 90 * 24 * time.Hour
	auditPruneEvery = 500
)

// sqlStore implements Store over database/sql. The statements are written
// with "?" placeholders and rebound for drivers that use "$n".
type sqlStore struct {
	db     *sql.DB
	log    logx.Logger
	dollar bool

	auditCount atomic.Uint64
}

func (s *sqlStore) q(query string) string {
	if !s.dollar {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func (s *sqlStore) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, s.q(query), args...)
}

func (s *sqlStore) count(ctx context.Context, query string) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, s.q(query)).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// applySchema runs each statement of a schema file in order.
func (s *sqlStore) applySchema(ctx context.Context, schema string) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("storage: schema: %w", err)
		}
	}
	return nil
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqlStore) UpsertUser(ctx context.Context, u User) error {
	now := u.LastSeen
	if now.IsZero() {
		now = time.Now()
	}
	_, err := s.exec(ctx,
		`INSERT INTO users(id, username, first_name, first_seen, last_seen) VALUES(?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   username = CASE WHEN excluded.username <> '' THEN excluded.username ELSE users.username END,
		   first_name = CASE WHEN excluded.first_name <> '' THEN excluded.first_name ELSE users.first_name END,
		   last_seen = excluded.last_seen`,
		u.ID, u.Username, u.FirstName, now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("storage: upsert user %d: %w", u.ID, err)
	}
	return nil
}

func (s *sqlStore) IsBlocked(ctx context.Context, userID int64) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT 1 FROM block_list WHERE user_id = ?`), userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("storage: block lookup %d: %w", userID, err)
	}
	return true, nil
}

func (s *sqlStore) Block(ctx context.Context, userID int64) (bool, error) {
	res, err := s.exec(ctx,
		`INSERT INTO block_list(user_id, blocked_at) VALUES(?,?) ON CONFLICT(user_id) DO NOTHING`,
		userID, time.Now().UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("storage: block %d: %w", userID, err)
	}
	return affected(res), nil
}

func (s *sqlStore) Unblock(ctx context.Context, userID int64) (bool, error) {
	res, err := s.exec(ctx, `DELETE FROM block_list WHERE user_id = ?`, userID)
	if err != nil {
		return false, fmt.Errorf("storage: unblock %d: %w", userID, err)
	}
	return affected(res), nil
}

func (s *sqlStore) ListActive(ctx context.Context) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT u.id, u.username, u.first_name, u.first_seen, u.last_seen
		 FROM users u
		 WHERE NOT EXISTS (SELECT 1 FROM block_list b WHERE b.user_id = u.id)
		 ORDER BY u.first_seen, u.id`))
	if err != nil {
		return nil, fmt.Errorf("storage: list active: %w", err)
	}
	defer rows.Close()

	var out []User
	for rows.Next() {
		var (
			u           User
			first, last int64
		)
		if err := rows.Scan(&u.ID, &u.Username, &u.FirstName, &first, &last); err != nil {
			return nil, fmt.Errorf("storage: list active: %w", err)
		}
		u.FirstSeen = time.UnixMilli(first)
		u.LastSeen = time.UnixMilli(last)
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *sqlStore) CountActive(ctx context.Context) (int, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM users u WHERE NOT EXISTS (SELECT 1 FROM block_list b WHERE b.user_id = u.id)`)
}

func (s *sqlStore) CountTotal(ctx context.Context) (int, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM users`)
}

func (s *sqlStore) CountBlocked(ctx context.Context) (int, error) {
	return s.count(ctx, `SELECT COUNT(*) FROM block_list`)
}

func (s *sqlStore) GetState(ctx context.Context, userID int64) (State, bool, error) {
	var (
		st   = State{UserID: userID}
		data string
		at   int64
	)
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT name, data, updated_at FROM conversation_state WHERE user_id = ?`), userID,
	).Scan(&st.Name, &data, &at)
	if errors.Is(err, sql.ErrNoRows) {
		return State{UserID: userID}, false, nil
	}
	if err != nil {
		return State{}, false, fmt.Errorf("storage: get state %d: %w", userID, err)
	}
	if data != "" {
		if err := json.Unmarshal([]byte(data), &st.Data); err != nil {
			return State{}, false, fmt.Errorf("storage: state %d: bad data: %w", userID, err)
		}
	}
	st.UpdatedAt = time.UnixMilli(at)
	return st, st.Name != "", nil
}

func (s *sqlStore) PutState(ctx context.Context, st State) error {
	if st.Name == "" {
		return s.ClearState(ctx, st.UserID)
	}
	data := []byte("{}")
	if len(st.Data) > 0 {
		b, err := json.Marshal(st.Data)
		if err != nil {
			return err
		}
		data = b
	}
	if st.UpdatedAt.IsZero() {
		st.UpdatedAt = time.Now()
	}
	_, err := s.exec(ctx,
		`INSERT INTO conversation_state(user_id, name, data, updated_at) VALUES(?,?,?,?)
		 ON CONFLICT(user_id) DO UPDATE SET name = excluded.name, data = excluded.data, updated_at = excluded.updated_at`,
		st.UserID, st.Name, string(data), st.UpdatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("storage: put state %d: %w", st.UserID, err)
	}
	return nil
}

func (s *sqlStore) ClearState(ctx context.Context, userID int64) error {
	if _, err := s.exec(ctx, `DELETE FROM conversation_state WHERE user_id = ?`, userID); err != nil {
		return fmt.Errorf("storage: clear state %d: %w", userID, err)
	}
	return nil
}

func (s *sqlStore) RecordPayment(ctx context.Context, p Payment) (bool, error) {
	if p.PaidAt.IsZero() {
		p.PaidAt = time.Now()
	}
	res, err := s.exec(ctx,
		`INSERT INTO payments(charge_id, provider_charge_id, user_id, payload, currency, total, paid_at)
		 VALUES(?,?,?,?,?,?,?) ON CONFLICT(charge_id) DO NOTHING`,
		p.ChargeID, p.ProviderChargeID, p.UserID, p.Payload, p.Currency, p.Total, p.PaidAt.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("storage: record payment %s: %w", p.ChargeID, err)
	}
	return affected(res), nil
}

func (s *sqlStore) GetPayment(ctx context.Context, chargeID string) (Payment, error) {
	var (
		p        = Payment{ChargeID: chargeID}
		paid     int64
		refunded sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, s.q(
		`SELECT provider_charge_id, user_id, payload, currency, total, paid_at, refunded_at
		 FROM payments WHERE charge_id = ?`), chargeID,
	).Scan(&p.ProviderChargeID, &p.UserID, &p.Payload, &p.Currency, &p.Total, &paid, &refunded)
	if errors.Is(err, sql.ErrNoRows) {
		return Payment{}, ErrNotFound
	}
	if err != nil {
		return Payment{}, fmt.Errorf("storage: get payment %s: %w", chargeID, err)
	}
	p.PaidAt = time.UnixMilli(paid)
	if refunded.Valid {
		p.RefundedAt = time.UnixMilli(refunded.Int64)
	}
	return p, nil
}

func (s *sqlStore) MarkRefunded(ctx context.Context, chargeID string, at time.Time) (bool, error) {
	if at.IsZero() {
		at = time.Now()
	}
	res, err := s.exec(ctx,
		`UPDATE payments SET refunded_at = ? WHERE charge_id = ? AND refunded_at IS NULL`,
		at.UnixMilli(), chargeID,
	)
	if err != nil {
		return false, fmt.Errorf("storage: mark refunded %s: %w", chargeID, err)
	}
	return affected(res), nil
}

func (s *sqlStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.exec(ctx,
		`INSERT INTO audit(at, actor_id, actor_username, action, target, ok, fail, err, took_ms, meta)
		 VALUES(?,?,?,?,?,?,?,?,?,?)`,
		e.At.UnixMilli(), e.ActorID, nullStr(e.ActorUsername), e.Action, e.Target,
		e.OK, e.Fail, nullStr(e.Error), e.TookMS, nullStr(e.MetaJSON),
	)
	if err == nil && s.auditCount.Add(1)%auditPruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		if _, perr := s.exec(pctx, `DELETE FROM audit WHERE at < ?`, time.Now().Add(-auditRetention).UnixMilli()); perr != nil {
			s.log.Debug("audit prune failed", logx.Err(perr))
		}
		cancel()
	}
	if err != nil {
		return fmt.Errorf("storage: append audit: %w", err)
	}
	return nil
}

func affected(res sql.Result) bool {
	n, err := res.RowsAffected()
	return err == nil && n > 0
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}
