package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by lookups for rows that do not exist.
var ErrNotFound = errors.New("storage: not found")

// Config configures storage.
type Config struct {
	Driver      string
	Path        string // sqlite file
	DSN         string // postgres connection string
	BusyTimeout time.Duration
}

// User is one audience member. Rows are created on the first inbound event
// and never deleted.
type User struct {
	ID        int64
	Username  string
	FirstName string
	FirstSeen time.Time
	LastSeen  time.Time
}

// State is the conversation state of one user. An empty Name means the user
// is not in any flow.
type State struct {
	UserID    int64
	Name      string
	Data      map[string]string
	UpdatedAt time.Time
}

// Payment is a successful payment as reported by the platform.
type Payment struct {
	ChargeID         string
	ProviderChargeID string
	UserID           int64
	Payload          string
	Currency         string
	Total            int
	PaidAt           time.Time
	RefundedAt       time.Time // zero until refunded
}

func (p Payment) Refunded() bool { return !p.RefundedAt.IsZero() }

// AuditEntry records an admin action.
type AuditEntry struct {
	At            time.Time
	ActorID       int64
	ActorUsername string
	Action        string
	Target        string
	OK            int
	Fail          int
	Error         string
	TookMS        int64
	MetaJSON      string
}

// Audience is the user registry and block list. The active audience is
// always all users minus blocked ones.
type Audience interface {
	UpsertUser(ctx context.Context, u User) error
	IsBlocked(ctx context.Context, userID int64) (bool, error)
	// Block reports whether the entry was newly created. IDs that were never
	// seen can be blocked too.
	Block(ctx context.Context, userID int64) (bool, error)
	Unblock(ctx context.Context, userID int64) (bool, error)
	// ListActive returns non-blocked users ordered by first_seen, then id.
	ListActive(ctx context.Context) ([]User, error)
	CountActive(ctx context.Context) (int, error)
	CountTotal(ctx context.Context) (int, error)
	CountBlocked(ctx context.Context) (int, error)
}

// States holds at most one conversation state per user.
type States interface {
	GetState(ctx context.Context, userID int64) (State, bool, error)
	PutState(ctx context.Context, st State) error
	ClearState(ctx context.Context, userID int64) error
}

// Payments keeps successful payment records so refunds can be issued by
// charge ID alone.
type Payments interface {
	// RecordPayment reports false when the charge was already recorded.
	RecordPayment(ctx context.Context, p Payment) (bool, error)
	GetPayment(ctx context.Context, chargeID string) (Payment, error)
	// MarkRefunded reports false when the charge was already refunded.
	MarkRefunded(ctx context.Context, chargeID string, at time.Time) (bool, error)
}

// Store is everything the bot persists.
type Store interface {
	Audience
	States
	Payments
	AppendAudit(ctx context.Context, e AuditEntry) error
	Close() error
}
