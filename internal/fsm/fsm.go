// Package fsm gives typed access to per-user conversation state for the
// multi-step admin flows.
package fsm

import (
	"context"
	"strings"
	"time"

	"dispatchbot/internal/storage"
)

// Name identifies a conversation state. None means no active flow.
type Name string

const (
	None                       Name = ""
	AwaitingBroadcastContent   Name = "awaiting_broadcast_content"
	AwaitingRefundConfirmation Name = "awaiting_refund_confirmation"
	AwaitingSendConfirmation   Name = "awaiting_send_confirmation"
)

func (n Name) String() string {
	if n == None {
		return "none"
	}
	return string(n)
}

// Data bag keys.
const (
	KeyCharge   = "charge"
	KeyUser     = "user"
	KeyTemplate = "template"
)

// Callback tokens used by confirmation prompts. They never collide with
// configured button keys because configured button keys may not use the prefix.
const (
	CallbackPrefix  = "flow:"
	CallbackConfirm = CallbackPrefix + "confirm"
	CallbackCancel  = CallbackPrefix + "cancel"
)

// IsFlowToken reports whether data is a flow callback token.
func IsFlowToken(data string) bool { return strings.HasPrefix(data, CallbackPrefix) }

// Current is a user's state as seen by a handler.
type Current struct {
	Name Name
	Data map[string]string
}

func (c Current) Active() bool { return c.Name != None }

func (c Current) Get(key string) string {
	if c.Data == nil {
		return ""
	}
	return c.Data[key]
}

// Machine reads and writes states through the store. Each transition is a
// single upsert or delete.
type Machine struct {
	store storage.States
	now   func() time.Time
}

func New(store storage.States) *Machine {
	return &Machine{store: store, now: time.Now}
}

func (m *Machine) Current(ctx context.Context, userID int64) (Current, error) {
	st, ok, err := m.store.GetState(ctx, userID)
	if err != nil {
		return Current{}, err
	}
	if !ok {
		return Current{}, nil
	}
	return Current{Name: Name(st.Name), Data: st.Data}, nil
}

// Enter replaces whatever state the user had.
func (m *Machine) Enter(ctx context.Context, userID int64, name Name, data map[string]string) error {
	if name == None {
		return m.Clear(ctx, userID)
	}
	return m.store.PutState(ctx, storage.State{
		UserID:    userID,
		Name:      string(name),
		Data:      data,
		UpdatedAt: m.now(),
	})
}

func (m *Machine) Clear(ctx context.Context, userID int64) error {
	return m.store.ClearState(ctx, userID)
}
