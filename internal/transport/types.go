package transport

import (
	"context"

	"dispatchbot/internal/apperr"
)

type UpdateKind string

const (
	UpdateMessage     UpdateKind = "message"
	UpdateCallback    UpdateKind = "callback"
	UpdatePreCheckout UpdateKind = "precheckout"
	UpdatePayment     UpdateKind = "payment"
)

// Update is one inbound event. Exactly one of the pointers matches Kind.
type Update struct {
	Kind        UpdateKind
	Message     *Message
	Callback    *Callback
	PreCheckout *PreCheckout
	Payment     *Payment
}

type Message struct {
	ID            int
	ChatID        int64
	ThreadID      int // forum topic thread id (0 if none)
	FromID        int64
	FromUsername  string
	FromFirstName string
	Text          string
	PhotoID       string // largest photo size, platform file id
	Caption       string
}

type Callback struct {
	ID            string
	FromID        int64
	FromUsername  string
	FromFirstName string
	ChatID        int64
	ThreadID      int
	MessageID     int
	Data          string
}

type PreCheckout struct {
	ID            string
	FromID        int64
	FromUsername  string
	FromFirstName string
	Payload       string
	Currency      string
	Total         int
}

type Payment struct {
	ChatID           int64
	FromID           int64
	FromUsername     string
	FromFirstName    string
	Payload          string
	Currency         string
	Total            int
	ChargeID         string
	ProviderChargeID string
}

// Sender describes who produced an update.
type Sender struct {
	ID        int64
	Username  string
	FirstName string
}

func (u Update) Sender() Sender {
	switch u.Kind {
	case UpdateMessage:
		if m := u.Message; m != nil {
			return Sender{ID: m.FromID, Username: m.FromUsername, FirstName: m.FromFirstName}
		}
	case UpdateCallback:
		if c := u.Callback; c != nil {
			return Sender{ID: c.FromID, Username: c.FromUsername, FirstName: c.FromFirstName}
		}
	case UpdatePreCheckout:
		if q := u.PreCheckout; q != nil {
			return Sender{ID: q.FromID, Username: q.FromUsername, FirstName: q.FromFirstName}
		}
	case UpdatePayment:
		if p := u.Payment; p != nil {
			return Sender{ID: p.FromID, Username: p.FromUsername, FirstName: p.FromFirstName}
		}
	}
	return Sender{}
}

// Chat returns where replies to the update go. Pre-checkout queries carry no
// chat; the sender's private chat is used.
func (u Update) Chat() ChatTarget {
	switch u.Kind {
	case UpdateMessage:
		if m := u.Message; m != nil {
			return ChatTarget{ChatID: m.ChatID, ThreadID: m.ThreadID}
		}
	case UpdateCallback:
		if c := u.Callback; c != nil {
			return ChatTarget{ChatID: c.ChatID, ThreadID: c.ThreadID}
		}
	case UpdatePreCheckout:
		if q := u.PreCheckout; q != nil {
			return ChatTarget{ChatID: q.FromID}
		}
	case UpdatePayment:
		if p := u.Payment; p != nil {
			return ChatTarget{ChatID: p.ChatID}
		}
	}
	return ChatTarget{}
}

type ChatTarget struct {
	ChatID   int64
	ThreadID int
}

type MessageRef struct {
	ChatID    int64
	ThreadID  int
	MessageID int
}

type ButtonKind int

const (
	ButtonCallback ButtonKind = iota
	ButtonURL
	ButtonPay
)

type Button struct {
	Kind  ButtonKind
	Label string
	Data  string // callback token
	URL   string
}

type KeyboardKind int

const (
	KeyboardReply KeyboardKind = iota
	KeyboardInline
)

type Keyboard struct {
	Kind    KeyboardKind
	Rows    [][]Button
	Resize  bool
	OneTime bool
}

type SendOptions struct {
	ParseMode      string
	DisablePreview bool
	Keyboard       *Keyboard
}

// Media references a photo: a local file, a remote URL, or an id the
// platform already knows.
type Media struct {
	Path   string
	URL    string
	FileID string
}

func (m Media) IsZero() bool { return m.Path == "" && m.URL == "" && m.FileID == "" }

type Invoice struct {
	Title         string
	Description   string
	Payload       string
	Currency      string
	Label         string
	Amount        int
	ProviderToken string
	Keyboard      *Keyboard
}

type ChatAction string

const (
	ActionTyping      ChatAction = "typing"
	ActionUploadPhoto ChatAction = "upload_photo"
)

// ErrAlreadyReversed is returned by ReversePayment when the platform reports
// the charge as refunded before.
var ErrAlreadyReversed = &apperr.Error{
	Kind: apperr.KindAlreadyProcessed,
	Op:   "transport.reverse_payment",
	Msg:  "payment already reversed",
}

// Gateway is the outbound capability set of the chat platform.
type Gateway interface {
	SendText(ctx context.Context, to ChatTarget, text string, opt *SendOptions) (MessageRef, error)
	SendPhoto(ctx context.Context, to ChatTarget, media Media, caption string, opt *SendOptions) (MessageRef, error)
	SendChatAction(ctx context.Context, to ChatTarget, action ChatAction) error
	EditText(ctx context.Context, ref MessageRef, text string, opt *SendOptions) error
	AnswerCallback(ctx context.Context, callbackID string, text string) error
	SendInvoice(ctx context.Context, to ChatTarget, inv Invoice) (MessageRef, error)
	ReversePayment(ctx context.Context, userID int64, chargeID string) error
	AnswerPreCheckout(ctx context.Context, queryID string, ok bool, errMsg string) error
}

// Adapter is a Gateway that also produces inbound updates.
type Adapter interface {
	Gateway
	Start(ctx context.Context, out chan<- Update) error
	Stop(ctx context.Context) error
}

// BotCommand represents a single bot command menu entry.
type BotCommand struct {
	Command     string
	Description string
}

// CommandMenuUpdater is an optional interface that adapters can implement
// to update platform-specific bot command menus.
type CommandMenuUpdater interface {
	UpdateMenuCommands(ctx context.Context, cmds []BotCommand) error
}
