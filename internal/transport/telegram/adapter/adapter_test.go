package adapter

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tele "gopkg.in/telebot.v4"

	"dispatchbot/internal/apperr"
	kit "dispatchbot/internal/transport"
	"dispatchbot/pkg/logx"
)

func TestMessageUpdate(t *testing.T) {
	user := &tele.User{ID: 42, Username: "neo", FirstName: "Thomas"}
	chat := &tele.Chat{ID: 42}

	up, ok := messageUpdate(&tele.Message{ID: 7, Sender: user, Chat: chat, Text: "/start"})
	require.True(t, ok)
	assert.Equal(t, kit.UpdateMessage, up.Kind)
	assert.Equal(t, "/start", up.Message.Text)
	assert.Equal(t, "Thomas", up.Message.FromFirstName)

	up, ok = messageUpdate(&tele.Message{ID: 8, Sender: user, Chat: chat, Caption: "hi",
		Photo: &tele.Photo{File: tele.File{FileID: "AgAD"}}})
	require.True(t, ok)
	assert.Equal(t, "AgAD", up.Message.PhotoID)
	assert.Equal(t, "hi", up.Message.Caption)

	up, ok = messageUpdate(&tele.Message{ID: 9, Sender: user, Chat: chat, Payment: &tele.Payment{
		Currency: "XTR", Total: 50, Payload: "vip", TelegramChargeID: "ch_1",
	}})
	require.True(t, ok)
	assert.Equal(t, kit.UpdatePayment, up.Kind)
	assert.Equal(t, "ch_1", up.Payment.ChargeID)
	assert.Equal(t, int64(42), up.Payment.ChatID)

	_, ok = messageUpdate(&tele.Message{ID: 10, Sender: user, Chat: chat})
	assert.False(t, ok, "service messages are ignored")
	_, ok = messageUpdate(nil)
	assert.False(t, ok)
}

func TestCallbackUpdate(t *testing.T) {
	user := &tele.User{ID: 5}
	up, ok := callbackUpdate(&tele.Callback{ID: "c1", Sender: user, Data: "flow:confirm",
		Message: &tele.Message{ID: 77, Chat: &tele.Chat{ID: -100}, ThreadID: 3}})
	require.True(t, ok)
	assert.Equal(t, kit.Callback{ID: "c1", FromID: 5, ChatID: -100, ThreadID: 3, MessageID: 77, Data: "flow:confirm"}, *up.Callback)

	up, ok = callbackUpdate(&tele.Callback{ID: "c2", Sender: user, Data: "x"})
	require.True(t, ok)
	assert.Equal(t, int64(5), up.Callback.ChatID)
}

func TestPreCheckoutUpdate(t *testing.T) {
	up, ok := preCheckoutUpdate(&tele.PreCheckoutQuery{ID: "q", Sender: &tele.User{ID: 9}, Payload: "vip", Currency: "XTR", Total: 50})
	require.True(t, ok)
	assert.Equal(t, kit.PreCheckout{ID: "q", FromID: 9, Payload: "vip", Currency: "XTR", Total: 50}, *up.PreCheckout)
}

func TestMarkup(t *testing.T) {
	assert.Nil(t, markup(nil))

	rm := markup(&kit.Keyboard{Kind: kit.KeyboardInline, Rows: [][]kit.Button{
		{{Label: "Info", Data: "info"}, {Kind: kit.ButtonURL, Label: "Site", URL: "https://e.com"}},
		{{Kind: kit.ButtonPay, Label: "Pay 50"}},
	}})
	require.Len(t, rm.InlineKeyboard, 2)
	assert.Equal(t, "info", rm.InlineKeyboard[0][0].Data)
	assert.Equal(t, "https://e.com", rm.InlineKeyboard[0][1].URL)
	assert.True(t, rm.InlineKeyboard[1][0].Pay)

	rm = markup(&kit.Keyboard{Kind: kit.KeyboardReply, Resize: true, Rows: [][]kit.Button{{{Label: "Prices"}}}})
	require.Len(t, rm.ReplyKeyboard, 1)
	assert.Equal(t, "Prices", rm.ReplyKeyboard[0][0].Text)
	assert.True(t, rm.ResizeKeyboard)
}

func TestClassify(t *testing.T) {
	assert.NoError(t, classify("op", nil))

	err := classify("op", &tele.Error{Code: 403, Description: "Forbidden: bot was blocked by the user"})
	assert.True(t, kit.IsPermanent(err))
	assert.Equal(t, apperr.KindTransport, apperr.KindOf(err))

	err = classify("op", errors.New("connection reset"))
	assert.False(t, kit.IsPermanent(err))
	_, ok := kit.RetryDelay(err)
	assert.False(t, ok)

	assert.True(t, isAlreadyRefunded(errors.New("telegram: Bad Request: CHARGE_ALREADY_REFUNDED (400)")))
	assert.True(t, isNotModified(errors.New("telegram: Bad Request: message is not modified (400)")))
}

func TestSplitText(t *testing.T) {
	assert.Equal(t, []string{"short"}, splitText("short", 10, ""))

	long := strings.Repeat("a", 6) + "\n" + strings.Repeat("b", 6)
	assert.Equal(t, []string{"aaaaaa", "bbbbbb"}, splitText(long, 10, ""))

	assert.Equal(t, []string{"abcdefgh", "<i>x</i>"}, splitText("abcdefgh<i>x</i>", 10, "HTML"))
}

func TestNewRequiresToken(t *testing.T) {
	_, err := New(Config{}, logx.Nop())
	require.Error(t, err)
	assert.Equal(t, apperr.KindConfig, apperr.KindOf(err))
}
