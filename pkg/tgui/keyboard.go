package tgui

import "dispatchbot/internal/transport"

// Inline builds an inline keyboard row by row.
type Inline struct {
	rows [][]transport.Button
}

func NewInline() *Inline { return &Inline{} }

// Row appends a row; empty rows are skipped.
func (i *Inline) Row(btn ...transport.Button) *Inline {
	if len(btn) > 0 {
		i.rows = append(i.rows, btn)
	}
	return i
}

// Keyboard returns the keyboard, or nil when no rows were added.
func (i *Inline) Keyboard() *transport.Keyboard {
	if i == nil || len(i.rows) == 0 {
		return nil
	}
	return &transport.Keyboard{Kind: transport.KeyboardInline, Rows: i.rows}
}

// Btn creates a callback button.
func Btn(text, data string) transport.Button {
	return transport.Button{Kind: transport.ButtonCallback, Label: text, Data: data}
}

func URLBtn(text, url string) transport.Button {
	return transport.Button{Kind: transport.ButtonURL, Label: text, URL: url}
}

// Confirm builds a one-row confirm/cancel keyboard.
func Confirm(yesText, yesData, noText, noData string) *transport.Keyboard {
	return NewInline().Row(Btn(yesText, yesData), Btn(noText, noData)).Keyboard()
}
