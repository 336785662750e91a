package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Payload is what a command, button or template sends: one message or an
// ordered list of messages. A bare string is shorthand for {"text": ...}.
type Payload []MessageSpec

// MessageSpec is one outbound message as written in the config file.
type MessageSpec struct {
	Text          string     `json:"text,omitempty"`
	Image         string     `json:"image,omitempty"`
	ReplyButtons  ButtonRows `json:"reply_buttons,omitempty"`
	InlineButtons ButtonRows `json:"inline_buttons,omitempty"`
	// URL makes a button payload a link: tapping only clears the spinner.
	URL string `json:"url,omitempty"`
	// Backup waits silently before sending; BackupPrint shows the typing
	// indicator first.
	Backup      Duration `json:"backup,omitempty"`
	BackupPrint Duration `json:"backup_print,omitempty"`
}

func (p *Payload) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case len(b) == 0 || bytes.Equal(b, []byte("null")):
		*p = nil
		return nil
	case b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*p = Payload{{Text: s}}
		return nil
	case b[0] == '{':
		var m MessageSpec
		if err := decodeStrict(b, &m); err != nil {
			return err
		}
		*p = Payload{m}
		return nil
	case b[0] == '[':
		var raw []json.RawMessage
		if err := json.Unmarshal(b, &raw); err != nil {
			return err
		}
		out := make(Payload, 0, len(raw))
		for i, r := range raw {
			var one Payload
			if err := one.UnmarshalJSON(r); err != nil {
				return fmt.Errorf("message %d: %w", i, err)
			}
			out = append(out, one...)
		}
		*p = out
		return nil
	default:
		return fmt.Errorf("payload must be an object, a list of objects or a string")
	}
}

// Link returns the URL of a link payload ("" if the payload sends messages).
func (p Payload) Link() string {
	if len(p) == 1 && strings.TrimSpace(p[0].URL) != "" {
		return strings.TrimSpace(p[0].URL)
	}
	return ""
}

// ButtonRows is a keyboard layout. A flat list puts one button per row; a
// nested list groups buttons into explicit rows.
type ButtonRows [][]ButtonSpec

func (r *ButtonRows) UnmarshalJSON(b []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("buttons must be a list: %w", err)
	}
	rows := make(ButtonRows, 0, len(raw))
	for i, item := range raw {
		item = bytes.TrimSpace(item)
		if len(item) > 0 && item[0] == '[' {
			var row []ButtonSpec
			if err := json.Unmarshal(item, &row); err != nil {
				return fmt.Errorf("row %d: %w", i, err)
			}
			if len(row) > 0 {
				rows = append(rows, row)
			}
			continue
		}
		var btn ButtonSpec
		if err := json.Unmarshal(item, &btn); err != nil {
			return fmt.Errorf("button %d: %w", i, err)
		}
		rows = append(rows, []ButtonSpec{btn})
	}
	*r = rows
	return nil
}

// ButtonSpec is one button. A string is a callback button whose label is the
// token. Objects are {"text", "url"} links or {"pay": key} payment triggers.
type ButtonSpec struct {
	Token string `json:"data,omitempty"`
	Text  string `json:"text,omitempty"`
	URL   string `json:"url,omitempty"`
	Pay   string `json:"pay,omitempty"`
}

func (s *ButtonSpec) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var tok string
		if err := json.Unmarshal(b, &tok); err != nil {
			return err
		}
		if strings.TrimSpace(tok) == "" {
			return fmt.Errorf("button token is empty")
		}
		*s = ButtonSpec{Token: tok}
		return nil
	}
	type plain ButtonSpec
	var p plain
	if err := decodeStrict(b, &p); err != nil {
		return err
	}
	switch {
	case p.URL != "" && p.Text == "":
		return fmt.Errorf("link button needs text")
	case p.URL == "" && p.Pay == "" && p.Token == "":
		return fmt.Errorf("button needs data, url or pay")
	}
	*s = ButtonSpec(p)
	return nil
}

func decodeStrict(b []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}
