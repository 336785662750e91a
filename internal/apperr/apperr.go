package apperr

import (
	"errors"
	"strings"
)

// Kind classifies failures so callers can branch with errors.Is instead of
// inspecting message text.
type Kind string

const (
	KindConfig           Kind = "config"
	KindTransport        Kind = "transport"
	KindPermission       Kind = "permission"
	KindValidation       Kind = "validation"
	KindAlreadyProcessed Kind = "already_processed"
	KindStateConflict    Kind = "state_conflict"
)

// Error is a classified error. Op names the operation ("config.load",
// "admin.refund"), Msg is safe to show to operators.
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	parts := make([]string, 0, 3)
	if e.Op != "" {
		parts = append(parts, e.Op)
	}
	if e.Msg != "" {
		parts = append(parts, e.Msg)
	}
	if e.Err != nil {
		parts = append(parts, e.Err.Error())
	}
	if len(parts) == 0 {
		return string(e.Kind) + " error"
	}
	return strings.Join(parts, ": ")
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches kind sentinels (ErrConfig, ErrPermission, ...) against any
// error of the same kind in the chain.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t == nil || e == nil {
		return false
	}
	if t.Op == "" && t.Msg == "" && t.Err == nil {
		return t.Kind == e.Kind
	}
	return t == e
}

// Kind sentinels for errors.Is.
var (
	ErrConfig           = &Error{Kind: KindConfig}
	ErrTransport        = &Error{Kind: KindTransport}
	ErrPermission       = &Error{Kind: KindPermission}
	ErrValidation       = &Error{Kind: KindValidation}
	ErrAlreadyProcessed = &Error{Kind: KindAlreadyProcessed}
	ErrStateConflict    = &Error{Kind: KindStateConflict}
)

func New(kind Kind, op, msg string) error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap classifies err. A nil err stays nil.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

func Config(op, msg string) error     { return New(KindConfig, op, msg) }
func Validation(op, msg string) error { return New(KindValidation, op, msg) }
func Permission(op, msg string) error { return New(KindPermission, op, msg) }

// KindOf returns the kind of the outermost classified error in the chain,
// or "" when err is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Message returns the operator-facing message of the first classified error
// that carries one.
func Message(err error) string {
	for err != nil {
		var e *Error
		if !errors.As(err, &e) {
			return ""
		}
		if e.Msg != "" {
			return e.Msg
		}
		err = e.Err
	}
	return ""
}
