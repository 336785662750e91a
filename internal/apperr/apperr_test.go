package apperr

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindSentinels(t *testing.T) {
	t.Parallel()
	base := Validation("admin.block", "usage: /block <user_id>")
	wrapped := fmt.Errorf("handler: %w", base)

	if !errors.Is(wrapped, ErrValidation) {
		t.Fatalf("expected wrapped error to match ErrValidation")
	}
	if errors.Is(wrapped, ErrPermission) {
		t.Fatalf("validation error must not match ErrPermission")
	}
	if got := KindOf(wrapped); got != KindValidation {
		t.Fatalf("KindOf = %q, want %q", got, KindValidation)
	}
	if got := Message(wrapped); got != "usage: /block <user_id>" {
		t.Fatalf("Message = %q", got)
	}
}

func TestWrapKeepsCause(t *testing.T) {
	t.Parallel()
	cause := errors.New("connection reset")
	err := Wrap(KindTransport, "gateway.send_text", cause)
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause in chain")
	}
	if !errors.Is(err, ErrTransport) {
		t.Fatalf("expected transport kind")
	}
	if Wrap(KindTransport, "x", nil) != nil {
		t.Fatalf("Wrap(nil) must be nil")
	}
	if err.Error() != "gateway.send_text: connection reset" {
		t.Fatalf("Error() = %q", err.Error())
	}
}

func TestSpecificErrorIdentity(t *testing.T) {
	t.Parallel()
	specific := &Error{Kind: KindAlreadyProcessed, Op: "payments.reverse", Msg: "already reversed"}
	other := &Error{Kind: KindAlreadyProcessed, Op: "payments.reverse", Msg: "already reversed"}
	err := fmt.Errorf("refund: %w", specific)

	if !errors.Is(err, specific) {
		t.Fatalf("expected identity match")
	}
	if errors.Is(err, other) {
		t.Fatalf("distinct non-sentinel errors must not match")
	}
	if !errors.Is(err, ErrAlreadyProcessed) {
		t.Fatalf("expected kind sentinel match")
	}
}
