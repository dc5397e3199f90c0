package errorsx

import (
	"errors"
	"fmt"
	"testing"
)

func TestWrapAndReason(t *testing.T) {
	base := errors.New("socket closed")
	err := Wrap(base, ReasonASRStream)
	if Reason(err) != ReasonASRStream {
		t.Fatalf("reason = %s", Reason(err))
	}
	if !errors.Is(err, base) {
		t.Fatal("wrapped error should match the base via errors.Is")
	}
	if err.Error() != "socket closed" {
		t.Fatalf("message = %q", err.Error())
	}
}

func TestWrapNil(t *testing.T) {
	if Wrap(nil, ReasonASRConnect) != nil {
		t.Fatal("wrapping nil should stay nil")
	}
}

func TestWrapKeepsFirstReason(t *testing.T) {
	err := Wrap(errors.New("boom"), ReasonRefineCall)
	err = Wrap(err, ReasonRefineRateLimit)
	if Reason(err) != ReasonRefineCall {
		t.Fatalf("reason = %s, want the original", Reason(err))
	}
}

func TestReasonThroughFmtWrap(t *testing.T) {
	inner := Wrap(errors.New("denied"), ReasonASRConnect)
	outer := fmt.Errorf("starting recognizer: %w", inner)
	if !HasReason(outer, ReasonASRConnect) {
		t.Fatalf("reason not found through %%w chain: %v", outer)
	}
}

func TestReasonUnknown(t *testing.T) {
	if Reason(errors.New("plain")) != ReasonUnknown {
		t.Fatal("plain error should map to unknown reason")
	}
	if Reason(nil) != ReasonUnknown {
		t.Fatal("nil error should map to unknown reason")
	}
}
