package radio

import (
	"errors"
	"strings"
	"testing"
)

func TestWrapMatchesKindAndCause(t *testing.T) {
	cause := errors.New("le-connection-abort-by-local")
	err := Wrap("connect", "AA:BB", ErrConnectFailure, cause)

	if !errors.Is(err, ErrConnectFailure) {
		t.Fatalf("expected ErrConnectFailure, got %v", err)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be preserved, got %v", err)
	}
	if !strings.Contains(err.Error(), "AA:BB") {
		t.Fatalf("expected device id in message, got %q", err.Error())
	}
	if KindOf(err) != ErrConnectFailure {
		t.Fatalf("unexpected kind: %v", KindOf(err))
	}
}

func TestWrapKeepsClassifiedErrors(t *testing.T) {
	original := Wrap("write", "dev", ErrPayloadTooLarge, errors.New("600 > 512"))
	if got := Wrap("write", "dev", ErrPayloadTooLarge, original); got != original {
		t.Fatalf("expected already classified error to pass through")
	}
	if Wrap("write", "dev", ErrWriteFailure, nil) != nil {
		t.Fatalf("expected nil for nil error")
	}
	if KindOf(errors.New("other")) != nil {
		t.Fatalf("expected no kind for unclassified error")
	}
}
