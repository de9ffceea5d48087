package errs

import (
	"errors"
	"strings"
	"testing"
)

func TestNew(t *testing.T) {
	err := New("binance", CodeInvalid, WithMessage("test message"))

	if err == nil {
		t.Fatal("expected non-nil error")
	}

	errStr := err.Error()
	if errStr == "" {
		t.Error("expected non-empty error string")
	}
}

func TestErrorString(t *testing.T) {
	err := New("binance", CodeExchange, WithMessage("unknown symbol"))

	str := err.Error()
	if !strings.Contains(str, "binance") || !strings.Contains(str, "unknown symbol") {
		t.Errorf("expected venue and message in error string, got %q", str)
	}
}

func TestWithMessage(t *testing.T) {
	err := New("binance", CodeInvalid, WithMessage("custom message"))

	if !strings.Contains(err.Error(), "custom message") {
		t.Error("expected custom message in error string")
	}
}

func TestIsMatchesByCode(t *testing.T) {
	fatal := New("binance", CodeFatal, WithMessage("tls failure"))
	if !errors.Is(fatal, New("", CodeFatal)) {
		t.Error("expected errors.Is to match on Code regardless of venue/message")
	}
	if errors.Is(fatal, New("", CodeNetwork)) {
		t.Error("expected errors.Is to not match a different Code")
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: connection refused")
	err := New("binance", CodeNetwork, WithCause(cause))

	if !errors.Is(err, cause) {
		t.Error("expected Unwrap to expose the underlying cause")
	}
}
