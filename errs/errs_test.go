package errs

import (
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestErrorFormattingIncludesMetadataAndCause(t *testing.T) {
	err := New(
		"rollover",
		CodeProtocol,
		WithMessage("unexpected message"),
		WithField("order_id", "6d2f"),
		WithField("peer", "taker-1"),
		WithCause(errors.New("decode msg0")),
	)

	out := err.Error()
	if !strings.Contains(out, "component=rollover") {
		t.Fatalf("expected component marker in error string: %s", out)
	}
	if !strings.Contains(out, "code=protocol") {
		t.Fatalf("expected code in error string: %s", out)
	}
	expectedMeta := "meta=order_id=\"6d2f\",peer=\"taker-1\""
	if !strings.Contains(out, expectedMeta) {
		t.Fatalf("expected metadata %q in error string: %s", expectedMeta, out)
	}
	if !strings.Contains(out, "cause=\"decode msg0\"") {
		t.Fatalf("expected wrapped cause in error string: %s", out)
	}
}

func TestWithFieldIgnoresBlankKeys(t *testing.T) {
	err := New("maker", CodeInvalid, WithField("  ", "x"))
	if len(err.Metadata) != 0 {
		t.Fatalf("expected blank key to be ignored, got %v", err.Metadata)
	}
}

func TestUnwrapAndCodeOf(t *testing.T) {
	root := errors.New("connection reset")
	err := fmt.Errorf("send msg1: %w", New("rollover", CodeNetwork, WithCause(root)))

	if !errors.Is(err, root) {
		t.Fatalf("expected errors.Is to reach the cause")
	}
	if got := CodeOf(err); got != CodeNetwork {
		t.Fatalf("expected network code, got %q", got)
	}
	if got := CodeOf(root); got != "" {
		t.Fatalf("expected empty code for plain error, got %q", got)
	}
}

func TestIsMatchesByCode(t *testing.T) {
	err := New("rollover", CodeTimeout, WithMessage("msg0"))
	if !errors.Is(err, New("", CodeTimeout)) {
		t.Fatalf("expected code match")
	}
	if errors.Is(err, New("", CodeNotFound)) {
		t.Fatalf("unexpected match on different code")
	}
	if errors.Is(err, &E{}) {
		t.Fatalf("envelope without code must not match")
	}
}

func TestNilErrorString(t *testing.T) {
	var e *E
	if got := e.Error(); got != "<nil>" {
		t.Fatalf("expected <nil> string for nil error, got %q", got)
	}
}

func TestNotSupported(t *testing.T) {
	err := NotSupported("dlc", "builder not linked")
	if err.Code != CodeNotSupported {
		t.Fatalf("expected not_supported code, got %q", err.Code)
	}
}
