package errors

import (
	"strings"
	"testing"
)

func TestNewCarriesLocation(t *testing.T) {
	err := New("bad value %d", 7)
	if !strings.HasPrefix(err.Error(), "[errors_test.go:") {
		t.Errorf("missing location prefix: %q", err.Error())
	}
	if !strings.HasSuffix(err.Error(), "bad value 7") {
		t.Errorf("unexpected message: %q", err.Error())
	}
}

func TestWrapfNil(t *testing.T) {
	if err := Wrapf(nil, "context"); err != nil {
		t.Errorf("Wrapf(nil) = %v, want nil", err)
	}
}

func TestWrapkMatchesKindAndCause(t *testing.T) {
	kind := Sentinel("transport error")
	cause := Sentinel("broken pipe")

	err := Wrapk(kind, cause, "write request %d", 3)
	if !Is(err, kind) {
		t.Error("wrapped error does not match kind")
	}
	if !Is(err, cause) {
		t.Error("wrapped error does not match cause")
	}
	if !strings.Contains(err.Error(), "write request 3: transport error: broken pipe") {
		t.Errorf("unexpected message: %q", err.Error())
	}

	onlyKind := Wrapk(kind, nil, "no process")
	if !Is(onlyKind, kind) {
		t.Error("kind-only error does not match kind")
	}
}
