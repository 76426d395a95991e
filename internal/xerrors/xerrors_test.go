package xerrors

import (
	"errors"
	"io"
	"strings"
	"testing"
)

func TestWrap_MessageAndUnwrap(t *testing.T) {
	err := Wrap(io.EOF, "reading throttle state")
	if err.Error() != "reading throttle state: EOF" {
		t.Fatalf("message: got %q", err.Error())
	}
	if !errors.Is(err, io.EOF) {
		t.Fatal("wrapped error should unwrap to the cause")
	}
}

func TestWrap_NilPassthrough(t *testing.T) {
	if Wrap(nil, "nope") != nil {
		t.Fatal("Wrap(nil) should be nil")
	}
	if Wrapf(nil, "nope %d", 1) != nil {
		t.Fatal("Wrapf(nil) should be nil")
	}
	if WithStack(nil) != nil {
		t.Fatal("WithStack(nil) should be nil")
	}
	if EnsureTrace(nil) != nil {
		t.Fatal("EnsureTrace(nil) should be nil")
	}
}

func TestNew_CapturesStack(t *testing.T) {
	err := New("boom")
	type hasStack interface{ StackPCs() []uintptr }
	var hs hasStack
	if !errors.As(err, &hs) || len(hs.StackPCs()) == 0 {
		t.Fatal("New should capture a stack")
	}
}

func TestEnsureTrace_Idempotent(t *testing.T) {
	orig := New("boom")
	if EnsureTrace(orig) != orig {
		t.Fatal("EnsureTrace should not re-wrap an already stacked error")
	}

	plain := errors.New("plain")
	traced := EnsureTrace(plain)
	if traced == plain {
		t.Fatal("EnsureTrace should wrap a plain error")
	}
	if !errors.Is(traced, plain) {
		t.Fatal("traced error should unwrap to the original")
	}
}

func TestWrap_CarriesCallerPC(t *testing.T) {
	err := Wrap(io.EOF, "ctx")
	type hasPC interface{ PC() uintptr }
	hp, ok := err.(hasPC)
	if !ok || hp.PC() == 0 {
		t.Fatal("Wrap should record the caller PC")
	}
}

func TestWrapf_Formats(t *testing.T) {
	err := Wrapf(io.EOF, "attempt %d", 3)
	if !strings.HasPrefix(err.Error(), "attempt 3: ") {
		t.Fatalf("got %q", err.Error())
	}
}
