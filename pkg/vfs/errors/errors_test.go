package errors

import (
	"errors"
	"testing"
)

func TestCodeOfUnwrapsError(t *testing.T) {
	err := New("lookup", NOENT)

	if CodeOf(err) != NOENT {
		t.Fatalf("expected NOENT, got %s", CodeOf(err))
	}
}

func TestCodeOfNilIsOK(t *testing.T) {
	if CodeOf(nil) != OK {
		t.Fatal("expected OK for nil error")
	}
}

func TestCodeOfForeignErrorIsServerfault(t *testing.T) {
	if CodeOf(errors.New("boom")) != SERVERFAULT {
		t.Fatal("expected SERVERFAULT for an error with no Code")
	}
}

func TestWrapUnwrap(t *testing.T) {
	cause := errors.New("disk failed")
	wrapped := Wrap("write", IO, "h123", cause)

	if !errors.Is(wrapped, cause) {
		t.Fatal("expected errors.Is to unwrap the cause")
	}
}
