package clusterr

import (
	"errors"
	"fmt"
	"testing"
)

func TestNewWrapsAndUnwraps(t *testing.T) {
	cause := errors.New("boom")
	err := New(BindFailure, cause)

	if !errors.Is(err, cause) {
		t.Fatal("expected wrapped error to unwrap to cause")
	}
	kind, ok := Of(err)
	if !ok || kind != BindFailure {
		t.Fatalf("expected BindFailure, got %v (ok=%v)", kind, ok)
	}
}

func TestNewNilErrYieldsNil(t *testing.T) {
	if New(ConfigInvalid, nil) != nil {
		t.Fatal("expected nil error to stay nil")
	}
}

func TestOfFalseForPlainError(t *testing.T) {
	if _, ok := Of(errors.New("plain")); ok {
		t.Fatal("expected a plain error to not carry a Kind")
	}
}

func TestErrorMessageIncludesKindAndCause(t *testing.T) {
	err := New(UpstreamFailure, errors.New("timeout"))
	want := "upstream-failure: timeout"
	if err.Error() != want {
		t.Fatalf("got %q, want %q", err.Error(), want)
	}
}

func TestKindStringCoversAllValues(t *testing.T) {
	for k := ConfigInvalid; k <= DeserializationFailure; k++ {
		if k.String() == "unknown" {
			t.Fatalf("Kind %d has no String() case", k)
		}
	}
}

func TestOfUnwrapsThroughFmtErrorf(t *testing.T) {
	base := New(PeerAuthFailure, errors.New("rejected"))
	wrapped := fmt.Errorf("handshake: %w", base)

	kind, ok := Of(wrapped)
	if !ok || kind != PeerAuthFailure {
		t.Fatalf("expected PeerAuthFailure to survive fmt.Errorf wrapping, got %v (ok=%v)", kind, ok)
	}
}
