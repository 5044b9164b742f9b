package bootstrap

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

type fakeResolver struct {
	addrs []string
	err   error
}

func (f fakeResolver) LookupHost(ctx context.Context, host string) ([]string, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.addrs, nil
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestResolveExplicitPeersTakePrecedence(t *testing.T) {
	got := Resolve(context.Background(), []string{"10.0.0.1:7946"}, "main", fakeResolver{addrs: []string{"10.0.0.9"}}, discardLogger())
	if len(got) != 1 || got[0] != "10.0.0.1:7946" {
		t.Fatalf("expected explicit peers unchanged, got %v", got)
	}
}

func TestResolveServiceName(t *testing.T) {
	got := Resolve(context.Background(), nil, "main", fakeResolver{addrs: []string{"10.0.0.5", "10.0.0.6"}}, discardLogger())
	want := []string{"10.0.0.5:7946", "10.0.0.6:7946"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}

func TestResolveFailureYieldsNoPeers(t *testing.T) {
	got := Resolve(context.Background(), nil, "main", fakeResolver{err: errors.New("no such host")}, discardLogger())
	if got != nil {
		t.Fatalf("expected nil endpoints on resolution failure, got %v", got)
	}
}

func TestResolveNoServiceNoExplicit(t *testing.T) {
	got := Resolve(context.Background(), nil, "", fakeResolver{}, discardLogger())
	if got != nil {
		t.Fatalf("expected nil endpoints when nothing configured, got %v", got)
	}
}
