package observer

import (
	"context"
	"errors"
	"log/slog"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/clusterdns/clusterd/internal/registry"
)

// fakeRuntime is an in-memory RuntimeClient driven entirely by the test.
type fakeRuntime struct {
	mu      sync.Mutex
	state   map[string]containerState
	err     error
	events  chan struct{}
	errCh   chan error
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{
		state:  make(map[string]containerState),
		events: make(chan struct{}, 1),
		errCh:  make(chan error, 1),
	}
}

func (f *fakeRuntime) ContainerList(ctx context.Context, network string) (map[string]containerState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]containerState, len(f.state))
	for k, v := range f.state {
		out[k] = v
	}
	return out, nil
}

func (f *fakeRuntime) Events(ctx context.Context) (<-chan struct{}, <-chan error) {
	return f.events, f.errCh
}

func (f *fakeRuntime) Close() error { return nil }

func (f *fakeRuntime) set(name, addr string) {
	a := netip.MustParseAddr(addr)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state[name] = containerState{name: name, addr: a}
}

func (f *fakeRuntime) remove(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.state, name)
}

func (f *fakeRuntime) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestObserverPollUpsertsNewContainer(t *testing.T) {
	rt := newFakeRuntime()
	rt.set("web", "10.0.0.5")
	reg := registry.New()
	o := New(rt, reg, registry.PeerID{1}, "app-net", discardLogger())

	if err := o.poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}

	addrs := reg.Lookup("web")
	if len(addrs) != 1 || addrs[0].String() != "10.0.0.5" {
		t.Fatalf("expected web -> 10.0.0.5, got %v", addrs)
	}
}

func TestObserverPollRemovesDeparted(t *testing.T) {
	rt := newFakeRuntime()
	rt.set("web", "10.0.0.5")
	reg := registry.New()
	o := New(rt, reg, registry.PeerID{1}, "app-net", discardLogger())

	if err := o.poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	rt.remove("web")
	if err := o.poll(context.Background()); err != nil {
		t.Fatalf("second poll: %v", err)
	}

	if addrs := reg.Lookup("web"); len(addrs) != 0 {
		t.Fatalf("expected web removed, got %v", addrs)
	}
}

func TestObserverAddressChangeEmitsRemoveThenUpsert(t *testing.T) {
	rt := newFakeRuntime()
	rt.set("web", "10.0.0.5")
	reg := registry.New()
	o := New(rt, reg, registry.PeerID{1}, "app-net", discardLogger())

	if err := o.poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}
	rt.set("web", "10.0.0.6")
	if err := o.poll(context.Background()); err != nil {
		t.Fatalf("second poll: %v", err)
	}

	addrs := reg.Lookup("web")
	if len(addrs) != 1 || addrs[0].String() != "10.0.0.6" {
		t.Fatalf("expected only new address to survive, got %v", addrs)
	}
}

func TestObserverFailedPollRetainsSnapshot(t *testing.T) {
	rt := newFakeRuntime()
	rt.set("web", "10.0.0.5")
	reg := registry.New()
	o := New(rt, reg, registry.PeerID{1}, "app-net", discardLogger())

	if err := o.poll(context.Background()); err != nil {
		t.Fatalf("poll: %v", err)
	}

	rt.setErr(errors.New("daemon unreachable"))
	if err := o.poll(context.Background()); err == nil {
		t.Fatal("expected poll error")
	}

	// Bindings published before the outage must still be present.
	if addrs := reg.Lookup("web"); len(addrs) != 1 {
		t.Fatalf("expected binding retained across failed poll, got %v", addrs)
	}
}

func TestNextBackoffCapsAt30s(t *testing.T) {
	b := minBackoff
	for i := 0; i < 10; i++ {
		b = nextBackoff(b)
	}
	if b != maxBackoff {
		t.Fatalf("backoff = %v, want capped at %v", b, maxBackoff)
	}
}

func TestRunStopsOnContextCancel(t *testing.T) {
	rt := newFakeRuntime()
	reg := registry.New()
	o := New(rt, reg, registry.PeerID{1}, "app-net", discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after context cancellation")
	}
}
