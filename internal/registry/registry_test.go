package registry

import (
	"net/netip"
	"testing"
	"time"
)

func mustAddr(t *testing.T, s string) netip.Addr {
	t.Helper()
	a, err := netip.ParseAddr(s)
	if err != nil {
		t.Fatalf("parsing %q: %v", s, err)
	}
	return a
}

func TestApplyIdempotent(t *testing.T) {
	r := New()
	origin := PeerID{1}
	m := Mutation{Kind: Upsert, Name: "web", Addr: mustAddr(t, "10.0.0.5"), Origin: origin, TS: 1}

	if got := r.Apply(m); got != Accepted {
		t.Fatalf("first apply: got %s, want accepted", got)
	}
	if got := r.Apply(m); got != IgnoredDuplicate {
		t.Fatalf("repeat apply: got %s, want ignored-duplicate", got)
	}
	if addrs := r.Lookup("web"); len(addrs) != 1 || addrs[0] != m.Addr {
		t.Fatalf("lookup after duplicate apply: got %v", addrs)
	}
}

func TestApplyStaleUpsertIgnored(t *testing.T) {
	r := New()
	origin := PeerID{2}
	addr := mustAddr(t, "10.0.0.5")

	r.Apply(Mutation{Kind: Upsert, Name: "web", Addr: addr, Origin: origin, TS: 10})
	if got := r.Apply(Mutation{Kind: Upsert, Name: "web", Addr: addr, Origin: origin, TS: 5}); got != IgnoredStale {
		t.Fatalf("stale upsert: got %s, want ignored-stale", got)
	}
	addrs := r.Lookup("web")
	if len(addrs) != 1 || addrs[0] != addr {
		t.Fatalf("state corrupted by stale upsert: %v", addrs)
	}
}

func TestRemoveThenUpsertNewer(t *testing.T) {
	r := New()
	origin := PeerID{3}
	addr := mustAddr(t, "10.0.0.7")

	r.Apply(Mutation{Kind: Remove, Name: "api", Addr: addr, Origin: origin, TS: 50})
	if got := r.Apply(Mutation{Kind: Upsert, Name: "api", Addr: addr, Origin: origin, TS: 100}); got != Accepted {
		t.Fatalf("upsert after unseen remove: got %s", got)
	}
	addrs := r.Lookup("api")
	if len(addrs) != 1 || addrs[0] != addr {
		t.Fatalf("expected binding present after newer upsert, got %v", addrs)
	}
}

func TestAddressChangeEvictsStale(t *testing.T) {
	r := New()
	origin := PeerID{4}
	old := mustAddr(t, "10.0.0.7")
	next := mustAddr(t, "10.0.0.8")

	r.Apply(Mutation{Kind: Upsert, Name: "api", Addr: old, Origin: origin, TS: 100})
	r.Apply(Mutation{Kind: Remove, Name: "api", Addr: old, Origin: origin, TS: 200})
	r.Apply(Mutation{Kind: Upsert, Name: "api", Addr: next, Origin: origin, TS: 200})

	addrs := r.Lookup("api")
	if len(addrs) != 1 || addrs[0] != next {
		t.Fatalf("expected only new address to survive, got %v", addrs)
	}
}

func TestSameNameTwoOrigins(t *testing.T) {
	r := New()
	a := mustAddr(t, "10.0.0.1")
	b := mustAddr(t, "10.0.0.2")

	r.Apply(Mutation{Kind: Upsert, Name: "db", Addr: a, Origin: PeerID{1}, TS: 1})
	r.Apply(Mutation{Kind: Upsert, Name: "db", Addr: b, Origin: PeerID{2}, TS: 1})

	addrs := r.Lookup("db")
	if len(addrs) != 2 || addrs[0] != a || addrs[1] != b {
		t.Fatalf("expected [a b] sorted ascending, got %v", addrs)
	}
}

func TestLookupOrdersV4BeforeV6(t *testing.T) {
	r := New()
	v6 := mustAddr(t, "::1")
	v4 := mustAddr(t, "10.0.0.1")

	r.Apply(Mutation{Kind: Upsert, Name: "mixed", Addr: v6, Origin: PeerID{1}, TS: 1})
	r.Apply(Mutation{Kind: Upsert, Name: "mixed", Addr: v4, Origin: PeerID{2}, TS: 1})

	addrs := r.Lookup("mixed")
	if len(addrs) != 2 || addrs[0] != v4 || addrs[1] != v6 {
		t.Fatalf("expected v4 before v6, got %v", addrs)
	}
}

func TestLookupCaseInsensitiveAndEmpty(t *testing.T) {
	r := New()
	addr := mustAddr(t, "10.0.0.1")
	r.Apply(Mutation{Kind: Upsert, Name: "Web", Addr: addr, Origin: PeerID{1}, TS: 1})

	if addrs := r.Lookup("web"); len(addrs) != 1 {
		t.Fatalf("expected case-insensitive match, got %v", addrs)
	}
	if addrs := r.Lookup("nothing"); len(addrs) != 0 {
		t.Fatalf("expected empty result for absent name, got %v", addrs)
	}
}

func TestRemovePrunesEmptyName(t *testing.T) {
	r := New()
	addr := mustAddr(t, "10.0.0.1")
	origin := PeerID{1}

	r.Apply(Mutation{Kind: Upsert, Name: "solo", Addr: addr, Origin: origin, TS: 1})
	r.Apply(Mutation{Kind: Remove, Name: "solo", Addr: addr, Origin: origin, TS: 2})

	snap := r.Snapshot()
	for _, b := range snap {
		if b.Name == "solo" {
			t.Fatalf("expected name pruned from snapshot, found %+v", b)
		}
	}
}

func TestSubscribeDeliversAcceptedOnly(t *testing.T) {
	r := New()
	sub := r.Subscribe(4)
	addr := mustAddr(t, "10.0.0.1")
	origin := PeerID{1}

	r.Apply(Mutation{Kind: Upsert, Name: "web", Addr: addr, Origin: origin, TS: 1})
	r.Apply(Mutation{Kind: Upsert, Name: "web", Addr: addr, Origin: origin, TS: 1}) // duplicate, must not be delivered

	select {
	case m := <-sub.Mutations():
		if m.Name != "web" || m.TS != 1 {
			t.Fatalf("unexpected mutation: %+v", m)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a delivered mutation")
	}

	select {
	case m := <-sub.Mutations():
		t.Fatalf("did not expect a second mutation, got %+v", m)
	default:
	}
}

func TestSubscribeOverflowDisconnects(t *testing.T) {
	r := New()
	sub := r.Subscribe(1)
	origin := PeerID{1}

	r.Apply(Mutation{Kind: Upsert, Name: "a", Addr: mustAddr(t, "10.0.0.1"), Origin: origin, TS: 1})
	r.Apply(Mutation{Kind: Upsert, Name: "b", Addr: mustAddr(t, "10.0.0.2"), Origin: origin, TS: 1})

	select {
	case <-sub.Done():
	case <-time.After(time.Second):
		t.Fatal("expected subscriber to be disconnected on overflow")
	}
}

func TestResubscribeReplacesPrevious(t *testing.T) {
	r := New()
	first := r.Subscribe(4)
	second := r.Subscribe(4)

	select {
	case <-first.Done():
	case <-time.After(time.Second):
		t.Fatal("expected first subscription to be closed by resubscribe")
	}

	r.Apply(Mutation{Kind: Upsert, Name: "web", Addr: mustAddr(t, "10.0.0.1"), Origin: PeerID{1}, TS: 1})
	select {
	case <-second.Mutations():
	case <-time.After(time.Second):
		t.Fatal("expected second subscription to receive the mutation")
	}
}
