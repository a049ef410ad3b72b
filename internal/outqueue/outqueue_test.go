package outqueue

import (
	"testing"

	"github.com/coldwire/s2s/internal/identity"
	"github.com/coldwire/s2s/internal/stanza"
)

type fakeBouncer struct {
	bounced []stanza.Stanza
	kinds   []ErrorKind
}

func (f *fakeBouncer) Bounce(s stanza.Stanza, kind ErrorKind) {
	f.bounced = append(f.bounced, s)
	f.kinds = append(f.kinds, kind)
}

func TestEnqueueFIFOOrder(t *testing.T) {
	tbl := NewTable()
	route := identity.NewRouteKey("a.example", "b.example")
	tbl.Enqueue(route, stanza.Stanza{ID: "1"})
	tbl.Enqueue(route, stanza.Stanza{ID: "2"})
	tbl.Enqueue(route, stanza.Stanza{ID: "3"})

	drained := tbl.Drain(route)
	if len(drained) != 3 {
		t.Fatalf("expected 3 stanzas, got %d", len(drained))
	}
	for i, want := range []string{"1", "2", "3"} {
		if drained[i].ID != want {
			t.Fatalf("FIFO violated: position %d has id %q, want %q", i, drained[i].ID, want)
		}
	}
	if tbl.Len(route) != 0 {
		t.Fatalf("expected queue empty after drain, got %d", tbl.Len(route))
	}
}

func TestBounceRouteSkipsErrorStanzas(t *testing.T) {
	tbl := NewTable()
	route := identity.NewRouteKey("a.example", "b.example")
	tbl.Enqueue(route, stanza.Stanza{ID: "1", Type: "chat"})
	tbl.Enqueue(route, stanza.Stanza{ID: "2", Type: "error"})

	b := &fakeBouncer{}
	tbl.BounceRoute(route, ErrRemoteServerTimeout, b)

	if len(b.bounced) != 1 || b.bounced[0].ID != "1" {
		t.Fatalf("expected only non-error stanza bounced, got %+v", b.bounced)
	}
	if tbl.Len(route) != 0 {
		t.Fatal("expected queue drained after bounce")
	}
}

func TestBounceDestinationMatchesAllRoutesToDest(t *testing.T) {
	tbl := NewTable()
	r1 := identity.NewRouteKey("a.example", "p.example")
	r2 := identity.NewRouteKey("a2.example", "p.example")
	r3 := identity.NewRouteKey("a.example", "other.example")
	tbl.Enqueue(r1, stanza.Stanza{ID: "1"})
	tbl.Enqueue(r2, stanza.Stanza{ID: "2"})
	tbl.Enqueue(r3, stanza.Stanza{ID: "3"})

	b := &fakeBouncer{}
	tbl.BounceDestination("p.example", ErrRemoteConnectionFailed, b)

	if len(b.bounced) != 2 {
		t.Fatalf("expected 2 stanzas bounced for p.example, got %d", len(b.bounced))
	}
	if tbl.Len(r3) != 1 {
		t.Fatal("expected unrelated route's queue untouched")
	}
}

func TestDiscardAllClearsWithoutBounce(t *testing.T) {
	tbl := NewTable()
	route := identity.NewRouteKey("a.example", "b.example")
	tbl.Enqueue(route, stanza.Stanza{ID: "1"})
	tbl.DiscardAll()
	if tbl.Len(route) != 0 {
		t.Fatal("expected queue cleared")
	}
}

func TestRoutesOnlyListsNonEmpty(t *testing.T) {
	tbl := NewTable()
	route := identity.NewRouteKey("a.example", "b.example")
	tbl.Enqueue(route, stanza.Stanza{ID: "1"})
	tbl.Drain(route)
	if len(tbl.Routes()) != 0 {
		t.Fatalf("expected no routes after drain, got %v", tbl.Routes())
	}
}
