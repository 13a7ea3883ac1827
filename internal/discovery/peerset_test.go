package discovery

import "testing"

func TestPeerSet_FirstSeenOrdering(t *testing.T) {
	set := newPeerSet()
	set.Up(Service{Name: "alpha", Port: 1})
	set.Up(Service{Name: "beta", Port: 2})
	set.Up(Service{Name: "gamma", Port: 3})

	got := set.Snapshot()
	if len(got) != 3 {
		t.Fatalf("len: %d", len(got))
	}
	for i, want := range []string{"alpha", "beta", "gamma"} {
		if got[i].Name != want {
			t.Fatalf("position %d: %s", i, got[i].Name)
		}
	}
}

func TestPeerSet_RepeatRefreshesInPlace(t *testing.T) {
	set := newPeerSet()
	set.Up(Service{Name: "alpha", Port: 1})
	set.Up(Service{Name: "beta", Port: 2})
	set.Up(Service{Name: "alpha", Port: 99})

	got := set.Snapshot()
	if len(got) != 2 {
		t.Fatalf("len: %d", len(got))
	}
	if got[0].Name != "alpha" || got[0].Port != 99 {
		t.Fatalf("refreshed entry: %+v", got[0])
	}
}

func TestPeerSet_DownRemovesByName(t *testing.T) {
	set := newPeerSet()
	set.Up(Service{Name: "alpha"})
	set.Up(Service{Name: "beta"})
	set.Down("alpha")
	set.Down("missing") // no-op

	got := set.Snapshot()
	if len(got) != 1 || got[0].Name != "beta" {
		t.Fatalf("snapshot: %+v", got)
	}
}

func TestPeerSet_SnapshotIsCopy(t *testing.T) {
	set := newPeerSet()
	set.Up(Service{Name: "alpha"})

	snap := set.Snapshot()
	snap[0].Name = "mutated"

	if set.Snapshot()[0].Name != "alpha" {
		t.Fatal("snapshot aliases internal state")
	}
}
