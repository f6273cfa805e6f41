package transport

import (
	"testing"
	"time"
)

func TestShouldReplace(t *testing.T) {
	now := time.Now()
	base := PathEntry{Hops: 3, Timestamp: now, Expiry: now.Add(time.Hour)}

	cases := []struct {
		name       string
		hadOld     bool
		newHops    uint8
		newTS      time.Time
		expireNow  time.Time
		wantReplace bool
	}{
		{"no existing entry", false, 5, now, now, true},
		{"fewer hops wins", true, 2, now, now, true},
		{"more hops loses", true, 4, now.Add(time.Minute), now, false},
		{"same hops, newer timestamp wins", true, 3, now.Add(time.Second), now, true},
		{"same hops, older timestamp loses", true, 3, now.Add(-time.Second), now, false},
		{"expired old entry always replaced", true, 9, now.Add(-time.Hour), now.Add(2 * time.Hour), true},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := shouldReplace(base, c.hadOld, c.newHops, c.newTS, c.expireNow)
			if got != c.wantReplace {
				t.Fatalf("shouldReplace() = %v, want %v", got, c.wantReplace)
			}
		})
	}
}

func TestPathTableUpdateAndLookup(t *testing.T) {
	pt := newPathTable()
	now := time.Now()
	var dest [16]byte
	dest[0] = 1

	ok := pt.update(dest, PathEntry{Hops: 4, Timestamp: now, Expiry: now.Add(time.Hour)}, now)
	if !ok {
		t.Fatal("expected first insert to be accepted")
	}
	e, found := pt.lookup(dest)
	if !found || e.Hops != 4 {
		t.Fatalf("lookup = %+v, found=%v", e, found)
	}

	// worse candidate rejected
	ok = pt.update(dest, PathEntry{Hops: 6, Timestamp: now.Add(time.Second), Expiry: now.Add(time.Hour)}, now)
	if ok {
		t.Fatal("worse candidate should have been rejected")
	}

	// better candidate accepted
	ok = pt.update(dest, PathEntry{Hops: 1, Timestamp: now, Expiry: now.Add(time.Hour)}, now)
	if !ok {
		t.Fatal("better candidate should have been accepted")
	}
	e, _ = pt.lookup(dest)
	if e.Hops != 1 {
		t.Fatalf("hops = %d, want 1", e.Hops)
	}
}

func TestPathTableCull(t *testing.T) {
	pt := newPathTable()
	now := time.Now()
	var live, dead [16]byte
	live[0], dead[0] = 1, 2

	pt.update(live, PathEntry{Hops: 1, Expiry: now.Add(time.Hour)}, now)
	pt.update(dead, PathEntry{Hops: 1, Expiry: now.Add(-time.Minute)}, now)

	n := pt.cull(now)
	if n != 1 {
		t.Fatalf("cull removed %d entries, want 1", n)
	}
	if _, ok := pt.lookup(dead); ok {
		t.Fatal("expired entry survived cull")
	}
	if _, ok := pt.lookup(live); !ok {
		t.Fatal("live entry was culled")
	}
}

func TestPathTableRestoreDropsExpired(t *testing.T) {
	pt := newPathTable()
	now := time.Now()
	var live, dead [16]byte
	live[0], dead[0] = 1, 2

	pt.restore(map[[16]byte]PathEntry{
		live: {Hops: 1, Expiry: now.Add(time.Hour)},
		dead: {Hops: 1, Expiry: now.Add(-time.Hour)},
	}, now)

	if _, ok := pt.lookup(live); !ok {
		t.Fatal("live entry missing after restore")
	}
	if _, ok := pt.lookup(dead); ok {
		t.Fatal("expired entry survived restore")
	}
}
