package knot

import (
	"testing"

	"github.com/miekg/dns"
)

func soaWithSerial(t *testing.T, serial uint32) *dns.SOA {
	t.Helper()
	rr := mustRR(t,
		"example.com. 300 IN SOA ns1.example.com. hostmaster.example.com. 1 3600 1800 1209600 300")
	soa := rr.(*dns.SOA)
	soa.Serial = serial
	return soa
}

func TestApplyChangeset(t *testing.T) {
	base := buildContents(t, "example.com.", baseZone...)

	t.Run("AddAndRemove", func(t *testing.T) {
		cs := &ChangeSet{
			SOABefore: soaWithSerial(t, 1),
			SOAAfter:  soaWithSerial(t, 2),
			Removals: []dns.RR{
				soaWithSerial(t, 1),
				mustRR(t, "www.example.com. 300 IN A 192.0.2.1"),
			},
			Additions: []dns.RR{
				soaWithSerial(t, 2),
				mustRR(t, "www.example.com. 300 IN AAAA 2001:db8::1"),
				mustRR(t, "new.example.com. 300 IN A 192.0.2.7"),
			},
		}
		zc, err := ApplyChangeset(base, cs)
		if err != nil {
			t.Fatalf("ApplyChangeset: %v", err)
		}
		if zc.Serial != 2 {
			t.Errorf("new serial = %d, want 2", zc.Serial)
		}
		if zc.GetRRset("www.example.com.", dns.TypeA) != nil {
			t.Error("removed A rrset still present")
		}
		if zc.GetRRset("www.example.com.", dns.TypeAAAA) == nil {
			t.Error("added AAAA rrset missing")
		}
		if zc.GetRRset("new.example.com.", dns.TypeA) == nil {
			t.Error("added node missing")
		}
		// Base version is untouched.
		if base.GetRRset("www.example.com.", dns.TypeA) == nil {
			t.Error("base contents mutated by changeset")
		}
	})

	t.Run("CopyOnWriteSharing", func(t *testing.T) {
		cs := &ChangeSet{
			SOABefore: soaWithSerial(t, 1),
			SOAAfter:  soaWithSerial(t, 2),
			Removals:  []dns.RR{soaWithSerial(t, 1)},
			Additions: []dns.RR{soaWithSerial(t, 2)},
		}
		zc, err := ApplyChangeset(base, cs)
		if err != nil {
			t.Fatalf("ApplyChangeset: %v", err)
		}
		// www was untouched: its RRset store must be shared with the base.
		oldNode := base.GetOwner("www.example.com.")
		newNode := zc.GetOwner("www.example.com.")
		if oldNode.RRtypes != newNode.RRtypes {
			t.Error("untouched node's store not shared with base version")
		}
		// The apex was touched: its store must be a clone.
		if base.Apex.RRtypes == zc.Apex.RRtypes {
			t.Error("touched apex store shared with base version")
		}
	})

	t.Run("SerialNotAdvancing", func(t *testing.T) {
		cs := &ChangeSet{
			Removals:  []dns.RR{soaWithSerial(t, 1)},
			Additions: []dns.RR{soaWithSerial(t, 1)},
		}
		if _, err := ApplyChangeset(base, cs); err == nil {
			t.Error("expected ErrSerialNotAdvancing")
		}
	})

	t.Run("StaleFromSerial", func(t *testing.T) {
		cs := &ChangeSet{
			SOABefore: soaWithSerial(t, 7),
			Additions: []dns.RR{soaWithSerial(t, 8)},
		}
		if _, err := ApplyChangeset(base, cs); err == nil {
			t.Error("expected precondition failure on stale from-serial")
		}
	})

	t.Run("RemovingApexSOA", func(t *testing.T) {
		cs := &ChangeSet{
			SOABefore: soaWithSerial(t, 1),
			Removals:  []dns.RR{soaWithSerial(t, 1)},
		}
		if _, err := ApplyChangeset(base, cs); err == nil {
			t.Error("expected ErrConstraintViolation for SOA removal")
		}
	})

	t.Run("EmptyNodePruned", func(t *testing.T) {
		cs := &ChangeSet{
			SOABefore: soaWithSerial(t, 1),
			SOAAfter:  soaWithSerial(t, 2),
			Removals: []dns.RR{
				soaWithSerial(t, 1),
				mustRR(t, "www.example.com. 300 IN A 192.0.2.1"),
			},
			Additions: []dns.RR{soaWithSerial(t, 2)},
		}
		zc, err := ApplyChangeset(base, cs)
		if err != nil {
			t.Fatalf("ApplyChangeset: %v", err)
		}
		if zc.GetOwner("www.example.com.") != nil {
			t.Error("empty leaf node should have been pruned")
		}
	})
}

func TestSerialArithmetic(t *testing.T) {
	cases := []struct {
		a, b uint32
		want bool
	}{
		{1, 2, true},
		{2, 1, false},
		{1, 1, false},
		{4294967290, 5, true}, // wraparound
		{5, 4294967290, false},
	}
	for _, tc := range cases {
		if got := serialAdvances(tc.a, tc.b); got != tc.want {
			t.Errorf("serialAdvances(%d, %d) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

// TestDiffContents: the diff between two zone versions, applied to the
// first, reproduces the second.
func TestDiffContents(t *testing.T) {
	base := buildContents(t, "example.com.", baseZone...)
	next := buildContents(t, "example.com.",
		"example.com. 300 IN SOA ns1.example.com. hostmaster.example.com. 2 3600 1800 1209600 300",
		"example.com. 300 IN NS ns1.example.com.",
		"ns1.example.com. 300 IN A 192.0.2.53",
		"www.example.com. 300 IN AAAA 2001:db8::1", // A replaced by AAAA
		"new.example.com. 300 IN A 192.0.2.7",      // added owner
	)

	cs := DiffContents(base, next)
	if cs.FromSerial != 1 || cs.ToSerial != 2 {
		t.Errorf("serial window = %d -> %d, want 1 -> 2", cs.FromSerial, cs.ToSerial)
	}

	removed := map[string]bool{}
	for _, rr := range cs.Removals {
		removed[rr.String()] = true
	}
	if !removed[mustRR(t, "www.example.com. 300 IN A 192.0.2.1").String()] {
		t.Errorf("diff misses the removed A record: %v", cs.Removals)
	}

	applied, err := ApplyChangeset(base, cs)
	if err != nil {
		t.Fatalf("ApplyChangeset(diff): %v", err)
	}
	if applied.Serial != 2 {
		t.Errorf("applied serial = %d, want 2", applied.Serial)
	}
	if applied.GetRRset("www.example.com.", dns.TypeA) != nil {
		t.Error("diff application kept the replaced A rrset")
	}
	if applied.GetRRset("www.example.com.", dns.TypeAAAA) == nil {
		t.Error("diff application misses the AAAA rrset")
	}
	if applied.GetRRset("new.example.com.", dns.TypeA) == nil {
		t.Error("diff application misses the added owner")
	}
}

// TestUpdateVisibility: after a sequence of updates with no concurrent
// readers, a new reader sees exactly the final version.
func TestUpdateVisibility(t *testing.T) {
	zc := buildContents(t, "example.com.", baseZone...)
	zd := testZoneData(t, zc)

	for serial := uint32(1); serial < 4; serial++ {
		cs := &ChangeSet{
			SOABefore: soaWithSerial(t, serial),
			SOAAfter:  soaWithSerial(t, serial+1),
			Removals:  []dns.RR{soaWithSerial(t, serial)},
			Additions: []dns.RR{soaWithSerial(t, serial + 1)},
		}
		if err := zd.Update(cs); err != nil {
			t.Fatalf("Update to %d: %v", serial+1, err)
		}
	}

	got, release := zd.AcquireContents()
	defer release()
	if got.Serial != 4 {
		t.Errorf("reader sees serial %d, want 4", got.Serial)
	}
}
