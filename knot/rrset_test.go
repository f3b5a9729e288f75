package knot

import (
	"testing"

	"github.com/miekg/dns"
)

func TestMergeRRsets(t *testing.T) {
	a := &RRset{Name: "www.example.com.", RRtype: dns.TypeA, RRs: []dns.RR{
		mustRR(t, "www.example.com. 300 IN A 192.0.2.1"),
		mustRR(t, "www.example.com. 300 IN A 192.0.2.2"),
	}}
	b := &RRset{Name: "www.example.com.", RRtype: dns.TypeA, RRs: []dns.RR{
		mustRR(t, "www.example.com. 60 IN A 192.0.2.2"), // dup, lower TTL
		mustRR(t, "www.example.com. 300 IN A 192.0.2.3"),
	}}

	merged, dups := MergeRRsets(a, b)
	if len(merged.RRs) != 3 {
		t.Errorf("merged set has %d RRs, want 3", len(merged.RRs))
	}
	if dups != 1 {
		t.Errorf("duplicates removed = %d, want 1", dups)
	}
	for _, rr := range merged.RRs {
		if rr.Header().Ttl != 60 {
			t.Errorf("TTL not normalised to minimum: %d", rr.Header().Ttl)
		}
	}
}

func TestRRsetAddRemove(t *testing.T) {
	rrset := &RRset{Name: "www.example.com.", RRtype: dns.TypeA}

	if !rrset.AddRR(mustRR(t, "www.example.com. 300 IN A 192.0.2.1")) {
		t.Error("first add reported no change")
	}
	if rrset.AddRR(mustRR(t, "WWW.example.com. 300 IN A 192.0.2.1")) {
		t.Error("case-folded duplicate not detected")
	}
	if !rrset.RemoveRR(mustRR(t, "www.example.com. 999 IN A 192.0.2.1")) {
		t.Error("remove with different TTL should still match")
	}
	if len(rrset.RRs) != 0 {
		t.Errorf("set not empty after removal: %v", rrset.RRs)
	}
}

func TestSortCanonical(t *testing.T) {
	rrset := &RRset{Name: "www.example.com.", RRtype: dns.TypeA, RRs: []dns.RR{
		mustRR(t, "www.example.com. 300 IN A 192.0.2.9"),
		mustRR(t, "www.example.com. 300 IN A 192.0.2.1"),
		mustRR(t, "www.example.com. 300 IN A 10.0.0.1"),
	}}
	rrset.SortCanonical()
	want := []string{"10.0.0.1", "192.0.2.1", "192.0.2.9"}
	for i, rr := range rrset.RRs {
		if got := rr.(*dns.A).A.String(); got != want[i] {
			t.Errorf("position %d: %s, want %s", i, got, want[i])
		}
	}
}

func TestRdataFieldIter(t *testing.T) {
	t.Run("MX", func(t *testing.T) {
		wire, err := packRR(mustRR(t, "x.example.com. 300 IN MX 10 mail.example.com."))
		if err != nil {
			t.Fatal(err)
		}
		rdata := wire[WireLen("x.example.com.")+10:]
		fields, err := RdataFieldIter(dns.TypeMX, rdata)
		if err != nil {
			t.Fatalf("RdataFieldIter: %v", err)
		}
		if len(fields) != 2 || fields[0].Kind != FieldUint16 || fields[1].Kind != FieldCompressedName {
			t.Errorf("MX fields = %+v", fields)
		}
	})

	t.Run("UnknownTypeOpaque", func(t *testing.T) {
		fields, err := RdataFieldIter(65280, []byte{1, 2, 3})
		if err != nil || len(fields) != 1 || fields[0].Kind != FieldOpaque {
			t.Errorf("unknown type fields = %+v, %v", fields, err)
		}
	})

	t.Run("TruncatedRdata", func(t *testing.T) {
		if _, err := RdataFieldIter(dns.TypeMX, []byte{0}); err == nil {
			t.Error("truncated rdata should be malformed")
		}
	})
}

func TestCanonicalRdata(t *testing.T) {
	a, err := canonicalRdata(mustRR(t, "x.example.com. 300 IN NS NS1.EXAMPLE.COM."))
	if err != nil {
		t.Fatal(err)
	}
	b, err := canonicalRdata(mustRR(t, "x.example.com. 300 IN NS ns1.example.com."))
	if err != nil {
		t.Fatal(err)
	}
	if string(a) != string(b) {
		t.Error("canonical rdata differs for case-folded dname fields")
	}
}
