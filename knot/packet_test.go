package knot

import (
	"testing"

	"github.com/miekg/dns"
)

func TestResponseSections(t *testing.T) {
	req := testQuery("www.example.com.", dns.TypeA, false)

	t.Run("MonotonicAdvance", func(t *testing.T) {
		resp := NewResponse(req, 0)
		if err := resp.Begin(SectionAnswer); err != nil {
			t.Fatalf("Begin(ANSWER): %v", err)
		}
		if err := resp.Begin(SectionAdditional); err != nil {
			t.Fatalf("Begin(ADDITIONAL), skipping AUTHORITY: %v", err)
		}
		if err := resp.Begin(SectionAnswer); err == nil {
			t.Error("Begin must not retreat from ADDITIONAL to ANSWER")
		}
	})

	t.Run("PutIntoSections", func(t *testing.T) {
		resp := NewResponse(req, 0)
		resp.Begin(SectionAnswer)
		a := RRset{RRs: []dns.RR{mustRR(t, "www.example.com. 300 IN A 192.0.2.1")}}
		resp.Put(&a, 0, false)
		resp.Begin(SectionAuthority)
		soa := RRset{RRs: []dns.RR{mustRR(t,
			"example.com. 300 IN SOA ns1.example.com. hostmaster.example.com. 1 3600 1800 1209600 300")}}
		resp.Put(&soa, 0, false)

		m := resp.Finalize()
		if len(m.Answer) != 1 || len(m.Ns) != 1 || len(m.Extra) != 0 {
			t.Errorf("sections = %d/%d/%d, want 1/1/0", len(m.Answer), len(m.Ns), len(m.Extra))
		}
	})

	t.Run("CheckDup", func(t *testing.T) {
		resp := NewResponse(req, 0)
		resp.Begin(SectionAnswer)
		a := RRset{RRs: []dns.RR{mustRR(t, "www.example.com. 300 IN A 192.0.2.1")}}
		resp.Put(&a, RRsetCheckDup, false)
		resp.Put(&a, RRsetCheckDup, false)
		if m := resp.Finalize(); len(m.Answer) != 1 {
			t.Errorf("duplicate suppressed put wrote %d RRs", len(m.Answer))
		}
	})

	t.Run("FrozenRejectsPut", func(t *testing.T) {
		resp := NewResponse(req, 0)
		resp.Finalize()
		if err := resp.Begin(SectionAnswer); err == nil {
			t.Error("Begin after Finalize must fail")
		}
	})
}

// TestResponseTruncation checks the section-dropping policy: on overflow,
// ADDITIONAL goes first (keeping OPT), then AUTHORITY, then ANSWER, with
// TC set as soon as anything is dropped.
func TestResponseTruncation(t *testing.T) {
	req := testQuery("www.example.com.", dns.TypeTXT, false)

	bigTxt := func(owner string, n int) []dns.RR {
		var rrs []dns.RR
		payload := ""
		for i := 0; i < 200; i++ {
			payload += "x"
		}
		for i := 0; i < n; i++ {
			rrs = append(rrs, &dns.TXT{
				Hdr: dns.RR_Header{Name: owner, Rrtype: dns.TypeTXT,
					Class: dns.ClassINET, Ttl: 300},
				Txt: []string{payload},
			})
		}
		return rrs
	}

	t.Run("AdditionalDroppedFirst", func(t *testing.T) {
		resp := NewResponse(req, 512)
		resp.Begin(SectionAnswer)
		resp.PutRRs(bigTxt("www.example.com.", 1), 0)
		resp.Begin(SectionAdditional)
		resp.PutRRs(bigTxt("glue.example.com.", 2), 0)
		resp.PutOpt(1232, false)

		m := resp.Finalize()
		if !m.Truncated {
			t.Error("TC not set after dropping additional")
		}
		if len(m.Answer) != 1 {
			t.Error("answer dropped although dropping additional sufficed")
		}
		// Only the OPT survives in ADDITIONAL.
		if len(m.Extra) != 1 || m.Extra[0].Header().Rrtype != dns.TypeOPT {
			t.Errorf("additional after truncation: %v", m.Extra)
		}
	})

	t.Run("AnswerDroppedLast", func(t *testing.T) {
		resp := NewResponse(req, 512)
		resp.Begin(SectionAnswer)
		resp.PutRRs(bigTxt("www.example.com.", 4), 0)

		m := resp.Finalize()
		if !m.Truncated {
			t.Error("TC not set although answer did not fit")
		}
		if len(m.Answer) != 0 {
			t.Errorf("answer kept %d RRs over budget", len(m.Answer))
		}
	})

	t.Run("FitsNoTC", func(t *testing.T) {
		resp := NewResponse(req, 4096)
		resp.Begin(SectionAnswer)
		resp.PutRRs(bigTxt("www.example.com.", 2), 0)
		if m := resp.Finalize(); m.Truncated {
			t.Error("TC set although message fits")
		}
	})
}

func TestValidateQuery(t *testing.T) {
	t.Run("Clean", func(t *testing.T) {
		m := testQuery("www.example.com.", dns.TypeA, true)
		if err := ValidateQuery(m); err != nil {
			t.Errorf("ValidateQuery on clean query: %v", err)
		}
	})

	t.Run("NoQuestion", func(t *testing.T) {
		m := new(dns.Msg)
		if err := ValidateQuery(m); err == nil {
			t.Error("zero questions must be malformed")
		}
	})

	t.Run("TwoOPTs", func(t *testing.T) {
		m := testQuery("www.example.com.", dns.TypeA, true)
		opt := new(dns.OPT)
		opt.Hdr.Name = "."
		opt.Hdr.Rrtype = dns.TypeOPT
		m.Extra = append(m.Extra, opt)
		if err := ValidateQuery(m); err == nil {
			t.Error("two OPT records must be malformed")
		}
	})

	t.Run("TsigNotLast", func(t *testing.T) {
		m := testQuery("www.example.com.", dns.TypeA, false)
		tsig := &dns.TSIG{
			Hdr:       dns.RR_Header{Name: "key.", Rrtype: dns.TypeTSIG, Class: dns.ClassANY},
			Algorithm: dns.HmacSHA256,
		}
		m.Extra = append(m.Extra, tsig)
		m.Extra = append(m.Extra, mustRR(t, "glue.example.com. 300 IN A 192.0.2.9"))
		if err := ValidateQuery(m); err == nil {
			t.Error("TSIG not in last position must be malformed")
		}
	})

	t.Run("TsigLastOK", func(t *testing.T) {
		m := testQuery("www.example.com.", dns.TypeA, false)
		tsig := &dns.TSIG{
			Hdr:       dns.RR_Header{Name: "key.", Rrtype: dns.TypeTSIG, Class: dns.ClassANY},
			Algorithm: dns.HmacSHA256,
		}
		m.Extra = append(m.Extra, tsig)
		if err := ValidateQuery(m); err != nil {
			t.Errorf("TSIG in last position rejected: %v", err)
		}
	})
}

// TestPacketRoundTrip: the response packer emits through RRset.ToWire;
// unpacking its output reproduces the message, in canonical rdata order.
func TestPacketRoundTrip(t *testing.T) {
	req := testQuery("www.example.com.", dns.TypeA, true)
	resp := NewResponse(req, 0)
	resp.Msg.Authoritative = true
	resp.Begin(SectionAnswer)
	resp.Put(&RRset{Name: "www.example.com.", RRtype: dns.TypeA, RRs: []dns.RR{
		mustRR(t, "www.example.com. 300 IN A 192.0.2.9"),
		mustRR(t, "www.example.com. 300 IN A 192.0.2.1"),
	}}, RRsetCompressible, false)
	resp.Begin(SectionAuthority)
	resp.Put(&RRset{Name: "example.com.", RRtype: dns.TypeNS, RRs: []dns.RR{
		mustRR(t, "example.com. 300 IN NS ns1.example.com."),
	}}, RRsetCompressible, false)
	resp.Begin(SectionAdditional)
	resp.Put(&RRset{Name: "ns1.example.com.", RRtype: dns.TypeA, RRs: []dns.RR{
		mustRR(t, "ns1.example.com. 300 IN A 192.0.2.53"),
	}}, RRsetCompressible, false)
	resp.PutOpt(1232, true)
	m := resp.Finalize()

	wire, err := resp.Pack()
	if err != nil {
		t.Fatalf("Pack: %v", err)
	}
	var back dns.Msg
	if err := back.Unpack(wire); err != nil {
		t.Fatalf("Unpack: %v", err)
	}

	if back.Id != m.Id || !back.Response || !back.Authoritative {
		t.Error("header bits lost in round trip")
	}
	if len(back.Answer) != len(m.Answer) || len(back.Ns) != len(m.Ns) ||
		len(back.Extra) != len(m.Extra) {
		t.Fatalf("section counts changed: %d/%d/%d vs %d/%d/%d",
			len(back.Answer), len(back.Ns), len(back.Extra),
			len(m.Answer), len(m.Ns), len(m.Extra))
	}
	for i := range m.Answer {
		if m.Answer[i].String() != back.Answer[i].String() {
			t.Errorf("answer RR %d changed: %s vs %s", i, m.Answer[i], back.Answer[i])
		}
	}
	// Canonical rdata order on the wire.
	if back.Answer[0].(*dns.A).A.String() != "192.0.2.1" {
		t.Errorf("answer not in canonical rdata order: %v", back.Answer)
	}
	// Property: header counts equal the records actually written.
	if int(wire[6])<<8|int(wire[7]) != len(m.Answer) {
		t.Error("ANCOUNT does not match records written")
	}
}

// TestPackCompression: the COMPRESSIBLE flag governs name compression, so
// the same records pack smaller with the flag than without.
func TestPackCompression(t *testing.T) {
	build := func(flags RRsetFlags) []byte {
		req := testQuery("a-rather-long-label.example.com.", dns.TypeNS, false)
		resp := NewResponse(req, 0)
		resp.Begin(SectionAnswer)
		resp.Put(&RRset{Name: "a-rather-long-label.example.com.", RRtype: dns.TypeNS, RRs: []dns.RR{
			mustRR(t, "a-rather-long-label.example.com. 300 IN NS ns1.a-rather-long-label.example.com."),
			mustRR(t, "a-rather-long-label.example.com. 300 IN NS ns2.a-rather-long-label.example.com."),
		}}, flags, false)
		resp.Finalize()
		wire, err := resp.Pack()
		if err != nil {
			t.Fatalf("Pack: %v", err)
		}
		return wire
	}

	compressed := build(RRsetCompressible)
	plain := build(0)
	if len(compressed) >= len(plain) {
		t.Errorf("compressible pack (%d bytes) not smaller than plain (%d bytes)",
			len(compressed), len(plain))
	}
	var back dns.Msg
	if err := back.Unpack(compressed); err != nil {
		t.Fatalf("Unpack compressed: %v", err)
	}
	if len(back.Answer) != 2 {
		t.Errorf("compressed message lost records: %v", back.Answer)
	}
}

// TestPackAfterTruncation: Pack and the message agree after a section drop.
func TestPackAfterTruncation(t *testing.T) {
	req := testQuery("www.example.com.", dns.TypeTXT, false)
	resp := NewResponse(req, 512)
	resp.Begin(SectionAnswer)
	payload := ""
	for i := 0; i < 200; i++ {
		payload += "x"
	}
	resp.Put(&RRset{Name: "www.example.com.", RRtype: dns.TypeTXT, RRs: []dns.RR{
		&dns.TXT{Hdr: dns.RR_Header{Name: "www.example.com.", Rrtype: dns.TypeTXT,
			Class: dns.ClassINET, Ttl: 300}, Txt: []string{payload}},
	}}, 0, false)
	resp.Begin(SectionAdditional)
	for i := 0; i < 2; i++ {
		resp.Put(&RRset{Name: "glue.example.com.", RRtype: dns.TypeTXT, RRs: []dns.RR{
			&dns.TXT{Hdr: dns.RR_Header{Name: "glue.example.com.", Rrtype: dns.TypeTXT,
				Class: dns.ClassINET, Ttl: 300}, Txt: []string{payload, string(rune('a' + i))}},
		}}, 0, false)
	}
	m := resp.Finalize()
	if !m.Truncated {
		t.Fatal("TC not set")
	}

	wire, err := resp.Pack()
	if err != nil {
		t.Fatalf("Pack after truncation: %v", err)
	}
	var back dns.Msg
	if err := back.Unpack(wire); err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	if len(back.Answer) != len(m.Answer) || len(back.Extra) != len(m.Extra) {
		t.Errorf("packed sections (%d/%d) disagree with message (%d/%d)",
			len(back.Answer), len(back.Extra), len(m.Answer), len(m.Extra))
	}
}
