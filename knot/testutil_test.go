package knot

import (
	"crypto/ed25519"
	"log"
	"net"
	"testing"

	"github.com/miekg/dns"
)

// Shared test plumbing: zone builders, a capturing ResponseWriter and
// throwaway signing keys.

func mustRR(t *testing.T, s string) dns.RR {
	t.Helper()
	rr, err := dns.NewRR(s)
	if err != nil {
		t.Fatalf("NewRR(%q): %v", s, err)
	}
	return rr
}

func buildContents(t *testing.T, origin string, records ...string) *ZoneContents {
	t.Helper()
	zc := NewZoneContents(origin)
	for _, s := range records {
		if err := zc.InsertRR(mustRR(t, s)); err != nil {
			t.Fatalf("InsertRR(%q): %v", s, err)
		}
	}
	if err := zc.Adjust(); err != nil {
		t.Fatalf("Adjust: %v", err)
	}
	return zc
}

func testZoneData(t *testing.T, zc *ZoneContents) *ZoneData {
	t.Helper()
	zd := &ZoneData{
		ZoneName: zc.Origin,
		ZoneType: Primary,
		Options:  map[ZoneOption]bool{},
		Logger:   log.Default(),
	}
	if err := zd.Publish(zc); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	zd.RefreshCount = 1
	return zd
}

var baseZone = []string{
	"example.com. 300 IN SOA ns1.example.com. hostmaster.example.com. 1 3600 1800 1209600 300",
	"example.com. 300 IN NS ns1.example.com.",
	"ns1.example.com. 300 IN A 192.0.2.53",
	"www.example.com. 300 IN A 192.0.2.1",
}

// testWriter captures the written response instead of sending it.
type testWriter struct {
	msg     *dns.Msg
	network string
}

func (w *testWriter) LocalAddr() net.Addr {
	if w.network == "tcp" {
		return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 53}
	}
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 53}
}

func (w *testWriter) RemoteAddr() net.Addr {
	if w.network == "tcp" {
		return &net.TCPAddr{IP: net.IPv4(192, 0, 2, 99), Port: 4711}
	}
	return &net.UDPAddr{IP: net.IPv4(192, 0, 2, 99), Port: 4711}
}

func (w *testWriter) WriteMsg(m *dns.Msg) error { w.msg = m; return nil }

// Write captures the raw-packed path the responder uses for unsigned
// replies; unpacking here means every query test checks real wire output.
func (w *testWriter) Write(b []byte) (int, error) {
	m := new(dns.Msg)
	if err := m.Unpack(b); err != nil {
		return 0, err
	}
	w.msg = m
	return len(b), nil
}
func (w *testWriter) Close() error                { return nil }
func (w *testWriter) TsigStatus() error           { return nil }
func (w *testWriter) TsigTimersOnly(bool)         {}
func (w *testWriter) Hijack()                     {}

func testQuery(qname string, qtype uint16, do bool) *dns.Msg {
	m := new(dns.Msg)
	m.SetQuestion(qname, qtype)
	if do {
		m.SetEdns0(dns.DefaultMsgSize, true)
	}
	return m
}

// testKeys generates a throwaway ED25519 key pair usable as both KSK and ZSK.
func testKeys(t *testing.T, origin string) *DnssecKeys {
	t.Helper()
	key := &dns.DNSKEY{
		Hdr: dns.RR_Header{Name: origin, Rrtype: dns.TypeDNSKEY,
			Class: dns.ClassINET, Ttl: 300},
		Flags:     257,
		Protocol:  3,
		Algorithm: dns.ED25519,
	}
	priv, err := key.Generate(256)
	if err != nil {
		t.Fatalf("DNSKEY.Generate: %v", err)
	}
	sk := &SigningKey{
		Signer:    priv.(ed25519.PrivateKey),
		DnskeyRR:  key,
		Algorithm: dns.ED25519,
		KeyId:     key.KeyTag(),
		KSK:       true,
	}
	return &DnssecKeys{KSKs: []*SigningKey{sk}, ZSKs: []*SigningKey{sk}}
}

// signedContents builds the base zone, signs it through the changeset path
// and returns the published, signed contents.
func signedContents(t *testing.T, extra ...string) *ZoneContents {
	t.Helper()
	zc := buildContents(t, "example.com.", append(baseZone, extra...)...)
	dak := testKeys(t, "example.com.")
	cs, err := SignZoneChangeset(zc, dak, Nsec3ChainSpec{Iterations: 0, Salt: ""})
	if err != nil {
		t.Fatalf("SignZoneChangeset: %v", err)
	}
	signed, err := ApplyChangeset(zc, cs)
	if err != nil {
		t.Fatalf("ApplyChangeset(signing): %v", err)
	}
	return signed
}
