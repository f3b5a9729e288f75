package knot

import (
	"testing"

	"github.com/miekg/dns"
)

// TestCanonicalNameCompare checks the RFC 4034 section 6.1 ordering,
// including the example order given there.
func TestCanonicalNameCompare(t *testing.T) {
	t.Run("RFC4034Order", func(t *testing.T) {
		// The canonical order example from RFC 4034 section 6.1.
		ordered := []string{
			"example.",
			"a.example.",
			"yljkjljk.a.example.",
			"Z.a.example.",
			"zABC.a.EXAMPLE.",
			"z.example.",
			"\\001.z.example.",
			"*.z.example.",
			"\\200.z.example.",
		}
		for i := 0; i < len(ordered)-1; i++ {
			if c := CanonicalNameCompare(ordered[i], ordered[i+1]); c >= 0 {
				t.Errorf("CanonicalNameCompare(%q, %q) = %d, want < 0",
					ordered[i], ordered[i+1], c)
			}
			if c := CanonicalNameCompare(ordered[i+1], ordered[i]); c <= 0 {
				t.Errorf("CanonicalNameCompare(%q, %q) = %d, want > 0",
					ordered[i+1], ordered[i], c)
			}
		}
	})

	t.Run("CaseInsensitive", func(t *testing.T) {
		if c := CanonicalNameCompare("WWW.Example.COM.", "www.example.com."); c != 0 {
			t.Errorf("case-folded names should compare equal, got %d", c)
		}
	})

	t.Run("ParentSortsFirst", func(t *testing.T) {
		if c := CanonicalNameCompare("example.com.", "a.example.com."); c >= 0 {
			t.Errorf("parent must sort before child, got %d", c)
		}
	})
}

func TestIsSubdomain(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"www.example.com.", "example.com.", true},
		{"example.com.", "example.com.", true},
		{"example.com.", "www.example.com.", false},
		{"wwwexample.com.", "example.com.", false}, // not on a label boundary
		{"example.com.", ".", true},
	}
	for _, tc := range cases {
		if got := IsSubdomain(tc.a, tc.b); got != tc.want {
			t.Errorf("IsSubdomain(%q, %q) = %v, want %v", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestMatchedLabels(t *testing.T) {
	cases := []struct {
		a, b string
		want int
	}{
		{"www.example.com.", "mail.example.com.", 2},
		{"www.example.com.", "example.com.", 2},
		{"www.example.com.", "example.org.", 0},
		{"a.b.c.example.com.", "x.b.c.example.com.", 4},
	}
	for _, tc := range cases {
		if got := MatchedLabels(tc.a, tc.b); got != tc.want {
			t.Errorf("MatchedLabels(%q, %q) = %d, want %d", tc.a, tc.b, got, tc.want)
		}
	}
}

func TestConcatNames(t *testing.T) {
	t.Run("Simple", func(t *testing.T) {
		got, err := ConcatNames("www", "example.com.")
		if err != nil || got != "www.example.com." {
			t.Errorf("ConcatNames = %q, %v", got, err)
		}
	})

	t.Run("Root", func(t *testing.T) {
		got, err := ConcatNames("example", ".")
		if err != nil || got != "example." {
			t.Errorf("ConcatNames = %q, %v", got, err)
		}
	})

	t.Run("TooLong", func(t *testing.T) {
		label := ""
		for i := 0; i < 63; i++ {
			label += "a"
		}
		name := "."
		var err error
		for i := 0; i < 4; i++ {
			name, err = ConcatNames(label, name)
			if err != nil {
				break
			}
		}
		// Four 63-octet labels exceed the 255 octet wire limit.
		if err == nil {
			t.Error("expected ErrNameTooLong, got nil")
		}
	})
}

func TestParseName(t *testing.T) {
	t.Run("RoundTrip", func(t *testing.T) {
		buf := make([]byte, 64)
		off, err := dns.PackDomainName("www.example.com.", buf, 0, nil, false)
		if err != nil {
			t.Fatalf("PackDomainName: %v", err)
		}
		name, end, err := ParseName(buf[:off], 0)
		if err != nil {
			t.Fatalf("ParseName: %v", err)
		}
		if name != "www.example.com." || end != off {
			t.Errorf("ParseName = %q, %d; want www.example.com., %d", name, end, off)
		}
	})

	t.Run("Malformed", func(t *testing.T) {
		// A label length running past the end of the buffer.
		if _, _, err := ParseName([]byte{63, 'a'}, 0); err == nil {
			t.Error("expected error for truncated name")
		}
	})
}

func TestWireLen(t *testing.T) {
	cases := []struct {
		name string
		want int
	}{
		{".", 1},
		{"com.", 5},
		{"example.com.", 13},
	}
	for _, tc := range cases {
		if got := WireLen(tc.name); got != tc.want {
			t.Errorf("WireLen(%q) = %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestNextCloserName(t *testing.T) {
	cases := []struct {
		qname, owner, want string
	}{
		{"a.b.c.example.com.", "example.com.", "c.example.com."},
		{"nope.example.com.", "example.com.", "nope.example.com."},
		{"example.com.", "example.com.", "example.com."},
	}
	for _, tc := range cases {
		if got := NextCloserName(tc.qname, tc.owner); got != tc.want {
			t.Errorf("NextCloserName(%q, %q) = %q, want %q", tc.qname, tc.owner, got, tc.want)
		}
	}
}
