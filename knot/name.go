/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package knot

import (
	"strings"

	"github.com/miekg/dns"
)

// Domain names are carried as FQDN strings (miekg/dns presentation form).
// The functions in this file supply the operations the zone tree and the
// denial-of-existence code need beyond what the dns library exports:
// canonical ordering per RFC 4034 section 6.1 and bounded wire parsing.

const (
	MaxNameWireLen  = 255
	MaxLabelLen     = 63
	maxPointerJumps = 128
)

// ParseName unpacks a (possibly compressed) domain name from msg starting at
// off. The dns library already enforces label and total length limits as well
// as a pointer budget; we translate its failures into our error taxonomy and
// re-check the wire length, since the unpacked form is what we index on.
func ParseName(msg []byte, off int) (string, int, error) {
	name, newoff, err := dns.UnpackDomainName(msg, off)
	if err != nil {
		return "", off, ErrMalformed
	}
	if WireLen(name) > MaxNameWireLen {
		return "", off, ErrNameTooLong
	}
	return name, newoff, nil
}

// WireLen returns the uncompressed wire length of an FQDN: one length octet
// per label plus the label bytes, plus the root octet.
func WireLen(name string) int {
	if name == "." {
		return 1
	}
	n := 1
	for _, label := range dns.SplitDomainName(name) {
		n += 1 + len(labelBytes(label))
	}
	return n
}

func foldByte(c byte) byte {
	if c >= 'A' && c <= 'Z' {
		return c + 32
	}
	return c
}

// FoldName case-folds ASCII letters only; octets outside A-Z pass through
// untouched, as required for canonical DNS name comparison.
func FoldName(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	for i := 0; i < len(name); i++ {
		b.WriteByte(foldByte(name[i]))
	}
	return b.String()
}

// labelBytes turns one presentation-form label into its raw wire bytes,
// resolving \DDD and \X escapes. Comparison must happen on raw bytes: the
// escaped form would order "\001" after "*".
func labelBytes(label string) []byte {
	if !strings.Contains(label, "\\") {
		return []byte(label)
	}
	out := make([]byte, 0, len(label))
	for i := 0; i < len(label); i++ {
		c := label[i]
		if c != '\\' {
			out = append(out, c)
			continue
		}
		if i+3 < len(label) && isDigit(label[i+1]) && isDigit(label[i+2]) && isDigit(label[i+3]) {
			out = append(out, (label[i+1]-'0')*100+(label[i+2]-'0')*10+(label[i+3]-'0'))
			i += 3
			continue
		}
		if i+1 < len(label) {
			out = append(out, label[i+1])
			i++
		}
	}
	return out
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }

func compareLabels(a, b string) int {
	ab, bb := labelBytes(a), labelBytes(b)
	la, lb := len(ab), len(bb)
	n := la
	if lb < n {
		n = lb
	}
	for i := 0; i < n; i++ {
		ca, cb := foldByte(ab[i]), foldByte(bb[i])
		if ca != cb {
			if ca < cb {
				return -1
			}
			return 1
		}
	}
	switch {
	case la < lb:
		return -1
	case la > lb:
		return 1
	}
	return 0
}

// CanonicalNameCompare orders two FQDNs in DNSSEC canonical order: labels are
// compared right to left, case-insensitively, with a missing label sorting
// before any present one. This is a strict weak ordering; equal means the
// names are the same apart from ASCII case.
func CanonicalNameCompare(a, b string) int {
	al := dns.SplitDomainName(a)
	bl := dns.SplitDomainName(b)

	ai, bi := len(al)-1, len(bl)-1
	for ai >= 0 && bi >= 0 {
		if c := compareLabels(al[ai], bl[bi]); c != 0 {
			return c
		}
		ai--
		bi--
	}
	switch {
	case ai >= 0:
		return 1
	case bi >= 0:
		return -1
	}
	return 0
}

// IsSubdomain reports whether a equals b or is a strict descendant of b,
// on label boundaries.
func IsSubdomain(a, b string) bool {
	return dns.IsSubDomain(b, a)
}

// MatchedLabels returns the number of trailing labels a and b share (the
// root label not counted). This is the closest-encloser primitive.
func MatchedLabels(a, b string) int {
	return dns.CompareDomainName(a, b)
}

// ConcatNames prepends prefix (one or more labels, no trailing dot needed)
// to the FQDN suffix. The result must still fit in a wire-form name.
func ConcatNames(prefix, suffix string) (string, error) {
	prefix = strings.TrimSuffix(prefix, ".")
	if prefix == "" {
		return suffix, nil
	}
	name := prefix + "." + suffix
	if suffix == "." {
		name = prefix + "."
	}
	if _, ok := dns.IsDomainName(name); !ok {
		return "", ErrMalformed
	}
	if WireLen(name) > MaxNameWireLen {
		return "", ErrNameTooLong
	}
	return name, nil
}

// NextCloserName takes one more label from qname than owner has: the name
// immediately below owner on the path to qname. qname must be a subdomain
// of owner.
func NextCloserName(qname, owner string) string {
	ql := dns.CountLabel(qname)
	ol := dns.CountLabel(owner)
	if ql <= ol {
		return qname
	}
	idx := dns.Split(qname)
	return qname[idx[ql-ol-1]:]
}
