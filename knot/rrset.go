/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package knot

import (
	"bytes"
	"sort"

	"github.com/miekg/dns"
)

// RRsetFlags annotate an RRset on its way into a response packet.
type RRsetFlags uint8

const (
	RRsetNoTrunc RRsetFlags = 1 << iota // never dropped for space; overflow is an error
	RRsetCheckDup
	RRsetCompressible
)

func (rrset *RRset) String() string {
	var tmp string
	for _, rr := range rrset.RRs {
		tmp += rr.String() + "\n"
	}
	for _, rr := range rrset.RRSIGs {
		tmp += rr.String() + "\n"
	}
	return tmp
}

// ContainsRR reports whether an equal record (canonical rdata comparison,
// TTL ignored) is already in the set.
func (rrset *RRset) ContainsRR(rr dns.RR) bool {
	for _, old := range rrset.RRs {
		if dns.IsDuplicate(old, rr) {
			return true
		}
	}
	return false
}

// AddRR appends rr unless a duplicate is present, then normalises the TTL of
// the whole set to the minimum seen. Returns whether the set changed.
func (rrset *RRset) AddRR(rr dns.RR) bool {
	if rrset.ContainsRR(rr) {
		// A duplicate may still lower the TTL of the set.
		if rr.Header().Ttl < rrset.minTTL() {
			rrset.normaliseTTL(rr.Header().Ttl)
		}
		return false
	}
	rrset.RRs = append(rrset.RRs, rr)
	rrset.normaliseTTL(rrset.minTTL())
	return true
}

// RemoveRR deletes the record equal to rr (TTL ignored). Returns whether
// anything was removed.
func (rrset *RRset) RemoveRR(rr dns.RR) bool {
	for i, old := range rrset.RRs {
		if dns.IsDuplicate(old, rr) {
			rrset.RRs = append(rrset.RRs[:i], rrset.RRs[i+1:]...)
			return true
		}
	}
	return false
}

func (rrset *RRset) minTTL() uint32 {
	var min uint32 = ^uint32(0)
	for _, rr := range rrset.RRs {
		if rr.Header().Ttl < min {
			min = rr.Header().Ttl
		}
	}
	if min == ^uint32(0) {
		return 0
	}
	return min
}

func (rrset *RRset) normaliseTTL(ttl uint32) {
	for _, rr := range rrset.RRs {
		rr.Header().Ttl = ttl
	}
}

// MergeRRsets unions two RRsets over the same (owner, type, class). The TTL
// becomes the minimum across both sets and duplicates (by canonical rdata)
// are dropped; the count of dropped duplicates is returned. Signatures are
// not merged: an RRSIG is only valid over the exact set it was computed on.
func MergeRRsets(a, b *RRset) (*RRset, int) {
	merged := &RRset{Name: a.Name, RRtype: a.RRtype}
	merged.RRs = append(merged.RRs, a.RRs...)
	merged.RRSIGs = append(merged.RRSIGs, a.RRSIGs...)

	dups := 0
	for _, rr := range b.RRs {
		if !merged.AddRR(rr) {
			dups++
		}
	}
	merged.normaliseTTL(merged.minTTL())
	return merged, dups
}

// SortCanonical orders the rdata of the set by its canonical form, the
// order RRSIG computation and deterministic wire emission require.
func (rrset *RRset) SortCanonical() {
	sort.SliceStable(rrset.RRs, func(i, j int) bool {
		a, erra := canonicalRdata(rrset.RRs[i])
		b, errb := canonicalRdata(rrset.RRs[j])
		if erra != nil || errb != nil {
			return false
		}
		return bytes.Compare(a, b) < 0
	})
}

// ToWire serialises the RRset (canonical rdata order) into buf starting at
// off. Compression through compr applies only to types whose rdata carries
// a compressible name kind. Returns the new offset or ErrNoSpace.
func (rrset *RRset) ToWire(buf []byte, off int, compr map[string]int) (int, error) {
	rrset.SortCanonical()
	for _, rr := range rrset.RRs {
		var err error
		var newoff int
		if compr != nil && compressibleRdata(rr.Header().Rrtype) {
			newoff, err = dns.PackRR(rr, buf, off, compr, true)
		} else {
			newoff, err = dns.PackRR(rr, buf, off, compr, false)
		}
		if err != nil {
			return off, ErrNoSpace
		}
		off = newoff
	}
	return off, nil
}

// WildcardReplace rewrites the owner of synthesised records from the
// wildcard owner to the query name.
func WildcardReplace(rrs []dns.RR, origqname string) []dns.RR {
	res := make([]dns.RR, 0, len(rrs))
	for _, rr := range rrs {
		newrr := dns.Copy(rr)
		newrr.Header().Name = origqname
		res = append(res, newrr)
	}
	return res
}

// RRsetDiffer compares two sets of records of one type and reports the adds
// and removes needed to turn oldrrs into newrrs. RRSIGs are ignored.
func RRsetDiffer(zone string, newrrs, oldrrs []dns.RR) (bool, []dns.RR, []dns.RR) {
	var differ bool
	adds := []dns.RR{}
	removes := []dns.RR{}

	for _, orr := range oldrrs {
		if orr.Header().Rrtype == dns.TypeRRSIG {
			continue
		}
		match := false
		for _, nrr := range newrrs {
			if dns.IsDuplicate(orr, nrr) {
				match = true
				break
			}
		}
		if !match {
			differ = true
			removes = append(removes, orr)
		}
	}

	for _, nrr := range newrrs {
		if nrr.Header().Rrtype == dns.TypeRRSIG {
			continue
		}
		match := false
		for _, orr := range oldrrs {
			if dns.IsDuplicate(nrr, orr) {
				match = true
				break
			}
		}
		if !match {
			differ = true
			adds = append(adds, nrr)
		}
	}
	return differ, adds, removes
}
