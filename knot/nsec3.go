/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package knot

import (
	"github.com/miekg/dns"
)

// Denial of existence over the hashed-name index. The NSEC3 tree holds one
// node per hashed owner; proofs are assembled by exact match (the hash is an
// owner in the tree) or by cover (the hash falls in the gap before the next
// owner, found via the predecessor primitive with circular wrap).

func nsec3OptOut(params *dns.NSEC3PARAM) bool {
	return params != nil && params.Flags&0x01 != 0
}

// HashedOwner computes the NSEC3 owner name for name under the zone's
// current parameters: base32(H(name)) prepended to the apex owner.
func (zc *ZoneContents) HashedOwner(name string) (string, error) {
	p := zc.Nsec3Params
	if p == nil {
		return "", ErrConstraintViolation
	}
	hashed := dns.HashName(name, p.Hash, p.Iterations, p.Salt)
	if hashed == "" {
		return "", ErrMalformed
	}
	return ConcatNames(hashed, zc.Origin)
}

// nsec3Matching returns the NSEC3 RRset whose owner is the hashed form of
// name, or nil.
func (zc *ZoneContents) nsec3Matching(name string) *RRset {
	hashed, err := zc.HashedOwner(name)
	if err != nil {
		return nil
	}
	node := zc.Nsec3Tree.Get(hashed)
	if node == nil {
		return nil
	}
	if rrset, ok := node.RRtypes.Get(dns.TypeNSEC3); ok {
		return &rrset
	}
	return nil
}

// nsec3Covering returns the NSEC3 RRset covering the gap that the hashed
// form of name falls into. The hashed chain is circular: a hash before the
// first owner is covered by the last.
func (zc *ZoneContents) nsec3Covering(name string) *RRset {
	hashed, err := zc.HashedOwner(name)
	if err != nil {
		return nil
	}
	node := zc.Nsec3Tree.PreviousName(hashed)
	if node == nil {
		return nil
	}
	if rrset, ok := node.RRtypes.Get(dns.TypeNSEC3); ok {
		return &rrset
	}
	return nil
}

// Nsec3NodataProof proves the absence of qtype at an existing qname: the
// NSEC3 matching qname, whose type bitmap the validator inspects.
func (zc *ZoneContents) Nsec3NodataProof(qname string) []*RRset {
	var proof []*RRset
	if rrset := zc.nsec3Matching(qname); rrset != nil {
		proof = append(proof, rrset)
	}
	return proof
}

// Nsec3ClosestEncloserProof assembles the (up to) three records proving
// NXDOMAIN for qname per RFC 5155 section 7.2.2: the closest encloser
// exists, the next-closer name does not, and no wildcard at the closest
// encloser covers qname. Duplicate records are emitted once.
func (zc *ZoneContents) Nsec3ClosestEncloserProof(qname string, encloser *Node) []*RRset {
	var proof []*RRset
	add := func(rrset *RRset) {
		if rrset == nil {
			return
		}
		for _, got := range proof {
			if got.Name == rrset.Name {
				return
			}
		}
		proof = append(proof, rrset)
	}

	add(zc.nsec3Matching(encloser.Name))
	add(zc.nsec3Covering(NextCloserName(qname, encloser.Name)))
	if wname, err := ConcatNames("*", encloser.Name); err == nil {
		add(zc.nsec3Covering(wname))
	}
	return proof
}

// Nsec3WildcardProof proves that a wildcard answer was synthesised
// correctly: the next-closer name below the closest encloser does not exist.
func (zc *ZoneContents) Nsec3WildcardProof(qname string, encloser *Node) []*RRset {
	var proof []*RRset
	if rrset := zc.nsec3Covering(NextCloserName(qname, encloser.Name)); rrset != nil {
		proof = append(proof, rrset)
	}
	return proof
}

// Nsec3DSAbsenceProof proves an unsigned delegation: the NSEC3 matching the
// cut (DS absent from its bitmap), or the covering record under opt-out.
func (zc *ZoneContents) Nsec3DSAbsenceProof(cut string) []*RRset {
	if rrset := zc.nsec3Matching(cut); rrset != nil {
		return []*RRset{rrset}
	}
	if rrset := zc.nsec3Covering(cut); rrset != nil {
		return []*RRset{rrset}
	}
	return nil
}
