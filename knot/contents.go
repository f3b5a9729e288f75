/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package knot

import (
	"fmt"
	"strings"

	"github.com/miekg/dns"
)

// ZoneContents is one immutable version of a zone: the apex, the canonical
// name tree, the hashed-name (NSEC3) tree and the NSEC3 parameters in
// effect. A contents is built or cloned by a single writer, adjusted, and
// then published; readers traverse it without locks for as long as they
// hold a reference from the slot.
type ZoneContents struct {
	Origin      string
	Apex        *Node
	Tree        *ZoneTree
	Nsec3Tree   *ZoneTree
	Nsec3Params *dns.NSEC3PARAM
	Serial      uint32

	adjusted bool
}

func NewZoneContents(origin string) *ZoneContents {
	return &ZoneContents{
		Origin:    dns.Fqdn(origin),
		Tree:      NewZoneTree(),
		Nsec3Tree: NewZoneTree(),
	}
}

// isNsec3Owner reports whether rr belongs in the hashed-name tree: an NSEC3
// record or an RRSIG covering NSEC3. Only the type is checked, not the owner.
func (zc *ZoneContents) isNsec3Owner(rr dns.RR) bool {
	switch rr.Header().Rrtype {
	case dns.TypeNSEC3:
		return true
	case dns.TypeRRSIG:
		return rr.(*dns.RRSIG).TypeCovered == dns.TypeNSEC3
	}
	return false
}

// InsertRR adds one record to the contents under construction. RRSIGs are
// attached to the RRset they cover rather than stored as data. Records
// owned outside the zone are rejected.
func (zc *ZoneContents) InsertRR(rr dns.RR) error {
	owner := rr.Header().Name
	if !IsSubdomain(owner, zc.Origin) {
		return fmt.Errorf("%w: %s not under %s", ErrOutOfZone, owner, zc.Origin)
	}

	tree := zc.Tree
	if zc.isNsec3Owner(rr) {
		tree = zc.Nsec3Tree
	}

	node := tree.GetStaged(owner)
	if node == nil {
		node = NewNode(owner)
		if err := tree.Insert(node); err != nil {
			return err
		}
	}

	if sig, ok := rr.(*dns.RRSIG); ok {
		covered := sig.TypeCovered
		rrset := node.RRtypes.GetOnlyRRSet(covered)
		rrset.Name = owner
		rrset.RRtype = covered
		rrset.RRSIGs = append(rrset.RRSIGs, sig)
		node.RRtypes.Set(covered, rrset)
		return nil
	}

	rrtype := rr.Header().Rrtype
	rrset := node.RRtypes.GetOnlyRRSet(rrtype)
	rrset.Name = owner
	rrset.RRtype = rrtype
	rrset.AddRR(rr)
	node.RRtypes.Set(rrtype, rrset)
	return nil
}

// Adjust runs the publish-time pass over freshly built or cloned contents:
//
//  1. load NSEC3 parameters from the apex NSEC3PARAM, if any;
//  2. intern rdata domain names that resolve inside the zone, so that every
//     in-zone target is the one representative owned by the tree;
//  3. in canonical order, set node flags (apex, delegation, non-authoritative,
//     empty non-terminal), wire parent links, and link each authoritative
//     node to its hashed-name NSEC3 node.
//
// Empty non-terminals are materialised first so the parent chain is complete.
// Adjust is idempotent: a second run changes no flag, link or rdata identity.
func (zc *ZoneContents) Adjust() error {
	if !zc.Tree.frozen {
		zc.createEmptyNonTerminals()
		zc.Tree.Freeze()
	}
	if !zc.Nsec3Tree.frozen {
		zc.Nsec3Tree.Freeze()
	}

	zc.Apex = zc.Tree.Get(zc.Origin)
	if zc.Apex == nil {
		return fmt.Errorf("%w: apex %s missing from zone tree", ErrConstraintViolation, zc.Origin)
	}
	soa, ok := zc.Apex.RRtypes.Get(dns.TypeSOA)
	if !ok || len(soa.RRs) == 0 {
		return fmt.Errorf("%w: apex %s has no SOA", ErrConstraintViolation, zc.Origin)
	}
	zc.Serial = soa.RRs[0].(*dns.SOA).Serial

	// Phase 1: NSEC3 parameters.
	zc.Nsec3Params = nil
	if prrset, ok := zc.Apex.RRtypes.Get(dns.TypeNSEC3PARAM); ok && len(prrset.RRs) > 0 {
		zc.Nsec3Params = prrset.RRs[0].(*dns.NSEC3PARAM)
	}

	// Phase 2: rdata interning.
	zc.Tree.InOrder(func(node *Node) bool {
		for _, rrtype := range node.RRtypes.Keys() {
			rrset := node.RRtypes.GetOnlyRRSet(rrtype)
			for _, rr := range rrset.RRs {
				zc.internRdataNames(rr)
			}
		}
		return true
	})

	// Phase 3: flags, parent links, NSEC3 links.
	zc.Tree.InOrder(func(node *Node) bool {
		node.Flags &^= NodeApex | NodeDelegation | NodeNonAuth
		node.Parent = zc.findParent(node)

		if node == zc.Apex {
			node.Flags |= NodeApex
		} else {
			if _, hasNS := node.RRtypes.Get(dns.TypeNS); hasNS {
				node.Flags |= NodeDelegation
			}
			if p := node.Parent; p != nil && (p.Is(NodeDelegation) || p.Is(NodeNonAuth)) {
				node.Flags |= NodeNonAuth
				node.Flags &^= NodeDelegation
			}
		}
		if node.RRtypes.Count() == 0 {
			node.Flags |= NodeEmptyNonTerminal
		} else {
			node.Flags &^= NodeEmptyNonTerminal
		}

		node.Nsec3Node = nil
		if zc.Nsec3Params != nil && !node.Is(NodeNonAuth) {
			if hashed, err := zc.HashedOwner(node.Name); err == nil {
				node.Nsec3Node = zc.Nsec3Tree.Get(hashed)
			}
		}
		return true
	})

	zc.adjusted = true
	return nil
}

// createEmptyNonTerminals materialises owners that exist only as interior
// names on the path from some node up to the apex.
func (zc *ZoneContents) createEmptyNonTerminals() {
	names := make([]string, 0, len(zc.Tree.staged))
	for _, node := range zc.Tree.staged {
		names = append(names, node.Name)
	}
	for _, name := range names {
		for anc := parentName(name); IsSubdomain(anc, zc.Origin) &&
			CanonicalNameCompare(anc, zc.Origin) != 0; anc = parentName(anc) {
			if zc.Tree.GetStaged(anc) != nil {
				continue
			}
			ent := NewNode(anc)
			ent.Flags |= NodeEmptyNonTerminal
			zc.Tree.Insert(ent)
		}
	}
}

// internRdataNames replaces every in-zone rdata domain name by the owner
// string of the matching node, giving identity sharing with the tree's one
// representative and O(1) follow during resolution.
func (zc *ZoneContents) internRdataNames(rr dns.RR) {
	for _, ref := range rdataNameRefs(rr) {
		if !IsSubdomain(*ref, zc.Origin) {
			continue
		}
		// Only write when the value actually changes: RRset stores may be
		// shared with the previous version, whose readers must not observe
		// a mutation in flight.
		if target := zc.Tree.Get(*ref); target != nil && *ref != target.Name {
			*ref = target.Name
		}
	}
}

func (zc *ZoneContents) findParent(node *Node) *Node {
	if node == zc.Apex {
		return nil
	}
	for anc := parentName(node.Name); ; anc = parentName(anc) {
		if !IsSubdomain(anc, zc.Origin) {
			return zc.Apex
		}
		if p := zc.Tree.Get(anc); p != nil {
			return p
		}
	}
}

// GetOwner returns the node for qname, or nil when absent.
func (zc *ZoneContents) GetOwner(qname string) *Node {
	return zc.Tree.Get(qname)
}

func (zc *ZoneContents) NameExists(qname string) bool {
	return zc.Tree.Get(qname) != nil
}

// GetRRset returns the RRset of rrtype at qname, or nil.
func (zc *ZoneContents) GetRRset(qname string, rrtype uint16) *RRset {
	node := zc.Tree.Get(qname)
	if node == nil {
		return nil
	}
	if rrset, ok := node.RRtypes.Get(rrtype); ok {
		return &rrset
	}
	return nil
}

// GetSOA returns the apex SOA record.
func (zc *ZoneContents) GetSOA() *dns.SOA {
	if zc.Apex == nil {
		return nil
	}
	rrset := zc.Apex.RRtypes.GetOnlyRRSet(dns.TypeSOA)
	if len(rrset.RRs) == 0 {
		return nil
	}
	return rrset.RRs[0].(*dns.SOA)
}

// FindClosestEncloser runs the closest-encloser search for qname: the
// returned exact node is non-nil on an exact match, and encloser is always
// the longest ancestor of qname present in the tree (the apex in the worst
// case). qname must be in bailiwick.
func (zc *ZoneContents) FindClosestEncloser(qname string) (encloser, exact *Node) {
	found, at := zc.Tree.FindLessEqual(qname)
	if found {
		return at, at
	}
	// The canonical-order predecessor shares the closest encloser with
	// qname; walk its parent chain until an owner encloses qname. The walk
	// terminates at the apex, which encloses everything in bailiwick.
	n := at
	if n == nil {
		n = zc.Apex
	}
	for n != nil && !IsSubdomain(qname, n.Name) {
		n = n.Parent
	}
	if n == nil {
		n = zc.Apex
	}
	return n, nil
}

// FindWildcard returns the wildcard node directly below encloser, if any.
func (zc *ZoneContents) FindWildcard(encloser *Node) *Node {
	wname, err := ConcatNames("*", encloser.Name)
	if err != nil {
		return nil
	}
	return zc.Tree.Get(wname)
}

// FindDelegation walks from qname towards the apex looking for a zone cut
// at qname itself or above it, the apex excluded. Returns the cut node or nil.
func (zc *ZoneContents) FindDelegation(qname string) *Node {
	encloser, exact := zc.FindClosestEncloser(qname)
	n := encloser
	if exact != nil {
		n = exact
	}
	for ; n != nil && n != zc.Apex; n = n.Parent {
		if n.Is(NodeDelegation) {
			return n
		}
	}
	return nil
}

// FindGlue collects A and AAAA RRsets for the in-bailiwick targets named
// by the records in rrset: NS, MX and SRV rdata names. Only names inside
// this zone are chased, one level deep.
func (zc *ZoneContents) FindGlue(rrset RRset) (*RRset, *RRset) {
	v4 := &RRset{RRtype: dns.TypeA}
	v6 := &RRset{RRtype: dns.TypeAAAA}
	for _, rr := range rrset.RRs {
		var target string
		switch t := rr.(type) {
		case *dns.NS:
			target = t.Ns
		case *dns.MX:
			target = t.Mx
		case *dns.SRV:
			target = t.Target
		default:
			continue
		}
		if !IsSubdomain(target, zc.Origin) {
			continue
		}
		node := zc.Tree.Get(target)
		if node == nil {
			continue
		}
		if rrs, ok := node.RRtypes.Get(dns.TypeA); ok {
			v4.RRs = append(v4.RRs, rrs.RRs...)
			v4.RRSIGs = append(v4.RRSIGs, rrs.RRSIGs...)
		}
		if rrs, ok := node.RRtypes.Get(dns.TypeAAAA); ok {
			v6.RRs = append(v6.RRs, rrs.RRs...)
			v6.RRSIGs = append(v6.RRSIGs, rrs.RRSIGs...)
		}
	}
	return v4, v6
}

// CheckIntegrity verifies the post-adjust invariants. A failure here means
// the contents must not be published; the zone is quarantined instead of
// crashing workers.
func (zc *ZoneContents) CheckIntegrity() error {
	if zc.Apex == nil || zc.Tree.Get(zc.Origin) != zc.Apex {
		return fmt.Errorf("%w: apex not present in zone tree", ErrConstraintViolation)
	}
	if zc.GetSOA() == nil {
		return fmt.Errorf("%w: apex has no SOA", ErrConstraintViolation)
	}

	var fail error
	zc.Tree.InOrder(func(node *Node) bool {
		if !IsSubdomain(node.Name, zc.Origin) {
			fail = fmt.Errorf("%w: node %s outside apex %s", ErrConstraintViolation, node.Name, zc.Origin)
			return false
		}
		if node != zc.Apex && CanonicalNameCompare(node.Name, zc.Origin) == 0 {
			fail = fmt.Errorf("%w: duplicate apex node", ErrConstraintViolation)
			return false
		}
		if zc.Nsec3Params != nil && !node.Is(NodeNonAuth) && node.Nsec3Node == nil &&
			zc.Nsec3Tree.Count() > 0 && !nsec3OptOut(zc.Nsec3Params) {
			fail = fmt.Errorf("%w: node %s has no NSEC3 link", ErrConstraintViolation, node.Name)
			return false
		}
		// The closest-encloser walk must terminate at the apex.
		seen := 0
		for p := node; p != nil; p = p.Parent {
			if p == zc.Apex {
				break
			}
			if seen++; seen > 255 {
				fail = fmt.Errorf("%w: parent chain of %s does not reach apex", ErrConstraintViolation, node.Name)
				return false
			}
		}
		return true
	})
	return fail
}

// ApexNSTargets lists the NS target names at the apex, for additional
// section processing.
func (zc *ZoneContents) ApexNSTargets() []string {
	var targets []string
	nsrrset := zc.Apex.RRtypes.GetOnlyRRSet(dns.TypeNS)
	for _, rr := range nsrrset.RRs {
		if ns, ok := rr.(*dns.NS); ok {
			targets = append(targets, ns.Ns)
		}
	}
	return targets
}

// AllRRs flattens the contents into records, SOA first, then owner by owner
// in canonical order (the NSEC3 tree after the main tree). The order of types
// within one owner is not defined. Used by outbound zone transfers.
func (zc *ZoneContents) AllRRs() []dns.RR {
	var rrs []dns.RR
	soa := zc.Apex.RRtypes.GetOnlyRRSet(dns.TypeSOA)
	rrs = append(rrs, soa.RRs...)
	rrs = append(rrs, soa.RRSIGs...)

	appendNode := func(node *Node) bool {
		for _, rrtype := range node.RRtypes.Keys() {
			if node == zc.Apex && rrtype == dns.TypeSOA {
				continue
			}
			rrset := node.RRtypes.GetOnlyRRSet(rrtype)
			rrs = append(rrs, rrset.RRs...)
			rrs = append(rrs, rrset.RRSIGs...)
		}
		return true
	}
	zc.Tree.InOrder(appendNode)
	zc.Nsec3Tree.InOrder(appendNode)
	return rrs
}

func (zc *ZoneContents) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "zone %s serial %d (%d owners, %d hashed)",
		zc.Origin, zc.Serial, zc.Tree.Count(), zc.Nsec3Tree.Count())
	return b.String()
}
