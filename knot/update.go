/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package knot

import (
	"fmt"

	"github.com/miekg/dns"
)

const year68 = 1 << 31 // RFC 1982 serial arithmetic in 32 bits

// serialAdvances reports whether b is ahead of a in RFC 1982 serial space.
func serialAdvances(a, b uint32) bool {
	return (a < b && b-a < year68) || (a > b && a-b > year68)
}

// ApplyChangeset builds a new ZoneContents from base plus a changeset.
// Copy-on-write at node granularity: owners untouched by the changeset
// share their RRset store with the base version (each version gets its own
// node shell, since flags and cross-links are per-version); touched owners
// get a deep-cloned store the changes are applied to.
//
// Preconditions: the changeset's from-serial must match the base, and the
// resulting SOA serial must advance in RFC 1982 terms. Removing the apex
// SOA without supplying a replacement is a constraint violation.
//
// The returned contents has been through the adjust pass but is not yet
// published; that is the caller's (the writer path's) decision.
func ApplyChangeset(base *ZoneContents, cs *ChangeSet) (*ZoneContents, error) {
	if base == nil {
		return nil, ErrZoneNotReady
	}
	if cs.SOABefore != nil && cs.SOABefore.Serial != base.Serial {
		return nil, fmt.Errorf("%w: changeset from-serial %d, zone at %d",
			ErrSerialNotAdvancing, cs.SOABefore.Serial, base.Serial)
	}

	touched := map[string]bool{}
	for _, rr := range cs.Removals {
		touched[FoldName(rr.Header().Name)] = true
	}
	for _, rr := range cs.Additions {
		touched[FoldName(rr.Header().Name)] = true
	}

	zc := NewZoneContents(base.Origin)

	carry := func(tree *ZoneTree) func(*Node) bool {
		return func(node *Node) bool {
			if node.Is(NodeEmptyNonTerminal) {
				return true // recreated by adjust as needed
			}
			carried := &Node{Name: node.Name}
			if touched[FoldName(node.Name)] {
				carried.RRtypes = node.RRtypes.clone()
			} else {
				carried.RRtypes = node.RRtypes
			}
			tree.Insert(carried)
			return true
		}
	}
	base.Tree.InOrder(carry(zc.Tree))
	base.Nsec3Tree.InOrder(carry(zc.Nsec3Tree))

	for _, rr := range cs.Removals {
		if err := zc.removeRR(rr); err != nil {
			return nil, err
		}
	}
	for _, rr := range cs.Additions {
		if err := zc.InsertRR(rr); err != nil {
			return nil, err
		}
	}
	zc.pruneEmptyNodes()

	apex := zc.Tree.GetStaged(base.Origin)
	if apex == nil {
		return nil, fmt.Errorf("%w: apex removed by changeset", ErrConstraintViolation)
	}
	soaRRset := apex.RRtypes.GetOnlyRRSet(dns.TypeSOA)
	if len(soaRRset.RRs) == 0 {
		return nil, fmt.Errorf("%w: apex SOA removed by changeset", ErrConstraintViolation)
	}
	newSerial := soaRRset.RRs[0].(*dns.SOA).Serial
	if !serialAdvances(base.Serial, newSerial) {
		return nil, fmt.Errorf("%w: %d -> %d", ErrSerialNotAdvancing, base.Serial, newSerial)
	}

	if err := zc.Adjust(); err != nil {
		return nil, err
	}
	return zc, nil
}

// removeRR drops one record (or one covering RRSIG) from the staged
// contents. Removing the last rdata of a set drops the whole RRset.
func (zc *ZoneContents) removeRR(rr dns.RR) error {
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
		return nil // removing what is not there is a no-op, as in IXFR apply
	}

	if sig, ok := rr.(*dns.RRSIG); ok {
		rrset, exist := node.RRtypes.Get(sig.TypeCovered)
		if !exist {
			return nil
		}
		for i, old := range rrset.RRSIGs {
			if dns.IsDuplicate(old, sig) {
				rrset.RRSIGs = append(rrset.RRSIGs[:i], rrset.RRSIGs[i+1:]...)
				break
			}
		}
		if len(rrset.RRs) == 0 && len(rrset.RRSIGs) == 0 {
			node.RRtypes.Delete(sig.TypeCovered)
		} else {
			node.RRtypes.Set(sig.TypeCovered, rrset)
		}
		return nil
	}

	rrtype := rr.Header().Rrtype
	rrset, exist := node.RRtypes.Get(rrtype)
	if !exist {
		return nil
	}
	rrset.RemoveRR(rr)
	if len(rrset.RRs) == 0 {
		// The data is gone; signatures over the old set die with it.
		node.RRtypes.Delete(rrtype)
	} else {
		node.RRtypes.Set(rrtype, rrset)
	}
	return nil
}

// pruneEmptyNodes drops staged nodes that ended up with no RRsets and have
// no descendants left. Interior names that still cover descendants are
// re-materialised as empty non-terminals by the adjust pass.
func (zc *ZoneContents) pruneEmptyNodes() {
	for _, tree := range []*ZoneTree{zc.Tree, zc.Nsec3Tree} {
		for key, node := range tree.staged {
			if node.RRtypes.Count() != 0 {
				continue
			}
			hasChild := false
			for _, other := range tree.staged {
				if other != node && other.RRtypes.Count() != 0 &&
					IsSubdomain(other.Name, node.Name) {
					hasChild = true
					break
				}
			}
			if !hasChild {
				delete(tree.staged, key)
			}
		}
	}
}

// DiffContents computes the changeset that turns base into zc: per owner
// and type, the adds and removes between the two versions. Only data records
// are compared; RRSIGs are not diffed and do not appear in the changeset.
// Used to journal
// reloads that arrive as whole zones (file, AXFR) rather than as
// changesets.
func DiffContents(base, zc *ZoneContents) *ChangeSet {
	cs := &ChangeSet{
		FromSerial: base.Serial,
		ToSerial:   zc.Serial,
		SOABefore:  base.GetSOA(),
		SOAAfter:   zc.GetSOA(),
	}

	diffNode := func(owner string, oldStore, newStore *RRTypeStore) {
		seen := map[uint16]bool{}
		if oldStore != nil {
			for _, rrtype := range oldStore.Keys() {
				seen[rrtype] = true
				oldrrs := oldStore.GetOnlyRRSet(rrtype).RRs
				var newrrs []dns.RR
				if newStore != nil {
					newrrs = newStore.GetOnlyRRSet(rrtype).RRs
				}
				if differ, adds, removes := RRsetDiffer(owner, newrrs, oldrrs); differ {
					cs.Removals = append(cs.Removals, removes...)
					cs.Additions = append(cs.Additions, adds...)
				}
			}
		}
		if newStore != nil {
			for _, rrtype := range newStore.Keys() {
				if seen[rrtype] {
					continue
				}
				if differ, adds, _ := RRsetDiffer(owner, newStore.GetOnlyRRSet(rrtype).RRs, nil); differ {
					cs.Additions = append(cs.Additions, adds...)
				}
			}
		}
	}

	// NSEC3 owners diff like any other: a signed reload must journal its
	// chain changes too.
	diffTrees := func(oldTree, newTree *ZoneTree) {
		visited := map[string]bool{}
		oldTree.InOrder(func(node *Node) bool {
			visited[FoldName(node.Name)] = true
			var newStore *RRTypeStore
			if n := newTree.Get(node.Name); n != nil {
				newStore = n.RRtypes
			}
			diffNode(node.Name, node.RRtypes, newStore)
			return true
		})
		newTree.InOrder(func(node *Node) bool {
			if visited[FoldName(node.Name)] {
				return true
			}
			diffNode(node.Name, nil, node.RRtypes)
			return true
		})
	}
	diffTrees(base.Tree, zc.Tree)
	diffTrees(base.Nsec3Tree, zc.Nsec3Tree)
	return cs
}

// Update is the writer entry point: apply cs against the current contents,
// adjust, publish, and record the changeset in the journal. Serialised per
// zone by zd.mu; readers are never blocked.
func (zd *ZoneData) Update(cs *ChangeSet) error {
	zd.mu.Lock()
	defer zd.mu.Unlock()

	if zd.Options[OptFrozen] {
		return fmt.Errorf("zone %s is frozen, update refused", zd.ZoneName)
	}

	base := zd.Contents()
	zc, err := ApplyChangeset(base, cs)
	if err != nil {
		return err
	}
	if err := zd.Publish(zc); err != nil {
		return err
	}

	if zd.Journal != nil {
		cs.FromSerial = base.Serial
		cs.ToSerial = zc.Serial
		if err := zd.Journal.StoreChangeset(zd.ZoneName, cs); err != nil {
			zd.Logger.Printf("Zone %s: journal store failed: %v", zd.ZoneName, err)
		}
	}
	zd.Logger.Printf("Zone %s: updated %d -> %d (%d removals, %d additions)",
		zd.ZoneName, base.Serial, zc.Serial, len(cs.Removals), len(cs.Additions))
	return nil
}

// CatchUpFromJournal replays committed changesets newer than the current
// serial, applying each through the same update path.
func (zd *ZoneData) CatchUpFromJournal() (int, error) {
	if zd.Journal == nil {
		return 0, nil
	}
	base := zd.Contents()
	if base == nil {
		return 0, ErrZoneNotReady
	}
	changesets, err := zd.Journal.ChangesetsSince(zd.ZoneName, base.Serial)
	if err != nil {
		return 0, err
	}
	applied := 0
	for _, cs := range changesets {
		if err := zd.Update(cs); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}
