/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package knot

import (
	"crypto"
	"fmt"
	"time"

	"github.com/miekg/dns"
	"golang.org/x/exp/rand"
)

// The signer collaborator: given a zone's contents and a set of active
// keys, produce a changeset that adds the NSEC3PARAM, the NSEC3 chain and
// RRSIGs. The changeset flows through the normal update path, so signing
// is atomic and journalled like any other zone change. Key storage and
// rollover policy live outside the core; keys arrive here ready to use.

type SigningKey struct {
	Signer    crypto.Signer
	DnskeyRR  *dns.DNSKEY
	Algorithm uint8
	KeyId     uint16
	KSK       bool
}

type DnssecKeys struct {
	KSKs []*SigningKey
	ZSKs []*SigningKey
}

func sigLifetime(t time.Time, lifetime uint32) (uint32, uint32) {
	sigJitter := time.Duration(rand.Intn(61)) * time.Second
	sigValidity := time.Duration(lifetime) * time.Second
	if lifetime == 0 {
		sigValidity = 5 * time.Minute
	}
	// inception == now -60s -jitter to allow for clock skew
	incep := uint32(t.Add(-sigJitter).Add(-60 * time.Second).Unix())
	expir := uint32(t.Add(sigValidity).Add(sigJitter).Unix())
	return incep, expir
}

// SignRRset computes RRSIGs over the set with every applicable key. DNSKEY
// sets are signed by KSKs, everything else by ZSKs.
func SignRRset(rrset *RRset, zone string, dak *DnssecKeys) error {
	if dak == nil || (len(dak.KSKs) == 0 && len(dak.ZSKs) == 0) {
		return fmt.Errorf("SignRRset: no active DNSSEC keys available")
	}
	if len(rrset.RRs) == 0 {
		return fmt.Errorf("SignRRset: rrset has no RRs")
	}

	signingkeys := dak.ZSKs
	if rrset.RRs[0].Header().Rrtype == dns.TypeDNSKEY {
		signingkeys = dak.KSKs
	}

	// Sort a copy: the slice may be shared with live zone contents.
	sorted := RRset{Name: rrset.Name, RRtype: rrset.RRtype,
		RRs: append([]dns.RR{}, rrset.RRs...)}
	sorted.SortCanonical()
	for _, key := range signingkeys {
		rrsig := new(dns.RRSIG)
		rrsig.Hdr = dns.RR_Header{
			Name:   sorted.RRs[0].Header().Name,
			Rrtype: dns.TypeRRSIG,
			Class:  dns.ClassINET,
			Ttl:    sorted.RRs[0].Header().Ttl,
		}
		rrsig.KeyTag = key.KeyId
		rrsig.Algorithm = key.Algorithm
		rrsig.Inception, rrsig.Expiration = sigLifetime(time.Now().UTC(), 3600*24*30)
		rrsig.SignerName = zone

		if err := rrsig.Sign(key.Signer, sorted.RRs); err != nil {
			return fmt.Errorf("SignRRset: rrsig.Sign(%s): %v", rrset.Name, err)
		}
		rrset.RRSIGs = append(rrset.RRSIGs, rrsig)
	}
	return nil
}

// Nsec3ChainSpec carries the parameters the chain is generated under.
type Nsec3ChainSpec struct {
	Iterations uint16
	Salt       string
}

// SignZoneChangeset builds the changeset that turns unsigned contents into
// signed ones: DNSKEYs and NSEC3PARAM at the apex, one NSEC3 per
// authoritative owner in hash order, and RRSIGs over every authoritative
// RRset. The SOA serial is bumped so the changeset passes the update
// preconditions.
func SignZoneChangeset(zc *ZoneContents, dak *DnssecKeys, chain Nsec3ChainSpec) (*ChangeSet, error) {
	if zc == nil || !zc.adjusted {
		return nil, ErrZoneNotReady
	}
	if dak == nil || len(dak.ZSKs) == 0 {
		return nil, fmt.Errorf("SignZoneChangeset: no ZSKs available")
	}

	oldSoa := zc.GetSOA()
	newSoa := dns.Copy(oldSoa).(*dns.SOA)
	newSoa.Serial = oldSoa.Serial + 1

	cs := &ChangeSet{
		SOABefore: oldSoa,
		SOAAfter:  newSoa,
		Removals:  []dns.RR{oldSoa},
		Additions: []dns.RR{newSoa},
	}

	ttl := oldSoa.Minttl

	// Apex DNSKEY set.
	dnskeys := &RRset{Name: zc.Origin, RRtype: dns.TypeDNSKEY}
	for _, key := range append(append([]*SigningKey{}, dak.KSKs...), dak.ZSKs...) {
		krr := dns.Copy(key.DnskeyRR).(*dns.DNSKEY)
		krr.Hdr.Name = zc.Origin
		krr.Hdr.Ttl = ttl
		dnskeys.AddRR(krr)
	}
	cs.Additions = append(cs.Additions, dnskeys.RRs...)

	param := &dns.NSEC3PARAM{
		Hdr: dns.RR_Header{Name: zc.Origin, Rrtype: dns.TypeNSEC3PARAM,
			Class: dns.ClassINET, Ttl: 0},
		Hash:       dns.SHA1,
		Flags:      0,
		Iterations: chain.Iterations,
		Salt:       chain.Salt,
		SaltLength: uint8(len(chain.Salt) / 2),
	}
	cs.Additions = append(cs.Additions, param)

	nsec3s, err := generateNsec3Chain(zc, param, ttl)
	if err != nil {
		return nil, err
	}
	cs.Additions = append(cs.Additions, nsec3s...)

	// RRSIGs over every authoritative RRset, with the records the
	// changeset itself introduces taken at their post-apply value.
	sign := func(rrset *RRset, owner string) error {
		tmp := RRset{Name: owner, RRtype: rrset.RRtype, RRs: rrset.RRs}
		if err := SignRRset(&tmp, zc.Origin, dak); err != nil {
			return err
		}
		cs.Additions = append(cs.Additions, tmp.RRSIGs...)
		return nil
	}

	var signErr error
	zc.Tree.InOrder(func(node *Node) bool {
		if node.Is(NodeNonAuth) || node.Is(NodeEmptyNonTerminal) {
			return true
		}
		for _, rrtype := range node.RRtypes.Keys() {
			// At a delegation point only the DS set is authoritative.
			if node.Is(NodeDelegation) && rrtype != dns.TypeDS {
				continue
			}
			rrset := node.RRtypes.GetOnlyRRSet(rrtype)
			if len(rrset.RRs) == 0 {
				continue
			}
			if node == zc.Apex && rrtype == dns.TypeSOA {
				continue // signed below with the new serial
			}
			if signErr = sign(&rrset, node.Name); signErr != nil {
				return false
			}
		}
		return true
	})
	if signErr != nil {
		return nil, signErr
	}

	// The sets introduced by this changeset.
	for _, extra := range []*RRset{
		{Name: zc.Origin, RRtype: dns.TypeSOA, RRs: []dns.RR{newSoa}},
		dnskeys,
		{Name: zc.Origin, RRtype: dns.TypeNSEC3PARAM, RRs: []dns.RR{param}},
	} {
		if err := SignRRset(extra, zc.Origin, dak); err != nil {
			return nil, err
		}
		cs.Additions = append(cs.Additions, extra.RRSIGs...)
	}
	for _, rr := range nsec3s {
		one := RRset{Name: rr.Header().Name, RRtype: dns.TypeNSEC3, RRs: []dns.RR{rr}}
		if err := SignRRset(&one, zc.Origin, dak); err != nil {
			return nil, err
		}
		cs.Additions = append(cs.Additions, one.RRSIGs...)
	}

	return cs, nil
}

// generateNsec3Chain hashes every authoritative owner and links the hashes
// into the circular NSEC3 chain in canonical hash order.
func generateNsec3Chain(zc *ZoneContents, param *dns.NSEC3PARAM, ttl uint32) ([]dns.RR, error) {
	type entry struct {
		hash  string // bare base32 hash label
		owner *Node
	}
	var entries []entry
	zc.Tree.InOrder(func(node *Node) bool {
		if node.Is(NodeNonAuth) {
			return true
		}
		hash := dns.HashName(node.Name, param.Hash, param.Iterations, param.Salt)
		if hash != "" {
			entries = append(entries, entry{hash: hash, owner: node})
		}
		return true
	})
	if len(entries) == 0 {
		return nil, fmt.Errorf("generateNsec3Chain: nothing to hash")
	}

	// Hash labels are uniform base32; plain lexical order is canonical.
	for i := 1; i < len(entries); i++ {
		for j := i; j > 0 && entries[j].hash < entries[j-1].hash; j-- {
			entries[j], entries[j-1] = entries[j-1], entries[j]
		}
	}

	var rrs []dns.RR
	for i, e := range entries {
		next := entries[(i+1)%len(entries)].hash
		owner, err := ConcatNames(e.hash, zc.Origin)
		if err != nil {
			return nil, err
		}

		bitmap := []uint16{dns.TypeRRSIG}
		for _, rrtype := range e.owner.RRtypes.Keys() {
			if e.owner.Is(NodeDelegation) && rrtype != dns.TypeNS && rrtype != dns.TypeDS {
				continue
			}
			bitmap = append(bitmap, rrtype)
		}
		if e.owner == zc.Apex {
			bitmap = append(bitmap, dns.TypeNSEC3PARAM, dns.TypeDNSKEY)
		}
		if e.owner.Is(NodeEmptyNonTerminal) {
			bitmap = []uint16{}
		}
		sortUint16(bitmap)

		rrs = append(rrs, &dns.NSEC3{
			Hdr: dns.RR_Header{Name: owner, Rrtype: dns.TypeNSEC3,
				Class: dns.ClassINET, Ttl: ttl},
			Hash:       param.Hash,
			Flags:      param.Flags,
			Iterations: param.Iterations,
			SaltLength: param.SaltLength,
			Salt:       param.Salt,
			HashLength: 20, // SHA-1
			NextDomain: next,
			TypeBitMap: dedupUint16(bitmap),
		})
	}
	return rrs, nil
}

func sortUint16(s []uint16) {
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && s[j] < s[j-1]; j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

func dedupUint16(s []uint16) []uint16 {
	out := s[:0]
	for i, v := range s {
		if i == 0 || v != s[i-1] {
			out = append(out, v)
		}
	}
	return out
}
