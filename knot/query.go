/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package knot

import (
	"context"
	"fmt"
	"time"

	"github.com/miekg/dns"
)

// The query state machine. One request runs BEGIN -> CLASSIFY -> RESOLVE,
// lands in one of ANSWER / REFERRAL / NODATA / NXDOMAIN (possibly via a
// CNAME chain re-entering RESOLVE), then AUTHORITY -> ADDITIONAL -> SIGN ->
// DONE. All lookups happen against one pinned ZoneContents version, so a
// response never mixes records from two zone versions.

type QueryState uint8

const (
	StateBegin QueryState = iota
	StateClassify
	StateResolve
	StateAnswer
	StateReferral
	StateNodata
	StateNxdomain
	StateCnameChain
	StateAuthority
	StateAdditional
	StateSign
	StateDone
	StateError
)

const maxCnameChase = 8

// Classify computes the query class from opcode and qtype. Only
// ClassNormal engages the authoritative lookup path.
func Classify(m *dns.Msg) QueryClass {
	switch m.Opcode {
	case dns.OpcodeQuery:
		if len(m.Question) != 1 {
			return ClassInvalid
		}
		switch m.Question[0].Qtype {
		case dns.TypeAXFR:
			return ClassAxfr
		case dns.TypeIXFR:
			return ClassIxfr
		}
		return ClassNormal
	case dns.OpcodeNotify:
		return ClassNotify
	case dns.OpcodeUpdate:
		return ClassUpdate
	}
	return ClassInvalid
}

// resolution carries the outcome of the RESOLVE state into the section
// assembly states.
type resolution struct {
	state     QueryState
	node      *Node  // matched or wildcard node
	encloser  *Node  // closest encloser (NXDOMAIN, wildcard)
	cut       *Node  // delegation point (REFERRAL)
	wildcard  bool   // answer synthesised from a wildcard
	origQname string // owner to emit on synthesised answers
}

// resolve runs the closest-encloser search and the RESOLVE case analysis
// for one owner name.
func (zc *ZoneContents) resolve(qname string, qtype uint16) resolution {
	encloser, exact := zc.FindClosestEncloser(qname)

	// A zone cut strictly below the apex intercepts everything under it,
	// except a DS query at the cut itself, which the parent side answers.
	if cut := zc.FindDelegation(qname); cut != nil {
		if exact != cut || qtype != dns.TypeDS {
			return resolution{state: StateReferral, cut: cut, origQname: qname}
		}
	}

	if exact != nil {
		if exact.Is(NodeEmptyNonTerminal) {
			return resolution{state: StateNodata, node: exact, origQname: qname}
		}
		if _, ok := exact.RRtypes.Get(qtype); ok {
			return resolution{state: StateAnswer, node: exact, origQname: qname}
		}
		if _, ok := exact.RRtypes.Get(dns.TypeCNAME); ok && qtype != dns.TypeCNAME {
			return resolution{state: StateCnameChain, node: exact, origQname: qname}
		}
		return resolution{state: StateNodata, node: exact, origQname: qname}
	}

	// Wildcard synthesis. A wildcard never promotes a delegation: a
	// wildcard node carrying NS does not synthesise referrals.
	if wc := zc.FindWildcard(encloser); wc != nil && !wc.Is(NodeDelegation) {
		if _, ok := wc.RRtypes.Get(qtype); ok {
			return resolution{state: StateAnswer, node: wc, encloser: encloser,
				wildcard: true, origQname: qname}
		}
		if _, ok := wc.RRtypes.Get(dns.TypeCNAME); ok && qtype != dns.TypeCNAME {
			return resolution{state: StateCnameChain, node: wc, encloser: encloser,
				wildcard: true, origQname: qname}
		}
		return resolution{state: StateNodata, node: wc, encloser: encloser,
			wildcard: true, origQname: qname}
	}

	return resolution{state: StateNxdomain, encloser: encloser, origQname: qname}
}

// QueryResponder answers one ClassNormal query against the zone's current
// contents. It is cancellable at section boundaries: once ctx is done the
// partially built response is dropped without being written.
func (zd *ZoneData) QueryResponder(ctx context.Context, w dns.ResponseWriter, req *dns.Msg,
	qname string, qtype uint16, dnssecOK bool) error {

	zc, release := zd.AcquireContents()
	defer release()
	if zc == nil {
		m := new(dns.Msg)
		m.SetRcode(req, dns.RcodeServerFailure)
		w.WriteMsg(m)
		return ErrZoneNotReady
	}

	if !IsSubdomain(qname, zc.Origin) {
		m := new(dns.Msg)
		m.SetRcode(req, dns.RcodeRefused)
		w.WriteMsg(m)
		return fmt.Errorf("%w: %s vs apex %s", ErrOutOfZone, qname, zc.Origin)
	}

	budget := 0
	if w.RemoteAddr() != nil && w.RemoteAddr().Network() == "udp" {
		budget = UdpBudget(req)
	}
	resp := NewResponse(req, budget)
	resp.Msg.Authoritative = true
	signed := zc.Nsec3Params != nil

	// RESOLVE, re-entered through CNAME chains.
	resp.Begin(SectionAnswer)
	var res resolution
	seen := map[string]bool{}
	cur := qname
	for chase := 0; ; chase++ {
		res = zc.resolve(cur, qtype)
		if res.state != StateCnameChain {
			break
		}
		cname := res.node.RRtypes.GetOnlyRRSet(dns.TypeCNAME)
		if res.wildcard {
			synth := &RRset{RRs: WildcardReplace(cname.RRs, res.origQname),
				RRSIGs: WildcardReplace(cname.RRSIGs, res.origQname)}
			resp.Put(synth, RRsetCheckDup|RRsetCompressible, dnssecOK && signed)
		} else {
			resp.Put(&cname, RRsetCheckDup|RRsetCompressible, dnssecOK && signed)
		}
		if len(cname.RRs) == 0 {
			res.state = StateNodata
			break
		}
		tgt := cname.RRs[0].(*dns.CNAME).Target
		if !IsSubdomain(tgt, zc.Origin) || seen[FoldName(tgt)] || chase >= maxCnameChase {
			// Out of zone, loop, or chase budget spent: answer with what
			// we have and let the client take it from here.
			res.state = StateDone
			break
		}
		seen[FoldName(cur)] = true
		cur = tgt
	}

	switch res.state {
	case StateAnswer:
		rrset := res.node.RRtypes.GetOnlyRRSet(qtype)
		if res.wildcard {
			synth := &RRset{RRs: WildcardReplace(rrset.RRs, res.origQname),
				RRSIGs: WildcardReplace(rrset.RRSIGs, res.origQname)}
			resp.Put(synth, RRsetCheckDup|RRsetCompressible, dnssecOK && signed)
		} else {
			resp.Put(&rrset, RRsetCheckDup|RRsetCompressible, dnssecOK && signed)
		}
	case StateReferral:
		resp.Msg.Authoritative = false
	case StateNxdomain:
		resp.Msg.Rcode = dns.RcodeNameError
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	// AUTHORITY.
	resp.Begin(SectionAuthority)
	switch res.state {
	case StateNodata, StateNxdomain:
		soa := zc.Apex.RRtypes.GetOnlyRRSet(dns.TypeSOA)
		resp.Put(&soa, RRsetCompressible, dnssecOK && signed)
		if dnssecOK && signed {
			var proof []*RRset
			switch res.state {
			case StateNodata:
				name := res.origQname
				if res.wildcard {
					name = res.node.Name
				}
				proof = zc.Nsec3NodataProof(name)
			case StateNxdomain:
				proof = zc.Nsec3ClosestEncloserProof(res.origQname, res.encloser)
			}
			for _, rrset := range proof {
				resp.Put(rrset, RRsetCheckDup, true)
			}
		}
	case StateAnswer:
		if res.wildcard && dnssecOK && signed {
			for _, rrset := range zc.Nsec3WildcardProof(res.origQname, res.encloser) {
				resp.Put(rrset, RRsetCheckDup, true)
			}
		}
	case StateReferral:
		ns := res.cut.RRtypes.GetOnlyRRSet(dns.TypeNS)
		resp.Put(&ns, RRsetCompressible, false)
		if dnssecOK && signed {
			if ds, ok := res.cut.RRtypes.Get(dns.TypeDS); ok {
				resp.Put(&ds, RRsetCompressible, true)
			} else {
				for _, rrset := range zc.Nsec3DSAbsenceProof(res.cut.Name) {
					resp.Put(rrset, RRsetCheckDup, true)
				}
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	// ADDITIONAL: A/AAAA glue for in-bailiwick targets of the NS/MX/SRV
	// records we emitted, one level deep, never chasing out of zone.
	resp.Begin(SectionAdditional)
	emitted := RRset{RRs: append(append([]dns.RR{}, resp.Msg.Answer...), resp.Msg.Ns...)}
	v4glue, v6glue := zc.FindGlue(emitted)
	resp.Put(v4glue, RRsetCheckDup|RRsetCompressible, dnssecOK && signed)
	resp.Put(v6glue, RRsetCheckDup|RRsetCompressible, dnssecOK && signed)

	if opt := req.IsEdns0(); opt != nil {
		resp.PutOpt(uint16(dns.DefaultMsgSize), dnssecOK)
	}

	if err := ctx.Err(); err != nil {
		return err
	}

	// SIGN: TSIG over the finished response when the request carried a
	// verified signature. TSIG responses go through WriteMsg so the
	// transport computes the signature over the message it sends;
	// everything else is emitted through the packet module's own packer.
	m := resp.Finalize()
	if tsig := req.IsTsig(); tsig != nil && w.TsigStatus() == nil {
		m.SetTsig(tsig.Hdr.Name, tsig.Algorithm, 300, time.Now().Unix())
		return w.WriteMsg(m)
	}
	wire, err := resp.Pack()
	if err != nil {
		zd.Logger.Printf("QueryResponder: pack failed (%v), falling back to WriteMsg", err)
		return w.WriteMsg(m)
	}
	_, err = w.Write(wire)
	return err
}
