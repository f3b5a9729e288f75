/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package knot

import (
	"github.com/miekg/dns"
)

// Response wraps a dns.Msg being assembled with explicit section state.
// Sections only advance (EMPTY -> QUESTION -> ANSWER -> AUTHORITY ->
// ADDITIONAL -> FROZEN); an attempt to step backwards is a programming
// error surfaced as ErrConstraintViolation rather than silent reordering.
//
// Every Put is recorded twice: the records land in the dns.Msg sections
// (for introspection and for the TSIG path, where the transport must sign
// the message itself) and as an RRset entry carrying the caller's flags.
// Pack() emits the entries through RRset.ToWire, so the canonical rdata
// order and the per-RRset compression decision govern the bytes actually
// sent. Size budgeting and the TC bit are handled at Finalize time: the
// spec's choice (a), dropping whole trailing sections for predictability,
// rather than leaving a partially emitted section behind.

type Section uint8

const (
	SectionEmpty Section = iota
	SectionQuestion
	SectionAnswer
	SectionAuthority
	SectionAdditional
	SectionFrozen
)

var SectionToString = map[Section]string{
	SectionEmpty:      "EMPTY",
	SectionQuestion:   "QUESTION",
	SectionAnswer:     "ANSWER",
	SectionAuthority:  "AUTHORITY",
	SectionAdditional: "ADDITIONAL",
	SectionFrozen:     "FROZEN",
}

type sectionEntry struct {
	section Section
	rrset   *RRset
	flags   RRsetFlags
}

type Response struct {
	Msg     *dns.Msg
	Budget  int // maximum packed size; 0 means no limit (TCP)
	section Section

	entries []sectionEntry
	notrunc map[dns.RR]bool // records exempt from truncation drops
}

// NewResponse starts a reply to req with the question section in place.
func NewResponse(req *dns.Msg, budget int) *Response {
	m := new(dns.Msg)
	m.SetReply(req)
	return &Response{
		Msg:     m,
		Budget:  budget,
		section: SectionQuestion,
		notrunc: map[dns.RR]bool{},
	}
}

// Begin advances to section s. Advancing past intermediate sections is
// fine; going back is not.
func (r *Response) Begin(s Section) error {
	if s < r.section || r.section == SectionFrozen {
		return ErrConstraintViolation
	}
	r.section = s
	return nil
}

func (r *Response) sectionSlice() *[]dns.RR {
	switch r.section {
	case SectionAnswer:
		return &r.Msg.Answer
	case SectionAuthority:
		return &r.Msg.Ns
	case SectionAdditional:
		return &r.Msg.Extra
	}
	return nil
}

// Put serialises an RRset (and, when withSigs, its RRSIGs) into the
// current section, in canonical rdata order. RRsetCheckDup suppresses
// records already present in the section; RRsetNoTrunc marks the records
// as never dropped for space; RRsetCompressible allows name compression
// for the set when Pack emits it.
func (r *Response) Put(rrset *RRset, flags RRsetFlags, withSigs bool) error {
	if rrset == nil {
		return nil
	}
	slice := r.sectionSlice()
	if slice == nil {
		return ErrConstraintViolation
	}

	add := func(rr dns.RR) bool {
		if flags&RRsetCheckDup != 0 {
			for _, old := range *slice {
				if old.Header().Rrtype == rr.Header().Rrtype && dns.IsDuplicate(old, rr) {
					return false
				}
			}
		}
		*slice = append(*slice, rr)
		if flags&RRsetNoTrunc != 0 {
			r.notrunc[rr] = true
		}
		return true
	}

	// Sort a copy: the source slice may be shared with live zone contents.
	emit := &RRset{Name: rrset.Name, RRtype: rrset.RRtype,
		RRs: append([]dns.RR{}, rrset.RRs...)}
	emit.SortCanonical()

	var kept []dns.RR
	for _, rr := range emit.RRs {
		if add(rr) {
			kept = append(kept, rr)
		}
	}
	if len(kept) > 0 {
		r.entries = append(r.entries, sectionEntry{
			section: r.section,
			rrset:   &RRset{Name: rrset.Name, RRtype: rrset.RRtype, RRs: kept},
			flags:   flags,
		})
	}

	if withSigs {
		var keptSigs []dns.RR
		for _, sig := range rrset.RRSIGs {
			if add(sig) {
				keptSigs = append(keptSigs, sig)
			}
		}
		if len(keptSigs) > 0 {
			r.entries = append(r.entries, sectionEntry{
				section: r.section,
				rrset:   &RRset{Name: rrset.Name, RRtype: dns.TypeRRSIG, RRs: keptSigs},
				flags:   flags,
			})
		}
	}
	return nil
}

// PutRRs is Put for a bare record slice.
func (r *Response) PutRRs(rrs []dns.RR, flags RRsetFlags) error {
	return r.Put(&RRset{RRs: rrs}, flags, false)
}

// PutOpt emits the EDNS OPT pseudo-record. It lives in ADDITIONAL and must
// precede any TSIG, which SetTsig appends after us.
func (r *Response) PutOpt(udpsize uint16, do bool) error {
	if r.section > SectionAdditional {
		return ErrConstraintViolation
	}
	r.section = SectionAdditional
	opt := new(dns.OPT)
	opt.Hdr.Name = "."
	opt.Hdr.Rrtype = dns.TypeOPT
	opt.SetUDPSize(udpsize)
	opt.SetDo(do)
	r.Msg.Extra = append(r.Msg.Extra, opt)
	r.notrunc[opt] = true
	r.entries = append(r.entries, sectionEntry{
		section: SectionAdditional,
		rrset:   &RRset{RRs: []dns.RR{opt}},
		flags:   RRsetNoTrunc,
	})
	return nil
}

// Finalize freezes the response and enforces the size budget. Section
// counts need no reconciliation: both Pack and the dns library derive them
// from the records actually emitted.
func (r *Response) Finalize() *dns.Msg {
	r.section = SectionFrozen
	r.truncateToBudget()
	return r.Msg
}

// Pack emits the frozen response through RRset.ToWire: header and question
// via the dns library, then each recorded RRset in canonical rdata order,
// with name compression only for sets flagged compressible (and, within
// those, only for rdata fields of the compressed-name kind). The header
// counts are patched from the records actually written.
func (r *Response) Pack() ([]byte, error) {
	skel := new(dns.Msg)
	skel.MsgHdr = r.Msg.MsgHdr
	skel.Question = r.Msg.Question
	base, err := skel.Pack()
	if err != nil {
		return nil, ErrMalformed
	}

	size := r.Budget
	if size <= 0 || size > dns.MaxMsgSize {
		size = dns.MaxMsgSize
	}
	if len(base) > size {
		return nil, ErrNoSpace
	}
	buf := make([]byte, size)
	copy(buf, base)
	off := len(base)

	compr := map[string]int{}
	var counts [3]int
	for _, e := range r.entries {
		var idx int
		switch e.section {
		case SectionAnswer:
			idx = 0
		case SectionAuthority:
			idx = 1
		case SectionAdditional:
			idx = 2
		default:
			continue
		}
		cm := compr
		if e.flags&RRsetCompressible == 0 {
			cm = nil
		}
		off, err = e.rrset.ToWire(buf, off, cm)
		if err != nil {
			return nil, err
		}
		counts[idx] += len(e.rrset.RRs)
	}

	buf[6] = byte(counts[0] >> 8)
	buf[7] = byte(counts[0])
	buf[8] = byte(counts[1] >> 8)
	buf[9] = byte(counts[1])
	buf[10] = byte(counts[2] >> 8)
	buf[11] = byte(counts[2])
	return buf[:off], nil
}

func (r *Response) keepOnly(rrs []dns.RR) []dns.RR {
	var kept []dns.RR
	for _, rr := range rrs {
		if r.notrunc[rr] {
			kept = append(kept, rr)
		}
	}
	return kept
}

func droppable(rrs []dns.RR, notrunc map[dns.RR]bool) bool {
	for _, rr := range rrs {
		if !notrunc[rr] {
			return true
		}
	}
	return false
}

// dropSection empties one section down to its no-truncate records, in both
// the message and the entry list Pack works from.
func (r *Response) dropSection(s Section) {
	switch s {
	case SectionAnswer:
		r.Msg.Answer = r.keepOnly(r.Msg.Answer)
	case SectionAuthority:
		r.Msg.Ns = r.keepOnly(r.Msg.Ns)
	case SectionAdditional:
		r.Msg.Extra = r.keepOnly(r.Msg.Extra)
	}
	var kept []sectionEntry
	for _, e := range r.entries {
		if e.section != s || e.flags&RRsetNoTrunc != 0 {
			kept = append(kept, e)
		}
	}
	r.entries = kept
}

// truncateToBudget drops sections from the back until the message fits:
// all of ADDITIONAL (minus OPT and TSIG) first, then AUTHORITY, then
// ANSWER. TC is set as soon as a record not marked no-truncate is dropped.
func (r *Response) truncateToBudget() {
	if r.Budget <= 0 || r.Msg.Len() <= r.Budget {
		return
	}
	if droppable(r.Msg.Extra, r.notrunc) {
		r.dropSection(SectionAdditional)
		r.Msg.Truncated = true
	}
	if r.Msg.Len() <= r.Budget {
		return
	}
	if droppable(r.Msg.Ns, r.notrunc) {
		r.dropSection(SectionAuthority)
		r.Msg.Truncated = true
	}
	if r.Msg.Len() <= r.Budget {
		return
	}
	if droppable(r.Msg.Answer, r.notrunc) {
		r.dropSection(SectionAnswer)
		r.Msg.Truncated = true
	}
}

// ValidateQuery enforces the request-side packet rules the header-level
// accept function cannot see: exactly one question, at most one OPT in the
// whole message, and TSIG (when present) as the very last record of
// ADDITIONAL. Trailing-garbage detection happens during unpack in the dns
// library; a message that reaches us parsed cleanly has no tail.
func ValidateQuery(m *dns.Msg) error {
	if len(m.Question) != 1 {
		return ErrMalformed
	}
	opts := 0
	for _, rr := range m.Answer {
		if rr.Header().Rrtype == dns.TypeTSIG {
			return ErrMalformed
		}
	}
	for _, rr := range m.Ns {
		if rr.Header().Rrtype == dns.TypeTSIG {
			return ErrMalformed
		}
	}
	for _, sec := range [][]dns.RR{m.Answer, m.Ns, m.Extra} {
		for _, rr := range sec {
			if rr.Header().Rrtype == dns.TypeOPT {
				if opts++; opts > 1 {
					return ErrMalformed
				}
			}
		}
	}
	// TSIG is only legal as the very last record of ADDITIONAL.
	for i, rr := range m.Extra {
		if rr.Header().Rrtype == dns.TypeTSIG && i != len(m.Extra)-1 {
			return ErrMalformed
		}
	}
	return nil
}

// UdpBudget returns the response size budget for a query: the EDNS
// announced payload (clamped to a sane window) or the classic 512.
func UdpBudget(m *dns.Msg) int {
	if opt := m.IsEdns0(); opt != nil {
		size := int(opt.UDPSize())
		if size < dns.MinMsgSize {
			return dns.MinMsgSize
		}
		if size > dns.DefaultMsgSize {
			return dns.DefaultMsgSize
		}
		return size
	}
	return dns.MinMsgSize
}
