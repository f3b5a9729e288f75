/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package knot

import (
	"fmt"
	"sync"

	"github.com/miekg/dns"
)

// ZoneTransferIn pulls the zone from upstream via AXFR into fresh,
// un-adjusted contents.
func (zd *ZoneData) ZoneTransferIn(upstream string) (*ZoneContents, uint32, error) {
	if upstream == "" {
		return nil, 0, fmt.Errorf("ZoneTransferIn: zone %s: upstream not set", zd.ZoneName)
	}

	msg := new(dns.Msg)
	msg.SetAxfr(zd.ZoneName)

	zc := NewZoneContents(zd.ZoneName)

	transfer := new(dns.Transfer)
	answerChan, err := transfer.In(msg, withDefaultPort(upstream))
	if err != nil {
		return nil, 0, err
	}

	count := 0
	for envelope := range answerChan {
		if envelope.Error != nil {
			return nil, 0, fmt.Errorf("ZoneTransferIn: zone %s: %v", zd.ZoneName, envelope.Error)
		}
		for _, rr := range envelope.RR {
			// The stream is bracketed by the SOA; keep the first only.
			if rr.Header().Rrtype == dns.TypeSOA && count > 0 {
				continue
			}
			count++
			if err := zc.InsertRR(rr); err != nil {
				zd.Logger.Printf("ZoneTransferIn: zone %s: skipping %s: %v",
					zd.ZoneName, rr.Header().Name, err)
			}
		}
	}

	apex := zc.Tree.GetStaged(zd.ZoneName)
	if apex == nil {
		return nil, 0, fmt.Errorf("ZoneTransferIn: zone %s: empty transfer", zd.ZoneName)
	}
	soaRRset := apex.RRtypes.GetOnlyRRSet(dns.TypeSOA)
	if len(soaRRset.RRs) == 0 {
		return nil, 0, fmt.Errorf("ZoneTransferIn: zone %s: no SOA in transfer", zd.ZoneName)
	}
	serial := soaRRset.RRs[0].(*dns.SOA).Serial
	zd.Logger.Printf("ZoneTransferIn: zone %s transferred from %s: %d RRs, serial %d",
		zd.ZoneName, upstream, count, serial)
	return zc, serial, nil
}

// ZoneTransferOut serves AXFR (or IXFR when the journal covers the
// requested window; otherwise it degrades to AXFR, as RFC 1995 permits).
// The transfer walks one pinned contents version, so the stream is a
// coherent snapshot even while the zone is being updated.
func (zd *ZoneData) ZoneTransferOut(w dns.ResponseWriter, r *dns.Msg) (int, error) {
	if !zd.Options[OptAllowXfr] {
		m := new(dns.Msg)
		m.SetRcode(r, dns.RcodeRefused)
		w.WriteMsg(m)
		return 0, nil
	}

	zc, release := zd.AcquireContents()
	defer release()
	if zc == nil {
		m := new(dns.Msg)
		m.SetRcode(r, dns.RcodeServerFailure)
		w.WriteMsg(m)
		return 0, ErrZoneNotReady
	}

	if r.Question[0].Qtype == dns.TypeIXFR {
		if sent, served := zd.ixfrOut(w, r, zc); served {
			return sent, nil
		}
	}

	outbound := make(chan *dns.Envelope)
	tr := new(dns.Transfer)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		if err := tr.Out(w, r, outbound); err != nil {
			zd.Logger.Printf("Error from transfer.Out(): %v", err)
		}
		wg.Done()
	}()

	soa := zc.GetSOA()
	rrs := zc.AllRRs()
	rrs = append(rrs, soa) // trailing SOA

	total := 0
	for len(rrs) > 0 {
		n := len(rrs)
		if n > 400 {
			n = 400
		}
		outbound <- &dns.Envelope{RR: rrs[:n]}
		total += n
		rrs = rrs[n:]
	}
	close(outbound)
	wg.Wait()

	zd.Logger.Printf("ZoneTransferOut: %s: sent %d RRs", zd.ZoneName, total)
	return total, nil
}

// ixfrOut answers an IXFR from the journal when the client's serial window
// is fully covered. Returns (sent, true) when served incrementally.
func (zd *ZoneData) ixfrOut(w dns.ResponseWriter, r *dns.Msg, zc *ZoneContents) (int, bool) {
	if zd.Journal == nil || len(r.Ns) == 0 {
		return 0, false
	}
	clientSoa, ok := r.Ns[0].(*dns.SOA)
	if !ok {
		return 0, false
	}
	if clientSoa.Serial == zc.Serial {
		// Client is current: single SOA answer.
		m := new(dns.Msg)
		m.SetReply(r)
		m.Authoritative = true
		m.Answer = append(m.Answer, zc.GetSOA())
		w.WriteMsg(m)
		return 1, true
	}

	changesets, err := zd.Journal.ChangesetsSince(zd.ZoneName, clientSoa.Serial)
	if err != nil || len(changesets) == 0 || changesets[0].FromSerial != clientSoa.Serial {
		return 0, false // window not covered, fall back to AXFR
	}

	// IXFR stream: SOA(new) { SOA(old) removals SOA(new) additions } SOA(new)
	var rrs []dns.RR
	newSoa := zc.GetSOA()
	rrs = append(rrs, newSoa)
	for _, cs := range changesets {
		rrs = append(rrs, cs.SOABefore)
		rrs = append(rrs, cs.Removals...)
		rrs = append(rrs, cs.SOAAfter)
		rrs = append(rrs, cs.Additions...)
	}
	rrs = append(rrs, newSoa)

	m := new(dns.Msg)
	m.SetReply(r)
	m.Authoritative = true
	m.Answer = rrs
	w.WriteMsg(m)
	return len(rrs), true
}
