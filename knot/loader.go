/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package knot

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/miekg/dns"
)

// The zone loader: file or string in, un-adjusted ZoneContents out. The
// adjust pass runs at publish time, not here, so a loaded contents can
// still be amended (journal catch-up, signer changesets) cheaply.

// ReadZoneFile parses the zone file into fresh contents. Returns
// (contents, serial, error); contents is nil when the file's SOA serial is
// unchanged from the zone's incoming serial and force is not set.
func (zd *ZoneData) ReadZoneFile(filename string, force bool) (*ZoneContents, uint32, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, 0, fmt.Errorf("ReadZoneFile: failed to read %s: %v", filename, err)
	}
	defer f.Close()
	return zd.ParseZoneFromReader(bufio.NewReader(f), force)
}

// ReadZoneData parses zone data held in a string.
func (zd *ZoneData) ReadZoneData(zonedata string, force bool) (*ZoneContents, uint32, error) {
	return zd.ParseZoneFromReader(strings.NewReader(zonedata), force)
}

func (zd *ZoneData) ParseZoneFromReader(r io.Reader, force bool) (*ZoneContents, uint32, error) {
	zc := NewZoneContents(zd.ZoneName)

	zp := dns.NewZoneParser(r, zd.ZoneName, "")
	zp.SetIncludeAllowed(true)

	firstSoaSeen := false
	for rr, ok := zp.Next(); ok; rr, ok = zp.Next() {
		if zd.Options[OptFoldCase] {
			rr.Header().Name = FoldName(rr.Header().Name)
		}
		if soa, isSoa := rr.(*dns.SOA); isSoa && !firstSoaSeen {
			firstSoaSeen = true
			if soa.Serial == zd.IncomingSerial && !force {
				zd.Logger.Printf("ParseZoneFromReader: %s: SOA serial %d unchanged, reload not needed",
					zd.ZoneName, soa.Serial)
				return nil, soa.Serial, nil
			}
		}
		if err := zc.InsertRR(rr); err != nil {
			zd.Logger.Printf("ParseZoneFromReader: Zone %s: skipping %s: %v",
				zd.ZoneName, rr.Header().Name, err)
		}
	}
	if err := zp.Err(); err != nil {
		return nil, 0, fmt.Errorf("ParseZoneFromReader: Zone %s: %v", zd.ZoneName, err)
	}

	apex := zc.Tree.GetStaged(zd.ZoneName)
	if apex == nil {
		return nil, 0, fmt.Errorf("ParseZoneFromReader: Zone %s: no data at apex", zd.ZoneName)
	}
	soaRRset := apex.RRtypes.GetOnlyRRSet(dns.TypeSOA)
	if len(soaRRset.RRs) == 0 {
		return nil, 0, fmt.Errorf("ParseZoneFromReader: Zone %s: no SOA at apex", zd.ZoneName)
	}
	// Later SOAs in the stream (IXFR-style dumps) must not widen the set.
	if len(soaRRset.RRs) > 1 {
		soaRRset.RRs = soaRRset.RRs[:1]
		apex.RRtypes.Set(dns.TypeSOA, soaRRset)
	}

	serial := soaRRset.RRs[0].(*dns.SOA).Serial
	return zc, serial, nil
}

// Refresh brings the zone up to date from its source: the zone file for a
// primary, AXFR from upstream for a secondary. On success the new contents
// are adjusted and published, and when the serial advanced the reload is
// recorded in the journal as a changeset. Journal changesets are not
// replayed here. Returns whether new contents were published.
func (zd *ZoneData) Refresh(force bool) (bool, error) {
	zd.mu.Lock()
	defer zd.mu.Unlock()

	if zd.Options[OptFoldCase] {
		zd.ZoneName = FoldName(zd.ZoneName)
	}

	var zc *ZoneContents
	var serial uint32
	var err error

	switch zd.ZoneType {
	case Primary:
		zc, serial, err = zd.ReadZoneFile(zd.Zonefile, force)
	case Secondary:
		var transfer bool
		transfer, serial, err = zd.shouldTransfer()
		if err != nil {
			return false, err
		}
		if !transfer && !force {
			zd.Logger.Printf("Refresh: %s: upstream serial unchanged: %d", zd.ZoneName, zd.IncomingSerial)
			return false, nil
		}
		zc, serial, err = zd.ZoneTransferIn(zd.Upstream)
	default:
		return false, fmt.Errorf("cannot refresh zone %s of unknown type %d", zd.ZoneName, zd.ZoneType)
	}
	if err != nil {
		zd.SetError(RefreshError, "refresh failed: %v", err)
		return false, err
	}
	if zc == nil {
		return false, nil // serial unchanged
	}

	base := zd.Contents()
	if err := zd.Publish(zc); err != nil {
		return false, err
	}
	zd.IncomingSerial = serial
	zd.RefreshCount++
	zd.SetError(NoError, "")

	// A reload arrives as a whole zone; journal it as the equivalent
	// changeset so IXFR and catch-up cover file and transfer reloads too.
	if zd.Journal != nil && base != nil && serialAdvances(base.Serial, zc.Serial) {
		cs := DiffContents(base, zc)
		if err := zd.Journal.StoreChangeset(zd.ZoneName, cs); err != nil {
			zd.Logger.Printf("Refresh: zone %s: journal store failed: %v", zd.ZoneName, err)
		}
	}

	zd.Logger.Printf("Refresh: zone %s: published serial %d (%d owners)",
		zd.ZoneName, zc.Serial, zc.Tree.Count())
	return true, nil
}

// shouldTransfer asks the upstream for its SOA serial. Returns whether a
// transfer is warranted and the upstream serial.
func (zd *ZoneData) shouldTransfer() (bool, uint32, error) {
	m := new(dns.Msg)
	m.SetQuestion(zd.ZoneName, dns.TypeSOA)

	upstream := withDefaultPort(zd.Upstream)
	r, err := dns.Exchange(m, upstream)
	if err != nil {
		return false, 0, err
	}
	if r.Rcode != dns.RcodeSuccess || len(r.Answer) == 0 {
		return false, 0, nil
	}
	if soa, ok := r.Answer[0].(*dns.SOA); ok {
		return serialAdvances(zd.IncomingSerial, soa.Serial), soa.Serial, nil
	}
	return false, 0, nil
}
