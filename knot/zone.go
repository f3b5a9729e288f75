/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package knot

import (
	"fmt"
	"net"

	"github.com/miekg/dns"
)

func withDefaultPort(addr string) string {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return net.JoinHostPort(addr, "53")
	}
	return addr
}

// NewZoneData creates the long-lived handle for a configured zone. No
// contents exist until the first Refresh publishes some.
func NewZoneData(zconf *ZoneConf) (*ZoneData, error) {
	if !dns.IsFqdn(zconf.Name) {
		return nil, fmt.Errorf("zone name %q must be fully qualified", zconf.Name)
	}
	zd := &ZoneData{
		ZoneName: dns.Fqdn(zconf.Name),
		Zonefile: zconf.Zonefile,
		Upstream: zconf.Primary,
		Options:  map[ZoneOption]bool{},
	}
	switch zconf.Type {
	case "primary":
		zd.ZoneType = Primary
		if zconf.Zonefile == "" {
			return nil, fmt.Errorf("primary zone %s has no zonefile", zconf.Name)
		}
	case "secondary":
		zd.ZoneType = Secondary
		if zconf.Primary == "" {
			return nil, fmt.Errorf("secondary zone %s has no primary", zconf.Name)
		}
	default:
		return nil, fmt.Errorf("zone %s: unknown type %q", zconf.Name, zconf.Type)
	}
	for _, d := range zconf.Notify {
		zd.Downstreams = append(zd.Downstreams, withDefaultPort(d))
	}
	for _, optstr := range zconf.OptionsStrs {
		if opt, exist := StringToZoneOption[optstr]; exist {
			zd.Options[opt] = true
		}
	}
	return zd, nil
}

// SetOption flips a zone option under the writer lock.
func (zd *ZoneData) SetOption(option ZoneOption, value bool) {
	zd.mu.Lock()
	zd.Options[option] = value
	zd.mu.Unlock()
}

// CurrentSerial returns the serial of the published contents, 0 if none.
func (zd *ZoneData) CurrentSerial() uint32 {
	zc := zd.Contents()
	if zc == nil {
		return 0
	}
	return zc.Serial
}

// NotifyDownstreams tells the configured secondaries that the zone moved.
func (zd *ZoneData) NotifyDownstreams() error {
	for _, d := range zd.Downstreams {
		m := new(dns.Msg)
		m.SetNotify(zd.ZoneName)
		r, err := dns.Exchange(m, d)
		if err != nil {
			// well, we tried
			zd.Logger.Printf("Error from downstream %s on Notify(%s): %v", d, zd.ZoneName, err)
			continue
		}
		if r.Opcode != dns.OpcodeNotify {
			zd.Logger.Printf("Error: not a NOTIFY QR from downstream %s on Notify(%s): %s",
				d, zd.ZoneName, dns.OpcodeToString[r.Opcode])
		}
	}
	return nil
}

// BumpSerial rewrites the apex SOA serial through the regular update path,
// so the bump is journalled and atomically published like any other change.
func (zd *ZoneData) BumpSerial() (uint32, uint32, error) {
	zc := zd.Contents()
	if zc == nil {
		return 0, 0, ErrZoneNotReady
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
	if err := zd.Update(cs); err != nil {
		return oldSoa.Serial, oldSoa.Serial, err
	}
	zd.NotifyDownstreams()
	return oldSoa.Serial, newSoa.Serial, nil
}
