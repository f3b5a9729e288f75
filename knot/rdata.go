/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package knot

import (
	"github.com/miekg/dns"
)

// Rdata layout is described by a per-type list of field kinds. The table
// drives three things: which rdata fields hold domain names (for the adjust
// pass and for additional-section processing), which of those names may be
// compressed on the wire, and how to compute the canonical form used for
// ordering and duplicate detection. Types not in the table are treated as a
// single opaque field, per RFC 3597.

type RdataFieldKind uint8

const (
	FieldOpaque RdataFieldKind = iota
	FieldCompressedName            // may be compressed in well-known-type rdata
	FieldUncompressedName          // name, never compressed on emission
	FieldLiteralName               // name, not even downcased for DNSSEC
	FieldUint8
	FieldUint16
	FieldUint32
	FieldIPv4
	FieldIPv6
	FieldBinaryTail // variable-length remainder
)

var typeDescriptors = map[uint16][]RdataFieldKind{
	dns.TypeNS:    {FieldCompressedName},
	dns.TypeCNAME: {FieldCompressedName},
	dns.TypePTR:   {FieldCompressedName},
	dns.TypeDNAME: {FieldUncompressedName},
	dns.TypeMX:    {FieldUint16, FieldCompressedName},
	dns.TypeSOA: {FieldCompressedName, FieldCompressedName,
		FieldUint32, FieldUint32, FieldUint32, FieldUint32, FieldUint32},
	dns.TypeSRV:        {FieldUint16, FieldUint16, FieldUint16, FieldUncompressedName},
	dns.TypeA:          {FieldIPv4},
	dns.TypeAAAA:       {FieldIPv6},
	dns.TypeTXT:        {FieldBinaryTail},
	dns.TypeDS:         {FieldUint16, FieldUint8, FieldUint8, FieldBinaryTail},
	dns.TypeDNSKEY:     {FieldUint16, FieldUint8, FieldUint8, FieldBinaryTail},
	dns.TypeNSEC:       {FieldUncompressedName, FieldBinaryTail},
	dns.TypeNSEC3:      {FieldUint8, FieldUint8, FieldUint16, FieldBinaryTail},
	dns.TypeNSEC3PARAM: {FieldUint8, FieldUint8, FieldUint16, FieldBinaryTail},
	dns.TypeRRSIG: {FieldUint16, FieldUint8, FieldUint8, FieldUint32,
		FieldUint32, FieldUint32, FieldUint16, FieldLiteralName, FieldBinaryTail},
	dns.TypeTLSA: {FieldUint8, FieldUint8, FieldUint8, FieldBinaryTail},
}

// RdataField is one decoded field of a packed rdata.
type RdataField struct {
	Kind RdataFieldKind
	Data []byte
}

// RdataFieldIter splits packed rdata bytes into typed fields per the
// descriptor table. Unknown types yield a single opaque field. A descriptor
// that runs past the rdata end reports ErrMalformed.
func RdataFieldIter(rrtype uint16, rdata []byte) ([]RdataField, error) {
	desc, known := typeDescriptors[rrtype]
	if !known {
		return []RdataField{{Kind: FieldOpaque, Data: rdata}}, nil
	}

	var fields []RdataField
	off := 0
	for _, kind := range desc {
		if off > len(rdata) {
			return nil, ErrMalformed
		}
		switch kind {
		case FieldCompressedName, FieldUncompressedName, FieldLiteralName:
			_, end, err := ParseName(rdata, off)
			if err != nil {
				return nil, err
			}
			fields = append(fields, RdataField{Kind: kind, Data: rdata[off:end]})
			off = end
		case FieldUint8:
			if off+1 > len(rdata) {
				return nil, ErrMalformed
			}
			fields = append(fields, RdataField{Kind: kind, Data: rdata[off : off+1]})
			off++
		case FieldUint16:
			if off+2 > len(rdata) {
				return nil, ErrMalformed
			}
			fields = append(fields, RdataField{Kind: kind, Data: rdata[off : off+2]})
			off += 2
		case FieldUint32:
			if off+4 > len(rdata) {
				return nil, ErrMalformed
			}
			fields = append(fields, RdataField{Kind: kind, Data: rdata[off : off+4]})
			off += 4
		case FieldIPv4:
			if off+4 > len(rdata) {
				return nil, ErrMalformed
			}
			fields = append(fields, RdataField{Kind: kind, Data: rdata[off : off+4]})
			off += 4
		case FieldIPv6:
			if off+16 > len(rdata) {
				return nil, ErrMalformed
			}
			fields = append(fields, RdataField{Kind: kind, Data: rdata[off : off+16]})
			off += 16
		case FieldBinaryTail:
			fields = append(fields, RdataField{Kind: kind, Data: rdata[off:]})
			off = len(rdata)
		default:
			fields = append(fields, RdataField{Kind: FieldOpaque, Data: rdata[off:]})
			off = len(rdata)
		}
	}
	return fields, nil
}

// rdataNameRefs returns pointers to the domain-name fields inside a typed RR.
// The adjust pass rewrites these to the zone's interned owner strings, and
// canonical rdata formatting downcases them. RRSIG signer
// names are literal (never rewritten); they are deliberately absent here.
func rdataNameRefs(rr dns.RR) []*string {
	switch t := rr.(type) {
	case *dns.NS:
		return []*string{&t.Ns}
	case *dns.CNAME:
		return []*string{&t.Target}
	case *dns.DNAME:
		return []*string{&t.Target}
	case *dns.PTR:
		return []*string{&t.Ptr}
	case *dns.MX:
		return []*string{&t.Mx}
	case *dns.SRV:
		return []*string{&t.Target}
	case *dns.SOA:
		return []*string{&t.Ns, &t.Mbox}
	case *dns.NSEC:
		return []*string{&t.NextDomain}
	}
	return nil
}

// compressibleRdata reports whether any rdata name field of rrtype
// participates in name compression.
func compressibleRdata(rrtype uint16) bool {
	for _, kind := range typeDescriptors[rrtype] {
		if kind == FieldCompressedName {
			return true
		}
	}
	return false
}

// packRR packs a single RR uncompressed and returns the full wire form.
func packRR(rr dns.RR) ([]byte, error) {
	buf := make([]byte, dns.Len(rr)+1)
	off, err := dns.PackRR(rr, buf, 0, nil, false)
	if err != nil {
		return nil, ErrMalformed
	}
	return buf[:off], nil
}

// canonicalRdata returns the canonical form of an RR's rdata: domain-name
// fields ASCII-downcased (except literal-name fields), all other octets
// verbatim, integers big-endian as packed. This is the byte string RRset
// ordering and rdata comparison are defined over.
func canonicalRdata(rr dns.RR) ([]byte, error) {
	cp := dns.Copy(rr)
	for _, ref := range rdataNameRefs(cp) {
		*ref = FoldName(*ref)
	}
	wire, err := packRR(cp)
	if err != nil {
		return nil, err
	}
	hdrlen := WireLen(cp.Header().Name) + 10
	if hdrlen > len(wire) {
		return nil, ErrMalformed
	}
	return wire[hdrlen:], nil
}
