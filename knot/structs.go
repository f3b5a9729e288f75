/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package knot

import (
	"log"
	"sync"
	"time"

	"github.com/miekg/dns"
)

type ZoneType uint8

const (
	Primary ZoneType = iota + 1
	Secondary
)

var ZoneTypeToString = map[ZoneType]string{
	Primary:   "primary",
	Secondary: "secondary",
}

// RRset is the maximal set of records sharing owner, type and class,
// together with the RRSIGs covering it. Signatures are carried alongside,
// never merged into the data RRs.
type RRset struct {
	Name   string
	RRtype uint16
	RRs    []dns.RR
	RRSIGs []dns.RR
}

// Node flag bits, set by the adjust pass.
type NodeFlags uint8

const (
	NodeApex NodeFlags = 1 << iota
	NodeDelegation
	NodeNonAuth // below a zone cut
	NodeEmptyNonTerminal
)

// Node is one owner name in a zone version: the owner, its RRsets by type,
// and the cross-links the resolution path needs. Parent and Nsec3Node are
// non-owning references into the same ZoneContents; they are only valid for
// the lifetime of that contents and are never followed across versions.
type Node struct {
	Name    string
	RRtypes *RRTypeStore
	Flags   NodeFlags

	Parent    *Node // closest ancestor present in the plain tree; nil at apex
	Nsec3Node *Node // hashed-owner node in the NSEC3 tree; nil when unsigned
}

func (n *Node) Is(f NodeFlags) bool { return n.Flags&f != 0 }

func NewNode(name string) *Node {
	return &Node{
		Name:    name,
		RRtypes: NewRRTypeStore(),
	}
}

// RRTypeStore maps rrtype to RRset within a node. Zone contents are frozen
// before they are published, so a plain map with no locking is sufficient on
// the read path; the builder is single-threaded.
type RRTypeStore struct {
	data map[uint16]RRset
}

func NewRRTypeStore() *RRTypeStore {
	return &RRTypeStore{data: make(map[uint16]RRset, 4)}
}

func (s *RRTypeStore) Get(key uint16) (RRset, bool) {
	rrset, ok := s.data[key]
	return rrset, ok
}

func (s *RRTypeStore) GetOnlyRRSet(key uint16) RRset {
	return s.data[key]
}

func (s *RRTypeStore) Set(key uint16, value RRset) {
	s.data[key] = value
}

func (s *RRTypeStore) Delete(key uint16) {
	delete(s.data, key)
}

func (s *RRTypeStore) Count() int {
	return len(s.data)
}

func (s *RRTypeStore) Keys() []uint16 {
	keys := make([]uint16, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	return keys
}

func (s *RRTypeStore) clone() *RRTypeStore {
	cp := NewRRTypeStore()
	for k, v := range s.data {
		rrs := make([]dns.RR, len(v.RRs))
		for i, rr := range v.RRs {
			rrs[i] = dns.Copy(rr)
		}
		sigs := make([]dns.RR, len(v.RRSIGs))
		for i, rr := range v.RRSIGs {
			sigs[i] = dns.Copy(rr)
		}
		cp.data[k] = RRset{Name: v.Name, RRtype: v.RRtype, RRs: rrs, RRSIGs: sigs}
	}
	return cp
}

// ChangeSet is an ordered pair of RR collections applied atomically against
// a base ZoneContents. The SOA markers mirror an IXFR diff: FromSerial is
// the serial of the base the changes were computed against.
type ChangeSet struct {
	FromSerial uint32
	ToSerial   uint32
	SOABefore  *dns.SOA
	SOAAfter   *dns.SOA
	Removals   []dns.RR
	Additions  []dns.RR
}

// ZoneData is the long-lived per-zone handle: identity, configuration and
// the publication slot. The actual records live in immutable ZoneContents
// snapshots hanging off the slot; ZoneData itself holds no RRs.
type ZoneData struct {
	mu       sync.Mutex // serialises writers (refresh, update, sign)
	ZoneName string
	ZoneType ZoneType

	slot ZoneSlot

	Zonefile       string
	Upstream       string   // primary, for secondary zones
	Downstreams    []string // notify targets
	IncomingSerial uint32   // last serial obtained from file/upstream

	Options map[ZoneOption]bool
	Logger  *log.Logger
	Verbose bool
	Debug   bool

	Error     bool
	ErrorType ErrorType
	ErrorMsg  string

	RefreshCount uint32
	Journal      *Journal
}

// Contents returns the currently published contents, or nil before the
// first publish. A failed integrity check leaves the previously published
// contents in place; the zone's Error flag is what stops it serving.
func (zd *ZoneData) Contents() *ZoneContents {
	return zd.slot.Current()
}

// AcquireContents is the reader entry point: it returns the current
// contents pinned against reclamation plus the release function. Callers
// must call release when the request is done.
func (zd *ZoneData) AcquireContents() (*ZoneContents, func()) {
	return zd.slot.Acquire()
}

// Publish runs the adjust pass on zc (when not already adjusted), verifies
// the post-adjust invariants, performs the atomic swap and schedules the
// superseded contents for reclamation.
func (zd *ZoneData) Publish(zc *ZoneContents) error {
	if !zc.adjusted {
		if err := zc.Adjust(); err != nil {
			return err
		}
	}
	if err := zc.CheckIntegrity(); err != nil {
		zd.SetError(IntegrityError, "integrity check failed: %v", err)
		return err
	}
	zd.slot.Publish(zc)
	return nil
}

type ZoneRefresher struct {
	Name     string
	ZoneType ZoneType
	Force    bool // reload even if the SOA serial is unchanged
	Response chan RefresherResponse
}

type RefresherResponse struct {
	Time     time.Time
	Zone     string
	Msg      string
	Error    bool
	ErrorMsg string
}

type NotifyRequest struct {
	ResponseWriter dns.ResponseWriter
	Msg            *dns.Msg
	Qname          string
}
