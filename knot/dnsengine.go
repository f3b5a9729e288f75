/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package knot

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/miekg/dns"
	"github.com/spf13/viper"
)

func CaseFoldContains(slice []string, str string) bool {
	for _, s := range slice {
		if strings.EqualFold(s, str) {
			return true
		}
	}
	return false
}

// DnsEngine serves UDP and TCP on every configured address. Shutdown is
// driven by ctx.
func DnsEngine(ctx context.Context, conf *Config) error {
	addresses := conf.DnsEngine.Addresses
	log.Printf("DnsEngine: addresses: %v", addresses)

	handler := createHandler(ctx, conf)
	dnsMux := dns.NewServeMux()
	dnsMux.HandleFunc(".", handler)

	var servers []*dns.Server
	for _, addr := range addresses {
		for _, transport := range []string{"udp", "tcp"} {
			srv := &dns.Server{
				Addr:          addr,
				Net:           transport,
				Handler:       dnsMux,
				MsgAcceptFunc: MsgAcceptFunc,
			}
			srv.UDPSize = dns.DefaultMsgSize
			if len(conf.Internal.TsigSecrets) > 0 {
				srv.TsigSecret = conf.Internal.TsigSecrets
			}
			servers = append(servers, srv)

			go func(s *dns.Server, addr, transport string) {
				log.Printf("DnsEngine: serving on %s (%s)", addr, transport)
				if err := s.ListenAndServe(); err != nil {
					log.Printf("Failed to setup the %s server: %s", transport, err.Error())
				}
			}(srv, addr, transport)
		}
	}

	go func() {
		<-ctx.Done()
		log.Printf("DnsEngine: shutting down servers...")
		for _, s := range servers {
			done := make(chan struct{})
			go func(srv *dns.Server) {
				_ = srv.Shutdown()
				close(done)
			}(s)
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				log.Printf("DnsEngine: timeout shutting down %s/%s; continuing", s.Addr, s.Net)
			}
		}
	}()

	return nil
}

// MsgAcceptFunc is a slightly widened version of the accept function in the
// dns library: it also accepts the UPDATE opcode, which the handler registry
// answers itself. The header limits allow one record in ANSWER (the SOA of a
// NOTIFY, RFC 1996), one in AUTHORITY (the SOA of an IXFR request, RFC 1995)
// and two in ADDITIONAL.
func MsgAcceptFunc(dh dns.Header) dns.MsgAcceptAction {
	const qrBit = 1 << 15
	if dh.Bits&qrBit != 0 {
		return dns.MsgIgnore
	}

	opcode := int(dh.Bits>>11) & 0xF
	if opcode != dns.OpcodeQuery && opcode != dns.OpcodeNotify && opcode != dns.OpcodeUpdate {
		log.Printf("MsgAcceptFunc: NOTIMP: %d (%s)", opcode, dns.OpcodeToString[opcode])
		return dns.MsgRejectNotImplemented
	}

	if dh.Qdcount != 1 {
		return dns.MsgReject
	}
	if dh.Ancount > 1 {
		return dns.MsgReject
	}
	if dh.Nscount > 1 {
		return dns.MsgReject
	}
	if dh.Arcount > 2 {
		return dns.MsgReject
	}
	return dns.MsgAccept
}

// ClassHandler handles one query class.
type ClassHandler func(w dns.ResponseWriter, r *dns.Msg, qname string, dnssecOK bool)

// HandlerRegistry maps query class to handler. It is an ordinary value
// built once at startup and passed to the engine; nothing registers into
// package-level tables.
type HandlerRegistry struct {
	handlers map[QueryClass]ClassHandler
}

func rcodeResponse(w dns.ResponseWriter, r *dns.Msg, rcode int) {
	m := new(dns.Msg)
	m.SetRcode(r, rcode)
	w.WriteMsg(m)
}

// NewHandlerRegistry builds the dispatch table for this server instance.
func NewHandlerRegistry(ctx context.Context, conf *Config) *HandlerRegistry {
	dnsnotifyq := conf.Internal.DnsNotifyQ

	reg := &HandlerRegistry{handlers: map[QueryClass]ClassHandler{}}

	reg.handlers[ClassNotify] = func(w dns.ResponseWriter, r *dns.Msg, qname string, _ bool) {
		// A NOTIFY may trigger time consuming outbound queries; hand it
		// to the notify queue and do not wait for a result.
		dnsnotifyq <- NotifyRequest{ResponseWriter: w, Msg: r, Qname: qname}
	}

	reg.handlers[ClassUpdate] = func(w dns.ResponseWriter, r *dns.Msg, _ string, _ bool) {
		rcodeResponse(w, r, dns.RcodeRefused)
	}

	xfrHandler := func(w dns.ResponseWriter, r *dns.Msg, qname string, _ bool) {
		zd, _ := Zones.Get(FoldName(qname))
		if zd == nil {
			rcodeResponse(w, r, dns.RcodeNotAuth)
			return
		}
		zd.ZoneTransferOut(w, r)
	}
	reg.handlers[ClassAxfr] = xfrHandler
	reg.handlers[ClassIxfr] = xfrHandler

	reg.handlers[ClassNormal] = func(w dns.ResponseWriter, r *dns.Msg, qname string, dnssecOK bool) {
		qtype := r.Question[0].Qtype
		log.Printf("DnsHandler: %s %s request from %s", qname, dns.TypeToString[qtype], w.RemoteAddr())

		zd, folded := FindZone(qname)
		if zd == nil {
			lcqname := FoldName(qname)
			if strings.HasSuffix(lcqname, ".server.") && r.Question[0].Qclass == dns.ClassCHAOS {
				DotServerQnameResponse(lcqname, w, r)
				return
			}
			rcodeResponse(w, r, dns.RcodeRefused)
			return
		}
		if folded {
			qname = FoldName(qname)
		}

		if zd.Error && zd.ErrorType != RefreshError {
			log.Printf("DnsHandler: zone %q is in %s error state: %s",
				zd.ZoneName, ErrorTypeToString[zd.ErrorType], zd.ErrorMsg)
			rcodeResponse(w, r, dns.RcodeServerFailure)
			return
		}
		if zd.RefreshCount == 0 {
			log.Printf("DnsHandler: zone %q has not been refreshed yet", zd.ZoneName)
			rcodeResponse(w, r, dns.RcodeServerFailure)
			return
		}

		if err := zd.QueryResponder(ctx, w, r, qname, qtype, dnssecOK); err != nil {
			log.Printf("Error in QueryResponder: %v", err)
		}
	}

	return reg
}

// createHandler validates the request, checks the TSIG verdict and
// dispatches through the registry.
func createHandler(ctx context.Context, conf *Config) func(w dns.ResponseWriter, r *dns.Msg) {
	registry := NewHandlerRegistry(ctx, conf)

	return func(w dns.ResponseWriter, r *dns.Msg) {
		if err := ValidateQuery(r); err != nil {
			rcodeResponse(w, r, dns.RcodeFormatError)
			return
		}
		qname := r.Question[0].Name
		var dnssecOK bool
		if opt := r.IsEdns0(); opt != nil {
			dnssecOK = opt.Do()
		}

		if tsig := r.IsTsig(); tsig != nil && w.TsigStatus() != nil {
			// Signature failure: answer per RFC 8945 with the TSIG error
			// already recorded by the transport; never fall through to data.
			rcodeResponse(w, r, dns.RcodeNotAuth)
			return
		}

		handler, ok := registry.handlers[Classify(r)]
		if !ok {
			log.Printf("DnsHandler: unable to handle msgs of type %s", dns.OpcodeToString[r.Opcode])
			rcodeResponse(w, r, dns.RcodeNotImplemented)
			return
		}
		handler(w, r, qname, dnssecOK)
	}
}

// DotServerQnameResponse answers the .server CH TXT convention (id.server,
// version.server, hostname.server).
func DotServerQnameResponse(qname string, w dns.ResponseWriter, r *dns.Msg) {
	m := new(dns.Msg)
	m.SetRcode(r, dns.RcodeRefused)

	txt := func(val string) {
		m.SetRcode(r, dns.RcodeSuccess)
		m.Answer = append(m.Answer, &dns.TXT{
			Hdr: dns.RR_Header{Name: qname, Rrtype: dns.TypeTXT, Class: dns.ClassCHAOS, Ttl: 3600},
			Txt: []string{val},
		})
	}

	switch qname {
	case "id.server.":
		v := viper.GetString("server.id")
		if v == "" {
			v = "knotd - an authoritative name server"
		}
		txt(v)
	case "version.server.":
		v := viper.GetString("server.version")
		if v == "" {
			v = fmt.Sprintf("knotd version %s", Globals.App.Version)
		}
		txt(v)
	case "hostname.server.":
		v := viper.GetString("server.hostname")
		if v == "" {
			v = "a.random.internet.host."
		}
		txt(v)
	}
	w.WriteMsg(m)
}

// NotifyResponder acknowledges inbound NOTIFY messages and kicks the
// refresher for the zone in question.
func NotifyResponder(ctx context.Context, conf *Config) {
	notifyq := conf.Internal.DnsNotifyQ
	refreshq := conf.Internal.RefreshZoneCh

	for {
		select {
		case <-ctx.Done():
			return
		case req := <-notifyq:
			m := new(dns.Msg)
			m.SetReply(req.Msg)

			zd, _ := Zones.Get(FoldName(req.Qname))
			if zd == nil {
				m.SetRcode(req.Msg, dns.RcodeRefused)
				req.ResponseWriter.WriteMsg(m)
				continue
			}
			m.Opcode = dns.OpcodeNotify
			req.ResponseWriter.WriteMsg(m)

			refreshq <- ZoneRefresher{Name: zd.ZoneName}
		}
	}
}

// RefreshEngine owns the writer path for zone publication: it performs the
// initial load of every configured zone and then serves refresh requests
// (NOTIFY, SIGHUP, API reload) plus the periodic SOA checks for
// secondaries. One engine goroutine per server keeps writers serialised.
func RefreshEngine(ctx context.Context, conf *Config) {
	refreshq := conf.Internal.RefreshZoneCh
	ticker := time.NewTicker(refreshInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case zr := <-refreshq:
			zd, exist := Zones.Get(FoldName(zr.Name))
			if !exist {
				if zr.Response != nil {
					zr.Response <- RefresherResponse{Time: time.Now(), Zone: zr.Name,
						Error: true, ErrorMsg: "unknown zone"}
				}
				continue
			}
			updated, err := zd.Refresh(zr.Force)
			if zr.Response != nil {
				resp := RefresherResponse{Time: time.Now(), Zone: zd.ZoneName}
				if err != nil {
					resp.Error = true
					resp.ErrorMsg = err.Error()
				} else if updated {
					resp.Msg = fmt.Sprintf("Zone %s refreshed, serial %d", zd.ZoneName, zd.CurrentSerial())
				} else {
					resp.Msg = fmt.Sprintf("Zone %s unchanged", zd.ZoneName)
				}
				zr.Response <- resp
			}

		case <-ticker.C:
			for _, zname := range Zones.Keys() {
				zd, _ := Zones.Get(zname)
				if zd == nil || zd.ZoneType != Secondary {
					continue
				}
				if _, err := zd.Refresh(false); err != nil {
					log.Printf("RefreshEngine: zone %s: %v", zname, err)
				}
			}
		}
	}
}

func refreshInterval() time.Duration {
	secs := viper.GetInt("dnsengine.refreshinterval")
	if secs <= 0 {
		secs = 300
	}
	return time.Duration(secs) * time.Second
}
