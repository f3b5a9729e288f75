/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package knot

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

// The management API: zone list and status, reload and freeze/thaw.
// Same shape as the rest of the family of servers: a mux router guarded by
// an X-API-Key header match.

type ZoneStatus struct {
	Name         string
	Type         string
	Serial       uint32
	Owners       int
	HashedOwners int
	Retired      int
	Error        bool
	ErrorType    string
	ErrorMsg     string
	Options      []string
}

type CommandPost struct {
	Command string
	Zone    string
	Force   bool
}

type CommandResponse struct {
	Time     time.Time
	Status   string
	Zone     string
	Serial   uint32
	Msg      string
	Error    bool
	ErrorMsg string
}

func zoneStatus(zd *ZoneData) ZoneStatus {
	zs := ZoneStatus{
		Name:      zd.ZoneName,
		Type:      ZoneTypeToString[zd.ZoneType],
		Error:     zd.Error,
		ErrorType: ErrorTypeToString[zd.ErrorType],
		ErrorMsg:  zd.ErrorMsg,
		Retired:   zd.slot.RetiredCount(),
	}
	for opt, set := range zd.Options {
		if set {
			zs.Options = append(zs.Options, ZoneOptionToString[opt])
		}
	}
	if zc := zd.Contents(); zc != nil {
		zs.Serial = zc.Serial
		zs.Owners = zc.Tree.Count()
		zs.HashedOwners = zc.Nsec3Tree.Count()
	}
	return zs
}

func APIzone(refreshq chan ZoneRefresher) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		var cp CommandPost
		if err := json.NewDecoder(r.Body).Decode(&cp); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}
		resp := CommandResponse{Time: time.Now(), Zone: cp.Zone}
		defer json.NewEncoder(w).Encode(&resp)

		switch cp.Command {
		case "list":
			statuses := []ZoneStatus{}
			for _, zname := range Zones.Keys() {
				if zd, ok := Zones.Get(zname); ok {
					statuses = append(statuses, zoneStatus(zd))
				}
			}
			buf, _ := json.Marshal(statuses)
			resp.Msg = string(buf)
			return
		}

		zd, exist := Zones.Get(FoldName(cp.Zone))
		if !exist {
			resp.Error = true
			resp.ErrorMsg = fmt.Sprintf("unknown zone %q", cp.Zone)
			return
		}

		switch cp.Command {
		case "status":
			buf, _ := json.Marshal(zoneStatus(zd))
			resp.Msg = string(buf)
			resp.Serial = zd.CurrentSerial()

		case "reload":
			respch := make(chan RefresherResponse, 1)
			refreshq <- ZoneRefresher{Name: zd.ZoneName, Force: cp.Force, Response: respch}
			select {
			case rr := <-respch:
				resp.Msg = rr.Msg
				resp.Error = rr.Error
				resp.ErrorMsg = rr.ErrorMsg
				resp.Serial = zd.CurrentSerial()
			case <-time.After(5 * time.Second):
				resp.Error = true
				resp.ErrorMsg = "timeout waiting for RefreshEngine"
			}

		case "freeze":
			zd.SetOption(OptFrozen, true)
			resp.Msg = fmt.Sprintf("Zone %s frozen", zd.ZoneName)

		case "thaw":
			zd.SetOption(OptFrozen, false)
			resp.Msg = fmt.Sprintf("Zone %s thawed", zd.ZoneName)

		default:
			resp.Error = true
			resp.ErrorMsg = fmt.Sprintf("unknown command %q", cp.Command)
		}
	}
}

func APIping() func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(CommandResponse{Time: time.Now(), Msg: "pong"})
	}
}

func SetupAPIRouter(conf *Config) (*mux.Router, error) {
	r := mux.NewRouter().StrictSlash(true)
	apikey := conf.ApiServer.ApiKey
	if apikey == "" {
		return nil, fmt.Errorf("apiserver.apikey is not set")
	}

	sr := r.PathPrefix("/api/v1").Headers("X-API-Key", apikey).Subrouter()
	sr.HandleFunc("/ping", APIping()).Methods("POST")
	sr.HandleFunc("/zone", APIzone(conf.Internal.RefreshZoneCh)).Methods("POST")

	return r, nil
}

// APIdispatcher starts the management listener(s). No TLS here: the API is
// expected to sit on loopback or behind a fronting proxy.
func APIdispatcher(conf *Config, done <-chan struct{}) {
	if len(conf.ApiServer.Addresses) == 0 {
		log.Printf("APIdispatcher: no addresses configured, not starting")
		return
	}
	router, err := SetupAPIRouter(conf)
	if err != nil {
		log.Printf("APIdispatcher: %v", err)
		return
	}
	for _, addr := range conf.ApiServer.Addresses {
		go func(addr string) {
			log.Printf("APIdispatcher: serving on %s", addr)
			if err := http.ListenAndServe(addr, router); err != nil {
				log.Printf("APIdispatcher: %s: %v", addr, err)
			}
		}(addr)
	}
	<-done
}
