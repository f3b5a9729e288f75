/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package knot

import "fmt"

type ZoneOption uint8

const (
	OptAllowXfr ZoneOption = iota + 1
	OptFoldCase
	OptOnlineSigning
	OptDirty
	OptFrozen
)

var ZoneOptionToString = map[ZoneOption]string{
	OptAllowXfr:      "allow-xfr",
	OptFoldCase:      "fold-case",
	OptOnlineSigning: "online-signing",
	OptDirty:         "dirty",
	OptFrozen:        "frozen",
}

var StringToZoneOption = map[string]ZoneOption{
	"allow-xfr":      OptAllowXfr,
	"fold-case":      OptFoldCase,
	"online-signing": OptOnlineSigning,
	"dirty":          OptDirty,
	"frozen":         OptFrozen,
}

// QueryClass is the outcome of classifying a request by opcode and qtype.
// Only ClassNormal engages the authoritative lookup path.
type QueryClass uint8

const (
	ClassNormal QueryClass = iota + 1
	ClassAxfr
	ClassIxfr
	ClassNotify
	ClassUpdate
	ClassInvalid
)

var QueryClassToString = map[QueryClass]string{
	ClassNormal:  "normal",
	ClassAxfr:    "axfr",
	ClassIxfr:    "ixfr",
	ClassNotify:  "notify",
	ClassUpdate:  "update",
	ClassInvalid: "invalid",
}

type ErrorType uint8

const (
	NoError ErrorType = iota
	ConfigError
	RefreshError
	IntegrityError
)

var ErrorTypeToString = map[ErrorType]string{
	ConfigError:    "config",
	RefreshError:   "refresh",
	IntegrityError: "integrity",
}

// SetError marks the zone as failed; an IntegrityError quarantines it
// (queries get SERVFAIL until a writer re-publishes healthy contents).
func (zd *ZoneData) SetError(errtype ErrorType, errmsg string, args ...interface{}) {
	if errtype == NoError {
		zd.Error = false
		zd.ErrorType = NoError
		zd.ErrorMsg = ""
	} else {
		zd.Error = true
		zd.ErrorType = errtype
		zd.ErrorMsg = fmt.Sprintf(errmsg, args...)
	}
	Zones.Set(zd.ZoneName, zd)
}
