/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package knot

import (
	cmap "github.com/orcaman/concurrent-map/v2"
)

type AppDetails struct {
	Name    string
	Version string
	Date    string
}

type GlobalStuff struct {
	Verbose bool
	Debug   bool
	App     AppDetails
}

var Globals = GlobalStuff{
	Verbose: false,
	Debug:   false,
}

// Zones maps zone name to handle. The handle is stable across content
// publishes; only the slot inside it moves.
var Zones = cmap.New[*ZoneData]()

// FindZone returns the zone with the longest owner match for qname: qname
// itself or the closest enclosing zone we are authoritative for. The second
// return value reports whether case folding was needed for the match.
func FindZone(qname string) (*ZoneData, bool) {
	name := qname
	for {
		if zd, ok := Zones.Get(name); ok {
			return zd, false
		}
		if name == "." || name == "" {
			break
		}
		name = parentName(name)
	}

	folded := FoldName(qname)
	if folded != qname {
		name = folded
		for {
			if zd, ok := Zones.Get(name); ok {
				return zd, true
			}
			if name == "." || name == "" {
				break
			}
			name = parentName(name)
		}
	}
	return nil, false
}

// parentName strips the leftmost label; "example.com." -> "com." -> ".".
func parentName(name string) string {
	if name == "." || name == "" {
		return "."
	}
	idx := indexNextLabel(name)
	if idx < 0 || idx >= len(name) {
		return "."
	}
	return name[idx:]
}

func indexNextLabel(name string) int {
	for i := 0; i < len(name); i++ {
		if name[i] == '\\' {
			i++
			continue
		}
		if name[i] == '.' {
			return i + 1
		}
	}
	return -1
}
