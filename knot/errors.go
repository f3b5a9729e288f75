/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package knot

import "errors"

// Error taxonomy. Callees return these (usually wrapped); the query engine
// converts them to RCODEs at its boundary and the updater propagates them to
// the writer path. Nothing below this layer knows about RCODEs.
var (
	// ErrMalformed covers bad wire bytes: oversized labels, broken
	// compression pointers, multiple OPT records, misplaced TSIG.
	ErrMalformed = errors.New("malformed DNS input")

	// ErrNameTooLong is returned when a constructed name would exceed the
	// 255 octet wire limit.
	ErrNameTooLong = errors.New("domain name too long")

	// ErrOutOfZone: the name in question is not under the zone apex.
	ErrOutOfZone = errors.New("name out of zone")

	// ErrNoSpace: an RRset did not fit in the remaining message budget.
	// Packet assembly handles this via the TC bit; it only escapes as an
	// error for RRsets flagged no-truncate.
	ErrNoSpace = errors.New("no space left in message")

	// ErrSerialNotAdvancing: a changeset whose SOA serial does not move
	// forward (RFC 1982) relative to the base contents.
	ErrSerialNotAdvancing = errors.New("SOA serial not advancing")

	// ErrConstraintViolation: a changeset that would break zone structure,
	// e.g. removing the apex SOA.
	ErrConstraintViolation = errors.New("changeset violates zone constraints")

	// ErrQuarantined: the zone failed a post-adjust integrity check and is
	// not being served until the writer path has inspected it.
	ErrQuarantined = errors.New("zone is quarantined")

	// ErrZoneNotReady: no contents have been published for the zone yet.
	ErrZoneNotReady = errors.New("zone data is not yet ready")
)
