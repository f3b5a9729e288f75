/*
 * Copyright (c) 2025 Johan Stenstam, johani@johani.org
 */
package knot

import (
	"database/sql"
	"fmt"
	"log"

	_ "github.com/mattn/go-sqlite3"
	"github.com/miekg/dns"
)

// Journal is the persistent changeset history: every committed update is
// stored keyed by (zone, from-serial, to-serial) so that a reloaded zone
// can be caught up and IXFR can be served incrementally. The core never
// reads zone data from here; the journal only ever produces changesets
// that flow through the regular update path.

var journalTables = map[string]string{
	"Changesets": `CREATE TABLE IF NOT EXISTS 'Changesets' (
id		  INTEGER PRIMARY KEY,
zone		  TEXT,
fromserial	  INTEGER,
toserial	  INTEGER,
soabefore	  TEXT,
soaafter	  TEXT,
UNIQUE (zone, fromserial, toserial)
)`,

	"ChangesetRRs": `CREATE TABLE IF NOT EXISTS 'ChangesetRRs' (
id		  INTEGER PRIMARY KEY,
changeset	  INTEGER,
op		  TEXT,
rr		  TEXT
)`,
}

type Journal struct {
	DB *sql.DB
}

func NewJournal(dbfile string) (*Journal, error) {
	if dbfile == "" {
		return nil, fmt.Errorf("NewJournal: no database file specified")
	}
	db, err := sql.Open("sqlite3", dbfile)
	if err != nil {
		return nil, fmt.Errorf("NewJournal: failed to open %s: %v", dbfile, err)
	}
	for table, ddl := range journalTables {
		if _, err := db.Exec(ddl); err != nil {
			return nil, fmt.Errorf("NewJournal: failed to create table %s: %v", table, err)
		}
	}
	return &Journal{DB: db}, nil
}

func (j *Journal) Close() error {
	return j.DB.Close()
}

// StoreChangeset appends one committed changeset to the zone's chain.
func (j *Journal) StoreChangeset(zone string, cs *ChangeSet) error {
	tx, err := j.DB.Begin()
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	var soabefore, soaafter string
	if cs.SOABefore != nil {
		soabefore = cs.SOABefore.String()
	}
	if cs.SOAAfter != nil {
		soaafter = cs.SOAAfter.String()
	}

	res, err := tx.Exec(`INSERT OR IGNORE INTO Changesets (zone, fromserial, toserial, soabefore, soaafter)
VALUES (?, ?, ?, ?, ?)`, zone, cs.FromSerial, cs.ToSerial, soabefore, soaafter)
	if err != nil {
		return err
	}
	csid, err := res.LastInsertId()
	if err != nil {
		return err
	}

	stmt, err := tx.Prepare(`INSERT INTO ChangesetRRs (changeset, op, rr) VALUES (?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, rr := range cs.Removals {
		if _, err = stmt.Exec(csid, "del", rr.String()); err != nil {
			return err
		}
	}
	for _, rr := range cs.Additions {
		if _, err = stmt.Exec(csid, "add", rr.String()); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// ChangesetsSince returns the committed changesets whose to-serial is newer
// than serial (RFC 1982), in commit order, so the caller can replay them
// through the update path.
func (j *Journal) ChangesetsSince(zone string, serial uint32) ([]*ChangeSet, error) {
	rows, err := j.DB.Query(`SELECT id, fromserial, toserial, soabefore, soaafter
FROM Changesets WHERE zone = ? ORDER BY id`, zone)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var changesets []*ChangeSet
	var ids []int64
	for rows.Next() {
		var id int64
		var fromserial, toserial uint32
		var soabefore, soaafter string
		if err := rows.Scan(&id, &fromserial, &toserial, &soabefore, &soaafter); err != nil {
			return nil, err
		}
		if !serialAdvances(serial, toserial) {
			continue // already incorporated
		}
		cs := &ChangeSet{FromSerial: fromserial, ToSerial: toserial}
		if soabefore != "" {
			if rr, err := dns.NewRR(soabefore); err == nil {
				cs.SOABefore = rr.(*dns.SOA)
			}
		}
		if soaafter != "" {
			if rr, err := dns.NewRR(soaafter); err == nil {
				cs.SOAAfter = rr.(*dns.SOA)
			}
		}
		changesets = append(changesets, cs)
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, cs := range changesets {
		if err := j.loadChangesetRRs(ids[i], cs); err != nil {
			return nil, err
		}
	}
	return changesets, nil
}

func (j *Journal) loadChangesetRRs(csid int64, cs *ChangeSet) error {
	rows, err := j.DB.Query(`SELECT op, rr FROM ChangesetRRs WHERE changeset = ? ORDER BY id`, csid)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var op, rrstr string
		if err := rows.Scan(&op, &rrstr); err != nil {
			return err
		}
		rr, err := dns.NewRR(rrstr)
		if err != nil {
			log.Printf("Journal: changeset %d: unparseable RR %q: %v", csid, rrstr, err)
			continue
		}
		switch op {
		case "del":
			cs.Removals = append(cs.Removals, rr)
		case "add":
			cs.Additions = append(cs.Additions, rr)
		}
	}
	return rows.Err()
}
