package turtls

import (
	"bytes"
	"crypto/sha256"
	"crypto/x509"
	"database/sql"
	"time"

	"github.com/fxamacker/cbor/v2"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

// SessionRecord captures what was negotiated with an origin the last
// time we spoke to it.  It is diagnostic first-contact memory, not a
// trust anchor: a changed key is logged, never enforced.
type SessionRecord struct {
	Origin       string      `cbor:"1,keyasint"`
	CipherSuite  CipherSuite `cbor:"2,keyasint"`
	Group        NamedGroup  `cbor:"3,keyasint"`
	AlpnProtocol string      `cbor:"4,keyasint"`
	SPKIDigest   []byte      `cbor:"5,keyasint"`
	SeenAt       time.Time   `cbor:"6,keyasint"`
}

func spkiDigest(cert *x509.Certificate) []byte {
	sum := sha256.Sum256(cert.RawSubjectPublicKeyInfo)
	return sum[:]
}

// SessionStore persists SessionRecords in a sqlite database, keyed by
// origin.
type SessionStore struct {
	db *sql.DB
}

func OpenSessionStore(path string) (*SessionStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, errors.Wrap(err, "turtls: open session store")
	}

	sqlStmt := `
	create table if not exists sessions (origin string not null primary key,
		record blob not null,
		seen_at datetime);
	`
	if _, err := db.Exec(sqlStmt); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "turtls: init session store")
	}
	return &SessionStore{db: db}, nil
}

func (ss *SessionStore) Close() error {
	return ss.db.Close()
}

// Put inserts or replaces the record for its origin.
func (ss *SessionStore) Put(rec SessionRecord) error {
	blob, err := cbor.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "turtls: encode session record")
	}
	stmt, err := ss.db.Prepare("insert or replace into sessions values (?, ?, ?)")
	if err != nil {
		return errors.Wrap(err, "turtls: store session record")
	}
	defer stmt.Close()
	if _, err := stmt.Exec(rec.Origin, blob, rec.SeenAt); err != nil {
		return errors.Wrap(err, "turtls: store session record")
	}
	return nil
}

// Get reads the record for origin; found is false when we have never
// seen it.
func (ss *SessionStore) Get(origin string) (rec SessionRecord, found bool, err error) {
	stmt, err := ss.db.Prepare("select record from sessions where origin = ?")
	if err != nil {
		return SessionRecord{}, false, errors.Wrap(err, "turtls: read session record")
	}
	defer stmt.Close()
	rows, err := stmt.Query(origin)
	if err != nil {
		return SessionRecord{}, false, errors.Wrap(err, "turtls: read session record")
	}
	defer rows.Close()
	if !rows.Next() {
		return SessionRecord{}, false, rows.Err()
	}
	var blob []byte
	if err := rows.Scan(&blob); err != nil {
		return SessionRecord{}, false, errors.Wrap(err, "turtls: read session record")
	}
	if err := cbor.Unmarshal(blob, &rec); err != nil {
		return SessionRecord{}, false, errors.Wrap(err, "turtls: decode session record")
	}
	return rec, true, nil
}

// Cleanup drops every stored session.
func (ss *SessionStore) Cleanup() error {
	_, err := ss.db.Exec("delete from sessions")
	return errors.Wrap(err, "turtls: cleanup session store")
}

// CheckAndStore compares the fresh negotiation result against what was
// seen before and persists the new record.  A changed server key is
// surfaced in the log for the operator to judge.
func (ss *SessionStore) CheckAndStore(rec SessionRecord) error {
	prev, found, err := ss.Get(rec.Origin)
	if err != nil {
		return err
	}
	if found && !bytes.Equal(prev.SPKIDigest, rec.SPKIDigest) {
		logf(logTypeNegotiation, "server key for %q changed since %s", rec.Origin, prev.SeenAt)
	}
	return ss.Put(rec)
}
