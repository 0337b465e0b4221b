// Package market implements the marketplace escrow engine: the listing
// state machine, the append-only audit trail, and the idempotency replay
// protocol over escrow mutations.
package market

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"dgc/backbone/internal/model"
	"dgc/backbone/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS listings (
	listing_id TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	body       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS listings_status ON listings(status, updated_at DESC);

CREATE TABLE IF NOT EXISTS audits (
	event_id    TEXT PRIMARY KEY,
	listing_id  TEXT NOT NULL,
	occurred_at TEXT NOT NULL,
	body        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS audits_listing ON audits(listing_id, occurred_at);

CREATE TABLE IF NOT EXISTS idempotency (
	action       TEXT NOT NULL,
	key          TEXT NOT NULL,
	request_hash TEXT NOT NULL,
	status       INTEGER NOT NULL,
	body         BLOB NOT NULL,
	created_at   TEXT NOT NULL,
	PRIMARY KEY (action, key)
);
`

// IdemRecord is one stored idempotency outcome: the exact response bytes of
// the first successful execution under (action, key).
type IdemRecord struct {
	Action      string
	Key         string
	RequestHash string
	Status      int
	Body        []byte
	CreatedAt   string
}

type Store struct {
	db *sql.DB
}

func OpenStore(path string) (*Store, error) {
	db, err := storage.Open(path, schema)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Commit persists a listing upsert, its audit event, and optionally the
// idempotency row in one transaction, so the key is never observable without
// its recorded response.
func (s *Store) Commit(listing model.MarketplaceListing, audit model.ListingAuditEvent, idem *IdemRecord) error {
	lb, err := json.Marshal(listing)
	if err != nil {
		return fmt.Errorf("encode listing: %w", err)
	}
	ab, err := json.Marshal(audit)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}
	return storage.InTx(s.db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(
			`INSERT INTO listings(listing_id, status, updated_at, body) VALUES(?,?,?,?)
			 ON CONFLICT(listing_id) DO UPDATE SET status=excluded.status, updated_at=excluded.updated_at, body=excluded.body`,
			listing.ListingID, listing.Status, listing.UpdatedAt, string(lb)); err != nil {
			return fmt.Errorf("upsert listing: %w", err)
		}
		if _, err := tx.Exec(
			`INSERT INTO audits(event_id, listing_id, occurred_at, body) VALUES(?,?,?,?)`,
			audit.EventID, audit.ListingID, audit.OccurredAt, string(ab)); err != nil {
			return fmt.Errorf("insert audit event: %w", err)
		}
		if idem != nil {
			if _, err := tx.Exec(
				`INSERT INTO idempotency(action, key, request_hash, status, body, created_at) VALUES(?,?,?,?,?,?)`,
				idem.Action, idem.Key, idem.RequestHash, idem.Status, idem.Body, idem.CreatedAt); err != nil {
				return fmt.Errorf("insert idempotency row: %w", err)
			}
		}
		return nil
	})
}

func (s *Store) GetListing(listingID string) (model.MarketplaceListing, bool, error) {
	var body string
	err := s.db.QueryRow(`SELECT body FROM listings WHERE listing_id = ?`, listingID).Scan(&body)
	if err == sql.ErrNoRows {
		return model.MarketplaceListing{}, false, nil
	}
	if err != nil {
		return model.MarketplaceListing{}, false, fmt.Errorf("get listing: %w", err)
	}
	var l model.MarketplaceListing
	if err := json.Unmarshal([]byte(body), &l); err != nil {
		return model.MarketplaceListing{}, false, fmt.Errorf("decode listing: %w", err)
	}
	return l, true, nil
}

// Listings returns listings most recently updated first, optionally filtered
// by status.
func (s *Store) Listings(status string) ([]model.MarketplaceListing, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = s.db.Query(`SELECT body FROM listings ORDER BY updated_at DESC, listing_id`)
	} else {
		rows, err = s.db.Query(`SELECT body FROM listings WHERE status = ? ORDER BY updated_at DESC, listing_id`, status)
	}
	if err != nil {
		return nil, fmt.Errorf("list listings: %w", err)
	}
	defer rows.Close()
	out := []model.MarketplaceListing{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		var l model.MarketplaceListing
		if err := json.Unmarshal([]byte(body), &l); err != nil {
			return nil, fmt.Errorf("decode listing: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// Audit returns a listing's audit trail in append order.
func (s *Store) Audit(listingID string) ([]model.ListingAuditEvent, error) {
	rows, err := s.db.Query(
		`SELECT body FROM audits WHERE listing_id = ? ORDER BY occurred_at, event_id`, listingID)
	if err != nil {
		return nil, fmt.Errorf("audit trail: %w", err)
	}
	defer rows.Close()
	out := []model.ListingAuditEvent{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan audit event: %w", err)
		}
		var ev model.ListingAuditEvent
		if err := json.Unmarshal([]byte(body), &ev); err != nil {
			return nil, fmt.Errorf("decode audit event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) GetIdem(action, key string) (IdemRecord, bool, error) {
	rec := IdemRecord{Action: action, Key: key}
	err := s.db.QueryRow(
		`SELECT request_hash, status, body, created_at FROM idempotency WHERE action = ? AND key = ?`,
		action, key).Scan(&rec.RequestHash, &rec.Status, &rec.Body, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return IdemRecord{}, false, nil
	}
	if err != nil {
		return IdemRecord{}, false, fmt.Errorf("get idempotency row: %w", err)
	}
	return rec, true, nil
}
