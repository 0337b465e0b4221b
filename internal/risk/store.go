package risk

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"dgc/backbone/internal/model"
	"dgc/backbone/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS ledger_events (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	cert_id     TEXT NOT NULL,
	occurred_at TEXT NOT NULL,
	body        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS ledger_events_cert ON ledger_events(cert_id, occurred_at DESC);

CREATE TABLE IF NOT EXISTS audit_events (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	listing_id  TEXT NOT NULL,
	cert_id     TEXT NOT NULL DEFAULT '',
	actor       TEXT NOT NULL DEFAULT '',
	type        TEXT NOT NULL,
	occurred_at TEXT NOT NULL,
	body        TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS audit_events_listing ON audit_events(listing_id, occurred_at);
CREATE INDEX IF NOT EXISTS audit_events_cert ON audit_events(cert_id, occurred_at);
CREATE INDEX IF NOT EXISTS audit_events_actor ON audit_events(actor, occurred_at);

CREATE TABLE IF NOT EXISTS profiles (
	kind      TEXT NOT NULL,
	target_id TEXT NOT NULL,
	score     INTEGER NOT NULL,
	body      TEXT NOT NULL,
	PRIMARY KEY (kind, target_id)
);

CREATE TABLE IF NOT EXISTS alerts (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	alert_id   TEXT NOT NULL UNIQUE,
	created_at TEXT NOT NULL,
	body       TEXT NOT NULL
);
`

// Profile kinds in the profiles table.
const (
	kindCertificate = "CERT"
	kindListing     = "LISTING"
)

// Store owns the risk engine's append-only logs, profiles and alerts.
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

func (s *Store) AppendLedgerEvent(ev model.LedgerEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode ledger event: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO ledger_events(cert_id, occurred_at, body) VALUES(?,?,?)`,
		ev.CertID, ev.OccurredAt, string(body))
	if err != nil {
		return fmt.Errorf("append ledger event: %w", err)
	}
	return nil
}

func (s *Store) LedgerEventsByCert(certID string) ([]model.LedgerEvent, error) {
	rows, err := s.db.Query(`SELECT body FROM ledger_events WHERE cert_id = ? ORDER BY seq`, certID)
	if err != nil {
		return nil, fmt.Errorf("ledger events: %w", err)
	}
	defer rows.Close()
	return scanLedgerEvents(rows)
}

func scanLedgerEvents(rows *sql.Rows) ([]model.LedgerEvent, error) {
	out := []model.LedgerEvent{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan ledger event: %w", err)
		}
		var ev model.LedgerEvent
		if err := json.Unmarshal([]byte(body), &ev); err != nil {
			return nil, fmt.Errorf("decode ledger event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) AppendAuditEvent(ev model.ListingAuditEvent, certID string) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO audit_events(listing_id, cert_id, actor, type, occurred_at, body) VALUES(?,?,?,?,?,?)`,
		ev.ListingID, certID, ev.Actor, ev.Type, ev.OccurredAt, string(body))
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	return nil
}

func (s *Store) AuditEventsByListing(listingID string) ([]model.ListingAuditEvent, error) {
	rows, err := s.db.Query(`SELECT body FROM audit_events WHERE listing_id = ? ORDER BY seq`, listingID)
	if err != nil {
		return nil, fmt.Errorf("audit events: %w", err)
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

// CancelledCountByCert counts CANCELLED audit events touching a certificate
// at or after since.
func (s *Store) CancelledCountByCert(certID, since string) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM audit_events WHERE cert_id = ? AND type = 'CANCELLED' AND occurred_at >= ?`,
		certID, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("cancelled count by cert: %w", err)
	}
	return n, nil
}

// CancelledCountByActor counts CANCELLED audit events by an actor at or
// after since, across all listings.
func (s *Store) CancelledCountByActor(actor, since string) (int, error) {
	var n int
	err := s.db.QueryRow(
		`SELECT COUNT(*) FROM audit_events WHERE actor = ? AND type = 'CANCELLED' AND occurred_at >= ?`,
		actor, since).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("cancelled count by actor: %w", err)
	}
	return n, nil
}

// CertIDForListing returns the certificate a listing's audit trail is bound
// to, if any event carried it.
func (s *Store) CertIDForListing(listingID string) (string, error) {
	var certID string
	err := s.db.QueryRow(
		`SELECT cert_id FROM audit_events WHERE listing_id = ? AND cert_id != '' ORDER BY seq DESC LIMIT 1`,
		listingID).Scan(&certID)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("cert for listing: %w", err)
	}
	return certID, nil
}

func (s *Store) GetProfile(kind, targetID string) (model.RiskProfile, bool, error) {
	var body string
	err := s.db.QueryRow(`SELECT body FROM profiles WHERE kind = ? AND target_id = ?`, kind, targetID).Scan(&body)
	if err == sql.ErrNoRows {
		return model.RiskProfile{}, false, nil
	}
	if err != nil {
		return model.RiskProfile{}, false, fmt.Errorf("get profile: %w", err)
	}
	var p model.RiskProfile
	if err := json.Unmarshal([]byte(body), &p); err != nil {
		return model.RiskProfile{}, false, fmt.Errorf("decode profile: %w", err)
	}
	return p, true, nil
}

func (s *Store) PutProfile(kind string, p model.RiskProfile) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encode profile: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO profiles(kind, target_id, score, body) VALUES(?,?,?,?)
		 ON CONFLICT(kind, target_id) DO UPDATE SET score=excluded.score, body=excluded.body`,
		kind, p.Target, p.Score, string(body))
	if err != nil {
		return fmt.Errorf("put profile: %w", err)
	}
	return nil
}

// TopProfiles returns the highest-scoring profiles of one kind.
func (s *Store) TopProfiles(kind string, limit int) ([]model.RiskProfile, error) {
	rows, err := s.db.Query(
		`SELECT body FROM profiles WHERE kind = ? ORDER BY score DESC, target_id LIMIT ?`, kind, limit)
	if err != nil {
		return nil, fmt.Errorf("top profiles: %w", err)
	}
	defer rows.Close()
	out := []model.RiskProfile{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan profile: %w", err)
		}
		var p model.RiskProfile
		if err := json.Unmarshal([]byte(body), &p); err != nil {
			return nil, fmt.Errorf("decode profile: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) AppendAlert(a model.RiskAlert) error {
	body, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode alert: %w", err)
	}
	_, err = s.db.Exec(`INSERT INTO alerts(alert_id, created_at, body) VALUES(?,?,?)
		ON CONFLICT(alert_id) DO NOTHING`,
		a.AlertID, a.CreatedAt, string(body))
	if err != nil {
		return fmt.Errorf("append alert: %w", err)
	}
	return nil
}

// Alerts returns the newest alerts first.
func (s *Store) Alerts(limit int) ([]model.RiskAlert, error) {
	rows, err := s.db.Query(`SELECT body FROM alerts ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("alerts: %w", err)
	}
	defer rows.Close()
	out := []model.RiskAlert{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan alert: %w", err)
		}
		var a model.RiskAlert
		if err := json.Unmarshal([]byte(body), &a); err != nil {
			return nil, fmt.Errorf("decode alert: %w", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}
