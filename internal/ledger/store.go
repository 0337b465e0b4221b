package ledger

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"dgc/backbone/internal/model"
	"dgc/backbone/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS proofs (
	cert_id      TEXT PRIMARY KEY,
	payload_hash TEXT NOT NULL,
	proof_hash   TEXT NOT NULL,
	anchored_at  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS events (
	seq        INTEGER PRIMARY KEY AUTOINCREMENT,
	cert_id    TEXT NOT NULL,
	event_hash TEXT NOT NULL,
	body       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS events_cert ON events(cert_id, seq);
`

// Store is the ledger adapter's durable state: the latest proof anchor per
// certificate and the append-ordered event timelines.
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

// PutProof stores or overwrites the latest anchor for a certificate.
func (s *Store) PutProof(p model.ProofAnchor) error {
	_, err := s.db.Exec(
		`INSERT INTO proofs(cert_id, payload_hash, proof_hash, anchored_at) VALUES(?,?,?,?)
		 ON CONFLICT(cert_id) DO UPDATE SET payload_hash=excluded.payload_hash,
		   proof_hash=excluded.proof_hash, anchored_at=excluded.anchored_at`,
		p.CertID, p.PayloadHash, p.ProofHash, p.AnchoredAt)
	if err != nil {
		return fmt.Errorf("put proof: %w", err)
	}
	return nil
}

func (s *Store) GetProof(certID string) (model.ProofAnchor, bool, error) {
	var p model.ProofAnchor
	err := s.db.QueryRow(
		`SELECT cert_id, payload_hash, proof_hash, anchored_at FROM proofs WHERE cert_id = ?`, certID).
		Scan(&p.CertID, &p.PayloadHash, &p.ProofHash, &p.AnchoredAt)
	if err == sql.ErrNoRows {
		return model.ProofAnchor{}, false, nil
	}
	if err != nil {
		return model.ProofAnchor{}, false, fmt.Errorf("get proof: %w", err)
	}
	return p, true, nil
}

// AppendEvent appends one event record under each certId in one transaction,
// so a SPLIT lands in the parent and child timelines at the same position.
func (s *Store) AppendEvent(certIDs []string, eventHash string, ev model.LedgerEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	return storage.InTx(s.db, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(`INSERT INTO events(cert_id, event_hash, body) VALUES(?,?,?)`)
		if err != nil {
			return fmt.Errorf("prepare append: %w", err)
		}
		defer stmt.Close()
		for _, id := range certIDs {
			if _, err := stmt.Exec(id, eventHash, string(body)); err != nil {
				return fmt.Errorf("append event: %w", err)
			}
		}
		return nil
	})
}

// Timeline returns the events recorded under certID in arrival order.
func (s *Store) Timeline(certID string) ([]model.LedgerEvent, error) {
	rows, err := s.db.Query(`SELECT body FROM events WHERE cert_id = ? ORDER BY seq`, certID)
	if err != nil {
		return nil, fmt.Errorf("timeline: %w", err)
	}
	defer rows.Close()
	out := []model.LedgerEvent{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("timeline scan: %w", err)
		}
		var ev model.LedgerEvent
		if err := json.Unmarshal([]byte(body), &ev); err != nil {
			return nil, fmt.Errorf("timeline decode: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
