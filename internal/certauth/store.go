package certauth

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"dgc/backbone/internal/model"
	"dgc/backbone/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS certificates (
	cert_id TEXT PRIMARY KEY,
	body    TEXT NOT NULL
);
`

// Store persists signed certificates keyed by certId.
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

// Put inserts or replaces a certificate.
func (s *Store) Put(c model.SignedCertificate) error {
	body, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode certificate: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO certificates(cert_id, body) VALUES(?,?)
		 ON CONFLICT(cert_id) DO UPDATE SET body=excluded.body`,
		c.Payload.CertID, string(body))
	if err != nil {
		return fmt.Errorf("put certificate: %w", err)
	}
	return nil
}

// PutBoth writes two certificates atomically (used by split).
func (s *Store) PutBoth(a, b model.SignedCertificate) error {
	ab, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("encode certificate: %w", err)
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("encode certificate: %w", err)
	}
	return storage.InTx(s.db, func(tx *sql.Tx) error {
		stmt, err := tx.Prepare(
			`INSERT INTO certificates(cert_id, body) VALUES(?,?)
			 ON CONFLICT(cert_id) DO UPDATE SET body=excluded.body`)
		if err != nil {
			return fmt.Errorf("prepare put: %w", err)
		}
		defer stmt.Close()
		if _, err := stmt.Exec(a.Payload.CertID, string(ab)); err != nil {
			return fmt.Errorf("put parent: %w", err)
		}
		if _, err := stmt.Exec(b.Payload.CertID, string(bb)); err != nil {
			return fmt.Errorf("put child: %w", err)
		}
		return nil
	})
}

func (s *Store) Get(certID string) (model.SignedCertificate, bool, error) {
	var body string
	err := s.db.QueryRow(`SELECT body FROM certificates WHERE cert_id = ?`, certID).Scan(&body)
	if err == sql.ErrNoRows {
		return model.SignedCertificate{}, false, nil
	}
	if err != nil {
		return model.SignedCertificate{}, false, fmt.Errorf("get certificate: %w", err)
	}
	var c model.SignedCertificate
	if err := json.Unmarshal([]byte(body), &c); err != nil {
		return model.SignedCertificate{}, false, fmt.Errorf("decode certificate: %w", err)
	}
	return c, true, nil
}

// List returns all certificates in ascending certId order.
func (s *Store) List() ([]model.SignedCertificate, error) {
	rows, err := s.db.Query(`SELECT body FROM certificates ORDER BY cert_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list certificates: %w", err)
	}
	defer rows.Close()
	out := []model.SignedCertificate{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("list scan: %w", err)
		}
		var c model.SignedCertificate
		if err := json.Unmarshal([]byte(body), &c); err != nil {
			return nil, fmt.Errorf("list decode: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
