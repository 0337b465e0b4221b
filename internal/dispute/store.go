// Package dispute orchestrates marketplace dispute lifecycles: OPEN,
// ASSIGNED, RESOLVED. Assignment and resolution are governance-gated.
package dispute

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"dgc/backbone/internal/model"
	"dgc/backbone/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS disputes (
	dispute_id TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	opened_at  TEXT NOT NULL,
	body       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS disputes_status ON disputes(status, opened_at DESC);
`

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

func (s *Store) Put(d model.DisputeRecord) error {
	body, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode dispute: %w", err)
	}
	_, err = s.db.Exec(
		`INSERT INTO disputes(dispute_id, status, opened_at, body) VALUES(?,?,?,?)
		 ON CONFLICT(dispute_id) DO UPDATE SET status=excluded.status, body=excluded.body`,
		d.DisputeID, d.Status, d.OpenedAt, string(body))
	if err != nil {
		return fmt.Errorf("put dispute: %w", err)
	}
	return nil
}

func (s *Store) Get(disputeID string) (model.DisputeRecord, bool, error) {
	var body string
	err := s.db.QueryRow(`SELECT body FROM disputes WHERE dispute_id = ?`, disputeID).Scan(&body)
	if err == sql.ErrNoRows {
		return model.DisputeRecord{}, false, nil
	}
	if err != nil {
		return model.DisputeRecord{}, false, fmt.Errorf("get dispute: %w", err)
	}
	var d model.DisputeRecord
	if err := json.Unmarshal([]byte(body), &d); err != nil {
		return model.DisputeRecord{}, false, fmt.Errorf("decode dispute: %w", err)
	}
	return d, true, nil
}

// List returns disputes newest first, optionally filtered by status.
func (s *Store) List(status string) ([]model.DisputeRecord, error) {
	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = s.db.Query(`SELECT body FROM disputes ORDER BY opened_at DESC, dispute_id`)
	} else {
		rows, err = s.db.Query(`SELECT body FROM disputes WHERE status = ? ORDER BY opened_at DESC, dispute_id`, status)
	}
	if err != nil {
		return nil, fmt.Errorf("list disputes: %w", err)
	}
	defer rows.Close()
	out := []model.DisputeRecord{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan dispute: %w", err)
		}
		var d model.DisputeRecord
		if err := json.Unmarshal([]byte(body), &d); err != nil {
			return nil, fmt.Errorf("decode dispute: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
