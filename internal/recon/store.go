// Package recon implements the reconciliation and freeze controller:
// custody-vs-claims runs, the marketplace-wide freeze singleton, and the
// governance override audit trail.
package recon

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"dgc/backbone/internal/model"
	"dgc/backbone/internal/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id     TEXT PRIMARY KEY,
	created_at TEXT NOT NULL,
	body       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS runs_created ON runs(created_at DESC);

CREATE TABLE IF NOT EXISTS freeze_state (
	id   INTEGER PRIMARY KEY CHECK (id = 1),
	body TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS overrides (
	seq         INTEGER PRIMARY KEY AUTOINCREMENT,
	override_id TEXT NOT NULL UNIQUE,
	created_at  TEXT NOT NULL,
	body        TEXT NOT NULL
);
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

// PutRunAndFreeze persists a run and the updated freeze singleton in one
// transaction so history and gate state cannot diverge.
func (s *Store) PutRunAndFreeze(run model.ReconciliationRun, fs model.FreezeState) error {
	runBody, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("encode run: %w", err)
	}
	fsBody, err := json.Marshal(fs)
	if err != nil {
		return fmt.Errorf("encode freeze state: %w", err)
	}
	return storage.InTx(s.db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO runs(run_id, created_at, body) VALUES(?,?,?)`,
			run.RunID, run.CreatedAt, string(runBody)); err != nil {
			return fmt.Errorf("insert run: %w", err)
		}
		if _, err := tx.Exec(`INSERT INTO freeze_state(id, body) VALUES(1, ?)
			ON CONFLICT(id) DO UPDATE SET body=excluded.body`, string(fsBody)); err != nil {
			return fmt.Errorf("upsert freeze state: %w", err)
		}
		return nil
	})
}

// LatestRun returns the newest run, ok=false when no run has happened yet.
func (s *Store) LatestRun() (model.ReconciliationRun, bool, error) {
	var body string
	err := s.db.QueryRow(`SELECT body FROM runs ORDER BY created_at DESC, run_id DESC LIMIT 1`).Scan(&body)
	if err == sql.ErrNoRows {
		return model.ReconciliationRun{}, false, nil
	}
	if err != nil {
		return model.ReconciliationRun{}, false, fmt.Errorf("latest run: %w", err)
	}
	var run model.ReconciliationRun
	if err := json.Unmarshal([]byte(body), &run); err != nil {
		return model.ReconciliationRun{}, false, fmt.Errorf("decode run: %w", err)
	}
	return run, true, nil
}

// History returns runs newest first.
func (s *Store) History(limit int) ([]model.ReconciliationRun, error) {
	rows, err := s.db.Query(`SELECT body FROM runs ORDER BY created_at DESC, run_id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("run history: %w", err)
	}
	defer rows.Close()
	out := []model.ReconciliationRun{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		var run model.ReconciliationRun
		if err := json.Unmarshal([]byte(body), &run); err != nil {
			return nil, fmt.Errorf("decode run: %w", err)
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

// FreezeState returns the singleton; before any run it reports inactive.
func (s *Store) FreezeState() (model.FreezeState, error) {
	var body string
	err := s.db.QueryRow(`SELECT body FROM freeze_state WHERE id = 1`).Scan(&body)
	if err == sql.ErrNoRows {
		return model.FreezeState{Active: false}, nil
	}
	if err != nil {
		return model.FreezeState{}, fmt.Errorf("freeze state: %w", err)
	}
	var fs model.FreezeState
	if err := json.Unmarshal([]byte(body), &fs); err != nil {
		return model.FreezeState{}, fmt.Errorf("decode freeze state: %w", err)
	}
	return fs, nil
}

// PutFreezeAndOverride flips the freeze singleton and appends the override
// record in one transaction.
func (s *Store) PutFreezeAndOverride(fs model.FreezeState, ov model.FreezeOverride) error {
	fsBody, err := json.Marshal(fs)
	if err != nil {
		return fmt.Errorf("encode freeze state: %w", err)
	}
	ovBody, err := json.Marshal(ov)
	if err != nil {
		return fmt.Errorf("encode override: %w", err)
	}
	return storage.InTx(s.db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO freeze_state(id, body) VALUES(1, ?)
			ON CONFLICT(id) DO UPDATE SET body=excluded.body`, string(fsBody)); err != nil {
			return fmt.Errorf("upsert freeze state: %w", err)
		}
		if _, err := tx.Exec(`INSERT INTO overrides(override_id, created_at, body) VALUES(?,?,?)`,
			ov.OverrideID, ov.CreatedAt, string(ovBody)); err != nil {
			return fmt.Errorf("insert override: %w", err)
		}
		return nil
	})
}

// Overrides returns override records newest first.
func (s *Store) Overrides(limit int) ([]model.FreezeOverride, error) {
	rows, err := s.db.Query(`SELECT body FROM overrides ORDER BY seq DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("overrides: %w", err)
	}
	defer rows.Close()
	out := []model.FreezeOverride{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan override: %w", err)
		}
		var ov model.FreezeOverride
		if err := json.Unmarshal([]byte(body), &ov); err != nil {
			return nil, fmt.Errorf("decode override: %w", err)
		}
		out = append(out, ov)
	}
	return out, rows.Err()
}
