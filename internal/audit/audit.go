// Package audit implements the supplemental transfer-history ledger
// (SPEC_FULL.md "Transfer history ledger"): a durable, Postgres-backed
// record of transfers that reach a terminal state through the Message
// Router (completed, rejected, cancelled, errored or evicted), independent
// of the in-memory Transfer Engine. Transfers expired by the Janitor or
// force-released through the HTTP API are not recorded. It is grounded on the teacher's
// storage.Store — same driver, same migrate-on-open and
// insert-with-ON-CONFLICT idiom — re-scoped from "sole persistence layer"
// to "cold audit trail" (SPEC_FULL.md AMBIENT STACK).
package audit

import (
	"database/sql"
	"fmt"
	"log"

	_ "github.com/lib/pq"

	"relaydrop/internal/model"
)

// Store is a Postgres-backed transfer_history ledger. It implements
// relay.AuditSink.
type Store struct {
	db *sql.DB
}

// Open connects to connStr and ensures the transfer_history table exists.
func Open(connStr string) (*Store, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS transfer_history (
			id               TEXT NOT NULL,
			source           TEXT NOT NULL,
			from_device_id   TEXT NOT NULL,
			target_device_id TEXT NOT NULL,
			file_name        TEXT NOT NULL,
			total_size       BIGINT NOT NULL,
			status           TEXT NOT NULL,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (id, source)
		);
	`)
	return err
}

// RecordTransfer appends a row for t's terminal state. source distinguishes
// the WebSocket chunk path ("ws") from the HTTP multipart fallback
// ("http-fallback"), per spec.md §9(a).
func (s *Store) RecordTransfer(t *model.Transfer, source string) {
	if t == nil {
		return
	}
	_, err := s.db.Exec(
		`INSERT INTO transfer_history
			(id, source, from_device_id, target_device_id, file_name, total_size, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (id, source) DO NOTHING`,
		t.ID, source, t.FromDeviceID, t.TargetDeviceID, t.PrimaryFile().Name, t.TotalSize, string(t.Status),
	)
	if err != nil {
		log.Printf("[AUDIT] record transfer %s failed: %v", t.ID, err)
	}
}

// RecordHTTPUpload appends a row for a bare HTTP fallback upload/download
// that never touched the Transfer Engine's state machine (spec.md §9(a)).
// Nothing in this module calls it: the HTTP upload handler does not write
// to the ledger.
func (s *Store) RecordHTTPUpload(fileName string, size int64, status string) {
	_, err := s.db.Exec(
		`INSERT INTO transfer_history
			(id, source, from_device_id, target_device_id, file_name, total_size, status)
		 VALUES ($1, 'http-fallback', '', '', $2, $3, $4)
		 ON CONFLICT (id, source) DO NOTHING`,
		fmt.Sprintf("http-%s-%d", fileName, size), fileName, size, status,
	)
	if err != nil {
		log.Printf("[AUDIT] record http upload %s failed: %v", fileName, err)
	}
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }
