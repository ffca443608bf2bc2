// Package receipts persists a hash-chained record of every install and a
// history of download attempts in a local SQLite database.
package receipts

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/packstream/courier/pkg/canonical"
	"github.com/packstream/courier/pkg/coordinator"

	_ "modernc.org/sqlite"
)

// InstallReceipt is one link in the per-device install chain. Hash covers
// the canonical form of every field except Hash itself, including PrevHash,
// so editing any historical row breaks the chain.
type InstallReceipt struct {
	ReceiptID string         `json:"receipt_id"`
	Module    string         `json:"module"`
	Version   string         `json:"version"`
	Checksum  string         `json:"checksum"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Seq       int64          `json:"seq"`
	PrevHash  string         `json:"prev_hash"`
	Hash      string         `json:"-"`
}

// ChainError reports a row whose recomputed hash or linkage is wrong.
type ChainError struct {
	Seq    int64
	Reason string
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("receipt chain broken at seq %d: %s", e.Seq, e.Reason)
}

// Store wraps the SQLite database.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and runs migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("receipts: open %s: %w", path, err)
	}
	return New(db)
}

// New builds a store over an existing database handle.
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS install_receipts (
        receipt_id TEXT PRIMARY KEY,
        module TEXT NOT NULL,
        version TEXT NOT NULL,
        checksum TEXT NOT NULL,
        timestamp DATETIME,
        metadata JSON,
        seq INTEGER NOT NULL UNIQUE,
        prev_hash TEXT NOT NULL DEFAULT '',
        hash TEXT NOT NULL
    );
    CREATE TABLE IF NOT EXISTS download_records (
        attempt_id TEXT PRIMARY KEY,
        module TEXT NOT NULL,
        started_at DATETIME,
        finished_at DATETIME,
        success INTEGER NOT NULL,
        end_reason TEXT NOT NULL,
        bytes_downloaded INTEGER NOT NULL,
        expected_bytes INTEGER NOT NULL
    );`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// receiptHash computes the chain hash of a receipt from its canonical JSON.
func receiptHash(r *InstallReceipt) (string, error) {
	return canonical.Hash(r)
}

// Append records an install, chaining it onto the previous receipt.
func (s *Store) Append(ctx context.Context, module, version, checksum string, meta map[string]any) (*InstallReceipt, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("receipts: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		lastSeq  sql.NullInt64
		lastHash sql.NullString
	)
	row := tx.QueryRowContext(ctx, `SELECT seq, hash FROM install_receipts ORDER BY seq DESC LIMIT 1`)
	if err := row.Scan(&lastSeq, &lastHash); err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("receipts: read chain head: %w", err)
	}

	receipt := &InstallReceipt{
		ReceiptID: uuid.New().String(),
		Module:    module,
		Version:   version,
		Checksum:  checksum,
		Timestamp: time.Now().UTC(),
		Metadata:  meta,
		Seq:       lastSeq.Int64 + 1,
		PrevHash:  lastHash.String,
	}
	receipt.Hash, err = receiptHash(receipt)
	if err != nil {
		return nil, fmt.Errorf("receipts: hash receipt: %w", err)
	}

	metaJSON, _ := json.Marshal(receipt.Metadata)
	_, err = tx.ExecContext(ctx, `INSERT INTO install_receipts (
        receipt_id, module, version, checksum, timestamp, metadata, seq, prev_hash, hash
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		receipt.ReceiptID, receipt.Module, receipt.Version, receipt.Checksum,
		receipt.Timestamp.Format(time.RFC3339Nano), string(metaJSON),
		receipt.Seq, receipt.PrevHash, receipt.Hash,
	)
	if err != nil {
		return nil, fmt.Errorf("receipts: insert: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("receipts: commit: %w", err)
	}
	return receipt, nil
}

// List returns the newest receipts first.
func (s *Store) List(ctx context.Context, limit int) ([]*InstallReceipt, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT receipt_id, module, version, checksum, timestamp, metadata, seq, prev_hash, hash
        FROM install_receipts
        ORDER BY seq DESC
        LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var receipts []*InstallReceipt
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return nil, err
		}
		receipts = append(receipts, r)
	}
	return receipts, rows.Err()
}

// VerifyChain recomputes every hash and linkage, oldest first.
func (s *Store) VerifyChain(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, `
        SELECT receipt_id, module, version, checksum, timestamp, metadata, seq, prev_hash, hash
        FROM install_receipts
        ORDER BY seq ASC`)
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	prevHash := ""
	prevSeq := int64(0)
	for rows.Next() {
		r, err := scanReceipt(rows)
		if err != nil {
			return err
		}
		if r.Seq != prevSeq+1 {
			return &ChainError{Seq: r.Seq, Reason: "sequence gap"}
		}
		if r.PrevHash != prevHash {
			return &ChainError{Seq: r.Seq, Reason: "prev_hash does not match prior receipt"}
		}
		recomputed, err := receiptHash(r)
		if err != nil {
			return fmt.Errorf("receipts: rehash seq %d: %w", r.Seq, err)
		}
		if recomputed != r.Hash {
			return &ChainError{Seq: r.Seq, Reason: "stored hash does not match content"}
		}
		prevHash = r.Hash
		prevSeq = r.Seq
	}
	return rows.Err()
}

func scanReceipt(rows *sql.Rows) (*InstallReceipt, error) {
	var (
		r         InstallReceipt
		timestamp string
		metaJSON  sql.NullString
	)
	if err := rows.Scan(&r.ReceiptID, &r.Module, &r.Version, &r.Checksum,
		&timestamp, &metaJSON, &r.Seq, &r.PrevHash, &r.Hash); err != nil {
		return nil, err
	}
	r.Timestamp = parseTime(timestamp)
	if metaJSON.Valid && metaJSON.String != "" && metaJSON.String != "null" {
		_ = json.Unmarshal([]byte(metaJSON.String), &r.Metadata)
	}
	return &r, nil
}

// SaveDownload persists one completed download attempt.
func (s *Store) SaveDownload(ctx context.Context, rec coordinator.Record) error {
	success := 0
	if rec.Success {
		success = 1
	}
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO download_records (
        attempt_id, module, started_at, finished_at, success, end_reason, bytes_downloaded, expected_bytes
    ) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.AttemptID, rec.ModuleID,
		rec.StartedAt.UTC().Format(time.RFC3339Nano),
		rec.FinishedAt.UTC().Format(time.RFC3339Nano),
		success, string(rec.EndReason), rec.BytesDownloaded, rec.ExpectedBytes,
	)
	if err != nil {
		return fmt.Errorf("receipts: save download: %w", err)
	}
	return nil
}

// Downloads returns the newest download records first.
func (s *Store) Downloads(ctx context.Context, limit int) ([]coordinator.Record, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT attempt_id, module, started_at, finished_at, success, end_reason, bytes_downloaded, expected_bytes
        FROM download_records
        ORDER BY finished_at DESC
        LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []coordinator.Record
	for rows.Next() {
		var rec coordinator.Record
		var startedAt, finished, reason string
		var success int
		if err := rows.Scan(&rec.AttemptID, &rec.ModuleID, &startedAt, &finished,
			&success, &reason, &rec.BytesDownloaded, &rec.ExpectedBytes); err != nil {
			return nil, err
		}
		rec.StartedAt = parseTime(startedAt)
		rec.FinishedAt = parseTime(finished)
		rec.Success = success == 1
		rec.EndReason = coordinator.EndReason(reason)
		records = append(records, rec)
	}
	return records, rows.Err()
}

func parseTime(value string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
