package evidence

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Store persists evidence records in SQLite. Insert is idempotent on
// (investigation_id, id), which is what makes Collector.Collect safe to
// retry.
type Store struct {
	db     *sql.DB
	dbPath string
}

// NewStore creates or opens the evidence database at dbPath.
func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create evidence dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open evidence database: %w", err)
	}

	s := &Store{db: db, dbPath: dbPath}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize evidence schema: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Path returns the database file path.
func (s *Store) Path() string { return s.dbPath }

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS evidence_records (
		id TEXT NOT NULL,
		investigation_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		source_provider TEXT NOT NULL,
		source_url TEXT NOT NULL,
		storage_ref TEXT,
		metadata_json TEXT,
		collected_at DATETIME NOT NULL,
		PRIMARY KEY (investigation_id, id)
	);
	CREATE INDEX IF NOT EXISTS idx_evidence_investigation ON evidence_records(investigation_id);
	CREATE INDEX IF NOT EXISTS idx_evidence_kind ON evidence_records(investigation_id, kind);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Insert persists a record. Returns true if the record was new, false if
// a record with the same (investigation_id, id) already existed; the
// existing row is left untouched.
func (s *Store) Insert(ctx context.Context, r Record) (bool, error) {
	meta, err := json.Marshal(r.Metadata)
	if err != nil {
		return false, fmt.Errorf("marshal metadata: %w", err)
	}

	var ref any
	if r.StorageRef != "" {
		ref = r.StorageRef
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO evidence_records
			(id, investigation_id, kind, source_provider, source_url, storage_ref, metadata_json, collected_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.InvestigationID, string(r.Kind), r.SourceProvider, r.SourceURL, ref, string(meta), r.CollectedAt.UTC())
	if err != nil {
		return false, fmt.Errorf("insert evidence record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Exists reports whether a record with this id is already persisted for
// the investigation.
func (s *Store) Exists(ctx context.Context, investigationID, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM evidence_records WHERE investigation_id = ? AND id = ?`,
		investigationID, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query evidence record: %w", err)
	}
	return true, nil
}

// BackfillStorageRef sets the storage reference on a record that was
// persisted with a null ref. It is the only permitted mutation of an
// existing record and only fills an empty ref, never overwrites one.
func (s *Store) BackfillStorageRef(ctx context.Context, investigationID, id, ref string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE evidence_records SET storage_ref = ?
		WHERE investigation_id = ? AND id = ? AND storage_ref IS NULL`,
		ref, investigationID, id)
	if err != nil {
		return fmt.Errorf("backfill storage ref: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("no backfillable record %s/%s", investigationID, id)
	}
	return nil
}

// ByInvestigation returns all records for an investigation in insertion
// order.
func (s *Store) ByInvestigation(ctx context.Context, investigationID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, investigation_id, kind, source_provider, source_url, storage_ref, metadata_json, collected_at
		FROM evidence_records WHERE investigation_id = ? ORDER BY rowid`,
		investigationID)
	if err != nil {
		return nil, fmt.Errorf("query evidence records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// ByKind returns an investigation's records of one kind in insertion
// order.
func (s *Store) ByKind(ctx context.Context, investigationID string, kind Kind) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, investigation_id, kind, source_provider, source_url, storage_ref, metadata_json, collected_at
		FROM evidence_records WHERE investigation_id = ? AND kind = ? ORDER BY rowid`,
		investigationID, string(kind))
	if err != nil {
		return nil, fmt.Errorf("query evidence records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

// Count returns the number of records persisted for an investigation.
func (s *Store) Count(ctx context.Context, investigationID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM evidence_records WHERE investigation_id = ?`,
		investigationID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count evidence records: %w", err)
	}
	return n, nil
}

func scanRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		var (
			r        Record
			kind     string
			ref      sql.NullString
			metaJSON sql.NullString
			at       time.Time
		)
		if err := rows.Scan(&r.ID, &r.InvestigationID, &kind, &r.SourceProvider, &r.SourceURL, &ref, &metaJSON, &at); err != nil {
			return nil, fmt.Errorf("scan evidence record: %w", err)
		}
		r.Kind = Kind(kind)
		r.StorageRef = ref.String
		r.CollectedAt = at
		if metaJSON.Valid && metaJSON.String != "" {
			if err := json.Unmarshal([]byte(metaJSON.String), &r.Metadata); err != nil {
				return nil, fmt.Errorf("decode metadata for %s: %w", r.ID, err)
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
