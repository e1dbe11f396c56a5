// Package store persists negotiation sessions, settlement records, and
// reputation state in SQLite.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"agora/internal/domain"
)

// SQLiteStore implements domain.SessionStore, domain.SettlementStore, and
// domain.ReputationStore on a single SQLite database. Sessions, archives,
// and settlement records are stored as JSON documents with the columns
// needed for lookups pulled out; reputation rows are fully columnar.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and runs
// the schema migration. Pass ":memory:" for an ephemeral store.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open market db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate market db: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id         TEXT PRIMARY KEY,
			buyer_id   TEXT NOT NULL,
			seller_id  TEXT NOT NULL,
			status     TEXT NOT NULL,
			data       TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
		CREATE INDEX IF NOT EXISTS idx_sessions_buyer  ON sessions(buyer_id);
		CREATE INDEX IF NOT EXISTS idx_sessions_seller ON sessions(seller_id);

		CREATE TABLE IF NOT EXISTS archives (
			negotiation_id TEXT PRIMARY KEY,
			buyer_id       TEXT NOT NULL,
			seller_id      TEXT NOT NULL,
			data           TEXT NOT NULL,
			closed_at      TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_archives_buyer  ON archives(buyer_id);
		CREATE INDEX IF NOT EXISTS idx_archives_seller ON archives(seller_id);

		CREATE TABLE IF NOT EXISTS settlements (
			id             TEXT PRIMARY KEY,
			negotiation_id TEXT NOT NULL UNIQUE,
			status         TEXT NOT NULL,
			data           TEXT NOT NULL,
			updated_at     TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_settlements_status ON settlements(status);

		CREATE TABLE IF NOT EXISTS reputation (
			agent_id   TEXT PRIMARY KEY,
			score      INTEGER NOT NULL,
			tier       TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS reputation_deltas (
			id               TEXT PRIMARY KEY,
			agent_id         TEXT NOT NULL,
			delta            INTEGER NOT NULL,
			reason           TEXT NOT NULL,
			related_agent_id TEXT NOT NULL DEFAULT '',
			negotiation_id   TEXT NOT NULL DEFAULT '',
			applied_at       TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_deltas_agent ON reputation_deltas(agent_id, applied_at DESC);
	`)
	return err
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- SessionStore ---

func (s *SQLiteStore) SaveSession(ctx context.Context, sess domain.Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (id, buyer_id, seller_id, status, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			data = excluded.data,
			updated_at = excluded.updated_at`,
		sess.ID, sess.BuyerID, sess.SellerID, string(sess.Status), string(data),
		sess.CreatedAt.UTC().Format(time.RFC3339Nano),
		sess.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		"SELECT data FROM sessions WHERE id = ?", id,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var sess domain.Session
	if err := json.Unmarshal([]byte(data), &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	return &sess, nil
}

func (s *SQLiteStore) ListLiveSessions(ctx context.Context) ([]domain.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT data FROM sessions WHERE status IN (?, ?, ?) ORDER BY created_at",
		string(domain.StatusPending), string(domain.StatusQuoted), string(domain.StatusCountered),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (s *SQLiteStore) ListSessionsByStatus(ctx context.Context, status domain.NegotiationStatus) ([]domain.Session, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT data FROM sessions WHERE status = ? ORDER BY created_at",
		string(status),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSessions(rows)
}

func (s *SQLiteStore) ListSessionsByAgent(ctx context.Context, agentID string, limit int) ([]domain.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT data FROM sessions WHERE buyer_id = ? OR seller_id = ? ORDER BY created_at DESC LIMIT ?",
		agentID, agentID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSessions(rows)
}

func scanSessions(rows *sql.Rows) ([]domain.Session, error) {
	var sessions []domain.Session
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var sess domain.Session
		if err := json.Unmarshal([]byte(data), &sess); err != nil {
			return nil, fmt.Errorf("unmarshal session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

func (s *SQLiteStore) SaveArchive(ctx context.Context, a domain.Archive) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal archive: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO archives (negotiation_id, buyer_id, seller_id, data, closed_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(negotiation_id) DO UPDATE SET
			data = excluded.data,
			closed_at = excluded.closed_at`,
		a.NegotiationID, a.BuyerID, a.SellerID, string(data),
		a.ClosedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *SQLiteStore) ListArchives(ctx context.Context, agentID string, limit int) ([]domain.Archive, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT data FROM archives WHERE buyer_id = ? OR seller_id = ? ORDER BY closed_at DESC LIMIT ?",
		agentID, agentID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var archives []domain.Archive
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var a domain.Archive
		if err := json.Unmarshal([]byte(data), &a); err != nil {
			return nil, fmt.Errorf("unmarshal archive: %w", err)
		}
		archives = append(archives, a)
	}
	return archives, rows.Err()
}

// --- SettlementStore ---

func (s *SQLiteStore) SaveSettlement(ctx context.Context, rec domain.SettlementRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal settlement: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO settlements (id, negotiation_id, status, data, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			data = excluded.data,
			updated_at = excluded.updated_at`,
		rec.ID, rec.NegotiationID, string(rec.Status), string(data),
		rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *SQLiteStore) GetSettlement(ctx context.Context, id string) (*domain.SettlementRecord, error) {
	return s.getSettlementBy(ctx, "id", id)
}

func (s *SQLiteStore) GetSettlementByNegotiation(ctx context.Context, negotiationID string) (*domain.SettlementRecord, error) {
	return s.getSettlementBy(ctx, "negotiation_id", negotiationID)
}

func (s *SQLiteStore) getSettlementBy(ctx context.Context, column, value string) (*domain.SettlementRecord, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		"SELECT data FROM settlements WHERE "+column+" = ?", value,
	).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("settlement %s=%s: %w", column, value, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var rec domain.SettlementRecord
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("unmarshal settlement: %w", err)
	}
	return &rec, nil
}

func (s *SQLiteStore) ListSettlementsByStatus(ctx context.Context, status domain.SettlementStatus) ([]domain.SettlementRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT data FROM settlements WHERE status = ? ORDER BY updated_at", string(status),
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []domain.SettlementRecord
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, err
		}
		var rec domain.SettlementRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			return nil, fmt.Errorf("unmarshal settlement: %w", err)
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// --- ReputationStore ---

func (s *SQLiteStore) GetReputation(ctx context.Context, agentID string) (*domain.ReputationRecord, error) {
	var rec domain.ReputationRecord
	var tier, updatedStr string
	err := s.db.QueryRowContext(ctx,
		"SELECT agent_id, score, tier, updated_at FROM reputation WHERE agent_id = ?", agentID,
	).Scan(&rec.AgentID, &rec.Score, &tier, &updatedStr)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("reputation %s: %w", agentID, domain.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	rec.Tier = domain.TrustTier(tier)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedStr)
	return &rec, nil
}

func (s *SQLiteStore) SaveReputation(ctx context.Context, rec domain.ReputationRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reputation (agent_id, score, tier, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			score = excluded.score,
			tier = excluded.tier,
			updated_at = excluded.updated_at`,
		rec.AgentID, rec.Score, string(rec.Tier),
		rec.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *SQLiteStore) AppendDelta(ctx context.Context, delta domain.ReputationDelta) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reputation_deltas (id, agent_id, delta, reason, related_agent_id, negotiation_id, applied_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		delta.ID, delta.AgentID, delta.Delta, string(delta.Reason),
		delta.RelatedAgentID, delta.NegotiationID,
		delta.AppliedAt.UTC().Format(time.RFC3339Nano),
	)
	return err
}

func (s *SQLiteStore) ListDeltas(ctx context.Context, agentID string, limit int) ([]domain.ReputationDelta, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, agent_id, delta, reason, related_agent_id, negotiation_id, applied_at
		FROM reputation_deltas WHERE agent_id = ?
		ORDER BY applied_at DESC LIMIT ?`,
		agentID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var deltas []domain.ReputationDelta
	for rows.Next() {
		var d domain.ReputationDelta
		var reason, appliedStr string
		if err := rows.Scan(&d.ID, &d.AgentID, &d.Delta, &reason, &d.RelatedAgentID, &d.NegotiationID, &appliedStr); err != nil {
			return nil, err
		}
		d.Reason = domain.DeltaReason(reason)
		d.AppliedAt, _ = time.Parse(time.RFC3339Nano, appliedStr)
		deltas = append(deltas, d)
	}
	return deltas, rows.Err()
}

// Compile-time interface checks.
var (
	_ domain.SessionStore    = (*SQLiteStore)(nil)
	_ domain.SettlementStore = (*SQLiteStore)(nil)
	_ domain.ReputationStore = (*SQLiteStore)(nil)
)
