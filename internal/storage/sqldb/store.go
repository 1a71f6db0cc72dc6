// Package sqldb is the SQL audit store. One implementation serves SQLite
// (modernc.org/sqlite) and PostgreSQL (pgx) through a dialect.
package sqldb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/tjfontaine/edu-ai-gateway/internal/core/domain"
	"github.com/tjfontaine/edu-ai-gateway/internal/core/ports"
	"github.com/tjfontaine/edu-ai-gateway/internal/storage/dialect"
)

// Store is a SQL implementation of ports.AuditStore.
type Store struct {
	db      *sqlx.DB
	dialect dialect.Dialect
}

var _ ports.AuditStore = (*Store)(nil)

// Config holds database connection configuration.
type Config struct {
	Driver string // sqlite or postgres
	DSN    string
}

// New opens the database and creates the schema.
func New(cfg Config) (*Store, error) {
	d, err := dialect.FromDriverName(cfg.Driver)
	if err != nil {
		return nil, fmt.Errorf("unsupported database driver: %w", err)
	}

	db, err := sqlx.Open(d.DriverName(), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	for _, stmt := range d.PragmaStatements() {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	store := &Store{db: db, dialect: d}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// NewSQLite opens a SQLite audit database at path. Timestamps are stored
// in SQLite's own format so they sort and compare as text.
func NewSQLite(path string) (*Store, error) {
	dsn := path
	if !strings.Contains(dsn, "_time_format=") {
		sep := "?"
		if strings.Contains(dsn, "?") {
			sep = "&"
		}
		dsn += sep + "_time_format=sqlite"
	}
	return New(Config{Driver: "sqlite", DSN: dsn})
}

// NewPostgres opens a PostgreSQL audit database.
func NewPostgres(dsn string) (*Store, error) {
	return New(Config{Driver: "postgres", DSN: dsn})
}

// Dialect returns the dialect being used.
func (s *Store) Dialect() dialect.Dialect {
	return s.dialect
}

func (s *Store) initSchema() error {
	ts := s.dialect.TimestampType()
	statements := []string{
		`CREATE TABLE IF NOT EXISTS audit_records (
			id TEXT PRIMARY KEY,
			request_id TEXT NOT NULL,
			requester_id TEXT NOT NULL,
			requester_role TEXT NOT NULL,
			purpose TEXT NOT NULL,
			summary TEXT NOT NULL,
			prompt_hash TEXT NOT NULL,
			redacted_types TEXT,
			decision TEXT NOT NULL,
			reason TEXT,
			outcome TEXT,
			created_at ` + ts + ` NOT NULL,
			annotated_at ` + ts + `
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_requester ON audit_records(requester_id)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_records(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_decision ON audit_records(decision)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

// auditRow is the stored shape of a record.
type auditRow struct {
	ID            string         `db:"id"`
	RequestID     string         `db:"request_id"`
	RequesterID   string         `db:"requester_id"`
	RequesterRole string         `db:"requester_role"`
	Purpose       string         `db:"purpose"`
	Summary       string         `db:"summary"`
	PromptHash    string         `db:"prompt_hash"`
	RedactedTypes sql.NullString `db:"redacted_types"`
	Decision      string         `db:"decision"`
	Reason        sql.NullString `db:"reason"`
	Outcome       sql.NullString `db:"outcome"`
	CreatedAt     time.Time      `db:"created_at"`
	AnnotatedAt   sql.NullTime   `db:"annotated_at"`
}

func (r *auditRow) record() (*domain.AuditRecord, error) {
	rec := &domain.AuditRecord{
		ID:            r.ID,
		RequestID:     r.RequestID,
		RequesterID:   r.RequesterID,
		RequesterRole: domain.Role(r.RequesterRole),
		Purpose:       domain.Purpose(r.Purpose),
		Summary:       r.Summary,
		PromptHash:    r.PromptHash,
		Decision:      domain.Decision(r.Decision),
		Reason:        r.Reason.String,
		CreatedAt:     r.CreatedAt.UTC(),
	}
	if r.RedactedTypes.Valid && r.RedactedTypes.String != "" {
		if err := json.Unmarshal([]byte(r.RedactedTypes.String), &rec.RedactedTypes); err != nil {
			return nil, fmt.Errorf("failed to unmarshal redacted types: %w", err)
		}
	}
	if r.Outcome.Valid && r.Outcome.String != "" {
		var out domain.AuditOutcome
		if err := json.Unmarshal([]byte(r.Outcome.String), &out); err != nil {
			return nil, fmt.Errorf("failed to unmarshal outcome: %w", err)
		}
		rec.Outcome = &out
	}
	return rec, nil
}

func (s *Store) Append(ctx context.Context, rec *domain.AuditRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	var redacted any
	if len(rec.RedactedTypes) > 0 {
		b, err := json.Marshal(rec.RedactedTypes)
		if err != nil {
			return fmt.Errorf("failed to marshal redacted types: %w", err)
		}
		redacted = string(b)
	}

	query := s.dialect.Rebind(`INSERT INTO audit_records
		(id, request_id, requester_id, requester_role, purpose, summary, prompt_hash, redacted_types, decision, reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err := s.db.ExecContext(ctx, query,
		rec.ID, rec.RequestID, rec.RequesterID, string(rec.RequesterRole), string(rec.Purpose),
		rec.Summary, rec.PromptHash, redacted, string(rec.Decision), rec.Reason, rec.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("failed to insert audit record: %w", err)
	}
	return nil
}

func (s *Store) Annotate(ctx context.Context, id string, outcome *domain.AuditOutcome) error {
	if outcome.CompletedAt.IsZero() {
		outcome.CompletedAt = time.Now().UTC()
	}
	data, err := json.Marshal(outcome)
	if err != nil {
		return fmt.Errorf("failed to marshal outcome: %w", err)
	}

	query := s.dialect.Rebind(`UPDATE audit_records SET outcome = ?, decision = ?, annotated_at = ?
		WHERE id = ? AND outcome IS NULL`)
	res, err := s.db.ExecContext(ctx, query, string(data), string(outcome.Decision), outcome.CompletedAt.UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to annotate audit record: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to annotate audit record: %w", err)
	}
	if n > 0 {
		return nil
	}

	var count int
	if err := s.db.GetContext(ctx, &count, s.dialect.Rebind(`SELECT COUNT(*) FROM audit_records WHERE id = ?`), id); err != nil {
		return fmt.Errorf("failed to check audit record: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("%w: %s", ports.ErrAuditNotFound, id)
	}
	return fmt.Errorf("%w: %s", ports.ErrAlreadyAnnotated, id)
}

func (s *Store) List(ctx context.Context, filter ports.AuditFilter) ([]*domain.AuditRecord, error) {
	var where []string
	var args []any
	if filter.RequesterID != "" {
		where = append(where, "requester_id = ?")
		args = append(args, filter.RequesterID)
	}
	if filter.Decision != "" {
		where = append(where, "decision = ?")
		args = append(args, string(filter.Decision))
	}
	if filter.Purpose != "" {
		where = append(where, "purpose = ?")
		args = append(args, string(filter.Purpose))
	}
	if !filter.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, filter.Since.UTC())
	}

	query := `SELECT id, request_id, requester_id, requester_role, purpose, summary, prompt_hash,
		redacted_types, decision, reason, outcome, created_at, annotated_at FROM audit_records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	var rows []auditRow
	if err := s.db.SelectContext(ctx, &rows, s.dialect.Rebind(query), args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list audit records: %w", err)
	}

	out := make([]*domain.AuditRecord, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].record()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
