package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Writer appends one row per executed ledger operation to ledger_audit.
// Identities and arguments are stored hashed. RawArgs keeps the arguments
// verbatim and is meant for development only.
type Writer struct {
	DB       auditDB
	HashSalt []byte
	RawArgs  bool
}

type Record struct {
	ID           string
	Operation    string
	Mode         string
	IdentityHash string
	RecordID     string
	Args         json.RawMessage
	Outcome      string
	ErrorKind    string
	LatencyMS    int64
	CreatedAt    time.Time
}

const Schema = `
CREATE TABLE IF NOT EXISTS ledger_audit (
	id            UUID PRIMARY KEY,
	operation     TEXT NOT NULL,
	mode          TEXT NOT NULL,
	identity_hash TEXT NOT NULL,
	record_id     TEXT NOT NULL DEFAULT '',
	args          JSONB,
	outcome       TEXT NOT NULL,
	error_kind    TEXT NOT NULL DEFAULT '',
	latency_ms    BIGINT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL
)`

func (w *Writer) EnsureSchema(ctx context.Context) error {
	_, err := w.DB.Exec(ctx, Schema)
	return err
}

// NewRecord fills the id and timestamp and hashes identity with the writer's salt.
func (w *Writer) NewRecord(operation, mode, identity string, args []string) Record {
	raw, _ := json.Marshal(args)
	return Record{
		ID:           uuid.NewString(),
		Operation:    operation,
		Mode:         mode,
		IdentityHash: hashString(identity, w.HashSalt),
		Args:         raw,
		CreatedAt:    time.Now().UTC(),
	}
}

func (w *Writer) Append(ctx context.Context, rec Record) error {
	if !w.RawArgs {
		rec = redactRecord(rec, w.HashSalt)
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO ledger_audit
		(id, operation, mode, identity_hash, record_id, args, outcome, error_kind, latency_ms, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`, rec.ID, rec.Operation, rec.Mode, rec.IdentityHash, rec.RecordID, rec.Args, rec.Outcome, rec.ErrorKind, rec.LatencyMS, rec.CreatedAt)
	return err
}

func (w *Writer) Get(ctx context.Context, id string) (Record, error) {
	var rec Record
	row := w.DB.QueryRow(ctx, `
		SELECT id::text, operation, mode, identity_hash, record_id, args, outcome, error_kind, latency_ms, created_at
		FROM ledger_audit WHERE id=$1
	`, id)
	var args json.RawMessage
	if err := row.Scan(&rec.ID, &rec.Operation, &rec.Mode, &rec.IdentityHash, &rec.RecordID, &args, &rec.Outcome, &rec.ErrorKind, &rec.LatencyMS, &rec.CreatedAt); err != nil {
		return rec, err
	}
	rec.Args = args
	return rec, nil
}
