package wallet

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type walletDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore keeps identities in the wallet_identities table. The label
// primary key plus ON CONFLICT DO NOTHING gives first-writer-wins.
type PostgresStore struct {
	DB walletDB
}

// Schema creates the identity table. cmd/migrator applies it too.
const Schema = `
CREATE TABLE IF NOT EXISTS wallet_identities (
	label         TEXT PRIMARY KEY,
	msp_id        TEXT NOT NULL,
	identity_type TEXT NOT NULL,
	certificate   TEXT NOT NULL,
	private_key   TEXT NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
)`

func (s PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.DB.Exec(ctx, Schema); err != nil {
		return s.unavailable(err)
	}
	return nil
}

func (s PostgresStore) Exists(ctx context.Context, id string) (bool, error) {
	if err := validID(id); err != nil {
		return false, err
	}
	var found bool
	err := s.DB.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM wallet_identities WHERE label=$1)`, id).Scan(&found)
	if err != nil {
		return false, s.unavailable(err)
	}
	return found, nil
}

func (s PostgresStore) Get(ctx context.Context, id string) (Credential, error) {
	if err := validID(id); err != nil {
		return Credential{}, err
	}
	var c Credential
	err := s.DB.QueryRow(ctx, `
		SELECT msp_id, identity_type, certificate, private_key
		FROM wallet_identities WHERE label=$1
	`, id).Scan(&c.MSPID, &c.Type, &c.Certificate, &c.PrivateKey)
	if errors.Is(err, pgx.ErrNoRows) {
		return Credential{}, ErrNotFound
	}
	if err != nil {
		return Credential{}, s.unavailable(err)
	}
	return c, nil
}

func (s PostgresStore) Put(ctx context.Context, id string, cred Credential) error {
	if err := validID(id); err != nil {
		return err
	}
	if err := cred.Validate(); err != nil {
		return err
	}
	if cred.Type == "" {
		cred.Type = TypeX509
	}
	tag, err := s.DB.Exec(ctx, `
		INSERT INTO wallet_identities (label, msp_id, identity_type, certificate, private_key)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (label) DO NOTHING
	`, id, cred.MSPID, cred.Type, cred.Certificate, cred.PrivateKey)
	if err != nil {
		return s.unavailable(err)
	}
	if tag.RowsAffected() == 0 {
		return &DuplicateIdentityError{ID: id}
	}
	return nil
}

func (s PostgresStore) unavailable(err error) error {
	return &UnavailableError{Backend: "postgres", Err: err}
}
