package invite

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists session invitations in PostgreSQL.
// The pool is owned by the caller.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// StoreOption configures PostgresStore.
type StoreOption func(*PostgresStore) error

// WithSchema sets the DB schema used by the store (default: "collab").
func WithSchema(schema string) StoreOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return ErrInvalidInput
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...StoreOption) (*PostgresStore, error) {
	st := &PostgresStore{pool: pool, schema: "collab"}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, ErrInvalidInput
	}
	return st, nil
}

// EnsureSchema creates the invitations table if missing. Dev and test only.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %[1]s;

CREATE TABLE IF NOT EXISTS %[1]s.invitations (
    id           TEXT PRIMARY KEY,
    token_hash   TEXT NOT NULL UNIQUE,
    session_id   UUID NOT NULL,
    granted_role TEXT NOT NULL,
    created_by   UUID NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL,
    expires_at   TIMESTAMPTZ NOT NULL,
    max_uses     INT NOT NULL,
    used_count   INT NOT NULL DEFAULT 0,
    revoked_at   TIMESTAMPTZ,
    note         TEXT,
    consumed_at  TIMESTAMPTZ,
    consumed_by  UUID
);

CREATE INDEX IF NOT EXISTS invitations_session_idx
    ON %[1]s.invitations (session_id, created_at DESC);
`, pgx.Identifier{s.schema}.Sanitize())

	_, err := s.pool.Exec(ctx, ddl)
	return err
}

const invitationColumns = `id, session_id, granted_role, created_by, created_at,
       expires_at, max_uses, used_count, revoked_at, note, consumed_at, consumed_by`

// Create inserts a new invitation record.
func (s *PostgresStore) Create(ctx context.Context, in CreateRecord) (Invitation, error) {
	if s == nil || s.pool == nil {
		return Invitation{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Invitation{}, err
	}
	if strings.TrimSpace(in.ID) == "" || strings.TrimSpace(in.TokenHash) == "" {
		return Invitation{}, ErrInvalidInput
	}
	if in.SessionID == uuid.Nil || in.MaxUses <= 0 {
		return Invitation{}, ErrInvalidInput
	}

	invitations := pgIdent(s.schema, "invitations")
	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+invitations+` (
		     id, token_hash, session_id, granted_role, created_by, created_at,
		     expires_at, max_uses, used_count, revoked_at, note
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		in.ID, in.TokenHash, in.SessionID, in.GrantedRole, in.CreatedBy, in.CreatedAt,
		in.ExpiresAt, in.MaxUses, in.UsedCount, in.RevokedAt, in.Note,
	)
	if err != nil {
		return Invitation{}, err
	}

	return Invitation{
		ID:          in.ID,
		SessionID:   in.SessionID,
		GrantedRole: in.GrantedRole,
		CreatedBy:   in.CreatedBy,
		CreatedAt:   in.CreatedAt,
		ExpiresAt:   in.ExpiresAt,
		MaxUses:     in.MaxUses,
		UsedCount:   in.UsedCount,
		RevokedAt:   in.RevokedAt,
		Note:        in.Note,
	}, nil
}

// Get fetches an invitation by its identifier.
func (s *PostgresStore) Get(ctx context.Context, id string) (Invitation, error) {
	if s == nil || s.pool == nil {
		return Invitation{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Invitation{}, err
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return Invitation{}, ErrInvalidInput
	}

	invitations := pgIdent(s.schema, "invitations")
	row := s.pool.QueryRow(ctx,
		`SELECT `+invitationColumns+` FROM `+invitations+` WHERE id = $1`,
		id,
	)

	inv, err := scanInvitation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Invitation{}, ErrNotFound
	}
	return inv, err
}

// GetByTokenHash fetches an invitation by token hash.
func (s *PostgresStore) GetByTokenHash(ctx context.Context, tokenHash string) (Invitation, error) {
	if s == nil || s.pool == nil {
		return Invitation{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Invitation{}, err
	}
	tokenHash = strings.TrimSpace(tokenHash)
	if tokenHash == "" {
		return Invitation{}, ErrInvalidInput
	}

	invitations := pgIdent(s.schema, "invitations")
	row := s.pool.QueryRow(ctx,
		`SELECT `+invitationColumns+` FROM `+invitations+` WHERE token_hash = $1`,
		tokenHash,
	)

	inv, err := scanInvitation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Invitation{}, ErrNotFound
	}
	return inv, err
}

// Consume increments used_count and records the last consumer, refusing
// revoked, expired, and exhausted invitations in a single guarded update.
func (s *PostgresStore) Consume(ctx context.Context, in ConsumeRecord) (Invitation, error) {
	if s == nil || s.pool == nil {
		return Invitation{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Invitation{}, err
	}
	if strings.TrimSpace(in.TokenHash) == "" || in.ConsumedBy == uuid.Nil {
		return Invitation{}, ErrInvalidInput
	}
	if in.Now.IsZero() {
		in.Now = time.Now().UTC()
	}

	invitations := pgIdent(s.schema, "invitations")
	row := s.pool.QueryRow(ctx,
		`UPDATE `+invitations+`
		    SET used_count = used_count + 1,
		        consumed_at = $1,
		        consumed_by = $2
		  WHERE token_hash = $3
		    AND revoked_at IS NULL
		    AND expires_at > $1
		    AND used_count < max_uses
		 RETURNING `+invitationColumns,
		in.Now, in.ConsumedBy, in.TokenHash,
	)

	inv, err := scanInvitation(row)
	if err == nil {
		return inv, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Invitation{}, err
	}

	// Distinguish not-found vs not-active.
	if _, selErr := s.GetByTokenHash(ctx, in.TokenHash); selErr != nil {
		return Invitation{}, selErr
	}
	return Invitation{}, ErrNotActive
}

// Revoke sets revoked_at if not already set.
func (s *PostgresStore) Revoke(ctx context.Context, id string, now time.Time) (Invitation, error) {
	if s == nil || s.pool == nil {
		return Invitation{}, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return Invitation{}, err
	}

	invitations := pgIdent(s.schema, "invitations")
	row := s.pool.QueryRow(ctx,
		`UPDATE `+invitations+`
		    SET revoked_at = COALESCE(revoked_at, $2)
		  WHERE id = $1
		 RETURNING `+invitationColumns,
		id, now,
	)

	inv, err := scanInvitation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Invitation{}, ErrNotFound
	}
	return inv, err
}

// ListBySession returns invitations for a session, newest first.
func (s *PostgresStore) ListBySession(ctx context.Context, sessionID uuid.UUID) ([]Invitation, error) {
	if s == nil || s.pool == nil {
		return nil, ErrInvalidInput
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	invitations := pgIdent(s.schema, "invitations")
	rows, err := s.pool.Query(ctx,
		`SELECT `+invitationColumns+`
		   FROM `+invitations+`
		  WHERE session_id = $1
		  ORDER BY created_at DESC`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Invitation, 0, 8)
	for rows.Next() {
		inv, err := scanInvitation(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, rows.Err()
}

type pgRow interface {
	Scan(dest ...any) error
}

func scanInvitation(row pgRow) (Invitation, error) {
	var inv Invitation
	err := row.Scan(
		&inv.ID, &inv.SessionID, &inv.GrantedRole, &inv.CreatedBy, &inv.CreatedAt,
		&inv.ExpiresAt, &inv.MaxUses, &inv.UsedCount, &inv.RevokedAt, &inv.Note,
		&inv.ConsumedAt, &inv.ConsumedBy,
	)
	return inv, err
}

func pgIdent(schema, table string) string {
	return pgx.Identifier{schema, table}.Sanitize()
}
