package collab

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a SessionStore backed by PostgreSQL.
//
// Ownership model:
//   - PostgresStore does NOT own the pgx pool. The caller must close it.
//   - Close() is therefore a no-op.
//
// Concurrency model:
//   - Operation appends take a per-session transactional advisory lock so
//     the per-session timestamp cursor advances strictly monotonically
//     under concurrency, across every engine instance sharing the database.
//   - Joins take the same lock so the one-online-row invariant and the cap
//     count cannot race.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "collab").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("collab: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("collab: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed SessionStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "collab",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("collab: nil pool")
	}
	return st, nil
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// EnsureSchema creates the store's schema and tables if they do not exist.
// Intended for dev bootstrap and integration tests; production deployments
// run migrations out of band.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE SCHEMA IF NOT EXISTS %[1]s;

CREATE TABLE IF NOT EXISTS %[1]s.sessions (
    id               UUID PRIMARY KEY,
    project_id       UUID NOT NULL,
    file_id          UUID,
    created_by       UUID NOT NULL,
    kind             TEXT NOT NULL,
    title            TEXT NOT NULL DEFAULT '',
    description      TEXT NOT NULL DEFAULT '',
    active           BOOLEAN NOT NULL DEFAULT TRUE,
    max_participants INT NOT NULL DEFAULT 10,
    password_hash    TEXT NOT NULL DEFAULT '',
    settings         TEXT,
    started_at       TIMESTAMPTZ,
    ended_at         TIMESTAMPTZ,
    created_at       TIMESTAMPTZ NOT NULL,
    updated_at       TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS %[1]s.participants (
    id              UUID PRIMARY KEY,
    session_id      UUID NOT NULL REFERENCES %[1]s.sessions(id),
    user_id         UUID NOT NULL,
    role            TEXT NOT NULL,
    online          BOOLEAN NOT NULL DEFAULT TRUE,
    cursor_position INT,
    selection       TEXT,
    joined_at       TIMESTAMPTZ NOT NULL,
    last_seen_at    TIMESTAMPTZ NOT NULL,
    left_at         TIMESTAMPTZ,
    UNIQUE (session_id, user_id)
);

CREATE INDEX IF NOT EXISTS participants_session_online_idx
    ON %[1]s.participants (session_id) WHERE online;

CREATE TABLE IF NOT EXISTS %[1]s.operations (
    id          UUID PRIMARY KEY,
    session_id  UUID NOT NULL REFERENCES %[1]s.sessions(id),
    user_id     UUID NOT NULL,
    kind        TEXT NOT NULL,
    file_id     UUID,
    position    INT,
    length      INT,
    content     TEXT,
    ts          TIMESTAMPTZ NOT NULL,
    applied     BOOLEAN NOT NULL DEFAULT FALSE,
    applied_at  TIMESTAMPTZ,
    rejected    BOOLEAN NOT NULL DEFAULT FALSE,
    rejected_at TIMESTAMPTZ,
    UNIQUE (session_id, ts)
);

CREATE TABLE IF NOT EXISTS %[1]s.operation_cursors (
    session_id UUID PRIMARY KEY REFERENCES %[1]s.sessions(id),
    last_ts    TIMESTAMPTZ NOT NULL,
    updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS %[1]s.messages (
    id         UUID PRIMARY KEY,
    session_id UUID NOT NULL REFERENCES %[1]s.sessions(id),
    user_id    UUID NOT NULL,
    kind       TEXT NOT NULL,
    content    TEXT NOT NULL,
    reply_to   UUID,
    edited     BOOLEAN NOT NULL DEFAULT FALSE,
    edited_at  TIMESTAMPTZ,
    deleted    BOOLEAN NOT NULL DEFAULT FALSE,
    deleted_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS messages_session_idx
    ON %[1]s.messages (session_id, created_at);
`, pgx.Identifier{s.schema}.Sanitize())

	_, err := s.pool.Exec(ctx, ddl)
	return err
}

const sessionColumns = `id, project_id, file_id, created_by, kind, title, description,
       active, max_participants, password_hash, settings,
       started_at, ended_at, created_at, updated_at`

const participantColumns = `id, session_id, user_id, role, online,
       cursor_position, selection, joined_at, last_seen_at, left_at`

// CreateSession persists a new active session.
func (s *PostgresStore) CreateSession(ctx context.Context, in CreateSessionInput) (Session, error) {
	if err := s.ready(ctx); err != nil {
		return Session{}, err
	}
	now := orNow(in.Now)

	kind := in.Kind
	if kind == "" {
		kind = SessionRealtime
	}
	if !kind.Valid() {
		return Session{}, ErrInvalidInput
	}
	maxParticipants := in.MaxParticipants
	if maxParticipants <= 0 {
		maxParticipants = 10
	}

	sessions := pgIdent(s.schema, "sessions")
	id := uuid.New()

	row := s.pool.QueryRow(ctx,
		`INSERT INTO `+sessions+` (
		     id, project_id, file_id, created_by, kind, title, description,
		     active, max_participants, password_hash, settings,
		     started_at, created_at, updated_at
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, $8, $9, $10, $11, $11, $11)
		 RETURNING `+sessionColumns,
		id, in.ProjectID, in.FileID, in.CreatedBy, string(kind), in.Title, in.Description,
		maxParticipants, in.PasswordHash, in.Settings, now,
	)
	return scanSession(row)
}

// FindSession returns the session row or ErrSessionNotFound.
func (s *PostgresStore) FindSession(ctx context.Context, id uuid.UUID) (Session, error) {
	if err := s.ready(ctx); err != nil {
		return Session{}, err
	}

	sessions := pgIdent(s.schema, "sessions")
	row := s.pool.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM `+sessions+` WHERE id = $1`, id)

	sess, err := scanSession(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Session{}, ErrSessionNotFound
	}
	return sess, err
}

// EndSession marks the session inactive. Idempotent.
func (s *PostgresStore) EndSession(ctx context.Context, id uuid.UUID, now time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	now = orNow(now)

	sessions := pgIdent(s.schema, "sessions")
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+sessions+`
		    SET active = FALSE,
		        ended_at = COALESCE(ended_at, $2),
		        updated_at = $2
		  WHERE id = $1`,
		id, now,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// CountOnline counts online participants for the session.
func (s *PostgresStore) CountOnline(ctx context.Context, sessionID uuid.UUID) (int, error) {
	if err := s.ready(ctx); err != nil {
		return 0, err
	}

	participants := pgIdent(s.schema, "participants")
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM `+participants+` WHERE session_id = $1 AND online`,
		sessionID,
	).Scan(&n)
	return n, err
}

// ActiveParticipants lists online participants ordered by join time.
func (s *PostgresStore) ActiveParticipants(ctx context.Context, sessionID uuid.UUID) ([]Participant, error) {
	if err := s.ready(ctx); err != nil {
		return nil, err
	}

	participants := pgIdent(s.schema, "participants")
	rows, err := s.pool.Query(ctx,
		`SELECT `+participantColumns+`
		   FROM `+participants+`
		  WHERE session_id = $1 AND online
		  ORDER BY joined_at ASC`,
		sessionID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Participant, 0, 8)
	for rows.Next() {
		p, err := scanParticipant(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// FindParticipant returns the (session, user) row or ErrParticipantNotFound.
func (s *PostgresStore) FindParticipant(ctx context.Context, sessionID, userID uuid.UUID) (Participant, error) {
	if err := s.ready(ctx); err != nil {
		return Participant{}, err
	}

	participants := pgIdent(s.schema, "participants")
	row := s.pool.QueryRow(ctx,
		`SELECT `+participantColumns+`
		   FROM `+participants+`
		  WHERE session_id = $1 AND user_id = $2`,
		sessionID, userID,
	)

	p, err := scanParticipant(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Participant{}, ErrParticipantNotFound
	}
	return p, err
}

// JoinParticipant inserts a fresh row or reactivates the user's existing
// one. Runs under the session's advisory lock so the one-online-row
// invariant and cap counting cannot race with concurrent joins.
func (s *PostgresStore) JoinParticipant(ctx context.Context, in JoinParticipantInput) (JoinParticipantResult, error) {
	if err := s.ready(ctx); err != nil {
		return JoinParticipantResult{}, err
	}
	now := orNow(in.Now)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return JoinParticipantResult{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := s.lockSession(ctx, tx, in.SessionID); err != nil {
		return JoinParticipantResult{}, err
	}

	participants := pgIdent(s.schema, "participants")

	row := tx.QueryRow(ctx,
		`INSERT INTO `+participants+` (
		     id, session_id, user_id, role, online, joined_at, last_seen_at
		 ) VALUES ($1, $2, $3, $4, TRUE, $5, $5)
		 ON CONFLICT (session_id, user_id) DO UPDATE
		    SET online = TRUE,
		        role = EXCLUDED.role,
		        last_seen_at = EXCLUDED.last_seen_at,
		        left_at = NULL
		 RETURNING `+participantColumns+`, (xmax <> 0) AS rejoined`,
		uuid.New(), in.SessionID, in.UserID, string(in.Role), now,
	)

	var (
		p        Participant
		rejoined bool
	)
	if err := row.Scan(
		&p.ID, &p.SessionID, &p.UserID, (*string)(&p.Role), &p.Online,
		&p.CursorPosition, &p.Selection, &p.JoinedAt, &p.LastSeenAt, &p.LeftAt,
		&rejoined,
	); err != nil {
		return JoinParticipantResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return JoinParticipantResult{}, err
	}
	return JoinParticipantResult{Participant: p, Rejoined: rejoined}, nil
}

// MarkOffline soft-closes the participant row. Idempotent.
func (s *PostgresStore) MarkOffline(ctx context.Context, participantID uuid.UUID, now time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	now = orNow(now)

	participants := pgIdent(s.schema, "participants")
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+participants+`
		    SET online = FALSE,
		        left_at = COALESCE(left_at, $2),
		        last_seen_at = $2
		  WHERE id = $1`,
		participantID, now,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrParticipantNotFound
	}
	return nil
}

// UpdateCursor stores the latest cursor/selection on the participant row.
func (s *PostgresStore) UpdateCursor(ctx context.Context, participantID uuid.UUID, position *int, selection *string, now time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}

	participants := pgIdent(s.schema, "participants")
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+participants+`
		    SET cursor_position = $2, selection = $3, last_seen_at = $4
		  WHERE id = $1`,
		participantID, position, selection, orNow(now),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrParticipantNotFound
	}
	return nil
}

// UpdateRole changes the participant's role.
func (s *PostgresStore) UpdateRole(ctx context.Context, participantID uuid.UUID, role ParticipantRole, now time.Time) error {
	if err := s.ready(ctx); err != nil {
		return err
	}
	if !role.Valid() {
		return ErrInvalidInput
	}

	participants := pgIdent(s.schema, "participants")
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+participants+`
		    SET role = $2, last_seen_at = $3
		  WHERE id = $1`,
		participantID, string(role), orNow(now),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrParticipantNotFound
	}
	return nil
}

// AppendOperation appends an operation with a timestamp strictly greater
// than the session's previous one, and marks it applied in the same
// transaction.
func (s *PostgresStore) AppendOperation(ctx context.Context, in AppendOperationInput) (Operation, error) {
	if err := s.ready(ctx); err != nil {
		return Operation{}, err
	}
	now := orNow(in.Now)

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return Operation{}, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serialize all appends per session to guarantee strict monotonic
	// ordering without races.
	if err := s.lockSession(ctx, tx, in.SessionID); err != nil {
		return Operation{}, err
	}

	cursors := pgIdent(s.schema, "operation_cursors")
	operations := pgIdent(s.schema, "operations")

	// The cursor row advances to max(now, last + 1µs), which is the
	// server-assigned total order consumers replay by.
	var ts time.Time
	if err := tx.QueryRow(ctx,
		`INSERT INTO `+cursors+` (session_id, last_ts, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (session_id) DO UPDATE
		    SET last_ts = GREATEST(EXCLUDED.last_ts, `+cursors+`.last_ts + interval '1 microsecond'),
		        updated_at = now()
		 RETURNING last_ts`,
		in.SessionID, now,
	).Scan(&ts); err != nil {
		if isForeignKeyViolation(err) {
			return Operation{}, ErrSessionNotFound
		}
		return Operation{}, fmt.Errorf("advance cursor: %w", err)
	}

	op := Operation{
		ID:        uuid.New(),
		SessionID: in.SessionID,
		UserID:    in.UserID,
		Kind:      in.Kind,
		FileID:    in.FileID,
		Position:  in.Position,
		Length:    in.Length,
		Content:   in.Content,
		Timestamp: ts,
		Applied:   true,
		AppliedAt: &ts,
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO `+operations+` (
		     id, session_id, user_id, kind, file_id, position, length, content,
		     ts, applied, applied_at
		 ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, TRUE, $9)`,
		op.ID, op.SessionID, op.UserID, string(op.Kind), op.FileID,
		op.Position, op.Length, op.Content, op.Timestamp,
	); err != nil {
		if isForeignKeyViolation(err) {
			return Operation{}, ErrSessionNotFound
		}
		return Operation{}, fmt.Errorf("insert operation: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Operation{}, err
	}
	return op, nil
}

// AppendMessage persists a chat message append-only.
func (s *PostgresStore) AppendMessage(ctx context.Context, in AppendMessageInput) (ChatMessage, error) {
	if err := s.ready(ctx); err != nil {
		return ChatMessage{}, err
	}
	now := orNow(in.Now)

	messages := pgIdent(s.schema, "messages")
	msg := ChatMessage{
		ID:        uuid.New(),
		SessionID: in.SessionID,
		UserID:    in.UserID,
		Kind:      in.Kind,
		Content:   in.Content,
		ReplyTo:   in.ReplyTo,
		CreatedAt: now,
	}

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+messages+` (id, session_id, user_id, kind, content, reply_to, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		msg.ID, msg.SessionID, msg.UserID, string(msg.Kind), msg.Content, msg.ReplyTo, msg.CreatedAt,
	); err != nil {
		if isForeignKeyViolation(err) {
			return ChatMessage{}, ErrSessionNotFound
		}
		return ChatMessage{}, fmt.Errorf("insert message: %w", err)
	}
	return msg, nil
}

// EditMessage rewrites content and sets the edited flags.
func (s *PostgresStore) EditMessage(ctx context.Context, messageID uuid.UUID, content string, now time.Time) (ChatMessage, error) {
	if err := s.ready(ctx); err != nil {
		return ChatMessage{}, err
	}

	messages := pgIdent(s.schema, "messages")
	row := s.pool.QueryRow(ctx,
		`UPDATE `+messages+`
		    SET content = $2, edited = TRUE, edited_at = $3
		  WHERE id = $1 AND NOT deleted
		 RETURNING id, session_id, user_id, kind, content, reply_to,
		           edited, edited_at, deleted, deleted_at, created_at`,
		messageID, content, orNow(now),
	)

	msg, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ChatMessage{}, ErrMessageNotFound
	}
	return msg, err
}

// DeleteMessage soft-deletes a message. Idempotent.
func (s *PostgresStore) DeleteMessage(ctx context.Context, messageID uuid.UUID, now time.Time) (ChatMessage, error) {
	if err := s.ready(ctx); err != nil {
		return ChatMessage{}, err
	}

	messages := pgIdent(s.schema, "messages")
	row := s.pool.QueryRow(ctx,
		`UPDATE `+messages+`
		    SET deleted = TRUE, deleted_at = COALESCE(deleted_at, $2)
		  WHERE id = $1
		 RETURNING id, session_id, user_id, kind, content, reply_to,
		           edited, edited_at, deleted, deleted_at, created_at`,
		messageID, orNow(now),
	)

	msg, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return ChatMessage{}, ErrMessageNotFound
	}
	return msg, err
}

// Stats summarizes the session.
func (s *PostgresStore) Stats(ctx context.Context, sessionID uuid.UUID, now time.Time) (SessionStats, error) {
	if err := s.ready(ctx); err != nil {
		return SessionStats{}, err
	}
	now = orNow(now)

	sess, err := s.FindSession(ctx, sessionID)
	if err != nil {
		return SessionStats{}, err
	}

	participants := pgIdent(s.schema, "participants")
	operations := pgIdent(s.schema, "operations")
	messages := pgIdent(s.schema, "messages")

	stats := SessionStats{SessionID: sessionID}
	if err := s.pool.QueryRow(ctx,
		`SELECT
		     (SELECT count(*) FROM `+participants+` WHERE session_id = $1),
		     (SELECT count(*) FROM `+participants+` WHERE session_id = $1 AND online),
		     (SELECT count(*) FROM `+operations+` WHERE session_id = $1),
		     (SELECT count(*) FROM `+messages+` WHERE session_id = $1)`,
		sessionID,
	).Scan(
		&stats.TotalParticipants,
		&stats.CurrentParticipants,
		&stats.TotalOperations,
		&stats.TotalMessages,
	); err != nil {
		return SessionStats{}, err
	}

	start := sess.CreatedAt
	if sess.StartedAt != nil {
		start = *sess.StartedAt
	}
	end := now
	if sess.EndedAt != nil {
		end = *sess.EndedAt
	}
	if end.After(start) {
		stats.Duration = end.Sub(start)
	}
	return stats, nil
}

// ---- helpers ----

func (s *PostgresStore) ready(ctx context.Context) error {
	if s == nil || s.pool == nil {
		return errors.New("collab: nil store")
	}
	return ctx.Err()
}

// lockSession takes the per-session transactional advisory lock.
// hashtextextended reduces collision risk vs hashtext.
func (s *PostgresStore) lockSession(ctx context.Context, tx pgx.Tx, sessionID uuid.UUID) error {
	if _, err := tx.Exec(ctx,
		`SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, sessionID.String(),
	); err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}
	return nil
}

type pgRow interface {
	Scan(dest ...any) error
}

func scanSession(row pgRow) (Session, error) {
	var (
		sess Session
		kind string
	)
	err := row.Scan(
		&sess.ID, &sess.ProjectID, &sess.FileID, &sess.CreatedBy, &kind,
		&sess.Title, &sess.Description, &sess.Active, &sess.MaxParticipants,
		&sess.PasswordHash, &sess.Settings,
		&sess.StartedAt, &sess.EndedAt, &sess.CreatedAt, &sess.UpdatedAt,
	)
	sess.Kind = SessionKind(kind)
	return sess, err
}

func scanParticipant(row pgRow) (Participant, error) {
	var (
		p    Participant
		role string
	)
	err := row.Scan(
		&p.ID, &p.SessionID, &p.UserID, &role, &p.Online,
		&p.CursorPosition, &p.Selection, &p.JoinedAt, &p.LastSeenAt, &p.LeftAt,
	)
	p.Role = ParticipantRole(role)
	return p, err
}

func scanMessage(row pgRow) (ChatMessage, error) {
	var (
		msg  ChatMessage
		kind string
	)
	err := row.Scan(
		&msg.ID, &msg.SessionID, &msg.UserID, &kind, &msg.Content, &msg.ReplyTo,
		&msg.Edited, &msg.EditedAt, &msg.Deleted, &msg.DeletedAt, &msg.CreatedAt,
	)
	msg.Kind = MessageKind(kind)
	return msg, err
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23503" // foreign_key_violation
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
