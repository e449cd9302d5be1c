package invite

import (
	"context"
	"crypto/rand"
	"errors"
	"net"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/oklog/ulid/v2"
)

// Integration tests are enabled when TEXLER_TEST_DATABASE_URL is set.
// In non-CI runs, unreachable Postgres skips these tests to keep local runs fast.

func TestInvitationService_CreateValidateConsume(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	store, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	service, err := NewService(store)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	ctx := context.Background()
	now := time.Now().UTC()
	sessionID := uuid.New()

	inv, tokenPlain, err := service.Create(ctx, CreateInput{
		SessionID:   sessionID,
		GrantedRole: "editor",
		CreatedBy:   uuid.New(),
		TTL:         24 * time.Hour,
		MaxUses:     1,
		Now:         now,
	})
	if err != nil {
		t.Fatalf("create invitation: %v", err)
	}
	if inv.ID == "" || tokenPlain == "" {
		t.Fatalf("expected invitation id and token")
	}
	if inv.SessionID != sessionID || inv.GrantedRole != "editor" {
		t.Fatalf("invitation does not carry session grant: %+v", inv)
	}

	ok, _, err := service.Validate(ctx, tokenPlain, now)
	if err != nil {
		t.Fatalf("validate invitation: %v", err)
	}
	if !ok {
		t.Fatalf("expected invitation to be valid")
	}

	consumed, err := service.Consume(ctx, ConsumeInput{
		Token:      tokenPlain,
		ConsumedBy: uuid.New(),
		Now:        now.Add(1 * time.Second),
	})
	if err != nil {
		t.Fatalf("consume invitation: %v", err)
	}
	if consumed.UsedCount != 1 {
		t.Fatalf("expected used_count=1, got %d", consumed.UsedCount)
	}
	if consumed.SessionID != sessionID {
		t.Fatalf("consume must return the granted session id")
	}

	ok, _, err = service.Validate(ctx, tokenPlain, now.Add(2*time.Second))
	if err != nil {
		t.Fatalf("validate after consume: %v", err)
	}
	if ok {
		t.Fatalf("expected invitation to be invalid after max uses")
	}
}

func TestInvitationService_Validate_ExpiredRevoked(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	store, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	service, err := NewService(store)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	ctx := context.Background()

	expired, tokenPlain, err := service.Create(ctx, CreateInput{
		SessionID:   uuid.New(),
		GrantedRole: "viewer",
		CreatedBy:   uuid.New(),
		TTL:         1 * time.Hour,
		MaxUses:     1,
		Now:         time.Now().UTC().Add(-2 * time.Hour),
	})
	if err != nil {
		t.Fatalf("create expired invitation: %v", err)
	}
	ok, _, err := service.Validate(ctx, tokenPlain, time.Now().UTC())
	if err != nil {
		t.Fatalf("validate expired invitation: %v", err)
	}
	if ok {
		t.Fatalf("expected expired invitation to be invalid")
	}

	if _, err := service.Revoke(ctx, expired.ID, time.Now().UTC()); err != nil {
		t.Fatalf("revoke invitation: %v", err)
	}
	ok, _, err = service.Validate(ctx, tokenPlain, time.Now().UTC())
	if err != nil {
		t.Fatalf("validate revoked invitation: %v", err)
	}
	if ok {
		t.Fatalf("expected revoked invitation to be invalid")
	}
}

func TestInvitationService_ConcurrentConsume_MaxUses(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	store, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	if err := store.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	service, err := NewService(store)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	ctx := context.Background()

	inv, tokenPlain, err := service.Create(ctx, CreateInput{
		SessionID:   uuid.New(),
		GrantedRole: "editor",
		CreatedBy:   uuid.New(),
		TTL:         24 * time.Hour,
		MaxUses:     2,
		Now:         time.Now().UTC(),
	})
	if err != nil {
		t.Fatalf("create invitation: %v", err)
	}
	if inv.ID == "" || tokenPlain == "" {
		t.Fatalf("expected invitation id and token")
	}

	const attempts = 5
	var wg sync.WaitGroup
	wg.Add(attempts)
	errs := make(chan error, attempts)

	for i := 0; i < attempts; i++ {
		go func() {
			defer wg.Done()
			_, err := service.Consume(ctx, ConsumeInput{
				Token:      tokenPlain,
				ConsumedBy: uuid.New(),
				Now:        time.Now().UTC(),
			})
			errs <- err
		}()
	}

	wg.Wait()
	close(errs)

	success := 0
	for err := range errs {
		if err == nil {
			success++
			continue
		}
		if errors.Is(err, ErrNotActive) || errors.Is(err, ErrNotFound) {
			continue
		}
		t.Fatalf("unexpected error: %v", err)
	}
	if success != 2 {
		t.Fatalf("expected 2 successes, got %d", success)
	}
}

// ---- helpers ----

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("TEXLER_TEST_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: TEXLER_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	cfg, err := pgxpool.ParseConfig(raw)
	if err != nil {
		t.Fatalf("parse TEXLER_TEST_DATABASE_URL: %v", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}

	pingCtx, pingCancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer pingCancel()

	c, err := pool.Acquire(pingCtx)
	if err != nil {
		pool.Close()
		if shouldSkipIntegration(err) {
			t.Skipf("integration test skipped: Postgres unreachable (TEXLER_TEST_DATABASE_URL set): %v", err)
		}
		t.Fatalf("acquire: %v", err)
	}
	c.Release()

	return pool
}

func shouldSkipIntegration(err error) bool {
	if err == nil {
		return false
	}
	if os.Getenv("CI") != "" {
		return false
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "dial tcp") ||
		strings.Contains(msg, "no such host") {
		return true
	}
	return false
}

func mustCreateTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	schema := "texler_invite_it_" + strings.ToLower(newTestULID(t))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := pool.Exec(ctx, `CREATE SCHEMA `+pgx.Identifier{schema}.Sanitize()); err != nil {
		t.Fatalf("create schema: %v", err)
	}
	return schema
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}

func newTestULID(t *testing.T) string {
	t.Helper()
	id := ulid.MustNew(ulid.Timestamp(time.Now().UTC()), ulid.Monotonic(rand.Reader, 0)).String()
	if len(id) != 26 {
		t.Fatalf("expected ULID length 26, got %d", len(id))
	}
	return id
}
