package directory

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"chatsync/cmd/internal/ids"
	"chatsync/cmd/internal/remote"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Integration tests are enabled when CHATSYNC_DATABASE_URL is set.

func TestPostgresStore_ConversationLifecycle(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	store, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	svc, err := NewService(store)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	conv, err := svc.Create(ctx, "alice", "Integration")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if conv.Role != RoleOwner || conv.JoinCode == "" {
		t.Fatalf("unexpected conversation: %+v", conv)
	}

	got, joined, err := svc.Join(ctx, "bob", strings.ToLower(conv.JoinCode))
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	if !joined || got.ID != conv.ID {
		t.Fatalf("join: joined=%v got=%+v", joined, got)
	}
	if _, joined, err := svc.Join(ctx, "bob", conv.JoinCode); err != nil || joined {
		t.Fatalf("rejoin: joined=%v err=%v", joined, err)
	}

	members, err := svc.Members(ctx, "bob", conv.ID)
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if len(members) != 2 || members[0].UserID != "alice" || members[0].Role != RoleOwner || members[1].UserID != "bob" {
		t.Fatalf("members = %+v", members)
	}

	list, err := svc.List(ctx, "bob")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].ID != conv.ID || list[0].Role != RoleMember {
		t.Fatalf("list = %+v", list)
	}

	if err := svc.Leave(ctx, "alice", conv.ID); !errors.Is(err, ErrOwnerCannotLeave) {
		t.Fatalf("owner leave: %v", err)
	}
	if err := svc.Leave(ctx, "bob", conv.ID); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if err := svc.Leave(ctx, "bob", conv.ID); !errors.Is(err, ErrNotMember) {
		t.Fatalf("second leave: %v", err)
	}

	// The relay's membership check reads the same rows.
	ms, err := remote.NewPostgresMembershipStore(pool, remote.WithSchema(schema))
	if err != nil {
		t.Fatalf("membership store: %v", err)
	}
	if ok, err := ms.IsMember(ctx, "alice", conv.ID); err != nil || !ok {
		t.Fatalf("alice member=%v err=%v", ok, err)
	}
	if ok, err := ms.IsMember(ctx, "bob", conv.ID); err != nil || ok {
		t.Fatalf("bob member=%v err=%v", ok, err)
	}
}

func TestPostgresStore_JoinCodeConflict(t *testing.T) {
	t.Parallel()

	pool := mustOpenTestPool(t)
	defer pool.Close()

	schema := mustCreateTestSchema(t, pool)
	t.Cleanup(func() { mustDropSchema(t, pool, schema) })

	store, err := NewPostgresStore(pool, WithSchema(schema))
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	now := time.Now().UTC()
	if _, err := store.Create(ctx, CreateRecord{ID: ids.MustULID(now), DisplayName: "a", OwnerID: "alice", JoinCode: "SAME00", CreatedAt: now}); err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = store.Create(ctx, CreateRecord{ID: ids.MustULID(now), DisplayName: "b", OwnerID: "bob", JoinCode: "SAME00", CreatedAt: now})
	if !errors.Is(err, ErrCodeConflict) {
		t.Fatalf("err = %v, want ErrCodeConflict", err)
	}

	// The failed create must not leave an orphan owner row.
	list, err := store.ListForUser(ctx, "bob")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 0 {
		t.Fatalf("bob list = %+v", list)
	}

	if _, err := store.AddMember(ctx, Member{ConversationID: "missing", UserID: "bob", Role: RoleMember}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("add to missing: %v", err)
	}
}

func mustOpenTestPool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	raw := strings.TrimSpace(os.Getenv("CHATSYNC_DATABASE_URL"))
	if raw == "" {
		t.Skip("integration test skipped: CHATSYNC_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, raw)
	if err != nil {
		t.Fatalf("connect postgres: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		t.Fatalf("ping: %v", err)
	}
	return pool
}

func mustCreateTestSchema(t *testing.T, pool *pgxpool.Pool) string {
	t.Helper()

	schema := "chatsync_dir_" + strings.ToLower(ids.MustULID(time.Now())[18:])

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := remote.EnsureSchema(ctx, pool, schema); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	return schema
}

func mustDropSchema(t *testing.T, pool *pgxpool.Pool, schema string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, _ = pool.Exec(ctx, `DROP SCHEMA IF EXISTS `+pgx.Identifier{schema}.Sanitize()+` CASCADE`)
}
