package session

import (
	"context"
	"testing"
)

// newTestStore connects to a local Redis on localhost:6379 and removes the
// test sessions on cleanup.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore("localhost:6379", "test-server")
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() {
		ctx := context.Background()
		for _, pattern := range []string{SessionPrefix + "test_*", UserPrefix + "test_*"} {
			iter := store.Client().Scan(ctx, 0, pattern, 100).Iterator()
			for iter.Next(ctx) {
				store.Client().Del(ctx, iter.Val())
			}
		}
		store.Close()
	})
	return store
}

func TestCreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, "test_sess_1"); err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	sess, err := store.Get(ctx, "test_sess_1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if sess == nil {
		t.Fatal("expected session, got nil")
	}
	if sess.UserID != "" {
		t.Errorf("expected empty user, got %q", sess.UserID)
	}
	if sess.Server != "test-server" {
		t.Errorf("expected server test-server, got %q", sess.Server)
	}
	if sess.CreatedAt == 0 {
		t.Error("expected created_at to be set")
	}

	ttl, err := store.Client().TTL(ctx, SessionPrefix+"test_sess_1").Result()
	if err != nil {
		t.Fatalf("TTL() error: %v", err)
	}
	if ttl <= 0 || ttl > SessionTTL {
		t.Errorf("unexpected ttl %v", ttl)
	}
}

func TestGet_NotFound(t *testing.T) {
	store := newTestStore(t)

	sess, err := store.Get(context.Background(), "test_missing")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if sess != nil {
		t.Errorf("expected nil, got %+v", sess)
	}
}

func TestSetUser(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, "test_sess_2"); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if err := store.SetUser(ctx, "test_sess_2", "test_u1"); err != nil {
		t.Fatalf("SetUser() error: %v", err)
	}

	sess, err := store.Get(ctx, "test_sess_2")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if sess.UserID != "test_u1" {
		t.Errorf("expected user test_u1, got %q", sess.UserID)
	}

	sessions, err := store.SessionsForUser(ctx, "test_u1")
	if err != nil {
		t.Fatalf("SessionsForUser() error: %v", err)
	}
	if len(sessions) != 1 || sessions[0].ID != "test_sess_2" {
		t.Errorf("expected [test_sess_2], got %+v", sessions)
	}

	// Re-registering under another user moves the index entry.
	if err := store.SetUser(ctx, "test_sess_2", "test_u2"); err != nil {
		t.Fatalf("SetUser() error: %v", err)
	}
	if sessions, _ := store.SessionsForUser(ctx, "test_u1"); len(sessions) != 0 {
		t.Errorf("expected test_u1 to have no sessions, got %+v", sessions)
	}
	if sessions, _ := store.SessionsForUser(ctx, "test_u2"); len(sessions) != 1 {
		t.Errorf("expected test_u2 to have one session, got %+v", sessions)
	}
}

func TestTouchAndDelete(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, "test_sess_3"); err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if err := store.Touch(ctx, "test_sess_3"); err != nil {
		t.Fatalf("Touch() error: %v", err)
	}
	if err := store.SetUser(ctx, "test_sess_3", "test_u3"); err != nil {
		t.Fatalf("SetUser() error: %v", err)
	}
	if err := store.Delete(ctx, "test_sess_3"); err != nil {
		t.Fatalf("Delete() error: %v", err)
	}

	sess, err := store.Get(ctx, "test_sess_3")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if sess != nil {
		t.Errorf("expected session to be deleted, got %+v", sess)
	}
	n, err := store.Client().SCard(ctx, UserPrefix+"test_u3").Result()
	if err != nil {
		t.Fatalf("SCard() error: %v", err)
	}
	if n != 0 {
		t.Errorf("expected user index to be emptied, got %d members", n)
	}
}
