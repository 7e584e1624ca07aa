package session

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func TestMemoryStoreIssueAndValidate(t *testing.T) {
	m := NewMemoryStore(time.Minute)
	ctx := context.Background()

	sid, _, err := m.Issue(ctx, 42, "publish")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	role, err := m.Validate(ctx, 42, sid, "publish")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if role != RolePublisher {
		t.Fatalf("expected RolePublisher, got %v", role)
	}
}

func TestMemoryStoreSingleUse(t *testing.T) {
	m := NewMemoryStore(time.Minute)
	ctx := context.Background()

	sid, _, _ := m.Issue(ctx, 1, "request")
	if _, err := m.Validate(ctx, 1, sid, "request"); err != nil {
		t.Fatalf("first validate should succeed: %v", err)
	}

	if _, err := m.Validate(ctx, 1, sid, "request"); err != ErrInvalidSession {
		t.Fatalf("expected ErrInvalidSession on reuse, got %v", err)
	}
}

func TestMemoryStoreExpiry(t *testing.T) {
	m := NewMemoryStore(time.Minute)
	ctx := context.Background()

	base := time.Now()
	m.now = func() time.Time { return base }

	sid, _, _ := m.Issue(ctx, 1, "publish")

	m.now = func() time.Time { return base.Add(2 * time.Minute) }

	if _, err := m.Validate(ctx, 1, sid, "publish"); err != ErrInvalidSession {
		t.Fatalf("expected expired session to be rejected, got %v", err)
	}
}

func TestMemoryStoreModeMismatch(t *testing.T) {
	m := NewMemoryStore(time.Minute)
	ctx := context.Background()

	sid, _, _ := m.Issue(ctx, 1, "publish")

	if _, err := m.Validate(ctx, 1, sid, "request"); err != ErrInvalidSession {
		t.Fatalf("expected mode mismatch to be rejected, got %v", err)
	}
}

func TestBoltStoreIssueValidateAndSingleUse(t *testing.T) {
	dir := t.TempDir()
	b, err := OpenBoltStore(filepath.Join(dir, "sessions.db"), time.Minute)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer b.Close()

	ctx := context.Background()

	sid, _, err := b.Issue(ctx, 7, "request")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	role, err := b.Validate(ctx, 7, sid, "request")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if role != RoleSubscriber {
		t.Fatalf("expected RoleSubscriber, got %v", role)
	}

	if _, err := b.Validate(ctx, 7, sid, "request"); err != ErrInvalidSession {
		t.Fatalf("expected ErrInvalidSession on reuse, got %v", err)
	}
}

func TestBoltStoreSweepRemovesExpired(t *testing.T) {
	dir := t.TempDir()
	b, err := OpenBoltStore(filepath.Join(dir, "sessions.db"), time.Minute)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer b.Close()

	base := time.Now()
	b.now = func() time.Time { return base }

	ctx := context.Background()
	sid, _, _ := b.Issue(ctx, 1, "publish")

	b.now = func() time.Time { return base.Add(2 * time.Minute) }

	if err := b.Sweep(); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if _, err := b.Validate(ctx, 1, sid, "publish"); err != ErrInvalidSession {
		t.Fatalf("expected swept session to be gone, got %v", err)
	}
}
