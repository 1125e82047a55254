package keystore

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "keys.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateKeyFormat(t *testing.T) {
	s := openTestStore(t)
	id, full, err := s.Create(context.Background(), "ci", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if id == 0 {
		t.Fatal("expected nonzero id for a newly created key")
	}
	if !strings.HasPrefix(full, "sk-kiro-") || len(full) != len("sk-kiro-")+32 {
		t.Fatalf("unexpected key format: %q", full)
	}
}

// Scenario 6: key lifecycle, soft delete.
func TestKeyLifecycle(t *testing.T) {
	s := openTestStore(t)
	id, full, err := s.Create(context.Background(), "ci", nil, nil)
	if err != nil {
		t.Fatal(err)
	}

	if _, ok := s.Verify(context.Background(), full); !ok {
		t.Fatal("expected newly created key to verify")
	}

	keys, err := s.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 1 {
		t.Fatalf("expected 1 key listed, got %d", len(keys))
	}

	deleted, err := s.Delete(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if !deleted {
		t.Fatal("expected delete to report a row affected")
	}
	if _, ok := s.Verify(context.Background(), full); ok {
		t.Fatal("expected soft-deleted key to fail verification")
	}
	if deleted, err := s.Delete(context.Background(), id); err != nil {
		t.Fatal(err)
	} else if deleted {
		t.Fatal("expected deleting an already-deleted key to report no row affected")
	}
	keys, err = s.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 0 {
		t.Fatal("expected soft-deleted key excluded from List")
	}

	// GetByID ignores deleted_at.
	k, err := s.GetByID(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if k.DeletedAt == nil {
		t.Fatal("expected DeletedAt set")
	}
}

func TestVerifyRejectsDisabled(t *testing.T) {
	s := openTestStore(t)
	id, full, err := s.Create(context.Background(), "ci", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	disabled := false
	if err := s.Update(context.Background(), id, UpdateFields{Enabled: &disabled}); err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Verify(context.Background(), full); ok {
		t.Fatal("expected disabled key to fail verification")
	}
}

func TestVerifyRejectsExpired(t *testing.T) {
	s := openTestStore(t)
	past := time.Now().Add(-time.Hour)
	_, full, err := s.Create(context.Background(), "ci", &past, nil)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.Verify(context.Background(), full); ok {
		t.Fatal("expected expired key to fail verification")
	}
}

func TestVerifyRejectsUnknownKey(t *testing.T) {
	s := openTestStore(t)
	if _, ok := s.Verify(context.Background(), "sk-kiro-deadbeef"); ok {
		t.Fatal("expected unknown key to fail verification")
	}
}

func TestVerifyConstantTimeAdminKey(t *testing.T) {
	if !VerifyConstantTime("admin-secret", "admin-secret") {
		t.Fatal("expected matching admin token to verify")
	}
	if VerifyConstantTime("admin-secret", "wrong") {
		t.Fatal("expected mismatched admin token to fail")
	}
	if VerifyConstantTime("", "") {
		t.Fatal("expected empty admin token to never verify")
	}
}

func TestUpdatePartialFields(t *testing.T) {
	s := openTestStore(t)
	id, _, err := s.Create(context.Background(), "original", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	newName := "renamed"
	if err := s.Update(context.Background(), id, UpdateFields{Name: &newName}); err != nil {
		t.Fatal(err)
	}
	k, err := s.GetByID(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	if k.Name != "renamed" {
		t.Fatalf("expected name updated, got %q", k.Name)
	}
}
