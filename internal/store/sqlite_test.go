// ABOUTME: Tests for SQLite store setup and organization lifecycle
// ABOUTME: Covers directory creation, reopening an existing database and status changes

package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestNewSQLiteStore(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath, nil)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	// Verify the database file was created
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
	if err := store.Ping(context.Background()); err != nil {
		t.Errorf("Ping failed: %v", err)
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath, nil)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestNewSQLiteStore_ReopenKeepsData(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	first, err := NewSQLiteStore(dbPath, nil)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	if err := first.CreateOrganization(ctx, &Organization{ID: "org_a", Name: "A", Plan: "free"}); err != nil {
		t.Fatalf("CreateOrganization failed: %v", err)
	}
	first.Close()

	second, err := NewSQLiteStore(dbPath, nil)
	if err != nil {
		t.Fatalf("reopening store failed: %v", err)
	}
	defer second.Close()

	org, err := second.GetOrganization(ctx, "org_a")
	if err != nil {
		t.Fatalf("GetOrganization after reopen failed: %v", err)
	}
	if org.Name != "A" {
		t.Errorf("Name = %q, want %q", org.Name, "A")
	}
}

func TestPing_ClosedStore(t *testing.T) {
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	store.Close()

	if err := store.Ping(context.Background()); err == nil {
		t.Error("Ping on a closed store should fail")
	}
}

func TestCreateOrganization_Duplicate(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	createTestOrg(t, store, "org_a")
	err := store.CreateOrganization(ctx, &Organization{ID: "org_a", Name: "again", Plan: "free"})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
}

func TestCreateOrganization_GeneratesID(t *testing.T) {
	store := setupTestStore(t)

	org := &Organization{Name: "anonymous", Plan: "free"}
	if err := store.CreateOrganization(context.Background(), org); err != nil {
		t.Fatalf("CreateOrganization failed: %v", err)
	}
	if org.ID == "" {
		t.Error("expected a generated ID")
	}
	if org.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be set")
	}
}

func TestUpdateOrganizationStatus(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	createTestOrg(t, store, "org_a")

	if err := store.UpdateOrganizationStatus(ctx, "org_a", OrgStatusSuspended); err != nil {
		t.Fatalf("UpdateOrganizationStatus failed: %v", err)
	}
	org, err := store.GetOrganization(ctx, "org_a")
	if err != nil {
		t.Fatalf("GetOrganization failed: %v", err)
	}
	if org.Status != OrgStatusSuspended {
		t.Errorf("Status = %q, want %q", org.Status, OrgStatusSuspended)
	}

	if err := store.UpdateOrganizationStatus(ctx, "nonexistent", OrgStatusDeleted); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for unknown organization, got %v", err)
	}
}
