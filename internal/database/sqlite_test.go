package database

import (
	"path/filepath"
	"testing"

	"github.com/MarcoPoloResearchLab/tauth/internal/identity"
	"gorm.io/gorm"
)

func TestOpenSQLiteRequiresPath(t *testing.T) {
	if _, err := OpenSQLite("", nil); err == nil {
		t.Fatalf("expected empty path to be rejected")
	}
}

func TestOpenSQLiteMigratesAndReopens(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tauth-test.db")

	db, err := OpenSQLite(path, nil)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	for _, table := range []string{"identities", "auth_methods", "identity_activity", "db_migrations"} {
		if !db.Migrator().HasTable(table) {
			t.Fatalf("expected table %q to exist", table)
		}
	}

	record := identity.Identity{
		ID:     "reopen-id",
		Handle: "reopen",
		Email:  "reopen@example.com",
		Role:   identity.RoleUser,
		Active: true,
	}
	if err := db.Create(&record).Error; err != nil {
		t.Fatalf("failed to seed identity: %v", err)
	}
	closeDB(t, db)

	reopened, err := OpenSQLite(path, nil)
	if err != nil {
		t.Fatalf("failed to reopen database: %v", err)
	}
	defer closeDB(t, reopened)

	var loaded identity.Identity
	if err := reopened.Where("id = ?", "reopen-id").First(&loaded).Error; err != nil {
		t.Fatalf("expected seeded identity to survive reopen: %v", err)
	}

	var migrationCount int64
	if err := reopened.Model(&migrationRecord{}).Count(&migrationCount).Error; err != nil {
		t.Fatalf("failed to count migrations: %v", err)
	}
	if migrationCount != 1 {
		t.Fatalf("migrations must not re-apply on reopen, got %d records", migrationCount)
	}
}

func TestBackfillCreatesMissingActivityRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tauth-backfill.db")

	db, err := OpenSQLite(path, nil)
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	defer closeDB(t, db)

	orphan := identity.Identity{
		ID:     "orphan-id",
		Handle: "orphan",
		Email:  "orphan@example.com",
		Role:   identity.RoleUser,
		Active: true,
	}
	if err := db.Create(&orphan).Error; err != nil {
		t.Fatalf("failed to seed orphan identity: %v", err)
	}

	if err := backfillActivityRows(db); err != nil {
		t.Fatalf("backfill failed: %v", err)
	}

	var count int64
	if err := db.Model(&identity.Activity{}).Where("identity_id = ?", "orphan-id").Count(&count).Error; err != nil {
		t.Fatalf("failed to count activity rows: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one backfilled activity row, got %d", count)
	}

	// Running the backfill again must not duplicate rows.
	if err := backfillActivityRows(db); err != nil {
		t.Fatalf("repeat backfill failed: %v", err)
	}
	if err := db.Model(&identity.Activity{}).Where("identity_id = ?", "orphan-id").Count(&count).Error; err != nil {
		t.Fatalf("failed to count activity rows: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected backfill to stay idempotent, got %d rows", count)
	}
}

func closeDB(t *testing.T, db *gorm.DB) {
	t.Helper()
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to unwrap connection: %v", err)
	}
	if err := sqlDB.Close(); err != nil {
		t.Fatalf("failed to close connection: %v", err)
	}
}
