package database

import (
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "settings.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSettingsRoundTrip(t *testing.T) {
	db := openTestDB(t)

	if err := db.SetSetting(SettingCustomServer, "http://192.168.1.50:4000"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}

	got, err := db.GetSetting(SettingCustomServer)
	if err != nil {
		t.Fatalf("GetSetting: %v", err)
	}
	if got != "http://192.168.1.50:4000" {
		t.Errorf("GetSetting = %q, want the stored value", got)
	}
}

func TestSetSettingOverwrites(t *testing.T) {
	db := openTestDB(t)

	if err := db.SetSetting(SettingCustomServer, "http://old.example"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	if err := db.SetSetting(SettingCustomServer, "http://new.example"); err != nil {
		t.Fatalf("SetSetting overwrite: %v", err)
	}

	got, _ := db.GetSetting(SettingCustomServer)
	if got != "http://new.example" {
		t.Errorf("GetSetting = %q, want the overwritten value", got)
	}
}

func TestGetMissingSettingIsEmpty(t *testing.T) {
	db := openTestDB(t)

	got, err := db.GetSetting("never_set")
	if err != nil {
		t.Fatalf("GetSetting on missing key errored: %v", err)
	}
	if got != "" {
		t.Errorf("GetSetting = %q, want empty for a missing key", got)
	}
}

func TestDeleteSetting(t *testing.T) {
	db := openTestDB(t)

	if err := db.SetSetting(SettingCustomServer, "http://doomed.example"); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	if err := db.DeleteSetting(SettingCustomServer); err != nil {
		t.Fatalf("DeleteSetting: %v", err)
	}

	got, _ := db.GetSetting(SettingCustomServer)
	if got != "" {
		t.Errorf("GetSetting after delete = %q, want empty", got)
	}

	// deleting a missing key is not an error
	if err := db.DeleteSetting(SettingCustomServer); err != nil {
		t.Errorf("DeleteSetting on missing key errored: %v", err)
	}
}
