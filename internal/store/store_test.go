package store

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"
)

func TestOpen_CreatesNewDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer s.Close()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestOpen_OpensExistingDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s1, err := Open(path)
	if err != nil {
		t.Fatalf("first Open() failed: %v", err)
	}
	s1.Close()

	s2, err := Open(path)
	if err != nil {
		t.Fatalf("second Open() failed: %v", err)
	}
	defer s2.Close()

	var count int
	if err := s2.db.QueryRow("SELECT COUNT(*) FROM change_log").Scan(&count); err != nil {
		t.Errorf("query failed: %v", err)
	}
}

func TestOpen_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	for i := 0; i < 3; i++ {
		s, err := Open(path)
		if err != nil {
			t.Fatalf("Open() iteration %d failed: %v", i, err)
		}
		s.Close()
	}

	s, err := Open(path)
	if err != nil {
		t.Fatalf("final Open() failed: %v", err)
	}
	defer s.Close()

	tables := []string{
		"change_log", "execute_queue",
		"upload_change_queue", "upload_analyzed_queue", "upload_error_queue",
		"instance", "contact", "contact_number", "trusted_number",
		"analyzed_number", "call_detail", "error_log", "stored_map",
	}
	for _, table := range tables {
		var name string
		err := s.db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?",
			table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found after idempotent opens: %v", table, err)
		}
	}

	// stored_map keeps exactly one row across reopens
	var rows int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM stored_map").Scan(&rows); err != nil {
		t.Fatalf("count stored_map: %v", err)
	}
	if rows != 1 {
		t.Errorf("stored_map rows = %d, want 1", rows)
	}
}

func TestOpen_InvalidPath(t *testing.T) {
	_, err := Open("/nonexistent/dir/test.db")
	if err == nil {
		t.Error("expected error for invalid path, got nil")
	}
}

func TestClose_NilDB(t *testing.T) {
	s := &Store{db: nil}
	if err := s.Close(); err != nil {
		t.Errorf("Close() on nil db should not error: %v", err)
	}
}

func TestDB_ReturnsUnderlyingConnection(t *testing.T) {
	s := createTestStore(t)

	db := s.DB()
	if db == nil {
		t.Fatal("DB() returned nil")
	}
	if err := db.Ping(); err != nil {
		t.Errorf("DB() connection not usable: %v", err)
	}
}

// Pragma tests

func TestPragmas(t *testing.T) {
	s := createTestStore(t)

	pragmas := map[string]string{
		"journal_mode": "wal",
		"synchronous":  "1", // NORMAL
		"busy_timeout": "5000",
		"foreign_keys": "1",
	}
	for name, want := range pragmas {
		if err := s.verifyPragma(name, want); err != nil {
			t.Error(err)
		}
	}
}

// Schema tests

func TestSchema_ChangeLogTable(t *testing.T) {
	s := createTestStore(t)

	columns := getTableColumns(t, s.db, "change_log")
	expected := []string{
		"row_id", "change_id", "change_time", "type", "instance_number",
		"cid", "old_number", "number", "parent_number", "trustability",
		"counter_value", "degree", "blocked", "server_change_id", "error_counter",
	}
	for _, col := range expected {
		if !contains(columns, col) {
			t.Errorf("change_log table missing column %q", col)
		}
	}
}

func TestSchema_ContactNumberTable(t *testing.T) {
	s := createTestStore(t)

	columns := getTableColumns(t, s.db, "contact_number")
	expected := []string{"cid", "number", "raw_number", "instance_number", "version_number", "degree"}
	for _, col := range expected {
		if !contains(columns, col) {
			t.Errorf("contact_number table missing column %q", col)
		}
	}
}

func TestSchema_Indexes(t *testing.T) {
	s := createTestStore(t)

	if !contains(getTableIndexes(t, s.db, "change_log"), "idx_change_log_server") {
		t.Error("change_log table missing index idx_change_log_server")
	}
	if !contains(getTableIndexes(t, s.db, "contact"), "idx_contact_instance") {
		t.Error("contact table missing index idx_contact_instance")
	}
}

// Constraint tests

func TestConstraint_ChangeIDUnique(t *testing.T) {
	s := createTestStore(t)

	insert := `INSERT INTO change_log (change_id, change_time, type, instance_number) VALUES ('c1', 1, 'ADDI', 'i')`
	if _, err := s.db.Exec(insert); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	if _, err := s.db.Exec(insert); err == nil {
		t.Error("expected UNIQUE violation on duplicate change_id")
	}
}

func TestConstraint_ExecuteQueueForeignKey(t *testing.T) {
	s := createTestStore(t)

	_, err := s.db.Exec(`INSERT INTO execute_queue (change_id, create_time) VALUES ('missing', 1)`)
	if err == nil {
		t.Error("expected foreign key violation for execute entry without change log")
	}
}

func TestConstraint_TrustedCounterPositive(t *testing.T) {
	s := createTestStore(t)

	_, err := s.db.Exec(`INSERT INTO trusted_number (number, counter) VALUES ('+1', 0)`)
	if err == nil {
		t.Error("expected CHECK violation for zero counter")
	}
}

func TestConstraint_SingleStoredMapRow(t *testing.T) {
	s := createTestStore(t)

	_, err := s.db.Exec(`INSERT INTO stored_map (id) VALUES (2)`)
	if err == nil {
		t.Error("expected CHECK violation for second stored_map row")
	}
}

// Migration tests

func TestMigration_SchemaVersion(t *testing.T) {
	s := createTestStore(t)

	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		t.Fatalf("failed to get user_version: %v", err)
	}
	if version != currentSchemaVersion {
		t.Errorf("user_version = %d, want %d", version, currentSchemaVersion)
	}
}

func TestMigration_UpgradeFromV0(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	// Simulate a pre-v1 database: drop the index and reset the version.
	if _, err := s.db.Exec("DROP INDEX idx_change_log_server"); err != nil {
		t.Fatalf("drop index: %v", err)
	}
	if _, err := s.db.Exec("PRAGMA user_version = 0"); err != nil {
		t.Fatalf("reset version: %v", err)
	}
	s.Close()

	s, err = Open(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer s.Close()

	if !contains(getTableIndexes(t, s.db, "change_log"), "idx_change_log_server") {
		t.Error("migration did not recreate idx_change_log_server")
	}
	if !contains(getTableIndexes(t, s.db, "call_detail"), "idx_call_detail_date") {
		t.Error("migration did not create idx_call_detail_date")
	}
}

func getTableColumns(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()

	rows, err := db.Query("PRAGMA table_info(" + table + ")")
	if err != nil {
		t.Fatalf("failed to get table info for %q: %v", table, err)
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var cid int
		var name, ctype string
		var notnull, pk int
		var dfltValue interface{}
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dfltValue, &pk); err != nil {
			t.Fatalf("failed to scan column info: %v", err)
		}
		columns = append(columns, name)
	}
	return columns
}

func getTableIndexes(t *testing.T, db *sql.DB, table string) []string {
	t.Helper()

	rows, err := db.Query("SELECT name FROM sqlite_master WHERE type='index' AND tbl_name=?", table)
	if err != nil {
		t.Fatalf("failed to get indexes for %q: %v", table, err)
	}
	defer rows.Close()

	var indexes []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			t.Fatalf("failed to scan index name: %v", err)
		}
		indexes = append(indexes, name)
	}
	return indexes
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
