package main

import (
	"bytes"
	"database/sql"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/notno/agentcom/internal/store"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dir := t.TempDir()
	st, err := store.NewStore(dir)
	if err != nil {
		t.Fatalf("store.NewStore: %v", err)
	}
	table, err := st.Open("widgets")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := table.Put("a", []byte(`{"id":"a"}`)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := table.Put("b", []byte(`{"id":"b"}`)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	st.CloseAll()

	db, err := sql.Open("sqlite", filepath.Join(dir, "widgets.db"))
	if err != nil {
		t.Fatalf("sql.Open: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func captureStdout(t *testing.T, fn func()) string {
	t.Helper()
	old := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe: %v", err)
	}
	os.Stdout = w
	fn()
	w.Close()
	os.Stdout = old

	out, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	return string(out)
}

func TestListKeysPrintsSortedKeys(t *testing.T) {
	db := newTestDB(t)
	out := captureStdout(t, func() {
		if err := listKeys(db); err != nil {
			t.Fatalf("listKeys: %v", err)
		}
	})
	if !bytes.Contains([]byte(out), []byte("a\nb\n")) {
		t.Errorf("output = %q, want keys a and b in order", out)
	}
}

func TestGetKeyPrintsValue(t *testing.T) {
	db := newTestDB(t)
	out := captureStdout(t, func() {
		if err := getKey(db, "a"); err != nil {
			t.Fatalf("getKey: %v", err)
		}
	})
	if out != "{\"id\":\"a\"}\n" {
		t.Errorf("output = %q, want the record's raw JSON", out)
	}
}

func TestGetKeyUnknownReturnsError(t *testing.T) {
	db := newTestDB(t)
	if err := getKey(db, "missing"); err == nil {
		t.Error("expected getKey of a missing key to return an error")
	}
}
