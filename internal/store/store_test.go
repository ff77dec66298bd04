package store

import (
	"fmt"
	"path/filepath"
	"testing"

	"github.com/matheus3301/chatq/internal/errs"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	// testDB already ran Migrate, so a second run must be a no-op.
	result, err := db.Migrate()
	if err != nil {
		t.Fatal(err)
	}
	if result.Changed {
		t.Error("second Migrate() should report Changed=false")
	}
	if result.Version != 1 {
		t.Errorf("version = %d, want 1", result.Version)
	}
}

func TestPutGetDelete(t *testing.T) {
	db := testDB(t)

	if err := db.Put("outbox/a", []byte(`{"n":1}`)); err != nil {
		t.Fatal(err)
	}
	v, ok, err := db.Get("outbox/a")
	if err != nil || !ok {
		t.Fatalf("Get = %q, %v, %v; want present", v, ok, err)
	}
	if string(v) != `{"n":1}` {
		t.Errorf("value = %s", v)
	}

	// Overwrite.
	if err := db.Put("outbox/a", []byte(`{"n":2}`)); err != nil {
		t.Fatal(err)
	}
	v, _, _ = db.Get("outbox/a")
	if string(v) != `{"n":2}` {
		t.Errorf("value after overwrite = %s", v)
	}

	if err := db.Delete("outbox/a"); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := db.Get("outbox/a"); ok {
		t.Error("key still present after Delete")
	}
	// Deleting twice is fine.
	if err := db.Delete("outbox/a"); err != nil {
		t.Errorf("second Delete error = %v", err)
	}
}

func TestGetMissing(t *testing.T) {
	db := testDB(t)
	v, ok, err := db.Get("nope")
	if err != nil {
		t.Fatal(err)
	}
	if ok || v != nil {
		t.Errorf("Get(missing) = %q, %v; want absent", v, ok)
	}
}

func TestListByPrefix(t *testing.T) {
	db := testDB(t)

	for _, k := range []string{"outbox/2", "outbox/1", "outbox0", "session/current", "outbox/3"} {
		if err := db.Put(k, []byte(k)); err != nil {
			t.Fatal(err)
		}
	}

	entries, err := db.ListByPrefix("outbox/")
	if err != nil {
		t.Fatal(err)
	}
	var keys []string
	for _, e := range entries {
		keys = append(keys, e.Key)
	}
	want := []string{"outbox/1", "outbox/2", "outbox/3"}
	if fmt.Sprint(keys) != fmt.Sprint(want) {
		t.Errorf("keys = %v, want %v", keys, want)
	}

	all, err := db.ListByPrefix("")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 {
		t.Errorf("ListByPrefix(\"\") = %d entries, want 5", len(all))
	}
}

// TestPutSurvivesReopen verifies a successful Put is durable across a
// close/reopen of the database file.
func TestPutSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "durable.db")
	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	if err := db.Put("outbox/x", []byte("payload")); err != nil {
		t.Fatal(err)
	}
	_ = db.Close()

	db, err = Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = db.Close() }()
	v, ok, err := db.Get("outbox/x")
	if err != nil || !ok || string(v) != "payload" {
		t.Errorf("after reopen Get = %q, %v, %v", v, ok, err)
	}
}

func TestStorageErrorOnClosedDB(t *testing.T) {
	db := testDB(t)
	_ = db.Close()

	err := db.Put("k", []byte("v"))
	if !errs.Is(err, errs.Storage) {
		t.Errorf("Put on closed db error = %v, want storage kind", err)
	}
	if _, err := db.ListByPrefix("k"); !errs.Is(err, errs.Storage) {
		t.Errorf("ListByPrefix on closed db error = %v, want storage kind", err)
	}
}

func TestPrefixEnd(t *testing.T) {
	tests := []struct {
		in     string
		want   string
		wantOK bool
	}{
		{"outbox/", "outbox0", true},
		{"a", "b", true},
		{"", "", false},
		{"a\xff", "b", true},
	}
	for _, tt := range tests {
		got, ok := prefixEnd(tt.in)
		if got != tt.want || ok != tt.wantOK {
			t.Errorf("prefixEnd(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestMessageOptimisticLifecycle(t *testing.T) {
	db := testDB(t)

	if err := db.UpsertMessage(&Message{ClientID: "op1", ChatID: "c1", Body: "hello", Status: MessagePending}); err != nil {
		t.Fatal(err)
	}
	if err := db.ConfirmMessage("op1", "srv-9"); err != nil {
		t.Fatal(err)
	}

	m, err := db.GetMessage("op1")
	if err != nil {
		t.Fatal(err)
	}
	if m == nil {
		t.Fatal("message missing")
	}
	if m.ServerID != "srv-9" || m.Status != MessageSent {
		t.Errorf("message = %+v, want server id srv-9 and status sent", m)
	}

	// A later upsert without a server id must not erase the merged id.
	if err := db.UpsertMessage(&Message{ClientID: "op1", ChatID: "c1", Body: "hello", Status: MessageSent}); err != nil {
		t.Fatal(err)
	}
	m, _ = db.GetMessage("op1")
	if m.ServerID != "srv-9" {
		t.Errorf("server id = %q after re-upsert, want srv-9", m.ServerID)
	}
}

func TestListMessagesOrderAndLimit(t *testing.T) {
	db := testDB(t)

	for i := 1; i <= 4; i++ {
		if err := db.UpsertMessage(&Message{
			ClientID: fmt.Sprintf("op%d", i), ChatID: "c1", Body: fmt.Sprintf("m%d", i),
			Status: MessagePending, CreatedAt: int64(1000 + i),
		}); err != nil {
			t.Fatal(err)
		}
	}
	if err := db.UpsertMessage(&Message{ClientID: "other", ChatID: "c2", Body: "x", Status: MessagePending}); err != nil {
		t.Fatal(err)
	}

	msgs, err := db.ListMessages("c1", 3)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3", len(msgs))
	}
	if msgs[0].Body != "m2" || msgs[2].Body != "m4" {
		t.Errorf("order = %s..%s, want m2..m4", msgs[0].Body, msgs[2].Body)
	}

	if err := db.DeleteMessage("op4"); err != nil {
		t.Fatal(err)
	}
	if m, _ := db.GetMessage("op4"); m != nil {
		t.Error("op4 still present after delete")
	}
}
