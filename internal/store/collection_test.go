package store

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
)

type contactRecord struct {
	Wxid     string `json:"wxid"`
	Nickname string `json:"nickname"`
	Remark   string `json:"remark,omitempty"`
	Type     int    `json:"type"`
}

func testHandle(t *testing.T) *Handle {
	t.Helper()
	db := testDB(t)
	h, err := db.OpenSchema(context.Background(), SessionSchema)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func TestOpenSchemaIdempotent(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	h, err := db.OpenSchema(ctx, SessionSchema)
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Put(ctx, ContactsCollection, contactRecord{Wxid: "w1", Nickname: "Alice"}); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		if _, err := db.OpenSchema(ctx, SessionSchema); err != nil {
			t.Fatalf("reopen %d: %v", i, err)
		}
	}

	n, err := h.Count(ctx, ContactsCollection)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("count after reopen = %d, want 1", n)
	}
	v, err := db.SchemaVersion(ctx, SessionSchema.Name)
	if err != nil {
		t.Fatal(err)
	}
	if v != SessionSchema.Version {
		t.Errorf("version = %d, want %d", v, SessionSchema.Version)
	}
}

func TestOpenSchemaAdditiveUpgrade(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	v1 := Schema{Name: "app", Version: 1, Collections: []Collection{
		{Name: "notes", KeyPath: "id"},
	}}
	h1, err := db.OpenSchema(ctx, v1)
	if err != nil {
		t.Fatal(err)
	}
	if err := h1.Put(ctx, "notes", map[string]any{"id": "n1", "tag": "a"}); err != nil {
		t.Fatal(err)
	}

	v2 := Schema{Name: "app", Version: 2, Collections: []Collection{
		{Name: "notes", KeyPath: "id", Indexes: []Index{{Name: "tag", KeyPath: "tag"}}},
		{Name: "config", KeyPath: "key"},
	}}
	h2, err := db.OpenSchema(ctx, v2)
	if err != nil {
		t.Fatal(err)
	}

	got, err := h2.GetByIndex(ctx, "notes", "tag", "a")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("GetByIndex after upgrade returned %d, want 1", len(got))
	}
	if err := h2.Check(ctx); err != nil {
		t.Errorf("Check() = %v", err)
	}

	// Downgrade is rejected.
	if _, err := db.OpenSchema(ctx, v1); !errors.Is(err, ErrSchemaVersion) {
		t.Errorf("downgrade error = %v, want ErrSchemaVersion", err)
	}

	// Rekeying is rejected.
	v3 := Schema{Name: "app", Version: 3, Collections: []Collection{
		{Name: "notes", KeyPath: "uuid"},
	}}
	if _, err := db.OpenSchema(ctx, v3); !errors.Is(err, ErrRekey) {
		t.Errorf("rekey error = %v, want ErrRekey", err)
	}
}

func TestSchemaValidate(t *testing.T) {
	tests := []struct {
		name   string
		schema Schema
		ok     bool
	}{
		{"valid", Schema{Name: "s", Version: 1, Collections: []Collection{{Name: "c", KeyPath: "a.b"}}}, true},
		{"zero version", Schema{Name: "s", Version: 0}, false},
		{"bad name", Schema{Name: "s;drop", Version: 1}, false},
		{"bad key path", Schema{Name: "s", Version: 1, Collections: []Collection{{Name: "c", KeyPath: "a'b"}}}, false},
		{"duplicate collection", Schema{Name: "s", Version: 1, Collections: []Collection{{Name: "c", KeyPath: "k"}, {Name: "c", KeyPath: "k"}}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.schema.Validate()
			if (err == nil) != tt.ok {
				t.Errorf("Validate() = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestCollectionCRUD(t *testing.T) {
	h := testHandle(t)
	ctx := context.Background()

	if err := h.Put(ctx, ContactsCollection, contactRecord{Wxid: "w1", Nickname: "Alice", Type: 1}); err != nil {
		t.Fatal(err)
	}
	if err := h.Put(ctx, ContactsCollection, contactRecord{Wxid: "w2", Nickname: "Bob", Type: 2}); err != nil {
		t.Fatal(err)
	}
	// Upsert replaces.
	if err := h.Put(ctx, ContactsCollection, contactRecord{Wxid: "w1", Nickname: "Alice", Remark: "work", Type: 1}); err != nil {
		t.Fatal(err)
	}

	c, err := GetAs[contactRecord](ctx, h, ContactsCollection, "w1")
	if err != nil {
		t.Fatal(err)
	}
	if c == nil || c.Remark != "work" {
		t.Errorf("got %+v, want remark work", c)
	}

	missing, err := h.Get(ctx, ContactsCollection, "nope")
	if err != nil {
		t.Fatal(err)
	}
	if missing != nil {
		t.Errorf("Get(missing) = %s, want nil", missing)
	}

	byType, err := h.GetByIndex(ctx, ContactsCollection, "type", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(byType) != 1 {
		t.Errorf("GetByIndex(type=2) returned %d, want 1", len(byType))
	}

	rng, err := h.GetByIndexRange(ctx, ContactsCollection, "nickname", "A", "Am")
	if err != nil {
		t.Fatal(err)
	}
	if len(rng) != 1 {
		t.Errorf("GetByIndexRange(A..Am) returned %d, want 1", len(rng))
	}
	open, err := h.GetByIndexRange(ctx, ContactsCollection, "nickname", nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if len(open) != 2 {
		t.Errorf("open range returned %d, want 2", len(open))
	}

	if err := h.Delete(ctx, ContactsCollection, "w2"); err != nil {
		t.Fatal(err)
	}
	all, err := GetAllAs[contactRecord](ctx, h, ContactsCollection)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 || all[0].Wxid != "w1" {
		t.Errorf("after delete got %+v, want only w1", all)
	}

	if err := h.ClearAll(ctx); err != nil {
		t.Fatal(err)
	}
	n, err := h.Count(ctx, ContactsCollection)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("count after ClearAll = %d, want 0", n)
	}
}

func TestCollectionErrors(t *testing.T) {
	h := testHandle(t)
	ctx := context.Background()

	if err := h.Put(ctx, "nope", map[string]any{"wxid": "w"}); !errors.Is(err, ErrUnknownCollection) {
		t.Errorf("unknown collection error = %v", err)
	}
	if _, err := h.GetByIndex(ctx, ContactsCollection, "nope", 1); !errors.Is(err, ErrUnknownIndex) {
		t.Errorf("unknown index error = %v", err)
	}
	if err := h.Put(ctx, ContactsCollection, map[string]any{"nickname": "x"}); !errors.Is(err, ErrMissingKey) {
		t.Errorf("missing key error = %v", err)
	}

	big := make([]json.RawMessage, MaxPutBatch+1)
	for i := range big {
		big[i] = json.RawMessage(`{"wxid":"w"}`)
	}
	if err := h.PutMany(ctx, ContactsCollection, big); !errors.Is(err, ErrBatchTooLarge) {
		t.Errorf("PutMany(big) error = %v, want ErrBatchTooLarge", err)
	}
}

func TestWriteChunkClearFirstRelaxed(t *testing.T) {
	h := testHandle(t)
	ctx := context.Background()

	first, err := Records([]contactRecord{{Wxid: "a"}, {Wxid: "b"}})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.PutMany(ctx, ContactsCollection, first); err != nil {
		t.Fatal(err)
	}

	second, err := Records([]contactRecord{{Wxid: "c"}})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.WriteChunk(ctx, ContactsCollection, second, true, Relaxed); err != nil {
		t.Fatal(err)
	}

	n, err := h.Count(ctx, ContactsCollection)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("count = %d, want 1", n)
	}
}

func TestNumericKeys(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	h, err := db.OpenSchema(ctx, Schema{Name: "num", Version: 1, Collections: []Collection{{Name: "items", KeyPath: "meta.id"}}})
	if err != nil {
		t.Fatal(err)
	}
	if err := h.Put(ctx, "items", map[string]any{"meta": map[string]any{"id": 42}}); err != nil {
		t.Fatal(err)
	}
	got, err := h.Get(ctx, "items", 42)
	if err != nil {
		t.Fatal(err)
	}
	if got == nil {
		t.Fatal("Get(42) = nil, want record")
	}
}

func TestResetRecreatesEmpty(t *testing.T) {
	h := testHandle(t)
	ctx := context.Background()

	if err := h.Put(ctx, ChatRoomsCollection, map[string]any{"chatroomId": "r1", "name": "Room"}); err != nil {
		t.Fatal(err)
	}
	if err := h.Reset(ctx); err != nil {
		t.Fatal(err)
	}
	if err := h.Check(ctx); err != nil {
		t.Fatalf("Check() after Reset = %v", err)
	}
	n, err := h.Count(ctx, ChatRoomsCollection)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("count after Reset = %d, want 0", n)
	}
}
