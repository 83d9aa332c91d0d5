package store

import (
	"path/filepath"
	"testing"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	db, err := Open(filepath.Join(dir, "data"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestLoadRoundBeforePersistReportsAbsent(t *testing.T) {
	db := openTestDB(t)
	snapshot, ok, err := db.LoadRound()
	if err != nil || ok || snapshot != nil {
		t.Fatalf("LoadRound() = %v, %v, %v, want nil, false, nil", snapshot, ok, err)
	}
}

func TestPersistRoundThenLoadRoundRoundTrips(t *testing.T) {
	db := openTestDB(t)
	want := []byte{0x01, 0x02, 0x03}
	if err := db.PersistRound(want); err != nil {
		t.Fatalf("PersistRound: %v", err)
	}
	got, ok, err := db.LoadRound()
	if err != nil || !ok || string(got) != string(want) {
		t.Fatalf("LoadRound() = %v, %v, %v, want %v, true, nil", got, ok, err, want)
	}
}

func TestPersistRoundOverwritesFixedKey(t *testing.T) {
	db := openTestDB(t)
	if err := db.PersistRound([]byte{0x01}); err != nil {
		t.Fatalf("PersistRound: %v", err)
	}
	if err := db.PersistRound([]byte{0x02}); err != nil {
		t.Fatalf("PersistRound: %v", err)
	}
	got, _, err := db.LoadRound()
	if err != nil || len(got) != 1 || got[0] != 0x02 {
		t.Fatalf("LoadRound() = %v, %v, want [0x02]", got, err)
	}
}

func TestPutAddrThenEachAddrVisitsAllEntries(t *testing.T) {
	db := openTestDB(t)
	want := map[string][]byte{
		"1.2.3.4:10333": {0xAA},
		"5.6.7.8:10333": {0xBB},
	}
	for k, v := range want {
		if err := db.PutAddr(k, v); err != nil {
			t.Fatalf("PutAddr(%s): %v", k, err)
		}
	}

	got := make(map[string][]byte)
	err := db.EachAddr(func(key string, encoded []byte) error {
		got[key] = encoded
		return nil
	})
	if err != nil {
		t.Fatalf("EachAddr: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("EachAddr visited %d entries, want %d", len(got), len(want))
	}
	for k, v := range want {
		if string(got[k]) != string(v) {
			t.Fatalf("entry %s = %v, want %v", k, got[k], v)
		}
	}
}

func TestOpenRejectsEmptyDataDir(t *testing.T) {
	if _, err := Open(""); err == nil {
		t.Fatal("Open(\"\") should fail")
	}
}
