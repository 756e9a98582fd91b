package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func readEntries(t *testing.T, path string) []Entry {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open audit log: %v", err)
	}
	defer f.Close()
	var entries []Entry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("decode audit line %q: %v", sc.Text(), err)
		}
		entries = append(entries, e)
	}
	return entries
}

func TestLogger_AppendsJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "audit.jsonl")
	l := New(path, nil)

	l.Append(Entry{Action: "forget", Namespace: "acme", KeyID: "abc123def456", DryRun: true,
		Extra: map[string]any{"delete_ids": 2}})
	l.Append(Entry{Action: "queue_retry_failed", KeyID: "abc123def456"})

	entries := readEntries(t, path)
	if len(entries) != 2 {
		t.Fatalf("got %d entries; want 2", len(entries))
	}
	first := entries[0]
	if first.Action != "forget" || first.Namespace != "acme" || !first.DryRun {
		t.Errorf("unexpected first entry: %+v", first)
	}
	if first.ID == "" || first.TSMillis == 0 {
		t.Error("id or timestamp not filled in")
	}
	if entries[1].Action != "queue_retry_failed" {
		t.Errorf("second action = %q", entries[1].Action)
	}
}

func TestLogger_NilIsSilent(t *testing.T) {
	var l *Logger
	l.Append(Entry{Action: "forget"}) // must not panic

	if New("", nil) != nil {
		t.Error("New with empty path should return nil")
	}
}

func TestLogger_NeverStoresRawKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	l := New(path, nil)
	l.Append(Entry{Action: "forget", KeyID: "0123456789ab"})

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	var raw map[string]any
	if err := json.Unmarshal(data[:len(data)-1], &raw); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, present := raw["key"]; present {
		t.Error("audit line contains a raw key field")
	}
	if raw["key_id"] != "0123456789ab" {
		t.Errorf("key_id = %v", raw["key_id"])
	}
}
