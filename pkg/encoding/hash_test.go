package encoding

import (
	"encoding/json"
	"testing"
)

func TestStableHashHex(t *testing.T) {
	// sha256("abc") is a well-known vector.
	got := StableHashHex("abc")
	want := "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	if got != want {
		t.Errorf("StableHashHex(abc) = %s; want %s", got, want)
	}

	if StableHashHex("a") == StableHashHex("b") {
		t.Error("distinct inputs produced identical digests")
	}
}

func TestCanonicalJSON_KeyOrder(t *testing.T) {
	a := map[string]any{"b": 2, "a": 1, "c": map[string]any{"z": true, "y": false}}
	b := map[string]any{"c": map[string]any{"y": false, "z": true}, "a": 1, "b": 2}

	ca, err := CanonicalJSON(a)
	if err != nil {
		t.Fatalf("CanonicalJSON(a) error: %v", err)
	}
	cb, err := CanonicalJSON(b)
	if err != nil {
		t.Fatalf("CanonicalJSON(b) error: %v", err)
	}

	if string(ca) != string(cb) {
		t.Errorf("canonical forms differ:\n a=%s\n b=%s", ca, cb)
	}
	if string(ca) != `{"a":1,"b":2,"c":{"y":false,"z":true}}` {
		t.Errorf("unexpected canonical form: %s", ca)
	}
}

func TestCanonicalJSON_PreservesNumbers(t *testing.T) {
	in := map[string]any{"ts": int64(1736467200123), "score": 0.75}
	out, err := CanonicalJSON(in)
	if err != nil {
		t.Fatalf("CanonicalJSON error: %v", err)
	}
	want := `{"score":0.75,"ts":1736467200123}`
	if string(out) != want {
		t.Errorf("CanonicalJSON = %s; want %s", out, want)
	}
}

func TestHashJSONHex_OrderInsensitive(t *testing.T) {
	type msg struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	msgs := []msg{{Role: "user", Content: "hello"}, {Role: "assistant", Content: "hi"}}

	h1, err := HashJSONHex(msgs)
	if err != nil {
		t.Fatalf("HashJSONHex error: %v", err)
	}

	// Same content arriving as generic maps with scrambled key order
	// must hash identically.
	generic := []map[string]any{
		{"content": "hello", "role": "user"},
		{"content": "hi", "role": "assistant"},
	}
	h2, err := HashJSONHex(generic)
	if err != nil {
		t.Fatalf("HashJSONHex error: %v", err)
	}

	if h1 != h2 {
		t.Errorf("hashes differ for equal content: %s vs %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Errorf("digest length = %d; want 64", len(h1))
	}

	// Element order matters for arrays.
	h3, err := HashJSONHex([]msg{msgs[1], msgs[0]})
	if err != nil {
		t.Fatalf("HashJSONHex error: %v", err)
	}
	if h3 == h1 {
		t.Error("reordered array hashed identically")
	}
}

func TestGzipData_RoundTrip(t *testing.T) {
	original := GzipData([]byte(`[{"role":"user","content":"remember that I like tea"}]`))

	b, err := json.Marshal(original)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}

	var restored GzipData
	if err := json.Unmarshal(b, &restored); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}

	if string(original) != string(restored) {
		t.Errorf("RoundTrip: original=%s, restored=%s", original, restored)
	}
}

func TestGzipData_Null(t *testing.T) {
	var g GzipData
	b, err := json.Marshal(g)
	if err != nil {
		t.Fatalf("Marshal error: %v", err)
	}
	if string(b) != "null" {
		t.Errorf("Marshal(nil) = %s; want null", b)
	}

	var restored GzipData
	if err := json.Unmarshal([]byte("null"), &restored); err != nil {
		t.Fatalf("Unmarshal error: %v", err)
	}
	if restored != nil {
		t.Errorf("Unmarshal(null) = %v; want nil", restored)
	}
}

func TestGzipData_InvalidPayload(t *testing.T) {
	// Valid base64 that is not a gzip stream.
	var g GzipData
	if err := json.Unmarshal([]byte(`"aGVsbG8="`), &g); err == nil {
		t.Error("expected error for non-gzip payload, got nil")
	}
}

func TestGzipGunzip_RoundTrip(t *testing.T) {
	in := []byte(`{"messages":[{"role":"user","content":"hi"}]}`)
	compressed, err := Gzip(in)
	if err != nil {
		t.Fatalf("Gzip error: %v", err)
	}
	out, err := Gunzip(compressed)
	if err != nil {
		t.Fatalf("Gunzip error: %v", err)
	}
	if string(out) != string(in) {
		t.Errorf("round trip: got %s, want %s", out, in)
	}

	if _, err := Gunzip([]byte("not gzip")); err == nil {
		t.Error("expected error for non-gzip input, got nil")
	}
}
