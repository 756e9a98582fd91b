// Package encoding provides the content hashing and compressed wire
// types shared by the ingestion path and the task queue.
package encoding

import (
	"bytes"
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
)

// Gzip compresses data with the default gzip level.
func Gzip(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("gzip: %w", err)
	}
	return buf.Bytes(), nil
}

// Gunzip decompresses gzip data.
func Gunzip(data []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("gunzip: %w", err)
	}
	defer zr.Close()
	decoded, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("gunzip: %w", err)
	}
	return decoded, nil
}

// GzipData is a byte slice whose JSON form is base64-encoded gzip. The
// in-memory value is always the uncompressed payload; only the wire
// form is compressed. Task files store transcripts this way.
type GzipData []byte

// MarshalJSON implements json.Marshaler. encoding/json renders []byte
// as standard base64, so compressing is the only extra step.
func (g GzipData) MarshalJSON() ([]byte, error) {
	if g == nil {
		return []byte("null"), nil
	}
	compressed, err := Gzip(g)
	if err != nil {
		return nil, fmt.Errorf("marshal gzip data: %w", err)
	}
	return json.Marshal(compressed)
}

// UnmarshalJSON implements json.Unmarshaler. JSON null and the empty
// string both decode to a nil payload.
func (g *GzipData) UnmarshalJSON(data []byte) error {
	var compressed []byte
	if err := json.Unmarshal(data, &compressed); err != nil {
		return fmt.Errorf("unmarshal gzip data: %w", err)
	}
	if len(compressed) == 0 {
		*g = nil
		return nil
	}
	decoded, err := Gunzip(compressed)
	if err != nil {
		return fmt.Errorf("unmarshal gzip data: %w", err)
	}
	*g = decoded
	return nil
}
