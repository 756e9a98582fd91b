package jsontime_test

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/deepmem/deepmem/pkg/jsontime"
)

func TestMilliWireFormat(t *testing.T) {
	created := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

	data, err := json.Marshal(jsontime.Milli(created))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if got, want := string(data), "1773480413000"; got != want {
		t.Fatalf("marshal = %s, want %s", got, want)
	}

	var back jsontime.Milli
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !back.Time().Equal(created) {
		t.Fatalf("round trip = %v, want %v", back.Time(), created)
	}
}

func TestMilliRejectsNonInteger(t *testing.T) {
	var m jsontime.Milli
	if err := json.Unmarshal([]byte(`"2026-03-14"`), &m); err == nil {
		t.Fatal("string timestamp accepted, want error")
	}
}

func TestMilliComparisons(t *testing.T) {
	created := jsontime.NowEpochMilli()
	retry := created.Add(30 * time.Second)

	if !created.Before(retry) {
		t.Error("created.Before(retry) = false")
	}
	if !retry.After(created) {
		t.Error("retry.After(created) = false")
	}
	if !created.Equal(created) {
		t.Error("created.Equal(created) = false")
	}
	if d := retry.Sub(created); d != 30*time.Second {
		t.Errorf("Sub = %v, want 30s", d)
	}
}

func TestMilliZero(t *testing.T) {
	var m jsontime.Milli
	if !m.IsZero() {
		t.Error("zero Milli reports IsZero false")
	}
	if jsontime.NowEpochMilli().IsZero() {
		t.Error("NowEpochMilli reports IsZero true")
	}
}

func TestUnixWireFormat(t *testing.T) {
	oldest := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)

	data, err := json.Marshal(jsontime.Unix(oldest))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if got, want := string(data), "1773480413"; got != want {
		t.Fatalf("marshal = %s, want %s", got, want)
	}

	var back jsontime.Unix
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !back.Time().Equal(oldest) {
		t.Fatalf("round trip = %v, want %v", back.Time(), oldest)
	}
}

func TestUnixTruncatesSubsecond(t *testing.T) {
	at := time.Date(2026, 3, 14, 9, 26, 53, 999_000_000, time.UTC)

	data, err := json.Marshal(jsontime.Unix(at))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var back jsontime.Unix
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got := back.Time(); got.Nanosecond() != 0 || got.Unix() != at.Unix() {
		t.Fatalf("round trip = %v, want second resolution of %v", got, at)
	}
}

func TestUnixOmitZero(t *testing.T) {
	// The queue's stats omit oldest_pending_at when nothing is waiting.
	type stats struct {
		Pending  int          `json:"pending"`
		OldestAt jsontime.Unix `json:"oldest_pending_at,omitzero"`
	}

	data, err := json.Marshal(stats{Pending: 0})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if strings.Contains(string(data), "oldest_pending_at") {
		t.Fatalf("zero timestamp serialized: %s", data)
	}

	data, err = json.Marshal(stats{Pending: 3, OldestAt: jsontime.NowEpoch()})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if !strings.Contains(string(data), "oldest_pending_at") {
		t.Fatalf("live timestamp omitted: %s", data)
	}
}

func TestTaskRecordShape(t *testing.T) {
	// Embedded the way task files store their timestamps.
	type record struct {
		ID        string         `json:"id"`
		CreatedAt jsontime.Milli `json:"createdAt"`
		NextRunAt jsontime.Milli `json:"nextRunAt"`
	}

	createdAt := time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC)
	rec := record{
		ID:        "task-1",
		CreatedAt: jsontime.Milli(createdAt),
		NextRunAt: jsontime.Milli(createdAt).Add(3 * time.Second),
	}

	data, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var back record
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !back.CreatedAt.Equal(rec.CreatedAt) {
		t.Errorf("createdAt = %v, want %v", back.CreatedAt, rec.CreatedAt)
	}
	if got := back.NextRunAt.Sub(back.CreatedAt); got != 3*time.Second {
		t.Errorf("retry delay = %v, want 3s", got)
	}
}
