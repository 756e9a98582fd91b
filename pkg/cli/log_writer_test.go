package cli

import (
	"fmt"
	"reflect"
	"testing"
)

func TestLogBuffer_KeepsMostRecent(t *testing.T) {
	buf := NewLogBuffer(3)

	for i := 1; i <= 5; i++ {
		buf.Add(fmt.Sprintf("line%d", i))
	}

	got := buf.Lines()
	want := []string{"line3", "line4", "line5"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Lines() = %v, want %v", got, want)
	}
}

func TestLogBuffer_UnderCapacity(t *testing.T) {
	buf := NewLogBuffer(10)
	buf.Add("a")
	buf.Add("b")

	got := buf.Lines()
	want := []string{"a", "b"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Lines() = %v, want %v", got, want)
	}
}

func TestLogWriter_SplitsMultiLine(t *testing.T) {
	w := NewLogWriter(10)

	n, err := w.Write([]byte("first\nsecond\nthird\n"))
	if err != nil {
		t.Fatalf("Write error: %v", err)
	}
	if n != len("first\nsecond\nthird\n") {
		t.Errorf("Write returned %d, want full length", n)
	}

	got := w.Lines()
	want := []string{"first", "second", "third"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Lines() = %v, want %v", got, want)
	}
}

func TestLogWriter_ChannelNonBlocking(t *testing.T) {
	w := NewLogWriter(5)

	// Overflow the notification channel; Write must not block.
	for i := 0; i < 200; i++ {
		if _, err := w.Write([]byte("line\n")); err != nil {
			t.Fatalf("Write error: %v", err)
		}
	}

	select {
	case line := <-w.Channel():
		if line != "line" {
			t.Errorf("Channel line = %q, want %q", line, "line")
		}
	default:
		t.Error("Channel should have buffered lines")
	}
}
