package cli

import (
	"strings"
	"testing"

	"github.com/charmbracelet/lipgloss"
)

func eventFrame(lines []string) Frame {
	return Frame{
		Styles: NewStyles(DefaultTheme),
		Title:  "deepmem queue",
		Status: "watching",
		Sections: []Section{
			{Label: "Totals", Content: func() []string { return []string{"done: 3", "retry: 1"} }},
			{Label: "Events", Content: func() []string { return lines }},
		},
		Help: "q: quit",
	}
}

func TestFrameRowGeometry(t *testing.T) {
	const width, height = 60, 20
	out := eventFrame([]string{"enqueued user-7"}).Render(width, height)
	rows := strings.Split(out, "\n")

	// top + title + blank + 2*(label + budget) + bottom + help
	budget := eventFrame(nil).sectionBudget(height)
	want := 5 + 2*(1+budget)
	if len(rows) != want {
		t.Fatalf("row count = %d, want %d", len(rows), want)
	}
	// Every boxed row spans the full width; the help line hangs below.
	for i, row := range rows[:len(rows)-1] {
		if got := lipgloss.Width(row); got != width {
			t.Errorf("row %d width = %d, want %d: %q", i, got, width, row)
		}
	}
}

func TestFrameShowsNewestLines(t *testing.T) {
	lines := make([]string, 0, 50)
	for i := 0; i < 50; i++ {
		lines = append(lines, "event-"+string(rune('a'+i%26)))
	}
	lines[0] = "oldest-event"
	lines[49] = "newest-event"

	out := eventFrame(lines).Render(80, 16)
	if !strings.Contains(out, "newest-event") {
		t.Fatal("newest line missing from rendered frame")
	}
	if strings.Contains(out, "oldest-event") {
		t.Fatal("overflowing section kept its oldest line instead of the newest")
	}
}

func TestFrameClipsWideLines(t *testing.T) {
	long := strings.Repeat("transcript ingestion for user-7 ", 8)
	out := eventFrame([]string{long}).Render(40, 14)

	for _, row := range strings.Split(out, "\n") {
		if w := lipgloss.Width(row); w > 40 {
			t.Fatalf("row wider than frame (%d cells): %q", w, row)
		}
	}
	if !strings.Contains(out, "…") {
		t.Fatal("expected ellipsis on clipped content")
	}
}

func TestFrameZeroSize(t *testing.T) {
	if got := eventFrame(nil).Render(0, 0); got != "Loading..." {
		t.Fatalf("Render(0,0) = %q", got)
	}
}

func TestTail(t *testing.T) {
	in := []string{"a", "b", "c", "d"}
	if got := tail(in, 2); len(got) != 2 || got[0] != "c" || got[1] != "d" {
		t.Fatalf("tail = %v", got)
	}
	if got := tail(in, 10); len(got) != 4 {
		t.Fatalf("tail with slack = %v", got)
	}
}

func TestClipKeepsShortStrings(t *testing.T) {
	if got := clip("done", 20); got != "done" {
		t.Fatalf("clip = %q", got)
	}
	clipped := clip(strings.Repeat("x", 30), 10)
	if w := lipgloss.Width(clipped); w > 10 {
		t.Fatalf("clipped width = %d", w)
	}
	if !strings.HasSuffix(clipped, "…") {
		t.Fatalf("clipped = %q, want ellipsis suffix", clipped)
	}
}
