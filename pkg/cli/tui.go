package cli

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

// Theme is the dashboard color pair: one accent, one dim.
type Theme struct {
	Primary lipgloss.Color
	Dim     lipgloss.Color
}

// DefaultTheme is terminal green on dark backgrounds.
var DefaultTheme = Theme{
	Primary: lipgloss.Color("#00ff9f"),
	Dim:     lipgloss.Color("#6e7681"),
}

// Styles holds the lipgloss styles a Frame derives from its theme.
type Styles struct {
	Title  lipgloss.Style
	Label  lipgloss.Style
	Border lipgloss.Style
	Help   lipgloss.Style
}

// NewStyles builds the derived styles for t.
func NewStyles(t Theme) Styles {
	return Styles{
		Title:  lipgloss.NewStyle().Bold(true).Foreground(t.Primary).Padding(0, 1),
		Label:  lipgloss.NewStyle().Bold(true).Foreground(t.Primary),
		Border: lipgloss.NewStyle().Foreground(t.Primary),
		Help:   lipgloss.NewStyle().Foreground(t.Dim),
	}
}

// Section is one labeled region of a Frame. Content is called at render
// time so a redraw always shows current data.
type Section struct {
	Label   string
	Content func() []string
}

// Frame is a full-screen text dashboard: a bordered box with a title row,
// labeled sections, and a help line underneath. The queue watcher redraws
// one per event.
type Frame struct {
	Styles   Styles
	Title    string
	Status   string
	Sections []Section
	Help     string
}

// Render lays the frame out for a width x height terminal.
func (f Frame) Render(width, height int) string {
	if width <= 0 || height <= 0 {
		return "Loading..."
	}

	border := f.Styles.Border
	inner := width - 4
	budget := f.sectionBudget(height)

	rows := make([]string, 0, height)
	rows = append(rows, border.Render("╭"+strings.Repeat("─", width-2)+"╮"))
	rows = append(rows, f.titleRow(width))
	rows = append(rows, border.Render("│")+strings.Repeat(" ", width-2)+border.Render("│"))
	for _, sec := range f.Sections {
		rows = append(rows, f.sectionRows(sec, width, inner, budget)...)
	}
	rows = append(rows, border.Render("╰"+strings.Repeat("─", width-2)+"╯"))
	rows = append(rows, f.Styles.Help.Render(f.Help))

	return strings.Join(rows, "\n")
}

// sectionBudget splits the rows left after borders, title, and help evenly
// across sections, two rows minimum.
func (f Frame) sectionBudget(height int) int {
	n := max(len(f.Sections), 1)
	return max((height-5-n)/n, 2)
}

// titleRow renders "│ title [status]        │".
func (f Frame) titleRow(width int) string {
	border := f.Styles.Border
	title := f.Styles.Title.Render(f.Title)
	status := f.Styles.Help.Render("[" + f.Status + "]")
	pad := max(0, width-5-lipgloss.Width(title)-lipgloss.Width(status))
	return border.Render("│") + " " + title + " " + status + strings.Repeat(" ", pad) + " " + border.Render("│")
}

// sectionRows renders the label separator and exactly budget content rows,
// keeping the newest lines when content overflows.
func (f Frame) sectionRows(sec Section, width, inner, budget int) []string {
	border := f.Styles.Border
	label := f.Styles.Label.Render(sec.Label)
	pad := max(0, width-3-lipgloss.Width(label))
	rows := []string{border.Render("├─") + label + border.Render(strings.Repeat("─", pad)+"┤")}

	content := tail(sec.Content(), budget)
	for i := 0; i < budget; i++ {
		text := ""
		if i < len(content) {
			text = clip(content[i], inner)
		}
		rows = append(rows, border.Render("│")+" "+text+
			strings.Repeat(" ", max(0, inner-lipgloss.Width(text)))+" "+border.Render("│"))
	}
	return rows
}

// tail returns the last n lines.
func tail(lines []string, n int) []string {
	if len(lines) <= n {
		return lines
	}
	return lines[len(lines)-n:]
}

// clip truncates s to width terminal cells with a trailing ellipsis.
// MaxWidth measures cells, not bytes, so styled and wide content survive.
func clip(s string, width int) string {
	if width <= 1 || lipgloss.Width(s) <= width {
		return s
	}
	return lipgloss.NewStyle().MaxWidth(width-1).Render(s) + "…"
}
