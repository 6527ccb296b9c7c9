package listing

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/xupit3r/cudave/internal/kernel"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7B68EE"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666")).
			Italic(true)

	missStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF0000")).
			Bold(true)
)

// Entry is one page of the browser.
type Entry struct {
	Title string
	Body  string
}

// Collector records the listing of every kernel it observes. Its Observe
// method fits an engine's kernel hook.
type Collector struct {
	Options Options
	Entries []Entry
}

// Observe appends the listing of k.
func (c *Collector) Observe(k *kernel.Kernel) {
	c.Entries = append(c.Entries, Entry{
		Title: fmt.Sprintf("%s  %s over %v", k.Name, k.Root.Kind, k.Shape),
		Body:  Kernel(k, c.Options),
	})
}

// Browser pages through kernel listings. n/p move between kernels, / opens
// the search box and Enter jumps to the next kernel containing the query.
type Browser struct {
	viewport  viewport.Model
	search    textarea.Model
	entries   []Entry
	current   int
	searching bool
	miss      string
	ready     bool
}

// NewBrowser returns a browser over entries.
func NewBrowser(entries []Entry) Browser {
	ta := textarea.New()
	ta.Placeholder = "search kernels..."
	ta.Prompt = "/ "
	ta.CharLimit = 200
	ta.SetWidth(80)
	ta.SetHeight(1)
	ta.ShowLineNumbers = false

	b := Browser{
		viewport: viewport.New(80, 20),
		search:   ta,
		entries:  entries,
	}
	b.show(0)
	return b
}

// Current returns the index of the displayed entry.
func (b Browser) Current() int { return b.current }

func (b Browser) Init() tea.Cmd {
	return nil
}

func (b Browser) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		if !b.ready {
			b.viewport = viewport.New(msg.Width, msg.Height-4)
			b.ready = true
			b.show(b.current)
		} else {
			b.viewport.Width = msg.Width
			b.viewport.Height = msg.Height - 4
		}
		b.search.SetWidth(msg.Width - 4)
		return b, nil

	case tea.KeyMsg:
		if b.searching {
			return b.updateSearch(msg)
		}
		switch msg.String() {
		case "ctrl+c", "q":
			return b, tea.Quit
		case "n", "right":
			b.show(b.current + 1)
			return b, nil
		case "p", "left":
			b.show(b.current - 1)
			return b, nil
		case "/":
			b.searching = true
			b.miss = ""
			b.search.Reset()
			return b, b.search.Focus()
		}
	}

	var cmd tea.Cmd
	b.viewport, cmd = b.viewport.Update(msg)
	return b, cmd
}

func (b Browser) updateSearch(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyCtrlC:
		return b, tea.Quit
	case tea.KeyEsc:
		b.searching = false
		b.search.Blur()
		return b, nil
	case tea.KeyEnter:
		query := strings.TrimSpace(b.search.Value())
		b.searching = false
		b.search.Blur()
		if i := b.find(query); i >= 0 {
			b.show(i)
		} else {
			b.miss = query
		}
		return b, nil
	}
	var cmd tea.Cmd
	b.search, cmd = b.search.Update(msg)
	return b, cmd
}

// find returns the first entry after the current one, wrapping around,
// whose listing contains query.
func (b Browser) find(query string) int {
	if query == "" || len(b.entries) == 0 {
		return -1
	}
	for off := 1; off <= len(b.entries); off++ {
		i := (b.current + off) % len(b.entries)
		e := b.entries[i]
		if strings.Contains(e.Title, query) || strings.Contains(StripANSI(e.Body), query) {
			return i
		}
	}
	return -1
}

func (b *Browser) show(i int) {
	if len(b.entries) == 0 {
		b.viewport.SetContent("no kernels were generated")
		return
	}
	if i < 0 {
		i = 0
	}
	if i >= len(b.entries) {
		i = len(b.entries) - 1
	}
	b.current = i
	b.viewport.SetContent(b.entries[i].Body)
	b.viewport.GotoTop()
}

func (b Browser) View() string {
	var sb strings.Builder
	if len(b.entries) > 0 {
		e := b.entries[b.current]
		sb.WriteString(titleStyle.Render(fmt.Sprintf("[%d/%d] %s", b.current+1, len(b.entries), e.Title)))
	}
	sb.WriteString("\n")
	sb.WriteString(b.viewport.View())
	sb.WriteString("\n")

	switch {
	case b.searching:
		sb.WriteString(b.search.View())
	case b.miss != "":
		sb.WriteString(missStyle.Render(fmt.Sprintf("no kernel matches %q", b.miss)))
	default:
		sb.WriteString(helpStyle.Render("n/p: next/previous | /: search | q: quit"))
	}
	return sb.String()
}
