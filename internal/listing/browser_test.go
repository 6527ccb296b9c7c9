package listing

import (
	"strings"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
)

func key(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func send(t *testing.T, b Browser, msgs ...tea.Msg) Browser {
	t.Helper()
	for _, msg := range msgs {
		m, _ := b.Update(msg)
		var ok bool
		if b, ok = m.(Browser); !ok {
			t.Fatalf("Update returned %T", m)
		}
	}
	return b
}

func testEntries() []Entry {
	return []Entry{
		{Title: "ew1", Body: "__global__ void ew1(float* p0)\n{\n    add.f32\n}\n"},
		{Title: "red2", Body: "__global__ void red2(float* p0)\n{\n    max.f32\n}\n"},
		{Title: "ew3", Body: "__global__ void ew3(float* p0)\n{\n    sqrt.approx.f32\n}\n"},
	}
}

func TestBrowserPaging(t *testing.T) {
	b := send(t, NewBrowser(testEntries()), tea.WindowSizeMsg{Width: 100, Height: 30})

	tests := []struct {
		key  tea.Msg
		want int
	}{
		{key("n"), 1},
		{key("n"), 2},
		{key("n"), 2},
		{tea.KeyMsg{Type: tea.KeyLeft}, 1},
		{key("p"), 0},
		{key("p"), 0},
		{tea.KeyMsg{Type: tea.KeyRight}, 1},
	}
	for i, tt := range tests {
		b = send(t, b, tt.key)
		if b.Current() != tt.want {
			t.Fatalf("step %d: current = %d, want %d", i, b.Current(), tt.want)
		}
	}
	if view := b.View(); !strings.Contains(view, "[2/3] red2") {
		t.Errorf("view lacks the page title:\n%s", view)
	}
}

func TestBrowserSearch(t *testing.T) {
	b := send(t, NewBrowser(testEntries()), tea.WindowSizeMsg{Width: 100, Height: 30})

	b = send(t, b, key("/"), key("sqrt"), tea.KeyMsg{Type: tea.KeyEnter})
	if b.Current() != 2 {
		t.Errorf("search jumped to %d, want 2", b.Current())
	}

	b = send(t, b, key("/"), key("nothing"), tea.KeyMsg{Type: tea.KeyEnter})
	if b.Current() != 2 {
		t.Errorf("failed search moved to %d", b.Current())
	}
	if view := b.View(); !strings.Contains(view, `no kernel matches "nothing"`) {
		t.Errorf("view lacks the miss notice:\n%s", view)
	}

	b = send(t, b, key("/"), key("q"), tea.KeyMsg{Type: tea.KeyEsc})
	if _, cmd := b.Update(key("q")); cmd == nil {
		t.Error("q outside the search box should quit")
	}
}

func TestBrowserEmpty(t *testing.T) {
	b := send(t, NewBrowser(nil), tea.WindowSizeMsg{Width: 80, Height: 10}, key("n"))
	if !strings.Contains(b.View(), "no kernels were generated") {
		t.Errorf("empty browser view:\n%s", b.View())
	}
}

func TestCollector(t *testing.T) {
	c := &Collector{}
	c.Observe(testKernel(t))
	if len(c.Entries) != 1 {
		t.Fatalf("collected %d entries", len(c.Entries))
	}
	if !strings.Contains(c.Entries[0].Title, "elementwise") {
		t.Errorf("title = %q", c.Entries[0].Title)
	}
	if !strings.Contains(c.Entries[0].Body, "__global__") {
		t.Errorf("body lacks the signature:\n%s", c.Entries[0].Body)
	}
}
