package tui

import (
	"time"

	tea "github.com/charmbracelet/bubbletea"
)

const tabCount = 3

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.Close()
			return m, tea.Quit
		case "r":
			return m, m.refreshCmd()
		case "tab":
			m.activeTab = (m.activeTab + 1) % tabCount
			m.scroll = 0
		case "d":
			m.activeTab = 0
			m.scroll = 0
		case "h":
			m.activeTab = 1
			m.scroll = 0
		case "b":
			m.activeTab = 2
			m.scroll = 0
		case "j", "down":
			m.scroll++
		case "k", "up":
			if m.scroll > 0 {
				m.scroll--
			}
		case "g":
			m.scroll = 0
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case TickMsg:
		return m, tea.Batch(m.refreshCmd(), tickCmd())

	case StateChangedMsg:
		cmds := []tea.Cmd{m.refreshCmd()}
		if m.watcher != nil {
			cmds = append(cmds, watchCmd(m.watcher, m.stateName))
		}
		return m, tea.Batch(cmds...)

	case RefreshedMsg:
		if msg.Err != nil {
			m.statusMsg = "refresh failed: " + msg.Err.Error()
			return m, nil
		}
		if msg.Records != nil {
			m.records = msg.Records
		}
		if msg.Backends != nil {
			m.backends = msg.Backends
		}
		m.statusMsg = ""
		m.lastRefresh = time.Now()
	}

	return m, nil
}
