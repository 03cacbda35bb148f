package tui

import (
	"coderag/internal/llm"
	"coderag/internal/rag"
	"coderag/internal/store"

	tea "github.com/charmbracelet/bubbletea"
)

// ViewState represents which screen is active.
type ViewState int

const (
	ViewWelcome ViewState = iota
	ViewChat
)

// Config holds configuration passed from the CLI layer.
type Config struct {
	Store store.Store
	Chain *rag.Chain
	// Chat is rebound to another model when the user switches.
	Chat      *llm.OllamaChat
	OllamaURL string
	ChatModel string
	// Project restricts questions to one project; empty asks across all.
	Project string
	TopK    int
}

// Model is the top-level Bubble Tea model.
type Model struct {
	state  ViewState
	config Config
	width  int
	height int

	welcome welcomeModel
	chat    chatModel
}

// New creates a new TUI model with the given config.
func New(cfg Config) Model {
	return Model{
		state:  ViewWelcome,
		config: cfg,
	}
}

func (m Model) Init() tea.Cmd {
	return checkStatus(m.config)
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		if m.state == ViewChat {
			var c tea.Cmd
			m.chat, c = m.chat.Update(msg)
			return m, c
		}
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			m.chat.stop()
			return m, tea.Quit
		case "q":
			if m.state != ViewChat {
				return m, tea.Quit
			}
		}
	}

	var cmd tea.Cmd

	switch m.state {
	case ViewWelcome:
		m.welcome, cmd = m.welcome.Update(msg)
		if cmd != nil {
			return m, cmd
		}
		if keyMsg, ok := msg.(tea.KeyMsg); ok && keyMsg.Type == tea.KeyEnter && m.welcome.ready {
			m.chat = newChatModel(m.config)
			m.chat.initViewport(m.width, m.height)
			m.state = ViewChat
			return m, nil
		}

	case ViewChat:
		m.chat, cmd = m.chat.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m Model) View() string {
	switch m.state {
	case ViewWelcome:
		return m.welcome.View(m.width, m.height)
	case ViewChat:
		return m.chat.View(m.width, m.height)
	}
	return ""
}

// Run starts the chat TUI.
func Run(cfg Config) error {
	p := tea.NewProgram(New(cfg), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
