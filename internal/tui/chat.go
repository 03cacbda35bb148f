package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"coderag/internal/llm"
	"coderag/internal/rag"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
)

type chatState int

const (
	chatIdle chatState = iota
	chatSearching
	chatGenerating
)

// maxHistory is the number of messages carried into the next question.
const maxHistory = 20

type chatModel struct {
	viewport    viewport.Model
	input       textinput.Model
	spinner     spinner.Model
	renderer    *glamour.TermRenderer
	messages    []chatMessage
	history     []llm.Message
	chain       *rag.Chain
	cfg         Config
	picker      *setupModel
	project     string
	k           int
	state       chatState
	stream      *rag.Stream
	cancel      context.CancelFunc
	width       int
	height      int
	initialized bool
}

type chatMessage struct {
	role    string
	content string
}

// streamStartMsg is sent once retrieval is done and generation has begun.
type streamStartMsg struct {
	stream *rag.Stream
	err    error
}

// fragmentMsg carries one generated fragment.
type fragmentMsg struct{ text string }

// streamEndMsg is sent when the stream finishes, fails or is stopped.
type streamEndMsg struct{ err error }

func newChatModel(cfg Config) chatModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = selectedStyle

	ti := textinput.New()
	ti.Placeholder = "Ask a question about your codebase..."
	ti.CharLimit = 2000
	ti.Focus()

	return chatModel{
		spinner: sp,
		input:   ti,
		chain:   cfg.Chain,
		cfg:     cfg,
		project: cfg.Project,
		k:       cfg.TopK,
		state:   chatIdle,
	}
}

func (m *chatModel) initViewport(width, height int) {
	m.width = width
	m.height = height

	// Layout: viewport + status bar (1 line) + input (1 line) + gap (1 line).
	vpHeight := max(height-3, 5)
	m.viewport = viewport.New(width, vpHeight)
	m.viewport.SetContent(dimStyle.Render("Ask a question about your codebase.\n\nCommands: /help, /model, /clear, /exit. Esc stops an answer."))

	m.input.Width = width - 4

	r, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(max(width-2, 20)),
	)
	if err == nil {
		m.renderer = r
	}

	m.initialized = true
}

func askQuestion(ctx context.Context, chain *rag.Chain, q rag.Query) tea.Cmd {
	return func() tea.Msg {
		s, err := chain.AnswerStream(ctx, q)
		return streamStartMsg{stream: s, err: err}
	}
}

func nextFragment(s *rag.Stream) tea.Cmd {
	return func() tea.Msg {
		if s.Next() {
			return fragmentMsg{text: s.Text()}
		}
		return streamEndMsg{err: s.Err()}
	}
}

// stop cancels an in-flight answer.
func (m *chatModel) stop() {
	if m.cancel != nil {
		m.cancel()
	}
}

func (m chatModel) Update(msg tea.Msg) (chatModel, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.initViewport(msg.Width, msg.Height)
		m.refresh()
		return m, nil

	case streamStartMsg:
		if msg.err != nil {
			m.finish()
			if errors.Is(msg.err, context.Canceled) {
				m.messages = append(m.messages, chatMessage{role: "system", content: "(stopped)"})
			} else {
				m.messages = append(m.messages, chatMessage{role: "error", content: msg.err.Error()})
			}
			m.refresh()
			return m, nil
		}
		m.stream = msg.stream
		m.state = chatGenerating
		m.messages = append(m.messages, chatMessage{role: "assistant"})
		m.refresh()
		return m, nextFragment(m.stream)

	case fragmentMsg:
		last := &m.messages[len(m.messages)-1]
		last.content += msg.text
		m.refresh()
		return m, nextFragment(m.stream)

	case streamEndMsg:
		answer := m.messages[len(m.messages)-1].content
		sources := m.stream.Sources()
		m.finish()
		switch {
		case errors.Is(msg.err, context.Canceled):
			m.messages = append(m.messages, chatMessage{role: "system", content: "(stopped)"})
		case msg.err != nil:
			m.messages = append(m.messages, chatMessage{role: "error", content: msg.err.Error()})
		default:
			m.messages[len(m.messages)-1].content += formatSources(sources)
			m.history = append(m.history, llm.Message{Role: "assistant", Content: answer})
			if len(m.history) > maxHistory {
				m.history = m.history[len(m.history)-maxHistory:]
			}
		}
		m.refresh()
		return m, nil

	case fetchModelsMsg:
		if m.picker != nil {
			m.picker.Update(msg)
		}
		return m, nil

	case modelSwitchedMsg:
		if msg.err != nil {
			m.messages = append(m.messages, chatMessage{role: "error", content: msg.err.Error()})
		} else {
			m.messages = append(m.messages, chatMessage{role: "system", content: "Chat model: " + msg.model})
		}
		m.refresh()
		return m, nil

	case spinner.TickMsg:
		if m.state != chatIdle {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			m.refresh()
			cmds = append(cmds, cmd)
		}
		return m, tea.Batch(cmds...)

	case tea.KeyMsg:
		if m.picker != nil {
			return m.updatePicker(msg)
		}
		if m.state != chatIdle {
			if msg.Type == tea.KeyEsc {
				m.stop()
			}
			return m, nil
		}
		if msg.Type == tea.KeyEnter {
			return m.submit()
		}
	}

	if m.state == chatIdle {
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		cmds = append(cmds, cmd)
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func (m chatModel) updatePicker(msg tea.KeyMsg) (chatModel, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc:
		m.picker = nil
		return m, nil
	case tea.KeyEnter:
		name := m.picker.selected()
		if name == "" {
			return m, nil
		}
		m.picker = nil
		return m, switchModel(m.cfg, name)
	}
	m.picker.Update(msg)
	return m, nil
}

// model returns the chat model answering questions.
func (m chatModel) model() string {
	if m.chain == nil {
		return m.cfg.ChatModel
	}
	return m.chain.Model()
}

func (m chatModel) submit() (chatModel, tea.Cmd) {
	question := strings.TrimSpace(m.input.Value())
	if question == "" {
		return m, nil
	}
	m.input.Reset()

	switch question {
	case "/exit", "/quit":
		return m, tea.Quit
	case "/clear":
		m.messages = nil
		m.history = nil
		m.viewport.SetContent(dimStyle.Render("Conversation cleared."))
		return m, nil
	case "/help":
		helpText := "Commands:\n  /clear        - clear conversation history\n  /model [name] - pick or switch the chat model\n  /exit         - quit\n  /help         - show this help\n  Esc           - stop the current answer"
		m.messages = append(m.messages, chatMessage{role: "system", content: helpText})
		m.refresh()
		return m, nil
	case "/model":
		m.picker = newSetupModel(m.model())
		return m, fetchModels(m.cfg.OllamaURL)
	}
	if name, ok := strings.CutPrefix(question, "/model "); ok {
		return m, switchModel(m.cfg, strings.TrimSpace(name))
	}

	q := rag.Query{
		Question: question,
		TopK:     m.k,
		Project:  m.project,
		History:  append([]llm.Message(nil), m.history...),
	}
	m.messages = append(m.messages, chatMessage{role: "user", content: question})
	m.history = append(m.history, llm.Message{Role: "user", Content: question})
	m.state = chatSearching
	m.refresh()

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	return m, tea.Batch(m.spinner.Tick, askQuestion(ctx, m.chain, q))
}

// finish releases the current stream and returns to idle.
func (m *chatModel) finish() {
	if m.stream != nil {
		m.stream.Close()
		m.stream = nil
	}
	m.stop()
	m.cancel = nil
	m.state = chatIdle
}

func (m *chatModel) refresh() {
	m.viewport.SetContent(m.renderMessages())
	m.viewport.GotoBottom()
}

func formatSources(sources []rag.Source) string {
	if len(sources) == 0 {
		return "\n\n_No indexed code was used for this answer._"
	}
	var sb strings.Builder
	sb.WriteString("\n\n**Sources**\n\n")
	for _, s := range sources {
		fmt.Fprintf(&sb, "- `%s:%d-%d` %s %s\n", s.File, s.StartLine, s.EndLine, s.ChunkType, s.Name)
	}
	return sb.String()
}

func (m chatModel) renderMarkdown(content string) string {
	if m.renderer == nil {
		return assistantMsgStyle.Render(content)
	}
	rendered, err := m.renderer.Render(content)
	if err != nil {
		return assistantMsgStyle.Render(content)
	}
	return strings.TrimRight(rendered, "\n")
}

func (m chatModel) renderMessages() string {
	var sb strings.Builder
	for _, msg := range m.messages {
		switch msg.role {
		case "user":
			sb.WriteString(userMsgStyle.Render("You: ") + msg.content + "\n\n")
		case "assistant":
			sb.WriteString(m.renderMarkdown(msg.content) + "\n\n")
		case "error":
			sb.WriteString(errorStyle.Render("Error: "+msg.content) + "\n\n")
		case "system":
			sb.WriteString(dimStyle.Render(msg.content) + "\n\n")
		}
	}

	if m.state != chatIdle {
		label := "Searching..."
		if m.state == chatGenerating {
			label = "Generating... (Esc to stop)"
		}
		sb.WriteString(m.spinner.View() + " " + dimStyle.Render(label) + "\n")
	}

	return sb.String()
}

func (m chatModel) View(width, height int) string {
	if !m.initialized {
		return ""
	}

	statusText := "idle"
	switch m.state {
	case chatSearching:
		statusText = "searching..."
	case chatGenerating:
		statusText = "generating..."
	}
	scope := m.project
	if scope == "" {
		scope = "all projects"
	}
	statusBar := statusBarStyle.
		Width(m.width).
		Render(fmt.Sprintf(" coderag chat • %s • %s • %s", m.model(), scope, statusText))

	body := m.viewport.View()
	if m.picker != nil {
		body = lipgloss.NewStyle().Height(m.viewport.Height).Render(m.picker.View())
	}
	return lipgloss.JoinVertical(
		lipgloss.Left,
		body,
		statusBar,
		m.input.View(),
	)
}
