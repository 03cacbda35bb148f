package tui

import (
	"context"
	"fmt"
	"time"

	"coderag/internal/llm"
	"coderag/internal/store"

	tea "github.com/charmbracelet/bubbletea"
)

type welcomeModel struct {
	projects     []store.ProjectStats
	storeErr     error
	backendErr   error
	chatModelErr string
	ready        bool // true once the check has completed
}

// checkStatusMsg is sent after checking the index and the backend.
type checkStatusMsg struct {
	projects     []store.ProjectStats
	storeErr     error
	backendErr   error
	chatModelErr string
}

func checkStatus(cfg Config) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		var msg checkStatusMsg
		msg.projects, msg.storeErr = cfg.Store.ListProjects(ctx)

		models, err := llm.ListModels(ctx, cfg.OllamaURL)
		if err != nil {
			msg.backendErr = err
			return msg
		}
		if _, ok := llm.FindModel(models, cfg.ChatModel); !ok {
			msg.chatModelErr = fmt.Sprintf("chat model %s is not pulled; run: ollama pull %s", cfg.ChatModel, cfg.ChatModel)
		}
		return msg
	}
}

func (m welcomeModel) Update(msg tea.Msg) (welcomeModel, tea.Cmd) {
	if msg, ok := msg.(checkStatusMsg); ok {
		m.projects = msg.projects
		m.storeErr = msg.storeErr
		m.backendErr = msg.backendErr
		m.chatModelErr = msg.chatModelErr
		m.ready = true
	}
	return m, nil
}

func (m welcomeModel) View(width, height int) string {
	s := "\n"
	s += titleStyle.Render("  ◆ coderag") + "\n"
	s += subtitleStyle.Render("  Ask questions about your code, answered from a local index") + "\n\n"

	if !m.ready {
		s += dimStyle.Render("  Checking index and Ollama...") + "\n"
		return s
	}

	switch {
	case m.storeErr != nil:
		s += errorStyle.Render("  ✗ Index unavailable: "+m.storeErr.Error()) + "\n"
	case len(m.projects) == 0:
		s += warnStyle.Render("  ✗ No projects indexed") + "\n"
		s += dimStyle.Render("    Run 'coderag index <path>' first; answers will have no code context.") + "\n"
	default:
		s += successStyle.Render(fmt.Sprintf("  ✓ %d project(s) indexed", len(m.projects))) + "\n"
		for _, p := range m.projects {
			s += dimStyle.Render(fmt.Sprintf("    %s: %d chunks, %d files", p.Name, p.Chunks, p.Files)) + "\n"
		}
	}

	switch {
	case m.backendErr != nil:
		s += errorStyle.Render("  ✗ Ollama unreachable: "+m.backendErr.Error()) + "\n"
	case m.chatModelErr != "":
		s += warnStyle.Render("  ⚠ "+m.chatModelErr) + "\n"
	default:
		s += successStyle.Render("  ✓ Ollama ready") + "\n"
	}

	s += "\n"
	s += dimStyle.Render("  Press Enter to continue, q to quit") + "\n"
	return s
}
