package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"coderag/internal/llm"

	tea "github.com/charmbracelet/bubbletea"
)

// setupModel picks the chat model from the models pulled on the backend.
type setupModel struct {
	models  []llm.ModelInfo
	current string
	cursor  int
	loaded  bool
	err     error
}

func newSetupModel(current string) *setupModel {
	return &setupModel{current: current}
}

// fetchModelsMsg is sent when models have been fetched from Ollama.
type fetchModelsMsg struct {
	models []llm.ModelInfo
	err    error
}

func fetchModels(baseURL string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		models, err := llm.ListModels(ctx, baseURL)
		return fetchModelsMsg{models: chatModels(models), err: err}
	}
}

// chatModels drops embedding models. If every model looks like one, all are kept.
func chatModels(models []llm.ModelInfo) []llm.ModelInfo {
	var out []llm.ModelInfo
	for _, m := range models {
		name := strings.ToLower(m.Name)
		if strings.Contains(name, "embed") || strings.Contains(name, "nomic") {
			continue
		}
		out = append(out, m)
	}
	if len(out) == 0 {
		return models
	}
	return out
}

// modelSwitchedMsg reports the outcome of a chat model switch.
type modelSwitchedMsg struct {
	model string
	err   error
}

// switchModel checks that name is pulled and rebinds the chain to it.
func switchModel(cfg Config, name string) tea.Cmd {
	return func() tea.Msg {
		if cfg.Chat == nil || cfg.Chain == nil {
			return modelSwitchedMsg{model: name, err: fmt.Errorf("model switching is not available")}
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := llm.CheckModel(ctx, cfg.OllamaURL, name); err != nil {
			return modelSwitchedMsg{model: name, err: err}
		}
		cfg.Chain.SetGenerator(cfg.Chat.WithModel(name))
		return modelSwitchedMsg{model: name}
	}
}

func (m *setupModel) Update(msg tea.Msg) {
	switch msg := msg.(type) {
	case fetchModelsMsg:
		m.models = msg.models
		m.err = msg.err
		m.loaded = true
		for i, model := range m.models {
			if isModel(model, m.current) {
				m.cursor = i
				break
			}
		}

	case tea.KeyMsg:
		switch msg.String() {
		case "up", "k":
			if m.cursor > 0 {
				m.cursor--
			}
		case "down", "j":
			if m.cursor < len(m.models)-1 {
				m.cursor++
			}
		}
	}
}

func isModel(m llm.ModelInfo, name string) bool {
	_, ok := llm.FindModel([]llm.ModelInfo{m}, name)
	return ok
}

// selected returns the highlighted model, or "" before models are loaded.
func (m *setupModel) selected() string {
	if m.err != nil || m.cursor >= len(m.models) {
		return ""
	}
	return m.models[m.cursor].Name
}

func (m *setupModel) View() string {
	s := "\n" + titleStyle.Render("  Select Chat Model") + "\n"
	s += dimStyle.Render("  Used for answering questions; the index is unaffected") + "\n\n"

	switch {
	case !m.loaded:
		s += dimStyle.Render("  Fetching models from Ollama...") + "\n"
		return s
	case m.err != nil:
		s += errorStyle.Render(fmt.Sprintf("  Error: %v", m.err)) + "\n\n"
		s += dimStyle.Render("  Esc to go back.") + "\n"
		return s
	case len(m.models) == 0:
		s += errorStyle.Render("  No models found in Ollama.") + "\n"
		s += dimStyle.Render("  Pull one first, e.g. ollama pull llama3. Esc to go back.") + "\n"
		return s
	}

	for i, model := range m.models {
		line := fmt.Sprintf("%s (%s)", model.Name, llm.FormatSize(model.Size))
		if isModel(model, m.current) {
			line += " • current"
		}
		if i == m.cursor {
			s += "  ▸ " + selectedStyle.Render(line) + "\n"
		} else {
			s += "    " + line + "\n"
		}
	}
	s += "\n" + dimStyle.Render("  ↑/↓ navigate • Enter select • Esc cancel") + "\n"
	return s
}
