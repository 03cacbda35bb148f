package tui

import (
	"context"
	"fmt"
	"time"

	"coderag/internal/index"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
)

const pollInterval = 100 * time.Millisecond

// indexingModel shows the progress of one run and quits when it ends.
type indexingModel struct {
	orch     *index.Orchestrator
	req      index.Request
	spinner  spinner.Model
	bar      progress.Model
	job      index.Job
	done     bool
	stopping bool
	summary  *index.Summary
	err      error
}

func newIndexingModel(orch *index.Orchestrator, req index.Request) indexingModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = selectedStyle
	return indexingModel{
		orch:    orch,
		req:     req,
		spinner: sp,
		bar:     progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
	}
}

// indexDoneMsg is sent when the run returns.
type indexDoneMsg struct {
	summary *index.Summary
	err     error
}

// pollMsg triggers a snapshot read.
type pollMsg struct{}

func runIndex(orch *index.Orchestrator, req index.Request) tea.Cmd {
	return func() tea.Msg {
		sum, err := orch.Run(context.Background(), req)
		return indexDoneMsg{summary: sum, err: err}
	}
}

func poll() tea.Cmd {
	return tea.Tick(pollInterval, func(time.Time) tea.Msg { return pollMsg{} })
}

func (m indexingModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, runIndex(m.orch, m.req), poll())
}

func (m indexingModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			if m.done {
				return m, tea.Quit
			}
			// The run stops after the current file and indexDoneMsg quits.
			m.stopping = m.orch.Cancel()
			return m, nil
		}
	case indexDoneMsg:
		m.done = true
		m.summary = msg.summary
		m.err = msg.err
		m.job = m.orch.Snapshot()
		return m, tea.Quit
	case pollMsg:
		if m.done {
			return m, nil
		}
		if job := m.orch.Snapshot(); job.Version != m.job.Version {
			m.job = job
		}
		return m, poll()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m indexingModel) View() string {
	s := "\n"
	s += titleStyle.Render("  Indexing "+m.job.Project) + "\n"
	if m.job.Path != "" {
		s += subtitleStyle.Render("  "+m.job.Path) + "\n"
	}
	s += "\n"

	if m.done {
		return s
	}

	stage := string(m.job.Stage)
	if m.stopping {
		stage = "stopping after current file"
	}
	s += fmt.Sprintf("  %s %s\n", m.spinner.View(), stage)
	if m.job.Total > 0 {
		s += "  " + m.bar.ViewAs(float64(m.job.Current)/float64(m.job.Total)) + "\n"
		s += fmt.Sprintf("  %d / %d files\n", m.job.Current, m.job.Total)
	}
	s += "\n"
	s += dimStyle.Render("  ctrl+c to stop; files already indexed are kept") + "\n"
	return s
}

// RunIndex runs req with a progress display and returns the run's result.
func RunIndex(orch *index.Orchestrator, req index.Request) (*index.Summary, error) {
	p := tea.NewProgram(newIndexingModel(orch, req))
	final, err := p.Run()
	if err != nil {
		return nil, err
	}
	m := final.(indexingModel)
	return m.summary, m.err
}
