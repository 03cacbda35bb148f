package tui

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"coderag/internal/chunker"
	"coderag/internal/chunker/languages"
	"coderag/internal/embedder"
	"coderag/internal/index"
	"coderag/internal/llm"
	"coderag/internal/rag"
	"coderag/internal/store"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedGenerator struct{ fragments []string }

func (g scriptedGenerator) Model() string { return "scripted" }

func (g scriptedGenerator) Generate(context.Context, []llm.Message) (string, error) {
	return strings.Join(g.fragments, ""), nil
}

func (g scriptedGenerator) Stream(ctx context.Context, _ []llm.Message) (*llm.Stream, error) {
	var b strings.Builder
	for _, f := range g.fragments {
		fmt.Fprintf(&b, `{"message":{"content":%q},"done":false}`+"\n", f)
	}
	b.WriteString(`{"done":true}` + "\n")
	return llm.NewStream(ctx, io.NopCloser(strings.NewReader(b.String()))), nil
}

func openStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func enter(m chatModel, text string) (chatModel, tea.Cmd) {
	m.input.SetValue(text)
	return m.Update(tea.KeyMsg{Type: tea.KeyEnter})
}

func TestChatSlashCommands(t *testing.T) {
	m := newChatModel(Config{})
	m.initViewport(80, 24)

	m, _ = enter(m, "/help")
	require.Len(t, m.messages, 1)
	assert.Equal(t, "system", m.messages[0].role)

	m, _ = enter(m, "/clear")
	assert.Empty(t, m.messages)
	assert.Empty(t, m.history)

	_, cmd := enter(m, "/exit")
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())
}

func TestChatStreamsAnswer(t *testing.T) {
	st := openStore(t)
	emb := embedder.NewHashEmbedder(16)
	chain := rag.NewChain(rag.NewRetriever(st, emb, nil), scriptedGenerator{fragments: []string{"Nothing ", "is indexed."}}, nil)

	m := newChatModel(Config{Chain: chain, TopK: 5})
	m.initViewport(80, 24)
	m, _ = enter(m, "where is main?")
	require.Equal(t, chatSearching, m.state)
	require.NotNil(t, m.cancel)

	// Drive the command chain by hand: retrieval, then one fragment at a time.
	var msg tea.Msg = askQuestion(context.Background(), chain, rag.Query{Question: "where is main?"})()
	for msg != nil {
		var cmd tea.Cmd
		m, cmd = m.Update(msg)
		if cmd == nil {
			break
		}
		msg = cmd()
	}

	assert.Equal(t, chatIdle, m.state)
	assert.Nil(t, m.stream)
	last := m.messages[len(m.messages)-1]
	assert.Equal(t, "assistant", last.role)
	assert.True(t, strings.HasPrefix(last.content, "Nothing is indexed."), last.content)
	assert.Contains(t, last.content, "No indexed code was used")
	require.Len(t, m.history, 2)
	assert.Equal(t, "Nothing is indexed.", m.history[1].Content)
}

func TestChatStoppedAnswer(t *testing.T) {
	m := newChatModel(Config{})
	m.initViewport(80, 24)
	m.state = chatSearching

	m, _ = m.Update(streamStartMsg{err: context.Canceled})
	assert.Equal(t, chatIdle, m.state)
	require.Len(t, m.messages, 1)
	assert.Equal(t, "(stopped)", m.messages[0].content)
}

func tagsServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"models":[{"name":"nomic-embed-text:latest","size":274000000},{"name":"llama3:latest","size":4700000000},{"name":"qwen3:8b","size":5200000000}]}`))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newSwitchableChat(t *testing.T) (chatModel, *rag.Chain) {
	t.Helper()
	srv := tagsServer(t)
	chat := llm.NewOllamaChat(srv.URL, "llama3", 0)
	chain := rag.NewChain(rag.NewRetriever(openStore(t), embedder.NewHashEmbedder(16), nil), chat, nil)
	m := newChatModel(Config{Chain: chain, Chat: chat, OllamaURL: srv.URL, ChatModel: "llama3"})
	m.initViewport(80, 24)
	return m, chain
}

func TestChatModelPicker(t *testing.T) {
	m, chain := newSwitchableChat(t)

	m, cmd := enter(m, "/model")
	require.NotNil(t, m.picker)
	require.NotNil(t, cmd)
	assert.Contains(t, m.View(80, 24), "Fetching models")

	m, _ = m.Update(cmd())
	require.Len(t, m.picker.models, 2, "embedding models are not offered")
	assert.Equal(t, "llama3:latest", m.picker.selected())
	assert.Contains(t, m.View(80, 24), "current")

	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyDown})
	assert.Equal(t, "qwen3:8b", m.picker.selected())

	m, cmd = m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	assert.Nil(t, m.picker)
	require.NotNil(t, cmd)
	m, _ = m.Update(cmd())

	assert.Equal(t, "qwen3:8b", chain.Model())
	last := m.messages[len(m.messages)-1]
	assert.Equal(t, "system", last.role)
	assert.Equal(t, "Chat model: qwen3:8b", last.content)
	assert.Contains(t, m.View(80, 24), "qwen3:8b")
}

func TestChatModelPickerEscape(t *testing.T) {
	m, chain := newSwitchableChat(t)

	m, cmd := enter(m, "/model")
	m, _ = m.Update(cmd())
	m, _ = m.Update(tea.KeyMsg{Type: tea.KeyDown})
	m, cmd = m.Update(tea.KeyMsg{Type: tea.KeyEsc})
	assert.Nil(t, m.picker)
	assert.Nil(t, cmd)
	assert.Equal(t, "llama3", chain.Model())
}

func TestChatSwitchModelByName(t *testing.T) {
	m, chain := newSwitchableChat(t)

	m, cmd := enter(m, "/model mistral")
	require.NotNil(t, cmd)
	m, _ = m.Update(cmd())
	last := m.messages[len(m.messages)-1]
	assert.Equal(t, "error", last.role)
	assert.Contains(t, last.content, "ollama pull mistral")
	assert.Equal(t, "llama3", chain.Model())

	m, cmd = enter(m, "/model qwen3:8b")
	m, _ = m.Update(cmd())
	assert.Equal(t, "Chat model: qwen3:8b", m.messages[len(m.messages)-1].content)
	assert.Equal(t, "qwen3:8b", chain.Model())
}

func TestIndexingModel(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "app.py"), []byte("def main():\n    return 0\n"), 0o644))

	orch := index.New(openStore(t), embedder.NewHashEmbedder(16), chunker.New(languages.Default(), chunker.Options{}), index.Config{})
	req := index.Request{Path: root, Project: "app"}
	m := newIndexingModel(orch, req)
	assert.Contains(t, m.View(), "Indexing")

	next, cmd := m.Update(runIndex(orch, req)())
	require.NotNil(t, cmd)
	assert.IsType(t, tea.QuitMsg{}, cmd())

	done := next.(indexingModel)
	assert.True(t, done.done)
	require.NoError(t, done.err)
	require.NotNil(t, done.summary)
	assert.Equal(t, index.StatusCompleted, done.summary.Status)
	assert.Equal(t, 1, done.summary.ProjectChunks)
	assert.Equal(t, "app", done.job.Project)

	// Polls after the run ended stop the ticker.
	_, cmd = done.Update(pollMsg{})
	assert.Nil(t, cmd)
}

func TestWelcomeView(t *testing.T) {
	var w welcomeModel
	assert.Contains(t, w.View(80, 24), "Checking")

	w, _ = w.Update(checkStatusMsg{
		projects:   []store.ProjectStats{{Name: "shop", Chunks: 12, Files: 3}},
		backendErr: fmt.Errorf("connection refused"),
	})
	out := w.View(80, 24)
	assert.Contains(t, out, "1 project(s) indexed")
	assert.Contains(t, out, "shop: 12 chunks, 3 files")
	assert.Contains(t, out, "Ollama unreachable")
}
