package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"coderag/internal/chunker"
	"coderag/internal/chunker/languages"
	"coderag/internal/config"
	"coderag/internal/embedder"
	"coderag/internal/index"
	"coderag/internal/llm"
	"coderag/internal/logging"
	"coderag/internal/rag"
	"coderag/internal/store"

	"github.com/spf13/cobra"
)

// app holds the wired components shared by the commands.
type app struct {
	cfg       *config.Config
	log       *slog.Logger
	store     *store.SQLiteStore
	emb       embedder.Embedder
	orch      *index.Orchestrator
	retriever *rag.Retriever
	chat      *llm.OllamaChat
	chain     *rag.Chain
}

// loadConfig reads the config file and applies command-line overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, err
	}
	if flagDB != "" {
		cfg.DBPath = flagDB
	}
	if flagOllama != "" {
		cfg.Ollama.URL = flagOllama
	}
	if flagModel != "" {
		cfg.Ollama.EmbedModel = flagModel
	}
	if flagChatModel != "" {
		cfg.Ollama.ChatModel = flagChatModel
	}
	if flagLogLevel != "" {
		cfg.LogLevel = flagLogLevel
	}
	return cfg, nil
}

// newApp loads configuration and opens the store. The caller must Close it.
func newApp(cmd *cobra.Command) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	log := logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)

	st, err := store.Open(cmd.Context(), cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}
	log.Debug("opened index", "path", cfg.DBPath, "build", store.BuildMode)

	emb, err := embedder.New(embedder.Config{
		Provider:  cfg.Embedder.Provider,
		URL:       cfg.Ollama.URL,
		Model:     cfg.Ollama.EmbedModel,
		Dimension: cfg.Embedder.Dimension,
		CacheSize: cfg.Embedder.CacheSize,
	})
	if err != nil {
		st.Close()
		return nil, err
	}

	ch := chunker.New(languages.Default(), chunker.Options{
		WindowLines:  cfg.Index.WindowLines,
		MaxFileBytes: cfg.Index.MaxFileBytes,
	})
	orch := index.New(st, emb, ch, index.Config{
		BatchSize: cfg.Index.BatchSize,
		Ignore:    cfg.Index.Ignore,
		Logger:    log,
	})
	retriever := rag.NewRetriever(st, emb, log)
	chat := llm.NewOllamaChat(cfg.Ollama.URL, cfg.Ollama.ChatModel, cfg.Ollama.Timeout)

	return &app{
		cfg:       cfg,
		log:       log,
		store:     st,
		emb:       emb,
		orch:      orch,
		retriever: retriever,
		chat:      chat,
		chain:     rag.NewChain(retriever, chat, log),
	}, nil
}

// Close waits for background indexing and closes the store.
func (a *app) Close() error {
	a.orch.Cancel()
	a.orch.Wait()
	if c, ok := a.emb.(*embedder.CachedEmbedder); ok {
		hits, misses := c.Stats()
		a.log.Debug("embedding cache", "hits", hits, "misses", misses)
	}
	return a.store.Close()
}

// switchChatModel points the chain at another pulled model.
func (a *app) switchChatModel(ctx context.Context, name string) error {
	if err := llm.CheckModel(ctx, a.cfg.Ollama.URL, name); err != nil {
		return err
	}
	a.chain.SetGenerator(a.chat.WithModel(name))
	return nil
}

// topK returns the flag value, or the configured default when unset.
func (a *app) topK(flag int) int {
	if flag > 0 {
		return flag
	}
	return a.cfg.Query.TopK
}
