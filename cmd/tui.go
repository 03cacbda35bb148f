package cmd

import (
	"coderag/internal/tui"

	"github.com/spf13/cobra"
)

func runTUI(cmd *cobra.Command) error {
	a, err := newApp(cmd)
	if err != nil {
		return err
	}
	defer a.Close()

	return tui.Run(tui.Config{
		Store:     a.store,
		Chain:     a.chain,
		Chat:      a.chat,
		OllamaURL: a.cfg.Ollama.URL,
		ChatModel: a.cfg.Ollama.ChatModel,
		Project:   flagProject,
		TopK:      a.cfg.Query.TopK,
	})
}
