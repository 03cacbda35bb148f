package cmd

import (
	"coderag/internal/mcpserver"

	"github.com/spf13/cobra"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start an MCP server on stdio exposing indexing and search tools",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		s := mcpserver.New(mcpserver.Deps{
			Store:        a.store,
			Orchestrator: a.orch,
			Retriever:    a.retriever,
			Chain:        a.chain,
			Chat:         a.chat,
			OllamaURL:    a.cfg.Ollama.URL,
			DefaultTopK:  a.cfg.Query.TopK,
			Logger:       a.log,
		})
		a.log.Info("mcp server starting", "name", mcpserver.ServerName, "version", mcpserver.ServerVersion)
		return s.Serve(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(mcpCmd)
}
