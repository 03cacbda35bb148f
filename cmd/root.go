package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"coderag/internal/apperr"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	flagConfig    string
	flagDB        string
	flagOllama    string
	flagModel     string
	flagChatModel string
	flagLogLevel  string
)

var rootCmd = &cobra.Command{
	Use:           "coderag",
	Short:         "Index code and ask questions about it with a local LLM",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runTUI(cmd)
	},
}

// Execute runs the root command. Errors are printed as "<Kind>: <detail>".
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		red := color.New(color.FgRed, color.Bold).SprintFunc()
		fmt.Fprintf(os.Stderr, "%s %v\n", red(apperr.KindOf(err)+":"), err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default ~/.coderag/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "database path (default ~/.coderag/index.db)")
	rootCmd.PersistentFlags().StringVar(&flagOllama, "ollama", "", "ollama base URL")
	rootCmd.PersistentFlags().StringVar(&flagModel, "model", "", "embedding model")
	rootCmd.PersistentFlags().StringVar(&flagChatModel, "chat-model", "", "generative model for answers")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "log level: debug, info, warn, error")
}
