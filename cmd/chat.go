package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"coderag/internal/llm"
	"coderag/internal/rag"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Ask questions about your indexed code in a line-based session",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		boldGreen := color.New(color.FgGreen, color.Bold).SprintFunc()
		boldCyan := color.New(color.FgCyan, color.Bold).SprintFunc()

		var history []llm.Message
		scanner := bufio.NewScanner(os.Stdin)

		scope := flagProject
		if scope == "" {
			scope = "all projects"
		}
		fmt.Printf("coderag chat with %s over %s (type /help for commands, /exit to quit)\n\n", boldCyan(a.chat.Model()), scope)

		for {
			fmt.Print(boldGreen("> "))
			if !scanner.Scan() {
				break
			}
			question := strings.TrimSpace(scanner.Text())
			if question == "" {
				continue
			}

			switch question {
			case "/exit", "/quit":
				fmt.Println("Goodbye.")
				return nil
			case "/clear":
				history = nil
				fmt.Println("Conversation cleared.")
				continue
			case "/help":
				fmt.Println("Commands:")
				fmt.Println("  /clear        - clear conversation history")
				fmt.Println("  /models       - list models pulled on the backend")
				fmt.Println("  /model <name> - switch the chat model")
				fmt.Println("  /exit         - quit chat")
				fmt.Println("  /help         - show this help")
				fmt.Println("  Ctrl+C while answering stops the answer")
				continue
			case "/models":
				if err := listChatModels(cmd.Context(), a); err != nil {
					fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("error:"), err)
				}
				continue
			}
			if name, ok := strings.CutPrefix(question, "/model "); ok {
				if err := a.switchChatModel(cmd.Context(), strings.TrimSpace(name)); err != nil {
					fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("error:"), err)
					continue
				}
				fmt.Printf("Chat model: %s\n", boldCyan(a.chain.Model()))
				continue
			}

			answer, err := streamAnswer(cmd.Context(), a, rag.Query{
				Question: question,
				TopK:     a.topK(flagK),
				Project:  flagProject,
				History:  history,
			})
			if err != nil {
				fmt.Fprintf(os.Stderr, "%s %v\n", color.RedString("error:"), err)
				continue
			}

			history = append(history,
				llm.Message{Role: "user", Content: question},
				llm.Message{Role: "assistant", Content: answer},
			)
			if len(history) > 20 {
				history = history[len(history)-20:]
			}
		}

		return scanner.Err()
	},
}

func listChatModels(ctx context.Context, a *app) error {
	models, err := llm.ListModels(ctx, a.cfg.Ollama.URL)
	if err != nil {
		return err
	}
	current := a.chain.Model()
	for _, m := range models {
		mark := " "
		if _, ok := llm.FindModel([]llm.ModelInfo{m}, current); ok {
			mark = "*"
		}
		fmt.Printf("  %s %-32s %s\n", mark, m.Name, llm.FormatSize(m.Size))
	}
	return nil
}

// streamAnswer prints one streamed answer. An interrupt stops the answer but
// not the session.
func streamAnswer(parent context.Context, a *app, q rag.Query) (string, error) {
	ctx, stop := signal.NotifyContext(context.WithoutCancel(parent), os.Interrupt)
	defer stop()

	s, err := a.chain.AnswerStream(ctx, q)
	if err != nil {
		return "", err
	}
	defer s.Close()

	fmt.Println()
	var sb strings.Builder
	for s.Next() {
		fmt.Print(s.Text())
		sb.WriteString(s.Text())
	}
	fmt.Println()
	if err := s.Err(); err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Println(color.YellowString("(stopped)"))
			return "", errors.New("answer stopped")
		}
		return "", err
	}
	printSources(s.Sources())
	fmt.Println()
	return sb.String(), nil
}

func init() {
	chatCmd.Flags().IntVar(&flagK, "k", 0, "number of chunks to retrieve per question (default from config)")
	chatCmd.Flags().StringVarP(&flagProject, "project", "p", "", "restrict to one project (default: all)")
	rootCmd.AddCommand(chatCmd)
}
