package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"coderag/internal/rag"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var (
	flagK      int
	flagStream bool
)

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Answer a question about indexed code",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		q := rag.Query{
			Question: strings.Join(args, " "),
			TopK:     a.topK(flagK),
			Project:  flagProject,
		}

		if !flagStream || flagJSON {
			ans, err := a.chain.Answer(cmd.Context(), q)
			if err != nil {
				return err
			}
			if flagJSON {
				return writeJSON(ans)
			}
			fmt.Println(ans.Text)
			printSources(ans.Sources)
			return nil
		}

		s, err := a.chain.AnswerStream(cmd.Context(), q)
		if err != nil {
			return err
		}
		defer s.Close()
		for s.Next() {
			fmt.Print(s.Text())
		}
		fmt.Println()
		if err := s.Err(); err != nil {
			if errors.Is(err, context.Canceled) {
				fmt.Println(color.YellowString("(stopped)"))
				return nil
			}
			return err
		}
		printSources(s.Sources())
		return nil
	},
}

var searchCmd = &cobra.Command{
	Use:   "search <query>",
	Short: "List the indexed chunks nearest to a query, without generating an answer",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		results, err := a.retriever.Retrieve(cmd.Context(), flagProject, strings.Join(args, " "), a.topK(flagK))
		if err != nil {
			return err
		}
		sources := rag.Sources(results)
		if flagJSON {
			return writeJSON(sources)
		}

		cyan := color.New(color.FgCyan, color.Bold).SprintFunc()
		for i, s := range sources {
			fmt.Printf("%d. %s %s:%d-%d  [%s %s]  distance %.4f\n",
				i+1, cyan(s.Project), s.File, s.StartLine, s.EndLine, s.ChunkType, s.Name, s.Distance)
			for _, line := range strings.Split(strings.TrimRight(s.Snippet, "\n"), "\n") {
				fmt.Printf("     %s\n", line)
			}
			fmt.Println()
		}
		return nil
	},
}

func printSources(sources []rag.Source) {
	dim := color.New(color.Faint).SprintFunc()
	if len(sources) == 0 {
		fmt.Println(dim("\n(no indexed code was used for this answer)"))
		return
	}
	bold := color.New(color.Bold).SprintFunc()
	fmt.Println()
	fmt.Println(bold("Sources:"))
	for _, s := range sources {
		fmt.Printf("  %s:%d-%d %s\n", s.File, s.StartLine, s.EndLine, dim(s.ChunkType+" "+s.Name))
	}
}

func writeJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	for _, c := range []*cobra.Command{askCmd, searchCmd} {
		c.Flags().IntVar(&flagK, "k", 0, "number of chunks to retrieve, 1-20 (default from config)")
		c.Flags().StringVarP(&flagProject, "project", "p", "", "restrict to one project (default: all)")
		c.Flags().BoolVar(&flagJSON, "json", false, "print JSON")
		rootCmd.AddCommand(c)
	}
	askCmd.Flags().BoolVarP(&flagStream, "stream", "s", false, "print the answer as it is generated")
}
