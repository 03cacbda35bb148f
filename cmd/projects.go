package cmd

import (
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"coderag/internal/apperr"
	"coderag/internal/llm"
	"coderag/internal/store"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "List indexed projects",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		projects, err := a.store.ListProjects(cmd.Context())
		if err != nil {
			return err
		}
		if flagJSON {
			return writeJSON(projects)
		}
		if len(projects) == 0 {
			fmt.Println("No projects indexed. Run 'coderag index <path>'.")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PROJECT\tCHUNKS\tFILES\tMODEL\tUPDATED")
		for _, p := range projects {
			fmt.Fprintf(w, "%s\t%d\t%d\t%s\t%s\n", p.Name, p.Chunks, p.Files, p.Model, p.UpdatedAt.Format("2006-01-02 15:04"))
		}
		return w.Flush()
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats <project>",
	Short: "Show chunk counts and the language histogram of a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		st, err := a.store.Stats(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if st.Chunks == 0 {
			return fmt.Errorf("%w: project %q is not indexed", apperr.ErrEmptyIndex, args[0])
		}
		if flagJSON {
			return writeJSON(st)
		}

		bold := color.New(color.Bold).SprintFunc()
		fmt.Println(bold(st.Name))
		fmt.Printf("  Chunks:  %d\n", st.Chunks)
		fmt.Printf("  Files:   %d\n", st.Files)
		fmt.Printf("  Model:   %s (%d dimensions)\n", st.Model, st.Dimension)
		fmt.Printf("  Updated: %s\n", st.UpdatedAt.Format("2006-01-02 15:04:05"))
		langs := make([]string, 0, len(st.Languages))
		for l := range st.Languages {
			langs = append(langs, l)
		}
		sort.Strings(langs)
		for _, l := range langs {
			fmt.Printf("    %-12s %d\n", l, st.Languages[l])
		}
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <project>",
	Short: "Delete the index of a project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := a.store.Delete(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if n == 0 {
			fmt.Printf("Project %s has no indexed chunks; nothing to delete.\n", args[0])
			return nil
		}
		fmt.Printf("%s deleted %d chunks of %s\n", color.GreenString("✓"), n, args[0])
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Check the Ollama backend and summarize the index",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd)
		if err != nil {
			return err
		}
		defer a.Close()

		ok := color.New(color.FgGreen, color.Bold).SprintFunc()
		bad := color.New(color.FgRed, color.Bold).SprintFunc()

		fmt.Printf("Index:   %s (%s build)\n", a.cfg.DBPath, store.BuildMode)
		projects, err := a.store.ListProjects(cmd.Context())
		if err != nil {
			fmt.Printf("  %s %v\n", bad("✗"), err)
		} else {
			total := 0
			for _, p := range projects {
				total += p.Chunks
			}
			fmt.Printf("  %s %d projects, %d chunks\n", ok("✓"), len(projects), total)
			for _, p := range projects {
				fmt.Printf("    %s: %d chunks, %d files\n", p.Name, p.Chunks, p.Files)
			}
		}

		fmt.Printf("Ollama:  %s\n", a.cfg.Ollama.URL)
		models, err := llm.ListModels(cmd.Context(), a.cfg.Ollama.URL)
		if err != nil {
			fmt.Printf("  %s %v\n", bad("✗"), err)
			return nil
		}
		fmt.Printf("  %s reachable, %d models\n", ok("✓"), len(models))
		for _, want := range []string{a.cfg.Ollama.EmbedModel, a.cfg.Ollama.ChatModel} {
			mark := bad("✗ missing")
			if m, found := llm.FindModel(models, want); found {
				mark = ok("✓") + " " + llm.FormatSize(m.Size)
			}
			fmt.Printf("    %s %s\n", want, mark)
		}
		fmt.Printf("Chat model: %s\n", a.chat.Model())
		fmt.Printf("Embedder:   %s (%s)\n", a.emb.Model(), a.cfg.Embedder.Provider)
		return nil
	},
}

func init() {
	projectsCmd.Flags().BoolVar(&flagJSON, "json", false, "print JSON")
	statsCmd.Flags().BoolVar(&flagJSON, "json", false, "print JSON")
	rootCmd.AddCommand(projectsCmd, statsCmd, deleteCmd, statusCmd)
}
