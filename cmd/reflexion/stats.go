package main

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/raaihank/llm-reflexion/internal/config"
	"github.com/raaihank/llm-reflexion/internal/dataset"
	"github.com/raaihank/llm-reflexion/internal/store"
)

var statsRunID string

var statsCmd = &cobra.Command{
	Use:   "stats <log_path>",
	Short: "Summarize an output log",
	Long: `Count the items of an output log that reached a passing rewrite, with the mean
reward and revision count. With --run-id and a configured store, the stored
results of that run are summarized as well.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		summary, err := dataset.Summarize(args[0])
		if err != nil {
			return err
		}
		printLogSummary(cmd.OutOrStdout(), summary)

		if statsRunID == "" {
			return nil
		}
		cfg, err := config.Load(configPath, nil)
		if err != nil {
			return err
		}
		resultStore, err := store.NewStore(&store.Config{
			DatabaseURL:     cfg.Store.DatabaseURL,
			MaxOpenConns:    1,
			MaxIdleConns:    1,
			ConnMaxLifetime: cfg.Store.ConnMaxLifetime,
		}, zap.NewNop())
		if err != nil {
			return err
		}
		defer resultStore.Close()

		stats, err := resultStore.GetStats(cmd.Context(), statsRunID)
		if err != nil {
			return err
		}
		bold := color.New(color.Bold).SprintFunc()
		fmt.Fprintf(cmd.OutOrStdout(), "\n%s\n", bold("Stored run "+statsRunID))
		fmt.Fprintf(cmd.OutOrStdout(), "  records:     %d\n", stats.Records)
		fmt.Fprintf(cmd.OutOrStdout(), "  completed:   %d\n", stats.Completed)
		fmt.Fprintf(cmd.OutOrStdout(), "  mean reward: %.2f\n", stats.MeanReward)
		return nil
	},
}

func init() {
	statsCmd.Flags().StringVar(&statsRunID, "run-id", "", "Also summarize this run from the result store")
	rootCmd.AddCommand(statsCmd)
}

func printLogSummary(w io.Writer, s *dataset.LogSummary) {
	bold := color.New(color.Bold).SprintFunc()
	rate := color.New(color.FgGreen)
	if s.CompletionRate < 0.5 {
		rate = color.New(color.FgYellow)
	}

	fmt.Fprintf(w, "%s\n", bold(s.Path))
	fmt.Fprintf(w, "  records:         %d\n", s.Records)
	fmt.Fprintf(w, "  completed:       %d\n", s.Completed)
	fmt.Fprintf(w, "  completion rate: %s\n", rate.Sprintf("%.1f%%", s.CompletionRate*100))
	fmt.Fprintf(w, "  mean reward:     %.2f\n", s.MeanReward)
	fmt.Fprintf(w, "  mean revisions:  %.2f\n", s.MeanRevisions)
	if s.Unreadable > 0 {
		fmt.Fprintf(w, "  unreadable:      %s\n", color.RedString("%d", s.Unreadable))
	}
}
