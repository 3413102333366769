package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "0.1.0"
	commit  = "dev"
	date    = "unknown"
)

var (
	configPath string

	rootCmd = &cobra.Command{
		Use:   "reflexion",
		Short: "Iteratively anonymize text datasets with LLM self-critique",
		Long: `reflexion rewrites each text of a dataset so that the people it mentions can no
longer be identified, while the text keeps serving its labelled purpose. Every
candidate rewrite is critiqued for privacy and utility and revised from that
feedback until it passes or the revision budget is spent.`,
		SilenceUsage: true,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "llm-reflexion %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
