package main

import (
	"fmt"
	"os"
	"time"

	"github.com/dbradf/evgflip/internal/evergreen"
	"github.com/dbradf/evgflip/internal/flips"
	"github.com/dbradf/evgflip/internal/output"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	findProject  string
	findLookBack time.Duration
	findThreads  int
	findFormat   string
)

var findCmd = &cobra.Command{
	Use:   "find",
	Short: "Find task flips in an Evergreen project",
	Long: `Scan the project's version history, newest first, until the look-back
window is exhausted, and report each revision whose tasks flipped along
with the affected build variants.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if !cmd.Flags().Changed("threads") {
			findThreads = cfg.Find.Workers
		}
		if !cmd.Flags().Changed("look-back") {
			findLookBack = cfg.Find.LookBack
		}
		if findFormat == "" {
			findFormat = defaultFormat()
		}

		formatter, err := output.NewFormatter(output.Format(findFormat))
		if err != nil {
			return err
		}

		client := evergreen.NewClient(
			cfg.Evergreen.APIServer,
			cfg.Evergreen.User,
			cfg.Evergreen.APIKey,
			cfg.Evergreen.RateLimit,
		)
		finder := flips.NewFinder(client, logger, flips.WithWorkers(findThreads))

		cutoff := time.Now().Add(-findLookBack)
		result, err := finder.Find(cmd.Context(), findProject, cutoff)
		if err != nil {
			return fmt.Errorf("find flips: %w", err)
		}

		return formatter.Format(result, os.Stdout)
	},
}

// defaultFormat picks a human-readable table on a terminal and JSON when
// output is piped.
func defaultFormat() string {
	if term.IsTerminal(int(os.Stdout.Fd())) {
		return string(output.FormatTable)
	}
	return string(output.FormatJSON)
}

func init() {
	findCmd.Flags().StringVarP(&findProject, "project", "p", "", "Evergreen project to analyze (required)")
	findCmd.Flags().DurationVar(&findLookBack, "look-back", 14*24*time.Hour, "how far back in version history to scan")
	findCmd.Flags().IntVar(&findThreads, "threads", flips.DefaultWorkers, "number of analysis workers")
	findCmd.Flags().StringVar(&findFormat, "format", "", "output format: table, json or yaml (default: table on a terminal, json otherwise)")
	findCmd.MarkFlagRequired("project")
}
