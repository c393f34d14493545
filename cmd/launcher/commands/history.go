package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/buildlauncher/pkg/buildtree"
	"github.com/openfroyo/buildlauncher/pkg/stores"
)

type historyEntry struct {
	*stores.BuildRecord
	Failures []*stores.FailureRecord `json:"failures,omitempty"`
	Nested   []*stores.BuildRecord   `json:"nested,omitempty"`
}

func newHistoryCommand() *cobra.Command {
	var (
		limit  int
		name   string
		failed bool
		stats  bool
		prune  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recorded builds",
		Long: `Show builds recorded in the history database, newest first, with the
nested builds they included and the failures they reported.`,
		Example: `  # Show the last 20 builds
  launcher history

  # Show failed builds of one project
  launcher history --name shop --failed

  # Show average phase durations
  launcher history --stats --name shop

  # Delete builds older than 30 days
  launcher history --prune 720h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			_, cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := buildtree.OpenHistory(ctx, cfg.History.Path)
			if err != nil {
				return err
			}
			defer func() {
				if err := store.Close(); err != nil {
					log.Warn().Err(err).Msg("Failed to close history database")
				}
			}()

			w := cmd.OutOrStdout()

			if prune > 0 {
				n, err := store.PruneBuilds(ctx, time.Now().Add(-prune))
				if err != nil {
					return err
				}
				log.Info().Int64("builds", n).Dur("older_than", prune).Msg("Pruned build history")
				return nil
			}

			if stats {
				phases, err := store.PhaseStatistics(ctx, name)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(w, phases)
				}
				tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "PHASE\tRUNS\tFAILURES\tAVG\tMAX")
				for _, p := range phases {
					fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%s\n", p.Phase, p.Count, p.Failures,
						time.Duration(p.AvgMS*float64(time.Millisecond)).Round(time.Millisecond),
						time.Duration(p.MaxMS)*time.Millisecond)
				}
				return tw.Flush()
			}

			filter := stores.BuildFilter{Name: name, RootOnly: true, Limit: limit}
			if failed {
				filter.Status = stores.BuildStatusFailed
			}
			builds, err := store.ListBuilds(ctx, filter)
			if err != nil {
				return err
			}

			entries := make([]historyEntry, 0, len(builds))
			for _, b := range builds {
				entry := historyEntry{BuildRecord: b}
				if entry.Nested, err = store.ListChildBuilds(ctx, b.ID); err != nil {
					return err
				}
				if entry.Failures, err = store.ListFailures(ctx, b.ID); err != nil {
					return err
				}
				entries = append(entries, entry)
			}

			if jsonOutput {
				return writeJSON(w, entries)
			}
			tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "STARTED\tBUILD\tSTATUS\tDURATION\tTASKS")
			for _, e := range entries {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", e.StartedAt.Local().Format(time.DateTime),
					e.Name, e.Status, e.Duration(), e.RequestedTasks)
				for _, n := range e.Nested {
					fmt.Fprintf(tw, "\t  %s\t%s\t%s\t\n", n.Name, n.Status, n.Duration())
				}
				for _, f := range e.Failures {
					fmt.Fprintf(tw, "\t  ! %s\t\t\t\n", f.Message)
				}
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of builds to show")
	cmd.Flags().StringVar(&name, "name", "", "only show builds with this name")
	cmd.Flags().BoolVar(&failed, "failed", false, "only show failed builds")
	cmd.Flags().BoolVar(&stats, "stats", false, "show phase duration statistics")
	cmd.Flags().DurationVar(&prune, "prune", 0, "delete builds started longer ago than this")

	return cmd
}
