package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/anchorhq/anchor/internal/output"
)

var reportLimit int

var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Show past focus sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := getStore()
		if err != nil {
			return err
		}

		sessions, err := st.ListSessions(cmd.Context(), reportLimit)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}
		if len(sessions) == 0 {
			ui.Info("no sessions recorded yet")
			return nil
		}

		table := ui.Table([]string{"Started", "Goal", "State", "Length", "Distractions", "Streak", "Score"})
		for _, s := range sessions {
			length := s.ScheduledEndAt.Sub(s.StartedAt)
			if s.EndedAt != nil {
				length = s.EndedAt.Sub(s.StartedAt)
			}
			table.Append([]string{
				s.StartedAt.Local().Format("Jan 02 15:04"),
				s.Goal,
				output.StateColor(string(s.State)),
				length.Round(time.Minute).String(),
				fmt.Sprintf("%d", s.Metrics.DistractionCount),
				(time.Duration(s.Metrics.LongestFocusStreakMs) * time.Millisecond).Round(time.Second).String(),
				output.ScoreColor(s.Metrics.FocusScore()),
			})
		}
		return table.Render()
	},
}

func init() {
	rootCmd.AddCommand(reportCmd)

	reportCmd.Flags().IntVarP(&reportLimit, "limit", "n", 20, "Number of sessions to show")
}
