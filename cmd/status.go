package cmd

import (
	"context"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/anchorhq/anchor/internal/api"
	"github.com/anchorhq/anchor/internal/models"
	"github.com/anchorhq/anchor/internal/output"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the current session",
	RunE: func(cmd *cobra.Command, args []string) error {
		return statusRun()
	},
}

var snoozeCmd = &cobra.Command{
	Use:   "snooze",
	Short: "Silence nudges for one minute",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := sendMessage(cmd.Context(), api.Message{Action: api.ActionSnooze}, nil); err != nil {
			return err
		}
		ui.Success("nudges snoozed")
		return nil
	},
}

var focusCmd = &cobra.Command{
	Use:   "focus",
	Short: "Dismiss the nudge and return to your work tab",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := sendMessage(cmd.Context(), api.Message{Action: api.ActionReturnToFocus}, nil); err != nil {
			return err
		}
		ui.Success("back to work")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(snoozeCmd)
	rootCmd.AddCommand(focusCmd)
}

func statusRun() error {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	st, err := fetchStatus(ctx)
	if err != nil {
		return err
	}

	if st.State == models.SessionStateIdle {
		ui.Info("no session running")
		return nil
	}

	ui.Info("goal:  %s", output.Cyan(st.Goal))
	ui.Info("state: %s", output.StateColor(string(st.State)))

	if st.State == models.SessionStateOnBreak && st.BreakUntil != nil {
		ui.Info("break ends at %s", st.BreakUntil.Local().Format("15:04:05"))
	}
	if st.RemainingSecond > 0 {
		ui.Info("remaining: %s", (time.Duration(st.RemainingSecond) * time.Second).Round(time.Second))
	}
	if len(st.BlockedSites) > 0 {
		ui.Info("blocked: %s", strings.Join(st.BlockedSites, ", "))
	}
	printMetrics(st.Metrics)
	return nil
}
