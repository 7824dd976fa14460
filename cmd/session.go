package cmd

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/anchorhq/anchor/internal/api"
	"github.com/anchorhq/anchor/internal/models"
	"github.com/anchorhq/anchor/internal/output"
)

var (
	startDuration  int
	startBlocked   []string
	startBlocklist string
	endSummary     bool
)

var startCmd = &cobra.Command{
	Use:   "start [goal]",
	Short: "Start a focus session",
	Long: `Start a timed focus session with a goal and an optional blocklist.
Blocked sites can be passed with repeated --block flags or loaded from a
YAML file with --blocklist.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		goal := ""
		if len(args) > 0 {
			goal = args[0]
		}

		sites := append([]string(nil), startBlocked...)
		if startBlocklist != "" {
			fromFile, err := loadBlocklist(startBlocklist)
			if err != nil {
				return err
			}
			sites = append(sites, fromFile...)
		}

		duration := startDuration
		if duration <= 0 {
			duration = viper.GetInt("session.duration_minutes")
		}

		var resp struct {
			SessionID      string    `json:"sessionId"`
			ScheduledEndAt time.Time `json:"scheduledEndAt"`
		}
		msg := api.Message{
			Action:          api.ActionStartSession,
			Goal:            goal,
			DurationMinutes: duration,
			BlockedSites:    sites,
		}
		if err := sendMessage(cmd.Context(), msg, &resp); err != nil {
			return err
		}

		ui.Success("session started: %s", goal)
		ui.Info("ends at %s (%d minutes, %d sites blocked)",
			resp.ScheduledEndAt.Local().Format("15:04"), duration, len(sites))
		return nil
	},
}

var endCmd = &cobra.Command{
	Use:   "end",
	Short: "End the current session and show its metrics",
	RunE: func(cmd *cobra.Command, args []string) error {
		// Summarize before ending; ending clears the activity log.
		var summary string
		if endSummary {
			s, err := fetchSummary(cmd.Context())
			if err != nil {
				ui.Warning("summary unavailable: %v", err)
			} else {
				summary = s
			}
		}

		var resp struct {
			Metrics models.Metrics `json:"metrics"`
		}
		if err := sendMessage(cmd.Context(), api.Message{Action: api.ActionEndSession}, &resp); err != nil {
			return err
		}

		ui.Success("session ended")
		printMetrics(resp.Metrics)
		if summary != "" {
			fmt.Fprintf(os.Stdout, "\n%s\n", summary)
		}
		return nil
	},
}

var breakCmd = &cobra.Command{
	Use:   "break",
	Short: "Take a break (blocking and analysis are suspended)",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := sendMessage(cmd.Context(), api.Message{Action: api.ActionTakeBreak}, nil); err != nil {
			return err
		}
		ui.Success("on break, back to work with `anchor resume`")
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume from a break",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := sendMessage(cmd.Context(), api.Message{Action: api.ActionResumeSession}, nil); err != nil {
			return err
		}
		ui.Success("break over, session resumed")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(endCmd)
	rootCmd.AddCommand(breakCmd)
	rootCmd.AddCommand(resumeCmd)

	startCmd.Flags().IntVarP(&startDuration, "duration", "d", 0, "Session length in minutes")
	startCmd.Flags().StringArrayVarP(&startBlocked, "block", "b", nil, "Site to block (repeatable)")
	startCmd.Flags().StringVar(&startBlocklist, "blocklist", "", "YAML file with a list of sites to block")

	endCmd.Flags().BoolVar(&endSummary, "summary", false, "Print an AI summary of the session")
}

func loadBlocklist(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read blocklist: %w", err)
	}
	var sites []string
	if err := yaml.Unmarshal(data, &sites); err != nil {
		return nil, fmt.Errorf("parse blocklist: %w", err)
	}
	return sites, nil
}

func printMetrics(m models.Metrics) {
	ui.Info("focus score: %s", output.ScoreColor(m.FocusScore()))
	ui.Info("distractions: %d (monitor alerts: %d)", m.DistractionCount, m.MonitorAlertCount)
	ui.Info("longest focus streak: %s", (time.Duration(m.LongestFocusStreakMs) * time.Millisecond).Round(time.Second))
	if m.FocusedMs > 0 || m.DistractedMs > 0 {
		ui.Info("attention: %s focused / %s away",
			(time.Duration(m.FocusedMs)*time.Millisecond).Round(time.Second),
			(time.Duration(m.DistractedMs)*time.Millisecond).Round(time.Second))
	}
}
