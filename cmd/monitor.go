package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/anchorhq/anchor/internal/api"
	"github.com/anchorhq/anchor/internal/headpose"
)

// monitorFrame is one JSON line on stdin from the landmark tracker.
type monitorFrame struct {
	Event     string             `json:"event,omitempty"`
	Landmarks headpose.Landmarks `json:"landmarks,omitempty"`
}

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Run the webcam attention monitor",
	Long: `Read face-landmark frames as JSON lines from stdin, classify head
pose, and report distraction alerts and attention totals to the daemon.
A tracker process (webcam plus a face-landmark model) pipes into this
command; it owns no camera itself.

Each line is {"landmarks":[{"x":..,"y":..}, null, ...]}. A line with
{"event":"calibrationComplete"} freezes the current posture as neutral.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return monitorRun(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(monitorCmd)
}

func monitorClassifierConfig() headpose.Config {
	cfg := headpose.DefaultConfig()
	if v := viper.GetFloat64("monitor.threshold_left"); v > 0 {
		cfg.ThresholdLeft = v
	}
	if v := viper.GetFloat64("monitor.threshold_right"); v > 0 {
		cfg.ThresholdRight = v
	}
	if v := viper.GetInt("monitor.alert_delay_seconds"); v > 0 {
		cfg.AlertDelay = time.Duration(v) * time.Second
	}
	return cfg
}

func monitorRun(ctx context.Context) error {
	classifier := headpose.New(monitorClassifierConfig())

	var focusedMs, distractedMs int64
	lastFrame := time.Now()
	lastState := headpose.StateFocused
	lastFlush := time.Now()

	flush := func() {
		if focusedMs == 0 && distractedMs == 0 {
			return
		}
		msg := api.Message{
			Action:       api.ActionMonitorStats,
			FocusedMs:    focusedMs,
			DistractedMs: distractedMs,
		}
		flushCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := sendMessage(flushCtx, msg, nil); err != nil {
			ui.VerboseLog("report attention totals: %v", err)
		}
	}
	defer flush()

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var frame monitorFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			ui.VerboseLog("skip malformed frame: %v", err)
			continue
		}

		if frame.Event == "calibrationComplete" {
			classifier.CompleteCalibration()
			ui.VerboseLog("gaze calibration recorded")
			continue
		}

		now := time.Now()
		elapsed := now.Sub(lastFrame).Milliseconds()
		lastFrame = now
		if lastState == headpose.StateFocused {
			focusedMs += elapsed
		} else {
			distractedMs += elapsed
		}

		obs := classifier.Observe(frame.Landmarks)
		lastState = obs.State

		if obs.Alert {
			msg := api.Message{
				Action: api.ActionDistractionSignal,
				Source: "monitor",
				Reason: obs.Direction,
			}
			alertCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			err := sendMessage(alertCtx, msg, nil)
			cancel()
			if err != nil {
				ui.Warning("report distraction: %v", err)
			} else {
				ui.Info("distraction reported: %s", obs.Direction)
			}
		}

		// Totals are cumulative for the monitoring run; the daemon keeps
		// the latest snapshot.
		if now.Sub(lastFlush) >= 15*time.Second {
			flush()
			lastFlush = now
		}
	}
	return scanner.Err()
}
