package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/anchorhq/anchor/internal/analyze"
	"github.com/anchorhq/anchor/internal/api"
	"github.com/anchorhq/anchor/internal/capture"
	"github.com/anchorhq/anchor/internal/daemon"
	"github.com/anchorhq/anchor/internal/llm"
	"github.com/anchorhq/anchor/internal/models"
	"github.com/anchorhq/anchor/internal/session"
)

var (
	serveBackground bool
	stopForce       bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the focus daemon",
	Long: `Run the daemon that owns the focus session: the coordinator, the tab
capture loop, the analysis throttle, and the local HTTP API. By default it
listens on 127.0.0.1:3001. Use --background to detach.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if serveBackground {
			return spawnBackground()
		}
		return serveRun(cmd.Context())
	},
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop a background daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		pf := pidFile()
		pid, running := pf.IsRunning()
		if !running {
			_ = pf.Remove()
			ui.Info("no daemon running")
			return nil
		}
		sig := sigTERM()
		if stopForce {
			sig = sigKILL()
		}
		if err := pf.Signal(sig); err != nil {
			return fmt.Errorf("stop daemon: %w", err)
		}
		ui.Success("sent stop signal to daemon (pid %d)", pid)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(stopCmd)

	serveCmd.Flags().BoolVar(&serveBackground, "background", false, "Detach and run in the background")
	stopCmd.Flags().BoolVar(&stopForce, "force", false, "Kill the daemon without graceful shutdown")
}

func pidFile() *daemon.PIDFile {
	return daemon.NewPIDFile(filepath.Join(viper.GetString("state_dir"), "anchor.pid"))
}

// spawnBackground re-execs the current binary without --background and
// records the child PID.
func spawnBackground() error {
	pf := pidFile()
	if pid, running := pf.IsRunning(); running {
		return fmt.Errorf("daemon already running (pid %d)", pid)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate binary: %w", err)
	}

	child := exec.Command(exe, "serve")
	child.Stdout = nil
	child.Stderr = nil
	setDaemonAttrs(child)

	if err := child.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}
	if err := pf.WritePID(child.Process.Pid); err != nil {
		return fmt.Errorf("write PID file: %w", err)
	}

	ui.Success("daemon started (pid %d) on %s", child.Process.Pid, viper.GetString("listen"))
	return nil
}

func serveRun(ctx context.Context) error {
	if err := os.MkdirAll(viper.GetString("state_dir"), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	pf := pidFile()
	if pid, running := pf.IsRunning(); running && pid != os.Getpid() {
		return fmt.Errorf("daemon already running (pid %d)", pid)
	}
	if err := pf.Write(); err != nil {
		return fmt.Errorf("write PID file: %w", err)
	}
	defer pf.Remove()

	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	st, err := getStore()
	if err != nil {
		return err
	}
	defer st.Close()

	listen := viper.GetString("listen")

	coordCfg := session.DefaultConfig()
	coordCfg.BlockedPageURL = "http://" + listen + "/blocked"
	coord := session.New(coordCfg, logger)
	coord.SetRecorder(st)

	var llmClient *llm.Client
	if key := viper.GetString("anthropic.api_key"); key != "" {
		llmClient = llm.NewClient(key, viper.GetString("anthropic.model"))
	} else {
		logger.Warn("no anthropic api key configured, screen analysis disabled")
	}

	browser := capture.NewBrowser(viper.GetString("capture.control_url"), logger)
	defer browser.Close()

	captureCfg := capture.DefaultConfig()
	captureCfg.Interval = time.Duration(viper.GetInt("capture.interval_seconds")) * time.Second
	source := capture.NewSource(captureCfg, browser.Acquire, logger)

	// A capture loop that dies on its own (stream revoked, grab failure)
	// invalidates the session: end it rather than leave it half-active
	// with no frame source.
	source.SetOnTerminal(func(err error) {
		logger.Error("capture stream lost, ending session", "error", err)
		if _, endErr := coord.End(context.Background()); endErr != nil {
			logger.Warn("end session after capture loss", "error", endErr)
		}
	})

	var throttle *analyze.Throttle
	if llmClient != nil {
		analyzeFn := func(ctx context.Context, frame *models.CaptureFrame) (*models.Verdict, error) {
			sc := llm.ScreenContext{
				Goal:  coord.Status().Goal,
				URL:   frame.URL,
				Title: frame.Title,
			}
			return llmClient.AnalyzeScreen(ctx, sc, frame.DataURL)
		}
		throttle = analyze.NewThrottle(
			time.Duration(viper.GetInt("analyze.interval_seconds"))*time.Second,
			analyzeFn,
			func(v *models.Verdict, frame *models.CaptureFrame) {
				coord.HandleVerdict(v, frame.URL)
			},
			func(err error) {
				logger.Warn("screen analysis failed", "error", err)
			},
			logger,
		)
		defer throttle.Close()
	}

	coord.SetCapture(&sourceController{source: source})

	pumpCtx, cancelPump := context.WithCancel(context.Background())
	defer cancelPump()
	go func() {
		for {
			select {
			case <-pumpCtx.Done():
				return
			case frame := <-source.Frames():
				if throttle != nil {
					throttle.Submit(frame)
				}
			}
		}
	}()

	srv := &http.Server{
		Addr:    listen,
		Handler: api.NewServer(coord, llmClient, st, throttle, logger).Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("daemon listening", "addr", listen)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, shutdownSignals()...)

	select {
	case err := <-errCh:
		return fmt.Errorf("serve: %w", err)
	case sig := <-sigCh:
		logger.Info("shutting down", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("shutting down", "reason", "context canceled")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := coord.End(shutdownCtx); err != nil {
		logger.Warn("end session on shutdown", "error", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	return nil
}

// sourceController adapts the capture source to the coordinator, which
// starts and stops capture without knowing about browsers.
type sourceController struct {
	source *capture.Source
}

func (s *sourceController) Begin(sessionID string) error {
	return s.source.Begin(context.Background(), "")
}

func (s *sourceController) Stop() { s.source.Stop() }
