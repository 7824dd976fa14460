// Package capture runs the periodic screen-frame sampling loop. Frames are
// lossy by design: the loop publishes into a single-slot mailbox and older
// unconsumed frames are dropped, so a slow consumer always sees the most
// recent frame and never a backlog.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/anchorhq/anchor/internal/models"
)

// ErrStreamEnded is the terminal error reported when the underlying stream
// disappears out from under the loop (window closed, permission revoked).
var ErrStreamEnded = errors.New("capture stream ended")

// Grabber produces frames from one acquired stream. Release must be safe to
// call multiple times; the loop releases on every exit path.
type Grabber interface {
	// Grab samples one frame, downscaled to fit maxW x maxH and encoded
	// as a JPEG data URL at the given quality.
	Grab(ctx context.Context, maxW, maxH, quality int) (*models.CaptureFrame, error)
	// Alive reports whether the stream is still producing.
	Alive() bool
	Release()
}

// GrabberFactory acquires a stream for a capture run. Acquisition can fail
// (user denial, no target); that failure surfaces from Begin.
type GrabberFactory func(ctx context.Context, sourceID string) (Grabber, error)

// Config holds the sampling knobs.
type Config struct {
	Interval  time.Duration
	MaxWidth  int
	MaxHeight int
	Quality   int
}

// DefaultConfig returns the sampling defaults.
func DefaultConfig() Config {
	return Config{
		Interval:  20 * time.Second,
		MaxWidth:  1280,
		MaxHeight: 800,
		Quality:   60,
	}
}

// Source owns at most one capture loop at a time. Begin while running tears
// the previous loop down completely first, so two streams never coexist.
type Source struct {
	cfg     Config
	factory GrabberFactory
	logger  *slog.Logger

	// frames is the single-slot mailbox shared across runs.
	frames chan *models.CaptureFrame

	mu         sync.Mutex
	cancel     context.CancelFunc
	done       chan struct{}
	onTerminal func(error)
}

// NewSource creates an idle source.
func NewSource(cfg Config, factory GrabberFactory, logger *slog.Logger) *Source {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	return &Source{
		cfg:     cfg,
		factory: factory,
		logger:  logger,
		frames:  make(chan *models.CaptureFrame, 1),
	}
}

// Frames returns the mailbox. Receivers get the most recent unconsumed
// frame; anything older has already been discarded.
func (s *Source) Frames() <-chan *models.CaptureFrame { return s.frames }

// SetOnTerminal registers a callback for loop deaths the consumer did not
// ask for (stream gone, grab failure). Not invoked on Stop.
func (s *Source) SetOnTerminal(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTerminal = fn
}

// Begin acquires a stream and starts the sampling loop. A second Begin
// first stops any loop still running, including one that already died on
// its own.
func (s *Source) Begin(ctx context.Context, sourceID string) error {
	s.Stop()

	grabber, err := s.factory(ctx, sourceID)
	if err != nil {
		return fmt.Errorf("acquire stream: %w", err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	s.mu.Lock()
	s.cancel = cancel
	s.done = done
	s.mu.Unlock()

	go func() {
		err := s.run(loopCtx, grabber, sourceID)
		// Release on every exit path, stop included, and always before
		// any terminal notification so a callback calling Stop cannot
		// deadlock against this loop.
		grabber.Release()
		close(done)
		if err != nil {
			s.logger.Warn("capture ended", "source", sourceID, "error", err)
			s.mu.Lock()
			fn := s.onTerminal
			s.mu.Unlock()
			if fn != nil {
				fn(err)
			}
		}
	}()
	s.logger.Info("capture started", "source", sourceID, "interval", s.cfg.Interval)
	return nil
}

// Stop cancels the loop and blocks until it has fully exited and released
// its stream. Safe to call when idle or after a terminal error.
func (s *Source) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

// run samples until stopped or the stream dies. A non-nil return is a
// terminal error the consumer did not ask for.
func (s *Source) run(ctx context.Context, grabber Grabber, sourceID string) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Debug("capture stopped", "source", sourceID)
			return nil
		case <-ticker.C:
		}

		if !grabber.Alive() {
			return ErrStreamEnded
		}

		frame, err := grabber.Grab(ctx, s.cfg.MaxWidth, s.cfg.MaxHeight, s.cfg.Quality)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("grab frame: %w", err)
		}
		frame.SourceID = sourceID
		s.publish(frame)
	}
}

// publish puts a frame in the mailbox, displacing any unconsumed one.
func (s *Source) publish(f *models.CaptureFrame) {
	for {
		select {
		case s.frames <- f:
			return
		default:
		}
		select {
		case <-s.frames:
		default:
		}
	}
}
