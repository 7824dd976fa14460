// Package analyze paces screen frames into the analysis backend. Analysis
// is expensive, so frames are throttled to a minimum spacing and coalesced:
// while a call is in flight or the spacing window is open, only the most
// recent submitted frame is kept and everything older is dropped.
package analyze

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/anchorhq/anchor/internal/models"
)

// Func performs one analysis call.
type Func func(ctx context.Context, frame *models.CaptureFrame) (*models.Verdict, error)

// Throttle coalesces submitted frames and dispatches at most one analysis
// call per Interval, always with the freshest frame available at dispatch
// time. The first dispatch happens one full interval after creation; a burst
// of early frames produces exactly one call.
type Throttle struct {
	interval time.Duration
	analyze  Func
	logger   *slog.Logger

	onVerdict func(*models.Verdict, *models.CaptureFrame)
	onError   func(error)

	mu            sync.Mutex
	now           func() time.Time
	inFlight      bool
	nextAllowedAt time.Time
	pending       *models.CaptureFrame
	timer         *time.Timer
	closed        bool
}

// NewThrottle creates a throttle that invokes analyze at most once per
// interval and delivers results through onVerdict. onError receives failed
// call errors; the failed frame is dropped, not retried, since a fresher
// frame is always on its way.
func NewThrottle(interval time.Duration, analyze Func, onVerdict func(*models.Verdict, *models.CaptureFrame), onError func(error), logger *slog.Logger) *Throttle {
	if logger == nil {
		logger = slog.Default()
	}
	t := &Throttle{
		interval:  interval,
		analyze:   analyze,
		logger:    logger,
		onVerdict: onVerdict,
		onError:   onError,
		now:       time.Now,
	}
	t.nextAllowedAt = t.now().Add(interval)
	return t
}

// Submit offers a frame. Never blocks; an older pending frame is replaced.
func (t *Throttle) Submit(frame *models.CaptureFrame) {
	if frame == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return
	}

	now := t.now()
	if t.inFlight || now.Before(t.nextAllowedAt) {
		t.pending = frame
		t.armLocked(now)
		return
	}
	t.dispatchLocked(frame)
}

// Close stops the throttle; pending frames are discarded and no further
// callbacks fire.
func (t *Throttle) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.pending = nil
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// armLocked schedules the next-window check if one is not already set.
func (t *Throttle) armLocked(now time.Time) {
	if t.timer != nil || t.inFlight {
		return
	}
	t.timer = time.AfterFunc(t.nextAllowedAt.Sub(now), t.windowOpened)
}

func (t *Throttle) windowOpened() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.timer = nil
	if t.closed || t.inFlight || t.pending == nil {
		return
	}
	if t.now().Before(t.nextAllowedAt) {
		t.armLocked(t.now())
		return
	}
	frame := t.pending
	t.pending = nil
	t.dispatchLocked(frame)
}

// dispatchLocked starts one analysis call. Caller holds the mutex. The
// spacing window opens one interval after the call completes, success or
// failure, so a slow call never shortens the gap to the next one.
func (t *Throttle) dispatchLocked(frame *models.CaptureFrame) {
	t.inFlight = true

	go func() {
		verdict, err := t.analyze(context.Background(), frame)

		t.mu.Lock()
		t.inFlight = false
		t.nextAllowedAt = t.now().Add(t.interval)
		closed := t.closed
		if !closed {
			t.armLocked(t.now())
		}
		t.mu.Unlock()

		if closed {
			return
		}
		if err != nil {
			t.logger.Warn("analysis failed", "error", err)
			if t.onError != nil {
				t.onError(err)
			}
			return
		}
		if t.onVerdict != nil {
			t.onVerdict(verdict, frame)
		}
	}()
}
