package capture

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"github.com/anchorhq/anchor/internal/models"
)

// Browser attaches to a Chromium instance over the DevTools protocol and
// hands out page grabbers. One Browser is shared across capture runs; pages
// are attached per run and detached on Release, the browser connection
// itself stays up until Close.
type Browser struct {
	controlURL string
	logger     *slog.Logger

	mu      sync.Mutex
	browser *rod.Browser
}

// NewBrowser creates a lazy DevTools connection. With an empty controlURL a
// headless browser is launched on first use instead of attaching to an
// existing one.
func NewBrowser(controlURL string, logger *slog.Logger) *Browser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Browser{controlURL: controlURL, logger: logger}
}

func (b *Browser) connect() (*rod.Browser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.browser != nil {
		return b.browser, nil
	}

	controlURL := b.controlURL
	if controlURL == "" {
		path, _ := launcher.LookPath()
		url, err := launcher.New().Bin(path).Headless(true).Launch()
		if err != nil {
			return nil, fmt.Errorf("launch browser: %w", err)
		}
		controlURL = url
	}

	browser := rod.New().ControlURL(controlURL)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect browser: %w", err)
	}
	b.browser = browser
	b.logger.Info("browser connected", "control_url", controlURL)
	return browser, nil
}

// Acquire attaches to a page and returns a grabber for it. sourceID may be
// a DevTools target ID; when empty or unknown the first open page is used.
// Satisfies GrabberFactory.
func (b *Browser) Acquire(ctx context.Context, sourceID string) (Grabber, error) {
	browser, err := b.connect()
	if err != nil {
		return nil, err
	}

	if sourceID != "" {
		page, err := browser.Context(ctx).PageFromTarget(proto.TargetTargetID(sourceID))
		if err == nil {
			return &pageGrabber{page: page}, nil
		}
		b.logger.Debug("target not found, falling back to first page", "target", sourceID, "error", err)
	}

	pages, err := browser.Context(ctx).Pages()
	if err != nil {
		return nil, fmt.Errorf("list pages: %w", err)
	}
	if len(pages) == 0 {
		return nil, fmt.Errorf("no open pages to capture")
	}
	return &pageGrabber{page: pages.First()}, nil
}

// Close tears down the DevTools connection.
func (b *Browser) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browser == nil {
		return nil
	}
	err := b.browser.Close()
	b.browser = nil
	return err
}

// pageGrabber samples one attached page.
type pageGrabber struct {
	mu       sync.Mutex
	page     *rod.Page
	released bool
}

func (g *pageGrabber) Alive() bool {
	g.mu.Lock()
	page, released := g.page, g.released
	g.mu.Unlock()
	if released {
		return false
	}
	_, err := page.Info()
	return err == nil
}

// Grab screenshots the viewport as a JPEG, downscaled to fit maxW x maxH.
// Upscaling never happens; small viewports are captured at native size.
func (g *pageGrabber) Grab(ctx context.Context, maxW, maxH, quality int) (*models.CaptureFrame, error) {
	g.mu.Lock()
	if g.released {
		g.mu.Unlock()
		return nil, fmt.Errorf("grabber released")
	}
	page := g.page.Context(ctx)
	g.mu.Unlock()

	info, err := page.Info()
	if err != nil {
		return nil, fmt.Errorf("page info: %w", err)
	}

	metrics, err := proto.PageGetLayoutMetrics{}.Call(page)
	if err != nil {
		return nil, fmt.Errorf("layout metrics: %w", err)
	}
	w := float64(metrics.CSSLayoutViewport.ClientWidth)
	h := float64(metrics.CSSLayoutViewport.ClientHeight)
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("empty viewport")
	}

	scale := 1.0
	if s := float64(maxW) / w; s < scale {
		scale = s
	}
	if s := float64(maxH) / h; s < scale {
		scale = s
	}

	data, err := page.Screenshot(false, &proto.PageCaptureScreenshot{
		Format:  proto.PageCaptureScreenshotFormatJpeg,
		Quality: &quality,
		Clip: &proto.PageViewport{
			X:      0,
			Y:      0,
			Width:  w,
			Height: h,
			Scale:  scale,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("screenshot: %w", err)
	}

	return &models.CaptureFrame{
		Timestamp: time.Now(),
		DataURL:   "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(data),
		URL:       info.URL,
		Title:     info.Title,
	}, nil
}

// Release detaches from the page. The page itself is left open; it belongs
// to the user, not the capture loop. Safe to call repeatedly.
func (g *pageGrabber) Release() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.released = true
}
