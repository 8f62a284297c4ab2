// Package capture takes screenshots of URL loops with headless Chrome.
package capture

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"loops/api/internal/logging"
	"loops/api/internal/retry"
)

// PlaceholderPath is stored as the loop screenshot when capture fails.
const PlaceholderPath = "placeholders/screenshot.png"

var ErrBrowserMissing = errors.New("chromium not installed")

type Capturer interface {
	Capture(ctx context.Context, url string) ([]byte, error)
}

// Chrome renders pages in a fresh headless Chromium per capture.
type Chrome struct {
	Width  int64
	Height int64
}

func NewChrome() *Chrome {
	return &Chrome{Width: 1440, Height: 900}
}

func (c *Chrome) Capture(ctx context.Context, url string) ([]byte, error) {
	if _, err := exec.LookPath("chromium-browser"); err != nil {
		if _, fallbackErr := exec.LookPath("chromium"); fallbackErr != nil {
			return nil, retry.Permanent(ErrBrowserMissing)
		}
	}

	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.WindowSize(int(c.Width), int(c.Height)),
	)
	allocCtx, cancel := chromedp.NewExecAllocator(ctx, opts...)
	defer cancel()
	taskCtx, cancel := chromedp.NewContext(allocCtx)
	defer cancel()

	var shot []byte
	err := chromedp.Run(taskCtx,
		chromedp.EmulateViewport(c.Width, c.Height),
		chromedp.Navigate(url),
		chromedp.WaitReady("body"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			shot, err = page.CaptureScreenshot().
				WithFormat(page.CaptureScreenshotFormatPng).
				WithCaptureBeyondViewport(true).
				Do(ctx)
			return err
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("capture %s: %w", url, err)
	}
	return shot, nil
}

// Result is either a captured image or a placeholder marker.
type Result struct {
	Data        []byte
	Placeholder bool
}

// Screenshotter bounds every attempt with a timeout and gives up after a
// fixed retry budget, returning a placeholder instead of an error.
type Screenshotter struct {
	capturer Capturer
	timeout  time.Duration
	newRetry func() retry.Retryer
	log      *zap.Logger
}

type Option func(*Screenshotter)

func WithTimeout(d time.Duration) Option {
	return func(s *Screenshotter) {
		if d > 0 {
			s.timeout = d
		}
	}
}

func WithRetryer(factory func() retry.Retryer) Option {
	return func(s *Screenshotter) { s.newRetry = factory }
}

// NewScreenshotter wraps capturer. A nil capturer always yields a placeholder.
func NewScreenshotter(capturer Capturer, log *zap.Logger, opts ...Option) *Screenshotter {
	s := &Screenshotter{
		capturer: capturer,
		timeout:  30 * time.Second,
		newRetry: func() retry.Retryer { return retry.NewLinear(retry.DefaultLinearStep, 2) },
		log:      logging.OrNop(log),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Screenshotter) Screenshot(ctx context.Context, url string) Result {
	if s == nil || s.capturer == nil {
		return Result{Placeholder: true}
	}
	var shot []byte
	err := retry.Do(ctx, s.newRetry(), func(ctx context.Context) error {
		attemptCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		data, err := s.capturer.Capture(attemptCtx, url)
		if err != nil {
			return err
		}
		if len(data) == 0 {
			return errors.New("empty screenshot")
		}
		shot = data
		return nil
	})
	if err != nil {
		s.log.Warn("screenshot capture failed, using placeholder", zap.String("url", url), zap.Error(err))
		return Result{Placeholder: true}
	}
	return Result{Data: shot}
}
