package capture

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"
)

// RodConfig configures the local headless-Chrome capturer.
type RodConfig struct {
	// RemoteURL is the WebSocket URL of an external Chrome instance.
	// Empty = launch a local Chrome via launcher.
	RemoteURL string

	// NavigateTimeout bounds navigation plus load. Default: 45s.
	NavigateTimeout time.Duration

	// SettleDelay is a quiet period after load before the screenshot, so
	// late-loading fonts and images do not show up as phantom changes.
	// Default: 2s.
	SettleDelay time.Duration

	Logger *slog.Logger
}

func (c *RodConfig) defaults() {
	if c.NavigateTimeout <= 0 {
		c.NavigateTimeout = 45 * time.Second
	}
	if c.SettleDelay <= 0 {
		c.SettleDelay = 2 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// RodCapturer drives headless Chrome through Rod with stealth patches
// applied, so bot-detection walls do not serve a different page than real
// visitors see.
type RodCapturer struct {
	cfg     RodConfig
	browser *rod.Browser
	lnch    *launcher.Launcher
}

// NewRodCapturer launches (or connects to) Chrome. Call Close when done.
func NewRodCapturer(cfg RodConfig) (*RodCapturer, error) {
	cfg.defaults()
	c := &RodCapturer{cfg: cfg}

	wsURL := cfg.RemoteURL
	if wsURL == "" {
		l := launcher.New().
			Headless(true).
			Set("disable-blink-features", "AutomationControlled")
		u, err := l.Launch()
		if err != nil {
			return nil, fmt.Errorf("capture: launch chrome: %w", err)
		}
		wsURL = u
		c.lnch = l
		cfg.Logger.Info("capture: launched local chrome", "url", wsURL)
	} else {
		cfg.Logger.Info("capture: connecting to remote chrome", "url", wsURL)
	}

	b := rod.New().ControlURL(wsURL)
	if err := b.Connect(); err != nil {
		return nil, fmt.Errorf("capture: connect: %w", err)
	}
	c.browser = b
	return c, nil
}

// Close shuts down the browser and, if locally launched, the Chrome process.
func (c *RodCapturer) Close() error {
	if c.browser != nil {
		c.browser.Close()
	}
	if c.lnch != nil {
		c.lnch.Cleanup()
	}
	return nil
}

// Capture implements Capturer.
func (c *RodCapturer) Capture(ctx context.Context, pageURL string, viewportWidth int) (*Shot, error) {
	page, err := stealth.Page(c.browser)
	if err != nil {
		return nil, fmt.Errorf("capture: create tab: %w", err)
	}
	defer page.Close()

	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             viewportWidth,
		Height:            900,
		DeviceScaleFactor: 1,
		Mobile:            viewportWidth <= 500,
	}); err != nil {
		return nil, fmt.Errorf("capture: set viewport: %w", err)
	}

	navCtx, cancel := context.WithTimeout(ctx, c.cfg.NavigateTimeout)
	defer cancel()

	if err := page.Context(navCtx).Navigate(pageURL); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNavigation, pageURL, err)
	}
	if err := page.Context(navCtx).WaitLoad(); err != nil {
		c.cfg.Logger.Warn("capture: wait load timeout", "url", pageURL, "error", err)
	}

	select {
	case <-time.After(c.cfg.SettleDelay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	png, err := page.Context(ctx).Screenshot(true, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
	if err != nil {
		return nil, fmt.Errorf("capture: screenshot %s: %w", pageURL, err)
	}

	res, err := page.Context(ctx).Eval(`() => document.documentElement.outerHTML`)
	if err != nil {
		return nil, fmt.Errorf("capture: get html %s: %w", pageURL, err)
	}
	text, err := TextSnapshot(res.Value.Str())
	if err != nil {
		return nil, err
	}

	return &Shot{
		URL:           pageURL,
		ViewportWidth: viewportWidth,
		PNG:           png,
		Text:          text,
	}, nil
}
