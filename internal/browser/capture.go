// Package browser captures page screenshots with headless Chrome via
// rod. The capturer is lazy: Chrome launches on the first capture and is
// reused across investigations.
package browser

import (
	"context"
	"fmt"
	"sync"

	"citywatch/internal/config"
	"citywatch/internal/logging"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"
)

// Capturer owns one shared browser process and hands out PNG
// screenshots of pages. Safe for concurrent use; each capture runs in
// its own incognito page.
type Capturer struct {
	cfg config.BrowserConfig

	mu      sync.Mutex
	browser *rod.Browser
}

func NewCapturer(cfg config.BrowserConfig) *Capturer {
	return &Capturer{cfg: cfg}
}

// ensureStarted launches Chrome and connects on first use. Reconnects if
// a previously connected browser died.
func (c *Capturer) ensureStarted(ctx context.Context) (*rod.Browser, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.browser != nil {
		if _, err := c.browser.Version(); err == nil {
			return c.browser, nil
		}
		logging.Browser("stale browser connection, relaunching")
		_ = c.browser.Close()
		c.browser = nil
	}

	launch := launcher.New().Headless(c.cfg.Headless)
	if c.cfg.Bin != "" {
		launch = launch.Bin(c.cfg.Bin)
	}
	controlURL, err := launch.Launch()
	if err != nil {
		return nil, fmt.Errorf("launch chrome: %w", err)
	}

	browser := rod.New().ControlURL(controlURL).Context(ctx)
	if err := browser.Connect(); err != nil {
		return nil, fmt.Errorf("connect to chrome: %w", err)
	}

	c.browser = browser
	logging.Browser("browser connected at %s", controlURL)
	return c.browser, nil
}

// Capture navigates to url and returns a PNG screenshot of the viewport.
func (c *Capturer) Capture(ctx context.Context, url string) ([]byte, error) {
	browser, err := c.ensureStarted(ctx)
	if err != nil {
		return nil, err
	}

	incognito, err := browser.Incognito()
	if err != nil {
		return nil, fmt.Errorf("open incognito context: %w", err)
	}
	page, err := incognito.Page(proto.TargetCreateTarget{URL: "about:blank"})
	if err != nil {
		return nil, fmt.Errorf("open page: %w", err)
	}
	defer page.Close()

	width, height := c.cfg.ViewportWidth, c.cfg.ViewportHeight
	if width <= 0 {
		width = 1280
	}
	if height <= 0 {
		height = 800
	}
	if err := (proto.EmulationSetDeviceMetricsOverride{
		Width:             width,
		Height:            height,
		DeviceScaleFactor: 1,
	}).Call(page); err != nil {
		return nil, fmt.Errorf("set viewport: %w", err)
	}

	timed := page.Context(ctx).Timeout(c.cfg.NavigationTimeout())
	if err := timed.Navigate(url); err != nil {
		return nil, fmt.Errorf("navigate %s: %w", url, err)
	}
	if err := timed.WaitLoad(); err != nil {
		logging.Browser("load wait for %s ended early: %v", url, err)
	}

	png, err := page.Context(ctx).Screenshot(false, nil)
	if err != nil {
		return nil, fmt.Errorf("screenshot %s: %w", url, err)
	}

	logging.Browser("captured %s (%d bytes)", url, len(png))
	return png, nil
}

// Close shuts down the shared browser.
func (c *Capturer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.browser == nil {
		return nil
	}
	err := c.browser.Close()
	c.browser = nil
	return err
}
