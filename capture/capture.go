// Package capture takes page snapshots: a full-page PNG screenshot plus a
// sanitized markdown rendering of the page text. Screenshots feed the visual
// differ; text snapshots feed outcome assessment, which needs to quote what
// the page actually said before and after a change.
package capture

import (
	"context"
	"errors"
	"fmt"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/microcosm-cc/bluemonday"
)

// Standard viewport widths. Each tracked page is captured at both.
const (
	ViewportDesktop = 1440
	ViewportMobile  = 390
)

// Viewports lists the widths every capture pass covers, desktop first.
var Viewports = []int{ViewportDesktop, ViewportMobile}

// ErrNavigation wraps failures to load the target URL, as opposed to
// failures of the capture machinery itself.
var ErrNavigation = errors.New("capture: navigation failed")

// Shot is one page snapshot at one viewport.
type Shot struct {
	URL           string
	ViewportWidth int
	// PNG is the full-page screenshot.
	PNG []byte
	// Text is the sanitized markdown rendering of the page content.
	Text string
}

// Capturer takes a snapshot of a live page.
type Capturer interface {
	Capture(ctx context.Context, pageURL string, viewportWidth int) (*Shot, error)
}

// TextSnapshot strips scripts and dangerous markup from raw HTML and
// converts the remainder to markdown. Sanitization runs first so the
// converter never sees executable content.
func TextSnapshot(rawHTML string) (string, error) {
	clean := bluemonday.UGCPolicy().Sanitize(rawHTML)
	md, err := htmltomarkdown.ConvertString(clean)
	if err != nil {
		return "", fmt.Errorf("capture: html to markdown: %w", err)
	}
	return md, nil
}
