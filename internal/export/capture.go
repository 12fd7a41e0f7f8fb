package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strings"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/chromedp"
)

// Capturer turns a surface into encoded image data.
type Capturer interface {
	Capture(ctx context.Context, surface Surface, opts CaptureOptions) (Frame, error)
}

var browserBinaries = []string{
	"chromium-browser",
	"chromium",
	"google-chrome",
	"google-chrome-stable",
	"headless-shell",
}

// LookupBrowser returns the path of the first headless-capable browser on PATH.
func LookupBrowser() (string, error) {
	for _, name := range browserBinaries {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("%w: chromium not installed", ErrCaptureUnavailable)
}

// ChromeCapturer screenshots surfaces in headless Chrome. Every capture
// runs in its own browser process so nothing outlives the call.
type ChromeCapturer struct {
	execPath string
}

// NewChromeCapturer uses execPath, or the browser found on PATH when empty.
func NewChromeCapturer(execPath string) *ChromeCapturer {
	return &ChromeCapturer{execPath: execPath}
}

// percentEncodeForDataURL encodes a string for use in a data URL
// Unlike url.QueryEscape, this properly encodes spaces as %20 for data URLs
func percentEncodeForDataURL(s string) string {
	var result strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z',
			r >= 'A' && r <= 'Z',
			r >= '0' && r <= '9',
			r == '-', r == '_', r == '.', r == '~':
			// Unreserved characters per RFC 3986
			result.WriteRune(r)
		case r == ' ':
			result.WriteString("%20")
		default:
			for _, b := range []byte(string(r)) {
				result.WriteString(fmt.Sprintf("%%%02X", b))
			}
		}
	}
	return result.String()
}

func surfaceURL(s Surface) (string, error) {
	switch {
	case s.URL != "" && s.HTML != "":
		return "", errors.New("surface has both url and html")
	case s.URL != "":
		return s.URL, nil
	case s.HTML != "":
		return "data:text/html;charset=utf-8," + percentEncodeForDataURL(s.HTML), nil
	default:
		return "", errors.New("surface has neither url nor html")
	}
}

type elementBox struct {
	Found     bool    `json:"found"`
	Connected bool    `json:"connected"`
	Width     float64 `json:"width"`
	Height    float64 `json:"height"`
}

func boxScript(selector string) string {
	quoted, _ := json.Marshal(selector)
	return fmt.Sprintf(`(() => {
		const el = document.querySelector(%s);
		if (!el) return {found: false, connected: false, width: 0, height: 0};
		const r = el.getBoundingClientRect();
		return {found: true, connected: el.isConnected, width: r.width, height: r.height};
	})()`, quoted)
}

// blockedImagesScript counts cross-origin images that failed to load.
const blockedImagesScript = `(() => Array.from(document.images).filter((img) => {
	try {
		const src = new URL(img.currentSrc || img.src, location.href);
		return src.protocol !== "data:" && src.origin !== location.origin && img.complete && img.naturalWidth === 0;
	} catch (e) {
		return false;
	}
}).length)()`

// Capture implements Capturer.
func (c *ChromeCapturer) Capture(ctx context.Context, surface Surface, opts CaptureOptions) (Frame, error) {
	if opts.Scale <= 0 || math.IsNaN(opts.Scale) {
		return Frame{}, &CaptureError{Reason: fmt.Sprintf("scale %v must be positive", opts.Scale)}
	}
	target, err := surfaceURL(surface)
	if err != nil {
		return Frame{}, &CaptureError{Reason: "invalid surface", Err: err}
	}
	selector := surface.Selector
	if selector == "" {
		selector = "body"
	}
	execPath := c.execPath
	if execPath == "" {
		if execPath, err = LookupBrowser(); err != nil {
			return Frame{}, err
		}
	}

	// Chrome options for headless mode in container
	allocOpts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.ExecPath(execPath),
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
		chromedp.Flag("disable-setuid-sandbox", true),
		chromedp.Flag("hide-scrollbars", true),
	)
	if opts.CrossOriginSafe {
		allocOpts = append(allocOpts,
			chromedp.Flag("disable-web-security", true),
			chromedp.Flag("disable-features", "IsolateOrigins,site-per-process"),
		)
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, allocOpts...)
	defer cancelAlloc()
	taskCtx, cancelTask := chromedp.NewContext(allocCtx)
	defer cancelTask()

	viewportWidth := opts.ViewportWidth
	if viewportWidth <= 0 {
		viewportWidth = DefaultCaptureOptions().ViewportWidth
	}
	bg := opts.BackgroundColor

	var (
		box     elementBox
		blocked int
		data    []byte
	)
	err = chromedp.Run(taskCtx,
		chromedp.EmulateViewport(int64(viewportWidth), 900),
		chromedp.ActionFunc(func(ctx context.Context) error {
			return emulation.SetDefaultBackgroundColorOverride().
				WithColor(&cdp.RGBA{R: int64(bg.R), G: int64(bg.G), B: int64(bg.B), A: float64(bg.A) / 255}).
				Do(ctx)
		}),
		chromedp.Navigate(target),
		chromedp.WaitReady(selector, chromedp.ByQuery),
		chromedp.Evaluate(boxScript(selector), &box),
		chromedp.Evaluate(blockedImagesScript, &blocked),
	)
	if err != nil {
		return Frame{}, classifyChromeError(ctx, "load surface", err)
	}
	if !box.Found || !box.Connected {
		return Frame{}, &CaptureError{Reason: "surface is detached from the document", Transient: true}
	}
	widthPx := int(math.Ceil(box.Width * opts.Scale))
	heightPx := int(math.Ceil(box.Height * opts.Scale))
	if widthPx <= 0 || heightPx <= 0 {
		return Frame{}, &CaptureError{Reason: fmt.Sprintf("surface has zero size (%dx%d)", widthPx, heightPx), Transient: true}
	}
	if blocked > 0 && !opts.CrossOriginSafe {
		return Frame{}, &CaptureError{Reason: fmt.Sprintf("%d cross-origin images were blocked", blocked)}
	}

	if err := chromedp.Run(taskCtx, chromedp.ScreenshotScale(selector, opts.Scale, &data, chromedp.ByQuery)); err != nil {
		return Frame{}, classifyChromeError(ctx, "screenshot", err)
	}
	return Frame{Data: data, WidthPx: widthPx, HeightPx: heightPx}, nil
}

func classifyChromeError(ctx context.Context, stage string, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	if errors.Is(err, exec.ErrNotFound) {
		return fmt.Errorf("%w: %v", ErrCaptureUnavailable, err)
	}
	return &CaptureError{Reason: stage, Transient: true, Err: err}
}
