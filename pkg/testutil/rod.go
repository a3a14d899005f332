package testutil

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/input"
	"github.com/go-rod/rod/lib/launcher"
)

// BrowserBinEnv overrides the Chrome binary used by browser tests.
const BrowserBinEnv = "SUPPORTCHAT_BROWSER_BIN"

// RodBrowser is a headless Chrome driven by go-rod.
type RodBrowser struct {
	t        *testing.T
	browser  *rod.Browser
	launcher *launcher.Launcher
	headless bool
}

// RodPage is a page of a RodBrowser with test helpers.
type RodPage struct {
	t    *testing.T
	page *rod.Page
}

// RodOption configures a RodBrowser.
type RodOption func(*RodBrowser)

// WithHeadless runs the browser headless (the default) or visible.
func WithHeadless(headless bool) RodOption {
	return func(rb *RodBrowser) {
		rb.headless = headless
	}
}

// NewRodBrowser launches Chrome. The test is skipped when no local browser
// is found; go-rod would otherwise try to download one.
func NewRodBrowser(t *testing.T, opts ...RodOption) *RodBrowser {
	t.Helper()

	bin := os.Getenv(BrowserBinEnv)
	if bin == "" {
		found, ok := launcher.LookPath()
		if !ok {
			t.Skip("no Chrome or Chromium found; set " + BrowserBinEnv + " to run browser tests")
		}
		bin = found
	}

	rb := &RodBrowser{t: t, headless: true}
	for _, opt := range opts {
		opt(rb)
	}

	rb.launcher = launcher.New().
		Bin(bin).
		Headless(rb.headless).
		Delete("disable-extensions")
	if !rb.headless {
		rb.launcher.Delete("disable-gpu")
	}

	controlURL, err := rb.launcher.Launch()
	if err != nil {
		t.Fatalf("launch browser: %v", err)
	}
	rb.browser = rod.New().ControlURL(controlURL)
	if err := rb.browser.Connect(); err != nil {
		t.Fatalf("connect browser: %v", err)
	}
	t.Cleanup(rb.Close)
	return rb
}

// Close closes the browser and its launcher.
func (rb *RodBrowser) Close() {
	if rb.browser != nil {
		_ = rb.browser.Close()
		rb.browser = nil
	}
	if rb.launcher != nil {
		rb.launcher.Kill()
	}
}

// MustPage opens url in a new tab and waits for it to load.
func (rb *RodBrowser) MustPage(url string) *RodPage {
	rb.t.Helper()
	rb.t.Logf("opening %s", url)
	page := rb.browser.MustPage(url)
	page.MustWaitLoad()
	rb.t.Cleanup(func() { _ = page.Close() })
	return &RodPage{t: rb.t, page: page}
}

// Page exposes the underlying rod page.
func (rp *RodPage) Page() *rod.Page {
	return rp.page
}

// Eval runs a JavaScript function expression such as "() => document.title"
// and returns its result as a string. Errors during navigation are returned,
// not fatal.
func (rp *RodPage) Eval(js string, args ...any) (string, error) {
	res, err := rp.page.Eval(js, args...)
	if err != nil {
		return "", err
	}
	return res.Value.Str(), nil
}

// WaitEval polls js until it returns want.
func (rp *RodPage) WaitEval(desc, js, want string, timeout time.Duration) {
	rp.t.Helper()
	var last string
	err := WaitFor(rp.t, desc, timeout, func() bool {
		got, err := rp.Eval(js)
		if err != nil {
			return false
		}
		last = got
		return got == want
	})
	if err != nil {
		rp.t.Fatalf("%v (last value %q)", err, last)
	}
}

// Input types text into the element matching selector.
func (rp *RodPage) Input(selector, text string) *RodPage {
	rp.t.Helper()
	rp.page.MustElement(selector).MustInput(text)
	return rp
}

// Enter presses Enter on the element matching selector.
func (rp *RodPage) Enter(selector string) *RodPage {
	rp.t.Helper()
	rp.page.MustElement(selector).MustType(input.Enter)
	return rp
}

// Click clicks the element matching selector.
func (rp *RodPage) Click(selector string) *RodPage {
	rp.t.Helper()
	rp.page.MustElement(selector).MustClick()
	return rp
}

// Reload reloads the page and waits for it to load.
func (rp *RodPage) Reload() *RodPage {
	rp.t.Helper()
	rp.page.MustReload()
	rp.page.MustWaitLoad()
	return rp
}

// LocalOrigins allows pages served by httptest on any local port.
var LocalOrigins = []string{"127.0.0.1:*"}

// NewWidgetHost serves an HTML page that embeds the widget script of srv.
// The page lives on its own origin, like a customer's site, so srv must be
// started with LocalOrigins in AllowedOrigins.
func NewWidgetHost(t *testing.T, srv *ChatServer) *httptest.Server {
	t.Helper()
	page := fmt.Sprintf(`<!doctype html>
<html><head><title>shop</title></head>
<body><script src="%s/widget.js" data-server="%s"></script></body></html>`, srv.URL, srv.WSURL)
	host := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, page)
	}))
	t.Cleanup(host.Close)
	return host
}
