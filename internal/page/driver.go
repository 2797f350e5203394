// Package page drives the browser over the DevTools protocol: it opens a
// control connection, navigates to the target URL and waits for the page
// to finish loading before capture starts.
package page

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/network"
	cdppage "github.com/chromedp/cdproto/page"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/page-recorder/internal/failure"
	"github.com/shehryarbajwa/page-recorder/internal/poll"
)

const summaryTimeout = 5 * time.Second

// Options configure the driver
type Options struct {
	Host        string
	LoadTimeout time.Duration
	SettleDelay time.Duration
}

// Driver opens control connections to a browser's debugging port
type Driver struct {
	opts   Options
	logger *zap.Logger
}

// NewDriver creates a page driver
func NewDriver(opts Options, logger *zap.Logger) *Driver {
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.LoadTimeout <= 0 {
		opts.LoadTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{opts: opts, logger: logger.Named("page")}
}

// Connection is an open control connection to the browser's page
type Connection struct {
	requests atomic.Int64

	mu      sync.Mutex
	summary Summary
	cancels []context.CancelFunc
	closed  bool
}

// onClose registers cancel to run on Close, or runs it now if the
// connection is already closed.
func (c *Connection) onClose(cancel context.CancelFunc) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		return
	}
	c.cancels = append(c.cancels, cancel)
	c.mu.Unlock()
}

// Close detaches from the page and closes the control connection. Safe to
// call repeatedly.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	cancels := c.cancels
	c.cancels = nil
	c.mu.Unlock()

	for i := len(cancels) - 1; i >= 0; i-- {
		cancels[i]()
	}
	return nil
}

// Requests returns the number of network requests observed so far
func (c *Connection) Requests() int64 {
	return c.requests.Load()
}

// Summary describes the loaded page
func (c *Connection) Summary() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.summary
	s.Requests = c.requests.Load()
	return s
}

type navigationError struct {
	text string
}

func (e *navigationError) Error() string {
	return "navigation failed: " + e.text
}

// OpenAndNavigate attaches to the page the browser was started with, loads
// pageURL in it and waits for the load event and then the settle delay.
// Connecting, navigating and loading together must finish within
// LoadTimeout or the attempt fails as failure.KindNavigationTimeout.
func (d *Driver) OpenAndNavigate(ctx context.Context, port int, pageURL string) (*Connection, error) {
	endpoint := "http://" + net.JoinHostPort(d.opts.Host, strconv.Itoa(port))
	start := time.Now()

	loadCtx, cancelLoad := context.WithTimeout(ctx, d.opts.LoadTimeout)
	defer cancelLoad()

	allocCtx, cancelAlloc := chromedp.NewRemoteAllocator(ctx, endpoint)
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx, chromedp.WithLogf(d.logger.Sugar().Debugf))

	conn := &Connection{}
	conn.onClose(cancelAlloc)
	conn.onClose(cancelBrowser)

	type opened struct {
		tabCtx context.Context
		err    error
	}
	result := make(chan opened, 1)
	go func() {
		tabCtx, err := d.load(ctx, browserCtx, conn, endpoint, pageURL)
		result <- opened{tabCtx, err}
	}()

	var tabCtx context.Context
	select {
	case res := <-result:
		if res.err != nil {
			conn.Close()
			return nil, res.err
		}
		tabCtx = res.tabCtx
	case <-loadCtx.Done():
		conn.Close()
		<-result
		if err := ctx.Err(); err != nil {
			return nil, failure.Canceled("load "+pageURL, err)
		}
		return nil, failure.Timeout(failure.KindNavigationTimeout, "load "+pageURL, time.Since(start), loadCtx.Err())
	}

	d.logger.Info("page loaded",
		zap.String("url", pageURL),
		zap.Duration("elapsed", time.Since(start)),
		zap.Int64("requests", conn.Requests()),
	)

	if err := sleep(ctx, d.opts.SettleDelay); err != nil {
		conn.Close()
		return nil, failure.Canceled("settle after load", err)
	}

	d.summarize(tabCtx, conn)
	return conn, nil
}

// load finds the existing page, attaches to it, navigates and blocks until
// the load event. It returns the attached tab's context.
func (d *Driver) load(ctx, browserCtx context.Context, conn *Connection, endpoint, url string) (context.Context, error) {
	id, err := d.existingPage(browserCtx)
	if err != nil {
		return nil, failure.Wrap(failure.KindControlConnection, "find page on "+endpoint, contextErr(ctx, err))
	}

	tabCtx, cancelTab := chromedp.NewContext(browserCtx, chromedp.WithTargetID(id))
	conn.onClose(cancelTab)

	loaded := make(chan struct{}, 1)
	chromedp.ListenTarget(tabCtx, func(ev interface{}) {
		switch e := ev.(type) {
		case *network.EventRequestWillBeSent:
			conn.requests.Add(1)
			d.logger.Debug("requested resource", zap.String("url", e.Request.URL))
		case *cdppage.EventLoadEventFired:
			select {
			case loaded <- struct{}{}:
			default:
			}
		}
	})

	if err := chromedp.Run(tabCtx, network.Enable(), cdppage.Enable()); err != nil {
		return nil, failure.Wrap(failure.KindControlConnection, "attach to page on "+endpoint, contextErr(ctx, err))
	}

	// A load event from the blank page must not count.
	select {
	case <-loaded:
	default:
	}

	err = chromedp.Run(tabCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		var res cdppage.NavigateReturns
		if err := cdp.Execute(ctx, cdppage.CommandNavigate, cdppage.Navigate(url), &res); err != nil {
			return err
		}
		if res.ErrorText != "" {
			return &navigationError{text: res.ErrorText}
		}
		return nil
	}))
	if err != nil {
		var navErr *navigationError
		if errors.As(err, &navErr) {
			return nil, failure.New(failure.KindNavigationFailed, "navigate to "+url, navErr)
		}
		return nil, failure.Wrap(failure.KindControlConnection, "navigate to "+url, contextErr(ctx, err))
	}

	select {
	case <-loaded:
		return tabCtx, nil
	case <-tabCtx.Done():
		return nil, failure.Canceled("wait for load event of "+url, contextErr(ctx, tabCtx.Err()))
	}
}

// existingPage returns the page target the browser was started with. The
// first lookup connects to the browser and is not retried; a fresh browser
// may not list its page yet, so later lookups are.
func (d *Driver) existingPage(browserCtx context.Context) (target.ID, error) {
	infos, err := chromedp.Targets(browserCtx)
	if err != nil {
		return "", err
	}
	if id, ok := firstPage(infos); ok {
		return id, nil
	}

	var id target.ID
	err = poll.Until(browserCtx, poll.DefaultInterval, d.opts.LoadTimeout, func(ctx context.Context) (bool, error) {
		infos, err := chromedp.Targets(ctx)
		if err != nil {
			return false, err
		}
		var ok bool
		id, ok = firstPage(infos)
		if !ok {
			return false, errors.New("browser has no page target")
		}
		return true, nil
	})
	return id, err
}

func firstPage(infos []*target.Info) (target.ID, bool) {
	for _, info := range infos {
		if info.Type == "page" {
			return info.TargetID, true
		}
	}
	return "", false
}

// summarize records what was loaded. Failures only affect observability.
func (d *Driver) summarize(tabCtx context.Context, conn *Connection) {
	ctx, cancel := context.WithTimeout(tabCtx, summaryTimeout)
	defer cancel()

	var html string
	if err := chromedp.Run(ctx, chromedp.OuterHTML("html", &html, chromedp.ByQuery)); err != nil {
		d.logger.Warn("failed to read page html", zap.Error(err))
		return
	}

	summary, err := Summarize(html)
	if err != nil {
		d.logger.Warn("failed to parse page html", zap.Error(err))
		return
	}

	conn.mu.Lock()
	conn.summary = summary
	conn.mu.Unlock()

	d.logger.Info("page summary",
		zap.String("title", summary.Title),
		zap.Int("videos", summary.Videos),
		zap.Int("audios", summary.Audios),
		zap.Int("images", summary.Images),
	)
}

// contextErr prefers the caller's cancellation over the error chromedp
// reports for it.
func contextErr(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%w (%v)", ctxErr, err)
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
