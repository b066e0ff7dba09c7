package proxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/blueberrycongee/msgmux/internal/config"
)

// clientCache reuses one http.Client per distinct transport configuration.
// Clients are keyed by proxy URL and phase timeouts so providers sharing a
// configuration share a connection pool; idle entries age out so removed
// providers do not pin transports forever.
type clientCache struct {
	mu    sync.Mutex
	cache *gocache.Cache
}

func newClientCache() *clientCache {
	c := &clientCache{cache: gocache.New(30*time.Minute, 10*time.Minute)}
	c.cache.OnEvicted(func(_ string, v interface{}) {
		v.(*http.Client).CloseIdleConnections()
	})
	return c
}

func (c *clientCache) get(proxyURL string, t config.PhaseTimeouts) (*http.Client, error) {
	key := fmt.Sprintf("%s|%s|%s|%s", proxyURL, t.ConnectTimeout, t.ReadTimeout, t.PoolTimeout)

	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.cache.Get(key); ok {
		c.cache.SetDefault(key, v)
		return v.(*http.Client), nil
	}
	client, err := newClient(proxyURL, t)
	if err != nil {
		return nil, err
	}
	c.cache.SetDefault(key, client)
	return client, nil
}

// newClient builds a client for one timeout profile. The read timeout is an
// inactivity window enforced per phase: response headers by the transport,
// body reads by the watchdog. There is no total-duration cap, long streams
// must be able to run for hours.
func newClient(proxyURL string, t config.PhaseTimeouts) (*http.Client, error) {
	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   t.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   t.ConnectTimeout,
		ResponseHeaderTimeout: t.ReadTimeout,
		// The pool wait has no transport equivalent in net/http; connections
		// are never queued for. The knob bounds idle lifetime instead.
		IdleConnTimeout:     t.PoolTimeout,
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 32,
		ForceAttemptHTTP2:   true,
	}
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		transport.Proxy = http.ProxyURL(u)
	}
	return &http.Client{Transport: transport}, nil
}

// watchdogBody closes the response body when no read completes within the
// inactivity window, and rearms on every read. A fired watchdog surfaces as
// an error wrapping context.DeadlineExceeded so classification lands on
// read_timeout rather than a generic closed-body error.
type watchdogBody struct {
	rc      io.ReadCloser
	timeout time.Duration
	timer   *time.Timer

	mu     sync.Mutex
	fired  bool
	closed bool
}

func newWatchdogBody(rc io.ReadCloser, timeout time.Duration) io.ReadCloser {
	if timeout <= 0 {
		return rc
	}
	w := &watchdogBody{rc: rc, timeout: timeout}
	w.timer = time.AfterFunc(timeout, w.bite)
	return w
}

func (w *watchdogBody) bite() {
	w.mu.Lock()
	w.fired = true
	closed := w.closed
	w.mu.Unlock()
	if !closed {
		w.rc.Close()
	}
}

func (w *watchdogBody) Read(p []byte) (int, error) {
	n, err := w.rc.Read(p)

	w.mu.Lock()
	fired := w.fired
	if !fired && !w.closed {
		w.timer.Reset(w.timeout)
	}
	w.mu.Unlock()

	if err != nil && err != io.EOF && fired {
		return n, fmt.Errorf("upstream read stalled beyond %s: %w", w.timeout, context.DeadlineExceeded)
	}
	return n, err
}

func (w *watchdogBody) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	w.timer.Stop()
	return w.rc.Close()
}
