// Package transport implements the engine's wire capability over HTTP,
// mapping net/http failures onto the engine error taxonomy.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/fetchd-project/fetchd/internal/engine"
	"github.com/fetchd-project/fetchd/internal/version"
)

// Options configures the HTTP transport.
type Options struct {
	Timeout      time.Duration     // dial, TLS handshake and response-header deadline
	UserAgent    string            // sent on every request
	Proxy        string            // proxy URL; empty uses the environment
	VerifySSL    bool              // false skips certificate verification
	MaxRedirects int               // redirect cap per request
	Headers      map[string]string // extra headers applied to every request
}

// DefaultOptions returns the transport defaults used when the configuration
// leaves a field empty.
func DefaultOptions() Options {
	return Options{
		Timeout:      30 * time.Second,
		UserAgent:    "Fetchd/" + version.Version,
		VerifySSL:    true,
		MaxRedirects: 5,
	}
}

var errTooManyRedirects = errors.New("too many redirects")

// Client speaks HTTP for the engine. Fetch bodies stream without an overall
// deadline; the engine bounds them per chunk through the request context.
type Client struct {
	opts Options
	http *http.Client
}

var _ engine.Transport = (*Client)(nil)

// New builds a client from the given options.
func New(opts Options) (*Client, error) {
	tr := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   opts.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   opts.Timeout,
		ResponseHeaderTimeout: opts.Timeout,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
	}
	if opts.Proxy != "" {
		pu, err := url.Parse(opts.Proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url: %w", err)
		}
		tr.Proxy = http.ProxyURL(pu)
	}
	if !opts.VerifySSL {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	limit := opts.MaxRedirects
	if limit <= 0 {
		limit = DefaultOptions().MaxRedirects
	}
	return &Client{
		opts: opts,
		http: &http.Client{
			Transport: tr,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= limit {
					return fmt.Errorf("%w (limit %d)", errTooManyRedirects, limit)
				}
				return nil
			},
		},
	}, nil
}

// Close releases idle connections.
func (c *Client) Close() {
	c.http.CloseIdleConnections()
}

// Probe learns the size, range support and validators of a resource with a
// HEAD request, falling back to a one-byte ranged GET for servers that
// reject HEAD.
func (c *Client) Probe(ctx context.Context, rawURL string) (engine.ProbeResult, error) {
	res, err := c.probeHead(ctx, rawURL)
	if err == nil {
		return res, nil
	}
	var pe *engine.ProtocolError
	if errors.As(err, &pe) &&
		(pe.StatusCode == http.StatusMethodNotAllowed || pe.StatusCode == http.StatusNotImplemented) {
		return c.probeRange(ctx, rawURL)
	}
	return engine.ProbeResult{}, err
}

func (c *Client) probeHead(ctx context.Context, rawURL string) (engine.ProbeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return engine.ProbeResult{}, &engine.ProtocolError{URL: rawURL, Message: "malformed request: " + err.Error()}
	}
	c.decorate(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return engine.ProbeResult{}, classify(rawURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return engine.ProbeResult{}, statusError(rawURL, resp.StatusCode)
	}
	return resultFromHeaders(resp, resp.ContentLength), nil
}

func (c *Client) probeRange(ctx context.Context, rawURL string) (engine.ProbeResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return engine.ProbeResult{}, &engine.ProtocolError{URL: rawURL, Message: "malformed request: " + err.Error()}
	}
	c.decorate(req)
	req.Header.Set("Range", "bytes=0-0")

	resp, err := c.http.Do(req)
	if err != nil {
		return engine.ProbeResult{}, classify(rawURL, err)
	}
	defer func() {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<10))
		resp.Body.Close()
	}()

	switch resp.StatusCode {
	case http.StatusPartialContent:
		res := resultFromHeaders(resp, -1)
		res.SupportsRange = true
		if total, ok := parseContentRangeTotal(resp.Header.Get("Content-Range")); ok {
			res.Size = total
		}
		return res, nil
	case http.StatusOK:
		// The server ignored the range; it only serves full bodies.
		res := resultFromHeaders(resp, resp.ContentLength)
		res.SupportsRange = false
		return res, nil
	default:
		return engine.ProbeResult{}, statusError(rawURL, resp.StatusCode)
	}
}

// Fetch streams bytes [start, end) of a resource; end < 0 means through EOF.
func (c *Client) Fetch(ctx context.Context, rawURL string, start, end int64) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &engine.ProtocolError{URL: rawURL, Message: "malformed request: " + err.Error()}
	}
	c.decorate(req)

	ranged := start > 0 || end >= 0
	if ranged {
		if end >= 0 {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end-1))
		} else {
			req.Header.Set("Range", fmt.Sprintf("bytes=%d-", start))
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classify(rawURL, err)
	}

	switch {
	case ranged && resp.StatusCode == http.StatusPartialContent:
		return resp.Body, nil
	case !ranged && resp.StatusCode == http.StatusOK:
		return resp.Body, nil
	case ranged && start == 0 && resp.StatusCode == http.StatusOK:
		// A full body still begins with the requested bytes; the reader
		// stops at end on its own.
		return resp.Body, nil
	}

	resp.Body.Close()
	if ranged && resp.StatusCode == http.StatusOK {
		// Mid-file range answered from offset zero would corrupt the chunk.
		return nil, &engine.ProtocolError{
			StatusCode: resp.StatusCode,
			URL:        rawURL,
			Message:    fmt.Sprintf("server ignored range request at offset %d", start),
		}
	}
	return nil, statusError(rawURL, resp.StatusCode)
}

func (c *Client) decorate(req *http.Request) {
	for k, v := range c.opts.Headers {
		req.Header.Set(k, v)
	}
	if c.opts.UserAgent != "" {
		req.Header.Set("User-Agent", c.opts.UserAgent)
	}
}

// Transient statuses worth retrying; everything else unexpected is fatal.
var retryableStatus = map[int]bool{
	http.StatusInternalServerError: true,
	http.StatusBadGateway:          true,
	http.StatusServiceUnavailable:  true,
	http.StatusGatewayTimeout:      true,
	http.StatusInsufficientStorage: true,
	http.StatusLoopDetected:        true,
}

func statusError(rawURL string, status int) error {
	if retryableStatus[status] {
		return &engine.TransportError{
			Kind: engine.TransportServer,
			URL:  rawURL,
			Err:  fmt.Errorf("server returned %d %s", status, http.StatusText(status)),
		}
	}
	return &engine.ProtocolError{
		StatusCode: status,
		URL:        rawURL,
		Message:    "unexpected status " + strconv.Itoa(status),
	}
}

// classify maps a net/http request failure onto the engine taxonomy.
func classify(rawURL string, err error) error {
	if errors.Is(err, context.Canceled) {
		return context.Canceled
	}
	if errors.Is(err, errTooManyRedirects) {
		return &engine.ProtocolError{URL: rawURL, Message: "redirect limit exceeded"}
	}

	kind := engine.TransportNetwork
	var dnsErr *net.DNSError
	var certErr *tls.CertificateVerificationError
	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		kind = engine.TransportTimeout
	case errors.As(err, &dnsErr):
		kind = engine.TransportDNS
	case errors.As(err, &certErr):
		kind = engine.TransportTLS
	case errors.As(err, &netErr) && netErr.Timeout():
		kind = engine.TransportTimeout
	}
	return &engine.TransportError{Kind: kind, URL: rawURL, Err: err}
}

func resultFromHeaders(resp *http.Response, length int64) engine.ProbeResult {
	size := length
	if size < 0 {
		size = -1
	}
	return engine.ProbeResult{
		Size:          size,
		SupportsRange: strings.EqualFold(resp.Header.Get("Accept-Ranges"), "bytes"),
		ETag:          resp.Header.Get("ETag"),
		LastModified:  resp.Header.Get("Last-Modified"),
		Filename:      filenameFromDisposition(resp.Header.Get("Content-Disposition")),
	}
}

func filenameFromDisposition(cd string) string {
	if cd == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(cd)
	if err != nil {
		return ""
	}
	return params["filename"]
}

// parseContentRangeTotal extracts the total length from a Content-Range
// value such as "bytes 0-0/12345". A "*" total means unknown.
func parseContentRangeTotal(v string) (int64, bool) {
	i := strings.LastIndexByte(v, '/')
	if i < 0 {
		return 0, false
	}
	total := strings.TrimSpace(v[i+1:])
	if total == "" || total == "*" {
		return 0, false
	}
	n, err := strconv.ParseInt(total, 10, 64)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}
