package transport

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetchd-project/fetchd/internal/engine"
)

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

func newClient(t *testing.T, mut func(*Options)) *Client {
	t.Helper()
	opts := DefaultOptions()
	opts.Timeout = 5 * time.Second
	if mut != nil {
		mut(&opts)
	}
	c, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(c.Close)
	return c
}

func TestProbe(t *testing.T) {
	t.Run("reads size, validators and the suggested name", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Accept-Ranges", "bytes")
			w.Header().Set("Content-Length", "4096")
			w.Header().Set("ETag", `"abc123"`)
			w.Header().Set("Last-Modified", "Wed, 21 Oct 2015 07:28:00 GMT")
			w.Header().Set("Content-Disposition", `attachment; filename="report.pdf"`)
		}))
		defer srv.Close()

		res, err := newClient(t, nil).Probe(context.Background(), srv.URL)
		require.NoError(t, err)
		assert.Equal(t, int64(4096), res.Size)
		assert.True(t, res.SupportsRange)
		assert.Equal(t, `"abc123"`, res.ETag)
		assert.Equal(t, "Wed, 21 Oct 2015 07:28:00 GMT", res.LastModified)
		assert.Equal(t, "report.pdf", res.Filename)
	})

	t.Run("falls back to a ranged get when head is rejected", func(t *testing.T) {
		var mu sync.Mutex
		var heads, gets int
		var gotRange string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			defer mu.Unlock()
			if r.Method == http.MethodHead {
				heads++
				w.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			gets++
			gotRange = r.Header.Get("Range")
			w.Header().Set("Content-Range", "bytes 0-0/9000")
			w.Header().Set("ETag", `"zz"`)
			w.WriteHeader(http.StatusPartialContent)
			w.Write([]byte{0})
		}))
		defer srv.Close()

		res, err := newClient(t, nil).Probe(context.Background(), srv.URL)
		require.NoError(t, err)
		assert.Equal(t, int64(9000), res.Size)
		assert.True(t, res.SupportsRange)
		assert.Equal(t, `"zz"`, res.ETag)

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, 1, heads)
		assert.Equal(t, 1, gets)
		assert.Equal(t, "bytes=0-0", gotRange)
	})

	t.Run("fallback handles servers that ignore ranges too", func(t *testing.T) {
		data := payload(1234)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodHead {
				w.WriteHeader(http.StatusNotImplemented)
				return
			}
			w.Write(data)
		}))
		defer srv.Close()

		res, err := newClient(t, nil).Probe(context.Background(), srv.URL)
		require.NoError(t, err)
		assert.Equal(t, int64(len(data)), res.Size)
		assert.False(t, res.SupportsRange)
	})

	t.Run("reports a size-less stream", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Accept-Ranges", "none")
		}))
		defer srv.Close()

		res, err := newClient(t, nil).Probe(context.Background(), srv.URL)
		require.NoError(t, err)
		assert.Equal(t, int64(-1), res.Size)
		assert.False(t, res.SupportsRange)
	})

	t.Run("missing resources are fatal", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		defer srv.Close()

		_, err := newClient(t, nil).Probe(context.Background(), srv.URL)
		var pe *engine.ProtocolError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, http.StatusNotFound, pe.StatusCode)
		assert.False(t, engine.IsRetryable(err))
	})

	t.Run("server errors are retryable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		_, err := newClient(t, nil).Probe(context.Background(), srv.URL)
		var te *engine.TransportError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, engine.TransportServer, te.Kind)
		assert.True(t, engine.IsRetryable(err))
	})
}

func TestFetch(t *testing.T) {
	data := payload(64 << 10)
	serveData := func() *httptest.Server {
		return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.ServeContent(w, r, "data.bin", time.Unix(1700000000, 0), bytes.NewReader(data))
		}))
	}

	t.Run("returns exactly the requested range", func(t *testing.T) {
		srv := serveData()
		defer srv.Close()

		body, err := newClient(t, nil).Fetch(context.Background(), srv.URL, 1000, 2000)
		require.NoError(t, err)
		defer body.Close()
		got, err := io.ReadAll(body)
		require.NoError(t, err)
		assert.Equal(t, data[1000:2000], got)
	})

	t.Run("streams open-ended from an offset", func(t *testing.T) {
		srv := serveData()
		defer srv.Close()

		body, err := newClient(t, nil).Fetch(context.Background(), srv.URL, 5000, -1)
		require.NoError(t, err)
		defer body.Close()
		got, err := io.ReadAll(body)
		require.NoError(t, err)
		assert.Equal(t, data[5000:], got)
	})

	t.Run("full-body fetch sends no range header", func(t *testing.T) {
		var mu sync.Mutex
		var gotRange, gotUA string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			gotRange = r.Header.Get("Range")
			gotUA = r.Header.Get("User-Agent")
			mu.Unlock()
			w.Write(data)
		}))
		defer srv.Close()

		body, err := newClient(t, nil).Fetch(context.Background(), srv.URL, 0, -1)
		require.NoError(t, err)
		defer body.Close()
		got, err := io.ReadAll(body)
		require.NoError(t, err)
		assert.Equal(t, data, got)

		mu.Lock()
		defer mu.Unlock()
		assert.Empty(t, gotRange)
		assert.True(t, strings.HasPrefix(gotUA, "Fetchd/"), "got user agent %q", gotUA)
	})

	t.Run("rejects a server that ignores a mid-file range", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write(data)
		}))
		defer srv.Close()

		_, err := newClient(t, nil).Fetch(context.Background(), srv.URL, 512, 1024)
		var pe *engine.ProtocolError
		require.ErrorAs(t, err, &pe)
		assert.Contains(t, pe.Message, "ignored range")
		assert.False(t, engine.IsRetryable(err))
	})

	t.Run("tolerates full-body answers at offset zero", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write(data)
		}))
		defer srv.Close()

		body, err := newClient(t, nil).Fetch(context.Background(), srv.URL, 0, 1024)
		require.NoError(t, err)
		defer body.Close()
		head := make([]byte, 1024)
		_, err = io.ReadFull(body, head)
		require.NoError(t, err)
		assert.Equal(t, data[:1024], head)
	})

	t.Run("bad gateway is retryable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		_, err := newClient(t, nil).Fetch(context.Background(), srv.URL, 0, -1)
		var te *engine.TransportError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, engine.TransportServer, te.Kind)
		assert.True(t, engine.IsRetryable(err))
	})

	t.Run("forbidden is fatal", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusForbidden)
		}))
		defer srv.Close()

		_, err := newClient(t, nil).Fetch(context.Background(), srv.URL, 0, -1)
		var pe *engine.ProtocolError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, http.StatusForbidden, pe.StatusCode)
	})

	t.Run("redirect cap yields a protocol error", func(t *testing.T) {
		mux := http.NewServeMux()
		mux.HandleFunc("/loop", func(w http.ResponseWriter, r *http.Request) {
			http.Redirect(w, r, "/loop", http.StatusFound)
		})
		srv := httptest.NewServer(mux)
		defer srv.Close()

		c := newClient(t, func(o *Options) { o.MaxRedirects = 3 })
		_, err := c.Fetch(context.Background(), srv.URL+"/loop", 0, -1)
		var pe *engine.ProtocolError
		require.ErrorAs(t, err, &pe)
		assert.Contains(t, pe.Message, "redirect")
	})

	t.Run("deadline maps to a timeout", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-time.After(250 * time.Millisecond):
			case <-r.Context().Done():
			}
		}))
		defer srv.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		_, err := newClient(t, nil).Fetch(ctx, srv.URL, 0, -1)
		var te *engine.TransportError
		require.ErrorAs(t, err, &te)
		assert.Equal(t, engine.TransportTimeout, te.Kind)
	})

	t.Run("custom headers ride every request", func(t *testing.T) {
		var mu sync.Mutex
		headers := make([]http.Header, 0, 2)
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			mu.Lock()
			headers = append(headers, r.Header.Clone())
			mu.Unlock()
			w.Header().Set("Accept-Ranges", "bytes")
			http.ServeContent(w, r, "data.bin", time.Unix(1700000000, 0), bytes.NewReader(data))
		}))
		defer srv.Close()

		c := newClient(t, func(o *Options) {
			o.UserAgent = "Tester/9"
			o.Headers = map[string]string{"X-Auth-Token": "s3cr3t"}
		})
		_, err := c.Probe(context.Background(), srv.URL)
		require.NoError(t, err)
		body, err := c.Fetch(context.Background(), srv.URL, 0, 100)
		require.NoError(t, err)
		io.Copy(io.Discard, body)
		body.Close()

		mu.Lock()
		defer mu.Unlock()
		require.Len(t, headers, 2)
		for _, h := range headers {
			assert.Equal(t, "Tester/9", h.Get("User-Agent"))
			assert.Equal(t, "s3cr3t", h.Get("X-Auth-Token"))
		}
	})
}

func TestParseContentRangeTotal(t *testing.T) {
	cases := []struct {
		in   string
		want int64
		ok   bool
	}{
		{"bytes 0-0/9000", 9000, true},
		{"bytes */123", 123, true},
		{"bytes 0-0/*", 0, false},
		{"garbage", 0, false},
		{"bytes 0-0/-5", 0, false},
		{"", 0, false},
	}
	for _, tc := range cases {
		got, ok := parseContentRangeTotal(tc.in)
		assert.Equal(t, tc.ok, ok, "input %q", tc.in)
		if tc.ok {
			assert.Equal(t, tc.want, got, "input %q", tc.in)
		}
	}
}

func TestFilenameFromDisposition(t *testing.T) {
	assert.Equal(t, "a b.bin", filenameFromDisposition(`attachment; filename="a b.bin"`))
	assert.Equal(t, "", filenameFromDisposition("attachment"))
	assert.Equal(t, "", filenameFromDisposition(""))
	assert.Equal(t, "", filenameFromDisposition("%%%"))
}
