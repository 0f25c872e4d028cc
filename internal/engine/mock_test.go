package engine

// Test doubles: a deterministic in-memory transport with scriptable
// failures, and a progress event recorder.

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
)

// patternByte defines the content of every mock resource at a given offset,
// so tests can verify reassembled files byte for byte.
func patternByte(off int64) byte {
	return byte(off % 251)
}

func patternData(size int64) []byte {
	data := make([]byte, size)
	for i := range data {
		data[i] = patternByte(int64(i))
	}
	return data
}

type fetchRange struct {
	Start, End int64
}

// mockTransport serves pattern bytes over the Transport interface. Failures
// are scripted per range start: refused fetches, mid-stream cuts, and stalls
// that block until the worker's context is cancelled.
type mockTransport struct {
	mu sync.Mutex

	data         []byte
	noRange      bool
	noSize       bool
	etag         string
	lastModified string

	probeFailures int           // fail this many probes before succeeding
	probeGate     chan struct{} // when set, probes block until closed

	refuse map[int64]int   // start -> times to refuse outright
	cuts   map[int64]int64 // start -> bytes to deliver before a reset
	stalls map[int64]int64 // start -> absolute offset to block at

	probes  int
	fetches []fetchRange
}

func newMockTransport(size int64) *mockTransport {
	return &mockTransport{
		data:         patternData(size),
		etag:         `"v1"`,
		lastModified: "Mon, 02 Jan 2006 15:04:05 GMT",
		refuse:       make(map[int64]int),
		cuts:         make(map[int64]int64),
		stalls:       make(map[int64]int64),
	}
}

func (m *mockTransport) Probe(ctx context.Context, url string) (ProbeResult, error) {
	m.mu.Lock()
	m.probes++
	gate := m.probeGate
	fail := false
	if m.probeFailures > 0 {
		m.probeFailures--
		fail = true
	}
	res := ProbeResult{
		Size:          int64(len(m.data)),
		SupportsRange: !m.noRange,
		ETag:          m.etag,
		LastModified:  m.lastModified,
	}
	if m.noSize {
		res.Size = -1
	}
	m.mu.Unlock()

	if fail {
		return ProbeResult{}, &TransportError{Kind: TransportNetwork, URL: url, Err: errors.New("probe refused")}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ProbeResult{}, &TransportError{Kind: TransportNetwork, URL: url, Err: ctx.Err()}
		}
	}
	return res, nil
}

func (m *mockTransport) Fetch(ctx context.Context, url string, start, end int64) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if end < 0 || end > int64(len(m.data)) {
		end = int64(len(m.data))
	}
	m.fetches = append(m.fetches, fetchRange{Start: start, End: end})

	if n := m.refuse[start]; n > 0 {
		m.refuse[start] = n - 1
		return nil, &TransportError{Kind: TransportReset, URL: url, Err: fmt.Errorf("refused fetch at %d", start)}
	}

	b := &mockBody{ctx: ctx, data: m.data, off: start, end: end, failAt: -1, stallAt: -1}
	if deliver, ok := m.cuts[start]; ok {
		delete(m.cuts, start)
		b.failAt = start + deliver
	}
	if at, ok := m.stalls[start]; ok {
		delete(m.stalls, start)
		b.stallAt = at
	}
	return b, nil
}

// holdProbes blocks all probes until the returned release is called.
func (m *mockTransport) holdProbes() (release func()) {
	ch := make(chan struct{})
	m.mu.Lock()
	m.probeGate = ch
	m.mu.Unlock()

	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (m *mockTransport) refuseAt(start int64, times int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.refuse[start] = times
}

func (m *mockTransport) cutAt(start, deliver int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cuts[start] = deliver
}

func (m *mockTransport) stallRange(start, at int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stalls[start] = at
}

func (m *mockTransport) setETag(etag string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.etag = etag
}

func (m *mockTransport) probeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.probes
}

func (m *mockTransport) fetchLog() []fetchRange {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]fetchRange, len(m.fetches))
	copy(out, m.fetches)
	return out
}

// mockBody streams pattern bytes, optionally failing or stalling at a
// scripted absolute offset.
type mockBody struct {
	ctx     context.Context
	data    []byte
	off     int64
	end     int64
	failAt  int64
	stallAt int64
}

func (b *mockBody) Read(p []byte) (int, error) {
	if err := b.ctx.Err(); err != nil {
		return 0, err
	}
	if b.stallAt >= 0 && b.off >= b.stallAt {
		<-b.ctx.Done()
		return 0, b.ctx.Err()
	}
	if b.failAt >= 0 && b.off >= b.failAt {
		return 0, fmt.Errorf("connection reset at offset %d", b.off)
	}
	if b.off >= b.end {
		return 0, io.EOF
	}

	limit := b.end
	if b.failAt >= 0 && b.failAt < limit {
		limit = b.failAt
	}
	if b.stallAt >= 0 && b.stallAt < limit {
		limit = b.stallAt
	}
	n := int64(len(p))
	if n > limit-b.off {
		n = limit - b.off
	}
	copy(p, b.data[b.off:b.off+n])
	b.off += n
	return int(n), nil
}

func (b *mockBody) Close() error { return nil }

// progressLog records every event a scheduler or runner emits.
type progressLog struct {
	mu     sync.Mutex
	events []Progress
}

func (l *progressLog) add(p Progress) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, p)
}

func (l *progressLog) all() []Progress {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Progress, len(l.events))
	copy(out, l.events)
	return out
}

// sawError reports whether any event carried an error containing sub.
func (l *progressLog) sawError(sub string) bool {
	for _, p := range l.all() {
		if strings.Contains(p.Error, sub) {
			return true
		}
	}
	return false
}

// statuses returns the deduplicated status sequence observed for a task.
func (l *progressLog) statuses(taskID string) []TaskStatus {
	var out []TaskStatus
	for _, p := range l.all() {
		if p.TaskID != taskID {
			continue
		}
		if len(out) == 0 || out[len(out)-1] != p.Status {
			out = append(out, p.Status)
		}
	}
	return out
}
