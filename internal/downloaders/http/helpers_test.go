package danzohttp

import (
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/tanq16/danzoq/internal/utils"
)

// fileServer serves payload with optional range support and knobs to slow
// down, fail or hang requests.
type fileServer struct {
	payload  []byte
	ranges   bool
	noLength bool
	chunk    int
	delay    time.Duration

	// failStatus is returned for the first failCount body requests
	failStatus int
	failCount  atomic.Int32
	// abortRequest cuts the response of that request number in half
	abortRequest int32
	// stallRequest sends half of that request's body and then goes silent
	stallRequest int32
	// hang blocks body requests until the client goes away
	hang bool

	requests atomic.Int32
	mu       sync.Mutex
	seen     []string
}

func newPayload(size int) []byte {
	payload := make([]byte, size)
	rand.New(rand.NewSource(int64(size))).Read(payload)
	return payload
}

func (s *fileServer) rangeHeaders() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.seen...)
}

func (s *fileServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := s.requests.Add(1)
	rangeHeader := r.Header.Get("Range")
	s.mu.Lock()
	s.seen = append(s.seen, rangeHeader)
	s.mu.Unlock()

	isProbe := n == 1
	if !isProbe && s.failStatus != 0 && s.failCount.Add(-1) >= 0 {
		w.WriteHeader(s.failStatus)
		return
	}
	if !isProbe && s.hang {
		<-r.Context().Done()
		return
	}

	body := s.payload
	status := http.StatusOK
	if s.ranges {
		w.Header().Set("Accept-Ranges", "bytes")
		if start, end, ok := parseRange(rangeHeader, len(s.payload)); ok {
			body = s.payload[start : end+1]
			status = http.StatusPartialContent
			w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, len(s.payload)))
		}
	}
	if !s.noLength {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	}
	w.WriteHeader(status)
	if s.noLength {
		w.(http.Flusher).Flush()
	}

	if s.abortRequest != 0 && n == s.abortRequest {
		w.Write(body[:len(body)/2])
		w.(http.Flusher).Flush()
		panic(http.ErrAbortHandler)
	}
	if s.stallRequest != 0 && n == s.stallRequest {
		w.Write(body[:len(body)/2])
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		return
	}
	chunk := s.chunk
	if chunk <= 0 {
		chunk = len(body) + 1
	}
	for offset := 0; offset < len(body); offset += chunk {
		end := min(offset+chunk, len(body))
		if _, err := w.Write(body[offset:end]); err != nil {
			return
		}
		if s.delay > 0 {
			w.(http.Flusher).Flush()
			select {
			case <-r.Context().Done():
				return
			case <-time.After(s.delay):
			}
		}
	}
}

func parseRange(header string, size int) (int, int, bool) {
	bounds, ok := strings.CutPrefix(header, "bytes=")
	if !ok {
		return 0, 0, false
	}
	from, to, ok := strings.Cut(bounds, "-")
	if !ok {
		return 0, 0, false
	}
	start, err := strconv.Atoi(from)
	if err != nil {
		return 0, 0, false
	}
	end := size - 1
	if to != "" {
		if end, err = strconv.Atoi(to); err != nil {
			return 0, 0, false
		}
	}
	return start, min(end, size-1), true
}

func serve(t *testing.T, s *fileServer) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(s)
	t.Cleanup(server.Close)
	return server
}

func testConfig(connections int) Config {
	return Config{
		MaxConnections: connections,
		ReadTimeout:    5 * time.Second,
		BufferSize:     1024,
		MaxRetries:     3,
		RetryDelay:     10 * time.Millisecond,
		StaggerDelay:   0,
	}
}

// funcObserver forwards notifications to optional funcs.
type funcObserver struct {
	NopObserver
	changed func(u *Unit, field Field)
	stopped func(u *Unit)
}

func (o funcObserver) Changed(u *Unit, field Field) {
	if o.changed != nil {
		o.changed(u, field)
	}
}

func (o funcObserver) Stopped(u *Unit) {
	if o.stopped != nil {
		o.stopped(u)
	}
}

func requireNoParts(t *testing.T, destination string) {
	t.Helper()
	parts, err := utils.ListPartFiles(destination)
	require.NoError(t, err)
	require.Empty(t, parts)
}

func partBytes(t *testing.T, destination string) int64 {
	t.Helper()
	parts, err := utils.ListPartFiles(destination)
	require.NoError(t, err)
	var total int64
	for _, part := range parts {
		total += utils.FileSize(part)
	}
	return total
}

func requireFileContent(t *testing.T, path string, want []byte) {
	t.Helper()
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, len(want), len(got))
	require.True(t, string(want) == string(got), "content of %s differs from payload", path)
}
