package danzohttp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tanq16/danzoq/internal/utils"
)

func TestDownloadMultiConnection(t *testing.T) {
	payload := newPayload(100_000)
	fs := &fileServer{payload: payload, ranges: true}
	server := serve(t, fs)
	dest := filepath.Join(t.TempDir(), "nested", "file.bin")

	u := New(server.URL+"/file.bin", dest, testConfig(4))
	require.NoError(t, u.Start(context.Background()))

	assert.Equal(t, StatusCompleted, u.Status())
	assert.Equal(t, 4, u.ConnectionLimit())
	assert.Equal(t, int64(100_000), u.BytesDownloaded())
	total, known := u.TotalBytes()
	assert.True(t, known)
	assert.Equal(t, int64(100_000), total)
	assert.Equal(t, 100.0, u.Progress())
	_, done := u.CompletedAt()
	assert.True(t, done)
	assert.Equal(t, 0, u.ActiveConnections())
	requireFileContent(t, dest, payload)
	requireNoParts(t, dest)

	ranges := fs.rangeHeaders()
	assert.Equal(t, "", ranges[0], "probe must not request a range")
	assert.ElementsMatch(t, []string{
		"bytes=0-24999", "bytes=25000-49999", "bytes=50000-74999", "bytes=75000-99999",
	}, ranges[1:])
}

func TestDownloadWithoutRangeSupport(t *testing.T) {
	payload := newPayload(50_000)
	server := serve(t, &fileServer{payload: payload})
	dest := filepath.Join(t.TempDir(), "file.bin")

	u := New(server.URL, dest, testConfig(8))
	require.NoError(t, u.Start(context.Background()))

	assert.Equal(t, StatusCompleted, u.Status())
	assert.Equal(t, 1, u.ConnectionLimit())
	requireFileContent(t, dest, payload)
	requireNoParts(t, dest)
}

func TestDownloadWithoutContentLength(t *testing.T) {
	payload := newPayload(40_000)
	server := serve(t, &fileServer{payload: payload, ranges: true, noLength: true, chunk: 4096})
	dest := filepath.Join(t.TempDir(), "stream.bin")

	u := New(server.URL, dest, testConfig(4))
	require.NoError(t, u.Start(context.Background()))

	assert.Equal(t, StatusCompleted, u.Status())
	assert.Equal(t, 1, u.ConnectionLimit())
	total, known := u.TotalBytes()
	assert.True(t, known)
	assert.Equal(t, int64(len(payload)), total)
	assert.Equal(t, int64(len(payload)), u.BytesDownloaded())
	requireFileContent(t, dest, payload)
}

func TestDownloadEmptyResource(t *testing.T) {
	server := serve(t, &fileServer{payload: []byte{}, ranges: true})
	dest := filepath.Join(t.TempDir(), "empty.bin")

	u := New(server.URL, dest, testConfig(4))
	require.NoError(t, u.Start(context.Background()))

	assert.Equal(t, StatusCompleted, u.Status())
	assert.Equal(t, int64(0), utils.FileSize(dest))
	assert.True(t, utils.FileExists(dest))
}

func TestConnectionLimitShrinksForSmallFiles(t *testing.T) {
	payload := newPayload(3000)
	server := serve(t, &fileServer{payload: payload, ranges: true})
	dest := filepath.Join(t.TempDir(), "small.bin")

	var mu sync.Mutex
	var limits []int
	observer := funcObserver{changed: func(u *Unit, field Field) {
		if field == FieldConnectionLimit {
			mu.Lock()
			limits = append(limits, u.ConnectionLimit())
			mu.Unlock()
		}
	}}
	u := New(server.URL, dest, testConfig(8), WithObserver(observer))
	require.NoError(t, u.Start(context.Background()))

	assert.Equal(t, 2, u.ConnectionLimit())
	mu.Lock()
	assert.Contains(t, limits, 2)
	mu.Unlock()
	requireFileContent(t, dest, payload)
}

func TestPauseAndResumeProducesIdenticalFile(t *testing.T) {
	payload := newPayload(200_000)
	fs := &fileServer{payload: payload, ranges: true, chunk: 2048, delay: 5 * time.Millisecond}
	server := serve(t, fs)
	dest := filepath.Join(t.TempDir(), "file.bin")

	var once sync.Once
	var u *Unit
	u = New(server.URL, dest, testConfig(4), WithProgress(func(int64) {
		if u.BytesDownloaded() >= 40_000 {
			once.Do(u.Pause)
		}
	}))
	require.NoError(t, u.Start(context.Background()))

	require.Equal(t, StatusPaused, u.Status())
	paused := u.BytesDownloaded()
	assert.Greater(t, paused, int64(0))
	assert.Less(t, paused, int64(len(payload)))
	assert.Equal(t, paused, partBytes(t, dest))
	assert.False(t, utils.FileExists(dest))
	_, hasSpeed := u.Speed()
	assert.False(t, hasSpeed)

	requestsBefore := len(fs.rangeHeaders())
	require.NoError(t, u.Start(context.Background()))

	assert.Equal(t, StatusCompleted, u.Status())
	requireFileContent(t, dest, payload)
	requireNoParts(t, dest)
	resumed := fs.rangeHeaders()[requestsBefore:]
	assert.NotContains(t, resumed, "", "a resumed attempt must not probe again")
	assert.Less(t, u.SessionBytes(), int64(len(payload)))
}

func TestCancelDuringDownloadDiscardsProgress(t *testing.T) {
	payload := newPayload(200_000)
	server := serve(t, &fileServer{payload: payload, ranges: true, chunk: 2048, delay: 5 * time.Millisecond})
	dest := filepath.Join(t.TempDir(), "file.bin")

	var once sync.Once
	var u *Unit
	u = New(server.URL, dest, testConfig(4), WithProgress(func(int64) {
		if u.BytesDownloaded() >= 20_000 {
			once.Do(u.Cancel)
		}
	}))
	require.NoError(t, u.Start(context.Background()))

	assert.Equal(t, StatusReady, u.Status())
	assert.Equal(t, int64(0), u.BytesDownloaded())
	assert.False(t, utils.FileExists(dest))
	requireNoParts(t, dest)
}

func TestCancelSupersedesPause(t *testing.T) {
	payload := newPayload(200_000)
	server := serve(t, &fileServer{payload: payload, ranges: true, chunk: 2048, delay: 5 * time.Millisecond})
	dest := filepath.Join(t.TempDir(), "file.bin")

	var once sync.Once
	var u *Unit
	u = New(server.URL, dest, testConfig(2), WithProgress(func(int64) {
		if u.BytesDownloaded() >= 20_000 {
			once.Do(func() {
				u.Pause()
				u.Cancel()
				u.Pause()
			})
		}
	}))
	require.NoError(t, u.Start(context.Background()))

	assert.Equal(t, StatusReady, u.Status())
	requireNoParts(t, dest)
}

func TestCancelPausedUnitRemovesParts(t *testing.T) {
	payload := newPayload(200_000)
	server := serve(t, &fileServer{payload: payload, ranges: true, chunk: 2048, delay: 5 * time.Millisecond})
	dest := filepath.Join(t.TempDir(), "file.bin")

	var once sync.Once
	var u *Unit
	u = New(server.URL, dest, testConfig(4), WithProgress(func(int64) {
		if u.BytesDownloaded() >= 20_000 {
			once.Do(u.Pause)
		}
	}))
	require.NoError(t, u.Start(context.Background()))
	require.Equal(t, StatusPaused, u.Status())

	u.Cancel()
	assert.Equal(t, StatusReady, u.Status())
	assert.Equal(t, int64(0), u.BytesDownloaded())
	requireNoParts(t, dest)

	require.NoError(t, u.Start(context.Background()))
	assert.Equal(t, StatusCompleted, u.Status())
	requireFileContent(t, dest, payload)
}

func TestPauseBeforeAnyBytesReturnsToReady(t *testing.T) {
	server := serve(t, &fileServer{payload: newPayload(100_000), ranges: true, hang: true})
	dest := filepath.Join(t.TempDir(), "file.bin")

	var once sync.Once
	observer := funcObserver{changed: func(u *Unit, field Field) {
		if field == FieldActiveConnections && u.ActiveConnections() > 0 {
			once.Do(u.Pause)
		}
	}}
	u := New(server.URL, dest, testConfig(4), WithObserver(observer))
	require.NoError(t, u.Start(context.Background()))

	assert.Equal(t, StatusReady, u.Status())
	assert.Equal(t, int64(0), u.BytesDownloaded())
	requireNoParts(t, dest)
}

func TestCallerContextCancelActsAsPause(t *testing.T) {
	payload := newPayload(200_000)
	server := serve(t, &fileServer{payload: payload, ranges: true, chunk: 2048, delay: 5 * time.Millisecond})
	dest := filepath.Join(t.TempDir(), "file.bin")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var once sync.Once
	var u *Unit
	u = New(server.URL, dest, testConfig(4), WithProgress(func(int64) {
		if u.BytesDownloaded() >= 20_000 {
			once.Do(cancel)
		}
	}))
	require.NoError(t, u.Start(ctx))

	assert.Equal(t, StatusPaused, u.Status())
	assert.Equal(t, u.BytesDownloaded(), partBytes(t, dest))
}

func TestProgressIsMonotonic(t *testing.T) {
	payload := newPayload(120_000)
	server := serve(t, &fileServer{payload: payload, ranges: true, chunk: 1500, delay: time.Millisecond})
	dest := filepath.Join(t.TempDir(), "file.bin")

	var mu sync.Mutex
	var samples []int64
	var u *Unit
	u = New(server.URL, dest, testConfig(4), WithProgress(func(int64) {
		mu.Lock()
		samples = append(samples, u.BytesDownloaded())
		mu.Unlock()
	}))
	require.NoError(t, u.Start(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, samples)
	assert.True(t, slices.IsSorted(samples))
	assert.Equal(t, int64(len(payload)), samples[len(samples)-1])
}

func TestRetryWithoutRangesKeepsProgressMonotonic(t *testing.T) {
	payload := newPayload(60_000)
	// request 1 is the probe, request 2 is cut halfway
	server := serve(t, &fileServer{payload: payload, noLength: true, abortRequest: 2})
	dest := filepath.Join(t.TempDir(), "file.bin")

	var mu sync.Mutex
	var samples []int64
	var u *Unit
	u = New(server.URL, dest, testConfig(4), WithProgress(func(int64) {
		mu.Lock()
		samples = append(samples, u.BytesDownloaded())
		mu.Unlock()
	}))
	require.NoError(t, u.Start(context.Background()))

	assert.Equal(t, StatusCompleted, u.Status())
	requireFileContent(t, dest, payload)
	mu.Lock()
	defer mu.Unlock()
	assert.True(t, slices.IsSorted(samples))
}

func TestTransientStatusIsRetried(t *testing.T) {
	payload := newPayload(30_000)
	fs := &fileServer{payload: payload, ranges: true, failStatus: 503}
	fs.failCount.Store(2)
	server := serve(t, fs)
	dest := filepath.Join(t.TempDir(), "file.bin")

	u := New(server.URL, dest, testConfig(1))
	require.NoError(t, u.Start(context.Background()))

	assert.Equal(t, StatusCompleted, u.Status())
	requireFileContent(t, dest, payload)
}

func TestStalledConnectionTimesOutAndResumes(t *testing.T) {
	payload := newPayload(40_000)
	fs := &fileServer{payload: payload, ranges: true, stallRequest: 2}
	server := serve(t, fs)
	dest := filepath.Join(t.TempDir(), "file.bin")
	cfg := testConfig(1)
	cfg.ReadTimeout = 300 * time.Millisecond

	start := time.Now()
	u := New(server.URL, dest, cfg)
	require.NoError(t, u.Start(context.Background()))

	assert.Equal(t, StatusCompleted, u.Status())
	assert.Less(t, time.Since(start), 3*time.Second)
	assert.GreaterOrEqual(t, fs.requests.Load(), int32(3))
	assert.Contains(t, fs.rangeHeaders(), "bytes=20000-39999")
	requireFileContent(t, dest, payload)
	requireNoParts(t, dest)
}

func TestRetriesExhaustedKeepsResumableParts(t *testing.T) {
	payload := newPayload(30_000)
	fs := &fileServer{payload: payload, ranges: true, failStatus: 500}
	fs.failCount.Store(100)
	server := serve(t, fs)
	dest := filepath.Join(t.TempDir(), "file.bin")

	u := New(server.URL, dest, testConfig(2))
	err := u.Start(context.Background())

	require.Error(t, err)
	assert.ErrorIs(t, err, errServerStatus)
	assert.Equal(t, StatusErrored, u.Status())
	assert.Equal(t, err, u.Err())
	assert.True(t, u.SupportsResume())
}

func TestInvalidResource(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()
	dest := filepath.Join(t.TempDir(), "file.bin")

	u := New(server.URL+"/missing", dest, testConfig(4))
	err := u.Start(context.Background())

	require.ErrorIs(t, err, utils.ErrInvalidResource)
	assert.Equal(t, StatusErrored, u.Status())
	assert.Equal(t, 404, u.StatusCode())

	u.Cancel()
	assert.Equal(t, StatusReady, u.Status())
}

func TestInvalidURL(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "file.bin")
	u := New("ftp://example.com/file", dest, testConfig(4))

	err := u.Start(context.Background())
	require.ErrorIs(t, err, utils.ErrInvalidURL)
	assert.Equal(t, StatusErrored, u.Status())
}

func TestExistingDestinationGetsNewName(t *testing.T) {
	payload := newPayload(10_000)
	server := serve(t, &fileServer{payload: payload, ranges: true})
	dir := t.TempDir()
	dest := filepath.Join(dir, "file.bin")
	require.NoError(t, os.WriteFile(dest, []byte("keep me"), 0644))

	var renamed bool
	observer := funcObserver{changed: func(u *Unit, field Field) {
		if field == FieldDestination {
			renamed = true
		}
	}}
	u := New(server.URL, dest, testConfig(2), WithObserver(observer))
	require.NoError(t, u.Start(context.Background()))

	assert.True(t, renamed)
	assert.Equal(t, filepath.Join(dir, "file-(1).bin"), u.Destination())
	requireFileContent(t, u.Destination(), payload)
	requireFileContent(t, dest, []byte("keep me"))
}

func TestExistingDestinationOverwritten(t *testing.T) {
	payload := newPayload(10_000)
	server := serve(t, &fileServer{payload: payload, ranges: true})
	dest := filepath.Join(t.TempDir(), "file.bin")
	require.NoError(t, os.WriteFile(dest, []byte("old"), 0644))

	u := New(server.URL, dest, testConfig(2), WithOverwrite(true))
	require.NoError(t, u.Start(context.Background()))

	assert.Equal(t, dest, u.Destination())
	requireFileContent(t, dest, payload)
}

func TestCancelDuringMergeEndsReady(t *testing.T) {
	dest := filepath.Join(t.TempDir(), "file.bin")
	require.NoError(t, os.WriteFile(dest, []byte("merged"), 0644))
	u := New("http://example.com/file.bin", dest, testConfig(1))
	u.downloaded.Store(6)
	u.completedAt = time.Now()
	u.stop.Store(int32(stopCancel))

	status, err := u.finish(context.Background(), nil)

	require.NoError(t, err)
	assert.Equal(t, StatusReady, status)
	assert.Equal(t, StatusReady, u.Status())
	assert.Zero(t, u.BytesDownloaded())
	_, completed := u.CompletedAt()
	assert.False(t, completed)
	assert.False(t, utils.FileExists(dest))
}

func TestStartIsNoOpWhenCompleted(t *testing.T) {
	payload := newPayload(5_000)
	fs := &fileServer{payload: payload, ranges: true}
	server := serve(t, fs)
	dest := filepath.Join(t.TempDir(), "file.bin")

	u := New(server.URL, dest, testConfig(2))
	require.NoError(t, u.Start(context.Background()))
	requests := fs.requests.Load()

	require.NoError(t, u.Start(context.Background()))
	assert.Equal(t, requests, fs.requests.Load())
	u.Cancel()
	assert.Equal(t, StatusCompleted, u.Status())
}

func TestSpeedLimitThrottlesTransfer(t *testing.T) {
	payload := newPayload(96 * 1024)
	server := serve(t, &fileServer{payload: payload, ranges: true})
	dest := filepath.Join(t.TempDir(), "file.bin")

	cfg := testConfig(1)
	cfg.SpeedLimit = 64 * 1024
	u := New(server.URL, dest, cfg)
	start := time.Now()
	require.NoError(t, u.Start(context.Background()))

	// the first second worth of bytes is free, the remaining 32KB is not
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
	requireFileContent(t, dest, payload)
}

func TestPauseAndWaitReleasesFiles(t *testing.T) {
	payload := newPayload(200_000)
	server := serve(t, &fileServer{payload: payload, ranges: true, chunk: 2048, delay: 5 * time.Millisecond})
	dest := filepath.Join(t.TempDir(), "file.bin")

	started := make(chan struct{})
	var once sync.Once
	u := New(server.URL, dest, testConfig(4), WithProgress(func(int64) {
		once.Do(func() { close(started) })
	}))
	errCh := make(chan error, 1)
	go func() { errCh <- u.Start(context.Background()) }()

	<-started
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, u.PauseAndWait(ctx))
	assert.Equal(t, StatusPaused, u.Status())
	require.NoError(t, <-errCh)
	assert.Equal(t, u.BytesDownloaded(), partBytes(t, dest))
}
