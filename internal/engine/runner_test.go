package engine

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rescale/rescale-xfer/internal/constants"
	"github.com/rescale/rescale-xfer/internal/transfer"
	"github.com/rescale/rescale-xfer/internal/version"
)

func newTestRunner(t *testing.T) *Runner {
	t.Helper()
	client := retryablehttp.NewClient()
	client.RetryMax = 0
	client.Logger = nil

	r := NewRunner(nil)
	hb := NewHTTPBackend(client)
	r.Register("http", hb)
	t.Cleanup(func() { r.Close() })
	return r
}

func payload(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i % 251)
	}
	return b
}

// waitFor reads updates until one with the wanted status arrives. Any other
// terminal event fails the test.
func waitFor(t *testing.T, r *Runner, want transfer.Status) Update {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case u, ok := <-r.Updates():
			require.True(t, ok, "updates closed while waiting for %s", want)
			if u.Progress.Status == want {
				return u
			}
			if u.Progress.IsTerminal() {
				t.Fatalf("got %s (%s) while waiting for %s", u.Progress.Status, u.Progress.ErrorMessage, want)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func serveBytes(data []byte, ranges *atomic.Int32) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("Range") != "" && ranges != nil {
			ranges.Add(1)
		}
		http.ServeContent(w, req, "blob", time.Time{}, bytes.NewReader(data))
	}
}

func TestRunner_Download(t *testing.T) {
	data := payload(300 * 1024)
	srv := httptest.NewServer(serveBytes(data, nil))
	defer srv.Close()

	r := newTestRunner(t)
	dest := filepath.Join(t.TempDir(), "nested", "out.bin")
	task := Task{ID: "t1", URL: srv.URL + "/file", LocalPath: dest, Direction: Download}

	require.NoError(t, r.Start(context.Background(), task))
	u := waitFor(t, r, transfer.StatusCompleted)

	assert.Equal(t, "t1", u.Task.ID)
	assert.Equal(t, dest, u.Progress.LocalPath)
	assert.Equal(t, srv.URL+"/file", u.Progress.RemoteURL)
	assert.EqualValues(t, len(data), u.Progress.BytesTransferred)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.NoFileExists(t, dest+constants.PartialFileSuffix)
}

func TestRunner_DownloadResumesPartialFile(t *testing.T) {
	data := payload(64 * 1024)
	var ranges atomic.Int32
	srv := httptest.NewServer(serveBytes(data, &ranges))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "out.bin")
	require.NoError(t, os.WriteFile(dest+constants.PartialFileSuffix, data[:10000], 0o644))

	r := newTestRunner(t)
	require.NoError(t, r.Start(context.Background(), Task{ID: "t", URL: srv.URL, LocalPath: dest, Direction: Download}))
	waitFor(t, r, transfer.StatusCompleted)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.EqualValues(t, 1, ranges.Load())
}

func TestRunner_DownloadAlreadyComplete(t *testing.T) {
	data := payload(4096)
	srv := httptest.NewServer(serveBytes(data, nil))
	defer srv.Close()

	dest := filepath.Join(t.TempDir(), "out.bin")
	require.NoError(t, os.WriteFile(dest+constants.PartialFileSuffix, data, 0o644))

	r := newTestRunner(t)
	require.NoError(t, r.Start(context.Background(), Task{ID: "t", URL: srv.URL, LocalPath: dest, Direction: Download}))
	u := waitFor(t, r, transfer.StatusCompleted)
	assert.EqualValues(t, len(data), u.Progress.BytesTransferred)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestRunner_DownloadNotFound(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	r := newTestRunner(t)
	dest := filepath.Join(t.TempDir(), "out.bin")
	require.NoError(t, r.Start(context.Background(), Task{ID: "t", URL: srv.URL, LocalPath: dest, Direction: Download}))
	u := waitFor(t, r, transfer.StatusFailed)

	assert.Equal(t, transfer.CodeNotFound, u.Progress.ErrorCode)
	assert.Equal(t, http.StatusNotFound, u.Progress.HTTPStatus)
	assert.False(t, u.Progress.Recoverable)
	assert.NoFileExists(t, dest)
}

func TestRunner_DownloadServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	r := newTestRunner(t)
	require.NoError(t, r.Start(context.Background(), Task{ID: "t", URL: srv.URL, LocalPath: filepath.Join(t.TempDir(), "x"), Direction: Download}))
	u := waitFor(t, r, transfer.StatusFailed)
	assert.Equal(t, transfer.CodeServer, u.Progress.ErrorCode)
	assert.True(t, u.Progress.Recoverable)
}

func TestRunner_Upload(t *testing.T) {
	data := payload(200 * 1024)
	var (
		mu       sync.Mutex
		received []byte
		method   string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		body, _ := io.ReadAll(req.Body)
		mu.Lock()
		received, method = body, req.Method
		mu.Unlock()
		_, _ = w.Write([]byte(`{"id":"abc"}`))
	}))
	defer srv.Close()

	src := filepath.Join(t.TempDir(), "in.bin")
	require.NoError(t, os.WriteFile(src, data, 0o644))

	r := newTestRunner(t)
	require.NoError(t, r.Start(context.Background(), Task{ID: "u", URL: srv.URL + "/up", LocalPath: src, Direction: Upload}))
	u := waitFor(t, r, transfer.StatusCompleted)

	assert.Equal(t, `{"id":"abc"}`, u.Progress.Metadata["server_response"])
	assert.EqualValues(t, len(data), u.Progress.TotalBytes)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, http.MethodPut, method)
	assert.Equal(t, data, received)
}

func TestRunner_BandwidthLimit(t *testing.T) {
	data := payload(256 * 1024)
	srv := httptest.NewServer(serveBytes(data, nil))
	defer srv.Close()

	r := newTestRunner(t)
	r.SetBandwidthLimit(256 * 1024)
	dest := filepath.Join(t.TempDir(), "slow.bin")

	start := time.Now()
	require.NoError(t, r.Start(context.Background(), Task{URL: srv.URL + "/slow", LocalPath: dest, Direction: Download}))
	waitFor(t, r, transfer.StatusCompleted)

	// Half the payload fits the initial burst; the rest needs ~500ms.
	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestRunner_UploadBandwidthLimit(t *testing.T) {
	data := payload(256 * 1024)
	var received atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		n, _ := io.Copy(io.Discard, req.Body)
		received.Store(n)
	}))
	defer srv.Close()

	src := filepath.Join(t.TempDir(), "in.bin")
	require.NoError(t, os.WriteFile(src, data, 0o644))

	r := newTestRunner(t)
	r.SetBandwidthLimit(256 * 1024)

	start := time.Now()
	require.NoError(t, r.Start(context.Background(), Task{URL: srv.URL + "/up", LocalPath: src, Direction: Upload}))
	waitFor(t, r, transfer.StatusCompleted)

	assert.GreaterOrEqual(t, time.Since(start), 300*time.Millisecond)
	assert.EqualValues(t, len(data), received.Load())
}

func TestRunner_SendsUserAgent(t *testing.T) {
	agents := make(chan string, 2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		agents <- req.Header.Get("User-Agent")
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	r := newTestRunner(t)
	dir := t.TempDir()
	require.NoError(t, r.Start(context.Background(), Task{URL: srv.URL + "/a", LocalPath: filepath.Join(dir, "a"), Direction: Download}))
	waitFor(t, r, transfer.StatusCompleted)
	assert.Equal(t, version.UserAgent(), <-agents)

	task := Task{
		URL:       srv.URL + "/b",
		LocalPath: filepath.Join(dir, "b"),
		Direction: Download,
		Headers:   map[string]string{"User-Agent": "custom/1.0"},
	}
	require.NoError(t, r.Start(context.Background(), task))
	waitFor(t, r, transfer.StatusCompleted)
	assert.Equal(t, "custom/1.0", <-agents)
}

func TestRunner_UploadMissingFile(t *testing.T) {
	r := newTestRunner(t)
	require.NoError(t, r.Start(context.Background(), Task{ID: "u", URL: "http://127.0.0.1:1/up", LocalPath: filepath.Join(t.TempDir(), "missing"), Direction: Upload}))
	u := waitFor(t, r, transfer.StatusFailed)
	assert.Equal(t, transfer.CodeNotFound, u.Progress.ErrorCode)
	assert.False(t, u.Progress.Recoverable)
}

// stallingServer sends the first half of data on the first request and then
// blocks until the client goes away. Later requests are served normally.
func stallingServer(t *testing.T, data []byte) *httptest.Server {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		if requests.Add(1) > 1 {
			http.ServeContent(w, req, "blob", time.Time{}, bytes.NewReader(data))
			return
		}
		w.Header().Set("Content-Length", "131072")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data[:len(data)/2])
		w.(http.Flusher).Flush()
		<-req.Context().Done()
	}))
	t.Cleanup(srv.Close)
	return srv
}

func partSize(path string) int64 {
	info, err := os.Stat(path + constants.PartialFileSuffix)
	if err != nil {
		return -1
	}
	return info.Size()
}

func TestRunner_PauseAndResume(t *testing.T) {
	data := payload(128 * 1024)
	srv := stallingServer(t, data)

	r := newTestRunner(t)
	dest := filepath.Join(t.TempDir(), "out.bin")
	task := Task{ID: "p", URL: srv.URL, LocalPath: dest, Direction: Download}
	require.NoError(t, r.Start(context.Background(), task))

	require.Eventually(t, func() bool { return partSize(dest) == int64(len(data)/2) }, 5*time.Second, 10*time.Millisecond)

	assert.True(t, r.Pause(task))
	assert.False(t, r.Pause(task), "already pausing")
	u := waitFor(t, r, transfer.StatusPaused)
	assert.EqualValues(t, len(data)/2, u.Progress.BytesTransferred)
	assert.Equal(t, int64(len(data)/2), partSize(dest))

	assert.True(t, r.Resume(task))
	waitFor(t, r, transfer.StatusCompleted)

	got, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, data, got)
	assert.False(t, r.Resume(task), "finished jobs are forgotten")
}

func TestRunner_CancelRunningRemovesPartial(t *testing.T) {
	data := payload(128 * 1024)
	srv := stallingServer(t, data)

	r := newTestRunner(t)
	dest := filepath.Join(t.TempDir(), "out.bin")
	task := Task{ID: "c", URL: srv.URL, LocalPath: dest, Direction: Download}
	require.NoError(t, r.Start(context.Background(), task))
	require.Eventually(t, func() bool { return partSize(dest) > 0 }, 5*time.Second, 10*time.Millisecond)

	assert.True(t, r.Cancel(task))
	u := waitFor(t, r, transfer.StatusCancelled)
	assert.Equal(t, transfer.CodeCancelled, u.Progress.ErrorCode)
	assert.Equal(t, int64(-1), partSize(dest))
	assert.False(t, r.Cancel(task))
}

func TestRunner_CancelPaused(t *testing.T) {
	data := payload(128 * 1024)
	srv := stallingServer(t, data)

	r := newTestRunner(t)
	dest := filepath.Join(t.TempDir(), "out.bin")
	task := Task{ID: "c", URL: srv.URL, LocalPath: dest, Direction: Download}
	require.NoError(t, r.Start(context.Background(), task))
	require.Eventually(t, func() bool { return partSize(dest) > 0 }, 5*time.Second, 10*time.Millisecond)

	require.True(t, r.Pause(task))
	waitFor(t, r, transfer.StatusPaused)

	assert.True(t, r.Cancel(task))
	waitFor(t, r, transfer.StatusCancelled)
	assert.Equal(t, int64(-1), partSize(dest))
}

func TestRunner_StartValidation(t *testing.T) {
	r := newTestRunner(t)
	dir := t.TempDir()

	err := r.Start(context.Background(), Task{ID: "a", URL: "ftp://host/x", LocalPath: dir + "/x", Direction: Download})
	assert.True(t, errors.Is(err, ErrUnknownScheme))
	assert.Equal(t, transfer.CodeUnsupported, transfer.AsFailure(err).Code)

	err = r.Start(context.Background(), Task{ID: "b", URL: "http://host/x", Direction: Download})
	assert.ErrorIs(t, err, ErrNoLocalPath)

	err = r.Start(context.Background(), Task{ID: "c", URL: "http://host/x", LocalPath: dir + "/x", Direction: "sideways"})
	assert.ErrorIs(t, err, ErrInvalidTask)

	err = r.Start(context.Background(), Task{ID: "d", URL: "no-scheme", LocalPath: dir + "/x", Direction: Download})
	assert.Equal(t, transfer.CodeInvalidURL, transfer.AsFailure(err).Code)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, r.Start(ctx, Task{ID: "e", URL: "http://host/x", LocalPath: dir + "/x", Direction: Download}), context.Canceled)
}

func TestRunner_Close(t *testing.T) {
	data := payload(128 * 1024)
	srv := stallingServer(t, data)

	r := newTestRunner(t)
	dest := filepath.Join(t.TempDir(), "out.bin")
	require.NoError(t, r.Start(context.Background(), Task{ID: "x", URL: srv.URL, LocalPath: dest, Direction: Download}))
	require.Eventually(t, func() bool { return partSize(dest) > 0 }, 5*time.Second, 10*time.Millisecond)

	go func() {
		for range r.Updates() {
		}
	}()
	require.NoError(t, r.Close())
	require.NoError(t, r.Close())

	assert.Greater(t, partSize(dest), int64(0), "close keeps partial downloads")
	assert.ErrorIs(t, r.Start(context.Background(), Task{ID: "y", URL: srv.URL, LocalPath: dest, Direction: Download}), ErrClosed)
}

func TestParseContentRange(t *testing.T) {
	tests := []struct {
		in          string
		start, size int64
		ok          bool
	}{
		{"bytes 100-199/200", 100, 200, true},
		{"bytes 0-0/1", 0, 1, true},
		{"bytes 5-9/*", 5, transfer.UnknownSize, true},
		{"bytes */300", 0, 300, true},
		{"items 1-2/3", 0, 0, false},
		{"bytes 1-2", 0, 0, false},
		{"bytes x-2/3", 0, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			start, size, ok := parseContentRange(tt.in)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.start, start)
				assert.Equal(t, tt.size, size)
			}
		})
	}
}

func TestSplitContainerURL(t *testing.T) {
	c, o, err := splitContainerURL("s3://bucket/dir/key.bin")
	require.NoError(t, err)
	assert.Equal(t, "bucket", c)
	assert.Equal(t, "dir/key.bin", o)

	_, _, err = splitContainerURL("azblob://container")
	assert.Equal(t, transfer.CodeInvalidURL, transfer.AsFailure(err).Code)
}
