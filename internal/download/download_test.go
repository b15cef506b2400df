package download

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func staticAuth(ctx context.Context) (string, error) { return "Bearer t0", nil }

func TestFetchAll_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("file-contents"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	mgr := New(DefaultConfig())

	var calls int64
	progress := func(filename string, delta int64, soFar int64, total *int64) {
		atomic.AddInt64(&calls, 1)
	}

	paths, err := mgr.FetchAll(context.Background(), dir,
		[]Target{{URL: srv.URL, SuggestedFilename: "a.bin"}},
		staticAuth, nil, progress)
	require.NoError(t, err)
	require.Len(t, paths, 1)

	body, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	require.Equal(t, "file-contents", string(body))
	require.Greater(t, atomic.LoadInt64(&calls), int64(0))
}

func TestFetchOne_RetriesOnServerErrorThenSucceeds(t *testing.T) {
	var attempts int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&attempts, 1)
		if n < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffMax = 5 * time.Millisecond
	mgr := New(cfg)

	dir := t.TempDir()
	paths, err := mgr.FetchAll(context.Background(), dir,
		[]Target{{URL: srv.URL, SuggestedFilename: "b.bin"}},
		staticAuth, nil, nil)
	require.NoError(t, err)
	require.Equal(t, int32(3), atomic.LoadInt32(&attempts))

	body, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	require.Equal(t, "ok", string(body))
}

func TestFetchOne_RefreshesTokenOn401WithoutConsumingRetry(t *testing.T) {
	var unauthorizedSeen, refreshed int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") == "Bearer t0" {
			atomic.AddInt32(&unauthorizedSeen, 1)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte("fresh"))
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.MaxRetries = 0 // a retry-consuming path would exhaust immediately
	mgr := New(cfg)

	refresh := func(ctx context.Context) (string, error) {
		atomic.AddInt32(&refreshed, 1)
		return "Bearer t1", nil
	}
	auth := func(ctx context.Context) (string, error) {
		if atomic.LoadInt32(&refreshed) > 0 {
			return "Bearer t1", nil
		}
		return "Bearer t0", nil
	}

	dir := t.TempDir()
	paths, err := mgr.FetchAll(context.Background(), dir,
		[]Target{{URL: srv.URL, SuggestedFilename: "c.bin"}},
		auth, refresh, nil)
	require.NoError(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&unauthorizedSeen))
	require.Equal(t, int32(1), atomic.LoadInt32(&refreshed))

	body, err := os.ReadFile(paths[0])
	require.NoError(t, err)
	require.Equal(t, "fresh", string(body))
}

func TestFetchAll_CancelledContextStopsDownload(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "2000000")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		for i := 0; i < 2000; i++ {
			select {
			case <-block:
				return
			default:
			}
			_, _ = w.Write(make([]byte, 1000))
			if flusher != nil {
				flusher.Flush()
			}
			time.Sleep(time.Millisecond)
		}
	}))
	defer func() { close(block); srv.Close() }()

	dir := t.TempDir()
	mgr := New(DefaultConfig())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := mgr.FetchAll(ctx, dir,
		[]Target{{URL: srv.URL, SuggestedFilename: "d.bin"}},
		staticAuth, nil, nil)
	require.ErrorIs(t, err, ErrCancelled)

	_, statErr := os.Stat(filepath.Join(dir, "d.bin"))
	require.True(t, os.IsNotExist(statErr))
}

func TestFetchOne_ExhaustsRetriesAndFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.MaxRetries = 2
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffMax = 2 * time.Millisecond
	mgr := New(cfg)

	dir := t.TempDir()
	_, err := mgr.FetchAll(context.Background(), dir,
		[]Target{{URL: srv.URL, SuggestedFilename: "e.bin"}},
		staticAuth, nil, nil)
	require.Error(t, err)

	var dlErr *ErrDownloadFailed
	require.ErrorAs(t, err, &dlErr)
}

func TestFetchOne_RejectsSuggestedFilenameEscapingDestDir(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("payload"))
	}))
	defer srv.Close()

	dir := t.TempDir()
	mgr := New(DefaultConfig())

	_, err := mgr.FetchAll(context.Background(), dir,
		[]Target{{URL: srv.URL, SuggestedFilename: "../escape.bin"}},
		staticAuth, nil, nil)
	require.Error(t, err)

	_, statErr := os.Stat(filepath.Join(filepath.Dir(dir), "escape.bin"))
	require.True(t, os.IsNotExist(statErr))
}

func TestChecksumFile(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "f.bin")
	require.NoError(t, os.WriteFile(p, []byte("abc"), 0o644))

	sum, err := ChecksumFile(p)
	require.NoError(t, err)
	require.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", sum)
}
