package main

import (
	"bytes"
	"fmt"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// useTestConfig points bootstrap at a config that keeps every file inside
// a temp dir and returns that dir.
func useTestConfig(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	cfg := fmt.Sprintf(`download:
  out_dir: %s
log:
  path: %s
  include_stdout: false
store:
  sqlite_path: %s
`, filepath.Join(dir, "out"), filepath.Join(dir, "govelocity.log"), filepath.Join(dir, "data", "govelocity.db"))

	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(cfg), 0644))

	old := configPath
	configPath = path
	t.Cleanup(func() { configPath = old })

	return dir
}

func runGetWithin(t *testing.T, limit time.Duration, rawURL string, opts getOptions) error {
	t.Helper()

	done := make(chan error, 1)
	go func() { done <- runGet(rawURL, opts) }()

	select {
	case err := <-done:
		return err
	case <-time.After(limit):
		t.Fatalf("get %s did not return within %s", rawURL, limit)
		return nil
	}
}

func TestGetEmptyFile(t *testing.T) {
	dir := useTestConfig(t)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "bytes */0")
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
	}))
	t.Cleanup(srv.Close)

	require.NoError(t, runGetWithin(t, 10*time.Second, srv.URL+"/empty.bin", getOptions{}))

	info, err := os.Stat(filepath.Join(dir, "out", "empty.bin"))
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}

func TestGetWritesFile(t *testing.T) {
	dir := useTestConfig(t)

	data := make([]byte, 300*1024+11)
	rand.New(rand.NewSource(7)).Read(data)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "file.bin", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(srv.Close)

	out := filepath.Join(dir, "named.bin")
	err := runGetWithin(t, 30*time.Second, srv.URL+"/file.bin", getOptions{
		output:    out,
		threads:   4,
		chunkSize: "64KiB",
	})
	require.NoError(t, err)

	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))
}

func TestGetRejectsBadFlags(t *testing.T) {
	useTestConfig(t)

	assert.ErrorContains(t, runGet("http://example.com/a", getOptions{chunkSize: "lots"}), "--chunk-size")
	assert.ErrorContains(t, runGet("http://example.com/a", getOptions{noVerify: true}), "--size is required")
}
