package api

import (
	"bytes"
	"context"
	"encoding/json"
	"math/rand"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/datallboy/govelocity/internal/app"
	"github.com/datallboy/govelocity/internal/domain"
	"github.com/datallboy/govelocity/internal/infra/config"
	"github.com/datallboy/govelocity/internal/infra/logger"
	"github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestApp(t *testing.T) *app.Context {
	t.Helper()
	dir := t.TempDir()

	cfg := &config.Config{
		Download: config.DownloadConfig{
			OutDir:              filepath.Join(dir, "downloads"),
			MaxThreads:          4,
			MaxChunkSize:        16 * 1024,
			ThrottleQueueLength: 30,
			StaleWriteTimeout:   time.Minute,
			VerifyLength:        true,
		},
		HTTP:  config.HTTPConfig{Timeout: 5 * time.Second},
		Store: config.StoreConfig{SQLitePath: filepath.Join(dir, "govelocity.db")},
	}

	appCtx, err := app.NewContext(cfg, logger.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { appCtx.Close() })
	return appCtx
}

func TestDownloadThroughAPI(t *testing.T) {
	data := make([]byte, 100*1024+17)
	rand.New(rand.NewSource(1)).Read(data)

	src := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "blob.bin", time.Time{}, bytes.NewReader(data))
	}))
	defer src.Close()

	appCtx := newTestApp(t)
	e := echo.New()
	RegisterRoutes(e, appCtx)

	req := httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(`{"url":"`+src.URL+`/blob.bin"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var created domain.JobSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	assert.Equal(t, int64(len(data)), created.FileSize)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, appCtx.Jobs.Wait(ctx, created.ID))

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/jobs/"+created.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var done domain.JobSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &done))
	assert.Equal(t, domain.StatusCompleted, done.Status)
	assert.Equal(t, 100, done.Percent)

	got, err := os.ReadFile(filepath.Join(appCtx.Config.Download.OutDir, "blob.bin"))
	require.NoError(t, err)
	assert.Equal(t, data, got)

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/jobs/"+created.ID, nil))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	appCtx := newTestApp(t)
	e := echo.New()
	RegisterRoutes(e, appCtx)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, "govelocity_active_workers")
	assert.Contains(t, body, "go_goroutines")
}
