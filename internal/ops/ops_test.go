package ops

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dispatchbot/internal/apperr"
	"dispatchbot/internal/delivery"
	"dispatchbot/internal/metrics"
	"dispatchbot/internal/scheduler"
	"dispatchbot/internal/storage"
	"dispatchbot/pkg/logx"
)

func get(t *testing.T, h http.Handler, path string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealthz(t *testing.T) {
	s := New(Config{Token: "secret"}, Sources{}, logx.Nop())
	rec := get(t, s.Handler(), "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	s = New(Config{}, Sources{Health: func(context.Context) error { return errors.New("db down") }}, logx.Nop())
	rec = get(t, s.Handler(), "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "db down")
}

func TestTokenAuth(t *testing.T) {
	h := New(Config{Token: "secret"}, Sources{}, logx.Nop()).Handler()

	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/stats", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, get(t, h, "/stats?token=nope", nil).Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/stats?token=secret", nil).Code)
	assert.Equal(t, http.StatusOK, get(t, h, "/stats", map[string]string{"Authorization": "Bearer secret"}).Code)
}

func TestStats(t *testing.T) {
	store := storage.NewMemory()
	ctx := context.Background()
	for _, id := range []int64{1, 2, 3} {
		require.NoError(t, store.UpsertUser(ctx, storage.User{ID: id}))
	}
	_, err := store.Block(ctx, 3)
	require.NoError(t, err)

	now := time.Now()
	s := New(Config{}, Sources{
		Audience: store,
		Tasks: func() []scheduler.TaskStatus {
			return []scheduler.TaskStatus{{Name: "daily_promo", Trigger: "daily at 09:00", StartedAt: now, Passes: 2}}
		},
		Jobs: func() []delivery.JobStatus {
			return []delivery.JobStatus{{ID: "abc", Name: "adhoc", Total: 3, Sent: 2, Failed: 1, StartedAt: now, DoneAt: now}}
		},
	}, logx.Nop())

	rec := get(t, s.Handler(), "/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var st Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	require.NotNil(t, st.Audience)
	assert.Equal(t, AudienceStats{Active: 2, Blocked: 1, Total: 3}, *st.Audience)
	require.Len(t, st.Campaigns, 1)
	assert.Equal(t, "daily_promo", st.Campaigns[0].Name)
	assert.Equal(t, 2, st.Campaigns[0].Passes)
	require.Len(t, st.Broadcasts, 1)
	assert.Equal(t, 1, st.Broadcasts[0].Failed)
	assert.Empty(t, st.Errors)
}

func TestMetricsAndPprofRoutes(t *testing.T) {
	m := metrics.New()
	m.Update("message")

	h := New(Config{}, Sources{Metrics: m}, logx.Nop()).Handler()
	rec := get(t, h, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	assert.Contains(t, string(body), `dispatchbot_updates_total{kind="message"} 1`)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/debug/pprof/", nil).Code)

	h = New(Config{Pprof: true}, Sources{}, logx.Nop()).Handler()
	assert.Equal(t, http.StatusOK, get(t, h, "/debug/pprof/", nil).Code)
	assert.Equal(t, http.StatusNotFound, get(t, h, "/metrics", nil).Code)
}

func TestStartRefusesInsecureBind(t *testing.T) {
	s := New(Config{Addr: "0.0.0.0:0"}, Sources{}, logx.Nop())
	err := s.Start(context.Background())
	require.Error(t, err)
	assert.Equal(t, apperr.KindConfig, apperr.KindOf(err))
	assert.Nil(t, s.Supervisor())
}

func TestStartServesAndStops(t *testing.T) {
	s := New(Config{Addr: "127.0.0.1:0"}, Sources{}, logx.Nop())
	require.NoError(t, s.Start(context.Background()))
	t.Cleanup(func() { s.Stop(context.Background()) })

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.Stop(ctx)
	assert.Nil(t, s.Supervisor())
}

func TestIsLoopbackAddr(t *testing.T) {
	cases := map[string]bool{
		"127.0.0.1:9090": true,
		"localhost:1":    true,
		"[::1]:80":       true,
		":9090":          false,
		"0.0.0.0:9090":   false,
		"10.0.0.1:9090":  false,
		"bogus":          false,
	}
	for addr, want := range cases {
		assert.Equal(t, want, isLoopbackAddr(addr), addr)
	}
}
