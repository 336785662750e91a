package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilSafe(t *testing.T) {
	var m *Metrics
	m.Update("message")
	m.Routed("command", time.Millisecond)
	m.Blocked()
	m.Send(true)
	m.BroadcastPass("adhoc", "done", 1, 0)
	m.CampaignsRunning(2)
	m.Payment("paid")
	assert.NotNil(t, m.Handler())
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	b, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	return string(b)
}

func TestExposition(t *testing.T) {
	m := New()
	m.Send(true)
	m.Send(true)
	m.Send(false)
	m.Blocked()
	m.CampaignsRunning(3)
	m.Payment("paid")

	body := scrape(t, m)
	assert.Contains(t, body, `dispatchbot_delivery_sends_total{result="ok"} 2`)
	assert.Contains(t, body, `dispatchbot_delivery_sends_total{result="error"} 1`)
	assert.Contains(t, body, `dispatchbot_blocked_total 1`)
	assert.Contains(t, body, `dispatchbot_campaigns_running 3`)
	assert.Contains(t, body, `dispatchbot_payments_total{stage="paid"} 1`)
	assert.Contains(t, body, `go_goroutines`)
}
