package monitoring

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"healthsurveil/db"
)

type webhookServer struct {
	*httptest.Server
	mu       sync.Mutex
	payloads []WebhookPayload
	calls    atomic.Int32
	status   func(call int32) int
}

func newWebhookServer(t *testing.T, status func(call int32) int) *webhookServer {
	t.Helper()
	ws := &webhookServer{status: status}
	ws.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		call := ws.calls.Add(1)
		code := http.StatusOK
		if ws.status != nil {
			code = ws.status(call)
		}
		if code == http.StatusOK {
			var p WebhookPayload
			if err := json.NewDecoder(r.Body).Decode(&p); err == nil {
				ws.mu.Lock()
				ws.payloads = append(ws.payloads, p)
				ws.mu.Unlock()
			}
		}
		w.WriteHeader(code)
	}))
	t.Cleanup(ws.Close)
	return ws
}

func (ws *webhookServer) received() []WebhookPayload {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return append([]WebhookPayload(nil), ws.payloads...)
}

func newTestNotifier(t *testing.T, channels ...Channel) *Notifier {
	t.Helper()
	n, err := NewNotifier(channels, zaptest.NewLogger(t))
	require.NoError(t, err)
	n.delay = time.Millisecond
	t.Cleanup(n.client.CloseIdleConnections)
	return n
}

func testAlert(severity string) db.Alert {
	return db.Alert{
		ID:        "alert-1",
		Location:  "Ward 9",
		Type:      AlertReportSurge,
		Severity:  severity,
		Message:   "72 reports in the last hour",
		Value:     72,
		Timestamp: time.Date(2024, 6, 1, 8, 30, 0, 0, time.UTC),
	}
}

func TestNotifierRendersTemplate(t *testing.T) {
	ws := newWebhookServer(t, nil)
	n := newTestNotifier(t,
		Channel{Name: "ops", URL: ws.URL},
		Channel{Name: "sms", URL: ws.URL, Template: "{{.Location}} {{.Severity}}"},
	)

	require.NoError(t, n.Deliver(context.Background(), testAlert("medium")))
	payloads := ws.received()
	require.Len(t, payloads, 2)
	assert.Equal(t, "ops", payloads[0].Channel)
	assert.Equal(t, "[medium] report_surge at Ward 9: 72 reports in the last hour (2024-06-01 08:30:00)", payloads[0].Text)
	assert.Equal(t, "Ward 9 medium", payloads[1].Text)
	assert.Equal(t, "alert-1", payloads[1].Alert.ID)
}

func TestNotifierSeverityFilter(t *testing.T) {
	ws := newWebhookServer(t, nil)
	n := newTestNotifier(t, Channel{Name: "pager", URL: ws.URL, MinSeverity: "high"})

	require.NoError(t, n.Deliver(context.Background(), testAlert("medium")))
	assert.Empty(t, ws.received())
	require.NoError(t, n.Deliver(context.Background(), testAlert("high")))
	assert.Len(t, ws.received(), 1)
}

func TestNotifierRateLimits(t *testing.T) {
	ws := newWebhookServer(t, nil)
	n := newTestNotifier(t,
		Channel{Name: "cooldown", URL: ws.URL, Cooldown: 10 * time.Minute},
		Channel{Name: "hourly", URL: ws.URL, MaxPerHour: 2},
	)
	now := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	n.now = func() time.Time { return now }

	counts := func() map[string]int {
		out := map[string]int{}
		for _, p := range ws.received() {
			out[p.Channel]++
		}
		return out
	}

	for i := 0; i < 3; i++ {
		require.NoError(t, n.Deliver(context.Background(), testAlert("low")))
	}
	assert.Equal(t, map[string]int{"cooldown": 1, "hourly": 2}, counts())

	now = now.Add(11 * time.Minute)
	require.NoError(t, n.Deliver(context.Background(), testAlert("low")))
	assert.Equal(t, map[string]int{"cooldown": 2, "hourly": 2}, counts())

	now = now.Add(time.Hour)
	require.NoError(t, n.Deliver(context.Background(), testAlert("low")))
	assert.Equal(t, map[string]int{"cooldown": 3, "hourly": 3}, counts())
}

func TestNotifierRetriesServerErrors(t *testing.T) {
	ws := newWebhookServer(t, func(call int32) int {
		if call < 3 {
			return http.StatusBadGateway
		}
		return http.StatusOK
	})
	n := newTestNotifier(t, Channel{Name: "ops", URL: ws.URL})

	require.NoError(t, n.Deliver(context.Background(), testAlert("high")))
	assert.Equal(t, int32(3), ws.calls.Load())
	assert.Len(t, ws.received(), 1)
}

func TestNotifierDoesNotRetryClientErrors(t *testing.T) {
	ws := newWebhookServer(t, func(int32) int { return http.StatusBadRequest })
	n := newTestNotifier(t, Channel{Name: "ops", URL: ws.URL})

	err := n.Deliver(context.Background(), testAlert("high"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unexpected status code: 400")
	assert.Equal(t, int32(1), ws.calls.Load())
}

func TestNotifierRunDrainsQueue(t *testing.T) {
	ws := newWebhookServer(t, nil)
	n := newTestNotifier(t, Channel{Name: "ops", URL: ws.URL})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		n.Run(ctx)
	}()

	n.Notify(testAlert("high"))
	require.Eventually(t, func() bool { return len(ws.received()) == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()
	<-done
}

func TestNewNotifierValidates(t *testing.T) {
	_, err := NewNotifier([]Channel{{Name: "x", URL: "ftp://example.org"}}, nil)
	assert.Error(t, err)
	_, err = NewNotifier([]Channel{{Name: "x", URL: "https://example.org", MinSeverity: "urgent"}}, nil)
	assert.Error(t, err)
	_, err = NewNotifier([]Channel{{Name: "x", URL: "https://example.org", Template: "{{.Nope"}}, nil)
	assert.Error(t, err)

	n, err := NewNotifier(nil, nil)
	require.NoError(t, err)
	n.Notify(testAlert("high"))
	assert.Empty(t, n.queue)
}

func TestMetricsObserveAlert(t *testing.T) {
	m := NewMetrics()
	m.ObserveAlert(testAlert("high"))
	m.ObserveAlert(testAlert("high"))
	m.ObserveRequest("GET /api/health", http.StatusOK, time.Millisecond)

	rr := httptest.NewRecorder()
	m.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	body := rr.Body.String()
	assert.Contains(t, body, `healthsurveil_alerts_total{severity="high",type="report_surge"} 2`)
	assert.Contains(t, body, `healthsurveil_http_requests_total{route="GET /api/health",status="200"} 1`)
}
