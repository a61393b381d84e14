package monitoring

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"healthsurveil/db"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeSource struct {
	reports  int
	readings []db.WaterReading
	err      error
}

func (f *fakeSource) CountReportsSince(context.Context, time.Time) (int, error) {
	return f.reports, f.err
}

func (f *fakeSource) WaterReadingsSince(context.Context, time.Time) ([]db.WaterReading, error) {
	return f.readings, f.err
}

type recorder struct {
	mu        sync.Mutex
	saved     []db.Alert
	published []MessageType
}

func (r *recorder) SaveAlert(_ context.Context, alert db.Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved = append(r.saved, alert)
	return nil
}

func (r *recorder) Publish(kind MessageType, _ any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.published = append(r.published, kind)
	return nil
}

func testSweepConfig() SweepConfig {
	return SweepConfig{Interval: time.Minute, Window: time.Hour, ReportThreshold: 50, MinPH: 6.0, MaxTurbidity: 10}
}

func TestSweepRaisesAlerts(t *testing.T) {
	source := &fakeSource{
		reports: 51,
		readings: []db.WaterReading{
			{ID: 1, Source: "well", PH: 7.0, Turbidity: 2},
			{ID: 2, Source: "river", Lat: 26.14, Lon: 91.73, PH: 5.5, Turbidity: 3},
			{ID: 3, PH: 6.5, Turbidity: 12},
			{ID: 4, PH: 5.0, Turbidity: 15},
		},
	}
	rec := &recorder{}
	sweeper := NewSweeper(source, rec, rec, testSweepConfig(), zap.NewNop())
	var called int
	sweeper.AddCallback(func(db.Alert) { called++ })

	alerts, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	require.Len(t, alerts, 4)

	assert.Equal(t, AlertReportSurge, alerts[0].Type)
	assert.Equal(t, "medium", alerts[0].Severity)
	assert.Equal(t, 51.0, alerts[0].Value)

	assert.Equal(t, AlertUnsafeWater, alerts[1].Type)
	assert.Equal(t, "river (26.1400,91.7300)", alerts[1].Location)
	assert.Contains(t, alerts[1].Message, "pH 5.50")
	assert.Equal(t, 12.0, alerts[2].Value)
	assert.Equal(t, "high", alerts[3].Severity)

	assert.Len(t, rec.saved, 4)
	assert.Equal(t, []MessageType{AlertMessage, AlertMessage, AlertMessage, AlertMessage}, rec.published)
	assert.Equal(t, 4, called)

	// readings and the surge are not reported twice within the window
	alerts, err = sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestSweepThresholdIsExclusive(t *testing.T) {
	source := &fakeSource{reports: 50, readings: []db.WaterReading{{ID: 1, PH: 6.0, Turbidity: 10}}}
	alerts, err := NewSweeper(source, nil, nil, testSweepConfig(), nil).Sweep(context.Background())
	require.NoError(t, err)
	assert.Empty(t, alerts)
}

func TestSweepSourceError(t *testing.T) {
	source := &fakeSource{err: errors.New("disk I/O error")}
	_, err := NewSweeper(source, nil, nil, testSweepConfig(), nil).Sweep(context.Background())
	assert.Error(t, err)
}

func TestSweeperRunStops(t *testing.T) {
	rec := &recorder{}
	sweeper := NewSweeper(&fakeSource{reports: 100}, rec, nil, testSweepConfig(), nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sweeper.Run(ctx) }()

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return len(rec.saved) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}

func TestAlertHubBroadcast(t *testing.T) {
	hub := NewAlertHub(nil, zap.NewNop())
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, hub.Publish(AlertMessage, db.Alert{ID: "a1", Type: AlertUnsafeWater}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg Message
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, AlertMessage, msg.Type)
	assert.NotEmpty(t, msg.ID)
	var alert db.Alert
	require.NoError(t, json.Unmarshal(msg.Data, &alert))
	assert.Equal(t, "a1", alert.ID)

	conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	<-hub.Done()
}

func TestAlertHubHeartbeat(t *testing.T) {
	hub := NewAlertHub(nil, zap.NewNop())
	hub.heartbeat = 20 * time.Millisecond
	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	server := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return hub.ClientCount() == 1 }, time.Second, 5*time.Millisecond)

	// subscribed to alerts only, heartbeats still arrive
	require.NoError(t, conn.WriteJSON(ClientMessage{Type: "subscribe", Topic: AlertMessage}))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	for msg.Type != Heartbeat {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(data, &msg))
	}
	var beat HeartbeatData
	require.NoError(t, json.Unmarshal(msg.Data, &beat))
	assert.Equal(t, 1, beat.Clients)

	conn.Close()
	require.Eventually(t, func() bool { return hub.ClientCount() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	<-hub.Done()
}

func TestClientSubscriptions(t *testing.T) {
	c := &Client{subscriptions: make(map[MessageType]bool)}
	assert.True(t, c.subscribed(AnomalyMessage))

	c.handleClientMessage(ClientMessage{Type: "subscribe", Topic: AlertMessage})
	assert.True(t, c.subscribed(AlertMessage))
	assert.False(t, c.subscribed(AnomalyMessage))
	assert.True(t, c.subscribed(Heartbeat))

	c.handleClientMessage(ClientMessage{Type: "unsubscribe", Topic: AlertMessage})
	assert.True(t, c.subscribed(AnomalyMessage))
}

func TestAlertHubCheckOrigin(t *testing.T) {
	hub := NewAlertHub([]string{"https://dashboard.example"}, nil)
	req := httptest.NewRequest("GET", "/api/ws/alerts", nil)
	assert.True(t, hub.upgrader.CheckOrigin(req))
	req.Header.Set("Origin", "https://dashboard.example")
	assert.True(t, hub.upgrader.CheckOrigin(req))
	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, hub.upgrader.CheckOrigin(req))
}
