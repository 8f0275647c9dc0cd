package relay

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"vitalsync/internal/emergency"
	"vitalsync/internal/logger"
	"vitalsync/internal/ratelimit"
	"vitalsync/pkg/clock"
	"vitalsync/pkg/envelope"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type forwarded struct {
	subjectID string
	origin    string
	env       envelope.Envelope
}

type recordingForwarder struct {
	mu    sync.Mutex
	calls []forwarded
	err   error
}

func (f *recordingForwarder) Forward(_ context.Context, subjectID, origin string, env envelope.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, forwarded{subjectID: subjectID, origin: origin, env: env})
	return f.err
}

func (f *recordingForwarder) snapshot() []forwarded {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]forwarded(nil), f.calls...)
}

type recordingAudit struct {
	mu      sync.Mutex
	entries []emergency.AuditEntry
}

func (r *recordingAudit) Record(_ context.Context, entry *emergency.AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, *entry)
	return nil
}

func (r *recordingAudit) ListBySubject(context.Context, string, int64) ([]emergency.AuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]emergency.AuditEntry(nil), r.entries...), nil
}

func newRelayServer(t *testing.T, opts Options) (*Hub, string) {
	t.Helper()
	hub := NewHub(opts, logger.NopLogger())
	router := gin.New()
	NewHandler(hub, nil, logger.NopLogger()).RegisterRoutes(router)
	srv := httptest.NewServer(router)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

// dial connects and consumes connection_established, returning the
// connection id the relay assigned.
func dial(t *testing.T, baseURL, subject string) (*websocket.Conn, string) {
	t.Helper()
	ws, _, err := websocket.DefaultDialer.Dial(baseURL+"/ws/subjects/"+subject, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	env := readEnvelope(t, ws)
	established, ok := env.Data.(envelope.ConnectionEstablished)
	require.True(t, ok, "first frame is %s", env.Type)
	require.NotEmpty(t, established.ClientID)
	return ws, established.ClientID
}

func readEnvelope(t *testing.T, ws *websocket.Conn) envelope.Envelope {
	t.Helper()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, frame, err := ws.ReadMessage()
	require.NoError(t, err)
	env, err := envelope.Decode(frame)
	require.NoError(t, err)
	return env
}

func send(t *testing.T, ws *websocket.Conn, p envelope.Payload) {
	t.Helper()
	frame, err := envelope.Marshal(envelope.New(p, time.Now()))
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, frame))
}

func heartRate(v float64) envelope.LiveHealthUpdate {
	return envelope.LiveHealthUpdate{
		Metric: "heart_rate", Value: v, Unit: "bpm", Source: "watch",
		Timestamp: time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
	}
}

func waitConnections(t *testing.T, hub *Hub, subject string, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.Connections(subject) == n }, 2*time.Second, 10*time.Millisecond)
}

func TestHub_PingPong(t *testing.T) {
	_, url := newRelayServer(t, Options{})
	ws, _ := dial(t, url, "subject-1")

	send(t, ws, envelope.Ping{Timestamp: time.Now()})
	assert.Equal(t, envelope.TypePong, readEnvelope(t, ws).Type)
}

func TestHub_FansOutToOtherObservers(t *testing.T) {
	hub, url := newRelayServer(t, Options{})
	a, _ := dial(t, url, "subject-1")
	b, _ := dial(t, url, "subject-1")
	waitConnections(t, hub, "subject-1", 2)

	send(t, a, heartRate(88))

	env := readEnvelope(t, b)
	update, ok := env.Data.(envelope.LiveHealthUpdate)
	require.True(t, ok)
	assert.Equal(t, 88.0, update.Value)

	// The origin does not get its own frame back, so its next frame is the
	// pong.
	send(t, a, envelope.Ping{Timestamp: time.Now()})
	assert.Equal(t, envelope.TypePong, readEnvelope(t, a).Type)
}

func TestHub_IsolatesSubjects(t *testing.T) {
	hub, url := newRelayServer(t, Options{})
	a, _ := dial(t, url, "subject-1")
	c, _ := dial(t, url, "subject-2")
	waitConnections(t, hub, "subject-1", 1)
	waitConnections(t, hub, "subject-2", 1)

	require.NoError(t, hub.Publish(context.Background(), "subject-1", envelope.New(heartRate(70), time.Now())))
	assert.Equal(t, envelope.TypeLiveHealthUpdate, readEnvelope(t, a).Type)

	send(t, c, envelope.Ping{Timestamp: time.Now()})
	assert.Equal(t, envelope.TypePong, readEnvelope(t, c).Type)
}

func TestHub_BroadcastExcludesOrigin(t *testing.T) {
	hub, url := newRelayServer(t, Options{})
	_, idA := dial(t, url, "subject-1")
	_, _ = dial(t, url, "subject-1")
	waitConnections(t, hub, "subject-1", 2)

	assert.Equal(t, 1, hub.Broadcast("subject-1", envelope.New(heartRate(60), time.Now()), idA))
	assert.Equal(t, 2, hub.Broadcast("subject-1", envelope.New(heartRate(60), time.Now()), ""))
	assert.Zero(t, hub.Broadcast("subject-9", envelope.New(heartRate(60), time.Now()), ""))
	assert.Zero(t, hub.Broadcast("subject-1", envelope.Envelope{Type: envelope.TypePing}, ""), "invalid envelopes are not sent")
}

func TestHub_RejectsInvalidFrames(t *testing.T) {
	_, url := newRelayServer(t, Options{})
	ws, _ := dial(t, url, "subject-1")

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":"bogus","data":{},"timestamp":"2026-03-01T08:00:00Z"}`)))
	env := readEnvelope(t, ws)
	serverErr, ok := env.Data.(envelope.Error)
	require.True(t, ok)
	assert.Contains(t, serverErr.Message, "unknown_type")

	send(t, ws, envelope.ConnectionEstablished{ClientID: "spoofed"})
	env = readEnvelope(t, ws)
	require.Equal(t, envelope.TypeError, env.Type)
	assert.Contains(t, env.Data.(envelope.Error).Message, "unsupported message type")

	// The connection survives bad input.
	send(t, ws, envelope.Ping{Timestamp: time.Now()})
	assert.Equal(t, envelope.TypePong, readEnvelope(t, ws).Type)
}

func TestHub_EmergencyAlert(t *testing.T) {
	audit := &recordingAudit{}
	alerts := &recordingForwarder{}
	hub, url := newRelayServer(t, Options{Audit: audit, Alerts: alerts})
	a, idA := dial(t, url, "subject-1")
	b, _ := dial(t, url, "subject-1")
	waitConnections(t, hub, "subject-1", 2)

	send(t, a, envelope.EmergencyAlert{
		Kind: "fall", Severity: "critical", Message: "Fall detected", Timestamp: time.Now(),
	})

	env := readEnvelope(t, b)
	alert, ok := env.Data.(envelope.EmergencyAlert)
	require.True(t, ok)
	assert.Equal(t, "fall", alert.Kind)

	require.Eventually(t, func() bool { return len(alerts.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	call := alerts.snapshot()[0]
	assert.Equal(t, "subject-1", call.subjectID)
	assert.Equal(t, idA, call.origin)

	entries, err := audit.ListBySubject(context.Background(), "subject-1", 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, emergency.SourceRelay, entries[0].Source)
	assert.Equal(t, "received", entries[0].Event)
	assert.Equal(t, "critical", entries[0].Severity)
}

func TestHub_ExternalFanout(t *testing.T) {
	fanout := &recordingForwarder{}
	hub, url := newRelayServer(t, Options{Fanout: fanout})
	a, idA := dial(t, url, "subject-1")
	waitConnections(t, hub, "subject-1", 1)

	send(t, a, heartRate(99))
	require.Eventually(t, func() bool { return len(fanout.snapshot()) == 1 }, 2*time.Second, 10*time.Millisecond)
	call := fanout.snapshot()[0]
	assert.Equal(t, idA, call.origin)
	assert.Equal(t, envelope.TypeLiveHealthUpdate, call.env.Type)

	require.NoError(t, hub.Publish(context.Background(), "subject-1", envelope.New(heartRate(1), time.Now())))
	assert.Empty(t, fanout.snapshot()[1].origin)
}

func TestHub_FanoutFailureReportsError(t *testing.T) {
	hub, url := newRelayServer(t, Options{Fanout: &recordingForwarder{err: errors.New("broker down")}})
	a, _ := dial(t, url, "subject-1")
	waitConnections(t, hub, "subject-1", 1)

	send(t, a, heartRate(99))
	env := readEnvelope(t, a)
	require.Equal(t, envelope.TypeError, env.Type)
	assert.Contains(t, env.Data.(envelope.Error).Message, "live_health_update")
}

func TestHub_UnregistersClosedConnections(t *testing.T) {
	hub, url := newRelayServer(t, Options{})
	a, _ := dial(t, url, "subject-1")
	waitConnections(t, hub, "subject-1", 1)

	require.NoError(t, a.Close())
	waitConnections(t, hub, "subject-1", 0)
}

func TestHub_CloseDisconnectsAndRejects(t *testing.T) {
	hub, url := newRelayServer(t, Options{})
	a, _ := dial(t, url, "subject-1")
	waitConnections(t, hub, "subject-1", 1)

	hub.Close()

	require.NoError(t, a.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := a.ReadMessage()
	require.Error(t, err)

	_, resp, err := websocket.DefaultDialer.Dial(url+"/ws/subjects/subject-1", nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.True(t, hub.Closed())
}

func TestHub_ServeAfterCloseSendsGoingAway(t *testing.T) {
	hub := NewHub(Options{}, logger.NopLogger())
	hub.Close()

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		hub.Serve(r.Context(), ws, "subject-1", "")
	}))
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	require.NoError(t, err)
	defer ws.Close()
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = ws.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), "got %v", err)
}

func dialAsDevice(t *testing.T, baseURL, subject, deviceID string) *websocket.Conn {
	t.Helper()
	header := http.Header{}
	header.Set(ratelimit.DeviceIDHeader, deviceID)
	ws, _, err := websocket.DefaultDialer.Dial(baseURL+"/ws/subjects/"+subject, header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })
	require.Equal(t, envelope.TypeConnectionEstablished, readEnvelope(t, ws).Type)
	return ws
}

func TestHub_RateLimitsDeviceFrames(t *testing.T) {
	limiter := ratelimit.NewService(ratelimit.NewMemoryStore(), clock.NewFake(time.Now()), logger.NopLogger())
	hub, url := newRelayServer(t, Options{
		Limiter:   limiter,
		LiveQuota: ratelimit.Quota{Limit: 2, Interval: time.Hour},
	})
	watch := dialAsDevice(t, url, "subject-1", "watch-1")
	observer, _ := dial(t, url, "subject-1")
	waitConnections(t, hub, "subject-1", 2)

	for _, v := range []float64{70, 71, 72} {
		send(t, watch, heartRate(v))
	}

	denied := readEnvelope(t, watch)
	require.Equal(t, envelope.TypeError, denied.Type)
	assert.Contains(t, denied.Data.(envelope.Error).Message, "rate limit exceeded")

	assert.Equal(t, 70.0, readEnvelope(t, observer).Data.(envelope.LiveHealthUpdate).Value)
	assert.Equal(t, 71.0, readEnvelope(t, observer).Data.(envelope.LiveHealthUpdate).Value)

	// alerts use their own bucket, so a chatty sensor cannot starve them
	send(t, watch, envelope.EmergencyAlert{Kind: "fall", Severity: "critical", Message: "Fall detected", Timestamp: time.Now()})
	assert.Equal(t, envelope.TypeEmergencyAlert, readEnvelope(t, observer).Type)

	ring := dialAsDevice(t, url, "subject-1", "ring-1")
	waitConnections(t, hub, "subject-1", 3)
	send(t, ring, heartRate(99))
	assert.Equal(t, 99.0, readEnvelope(t, observer).Data.(envelope.LiveHealthUpdate).Value,
		"the third watch sample was dropped and another device has its own quota")
}

type unavailableStore struct{}

func (unavailableStore) Consume(context.Context, string, int64, time.Duration, time.Time) (ratelimit.Result, error) {
	return ratelimit.Result{}, errors.New("redis: connection refused")
}

func (unavailableStore) Name() string { return "unavailable" }

func TestHub_RateLimiterUnavailableDropsFrames(t *testing.T) {
	fanout := &recordingForwarder{}
	_, url := newRelayServer(t, Options{
		Fanout:    fanout,
		Limiter:   ratelimit.NewService(unavailableStore{}, nil, logger.NopLogger()),
		LiveQuota: ratelimit.Quota{Limit: 10, Interval: time.Minute},
	})
	ws := dialAsDevice(t, url, "subject-1", "watch-1")

	send(t, ws, heartRate(70))
	reply := readEnvelope(t, ws)
	require.Equal(t, envelope.TypeError, reply.Type)
	assert.Equal(t, "rate limiter unavailable", reply.Data.(envelope.Error).Message)
	assert.Empty(t, fanout.snapshot())
}

func TestOriginChecker(t *testing.T) {
	allowAll := originChecker(nil)
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("Origin", "https://evil.example")
	assert.True(t, allowAll(r))

	check := originChecker([]string{"https://app.example/"})
	r.Header.Set("Origin", "https://app.example")
	assert.True(t, check(r))
	r.Header.Set("Origin", "https://evil.example")
	assert.False(t, check(r))
	r.Header.Del("Origin")
	assert.True(t, check(r), "non-browser clients send no origin")
}
