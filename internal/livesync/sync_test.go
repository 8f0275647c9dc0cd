package livesync

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"vitalsync/internal/connection"
	"vitalsync/internal/emergency"
	"vitalsync/internal/logger"
	"vitalsync/internal/threshold"
	"vitalsync/pkg/clock"
	"vitalsync/pkg/envelope"
	"vitalsync/pkg/metrics"
)

var t0 = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

type pipeConn struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	written []envelope.Envelope
}

func newPipeConn() *pipeConn {
	return &pipeConn{in: make(chan []byte, 32), closed: make(chan struct{})}
}

func (c *pipeConn) ReadMessage() ([]byte, error) {
	select {
	case f := <-c.in:
		return f, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *pipeConn) WriteMessage(frame []byte) error {
	env, err := envelope.Decode(frame)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, env)
	return nil
}

func (c *pipeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *pipeConn) sentOfType(t envelope.Type) []envelope.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []envelope.Envelope
	for _, env := range c.written {
		if env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

func (c *pipeConn) push(t *testing.T, data envelope.Payload) {
	t.Helper()
	frame, err := envelope.EncodeAt(data.MessageType(), data, t0)
	require.NoError(t, err)
	c.in <- frame
}

type collector struct {
	mu       sync.Mutex
	updates  []envelope.LiveHealthUpdate
	pages    []envelope.HistoricalDataUpdate
	alerts   []envelope.EmergencyAlert
	states   []connection.State
	events   []emergency.Event
	failures []envelope.Error
}

func (c *collector) handlers() Handlers {
	return Handlers{
		OnLiveUpdate: func(u envelope.LiveHealthUpdate) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.updates = append(c.updates, u)
		},
		OnHistoricalPage: func(p envelope.HistoricalDataUpdate) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.pages = append(c.pages, p)
		},
		OnEmergencyAlert: func(a envelope.EmergencyAlert) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.alerts = append(c.alerts, a)
		},
		OnConnectionStatus: func(s connection.State) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.states = append(c.states, s)
		},
		OnEmergencyEvent: func(e emergency.Event) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.events = append(c.events, e)
		},
		OnServerError: func(e envelope.Error) {
			c.mu.Lock()
			defer c.mu.Unlock()
			c.failures = append(c.failures, e)
		},
	}
}

func (c *collector) eventKinds() []emergency.EventKind {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []emergency.EventKind
	for _, e := range c.events {
		out = append(out, e.Kind)
	}
	return out
}

func (c *collector) count(fn func(*collector) int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fn(c)
}

type fakeHistory struct {
	calls []string
	page  envelope.HistoricalDataUpdate
	err   error
}

func (f *fakeHistory) Page(_ context.Context, subjectID, cursor string, _ int) (envelope.HistoricalDataUpdate, error) {
	f.calls = append(f.calls, subjectID+"|"+cursor)
	return f.page, f.err
}

func newTestSync(t *testing.T, conn *pipeConn, mutate func(*Config)) (*Sync, *clock.FakeClock) {
	t.Helper()
	clk := clock.NewFake(t0)
	cfg := Config{
		SubjectID: "subject-1",
		Connection: connection.Config{
			UserID:      "caregiver-7",
			MaxAttempts: 2,
		},
		Dialer: connection.DialerFunc(func(context.Context) (connection.Conn, error) {
			return conn, nil
		}),
		EmergencyWindow: 10 * time.Second,
		Clock:           clk,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := New(cfg, logger.NopLogger())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s, clk
}

func TestSync_RoutesEnvelopesByType(t *testing.T) {
	conn := newPipeConn()
	s, _ := newTestSync(t, conn, nil)
	c := &collector{}
	s.Subscribe(c.handlers())

	require.True(t, s.Connect(context.Background()))
	require.Len(t, conn.sentOfType(envelope.TypeClientIdentification), 1)

	conn.push(t, envelope.ConnectionEstablished{ClientID: "client-42", Message: "welcome"})
	conn.push(t, envelope.LiveHealthUpdate{Metric: "heart_rate", Value: 72, Unit: "bpm", Timestamp: t0, Source: "watch"})
	conn.in <- []byte(`{"type":"live_health_update","data":{"type":"heart_rate"},"timestamp":"2026-05-01T08:00:00Z"}`)
	conn.push(t, envelope.HistoricalDataUpdate{Items: []envelope.HealthRecord{}})
	conn.push(t, envelope.EmergencyAlert{Kind: "fall", Severity: "high", Message: "Fall detected", Timestamp: t0})
	conn.push(t, envelope.Error{Message: "quota exceeded"})

	require.Eventually(t, func() bool {
		return c.count(func(c *collector) int { return len(c.failures) }) == 1
	}, time.Second, time.Millisecond)

	c.mu.Lock()
	assert.Len(t, c.updates, 1)
	assert.Len(t, c.pages, 1)
	assert.Len(t, c.alerts, 1)
	assert.Equal(t, "quota exceeded", c.failures[0].Message)
	assert.NotEmpty(t, c.states)
	c.mu.Unlock()

	assert.Equal(t, "client-42", s.ClientID())
	assert.Equal(t, uint64(1), s.ConnectionStatus().InvalidFrames)
	assert.Equal(t, connection.StatusConnected, s.ConnectionStatus().Status())
}

func TestSync_CountsUnhandledEnvelopes(t *testing.T) {
	conn := newPipeConn()
	s, _ := newTestSync(t, conn, nil)
	c := &collector{}
	s.Subscribe(c.handlers())
	require.True(t, s.Connect(context.Background()))

	dropped := metrics.FramesDroppedTotal.WithLabelValues("client", "unhandled_type")
	before := testutil.ToFloat64(dropped)

	conn.push(t, envelope.ClientIdentification{ClientType: "watch", UserID: "someone-else", Timestamp: t0})
	conn.push(t, envelope.LiveHealthUpdate{Metric: "spo2", Value: 97, Unit: "%", Timestamp: t0, Source: "ring"})

	require.Eventually(t, func() bool {
		return c.count(func(c *collector) int { return len(c.updates) }) == 1
	}, time.Second, time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(dropped))
	assert.Zero(t, c.count(func(c *collector) int { return len(c.alerts) + len(c.pages) + len(c.failures) }))
}

func TestSync_Unsubscribe(t *testing.T) {
	conn := newPipeConn()
	s, _ := newTestSync(t, conn, nil)
	first, second := &collector{}, &collector{}
	unsubscribe := s.Subscribe(first.handlers())
	s.Subscribe(second.handlers())
	require.True(t, s.Connect(context.Background()))

	unsubscribe()
	unsubscribe()
	conn.push(t, envelope.LiveHealthUpdate{Metric: "spo2", Value: 97, Unit: "%", Timestamp: t0, Source: "ring"})

	require.Eventually(t, func() bool {
		return second.count(func(c *collector) int { return len(c.updates) }) == 1
	}, time.Second, time.Millisecond)
	assert.Zero(t, first.count(func(c *collector) int { return len(c.updates) }))
}

func TestSync_SubscriberPanicIsIsolated(t *testing.T) {
	conn := newPipeConn()
	s, _ := newTestSync(t, conn, nil)
	s.Subscribe(Handlers{OnLiveUpdate: func(envelope.LiveHealthUpdate) { panic("bad subscriber") }})
	good := &collector{}
	s.Subscribe(good.handlers())
	require.True(t, s.Connect(context.Background()))

	conn.push(t, envelope.LiveHealthUpdate{Metric: "spo2", Value: 97, Unit: "%", Timestamp: t0, Source: "ring"})
	conn.push(t, envelope.LiveHealthUpdate{Metric: "spo2", Value: 96, Unit: "%", Timestamp: t0, Source: "ring"})

	require.Eventually(t, func() bool {
		return good.count(func(c *collector) int { return len(c.updates) }) == 2
	}, time.Second, time.Millisecond)
	assert.True(t, s.ConnectionStatus().Connected)
}

func TestSync_EmergencyLifecycle(t *testing.T) {
	conn := newPipeConn()
	s, clk := newTestSync(t, conn, nil)
	c := &collector{}
	s.Subscribe(c.handlers())
	require.True(t, s.Connect(context.Background()))

	pending, err := s.TriggerEmergency(envelope.EmergencyAlert{Kind: "fall", Severity: "critical", Message: "Fall detected"}, 0)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(10*time.Second), pending.ExpiresAt, "zero window uses the configured default")
	assert.Equal(t, []emergency.EventKind{emergency.EventPending}, c.eventKinds())

	_, ok := s.PendingEmergency()
	assert.True(t, ok)

	clk.Advance(10 * time.Second)
	sent := conn.sentOfType(envelope.TypeEmergencyAlert)
	require.Len(t, sent, 1)
	assert.Equal(t, "Fall detected", sent[0].Data.(envelope.EmergencyAlert).Message)
	assert.Equal(t, []emergency.EventKind{emergency.EventPending, emergency.EventSent}, c.eventKinds())

	_, err = s.TriggerEmergency(envelope.EmergencyAlert{Kind: "fall", Severity: "critical", Message: "again"}, 5*time.Second)
	require.NoError(t, err)
	assert.True(t, s.CancelPendingEmergency())
	clk.Advance(time.Minute)
	assert.Len(t, conn.sentOfType(envelope.TypeEmergencyAlert), 1)
}

func TestSync_EmergencyWhileOfflineFails(t *testing.T) {
	s, clk := newTestSync(t, newPipeConn(), nil)
	c := &collector{}
	s.Subscribe(c.handlers())

	_, err := s.TriggerEmergency(envelope.EmergencyAlert{Kind: "fall", Severity: "high", Message: "Fall detected"}, time.Second)
	require.NoError(t, err)
	clk.Advance(time.Second)

	require.Equal(t, []emergency.EventKind{emergency.EventPending, emergency.EventFailed}, c.eventKinds())
	c.mu.Lock()
	assert.ErrorIs(t, c.events[1].Err, connection.ErrNotConnected)
	c.mu.Unlock()
}

func TestSync_ThresholdTriggersEmergency(t *testing.T) {
	engine, err := threshold.NewEngine([]threshold.Rule{{
		Name:       "low_oxygen",
		Expression: `metric == "spo2" && value < 90.0`,
		Kind:       "hypoxia",
		Severity:   "critical",
		Message:    "SpO2 below 90%",
		Window:     15 * time.Second,
		Cooldown:   time.Minute,
	}}, 0, nil, logger.NopLogger())
	require.NoError(t, err)

	audit := &auditRecorder{}
	conn := newPipeConn()
	s, clk := newTestSync(t, conn, func(cfg *Config) {
		cfg.Thresholds = engine
		cfg.EmergencyAudit = audit.listen
	})
	c := &collector{}
	s.Subscribe(c.handlers())
	require.True(t, s.Connect(context.Background()))

	conn.push(t, envelope.LiveHealthUpdate{Metric: "spo2", Value: 97, Unit: "%", Timestamp: t0, Source: "ring"})
	conn.push(t, envelope.LiveHealthUpdate{Metric: "spo2", Value: 86, Unit: "%", Timestamp: t0, Source: "ring"})

	require.Eventually(t, func() bool { return len(c.eventKinds()) == 1 }, time.Second, time.Millisecond)
	c.mu.Lock()
	assert.Equal(t, "hypoxia", c.events[0].Alert.Kind)
	assert.Equal(t, t0.Add(15*time.Second), c.events[0].ExpiresAt)
	c.mu.Unlock()

	clk.Advance(15 * time.Second)
	assert.Len(t, conn.sentOfType(envelope.TypeEmergencyAlert), 1)
	require.Eventually(t, func() bool { return audit.len() == 2 }, time.Second, time.Millisecond)
}

func TestSync_CancelFromEmergencyHandler(t *testing.T) {
	conn := newPipeConn()
	s, clk := newTestSync(t, conn, nil)
	c := &collector{}
	s.Subscribe(c.handlers())

	var cancelled bool
	s.Subscribe(Handlers{OnEmergencyEvent: func(e emergency.Event) {
		if e.Kind == emergency.EventPending {
			cancelled = s.CancelPendingEmergency()
		}
	}})
	require.True(t, s.Connect(context.Background()))

	done := make(chan error, 1)
	go func() {
		_, err := s.TriggerEmergency(envelope.EmergencyAlert{Kind: "fall", Severity: "critical", Message: "Fall detected"}, time.Second)
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("TriggerEmergency did not return")
	}

	assert.True(t, cancelled)
	assert.Equal(t, []emergency.EventKind{emergency.EventPending, emergency.EventCancelled}, c.eventKinds())
	_, pending := s.PendingEmergency()
	assert.False(t, pending)

	clk.Advance(time.Minute)
	assert.Empty(t, conn.sentOfType(envelope.TypeEmergencyAlert))
}

func TestSync_RetriggerFromEmergencyHandler(t *testing.T) {
	s, _ := newTestSync(t, newPipeConn(), nil)
	c := &collector{}
	s.Subscribe(c.handlers())

	var once sync.Once
	s.Subscribe(Handlers{OnEmergencyEvent: func(e emergency.Event) {
		if e.Kind != emergency.EventPending {
			return
		}
		once.Do(func() {
			_, err := s.TriggerEmergency(envelope.EmergencyAlert{Kind: "fall", Severity: "critical", Message: "escalated"}, time.Second)
			assert.NoError(t, err)
		})
	}})

	_, err := s.TriggerEmergency(envelope.EmergencyAlert{Kind: "fall", Severity: "high", Message: "first"}, time.Second)
	require.NoError(t, err)

	assert.Equal(t, []emergency.EventKind{
		emergency.EventPending, emergency.EventSuperseded, emergency.EventPending,
	}, c.eventKinds())
	current, ok := s.PendingEmergency()
	require.True(t, ok)
	assert.Equal(t, "escalated", current.Alert.Message)
}

type auditRecorder struct {
	mu     sync.Mutex
	events []emergency.Event
}

func (a *auditRecorder) listen(e emergency.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
}

func (a *auditRecorder) len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.events)
}

func TestSync_RequestHistory(t *testing.T) {
	page := envelope.HistoricalDataUpdate{
		Items:      []envelope.HealthRecord{{ID: "r-1", Metric: "spo2", Value: 97, Unit: "%", Timestamp: t0}},
		NextCursor: "next",
	}
	fetcher := &fakeHistory{page: page}
	s, _ := newTestSync(t, newPipeConn(), func(cfg *Config) { cfg.History = fetcher })
	c := &collector{}
	s.Subscribe(c.handlers())

	got, err := s.RequestHistory(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, page, got)
	assert.Equal(t, []string{"subject-1|"}, fetcher.calls)
	assert.Len(t, c.pages, 1, "pages are delivered to subscribers but never auto-followed")

	fetcher.err = errors.New("history api returned status 503")
	_, err = s.RequestHistory(context.Background(), "next")
	assert.Error(t, err)

	bare, _ := newTestSync(t, newPipeConn(), nil)
	_, err = bare.RequestHistory(context.Background(), "")
	assert.ErrorIs(t, err, ErrHistoryUnavailable)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(Config{Dialer: connection.DialerFunc(nil)}, logger.NopLogger())
	assert.Error(t, err)

	_, err = New(Config{SubjectID: "s"}, logger.NopLogger())
	assert.Error(t, err)
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry(logger.NopLogger())
	conn := newPipeConn()
	cfg := Config{
		Dialer: connection.DialerFunc(func(context.Context) (connection.Conn, error) { return conn, nil }),
		Clock:  clock.NewFake(t0),
	}

	a, err := reg.GetOrCreate("subject-1", cfg)
	require.NoError(t, err)
	b, err := reg.GetOrCreate("subject-1", Config{})
	require.NoError(t, err)
	assert.Same(t, a, b)
	assert.Equal(t, "subject-1", a.SubjectID())

	other, err := reg.GetOrCreate("subject-2", cfg)
	require.NoError(t, err)
	assert.NotSame(t, a, other)
	assert.Equal(t, 2, reg.Len())

	_, err = reg.GetOrCreate("subject-3", Config{})
	assert.Error(t, err)
	assert.Equal(t, 2, reg.Len())

	require.True(t, a.Connect(context.Background()))
	assert.True(t, reg.Remove("subject-1"))
	assert.False(t, reg.Remove("subject-1"))
	assert.False(t, a.ConnectionStatus().Connected)
	assert.False(t, a.Connect(context.Background()), "removed syncs are closed")

	_, ok := reg.Get("subject-2")
	assert.True(t, ok)
	reg.Close()
	assert.Zero(t, reg.Len())
}
