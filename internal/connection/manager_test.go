package connection

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"vitalsync/internal/logger"
	"vitalsync/pkg/clock"
	"vitalsync/pkg/envelope"
)

var t0 = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)

type fakeConn struct {
	in        chan []byte
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	written  []envelope.Envelope
	writeErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case frame := <-c.in:
		return frame, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) WriteMessage(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	env, err := envelope.Decode(frame)
	if err != nil {
		return err
	}
	c.written = append(c.written, env)
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

func (c *fakeConn) types() []envelope.Type {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]envelope.Type, 0, len(c.written))
	for _, env := range c.written {
		out = append(out, env.Type)
	}
	return out
}

func (c *fakeConn) push(t *testing.T, data envelope.Payload) {
	t.Helper()
	frame, err := envelope.EncodeAt(data.MessageType(), data, t0)
	require.NoError(t, err)
	c.in <- frame
}

// scriptedDialer hands out the queued results in order and fails once the
// queue is empty.
type scriptedDialer struct {
	mu      sync.Mutex
	results []func(ctx context.Context) (Conn, error)
	dials   atomic.Int32
}

func (d *scriptedDialer) then(conn Conn, err error) *scriptedDialer {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results = append(d.results, func(context.Context) (Conn, error) {
		if err != nil {
			return nil, err
		}
		return conn, nil
	})
	return d
}

func (d *scriptedDialer) hang() *scriptedDialer {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.results = append(d.results, func(ctx context.Context) (Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	return d
}

func (d *scriptedDialer) Dial(ctx context.Context) (Conn, error) {
	d.dials.Add(1)
	d.mu.Lock()
	if len(d.results) == 0 {
		d.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	next := d.results[0]
	d.results = d.results[1:]
	d.mu.Unlock()
	return next(ctx)
}

type stateRecorder struct {
	mu     sync.Mutex
	states []State
}

func (r *stateRecorder) record(s State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) all() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func testConfig() Config {
	return Config{
		ClientType:        "monitor",
		UserID:            "u-1",
		ConnectionTimeout: 5 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		StaleMultiplier:   2,
		BaseDelay:         time.Second,
		MaxDelay:          8 * time.Second,
		MaxAttempts:       3,
		DegradedLatency:   500 * time.Millisecond,
		PoorLatency:       2 * time.Second,
	}
}

func newTestManager(cfg Config, dialer Dialer, hooks Hooks) (*Manager, *clock.FakeClock) {
	clk := clock.NewFake(t0)
	return NewManager(cfg, dialer, clk, logger.NopLogger(), hooks), clk
}

func TestManager_ConnectSendsIdentification(t *testing.T) {
	conn := newFakeConn()
	rec := &stateRecorder{}
	m, _ := newTestManager(testConfig(), (&scriptedDialer{}).then(conn, nil), Hooks{OnState: rec.record})
	defer m.Close()

	require.True(t, m.Connect(context.Background()))

	st := m.State()
	assert.True(t, st.Connected)
	assert.False(t, st.Connecting)
	assert.Empty(t, st.LastError)
	assert.Equal(t, QualityGood, st.DataQuality)
	assert.Equal(t, StatusConnected, st.Status())

	require.Equal(t, []envelope.Type{envelope.TypeClientIdentification}, conn.types())
	conn.mu.Lock()
	ident := conn.written[0].Data.(envelope.ClientIdentification)
	conn.mu.Unlock()
	assert.Equal(t, "monitor", ident.ClientType)
	assert.Equal(t, "u-1", ident.UserID)

	states := rec.all()
	require.GreaterOrEqual(t, len(states), 2)
	assert.True(t, states[0].Connecting)
	assert.True(t, states[len(states)-1].Connected)

	// already connected
	assert.True(t, m.Connect(context.Background()))
	assert.Len(t, conn.types(), 1)
}

func TestManager_ConnectFailureDoesNotRetry(t *testing.T) {
	dialer := (&scriptedDialer{}).then(nil, errors.New("connection refused"))
	m, clk := newTestManager(testConfig(), dialer, Hooks{})
	defer m.Close()

	assert.False(t, m.Connect(context.Background()))
	st := m.State()
	assert.False(t, st.Connected)
	assert.False(t, st.Connecting)
	assert.Contains(t, st.LastError, "connection refused")

	clk.Advance(time.Minute)
	assert.Equal(t, int32(1), dialer.dials.Load())
}

func TestManager_ConnectTimeout(t *testing.T) {
	m, clk := newTestManager(testConfig(), (&scriptedDialer{}).hang(), Hooks{})
	defer m.Close()

	result := make(chan bool, 1)
	go func() { result <- m.Connect(context.Background()) }()

	require.Eventually(t, func() bool { return clk.Pending() > 0 }, time.Second, time.Millisecond)
	clk.Advance(5 * time.Second)

	select {
	case ok := <-result:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not return after the connection timeout")
	}
	st := m.State()
	assert.False(t, st.Connected)
	assert.False(t, st.Connecting)
	assert.Contains(t, st.LastError, "timed out")
}

func TestManager_ConcurrentConnectSharesAttempt(t *testing.T) {
	conn := newFakeConn()
	release := make(chan struct{})
	var dials atomic.Int32
	dialer := DialerFunc(func(ctx context.Context) (Conn, error) {
		dials.Add(1)
		<-release
		return conn, nil
	})
	m, _ := newTestManager(testConfig(), dialer, Hooks{})
	defer m.Close()

	var wg sync.WaitGroup
	results := make([]bool, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = m.Connect(context.Background())
		}(i)
	}
	require.Eventually(t, func() bool { return dials.Load() == 1 }, time.Second, time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), dials.Load())
	for _, ok := range results {
		assert.True(t, ok)
	}
}

func TestManager_ReconnectBoundedByMaxAttempts(t *testing.T) {
	conn := newFakeConn()
	dialer := (&scriptedDialer{}).then(conn, nil)
	rec := &stateRecorder{}
	m, clk := newTestManager(testConfig(), dialer, Hooks{OnState: rec.record})
	defer m.Close()

	require.True(t, m.Connect(context.Background()))
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool { return m.State().ReconnectAttempts == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, StatusConnecting, m.State().Status())

	for i := 0; i < 10; i++ {
		clk.Advance(10 * time.Second)
	}

	st := m.State()
	assert.True(t, st.Terminal)
	assert.False(t, st.Connecting)
	assert.Equal(t, 3, st.ReconnectAttempts)
	assert.Contains(t, st.LastError, "giving up after 3")
	assert.Equal(t, int32(1+3), dialer.dials.Load())
	assert.Equal(t, 0, clk.Pending())

	var delays []time.Duration
	for _, s := range rec.all() {
		if s.NextRetryIn > 0 {
			delays = append(delays, s.NextRetryIn)
		}
	}
	require.NotEmpty(t, delays)
	for i := 1; i < len(delays); i++ {
		assert.GreaterOrEqual(t, delays[i], delays[i-1])
	}
	for _, d := range delays {
		assert.LessOrEqual(t, d, 8*time.Second)
	}
}

func TestManager_ReconnectSucceeds(t *testing.T) {
	first, second := newFakeConn(), newFakeConn()
	dialer := (&scriptedDialer{}).then(first, nil).then(nil, errors.New("refused")).then(second, nil)
	m, clk := newTestManager(testConfig(), dialer, Hooks{})
	defer m.Close()

	require.True(t, m.Connect(context.Background()))
	require.NoError(t, first.Close())
	require.Eventually(t, func() bool { return m.State().Connecting }, time.Second, time.Millisecond)

	clk.Advance(time.Second)
	st := m.State()
	assert.False(t, st.Connected)
	assert.Equal(t, 2, st.ReconnectAttempts)
	assert.Equal(t, 2*time.Second, st.NextRetryIn)

	clk.Advance(2 * time.Second)
	st = m.State()
	assert.True(t, st.Connected)
	assert.Zero(t, st.ReconnectAttempts)
	assert.Equal(t, []envelope.Type{envelope.TypeClientIdentification}, second.types())
}

func TestManager_DisconnectSuppressesReconnect(t *testing.T) {
	conn := newFakeConn()
	dialer := (&scriptedDialer{}).then(conn, nil)
	m, clk := newTestManager(testConfig(), dialer, Hooks{})
	defer m.Close()

	require.True(t, m.Connect(context.Background()))
	m.Disconnect()

	assert.True(t, conn.isClosed())
	st := m.State()
	assert.False(t, st.Connected)
	assert.False(t, st.Connecting)
	assert.Equal(t, 3, st.ReconnectAttempts)
	assert.Equal(t, StatusOffline, st.Status())

	clk.Advance(time.Hour)
	assert.Equal(t, int32(1), dialer.dials.Load())
	assert.Equal(t, 0, clk.Pending())
}

func TestManager_DisconnectAbortsInflightConnect(t *testing.T) {
	m, clk := newTestManager(testConfig(), (&scriptedDialer{}).hang(), Hooks{})
	defer m.Close()

	result := make(chan bool, 1)
	go func() { result <- m.Connect(context.Background()) }()
	require.Eventually(t, func() bool { return m.State().Connecting }, time.Second, time.Millisecond)

	m.Disconnect()
	select {
	case ok := <-result:
		assert.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("Connect did not return after Disconnect")
	}
	assert.False(t, m.State().Connecting)
	clk.Advance(time.Hour)
	assert.False(t, m.State().Connected)
}

func TestManager_HeartbeatLatencyAndStaleness(t *testing.T) {
	conn, next := newFakeConn(), newFakeConn()
	m, clk := newTestManager(testConfig(), (&scriptedDialer{}).then(conn, nil).then(next, nil), Hooks{})
	defer m.Close()

	require.True(t, m.Connect(context.Background()))

	clk.Advance(30 * time.Second)
	require.Equal(t, []envelope.Type{envelope.TypeClientIdentification, envelope.TypePing}, conn.types())

	clk.Advance(600 * time.Millisecond)
	conn.push(t, envelope.Pong{Timestamp: t0})
	require.Eventually(t, func() bool { return m.State().LatencyMs == 600 }, time.Second, time.Millisecond)
	assert.Equal(t, QualityDegraded, m.State().DataQuality)
	assert.Equal(t, StatusDegraded, m.State().Status())

	// the pong above is the last traffic, so the beat at +120s finds the
	// socket silent for two intervals
	clk.Advance(30 * time.Second)
	assert.True(t, m.State().Connected)
	clk.Advance(30 * time.Second)
	assert.True(t, m.State().Connected)
	assert.Equal(t, QualityPoor, m.State().DataQuality)
	clk.Advance(29400 * time.Millisecond)

	assert.True(t, conn.isClosed())
	st := m.State()
	assert.False(t, st.Connected)
	assert.Contains(t, st.LastError, "heartbeat timeout")

	clk.Advance(time.Second)
	assert.True(t, m.State().Connected)
}

func TestManager_UnansweredPingMarksPoor(t *testing.T) {
	cfg := testConfig()
	cfg.StaleMultiplier = 4
	conn := newFakeConn()
	m, clk := newTestManager(cfg, (&scriptedDialer{}).then(conn, nil), Hooks{})
	defer m.Close()

	require.True(t, m.Connect(context.Background()))
	clk.Advance(30 * time.Second)
	assert.Equal(t, QualityGood, m.State().DataQuality)
	clk.Advance(30 * time.Second)
	assert.Equal(t, QualityPoor, m.State().DataQuality)
	assert.True(t, m.State().Connected)
}

func TestManager_AnswersServerPing(t *testing.T) {
	conn := newFakeConn()
	m, _ := newTestManager(testConfig(), (&scriptedDialer{}).then(conn, nil), Hooks{})
	defer m.Close()

	require.True(t, m.Connect(context.Background()))
	conn.push(t, envelope.Ping{Timestamp: t0})
	require.Eventually(t, func() bool { return len(conn.types()) == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, envelope.TypePong, conn.types()[1])
}

func TestManager_DispatchesInOrderAndCountsInvalidFrames(t *testing.T) {
	conn := newFakeConn()
	var mu sync.Mutex
	var got []float64
	hooks := Hooks{OnEnvelope: func(env envelope.Envelope) {
		mu.Lock()
		defer mu.Unlock()
		if u, ok := env.Data.(envelope.LiveHealthUpdate); ok {
			got = append(got, u.Value)
		}
	}}
	m, _ := newTestManager(testConfig(), (&scriptedDialer{}).then(conn, nil), hooks)
	defer m.Close()
	require.True(t, m.Connect(context.Background()))

	for i := 0; i < 5; i++ {
		conn.push(t, envelope.LiveHealthUpdate{Metric: "heart_rate", Value: float64(60 + i), Unit: "bpm", Timestamp: t0, Source: "watch"})
		if i == 2 {
			conn.in <- []byte(`{"type":"mystery","data":{},"timestamp":"2026-05-01T12:00:00Z"}`)
			conn.in <- []byte(`not json`)
		}
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 5
	}, time.Second, time.Millisecond)
	mu.Lock()
	assert.Equal(t, []float64{60, 61, 62, 63, 64}, got)
	mu.Unlock()

	assert.Equal(t, uint64(2), m.State().InvalidFrames)
	assert.True(t, m.State().Connected)
}

func TestManager_HandlerPanicDoesNotKillReader(t *testing.T) {
	conn := newFakeConn()
	var calls atomic.Int32
	hooks := Hooks{OnEnvelope: func(envelope.Envelope) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
	}}
	m, _ := newTestManager(testConfig(), (&scriptedDialer{}).then(conn, nil), hooks)
	defer m.Close()
	require.True(t, m.Connect(context.Background()))

	conn.push(t, envelope.Error{Message: "first"})
	conn.push(t, envelope.Error{Message: "second"})
	require.Eventually(t, func() bool { return calls.Load() == 2 }, time.Second, time.Millisecond)
	assert.True(t, m.State().Connected)
}

func TestManager_Send(t *testing.T) {
	conn := newFakeConn()
	m, clk := newTestManager(testConfig(), (&scriptedDialer{}).then(conn, nil), Hooks{})
	defer m.Close()

	alert := envelope.New(envelope.EmergencyAlert{Kind: "fall", Severity: "high", Message: "Fall detected", Timestamp: t0}, t0)
	assert.ErrorIs(t, m.Send(alert), ErrNotConnected)

	require.True(t, m.Connect(context.Background()))
	require.NoError(t, m.Send(alert))
	assert.Equal(t, envelope.TypeEmergencyAlert, conn.types()[1])

	conn.mu.Lock()
	conn.writeErr = errors.New("broken pipe")
	conn.mu.Unlock()

	err := m.Send(alert)
	assert.ErrorIs(t, err, ErrSendFailed)
	assert.False(t, m.State().Connected)
	assert.True(t, m.State().Connecting)
	assert.Equal(t, 1, clk.Pending())
}

func TestManager_CloseRejectsConnect(t *testing.T) {
	conn := newFakeConn()
	dialer := (&scriptedDialer{}).then(conn, nil)
	m, _ := newTestManager(testConfig(), dialer, Hooks{})

	m.Close()
	assert.False(t, m.Connect(context.Background()))
	assert.Zero(t, dialer.dials.Load())
}
