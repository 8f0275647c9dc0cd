// Package connection owns the client side of one live channel: dialing,
// identification, heartbeats, stale detection and bounded reconnects.
//
// Expected failures (dial errors, drops, timeouts) never surface as errors
// from the public methods. They show up as State transitions delivered to
// Hooks.OnState.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"vitalsync/internal/logger"
	"vitalsync/pkg/clock"
	"vitalsync/pkg/envelope"
	apperrors "vitalsync/pkg/errors"
	"vitalsync/pkg/metrics"
	"vitalsync/pkg/retry"
)

var (
	ErrNotConnected   = errors.New("live channel is not connected")
	ErrSendFailed     = errors.New("failed to write to live channel")
	ErrConnectTimeout = errors.New("connect timed out")

	errHeartbeatTimeout = errors.New("heartbeat timeout: no traffic from server")
	errAborted          = errors.New("connect aborted")
)

type Config struct {
	ClientType        string
	UserID            string
	ConnectionTimeout time.Duration
	HeartbeatInterval time.Duration
	// StaleMultiplier times HeartbeatInterval without any inbound traffic
	// marks the socket dead.
	StaleMultiplier int
	BaseDelay       time.Duration
	MaxDelay        time.Duration
	// MaxAttempts bounds consecutive automatic reconnects. Zero disables
	// automatic reconnection.
	MaxAttempts     int
	DegradedLatency time.Duration
	PoorLatency     time.Duration
}

func DefaultConfig() Config {
	return Config{
		ClientType:        "monitor",
		UserID:            "anonymous",
		ConnectionTimeout: 10 * time.Second,
		HeartbeatInterval: 30 * time.Second,
		StaleMultiplier:   2,
		BaseDelay:         time.Second,
		MaxDelay:          30 * time.Second,
		MaxAttempts:       5,
		DegradedLatency:   500 * time.Millisecond,
		PoorLatency:       2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.ClientType == "" {
		c.ClientType = d.ClientType
	}
	if c.UserID == "" {
		c.UserID = d.UserID
	}
	if c.ConnectionTimeout <= 0 {
		c.ConnectionTimeout = d.ConnectionTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = d.HeartbeatInterval
	}
	if c.StaleMultiplier < 1 {
		c.StaleMultiplier = d.StaleMultiplier
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = d.BaseDelay
	}
	if c.MaxDelay < c.BaseDelay {
		c.MaxDelay = c.BaseDelay
	}
	if c.MaxAttempts < 0 {
		c.MaxAttempts = 0
	}
	return c
}

// Hooks are invoked without any Manager lock held. OnEnvelope runs on the
// read goroutine, so envelopes arrive in receive order.
type Hooks struct {
	OnEnvelope func(envelope.Envelope)
	OnState    func(State)
}

type attempt struct {
	done   chan struct{}
	ok     bool
	cancel context.CancelFunc
}

type Manager struct {
	cfg    Config
	dialer Dialer
	clock  clock.Clock
	logger logger.Logger
	hooks  Hooks

	writeMu sync.Mutex

	mu             sync.Mutex
	state          State
	lastStatus     Status
	conn           Conn
	gen            uint64
	inflight       *attempt
	reconnectSeq   uint64
	reconnectTimer clock.Timer
	heartbeatTimer clock.Timer
	lastSeen       time.Time
	pingSentAt     time.Time
	manual         bool
	closed         bool
}

func NewManager(cfg Config, dialer Dialer, clk clock.Clock, log logger.Logger, hooks Hooks) *Manager {
	if clk == nil {
		clk = clock.Real()
	}
	return &Manager{
		cfg:        cfg.withDefaults(),
		dialer:     dialer,
		clock:      clk,
		logger:     log,
		hooks:      hooks,
		state:      initialState(),
		lastStatus: StatusOffline,
	}
}

// State returns a snapshot of the channel state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect opens the channel and blocks until it is identified, the
// configured timeout elapses or ctx is done. It reports whether the channel
// is connected. A failed explicit Connect does not schedule reconnects.
func (m *Manager) Connect(ctx context.Context) bool {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return false
	}
	if m.state.Connected {
		m.mu.Unlock()
		return true
	}
	m.manual = false
	m.cancelReconnectLocked()

	if a := m.inflight; a != nil {
		m.mu.Unlock()
		select {
		case <-a.done:
			return a.ok
		case <-ctx.Done():
			return false
		}
	}

	a, dialCtx := m.startAttemptLocked(ctx)
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	m.notify(snapshot)
	return m.runAttempt(a, dialCtx, false)
}

// Disconnect closes the channel, cancels every timer and suppresses
// automatic reconnection until the next Connect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.manual = true
	m.cancelReconnectLocked()
	m.stopTimer(&m.heartbeatTimer)
	if a := m.inflight; a != nil {
		a.cancel()
		m.inflight = nil
	}
	conn := m.conn
	m.conn = nil
	m.gen++
	m.pingSentAt = time.Time{}

	invalid := m.state.InvalidFrames
	m.state = initialState()
	m.state.ReconnectAttempts = m.cfg.MaxAttempts
	m.state.InvalidFrames = invalid
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
		m.logger.Infow("Live channel disconnected")
	}
	m.notify(snapshot)
}

// Close disconnects and makes every later Connect fail. No timer owned by
// the Manager fires after Close returns.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	m.Disconnect()
}

// Send writes env to the socket. It returns ErrNotConnected without
// touching the network when the channel is down, and ErrSendFailed when the
// write itself fails (which also drops the connection).
func (m *Manager) Send(env envelope.Envelope) error {
	m.mu.Lock()
	if !m.state.Connected || m.conn == nil {
		m.mu.Unlock()
		return ErrNotConnected
	}
	conn, gen := m.conn, m.gen
	m.mu.Unlock()

	frame, err := envelope.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", env.Type, err)
	}

	if err := m.write(conn, frame); err != nil {
		m.connectionLost(gen, err)
		return fmt.Errorf("%w: %v", ErrSendFailed, err)
	}
	return nil
}

func (m *Manager) startAttemptLocked(parent context.Context) (*attempt, context.Context) {
	ctx, cancel := context.WithCancel(parent)
	a := &attempt{done: make(chan struct{}), cancel: cancel}
	m.inflight = a
	m.state.Connecting = true
	m.state.Terminal = false
	return a, ctx
}

func (m *Manager) runAttempt(a *attempt, ctx context.Context, auto bool) bool {
	defer a.cancel()

	var timedOut atomic.Bool
	timeout := m.clock.AfterFunc(m.cfg.ConnectionTimeout, func() {
		timedOut.Store(true)
		a.cancel()
	})

	conn, err := m.dial(ctx)
	timeout.Stop()
	if err != nil && timedOut.Load() {
		err = fmt.Errorf("%w after %s", ErrConnectTimeout, m.cfg.ConnectionTimeout)
	}
	if err == nil {
		if err = m.identify(conn); err != nil {
			_ = conn.Close()
			err = fmt.Errorf("failed to send identification: %w", err)
		}
	}

	m.mu.Lock()
	aborted := m.inflight != a
	if !aborted {
		m.inflight = nil
	}
	if err == nil && (aborted || m.closed) {
		_ = conn.Close()
		err = errAborted
	}

	if aborted {
		m.mu.Unlock()
		close(a.done)
		return false
	}

	if err != nil {
		m.state.Connecting = false
		m.state.LastError = err.Error()
		if auto {
			metrics.IncReconnectAttempt("failed")
			if !m.manual && !m.closed {
				m.scheduleReconnectLocked()
			}
		}
		snapshot := m.snapshotLocked()
		m.mu.Unlock()

		close(a.done)
		m.logger.Warnw("Live channel connect failed",
			"error", err,
			"automatic", auto,
			"reconnect_attempts", snapshot.ReconnectAttempts,
		)
		m.notify(snapshot)
		return false
	}

	m.gen++
	gen := m.gen
	m.conn = conn
	m.lastSeen = m.clock.Now()
	m.pingSentAt = time.Time{}
	m.state.Connected = true
	m.state.Connecting = false
	m.state.LastError = ""
	m.state.ReconnectAttempts = 0
	m.state.Terminal = false
	m.state.Latency = 0
	m.state.LatencyMs = 0
	m.state.DataQuality = QualityGood
	m.armHeartbeatLocked(gen)
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	a.ok = true
	close(a.done)

	if auto {
		metrics.IncReconnectAttempt("succeeded")
	}
	m.logger.Infow("Live channel connected", "automatic", auto)

	go m.readLoop(gen, conn)
	m.notify(snapshot)
	return true
}

// dial runs the Dialer in its own goroutine so that a Dialer ignoring ctx
// cannot hold Connect past its deadline. A late connection is closed.
func (m *Manager) dial(ctx context.Context) (Conn, error) {
	type result struct {
		conn Conn
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		conn, err := m.dialer.Dial(ctx)
		ch <- result{conn: conn, err: err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		if ctx.Err() != nil {
			_ = r.conn.Close()
			return nil, ctx.Err()
		}
		return r.conn, nil
	case <-ctx.Done():
		go func() {
			if r := <-ch; r.conn != nil {
				_ = r.conn.Close()
			}
		}()
		return nil, ctx.Err()
	}
}

func (m *Manager) identify(conn Conn) error {
	frame, err := envelope.EncodeAt(envelope.TypeClientIdentification, envelope.ClientIdentification{
		ClientType: m.cfg.ClientType,
		UserID:     m.cfg.UserID,
		Timestamp:  m.clock.Now().UTC(),
	}, m.clock.Now())
	if err != nil {
		return err
	}
	return m.write(conn, frame)
}

func (m *Manager) write(conn Conn, frame []byte) error {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	return conn.WriteMessage(frame)
}

func (m *Manager) writePayload(conn Conn, data envelope.Payload) error {
	frame, err := envelope.EncodeAt(data.MessageType(), data, m.clock.Now())
	if err != nil {
		return err
	}
	return m.write(conn, frame)
}

func (m *Manager) readLoop(gen uint64, conn Conn) {
	for {
		frame, err := conn.ReadMessage()
		if err != nil {
			m.connectionLost(gen, err)
			return
		}
		if !m.handleFrame(gen, conn, frame) {
			return
		}
	}
}

// handleFrame returns false once gen is no longer the live connection.
func (m *Manager) handleFrame(gen uint64, conn Conn, frame []byte) bool {
	m.mu.Lock()
	if gen != m.gen {
		m.mu.Unlock()
		return false
	}
	m.lastSeen = m.clock.Now()
	m.mu.Unlock()

	env, err := envelope.Decode(frame)
	if err != nil {
		reason := "unknown"
		var verr *envelope.ValidationError
		if errors.As(err, &verr) {
			reason = string(verr.Reason)
		}
		m.mu.Lock()
		m.state.InvalidFrames++
		m.mu.Unlock()
		metrics.IncFrameDropped("client", reason)
		m.logger.Debugw("Dropped invalid frame", "reason", reason, "error", err)
		return true
	}
	metrics.IncFrameDecoded("client", env.Type.String())

	switch env.Type {
	case envelope.TypePong:
		m.recordPong(gen)
	case envelope.TypePing:
		if err := m.writePayload(conn, envelope.Pong{Timestamp: m.clock.Now().UTC()}); err != nil {
			m.connectionLost(gen, err)
			return false
		}
	default:
		if m.hooks.OnEnvelope != nil {
			if err := apperrors.Guard(func() { m.hooks.OnEnvelope(env) }); err != nil {
				m.logger.Errorw("Envelope handler panicked", "type", env.Type, "error", err)
			}
		}
	}
	return true
}

func (m *Manager) recordPong(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || m.pingSentAt.IsZero() {
		m.mu.Unlock()
		return
	}
	latency := m.clock.Now().Sub(m.pingSentAt)
	m.pingSentAt = time.Time{}
	m.state.Latency = latency
	m.state.LatencyMs = latency.Milliseconds()
	m.state.DataQuality = qualityFor(latency, m.cfg.DegradedLatency, m.cfg.PoorLatency)
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	metrics.ObserveHeartbeatLatency(latency)
	m.notify(snapshot)
}

func (m *Manager) armHeartbeatLocked(gen uint64) {
	m.stopTimer(&m.heartbeatTimer)
	m.heartbeatTimer = m.clock.AfterFunc(m.cfg.HeartbeatInterval, func() {
		m.heartbeat(gen)
	})
}

func (m *Manager) heartbeat(gen uint64) {
	m.mu.Lock()
	if gen != m.gen || !m.state.Connected || m.conn == nil {
		m.mu.Unlock()
		return
	}

	now := m.clock.Now()
	staleAfter := m.cfg.HeartbeatInterval * time.Duration(m.cfg.StaleMultiplier)
	if now.Sub(m.lastSeen) >= staleAfter {
		m.mu.Unlock()
		m.connectionLost(gen, errHeartbeatTimeout)
		return
	}

	// an unanswered ping from the previous beat means the round trip is
	// already longer than the interval
	var snapshot *State
	if !m.pingSentAt.IsZero() {
		if m.state.DataQuality != QualityPoor {
			m.state.DataQuality = QualityPoor
			s := m.snapshotLocked()
			snapshot = &s
		}
	} else {
		m.pingSentAt = now
	}
	conn := m.conn
	m.armHeartbeatLocked(gen)
	m.mu.Unlock()

	if snapshot != nil {
		m.notify(*snapshot)
	}
	if err := m.writePayload(conn, envelope.Ping{Timestamp: now.UTC()}); err != nil {
		m.connectionLost(gen, err)
	}
}

// connectionLost tears down connection gen and, unless the user asked for
// the disconnect, schedules the next reconnect.
func (m *Manager) connectionLost(gen uint64, cause error) {
	m.mu.Lock()
	if gen != m.gen || m.conn == nil {
		m.mu.Unlock()
		return
	}
	conn := m.conn
	m.conn = nil
	m.gen++
	m.stopTimer(&m.heartbeatTimer)
	m.pingSentAt = time.Time{}
	m.state.Connected = false
	m.state.Latency = 0
	m.state.LatencyMs = 0
	m.state.DataQuality = QualityGood
	m.state.LastError = cause.Error()
	if !m.manual && !m.closed {
		m.scheduleReconnectLocked()
	}
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	_ = conn.Close()
	m.logger.Warnw("Live channel lost", "error", cause, "reconnect_attempts", snapshot.ReconnectAttempts)
	m.notify(snapshot)
}

func (m *Manager) scheduleReconnectLocked() {
	if m.state.ReconnectAttempts >= m.cfg.MaxAttempts {
		m.state.Connecting = false
		m.state.Terminal = true
		m.state.LastError = fmt.Sprintf("giving up after %d reconnect attempts: %s", m.cfg.MaxAttempts, m.state.LastError)
		metrics.IncReconnectAttempt("exhausted")
		m.logger.Errorw("Live channel reconnect attempts exhausted", "max_attempts", m.cfg.MaxAttempts)
		return
	}

	delay := retry.CalculateBackoffDuration(m.state.ReconnectAttempts, m.cfg.BaseDelay, 2, m.cfg.MaxDelay)
	m.state.ReconnectAttempts++
	m.state.Connecting = true
	m.state.NextRetryIn = delay

	m.reconnectSeq++
	seq := m.reconnectSeq
	m.reconnectTimer = m.clock.AfterFunc(delay, func() {
		m.reconnect(seq)
	})
	metrics.IncReconnectAttempt("scheduled")
}

func (m *Manager) cancelReconnectLocked() {
	m.reconnectSeq++
	m.stopTimer(&m.reconnectTimer)
	m.state.NextRetryIn = 0
}

func (m *Manager) reconnect(seq uint64) {
	m.mu.Lock()
	if seq != m.reconnectSeq || m.closed || m.manual || m.state.Connected || m.inflight != nil {
		m.mu.Unlock()
		return
	}
	m.reconnectTimer = nil
	m.state.NextRetryIn = 0
	a, ctx := m.startAttemptLocked(context.Background())
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	m.notify(snapshot)
	m.runAttempt(a, ctx, true)
}

func (m *Manager) stopTimer(t *clock.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func (m *Manager) snapshotLocked() State {
	if status := m.state.Status(); status != m.lastStatus {
		m.lastStatus = status
		metrics.IncConnectionTransition(string(status))
	}
	return m.state
}

func (m *Manager) notify(s State) {
	if m.hooks.OnState == nil {
		return
	}
	if err := apperrors.Guard(func() { m.hooks.OnState(s) }); err != nil {
		m.logger.Errorw("State handler panicked", "error", err)
	}
}
