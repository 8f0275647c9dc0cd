// Package relay is the server end of the live channel. It keeps one stream
// per subject with any number of observer connections and fans frames out
// between them, either in process or through the broker when several
// server instances share subjects.
package relay

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"vitalsync/internal/emergency"
	"vitalsync/internal/logger"
	"vitalsync/internal/ratelimit"
	"vitalsync/pkg/envelope"
	"vitalsync/pkg/metrics"
)

// Forwarder moves a frame that arrived on connection origin to every
// observer of subjectID. origin is empty for server generated frames.
type Forwarder interface {
	Forward(ctx context.Context, subjectID, origin string, env envelope.Envelope) error
}

type Options struct {
	SendBuffer      int
	WriteTimeout    time.Duration
	MaxMessageBytes int64
	// Fanout defaults to in-process delivery.
	Fanout Forwarder
	// Alerts additionally receives every emergency alert a client sends.
	Alerts Forwarder
	// Audit records received emergency alerts.
	Audit        emergency.AuditRepository
	AuditTimeout time.Duration
	// Limiter meters the live_health_update and emergency_alert frames a
	// device writes, one bucket per device and frame type. Nil disables it.
	Limiter   *ratelimit.Service
	LiveQuota ratelimit.Quota
}

type Hub struct {
	opts   Options
	logger logger.Logger

	mu       sync.RWMutex
	subjects map[string]map[string]*client
	closed   bool
}

func NewHub(opts Options, log logger.Logger) *Hub {
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = 64
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.MaxMessageBytes <= 0 {
		opts.MaxMessageBytes = 64 << 10
	}
	if opts.AuditTimeout <= 0 {
		opts.AuditTimeout = 2 * time.Second
	}
	return &Hub{
		opts:     opts,
		logger:   log,
		subjects: make(map[string]map[string]*client),
	}
}

// Publish delivers a server generated frame to every observer of
// subjectID through the configured fan-out.
func (h *Hub) Publish(ctx context.Context, subjectID string, env envelope.Envelope) error {
	return h.fanout().Forward(ctx, subjectID, "", env)
}

// Forward is the in-process fan-out.
func (h *Hub) Forward(_ context.Context, subjectID, origin string, env envelope.Envelope) error {
	h.Broadcast(subjectID, env, origin)
	return nil
}

// Broadcast queues env on every connection of subjectID except exclude
// and returns how many connections it was queued on. A connection whose
// send buffer is full is dropped.
func (h *Hub) Broadcast(subjectID string, env envelope.Envelope, exclude string) int {
	frame, err := envelope.Marshal(env)
	if err != nil {
		h.logger.Errorw("Refusing to broadcast invalid frame", "subject_id", subjectID, "type", env.Type, "error", err)
		return 0
	}

	h.mu.RLock()
	targets := make([]*client, 0, len(h.subjects[subjectID]))
	for id, c := range h.subjects[subjectID] {
		if id != exclude {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	delivered := 0
	for _, c := range targets {
		if c.enqueue(frame) {
			delivered++
			metrics.IncRelayFrameSent(env.Type.String())
			continue
		}
		metrics.IncRelaySlowConsumer()
		h.logger.Warnw("Dropping slow observer", "subject_id", subjectID, "connection_id", c.id)
		c.close()
	}
	return delivered
}

// Connections returns the number of open connections for subjectID.
func (h *Hub) Connections(subjectID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subjects[subjectID])
}

// Close disconnects every observer and rejects new ones.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*client
	for _, conns := range h.subjects {
		for _, c := range conns {
			all = append(all, c)
		}
	}
	h.mu.Unlock()

	for _, c := range all {
		c.close()
	}
}

func (h *Hub) Closed() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.closed
}

// Serve runs one observer connection until it closes. It owns ws.
func (h *Hub) Serve(ctx context.Context, ws *websocket.Conn, subjectID, deviceKey string) {
	c := newClient(h, ws, subjectID, deviceKey)
	if !h.register(c) {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second))
		_ = ws.Close()
		return
	}
	defer h.unregister(c)

	c.run(ctx)
}

func (h *Hub) register(c *client) bool {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return false
	}
	conns, ok := h.subjects[c.subjectID]
	if !ok {
		conns = make(map[string]*client)
		h.subjects[c.subjectID] = conns
	}
	conns[c.id] = c
	h.updateGaugesLocked()
	h.mu.Unlock()

	c.logger.Infow("Observer connected")
	return true
}

func (h *Hub) unregister(c *client) {
	c.close()

	h.mu.Lock()
	if conns, ok := h.subjects[c.subjectID]; ok {
		delete(conns, c.id)
		if len(conns) == 0 {
			delete(h.subjects, c.subjectID)
		}
	}
	h.updateGaugesLocked()
	h.mu.Unlock()

	c.logger.Infow("Observer disconnected")
}

func (h *Hub) updateGaugesLocked() {
	total := 0
	for _, conns := range h.subjects {
		total += len(conns)
	}
	metrics.SetRelayActiveSubjects(len(h.subjects))
	metrics.SetRelayActiveConnections(total)
}

func (h *Hub) fanout() Forwarder {
	if h.opts.Fanout != nil {
		return h.opts.Fanout
	}
	return h
}

func (h *Hub) auditAlert(c *client, alert envelope.EmergencyAlert) {
	if h.opts.Audit == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), h.opts.AuditTimeout)
	defer cancel()

	err := h.opts.Audit.Record(ctx, &emergency.AuditEntry{
		SubjectID:  c.subjectID,
		Event:      "received",
		Kind:       alert.Kind,
		Severity:   alert.Severity,
		Message:    alert.Message,
		Source:     emergency.SourceRelay,
		OccurredAt: time.Now().UTC(),
	})
	if err != nil {
		c.logger.Warnw("Failed to audit emergency alert", "kind", alert.Kind, "error", err)
	}
}
