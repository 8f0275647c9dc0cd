// Package emergency holds at most one pending emergency alert per subject
// and either cancels it or delivers it once its grace window elapses.
package emergency

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"vitalsync/internal/logger"
	"vitalsync/pkg/clock"
	"vitalsync/pkg/envelope"
	apperrors "vitalsync/pkg/errors"
	"vitalsync/pkg/metrics"
)

var (
	ErrInvalidWindow = errors.New("grace window must be positive")
	ErrClosed        = errors.New("emergency coordinator is closed")
)

// Sender delivers an envelope over the live channel.
type Sender interface {
	Send(env envelope.Envelope) error
}

type EventKind string

const (
	EventPending    EventKind = "pending"
	EventSuperseded EventKind = "superseded"
	EventCancelled  EventKind = "cancelled"
	EventSent       EventKind = "sent"
	EventFailed     EventKind = "failed"
)

type Event struct {
	Kind      EventKind               `json:"kind"`
	AlertID   string                  `json:"alertId"`
	Alert     envelope.EmergencyAlert `json:"alert"`
	CreatedAt time.Time               `json:"createdAt"`
	ExpiresAt time.Time               `json:"expiresAt"`
	// Err is set on EventFailed.
	Err error `json:"-"`
}

// Listener receives every Event in the order the transitions happened, one
// at a time. It may call Trigger or Cancel; the events those calls cause are
// delivered after the listener returns.
type Listener func(Event)

type pendingAlert struct {
	id        string
	alert     envelope.EmergencyAlert
	createdAt time.Time
	expiresAt time.Time
	timer     clock.Timer
	// claimed is set, under Coordinator.mu, by whichever of fire, Cancel,
	// supersession or Close gets to the alert first.
	claimed bool
}

func (p *pendingAlert) event(kind EventKind, err error) Event {
	return Event{
		Kind:      kind,
		AlertID:   p.id,
		Alert:     p.alert,
		CreatedAt: p.createdAt,
		ExpiresAt: p.expiresAt,
		Err:       err,
	}
}

type Coordinator struct {
	sender   Sender
	clock    clock.Clock
	logger   logger.Logger
	listener Listener

	mu      sync.Mutex
	pending *pendingAlert
	closed  bool
	// queue holds events not yet handed to the listener. Only the goroutine
	// that set delivering calls the listener.
	queue      []Event
	delivering bool
}

func NewCoordinator(sender Sender, clk clock.Clock, log logger.Logger, listener Listener) *Coordinator {
	if clk == nil {
		clk = clock.Real()
	}
	return &Coordinator{
		sender:   sender,
		clock:    clk,
		logger:   log,
		listener: listener,
	}
}

// Trigger arms a new alert that is sent once window elapses unless it is
// cancelled or superseded first. A previously pending alert is superseded.
// The pending event is queued before anything touches the network and is
// delivered before Trigger returns, unless a listener is already running on
// this or another goroutine; that delivery loop then hands it over next.
func (c *Coordinator) Trigger(alert envelope.EmergencyAlert, window time.Duration) (Event, error) {
	if window <= 0 {
		return Event{}, fmt.Errorf("%w: %s", ErrInvalidWindow, window)
	}

	now := c.clock.Now()
	if alert.Timestamp.IsZero() {
		alert.Timestamp = now.UTC()
	}
	if _, err := envelope.Marshal(envelope.New(alert, now)); err != nil {
		return Event{}, fmt.Errorf("invalid emergency alert: %w", err)
	}

	p := &pendingAlert{
		id:        uuid.New().String(),
		alert:     alert,
		createdAt: now,
		expiresAt: now.Add(window),
	}
	pending := p.event(EventPending, nil)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return Event{}, ErrClosed
	}
	if prev := c.pending; prev != nil {
		prev.claimed = true
		prev.timer.Stop()
		c.queue = append(c.queue, prev.event(EventSuperseded, nil))
	}
	c.pending = p
	c.queue = append(c.queue, pending)
	p.timer = c.clock.AfterFunc(window, func() { c.fire(p) })
	c.mu.Unlock()

	c.deliver()

	c.logger.Infow("Emergency alert pending",
		"alert_id", p.id,
		"kind", alert.Kind,
		"severity", alert.Severity,
		"expires_at", p.expiresAt,
	)
	return pending, nil
}

// Cancel withdraws the pending alert. It reports false when there was
// nothing left to cancel, including when delivery already started.
func (c *Coordinator) Cancel() bool {
	c.mu.Lock()
	p := c.pending
	if p == nil || p.claimed {
		c.mu.Unlock()
		return false
	}
	p.claimed = true
	p.timer.Stop()
	c.pending = nil
	c.queue = append(c.queue, p.event(EventCancelled, nil))
	c.mu.Unlock()

	c.deliver()
	c.logger.Infow("Emergency alert cancelled", "alert_id", p.id, "kind", p.alert.Kind)
	return true
}

// Pending returns the alert waiting for its window to elapse, if any.
func (c *Coordinator) Pending() (Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return Event{}, false
	}
	return c.pending.event(EventPending, nil), true
}

// Close cancels any pending alert. No alert is sent after Close returns.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	c.Cancel()
}

func (c *Coordinator) fire(p *pendingAlert) {
	c.mu.Lock()
	if c.pending != p || p.claimed {
		c.mu.Unlock()
		return
	}
	p.claimed = true
	c.pending = nil
	c.mu.Unlock()

	env := envelope.New(p.alert, c.clock.Now())
	if err := c.sender.Send(env); err != nil {
		err = apperrors.ErrDeliveryFailed.WithCause(err)
		c.logger.Errorw("Emergency alert delivery failed",
			"alert_id", p.id,
			"kind", p.alert.Kind,
			"error", err,
		)
		c.publish(p.event(EventFailed, err))
		return
	}

	c.logger.Infow("Emergency alert sent", "alert_id", p.id, "kind", p.alert.Kind)
	c.publish(p.event(EventSent, nil))
}

func (c *Coordinator) publish(e Event) {
	c.mu.Lock()
	c.queue = append(c.queue, e)
	c.mu.Unlock()
	c.deliver()
}

// deliver drains the queue unless a delivery loop is already running, in
// which case that loop picks up whatever was queued.
func (c *Coordinator) deliver() {
	c.mu.Lock()
	if c.delivering {
		c.mu.Unlock()
		return
	}
	c.delivering = true
	for len(c.queue) > 0 {
		e := c.queue[0]
		c.queue = c.queue[1:]
		c.mu.Unlock()
		c.emit(e)
		c.mu.Lock()
	}
	c.delivering = false
	c.mu.Unlock()
}

func (c *Coordinator) emit(e Event) {
	metrics.IncEmergencyEvent(string(e.Kind))
	if c.listener == nil {
		return
	}
	if err := apperrors.Guard(func() { c.listener(e) }); err != nil {
		c.logger.Errorw("Emergency listener panicked", "event", e.Kind, "error", err)
	}
}
