// Package livesync is the single entry point application code uses for one
// subject's live stream: connection lifecycle, typed inbound routing,
// emergency alerts and history paging.
package livesync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"vitalsync/internal/connection"
	"vitalsync/internal/emergency"
	"vitalsync/internal/logger"
	"vitalsync/internal/threshold"
	"vitalsync/pkg/clock"
	"vitalsync/pkg/envelope"
	apperrors "vitalsync/pkg/errors"
	"vitalsync/pkg/metrics"
)

const defaultEmergencyWindow = 10 * time.Second

var ErrHistoryUnavailable = errors.New("history source is not configured")

// HistoryFetcher reads one page of a subject's history.
type HistoryFetcher interface {
	Page(ctx context.Context, subjectID, cursor string, limit int) (envelope.HistoricalDataUpdate, error)
}

// Handlers are the callbacks a subscriber is interested in; nil entries are
// skipped. Inbound envelopes are delivered in receive order on the
// connection's read goroutine, so handlers should return quickly.
// OnEmergencyEvent may call TriggerEmergency or CancelPendingEmergency; the
// resulting events arrive after it returns.
type Handlers struct {
	OnLiveUpdate       func(envelope.LiveHealthUpdate)
	OnHistoricalPage   func(envelope.HistoricalDataUpdate)
	OnEmergencyAlert   func(envelope.EmergencyAlert)
	OnConnectionStatus func(connection.State)
	OnEmergencyEvent   func(emergency.Event)
	OnServerError      func(envelope.Error)
}

type Config struct {
	SubjectID  string
	Connection connection.Config
	Dialer     connection.Dialer
	// History is optional; without it RequestHistory fails.
	History         HistoryFetcher
	HistoryPageSize int
	// Thresholds is optional; matching rules trigger emergencies.
	Thresholds      *threshold.Engine
	EmergencyWindow time.Duration
	// EmergencyAudit receives every emergency event in addition to
	// subscribers.
	EmergencyAudit emergency.Listener
	Clock          clock.Clock
}

type Sync struct {
	subjectID       string
	history         HistoryFetcher
	pageSize        int
	thresholds      *threshold.Engine
	emergencyWindow time.Duration
	logger          logger.Logger

	conn      *connection.Manager
	emergency *emergency.Coordinator

	mu       sync.RWMutex
	subs     map[uint64]Handlers
	nextSub  uint64
	clientID string
}

func New(cfg Config, log logger.Logger) (*Sync, error) {
	if cfg.SubjectID == "" {
		return nil, apperrors.ErrValidation.WithDetail("message", "subject id is required")
	}
	if cfg.Dialer == nil {
		return nil, apperrors.ErrValidation.WithDetail("message", "dialer is required")
	}
	if cfg.EmergencyWindow <= 0 {
		cfg.EmergencyWindow = defaultEmergencyWindow
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}

	s := &Sync{
		subjectID:       cfg.SubjectID,
		history:         cfg.History,
		pageSize:        cfg.HistoryPageSize,
		thresholds:      cfg.Thresholds,
		emergencyWindow: cfg.EmergencyWindow,
		logger:          log.With("subject_id", cfg.SubjectID),
		subs:            make(map[uint64]Handlers),
	}

	s.conn = connection.NewManager(cfg.Connection, cfg.Dialer, cfg.Clock, s.logger, connection.Hooks{
		OnEnvelope: s.route,
		OnState:    s.publishState,
	})
	s.emergency = emergency.NewCoordinator(s.conn, cfg.Clock, s.logger,
		emergency.Fanout(s.publishEmergencyEvent, cfg.EmergencyAudit))

	return s, nil
}

func (s *Sync) SubjectID() string {
	return s.subjectID
}

// ClientID is the id the server assigned in connection_established, empty
// until the first one arrives.
func (s *Sync) ClientID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clientID
}

func (s *Sync) Connect(ctx context.Context) bool {
	return s.conn.Connect(ctx)
}

func (s *Sync) Disconnect() {
	s.conn.Disconnect()
}

// Close cancels any pending emergency, closes the channel and drops every
// subscriber.
func (s *Sync) Close() {
	s.emergency.Close()
	s.conn.Close()
	s.mu.Lock()
	s.subs = make(map[uint64]Handlers)
	s.mu.Unlock()
}

func (s *Sync) ConnectionStatus() connection.State {
	return s.conn.State()
}

// Subscribe registers h and returns a function that removes it. The
// returned function is safe to call more than once.
func (s *Sync) Subscribe(h Handlers) func() {
	s.mu.Lock()
	s.nextSub++
	id := s.nextSub
	s.subs[id] = h
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// TriggerEmergency arms an alert for window (the configured default when
// window is zero). Subscribers see the pending event before this returns.
func (s *Sync) TriggerEmergency(alert envelope.EmergencyAlert, window time.Duration) (emergency.Event, error) {
	if window == 0 {
		window = s.emergencyWindow
	}
	return s.emergency.Trigger(alert, window)
}

func (s *Sync) CancelPendingEmergency() bool {
	return s.emergency.Cancel()
}

func (s *Sync) PendingEmergency() (emergency.Event, bool) {
	return s.emergency.Pending()
}

// RequestHistory fetches one page and hands it to OnHistoricalPage as
// well as returning it. Following nextCursor is up to the caller.
func (s *Sync) RequestHistory(ctx context.Context, cursor string) (envelope.HistoricalDataUpdate, error) {
	if s.history == nil {
		return envelope.HistoricalDataUpdate{}, ErrHistoryUnavailable
	}
	page, err := s.history.Page(ctx, s.subjectID, cursor, s.pageSize)
	if err != nil {
		return envelope.HistoricalDataUpdate{}, fmt.Errorf("failed to fetch history: %w", err)
	}
	s.each(func(h Handlers) {
		if h.OnHistoricalPage != nil {
			h.OnHistoricalPage(page)
		}
	})
	return page, nil
}

func (s *Sync) route(env envelope.Envelope) {
	switch data := env.Data.(type) {
	case envelope.LiveHealthUpdate:
		s.each(func(h Handlers) {
			if h.OnLiveUpdate != nil {
				h.OnLiveUpdate(data)
			}
		})
		s.evaluateThresholds(data)
	case envelope.HistoricalDataUpdate:
		s.each(func(h Handlers) {
			if h.OnHistoricalPage != nil {
				h.OnHistoricalPage(data)
			}
		})
	case envelope.EmergencyAlert:
		s.each(func(h Handlers) {
			if h.OnEmergencyAlert != nil {
				h.OnEmergencyAlert(data)
			}
		})
	case envelope.ConnectionEstablished:
		s.mu.Lock()
		s.clientID = data.ClientID
		s.mu.Unlock()
		s.logger.Infow("Server acknowledged connection", "client_id", data.ClientID)
		s.publishState(s.conn.State())
	case envelope.Error:
		s.logger.Warnw("Server reported an error", "message", data.Message)
		s.each(func(h Handlers) {
			if h.OnServerError != nil {
				h.OnServerError(data)
			}
		})
	default:
		metrics.IncFrameDropped("client", "unhandled_type")
		s.logger.Debugw("Ignoring unexpected inbound envelope", "type", env.Type)
	}
}

func (s *Sync) evaluateThresholds(update envelope.LiveHealthUpdate) {
	if s.thresholds == nil {
		return
	}
	for _, m := range s.thresholds.Observe(context.Background(), update) {
		if _, err := s.TriggerEmergency(m.Alert, m.Rule.Window); err != nil {
			s.logger.Errorw("Threshold rule could not trigger emergency", "rule", m.Rule.Name, "error", err)
			continue
		}
		s.logger.Infow("Threshold rule triggered emergency", "rule", m.Rule.Name, "metric", update.Metric)
	}
}

func (s *Sync) publishState(st connection.State) {
	s.each(func(h Handlers) {
		if h.OnConnectionStatus != nil {
			h.OnConnectionStatus(st)
		}
	})
}

func (s *Sync) publishEmergencyEvent(e emergency.Event) {
	s.each(func(h Handlers) {
		if h.OnEmergencyEvent != nil {
			h.OnEmergencyEvent(e)
		}
	})
}

// each calls fn for every subscriber in subscription order. A panicking
// subscriber is logged and does not affect the others.
func (s *Sync) each(fn func(Handlers)) {
	s.mu.RLock()
	ids := make([]uint64, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	handlers := make([]Handlers, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, s.subs[id])
	}
	s.mu.RUnlock()

	for _, h := range handlers {
		if err := apperrors.Guard(func() { fn(h) }); err != nil {
			s.logger.Errorw("Subscriber panicked", "error", err)
		}
	}
}
