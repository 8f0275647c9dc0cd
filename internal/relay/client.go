package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"vitalsync/internal/logger"
	"vitalsync/pkg/envelope"
	"vitalsync/pkg/metrics"
)

type client struct {
	id        string
	subjectID string
	// deviceKey prefixes the connection's rate limit buckets.
	deviceKey string
	hub       *Hub
	ws        *websocket.Conn
	logger    logger.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func newClient(h *Hub, ws *websocket.Conn, subjectID, deviceKey string) *client {
	id := uuid.NewString()
	if deviceKey == "" {
		deviceKey = "conn:" + id
	}
	return &client{
		id:        id,
		subjectID: subjectID,
		deviceKey: deviceKey,
		hub:       h,
		ws:        ws,
		logger:    h.logger.With("subject_id", subjectID, "connection_id", id),
		send:      make(chan []byte, h.opts.SendBuffer),
		done:      make(chan struct{}),
	}
}

// enqueue never blocks; false means the buffer is full or the client is
// gone.
func (c *client) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close()
	})
}

func (c *client) run(ctx context.Context) {
	go c.writePump()

	c.reply(envelope.ConnectionEstablished{ClientID: c.id, Message: "connected to " + c.subjectID})
	c.readPump(ctx)
}

func (c *client) writePump() {
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			if err := c.ws.SetWriteDeadline(time.Now().Add(c.hub.opts.WriteTimeout)); err != nil {
				c.close()
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				c.logger.Debugw("Write failed", "error", err)
				c.close()
				return
			}
		}
	}
}

func (c *client) readPump(ctx context.Context) {
	c.ws.SetReadLimit(c.hub.opts.MaxMessageBytes)
	for {
		msgType, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debugw("Connection closed unexpectedly", "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		c.handleFrame(ctx, frame)
	}
}

func (c *client) handleFrame(ctx context.Context, frame []byte) {
	env, err := envelope.Decode(frame)
	if err != nil {
		reason := "unknown"
		var verr *envelope.ValidationError
		if errors.As(err, &verr) {
			reason = string(verr.Reason)
		}
		metrics.IncFrameDropped("relay", reason)
		c.logger.Debugw("Rejected invalid frame", "reason", reason, "error", err)
		c.reply(envelope.Error{Message: err.Error()})
		return
	}
	metrics.IncFrameDecoded("relay", env.Type.String())

	switch data := env.Data.(type) {
	case envelope.Ping:
		c.reply(envelope.Pong{Timestamp: time.Now().UTC()})
	case envelope.Pong:
	case envelope.ClientIdentification:
		c.logger.Infow("Observer identified", "client_type", data.ClientType, "user_id", data.UserID)
	case envelope.LiveHealthUpdate:
		if !c.admit(ctx, env) {
			return
		}
		c.forward(ctx, env)
	case envelope.EmergencyAlert:
		if !c.admit(ctx, env) {
			return
		}
		c.logger.Warnw("Emergency alert received", "kind", data.Kind, "severity", data.Severity)
		c.hub.auditAlert(c, data)
		c.forward(ctx, env)
		if c.hub.opts.Alerts != nil {
			if err := c.hub.opts.Alerts.Forward(ctx, c.subjectID, c.id, env); err != nil {
				c.logger.Errorw("Failed to publish emergency alert", "kind", data.Kind, "error", err)
			}
		}
	default:
		c.reply(envelope.Error{Message: "unsupported message type: " + env.Type.String()})
	}
}

// admit takes a token for a frame the client wants fanned out. Denials and
// limiter failures are answered with an error frame and the frame is dropped.
func (c *client) admit(ctx context.Context, env envelope.Envelope) bool {
	limiter := c.hub.opts.Limiter
	if limiter == nil {
		return true
	}
	quota := c.hub.opts.LiveQuota
	res, err := limiter.Consume(ctx, c.deviceKey+":"+env.Type.String(), quota.Limit, quota.Interval)
	if err != nil {
		metrics.IncFrameDropped("relay", "rate_limit_unavailable")
		c.logger.Warnw("Rate limiter unavailable, dropping frame", "type", env.Type, "error", err)
		c.reply(envelope.Error{Message: "rate limiter unavailable"})
		return false
	}
	if !res.Allowed {
		metrics.IncFrameDropped("relay", "rate_limited")
		c.logger.Debugw("Frame rate limited", "type", env.Type, "key", c.deviceKey)
		c.reply(envelope.Error{Message: "rate limit exceeded for " + env.Type.String()})
		return false
	}
	return true
}

func (c *client) forward(ctx context.Context, env envelope.Envelope) {
	if err := c.hub.fanout().Forward(ctx, c.subjectID, c.id, env); err != nil {
		c.logger.Errorw("Failed to fan out frame", "type", env.Type, "error", err)
		c.reply(envelope.Error{Message: "failed to deliver " + env.Type.String()})
	}
}

func (c *client) reply(p envelope.Payload) {
	frame, err := envelope.Marshal(envelope.New(p, time.Now()))
	if err != nil {
		c.logger.Errorw("Failed to encode reply", "type", p.MessageType(), "error", err)
		return
	}
	if !c.enqueue(frame) {
		metrics.IncRelaySlowConsumer()
		c.logger.Warnw("Dropping slow observer")
		c.close()
	}
}
