package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"vitalsync/internal/config"
	"vitalsync/internal/connection"
	"vitalsync/internal/emergency"
	"vitalsync/internal/history"
	"vitalsync/internal/livesync"
	"vitalsync/internal/logger"
	"vitalsync/internal/threshold"
	"vitalsync/pkg/clock"
	"vitalsync/pkg/envelope"
	apperrors "vitalsync/pkg/errors"
	"vitalsync/pkg/retry"
)

var errConnectFailed = errors.New("connect failed")

type monitorOptions struct {
	subject string
	trigger string
	window  time.Duration
	history bool
}

func monitorCmd() *cobra.Command {
	var opts monitorOptions

	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Follow a subject's live stream and print every event as a JSON line",
		Long: "Connects to the live channel of one subject and prints updates, alerts and connection changes.\n" +
			"With --trigger an emergency alert is armed on start; the first interrupt during its window cancels it.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := setup()
			if err != nil {
				return err
			}
			defer log.Sync()
			return runMonitor(cmd.Context(), cfg, log, opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&opts.subject, "subject", "", "Subject to follow")
	cmd.Flags().StringVar(&opts.trigger, "trigger", "", "Emergency alert to arm, as kind:severity:message")
	cmd.Flags().DurationVar(&opts.window, "window", 0, "Grace window for --trigger (defaults to emergency.default_window)")
	cmd.Flags().BoolVar(&opts.history, "history", false, "Print the first history page after connecting")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func runMonitor(ctx context.Context, cfg *config.Config, log logger.Logger, opts monitorOptions, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if cfg.Connection.URL == "" {
		return apperrors.ErrValidation.WithDetail("message", "connection.url is required")
	}

	var alert envelope.EmergencyAlert
	if opts.trigger != "" {
		a, err := parseTrigger(opts.trigger)
		if err != nil {
			return err
		}
		alert = a
	}

	syncCfg := livesync.Config{
		Connection: connectionConfig(cfg.Connection),
		Dialer: &connection.WebSocketDialer{
			URL:             subjectStreamURL(cfg.Connection.URL, opts.subject),
			Token:           cfg.Connection.Token,
			WriteTimeout:    cfg.Relay.WriteTimeout,
			MaxMessageBytes: cfg.Relay.MaxMessageBytes,
		},
		EmergencyWindow: cfg.Emergency.DefaultWindow,
		Clock:           clock.Real(),
	}
	if cfg.Connection.HistoryURL != "" {
		syncCfg.History = history.NewClient(cfg.Connection.HistoryURL, cfg.Connection.Token, cfg.Connection.ConnectionTimeout)
	}
	if len(cfg.Thresholds) > 0 {
		engine, err := threshold.NewEngine(threshold.RulesFromConfig(cfg.Thresholds), threshold.DefaultWindowSize, syncCfg.Clock, log)
		if err != nil {
			return fmt.Errorf("failed to compile threshold rules: %w", err)
		}
		syncCfg.Thresholds = engine
	}

	registry := livesync.NewRegistry(log)
	defer registry.Close()

	live, err := registry.GetOrCreate(opts.subject, syncCfg)
	if err != nil {
		return err
	}

	printer := newEventPrinter(out)
	unsubscribe := live.Subscribe(livesync.Handlers{
		OnLiveUpdate:       func(u envelope.LiveHealthUpdate) { printer.print("live_update", u) },
		OnHistoricalPage:   func(p envelope.HistoricalDataUpdate) { printer.print("history_page", p) },
		OnEmergencyAlert:   func(a envelope.EmergencyAlert) { printer.print("emergency_alert", a) },
		OnConnectionStatus: func(s connection.State) { printer.print("connection", statusLine{State: s, Status: s.Status()}) },
		OnEmergencyEvent:   func(e emergency.Event) { printer.print("emergency", eventLine{Event: e, Error: errString(e.Err)}) },
		OnServerError:      func(e envelope.Error) { printer.print("server_error", e) },
	})
	defer unsubscribe()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	if !live.Connect(ctx) {
		log.Warnw("Initial connect failed, retrying in the background", "subject_id", opts.subject)
		retryCtx, stop := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			if connectWithRetry(retryCtx, live.Connect, reconnectPolicy(cfg.Connection.Reconnect), log) {
				log.Infow("Connected after retrying", "subject_id", opts.subject)
			}
		}()
		defer func() {
			stop()
			<-done
		}()
	}

	if opts.history {
		if _, err := live.RequestHistory(ctx, ""); err != nil {
			log.Warnw("Failed to fetch history", "error", err)
		}
	}

	if opts.trigger != "" {
		alert.Timestamp = time.Now().UTC()
		if _, err := live.TriggerEmergency(alert, opts.window); err != nil {
			return err
		}
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sigs:
		}
		if _, pending := live.PendingEmergency(); pending && live.CancelPendingEmergency() {
			log.Infow("Pending emergency cancelled, interrupt again to exit")
			continue
		}
		return nil
	}
}

// connectWithRetry calls connect until it succeeds or ctx ends, backing off
// between attempts.
func connectWithRetry(ctx context.Context, connect func(context.Context) bool, policy retry.Policy, log logger.Logger) bool {
	err := retry.RetryWithCallback(ctx, policy, func() error {
		if connect(ctx) {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return retry.NewFatalError(err)
		}
		return errConnectFailed
	}, func(attempt int, _ error, next time.Duration) {
		log.Debugw("Connect attempt failed", "attempt", attempt, "retry_in", next)
	})
	return err == nil
}

// reconnectPolicy reuses the reconnect delays for the initial connect. The
// attempt bound is lifted; the monitor keeps trying until interrupted.
func reconnectPolicy(c config.ReconnectConfig) retry.Policy {
	p := retry.DefaultPolicy()
	if c.BaseDelay > 0 {
		p.InitialInterval = c.BaseDelay
	}
	if c.MaxDelay > 0 {
		p.MaxInterval = c.MaxDelay
	}
	p.MaxAttempts = math.MaxInt32
	return p
}

// parseTrigger reads "kind:severity:message"; the message may contain
// colons.
func parseTrigger(value string) (envelope.EmergencyAlert, error) {
	parts := strings.SplitN(value, ":", 3)
	if len(parts) != 3 {
		return envelope.EmergencyAlert{}, apperrors.ErrValidation.WithDetail("message", "trigger must be kind:severity:message")
	}
	kind := strings.TrimSpace(parts[0])
	severity := strings.ToLower(strings.TrimSpace(parts[1]))
	message := strings.TrimSpace(parts[2])
	if kind == "" || message == "" {
		return envelope.EmergencyAlert{}, apperrors.ErrValidation.WithDetail("message", "trigger kind and message are required")
	}
	switch severity {
	case "low", "medium", "high", "critical":
	default:
		return envelope.EmergencyAlert{}, apperrors.ErrValidation.WithDetail("message", "unknown severity "+severity)
	}
	return envelope.EmergencyAlert{Kind: kind, Severity: severity, Message: message}, nil
}

func subjectStreamURL(base, subjectID string) string {
	return strings.TrimRight(base, "/") + "/ws/subjects/" + url.PathEscape(subjectID)
}

func connectionConfig(c config.ConnectionConfig) connection.Config {
	return connection.Config{
		ClientType:        c.ClientType,
		UserID:            c.UserID,
		ConnectionTimeout: c.ConnectionTimeout,
		HeartbeatInterval: c.HeartbeatInterval,
		StaleMultiplier:   c.StaleMultiplier,
		BaseDelay:         c.Reconnect.BaseDelay,
		MaxDelay:          c.Reconnect.MaxDelay,
		MaxAttempts:       c.Reconnect.MaxAttempts,
		DegradedLatency:   c.DegradedLatency,
		PoorLatency:       c.PoorLatency,
	}
}

type statusLine struct {
	connection.State
	Status connection.Status `json:"status"`
}

type eventLine struct {
	emergency.Event
	Error string `json:"error,omitempty"`
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// eventPrinter serialises output from the read goroutine, timers and the
// main loop.
type eventPrinter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newEventPrinter(w io.Writer) *eventPrinter {
	return &eventPrinter{enc: json.NewEncoder(w)}
}

func (p *eventPrinter) print(event string, data any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.enc.Encode(struct {
		Event string    `json:"event"`
		At    time.Time `json:"at"`
		Data  any       `json:"data"`
	}{event, time.Now().UTC(), data})
}
