// Package threshold decides when a stream of live samples warrants an
// emergency alert. Each rule is a CEL boolean expression over the current
// sample and a short rolling window of the same metric.
package threshold

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	celgo "github.com/google/cel-go/cel"
	"vitalsync/internal/config"
	"vitalsync/internal/logger"
	"vitalsync/pkg/cel"
	"vitalsync/pkg/clock"
	"vitalsync/pkg/envelope"
	"vitalsync/pkg/metrics"
)

const DefaultWindowSize = 10

type Rule struct {
	Name       string
	Expression string
	Kind       string
	Severity   string
	Message    string
	// Window is the grace window handed to the emergency coordinator.
	Window   time.Duration
	Cooldown time.Duration
}

// Match is a rule that fired for a sample.
type Match struct {
	Rule  Rule
	Alert envelope.EmergencyAlert
}

func RulesFromConfig(cfgs []config.ThresholdRuleConfig) []Rule {
	rules := make([]Rule, 0, len(cfgs))
	for _, c := range cfgs {
		rules = append(rules, Rule{
			Name:       c.Name,
			Expression: c.Expression,
			Kind:       c.Kind,
			Severity:   c.Severity,
			Message:    c.Message,
			Window:     c.Window,
			Cooldown:   c.Cooldown,
		})
	}
	return rules
}

type compiledRule struct {
	Rule
	program celgo.Program
}

type Engine struct {
	evaluator  *cel.Evaluator
	rules      []compiledRule
	windowSize int
	clock      clock.Clock
	logger     logger.Logger

	mu        sync.Mutex
	windows   map[string]*rollingWindow
	lastFired map[string]time.Time
}

// NewEngine compiles every rule up front; an expression that does not
// compile or does not return bool is rejected here rather than per sample.
func NewEngine(rules []Rule, windowSize int, clk clock.Clock, log logger.Logger) (*Engine, error) {
	evaluator, err := cel.NewEvaluator()
	if err != nil {
		return nil, err
	}
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	if clk == nil {
		clk = clock.Real()
	}

	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		if r.Window <= 0 {
			return nil, fmt.Errorf("rule %q: window must be positive", r.Name)
		}
		program, err := evaluator.CompileRule(r.Expression)
		if err != nil {
			return nil, fmt.Errorf("rule %q: %w", r.Name, err)
		}
		compiled = append(compiled, compiledRule{Rule: r, program: program})
	}

	return &Engine{
		evaluator:  evaluator,
		rules:      compiled,
		windowSize: windowSize,
		clock:      clk,
		logger:     log,
		windows:    make(map[string]*rollingWindow),
		lastFired:  make(map[string]time.Time),
	}, nil
}

func (e *Engine) Rules() []Rule {
	out := make([]Rule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, r.Rule)
	}
	return out
}

// Observe adds update to its metric window and returns the rules that
// matched and were not cooling down. A matching rule starts its cooldown.
func (e *Engine) Observe(ctx context.Context, update envelope.LiveHealthUpdate) []Match {
	if len(e.rules) == 0 {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	w, ok := e.windows[update.Metric]
	if !ok {
		w = newRollingWindow(e.windowSize)
		e.windows[update.Metric] = w
	}
	w.add(update.Value)

	sample := cel.Sample{
		Metric:    update.Metric,
		Value:     update.Value,
		Unit:      update.Unit,
		Source:    update.Source,
		Timestamp: update.Timestamp,
		Window:    w.stats(),
	}

	now := e.clock.Now()
	var matches []Match
	for _, r := range e.rules {
		matched, err := e.evaluator.EvaluateRule(ctx, r.program, sample)
		if err != nil {
			metrics.IncThresholdEvaluation(r.Name, "error")
			e.logger.Debugw("Threshold rule evaluation failed", "rule", r.Name, "error", err)
			continue
		}
		if !matched {
			metrics.IncThresholdEvaluation(r.Name, "no_match")
			continue
		}
		if last, ok := e.lastFired[r.Name]; ok && now.Sub(last) < r.Cooldown {
			metrics.IncThresholdEvaluation(r.Name, "cooldown")
			continue
		}

		e.lastFired[r.Name] = now
		metrics.IncThresholdEvaluation(r.Name, "match")
		matches = append(matches, Match{Rule: r.Rule, Alert: r.alert(now)})
	}
	return matches
}

// Reset forgets windows and cooldowns, e.g. after a long disconnect.
func (e *Engine) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.windows = make(map[string]*rollingWindow)
	e.lastFired = make(map[string]time.Time)
}

func (r compiledRule) alert(now time.Time) envelope.EmergencyAlert {
	message := r.Message
	if message == "" {
		message = fmt.Sprintf("%s threshold crossed", r.Name)
	}
	return envelope.EmergencyAlert{
		Kind:      r.Kind,
		Severity:  r.Severity,
		Message:   message,
		Timestamp: now.UTC(),
	}
}

type rollingWindow struct {
	values []float64
	next   int
	full   bool
}

func newRollingWindow(size int) *rollingWindow {
	return &rollingWindow{values: make([]float64, size)}
}

func (w *rollingWindow) add(v float64) {
	w.values[w.next] = v
	w.next = (w.next + 1) % len(w.values)
	if w.next == 0 {
		w.full = true
	}
}

func (w *rollingWindow) stats() cel.WindowStats {
	n := w.next
	if w.full {
		n = len(w.values)
	}
	if n == 0 {
		return cel.WindowStats{}
	}

	minV, maxV, sum := math.Inf(1), math.Inf(-1), 0.0
	for _, v := range w.values[:n] {
		sum += v
		minV = math.Min(minV, v)
		maxV = math.Max(maxV, v)
	}
	return cel.WindowStats{
		Avg:   sum / float64(n),
		Min:   minV,
		Max:   maxV,
		Count: int64(n),
	}
}
