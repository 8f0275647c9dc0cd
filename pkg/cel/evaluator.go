package cel

import (
	"context"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
)

// Sample is the activation a rule expression is evaluated against: the
// live update itself plus rolling statistics for its metric.
type Sample struct {
	Metric    string
	Value     float64
	Unit      string
	Source    string
	Timestamp time.Time
	Window    WindowStats
}

// WindowStats summarises the most recent samples of one metric, the
// current one included.
type WindowStats struct {
	Avg   float64
	Min   float64
	Max   float64
	Count int64
}

type Evaluator struct {
	env *cel.Env
}

func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("metric", cel.StringType),
		cel.Variable("value", cel.DoubleType),
		cel.Variable("unit", cel.StringType),
		cel.Variable("source", cel.StringType),
		cel.Variable("timestamp", cel.TimestampType),
		cel.Variable("window", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Evaluator{env: env}, nil
}

func (e *Evaluator) ValidateExpression(expression string) error {
	_, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("CEL expression validation failed: %w", issues.Err())
	}
	return nil
}

func (e *Evaluator) ValidateRuleExpression(expression string) error {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return fmt.Errorf("CEL expression validation failed: %w", issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return fmt.Errorf("rule expression must return bool, got %v", ast.OutputType())
	}

	return nil
}

// CompileRule compiles a boolean rule expression once so it can be
// evaluated for every sample.
func (e *Evaluator) CompileRule(expression string) (cel.Program, error) {
	ast, issues := e.env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile CEL expression: %w", issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("rule expression must return bool, got %v", ast.OutputType())
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	return program, nil
}

func (e *Evaluator) EvaluateRule(ctx context.Context, program cel.Program, sample Sample) (bool, error) {
	result, _, err := program.ContextEval(ctx, e.activation(sample))
	if err != nil {
		return false, fmt.Errorf("failed to evaluate CEL expression: %w", err)
	}

	boolVal, ok := result.Value().(bool)
	if !ok {
		return false, fmt.Errorf("CEL expression did not return bool, got %T", result.Value())
	}

	return boolVal, nil
}

// Evaluate compiles and runs expression in one go. Hot paths should use
// CompileRule and EvaluateRule instead.
func (e *Evaluator) Evaluate(ctx context.Context, expression string, sample Sample) (bool, error) {
	program, err := e.CompileRule(expression)
	if err != nil {
		return false, err
	}
	return e.EvaluateRule(ctx, program, sample)
}

func (e *Evaluator) activation(sample Sample) map[string]interface{} {
	return map[string]interface{}{
		"metric":    sample.Metric,
		"value":     sample.Value,
		"unit":      sample.Unit,
		"source":    sample.Source,
		"timestamp": sample.Timestamp,
		"window": map[string]interface{}{
			"avg":   sample.Window.Avg,
			"min":   sample.Window.Min,
			"max":   sample.Window.Max,
			"count": sample.Window.Count,
		},
	}
}
