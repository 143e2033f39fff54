// Package patterns provides the CEL-Go based fraud pattern engine.
package patterns

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"

	"github.com/opensource-finance/harrier/internal/domain"
	"github.com/opensource-finance/harrier/internal/features"
)

// Engine is the CEL-based pattern evaluation engine.
type Engine struct {
	mu         sync.RWMutex
	env        *cel.Env
	compiled   map[string]*CompiledPattern
	maxWorkers int
}

// CompiledPattern holds a pre-compiled CEL program.
type CompiledPattern struct {
	Pattern *domain.FraudPattern
	Program cel.Program
}

// NewEngine creates a new pattern engine.
func NewEngine(maxWorkers int) (*Engine, error) {
	if maxWorkers <= 0 {
		maxWorkers = 10
	}

	env, err := cel.NewEnv(
		cel.Variable("income", cel.DoubleType),
		cel.Variable("deductions", cel.DoubleType),
		cel.Variable("deduction_ratio", cel.DoubleType),
		cel.Variable("taxable_income", cel.DoubleType),
		cel.Variable("sector", cel.StringType),
		cel.Variable("tax_period", cel.StringType),
		cel.Variable("round_count", cel.IntType),
		cel.Variable("industry_deviation", cel.DoubleType),
		cel.Variable("historical_change", cel.DoubleType),
		cel.Variable("timing_score", cel.DoubleType),
		cel.Variable("history_count", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	return &Engine{
		env:        env,
		compiled:   make(map[string]*CompiledPattern),
		maxWorkers: maxWorkers,
	}, nil
}

// Input holds the filing variables exposed to pattern expressions.
type Input struct {
	Filing       domain.Filing
	HistoryCount int
	Vector       domain.FeatureVector
}

// NewInput builds an Input from a normalized filing and its feature vector.
func NewInput(filing domain.Filing, history domain.History, vector domain.FeatureVector) *Input {
	return &Input{Filing: filing, HistoryCount: len(history), Vector: vector}
}

func (in *Input) activation() map[string]any {
	f := in.Filing
	return map[string]any{
		"income":             f.Income.InexactFloat64(),
		"deductions":         f.Deductions.InexactFloat64(),
		"deduction_ratio":    features.DeductionRatio(f),
		"taxable_income":     f.TaxableIncome().InexactFloat64(),
		"sector":             f.BusinessSector,
		"tax_period":         f.TaxPeriod,
		"round_count":        int64(in.Vector[domain.FeatureRoundNumberCount]),
		"industry_deviation": in.Vector[domain.FeatureIndustryDeviation],
		"historical_change":  in.Vector[domain.FeatureHistoricalChange],
		"timing_score":       in.Vector[domain.FeatureTimingScore],
		"history_count":      int64(in.HistoryCount),
	}
}

// ValidatePattern compiles a pattern without loading it.
func (e *Engine) ValidatePattern(p *domain.FraudPattern) error {
	if p == nil {
		return fmt.Errorf("pattern is required")
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	_, err := e.compile(p)
	return err
}

// LoadPattern compiles and loads a pattern.
func (e *Engine) LoadPattern(p *domain.FraudPattern) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	compiled, err := e.compile(p)
	if err != nil {
		return err
	}
	e.compiled[p.ID] = compiled
	return nil
}

// LoadPatterns compiles and loads the enabled patterns.
func (e *Engine) LoadPatterns(patterns []*domain.FraudPattern) error {
	for _, p := range patterns {
		if p.Enabled {
			if err := e.LoadPattern(p); err != nil {
				return err
			}
		}
	}
	return nil
}

// ReloadPatterns atomically replaces the loaded set. On a compile error the
// previous set stays loaded.
func (e *Engine) ReloadPatterns(patterns []*domain.FraudPattern) error {
	next := make(map[string]*CompiledPattern)

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, p := range patterns {
		if !p.Enabled {
			continue
		}
		compiled, err := e.compile(p)
		if err != nil {
			return err
		}
		next[p.ID] = compiled
	}
	e.compiled = next
	return nil
}

// RemovePattern unloads a pattern.
func (e *Engine) RemovePattern(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.compiled, id)
}

// EvaluateAll evaluates all loaded patterns in parallel. Results are
// ordered by pattern ID.
func (e *Engine) EvaluateAll(ctx context.Context, input *Input) []domain.PatternMatch {
	e.mu.RLock()
	loaded := make([]*CompiledPattern, 0, len(e.compiled))
	for _, p := range e.compiled {
		loaded = append(loaded, p)
	}
	e.mu.RUnlock()

	if len(loaded) == 0 {
		return nil
	}
	sort.Slice(loaded, func(i, j int) bool {
		return loaded[i].Pattern.ID < loaded[j].Pattern.ID
	})

	activation := input.activation()
	results := make([]domain.PatternMatch, len(loaded))
	var wg sync.WaitGroup

	// Limit concurrency with semaphore
	sem := make(chan struct{}, e.maxWorkers)

	for i, p := range loaded {
		wg.Add(1)
		go func(idx int, cp *CompiledPattern) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			results[idx] = evaluate(ctx, cp, activation)
		}(i, p)
	}

	wg.Wait()
	return results
}

func evaluate(ctx context.Context, cp *CompiledPattern, activation map[string]any) domain.PatternMatch {
	match := domain.PatternMatch{
		PatternID:   cp.Pattern.ID,
		PatternName: cp.Pattern.Name,
		Type:        cp.Pattern.Type,
	}

	if err := ctx.Err(); err != nil {
		match.Error = err.Error()
		return match
	}

	out, _, err := cp.Program.Eval(activation)
	if err != nil {
		match.Error = fmt.Sprintf("evaluation error: %v", err)
		return match
	}

	match.Score = toScore(out)
	match.Weighted = match.Score * cp.Pattern.RiskWeight
	match.Matched = match.Score > 0
	return match
}

// toScore converts a CEL value to a numeric score.
func toScore(val ref.Val) float64 {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1.0
		}
		return 0.0
	case types.Double:
		return float64(v)
	case types.Int:
		return float64(v)
	default:
		return 0.0
	}
}

// PatternsCount returns the number of loaded patterns.
func (e *Engine) PatternsCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.compiled)
}

// GetLoadedPatterns returns the loaded patterns ordered by ID.
func (e *Engine) GetLoadedPatterns() []*domain.FraudPattern {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]*domain.FraudPattern, 0, len(e.compiled))
	for _, cp := range e.compiled {
		out = append(out, cp.Pattern)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Close cleans up the engine.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compiled = make(map[string]*CompiledPattern)
	return nil
}

func (e *Engine) compile(p *domain.FraudPattern) (*CompiledPattern, error) {
	ast, issues := e.env.Compile(p.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile pattern %s: %w", p.ID, issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("pattern %s: expression must return bool, int, or double, got %s", p.ID, outputType)
	}

	program, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program for pattern %s: %w", p.ID, err)
	}

	return &CompiledPattern{Pattern: p, Program: program}, nil
}
