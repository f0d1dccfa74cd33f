package service

import (
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Guardrail sentinel errors — grounded on the teacher's guardrails.go.
var (
	ErrTokenBudgetExceeded = fmt.Errorf("token budget exceeded")
	ErrTimeBudgetExceeded  = fmt.Errorf("run time budget exceeded")
)

// CostGuard tracks token usage and wall-clock time for one session run.
// Thread-safe: AddTokens may be called from multiple concurrent agent
// loops (main agent plus any fan-out children) sharing the same guard.
//
// Grounded on the teacher's CostGuard (guardrails.go); unchanged shape.
type CostGuard struct {
	maxTokens     int64
	currentTokens atomic.Int64
	maxDuration   time.Duration
	startTime     time.Time
	logger        *zap.Logger
}

// NewCostGuard creates a cost guard for the current session run. A
// maxTokens or maxDuration of zero disables that check.
func NewCostGuard(maxTokens int64, maxDuration time.Duration, logger *zap.Logger) *CostGuard {
	return &CostGuard{maxTokens: maxTokens, maxDuration: maxDuration, startTime: time.Now(), logger: logger}
}

// AddTokens accumulates usage and reports whether the budget is now
// exceeded.
func (g *CostGuard) AddTokens(n int64) error {
	current := g.currentTokens.Add(n)
	if g.maxTokens > 0 && current > g.maxTokens {
		if g.logger != nil {
			g.logger.Warn("token budget exceeded", zap.Int64("current", current), zap.Int64("max", g.maxTokens))
		}
		return ErrTokenBudgetExceeded
	}
	return nil
}

// CheckBudget reports whether the time budget has been exceeded.
func (g *CostGuard) CheckBudget() error {
	if g.maxDuration > 0 && time.Since(g.startTime) > g.maxDuration {
		return ErrTimeBudgetExceeded
	}
	return nil
}

// Usage returns current token count and elapsed time.
func (g *CostGuard) Usage() (tokens int64, elapsed time.Duration) {
	return g.currentTokens.Load(), time.Since(g.startTime)
}

// LoopDetector flags repeated tool-call patterns using two strategies:
// exact-match within a sliding window, and same-name dominance within the
// same window even with other tools interleaved. Neither terminates the
// agent — both return a reflection prompt for injection into history,
// letting the model self-correct (§4.4's continuation-forcing rule is the
// only thing that actually ends a step; this is a softer nudge).
//
// Grounded on the teacher's LoopDetector (guardrails.go); unchanged shape,
// reflection text translated to English to match this engine's ambient
// language rather than the teacher's Chinese-language user-facing copy.
type LoopDetector struct {
	recentCalls []string
	windowSize  int
	threshold   int

	nameThreshold int
	nameHistory   []string

	logger *zap.Logger
}

// NewLoopDetector builds a detector. windowSize/threshold govern exact-match
// detection; nameThreshold governs same-name dominance within windowSize.
func NewLoopDetector(windowSize, threshold, nameThreshold int, logger *zap.Logger) *LoopDetector {
	return &LoopDetector{
		recentCalls:   make([]string, 0, windowSize),
		windowSize:    windowSize,
		threshold:     threshold,
		nameThreshold: nameThreshold,
		logger:        logger,
	}
}

// RecordName tracks tool-name frequency in the sliding window (ignoring
// args) and returns a reflection prompt once the same name dominates.
func (d *LoopDetector) RecordName(toolName string) string {
	d.nameHistory = append(d.nameHistory, toolName)
	if len(d.nameHistory) > d.windowSize {
		d.nameHistory = d.nameHistory[1:]
	}

	count := 0
	for _, name := range d.nameHistory {
		if name == toolName {
			count++
		}
	}

	if d.nameThreshold > 0 && count >= d.nameThreshold {
		if d.logger != nil {
			d.logger.Warn("same tool dominates sliding window",
				zap.String("tool", toolName), zap.Int("count", count), zap.Int("threshold", d.nameThreshold))
		}
		return fmt.Sprintf(
			"[SYSTEM] Tool %q has appeared %d times in the last %d calls. "+
				"You are likely stuck retrying. Stop calling tools and tell the user, "+
				"in your own words: (1) what you were trying to do, (2) what went wrong, "+
				"(3) what you suggest instead.",
			toolName, count, len(d.nameHistory),
		)
	}
	return ""
}

// Record tracks exact name+args signatures in a sliding window and returns a
// reflection prompt once the same exact call repeats threshold times
// consecutively.
func (d *LoopDetector) Record(toolName string, argsSignature string) string {
	sig := toolName
	if argsSignature != "" {
		sig = toolName + "|" + argsSignature
	}

	d.recentCalls = append(d.recentCalls, sig)
	if len(d.recentCalls) > d.windowSize {
		d.recentCalls = d.recentCalls[1:]
	}

	if d.threshold <= 0 || len(d.recentCalls) < d.threshold {
		return ""
	}

	tail := d.recentCalls[len(d.recentCalls)-d.threshold:]
	allSame := true
	for _, s := range tail {
		if s != tail[0] {
			allSame = false
			break
		}
	}
	if !allSame {
		return ""
	}

	if d.logger != nil {
		d.logger.Warn("exact tool call loop detected", zap.String("signature", sig), zap.Int("consecutive", d.threshold))
	}
	return fmt.Sprintf(
		"[SYSTEM] Tool %q was called with identical arguments %d times in a row; the "+
			"result will not change. Stop repeating the call — try a different approach "+
			"or report the result to the user directly.",
		toolName, d.threshold,
	)
}

// Reset clears all tracking state. Call at the start of each agent run.
func (d *LoopDetector) Reset() {
	d.recentCalls = d.recentCalls[:0]
	d.nameHistory = d.nameHistory[:0]
}
