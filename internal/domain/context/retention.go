// Package context implements tag-based history retention: trimming an
// agent's aggregated message history down to a token budget using the tags
// set on each message (§4.4 step 1's "tag retention rules") rather than the
// importance-score heuristic this package's teacher used.
package context

import (
	"unicode/utf8"

	"github.com/ngoclaw/stepengine/internal/domain/message"
	"github.com/ngoclaw/stepengine/internal/domain/valueobject"
)

// Tokenizer estimates a token count for a string.
type Tokenizer interface {
	Count(text string) int
}

// SimpleTokenizer estimates tokens from rune counts: CJK runs roughly two
// characters per token, everything else roughly four.
type SimpleTokenizer struct{}

// Count implements Tokenizer.
func (SimpleTokenizer) Count(text string) int {
	cjk := 0
	for _, r := range text {
		if r >= 0x4E00 && r <= 0x9FFF {
			cjk++
		}
	}
	total := utf8.RuneCountInString(text)
	other := total - cjk
	return int(float64(cjk)/2.0+float64(other)/4.0) + 1
}

// Config controls when and how aggressively retention trims history.
type Config struct {
	MaxTokens      int
	SoftTrimRatio  float64 // start dropping ephemeral messages at this fraction of MaxTokens
	HardTrimRatio  float64 // also drop aged non-pinned messages at this fraction
	PreserveRecent int     // always keep at least the last N messages
}

// DefaultConfig mirrors the teacher's pruning defaults.
func DefaultConfig() Config {
	return Config{
		MaxTokens:      100_000,
		SoftTrimRatio:  0.7,
		HardTrimRatio:  0.85,
		PreserveRecent: 4,
	}
}

// Retention trims an agent's message history to fit the configured token
// budget, preferring to discard tag.AGENT_STEP_EPHEMERAL messages before
// anything else, and never discarding system messages, tag.PINNED
// messages, or the most recent PreserveRecent messages.
type Retention struct {
	config    Config
	tokenizer Tokenizer
}

// New builds a Retention filter. A nil tokenizer defaults to SimpleTokenizer.
func New(config Config, tokenizer Tokenizer) *Retention {
	if tokenizer == nil {
		tokenizer = SimpleTokenizer{}
	}
	return &Retention{config: config, tokenizer: tokenizer}
}

// Apply returns the subset of messages that fits the configured budget,
// preserving relative order. It never mutates its input.
func (r *Retention) Apply(messages []message.Message) []message.Message {
	total := r.estimateTotal(messages)
	soft := int(float64(r.config.MaxTokens) * r.config.SoftTrimRatio)
	hard := int(float64(r.config.MaxTokens) * r.config.HardTrimRatio)

	if total < soft {
		return append([]message.Message(nil), messages...)
	}

	recentStart := len(messages) - r.config.PreserveRecent
	if recentStart < 0 {
		recentStart = 0
	}

	keep := make([]bool, len(messages))
	for i, m := range messages {
		switch {
		case i >= recentStart:
			keep[i] = true
		case m.Role() == message.RoleSystem:
			keep[i] = true
		case m.Tags().Has(valueobject.TagPinned):
			keep[i] = true
		case m.Tags().Has(valueobject.TagAgentStepEphemeral):
			keep[i] = false // first to go
		default:
			keep[i] = true
		}
	}

	if r.estimateKept(messages, keep) > hard {
		// still over hard threshold: drop the oldest non-pinned,
		// non-system, non-recent messages too.
		for i := 0; i < recentStart; i++ {
			if !keep[i] {
				continue
			}
			m := messages[i]
			if m.Role() == message.RoleSystem || m.Tags().Has(valueobject.TagPinned) {
				continue
			}
			keep[i] = false
			if r.estimateKept(messages, keep) <= hard {
				break
			}
		}
	}

	out := make([]message.Message, 0, len(messages))
	for i, m := range messages {
		if keep[i] {
			out = append(out, m)
		}
	}
	return out
}

// NeedsTrim reports whether messages reach or exceed the soft threshold.
func (r *Retention) NeedsTrim(messages []message.Message) bool {
	soft := int(float64(r.config.MaxTokens) * r.config.SoftTrimRatio)
	return r.estimateTotal(messages) >= soft
}

func (r *Retention) estimateTotal(messages []message.Message) int {
	total := 0
	for _, m := range messages {
		total += r.tokenizer.Count(m.TextContent())
	}
	return total
}

func (r *Retention) estimateKept(messages []message.Message, keep []bool) int {
	total := 0
	for i, m := range messages {
		if keep[i] {
			total += r.tokenizer.Count(m.TextContent())
		}
	}
	return total
}
