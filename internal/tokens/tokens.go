// Package tokens implements the Token Service (C7): a deterministic
// tokenizer, context analysis, four compression strategies, and a
// per-agent ledger. There is no predecessor or pack analogue for text
// tokenization/compression specifically (see DESIGN.md's stdlib
// justification) — it is built fresh in the idiom of the predecessor's
// internal/patterns/optimizer.go, which also turns raw usage counters
// into a small, composable set of named strategies.
package tokens

import (
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/jordanhubbard/loomd/internal/models"
)

// CharsPerToken is the deterministic estimate used both by the tokenizer
// and as the token-count fallback when an exact count isn't available
// (SPEC_FULL.md's Open Question decision: approximate from output length
// when upstream doesn't report usage).
const CharsPerToken = 4

var wordRe = regexp.MustCompile(`\S+`)

// Estimate returns a deterministic token count for text, good enough for
// budget accounting without needing the exact tokenizer any given worker's
// backing model uses.
func Estimate(text string) int64 {
	if text == "" {
		return 0
	}
	words := wordRe.FindAllString(text, -1)
	if len(words) == 0 {
		return int64((len(text) + CharsPerToken - 1) / CharsPerToken)
	}
	return int64(len(words))
}

// Analysis summarizes a block of context text for compression decisions.
type Analysis struct {
	Tokens       int64
	Lines        int
	CommentLines int
	DuplicateRatio float64
}

var commentPrefixes = []string{"//", "#", "*", "/*"}

// Analyze scans text once, counting lines, how many look like code
// comments, and how much content repeats verbatim across lines.
func Analyze(text string) Analysis {
	lines := strings.Split(text, "\n")
	seen := make(map[string]int, len(lines))
	commentLines := 0
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		for _, prefix := range commentPrefixes {
			if strings.HasPrefix(trimmed, prefix) {
				commentLines++
				break
			}
		}
		if trimmed != "" {
			seen[trimmed]++
		}
	}
	duplicates := 0
	for _, count := range seen {
		if count > 1 {
			duplicates += count - 1
		}
	}
	ratio := 0.0
	if len(lines) > 0 {
		ratio = float64(duplicates) / float64(len(lines))
	}
	return Analysis{
		Tokens:         Estimate(text),
		Lines:          len(lines),
		CommentLines:   commentLines,
		DuplicateRatio: ratio,
	}
}

// Strategy is a named, idempotent text transform. Applying a strategy
// twice must not shrink the text further than one application did
// (spec.md's compression-idempotence testable property).
type Strategy func(text string) string

// Strategies is the fixed registry of compression strategies named in
// SPEC_FULL.md: strip code comments, deduplicate repeated lines, drop
// prior conversational history, or summarize to a fixed budget.
var Strategies = map[string]Strategy{
	"code_comments": stripCodeComments,
	"deduplicate":   deduplicateLines,
	"history":       dropHistory,
	"summarize":     summarize,
}

func stripCodeComments(text string) string {
	lines := strings.Split(text, "\n")
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		isComment := false
		for _, prefix := range commentPrefixes {
			if strings.HasPrefix(trimmed, prefix) {
				isComment = true
				break
			}
		}
		if !isComment {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

func deduplicateLines(text string) string {
	lines := strings.Split(text, "\n")
	seen := make(map[string]bool, len(lines))
	kept := make([]string, 0, len(lines))
	for _, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			kept = append(kept, line)
			continue
		}
		if seen[trimmed] {
			continue
		}
		seen[trimmed] = true
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}

const historyMarker = "---"

// dropHistory keeps only the text after the last "---" separator, the
// convention workers use to delimit prior turns from the live task.
func dropHistory(text string) string {
	idx := strings.LastIndex(text, historyMarker)
	if idx == -1 {
		return text
	}
	return strings.TrimLeft(text[idx+len(historyMarker):], "\n")
}

// summarizeTargetLines caps how many lines summarize() keeps: the first
// and last summarizeTargetLines/2 lines of the text, which for task
// transcripts usually holds the setup and the outcome.
const summarizeTargetLines = 40

func summarize(text string) string {
	lines := strings.Split(text, "\n")
	if len(lines) <= summarizeTargetLines {
		return text
	}
	half := summarizeTargetLines / 2
	head := lines[:half]
	tail := lines[len(lines)-half:]
	out := append([]string{}, head...)
	out = append(out, "... [truncated] ...")
	out = append(out, tail...)
	return strings.Join(out, "\n")
}

// MaxContentBytes is the ingress size limit on content passed to
// analyze/compress (spec.md §6.1: "token content ≤1 MiB").
const MaxContentBytes = 1 << 20

// CompressResult is the C7 compress contract's full return shape:
// compress(content, strategies, target_reduction) -> (compressed_content,
// original_tokens, final_tokens, tokens_saved, reduction).
type CompressResult struct {
	Content         string  `json:"compressed_content"`
	OriginalTokens  int64   `json:"original_tokens"`
	FinalTokens     int64   `json:"final_tokens"`
	TokensSaved     int64   `json:"tokens_saved"`
	Reduction       float64 `json:"reduction"`
}

// Compress applies strategies to text in the order listed, stopping early
// once the cumulative reduction reaches targetReduction. An unknown
// strategy name is skipped rather than erroring: compression is
// best-effort. Compress(text, nil, anything) is the identity — it never
// makes progress on its own, matching the round-trip property
// Compress(content, [])≡content.
func Compress(text string, strategies []string, targetReduction float64) CompressResult {
	original := Estimate(text)
	current := text
	currentTokens := original

	for _, name := range strategies {
		fn, ok := Strategies[name]
		if !ok {
			continue
		}
		candidate := fn(current)
		candidateTokens := Estimate(candidate)
		if candidateTokens < currentTokens {
			current = candidate
			currentTokens = candidateTokens
		}
		if reductionOf(original, currentTokens) >= targetReduction {
			break
		}
	}

	return CompressResult{
		Content:        current,
		OriginalTokens: original,
		FinalTokens:    currentTokens,
		TokensSaved:    original - currentTokens,
		Reduction:      reductionOf(original, currentTokens),
	}
}

func reductionOf(original, final int64) float64 {
	if original == 0 {
		return 0
	}
	return float64(original-final) / float64(original)
}

// Ledger tracks per-agent running token usage, guarded by a mutex since
// multiple in-flight delegations for the same agent can settle concurrently.
type Ledger struct {
	mu      sync.Mutex
	ledgers map[string]*models.TokenLedger
}

func NewLedger() *Ledger {
	return &Ledger{ledgers: make(map[string]*models.TokenLedger)}
}

func (l *Ledger) entry(agentID string) *models.TokenLedger {
	t, ok := l.ledgers[agentID]
	if !ok {
		t = &models.TokenLedger{AgentID: agentID}
		l.ledgers[agentID] = t
	}
	return t
}

// RecordUsage adds input/output/context token counts to an agent's ledger
// and updates its peak-context high-water mark.
func (l *Ledger) RecordUsage(agentID string, input, output, context int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.entry(agentID)
	t.InputTokens += input
	t.OutputTokens += output
	t.ContextTokens += context
	t.MessageCount++
	if context > t.PeakContextTokens {
		t.PeakContextTokens = context
	}
}

// RecordCompressionSavings adds to an agent's cumulative tokens-saved
// counter after a successful compression.
func (l *Ledger) RecordCompressionSavings(agentID string, saved int64) {
	if saved <= 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entry(agentID).CompressionSavings += saved
}

// Snapshot returns a copy of an agent's ledger, or a zero-valued one if
// the agent has no recorded usage yet.
func (l *Ledger) Snapshot(agentID string) models.TokenLedger {
	l.mu.Lock()
	defer l.mu.Unlock()
	if t, ok := l.ledgers[agentID]; ok {
		return *t
	}
	return models.TokenLedger{AgentID: agentID}
}

// All returns a copy of every agent's ledger, for the advisory
// recommendations endpoint.
func (l *Ledger) All() []models.TokenLedger {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]models.TokenLedger, 0, len(l.ledgers))
	for _, t := range l.ledgers {
		out = append(out, *t)
	}
	return out
}

// AvgTokensPerMessageThreshold flags an agent for a compression
// recommendation once its average input+output tokens per message
// exceeds this, mirroring the predecessor's rate-limit-threshold shape
// in internal/patterns/optimizer.go generalized from request frequency
// to per-message token burn.
const AvgTokensPerMessageThreshold = 2000

// Recommendation is an advisory suggestion to reduce an agent's token
// burn, surfaced at GET /api/v1/tokens/recommendations.
type Recommendation struct {
	AgentID        string  `json:"agent_id"`
	AvgTokens      float64 `json:"avg_tokens_per_message"`
	SuggestedApply string  `json:"suggested_strategy"`
	Impact         string  `json:"impact"` // "high" | "medium" | "low"
}

// Recommend generates per-agent compression recommendations from a set
// of ledger snapshots, sorted by descending average tokens per message —
// the same "sort by projected savings" shape the predecessor's Optimizer
// used, generalized from USD cost to token count.
func Recommend(ledgers []models.TokenLedger) []Recommendation {
	var out []Recommendation
	for _, t := range ledgers {
		if t.MessageCount == 0 {
			continue
		}
		avg := float64(t.InputTokens+t.OutputTokens) / float64(t.MessageCount)
		if avg <= AvgTokensPerMessageThreshold {
			continue
		}
		strategy := "history"
		if t.PeakContextTokens > t.InputTokens+t.OutputTokens {
			strategy = "summarize"
		}
		out = append(out, Recommendation{
			AgentID:        t.AgentID,
			AvgTokens:      avg,
			SuggestedApply: strategy,
			Impact:         impactRating(avg),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AvgTokens > out[j].AvgTokens })
	return out
}

func impactRating(avgTokens float64) string {
	switch {
	case avgTokens >= 4*AvgTokensPerMessageThreshold:
		return "high"
	case avgTokens >= 2*AvgTokensPerMessageThreshold:
		return "medium"
	default:
		return "low"
	}
}
