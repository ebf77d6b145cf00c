package tokens

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jordanhubbard/loomd/internal/models"
)

func TestEstimate_CountsWords(t *testing.T) {
	assert.EqualValues(t, 3, Estimate("one two three"))
	assert.EqualValues(t, 0, Estimate(""))
}

func TestEstimate_BoundaryAt1024And1025Bytes(t *testing.T) {
	text1024 := strings.Repeat("a", 1024)
	text1025 := strings.Repeat("a", 1025)
	assert.True(t, Estimate(text1025) >= Estimate(text1024))
}

func TestCompress_StripCodeComments(t *testing.T) {
	text := "line one\n// a comment\nline two\n# also a comment\n"
	res := Compress(text, []string{"code_comments"}, 1.0)
	result, before, after := res.Content, res.OriginalTokens, res.FinalTokens
	assert.NotContains(t, result, "a comment")
	assert.Contains(t, result, "line one")
	assert.LessOrEqual(t, after, before)
}

func TestCompress_Deduplicate(t *testing.T) {
	text := "same\nsame\ndifferent\nsame\n"
	result := Compress(text, []string{"deduplicate"}, 1.0).Content
	assert.Equal(t, 1, strings.Count(result, "same"))
}

func TestCompress_History(t *testing.T) {
	text := "old turn one\nold turn two\n---\nlive task text"
	result := Compress(text, []string{"history"}, 1.0).Content
	assert.Equal(t, "live task text", result)
	assert.NotContains(t, result, "old turn")
}

func TestCompress_Summarize(t *testing.T) {
	var lines []string
	for i := 0; i < 100; i++ {
		lines = append(lines, "line")
	}
	text := strings.Join(lines, "\n")
	res := Compress(text, []string{"summarize"}, 1.0)
	result, before, after := res.Content, res.OriginalTokens, res.FinalTokens
	assert.Less(t, after, before)
	assert.Contains(t, result, "truncated")
}

func TestCompress_UnknownStrategyIsNoOp(t *testing.T) {
	text := "unchanged"
	res := Compress(text, []string{"nonexistent"}, 1.0)
	result, before, after := res.Content, res.OriginalTokens, res.FinalTokens
	assert.Equal(t, text, result)
	assert.Equal(t, before, after)
}

func TestCompress_IdempotentOnSecondApplication(t *testing.T) {
	text := "same\nsame\ndifferent\n"
	r1 := Compress(text, []string{"deduplicate"}, 1.0)
	once, afterOnce := r1.Content, r1.FinalTokens
	r2 := Compress(once, []string{"deduplicate"}, 1.0)
	twice, afterTwice := r2.Content, r2.FinalTokens
	assert.Equal(t, once, twice)
	assert.Equal(t, afterOnce, afterTwice)
}

func TestLedger_RecordUsageAccumulates(t *testing.T) {
	l := NewLedger()
	l.RecordUsage("agent-1", 10, 20, 100)
	l.RecordUsage("agent-1", 5, 5, 50)

	snap := l.Snapshot("agent-1")
	assert.EqualValues(t, 15, snap.InputTokens)
	assert.EqualValues(t, 25, snap.OutputTokens)
	assert.EqualValues(t, 150, snap.ContextTokens)
	assert.EqualValues(t, 2, snap.MessageCount)
	assert.EqualValues(t, 100, snap.PeakContextTokens)
}

func TestLedger_SnapshotOfUnknownAgentIsZeroValue(t *testing.T) {
	l := NewLedger()
	snap := l.Snapshot("never-seen")
	assert.EqualValues(t, 0, snap.InputTokens)
}

func TestLedger_RecordCompressionSavingsIgnoresNonPositive(t *testing.T) {
	l := NewLedger()
	l.RecordCompressionSavings("agent-1", -5)
	l.RecordCompressionSavings("agent-1", 10)
	snap := l.Snapshot("agent-1")
	assert.EqualValues(t, 10, snap.CompressionSavings)
}

func TestAnalyze_CountsCommentsAndDuplicates(t *testing.T) {
	text := "code line\n// comment\ncode line\n"
	a := Analyze(text)
	assert.Equal(t, 1, a.CommentLines)
	assert.Greater(t, a.DuplicateRatio, 0.0)
}

func TestLedger_AllReturnsEveryAgent(t *testing.T) {
	l := NewLedger()
	l.RecordUsage("agent-1", 10, 20, 0)
	l.RecordUsage("agent-2", 1, 1, 0)

	all := l.All()
	assert.Len(t, all, 2)
}

func TestRecommend_FlagsAgentsOverThreshold(t *testing.T) {
	quiet := models.TokenLedger{AgentID: "quiet", InputTokens: 10, OutputTokens: 10, MessageCount: 10}
	loud := models.TokenLedger{AgentID: "loud", InputTokens: 30000, OutputTokens: 10000, MessageCount: 10, PeakContextTokens: 5000}

	recs := Recommend([]models.TokenLedger{quiet, loud})

	assert.Len(t, recs, 1)
	assert.Equal(t, "loud", recs[0].AgentID)
	assert.Equal(t, "medium", recs[0].Impact)
}

func TestRecommend_IgnoresAgentsWithNoMessages(t *testing.T) {
	empty := models.TokenLedger{AgentID: "idle", InputTokens: 0, OutputTokens: 0, MessageCount: 0}
	recs := Recommend([]models.TokenLedger{empty})
	assert.Empty(t, recs)
}

func TestRecommend_SortedByDescendingAverage(t *testing.T) {
	low := models.TokenLedger{AgentID: "low", InputTokens: 2100, OutputTokens: 0, MessageCount: 1}
	high := models.TokenLedger{AgentID: "high", InputTokens: 9000, OutputTokens: 0, MessageCount: 1}

	recs := Recommend([]models.TokenLedger{low, high})

	assert.Len(t, recs, 2)
	assert.Equal(t, "high", recs[0].AgentID)
	assert.Equal(t, "low", recs[1].AgentID)
}
