package governor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEvaluate_DefaultThresholdsAbortOnFirstFailure(t *testing.T) {
	g := New(Thresholds{})
	assert.False(t, g.ShouldAbort())

	g.RecordFailure("authentication", true)
	assert.True(t, g.ShouldAbort())
	assert.NotEmpty(t, g.AbortReason())
}

func TestEvaluate_RetryableFailuresDoNotAbort(t *testing.T) {
	g := New(Thresholds{AllowFailures: true, PageThreshold: 5})
	g.RecordFailure("network", false)
	g.RecordFailure("network", false)
	assert.False(t, g.ShouldAbort())
}

func TestEvaluate_PageThresholdAllowsFailuresUpToLimit(t *testing.T) {
	g := New(Thresholds{AllowFailures: true, PageThreshold: 2})
	g.RecordFailure("validation", true)
	g.RecordFailure("validation", true)
	assert.False(t, g.ShouldAbort())

	g.RecordFailure("validation", true)
	assert.True(t, g.ShouldAbort())
}

func TestEvaluate_AttachmentPercentThresholdAborts(t *testing.T) {
	g := New(Thresholds{AllowFailures: true, PageThreshold: 100, AttachmentThreshold: 100, AttachmentPercentThreshold: 50})

	g.RecordAttachmentOutcome("", false)
	g.RecordAttachmentOutcome("network", true)
	g.RecordAttachmentOutcome("network", true)
	assert.True(t, g.ShouldAbort()) // 2/3 ≈ 66% > 50
}

func TestEvaluate_AttachmentPercentThresholdStaysUnderLimit(t *testing.T) {
	g := New(Thresholds{AllowFailures: true, PageThreshold: 100, AttachmentThreshold: 100, AttachmentPercentThreshold: 50})

	g.RecordAttachmentOutcome("", false)
	g.RecordAttachmentOutcome("", false)
	g.RecordAttachmentOutcome("network", true)
	assert.False(t, g.ShouldAbort()) // 1/3 = 33% <= 50
}

func TestEvaluate_RestrictedPageAbortsUnlessAllowed(t *testing.T) {
	g := New(Thresholds{AllowFailures: true, PageThreshold: 100, RestrictedPagesAllowed: false})
	g.RecordRestricted("no-permission")
	assert.True(t, g.ShouldAbort())
}

func TestEvaluate_RestrictedPageAllowedDoesNotAbort(t *testing.T) {
	g := New(Thresholds{AllowFailures: true, PageThreshold: 100, RestrictedPagesAllowed: true})
	g.RecordRestricted("no-permission")
	assert.False(t, g.ShouldAbort())
}

func TestReasonHistogram_TracksCounts(t *testing.T) {
	g := New(Thresholds{AllowFailures: true, PageThreshold: 100})
	g.RecordFailure("network", true)
	g.RecordFailure("network", true)
	g.RecordFailure("validation", true)

	hist := g.ReasonHistogram()
	assert.Equal(t, 2, hist["network"])
	assert.Equal(t, 1, hist["validation"])
}

func TestShouldAbort_FirstPredicateWinsAndStaysAborted(t *testing.T) {
	g := New(Thresholds{})
	g.RecordFailure("network", true)
	first := g.AbortReason()

	g.RecordRestricted("blocked")
	assert.Equal(t, first, g.AbortReason())
}
