// Package governor implements the failure governor that tallies page,
// attachment, and restricted-page failures during a run and decides whether
// the scheduler should keep dispatching or abort.
package governor

import "sync"

// Thresholds configures the four abort predicates. Zero-value Thresholds
// means "abort on the very first page failure" (AllowFailures defaults to
// false), the most conservative posture.
type Thresholds struct {
	AllowFailures              bool
	PageThreshold              int
	AttachmentThreshold        int
	AttachmentPercentThreshold float64
	RestrictedPagesAllowed     bool
}

// Governor accumulates failure counts and decides whether a run should
// abort. All methods are safe for concurrent use.
type Governor struct {
	mu sync.Mutex

	thresholds Thresholds

	pageFailures       int
	attachmentFailures int
	totalAttachments   int
	restrictedPages    int
	reasons            map[string]int

	aborted bool
	reason  string
}

// New creates a Governor with the given thresholds.
func New(t Thresholds) *Governor {
	return &Governor{thresholds: t, reasons: make(map[string]int)}
}

// RecordSuccess notes a page processed without error. It never triggers an
// abort; it exists so callers have a symmetric event for every outcome.
func (g *Governor) RecordSuccess() {}

// RecordFailure records a page-level outcome. Only terminal failures (no
// more retries left) count toward the abort predicates; a merely retryable
// failure should not be reported here.
func (g *Governor) RecordFailure(category string, terminal bool) {
	if !terminal {
		return
	}
	g.mu.Lock()
	g.pageFailures++
	g.reasons[category]++
	g.mu.Unlock()
	g.evaluate()
}

// RecordAttachmentOutcome records one attachment download attempt, whether
// or not it failed, since the percent-based predicate needs the full
// attempted count as its denominator.
func (g *Governor) RecordAttachmentOutcome(category string, failed bool) {
	g.mu.Lock()
	g.totalAttachments++
	if failed {
		g.attachmentFailures++
		g.reasons[category]++
	}
	g.mu.Unlock()
	g.evaluate()
}

// RecordRestricted notes a page the current credentials cannot access.
func (g *Governor) RecordRestricted(reason string) {
	g.mu.Lock()
	g.restrictedPages++
	g.reasons[reason]++
	g.mu.Unlock()
	g.evaluate()
}

func (g *Governor) evaluate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.aborted {
		return
	}

	switch {
	case !g.thresholds.AllowFailures && g.pageFailures > 0:
		g.abortLocked("page failure with failures disallowed")
	case g.pageFailures > g.thresholds.PageThreshold:
		g.abortLocked("page failure threshold exceeded")
	case g.attachmentFailures > g.thresholds.AttachmentThreshold:
		g.abortLocked("attachment failure threshold exceeded")
	case g.totalAttachments > 0 &&
		float64(g.attachmentFailures)/float64(g.totalAttachments)*100 > g.thresholds.AttachmentPercentThreshold:
		g.abortLocked("attachment failure rate threshold exceeded")
	case g.restrictedPages > 0 && !g.thresholds.RestrictedPagesAllowed:
		g.abortLocked("restricted pages encountered")
	}
}

func (g *Governor) abortLocked(reason string) {
	g.aborted = true
	g.reason = reason
}

// ForceAbort aborts the run unconditionally, bypassing every threshold
// predicate — the scheduler's hook for the retry classifier's fatal
// condition (severity=critical and unrecoverable), which must abort
// immediately regardless of AllowFailures or how far the run is from its
// configured thresholds.
func (g *Governor) ForceAbort(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.aborted {
		return
	}
	g.abortLocked(reason)
}

// ShouldAbort reports whether any predicate has fired.
func (g *Governor) ShouldAbort() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.aborted
}

// AbortReason returns the predicate that triggered the abort, or "" if none
// has.
func (g *Governor) AbortReason() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reason
}

// ReasonHistogram returns a copy of the failure-reason counts accumulated so
// far, across all event types.
func (g *Governor) ReasonHistogram() map[string]int {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make(map[string]int, len(g.reasons))
	for k, v := range g.reasons {
		out[k] = v
	}
	return out
}
