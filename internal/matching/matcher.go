package matching

import (
	"log/slog"
	"time"
)

// Matcher is pure decision logic over pool snapshots. It never mutates the
// pool; it only recommends a group for the coordinator to commit. Given an
// identical snapshot and clock reading it always recommends the same group.
type Matcher struct {
	groupSize   int
	graceWindow time.Duration

	logger *slog.Logger
}

// NewMatcher builds a matcher targeting groups of groupSize (minimum 2).
// graceWindow bounds how long the strict subject policy holds before the
// matcher settles for pairs and, eventually, cross-subject groups.
func NewMatcher(groupSize int, graceWindow time.Duration, logger *slog.Logger) *Matcher {
	if groupSize < 2 {
		groupSize = 2
	}
	return &Matcher{
		groupSize:   groupSize,
		graceWindow: graceWindow,
		logger:      logger.With(slog.String("component", "matcher")),
	}
}

// AttemptMatch scans a snapshot (ordered oldest-first) and recommends a
// group of 2..groupSize entries, or nil when no viable group exists.
//
// Policy tiers, each scanned with the longest-waiting viable user as
// anchor and filled by ascending enqueue time:
//  1. same subject and mood, full group
//  2. same subject, moods merged, full group
//  3. anchor past the grace window: same subject pair (exact mood first)
//  4. subject relaxed across entries that are all past the grace window
func (m *Matcher) AttemptMatch(snapshot []Entry, now time.Time) []Entry {
	if len(snapshot) < 2 {
		return nil
	}

	// Tier 1: strict subject + mood.
	for i := range snapshot {
		anchor := snapshot[i]
		group := m.collect(snapshot, i, m.groupSize, func(e Entry) bool {
			return e.Prefs.Subject == anchor.Prefs.Subject && e.Prefs.Mood == anchor.Prefs.Mood
		})
		if len(group) == m.groupSize {
			return m.finalize(group, "subject+mood")
		}
	}

	// Tier 2: same subject, moods merged.
	for i := range snapshot {
		anchor := snapshot[i]
		group := m.collect(snapshot, i, m.groupSize, func(e Entry) bool {
			return e.Prefs.Subject == anchor.Prefs.Subject
		})
		if len(group) == m.groupSize {
			return m.finalize(group, "subject")
		}
	}

	// Tier 3: the longest-waiting users have outlasted the grace window
	// with no third joining; settle for a same-subject pair.
	for i := range snapshot {
		anchor := snapshot[i]
		if now.Sub(anchor.EnqueuedAt) < m.graceWindow {
			break // snapshot is oldest-first, nobody later is stale either
		}
		group := m.collect(snapshot, i, 2, func(e Entry) bool {
			return e.Prefs.Subject == anchor.Prefs.Subject && e.Prefs.Mood == anchor.Prefs.Mood
		})
		if len(group) == 2 {
			return m.finalize(group, "subject+mood pair")
		}
	}
	for i := range snapshot {
		anchor := snapshot[i]
		if now.Sub(anchor.EnqueuedAt) < m.graceWindow {
			break
		}
		group := m.collect(snapshot, i, 2, func(e Entry) bool {
			return e.Prefs.Subject == anchor.Prefs.Subject
		})
		if len(group) == 2 {
			return m.finalize(group, "subject pair")
		}
	}

	// Tier 4: relax the subject constraint entirely, but only among users
	// who have themselves waited out the grace window. Avoids unbounded
	// starvation of mismatched subjects.
	var stale []Entry
	for _, e := range snapshot {
		if now.Sub(e.EnqueuedAt) >= m.graceWindow {
			stale = append(stale, e)
		}
	}
	if len(stale) >= 2 {
		n := m.groupSize
		if len(stale) < n {
			n = len(stale)
		}
		return m.finalize(stale[:n], "relaxed")
	}

	return nil
}

// collect gathers up to max entries satisfying pred, walking oldest-first
// from the anchor. The anchor is always the first member.
func (m *Matcher) collect(snapshot []Entry, anchorIdx, max int, pred func(Entry) bool) []Entry {
	group := make([]Entry, 0, max)
	group = append(group, snapshot[anchorIdx])
	for j := anchorIdx + 1; j < len(snapshot) && len(group) < max; j++ {
		if pred(snapshot[j]) {
			group = append(group, snapshot[j])
		}
	}
	return group
}

// finalize logs the tier and any partner-type relaxation. There is no
// verified gender attribute, so a non-"any" partner preference is always
// advisory; honoring it can never shrink a group below 2, and dropping it
// is an observability concern, not a contract violation.
func (m *Matcher) finalize(group []Entry, tier string) []Entry {
	ids := make([]string, len(group))
	relaxed := false
	for i, e := range group {
		ids[i] = e.UserID
		if e.Prefs.PartnerType != PartnerAny {
			relaxed = true
		}
	}
	if relaxed {
		m.logger.Info("partner-type preference treated as advisory", slog.Any("group", ids))
	}
	m.logger.Debug("match recommended", slog.String("tier", tier), slog.Any("group", ids))
	return group
}
