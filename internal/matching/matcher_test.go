package matching

import (
	"reflect"
	"testing"
	"time"
)

const testGrace = 10 * time.Second

func newTestMatcher() *Matcher {
	return NewMatcher(3, testGrace, testLogger())
}

func entryAt(userID string, subject Subject, mood Mood, enqueuedAt time.Time) Entry {
	return Entry{
		UserID:      userID,
		DisplayName: userID,
		Prefs:       Preferences{Subject: subject, Mood: mood, PartnerType: PartnerAny},
		EnqueuedAt:  enqueuedAt,
	}
}

func groupIDs(group []Entry) []string {
	ids := make([]string, len(group))
	for i, e := range group {
		ids[i] = e.UserID
	}
	return ids
}

func TestTripleSameSubjectAndMood(t *testing.T) {
	now := time.Unix(1000, 0)
	snapshot := []Entry{
		entryAt("alice", SubjectPhysics, MoodFocus, now.Add(-3*time.Second)),
		entryAt("bob", SubjectPhysics, MoodFocus, now.Add(-2*time.Second)),
		entryAt("carol", SubjectPhysics, MoodFocus, now.Add(-1*time.Second)),
	}

	group := newTestMatcher().AttemptMatch(snapshot, now)
	if got, want := groupIDs(group), []string{"alice", "bob", "carol"}; !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestDeterministicAcrossRepeatedCalls(t *testing.T) {
	now := time.Unix(1000, 0)
	snapshot := []Entry{
		entryAt("alice", SubjectPhysics, MoodFocus, now.Add(-5*time.Second)),
		entryAt("bob", SubjectPhysics, MoodChill, now.Add(-4*time.Second)),
		entryAt("carol", SubjectPhysics, MoodFocus, now.Add(-3*time.Second)),
		entryAt("dave", SubjectPhysics, MoodFocus, now.Add(-2*time.Second)),
	}

	m := newTestMatcher()
	first := groupIDs(m.AttemptMatch(snapshot, now))
	for i := 0; i < 10; i++ {
		if got := groupIDs(m.AttemptMatch(snapshot, now)); !reflect.DeepEqual(got, first) {
			t.Fatalf("call %d diverged: %v vs %v", i, got, first)
		}
	}
}

func TestMoodMergeWithinSubject(t *testing.T) {
	now := time.Unix(1000, 0)
	snapshot := []Entry{
		entryAt("alice", SubjectBiology, MoodFocus, now.Add(-3*time.Second)),
		entryAt("bob", SubjectBiology, MoodChill, now.Add(-2*time.Second)),
		entryAt("carol", SubjectBiology, MoodBalanced, now.Add(-1*time.Second)),
	}

	group := newTestMatcher().AttemptMatch(snapshot, now)
	if len(group) != 3 {
		t.Fatalf("expected mood-merged triple, got %v", groupIDs(group))
	}
}

func TestNoPairBeforeGraceWindow(t *testing.T) {
	now := time.Unix(1000, 0)
	snapshot := []Entry{
		entryAt("alice", SubjectPhysics, MoodFocus, now.Add(-time.Second)),
		entryAt("bob", SubjectPhysics, MoodFocus, now.Add(-time.Second)),
	}

	if group := newTestMatcher().AttemptMatch(snapshot, now); group != nil {
		t.Errorf("expected no match before grace expiry, got %v", groupIDs(group))
	}
}

func TestPairAfterGraceWindow(t *testing.T) {
	now := time.Unix(1000, 0)
	snapshot := []Entry{
		entryAt("alice", SubjectPhysics, MoodFocus, now.Add(-testGrace)),
		entryAt("bob", SubjectPhysics, MoodFocus, now.Add(-time.Second)),
	}

	group := newTestMatcher().AttemptMatch(snapshot, now)
	if got, want := groupIDs(group), []string{"alice", "bob"}; !reflect.DeepEqual(got, want) {
		t.Errorf("expected pair %v once the anchor outwaits the grace window, got %v", want, got)
	}
}

func TestSubjectRelaxationAfterGrace(t *testing.T) {
	now := time.Unix(1000, 0)
	snapshot := []Entry{
		entryAt("alice", SubjectChemistry, MoodFocus, now.Add(-testGrace-time.Second)),
		entryAt("bob", SubjectHistory, MoodChill, now.Add(-testGrace)),
	}

	group := newTestMatcher().AttemptMatch(snapshot, now)
	if got, want := groupIDs(group), []string{"alice", "bob"}; !reflect.DeepEqual(got, want) {
		t.Errorf("expected cross-subject pair %v, got %v", want, got)
	}
}

func TestSubjectRelaxationRequiresBothStale(t *testing.T) {
	now := time.Unix(1000, 0)
	snapshot := []Entry{
		entryAt("alice", SubjectChemistry, MoodFocus, now.Add(-testGrace-time.Second)),
		entryAt("bob", SubjectHistory, MoodChill, now.Add(-time.Second)),
	}

	if group := newTestMatcher().AttemptMatch(snapshot, now); group != nil {
		t.Errorf("fresh user pulled into a relaxed match: %v", groupIDs(group))
	}
}

func TestTieBreakFavorsLongestWaiting(t *testing.T) {
	now := time.Unix(1000, 0)
	snapshot := []Entry{
		entryAt("oldest", SubjectMathematics, MoodFocus, now.Add(-8*time.Second)),
		entryAt("mid1", SubjectMathematics, MoodFocus, now.Add(-6*time.Second)),
		entryAt("mid2", SubjectMathematics, MoodFocus, now.Add(-4*time.Second)),
		entryAt("newest", SubjectMathematics, MoodFocus, now.Add(-2*time.Second)),
	}

	group := newTestMatcher().AttemptMatch(snapshot, now)
	if got, want := groupIDs(group), []string{"oldest", "mid1", "mid2"}; !reflect.DeepEqual(got, want) {
		t.Errorf("expected oldest three %v, got %v", want, got)
	}
}

func TestPartnerTypeNeverBlocks(t *testing.T) {
	now := time.Unix(1000, 0)
	snapshot := []Entry{
		{
			UserID: "alice", DisplayName: "alice",
			Prefs:      Preferences{Subject: SubjectGeneral, Mood: MoodChill, PartnerType: PartnerFemale},
			EnqueuedAt: now.Add(-3 * time.Second),
		},
		{
			UserID: "bob", DisplayName: "bob",
			Prefs:      Preferences{Subject: SubjectGeneral, Mood: MoodChill, PartnerType: PartnerMale},
			EnqueuedAt: now.Add(-2 * time.Second),
		},
		{
			UserID: "carol", DisplayName: "carol",
			Prefs:      Preferences{Subject: SubjectGeneral, Mood: MoodChill, PartnerType: PartnerAny},
			EnqueuedAt: now.Add(-1 * time.Second),
		},
	}

	group := newTestMatcher().AttemptMatch(snapshot, now)
	if len(group) != 3 {
		t.Errorf("advisory partner preference blocked a match: %v", groupIDs(group))
	}
}

func TestSingleEntryNeverMatches(t *testing.T) {
	now := time.Unix(1000, 0)
	snapshot := []Entry{
		entryAt("alice", SubjectPhysics, MoodFocus, now.Add(-time.Hour)),
	}

	if group := newTestMatcher().AttemptMatch(snapshot, now); group != nil {
		t.Errorf("matched a group of one: %v", groupIDs(group))
	}
}
