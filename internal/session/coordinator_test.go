package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/studysync/studysync/internal/matching"
	"github.com/studysync/studysync/internal/metrics"
	"github.com/studysync/studysync/internal/protocol"
	"github.com/studysync/studysync/internal/relay"
	"github.com/studysync/studysync/pkg/state/statemanager"
	"github.com/studysync/studysync/pkg/transport"
)

const (
	testGrace         = 10 * time.Second
	testDissolveGrace = 5 * time.Second
)

func testLogger() *slog.Logger {
	handler := slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError + 1})
	return slog.New(handler)
}

type fakeLink struct {
	mu        sync.Mutex
	frames    [][]byte
	done      chan struct{}
	closeOnce sync.Once
}

var _ transport.Link = (*fakeLink)(nil)

func newFakeLink() *fakeLink {
	return &fakeLink{done: make(chan struct{})}
}

func (l *fakeLink) Send(message []byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.frames = append(l.frames, append([]byte(nil), message...))
}

func (l *fakeLink) Close(err error) {
	l.closeOnce.Do(func() { close(l.done) })
}

func (l *fakeLink) Done() <-chan struct{} { return l.done }

// framesOfType decodes every received frame and returns those whose type
// discriminant matches.
func (l *fakeLink) framesOfType(t *testing.T, msgType string) [][]byte {
	t.Helper()
	l.mu.Lock()
	defer l.mu.Unlock()

	var out [][]byte
	for _, frame := range l.frames {
		var head struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(frame, &head); err != nil {
			t.Fatalf("undecodable frame %s: %v", frame, err)
		}
		if head.Type == msgType {
			out = append(out, append([]byte(nil), frame...))
		}
	}
	return out
}

type testEnv struct {
	coordinator *Coordinator
	clock       *clock.Mock
	links       map[string]*fakeLink
	conns       map[string]uuid.UUID
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mock := clock.NewMock()
	registry := statemanager.NewInMemoryRegistry(testLogger())
	coordinator := NewCoordinator(registry, mock, Config{
		GroupSize:       3,
		GraceWindow:     testGrace,
		RematchInterval: time.Second,
		DissolveGrace:   testDissolveGrace,
	}, metrics.New(), testLogger())

	return &testEnv{
		coordinator: coordinator,
		clock:       mock,
		links:       make(map[string]*fakeLink),
		conns:       make(map[string]uuid.UUID),
	}
}

func (e *testEnv) connect(t *testing.T, userID string) {
	t.Helper()
	link := newFakeLink()
	connID := uuid.New()
	if err := e.coordinator.Connect(connID, link, "127.0.0.1"); err != nil {
		t.Fatalf("Connect(%s) failed: %v", userID, err)
	}
	if _, err := e.coordinator.Announce(connID, userID, userID+"-name"); err != nil {
		t.Fatalf("Announce(%s) failed: %v", userID, err)
	}
	e.links[userID] = link
	e.conns[userID] = connID
}

func (e *testEnv) findMatch(t *testing.T, userID string, subject matching.Subject, mood matching.Mood) {
	t.Helper()
	err := e.coordinator.FindMatch(userID, userID+"-name", matching.Preferences{
		Subject: subject, Mood: mood, PartnerType: matching.PartnerAny,
	})
	if err != nil {
		t.Fatalf("FindMatch(%s) failed: %v", userID, err)
	}
}

func (e *testEnv) matchedRoom(t *testing.T, userID string) protocol.Matched {
	t.Helper()
	frames := e.links[userID].framesOfType(t, protocol.TypeMatched)
	if len(frames) == 0 {
		t.Fatalf("%s never received a matched notification", userID)
	}
	var matched protocol.Matched
	if err := json.Unmarshal(frames[len(frames)-1], &matched); err != nil {
		t.Fatalf("bad matched frame: %v", err)
	}
	return matched
}

func TestTripleMatchNotifiesEveryMember(t *testing.T) {
	e := newTestEnv(t)
	for _, u := range []string{"alice", "bob", "carol"} {
		e.connect(t, u)
		e.findMatch(t, u, matching.SubjectPhysics, matching.MoodFocus)
	}

	for _, u := range []string{"alice", "bob", "carol"} {
		if len(e.links[u].framesOfType(t, protocol.TypeWaiting)) == 0 {
			t.Errorf("%s never received a waiting acknowledgement", u)
		}
		matched := e.matchedRoom(t, u)
		if len(matched.Peers) != 2 {
			t.Errorf("%s expected 2 peers, got %v", u, matched.Peers)
		}
		for _, peer := range matched.Peers {
			if peer.UserID == u {
				t.Errorf("%s listed as their own peer", u)
			}
		}
	}

	roomA := e.matchedRoom(t, "alice").RoomID
	if e.matchedRoom(t, "bob").RoomID != roomA || e.matchedRoom(t, "carol").RoomID != roomA {
		t.Error("members disagree about their room id")
	}
	if !e.coordinator.Rooms().SameRoom("alice", "carol") {
		t.Error("matched users not in the same active room")
	}
}

func TestWaitingAndMatchedAreMutuallyExclusive(t *testing.T) {
	e := newTestEnv(t)
	e.connect(t, "alice")
	e.findMatch(t, "alice", matching.SubjectHistory, matching.MoodChill)

	// Waiting again is rejected.
	err := e.coordinator.FindMatch("alice", "alice-name", matching.Preferences{
		Subject: matching.SubjectHistory, Mood: matching.MoodChill, PartnerType: matching.PartnerAny,
	})
	if !errors.Is(err, matching.ErrAlreadyWaiting) {
		t.Fatalf("expected ErrAlreadyWaiting, got %v", err)
	}

	// Once matched, a new request is rejected the other way.
	e.connect(t, "bob")
	e.connect(t, "carol")
	e.findMatch(t, "bob", matching.SubjectHistory, matching.MoodChill)
	e.findMatch(t, "carol", matching.SubjectHistory, matching.MoodChill)

	err = e.coordinator.FindMatch("alice", "alice-name", matching.Preferences{
		Subject: matching.SubjectHistory, Mood: matching.MoodChill, PartnerType: matching.PartnerAny,
	})
	if !errors.Is(err, ErrAlreadyMatched) {
		t.Fatalf("expected ErrAlreadyMatched after commit, got %v", err)
	}
}

func TestSubjectRelaxationAfterGraceWindow(t *testing.T) {
	e := newTestEnv(t)
	e.connect(t, "alice")
	e.connect(t, "bob")
	e.findMatch(t, "alice", matching.SubjectChemistry, matching.MoodFocus)
	e.findMatch(t, "bob", matching.SubjectHistory, matching.MoodChill)

	if len(e.links["alice"].framesOfType(t, protocol.TypeMatched)) != 0 {
		t.Fatal("cross-subject users matched before the grace window expired")
	}

	e.clock.Add(testGrace)
	e.coordinator.TryMatch()

	if e.matchedRoom(t, "alice").RoomID != e.matchedRoom(t, "bob").RoomID {
		t.Error("relaxed match did not place both users in one room")
	}
}

func TestCancelMatchWithdraws(t *testing.T) {
	e := newTestEnv(t)
	e.connect(t, "alice")
	e.connect(t, "bob")
	e.findMatch(t, "alice", matching.SubjectPhysics, matching.MoodFocus)
	e.coordinator.CancelMatch("alice")
	e.coordinator.CancelMatch("alice") // idempotent

	e.findMatch(t, "bob", matching.SubjectPhysics, matching.MoodFocus)
	e.clock.Add(testGrace)
	e.coordinator.TryMatch()

	if len(e.links["bob"].framesOfType(t, protocol.TypeMatched)) != 0 {
		t.Error("withdrawn user was still matched")
	}
}

func TestDisconnectFromTripleKeepsRoomAlive(t *testing.T) {
	e := newTestEnv(t)
	for _, u := range []string{"alice", "bob", "carol"} {
		e.connect(t, u)
		e.findMatch(t, u, matching.SubjectBiology, matching.MoodBalanced)
	}

	e.links["bob"].Close(nil)
	e.coordinator.Disconnect(e.conns["bob"])

	for _, u := range []string{"alice", "carol"} {
		frames := e.links[u].framesOfType(t, protocol.TypeUserLeft)
		if len(frames) != 1 {
			t.Fatalf("%s expected one user-left frame, got %d", u, len(frames))
		}
		var left protocol.UserLeft
		json.Unmarshal(frames[0], &left)
		if left.UserID != "bob" {
			t.Errorf("%s told the wrong user left: %s", u, left.UserID)
		}
	}

	// Two members remain; the room must stay active, not dissolve.
	if !e.coordinator.Rooms().SameRoom("alice", "carol") {
		t.Error("room dissolved despite retaining 2 members")
	}
}

func TestPairDisconnectDissolvesAndRequeuesSurvivor(t *testing.T) {
	e := newTestEnv(t)
	e.connect(t, "alice")
	e.connect(t, "bob")
	e.findMatch(t, "alice", matching.SubjectChemistry, matching.MoodFocus)
	e.findMatch(t, "bob", matching.SubjectChemistry, matching.MoodFocus)
	e.clock.Add(testGrace)
	e.coordinator.TryMatch()
	e.matchedRoom(t, "alice") // sanity: pair formed

	e.links["bob"].Close(nil)
	e.coordinator.Disconnect(e.conns["bob"])

	waitingBefore := len(e.links["alice"].framesOfType(t, protocol.TypeWaiting))
	e.clock.Add(testDissolveGrace)

	// After the grace interval the survivor is back in the pool with
	// their original preferences and told so.
	if got := len(e.links["alice"].framesOfType(t, protocol.TypeWaiting)); got != waitingBefore+1 {
		t.Fatalf("survivor not re-acknowledged as waiting: %d -> %d", waitingBefore, got)
	}

	// Newcomers on the survivor's original chemistry preference complete
	// a fresh strict-policy triple with them.
	e.connect(t, "carol")
	e.connect(t, "dave")
	e.findMatch(t, "carol", matching.SubjectChemistry, matching.MoodFocus)
	e.findMatch(t, "dave", matching.SubjectChemistry, matching.MoodFocus)

	matched := e.matchedRoom(t, "alice")
	if len(matched.Peers) != 2 {
		t.Fatalf("survivor matched with %d peers, expected 2", len(matched.Peers))
	}
}

func TestDeadLinkAtCommitBecomesImmediateLeave(t *testing.T) {
	e := newTestEnv(t)
	for _, u := range []string{"alice", "bob", "carol"} {
		e.connect(t, u)
	}
	e.findMatch(t, "alice", matching.SubjectPhysics, matching.MoodFocus)
	e.findMatch(t, "bob", matching.SubjectPhysics, matching.MoodFocus)

	// Carol's transport dies before the commit's fan-out can reach her;
	// her matched notification fails and she is evicted on the spot.
	e.links["carol"].Close(nil)
	e.findMatch(t, "carol", matching.SubjectPhysics, matching.MoodFocus)

	if _, inRoom := e.coordinator.Rooms().RoomOf("carol"); inRoom {
		t.Error("member with a dead link kept room membership")
	}
	if !e.coordinator.Rooms().SameRoom("alice", "bob") {
		t.Error("surviving members lost their active room")
	}
	for _, u := range []string{"alice", "bob"} {
		frames := e.links[u].framesOfType(t, protocol.TypeUserLeft)
		if len(frames) != 1 {
			t.Fatalf("%s expected one user-left frame, got %d", u, len(frames))
		}
		var left protocol.UserLeft
		json.Unmarshal(frames[0], &left)
		if left.UserID != "carol" {
			t.Errorf("%s told the wrong user left: %s", u, left.UserID)
		}
	}
}

func TestRunToleratesNonPositiveRematchInterval(t *testing.T) {
	registry := statemanager.NewInMemoryRegistry(testLogger())
	c := NewCoordinator(registry, clock.New(), Config{
		GroupSize:       3,
		GraceWindow:     testGrace,
		RematchInterval: 0,
		DissolveGrace:   testDissolveGrace,
	}, metrics.New(), testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	cancel()
	<-done
}

func TestSignalRoundTripWithinRoom(t *testing.T) {
	e := newTestEnv(t)
	for _, u := range []string{"alice", "bob", "carol"} {
		e.connect(t, u)
		e.findMatch(t, u, matching.SubjectComputerSci, matching.MoodFocus)
	}

	payload := []byte(`{"candidate":"candidate:842163049 1 udp 1677729535 1.2.3.4 46154 typ srflx"}`)
	if err := e.coordinator.Signal("alice", "bob", protocol.TypeICECandidate, payload); err != nil {
		t.Fatalf("Signal failed: %v", err)
	}

	frames := e.links["bob"].framesOfType(t, protocol.TypeICECandidate)
	if len(frames) != 1 {
		t.Fatalf("expected 1 relayed frame, got %d", len(frames))
	}
	var sig protocol.Signal
	json.Unmarshal(frames[0], &sig)
	if !bytes.Equal(sig.Data, payload) {
		t.Errorf("payload altered in transit:\nsent %s\ngot  %s", payload, sig.Data)
	}
	if sig.From != "alice" {
		t.Errorf("expected from=alice, got %q", sig.From)
	}
}

func TestSignalAcrossRoomsRejected(t *testing.T) {
	e := newTestEnv(t)
	// Two separate pairs in two separate rooms.
	for _, u := range []string{"a1", "a2"} {
		e.connect(t, u)
		e.findMatch(t, u, matching.SubjectPhysics, matching.MoodFocus)
	}
	for _, u := range []string{"b1", "b2"} {
		e.connect(t, u)
		e.findMatch(t, u, matching.SubjectLiterature, matching.MoodChill)
	}
	e.clock.Add(testGrace)
	e.coordinator.TryMatch()
	e.matchedRoom(t, "a1")
	e.matchedRoom(t, "b1")

	err := e.coordinator.Signal("a1", "b1", protocol.TypeOffer, []byte(`{}`))
	if !errors.Is(err, relay.ErrNotInSameRoom) {
		t.Fatalf("expected ErrNotInSameRoom, got %v", err)
	}
	if len(e.links["b1"].framesOfType(t, protocol.TypeOffer)) != 0 {
		t.Error("cross-room offer was delivered")
	}
	// Neither room's state was disturbed.
	if !e.coordinator.Rooms().SameRoom("a1", "a2") || !e.coordinator.Rooms().SameRoom("b1", "b2") {
		t.Error("cross-room rejection affected room membership")
	}
}

func TestSignalToUnreachablePeerRunsLeaveCascade(t *testing.T) {
	e := newTestEnv(t)
	for _, u := range []string{"alice", "bob", "carol"} {
		e.connect(t, u)
		e.findMatch(t, u, matching.SubjectGeneral, matching.MoodBalanced)
	}

	// Bob's link dies without the close handler having run yet.
	e.links["bob"].Close(nil)

	err := e.coordinator.Signal("alice", "bob", protocol.TypeOffer, []byte(`{}`))
	if !errors.Is(err, relay.ErrPeerUnreachable) {
		t.Fatalf("expected ErrPeerUnreachable, got %v", err)
	}

	// The failed delivery evicted bob; alice and carol stay paired up.
	if _, inRoom := e.coordinator.Rooms().RoomOf("bob"); inRoom {
		t.Error("unreachable peer still holds room membership")
	}
	if !e.coordinator.Rooms().SameRoom("alice", "carol") {
		t.Error("surviving members lost their room")
	}
}
