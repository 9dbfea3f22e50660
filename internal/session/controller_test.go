package session

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mossy-p/callkit/internal/media"
	"github.com/mossy-p/callkit/internal/models"
	"github.com/mossy-p/callkit/internal/negotiation"
	"github.com/mossy-p/callkit/internal/signaling"
)

const (
	waitFor = 3 * time.Second
	tick    = 10 * time.Millisecond
)

// recordingRinger captures ring start/stop calls for assertions.
type recordingRinger struct {
	mu      sync.Mutex
	started []string
	stopped []string
}

func (r *recordingRinger) StartRinging(rec *models.CallRecord) {
	r.mu.Lock()
	r.started = append(r.started, rec.ID)
	r.mu.Unlock()
}

func (r *recordingRinger) StopRinging(callID string) {
	r.mu.Lock()
	r.stopped = append(r.stopped, callID)
	r.mu.Unlock()
}

func (r *recordingRinger) startedFor(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.started {
		if s == id {
			return true
		}
	}
	return false
}

func (r *recordingRinger) stoppedFor(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.stopped {
		if s == id {
			return true
		}
	}
	return false
}

// testEnd is one party of a call: its own registry, capturer, ringer and
// peer connection factory, sharing the signaling channel with the peer.
type testEnd struct {
	deps     Deps
	capturer *media.MockCapturer
	ringer   *recordingRinger

	mu   sync.Mutex
	peer *negotiation.MockPeer
}

func newTestEnd(ch signaling.Channel, ringTimeout time.Duration) *testEnd {
	log := logrus.New()
	log.SetOutput(io.Discard)

	e := &testEnd{
		capturer: media.NewMockCapturer(),
		ringer:   &recordingRinger{},
	}
	e.deps = Deps{
		Channel:     ch,
		Capturer:    e.capturer,
		Ringer:      e.ringer,
		Registry:    NewRegistry(),
		Log:         log,
		RingTimeout: ringTimeout,
		NewPeerConnection: func() (negotiation.PeerConnection, error) {
			p := negotiation.NewMockPeer()
			e.mu.Lock()
			e.peer = p
			e.mu.Unlock()
			return p, nil
		},
	}
	return e
}

func (e *testEnd) lastPeer() *negotiation.MockPeer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.peer
}

// watchInbox captures the create notification delivered to userID.
func watchInbox(t *testing.T, ch signaling.Channel, userID string) chan *models.CallRecord {
	t.Helper()
	out := make(chan *models.CallRecord, 8)
	_, err := ch.SubscribeInbox(context.Background(), userID, func(up *models.CallUpdate) {
		if up.Kind == models.UpdateKindCreate {
			out <- up.Record
		}
	})
	require.NoError(t, err)
	return out
}

func waitInbound(t *testing.T, inbox chan *models.CallRecord) *models.CallRecord {
	t.Helper()
	select {
	case rec := <-inbox:
		return rec
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for inbound call notification")
		return nil
	}
}

func waitDone(t *testing.T, ctrl *Controller) {
	t.Helper()
	select {
	case <-ctrl.Done():
	case <-time.After(waitFor):
		t.Fatalf("controller for call %s did not finish", ctrl.ID())
	}
}

func statusIs(ctrl *Controller, want models.CallStatus) func() bool {
	return func() bool { return ctrl.machine.Current() == want }
}

// dialAndRing runs the outbound leg up to both sides ringing.
func dialAndRing(t *testing.T, ch signaling.Channel, alice, bob *testEnd, kind models.MediaKind) (*Controller, *Controller) {
	t.Helper()
	inbox := watchInbox(t, ch, "bob")

	caller, err := Dial(alice.deps, "alice", "bob", kind)
	require.NoError(t, err)

	rec := waitInbound(t, inbox)
	require.Equal(t, models.CallStatusRinging, rec.Status)
	require.NotEmpty(t, rec.CallerOffer, "offer must be persisted before the receiver hears about the call")

	callee, err := NewInbound(bob.deps, "bob", rec)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return alice.ringer.startedFor(caller.ID()) && bob.ringer.startedFor(caller.ID())
	}, waitFor, tick)
	return caller, callee
}

func establishActive(t *testing.T, ch signaling.Channel, alice, bob *testEnd, kind models.MediaKind) (*Controller, *Controller) {
	t.Helper()
	caller, callee := dialAndRing(t, ch, alice, bob, kind)
	require.NoError(t, callee.Answer())
	require.Eventually(t, statusIs(caller, models.CallStatusActive), waitFor, tick)
	require.Eventually(t, statusIs(callee, models.CallStatusActive), waitFor, tick)
	return caller, callee
}

func TestVideoCallEndToEnd(t *testing.T) {
	ch := signaling.NewMemoryChannel()
	alice := newTestEnd(ch, time.Minute)
	bob := newTestEnd(ch, time.Minute)

	caller, callee := establishActive(t, ch, alice, bob, models.MediaKindVideo)

	snap := caller.Snapshot()
	assert.NotEmpty(t, snap.ReceiverAnswer)
	assert.NotNil(t, snap.AnsweredAt)
	assert.True(t, alice.ringer.stoppedFor(caller.ID()))
	assert.True(t, bob.ringer.stoppedFor(caller.ID()))

	// A candidate from the caller reaches the callee's peer connection,
	// and the echo back to the caller is ignored.
	require.NoError(t, ch.PublishCandidate(context.Background(), caller.ID(), &models.Candidate{
		From:    "alice",
		Payload: `{"candidate":"candidate:a 1 udp 1 192.0.2.1 10000 typ host"}`,
	}))
	require.Eventually(t, func() bool {
		return len(bob.lastPeer().AppliedCandidates()) == 1
	}, waitFor, tick)
	assert.Empty(t, alice.lastPeer().AppliedCandidates())

	require.NoError(t, caller.HangUp())
	waitDone(t, caller)
	waitDone(t, callee)

	final, err := ch.Get(context.Background(), caller.ID())
	require.NoError(t, err)
	assert.Equal(t, models.CallStatusEnded, final.Status)
	assert.NotNil(t, final.EndedAt)

	assert.True(t, alice.capturer.AllTracksClosed())
	assert.True(t, bob.capturer.AllTracksClosed())
	assert.False(t, alice.deps.Registry.Owns(caller.ID()))
	assert.False(t, bob.deps.Registry.Owns(caller.ID()))
}

func TestSimultaneousHangUpConverges(t *testing.T) {
	ch := signaling.NewMemoryChannel()
	alice := newTestEnd(ch, time.Minute)
	bob := newTestEnd(ch, time.Minute)

	caller, callee := establishActive(t, ch, alice, bob, models.MediaKindAudio)

	// Both sides hang up at once. Whichever terminal write lands second
	// is a convergent no-op, never an error surfaced to either user.
	require.NoError(t, caller.HangUp())
	require.NoError(t, callee.HangUp())
	waitDone(t, caller)
	waitDone(t, callee)

	final, err := ch.Get(context.Background(), caller.ID())
	require.NoError(t, err)
	assert.Equal(t, models.CallStatusEnded, final.Status)
}

func TestCallerCancelsBeforeAnswer(t *testing.T) {
	ch := signaling.NewMemoryChannel()
	alice := newTestEnd(ch, time.Minute)
	bob := newTestEnd(ch, time.Minute)

	caller, callee := dialAndRing(t, ch, alice, bob, models.MediaKindAudio)

	require.NoError(t, caller.Cancel())
	waitDone(t, caller)
	waitDone(t, callee)

	final, err := ch.Get(context.Background(), caller.ID())
	require.NoError(t, err)
	assert.Equal(t, models.CallStatusEnded, final.Status)
	assert.True(t, bob.ringer.stoppedFor(caller.ID()), "cancel must silence the receiver")
}

func TestReceiverRejects(t *testing.T) {
	ch := signaling.NewMemoryChannel()
	alice := newTestEnd(ch, time.Minute)
	bob := newTestEnd(ch, time.Minute)

	caller, callee := dialAndRing(t, ch, alice, bob, models.MediaKindAudio)

	require.NoError(t, callee.Reject())
	waitDone(t, caller)
	waitDone(t, callee)

	final, err := ch.Get(context.Background(), caller.ID())
	require.NoError(t, err)
	assert.Equal(t, models.CallStatusRejected, final.Status)
}

func TestRingTimeoutMissed(t *testing.T) {
	ch := signaling.NewMemoryChannel()
	alice := newTestEnd(ch, time.Minute)
	bob := newTestEnd(ch, 50*time.Millisecond)

	caller, callee := dialAndRing(t, ch, alice, bob, models.MediaKindAudio)

	waitDone(t, callee)
	waitDone(t, caller)

	final, err := ch.Get(context.Background(), caller.ID())
	require.NoError(t, err)
	assert.Equal(t, models.CallStatusMissed, final.Status)
}

func TestCallerRingTimeoutWithoutReceiver(t *testing.T) {
	ch := signaling.NewMemoryChannel()
	alice := newTestEnd(ch, 50*time.Millisecond)

	caller, err := Dial(alice.deps, "alice", "bob", models.MediaKindAudio)
	require.NoError(t, err)
	waitDone(t, caller)

	final, err := ch.Get(context.Background(), caller.ID())
	require.NoError(t, err)
	assert.Equal(t, models.CallStatusEnded, final.Status)
}

func TestAnswerMediaFailureRejectsCall(t *testing.T) {
	ch := signaling.NewMemoryChannel()
	alice := newTestEnd(ch, time.Minute)
	bob := newTestEnd(ch, time.Minute)

	caller, callee := dialAndRing(t, ch, alice, bob, models.MediaKindVideo)

	// The receiver's camera acquisition fails on answer. The caller must
	// learn promptly via a rejected record, and nothing may leak.
	bob.capturer.AcquireErr = media.ErrPermissionDenied
	require.NoError(t, callee.Answer())
	waitDone(t, callee)
	waitDone(t, caller)

	final, err := ch.Get(context.Background(), caller.ID())
	require.NoError(t, err)
	assert.Equal(t, models.CallStatusRejected, final.Status)
	assert.Empty(t, final.ReceiverAnswer)
	assert.True(t, alice.capturer.AllTracksClosed())
	assert.True(t, bob.capturer.AllTracksClosed())
}

func TestDialMediaFailurePersistsNothing(t *testing.T) {
	ch := signaling.NewMemoryChannel()
	alice := newTestEnd(ch, time.Minute)
	alice.capturer.AcquireErr = media.ErrPermissionDenied

	caller, err := Dial(alice.deps, "alice", "bob", models.MediaKindVideo)
	require.NoError(t, err)
	waitDone(t, caller)

	// The remote peer must never hear about a call that died before its
	// offer existed.
	_, err = ch.Get(context.Background(), caller.ID())
	assert.ErrorIs(t, err, signaling.ErrNotFound)
}

func TestPeerDisconnectEndsActiveCall(t *testing.T) {
	ch := signaling.NewMemoryChannel()
	alice := newTestEnd(ch, time.Minute)
	bob := newTestEnd(ch, time.Minute)

	caller, callee := establishActive(t, ch, alice, bob, models.MediaKindAudio)

	alice.lastPeer().TriggerConnectionState(webrtc.PeerConnectionStateFailed)
	waitDone(t, caller)
	waitDone(t, callee)

	final, err := ch.Get(context.Background(), caller.ID())
	require.NoError(t, err)
	assert.Equal(t, models.CallStatusEnded, final.Status)
}

func descriptionPayload(t *testing.T, sdpType webrtc.SDPType, sdp string) string {
	t.Helper()
	data, err := json.Marshal(webrtc.SessionDescription{Type: sdpType, SDP: sdp})
	require.NoError(t, err)
	return string(data)
}

func TestAdoptedActiveCallWiresEngine(t *testing.T) {
	ch := signaling.NewMemoryChannel()
	bob := newTestEnd(ch, time.Minute)

	// The call was accepted through a platform surface before this
	// process saw it: status active, no answer persisted yet.
	rec := models.NewCallRecord("alice", "bob", models.MediaKindVideo,
		descriptionPayload(t, webrtc.SDPTypeOffer, "v=0 offer"))
	now := time.Now().UTC()
	rec.Status = models.CallStatusActive
	rec.AnsweredAt = &now
	require.NoError(t, ch.Create(context.Background(), rec))

	callee, err := NewInbound(bob.deps, "bob", rec)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return bob.lastPeer() != nil
	}, waitFor, tick, "adoption must build a peer connection")

	// The answer is written back so the caller can complete negotiation.
	require.Eventually(t, func() bool {
		got, err := ch.Get(context.Background(), rec.ID)
		return err == nil && got.ReceiverAnswer != ""
	}, waitFor, tick)

	// Candidates flow into the adopted engine.
	require.NoError(t, ch.PublishCandidate(context.Background(), rec.ID, &models.Candidate{
		From:    "alice",
		Payload: `{"candidate":"candidate:a 1 udp 1 192.0.2.1 10000 typ host"}`,
	}))
	require.Eventually(t, func() bool {
		return len(bob.lastPeer().AppliedCandidates()) == 1
	}, waitFor, tick)

	require.NoError(t, callee.HangUp())
	waitDone(t, callee)
	assert.True(t, bob.capturer.AllTracksClosed())
}

func TestAdoptedCallWithPersistedAnswerStillNegotiates(t *testing.T) {
	ch := signaling.NewMemoryChannel()
	bob := newTestEnd(ch, time.Minute)

	rec := models.NewCallRecord("alice", "bob", models.MediaKindAudio,
		descriptionPayload(t, webrtc.SDPTypeOffer, "v=0 offer"))
	now := time.Now().UTC()
	rec.Status = models.CallStatusActive
	rec.AnsweredAt = &now
	rec.ReceiverAnswer = descriptionPayload(t, webrtc.SDPTypeAnswer, "v=0 oob-answer")
	require.NoError(t, ch.Create(context.Background(), rec))

	callee, err := NewInbound(bob.deps, "bob", rec)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return bob.lastPeer() != nil
	}, waitFor, tick)

	require.NoError(t, ch.PublishCandidate(context.Background(), rec.ID, &models.Candidate{
		From:    "alice",
		Payload: `{"candidate":"candidate:b 1 udp 1 192.0.2.2 10001 typ host"}`,
	}))
	require.Eventually(t, func() bool {
		return len(bob.lastPeer().AppliedCandidates()) == 1
	}, waitFor, tick)

	// The persisted answer stays untouched.
	got, err := ch.Get(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, rec.ReceiverAnswer, got.ReceiverAnswer)

	require.NoError(t, callee.HangUp())
	waitDone(t, callee)
}

func TestCallerAppliesLateAnswer(t *testing.T) {
	ch := signaling.NewMemoryChannel()
	alice := newTestEnd(ch, time.Minute)

	caller, err := Dial(alice.deps, "alice", "bob", models.MediaKindAudio)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		_, err := ch.Get(context.Background(), caller.ID())
		return err == nil
	}, waitFor, tick)

	// Out-of-band acceptance flips the status before any answer exists.
	active := models.CallStatusActive
	now := time.Now().UTC()
	_, err = ch.Update(context.Background(), caller.ID(), &models.CallFields{
		Status:     &active,
		AnsweredAt: &now,
	})
	require.NoError(t, err)

	require.Eventually(t, statusIs(caller, models.CallStatusActive), waitFor, tick)
	assert.Nil(t, alice.lastPeer().RemoteDescription(), "no answer to apply yet")

	// The answer lands in a later update and completes negotiation.
	answer := descriptionPayload(t, webrtc.SDPTypeAnswer, "v=0 late-answer")
	_, err = ch.Update(context.Background(), caller.ID(), &models.CallFields{ReceiverAnswer: &answer})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return alice.lastPeer().RemoteDescription() != nil
	}, waitFor, tick)

	require.NoError(t, caller.HangUp())
	waitDone(t, caller)
}

func TestDuplicateInboundClaimRejected(t *testing.T) {
	ch := signaling.NewMemoryChannel()
	bob := newTestEnd(ch, time.Minute)

	rec := models.NewCallRecord("alice", "bob", models.MediaKindAudio, "offer")
	require.NoError(t, ch.Create(context.Background(), rec))

	first, err := NewInbound(bob.deps, "bob", rec)
	require.NoError(t, err)

	_, err = NewInbound(bob.deps, "bob", rec)
	assert.ErrorIs(t, err, ErrDuplicateCall)

	require.NoError(t, first.Reject())
	waitDone(t, first)
}

func TestInboundRejectsMisaddressedRecord(t *testing.T) {
	ch := signaling.NewMemoryChannel()
	bob := newTestEnd(ch, time.Minute)

	rec := models.NewCallRecord("alice", "carol", models.MediaKindAudio, "offer")
	_, err := NewInbound(bob.deps, "bob", rec)
	assert.Error(t, err)
	assert.False(t, bob.deps.Registry.Owns(rec.ID))
}

func TestIllegalOpsAreIgnored(t *testing.T) {
	ch := signaling.NewMemoryChannel()
	alice := newTestEnd(ch, time.Minute)
	bob := newTestEnd(ch, time.Minute)

	caller, callee := dialAndRing(t, ch, alice, bob, models.MediaKindAudio)

	// The caller cannot answer its own call; the call keeps ringing.
	require.NoError(t, caller.Answer())
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, models.CallStatusRinging, caller.machine.Current())

	require.NoError(t, callee.Reject())
	waitDone(t, caller)
	waitDone(t, callee)
}
