// Package session holds the per-call orchestrator. Each Controller owns
// exactly one call end to end: its state machine, its negotiation engine,
// its media handles and its signaling subscription. Every input (local
// user operation, remote record update, streamed candidate, ring timeout,
// connectivity loss) is funneled through one event queue and processed by
// a single goroutine, so no two events for the same call ever interleave.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/mossy-p/callkit/internal/media"
	"github.com/mossy-p/callkit/internal/models"
	"github.com/mossy-p/callkit/internal/negotiation"
	"github.com/mossy-p/callkit/internal/notify"
	"github.com/mossy-p/callkit/internal/signaling"
	"github.com/mossy-p/callkit/internal/state"
)

const writeTimeout = 10 * time.Second

// Role is this process's side of the call.
type Role int

const (
	RoleCaller Role = iota
	RoleReceiver
)

func (r Role) String() string {
	if r == RoleCaller {
		return "caller"
	}
	return "receiver"
}

// Deps carries everything a controller needs. All dependencies are
// injected; the controller holds no package state.
type Deps struct {
	Channel           signaling.Channel
	Capturer          media.Capturer
	Ringer            notify.Ringer
	Registry          *Registry
	NewPeerConnection func() (negotiation.PeerConnection, error)
	Log               *logrus.Logger
	RingTimeout       time.Duration

	// RemoteTrackSink receives remote media tracks as they attach. Nil
	// means log-only (headless operation).
	RemoteTrackSink func(callID string, tr *webrtc.TrackRemote)
}

type eventKind int

const (
	evStart eventKind = iota
	evOp
	evRemote
	evLocalCandidate
	evRingTimeout
	evPeerDisconnect
)

type opKind int

const (
	opAnswer opKind = iota
	opReject
	opCancel
	opHangUp
	opToggleMute
	opToggleVideo
	opSwitchCamera
)

var opNames = map[opKind]string{
	opAnswer:       "answer",
	opReject:       "reject",
	opCancel:       "cancel",
	opHangUp:       "hang_up",
	opToggleMute:   "toggle_mute",
	opToggleVideo:  "toggle_video",
	opSwitchCamera: "switch_camera",
}

type event struct {
	kind      eventKind
	op        opKind
	update    *models.CallUpdate
	candidate string
}

// Controller drives one call.
type Controller struct {
	deps   Deps
	role   Role
	userID string
	log    *logrus.Entry

	machine *state.Machine
	engine  *negotiation.Engine

	events chan event
	done   chan struct{}

	sub       signaling.Subscription
	ringTimer *time.Timer

	// Remote candidates that arrived before the engine exists (receiver
	// side, pre-answer). Flushed on engine creation.
	earlyCandidates []string

	mu       sync.Mutex
	rec      *models.CallRecord
	muted    bool
	videoOff bool
}

// Dial starts an outbound call to peerID. The record id is minted here;
// nothing is persisted until local media and the offer are ready, so a
// failed camera prompt never leaks a half-built call to the remote side.
func Dial(deps Deps, userID, peerID string, kind models.MediaKind) (*Controller, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("unknown media kind %q", kind)
	}
	if peerID == "" || peerID == userID {
		return nil, fmt.Errorf("invalid call peer %q", peerID)
	}

	c := newController(deps, RoleCaller, userID, models.NewCallRecord(userID, peerID, kind, ""))
	c.machine = state.New(models.CallStatusNew)

	if !deps.Registry.claim(c.rec.ID, c) {
		return nil, ErrDuplicateCall
	}
	go c.loop()
	c.enqueue(event{kind: evStart})
	return c, nil
}

// NewInbound builds a controller for a call observed on the inbox. It
// validates addressing and claims ownership before doing anything else;
// the duplicate-notification race resolves here.
func NewInbound(deps Deps, userID string, rec *models.CallRecord) (*Controller, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	if rec.ReceiverID != userID {
		return nil, fmt.Errorf("call %s is not addressed to %s", rec.ID, userID)
	}
	if rec.Status.Terminal() {
		return nil, fmt.Errorf("call %s already finished (%s)", rec.ID, rec.Status)
	}

	c := newController(deps, RoleReceiver, userID, rec.Clone())
	c.machine = state.New(rec.Status)

	if !deps.Registry.claim(rec.ID, c) {
		return nil, ErrDuplicateCall
	}
	go c.loop()
	c.enqueue(event{kind: evStart})
	return c, nil
}

func newController(deps Deps, role Role, userID string, rec *models.CallRecord) *Controller {
	return &Controller{
		deps:   deps,
		role:   role,
		userID: userID,
		rec:    rec,
		log: deps.Log.WithFields(logrus.Fields{
			"call_id": rec.ID,
			"role":    role.String(),
			"peer":    rec.PeerOf(userID),
		}),
		events: make(chan event, 64),
		done:   make(chan struct{}),
	}
}

// ID returns the call id this controller owns.
func (c *Controller) ID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec.ID
}

// Snapshot returns a copy of the controller's current view of the record.
func (c *Controller) Snapshot() *models.CallRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rec.Clone()
}

// Done is closed when the call has reached a terminal state and every
// resource is released.
func (c *Controller) Done() <-chan struct{} {
	return c.done
}

// Answer accepts an inbound ringing call.
func (c *Controller) Answer() error { return c.submit(opAnswer) }

// Reject declines an inbound ringing call.
func (c *Controller) Reject() error { return c.submit(opReject) }

// Cancel withdraws an outbound call before it is answered.
func (c *Controller) Cancel() error { return c.submit(opCancel) }

// HangUp ends the call from any non-terminal state.
func (c *Controller) HangUp() error { return c.submit(opHangUp) }

// ToggleMute flips outgoing audio.
func (c *Controller) ToggleMute() error { return c.submit(opToggleMute) }

// ToggleVideo flips outgoing video.
func (c *Controller) ToggleVideo() error { return c.submit(opToggleVideo) }

// SwitchCamera cycles to the next available camera.
func (c *Controller) SwitchCamera() error { return c.submit(opSwitchCamera) }

func (c *Controller) submit(op opKind) error {
	if !c.enqueue(event{kind: evOp, op: op}) {
		return fmt.Errorf("call %s already finished", c.ID())
	}
	return nil
}

func (c *Controller) enqueue(ev event) bool {
	select {
	case <-c.done:
		return false
	case c.events <- ev:
		return true
	}
}

func (c *Controller) loop() {
	for ev := range c.events {
		if c.handle(ev) {
			return
		}
	}
}

// handle processes one event; returning true ends the loop.
func (c *Controller) handle(ev event) bool {
	switch ev.kind {
	case evStart:
		return c.handleStart()
	case evOp:
		return c.handleOp(ev.op)
	case evRemote:
		return c.handleRemote(ev.update)
	case evLocalCandidate:
		c.publishCandidate(ev.candidate)
	case evRingTimeout:
		return c.handleRingTimeout()
	case evPeerDisconnect:
		return c.handlePeerDisconnect()
	}
	return false
}

func (c *Controller) handleStart() bool {
	if c.role == RoleCaller {
		return c.startOutbound()
	}
	return c.startInbound()
}

func (c *Controller) startOutbound() bool {
	if err := c.buildEngine(); err != nil {
		return c.abort("could not start call", err)
	}

	offer, err := c.engine.CreateOffer()
	if err != nil {
		// Nothing was persisted; the remote peer never learns this call
		// existed. Applies to both permission-denied and engine failures.
		return c.abort(dismissNotice(err), err)
	}
	c.setOffer(offer)

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	sub, err := c.deps.Channel.SubscribeCall(context.Background(), c.rec.ID, c.onChannelUpdate)
	if err != nil {
		return c.abort("signaling unavailable", err)
	}
	c.sub = sub

	if _, err := c.machine.Apply(state.EventInitiate); err != nil {
		return c.abort("internal error", err)
	}
	if err := c.deps.Channel.Create(ctx, c.Snapshot()); err != nil {
		return c.abort("signaling unavailable", err)
	}

	c.deps.Ringer.StartRinging(c.Snapshot())
	c.armRingTimer()
	c.log.WithField("kind", c.rec.MediaKind).Info("outbound call ringing")
	c.publishState("")
	return false
}

func (c *Controller) startInbound() bool {
	sub, err := c.deps.Channel.SubscribeCall(context.Background(), c.rec.ID, c.onChannelUpdate)
	if err != nil {
		return c.abort("signaling unavailable", err)
	}
	c.sub = sub

	switch c.machine.Current() {
	case models.CallStatusRinging:
		c.deps.Ringer.StartRinging(c.Snapshot())
		c.armRingTimer()
		c.log.WithField("kind", c.rec.MediaKind).Info("inbound call ringing")
	case models.CallStatusActive:
		// Answered through an out-of-band path (platform call UI on
		// another surface). Adopt the active call without ringing, but
		// the engine must still be wired so media, toggles and
		// candidates work.
		c.log.Info("adopting call answered out of band")
		if err := c.adoptActive(); err != nil {
			c.log.WithError(err).Warn("could not resume adopted call")
			c.machineForceEnd()
			c.writeFields(c.endFields(models.CallStatusEnded))
			return c.finalize(dismissNotice(err))
		}
	}
	c.publishState("")
	return false
}

// adoptActive wires negotiation for a call that went active before this
// process owned it. The persisted offer is consumed as on a normal
// answer; the answer is written back only when the accepting surface did
// not persist one of its own.
func (c *Controller) adoptActive() error {
	if err := c.buildEngine(); err != nil {
		return err
	}
	answer, err := c.engine.CreateAnswer(c.rec.CallerOffer)
	if err != nil {
		return err
	}

	if c.rec.ReceiverAnswer == "" {
		fields := &models.CallFields{ReceiverAnswer: &answer}
		if c.rec.AnsweredAt == nil {
			now := time.Now().UTC()
			fields.AnsweredAt = &now
		}
		if !c.writeFields(fields) {
			return signaling.ErrChannelUnavailable
		}
	} else {
		// The accepting surface negotiated its own session; the local
		// description stays in-process and is never persisted.
		c.log.Debug("receiver answer already persisted")
	}

	c.flushEarlyCandidates()
	return nil
}

func (c *Controller) handleOp(op opKind) bool {
	switch op {
	case opAnswer:
		return c.opAnswer()
	case opReject:
		return c.opTerminate(RoleReceiver, state.EventReject, models.CallStatusRejected)
	case opCancel:
		return c.opTerminate(RoleCaller, state.EventCancel, models.CallStatusEnded)
	case opHangUp:
		return c.opHangUp()
	case opToggleMute:
		c.opToggleMute()
	case opToggleVideo:
		c.opToggleVideo()
	case opSwitchCamera:
		c.opSwitchCamera()
	}
	return false
}

func (c *Controller) opAnswer() bool {
	if c.role != RoleReceiver || c.machine.Current() != models.CallStatusRinging {
		c.warnIllegalOp(opAnswer)
		return false
	}

	if err := c.buildEngine(); err != nil {
		return c.failAnswer(err)
	}
	answer, err := c.engine.CreateAnswer(c.rec.CallerOffer)
	if err != nil {
		// No answer was persisted; the record must not reach active in
		// a state the receiver cannot attach to.
		return c.failAnswer(err)
	}

	if _, err := c.machine.Apply(state.EventAnswer); err != nil {
		c.warnIllegalOp(opAnswer)
		c.engine.Teardown()
		return false
	}

	now := time.Now().UTC()
	status := models.CallStatusActive
	if !c.writeFields(&models.CallFields{
		Status:         &status,
		ReceiverAnswer: &answer,
		AnsweredAt:     &now,
	}) {
		// Signaling is gone while ringing: force a local end rather than
		// leaving the user stuck in a call that cannot progress.
		return c.finalize("signaling unavailable")
	}

	c.stopRinging()
	c.flushEarlyCandidates()
	c.log.Info("call answered")
	c.publishState("")
	return false
}

// failAnswer handles local failure during answer: reject the call so the
// caller learns promptly, and release whatever the engine acquired.
func (c *Controller) failAnswer(cause error) bool {
	c.log.WithError(cause).Warn("answer failed")
	if _, err := c.machine.Apply(state.EventReject); err != nil {
		c.log.WithError(err).Debug("reject after failed answer not applicable")
	}
	c.writeFields(c.endFields(models.CallStatusRejected))
	return c.finalize(dismissNotice(cause))
}

func (c *Controller) opTerminate(requiredRole Role, ev state.Event, status models.CallStatus) bool {
	if c.role != requiredRole || c.machine.Current() != models.CallStatusRinging {
		c.warnIllegalOp(opForEvent(ev))
		return false
	}
	if _, err := c.machine.Apply(ev); err != nil {
		c.warnIllegalOp(opForEvent(ev))
		return false
	}
	c.writeFields(c.endFields(status))
	c.log.WithField("status", status).Info("call finished locally")
	return c.finalize("")
}

func opForEvent(ev state.Event) opKind {
	if ev == state.EventReject {
		return opReject
	}
	return opCancel
}

func (c *Controller) opHangUp() bool {
	switch c.machine.Current() {
	case models.CallStatusActive:
		if _, err := c.machine.Apply(state.EventHangUp); err != nil {
			c.warnIllegalOp(opHangUp)
			return false
		}
		c.writeFields(c.endFields(models.CallStatusEnded))
		c.log.Info("call hung up")
		return c.finalize("")
	case models.CallStatusRinging:
		// Hang-up while ringing converges on the role's natural exit.
		if c.role == RoleCaller {
			return c.opTerminate(RoleCaller, state.EventCancel, models.CallStatusEnded)
		}
		return c.opTerminate(RoleReceiver, state.EventReject, models.CallStatusRejected)
	default:
		c.warnIllegalOp(opHangUp)
		return false
	}
}

func (c *Controller) opToggleMute() {
	if c.engine == nil {
		c.warnIllegalOp(opToggleMute)
		return
	}
	c.mu.Lock()
	c.muted = !c.muted
	muted := c.muted
	c.mu.Unlock()

	if err := c.engine.SetAudioEnabled(!muted); err != nil {
		c.log.WithError(err).Warn("toggle mute failed")
		return
	}
	c.log.WithField("muted", muted).Info("audio toggled")
	c.publishState("")
}

func (c *Controller) opToggleVideo() {
	if c.engine == nil || c.rec.MediaKind != models.MediaKindVideo {
		c.warnIllegalOp(opToggleVideo)
		return
	}
	c.mu.Lock()
	c.videoOff = !c.videoOff
	off := c.videoOff
	c.mu.Unlock()

	if err := c.engine.SetVideoEnabled(!off); err != nil {
		c.log.WithError(err).Warn("toggle video failed")
		return
	}
	c.log.WithField("video_off", off).Info("video toggled")
	c.publishState("")
}

func (c *Controller) opSwitchCamera() {
	if c.engine == nil || c.rec.MediaKind != models.MediaKindVideo {
		c.warnIllegalOp(opSwitchCamera)
		return
	}
	track, err := c.deps.Capturer.SwitchCamera()
	if err != nil {
		if errors.Is(err, media.ErrNoAlternateCamera) {
			c.log.Debug("no alternate camera")
		} else {
			c.log.WithError(err).Warn("camera switch failed")
		}
		return
	}
	if err := c.engine.ReplaceVideoTrack(track); err != nil {
		c.log.WithError(err).Warn("camera switch failed")
		return
	}
	c.log.Info("camera switched")
}

// handleRemote translates a remote record mutation into a state-machine
// event before any local action, so the local and remote views never
// diverge. Late echoes of transitions this side already applied are
// swallowed with a debug log.
func (c *Controller) handleRemote(up *models.CallUpdate) bool {
	if up.Kind == models.UpdateKindCandidate {
		c.handleRemoteCandidate(up.Candidate)
		return false
	}
	if up.Record == nil {
		return false
	}

	remote := up.Record
	if remote.Status == c.machine.Current() {
		// Echo of our own write, or no news. Merge any fields we have
		// not seen; an out-of-band acceptance can deliver the answer in
		// a later update than the active transition.
		c.setRecord(remote)
		applied, finalized := c.applyAnswerIfPending(remote)
		if finalized {
			return true
		}
		if applied {
			c.log.Info("negotiation completed")
			c.publishState("")
		}
		return false
	}

	switch remote.Status {
	case models.CallStatusActive:
		return c.remoteAnswered(remote)
	case models.CallStatusRejected:
		return c.remoteTerminal(remote, state.EventReject, "call rejected")
	case models.CallStatusMissed:
		return c.remoteTerminal(remote, state.EventTimeout, "call missed")
	case models.CallStatusEnded:
		ev := state.EventCancel
		if c.machine.Current() == models.CallStatusActive {
			ev = state.EventHangUp
		}
		return c.remoteTerminal(remote, ev, "call ended by peer")
	}
	return false
}

func (c *Controller) remoteAnswered(remote *models.CallRecord) bool {
	if _, err := c.machine.Apply(state.EventAnswer); err != nil {
		c.log.WithError(err).Debug("ignoring stale remote answer")
		return false
	}
	c.setRecord(remote)
	c.stopRinging()

	if _, finalized := c.applyAnswerIfPending(remote); finalized {
		return true
	}
	c.log.Info("call active")
	c.publishState("")
	return false
}

// applyAnswerIfPending completes caller-side negotiation once the
// receiver's answer is available. The answer may lag the active
// transition when the call was accepted out of band, so this runs on
// every record update until the remote description is set.
func (c *Controller) applyAnswerIfPending(remote *models.CallRecord) (applied, finalized bool) {
	if c.role != RoleCaller || c.engine == nil || remote.ReceiverAnswer == "" {
		return false, false
	}
	if c.engine.HasRemoteDescription() {
		return false, false
	}
	if err := c.engine.ApplyRemoteAnswer(remote.ReceiverAnswer); err != nil {
		c.log.WithError(err).Warn("applying remote answer failed")
		c.machineForceEnd()
		c.writeFields(c.endFields(models.CallStatusEnded))
		return false, c.finalize("call failed")
	}
	return true, false
}

func (c *Controller) remoteTerminal(remote *models.CallRecord, ev state.Event, notice string) bool {
	if _, err := c.machine.Apply(ev); err != nil {
		c.log.WithError(err).Debug("ignoring stale remote terminal update")
		return false
	}
	c.setRecord(remote)
	c.log.WithField("status", remote.Status).Info("call finished remotely")
	return c.finalize(notice)
}

func (c *Controller) handleRemoteCandidate(cand *models.Candidate) {
	if cand == nil || cand.From == c.userID {
		return
	}
	if c.engine == nil {
		// Receiver has not answered yet; park candidates until the
		// engine exists. Duplicates are dropped later by the engine.
		c.earlyCandidates = append(c.earlyCandidates, cand.Payload)
		return
	}
	if err := c.engine.AddRemoteCandidate(cand.Payload); err != nil {
		c.log.WithError(err).Warn("remote candidate rejected")
	}
}

func (c *Controller) flushEarlyCandidates() {
	for _, payload := range c.earlyCandidates {
		if err := c.engine.AddRemoteCandidate(payload); err != nil {
			c.log.WithError(err).Warn("buffered candidate rejected")
		}
	}
	c.earlyCandidates = nil
}

func (c *Controller) handleRingTimeout() bool {
	if c.machine.Current() != models.CallStatusRinging {
		return false
	}
	// Each side reaches its terminal independently; neither waits for the
	// other's confirmation. The record keeps whichever write landed first.
	if c.role == RoleReceiver {
		if _, err := c.machine.Apply(state.EventTimeout); err != nil {
			return false
		}
		c.writeFields(c.endFields(models.CallStatusMissed))
		c.log.Info("call missed")
		return c.finalize("missed call")
	}
	if _, err := c.machine.Apply(state.EventCancel); err != nil {
		return false
	}
	c.writeFields(c.endFields(models.CallStatusEnded))
	c.log.Info("call unanswered")
	return c.finalize("no answer")
}

func (c *Controller) handlePeerDisconnect() bool {
	if c.machine.Current() != models.CallStatusActive {
		return false
	}
	if _, err := c.machine.Apply(state.EventPeerDisconnect); err != nil {
		return false
	}
	c.writeFields(c.endFields(models.CallStatusEnded))
	c.log.Warn("peer connectivity lost")
	return c.finalize("connection lost")
}

func (c *Controller) buildEngine() error {
	pc, err := c.deps.NewPeerConnection()
	if err != nil {
		return fmt.Errorf("%w: peer connection: %v", negotiation.ErrNegotiationFailed, err)
	}
	c.engine = negotiation.NewEngine(pc, c.deps.Capturer, c.rec.MediaKind, c.log)

	c.engine.OnLocalCandidate(func(payload string) {
		c.enqueue(event{kind: evLocalCandidate, candidate: payload})
	})
	c.engine.OnDisconnect(func() {
		c.enqueue(event{kind: evPeerDisconnect})
	})
	c.engine.OnRemoteTrack(func(tr *webrtc.TrackRemote) {
		c.log.Info("remote track attached")
		if c.deps.RemoteTrackSink != nil {
			c.deps.RemoteTrackSink(c.rec.ID, tr)
		}
	})
	return nil
}

// publishCandidate runs after the event that persisted our offer/answer,
// by queue order, so a candidate never precedes its description.
func (c *Controller) publishCandidate(payload string) {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	err := c.deps.Channel.PublishCandidate(ctx, c.rec.ID, &models.Candidate{
		From:    c.userID,
		Payload: payload,
	})
	if err != nil {
		// Candidates are redundant; losing one degrades the path
		// choice, it does not fail the call.
		c.log.WithError(err).Warn("candidate publish failed")
	}
}

func (c *Controller) onChannelUpdate(up *models.CallUpdate) {
	c.enqueue(event{kind: evRemote, update: up})
}

func (c *Controller) armRingTimer() {
	c.ringTimer = time.AfterFunc(c.deps.RingTimeout, func() {
		c.enqueue(event{kind: evRingTimeout})
	})
}

func (c *Controller) stopRinging() {
	if c.ringTimer != nil {
		c.ringTimer.Stop()
	}
	c.deps.Ringer.StopRinging(c.rec.ID)
}

// writeFields persists a partial update with retry. Returns false only
// for transport exhaustion; invariant rejections (the other side already
// wrote an equivalent terminal) are benign and logged at debug.
func (c *Controller) writeFields(fields *models.CallFields) bool {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	rec, err := c.deps.Channel.Update(ctx, c.rec.ID, fields)
	if err != nil {
		if errors.Is(err, signaling.ErrChannelUnavailable) {
			c.log.WithError(err).Error("signaling write failed, forcing local end")
			return false
		}
		c.log.WithError(err).Debug("record write superseded by remote")
		return true
	}
	c.setRecord(rec)
	return true
}

// endFields builds the terminal write: status, ended_at, and the derived
// duration, computed exactly once, here.
func (c *Controller) endFields(status models.CallStatus) *models.CallFields {
	now := time.Now().UTC()
	fields := &models.CallFields{Status: &status, EndedAt: &now}

	c.mu.Lock()
	if c.rec.AnsweredAt != nil {
		d := int(now.Sub(*c.rec.AnsweredAt).Seconds())
		fields.DurationSeconds = &d
	}
	c.mu.Unlock()
	return fields
}

func (c *Controller) setRecord(rec *models.CallRecord) {
	c.mu.Lock()
	c.rec = rec.Clone()
	c.mu.Unlock()
}

func (c *Controller) setOffer(offer string) {
	c.mu.Lock()
	c.rec.CallerOffer = offer
	c.mu.Unlock()
}

func (c *Controller) warnIllegalOp(op opKind) {
	c.log.WithFields(logrus.Fields{
		"op":    opNames[op],
		"state": c.machine.Current(),
	}).Warn("operation not legal in current state, ignoring")
}

// abort ends a call that never got off the ground (no record persisted,
// or signaling lost before ringing). Local-only cleanup.
func (c *Controller) abort(notice string, cause error) bool {
	c.log.WithError(cause).Warn("call aborted")
	return c.finalize(notice)
}

// finalize is the single exit path: stop ringing, tear the engine down,
// unsubscribe, deregister, announce the final state. Runs exactly once
// because only the loop goroutine can reach it, and it ends the loop.
func (c *Controller) finalize(notice string) bool {
	c.stopRinging()
	if c.engine != nil {
		c.engine.Teardown()
	}
	if c.sub != nil {
		_ = c.sub.Close()
	}
	c.deps.Registry.release(c.rec.ID)

	// A call torn down before reaching a terminal machine state (failed
	// dial, signaling loss) still reports ended, so the UI always
	// dismisses within bounded time.
	status := c.machine.Current()
	if !status.Terminal() {
		status = models.CallStatusEnded
	}
	c.publishStatus(status, notice)
	close(c.done)
	return true
}

func (c *Controller) publishState(notice string) {
	c.publishStatus(c.machine.Current(), notice)
}

func (c *Controller) publishStatus(status models.CallStatus, notice string) {
	snap := c.Snapshot()
	c.deps.Registry.publish(StateEvent{
		CallID: snap.ID,
		Status: status,
		Record: snap,
		Notice: notice,
	})
}

// machineForceEnd drives the machine to ended from active after a local
// negotiation failure.
func (c *Controller) machineForceEnd() {
	if _, err := c.machine.Apply(state.EventHangUp); err != nil {
		c.log.WithError(err).Debug("force end not applicable")
	}
}

// dismissNotice maps an error to the dismissible notice shown by the UI.
func dismissNotice(err error) string {
	switch {
	case errors.Is(err, media.ErrPermissionDenied):
		return "camera or microphone unavailable"
	case errors.Is(err, negotiation.ErrNegotiationFailed):
		return "could not establish connection"
	case errors.Is(err, signaling.ErrChannelUnavailable):
		return "signaling unavailable"
	default:
		return "call failed"
	}
}
