// Package negotiation mediates the offer/answer/candidate exchange that
// establishes a media path between two call endpoints, and owns the peer
// connection for the lifetime of the call.
package negotiation

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/mossy-p/callkit/internal/media"
	"github.com/mossy-p/callkit/internal/models"
)

// ErrNegotiationFailed indicates the peer connection could not be driven
// to a working media path. Terminal for the call.
var ErrNegotiationFailed = errors.New("negotiation failed")

// Engine drives one peer connection through offer/answer and candidate
// exchange. All methods are safe for concurrent use, but in practice the
// session controller's event loop is the only caller.
type Engine struct {
	log      *logrus.Entry
	pc       PeerConnection
	capturer media.Capturer
	kind     models.MediaKind

	mu           sync.Mutex
	closed       bool
	tracks       *media.TrackSet
	audioSenders []Sender
	videoSenders []Sender
	audioTracks  []media.Track
	videoTracks  []media.Track

	pending        []webrtc.ICECandidateInit
	seenCandidates map[string]struct{}

	onLocalCandidate func(payload string)
	onRemoteTrack    func(*webrtc.TrackRemote)
	onDisconnect     func()
}

func NewEngine(pc PeerConnection, capturer media.Capturer, kind models.MediaKind, log *logrus.Entry) *Engine {
	e := &Engine{
		log:            log,
		pc:             pc,
		capturer:       capturer,
		kind:           kind,
		seenCandidates: make(map[string]struct{}),
	}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			// End-of-candidates marker.
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			e.log.WithError(err).Warn("failed to encode local candidate")
			return
		}
		e.mu.Lock()
		fn := e.onLocalCandidate
		e.mu.Unlock()
		if fn != nil {
			fn(string(data))
		}
	})

	pc.OnTrack(func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		e.mu.Lock()
		fn := e.onRemoteTrack
		e.mu.Unlock()
		if fn != nil {
			fn(tr)
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		// Closed is excluded: it fires on our own Teardown. Failed and
		// Disconnected are the connectivity-loss signals that end a call
		// without an explicit hang-up message.
		if s != webrtc.PeerConnectionStateFailed && s != webrtc.PeerConnectionStateDisconnected {
			return
		}
		e.mu.Lock()
		fn := e.onDisconnect
		closed := e.closed
		e.mu.Unlock()
		if fn != nil && !closed {
			fn()
		}
	})

	return e
}

// OnLocalCandidate registers the sink for locally gathered candidates.
// The controller publishes them to the signaling channel, strictly after
// the offer or answer has been persisted.
func (e *Engine) OnLocalCandidate(fn func(payload string)) {
	e.mu.Lock()
	e.onLocalCandidate = fn
	e.mu.Unlock()
}

// OnRemoteTrack registers the sink for remote media tracks.
func (e *Engine) OnRemoteTrack(fn func(*webrtc.TrackRemote)) {
	e.mu.Lock()
	e.onRemoteTrack = fn
	e.mu.Unlock()
}

// OnDisconnect registers the connectivity-loss callback.
func (e *Engine) OnDisconnect(fn func()) {
	e.mu.Lock()
	e.onDisconnect = fn
	e.mu.Unlock()
}

// CreateOffer acquires local media, attaches it, and produces the offer
// payload for the call record. Nothing is persisted here: if acquisition
// fails the caller must abandon the call with no record ever written.
func (e *Engine) CreateOffer() (string, error) {
	if err := e.attachLocalMedia(); err != nil {
		return "", err
	}

	offer, err := e.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("%w: create offer: %v", ErrNegotiationFailed, err)
	}
	if err := e.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("%w: set local offer: %v", ErrNegotiationFailed, err)
	}
	return encodeDescription(offer)
}

// CreateAnswer consumes the caller's offer, attaches local media and
// produces the answer payload. Candidate exchange may begin only after
// the caller has persisted the returned answer.
func (e *Engine) CreateAnswer(offerPayload string) (string, error) {
	if err := e.attachLocalMedia(); err != nil {
		return "", err
	}

	offer, err := decodeDescription(offerPayload)
	if err != nil {
		return "", err
	}
	if err := e.pc.SetRemoteDescription(offer); err != nil {
		return "", fmt.Errorf("%w: set remote offer: %v", ErrNegotiationFailed, err)
	}
	e.flushPending()

	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("%w: create answer: %v", ErrNegotiationFailed, err)
	}
	if err := e.pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("%w: set local answer: %v", ErrNegotiationFailed, err)
	}
	return encodeDescription(answer)
}

// ApplyRemoteAnswer completes negotiation on the caller side.
func (e *Engine) ApplyRemoteAnswer(answerPayload string) error {
	answer, err := decodeDescription(answerPayload)
	if err != nil {
		return err
	}
	if err := e.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("%w: set remote answer: %v", ErrNegotiationFailed, err)
	}
	e.flushPending()
	return nil
}

// HasRemoteDescription reports whether the peer's description has been
// applied yet.
func (e *Engine) HasRemoteDescription() bool {
	return e.pc.RemoteDescription() != nil
}

// AddRemoteCandidate applies a streamed candidate. Duplicates (by content)
// are dropped; candidates arriving before the remote description are
// buffered and flushed when it lands.
func (e *Engine) AddRemoteCandidate(payload string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	if _, seen := e.seenCandidates[payload]; seen {
		e.mu.Unlock()
		return nil
	}
	e.seenCandidates[payload] = struct{}{}
	e.mu.Unlock()

	var init webrtc.ICECandidateInit
	if err := json.Unmarshal([]byte(payload), &init); err != nil {
		return fmt.Errorf("malformed candidate: %w", err)
	}

	if e.pc.RemoteDescription() == nil {
		e.mu.Lock()
		e.pending = append(e.pending, init)
		e.mu.Unlock()
		return nil
	}
	if err := e.pc.AddICECandidate(init); err != nil {
		return fmt.Errorf("%w: add candidate: %v", ErrNegotiationFailed, err)
	}
	return nil
}

func (e *Engine) flushPending() {
	e.mu.Lock()
	pending := e.pending
	e.pending = nil
	e.mu.Unlock()

	for _, init := range pending {
		if err := e.pc.AddICECandidate(init); err != nil {
			e.log.WithError(err).Warn("failed to apply buffered candidate")
		}
	}
}

// SetAudioEnabled silences or restores outgoing audio by swapping the
// sender's track, without renegotiation.
func (e *Engine) SetAudioEnabled(enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return replaceAll(e.audioSenders, e.audioTracks, enabled)
}

// SetVideoEnabled hides or restores outgoing video.
func (e *Engine) SetVideoEnabled(enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return replaceAll(e.videoSenders, e.videoTracks, enabled)
}

func replaceAll(senders []Sender, tracks []media.Track, enabled bool) error {
	for i, s := range senders {
		var t webrtc.TrackLocal
		if enabled {
			t = tracks[i]
		}
		if err := s.ReplaceTrack(t); err != nil {
			return err
		}
	}
	return nil
}

// ReplaceVideoTrack swaps the outgoing camera feed for t.
func (e *Engine) ReplaceVideoTrack(t media.Track) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return t.Close()
	}
	for i, s := range e.videoSenders {
		if err := s.ReplaceTrack(t); err != nil {
			return err
		}
		e.videoTracks[i] = t
	}
	if e.tracks != nil {
		e.tracks.ReplaceVideo(t)
	}
	return nil
}

// Teardown stops local tracks, closes the peer connection and drops all
// handlers. Idempotent: it runs on every exit path of a call and two of
// those paths can race.
func (e *Engine) Teardown() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	tracks := e.tracks
	e.tracks = nil
	e.onLocalCandidate = nil
	e.onRemoteTrack = nil
	e.onDisconnect = nil
	e.mu.Unlock()

	if tracks != nil {
		tracks.Close()
	}
	if err := e.pc.Close(); err != nil {
		e.log.WithError(err).Warn("peer connection close")
	}
}

func (e *Engine) attachLocalMedia() error {
	ts, err := e.capturer.AcquireTracks(e.kind)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.tracks = ts

	for _, t := range ts.Tracks() {
		sender, err := e.pc.AddTrack(t)
		if err != nil {
			ts.Close()
			return fmt.Errorf("%w: add track: %v", ErrNegotiationFailed, err)
		}
		switch t.Kind() {
		case webrtc.RTPCodecTypeAudio:
			e.audioSenders = append(e.audioSenders, sender)
			e.audioTracks = append(e.audioTracks, t)
		case webrtc.RTPCodecTypeVideo:
			e.videoSenders = append(e.videoSenders, sender)
			e.videoTracks = append(e.videoTracks, t)
		}
	}

	// Receive-only transceivers keep valid m-lines in the SDP for media we
	// cannot send (no microphone, audio-only platform stub, ...).
	if len(e.audioTracks) == 0 {
		if _, err := e.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeAudio, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("%w: add audio transceiver: %v", ErrNegotiationFailed, err)
		}
	}
	if e.kind == models.MediaKindVideo && len(e.videoTracks) == 0 {
		if _, err := e.pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("%w: add video transceiver: %v", ErrNegotiationFailed, err)
		}
	}
	return nil
}

func encodeDescription(desc webrtc.SessionDescription) (string, error) {
	data, err := json.Marshal(desc)
	if err != nil {
		return "", fmt.Errorf("%w: encode description: %v", ErrNegotiationFailed, err)
	}
	return string(data), nil
}

func decodeDescription(payload string) (webrtc.SessionDescription, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal([]byte(payload), &desc); err != nil {
		return desc, fmt.Errorf("%w: malformed description: %v", ErrNegotiationFailed, err)
	}
	return desc, nil
}
