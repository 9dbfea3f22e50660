// Package media wraps local camera/microphone acquisition behind a small
// interface so the negotiation engine never touches hardware directly.
// The real implementation sits on pion/mediadevices; tests use MockCapturer.
package media

import (
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/callkit/internal/models"
)

// ErrPermissionDenied covers every local acquisition failure the user can
// cause: denied permission, missing device, device busy. The session
// controller turns it into a terminal call state before any offer or
// answer reaches the remote peer.
var ErrPermissionDenied = errors.New("media permission denied")

// ErrNoAlternateCamera is returned by SwitchCamera when there is nothing
// to switch to. Non-fatal; the controller logs and keeps the current feed.
var ErrNoAlternateCamera = errors.New("no alternate camera available")

// Track is a local track that can be attached to a peer connection and
// must be released when the call ends.
type Track interface {
	webrtc.TrackLocal
	Close() error
}

// Capturer acquires local media and populates the codec registry the peer
// connection is built with. Populate must register the same codecs the
// capturer encodes with, or track binding fails at negotiation time.
type Capturer interface {
	Populate(me *webrtc.MediaEngine) error
	AcquireTracks(kind models.MediaKind) (*TrackSet, error)
	SwitchCamera() (Track, error)
}

// TrackSet owns the local tracks of one call. Close is idempotent and is
// the single release point for capture hardware; every exit path of a call
// funnels through it via the negotiation engine's teardown.
type TrackSet struct {
	mu     sync.Mutex
	tracks []Track
	closed bool
}

func NewTrackSet(tracks []Track) *TrackSet {
	return &TrackSet{tracks: tracks}
}

func (ts *TrackSet) Tracks() []Track {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	out := make([]Track, len(ts.tracks))
	copy(out, ts.tracks)
	return out
}

func (ts *TrackSet) AudioTracks() []Track { return ts.byKind(webrtc.RTPCodecTypeAudio) }

func (ts *TrackSet) VideoTracks() []Track { return ts.byKind(webrtc.RTPCodecTypeVideo) }

func (ts *TrackSet) byKind(kind webrtc.RTPCodecType) []Track {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	var out []Track
	for _, t := range ts.tracks {
		if t.Kind() == kind {
			out = append(out, t)
		}
	}
	return out
}

// ReplaceVideo swaps the stored video tracks for t, closing the old ones.
// Used by camera switching; the peer connection side of the swap is the
// engine's job.
func (ts *TrackSet) ReplaceVideo(t Track) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.closed {
		_ = t.Close()
		return
	}
	kept := ts.tracks[:0]
	for _, old := range ts.tracks {
		if old.Kind() == webrtc.RTPCodecTypeVideo {
			_ = old.Close()
			continue
		}
		kept = append(kept, old)
	}
	ts.tracks = append(kept, t)
}

// Close stops and releases every track. Safe to call multiple times.
func (ts *TrackSet) Close() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	if ts.closed {
		return
	}
	ts.closed = true
	for _, t := range ts.tracks {
		_ = t.Close()
	}
	ts.tracks = nil
}
