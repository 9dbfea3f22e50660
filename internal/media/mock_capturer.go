package media

import (
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/callkit/internal/models"
)

// MockCapturer is a scriptable Capturer for tests: it hands out MockTracks
// and can be primed to fail acquisition the way a denied permission prompt
// would.
type MockCapturer struct {
	mu          sync.Mutex
	AcquireErr  error
	SwitchTrack Track
	acquired    []*TrackSet
}

func NewMockCapturer() *MockCapturer {
	return &MockCapturer{}
}

func (c *MockCapturer) Populate(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (c *MockCapturer) AcquireTracks(kind models.MediaKind) (*TrackSet, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.AcquireErr != nil {
		return nil, c.AcquireErr
	}
	tracks := []Track{NewMockTrack("mock-audio", webrtc.RTPCodecTypeAudio)}
	if kind == models.MediaKindVideo {
		tracks = append(tracks, NewMockTrack("mock-video", webrtc.RTPCodecTypeVideo))
	}
	ts := NewTrackSet(tracks)
	c.acquired = append(c.acquired, ts)
	return ts, nil
}

func (c *MockCapturer) SwitchCamera() (Track, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.SwitchTrack != nil {
		return c.SwitchTrack, nil
	}
	return nil, ErrNoAlternateCamera
}

// AllTracksClosed reports whether every track handed out so far has been
// released. Used to assert the no-leaked-devices property.
func (c *MockCapturer) AllTracksClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ts := range c.acquired {
		for _, t := range ts.Tracks() {
			if mt, ok := t.(*MockTrack); ok && !mt.Closed() {
				return false
			}
		}
	}
	return true
}

// MockTrack satisfies Track without touching hardware.
type MockTrack struct {
	id   string
	kind webrtc.RTPCodecType

	mu     sync.Mutex
	closed bool
}

func NewMockTrack(id string, kind webrtc.RTPCodecType) *MockTrack {
	return &MockTrack{id: id, kind: kind}
}

func (t *MockTrack) ID() string                { return t.id }
func (t *MockTrack) RID() string               { return "" }
func (t *MockTrack) StreamID() string          { return "mock-stream" }
func (t *MockTrack) Kind() webrtc.RTPCodecType { return t.kind }

func (t *MockTrack) Bind(webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return webrtc.RTPCodecParameters{}, nil
}

func (t *MockTrack) Unbind(webrtc.TrackLocalContext) error { return nil }

func (t *MockTrack) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *MockTrack) Closed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
