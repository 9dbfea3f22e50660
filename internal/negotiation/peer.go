package negotiation

import (
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"

	"github.com/mossy-p/callkit/internal/media"
)

// Sender is the per-track handle used to swap or silence an outgoing
// track without renegotiating.
type Sender interface {
	ReplaceTrack(webrtc.TrackLocal) error
}

// PeerConnection is the subset of *webrtc.PeerConnection the engine
// drives. Narrowing it here keeps the engine testable with MockPeer.
type PeerConnection interface {
	CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error)
	CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	RemoteDescription() *webrtc.SessionDescription
	AddICECandidate(webrtc.ICECandidateInit) error
	AddTrack(webrtc.TrackLocal) (Sender, error)
	AddTransceiverFromKind(webrtc.RTPCodecType, ...webrtc.RTPTransceiverInit) (*webrtc.RTPTransceiver, error)
	OnICECandidate(func(*webrtc.ICECandidate))
	OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	Close() error
}

// pionConn adapts *webrtc.PeerConnection to PeerConnection. Only AddTrack
// needs wrapping (interface return type); everything else promotes.
type pionConn struct {
	*webrtc.PeerConnection
}

func (p pionConn) AddTrack(t webrtc.TrackLocal) (Sender, error) {
	return p.PeerConnection.AddTrack(t)
}

// NewPeerConnection builds a pion peer connection whose media engine is
// populated by the capturer, so captured tracks bind to codecs the
// connection actually negotiates. ICE timeouts are generous: a brief
// relay hiccup should not terminate a call.
func NewPeerConnection(iceServers []string, capturer media.Capturer) (PeerConnection, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := capturer.Populate(mediaEngine); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	settingEngine := webrtc.SettingEngine{}
	settingEngine.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(settingEngine),
	)

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
	})
	if err != nil {
		return nil, err
	}
	return pionConn{pc}, nil
}
