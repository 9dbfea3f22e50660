package negotiation

import (
	"sync"

	"github.com/pion/webrtc/v4"
)

// MockPeer is an in-memory PeerConnection for tests. It records every
// interaction and lets tests trigger the async callbacks a real pion
// connection would fire.
type MockPeer struct {
	mu sync.Mutex

	OfferSDP  string
	AnswerSDP string

	CreateOfferErr  error
	CreateAnswerErr error
	SetRemoteErr    error
	AddTrackErr     error

	LocalDesc   *webrtc.SessionDescription
	RemoteDesc  *webrtc.SessionDescription
	AddedTracks []webrtc.TrackLocal
	Candidates  []webrtc.ICECandidateInit
	CloseCount  int

	onICE   func(*webrtc.ICECandidate)
	onTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	onState func(webrtc.PeerConnectionState)
}

func NewMockPeer() *MockPeer {
	return &MockPeer{
		OfferSDP:  "v=0 mock-offer",
		AnswerSDP: "v=0 mock-answer",
	}
}

func (m *MockPeer) CreateOffer(*webrtc.OfferOptions) (webrtc.SessionDescription, error) {
	if m.CreateOfferErr != nil {
		return webrtc.SessionDescription{}, m.CreateOfferErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: m.OfferSDP}, nil
}

func (m *MockPeer) CreateAnswer(*webrtc.AnswerOptions) (webrtc.SessionDescription, error) {
	if m.CreateAnswerErr != nil {
		return webrtc.SessionDescription{}, m.CreateAnswerErr
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: m.AnswerSDP}, nil
}

func (m *MockPeer) SetLocalDescription(desc webrtc.SessionDescription) error {
	m.mu.Lock()
	m.LocalDesc = &desc
	m.mu.Unlock()
	return nil
}

func (m *MockPeer) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if m.SetRemoteErr != nil {
		return m.SetRemoteErr
	}
	m.mu.Lock()
	m.RemoteDesc = &desc
	m.mu.Unlock()
	return nil
}

func (m *MockPeer) RemoteDescription() *webrtc.SessionDescription {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.RemoteDesc
}

func (m *MockPeer) AddICECandidate(init webrtc.ICECandidateInit) error {
	m.mu.Lock()
	m.Candidates = append(m.Candidates, init)
	m.mu.Unlock()
	return nil
}

func (m *MockPeer) AddTrack(t webrtc.TrackLocal) (Sender, error) {
	if m.AddTrackErr != nil {
		return nil, m.AddTrackErr
	}
	m.mu.Lock()
	m.AddedTracks = append(m.AddedTracks, t)
	m.mu.Unlock()
	return &mockSender{track: t}, nil
}

func (m *MockPeer) AddTransceiverFromKind(webrtc.RTPCodecType, ...webrtc.RTPTransceiverInit) (*webrtc.RTPTransceiver, error) {
	return nil, nil
}

func (m *MockPeer) OnICECandidate(fn func(*webrtc.ICECandidate)) {
	m.mu.Lock()
	m.onICE = fn
	m.mu.Unlock()
}

func (m *MockPeer) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) {
	m.mu.Lock()
	m.onTrack = fn
	m.mu.Unlock()
}

func (m *MockPeer) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	m.mu.Lock()
	m.onState = fn
	m.mu.Unlock()
}

func (m *MockPeer) Close() error {
	m.mu.Lock()
	m.CloseCount++
	m.mu.Unlock()
	return nil
}

// TriggerLocalCandidate simulates ICE gathering producing a candidate.
func (m *MockPeer) TriggerLocalCandidate(c *webrtc.ICECandidate) {
	m.mu.Lock()
	fn := m.onICE
	m.mu.Unlock()
	if fn != nil {
		fn(c)
	}
}

// TriggerRemoteTrack simulates a remote track arriving.
func (m *MockPeer) TriggerRemoteTrack(tr *webrtc.TrackRemote) {
	m.mu.Lock()
	fn := m.onTrack
	m.mu.Unlock()
	if fn != nil {
		fn(tr, nil)
	}
}

// TriggerConnectionState simulates a connection state change.
func (m *MockPeer) TriggerConnectionState(s webrtc.PeerConnectionState) {
	m.mu.Lock()
	fn := m.onState
	m.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// AppliedCandidates returns the candidates handed to the connection.
func (m *MockPeer) AppliedCandidates() []webrtc.ICECandidateInit {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]webrtc.ICECandidateInit, len(m.Candidates))
	copy(out, m.Candidates)
	return out
}

type mockSender struct {
	mu    sync.Mutex
	track webrtc.TrackLocal
}

func (s *mockSender) ReplaceTrack(t webrtc.TrackLocal) error {
	s.mu.Lock()
	s.track = t
	s.mu.Unlock()
	return nil
}

// Current returns the sender's current track (nil when muted).
func (s *mockSender) Current() webrtc.TrackLocal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.track
}
