//go:build !linux || !cgo

package media

import (
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/mossy-p/callkit/internal/models"
)

// DeviceCapturer on non-Linux platforms is receive-only: camera/microphone
// capture via pion/mediadevices needs the V4L2 and malgo drivers. Calls
// still work, they just send no local media.
type DeviceCapturer struct {
	log *logrus.Logger
}

func NewDeviceCapturer(log *logrus.Logger) (*DeviceCapturer, error) {
	log.Warn("no capture drivers on this platform, calls will be receive-only")
	return &DeviceCapturer{log: log}, nil
}

func (c *DeviceCapturer) Populate(me *webrtc.MediaEngine) error {
	return me.RegisterDefaultCodecs()
}

func (c *DeviceCapturer) AcquireTracks(kind models.MediaKind) (*TrackSet, error) {
	return NewTrackSet(nil), nil
}

func (c *DeviceCapturer) SwitchCamera() (Track, error) {
	return nil, ErrNoAlternateCamera
}
