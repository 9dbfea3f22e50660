//go:build linux && cgo

package media

import (
	"fmt"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"     // registers the V4L2 camera driver
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // registers the malgo microphone driver
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/sirupsen/logrus"

	"github.com/mossy-p/callkit/internal/models"
)

// DeviceCapturer captures camera/microphone via pion/mediadevices with
// VP8 + Opus encoding.
type DeviceCapturer struct {
	log      *logrus.Logger
	selector *mediadevices.CodecSelector

	mu           sync.Mutex
	activeCamera string
}

func NewDeviceCapturer(log *logrus.Logger) (*DeviceCapturer, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	return &DeviceCapturer{
		log: log,
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithVideoEncoders(&vpxParams),
			mediadevices.WithAudioEncoders(&opusParams),
		),
	}, nil
}

func (c *DeviceCapturer) Populate(me *webrtc.MediaEngine) error {
	c.selector.Populate(me)
	return nil
}

func (c *DeviceCapturer) AcquireTracks(kind models.MediaKind) (*TrackSet, error) {
	constraints := mediadevices.MediaStreamConstraints{Codec: c.selector}
	constraints.Audio = func(_ *mediadevices.MediaTrackConstraints) {}
	if kind == models.MediaKindVideo {
		constraints.Video = videoConstraints("")
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		// Denied permission, missing device and busy device all surface
		// here; the distinction does not change call handling.
		return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}

	var tracks []Track
	for _, t := range stream.GetTracks() {
		track := t
		track.OnEnded(func(err error) {
			if err != nil {
				c.log.WithError(err).Warn("local media track ended")
			}
		})
		tracks = append(tracks, track)
	}

	c.log.WithFields(logrus.Fields{
		"kind":   kind,
		"tracks": len(tracks),
	}).Info("local media captured")
	return NewTrackSet(tracks), nil
}

// SwitchCamera cycles to the next enumerated camera and returns a fresh
// video track for the engine to swap in via ReplaceTrack.
func (c *DeviceCapturer) SwitchCamera() (Track, error) {
	var cameras []mediadevices.MediaDeviceInfo
	for _, d := range mediadevices.EnumerateDevices() {
		if d.Kind == mediadevices.VideoInput {
			cameras = append(cameras, d)
		}
	}
	if len(cameras) < 2 {
		return nil, ErrNoAlternateCamera
	}

	c.mu.Lock()
	next := cameras[0]
	for i, cam := range cameras {
		if cam.DeviceID == c.activeCamera {
			next = cameras[(i+1)%len(cameras)]
			break
		}
	}
	c.activeCamera = next.DeviceID
	c.mu.Unlock()

	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Codec: c.selector,
		Video: videoConstraints(next.DeviceID),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	videoTracks := stream.GetVideoTracks()
	if len(videoTracks) == 0 {
		return nil, ErrNoAlternateCamera
	}

	c.log.WithField("camera", next.Label).Info("switched camera")
	return videoTracks[0], nil
}

// videoConstraints excludes compressed frame formats (some cameras expose
// an MJPEG node that produces frames the VP8 encoder cannot digest) and
// caps resolution to keep encoding latency down.
func videoConstraints(deviceID string) mediadevices.MediaOption {
	return func(mc *mediadevices.MediaTrackConstraints) {
		mc.FrameFormat = prop.FrameFormatOneOf{
			frame.FormatYUYV,
			frame.FormatI420,
			frame.FormatI444,
			frame.FormatRGBA,
		}
		mc.Width = prop.IntRanged{Max: 640}
		mc.Height = prop.IntRanged{Max: 480}
		if deviceID != "" {
			mc.DeviceID = prop.String(deviceID)
		}
	}
}
