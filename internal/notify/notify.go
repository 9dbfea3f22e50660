// Package notify is the fire-and-forget boundary to ringtone, push and
// haptic playback. Implementations must never block call processing and
// their failures are logged, never propagated as call failures.
package notify

import (
	"github.com/sirupsen/logrus"

	"github.com/mossy-p/callkit/internal/models"
)

// Ringer is invoked by the session controller at transition boundaries:
// ringing entry starts the ring, any terminal state stops it.
type Ringer interface {
	StartRinging(rec *models.CallRecord)
	StopRinging(callID string)
}

// LogRinger is the default Ringer: it only logs. Platform integrations
// (native ringtone, push) replace it at wiring time.
type LogRinger struct {
	Log *logrus.Logger
}

func NewLogRinger(log *logrus.Logger) *LogRinger {
	return &LogRinger{Log: log}
}

func (r *LogRinger) StartRinging(rec *models.CallRecord) {
	r.Log.WithFields(logrus.Fields{
		"call_id": rec.ID,
		"caller":  rec.CallerID,
		"kind":    rec.MediaKind,
	}).Info("ring start")
}

func (r *LogRinger) StopRinging(callID string) {
	r.Log.WithField("call_id", callID).Info("ring stop")
}
