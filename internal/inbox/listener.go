// Package inbox watches the user's inbox channel and spawns a session
// controller for every inbound call. One listener runs per process.
package inbox

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mossy-p/callkit/internal/models"
	"github.com/mossy-p/callkit/internal/session"
	"github.com/mossy-p/callkit/internal/signaling"
)

// Listener subscribes to the inbox and routes call notifications. It is
// an explicit start/stop component; nothing listens until Start is called.
type Listener struct {
	deps session.Deps
	log  *logrus.Entry

	mu     sync.Mutex
	userID string
	sub    signaling.Subscription
}

func NewListener(deps session.Deps) *Listener {
	return &Listener{
		deps: deps,
		log:  deps.Log.WithField("component", "inbox"),
	}
}

// Start begins listening for inbound calls addressed to userID.
func (l *Listener) Start(ctx context.Context, userID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sub != nil {
		return fmt.Errorf("inbox listener already started")
	}

	sub, err := l.deps.Channel.SubscribeInbox(ctx, userID, l.onUpdate)
	if err != nil {
		return fmt.Errorf("subscribe inbox: %w", err)
	}
	l.userID = userID
	l.sub = sub
	l.log.WithField("user_id", userID).Info("inbox listening")
	return nil
}

// Stop detaches from the inbox. Live calls keep running; stopping the
// listener only prevents new inbound calls from being picked up.
func (l *Listener) Stop() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.sub == nil {
		return nil
	}
	err := l.sub.Close()
	l.sub = nil
	return err
}

// onUpdate routes one inbox event. Create notifications spawn a
// controller; fields updates matter only when they reveal a call this
// process does not own yet.
func (l *Listener) onUpdate(up *models.CallUpdate) {
	switch up.Kind {
	case models.UpdateKindCreate:
		l.spawn(up.Record, false)
	case models.UpdateKindFields:
		l.reconcile(up.Record)
	}
}

func (l *Listener) spawn(rec *models.CallRecord, adopted bool) {
	if rec == nil {
		return
	}
	log := l.log.WithField("call_id", rec.ID)

	l.mu.Lock()
	userID := l.userID
	l.mu.Unlock()

	_, err := session.NewInbound(l.deps, userID, rec)
	switch {
	case err == nil:
		if adopted {
			log.Info("adopted call from fields update")
		}
	case errors.Is(err, session.ErrDuplicateCall):
		// At-least-once delivery; a controller already owns this call.
		log.Debug("duplicate call notification ignored")
	default:
		log.WithError(err).Warn("rejected inbound call notification")
	}
}

// reconcile handles fields updates for calls with no live controller.
// A record that went active while this process was not watching (answer
// from an out-of-band surface) still deserves a controller; terminal
// records are history, not work.
func (l *Listener) reconcile(rec *models.CallRecord) {
	if rec == nil || l.deps.Registry.Owns(rec.ID) {
		return
	}
	if rec.Status != models.CallStatusActive {
		return
	}
	l.spawn(rec, true)
}
