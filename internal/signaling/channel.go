// Package signaling defines the durable mailbox two call parties share,
// plus its Redis-backed and in-memory implementations. Delivery guarantees
// are deliberately weak: updates for the same call arrive at least once,
// possibly duplicated, in order, and never before the create.
package signaling

import (
	"context"
	"errors"

	"github.com/mossy-p/callkit/internal/models"
)

// ErrChannelUnavailable is returned when the signaling transport is
// unreachable after retries. Writers in the ringing state treat this as
// fatal for the call so the UI never gets stuck.
var ErrChannelUnavailable = errors.New("signaling channel unavailable")

// ErrNotFound is returned when no record exists for the call id.
var ErrNotFound = errors.New("call record not found")

// UpdateHandler consumes envelopes from a subscription. Handlers must be
// fast or hand off; a slow handler delays every later event on the same
// subscription (per-call ordering is the point).
type UpdateHandler func(*models.CallUpdate)

// Subscription is a live feed handle. Close is idempotent.
type Subscription interface {
	Close() error
}

// Channel is the signaling mailbox. Create writes the full record and
// notifies the receiver's inbox; Update merges partial fields under the
// record invariants and notifies both the per-call feed and the receiver's
// inbox; PublishCandidate streams a connectivity hint on the per-call feed.
type Channel interface {
	Create(ctx context.Context, rec *models.CallRecord) error
	Get(ctx context.Context, id string) (*models.CallRecord, error)
	Update(ctx context.Context, id string, fields *models.CallFields) (*models.CallRecord, error)
	PublishCandidate(ctx context.Context, id string, cand *models.Candidate) error

	// SubscribeInbox delivers create and fields events for calls addressed
	// to userID. Used by the inbox listener.
	SubscribeInbox(ctx context.Context, userID string, fn UpdateHandler) (Subscription, error)

	// SubscribeCall delivers fields and candidate events for one call.
	// Used by the session controller that owns the call.
	SubscribeCall(ctx context.Context, callID string, fn UpdateHandler) (Subscription, error)
}
