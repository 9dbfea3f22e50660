package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MediaKind selects the media profile of a call. Immutable after creation.
type MediaKind string

const (
	MediaKindAudio MediaKind = "audio"
	MediaKindVideo MediaKind = "video"
)

func (k MediaKind) Valid() bool {
	return k == MediaKindAudio || k == MediaKindVideo
}

// CallStatus is the lifecycle status of a call. Transitions are one-way;
// rejected, missed and ended are terminal and never mutate again.
type CallStatus string

const (
	// CallStatusNew exists only in-process before the caller persists the
	// record. It is never written to the signaling channel.
	CallStatusNew CallStatus = "new"

	CallStatusRinging  CallStatus = "ringing"
	CallStatusActive   CallStatus = "active"
	CallStatusRejected CallStatus = "rejected"
	CallStatusMissed   CallStatus = "missed"
	CallStatusEnded    CallStatus = "ended"
)

// Terminal reports whether the status is final.
func (s CallStatus) Terminal() bool {
	return s == CallStatusRejected || s == CallStatusMissed || s == CallStatusEnded
}

// statusRank orders statuses for monotonicity checks. Terminal statuses
// share a rank: the record may move to exactly one of them, once.
var statusRank = map[CallStatus]int{
	CallStatusNew:      0,
	CallStatusRinging:  1,
	CallStatusActive:   2,
	CallStatusRejected: 3,
	CallStatusMissed:   3,
	CallStatusEnded:    3,
}

func (s CallStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok && s != CallStatusNew
}

// CallRecord is the durable shared state of one call attempt. It is the
// single source of truth both parties converge on: the caller writes the
// offer and cancel, the receiver writes the answer and reject, and both
// sides may write the same terminal status concurrently.
type CallRecord struct {
	ID         string     `json:"id"`
	CallerID   string     `json:"caller_id"`
	ReceiverID string     `json:"receiver_id"`
	MediaKind  MediaKind  `json:"media_kind"`
	Status     CallStatus `json:"status"`

	CallerOffer    string `json:"caller_offer,omitempty"`
	ReceiverAnswer string `json:"receiver_answer,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	AnsweredAt *time.Time `json:"answered_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`

	// DurationSeconds is derived once, at the ended transition.
	// 0 if the call was never answered.
	DurationSeconds int `json:"duration_seconds"`
}

// NewCallRecord mints a ringing record for an outbound call. The id is
// generated here, by the initiator, and is immutable afterwards.
func NewCallRecord(callerID, receiverID string, kind MediaKind, offer string) *CallRecord {
	return &CallRecord{
		ID:          uuid.New().String(),
		CallerID:    callerID,
		ReceiverID:  receiverID,
		MediaKind:   kind,
		Status:      CallStatusRinging,
		CallerOffer: offer,
		CreatedAt:   time.Now().UTC(),
	}
}

// Validate checks a record at the signaling channel boundary. Records from
// the wire are untrusted; anything structurally broken is rejected before a
// controller is built for it.
func (r *CallRecord) Validate() error {
	if r.ID == "" {
		return fmt.Errorf("call record: missing id")
	}
	if r.CallerID == "" || r.ReceiverID == "" {
		return fmt.Errorf("call record %s: missing participant ids", r.ID)
	}
	if r.CallerID == r.ReceiverID {
		return fmt.Errorf("call record %s: caller and receiver are the same user", r.ID)
	}
	if !r.MediaKind.Valid() {
		return fmt.Errorf("call record %s: unknown media kind %q", r.ID, r.MediaKind)
	}
	if !r.Status.Valid() {
		return fmt.Errorf("call record %s: unknown status %q", r.ID, r.Status)
	}
	return nil
}

// PeerOf returns the other participant from userID's point of view.
func (r *CallRecord) PeerOf(userID string) string {
	if userID == r.CallerID {
		return r.ReceiverID
	}
	return r.CallerID
}

// Clone returns a deep copy. Records are shared across goroutines only as
// copies; the controller owns the canonical local view.
func (r *CallRecord) Clone() *CallRecord {
	out := *r
	if r.AnsweredAt != nil {
		t := *r.AnsweredAt
		out.AnsweredAt = &t
	}
	if r.EndedAt != nil {
		t := *r.EndedAt
		out.EndedAt = &t
	}
	return &out
}
