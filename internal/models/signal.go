package models

import (
	"fmt"
	"time"
)

// UpdateKind tags the envelopes delivered on a call's signaling channel.
type UpdateKind string

const (
	UpdateKindCreate    UpdateKind = "create"
	UpdateKindFields    UpdateKind = "fields"
	UpdateKindCandidate UpdateKind = "candidate"
)

// Candidate is an opaque connectivity hint streamed after offer/answer.
// Candidates are unordered and may be duplicated in transit; receivers
// apply them idempotently by content equality of Payload.
type Candidate struct {
	From    string `json:"from"`
	Payload string `json:"payload"`
}

// CallFields is a partial update to a CallRecord. Each side writes a
// disjoint set of fields (caller: cancel/end, receiver: answer/reject),
// except status, where concurrent writes of the same terminal value
// converge rather than conflict.
type CallFields struct {
	Status          *CallStatus `json:"status,omitempty"`
	ReceiverAnswer  *string     `json:"receiver_answer,omitempty"`
	AnsweredAt      *time.Time  `json:"answered_at,omitempty"`
	EndedAt         *time.Time  `json:"ended_at,omitempty"`
	DurationSeconds *int        `json:"duration_seconds,omitempty"`
}

// ApplyTo merges the partial update into rec, enforcing the record
// invariants: status moves forward only, set-once fields stay set-once.
// Returns false when the update is a convergent no-op (same terminal
// status written by both sides), which callers should not re-publish.
// A rejected update leaves rec untouched; callers apply in place.
func (f *CallFields) ApplyTo(rec *CallRecord) (bool, error) {
	if f.Status != nil && *f.Status != rec.Status {
		if !f.Status.Valid() {
			return false, fmt.Errorf("call %s: unknown status %q", rec.ID, *f.Status)
		}
		if statusRank[*f.Status] <= statusRank[rec.Status] {
			return false, fmt.Errorf("call %s: status cannot move %s -> %s", rec.ID, rec.Status, *f.Status)
		}
	}
	if f.ReceiverAnswer != nil && rec.ReceiverAnswer != "" && rec.ReceiverAnswer != *f.ReceiverAnswer {
		return false, fmt.Errorf("call %s: receiver answer already set", rec.ID)
	}

	changed := false

	if f.Status != nil && *f.Status != rec.Status {
		rec.Status = *f.Status
		changed = true
	}

	if f.ReceiverAnswer != nil && rec.ReceiverAnswer == "" {
		rec.ReceiverAnswer = *f.ReceiverAnswer
		changed = true
	}

	if f.AnsweredAt != nil && rec.AnsweredAt == nil {
		t := *f.AnsweredAt
		rec.AnsweredAt = &t
		changed = true
	}
	if f.EndedAt != nil && rec.EndedAt == nil {
		t := *f.EndedAt
		rec.EndedAt = &t
		changed = true
	}
	if f.DurationSeconds != nil && rec.DurationSeconds == 0 && *f.DurationSeconds != 0 {
		rec.DurationSeconds = *f.DurationSeconds
		changed = true
	}

	return changed, nil
}

// CallUpdate is one event observed on the signaling channel. Fields events
// carry the record snapshot after the update was applied, so subscribers
// never have to re-read the store to learn the remote view.
type CallUpdate struct {
	Kind      UpdateKind  `json:"kind"`
	CallID    string      `json:"call_id"`
	Record    *CallRecord `json:"record,omitempty"`
	Candidate *Candidate  `json:"candidate,omitempty"`
}
