package signaling

import (
	"context"
	"fmt"
	"sync"

	"github.com/mossy-p/callkit/internal/models"
)

// MemoryChannel is a process-local Channel with the same semantics as the
// Redis implementation. It backs tests and single-node development; both
// "parties" of a call can share one instance.
type MemoryChannel struct {
	mu        sync.Mutex
	records   map[string]*models.CallRecord
	inboxSubs map[string][]*memorySub // keyed by user id
	callSubs  map[string][]*memorySub // keyed by call id
}

func NewMemoryChannel() *MemoryChannel {
	return &MemoryChannel{
		records:   make(map[string]*models.CallRecord),
		inboxSubs: make(map[string][]*memorySub),
		callSubs:  make(map[string][]*memorySub),
	}
}

// memorySub pumps envelopes to one handler through a buffered queue, so
// publishers never run handlers under the channel lock and per-call order
// is preserved by the single pump goroutine.
type memorySub struct {
	queue  chan *models.CallUpdate
	done   chan struct{}
	closed sync.Once
}

func newMemorySub(fn UpdateHandler) *memorySub {
	s := &memorySub{
		queue: make(chan *models.CallUpdate, 128),
		done:  make(chan struct{}),
	}
	go func() {
		for {
			select {
			case <-s.done:
				return
			case up := <-s.queue:
				fn(up)
			}
		}
	}()
	return s
}

func (s *memorySub) deliver(up *models.CallUpdate) {
	select {
	case s.queue <- up:
	case <-s.done:
	}
}

func (s *memorySub) Close() error {
	s.closed.Do(func() { close(s.done) })
	return nil
}

func (c *MemoryChannel) Create(ctx context.Context, rec *models.CallRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.records[rec.ID]; exists {
		return fmt.Errorf("call %s already exists", rec.ID)
	}
	stored := rec.Clone()
	c.records[rec.ID] = stored

	c.fanOutLocked(c.inboxSubs[stored.ReceiverID], &models.CallUpdate{
		Kind:   models.UpdateKindCreate,
		CallID: stored.ID,
		Record: stored.Clone(),
	})
	return nil
}

func (c *MemoryChannel) Get(ctx context.Context, id string) (*models.CallRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

func (c *MemoryChannel) Update(ctx context.Context, id string, fields *models.CallFields) (*models.CallRecord, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rec, ok := c.records[id]
	if !ok {
		return nil, ErrNotFound
	}

	changed, err := fields.ApplyTo(rec)
	if err != nil {
		return nil, err
	}
	if !changed {
		// Convergent write (e.g. both sides set ended). Nothing to publish.
		return rec.Clone(), nil
	}

	up := &models.CallUpdate{
		Kind:   models.UpdateKindFields,
		CallID: rec.ID,
		Record: rec.Clone(),
	}
	c.fanOutLocked(c.callSubs[rec.ID], up)
	c.fanOutLocked(c.inboxSubs[rec.ReceiverID], up)
	return rec.Clone(), nil
}

func (c *MemoryChannel) PublishCandidate(ctx context.Context, id string, cand *models.Candidate) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.records[id]; !ok {
		return ErrNotFound
	}
	c.fanOutLocked(c.callSubs[id], &models.CallUpdate{
		Kind:      models.UpdateKindCandidate,
		CallID:    id,
		Candidate: cand,
	})
	return nil
}

func (c *MemoryChannel) SubscribeInbox(ctx context.Context, userID string, fn UpdateHandler) (Subscription, error) {
	sub := newMemorySub(fn)
	c.mu.Lock()
	c.inboxSubs[userID] = append(c.inboxSubs[userID], sub)
	c.mu.Unlock()
	return sub, nil
}

func (c *MemoryChannel) SubscribeCall(ctx context.Context, callID string, fn UpdateHandler) (Subscription, error) {
	sub := newMemorySub(fn)
	c.mu.Lock()
	c.callSubs[callID] = append(c.callSubs[callID], sub)
	c.mu.Unlock()
	return sub, nil
}

func (c *MemoryChannel) fanOutLocked(subs []*memorySub, up *models.CallUpdate) {
	for _, s := range subs {
		s.deliver(up)
	}
}
