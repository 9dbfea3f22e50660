package session

import (
	"errors"
	"sync"

	"github.com/mossy-p/callkit/internal/models"
)

// ErrDuplicateCall indicates a second controller tried to claim a call id
// that is already owned in this process. A benign race: overlapping
// subscriptions and reconnect replay both deliver duplicate notifications.
var ErrDuplicateCall = errors.New("call already owned by another controller")

// StateEvent is one entry on the read-only call state feed exposed to the
// UI and other modules.
type StateEvent struct {
	CallID string             `json:"call_id"`
	Status models.CallStatus  `json:"status"`
	Record *models.CallRecord `json:"record,omitempty"`
	Notice string             `json:"notice,omitempty"`
}

// Registry is the process-wide map of live controllers, keyed by call id.
// It enforces the one-controller-per-call invariant and fans state events
// out to observers.
type Registry struct {
	mu          sync.RWMutex
	controllers map[string]*Controller
	subs        map[int]chan StateEvent
	nextSub     int
}

func NewRegistry() *Registry {
	return &Registry{
		controllers: make(map[string]*Controller),
		subs:        make(map[int]chan StateEvent),
	}
}

// claim registers c as the owner of id. Exactly one claim per id succeeds
// for the controller's lifetime.
func (r *Registry) claim(id string, c *Controller) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.controllers[id]; exists {
		return false
	}
	r.controllers[id] = c
	return true
}

func (r *Registry) release(id string) {
	r.mu.Lock()
	delete(r.controllers, id)
	r.mu.Unlock()
}

// Get returns the live controller for id, if any.
func (r *Registry) Get(id string) (*Controller, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.controllers[id]
	return c, ok
}

// Owns reports whether a controller for id is live in this process.
func (r *Registry) Owns(id string) bool {
	_, ok := r.Get(id)
	return ok
}

// Active returns the live controllers, for shutdown sweeps.
func (r *Registry) Active() []*Controller {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Controller, 0, len(r.controllers))
	for _, c := range r.controllers {
		out = append(out, c)
	}
	return out
}

// Subscribe returns a feed of state events and a cancel function. The
// feed is lossy for slow consumers: events are dropped rather than
// blocking call processing.
func (r *Registry) Subscribe() (<-chan StateEvent, func()) {
	r.mu.Lock()
	id := r.nextSub
	r.nextSub++
	ch := make(chan StateEvent, 64)
	r.subs[id] = ch
	r.mu.Unlock()

	cancel := func() {
		r.mu.Lock()
		if _, ok := r.subs[id]; ok {
			delete(r.subs, id)
			close(ch)
		}
		r.mu.Unlock()
	}
	return ch, cancel
}

func (r *Registry) publish(ev StateEvent) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, ch := range r.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}
