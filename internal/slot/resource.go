package slot

import "sync"

// BaseResource implements Resource bookkeeping for collaborators. Embed it
// and emit events through Sink().
type BaseResource struct {
	mu       sync.Mutex
	id       string
	sink     EventSink
	released bool
}

func NewBaseResource(id string) *BaseResource {
	return &BaseResource{id: id}
}

func (r *BaseResource) ID() string { return r.id }

// SetEventSink replaces the current sink. It is a no-op once released.
func (r *BaseResource) SetEventSink(s EventSink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.released {
		return
	}
	r.sink = s
}

// Sink returns the installed sink, or nil.
func (r *BaseResource) Sink() EventSink {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sink
}

func (r *BaseResource) Release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.released = true
	r.sink = nil
}

func (r *BaseResource) Released() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.released
}
