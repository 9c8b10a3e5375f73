package index

import "sync/atomic"

// Handle is the single serving reference to the current Flat instance.
// Searches load the pointer once and run against that instance for their
// whole lifetime; a rebuild installs its replacement with one atomic swap,
// so readers never observe a partially built index. The old instance stays
// alive until the last in-flight search drops its reference.
//
// There is exactly one writer (the reconciler); any number of readers.
type Handle struct {
	// ptr holds the currently served index instance.
	ptr atomic.Pointer[Flat]
}

// NewHandle constructs a Handle serving the given instance.
func NewHandle(f *Flat) *Handle {
	h := &Handle{}
	h.ptr.Store(f)
	return h
}

// Load returns the currently served index instance. The returned pointer
// remains valid (and immutable for completed slots) even if a swap happens
// while the caller is still searching.
func (h *Handle) Load() *Flat {
	return h.ptr.Load()
}

// Swap atomically installs next as the served instance and returns the
// previous one. Only the reconciler may call Swap.
func (h *Handle) Swap(next *Flat) *Flat {
	return h.ptr.Swap(next)
}
