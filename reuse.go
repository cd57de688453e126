package msgio

import (
	"sync"
	"sync/atomic"
)

// ReuseTag caches the framed bytes of one message so that several
// Gateways sending the same message instance flatten and compress it once.
type ReuseTag struct {
	mu    sync.Mutex
	frame []byte
}

// getOrBuild returns the cached frame, building it on first use.
// The returned slice is shared and must be treated as read-only.
func (r *ReuseTag) getOrBuild(build func() ([]byte, error)) ([]byte, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frame != nil {
		return r.frame, true, nil
	}
	frame, err := build()
	if err != nil {
		return nil, false, err
	}
	r.frame = frame
	return frame, false, nil
}

// Sharer is implemented by messages that can carry a ReuseTag.
// Embedding Shared is the simplest way to implement it.
type Sharer interface {
	ReuseTag() *ReuseTag
	SetReuseTag(tag *ReuseTag)
}

// Shared is an embeddable Sharer.
type Shared struct {
	tag atomic.Pointer[ReuseTag]
}

// ReuseTag returns the attached tag or nil.
func (s *Shared) ReuseTag() *ReuseTag {
	return s.tag.Load()
}

// SetReuseTag attaches tag; nil detaches it.
func (s *Shared) SetReuseTag(tag *ReuseTag) {
	s.tag.Store(tag)
}

// MarkShareable attaches a fresh, empty ReuseTag to msg, discarding any
// frame cached by a previous mark. Call it after the last mutation and
// before enqueueing msg to several Gateways.
// Returns false when msg cannot carry a tag.
func MarkShareable(msg Message) bool {
	s, ok := msg.(Sharer)
	if !ok {
		return false
	}
	s.SetReuseTag(&ReuseTag{})
	return true
}

// IsShareable reports whether msg carries a ReuseTag.
func IsShareable(msg Message) bool {
	s, ok := msg.(Sharer)
	return ok && s.ReuseTag() != nil
}

func reuseTagOf(msg Message) *ReuseTag {
	if s, ok := msg.(Sharer); ok {
		return s.ReuseTag()
	}
	return nil
}
