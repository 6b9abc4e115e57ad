package bft

// HeaderList is a bounded, height-ordered sequence of block headers. It only
// ever grows at the high-height end; once it reaches capacity the oldest
// (lowest-height) entry is evicted FIFO. Callers serialize all access —
// HeaderList itself does no locking, matching the caller-serialized
// concurrency model of FinalityManager.
type HeaderList struct {
	capacity int
	entries  []*BlockHeader
}

// NewHeaderList builds a HeaderList sized for capacity headers.
func NewHeaderList(capacity int) *HeaderList {
	if capacity <= 0 {
		capacity = 1
	}
	return &HeaderList{capacity: capacity, entries: make([]*BlockHeader, 0, capacity)}
}

// Append adds h, which must have the highest height seen so far, evicting
// the oldest header if the list is at capacity.
func (l *HeaderList) Append(h *BlockHeader) {
	if len(l.entries) == l.capacity {
		l.entries = l.entries[1:]
	}
	l.entries = append(l.entries, h)
}

// RemoveAbove deletes every header with height strictly greater than height.
func (l *HeaderList) RemoveAbove(height uint64) {
	kept := l.entries[:0:0]
	for _, h := range l.entries {
		if h.Height <= height {
			kept = append(kept, h)
		}
	}
	l.entries = kept
}

// GetByHeight returns the header stored at height, if any.
func (l *HeaderList) GetByHeight(height uint64) (*BlockHeader, bool) {
	for _, h := range l.entries {
		if h.Height == height {
			return h, true
		}
	}
	return nil, false
}

// First returns the lowest-height header, if any.
func (l *HeaderList) First() (*BlockHeader, bool) {
	if len(l.entries) == 0 {
		return nil, false
	}
	return l.entries[0], true
}

// Last returns the highest-height header, if any.
func (l *HeaderList) Last() (*BlockHeader, bool) {
	if len(l.entries) == 0 {
		return nil, false
	}
	return l.entries[len(l.entries)-1], true
}

// Top returns up to the last n headers, highest height last.
func (l *HeaderList) Top(n int) []*BlockHeader {
	if n <= 0 || len(l.entries) == 0 {
		return nil
	}
	if n > len(l.entries) {
		n = len(l.entries)
	}
	start := len(l.entries) - n
	out := make([]*BlockHeader, n)
	copy(out, l.entries[start:])
	return out
}

// All returns every retained header, ascending by height.
func (l *HeaderList) All() []*BlockHeader {
	out := make([]*BlockHeader, len(l.entries))
	copy(out, l.entries)
	return out
}

// Len reports the number of retained headers.
func (l *HeaderList) Len() int { return len(l.entries) }

// MinHeight returns the lowest retained height, or 0 if empty.
func (l *HeaderList) MinHeight() uint64 {
	if len(l.entries) == 0 {
		return 0
	}
	return l.entries[0].Height
}
