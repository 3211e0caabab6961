package broadcast

// History is a fixed-capacity FIFO of chat records. When full, appending
// evicts the oldest record.
//
// Invariant: Len() <= capacity.
// History is not safe for concurrent use; the Broadcaster serializes access.
type History struct {
	buf   []ChatRecord
	start int
	size  int
}

// NewHistory creates an empty History holding at most capacity records.
//
// Precondition: capacity must be >= 1.
// Postcondition: Returns an empty History.
func NewHistory(capacity int) *History {
	if capacity < 1 {
		capacity = 1
	}
	return &History{buf: make([]ChatRecord, capacity)}
}

// Append adds rec as the newest record, evicting the oldest when full.
//
// Postcondition: rec is the last element of Records().
func (h *History) Append(rec ChatRecord) {
	if h.size < len(h.buf) {
		h.buf[(h.start+h.size)%len(h.buf)] = rec
		h.size++
		return
	}
	h.buf[h.start] = rec
	h.start = (h.start + 1) % len(h.buf)
}

// Records returns a copy of the buffered records, oldest first.
func (h *History) Records() []ChatRecord {
	out := make([]ChatRecord, h.size)
	for i := 0; i < h.size; i++ {
		out[i] = h.buf[(h.start+i)%len(h.buf)]
	}
	return out
}

// Len returns the number of buffered records.
func (h *History) Len() int {
	return h.size
}

// Cap returns the maximum number of records retained.
func (h *History) Cap() int {
	return len(h.buf)
}
