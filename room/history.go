package room

// messageRing keeps the most recent chat messages of one room in a fixed
// circular buffer. Not safe for concurrent use on its own; the
// Coordinator's lock guards every access.
type messageRing struct {
	buf   []ChatMessage
	head  int
	count int
}

func newMessageRing(capacity int) *messageRing {
	return &messageRing{buf: make([]ChatMessage, capacity)}
}

// add appends a message, overwriting the oldest once full.
func (r *messageRing) add(m ChatMessage) {
	idx := (r.head + r.count) % len(r.buf)
	r.buf[idx] = m
	if r.count == len(r.buf) {
		r.head = (r.head + 1) % len(r.buf)
	} else {
		r.count++
	}
}

// snapshot returns the buffered messages oldest-first.
func (r *messageRing) snapshot() []ChatMessage {
	out := make([]ChatMessage, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.buf[(r.head+i)%len(r.buf)]
	}
	return out
}
