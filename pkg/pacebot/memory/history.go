package memory

// history is a fixed-capacity ring of turns. Pushing onto a full ring
// overwrites the oldest turn.
type history struct {
	buf   []Turn
	start int
	size  int
}

func newHistory(capacity int) *history {
	return &history{buf: make([]Turn, capacity)}
}

func (h *history) len() int { return h.size }

func (h *history) push(t Turn) {
	if h.size < len(h.buf) {
		h.buf[(h.start+h.size)%len(h.buf)] = t
		h.size++
		return
	}
	h.buf[h.start] = t
	h.start = (h.start + 1) % len(h.buf)
}

// last copies out the newest n turns, oldest first.
func (h *history) last(n int) []Turn {
	if n > h.size {
		n = h.size
	}
	out := make([]Turn, n)
	offset := h.size - n
	for i := 0; i < n; i++ {
		out[i] = h.buf[(h.start+offset+i)%len(h.buf)]
	}
	return out
}

func (h *history) all() []Turn {
	return h.last(h.size)
}
