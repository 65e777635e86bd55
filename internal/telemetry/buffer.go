package telemetry

// message is one serialized publish held for replay after reconnection.
type message struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// replayBuffer is a fixed-capacity FIFO for messages accepted while the
// broker is unreachable. On overflow the oldest message is dropped. Not
// safe for concurrent use; the publisher holds its own lock.
type replayBuffer struct {
	buf   []message
	head  int // next write position
	count int
}

func newReplayBuffer(capacity int) *replayBuffer {
	return &replayBuffer{buf: make([]message, capacity)}
}

// push appends m and reports whether an older message was dropped to make
// room.
func (r *replayBuffer) push(m message) bool {
	dropped := r.count == len(r.buf)
	if !dropped {
		r.count++
	}
	// When full, head already points at the oldest entry.
	r.buf[r.head] = m
	r.head = (r.head + 1) % len(r.buf)
	return dropped
}

// drain returns the buffered messages oldest-first and empties the buffer.
func (r *replayBuffer) drain() []message {
	if r.count == 0 {
		return nil
	}
	out := make([]message, r.count)
	start := (r.head - r.count + len(r.buf)) % len(r.buf)
	for i := range out {
		out[i] = r.buf[(start+i)%len(r.buf)]
	}
	r.head = 0
	r.count = 0
	return out
}

func (r *replayBuffer) len() int {
	return r.count
}
