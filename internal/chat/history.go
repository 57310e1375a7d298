package chat

// DefaultMaxHistory is the number of messages kept when no size is configured.
const DefaultMaxHistory = 1000

// History is a fixed-capacity log of routed messages. Appending past capacity
// evicts the oldest entry. Owned by the manager loop; not safe for concurrent
// use.
type History struct {
	buf  []Message
	head int // index of the oldest message
	size int
}

func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultMaxHistory
	}
	return &History{buf: make([]Message, capacity)}
}

// Append adds m and reports whether the oldest message was evicted to make room.
func (h *History) Append(m Message) (evicted bool) {
	if h.size < len(h.buf) {
		h.buf[(h.head+h.size)%len(h.buf)] = m
		h.size++
		return false
	}
	h.buf[h.head] = m
	h.head = (h.head + 1) % len(h.buf)
	return true
}

func (h *History) Len() int { return h.size }

func (h *History) Cap() int { return len(h.buf) }

// Snapshot returns the messages oldest first.
func (h *History) Snapshot() []Message {
	return h.Filter(nil)
}

// Filter returns, oldest first, the messages keep accepts. A nil keep accepts
// everything.
func (h *History) Filter(keep func(Message) bool) []Message {
	out := make([]Message, 0, h.size)
	for i := 0; i < h.size; i++ {
		m := h.buf[(h.head+i)%len(h.buf)]
		if keep == nil || keep(m) {
			out = append(out, m)
		}
	}
	return out
}

// VisibleTo returns the role-filtered history for a joining identity. Agents
// see everything; a shopper sees their own thread plus untargeted agent
// broadcasts.
func (h *History) VisibleTo(id Identity) []Message {
	if id.IsAgent() {
		return h.Snapshot()
	}
	return h.Filter(func(m Message) bool {
		switch {
		case m.SenderUserID == id.UserID:
			return true
		case m.Target() == id.UserID:
			return true
		case m.SenderRole == RoleAgent && m.Target() == "":
			return true
		}
		return false
	})
}
