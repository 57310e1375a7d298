package client

import (
	"sort"
	"sync"
	"time"

	"github.com/pelusa-v/support-relay/internal/chat"
)

// Contact is one row of an agent's conversation list.
type Contact struct {
	UserID      string
	DisplayName string
	Online      bool
	Typing      bool
}

type typingEntry struct {
	timer *time.Timer
	gen   uint64
}

// View tracks who is online and who is typing, as seen by one client.
// Typing indicators clear themselves after the timeout unless refreshed.
type View struct {
	me      Identity
	timeout time.Duration

	mu     sync.Mutex
	online []chat.Presence
	typing map[string]*typingEntry
	gen    uint64
	closed bool
}

func NewView(me Identity, timeout time.Duration) *View {
	if timeout <= 0 {
		timeout = chat.DefaultTypingTimeout
	}
	return &View{me: me, timeout: timeout, typing: map[string]*typingEntry{}}
}

// SetOnline replaces the presence list with the latest broadcast.
func (v *View) SetOnline(list []chat.Presence) {
	v.mu.Lock()
	v.online = append([]chat.Presence(nil), list...)
	v.mu.Unlock()
}

func (v *View) Online() []chat.Presence {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]chat.Presence(nil), v.online...)
}

// IsOnline reports whether any connection of userID is present.
func (v *View) IsOnline(userID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, p := range v.online {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// AgentOnline reports whether any agent is connected.
func (v *View) AgentOnline() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, p := range v.online {
		if p.Role == chat.RoleAgent {
			return true
		}
	}
	return false
}

// TypingKey maps a typing signal to the conversation it belongs to. Signals
// not meant for this client report false.
func (v *View) TypingKey(sig chat.TypingSignal) (string, bool) {
	if sig.UserID == v.me.UserID {
		return "", false
	}
	if !v.me.IsAgent() {
		if sig.TargetUserID != "" && sig.TargetUserID != v.me.UserID {
			return "", false
		}
		return AgentChannel, true
	}
	return sig.UserID, true
}

// ApplyTyping records a typing signal. A true signal (re)arms the expiry
// timer, a false one clears the indicator at once.
func (v *View) ApplyTyping(sig chat.TypingSignal) {
	key, ok := v.TypingKey(sig)
	if !ok {
		return
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.closed {
		return
	}
	if e, ok := v.typing[key]; ok {
		e.timer.Stop()
		delete(v.typing, key)
	}
	if !sig.IsTyping {
		return
	}
	v.gen++
	gen := v.gen
	v.typing[key] = &typingEntry{
		gen:   gen,
		timer: time.AfterFunc(v.timeout, func() { v.expire(key, gen) }),
	}
}

func (v *View) expire(key string, gen uint64) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if e, ok := v.typing[key]; ok && e.gen == gen {
		delete(v.typing, key)
	}
}

func (v *View) IsTyping(key string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.typing[key]
	return ok
}

// Contacts decorates the given shopper ids with presence and typing state.
func (v *View) Contacts(userIDs []string) []Contact {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]Contact, 0, len(userIDs))
	for _, id := range userIDs {
		c := Contact{UserID: id, DisplayName: v.displayName(id)}
		for _, p := range v.online {
			if p.UserID == id {
				c.Online = true
				break
			}
		}
		_, c.Typing = v.typing[id]
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Online != out[j].Online {
			return out[i].Online
		}
		return false
	})
	return out
}

// DisplayName returns the label for a conversation key.
func (v *View) DisplayName(key string) string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.displayName(key)
}

func (v *View) displayName(key string) string {
	if key == AgentChannel {
		return "Support"
	}
	for _, p := range v.online {
		if p.UserID == key && p.Username != "" {
			return p.Username
		}
	}
	return "User " + key
}

// Close stops all pending typing timers.
func (v *View) Close() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.closed = true
	for key, e := range v.typing {
		e.timer.Stop()
		delete(v.typing, key)
	}
}
