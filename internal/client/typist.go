package client

import (
	"sync"
	"time"
)

// DefaultTypingIdle is how long input may sit idle before typing stops.
const DefaultTypingIdle = 2 * time.Second

// Typist turns keystrokes into typing signals: true on the first keystroke
// and again every refresh interval while keystrokes continue, false once input
// has been idle for the debounce window or on Stop. The refresh keeps the
// receiver's typing timeout from firing during long bursts.
type Typist struct {
	idle    time.Duration
	refresh time.Duration
	send    func(isTyping bool)
	now     func() time.Time

	mu       sync.Mutex
	typing   bool
	lastSent time.Time
	timer    *time.Timer
}

// NewTypist returns a Typist that refreshes at half the idle window, which
// stays under the relay's default typing timeout.
func NewTypist(idle time.Duration, send func(isTyping bool)) *Typist {
	if idle <= 0 {
		idle = DefaultTypingIdle
	}
	return &Typist{idle: idle, refresh: idle / 2, send: send, now: time.Now}
}

func (t *Typist) Keystroke() {
	t.mu.Lock()
	now := t.now()
	resend := !t.typing || now.Sub(t.lastSent) >= t.refresh
	t.typing = true
	if resend {
		t.lastSent = now
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(t.idle, t.Stop)
	t.mu.Unlock()
	if resend {
		t.send(true)
	}
}

// Stop clears the typing state, signalling false if it was set.
func (t *Typist) Stop() {
	t.mu.Lock()
	was := t.typing
	t.typing = false
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	t.mu.Unlock()
	if was {
		t.send(false)
	}
}
