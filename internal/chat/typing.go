package chat

import (
	"sort"
	"time"
)

// DefaultTypingTimeout is how long a "true" typing signal stays live without
// a refresh.
const DefaultTypingTimeout = 3 * time.Second

type typingKey struct {
	sender string // userId
	target string // "" for shopper -> agents
}

type typingEntry struct {
	timer *time.Timer
	gen   uint64
}

// typingTracker remembers which (sender, target) pairs are currently typing.
// Each pair owns one timer that is reset, not stacked, by a fresh "true".
// Expiry is reported through fire so the manager loop stays the only owner
// of the map.
type typingTracker struct {
	timeout time.Duration
	entries map[typingKey]*typingEntry
	gen     uint64
	fire    func(typingKey, uint64)
}

func newTypingTracker(timeout time.Duration, fire func(typingKey, uint64)) *typingTracker {
	if timeout <= 0 {
		timeout = DefaultTypingTimeout
	}
	return &typingTracker{
		timeout: timeout,
		entries: map[typingKey]*typingEntry{},
		fire:    fire,
	}
}

// mark records a signal for k.
func (t *typingTracker) mark(k typingKey, isTyping bool) {
	if e, ok := t.entries[k]; ok {
		e.timer.Stop()
		delete(t.entries, k)
	}
	if !isTyping {
		return
	}
	t.gen++
	gen := t.gen
	t.entries[k] = &typingEntry{
		gen:   gen,
		timer: time.AfterFunc(t.timeout, func() { t.fire(k, gen) }),
	}
}

// expire drops k if gen is still its current generation. A timer that fired
// after being reset carries an older generation and is ignored.
func (t *typingTracker) expire(k typingKey, gen uint64) bool {
	e, ok := t.entries[k]
	if !ok || e.gen != gen {
		return false
	}
	delete(t.entries, k)
	return true
}

// clearSender stops every live entry of sender and returns their keys.
func (t *typingTracker) clearSender(sender string) []typingKey {
	var keys []typingKey
	for k, e := range t.entries {
		if k.sender == sender {
			e.timer.Stop()
			delete(t.entries, k)
			keys = append(keys, k)
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].target < keys[j].target })
	return keys
}

func (t *typingTracker) active(k typingKey) bool {
	_, ok := t.entries[k]
	return ok
}

func (t *typingTracker) stopAll() {
	for k, e := range t.entries {
		e.timer.Stop()
		delete(t.entries, k)
	}
}
