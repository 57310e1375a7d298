package client

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/pelusa-v/support-relay/internal/chat"
)

const (
	// AgentChannel is the single conversation a shopper has with support.
	AgentChannel = "agent-channel"
	// UnknownKey collects agent messages that name no shopper.
	UnknownKey = "unknown"

	// agentSentinel is the sender id older relays used for agent broadcasts.
	agentSentinel = "agent"
)

// Identity is who the local client joined as.
type Identity struct {
	UserID      string
	DisplayName string
	Role        chat.Role
}

func (i Identity) IsAgent() bool { return i.Role == chat.RoleAgent }

// Partitioner buckets a flat message stream into per-counterpart
// conversations for one local identity. It is not safe for concurrent use.
type Partitioner struct {
	me  Identity
	now func() time.Time

	conversations map[string][]chat.Message
	active        map[string]struct{} // shoppers who have ever written
	seen          map[string]struct{} // confirmed message ids
	pending       map[string]string   // optimistic temp id -> conversation key

	unread   map[string]int
	open     bool
	selected string

	lastTemp int64
}

func NewPartitioner(me Identity) *Partitioner {
	return &Partitioner{
		me:            me,
		now:           time.Now,
		conversations: map[string][]chat.Message{},
		active:        map[string]struct{}{},
		seen:          map[string]struct{}{},
		pending:       map[string]string{},
		unread:        map[string]int{},
	}
}

// Key returns the conversation m belongs to from the local point of view.
func (p *Partitioner) Key(m chat.Message) string {
	if !p.me.IsAgent() {
		return AgentChannel
	}
	if m.SenderUserID == p.me.UserID || isAgentAuthored(m) {
		if t := m.Target(); t != "" {
			return t
		}
		return UnknownKey
	}
	return m.SenderUserID
}

func isAgentAuthored(m chat.Message) bool {
	return m.SenderRole == chat.RoleAgent || m.SenderUserID == agentSentinel
}

// Rebuild replaces all conversations with the ones derived from history.
// Optimistic messages still waiting for their ack are carried over; failed
// ones are dropped. Unread counters are left alone.
func (p *Partitioner) Rebuild(history []chat.Message) {
	var carried []chat.Message
	for _, key := range p.sortedKeys() {
		for _, m := range p.conversations[key] {
			if _, ok := p.pending[m.ID]; !ok {
				continue
			}
			if m.Status == chat.StateSending {
				carried = append(carried, m)
			} else {
				delete(p.pending, m.ID)
			}
		}
	}
	sort.SliceStable(carried, func(i, j int) bool { return carried[i].CreatedAt.Before(carried[j].CreatedAt) })

	p.conversations = map[string][]chat.Message{}
	p.active = map[string]struct{}{}
	p.seen = map[string]struct{}{}
	for _, m := range history {
		p.insert(m)
	}
	for _, m := range carried {
		key := p.Key(m)
		p.conversations[key] = append(p.conversations[key], m)
		p.pending[m.ID] = key
	}
}

// Add files a live message and returns its conversation key. A message whose
// id was already filed is ignored.
func (p *Partitioner) Add(m chat.Message) string {
	key, added := p.insert(m)
	if added && m.SenderUserID != p.me.UserID && !p.isViewing(key) {
		p.unread[key]++
	}
	return key
}

func (p *Partitioner) insert(m chat.Message) (string, bool) {
	key := p.Key(m)
	if m.ID != "" {
		if _, dup := p.seen[m.ID]; dup {
			return key, false
		}
		p.seen[m.ID] = struct{}{}
	}
	p.conversations[key] = append(p.conversations[key], m)
	if m.SenderUserID != "" && m.SenderUserID != p.me.UserID && !isAgentAuthored(m) {
		p.active[m.SenderUserID] = struct{}{}
	}
	return key, true
}

// AddOptimistic files a locally created message before the relay confirms
// it. Only agents address a target; shoppers always write to support.
func (p *Partitioner) AddOptimistic(content, target string) chat.Message {
	now := p.now().UTC()
	m := chat.Message{
		ID:           p.tempID(now),
		SenderUserID: p.me.UserID,
		SenderName:   p.me.DisplayName,
		SenderRole:   p.me.Role,
		Content:      strings.TrimSpace(content),
		Kind:         chat.KindText,
		Status:       chat.StateSending,
		CreatedAt:    now,
	}
	if p.me.IsAgent() && target != "" {
		m.TargetUserID = &target
	}
	key := p.Key(m)
	p.conversations[key] = append(p.conversations[key], m)
	p.pending[m.ID] = key
	return m
}

func (p *Partitioner) tempID(now time.Time) string {
	n := now.UnixNano()
	if n <= p.lastTemp {
		n = p.lastTemp + 1
	}
	p.lastTemp = n
	return fmt.Sprintf("temp-%d", n)
}

// Confirm gives an optimistic message its relay id and marks it sent. If the
// relay already echoed that id the optimistic copy is dropped instead.
func (p *Partitioner) Confirm(tempID, finalID string) (chat.Message, bool) {
	key, i, ok := p.locatePending(tempID)
	if !ok {
		return chat.Message{}, false
	}
	delete(p.pending, tempID)

	msgs := p.conversations[key]
	if _, echoed := p.seen[finalID]; echoed {
		p.conversations[key] = append(msgs[:i:i], msgs[i+1:]...)
		for _, m := range p.conversations[key] {
			if m.ID == finalID {
				return m, true
			}
		}
		return chat.Message{}, true
	}
	msgs[i].ID = finalID
	msgs[i].Status = chat.StateSent
	p.seen[finalID] = struct{}{}
	return msgs[i], true
}

// Fail marks an optimistic message as failed. It stays visible until removed
// or the next rebuild.
func (p *Partitioner) Fail(tempID string) bool {
	key, i, ok := p.locatePending(tempID)
	if !ok {
		return false
	}
	p.conversations[key][i].Status = chat.StateFailed
	return true
}

// Remove drops an optimistic message.
func (p *Partitioner) Remove(tempID string) bool {
	key, i, ok := p.locatePending(tempID)
	if !ok {
		return false
	}
	delete(p.pending, tempID)
	msgs := p.conversations[key]
	p.conversations[key] = append(msgs[:i:i], msgs[i+1:]...)
	if len(p.conversations[key]) == 0 {
		delete(p.conversations, key)
	}
	return true
}

func (p *Partitioner) locatePending(tempID string) (string, int, bool) {
	key, ok := p.pending[tempID]
	if !ok {
		return "", 0, false
	}
	for i, m := range p.conversations[key] {
		if m.ID == tempID {
			return key, i, true
		}
	}
	delete(p.pending, tempID)
	return "", 0, false
}

// Messages returns a copy of one conversation. With an empty key a shopper
// gets the support channel and an agent gets the selected conversation.
func (p *Partitioner) Messages(key string) []chat.Message {
	if key == "" {
		key = p.current()
	}
	return append([]chat.Message(nil), p.conversations[key]...)
}

// Keys lists conversations, most recently active first.
func (p *Partitioner) Keys() []string {
	keys := p.sortedKeys()
	last := func(k string) time.Time {
		msgs := p.conversations[k]
		if len(msgs) == 0 {
			return time.Time{}
		}
		return msgs[len(msgs)-1].CreatedAt
	}
	sort.SliceStable(keys, func(i, j int) bool { return last(keys[i]).After(last(keys[j])) })
	return keys
}

func (p *Partitioner) sortedKeys() []string {
	keys := make([]string, 0, len(p.conversations))
	for k := range p.conversations {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ActiveUsers lists every shopper who has written, online or not.
func (p *Partitioner) ActiveUsers() []string {
	out := make([]string, 0, len(p.active))
	for u := range p.active {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Snapshot returns a deep copy of all conversations.
func (p *Partitioner) Snapshot() map[string][]chat.Message {
	out := make(map[string][]chat.Message, len(p.conversations))
	for k, msgs := range p.conversations {
		out[k] = append([]chat.Message(nil), msgs...)
	}
	return out
}

// Open marks the widget open and clears the unread count of the conversation
// now in view. An agent with nothing selected gets the most recent shopper.
func (p *Partitioner) Open() {
	p.open = true
	if p.me.IsAgent() && p.selected == "" {
		for _, k := range p.Keys() {
			if _, ok := p.active[k]; ok {
				p.selected = k
				break
			}
		}
	}
	if key := p.current(); key != "" {
		p.unread[key] = 0
	}
}

func (p *Partitioner) Close() { p.open = false }

func (p *Partitioner) IsOpen() bool { return p.open }

// Select switches an agent to the conversation with key and clears its
// unread count.
func (p *Partitioner) Select(key string) {
	p.selected = key
	p.unread[key] = 0
}

func (p *Partitioner) Selected() string { return p.current() }

func (p *Partitioner) Unread(key string) int { return p.unread[key] }

func (p *Partitioner) TotalUnread() int {
	total := 0
	for _, n := range p.unread {
		total += n
	}
	return total
}

func (p *Partitioner) current() string {
	if !p.me.IsAgent() {
		return AgentChannel
	}
	return p.selected
}

func (p *Partitioner) isViewing(key string) bool {
	return p.open && key == p.current()
}
