package client

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/pelusa-v/support-relay/internal/chat"
)

func TestViewTypingExpires(t *testing.T) {
	v := NewView(agentMe, 50*time.Millisecond)
	defer v.Close()

	v.ApplyTyping(chat.TypingSignal{UserID: "u1", IsTyping: true})
	assert.True(t, v.IsTyping("u1"))
	assert.Eventually(t, func() bool { return !v.IsTyping("u1") }, time.Second, 5*time.Millisecond)
}

func TestViewTypingRefreshResetsTimer(t *testing.T) {
	v := NewView(agentMe, 200*time.Millisecond)
	defer v.Close()

	v.ApplyTyping(chat.TypingSignal{UserID: "u1", IsTyping: true})
	time.Sleep(120 * time.Millisecond)
	v.ApplyTyping(chat.TypingSignal{UserID: "u1", IsTyping: true})
	time.Sleep(120 * time.Millisecond)
	assert.True(t, v.IsTyping("u1"), "a fresh signal restarts the window")
	assert.Eventually(t, func() bool { return !v.IsTyping("u1") }, time.Second, 5*time.Millisecond)
}

func TestViewTypingFalseClears(t *testing.T) {
	v := NewView(shopperMe, time.Minute)
	defer v.Close()

	v.ApplyTyping(chat.TypingSignal{UserID: "a1", IsTyping: true})
	assert.True(t, v.IsTyping(AgentChannel))
	v.ApplyTyping(chat.TypingSignal{UserID: "a1", IsTyping: false})
	assert.False(t, v.IsTyping(AgentChannel))
}

func TestViewIgnoresOwnTyping(t *testing.T) {
	v := NewView(agentMe, time.Minute)
	defer v.Close()

	_, ok := v.TypingKey(chat.TypingSignal{UserID: "a1", IsTyping: true})
	assert.False(t, ok)
	v.ApplyTyping(chat.TypingSignal{UserID: "a1", IsTyping: true})
	assert.False(t, v.IsTyping("a1"))
}

func TestViewShopperIgnoresOtherTargets(t *testing.T) {
	v := NewView(shopperMe, time.Minute)
	defer v.Close()

	v.ApplyTyping(chat.TypingSignal{UserID: "a1", IsTyping: true, TargetUserID: "u2"})
	assert.False(t, v.IsTyping(AgentChannel))
	v.ApplyTyping(chat.TypingSignal{UserID: "a1", IsTyping: true, TargetUserID: "u1"})
	assert.True(t, v.IsTyping(AgentChannel))
}

func TestViewPresenceAndContacts(t *testing.T) {
	v := NewView(agentMe, time.Minute)
	defer v.Close()

	v.SetOnline([]chat.Presence{
		{UserID: "a1", Username: "Ana", Role: chat.RoleAgent},
		{UserID: "u2", Username: "Bob", Role: chat.RoleShopper},
	})
	v.ApplyTyping(chat.TypingSignal{UserID: "u2", IsTyping: true})

	assert.True(t, v.IsOnline("u2"))
	assert.False(t, v.IsOnline("u1"))
	assert.True(t, v.AgentOnline())

	got := v.Contacts([]string{"u1", "u2"})
	assert.Equal(t, []Contact{
		{UserID: "u2", DisplayName: "Bob", Online: true, Typing: true},
		{UserID: "u1", DisplayName: "User u1"},
	}, got)

	assert.Equal(t, "Support", v.DisplayName(AgentChannel))
}

func TestViewCloseStopsTimers(t *testing.T) {
	v := NewView(agentMe, time.Minute)
	v.ApplyTyping(chat.TypingSignal{UserID: "u1", IsTyping: true})
	v.Close()
	assert.False(t, v.IsTyping("u1"))

	v.ApplyTyping(chat.TypingSignal{UserID: "u1", IsTyping: true})
	assert.False(t, v.IsTyping("u1"), "a closed view ignores signals")
}

func TestTypistDebounces(t *testing.T) {
	var (
		mu   sync.Mutex
		sent []bool
	)
	record := func(b bool) {
		mu.Lock()
		sent = append(sent, b)
		mu.Unlock()
	}
	snapshot := func() []bool {
		mu.Lock()
		defer mu.Unlock()
		return append([]bool(nil), sent...)
	}

	ty := NewTypist(40*time.Millisecond, record)
	ty.Keystroke()
	ty.Keystroke()
	ty.Keystroke()
	assert.Equal(t, []bool{true}, snapshot())

	assert.Eventually(t, func() bool { return len(snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []bool{true, false}, snapshot())

	ty.Stop()
	assert.Len(t, snapshot(), 2, "stopping while idle sends nothing")
}

func TestTypistKeepsIndicatorAliveWhileTyping(t *testing.T) {
	v := NewView(agentMe, 100*time.Millisecond)
	defer v.Close()

	var sends atomic.Int32
	ty := NewTypist(60*time.Millisecond, func(b bool) {
		if b {
			sends.Add(1)
		}
		v.ApplyTyping(chat.TypingSignal{UserID: "u1", IsTyping: b})
	})

	for deadline := time.Now().Add(250 * time.Millisecond); time.Now().Before(deadline); {
		ty.Keystroke()
		assert.True(t, v.IsTyping("u1"), "indicator dropped while still typing")
		time.Sleep(20 * time.Millisecond)
	}
	assert.Greater(t, sends.Load(), int32(1), "long bursts refresh the signal")
	assert.Less(t, sends.Load(), int32(12), "refreshes are throttled, not per keystroke")

	assert.Eventually(t, func() bool { return !v.IsTyping("u1") }, time.Second, 5*time.Millisecond)
}
