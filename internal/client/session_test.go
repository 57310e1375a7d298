package client

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelusa-v/support-relay/internal/api"
	"github.com/pelusa-v/support-relay/internal/chat"
	"github.com/pelusa-v/support-relay/internal/config"
)

const waitFor = 3 * time.Second

func startRelay(t *testing.T, mutate func(*config.Config)) string {
	t.Helper()
	cfg := config.Default()
	cfg.ClientURL = "*"
	cfg.PingInterval = time.Second
	cfg.PingTimeout = 5 * time.Second
	if mutate != nil {
		mutate(cfg)
	}

	mgr := chat.NewManager(chat.Options{
		MaxHistory:    cfg.MaxHistory,
		TypingTimeout: cfg.TypingTimeout,
		AgentToken:    cfg.AgentJoinToken,
	}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	go mgr.Run(ctx)

	app := api.NewRouter(cfg, mgr, zerolog.Nop())
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() { _ = app.Listener(ln) }()

	t.Cleanup(func() {
		cancel()
		<-mgr.Done()
		_ = app.ShutdownWithTimeout(2 * time.Second)
	})
	return "ws://" + ln.Addr().String() + "/api/ws"
}

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) record(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) errors() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.Name == chat.EventError {
			out = append(out, e.Err)
		}
	}
	return out
}

func (r *recorder) states() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []State
	for _, e := range r.events {
		if e.Name == EventState {
			out = append(out, e.State)
		}
	}
	return out
}

func runSession(t *testing.T, opts Options) (*Session, *recorder) {
	t.Helper()
	rec := &recorder{}
	opts.OnEvent = rec.record
	if opts.RetryDelay == 0 {
		opts.RetryDelay = 20 * time.Millisecond
	}
	s := NewSession(opts)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- s.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-errc)
		assert.Equal(t, StateDisconnected, s.State())
	})

	require.Eventually(t, func() bool { return s.State() == StateConnected }, waitFor, 5*time.Millisecond)
	return s, rec
}

func contents(msgs []chat.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.Content)
	}
	return out
}

func TestSessionConversation(t *testing.T) {
	url := startRelay(t, nil)
	agent, _ := runSession(t, Options{URL: url, Identity: agentMe})
	shopper, _ := runSession(t, Options{URL: url, Identity: shopperMe})

	require.Eventually(t, func() bool { return agent.View().IsOnline("u1") }, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool { return shopper.View().AgentOnline() }, waitFor, 5*time.Millisecond)

	ctx := context.Background()
	sent, err := shopper.Send(ctx, "Hello", "")
	require.NoError(t, err)
	assert.Equal(t, chat.StateSent, sent.Status)
	assert.False(t, strings.HasPrefix(sent.ID, "temp-"), "confirmed messages carry the relay id")
	assert.Equal(t, []string{"Hello"}, contents(shopper.Messages(AgentChannel)))

	require.Eventually(t, func() bool { return len(agent.Messages("u1")) == 1 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, sent.ID, agent.Messages("u1")[0].ID)
	assert.Equal(t, 1, agent.Unread("u1"))
	assert.Equal(t, []Contact{{UserID: "u1", DisplayName: "Uma", Online: true}}, agent.Contacts())

	_, err = agent.Send(ctx, "Hi, how can I help?", "u1")
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(shopper.Messages(AgentChannel)) == 2 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{"Hello", "Hi, how can I help?"}, contents(shopper.Messages(AgentChannel)))

	require.NoError(t, agent.SendTyping(ctx, true, "u1"))
	require.Eventually(t, func() bool { return shopper.View().IsTyping(AgentChannel) }, waitFor, 5*time.Millisecond)
	require.NoError(t, agent.SendTyping(ctx, false, "u1"))
	require.Eventually(t, func() bool { return !shopper.View().IsTyping(AgentChannel) }, waitFor, 5*time.Millisecond)

	late, _ := runSession(t, Options{URL: url, Identity: Identity{UserID: "a2", Role: chat.RoleAgent}})
	require.Eventually(t, func() bool { return len(late.Messages("u1")) == 2 }, waitFor, 5*time.Millisecond)
}

func TestSessionRejectedSend(t *testing.T) {
	url := startRelay(t, func(c *config.Config) { c.AgentJoinToken = "secret" })
	agent, rec := runSession(t, Options{URL: url, Identity: agentMe, Token: "wrong"})

	require.Eventually(t, func() bool { return len(rec.errors()) > 0 }, waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{"Unauthorized agent"}, rec.errors())

	m, err := agent.Send(context.Background(), "hello", "u1")
	var rejected *SendError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "join required", rejected.Reason)
	assert.Equal(t, chat.StateFailed, m.Status)
	assert.Equal(t, chat.StateFailed, agent.Messages("u1")[0].Status)
}

func TestSessionValidatesLocally(t *testing.T) {
	s := NewSession(Options{URL: "ws://127.0.0.1:1/api/ws", Identity: shopperMe})

	_, err := s.Send(context.Background(), "   ", "")
	var rejected *SendError
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "Message content is required", rejected.Reason)

	_, err = s.Send(context.Background(), strings.Repeat("x", chat.MaxContentLength+1), "")
	require.ErrorAs(t, err, &rejected)
	assert.Equal(t, "Message too long", rejected.Reason)
	assert.Empty(t, s.Messages(AgentChannel), "invalid content is never shown")

	m, err := s.Send(context.Background(), "hi", "")
	assert.ErrorIs(t, err, ErrNotConnected)
	assert.Equal(t, chat.StateFailed, m.Status)
	assert.ErrorIs(t, s.SendTyping(context.Background(), true, ""), ErrNotConnected)
}

func TestSessionGivesUpAfterMaxAttempts(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	rec := &recorder{}
	s := NewSession(Options{
		URL:         "ws://" + addr + "/api/ws",
		Identity:    shopperMe,
		RetryDelay:  5 * time.Millisecond,
		MaxAttempts: 3,
		OnEvent:     rec.record,
	})
	err = s.Run(context.Background())
	assert.ErrorContains(t, err, "giving up after 3 attempts")
	assert.Equal(t, []State{StateConnecting, StateDisconnected}, rec.states())
}

func TestSessionReconnectsAndRebuilds(t *testing.T) {
	var dials atomic.Int32
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		n := dials.Add(1)

		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		history := []chat.Message{msg("m1", "a1", chat.RoleAgent, "u1", 1)}
		if n > 1 {
			history = append(history, msg("m2", "a1", chat.RoleAgent, "u1", 2))
		}
		frame, err := chat.EncodeFrame(chat.EventHistory, "", history)
		if err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, frame)
		if n == 1 {
			return
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	s, rec := runSession(t, Options{URL: "ws" + strings.TrimPrefix(srv.URL, "http"), Identity: shopperMe})

	require.Eventually(t, func() bool {
		return dials.Load() >= 2 && len(s.Messages(AgentChannel)) == 2
	}, waitFor, 5*time.Millisecond)
	assert.Equal(t, []string{"m1", "m2"}, ids(s.Messages(AgentChannel)), "history replaces rather than appends")
	assert.Contains(t, rec.states()[1:], StateConnecting, "a drop goes back to connecting")
}

func TestSessionPendingSendFailsOnDrop(t *testing.T) {
	joined := make(chan struct{}, 1)
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		select {
		case joined <- struct{}{}:
		default:
		}
		// Swallow the send, then hang up without acking.
		_, _, _ = conn.ReadMessage()
	}))
	t.Cleanup(srv.Close)

	s, _ := runSession(t, Options{URL: "ws" + strings.TrimPrefix(srv.URL, "http"), Identity: shopperMe, RetryDelay: time.Minute})
	<-joined

	m, err := s.Send(context.Background(), "anyone there?", "")
	assert.True(t, errors.Is(err, ErrConnectionLost), "got %v", err)
	assert.Equal(t, chat.StateFailed, m.Status)
}

// silentRelay accepts connections, reads the join and then never writes
// again unless ping is set.
func silentRelay(t *testing.T, ping time.Duration) (url string, dials, pongs *atomic.Int32) {
	t.Helper()
	dials, pongs = new(atomic.Int32), new(atomic.Int32)
	release := make(chan struct{})
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		dials.Add(1)
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		if ping <= 0 {
			<-release
			return
		}
		conn.SetPongHandler(func(string) error {
			pongs.Add(1)
			return nil
		})
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
		ticker := time.NewTicker(ping)
		defer ticker.Stop()
		for {
			select {
			case <-release:
				return
			case <-ticker.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(srv.Close)
	t.Cleanup(func() { close(release) })
	return "ws" + strings.TrimPrefix(srv.URL, "http"), dials, pongs
}

func TestSessionReconnectsWhenRelayGoesSilent(t *testing.T) {
	url, dials, _ := silentRelay(t, 0)
	s, rec := runSession(t, Options{URL: url, Identity: shopperMe, PingTimeout: 100 * time.Millisecond})

	require.Eventually(t, func() bool { return dials.Load() >= 2 }, waitFor, 5*time.Millisecond)
	assert.Contains(t, rec.states()[1:], StateConnecting, "a silent link is treated as dropped")

	require.Eventually(t, func() bool { return s.State() == StateConnected }, waitFor, 5*time.Millisecond)
}

func TestSessionPingsKeepLinkAlive(t *testing.T) {
	url, dials, pongs := silentRelay(t, 30*time.Millisecond)
	s, _ := runSession(t, Options{URL: url, Identity: shopperMe, PingTimeout: 100 * time.Millisecond})

	time.Sleep(400 * time.Millisecond)
	assert.Equal(t, StateConnected, s.State())
	assert.Equal(t, int32(1), dials.Load(), "pinged links are never redialled")
	assert.Greater(t, pongs.Load(), int32(0), "pings are answered")
}

func TestSessionTypistReachesRelay(t *testing.T) {
	url := startRelay(t, nil)
	agent, _ := runSession(t, Options{URL: url, Identity: agentMe})
	shopper, _ := runSession(t, Options{URL: url, Identity: shopperMe, TypingIdle: 50 * time.Millisecond})
	require.Eventually(t, func() bool { return agent.View().IsOnline("u1") }, waitFor, 5*time.Millisecond)

	ty := shopper.Typist("")
	ty.Keystroke()
	require.Eventually(t, func() bool { return agent.View().IsTyping("u1") }, waitFor, 5*time.Millisecond)
	require.Eventually(t, func() bool { return !agent.View().IsTyping("u1") }, waitFor, 5*time.Millisecond)
}
