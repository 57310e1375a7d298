package chat

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pelusa-v/support-relay/internal/metrics"
)

type Options struct {
	MaxHistory    int
	TypingTimeout time.Duration
	// AgentToken, when set, must accompany every agent join.
	AgentToken string
}

// ChatManager owns all shared relay state: connected clients, the registry,
// history and typing timers. Everything that reads or mutates that state runs
// on the Run goroutine; connection handlers only post events to it.
type ChatManager struct {
	opts Options
	log  zerolog.Logger
	now  func() time.Time

	clients  map[string]*Client // every open connection, joined or not
	registry *Registry
	history  *History
	router   *Router
	typing   *typingTracker

	registerChan   chan *Client
	unregisterChan chan *Client
	inboundChan    chan inbound
	expiredChan    chan expiry
	calls          chan func()

	done     chan struct{}
	stopOnce sync.Once
}

type inbound struct {
	client *Client
	frame  *Frame
	fault  string // set for frames the read pump could not decode
}

type expiry struct {
	key typingKey
	gen uint64
}

func NewManager(opts Options, log zerolog.Logger) *ChatManager {
	if opts.MaxHistory <= 0 {
		opts.MaxHistory = DefaultMaxHistory
	}
	m := &ChatManager{
		opts:           opts,
		log:            log,
		now:            time.Now,
		clients:        map[string]*Client{},
		registry:       NewRegistry(),
		history:        NewHistory(opts.MaxHistory),
		registerChan:   make(chan *Client),
		unregisterChan: make(chan *Client),
		inboundChan:    make(chan inbound),
		expiredChan:    make(chan expiry),
		calls:          make(chan func()),
		done:           make(chan struct{}),
	}
	m.router = NewRouter(m.registry, m.history)
	m.typing = newTypingTracker(opts.TypingTimeout, func(k typingKey, gen uint64) {
		select {
		case m.expiredChan <- expiry{key: k, gen: gen}:
		case <-m.done:
		}
	})
	return m
}

// Run processes events until ctx is cancelled. On return every client's Send
// channel is closed, which makes its write pump close the socket.
func (m *ChatManager) Run(ctx context.Context) {
	defer m.shutdown()
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-m.registerChan:
			m.clients[c.ID] = c
			metrics.Connections.Set(float64(len(m.clients)))
		case c := <-m.unregisterChan:
			m.disconnect(c)
		case in := <-m.inboundChan:
			m.handle(in)
		case e := <-m.expiredChan:
			m.typing.expire(e.key, e.gen)
		case fn := <-m.calls:
			fn()
		}
	}
}

// Done is closed once Run has returned.
func (m *ChatManager) Done() <-chan struct{} { return m.done }

// Register adds an open connection. It reports false if the manager stopped.
func (m *ChatManager) Register(c *Client) bool {
	select {
	case m.registerChan <- c:
		return true
	case <-m.done:
		return false
	}
}

// Unregister removes a connection and, if it had joined, its identity. Safe
// to call more than once.
func (m *ChatManager) Unregister(c *Client) {
	select {
	case m.unregisterChan <- c:
	case <-m.done:
	}
}

// Dispatch queues an inbound frame from c. It reports false if the manager
// stopped.
func (m *ChatManager) Dispatch(c *Client, f *Frame) bool {
	select {
	case m.inboundChan <- inbound{client: c, frame: f}:
		return true
	case <-m.done:
		return false
	}
}

// Fault reports a transport-level problem on c; only c is told about it.
func (m *ChatManager) Fault(c *Client, reason string) bool {
	select {
	case m.inboundChan <- inbound{client: c, fault: reason}:
		return true
	case <-m.done:
		return false
	}
}

func (m *ChatManager) shutdown() {
	m.stopOnce.Do(func() {
		close(m.done)
		m.typing.stopAll()
		for id, c := range m.clients {
			close(c.Send)
			delete(m.clients, id)
		}
		metrics.Connections.Set(0)
		m.log.Info().Msg("chat manager stopped")
	})
}

func (m *ChatManager) disconnect(c *Client) {
	if _, ok := m.clients[c.ID]; !ok {
		return
	}
	delete(m.clients, c.ID)
	close(c.Send)
	metrics.Connections.Set(float64(len(m.clients)))

	id, ok := m.registry.Leave(c.ID)
	if !ok {
		return
	}
	m.log.Info().Str("conn", c.ID).Str("user", id.UserID).Str("role", string(id.Role)).Msg("user left")
	m.clearTyping(id)
	m.updateJoinedGauge()
	m.broadcastPresence()
}

func (m *ChatManager) handle(in inbound) {
	c := in.client
	// A frame can race with its connection's unregister; Send is closed by then.
	if _, ok := m.clients[c.ID]; !ok {
		return
	}

	event := ""
	if in.frame != nil {
		event = NormalizeEvent(in.frame.Event)
	}
	defer func() {
		if r := recover(); r != nil {
			metrics.HandlerPanics.Inc()
			m.log.Error().Interface("panic", r).Str("conn", c.ID).Str("event", event).Msg("event handler panicked")
			m.sendError(c, "Internal error")
		}
	}()

	if in.fault != "" {
		m.sendError(c, in.fault)
		return
	}

	switch event {
	case EventJoin:
		m.handleJoin(c, in.frame)
	case EventSend:
		m.handleSend(c, in.frame)
	case EventTyping:
		m.handleTyping(c, in.frame)
	default:
		m.log.Warn().Str("conn", c.ID).Str("event", in.frame.Event).Msg("unknown event")
		m.sendError(c, "Unknown event")
	}
}

func (m *ChatManager) handleJoin(c *Client, f *Frame) {
	var p JoinPayload
	if err := json.Unmarshal(f.Data, &p); err != nil || strings.TrimSpace(p.UserID) == "" {
		m.sendError(c, "Invalid user data")
		return
	}

	role := ParseRole(p.Role)
	if role == RoleAgent && m.opts.AgentToken != "" &&
		subtle.ConstantTimeCompare([]byte(p.Token), []byte(m.opts.AgentToken)) != 1 {
		m.log.Warn().Str("conn", c.ID).Str("user", p.UserID).Msg("agent join rejected")
		m.sendError(c, "Unauthorized agent")
		return
	}

	userID := strings.TrimSpace(p.UserID)
	name := strings.TrimSpace(p.Username)
	if name == "" {
		name = userID
	}
	id := Identity{
		ConnectionID: c.ID,
		UserID:       userID,
		DisplayName:  name,
		Role:         role,
		JoinedAt:     m.now().UTC(),
	}

	if prev, ok := m.registry.Lookup(c.ID); ok && prev.UserID != id.UserID {
		m.clearTyping(prev)
	}
	if old := m.registry.Join(id); old != "" {
		m.log.Debug().Str("conn", c.ID).Str("superseded", old).Str("user", userID).Msg("rejoin supersedes connection")
	}
	m.log.Info().Str("conn", c.ID).Str("user", userID).Str("role", string(role)).Msg("user joined")

	m.updateJoinedGauge()
	m.broadcastPresence()
	m.push(c, EventHistory, "", m.history.VisibleTo(id))
}

func (m *ChatManager) handleSend(c *Client, f *Frame) {
	sender, ok := m.registry.Lookup(c.ID)
	if !ok {
		m.ack(c, f.Ack, Ack{Status: AckError, Message: "join required"})
		return
	}

	var payload *SendPayload
	if len(f.Data) > 0 {
		var p SendPayload
		if err := json.Unmarshal(f.Data, &p); err == nil {
			payload = &p
		}
	}

	route, err := m.router.Route(sender, payload)
	if err != nil {
		metrics.ValidationFailures.Inc()
		m.log.Debug().Str("conn", c.ID).Err(err).Msg("send rejected")
		m.ack(c, f.Ack, Ack{Status: AckError, Message: err.Error()})
		return
	}

	metrics.MessagesRouted.WithLabelValues(string(sender.Role)).Inc()
	metrics.HistorySize.Set(float64(m.history.Len()))
	if route.Evicted {
		metrics.HistoryEvictions.Inc()
	}

	data, err := EncodeFrame(EventNewMessage, "", route.Message)
	if err != nil {
		m.log.Error().Err(err).Msg("encode message")
		m.ack(c, f.Ack, Ack{Status: AckError, Message: "Internal error"})
		return
	}
	for _, connID := range route.Recipients {
		if rc, ok := m.clients[connID]; ok {
			m.deliver(rc, EventNewMessage, data)
		}
	}
	m.log.Debug().
		Str("conn", c.ID).
		Str("message", route.Message.ID).
		Int("recipients", len(route.Recipients)).
		Msg("message routed")

	m.ack(c, f.Ack, Ack{Status: AckSuccess, MessageID: route.Message.ID})
}

func (m *ChatManager) handleTyping(c *Client, f *Frame) {
	sender, ok := m.registry.Lookup(c.ID)
	if !ok {
		return
	}
	var p TypingPayload
	if err := json.Unmarshal(f.Data, &p); err != nil || p.IsTyping == nil {
		return
	}

	m.typing.mark(typingKey{sender: sender.UserID, target: p.TargetUserID}, *p.IsTyping)
	m.relayTyping(sender, TypingSignal{
		UserID:       sender.UserID,
		Username:     sender.DisplayName,
		IsTyping:     *p.IsTyping,
		TargetUserID: p.TargetUserID,
	})
}

// clearTyping tells the recipients of every live typing entry of id that it
// stopped typing.
func (m *ChatManager) clearTyping(id Identity) {
	for _, k := range m.typing.clearSender(id.UserID) {
		m.relayTyping(id, TypingSignal{
			UserID:       id.UserID,
			Username:     id.DisplayName,
			IsTyping:     false,
			TargetUserID: k.target,
		})
	}
}

func (m *ChatManager) relayTyping(sender Identity, sig TypingSignal) {
	recipients := m.router.Recipients(sender, sig.TargetUserID)
	if len(recipients) == 0 {
		return
	}
	data, err := EncodeFrame(EventUserTyping, "", sig)
	if err != nil {
		m.log.Error().Err(err).Msg("encode typing")
		return
	}
	label := "false"
	if sig.IsTyping {
		label = "true"
	}
	metrics.TypingSignals.WithLabelValues(label).Inc()
	for _, connID := range recipients {
		if rc, ok := m.clients[connID]; ok {
			m.deliver(rc, EventUserTyping, data)
		}
	}
}

func (m *ChatManager) broadcastPresence() {
	data, err := EncodeFrame(EventUsersOnline, "", m.registry.Snapshot())
	if err != nil {
		m.log.Error().Err(err).Msg("encode presence")
		return
	}
	for _, c := range m.clients {
		m.deliver(c, EventUsersOnline, data)
	}
}

func (m *ChatManager) updateJoinedGauge() {
	metrics.JoinedUsers.WithLabelValues(string(RoleShopper)).Set(float64(m.registry.CountByRole(RoleShopper)))
	metrics.JoinedUsers.WithLabelValues(string(RoleAgent)).Set(float64(m.registry.CountByRole(RoleAgent)))
}

func (m *ChatManager) ack(c *Client, ackID string, a Ack) {
	if ackID == "" {
		return
	}
	m.push(c, EventAck, ackID, a)
}

func (m *ChatManager) sendError(c *Client, message string) {
	m.push(c, EventError, "", ErrorPayload{Message: message})
}

func (m *ChatManager) push(c *Client, event, ackID string, v any) {
	data, err := EncodeFrame(event, ackID, v)
	if err != nil {
		m.log.Error().Err(err).Str("event", event).Msg("encode frame")
		return
	}
	m.deliver(c, event, data)
}

// deliver never blocks: a connection whose buffer is full misses the frame.
func (m *ChatManager) deliver(c *Client, event string, data []byte) {
	select {
	case c.Send <- data:
	default:
		metrics.DroppedFrames.WithLabelValues(event).Inc()
		m.log.Debug().Str("conn", c.ID).Str("event", event).Msg("send buffer full, frame dropped")
	}
}

// do runs fn on the loop goroutine and waits for it.
func (m *ChatManager) do(ctx context.Context, fn func()) error {
	fin := make(chan struct{})
	select {
	case m.calls <- func() { fn(); close(fin) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.done:
		return ErrStopped
	}
	select {
	case <-fin:
		return nil
	case <-m.done:
		return ErrStopped
	}
}

// Online returns the current presence list.
func (m *ChatManager) Online(ctx context.Context) ([]Presence, error) {
	var out []Presence
	err := m.do(ctx, func() { out = m.registry.Snapshot() })
	return out, err
}

// History returns a copy of the whole history, oldest first.
func (m *ChatManager) History(ctx context.Context) ([]Message, error) {
	var out []Message
	err := m.do(ctx, func() { out = m.history.Snapshot() })
	return out, err
}

type Stats struct {
	Connections int `json:"connections"`
	Shoppers    int `json:"shoppers"`
	Agents      int `json:"agents"`
	History     int `json:"history"`
	HistoryCap  int `json:"historyCapacity"`
}

func (m *ChatManager) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := m.do(ctx, func() {
		s = Stats{
			Connections: len(m.clients),
			Shoppers:    m.registry.CountByRole(RoleShopper),
			Agents:      m.registry.CountByRole(RoleAgent),
			History:     m.history.Len(),
			HistoryCap:  m.history.Cap(),
		}
	})
	return s, err
}
