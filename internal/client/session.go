package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/pelusa-v/support-relay/internal/chat"
)

type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

const (
	DefaultRetryDelay  = time.Second
	DefaultMaxAttempts = 5
	DefaultAckTimeout  = 10 * time.Second
	// DefaultPingTimeout matches the relay's read deadline; the relay pings
	// well inside it, so silence this long means the link is dead.
	DefaultPingTimeout = 60 * time.Second

	writeWait = 10 * time.Second

	// EventState is emitted on every lifecycle transition.
	EventState = "state"
)

var (
	ErrNotConnected   = errors.New("client: not connected")
	ErrConnectionLost = errors.New("client: connection lost before ack")
	ErrAckTimeout     = errors.New("client: ack timeout")
)

// SendError is a send the relay, or local validation, refused.
type SendError struct {
	Reason string
}

func (e *SendError) Error() string { return "client: send rejected: " + e.Reason }

// Event is handed to Options.OnEvent after the session has applied a frame.
type Event struct {
	Name    string
	Key     string // conversation key, for messages and typing
	Message *chat.Message
	Typing  *chat.TypingSignal
	Err     string
	State   State
}

type Options struct {
	URL      string
	Identity Identity
	Token    string // agent join token
	Origin   string

	RetryDelay    time.Duration
	MaxAttempts   int // consecutive failed dials before Run gives up
	AckTimeout    time.Duration
	TypingTimeout time.Duration
	PingTimeout   time.Duration // read silence that counts as a dropped connection
	TypingIdle    time.Duration // keystroke debounce for Typist

	Dialer  *websocket.Dialer
	Logger  zerolog.Logger
	OnEvent func(Event)
}

// link is one live connection's outbound queue.
type link struct {
	out  chan []byte
	done chan struct{}
}

func (l *link) write(ctx context.Context, b []byte) error {
	select {
	case l.out <- b:
		return nil
	case <-l.done:
		return ErrConnectionLost
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Session keeps one identity connected to the relay, reconnecting after
// drops, and maintains its conversations and presence view.
type Session struct {
	opts Options
	log  zerolog.Logger
	view *View

	mu      sync.Mutex
	state   State
	conv    *Partitioner
	link    *link
	pending map[string]chan chat.Ack
}

func NewSession(opts Options) *Session {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultAckTimeout
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = DefaultPingTimeout
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.Identity.DisplayName == "" {
		opts.Identity.DisplayName = opts.Identity.UserID
	}
	return &Session{
		opts:    opts,
		log:     opts.Logger.With().Str("component", "chat-client").Str("user", opts.Identity.UserID).Logger(),
		view:    NewView(opts.Identity, opts.TypingTimeout),
		conv:    NewPartitioner(opts.Identity),
		pending: map[string]chan chat.Ack{},
	}
}

// Run connects and keeps reconnecting until ctx is cancelled or
// MaxAttempts dials in a row fail. A cancelled context is not an error.
func (s *Session) Run(ctx context.Context) error {
	defer s.view.Close()
	defer s.setState(StateDisconnected)

	failures := 0
	for {
		s.setState(StateConnecting)
		conn, _, err := s.opts.Dialer.DialContext(ctx, s.opts.URL, s.header())
		if err == nil {
			failures = 0
			err = s.serve(ctx, conn)
			if ctx.Err() != nil {
				return nil
			}
			s.setState(StateConnecting)
			s.log.Warn().Err(err).Msg("connection lost, reconnecting")
		} else {
			if ctx.Err() != nil {
				return nil
			}
			failures++
			s.log.Warn().Err(err).Int("attempt", failures).Msg("dial failed")
			if failures >= s.opts.MaxAttempts {
				return fmt.Errorf("client: giving up after %d attempts: %w", failures, err)
			}
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(s.opts.RetryDelay):
		}
	}
}

func (s *Session) header() http.Header {
	h := http.Header{}
	if s.opts.Origin != "" {
		h.Set("Origin", s.opts.Origin)
	}
	return h
}

func (s *Session) serve(ctx context.Context, conn *websocket.Conn) error {
	join, err := chat.EncodeFrame(chat.EventJoin, "", chat.JoinPayload{
		UserID:   s.opts.Identity.UserID,
		Username: s.opts.Identity.DisplayName,
		Role:     string(s.opts.Identity.Role),
		Token:    s.opts.Token,
	})
	if err == nil {
		err = conn.WriteMessage(websocket.TextMessage, join)
	}
	if err != nil {
		conn.Close()
		return err
	}

	// Any frame or ping from the relay proves the link is alive.
	timeout := s.opts.PingTimeout
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	conn.SetPingHandler(func(appData string) error {
		_ = conn.SetReadDeadline(time.Now().Add(timeout))
		err := conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	l := &link{out: make(chan []byte, 16), done: make(chan struct{})}
	s.mu.Lock()
	s.link = l
	s.mu.Unlock()
	s.setState(StateConnected)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return err
			}
			_ = conn.SetReadDeadline(time.Now().Add(timeout))
			var f chat.Frame
			if err := json.Unmarshal(data, &f); err != nil {
				s.log.Warn().Err(err).Msg("dropping malformed frame")
				continue
			}
			s.handle(&f)
		}
	})
	g.Go(func() error {
		for {
			select {
			case b := <-l.out:
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					return err
				}
			case <-gctx.Done():
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return conn.Close()
			}
		}
	})
	err = g.Wait()

	s.mu.Lock()
	s.link = nil
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
	s.mu.Unlock()
	close(l.done)
	return err
}

func (s *Session) handle(f *chat.Frame) {
	switch f.Event {
	case chat.EventHistory:
		var msgs []chat.Message
		if !s.decode(f, &msgs) {
			return
		}
		s.mu.Lock()
		s.conv.Rebuild(msgs)
		s.mu.Unlock()
		s.emit(Event{Name: f.Event})

	case chat.EventNewMessage:
		var m chat.Message
		if !s.decode(f, &m) {
			return
		}
		s.mu.Lock()
		key := s.conv.Add(m)
		s.mu.Unlock()
		s.emit(Event{Name: f.Event, Key: key, Message: &m})

	case chat.EventUsersOnline:
		var list []chat.Presence
		if !s.decode(f, &list) {
			return
		}
		s.view.SetOnline(list)
		s.emit(Event{Name: f.Event})

	case chat.EventUserTyping:
		var sig chat.TypingSignal
		if !s.decode(f, &sig) {
			return
		}
		key, ok := s.view.TypingKey(sig)
		if !ok {
			return
		}
		s.view.ApplyTyping(sig)
		s.emit(Event{Name: f.Event, Key: key, Typing: &sig})

	case chat.EventAck:
		var a chat.Ack
		if !s.decode(f, &a) {
			return
		}
		s.mu.Lock()
		ch, ok := s.pending[f.Ack]
		delete(s.pending, f.Ack)
		s.mu.Unlock()
		if ok {
			ch <- a
		}

	case chat.EventError:
		var e chat.ErrorPayload
		if !s.decode(f, &e) {
			return
		}
		s.log.Warn().Str("reason", e.Message).Msg("relay error")
		s.emit(Event{Name: f.Event, Err: e.Message})

	default:
		s.log.Debug().Str("event", f.Event).Msg("ignoring unknown event")
	}
}

func (s *Session) decode(f *chat.Frame, v any) bool {
	if err := json.Unmarshal(f.Data, v); err != nil {
		s.log.Warn().Err(err).Str("event", f.Event).Msg("bad payload")
		return false
	}
	return true
}

func (s *Session) emit(e Event) {
	if s.opts.OnEvent != nil {
		s.opts.OnEvent(e)
	}
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	changed := s.state != st
	s.state = st
	s.mu.Unlock()
	if changed {
		s.log.Debug().Stringer("state", st).Msg("state changed")
		s.emit(Event{Name: EventState, State: st})
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ValidateContent applies the relay's content rules before a send.
func ValidateContent(content string) error {
	if strings.TrimSpace(content) == "" {
		return &SendError{Reason: "Message content is required"}
	}
	if utf8.RuneCountInString(content) > chat.MaxContentLength {
		return &SendError{Reason: "Message too long"}
	}
	return nil
}

// Send shows content optimistically and waits for the relay's ack. target
// is only used by agents; empty broadcasts to every shopper. On success the
// confirmed message is returned; on failure the optimistic copy is marked
// failed and returned along with the error.
func (s *Session) Send(ctx context.Context, content, target string) (chat.Message, error) {
	if err := ValidateContent(content); err != nil {
		return chat.Message{}, err
	}

	s.mu.Lock()
	tmp := s.conv.AddOptimistic(content, target)
	l := s.link
	ackCh := make(chan chat.Ack, 1)
	if l != nil {
		s.pending[tmp.ID] = ackCh
	}
	s.mu.Unlock()
	s.emit(Event{Name: chat.EventNewMessage, Key: s.key(tmp), Message: &tmp})

	if l == nil {
		return s.fail(tmp, ErrNotConnected)
	}

	payload := chat.SendPayload{Content: tmp.Content, Type: string(chat.KindText)}
	if s.opts.Identity.IsAgent() {
		payload.TargetUserID = target
	}
	frame, err := chat.EncodeFrame(chat.EventSend, tmp.ID, payload)
	if err == nil {
		err = l.write(ctx, frame)
	}
	if err != nil {
		return s.fail(tmp, err)
	}

	timer := time.NewTimer(s.opts.AckTimeout)
	defer timer.Stop()
	select {
	case ack, ok := <-ackCh:
		if !ok {
			return s.fail(tmp, ErrConnectionLost)
		}
		if ack.Status != chat.AckSuccess {
			return s.fail(tmp, &SendError{Reason: ack.Message})
		}
		s.mu.Lock()
		m, _ := s.conv.Confirm(tmp.ID, ack.MessageID)
		s.mu.Unlock()
		return m, nil
	case <-timer.C:
		return s.fail(tmp, ErrAckTimeout)
	case <-ctx.Done():
		return s.fail(tmp, ctx.Err())
	}
}

func (s *Session) fail(tmp chat.Message, err error) (chat.Message, error) {
	s.mu.Lock()
	delete(s.pending, tmp.ID)
	s.conv.Fail(tmp.ID)
	s.mu.Unlock()
	tmp.Status = chat.StateFailed
	return tmp, err
}

func (s *Session) key(m chat.Message) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv.Key(m)
}

// SendTyping tells the relay whether the local user is typing. Agents name
// the shopper they are typing to.
func (s *Session) SendTyping(ctx context.Context, isTyping bool, target string) error {
	s.mu.Lock()
	l := s.link
	s.mu.Unlock()
	if l == nil {
		return ErrNotConnected
	}
	payload := chat.TypingPayload{IsTyping: &isTyping}
	if s.opts.Identity.IsAgent() {
		payload.TargetUserID = target
	}
	frame, err := chat.EncodeFrame(chat.EventTyping, "", payload)
	if err != nil {
		return err
	}
	return l.write(ctx, frame)
}

// Typist returns a keystroke debouncer that reports typing to target
// through this session. Send failures are logged and otherwise ignored.
func (s *Session) Typist(target string) *Typist {
	return NewTypist(s.opts.TypingIdle, func(isTyping bool) {
		ctx, cancel := context.WithTimeout(context.Background(), writeWait)
		defer cancel()
		if err := s.SendTyping(ctx, isTyping, target); err != nil {
			s.log.Debug().Err(err).Bool("is_typing", isTyping).Msg("typing signal not sent")
		}
	})
}

// View exposes presence and typing state.
func (s *Session) View() *View { return s.view }

func (s *Session) Messages(key string) []chat.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv.Messages(key)
}

func (s *Session) Conversations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv.Keys()
}

// Contacts lists every shopper who has written, with presence and typing.
func (s *Session) Contacts() []Contact {
	s.mu.Lock()
	users := s.conv.ActiveUsers()
	s.mu.Unlock()
	return s.view.Contacts(users)
}

func (s *Session) Open() {
	s.mu.Lock()
	s.conv.Open()
	s.mu.Unlock()
}

func (s *Session) Close() {
	s.mu.Lock()
	s.conv.Close()
	s.mu.Unlock()
}

func (s *Session) Select(key string) {
	s.mu.Lock()
	s.conv.Select(key)
	s.mu.Unlock()
}

// Selected returns the conversation in view.
func (s *Session) Selected() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv.Selected()
}

func (s *Session) Unread(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv.Unread(key)
}

func (s *Session) TotalUnread() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conv.TotalUnread()
}
