package chat

import (
	"encoding/json"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait = 10 * time.Second

	// maxFrameSize bounds one inbound frame: 5000 characters of up to four
	// bytes each plus the envelope.
	maxFrameSize = 32 << 10

	DefaultPingInterval = 25 * time.Second
	DefaultPingTimeout  = 60 * time.Second
)

// Client is one open websocket connection. Send is written only by the
// manager loop and closed by it exactly once.
type Client struct {
	ID   string
	Conn ConnLike
	Send chan []byte

	log zerolog.Logger
}

type ConnLike interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(int, []byte) error
	WriteControl(int, []byte, time.Time) error
	SetReadDeadline(time.Time) error
	SetWriteDeadline(time.Time) error
	SetReadLimit(int64)
	SetPongHandler(func(string) error)
	Close() error
}

func NewClient(id string, conn ConnLike, buffer int, log zerolog.Logger) *Client {
	if buffer <= 0 {
		buffer = 64
	}
	return &Client{
		ID:   id,
		Conn: conn,
		Send: make(chan []byte, buffer),
		log:  log.With().Str("conn", id).Logger(),
	}
}

// ReadPump decodes inbound frames and hands them to the manager until the
// connection fails, the peer stops answering pings, or the manager stops.
func (c *Client) ReadPump(m *ChatManager, pingTimeout time.Duration) {
	if pingTimeout <= 0 {
		pingTimeout = DefaultPingTimeout
	}
	c.Conn.SetReadLimit(maxFrameSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pingTimeout))
	c.Conn.SetPongHandler(func(string) error {
		return c.Conn.SetReadDeadline(time.Now().Add(pingTimeout))
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("connection closed unexpectedly")
			}
			return
		}
		_ = c.Conn.SetReadDeadline(time.Now().Add(pingTimeout))

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Event == "" {
			c.log.Warn().Err(err).Int("bytes", len(data)).Msg("malformed frame")
			if !m.Fault(c, "Malformed frame") {
				return
			}
			continue
		}
		if !m.Dispatch(c, &frame) {
			return
		}
	}
}

// WritePump drains Send onto the socket and keeps the connection alive with
// pings. It closes the socket when Send is closed or a write fails.
func (c *Client) WritePump(pingInterval time.Duration) {
	if pingInterval <= 0 {
		pingInterval = DefaultPingInterval
	}
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.Conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				c.log.Debug().Err(err).Msg("write failed")
				return
			}
		case <-ticker.C:
			if err := c.Conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				c.log.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}
