package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pelusa-v/support-relay/internal/chat"
	"github.com/pelusa-v/support-relay/internal/client"
)

var (
	url     string
	userID  string
	name    string
	role    string
	token   string
	origin  string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "chatcli",
	Short: "Terminal client for the support relay",
	Long: `chatcli joins the relay as a shopper or an agent and relays lines from
stdin as chat messages.

Commands:
  /to <user> [message]  agents: select a shopper, optionally sending to them
  /all <message>        agents: send to every shopper
  /who                  list conversations and presence
  /quit                 leave

End a line with \ to keep composing; the other side sees you typing until
the message is sent.`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if userID == "" {
			return errors.New("--user is required")
		}
		return run(cmd.Context(), os.Stdin, cmd.OutOrStdout())
	},
}

func init() {
	f := rootCmd.Flags()
	f.StringVar(&url, "url", "ws://localhost:4000/api/ws", "relay websocket URL")
	f.StringVar(&userID, "user", "", "user id to join as")
	f.StringVar(&name, "name", "", "display name (defaults to the user id)")
	f.StringVar(&role, "role", "shopper", "shopper or agent")
	f.StringVar(&token, "token", "", "agent join token")
	f.StringVar(&origin, "origin", "http://localhost:3000", "Origin header sent on connect")
	f.BoolVarP(&verbose, "verbose", "v", false, "debug logging")
}

func run(ctx context.Context, in io.Reader, out io.Writer) error {
	level := zerolog.WarnLevel
	if verbose {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(level).
		With().
		Timestamp().
		Logger()

	me := client.Identity{UserID: userID, DisplayName: name, Role: chat.ParseRole(role)}
	var session *client.Session
	session = client.NewSession(client.Options{
		URL:      url,
		Identity: me,
		Token:    token,
		Origin:   origin,
		Logger:   logger,
		OnEvent: func(e client.Event) {
			printEvent(out, session, me, e)
		},
	})
	session.Open()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	c := &console{out: out, s: session, me: me}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return session.Run(gctx) })
	g.Go(func() error {
		defer cancel()
		for {
			select {
			case <-gctx.Done():
				return nil
			case line, ok := <-lines:
				if !ok {
					return nil
				}
				if quit := c.handleLine(gctx, line); quit {
					return nil
				}
			}
		}
	})
	return g.Wait()
}

// console turns stdin lines into session calls. Lines ending in a backslash
// accumulate into a draft that is sent with the next complete line.
type console struct {
	out io.Writer
	s   *client.Session
	me  client.Identity

	draft  []string
	typist *client.Typist
	typeTo string
}

func (c *console) handleLine(ctx context.Context, line string) bool {
	out, s, me := c.out, c.s, c.me
	line = strings.TrimSpace(line)
	if more, ok := strings.CutSuffix(line, "\\"); ok {
		c.draft = append(c.draft, strings.TrimSpace(more))
		c.typing().Keystroke()
		return false
	}
	if len(c.draft) > 0 {
		line = strings.TrimSpace(strings.Join(append(c.draft, line), "\n"))
		c.draft = nil
	}
	if c.typist != nil {
		c.typist.Stop()
	}
	if line == "" {
		return false
	}

	target := ""
	switch cmd, rest, _ := strings.Cut(line, " "); cmd {
	case "/quit":
		return true
	case "/who":
		printWho(out, s, me)
		return false
	case "/to":
		user, msg, _ := strings.Cut(strings.TrimSpace(rest), " ")
		if !me.IsAgent() || user == "" {
			fmt.Fprintln(out, "usage: /to <user> [message] (agents only)")
			return false
		}
		s.Select(user)
		fmt.Fprintf(out, "now talking to %s\n", s.View().DisplayName(user))
		if line = strings.TrimSpace(msg); line == "" {
			return false
		}
		target = user
	case "/all":
		if !me.IsAgent() {
			fmt.Fprintln(out, "/all is for agents")
			return false
		}
		line = strings.TrimSpace(rest)
	default:
		if me.IsAgent() {
			target = s.Selected()
		}
	}

	if _, err := s.Send(ctx, line, target); err != nil {
		fmt.Fprintf(out, "! not sent: %v\n", err)
	}
	return false
}

// typing returns the debouncer for the conversation being written to.
func (c *console) typing() *client.Typist {
	target := ""
	if c.me.IsAgent() {
		target = c.s.Selected()
	}
	if c.typist == nil || c.typeTo != target {
		if c.typist != nil {
			c.typist.Stop()
		}
		c.typist, c.typeTo = c.s.Typist(target), target
	}
	return c.typist
}

func printEvent(out io.Writer, s *client.Session, me client.Identity, e client.Event) {
	switch e.Name {
	case client.EventState:
		fmt.Fprintf(out, "-- %s\n", e.State)
	case chat.EventNewMessage:
		m := e.Message
		if m == nil || m.SenderUserID == me.UserID {
			return
		}
		who := m.SenderName
		if who == "" {
			who = s.View().DisplayName(e.Key)
		}
		fmt.Fprintf(out, "[%s] %s: %s\n", m.CreatedAt.Local().Format(time.Kitchen), who, m.Content)
	case chat.EventHistory:
		for _, m := range s.Messages("") {
			fmt.Fprintf(out, "[%s] %s: %s\n", m.CreatedAt.Local().Format(time.Kitchen), m.SenderName, m.Content)
		}
	case chat.EventUserTyping:
		if e.Typing != nil && e.Typing.IsTyping {
			fmt.Fprintf(out, "   %s is typing...\n", s.View().DisplayName(e.Key))
		}
	case chat.EventError:
		fmt.Fprintf(out, "! relay: %s\n", e.Err)
	}
}

func printWho(out io.Writer, s *client.Session, me client.Identity) {
	if !me.IsAgent() {
		status := "offline"
		if s.View().AgentOnline() {
			status = "online"
		}
		fmt.Fprintf(out, "Support is %s\n", status)
		return
	}
	for _, c := range s.Contacts() {
		status := "offline"
		if c.Online {
			status = "online"
		}
		fmt.Fprintf(out, "%-12s %-20s %-7s unread=%d\n", c.UserID, c.DisplayName, status, s.Unread(c.UserID))
	}
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
