package chat

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
)

// Router validates outgoing messages, records them and decides who receives
// them. It shares the manager's Registry and History and runs on its loop.
type Router struct {
	registry *Registry
	history  *History

	now   func() time.Time
	newID func() string
}

func NewRouter(registry *Registry, history *History) *Router {
	return &Router{
		registry: registry,
		history:  history,
		now:      time.Now,
		newID:    func() string { return ulid.Make().String() },
	}
}

// Route is the outcome of a successful send.
type Route struct {
	Message    Message
	Recipients []string // connection ids
	Evicted    bool     // history dropped its oldest entry
}

// Route validates p, appends the resulting message to history and resolves
// its recipients. History is untouched when validation fails.
func (r *Router) Route(sender Identity, p *SendPayload) (Route, error) {
	content, kind, err := validate(p)
	if err != nil {
		return Route{}, err
	}

	msg := Message{
		ID:           r.newID(),
		ConnectionID: sender.ConnectionID,
		SenderUserID: sender.UserID,
		SenderName:   sender.DisplayName,
		SenderRole:   sender.Role,
		Content:      content,
		Kind:         kind,
		Status:       StateSent,
		CreatedAt:    r.now().UTC(),
	}
	// Only agents address a shopper; a shopper's target would leak the
	// message into that shopper's history.
	target := ""
	if sender.IsAgent() {
		target = p.TargetUserID
	}
	if target != "" {
		msg.TargetUserID = &target
	}

	evicted := r.history.Append(msg)
	return Route{
		Message:    msg,
		Recipients: r.Recipients(sender, target),
		Evicted:    evicted,
	}, nil
}

// Recipients applies the delivery rule shared by messages and typing signals:
// a shopper reaches every agent, an agent reaches its target or, with no
// target, every shopper.
func (r *Router) Recipients(sender Identity, targetUserID string) []string {
	if !sender.IsAgent() {
		return r.registry.AllWithRole(RoleAgent)
	}
	if targetUserID == "" {
		return r.registry.AllWithRole(RoleShopper)
	}
	if connID, ok := r.registry.FindByUserID(targetUserID); ok {
		return []string{connID}
	}
	return nil
}

func validate(p *SendPayload) (string, Kind, error) {
	if p == nil {
		return "", "", invalid("Invalid message data")
	}
	raw, ok := p.Content.(string)
	if !ok || raw == "" {
		return "", "", invalid("Message content is required")
	}
	if utf8.RuneCountInString(raw) > MaxContentLength {
		return "", "", invalid("Message too long")
	}
	content := strings.TrimSpace(raw)
	if content == "" {
		return "", "", invalid("Message content is required")
	}

	kind := Kind(p.Type)
	switch kind {
	case "":
		kind = KindText
	case KindText, KindImage, KindFile:
	default:
		return "", "", invalid("Unsupported message type")
	}
	return content, kind, nil
}
