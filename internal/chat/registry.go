package chat

import "sort"

// Registry maps live connections to the identity they announced. It is owned
// by the manager loop and is not safe for concurrent use.
type Registry struct {
	byConn map[string]Identity
	byUser map[string]string // userId -> connectionId
}

func NewRegistry() *Registry {
	return &Registry{
		byConn: map[string]Identity{},
		byUser: map[string]string{},
	}
}

// Join upserts id. When the user was already live on another connection that
// entry is dropped and its connection id returned; the old socket stays open
// until it disconnects but nothing routes to it anymore.
func (r *Registry) Join(id Identity) (superseded string) {
	if prev, ok := r.byConn[id.ConnectionID]; ok && prev.UserID != id.UserID {
		if r.byUser[prev.UserID] == id.ConnectionID {
			delete(r.byUser, prev.UserID)
		}
	}
	if old, ok := r.byUser[id.UserID]; ok && old != id.ConnectionID {
		delete(r.byConn, old)
		superseded = old
	}
	r.byConn[id.ConnectionID] = id
	r.byUser[id.UserID] = id.ConnectionID
	return superseded
}

// Leave removes the connection. It reports false when the connection never
// joined or was already superseded.
func (r *Registry) Leave(connID string) (Identity, bool) {
	id, ok := r.byConn[connID]
	if !ok {
		return Identity{}, false
	}
	delete(r.byConn, connID)
	if r.byUser[id.UserID] == connID {
		delete(r.byUser, id.UserID)
	}
	return id, true
}

func (r *Registry) Lookup(connID string) (Identity, bool) {
	id, ok := r.byConn[connID]
	return id, ok
}

func (r *Registry) FindByUserID(userID string) (string, bool) {
	connID, ok := r.byUser[userID]
	return connID, ok
}

// AllWithRole returns the live connection ids with role, oldest join first.
func (r *Registry) AllWithRole(role Role) []string {
	ids := r.sorted()
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id.Role == role {
			out = append(out, id.ConnectionID)
		}
	}
	return out
}

func (r *Registry) Snapshot() []Presence {
	ids := r.sorted()
	out := make([]Presence, 0, len(ids))
	for _, id := range ids {
		out = append(out, presenceOf(id))
	}
	return out
}

func (r *Registry) Len() int { return len(r.byConn) }

// CountByRole is used for the joined-users gauge.
func (r *Registry) CountByRole(role Role) int {
	n := 0
	for _, id := range r.byConn {
		if id.Role == role {
			n++
		}
	}
	return n
}

func (r *Registry) sorted() []Identity {
	out := make([]Identity, 0, len(r.byConn))
	for _, id := range r.byConn {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].ConnectionID < out[j].ConnectionID
	})
	return out
}
