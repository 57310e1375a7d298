package chat

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func msg(id, sender string, role Role, target string) Message {
	m := Message{ID: id, SenderUserID: sender, SenderRole: role, Content: id, Kind: KindText, Status: StateSent}
	if target != "" {
		m.TargetUserID = &target
	}
	return m
}

func TestHistoryKeepsMostRecent(t *testing.T) {
	const capacity = 10
	h := NewHistory(capacity)

	for i := 0; i < 25; i++ {
		h.Append(msg(fmt.Sprintf("m%02d", i), "u1", RoleShopper, ""))
		if i >= capacity {
			require.Equal(t, capacity, h.Len())
		}
	}

	snap := h.Snapshot()
	require.Len(t, snap, capacity)
	for i, m := range snap {
		assert.Equal(t, fmt.Sprintf("m%02d", 15+i), m.ID)
	}
}

func TestHistoryAppendReportsEviction(t *testing.T) {
	h := NewHistory(2)
	assert.False(t, h.Append(msg("a", "u1", RoleShopper, "")))
	assert.False(t, h.Append(msg("b", "u1", RoleShopper, "")))
	assert.True(t, h.Append(msg("c", "u1", RoleShopper, "")))
	assert.Equal(t, 2, h.Cap())
}

func TestHistoryDefaultCapacity(t *testing.T) {
	assert.Equal(t, DefaultMaxHistory, NewHistory(0).Cap())
}

func TestHistoryVisibleTo(t *testing.T) {
	h := NewHistory(100)
	h.Append(msg("1", "u1", RoleShopper, ""))   // u1's own
	h.Append(msg("2", "u2", RoleShopper, ""))   // another shopper
	h.Append(msg("3", "a1", RoleAgent, "u1"))   // agent -> u1
	h.Append(msg("4", "a1", RoleAgent, "u2"))   // agent -> u2
	h.Append(msg("5", "a1", RoleAgent, ""))     // untargeted agent broadcast
	h.Append(msg("6", "u3", RoleShopper, "u1")) // odd but addressed to u1

	shopper := Identity{UserID: "u1", Role: RoleShopper}
	var ids []string
	for _, m := range h.VisibleTo(shopper) {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"1", "3", "5", "6"}, ids)

	agent := Identity{UserID: "a2", Role: RoleAgent}
	assert.Len(t, h.VisibleTo(agent), 6)
}

func TestHistoryVisibleToNeverLeaksOtherShoppers(t *testing.T) {
	h := NewHistory(50)
	users := []string{"u1", "u2", "u3"}
	for i := 0; i < 40; i++ {
		sender := users[i%3]
		target := ""
		role := RoleShopper
		if i%4 == 0 {
			sender, role, target = "a1", RoleAgent, users[(i/4)%3]
		}
		h.Append(msg(fmt.Sprint(i), sender, role, target))
	}

	for _, u := range users {
		for _, m := range h.VisibleTo(Identity{UserID: u, Role: RoleShopper}) {
			broadcast := m.SenderRole == RoleAgent && m.Target() == ""
			assert.True(t, m.SenderUserID == u || m.Target() == u || broadcast,
				"message %s leaked to %s", m.ID, u)
		}
	}
}
