package voice

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistrySingleOccupancy(t *testing.T) {
	reg := NewRegistry()
	require.True(t, reg.Empty())

	inviteA := &CallInvite{ID: "a", From: "alice"}
	require.NoError(t, reg.InstallInvite(inviteA))
	assert.False(t, reg.Empty())

	// второй invite при занятом слоте
	err := reg.InstallInvite(&CallInvite{ID: "b", From: "bob"})
	require.Error(t, err)

	// сессия при занятом слоте
	err = reg.InstallSession(newCallSession("c", DirectionOutgoing, "+1"))
	require.Error(t, err)

	pending, ok := reg.PendingInvite()
	require.True(t, ok)
	assert.Equal(t, CallID("a"), pending.ID)
}

func TestRegistryPromoteInvite(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.InstallInvite(&CallInvite{ID: "a", From: "alice"}))

	// конвертация с чужим идентификатором отклоняется
	err := reg.PromoteInvite("b", newCallSession("b", DirectionIncoming, "bob"))
	require.Error(t, err)

	session := newCallSession("a", DirectionIncoming, "alice")
	require.NoError(t, reg.PromoteInvite("a", session))

	// invite исчез, сессия на месте
	_, ok := reg.PendingInvite()
	assert.False(t, ok)
	got, ok := reg.ActiveSession()
	require.True(t, ok)
	assert.Equal(t, CallID("a"), got.ID())
}

func TestRegistryPromoteWithoutInvite(t *testing.T) {
	reg := NewRegistry()
	err := reg.PromoteInvite("a", newCallSession("a", DirectionIncoming, "alice"))
	require.Error(t, err)
}

func TestRegistryDiscardInvite(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.InstallInvite(&CallInvite{ID: "a", From: "alice"}))

	// чужой идентификатор не трогает слот
	_, ok := reg.DiscardInvite("b")
	assert.False(t, ok)
	assert.False(t, reg.Empty())

	invite, ok := reg.DiscardInvite("a")
	require.True(t, ok)
	assert.Equal(t, CallID("a"), invite.ID)
	assert.True(t, reg.Empty())

	// повторный discard - no-op
	_, ok = reg.DiscardInvite("a")
	assert.False(t, ok)
}

func TestRegistryEvictSession(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.InstallSession(newCallSession("a", DirectionOutgoing, "+1")))

	_, ok := reg.EvictSession("b")
	assert.False(t, ok)
	assert.False(t, reg.Empty())

	session, ok := reg.EvictSession("a")
	require.True(t, ok)
	assert.Equal(t, CallID("a"), session.ID())
	assert.True(t, reg.Empty())
}

func TestRegistryMatches(t *testing.T) {
	reg := NewRegistry()
	assert.False(t, reg.Matches("a"))

	require.NoError(t, reg.InstallInvite(&CallInvite{ID: "a"}))
	assert.True(t, reg.Matches("a"))
	assert.False(t, reg.Matches("b"))

	require.NoError(t, reg.PromoteInvite("a", newCallSession("a", DirectionIncoming, "alice")))
	assert.True(t, reg.Matches("a"))
	assert.False(t, reg.Matches("b"))
}

func TestSessionTransitions(t *testing.T) {
	s := newCallSession("a", DirectionOutgoing, "+1")
	assert.Equal(t, StateConnecting, s.State())

	require.NoError(t, s.setState(StateConnected))
	require.NoError(t, s.setState(StateReconnecting))
	require.NoError(t, s.setState(StateConnected))
	require.NoError(t, s.setState(StateDisconnecting))
	require.NoError(t, s.setState(StateTerminated))
	assert.True(t, s.State().IsTerminal())
}

func TestSessionInvalidTransitions(t *testing.T) {
	s := newCallSession("a", DirectionOutgoing, "+1")

	// Connecting -> Reconnecting не определен
	require.Error(t, s.setState(StateReconnecting))
	assert.Equal(t, StateConnecting, s.State())

	require.NoError(t, s.setState(StateDisconnecting))
	// Disconnecting -> Connected не определен
	require.Error(t, s.setState(StateConnected))
	assert.Equal(t, StateDisconnecting, s.State())
}
