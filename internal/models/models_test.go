package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "Unknown", DisplayName(nil))
	assert.Equal(t, "Unknown", DisplayName(&User{}))
	assert.Equal(t, "Alice Zhang", DisplayName(&User{Name: "Alice Zhang"}))
	assert.Equal(t, "alice", DisplayName(&User{Username: "alice", Name: "Alice Zhang"}))
}

func TestPairKeyIsUnordered(t *testing.T) {
	a := UserRef{ID: "u-1", Role: RoleStudent}
	b := UserRef{ID: "u-2", Role: RoleTeacher}

	assert.Equal(t, PairKey(a, b), PairKey(b, a))
	assert.NotEqual(t, PairKey(a, b), PairKey(a, UserRef{ID: "u-2", Role: RoleParent}))
}

func TestParseRole(t *testing.T) {
	for _, r := range Roles {
		got, err := ParseRole(string(r))
		require.NoError(t, err)
		assert.Equal(t, r, got)
	}
	_, err := ParseRole("principal")
	assert.Error(t, err)
	assert.Equal(t, "students", RoleStudent.TableName())
}

func TestDecisionStatus(t *testing.T) {
	s, ok := DecisionAccept.Status()
	assert.True(t, ok)
	assert.Equal(t, FriendRequestStatusAccepted, s)

	s, ok = DecisionReject.Status()
	assert.True(t, ok)
	assert.Equal(t, FriendRequestStatusRejected, s)

	_, ok = Decision("maybe").Status()
	assert.False(t, ok)
	assert.False(t, FriendRequestStatusPending.IsTerminal())
}

func TestNewPendingFriendRequest(t *testing.T) {
	sender := UserRef{ID: "s", Role: RoleParent}
	receiver := UserRef{ID: "r", Role: RoleTeacher}
	req := NewPendingFriendRequest(sender, receiver)

	assert.Equal(t, FriendRequestStatusPending, req.Status)
	require.NotNil(t, req.PendingKey)
	assert.Equal(t, PairKey(sender, receiver), *req.PendingKey)
	assert.Equal(t, sender, req.SenderRef())
	assert.Equal(t, receiver, req.ReceiverRef())
}

func TestMessageNewerThan(t *testing.T) {
	now := time.Now()
	older := &Message{BaseModel: BaseModel{ID: 5, CreatedAt: now.Add(-time.Second)}}
	sameTimeLowID := &Message{BaseModel: BaseModel{ID: 6, CreatedAt: now}}
	sameTimeHighID := &Message{BaseModel: BaseModel{ID: 7, CreatedAt: now}}

	assert.True(t, older.NewerThan(nil))
	assert.True(t, sameTimeLowID.NewerThan(older))
	assert.False(t, older.NewerThan(sameTimeLowID))
	assert.True(t, sameTimeHighID.NewerThan(sameTimeLowID))
	assert.False(t, sameTimeLowID.NewerThan(sameTimeLowID))
}
