package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"school-im/internal/livequery"
	"school-im/internal/models"
	"school-im/internal/storage"
)

// failingMembershipList 让 ListMemberships 总是失败，其余操作照常。
type failingMembershipList struct {
	storage.ConversationRepository
}

func (failingMembershipList) ListMemberships(context.Context, uint) ([]*models.Membership, error) {
	return nil, errors.New("连接已断开")
}

func TestCreateDirect(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.addUser(t, models.RoleStudent, "alice")
	bob := f.addUser(t, models.RoleTeacher, "bob")

	_, err := f.conversations.CreateDirect(ctx, alice.Ref(), alice.Ref())
	assert.ErrorIs(t, err, ErrSelfConversation)

	conv, err := f.conversations.CreateDirect(ctx, alice.Ref(), bob.Ref())
	require.NoError(t, err)
	assert.False(t, conv.IsGroup)
	assert.ElementsMatch(t,
		[]string{livequery.ConversationsKey(alice.ID), livequery.ConversationsKey(bob.ID)},
		f.pub.published())

	_, err = f.conversations.CreateDirect(ctx, bob.Ref(), alice.Ref())
	assert.ErrorIs(t, err, ErrDirectExists)

	_, err = f.conversations.CreateDirectByUsername(ctx, ext(alice), "nobody")
	assert.ErrorIs(t, err, ErrMemberNotFound)
	_, err = f.conversations.CreateDirectByUsername(ctx, ext(alice), "bob")
	assert.ErrorIs(t, err, ErrDirectExists)
}

func TestGetDirectConversationView(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.addUser(t, models.RoleStudent, "alice")
	bob := f.addUser(t, models.RoleTeacher, "bob")
	carol := f.addUser(t, models.RoleParent, "carol")

	conv, err := f.conversations.CreateDirect(ctx, alice.Ref(), bob.Ref())
	require.NoError(t, err)

	view, err := f.conversations.Get(ctx, conv.ID, ext(alice))
	require.NoError(t, err)
	require.NotNil(t, view.Membership)
	assert.Equal(t, alice.ID, view.Membership.MemberID)
	assert.Nil(t, view.Membership.LastSeenMessageID)
	require.NotNil(t, view.OtherMember)
	assert.Equal(t, bob.ID, view.OtherMember.ID)
	assert.Equal(t, models.RoleTeacher, view.OtherMember.Role)
	assert.Equal(t, "bob", view.OtherMember.DisplayName)
	assert.Nil(t, view.OtherMember.LastSeenMessageID)

	_, err = f.conversations.Get(ctx, conv.ID, ext(carol))
	assert.ErrorIs(t, err, ErrNotMember)
	_, err = f.conversations.Get(ctx, conv.ID+99, ext(alice))
	assert.ErrorIs(t, err, ErrConversationNotFound)
	_, err = f.conversations.Get(ctx, conv.ID, "ext-ghost")
	assert.ErrorIs(t, err, ErrUnauthenticated)
}

func TestCreateGroup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	admin := f.addUser(t, models.RoleAdmin, "root")
	alice := f.addUser(t, models.RoleStudent, "alice")
	bob := f.addUser(t, models.RoleTeacher, "bob")
	carol := f.addUser(t, models.RoleParent, "carol")

	_, err := f.conversations.CreateGroup(ctx, ext(admin), []string{alice.ID}, "  ")
	assert.ErrorIs(t, err, ErrGroupNameRequired)
	_, err = f.conversations.CreateGroup(ctx, ext(admin), []string{admin.ID}, "solo")
	assert.ErrorIs(t, err, ErrGroupTooSmall)
	_, err = f.conversations.CreateGroup(ctx, ext(admin), []string{alice.ID, "missing"}, "class")
	assert.ErrorIs(t, err, ErrMemberNotFound)

	conv, err := f.conversations.CreateGroup(ctx, ext(admin), []string{alice.ID, bob.ID, carol.ID, alice.ID}, "Class 3A")
	require.NoError(t, err)
	assert.True(t, conv.IsGroup)
	assert.Equal(t, "Class 3A", conv.Name)

	members, err := f.conversations.ListMembers(ctx, conv.ID, ext(bob))
	require.NoError(t, err)
	require.Len(t, members, 4)
	assert.Equal(t, admin.ID, members[0].ID)
	assert.Equal(t, models.RoleAdmin, members[0].Role)

	view, err := f.conversations.Get(ctx, conv.ID, ext(carol))
	require.NoError(t, err)
	assert.Nil(t, view.OtherMember)
}

func TestMarkReadConcurrentConvergesOnNewest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.addUser(t, models.RoleStudent, "alice")
	bob := f.addUser(t, models.RoleTeacher, "bob")
	conv, err := f.conversations.CreateDirect(ctx, alice.Ref(), bob.Ref())
	require.NoError(t, err)

	// 每个调用者最多被其余调用者抢先 n-1 次，小于重试上限
	const n = markReadAttempts
	ids := make([]uint, n)
	for i := range ids {
		m, err := f.messages.Send(ctx, conv.ID, ext(bob), models.TextMessageType, fmt.Sprintf("m%d", i))
		require.NoError(t, err)
		ids[i] = m.ID
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.conversations.MarkRead(ctx, conv.ID, ext(alice), ids[i])
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		assert.NoError(t, err)
	}

	membership, err := f.convoRepo.GetMembership(ctx, conv.ID, alice.ID)
	require.NoError(t, err)
	require.NotNil(t, membership.LastSeenMessageID)
	assert.Equal(t, ids[n-1], *membership.LastSeenMessageID)

	unread, err := f.conversations.ListForUser(ctx, ext(alice))
	require.NoError(t, err)
	require.Len(t, unread, 1)
	assert.EqualValues(t, 0, unread[0].UnreadCount)
}

func TestMarkReadLogsMemberLookupFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.addUser(t, models.RoleStudent, "alice")
	bob := f.addUser(t, models.RoleTeacher, "bob")
	conv, err := f.conversations.CreateDirect(ctx, alice.Ref(), bob.Ref())
	require.NoError(t, err)
	m, err := f.messages.Send(ctx, conv.ID, ext(bob), models.TextMessageType, "hi")
	require.NoError(t, err)

	core, logs := observer.New(zapcore.WarnLevel)
	conversations := NewConversationService(f.db, f.directory, failingMembershipList{f.convoRepo},
		storage.NewGormMessageRepository(f.db), f.pub, zap.New(core))

	f.pub.reset()
	moved, err := conversations.MarkRead(ctx, conv.ID, ext(alice), m.ID)
	require.NoError(t, err)
	assert.True(t, moved)
	assert.ElementsMatch(t,
		[]string{livequery.ConversationsKey(alice.ID), livequery.ConversationKey(conv.ID)},
		f.pub.published())
	require.Equal(t, 1, logs.Len())
	assert.EqualValues(t, conv.ID, logs.All()[0].ContextMap()["conversationId"])
}

func TestMarkReadIsMonotonic(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.addUser(t, models.RoleStudent, "alice")
	bob := f.addUser(t, models.RoleTeacher, "bob")
	conv, err := f.conversations.CreateDirect(ctx, alice.Ref(), bob.Ref())
	require.NoError(t, err)

	m1, err := f.messages.Send(ctx, conv.ID, ext(bob), "", "hi")
	require.NoError(t, err)
	m2, err := f.messages.Send(ctx, conv.ID, ext(bob), models.TextMessageType, "are you there?")
	require.NoError(t, err)

	f.pub.reset()
	moved, err := f.conversations.MarkRead(ctx, conv.ID, ext(alice), m2.ID)
	require.NoError(t, err)
	assert.True(t, moved)
	assert.Contains(t, f.pub.published(), livequery.ConversationsKey(bob.ID))

	moved, err = f.conversations.MarkRead(ctx, conv.ID, ext(alice), m2.ID)
	require.NoError(t, err)
	assert.False(t, moved)

	moved, err = f.conversations.MarkRead(ctx, conv.ID, ext(alice), m1.ID)
	require.NoError(t, err)
	assert.False(t, moved)

	view, err := f.conversations.Get(ctx, conv.ID, ext(alice))
	require.NoError(t, err)
	require.NotNil(t, view.Membership.LastSeenMessageID)
	assert.Equal(t, m2.ID, *view.Membership.LastSeenMessageID)

	bobView, err := f.conversations.Get(ctx, conv.ID, ext(bob))
	require.NoError(t, err)
	require.NotNil(t, bobView.OtherMember.LastSeenMessageID)
	assert.Equal(t, m2.ID, *bobView.OtherMember.LastSeenMessageID)

	_, err = f.conversations.MarkRead(ctx, conv.ID, ext(alice), m2.ID+100)
	assert.ErrorIs(t, err, ErrMessageNotFound)
}

func TestListForUserUnreadCounts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.addUser(t, models.RoleStudent, "alice")
	bob := f.addUser(t, models.RoleTeacher, "bob")
	conv, err := f.conversations.CreateDirect(ctx, alice.Ref(), bob.Ref())
	require.NoError(t, err)

	m1, err := f.messages.Send(ctx, conv.ID, ext(bob), "", "one")
	require.NoError(t, err)
	_, err = f.messages.Send(ctx, conv.ID, ext(bob), "", "two")
	require.NoError(t, err)
	last, err := f.messages.Send(ctx, conv.ID, ext(alice), "", "mine")
	require.NoError(t, err)

	summaries, err := f.conversations.ListForUser(ctx, ext(alice))
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.EqualValues(t, 2, summaries[0].UnreadCount)
	require.NotNil(t, summaries[0].LastMessage)
	assert.Equal(t, last.ID, summaries[0].LastMessage.ID)

	_, err = f.conversations.MarkRead(ctx, conv.ID, ext(alice), m1.ID)
	require.NoError(t, err)
	summaries, err = f.conversations.ListForUser(ctx, ext(alice))
	require.NoError(t, err)
	assert.EqualValues(t, 1, summaries[0].UnreadCount)

	bobSummaries, err := f.conversations.ListForUser(ctx, ext(bob))
	require.NoError(t, err)
	assert.EqualValues(t, 1, bobSummaries[0].UnreadCount)
}

func TestListForUserOrdersByActivity(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.addUser(t, models.RoleStudent, "alice")
	bob := f.addUser(t, models.RoleTeacher, "bob")
	carol := f.addUser(t, models.RoleParent, "carol")

	first, err := f.conversations.CreateDirect(ctx, alice.Ref(), bob.Ref())
	require.NoError(t, err)
	second, err := f.conversations.CreateDirect(ctx, alice.Ref(), carol.Ref())
	require.NoError(t, err)

	summaries, err := f.conversations.ListForUser(ctx, ext(alice))
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, second.ID, summaries[0].ID)

	_, err = f.messages.Send(ctx, first.ID, ext(bob), "", "bump")
	require.NoError(t, err)
	summaries, err = f.conversations.ListForUser(ctx, ext(alice))
	require.NoError(t, err)
	assert.Equal(t, first.ID, summaries[0].ID)
}

func TestDeleteConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.addUser(t, models.RoleStudent, "alice")
	bob := f.addUser(t, models.RoleTeacher, "bob")
	carol := f.addUser(t, models.RoleParent, "carol")

	group, err := f.conversations.CreateGroup(ctx, ext(alice), []string{bob.ID, carol.ID}, "parents")
	require.NoError(t, err)
	_, err = f.messages.Send(ctx, group.ID, ext(bob), "", "hello")
	require.NoError(t, err)

	assert.ErrorIs(t, f.conversations.DeleteConversation(ctx, group.ID, ext(bob)), ErrNotConversationOwner)

	f.pub.reset()
	require.NoError(t, f.conversations.DeleteConversation(ctx, group.ID, ext(alice)))
	assert.Contains(t, f.pub.published(), livequery.ConversationsKey(carol.ID))
	assert.Contains(t, f.pub.published(), livequery.MessagesKey(group.ID))

	var memberships, messages int64
	require.NoError(t, f.db.Model(&models.Membership{}).Where("conversation_id = ?", group.ID).Count(&memberships).Error)
	require.NoError(t, f.db.Model(&models.Message{}).Where("conversation_id = ?", group.ID).Count(&messages).Error)
	assert.Zero(t, memberships)
	assert.Zero(t, messages)

	_, err = f.conversations.Get(ctx, group.ID, ext(alice))
	assert.ErrorIs(t, err, ErrConversationNotFound)

	// 私聊删除后可以重新创建
	direct, err := f.conversations.CreateDirect(ctx, alice.Ref(), bob.Ref())
	require.NoError(t, err)
	require.NoError(t, f.conversations.DeleteConversation(ctx, direct.ID, ext(bob)))
	_, err = f.conversations.CreateDirect(ctx, alice.Ref(), bob.Ref())
	assert.NoError(t, err)
}
