package services

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"school-im/internal/livequery"
	"school-im/internal/models"
	"school-im/internal/storage"
)

// stalePendingRepo 让下一次 FindPendingByPair 看不到已有的待处理请求，
// 模拟并发写入者在预检查之后才提交。
type stalePendingRepo struct {
	storage.FriendRequestRepository
	stale atomic.Bool
}

func (r *stalePendingRepo) FindPendingByPair(ctx context.Context, pairKey string) (*models.FriendRequest, error) {
	if r.stale.CompareAndSwap(true, false) {
		return nil, nil
	}
	return r.FriendRequestRepository.FindPendingByPair(ctx, pairKey)
}

// hideNextConversationLookup 让下一次查询 conversations 表的语句查不到任何行。
func hideNextConversationLookup(t *testing.T, db *gorm.DB) *atomic.Bool {
	t.Helper()
	armed := &atomic.Bool{}
	err := db.Callback().Query().Before("gorm:query").Register("test:hide_conversation_lookup", func(d *gorm.DB) {
		if d.Statement.Table == "conversations" && armed.CompareAndSwap(true, false) {
			d.Statement.AddClause(clause.Where{Exprs: []clause.Expression{clause.Expr{SQL: "1 = 0"}}})
		}
	})
	require.NoError(t, err)
	return armed
}

func TestFriendRequestCreateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.addUser(t, models.RoleStudent, "alice")
	bob := f.addUser(t, models.RoleTeacher, "bob")

	_, err := f.requests.Create(ctx, "ext-ghost", "bob")
	assert.ErrorIs(t, err, ErrUnauthenticated)

	_, err = f.requests.Create(ctx, ext(alice), "nobody")
	assert.ErrorIs(t, err, ErrReceiverNotFound)

	_, err = f.requests.Create(ctx, ext(alice), "alice")
	assert.ErrorIs(t, err, ErrSelfRequest)

	id, err := f.requests.Create(ctx, ext(alice), "bob")
	require.NoError(t, err)
	assert.NotZero(t, id)
	assert.ElementsMatch(t, livequery.RequestKeys(bob.ID), f.pub.published())

	_, err = f.requests.Create(ctx, ext(alice), "bob")
	assert.ErrorIs(t, err, ErrDuplicateRequest)

	_, err = f.requests.Create(ctx, ext(bob), "alice")
	assert.ErrorIs(t, err, ErrAlreadyReceived)
}

func TestFriendRequestListsAndCount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.addUser(t, models.RoleStudent, "alice")
	bob := f.addUser(t, models.RoleTeacher, "bob")
	f.addUser(t, models.RoleParent, "carol")

	_, err := f.requests.Create(ctx, ext(alice), "bob")
	require.NoError(t, err)
	_, err = f.requests.Create(ctx, "ext-carol", "bob")
	require.NoError(t, err)

	count, err := f.requests.Count(ctx, ext(bob))
	require.NoError(t, err)
	assert.EqualValues(t, 2, count)

	incoming, err := f.requests.ListIncoming(ctx, ext(bob))
	require.NoError(t, err)
	require.Len(t, incoming, 2)
	assert.Equal(t, "alice", incoming[0].Sender.DisplayName)
	assert.Equal(t, models.RoleStudent, incoming[0].Sender.Role)
	assert.Equal(t, "carol", incoming[1].Sender.DisplayName)

	outgoing, err := f.requests.ListOutgoing(ctx, ext(alice))
	require.NoError(t, err)
	require.Len(t, outgoing, 1)
	assert.Equal(t, bob.ID, outgoing[0].Receiver.ID)

	count, err = f.requests.Count(ctx, ext(alice))
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestFriendRequestAcceptCreatesSingleDirectConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.addUser(t, models.RoleStudent, "alice")
	bob := f.addUser(t, models.RoleTeacher, "bob")

	id, err := f.requests.Create(ctx, ext(alice), "bob")
	require.NoError(t, err)

	_, err = f.requests.Respond(ctx, ext(alice), id, models.DecisionAccept)
	assert.ErrorIs(t, err, ErrNotReceiver)
	_, err = f.requests.Respond(ctx, ext(bob), id, models.Decision("later"))
	assert.ErrorIs(t, err, ErrInvalidDecision)
	_, err = f.requests.Respond(ctx, ext(bob), id+100, models.DecisionAccept)
	assert.ErrorIs(t, err, ErrRequestNotFound)

	f.pub.reset()
	result, err := f.requests.Respond(ctx, ext(bob), id, models.DecisionAccept)
	require.NoError(t, err)
	assert.Equal(t, models.FriendRequestStatusAccepted, result.Request.Status)
	assert.NotNil(t, result.Request.RespondedAt)
	require.NotNil(t, result.Conversation)
	assert.False(t, result.Conversation.IsGroup)
	assert.Contains(t, f.pub.published(), livequery.ConversationsKey(alice.ID))
	assert.Contains(t, f.pub.published(), livequery.RequestCountKey(bob.ID))

	_, err = f.requests.Respond(ctx, ext(bob), id, models.DecisionAccept)
	assert.ErrorIs(t, err, ErrInvalidTransition)
	_, err = f.requests.Respond(ctx, ext(bob), id, models.DecisionReject)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	aliceConvos, err := f.conversations.ListForUser(ctx, ext(alice))
	require.NoError(t, err)
	require.Len(t, aliceConvos, 1)
	assert.Equal(t, result.Conversation.ID, aliceConvos[0].ID)
	require.NotNil(t, aliceConvos[0].OtherMember)
	assert.Equal(t, bob.ID, aliceConvos[0].OtherMember.ID)

	// 接受后再次请求并接受，复用同一个私聊会话
	id2, err := f.requests.Create(ctx, ext(bob), "alice")
	require.NoError(t, err)
	result2, err := f.requests.Respond(ctx, ext(alice), id2, models.DecisionAccept)
	require.NoError(t, err)
	assert.Equal(t, result.Conversation.ID, result2.Conversation.ID)

	var n int64
	require.NoError(t, f.db.Model(&models.Conversation{}).Count(&n).Error)
	assert.EqualValues(t, 1, n)
}

func TestFriendRequestRejectAllowsNewRequest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.addUser(t, models.RoleStudent, "alice")
	bob := f.addUser(t, models.RoleTeacher, "bob")

	id, err := f.requests.Create(ctx, ext(alice), "bob")
	require.NoError(t, err)
	result, err := f.requests.Respond(ctx, ext(bob), id, models.DecisionReject)
	require.NoError(t, err)
	assert.Equal(t, models.FriendRequestStatusRejected, result.Request.Status)
	assert.Nil(t, result.Conversation)

	incoming, err := f.requests.ListIncoming(ctx, ext(bob))
	require.NoError(t, err)
	assert.Empty(t, incoming)

	convos, err := f.conversations.ListForUser(ctx, ext(alice))
	require.NoError(t, err)
	assert.Empty(t, convos)

	id2, err := f.requests.Create(ctx, ext(alice), "bob")
	require.NoError(t, err)
	assert.NotEqual(t, id, id2)
}

func TestFriendRequestConcurrentRespondSingleWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.addUser(t, models.RoleStudent, "alice")
	bob := f.addUser(t, models.RoleTeacher, "bob")
	id, err := f.requests.Create(ctx, ext(alice), "bob")
	require.NoError(t, err)

	const workers = 4
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			decision := models.DecisionAccept
			if i%2 == 1 {
				decision = models.DecisionReject
			}
			_, errs[i] = f.requests.Respond(ctx, ext(bob), id, decision)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.ErrorIs(t, err, ErrInvalidTransition)
	}
	assert.Equal(t, 1, succeeded)
}

func TestFriendRequestCreateUniqueConflictFallback(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.addUser(t, models.RoleStudent, "alice")
	f.addUser(t, models.RoleTeacher, "bob")

	repo := &stalePendingRepo{FriendRequestRepository: storage.NewGormFriendRequestRepository(f.db)}
	requests := NewFriendRequestService(f.db, f.directory, repo, f.pub, nil)

	_, err := requests.Create(ctx, ext(alice), "bob")
	require.NoError(t, err)

	repo.stale.Store(true)
	_, err = requests.Create(ctx, ext(alice), "bob")
	assert.ErrorIs(t, err, ErrDuplicateRequest)
	assert.False(t, repo.stale.Load())

	repo.stale.Store(true)
	_, err = requests.Create(ctx, "ext-bob", "alice")
	assert.ErrorIs(t, err, ErrAlreadyReceived)

	var n int64
	require.NoError(t, f.db.Model(&models.FriendRequest{}).Count(&n).Error)
	assert.EqualValues(t, 1, n)
}

func TestFriendRequestConcurrentOppositeCreate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for round := 0; round < 10; round++ {
		a := f.addUser(t, models.RoleStudent, fmt.Sprintf("a%d", round))
		b := f.addUser(t, models.RoleParent, fmt.Sprintf("b%d", round))

		var wg sync.WaitGroup
		errs := make([]error, 2)
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, errs[0] = f.requests.Create(ctx, ext(a), b.Username)
		}()
		go func() {
			defer wg.Done()
			_, errs[1] = f.requests.Create(ctx, ext(b), a.Username)
		}()
		wg.Wait()

		succeeded := 0
		for _, err := range errs {
			if err == nil {
				succeeded++
				continue
			}
			assert.ErrorIs(t, err, ErrAlreadyReceived)
		}
		assert.Equal(t, 1, succeeded, "round %d", round)

		countA, err := f.requests.Count(ctx, ext(a))
		require.NoError(t, err)
		countB, err := f.requests.Count(ctx, ext(b))
		require.NoError(t, err)
		assert.EqualValues(t, 1, countA+countB, "round %d", round)
	}
}

func TestFriendRequestAcceptReusesDirectOnUniqueConflict(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	alice := f.addUser(t, models.RoleStudent, "alice")
	bob := f.addUser(t, models.RoleTeacher, "bob")

	existing, err := f.conversations.CreateDirect(ctx, alice.Ref(), bob.Ref())
	require.NoError(t, err)
	id, err := f.requests.Create(ctx, ext(alice), "bob")
	require.NoError(t, err)

	hidden := hideNextConversationLookup(t, f.db)
	hidden.Store(true)
	result, err := f.requests.Respond(ctx, ext(bob), id, models.DecisionAccept)
	require.NoError(t, err)
	assert.False(t, hidden.Load())
	require.NotNil(t, result.Conversation)
	assert.Equal(t, existing.ID, result.Conversation.ID)
	assert.Equal(t, models.FriendRequestStatusAccepted, result.Request.Status)

	var convos, memberships int64
	require.NoError(t, f.db.Model(&models.Conversation{}).Count(&convos).Error)
	require.NoError(t, f.db.Model(&models.Membership{}).Count(&memberships).Error)
	assert.EqualValues(t, 1, convos)
	assert.EqualValues(t, 2, memberships)
}
