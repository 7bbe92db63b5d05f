package repository

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"chat-system/internal/model"
	"chat-system/pkg/db"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	orm, err := db.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := orm.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return orm
}

func seedUsers(t *testing.T, orm *gorm.DB, names ...string) []*model.User {
	t.Helper()
	repo := NewUserRepository(orm)
	users := make([]*model.User, 0, len(names))
	for _, name := range names {
		u := &model.User{Username: name, Email: name + "@example.com", PasswordHash: "x"}
		require.NoError(t, repo.Create(context.Background(), u))
		users = append(users, u)
	}
	return users
}

func TestResolveDirect_Symmetric(t *testing.T) {
	orm := newTestDB(t)
	users := seedUsers(t, orm, "alice", "bob")
	repo := NewConversationRepository(orm)
	ctx := context.Background()

	first, created, err := repo.ResolveDirect(ctx, users[1].ID, users[0].ID)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, users[0].ID, *first.User1ID, "smaller id is stored first")
	assert.Equal(t, users[1].ID, *first.User2ID)

	second, created, err := repo.ResolveDirect(ctx, users[0].ID, users[1].ID)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
}

func TestResolveDirect_Self(t *testing.T) {
	orm := newTestDB(t)
	users := seedUsers(t, orm, "alice")
	repo := NewConversationRepository(orm)

	_, _, err := repo.ResolveDirect(context.Background(), users[0].ID, users[0].ID)
	assert.ErrorIs(t, err, ErrSelfConversation)
}

func TestResolveDirect_Concurrent(t *testing.T) {
	orm := newTestDB(t)
	users := seedUsers(t, orm, "alice", "bob")
	repo := NewConversationRepository(orm)

	const workers = 16
	ids := make(chan uint, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := users[0].ID, users[1].ID
			if i%2 == 1 {
				a, b = b, a
			}
			conv, _, err := repo.ResolveDirect(context.Background(), a, b)
			if assert.NoError(t, err) {
				ids <- conv.ID
			}
		}(i)
	}
	wg.Wait()
	close(ids)

	seen := map[uint]struct{}{}
	for id := range ids {
		seen[id] = struct{}{}
	}
	assert.Len(t, seen, 1)

	var count int64
	require.NoError(t, orm.Model(&model.Conversation{}).Where("type = ?", model.ConversationDirect).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestAppendMessage_DirectCounters(t *testing.T) {
	orm := newTestDB(t)
	users := seedUsers(t, orm, "alice", "bob")
	alice, bob := users[0], users[1]
	repo := NewConversationRepository(orm)
	ctx := context.Background()

	conv, _, err := repo.ResolveDirect(ctx, alice.ID, bob.ID)
	require.NoError(t, err)

	msg, err := repo.AppendMessage(ctx, conv, alice.ID, "hello")
	require.NoError(t, err)
	dm, ok := msg.(*model.DirectMessage)
	require.True(t, ok)
	assert.Equal(t, bob.ID, dm.ReceiverID)
	assert.Equal(t, "hello", model.BodyOf(msg))

	unreadBob, err := repo.UnreadCount(ctx, conv.ID, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, uint(1), unreadBob)

	unreadAlice, err := repo.UnreadCount(ctx, conv.ID, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, uint(0), unreadAlice, "sender counter never moves")

	stored, err := repo.GetByID(ctx, conv.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello", stored.LastMessage)
	require.NotNil(t, stored.LastMessageSenderID)
	assert.Equal(t, alice.ID, *stored.LastMessageSenderID)
	require.NotNil(t, stored.LastMessageTime)
	assert.True(t, stored.LastMessageTime.Equal(msg.SentAt()))
}

func TestAppendMessage_ConcurrentIncrements(t *testing.T) {
	orm := newTestDB(t)
	users := seedUsers(t, orm, "alice", "bob")
	repo := NewConversationRepository(orm)
	ctx := context.Background()

	conv, _, err := repo.ResolveDirect(ctx, users[0].ID, users[1].ID)
	require.NoError(t, err)

	const n = 20
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := repo.AppendMessage(ctx, conv, users[0].ID, fmt.Sprintf("m%d", i))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	unread, err := repo.UnreadCount(ctx, conv.ID, users[1].ID)
	require.NoError(t, err)
	assert.Equal(t, uint(n), unread)
}

func TestAppendMessage_TimestampsNeverGoBack(t *testing.T) {
	orm := newTestDB(t)
	users := seedUsers(t, orm, "alice", "bob")
	repo := NewConversationRepository(orm)
	ctx := context.Background()

	conv, _, err := repo.ResolveDirect(ctx, users[0].ID, users[1].ID)
	require.NoError(t, err)

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	repo.now = func() time.Time { return base }
	first, err := repo.AppendMessage(ctx, conv, users[0].ID, "one")
	require.NoError(t, err)

	// 时钟回拨
	repo.now = func() time.Time { return base.Add(-time.Minute) }
	second, err := repo.AppendMessage(ctx, conv, users[1].ID, "two")
	require.NoError(t, err)

	assert.False(t, second.SentAt().Before(first.SentAt()))
}

func TestAppendMessage_NonParticipant(t *testing.T) {
	orm := newTestDB(t)
	users := seedUsers(t, orm, "alice", "bob", "carol")
	repo := NewConversationRepository(orm)
	ctx := context.Background()

	conv, _, err := repo.ResolveDirect(ctx, users[0].ID, users[1].ID)
	require.NoError(t, err)

	_, err = repo.AppendMessage(ctx, conv, users[2].ID, "intrude")
	assert.ErrorIs(t, err, ErrNotParticipant)
}

func TestMarkRead_DirectIdempotent(t *testing.T) {
	orm := newTestDB(t)
	users := seedUsers(t, orm, "alice", "bob")
	alice, bob := users[0], users[1]
	repo := NewConversationRepository(orm)
	ctx := context.Background()

	conv, _, err := repo.ResolveDirect(ctx, alice.ID, bob.ID)
	require.NoError(t, err)

	m1, err := repo.AppendMessage(ctx, conv, alice.ID, "one")
	require.NoError(t, err)
	m2, err := repo.AppendMessage(ctx, conv, alice.ID, "two")
	require.NoError(t, err)
	own, err := repo.AppendMessage(ctx, conv, bob.ID, "mine")
	require.NoError(t, err)

	ids := []uint{m1.MessageID(), m2.MessageID(), own.MessageID()}
	marked, err := repo.MarkRead(ctx, conv, bob.ID, ids)
	require.NoError(t, err)
	assert.Equal(t, int64(2), marked, "own messages are not marked")

	unread, err := repo.UnreadCount(ctx, conv.ID, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, uint(0), unread)

	marked, err = repo.MarkRead(ctx, conv, bob.ID, ids)
	require.NoError(t, err)
	assert.Equal(t, int64(0), marked)

	unread, err = repo.UnreadCount(ctx, conv.ID, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, uint(1), unread, "reader's mark does not touch the other counter")

	var stored model.DirectMessage
	require.NoError(t, orm.First(&stored, own.MessageID()).Error)
	assert.False(t, stored.IsRead)
}

func TestGroupFlow(t *testing.T) {
	orm := newTestDB(t)
	users := seedUsers(t, orm, "alice", "bob", "carol")
	alice, bob, carol := users[0], users[1], users[2]
	repo := NewConversationRepository(orm)
	ctx := context.Background()

	conv, err := repo.CreateGroup(ctx, "team", alice.ID, []uint{bob.ID, carol.ID, bob.ID})
	require.NoError(t, err)

	members, err := repo.ParticipantIDs(ctx, conv)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint{alice.ID, bob.ID, carol.ID}, members)

	_, err = repo.CreateGroup(ctx, "team", bob.ID, []uint{carol.ID})
	assert.ErrorIs(t, err, ErrGroupNameTaken)

	msg, err := repo.AppendMessage(ctx, conv, alice.ID, "hi all")
	require.NoError(t, err)
	_, ok := msg.(*model.GroupMessage)
	require.True(t, ok)

	for _, u := range []*model.User{bob, carol} {
		n, err := repo.UnreadCount(ctx, conv.ID, u.ID)
		require.NoError(t, err)
		assert.Equal(t, uint(1), n)
	}
	n, err := repo.UnreadCount(ctx, conv.ID, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, uint(0), n)

	marked, err := repo.MarkRead(ctx, conv, bob.ID, []uint{msg.MessageID()})
	require.NoError(t, err)
	assert.Equal(t, int64(1), marked)
	marked, err = repo.MarkRead(ctx, conv, bob.ID, []uint{msg.MessageID()})
	require.NoError(t, err)
	assert.Equal(t, int64(0), marked)

	readers, err := repo.GroupReaders(ctx, msg.MessageID())
	require.NoError(t, err)
	assert.Equal(t, []uint{bob.ID}, readers)

	total, err := repo.TotalUnread(ctx, carol.ID)
	require.NoError(t, err)
	assert.Equal(t, uint(1), total)

	require.NoError(t, repo.RemoveParticipant(ctx, conv, carol.ID))
	assert.ErrorIs(t, repo.RemoveParticipant(ctx, conv, carol.ID), ErrNotParticipant)
	_, err = repo.AppendMessage(ctx, conv, carol.ID, "gone")
	assert.ErrorIs(t, err, ErrNotParticipant)

	require.NoError(t, repo.DeleteGroup(ctx, conv))
	_, err = repo.GetByID(ctx, conv.ID)
	assert.ErrorIs(t, err, ErrConversationNotFound)
}

func TestDeleteMessage_SenderOnly(t *testing.T) {
	orm := newTestDB(t)
	users := seedUsers(t, orm, "alice", "bob")
	alice, bob := users[0], users[1]
	repo := NewConversationRepository(orm)
	ctx := context.Background()

	conv, _, err := repo.ResolveDirect(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	msg, err := repo.AppendMessage(ctx, conv, alice.ID, "oops")
	require.NoError(t, err)

	err = repo.DeleteMessage(ctx, conv, msg.MessageID(), bob.ID)
	assert.ErrorIs(t, err, ErrMessageNotFound)

	require.NoError(t, repo.DeleteMessage(ctx, conv, msg.MessageID(), alice.ID))
	unread, err := repo.UnreadCount(ctx, conv.ID, bob.ID)
	require.NoError(t, err)
	assert.Equal(t, uint(0), unread)

	msgs, err := repo.ListMessages(ctx, conv, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

// requireUnread 逐个校验成员的未读数
func requireUnread(t *testing.T, repo *ConversationRepository, convID uint, want map[*model.User]uint) {
	t.Helper()
	for u, n := range want {
		got, err := repo.UnreadCount(context.Background(), convID, u.ID)
		require.NoError(t, err)
		assert.Equal(t, n, got, "unread count of %s", u.Username)
	}
}

func TestDeleteMessage_MemberAddedLaterKeepsCount(t *testing.T) {
	orm := newTestDB(t)
	users := seedUsers(t, orm, "alice", "bob", "dave")
	alice, bob, dave := users[0], users[1], users[2]
	repo := NewConversationRepository(orm)
	ctx := context.Background()

	conv, err := repo.CreateGroup(ctx, "crew", alice.ID, []uint{bob.ID})
	require.NoError(t, err)

	m1, err := repo.AppendMessage(ctx, conv, alice.ID, "before dave")
	require.NoError(t, err)
	require.NoError(t, repo.AddParticipants(ctx, conv, []uint{dave.ID}))
	requireUnread(t, repo, conv.ID, map[*model.User]uint{bob: 1, dave: 0})

	_, err = repo.AppendMessage(ctx, conv, alice.ID, "after dave")
	require.NoError(t, err)
	requireUnread(t, repo, conv.ID, map[*model.User]uint{bob: 2, dave: 1})

	require.NoError(t, repo.DeleteMessage(ctx, conv, m1.MessageID(), alice.ID))
	requireUnread(t, repo, conv.ID, map[*model.User]uint{alice: 0, bob: 1, dave: 1})
}

func TestDeleteMessage_DirectAfterPartialMarkRead(t *testing.T) {
	orm := newTestDB(t)
	users := seedUsers(t, orm, "alice", "bob")
	alice, bob := users[0], users[1]
	repo := NewConversationRepository(orm)
	ctx := context.Background()

	conv, _, err := repo.ResolveDirect(ctx, alice.ID, bob.ID)
	require.NoError(t, err)

	m1, err := repo.AppendMessage(ctx, conv, alice.ID, "one")
	require.NoError(t, err)
	m2, err := repo.AppendMessage(ctx, conv, alice.ID, "two")
	require.NoError(t, err)

	// 只标记较新的一条，计数仍整体清零
	marked, err := repo.MarkRead(ctx, conv, bob.ID, []uint{m2.MessageID()})
	require.NoError(t, err)
	assert.Equal(t, int64(1), marked)
	requireUnread(t, repo, conv.ID, map[*model.User]uint{bob: 0})

	m3, err := repo.AppendMessage(ctx, conv, alice.ID, "three")
	require.NoError(t, err)
	requireUnread(t, repo, conv.ID, map[*model.User]uint{bob: 1})

	require.NoError(t, repo.DeleteMessage(ctx, conv, m1.MessageID(), alice.ID))
	requireUnread(t, repo, conv.ID, map[*model.User]uint{alice: 0, bob: 1})

	require.NoError(t, repo.DeleteMessage(ctx, conv, m3.MessageID(), alice.ID))
	requireUnread(t, repo, conv.ID, map[*model.User]uint{alice: 0, bob: 0})
}

func TestGroupCounters_InterleavedSendersAndReads(t *testing.T) {
	orm := newTestDB(t)
	users := seedUsers(t, orm, "alice", "bob", "carol", "dave")
	alice, bob, carol, dave := users[0], users[1], users[2], users[3]
	repo := NewConversationRepository(orm)
	ctx := context.Background()

	conv, err := repo.CreateGroup(ctx, "squad", alice.ID, []uint{bob.ID, carol.ID, dave.ID})
	require.NoError(t, err)

	send := func(u *model.User, body string) model.Message {
		t.Helper()
		msg, err := repo.AppendMessage(ctx, conv, u.ID, body)
		require.NoError(t, err)
		return msg
	}

	a1 := send(alice, "a1")
	requireUnread(t, repo, conv.ID, map[*model.User]uint{alice: 0, bob: 1, carol: 1, dave: 1})

	b1 := send(bob, "b1")
	requireUnread(t, repo, conv.ID, map[*model.User]uint{alice: 1, bob: 1, carol: 2, dave: 2})

	marked, err := repo.MarkRead(ctx, conv, carol.ID, []uint{a1.MessageID()})
	require.NoError(t, err)
	assert.Equal(t, int64(1), marked)
	requireUnread(t, repo, conv.ID, map[*model.User]uint{alice: 1, bob: 1, carol: 0, dave: 2})

	send(carol, "c1")
	requireUnread(t, repo, conv.ID, map[*model.User]uint{alice: 2, bob: 2, carol: 0, dave: 3})

	marked, err = repo.MarkAllRead(ctx, conv, dave.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), marked)
	requireUnread(t, repo, conv.ID, map[*model.User]uint{alice: 2, bob: 2, carol: 0, dave: 0})

	a2 := send(alice, "a2")
	requireUnread(t, repo, conv.ID, map[*model.User]uint{alice: 2, bob: 3, carol: 1, dave: 1})

	// 只提交自己的消息也会清零
	marked, err = repo.MarkRead(ctx, conv, bob.ID, []uint{b1.MessageID()})
	require.NoError(t, err)
	assert.Equal(t, int64(0), marked)
	requireUnread(t, repo, conv.ID, map[*model.User]uint{alice: 2, bob: 0, carol: 1, dave: 1})

	// a1 已不在任何人的计数中
	require.NoError(t, repo.DeleteMessage(ctx, conv, a1.MessageID(), alice.ID))
	requireUnread(t, repo, conv.ID, map[*model.User]uint{alice: 2, bob: 0, carol: 1, dave: 1})

	// a2 只计入 carol 与 dave
	require.NoError(t, repo.DeleteMessage(ctx, conv, a2.MessageID(), alice.ID))
	requireUnread(t, repo, conv.ID, map[*model.User]uint{alice: 2, bob: 0, carol: 0, dave: 0})

	send(bob, "b2")
	requireUnread(t, repo, conv.ID, map[*model.User]uint{alice: 3, bob: 0, carol: 1, dave: 1})

	total, err := repo.TotalUnread(ctx, alice.ID)
	require.NoError(t, err)
	assert.Equal(t, uint(3), total)
}

func TestListForUser_OrderedByLastMessage(t *testing.T) {
	orm := newTestDB(t)
	users := seedUsers(t, orm, "alice", "bob", "carol")
	alice, bob, carol := users[0], users[1], users[2]
	repo := NewConversationRepository(orm)
	ctx := context.Background()

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	withBob, _, err := repo.ResolveDirect(ctx, alice.ID, bob.ID)
	require.NoError(t, err)
	group, err := repo.CreateGroup(ctx, "trio", carol.ID, []uint{alice.ID, bob.ID})
	require.NoError(t, err)

	repo.now = func() time.Time { return base }
	_, err = repo.AppendMessage(ctx, withBob, bob.ID, "older")
	require.NoError(t, err)
	repo.now = func() time.Time { return base.Add(time.Second) }
	_, err = repo.AppendMessage(ctx, group, carol.ID, "newer")
	require.NoError(t, err)

	list, err := repo.ListForUser(ctx, alice.ID)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, group.ID, list[0].ConversationID)
	assert.Equal(t, "trio", list[0].Name)
	assert.Equal(t, withBob.ID, list[1].ConversationID)
	assert.Equal(t, bob.ID, list[1].OtherUserID)
	assert.Equal(t, uint(1), list[1].UnreadCount)
}
