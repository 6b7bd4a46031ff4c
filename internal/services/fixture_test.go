package services

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"school-im/internal/config"
	"school-im/internal/models"
	"school-im/internal/storage"
)

// recordingPublisher 记录所有发布过的失效键。
type recordingPublisher struct {
	mu   sync.Mutex
	keys []string
}

func (p *recordingPublisher) Publish(_ context.Context, keys ...string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, keys...)
	return nil
}

func (p *recordingPublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.keys...)
}

func (p *recordingPublisher) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = nil
}

type fixture struct {
	db            *gorm.DB
	pub           *recordingPublisher
	directory     DirectoryService
	requests      FriendRequestService
	conversations ConversationService
	messages      MessageService
	convoRepo     storage.ConversationRepository
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := storage.InitDB(config.DatabaseConfig{
		Type:     "sqlite",
		Path:     "file:" + uuid.NewString() + "?mode=memory&cache=shared",
		LogLevel: "silent",
	})
	require.NoError(t, err)
	require.NoError(t, storage.AutoMigrateTables(db))
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})
	return db
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := newTestDB(t)
	pub := &recordingPublisher{}
	directory := NewDirectoryService(storage.NewGormDirectoryRepository(db))
	convoRepo := storage.NewGormConversationRepository(db)
	msgRepo := storage.NewGormMessageRepository(db)
	return &fixture{
		db:            db,
		pub:           pub,
		directory:     directory,
		requests:      NewFriendRequestService(db, directory, storage.NewGormFriendRequestRepository(db), pub, nil),
		conversations: NewConversationService(db, directory, convoRepo, msgRepo, pub, nil),
		messages:      NewMessageService(db, directory, convoRepo, msgRepo, pub, nil),
		convoRepo:     convoRepo,
	}
}

// addUser 创建用户，外部 ID 为 "ext-" + username。
func (f *fixture) addUser(t *testing.T, role models.Role, username string) *models.User {
	t.Helper()
	u, err := f.directory.CreateUser(context.Background(), role, "ext-"+username, username, "")
	require.NoError(t, err)
	return u
}

func ext(u *models.User) string { return u.ExternalID }
