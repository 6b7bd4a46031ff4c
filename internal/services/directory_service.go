package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"

	"school-im/internal/models"
	"school-im/internal/storage"
)

// DirectoryService 在四个角色分区中查找用户。
type DirectoryService interface {
	// ResolveByExternalID 按固定顺序 (admin, teacher, student, parent) 探测，第一个命中者胜出。
	ResolveByExternalID(ctx context.Context, externalID string) (*models.User, error)
	ResolveByUsername(ctx context.Context, username string) (*models.User, error)
	// ResolveByID 按内部 ID 查找；ID 跨分区唯一。
	ResolveByID(ctx context.Context, id string) (*models.User, error)
	GetByID(ctx context.Context, role models.Role, id string) (*models.User, error)
	// GetMany 批量获取资料，返回以用户 ID 为键的映射；缺失的用户不在结果中。
	GetMany(ctx context.Context, refs []models.UserRef) (map[string]*models.User, error)
	CreateUser(ctx context.Context, role models.Role, externalID, username, name string) (*models.User, error)
}

type directoryService struct {
	repo storage.DirectoryRepository
}

// NewDirectoryService creates a new DirectoryService.
func NewDirectoryService(repo storage.DirectoryRepository) DirectoryService {
	return &directoryService{repo: repo}
}

type partitionFinder func(ctx context.Context, role models.Role, value string) (*models.User, error)

// probe 依次查询每个分区，返回第一个命中的用户。
func probe(ctx context.Context, find partitionFinder, value string) (*models.User, error) {
	if value == "" {
		return nil, ErrUserNotFound
	}
	for _, role := range models.Roles {
		user, err := find(ctx, role, value)
		if err == nil {
			return user, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("查询 %s 分区失败: %w", role, err)
		}
	}
	return nil, ErrUserNotFound
}

func (s *directoryService) ResolveByExternalID(ctx context.Context, externalID string) (*models.User, error) {
	return probe(ctx, s.repo.FindByExternalID, externalID)
}

func (s *directoryService) ResolveByUsername(ctx context.Context, username string) (*models.User, error) {
	return probe(ctx, s.repo.FindByUsername, strings.TrimSpace(username))
}

func (s *directoryService) ResolveByID(ctx context.Context, id string) (*models.User, error) {
	return probe(ctx, s.repo.FindByID, id)
}

func (s *directoryService) GetByID(ctx context.Context, role models.Role, id string) (*models.User, error) {
	user, err := s.repo.FindByID(ctx, role, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("获取用户失败: %w", err)
	}
	return user, nil
}

func (s *directoryService) GetMany(ctx context.Context, refs []models.UserRef) (map[string]*models.User, error) {
	byRole := make(map[models.Role][]string)
	for _, ref := range refs {
		byRole[ref.Role] = append(byRole[ref.Role], ref.ID)
	}
	result := make(map[string]*models.User, len(refs))
	for role, ids := range byRole {
		users, err := s.repo.FindManyByIDs(ctx, role, ids)
		if err != nil {
			return nil, fmt.Errorf("批量获取 %s 用户失败: %w", role, err)
		}
		for _, u := range users {
			result[u.ID] = u
		}
	}
	return result, nil
}

// CreateUser 在指定分区创建用户。用户名与外部 ID 在所有分区中都不能重复，
// 否则按顺序探测时会出现遮蔽。
func (s *directoryService) CreateUser(ctx context.Context, role models.Role, externalID, username, name string) (*models.User, error) {
	if _, err := models.ParseRole(string(role)); err != nil {
		return nil, ErrInvalidRole
	}
	externalID = strings.TrimSpace(externalID)
	username = strings.TrimSpace(username)
	if externalID == "" || username == "" {
		return nil, fmt.Errorf("外部ID和用户名不能为空")
	}

	if _, err := s.ResolveByExternalID(ctx, externalID); err == nil {
		return nil, ErrUserAlreadyExists
	} else if !errors.Is(err, ErrUserNotFound) {
		return nil, err
	}
	if _, err := s.ResolveByUsername(ctx, username); err == nil {
		return nil, ErrUserAlreadyExists
	} else if !errors.Is(err, ErrUserNotFound) {
		return nil, err
	}

	profile := &models.Profile{ExternalID: externalID, Username: username, Name: strings.TrimSpace(name)}
	if err := s.repo.Create(ctx, role, profile); err != nil {
		if storage.IsUniqueViolation(err) {
			return nil, ErrUserAlreadyExists
		}
		return nil, fmt.Errorf("创建用户失败: %w", err)
	}
	return models.NewUser(role, *profile), nil
}

// authenticate 将身份提供方的外部 ID 解析为调用者；解析失败一律视为未认证。
func authenticate(ctx context.Context, directory DirectoryService, externalID string) (*models.User, error) {
	user, err := directory.ResolveByExternalID(ctx, externalID)
	if err != nil {
		if errors.Is(err, ErrUserNotFound) {
			return nil, ErrUnauthenticated
		}
		return nil, err
	}
	return user, nil
}

// basicInfoOrUnknown 在资料缺失时返回仅带 ID 的占位投影。
func basicInfoOrUnknown(users map[string]*models.User, ref models.UserRef) *models.UserBasicInfo {
	if u, ok := users[ref.ID]; ok {
		return u.BasicInfo()
	}
	return &models.UserBasicInfo{ID: ref.ID, Role: ref.Role, DisplayName: models.DisplayName(nil)}
}
