package storage

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"school-im/internal/models"
)

// DirectoryRepository 访问四个按角色划分的用户表。
// 每个方法只查一个分区；跨分区的探测顺序由服务层决定。
type DirectoryRepository interface {
	FindByExternalID(ctx context.Context, role models.Role, externalID string) (*models.User, error)
	FindByUsername(ctx context.Context, role models.Role, username string) (*models.User, error)
	FindByID(ctx context.Context, role models.Role, id string) (*models.User, error)
	FindManyByIDs(ctx context.Context, role models.Role, ids []string) ([]*models.User, error)
	Create(ctx context.Context, role models.Role, profile *models.Profile) error
}

type gormDirectoryRepository struct {
	db *gorm.DB
}

// NewGormDirectoryRepository creates a new GORM-based DirectoryRepository.
func NewGormDirectoryRepository(db *gorm.DB) DirectoryRepository {
	return &gormDirectoryRepository{db: db}
}

func (r *gormDirectoryRepository) findOne(ctx context.Context, role models.Role, column, value string) (*models.User, error) {
	var profile models.Profile
	err := r.db.WithContext(ctx).
		Table(role.TableName()).
		Where(column+" = ?", value).
		Take(&profile).Error
	if err != nil {
		return nil, err // 包括 gorm.ErrRecordNotFound
	}
	return models.NewUser(role, profile), nil
}

// FindByExternalID 在指定分区中按身份提供方 ID 查找。
func (r *gormDirectoryRepository) FindByExternalID(ctx context.Context, role models.Role, externalID string) (*models.User, error) {
	return r.findOne(ctx, role, "external_id", externalID)
}

// FindByUsername 在指定分区中按用户名查找。
func (r *gormDirectoryRepository) FindByUsername(ctx context.Context, role models.Role, username string) (*models.User, error) {
	return r.findOne(ctx, role, "username", username)
}

// FindByID 在指定分区中按内部 ID 查找。
func (r *gormDirectoryRepository) FindByID(ctx context.Context, role models.Role, id string) (*models.User, error) {
	return r.findOne(ctx, role, "id", id)
}

// FindManyByIDs retrieves every user of one partition whose ID is in ids.
func (r *gormDirectoryRepository) FindManyByIDs(ctx context.Context, role models.Role, ids []string) ([]*models.User, error) {
	users := []*models.User{}
	if len(ids) == 0 {
		return users, nil
	}
	var profiles []models.Profile
	err := r.db.WithContext(ctx).
		Table(role.TableName()).
		Where("id IN ?", ids).
		Find(&profiles).Error
	if err != nil {
		return nil, err
	}
	for _, p := range profiles {
		users = append(users, models.NewUser(role, p))
	}
	return users, nil
}

// Create 在角色对应的分区中插入一条用户记录，ID 由 BeforeCreate 生成。
func (r *gormDirectoryRepository) Create(ctx context.Context, role models.Role, profile *models.Profile) error {
	var row interface{}
	switch role {
	case models.RoleAdmin:
		row = &models.Admin{Profile: *profile}
	case models.RoleTeacher:
		row = &models.Teacher{Profile: *profile}
	case models.RoleStudent:
		row = &models.Student{Profile: *profile}
	case models.RoleParent:
		row = &models.Parent{Profile: *profile}
	default:
		return fmt.Errorf("unknown role %q", role)
	}
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return err
	}
	switch v := row.(type) {
	case *models.Admin:
		*profile = v.Profile
	case *models.Teacher:
		*profile = v.Profile
	case *models.Student:
		*profile = v.Profile
	case *models.Parent:
		*profile = v.Profile
	}
	return nil
}
