package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Role 是用户所在的角色分区。创建后不可更改。
type Role string

const (
	RoleAdmin   Role = "admin"
	RoleTeacher Role = "teacher"
	RoleStudent Role = "student"
	RoleParent  Role = "parent"
)

// Roles 是目录查找时探测分区的固定顺序。
var Roles = []Role{RoleAdmin, RoleTeacher, RoleStudent, RoleParent}

// ParseRole converts a raw string into a Role.
func ParseRole(s string) (Role, error) {
	for _, r := range Roles {
		if string(r) == s {
			return r, nil
		}
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// TableName 返回该角色对应的分区表名。
func (r Role) TableName() string {
	return string(r) + "s"
}

// Profile 是四个分区共有的列。
// ExternalID 与 Username 只在各自分区内唯一，跨分区的唯一性不由索引保证。
type Profile struct {
	ID         string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	ExternalID string    `gorm:"type:varchar(191);uniqueIndex;not null" json:"externalId"`
	Username   string    `gorm:"type:varchar(100);uniqueIndex;not null" json:"username"`
	Name       string    `gorm:"type:varchar(100)" json:"name,omitempty"`
	Email      string    `gorm:"type:varchar(100)" json:"email,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// BeforeCreate 为新用户生成全局唯一的 ID，使成员关系可以只按 member_id 索引。
func (p *Profile) BeforeCreate(tx *gorm.DB) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	return nil
}

// Admin 管理员分区。
type Admin struct {
	Profile
}

func (Admin) TableName() string { return RoleAdmin.TableName() }

// Teacher 教师分区。
type Teacher struct {
	Profile
}

func (Teacher) TableName() string { return RoleTeacher.TableName() }

// Student 学生分区。
type Student struct {
	Profile
}

func (Student) TableName() string { return RoleStudent.TableName() }

// Parent 家长分区。
type Parent struct {
	Profile
}

func (Parent) TableName() string { return RoleParent.TableName() }

// PartitionModels returns one zero value per partition, in probe order.
func PartitionModels() []interface{} {
	return []interface{}{&Admin{}, &Teacher{}, &Student{}, &Parent{}}
}

// User 是目录查找返回的统一视图：分区行加上角色标签。
type User struct {
	ID         string `json:"id"`
	Role       Role   `json:"role"`
	ExternalID string `json:"-"`
	Username   string `json:"username"`
	Name       string `json:"name,omitempty"`
}

// NewUser tags a partition row with its role.
func NewUser(role Role, p Profile) *User {
	return &User{
		ID:         p.ID,
		Role:       role,
		ExternalID: p.ExternalID,
		Username:   p.Username,
		Name:       p.Name,
	}
}

// Ref 返回用户的 (角色, ID) 引用。
func (u *User) Ref() UserRef {
	return UserRef{ID: u.ID, Role: u.Role}
}

// UserRef 标识某个分区中的一个用户。
type UserRef struct {
	ID   string `json:"id"`
	Role Role   `json:"role"`
}

// Key 返回 "role:id" 形式的字符串，用于构造规范化的用户对。
func (r UserRef) Key() string {
	return string(r.Role) + ":" + r.ID
}

// PairKey 返回两个用户的无序规范键，与参数顺序无关。
func PairKey(a, b UserRef) string {
	ka, kb := a.Key(), b.Key()
	if ka > kb {
		ka, kb = kb, ka
	}
	return ka + "|" + kb
}

// UserBasicInfo 是对外展示的用户资料投影。
type UserBasicInfo struct {
	ID          string `json:"id"`
	Role        Role   `json:"role"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"displayName"`
}

// DisplayName 按 username → name → "Unknown" 的顺序取第一个非空值。
func DisplayName(u *User) string {
	if u == nil {
		return "Unknown"
	}
	if u.Username != "" {
		return u.Username
	}
	if u.Name != "" {
		return u.Name
	}
	return "Unknown"
}

// BasicInfo projects a user into its public profile.
func (u *User) BasicInfo() *UserBasicInfo {
	return &UserBasicInfo{
		ID:          u.ID,
		Role:        u.Role,
		Username:    u.Username,
		DisplayName: DisplayName(u),
	}
}
