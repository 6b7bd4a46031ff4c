package storage

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"school-im/internal/config"
	"school-im/internal/models"
)

// InitDB initializes the database connection using the provided configuration.
func InitDB(cfg config.DatabaseConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector

	switch cfg.Type {
	case "postgres":
		var dsnParts []string
		dsnParts = append(dsnParts, fmt.Sprintf("host=%s", cfg.Host))
		dsnParts = append(dsnParts, fmt.Sprintf("port=%d", cfg.Port))
		dsnParts = append(dsnParts, fmt.Sprintf("user=%s", cfg.User))
		dsnParts = append(dsnParts, fmt.Sprintf("dbname=%s", cfg.DBName))
		if cfg.Password != "" {
			dsnParts = append(dsnParts, fmt.Sprintf("password=%s", cfg.Password))
		}
		dsnParts = append(dsnParts, fmt.Sprintf("sslmode=%s", cfg.SSLMode))
		dialector = postgres.Open(strings.Join(dsnParts, " "))
	case "sqlite":
		// 外键需要显式打开，级联删除才会生效
		sep := "?"
		if strings.Contains(cfg.Path, "?") {
			sep = "&"
		}
		dialector = sqlite.Open(cfg.Path + sep + "_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)")
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger:         newGormLogger(cfg.LogLevel),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if cfg.Type == "sqlite" {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get sqlite handle: %w", err)
		}
		// SQLite 只允许一个写者
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

// newGormLogger 让 GORM 的日志经由全局 zap Logger 输出。
func newGormLogger(level string) logger.Interface {
	logLevel := logger.Warn
	zapLevel := zapcore.WarnLevel
	switch level {
	case "silent":
		logLevel = logger.Silent
	case "error":
		logLevel, zapLevel = logger.Error, zapcore.ErrorLevel
	case "info":
		logLevel, zapLevel = logger.Info, zapcore.InfoLevel
	}
	stdLog, err := zap.NewStdLogAt(zap.L().Named("gorm"), zapLevel)
	if err != nil {
		stdLog = zap.NewStdLog(zap.L().Named("gorm"))
	}
	return logger.New(stdLog, logger.Config{
		SlowThreshold:             time.Second,
		LogLevel:                  logLevel,
		IgnoreRecordNotFoundError: true,
		Colorful:                  false,
	})
}

// AutoMigrateTables runs GORM's auto-migration feature for all defined models.
func AutoMigrateTables(db *gorm.DB) error {
	zap.L().Info("开始数据库表结构迁移...")
	tables := append(models.PartitionModels(),
		&models.FriendRequest{},
		&models.Conversation{},
		&models.Membership{},
		&models.Message{},
	)
	if err := db.AutoMigrate(tables...); err != nil {
		zap.L().Error("数据库迁移失败", zap.Error(err))
		return fmt.Errorf("数据库迁移失败: %w", err)
	}
	zap.L().Info("数据库迁移完成。")
	return nil
}

// IsUniqueViolation 判断错误是否来自唯一约束冲突。
// 需要 gorm.Config.TranslateError；驱动未翻译时退回到按错误文本匹配。
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "SQLSTATE 23505")
}

// IsNotFound reports whether err is gorm's record-not-found.
func IsNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
