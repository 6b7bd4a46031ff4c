// Package app 组装两个服务进程共用的依赖：数据库、Redis、领域服务和实时查询总线。
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	redisDriver "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"school-im/internal/auth"
	"school-im/internal/config"
	"school-im/internal/imtypes"
	appKafka "school-im/internal/kafka"
	kafkahandlers "school-im/internal/kafka/handlers"
	"school-im/internal/livequery"
	appRedis "school-im/internal/redis"
	"school-im/internal/services"
	"school-im/internal/storage"
	"school-im/internal/websocket"
)

// 失效事件总线类型
const (
	BusLocal = "local"
	BusKafka = "kafka"
	BusRedis = "redis"
)

// App 持有已初始化的依赖。
type App struct {
	Config     config.Config
	Logger     *zap.Logger
	InstanceID string

	DB        *gorm.DB
	Redis     redisDriver.UniversalClient
	Blacklist auth.TokenBlacklist

	Directory      services.DirectoryService
	FriendRequests services.FriendRequestService
	Conversations  services.ConversationService
	Messages       services.MessageService
	LiveQueries    *services.LiveQueryRegistry

	Queries *livequery.Hub
	WSHub   *websocket.Hub

	publisher     imtypes.InvalidationPublisher
	kafkaProducer appKafka.MessageProducer
	redisBus      *appRedis.InvalidationBus
}

// New 初始化数据库（含迁移）、Redis、失效事件总线和全部领域服务。
func New(cfg config.Config, logger *zap.Logger) (_ *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &App{Config: cfg, Logger: logger, InstanceID: instanceID(cfg.LiveQuery.InstanceID)}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	db, err := storage.InitDB(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("无法初始化数据库: %w", err)
	}
	if err := storage.AutoMigrateTables(db); err != nil {
		return nil, fmt.Errorf("无法迁移数据库表: %w", err)
	}
	a.DB = db
	logger.Info("数据库连接成功", zap.String("type", cfg.Database.Type))

	a.Redis = redisDriver.NewClient(&redisDriver.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Redis.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("无法连接到 Redis: %w", err)
	}
	a.Blacklist = appRedis.NewRedisTokenBlacklist(a.Redis)
	logger.Info("成功连接到 Redis", zap.String("addr", cfg.Redis.Addr))

	a.Queries = livequery.NewHub(time.Duration(cfg.LiveQuery.FetchTimeoutSeconds)*time.Second, logger)

	switch cfg.LiveQuery.Bus {
	case BusLocal, "":
		a.publisher = a.Queries
	case BusKafka:
		producer, err := appKafka.NewConfluentKafkaProducer(cfg.Kafka, logger)
		if err != nil {
			return nil, fmt.Errorf("无法创建 Kafka 生产者: %w", err)
		}
		a.kafkaProducer = producer
		a.publisher = appKafka.NewInvalidationPublisher(producer, cfg.Kafka.InvalidationTopic, a.InstanceID)
	case BusRedis:
		a.redisBus = appRedis.NewInvalidationBus(a.Redis, cfg.Redis.InvalidationChannel, a.InstanceID, logger)
		a.publisher = a.redisBus
	default:
		return nil, fmt.Errorf("不支持的失效事件总线: %s", cfg.LiveQuery.Bus)
	}
	logger.Info("实时查询总线已选择", zap.String("bus", cfg.LiveQuery.Bus), zap.String("instance", a.InstanceID))

	directoryRepo := storage.NewGormDirectoryRepository(db)
	requestRepo := storage.NewGormFriendRequestRepository(db)
	convoRepo := storage.NewGormConversationRepository(db)
	msgRepo := storage.NewGormMessageRepository(db)

	a.Directory = services.NewDirectoryService(directoryRepo)
	a.FriendRequests = services.NewFriendRequestService(db, a.Directory, requestRepo, a.publisher, logger)
	a.Conversations = services.NewConversationService(db, a.Directory, convoRepo, msgRepo, a.publisher, logger)
	a.Messages = services.NewMessageService(db, a.Directory, convoRepo, msgRepo, a.publisher, logger)
	a.LiveQueries = services.NewLiveQueryRegistry(a.Directory, a.Conversations, a.Messages, a.FriendRequests, logger)

	a.WSHub = websocket.NewHub(a.Queries, a.LiveQueries, cfg.WebSocket, cfg.LiveQuery.MaxSubscriptions, logger)
	return a, nil
}

// RunBus 把跨节点的失效事件转交给本地 Hub，阻塞直到 ctx 取消。本地总线直接返回。
func (a *App) RunBus(ctx context.Context) error {
	switch {
	case a.redisBus != nil:
		return a.redisBus.Run(ctx, a.Queries, nil)
	case a.kafkaProducer != nil:
		consumer := appKafka.NewConfluentKafkaConsumer(a.Config.Kafka, a.Logger)
		defer consumer.Close()
		handler := kafkahandlers.NewInvalidationConsumerLogic(a.Queries, a.Logger)
		err := consumer.Consume(ctx,
			[]string{a.Config.Kafka.InvalidationTopic},
			appKafka.GroupID(a.Config.Kafka, a.InstanceID),
			handler.HandleInvalidation)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}
	return nil
}

// Close 释放资源。调用前应先停止 HTTP 服务器。
func (a *App) Close() {
	if a.WSHub != nil {
		a.WSHub.Shutdown()
	}
	if a.Queries != nil {
		a.Queries.Close()
	}
	if a.kafkaProducer != nil {
		a.kafkaProducer.Close()
	}
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.DB != nil {
		if sqlDB, err := a.DB.DB(); err == nil {
			_ = sqlDB.Close()
		}
	}
}

func instanceID(configured string) string {
	if configured != "" {
		return configured
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "node"
	}
	return host + "-" + uuid.NewString()[:8]
}
