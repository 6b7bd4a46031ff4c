package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"go.uber.org/zap"

	"school-im/internal/app"
	"school-im/internal/config"
	"school-im/internal/handlers/apiserver"
	"school-im/internal/handlers/chatserver"
	"school-im/internal/logger"
	"school-im/internal/middleware"
)

func main() {
	// 1. 加载配置
	cfg, err := config.LoadConfig(os.Getenv("SCHOOL_IM_CONFIG"))
	if err != nil {
		log.Fatalf("无法加载配置: %v", err)
	}

	// 2. 初始化日志
	lg, err := logger.Init(cfg.Log, cfg.Mode)
	if err != nil {
		log.Fatalf("无法初始化日志: %v", err)
	}
	defer lg.Sync()
	lg.Info("API 服务器配置加载成功", zap.String("app", cfg.AppName), zap.String("version", cfg.AppVersion))

	// 3. 初始化依赖 (数据库, Redis, 总线, 服务)
	a, err := app.New(cfg, lg)
	if err != nil {
		lg.Fatal("初始化失败", zap.Error(err))
	}
	defer a.Close()

	// 4. 单进程部署时 API 服务器同时提供实时查询
	var wsHandler http.HandlerFunc
	if cfg.LiveQuery.Bus == app.BusLocal || cfg.LiveQuery.Bus == "" {
		go a.WSHub.Run()
		wsHandler = chatserver.NewWebSocketHandler(a.WSHub, cfg.Auth, a.Blacklist, lg).ServeWS
	}

	// 5. 初始化 Handlers 并设置路由
	r := apiserver.NewRouter(apiserver.Handlers{
		Auth:           apiserver.NewAuthHandler(a.Blacklist, lg),
		Directory:      apiserver.NewDirectoryHandler(a.Directory, lg),
		FriendRequests: apiserver.NewFriendRequestHandler(a.FriendRequests, lg),
		Conversations:  apiserver.NewConversationHandler(a.Conversations, a.Messages, lg),
		WebSocket:      wsHandler,
	}, middleware.AuthMiddleware(cfg.Auth, a.Blacklist))

	// 6. CORS
	corsOptions := []handlers.CORSOption{
		handlers.AllowedOrigins(cfg.APIServer.CORS.AllowedOrigins),
		handlers.AllowedMethods(cfg.APIServer.CORS.AllowedMethods),
		handlers.AllowedHeaders(cfg.APIServer.CORS.AllowedHeaders),
		handlers.ExposedHeaders(cfg.APIServer.CORS.ExposedHeaders),
		handlers.MaxAge(cfg.APIServer.CORS.MaxAge),
	}
	if cfg.APIServer.CORS.AllowCredentials {
		corsOptions = append(corsOptions, handlers.AllowCredentials())
	}
	handler := logger.Recovery(logger.HTTPLogger(handlers.CORS(corsOptions...)(r)))

	// 7. API 服务器也发布失效事件，但只有本地总线时才需要消费
	busCtx, cancelBus := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	if wsHandler != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.RunBus(busCtx); err != nil {
				lg.Error("失效事件总线退出", zap.Error(err))
			}
		}()
	}

	// 8. 启动 HTTP 服务器并实现优雅关闭
	serverAddr := fmt.Sprintf("%s:%s", cfg.APIServer.Host, cfg.APIServer.Port)
	srv := &http.Server{
		Addr:         serverAddr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		lg.Info("API 服务器启动", zap.String("addr", serverAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Fatal("API 服务器启动失败", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	lg.Info("收到关闭信号，正在关闭 API 服务器...")

	cancelBus()
	wg.Wait()

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(ctxShutdown); err != nil {
		lg.Error("API 服务器强制关闭", zap.Error(err))
	}
	lg.Info("API 服务器已成功关闭")
}
