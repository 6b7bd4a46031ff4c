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

	"go.uber.org/zap"

	"school-im/internal/app"
	"school-im/internal/config"
	"school-im/internal/handlers/chatserver"
	"school-im/internal/logger"
)

// chatserver 是实时查询节点：只提供 WebSocket 订阅，从 Kafka 或 Redis 接收失效事件。
func main() {
	// 1. 加载配置
	cfg, err := config.LoadConfig(os.Getenv("SCHOOL_IM_CONFIG"))
	if err != nil {
		log.Fatalf("无法加载配置: %v", err)
	}

	lg, err := logger.Init(cfg.Log, cfg.Mode)
	if err != nil {
		log.Fatalf("无法初始化日志: %v", err)
	}
	defer lg.Sync()

	if cfg.LiveQuery.Bus == app.BusLocal || cfg.LiveQuery.Bus == "" {
		lg.Warn("LIVEQUERY.BUS=local 时收不到其他进程的失效事件，单进程部署请直接使用 apiserver 的 /ws")
	}

	// 2. 初始化依赖
	a, err := app.New(cfg, lg)
	if err != nil {
		lg.Fatal("初始化失败", zap.Error(err))
	}
	defer a.Close()

	// 3. 启动 WebSocket Hub
	go a.WSHub.Run()
	wsHandler := chatserver.NewWebSocketHandler(a.WSHub, cfg.Auth, a.Blacklist, lg)

	// 4. 启动失效事件消费者
	busCtx, cancelBus := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.RunBus(busCtx); err != nil {
			lg.Error("失效事件总线退出", zap.Error(err))
		}
	}()

	// 5. 配置 HTTP 服务器路由
	mux := http.NewServeMux()
	mux.HandleFunc(cfg.Server.WebSocketPath, wsHandler.ServeWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","connections":%d,"subscriptions":%d}`, a.WSHub.Count(), a.Queries.Len())
	})

	serverAddr := fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port)
	httpServer := &http.Server{
		Addr:           serverAddr,
		Handler:        logger.Recovery(mux),
		ReadTimeout:    cfg.Server.ReadTimeout,
		MaxHeaderBytes: cfg.Server.MaxHeaderBytes,
	}

	go func() {
		lg.Info("Chat 服务器启动", zap.String("addr", serverAddr), zap.String("path", cfg.Server.WebSocketPath))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Fatal("Chat 服务器启动失败", zap.Error(err))
		}
	}()

	// 优雅关闭
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	lg.Info("Chat 服务器准备关闭...")

	cancelBus()
	wg.Wait()

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := httpServer.Shutdown(ctxShutdown); err != nil {
		lg.Error("Chat 服务器关闭失败", zap.Error(err))
	}
	lg.Info("Chat 服务器已优雅关闭。")
}
