package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"go.uber.org/zap"

	"school-im/internal/auth"
	"school-im/internal/config"
	"school-im/internal/logger"
	"school-im/internal/models"
	"school-im/internal/services"
	"school-im/internal/storage"
)

func usage() {
	fmt.Println("使用方法:")
	fmt.Println("  ./admin add-user <role> <externalId> <username> [name] - 在指定角色分区创建用户")
	fmt.Println("  ./admin issue-token <externalId> - 签发一个测试用身份令牌")
	fmt.Println("  ./admin list-members <conversationID> - 列出会话的所有成员")
	fmt.Println("  ./admin show-conversation <conversationID> - 显示会话信息")
	os.Exit(1)
}

func main() {
	// 简单命令行参数解析
	if len(os.Args) < 3 {
		usage()
	}

	cfg, err := config.LoadConfig(os.Getenv("SCHOOL_IM_CONFIG"))
	if err != nil {
		log.Fatalf("无法加载配置: %v", err)
	}
	lg, err := logger.Init(cfg.Log, cfg.Mode)
	if err != nil {
		log.Fatalf("无法初始化日志: %v", err)
	}
	defer lg.Sync()

	// issue-token 不需要数据库
	if os.Args[1] == "issue-token" {
		token, err := auth.GenerateToken(os.Args[2], cfg.Auth)
		if err != nil {
			lg.Fatal("签发令牌失败", zap.Error(err))
		}
		fmt.Println(token)
		return
	}

	db, err := storage.InitDB(cfg.Database)
	if err != nil {
		lg.Fatal("数据库连接失败", zap.Error(err))
	}
	if err := storage.AutoMigrateTables(db); err != nil {
		lg.Fatal("数据库迁移失败", zap.Error(err))
	}

	// 创建存储层实例
	directory := services.NewDirectoryService(storage.NewGormDirectoryRepository(db))
	convoRepo := storage.NewGormConversationRepository(db)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch os.Args[1] {
	case "add-user":
		if len(os.Args) < 5 {
			usage()
		}
		role, err := models.ParseRole(os.Args[2])
		if err != nil {
			lg.Fatal("无效的角色", zap.String("role", os.Args[2]))
		}
		name := ""
		if len(os.Args) > 5 {
			name = os.Args[5]
		}
		user, err := directory.CreateUser(ctx, role, os.Args[3], os.Args[4], name)
		if err != nil {
			lg.Fatal("创建用户失败", zap.Error(err))
		}
		fmt.Printf("已创建 %s 用户: ID=%s, 外部ID=%s, 用户名=%s\n", user.Role, user.ID, user.ExternalID, user.Username)

	case "list-members":
		conversationID := parseConversationID(lg, os.Args[2])
		memberships, err := convoRepo.ListMemberships(ctx, conversationID)
		if err != nil {
			lg.Fatal("获取成员失败", zap.Error(err))
		}
		refs := make([]models.UserRef, 0, len(memberships))
		for _, m := range memberships {
			refs = append(refs, m.MemberRef())
		}
		users, err := directory.GetMany(ctx, refs)
		if err != nil {
			lg.Fatal("查询成员资料失败", zap.Error(err))
		}

		fmt.Printf("会话 %d 的成员 (共 %d 人):\n", conversationID, len(memberships))
		for i, m := range memberships {
			lastSeen := "无"
			if m.LastSeenMessageID != nil {
				lastSeen = strconv.FormatUint(uint64(*m.LastSeenMessageID), 10)
			}
			fmt.Printf("%d. %s (%s, ID=%s) 已读至: %s, 加入时间: %s\n",
				i+1, models.DisplayName(users[m.MemberID]), m.MemberRole, m.MemberID,
				lastSeen, m.JoinedAt.Format(time.RFC3339))
		}

	case "show-conversation":
		conversationID := parseConversationID(lg, os.Args[2])
		conversation, err := convoRepo.GetConversationByID(ctx, conversationID)
		if err != nil {
			if storage.IsNotFound(err) {
				fmt.Printf("会话 %d 不存在\n", conversationID)
				os.Exit(1)
			}
			lg.Fatal("获取会话失败", zap.Error(err))
		}

		fmt.Printf("会话信息:\n")
		fmt.Printf("ID: %d\n", conversation.ID)
		fmt.Printf("是否群组: %t\n", conversation.IsGroup)
		if conversation.IsGroup {
			fmt.Printf("群组名称: %s\n", conversation.Name)
		}
		fmt.Printf("创建者: %s (%s)\n", conversation.CreatorID, conversation.CreatorRole)
		if conversation.LastMessageID != nil {
			fmt.Printf("最后消息ID: %d\n", *conversation.LastMessageID)
		}
		fmt.Printf("创建时间: %s\n", conversation.CreatedAt.Format(time.RFC3339))
		fmt.Printf("更新时间: %s\n", conversation.UpdatedAt.Format(time.RFC3339))

	default:
		fmt.Printf("未知命令: %s\n", os.Args[1])
		usage()
	}
}

func parseConversationID(lg *zap.Logger, raw string) uint {
	id, err := strconv.ParseUint(raw, 10, 64)
	if err != nil || id == 0 {
		lg.Fatal("无效的会话ID", zap.String("value", raw))
	}
	return uint(id)
}
