package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chat-system/config"
	"chat-system/internal/handler"
	"chat-system/internal/model"
	"chat-system/internal/repository"
	"chat-system/internal/service"
	dbPkg "chat-system/pkg/db"
	"chat-system/pkg/jwt"
	"chat-system/pkg/logger"
	"chat-system/pkg/redis"
	"chat-system/pkg/websocket"

	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

// 清理过期在线状态的周期
const presenceSweepInterval = time.Minute

func main() {
	// 1. 加载配置，.env 中的变量与环境变量同等对待
	_ = godotenv.Load()
	cfg := config.LoadConfig()

	// 2. 初始化日志系统
	log := logger.InitLogger(cfg.Log)
	defer log.Sync()

	log.Info("=== 聊天服务启动 ===")
	log.Info("服务器配置信息",
		zap.String("port", cfg.Server.Port),
		zap.String("database_driver", cfg.Database.Driver),
		zap.String("database_host", cfg.Database.Host),
		zap.String("database_name", cfg.Database.Database),
		zap.Duration("jwt_expire_time", cfg.JWT.ExpireTime),
		zap.Bool("redis_enabled", cfg.Redis.Enabled),
		zap.Bool("redis_relay", cfg.Redis.Relay),
		zap.String("log_level", cfg.Log.Level),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. 初始化数据库连接
	orm, err := dbPkg.InitDB(cfg.Database)
	if err != nil {
		log.Fatal("数据库连接失败", zap.Error(err))
	}
	defer func() {
		if err := dbPkg.CloseDB(); err != nil {
			log.Error("关闭数据库连接失败", zap.Error(err))
		}
	}()
	if err := dbPkg.AutoMigrate(orm, model.AllModels()...); err != nil {
		log.Fatal("自动迁移失败", zap.Error(err))
	}
	log.Info("数据库连接成功，表结构已迁移")

	// 4. 房间注册表与事件投递
	registry := websocket.NewRegistry()
	var dispatcher websocket.Dispatcher = websocket.NewLocalDispatcher(registry)

	if cfg.Redis.Enabled {
		rdb, err := redis.InitRedis(cfg.Redis)
		if err != nil {
			// Redis不可用时退化为单进程模式
			log.Warn("Redis连接失败，在线状态仅写数据库", zap.Error(err))
		} else {
			defer redis.Close()
			log.Info("Redis连接成功")
			go sweepPresence(ctx)

			if cfg.Redis.Relay {
				// 订阅确认前及订阅退出后，RelayDispatcher 自动使用本地投递
				relayDispatcher := websocket.NewRelayDispatcher(redis.NewRoomRelay(rdb), registry)
				dispatcher = relayDispatcher
				go func() {
					if err := relayDispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
						log.Error("房间事件订阅退出，改为本地投递", zap.Error(err))
					}
				}()
				log.Info("房间事件跨进程转发已开启，等待订阅确认")
			}
		}
	}

	// 5. 初始化业务服务
	jwtSvc := jwt.NewJWTService(cfg.JWT)
	userRepo := repository.NewUserRepository(orm)
	convRepo := repository.NewConversationRepository(orm)
	verifier := jwt.NewVerifier(jwtSvc, userRepo)

	userSvc := service.NewUserService(userRepo, jwtSvc)
	convSvc := service.NewConversationService(convRepo, userRepo, dispatcher)
	wsHandler := websocket.NewHandler(verifier, convRepo, registry, dispatcher, websocket.NewPresence(userRepo), cfg.WebSocket)

	if os.Getenv("GIN_MODE") == "" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := (&handler.Router{
		Verifier:      verifier,
		Users:         handler.NewUserHandler(userSvc),
		Conversations: handler.NewConversationHandler(convSvc),
		WebSocket:     wsHandler,
		Registry:      registry,
	}).Build()

	// 6. 创建HTTP服务器
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info("HTTP服务器启动", zap.String("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP服务器启动失败", zap.Error(err))
			stop()
		}
	}()

	// 7. 优雅关闭
	<-ctx.Done()
	log.Info("正在关闭服务器...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// 升级后的连接不受Shutdown管理，需要主动关闭
	registry.Shutdown()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP服务器关闭失败", zap.Error(err))
	}

	log.Info("服务器已安全关闭")
}

// sweepPresence 定期清理Redis中过期的在线状态
func sweepPresence(ctx context.Context) {
	ticker := time.NewTicker(presenceSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := redis.CleanExpiredPresence()
			if err != nil {
				logger.Warn("清理过期在线状态失败", zap.Error(err))
				continue
			}
			if n > 0 {
				logger.Debug("已清理过期在线状态", zap.Int("count", n))
			}
		}
	}
}
