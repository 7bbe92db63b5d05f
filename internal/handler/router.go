package handler

import (
	"time"

	dbPkg "chat-system/pkg/db"
	"chat-system/pkg/jwt"
	"chat-system/pkg/logger"
	"chat-system/pkg/redis"
	"chat-system/pkg/response"
	"chat-system/pkg/websocket"

	"github.com/gin-gonic/gin"
)

// Router 路由依赖
type Router struct {
	Verifier      *jwt.Verifier
	Users         *UserHandler
	Conversations *ConversationHandler
	WebSocket     *websocket.Handler
	Registry      *websocket.Registry
}

// Build 创建Gin路由
func (r *Router) Build() *gin.Engine {
	router := gin.New()
	router.Use(logger.RequestLogger())         // 请求日志中间件
	router.Use(logger.ErrorLoggerMiddleware()) // panic恢复

	r.setupBasicRoutes(router)

	auth := r.Verifier.AuthMiddleware()
	v1 := router.Group("/api/v1")
	{
		users := v1.Group("/users")
		{
			// 公开接口（无需认证）
			users.POST("/register", r.Users.Register)
			users.POST("/login", r.Users.Login)

			authUsers := users.Group("")
			authUsers.Use(auth)
			{
				authUsers.GET("/profile", r.Users.GetProfile)
				authUsers.GET("/online", r.Users.GetOnlineUsers)
				authUsers.GET("/:user_id/online", r.Users.CheckUserOnline)
			}
		}

		conversations := v1.Group("/conversations")
		conversations.Use(auth)
		{
			conversations.GET("", r.Conversations.List)
			conversations.POST("/direct/:user_id", r.Conversations.ResolveDirect)
			conversations.POST("/groups", r.Conversations.CreateGroup)
			conversations.POST("/:id/participants", r.Conversations.AddParticipants)
			conversations.DELETE("/:id/participants/:user_id", r.Conversations.RemoveParticipant)
			conversations.DELETE("/:id", r.Conversations.DeleteGroup)
			conversations.GET("/:id/messages", r.Conversations.History)
			conversations.POST("/:id/messages", r.Conversations.SendMessage)
			conversations.DELETE("/:id/messages/:message_id", r.Conversations.DeleteMessage)
			conversations.POST("/:id/read", r.Conversations.MarkRead)
			conversations.GET("/:id/unread", r.Conversations.UnreadCount)
		}

		messages := v1.Group("/messages")
		messages.Use(auth)
		{
			messages.GET("/unread/count", r.Conversations.TotalUnread)
		}
	}

	// WebSocket路由，令牌通过query传递
	router.GET("/ws/chat/:conversation_id", r.WebSocket.ServeWS)
	router.GET("/ws/chat/:conversation_id/", r.WebSocket.ServeWS)

	return router
}

// setupBasicRoutes 设置基础路由
func (r *Router) setupBasicRoutes(router *gin.Engine) {
	// 健康检查
	router.GET("/health", func(c *gin.Context) {
		status := "ok"
		if err := dbPkg.HealthCheck(); err != nil {
			status = "db-down"
		}
		redisStatus := "disabled"
		if redis.Enabled() {
			redisStatus = "ok"
			if err := redis.HealthCheck(); err != nil {
				redisStatus = "down"
			}
		}
		data := gin.H{
			"status": status,
			"redis":  redisStatus,
			"time":   time.Now().Format(time.RFC3339),
		}
		if r.Registry != nil {
			data["rooms"] = r.Registry.RoomCount()
		}
		response.Success(c, data)
	})
}
