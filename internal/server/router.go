package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"recipebox-server/internal/activity"
	"recipebox-server/internal/auth"
	"recipebox-server/internal/handler"
	"recipebox-server/internal/logger"
	"recipebox-server/internal/messaging"
	"recipebox-server/internal/metrics"
	"recipebox-server/internal/middleware"
	"recipebox-server/internal/notify"
	"recipebox-server/internal/registry"
	"recipebox-server/internal/socketio"
	"recipebox-server/internal/store"
)

type Deps struct {
	ChatStore  store.ChatStore
	Profiles   store.ProfileSource
	Activities store.ActivityStore

	// Registry defaults to a fresh registry when nil.
	Registry *registry.Registry
	Remote   handler.RemotePresence

	Metrics     *metrics.Metrics
	Logger      *zap.Logger
	TokenConfig auth.TokenConfig
	CORSOrigin  string

	// MessageRateLimit caps REST message posts per user per minute. Zero disables it.
	MessageRateLimit int
}

// App is the wired realtime core plus the HTTP surface in front of it.
type App struct {
	Engine     *gin.Engine
	Socket     *socketio.Server
	Registry   *registry.Registry
	Dispatcher *notify.Dispatcher
	Router     *messaging.Router
	Activity   *activity.Publisher
}

func New(deps Deps) *App {
	log := logger.OrNop(deps.Logger)
	reg := deps.Registry
	if reg == nil {
		reg = registry.New()
	}
	deps.Metrics.ObserveOnline(reg.Len)

	dispatcher := notify.New(reg, log.Named("notify"), deps.Metrics)
	router := messaging.New(messaging.Options{
		Store:    deps.ChatStore,
		Profiles: deps.Profiles,
		Pusher:   dispatcher,
		Logger:   log.Named("messaging"),
		Metrics:  deps.Metrics,
	})
	publisher := activity.NewPublisher(deps.Activities, deps.Profiles, dispatcher, log.Named("activity"))

	origins := deps.CORSOrigin
	if origins == "" {
		origins = "*"
	}
	sock := socketio.NewServer(socketio.Deps{
		Registry:    reg,
		Messages:    router,
		TokenConfig: deps.TokenConfig,
		Logger:      log.Named("socketio"),
		CheckOrigin: middleware.OriginChecker(origins),
	})

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.AccessLog(log.Named("http"), "/health", "/metrics"))
	r.Use(middleware.CORS(origins))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "online": reg.Len()})
	})
	r.GET("/metrics", deps.Metrics.Handler())

	connectLimiter := middleware.NewRateLimiter(60, time.Minute)
	r.GET("/socket.io/", middleware.RateLimitMiddleware(connectLimiter), gin.WrapH(sock))

	api := r.Group("/api")
	api.Use(middleware.RequireAuth(deps.TokenConfig))

	chats := &handler.ChatHandler{Store: deps.ChatStore, Profiles: deps.Profiles, Router: router}
	api.POST("/chats", chats.GetOrCreate)
	api.GET("/chats", chats.List)
	api.GET("/chats/:chatId/messages", chats.Messages)
	if deps.MessageRateLimit > 0 {
		limiter := middleware.NewRateLimiter(deps.MessageRateLimit, time.Minute)
		api.POST("/chats/:chatId/messages", middleware.RateLimitByUser(limiter), chats.PostMessage)
	} else {
		api.POST("/chats/:chatId/messages", chats.PostMessage)
	}

	activities := &handler.ActivityHandler{Publisher: publisher}
	api.GET("/activity", activities.List)
	api.POST("/activity", activities.Record)

	users := &handler.UserHandler{Profiles: deps.Profiles, Registry: reg, Remote: deps.Remote, Logger: log.Named("users")}
	api.GET("/users/:id", users.Get)

	return &App{
		Engine:     r,
		Socket:     sock,
		Registry:   reg,
		Dispatcher: dispatcher,
		Router:     router,
		Activity:   publisher,
	}
}

func NewRouter(deps Deps) *gin.Engine {
	return New(deps).Engine
}
