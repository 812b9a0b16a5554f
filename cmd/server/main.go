package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"recipebox-server/internal/auth"
	"recipebox-server/internal/config"
	"recipebox-server/internal/logger"
	"recipebox-server/internal/metrics"
	"recipebox-server/internal/presence"
	"recipebox-server/internal/registry"
	"recipebox-server/internal/server"
	"recipebox-server/internal/store"
	"recipebox-server/internal/store/mongostore"
)

const connectTimeout = 10 * time.Second

type backend interface {
	store.ChatStore
	store.ProfileSource
	store.ActivityStore
}

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, Development: cfg.GinMode == gin.DebugMode})
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("server exited", zap.Error(err))
	}
}

func run(cfg config.Config, log *zap.Logger) error {
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var st backend
	if cfg.MongoURI != "" {
		connectCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		ms, err := mongostore.Connect(connectCtx, mongostore.Config{URI: cfg.MongoURI, Database: cfg.MongoDatabase}, log.Named("mongo"))
		cancel()
		if err != nil {
			return err
		}
		defer func() {
			closeCtx, cancel := context.WithTimeout(context.Background(), connectTimeout)
			defer cancel()
			_ = ms.Close(closeCtx)
		}()
		st = ms
		log.Info("using mongo store", zap.String("database", cfg.MongoDatabase))
	} else {
		mem, err := store.NewWithOptions(store.Options{
			StateFile:    cfg.StateFile,
			ProfilesFile: cfg.ProfilesFile,
			Logger:       log.Named("store"),
		})
		if err != nil {
			return err
		}
		st = mem
		log.Info("using in-memory store", zap.String("state_file", cfg.StateFile))
	}

	deps := server.Deps{
		ChatStore:  st,
		Profiles:   profileSource(cfg, st, log),
		Activities: st,
		Metrics:    metrics.New(),
		Logger:     log,
		TokenConfig: auth.TokenConfig{
			Secret: cfg.JWTSecret,
			Expiry: cfg.TokenExpiry,
			Issuer: auth.DefaultIssuer,
		},
		CORSOrigin:       cfg.CORSOrigin,
		MessageRateLimit: cfg.MessageRateLimit,
	}

	if cfg.RedisAddr != "" {
		dialCtx, cancel := context.WithTimeout(ctx, connectTimeout)
		mirror, err := presence.Dial(dialCtx, presence.Config{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.PresenceTTL,
			NodeID:   nodeID(),
		}, log.Named("presence"))
		cancel()
		if err != nil {
			return err
		}
		defer func() { _ = mirror.Close() }()

		reg := registry.New(mirror)
		mirror.WatchLocal(func(identity string) bool {
			_, ok := reg.Lookup(identity)
			return ok
		})
		deps.Registry = reg
		deps.Remote = mirror
		go mirror.Refresh(ctx, cfg.PresenceTTL/2, deps.Registry.Identities)
	}

	app := server.New(deps)
	log.Info("listening", zap.Int("port", cfg.Port), zap.Bool("tls", cfg.TLSCertFile != ""))
	return server.Run(ctx, cfg, app.Engine, app.Socket.Close)
}

// profileSource returns nil when no profile collaborator is configured, which
// turns off recipient existence checks instead of failing every send.
func profileSource(cfg config.Config, st backend, log *zap.Logger) store.ProfileSource {
	if cfg.MongoURI == "" && cfg.ProfilesFile == "" {
		log.Warn("no PROFILES_FILE configured; recipients are not checked and messages carry bare identities")
		return nil
	}
	return st
}

func nodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		return uuid.NewString()
	}
	return host + "-" + uuid.NewString()[:8]
}
