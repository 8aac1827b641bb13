package app

import (
	"context"
	"fmt"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	fiberlogger "github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"

	"listing-chat/internal/cache"
	"listing-chat/internal/config"
	"listing-chat/internal/db"
	"listing-chat/internal/gateway"
	"listing-chat/internal/handlers"
	"listing-chat/internal/logger"
	"listing-chat/internal/presence"
	"listing-chat/internal/services"
	"listing-chat/internal/store"
	"listing-chat/internal/store/memory"
	"listing-chat/internal/store/postgres"
)

// Run starts the server and blocks until a shutdown signal has been handled.
// It returns the process exit code.
func Run() int {
	cfg, err := config.Load()
	if err != nil {
		logger.Error("[app] load config: %v", err)
		return 1
	}
	logger.SetDebug(cfg.IsDevelopment())

	ctx := context.Background()

	st, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error("[app] open store: %v", err)
		return 1
	}

	var c *cache.Cache
	var cachePinger handlers.Pinger
	if cfg.RedisURL != "" {
		c, err = cache.Connect(ctx, cfg.RedisURL, "chat:", cfg.CacheTTL)
		if err != nil {
			logger.Warn("[app] redis unavailable, running without cache: %v", err)
			c = nil
		} else {
			cachePinger = c
			logger.Info("[app] redis cache enabled")
		}
	}

	// Services
	users := services.NewUserService(st, c, cfg.JWTSecret, cfg.JWTTTL, cfg.RefreshTTL)
	catalog := services.NewCatalog(st, c)
	gate := services.NewEntitlementGate(cfg.EntitlementMode, st)
	rooms := services.NewRoomService(st, catalog, users, gate)
	messages := services.NewMessageService(st, rooms, services.MessageLimits{
		MaxLength:    cfg.MessageMaxLength,
		DefaultLimit: cfg.PageDefaultLimit,
		MaxLimit:     cfg.PageMaxLimit,
	})
	reads := services.NewReadTracker(st, rooms)

	// Realtime
	registry := presence.NewRegistry(presence.Options{
		Grace:     cfg.PresenceGrace,
		SoftLimit: cfg.OutboxSoftLimit,
		HardLimit: cfg.OutboxHardLimit,
	}, nil)
	gw := gateway.New(registry, rooms, messages, reads, users, gateway.Options{
		OpTimeout:      cfg.OpTimeout,
		TypingInterval: cfg.TypingInterval,
	})

	// Fiber App
	app := fiber.New(fiber.Config{
		ErrorHandler: handlers.ErrorHandler,
	})

	// Middleware
	app.Use(fiberlogger.New())
	app.Use(recover.New())
	app.Use(cors.New())

	handlers.Register(app, users,
		handlers.NewAuthHandler(users),
		handlers.NewChatHandler(rooms, messages, reads, gw, cfg.OpTimeout),
		handlers.NewHealthHandler(st, cachePinger, gw.ConnectionCount),
	)

	// WebSocket Route
	// Middleware order matters: the upgrade check runs before the token check.
	app.Use("/ws", gateway.UpgradeMiddleware, handlers.AuthMiddleware(users))
	app.Get("/ws", gw.Handler())

	go func() {
		logger.Info("[app] listening on :%s (store=%s, entitlements=%s)", cfg.Port, cfg.StoreDriver, cfg.EntitlementMode)
		if err := app.Listen(":" + cfg.Port); err != nil {
			logger.Error("[app] listen: %v", err)
		}
	}()

	wait := gfshutdown.GracefulShutdown(ctx, cfg.ShutdownTimeout, map[string]gfshutdown.Operation{
		"http": func(ctx context.Context) error {
			logger.Info("[app] gracefully shutting down...")
			if err := app.ShutdownWithContext(ctx); err != nil {
				return fmt.Errorf("fiber shutdown: %w", err)
			}
			if err := c.Close(); err != nil {
				logger.Warn("[app] close cache: %v", err)
			}
			st.Close()
			return nil
		},
		"realtime": func(context.Context) error {
			registry.Close()
			return nil
		},
	})

	exitCode := <-wait
	logger.Info("[app] server shutdown complete (code %d)", exitCode)
	return exitCode
}

func openStore(ctx context.Context, cfg *config.Config) (store.Store, error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		logger.Warn("[app] using in-memory store, data is lost on restart")
		mem := memory.New()
		if cfg.MemorySeed == "" {
			logger.Warn("[app] MEMORY_SEED not set, the property catalog is empty")
			return mem, nil
		}
		if err := mem.LoadSeedFile(cfg.MemorySeed); err != nil {
			return nil, err
		}
		logger.Info("[app] loaded memory seed %s", cfg.MemorySeed)
		return mem, nil
	}

	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.EnsureSchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return postgres.New(pool), nil
}
