package server

import (
	"time"

	"github.com/gin-gonic/gin"

	"devlink-server/internal/auth"
	"devlink-server/internal/command"
	"devlink-server/internal/gateway"
	"devlink-server/internal/handler"
	"devlink-server/internal/middleware"
	"devlink-server/internal/perm"
	"devlink-server/internal/presence"
	"devlink-server/internal/signal"
	"devlink-server/internal/store"
	"devlink-server/internal/task"
)

// Core is the protocol core: presence, permissions, tasks, dispatch, and
// signaling, wired together once per process.
type Core struct {
	Registry *presence.Registry
	Oracle   *perm.Oracle
	Ledger   *task.Ledger
	Router   *command.Router
	Broker   *signal.Broker
}

type CoreConfig struct {
	GrantCacheTTL time.Duration
	TaskRetention time.Duration
}

func NewCore(st *store.Store, cfg CoreConfig) *Core {
	registry := presence.NewRegistry()
	oracle := perm.NewOracle(st, cfg.GrantCacheTTL)
	ledger := task.NewLedger(cfg.TaskRetention)
	router := command.NewRouter(oracle, registry, ledger)
	broker := signal.NewBroker(registry, ledger)
	router.OnLiveStopped(broker.OnLiveStopped)

	return &Core{
		Registry: registry,
		Oracle:   oracle,
		Ledger:   ledger,
		Router:   router,
		Broker:   broker,
	}
}

// Shutdown clears live sessions and stops ledger timers.
func (c *Core) Shutdown() {
	c.Registry.Clear()
	c.Ledger.Close()
}

type Deps struct {
	Store       *store.Store
	Core        *Core
	TokenConfig auth.TokenConfig
}

func NewRouter(deps Deps) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.Logger())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"ok": true})
	})

	authLimiter := middleware.NewRateLimiter(10, time.Minute)
	authHandler := &handler.AuthHandler{Store: deps.Store, TokenConfig: deps.TokenConfig, Limiter: authLimiter}
	r.POST("/v1/auth", authHandler.Auth)

	protected := r.Group("/v1")
	protected.Use(middleware.RequireController(deps.TokenConfig))

	versionHandler := &handler.VersionHandler{}
	protected.GET("/version", versionHandler.Check)

	deviceHandler := &handler.DeviceHandler{Store: deps.Store, Registry: deps.Core.Registry, TokenConfig: deps.TokenConfig}
	protected.POST("/devices", deviceHandler.Register)
	protected.GET("/devices", deviceHandler.List)

	grantHandler := &handler.GrantHandler{Store: deps.Store, Oracle: deps.Core.Oracle}
	protected.POST("/devices/:id/grants", grantHandler.Upsert)
	protected.GET("/devices/:id/grants", grantHandler.List)
	protected.DELETE("/devices/:id/grants/:controllerId", grantHandler.Revoke)

	controlHandler := &handler.ControlHandler{Router: deps.Core.Router}
	protected.POST("/control/:kind/:deviceId", controlHandler.Submit)
	protected.GET("/task/:id", controlHandler.Status)
	protected.POST("/task/:id/cancel", controlHandler.Cancel)

	gw := gateway.New(gateway.Deps{
		Registry:    deps.Core.Registry,
		Router:      deps.Core.Router,
		Broker:      deps.Core.Broker,
		TokenConfig: deps.TokenConfig,
	})
	r.GET("/ws", gw.Serve)

	return r
}
