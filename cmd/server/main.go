package main

import (
	"context"
	"fmt"
	"log"

	"github.com/gin-gonic/gin"

	"devlink-server/internal/auth"
	"devlink-server/internal/config"
	"devlink-server/internal/server"
	"devlink-server/internal/store"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}

	gin.SetMode(cfg.GinMode)

	st, err := store.Open(context.Background(), cfg.DBPath)
	if err != nil {
		log.Fatal(err)
	}
	defer st.Close()

	tokenCfg := auth.TokenConfig{
		Secret: cfg.MasterSecret,
		Expiry: cfg.TokenExpiry,
		Issuer: "devlink-server",
	}

	core := server.NewCore(st, server.CoreConfig{
		GrantCacheTTL: cfg.GrantCacheTTL,
		TaskRetention: cfg.TaskRetention,
	})
	defer core.Shutdown()

	router := server.NewRouter(server.Deps{Store: st, Core: core, TokenConfig: tokenCfg})
	log.Printf("listening on %s", fmt.Sprintf(":%d", cfg.Port))
	log.Fatal(server.Run(cfg, router))
}
