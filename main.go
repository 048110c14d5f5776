package main

import (
	"context"
	"log"
	"os"
	"time"

	"multichatgo/internal/api"
	"multichatgo/internal/auth"
	"multichatgo/internal/config"
	"multichatgo/internal/engine"
	"multichatgo/internal/redis"
	"multichatgo/internal/service/room"
	"multichatgo/internal/service/skill"
	"multichatgo/internal/storage"
	"multichatgo/internal/supervisor"
	"multichatgo/internal/transport"

	"github.com/gin-gonic/gin"
)

func main() {
	cfgPath := os.Getenv("MULTICHATGO_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	dbType := os.Getenv("MULTICHATGO_DB")
	if dbType == "" {
		dbType = "sqlite3"
	}
	log.Printf("dbType: %s\n", dbType)
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()
	rdb, err := redis.NewRedisClient(cfg)
	if err != nil {
		log.Fatalf("create redis client: %v", err)
	}
	defer rdb.Close()

	if err := storage.Migrate(db, dbType); err != nil {
		log.Fatalf("migrate database: %v", err)
	}

	roomService := room.NewService(db)
	tokenTTL := time.Duration(cfg.BasicConfig.TokenTTLHours) * time.Hour
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	authService := auth.NewService(db, rdb, tokenTTL)

	registry := transport.NewRegistry()
	skills := skill.NewRegistry(skill.NewLocalRunner())
	manager := engine.NewManager(roomService, registry, skills, rdb, cfg.Engine)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go manager.ListenInvalidations(ctx)

	super := supervisor.New(roomService, registry, manager)
	if err := super.Resume(ctx); err != nil {
		log.Fatalf("resume interrupted runs: %v", err)
	}

	handlers := api.NewHandler(roomService, authService, manager, super)
	router := gin.Default()
	handlers.RegisterRoutes(router)

	addr := cfg.BasicConfig.ServerAddress
	if addr == "" {
		addr = ":8080"
	}
	if err := router.Run(addr); err != nil {
		log.Fatalf("run server: %v", err)
	}
}
