package main

import (
	"context"
	"log"
	"log/slog"
	"os"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/mikeboe/deep-research/pkg/app"
	"github.com/mikeboe/deep-research/pkg/config"
	"github.com/mikeboe/deep-research/pkg/database"
	"github.com/mikeboe/deep-research/pkg/research"
	"github.com/mikeboe/deep-research/pkg/server"
)

func main() {
	cfg := config.MustLoad()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.SlogLevel()}))
	slog.SetDefault(logger)

	ctx := context.Background()

	// Jobs live in Postgres when a database is configured, in memory otherwise
	var (
		db    *database.PostgresDB
		store server.JobStore
	)
	if cfg.HasDatabase() {
		var err error
		db, err = database.NewPostgresDB(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("Failed to connect to database: %v", err)
		}
		defer db.Close()

		if err := db.InitSchema(ctx); err != nil {
			log.Fatalf("Failed to initialize schema: %v", err)
		}
		store = server.NewPostgresStore(db)
	} else {
		logger.Warn("DATABASE_URL not set, jobs are kept in memory")
		store = server.NewMemoryStore()
	}

	a, err := app.New(ctx, cfg, db, logger)
	if err != nil {
		log.Fatalf("Failed to init research pipeline: %v", err)
	}

	svc := server.NewService(store, cfg.Research(), func(rc research.Config, jobLogger *slog.Logger) (server.Runner, error) {
		r, err := a.NewResearcher(rc, jobLogger)
		if err != nil {
			return nil, err
		}
		return r, nil
	})
	svc.Logger = logger
	handler := server.NewHandler(svc)

	// Web Server Setup
	r := gin.Default()

	// CORS Setup
	r.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Last-Event-ID"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false,
	}))

	handler.RegisterRoutes(r)

	logger.Info("Server starting", "port", cfg.Port, "index", cfg.IndexBackend, "search", cfg.SearchProvider)
	if err := r.Run(":" + cfg.Port); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
}
