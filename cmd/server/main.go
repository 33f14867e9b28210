package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/listening-party-system/internal/auth"
	"github.com/listening-party-system/internal/config"
	"github.com/listening-party-system/internal/party"
	"github.com/listening-party-system/internal/search"
	"github.com/listening-party-system/internal/ws"
	"github.com/listening-party-system/pkg/database"
	"github.com/listening-party-system/pkg/events"
	"github.com/listening-party-system/pkg/jwt"
	"github.com/listening-party-system/pkg/redis"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	setupLogger(cfg)

	if err := run(cfg); err != nil {
		log.Fatal().Err(err).Msg("Server stopped")
	}
}

func setupLogger(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	if !cfg.Production() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen})
	}
}

func openDatabase(cfg *config.Config) (*database.MySQLDB, error) {
	if cfg.DBDriver == "sqlite" {
		return database.NewSQLiteDB(cfg.SQLitePath)
	}
	return database.NewMySQLDB(cfg.MySQLHost, cfg.MySQLPort, cfg.MySQLUser, cfg.MySQLPassword, cfg.MySQLDatabase)
}

func newSearchProvider(cfg *config.Config, redisClient *goredis.Client) search.Provider {
	var provider search.Provider
	switch cfg.SearchProvider {
	case "spotify":
		provider = search.NewSpotifyProvider(search.SpotifyConfig{
			ClientID:     cfg.SpotifyClientID,
			ClientSecret: cfg.SpotifyClientSecret,
			Limit:        cfg.SearchLimit,
			Rate:         cfg.SearchRate,
		}, redis.NewTokenStore(redisClient))
	default:
		provider = search.NewITunesProvider(search.ITunesConfig{
			Limit: cfg.SearchLimit,
			Rate:  cfg.SearchRate,
		})
	}
	if cfg.SearchCacheTTL <= 0 {
		return provider
	}
	return search.NewCachedProvider(provider, redis.NewSearchCache(redisClient, cfg.SearchCacheTTL))
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	db, err := openDatabase(cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	if sqlDB, err := db.DB.DB(); err == nil {
		defer sqlDB.Close()
	}

	redisClient := goredis.NewClient(&goredis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer redisClient.Close()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to connect to redis: %w", err)
	}

	var kafkaClient *events.KafkaClient
	var publisher ws.Publisher
	if len(cfg.KafkaBrokers) > 0 {
		groupID := cfg.KafkaGroupID
		if groupID == "" {
			// Every instance relays every event, so each needs its own group.
			groupID = "listening-party-" + uuid.NewString()
		}
		kafkaClient = events.NewKafkaClient(cfg.KafkaBrokers, cfg.KafkaTopic, groupID)
		defer kafkaClient.Close()
		publisher = kafkaClient
	}
	hub := ws.NewHub(publisher)

	issuer := jwt.NewIssuer(cfg.JWTSecret, cfg.TokenTTL)
	idleSeconds := int(cfg.IdleTimeout / time.Second)

	registry := party.NewRegistry(db, hub, redis.NewDeadlineStore(redisClient), party.Options{
		RevealDelay:        cfg.RevealDelay,
		IdleUnit:           time.Second,
		DefaultIdleTimeout: idleSeconds,
	})
	if err := registry.Recover(ctx); err != nil {
		log.Error().Err(err).Str("module", "main").Msg("failed to recover party timers")
	}

	partyHandler := party.NewHandler(party.NewService(db, issuer, idleSeconds))
	searchHandler := search.NewHandler(newSearchProvider(cfg, redisClient))
	authHandler := auth.NewHandler(issuer, db)
	wsHandler := ws.NewHandler(hub, registry, ws.Config{
		AllowedOrigins: cfg.AllowedOrigins,
		MessageRate:    cfg.WSMessageRate,
	})

	router := gin.New()
	router.Use(gin.Recovery())
	if !cfg.Production() {
		router.Use(gin.Logger())
	}
	router.Use(cors.New(corsConfig(cfg.AllowedOrigins)))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "ok",
		})
	})
	partyHandler.RegisterRoutes(router)
	searchHandler.RegisterRoutes(router)
	authHandler.RegisterRoutes(router)
	router.GET("/ws", auth.Middleware(issuer), wsHandler.HandleWebSocket)

	srv := &http.Server{
		Addr:    ":" + strconv.Itoa(cfg.Port),
		Handler: router,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("module", "main").Int("port", cfg.Port).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})
	if kafkaClient != nil {
		g.Go(func() error {
			return hub.Relay(ctx, kafkaClient)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		log.Info().Str("module", "main").Msg("Shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		registry.Shutdown()
		return err
	})

	return g.Wait()
}

func corsConfig(origins []string) cors.Config {
	cfg := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
	}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
		cfg.AllowCredentials = false
		return cfg
	}
	for _, o := range origins {
		if o == "*" {
			cfg.AllowAllOrigins = true
			cfg.AllowCredentials = false
			return cfg
		}
	}
	cfg.AllowOrigins = origins
	return cfg
}
