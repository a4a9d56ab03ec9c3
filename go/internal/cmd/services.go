package main

import (
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/quizwire/quizwire/go/internal/game/content"
	"github.com/quizwire/quizwire/go/internal/game/engine"
	"github.com/quizwire/quizwire/go/internal/game/gateway"
	"github.com/quizwire/quizwire/go/internal/game/pin"
	"github.com/quizwire/quizwire/go/internal/game/results"
	"github.com/quizwire/quizwire/go/internal/game/store"
)

type Services struct {
	Engine    *engine.Engine
	Gateway   *gateway.Service
	Publisher *results.Publisher
}

func setupServices(config *Config, db *pgxpool.Pool, rdb redis.UniversalClient) (*Services, error) {
	// Wire up dependency injection chain
	// Storage layer → Repository layer → Engine → Gateway

	sessionTTL := time.Duration(config.Redis.SessionTTLMin) * time.Minute
	sessionStore := store.New(rdb, sessionTTL)
	pins := pin.New(rdb, sessionTTL)

	contentRepo := content.NewRepository(db)
	resultsRepo := results.NewRepository(db)

	var publisher *results.Publisher
	if config.NATS.Enabled {
		pubConfig := results.DefaultPublisherConfig()
		pubConfig.URL = config.NATS.URL
		var err error
		publisher, err = results.NewPublisher(pubConfig)
		if err != nil {
			return nil, err
		}
	} else {
		log.Info().Msg("NATS publishing disabled; results go to Postgres only")
	}

	gatewayService := gateway.NewService(gateway.DefaultConfig())

	gameEngine := engine.New(engine.Config{
		Store:          sessionStore,
		PINs:           pins,
		Content:        contentRepo,
		Results:        results.NewSink(resultsRepo, publisher),
		Broadcaster:    gatewayService.Connections(),
		HeartbeatGrace: time.Duration(config.Game.HeartbeatGraceSec) * time.Second,
		PINGrace:       time.Duration(config.Game.PINGraceSec) * time.Second,
	})

	// The gateway and engine reference each other; close the loop.
	gatewayService.Bind(gameEngine)

	return &Services{
		Engine:    gameEngine,
		Gateway:   gatewayService,
		Publisher: publisher,
	}, nil
}
