package results

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"

	"github.com/quizwire/quizwire/go/internal/models"
)

// PublisherConfig holds NATS connection settings.
type PublisherConfig struct {
	URL           string
	SubjectPrefix string // e.g. "game.results"
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultPublisherConfig returns default NATS publisher configuration.
func DefaultPublisherConfig() PublisherConfig {
	return PublisherConfig{
		URL:           nats.DefaultURL,
		SubjectPrefix: "game.results",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
	}
}

// Publisher announces completed games on NATS so downstream consumers
// (analytics, history) can pick them up.
type Publisher struct {
	nc      *nats.Conn
	subject string
}

// NewPublisher connects to NATS.
func NewPublisher(config PublisherConfig) (*Publisher, error) {
	opts := []nats.Option{
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	return &Publisher{
		nc:      nc,
		subject: config.SubjectPrefix + ".completed",
	}, nil
}

// Persist publishes a GameCompleted envelope.
func (p *Publisher) Persist(ctx context.Context, res models.FinalResults) error {
	envelope := map[string]any{
		"eventId":   uuid.New().String(),
		"eventType": "GameCompleted",
		"pin":       res.PIN,
		"timestamp": res.FinishedAt,
		"payload":   res,
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("marshal results envelope: %w", err)
	}

	if err := p.nc.Publish(p.subject, data); err != nil {
		return fmt.Errorf("publish results: %w", err)
	}

	log.Info().
		Str("pin", res.PIN).
		Str("subject", p.subject).
		Int("players", len(res.Standings)).
		Msg("game results published")
	return nil
}

// Close drains the NATS connection.
func (p *Publisher) Close() {
	if p.nc != nil {
		p.nc.Close()
	}
}

// Sink fans the final results record out to durable storage and the message
// bus. Storage failure is surfaced; a publish failure is logged only, since
// the durable record already exists.
type Sink struct {
	repo *Repository
	pub  *Publisher
}

// NewSink combines a repository and an optional publisher.
func NewSink(repo *Repository, pub *Publisher) *Sink {
	return &Sink{repo: repo, pub: pub}
}

// Persist implements the engine's results sink.
func (s *Sink) Persist(ctx context.Context, res models.FinalResults) error {
	if err := s.repo.Persist(ctx, res); err != nil {
		return err
	}

	if s.pub != nil {
		if err := s.pub.Persist(ctx, res); err != nil {
			log.Error().Err(err).Str("pin", res.PIN).Msg("failed to publish results")
		}
	}

	return nil
}
