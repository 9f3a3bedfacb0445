package writer

import (
	"context"
	"fmt"

	appconfig "tickflow/config"
	"tickflow/models"
)

// Publisher is a pub/sub backend for processed market data. Batches arrive
// already serialized-ready; backends own their wire encoding.
type Publisher interface {
	PublishBars(ctx context.Context, bars []models.UnderlyingBar) error
	PublishSnapshots(ctx context.Context, snaps []models.OptionSnapshot) error
	Close() error
}

// NewPublisher selects the configured backend.
func NewPublisher(cfg *appconfig.Config) (Publisher, error) {
	switch cfg.Publisher.Backend {
	case "redis", "":
		return NewRedisPublisher(cfg)
	case "kafka":
		return NewKafkaPublisher(cfg)
	case "none":
		return NopPublisher{}, nil
	default:
		return nil, fmt.Errorf("unknown publisher backend %q", cfg.Publisher.Backend)
	}
}

// NopPublisher drops everything; used when republication is disabled.
type NopPublisher struct{}

func (NopPublisher) PublishBars(context.Context, []models.UnderlyingBar) error       { return nil }
func (NopPublisher) PublishSnapshots(context.Context, []models.OptionSnapshot) error { return nil }
func (NopPublisher) Close() error                                                    { return nil }
