package writer

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	appconfig "tickflow/config"
	"tickflow/logger"
	"tickflow/models"
)

// RedisPublisher republishes batches with PUBLISH on one channel per stream.
type RedisPublisher struct {
	client          *redis.Client
	underlyingTopic string
	optionsTopic    string
	log             *logger.Entry
}

func NewRedisPublisher(cfg *appconfig.Config) (*RedisPublisher, error) {
	rc := cfg.Publisher.Redis
	if rc.Addr == "" {
		return nil, fmt.Errorf("redis addr not configured")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     rc.Addr,
		Password: rc.Password,
		DB:       rc.DB,
	})
	p := &RedisPublisher{
		client:          client,
		underlyingTopic: cfg.Publisher.UnderlyingTopic,
		optionsTopic:    cfg.Publisher.OptionsTopic,
		log:             logger.GetLogger().WithComponent("redis_publisher"),
	}
	p.log.WithFields(logger.Fields{
		"addr":             rc.Addr,
		"underlying_topic": p.underlyingTopic,
		"options_topic":    p.optionsTopic,
	}).Debug("redis publisher initialized")
	return p, nil
}

// Ping verifies connectivity at startup.
func (p *RedisPublisher) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *RedisPublisher) PublishBars(ctx context.Context, bars []models.UnderlyingBar) error {
	return publishJSON(ctx, p.client, p.underlyingTopic, bars, len(bars))
}

func (p *RedisPublisher) PublishSnapshots(ctx context.Context, snaps []models.OptionSnapshot) error {
	return publishJSON(ctx, p.client, p.optionsTopic, snaps, len(snaps))
}

func publishJSON(ctx context.Context, client *redis.Client, topic string, payload interface{}, count int) error {
	if count == 0 {
		return nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}
	if err := client.Publish(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	logger.IncrementTickPublished(len(data))
	return nil
}

func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
