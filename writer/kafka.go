package writer

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	kafka "github.com/segmentio/kafka-go"

	appconfig "tickflow/config"
	"tickflow/logger"
	"tickflow/models"
)

// KafkaPublisher republishes batches to per-stream topics, keyed by
// instrument token so one instrument stays in one partition.
type KafkaPublisher struct {
	writer          *kafka.Writer
	underlyingTopic string
	optionsTopic    string
	log             *logger.Entry
}

func NewKafkaPublisher(cfg *appconfig.Config) (*KafkaPublisher, error) {
	kc := cfg.Publisher.Kafka
	if len(kc.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers not configured")
	}
	p := &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:     kafka.TCP(kc.Brokers...),
			Balancer: &kafka.Hash{},
		},
		underlyingTopic: cfg.Publisher.UnderlyingTopic,
		optionsTopic:    cfg.Publisher.OptionsTopic,
		log:             logger.GetLogger().WithComponent("kafka_publisher"),
	}
	p.log.WithFields(logger.Fields{
		"brokers":          kc.Brokers,
		"underlying_topic": p.underlyingTopic,
		"options_topic":    p.optionsTopic,
	}).Debug("kafka publisher initialized")
	return p, nil
}

func (p *KafkaPublisher) PublishBars(ctx context.Context, bars []models.UnderlyingBar) error {
	msgs := make([]kafka.Message, 0, len(bars))
	for _, bar := range bars {
		data, err := json.Marshal(bar)
		if err != nil {
			return fmt.Errorf("marshal bar: %w", err)
		}
		msgs = append(msgs, kafka.Message{
			Topic: p.underlyingTopic,
			Key:   []byte(strconv.FormatUint(uint64(bar.Token), 10)),
			Value: data,
		})
	}
	return p.write(ctx, msgs)
}

func (p *KafkaPublisher) PublishSnapshots(ctx context.Context, snaps []models.OptionSnapshot) error {
	msgs := make([]kafka.Message, 0, len(snaps))
	for _, snap := range snaps {
		data, err := json.Marshal(snap)
		if err != nil {
			return fmt.Errorf("marshal snapshot: %w", err)
		}
		msgs = append(msgs, kafka.Message{
			Topic: p.optionsTopic,
			Key:   []byte(strconv.FormatUint(uint64(snap.Token), 10)),
			Value: data,
		})
	}
	return p.write(ctx, msgs)
}

func (p *KafkaPublisher) write(ctx context.Context, msgs []kafka.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write messages: %w", err)
	}
	size := 0
	for _, m := range msgs {
		size += len(m.Value)
	}
	logger.IncrementTickPublished(size)
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}
