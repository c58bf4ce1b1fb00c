// Package kafka carries audit events over Kafka. Records are keyed by invoice
// so every event of one invoice lands on the same ordered partition.
package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/erp/compliance/internal/infrastructure/config"
	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Default topic names
const (
	DefaultTopic    = "invoice-audit-events"
	DefaultDLQTopic = "invoice-events-dlq"
)

// ErrNoBrokers is returned when no seed brokers are configured
var ErrNoBrokers = errors.New("kafka: at least one broker is required")

func withDefaults(cfg config.KafkaConfig) (config.KafkaConfig, error) {
	if len(cfg.Brokers) == 0 {
		return cfg, ErrNoBrokers
	}
	if cfg.Topic == "" {
		cfg.Topic = DefaultTopic
	}
	if cfg.DLQTopic == "" {
		cfg.DLQTopic = DefaultDLQTopic
	}
	if cfg.Partitions <= 0 {
		cfg.Partitions = 12
	}
	if cfg.ReplicationFactor <= 0 {
		cfg.ReplicationFactor = 1
	}
	if cfg.MaxDeliveryAttempts <= 0 {
		cfg.MaxDeliveryAttempts = 5
	}
	return cfg, nil
}

// EnsureTopics creates the event and dead letter topics when they are missing
func EnsureTopics(ctx context.Context, client *kgo.Client, cfg config.KafkaConfig, logger *zap.Logger) error {
	cfg, err := withDefaults(cfg)
	if err != nil {
		return err
	}
	adm := kadm.NewClient(client)

	responses, err := adm.CreateTopics(ctx, int32(cfg.Partitions), int16(cfg.ReplicationFactor), nil, cfg.Topic, cfg.DLQTopic)
	if err != nil {
		return fmt.Errorf("failed to create kafka topics: %w", err)
	}
	for _, resp := range responses.Sorted() {
		switch {
		case resp.Err == nil:
			logger.Info("Kafka topic created", zap.String("topic", resp.Topic), zap.Int32("partitions", resp.NumPartitions))
		case errors.Is(resp.Err, kerr.TopicAlreadyExists):
			logger.Debug("Kafka topic exists", zap.String("topic", resp.Topic))
		default:
			return fmt.Errorf("failed to create kafka topic %s: %w", resp.Topic, resp.Err)
		}
	}
	return nil
}
