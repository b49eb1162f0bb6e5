package app

import (
	"context"
	"fmt"
	"time"

	"paxcount/internal/broadcast"
	"paxcount/internal/config"
	"paxcount/internal/service"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// StartBroadcast wires the count broadcast stack: the in-process fallback,
// the optional MQTT variant, and the switch over both. Broker problems
// never fail startup; the switch just begins on the fallback and the probe
// promotes it once the broker shows up.
func StartBroadcast(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) *broadcast.Switch {
	fallback := broadcast.NewMemory(logger)

	var (
		distributed broadcast.Backend
		ready       func() bool
	)
	if cfg.MQTTBrokerURL != "" {
		mq, err := broadcast.NewMQTT(broadcast.MQTTConfig{
			BrokerURL: cfg.MQTTBrokerURL,
			ClientID:  cfg.MQTTClientID,
			Username:  cfg.MQTTUsername,
			Password:  cfg.MQTTPassword,
		}, logger)
		if err != nil {
			logger.Errorw("MQTT config rejected, running in-process broadcast only", "error", err)
		} else if err := mq.Start(ctx); err != nil {
			logger.Errorw("MQTT client failed to start, running in-process broadcast only", "error", err)
		} else {
			// Give the first connect a moment so the switch can begin in
			// distributed mode when the broker is already up.
			awaitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			if err := mq.AwaitConnection(awaitCtx); err != nil {
				logger.Warnw("MQTT broker not reachable yet, starting on fallback", "error", err)
			}
			cancel()
			distributed = mq
			ready = mq.Connected
		}
	} else {
		fmt.Println("⚠️ MQTT_BROKER_URL not set. Count broadcast is in-process only.")
	}

	sw := broadcast.NewSwitch(broadcast.SwitchConfig{
		Distributed:   distributed,
		Ready:         ready,
		Fallback:      fallback,
		ProbeInterval: cfg.BroadcastProbeInterval,
		Logger:        logger,
	})
	sw.Start(ctx)
	return sw
}

// StartIngest handles Kafka reader setup, the consumer lifecycle, and
// graceful shutdown. It blocks until the context is canceled or the
// consumer stops.
func StartIngest(ctx context.Context, applier service.Applier, stats *service.EventStats, cfg *config.Config, logger *zap.SugaredLogger) {
	if len(cfg.KafkaBrokers) == 0 || cfg.KafkaBrokers[0] == "" {
		fmt.Println("⚠️ KAFKA_BROKER not set. Scanner events arrive over HTTP only.")
		return
	}

	// Kafka Reader Setup
	kafkaReader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:           cfg.KafkaBrokers,
		Topic:             cfg.KafkaTopic,
		GroupID:           cfg.KafkaGroupID,
		StartOffset:       kafka.FirstOffset,
		ReadLagInterval:   -1,
		HeartbeatInterval: 3 * time.Second,
		SessionTimeout:    30 * time.Second,
		Dialer: &kafka.Dialer{
			TLS: cfg.CreateKafkaTLSConfig(),
		},
	})
	defer kafkaReader.Close()

	ingestSvc := service.NewIngestService(applier, logger)

	done := make(chan struct{})
	go func() {
		defer close(done)
		ingestSvc.StartConsumer(ctx, kafkaReader, stats)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received, stopping Kafka consumer")
	case <-done:
		logger.Info("Kafka consumer finished, exiting")
	}

	// Wait for consumer goroutine to finish
	select {
	case <-done:
		logger.Info("Kafka consumer stopped gracefully")
	case <-time.After(30 * time.Second):
		logger.Warn("timeout waiting for Kafka consumer to stop")
	}

	fmt.Println("✅ Kafka ingest shutdown completed")
}
