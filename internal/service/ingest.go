package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"paxcount/internal/model"
	"paxcount/internal/monitor"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Applier is the counter core boundary. Both the Kafka consumer and the
// HTTP event endpoint feed events through it.
type Applier interface {
	Apply(ctx context.Context, ev model.DeviceEvent) (model.ApplyResult, error)
}

type IngestService struct {
	Applier Applier
	Logger  *zap.SugaredLogger
}

func NewIngestService(applier Applier, logger *zap.SugaredLogger) *IngestService {
	return &IngestService{
		Applier: applier,
		Logger:  logger,
	}
}

// ProcessMessage applies one scanner event from the wire
func (s *IngestService) ProcessMessage(ctx context.Context, m kafka.Message, stats *EventStats) {
	ev, err := model.ParseDeviceEvent(m.Value)
	if err != nil {
		s.Logger.Errorw("failed to parse device event", "error", err, "partition", m.Partition, "offset", m.Offset)
		monitor.EventsRejected.Inc()
		stats.IncrementRejected()
		return
	}

	res, err := s.Applier.Apply(ctx, ev)
	if err != nil {
		if errors.Is(err, model.ErrVehicleNotFound) {
			s.Logger.Warnw("event for unregistered vehicle dropped",
				"vehicle_id", ev.VehicleID, "device_id", ev.DeviceID)
			stats.IncrementUnknown()
			return
		}
		s.Logger.Errorw("failed to apply device event", "error", err,
			"vehicle_id", ev.VehicleID, "device_id", ev.DeviceID)
		return
	}

	if res.Outcome.StateChanged() {
		stats.IncrementChanged()
		s.Logger.Infow("passenger count changed",
			"vehicle_id", ev.VehicleID, "device_id", ev.DeviceID,
			"outcome", res.Outcome, "count", res.Count)
	} else {
		stats.IncrementNoop()
		s.Logger.Debugw("device event caused no change",
			"vehicle_id", ev.VehicleID, "device_id", ev.DeviceID, "outcome", res.Outcome)
	}
}

// Internal consumer loop
func (s *IngestService) consumeLoop(ctx context.Context, reader *kafka.Reader, stats *EventStats) error {

	if reader != nil {
		cfg := reader.Config()
		s.Logger.Infow("starting Kafka consumer", "brokers", cfg.Brokers, "topic", cfg.Topic, "groupID", cfg.GroupID)
	}

	for {

		m, err := reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				s.Logger.Info("consumer context canceled, stopping consumer loop")
				return nil
			}
			if errors.Is(err, io.EOF) {
				s.Logger.Debug("Kafka EOF reached, waiting for new messages...")
				time.Sleep(2 * time.Second)
				continue
			}
			return fmt.Errorf("error reading message: %w", err)
		}

		s.ProcessMessage(ctx, m, stats)
	}

}

// Public StartConsumer with reconnect/backoff
func (s *IngestService) StartConsumer(ctx context.Context, reader *kafka.Reader, stats *EventStats) {
	if reader == nil {
		fmt.Println("⚠️ Kafka reader is nil. Consumer not started.")
		return
	}

	backoff := 5 * time.Second
	maxBackoff := 2 * time.Minute

	cfg := reader.Config()
	fmt.Printf("✅ Connecting to Kafka brokers: %v\n", cfg.Brokers)
	fmt.Printf("✅ Subscribing to topic: %s\n🟢 Consumer group: %s\n", cfg.Topic, cfg.GroupID)

	for {
		select {
		case <-ctx.Done():
			fmt.Println("🛑 Kafka consumer context canceled, stopping...")
			return
		default:
		}

		consumeErr := s.consumeLoop(ctx, reader, stats)

		if consumeErr != nil {
			// Stop on context cancellation
			if errors.Is(consumeErr, context.Canceled) || errors.Is(consumeErr, context.DeadlineExceeded) {
				fmt.Println("🛑 Kafka consumer stopped due to context cancellation")
				return
			}

			fmt.Printf("⚠️ Kafka consumer error: %v\n", consumeErr)
			fmt.Printf("⏳ Retrying in %s...\n", backoff)
			time.Sleep(backoff)
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue // retry consumeLoop with the same reader
		} else {
			return
		}
	}
}
