package retry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	kafkaGo "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KafkaQueue keeps retry jobs on a topic so they survive restarts. Offsets
// are committed only after the handler returns.
type KafkaQueue struct {
	writer *kafkaGo.Writer
	reader *kafkaGo.Reader
	logger *zap.Logger
}

func NewKafkaQueue(brokers []string, topic string, groupID string, logger *zap.Logger) *KafkaQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaQueue{
		writer: &kafkaGo.Writer{
			Addr:                   kafkaGo.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafkaGo.LeastBytes{},
			AllowAutoTopicCreation: true,
			WriteTimeout:           5 * time.Second,
			MaxAttempts:            3,
		},
		reader: kafkaGo.NewReader(kafkaGo.ReaderConfig{
			Brokers: brokers,
			Topic:   topic,
			GroupID: groupID,
		}),
		logger: logger,
	}
}

func (q *KafkaQueue) Enqueue(ctx context.Context, job Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode retry job: %w", err)
	}
	return q.writer.WriteMessages(ctx, kafkaGo.Message{
		Key:   []byte(job.OrderID),
		Value: payload,
	})
}

func (q *KafkaQueue) Consume(ctx context.Context, handler func(ctx context.Context, job Job) error) error {
	topic := q.reader.Config().Topic
	for {
		msg, err := q.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, context.Canceled) {
				return err
			}
			q.logger.Error("fetch retry job", zap.String("topic", topic), zap.Error(err))
			continue
		}

		var job Job
		if err := json.Unmarshal(msg.Value, &job); err != nil {
			q.logger.Error("drop malformed retry job",
				zap.String("topic", topic),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
		} else if err := handler(ctx, job); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			q.logger.Error("handle retry job", zap.String("failure_id", job.FailureID), zap.Error(err))
		}

		if err := q.reader.CommitMessages(ctx, msg); err != nil && ctx.Err() == nil {
			q.logger.Error("commit retry job offset", zap.String("topic", topic), zap.Error(err))
		}
	}
}

func (q *KafkaQueue) Close() error {
	return errors.Join(q.writer.Close(), q.reader.Close())
}
