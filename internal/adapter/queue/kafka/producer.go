// Package kafka provides the bus adapter over franz-go.
//
// It carries the four service topics (request, fetch, response and the
// dead-letter topic) with transactional, idempotent publishes and
// consumer-group subscriptions that offload record handling to the
// bounded worker pool.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/EvgeniOk14/currency-rates-service/internal/adapter/observability"
	"github.com/EvgeniOk14/currency-rates-service/internal/domain"
)

// Producer wraps a transactional Kafka producer and implements domain.BusPublisher.
type Producer struct {
	client   *kgo.Client
	dltTopic string
	// Buffered channel serializing producer transactions
	transactionChan chan struct{}
}

// NewProducer constructs a transactional producer. Every process needs its
// own transactional id so the brokers can fence zombie instances.
func NewProducer(brokers []string, transactionalID, dltTopic string) (*Producer, error) {
	slog.Info("creating kafka producer",
		slog.Any("brokers", brokers),
		slog.String("transactional_id", transactionalID))

	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		// Transactional producer: idempotent publishes, fenced on id reuse
		kgo.TransactionalID(transactionalID),
		kgo.RequestRetries(10),
		kgo.ProducerBatchMaxBytes(1000000),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		slog.Error("failed to create kafka client", slog.Any("error", err))
		return nil, fmt.Errorf("kafka client: %w", err)
	}

	slog.Info("kafka producer created successfully")
	return &Producer{
		client:          client,
		dltTopic:        dltTopic,
		transactionChan: make(chan struct{}, 1),
	}, nil
}

// Publish produces one record inside its own transaction.
func (p *Producer) Publish(ctx domain.Context, topic, key, body string, headers map[string]string) error {
	err := p.publish(ctx, topic, key, body, headers)
	observability.RecordPublish(topic, err)
	return err
}

// PublishDeadLetter wraps the original body as
// "Reason: <reason>, Message: <original>" and sends it to the dead-letter topic.
func (p *Producer) PublishDeadLetter(ctx domain.Context, key, original, reason string) error {
	err := p.publish(ctx, p.dltTopic, key, deadLetterBody(reason, original), nil)
	observability.RecordPublish(p.dltTopic, err)
	if err != nil {
		slog.Error("failed to publish dead letter",
			slog.String("key", key),
			slog.String("reason", reason),
			slog.Any("error", err))
		return err
	}
	observability.RecordDeadLetter(reason)
	slog.Warn("record dead-lettered",
		slog.String("key", key),
		slog.String("reason", reason))
	return nil
}

func (p *Producer) publish(ctx context.Context, topic, key, body string, headers map[string]string) error {
	// One transaction in flight per producer; the buffered channel
	// serializes concurrent callers.
	select {
	case p.transactionChan <- struct{}{}:
		defer func() { <-p.transactionChan }()
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := p.client.BeginTransaction(); err != nil {
		return mapFenced(fmt.Errorf("begin transaction: %w", err))
	}

	record := &kgo.Record{
		Topic: topic,
		Key:   []byte(key),
		Value: []byte(body),
	}
	for k, v := range headers {
		record.Headers = append(record.Headers, kgo.RecordHeader{Key: k, Value: []byte(v)})
	}

	e := kgo.AbortingFirstErrPromise(p.client)
	p.client.Produce(ctx, record, e.Promise())
	if err := e.Err(); err != nil {
		slog.Error("failed to produce record",
			slog.String("topic", topic),
			slog.String("key", key),
			slog.Any("error", err))
		if abortErr := p.client.EndTransaction(ctx, kgo.TryAbort); abortErr != nil {
			slog.Error("failed to abort transaction", slog.Any("error", abortErr))
		}
		return mapFenced(fmt.Errorf("produce: %w", err))
	}

	if err := p.client.EndTransaction(ctx, kgo.TryCommit); err != nil {
		slog.Error("failed to commit transaction",
			slog.String("topic", topic),
			slog.String("key", key),
			slog.Any("error", err))
		return mapFenced(fmt.Errorf("commit transaction: %w", err))
	}

	slog.Debug("record published",
		slog.String("topic", topic),
		slog.String("key", key))
	return nil
}

// deadLetterBody renders the dead-letter record body. Consumers of the
// dead-letter topic rely on this exact layout.
func deadLetterBody(reason, original string) string {
	return fmt.Sprintf("Reason: %s, Message: %s", reason, original)
}

// mapFenced translates broker fencing errors into the domain sentinel.
// A fenced producer must not be retried into, only replaced.
func mapFenced(err error) error {
	if errors.Is(err, kerr.ProducerFenced) || errors.Is(err, kerr.InvalidProducerEpoch) {
		return fmt.Errorf("%w: %v", domain.ErrFenced, err)
	}
	return err
}

// Ping verifies broker connectivity; used by readiness checks.
func (p *Producer) Ping(ctx context.Context) error {
	return p.client.Ping(ctx)
}

// Close closes the producer.
func (p *Producer) Close() error {
	if p.client != nil {
		p.client.Close()
	}
	return nil
}
