package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/plugin/kotel"
	"go.opentelemetry.io/otel"

	"github.com/EvgeniOk14/currency-rates-service/internal/adapter/observability"
	"github.com/EvgeniOk14/currency-rates-service/internal/domain"
)

// Handler processes one consumed record. Returning nil marks the record
// consumed; any other outcome leaves it unmarked, and a fenced error stops
// the consumer entirely.
type Handler func(ctx context.Context, msg domain.InboundMessage) error

// Consumer subscribes one group to one topic and offloads each record to
// the worker pool.
type Consumer struct {
	client  *kgo.Client
	pool    domain.TaskPool
	handler Handler
	topic   string
	groupID string

	fatal chan error
}

// NewConsumer constructs a group consumer starting at the earliest offset.
func NewConsumer(brokers []string, groupID, topic string, pool domain.TaskPool, handler Handler) (*Consumer, error) {
	slog.Info("creating kafka consumer",
		slog.Any("brokers", brokers),
		slog.String("group_id", groupID),
		slog.String("topic", topic))

	if len(brokers) == 0 {
		return nil, fmt.Errorf("no seed brokers provided")
	}
	if groupID == "" {
		return nil, fmt.Errorf("missing required group ID")
	}

	// OpenTelemetry hooks: one span per produced/consumed record batch.
	kotelTracer := kotel.NewTracer(
		kotel.TracerProvider(otel.GetTracerProvider()),
	)
	kotelService := kotel.NewKotel(
		kotel.WithTracer(kotelTracer),
	)

	opts := []kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(groupID),
		kgo.ConsumeTopics(topic),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.FetchIsolationLevel(kgo.ReadCommitted()),
		kgo.RequireStableFetchOffsets(),

		kgo.WithHooks(kotelService.Hooks()...),

		kgo.DialTimeout(10 * time.Second),
		kgo.SessionTimeout(30 * time.Second),
		kgo.HeartbeatInterval(3 * time.Second),
		kgo.RebalanceTimeout(10 * time.Second),

		kgo.FetchMaxBytes(10 * 1024 * 1024),
		kgo.FetchMaxWait(5 * time.Second),

		kgo.AutoCommitMarks(),
		kgo.AutoCommitInterval(1 * time.Second),
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		slog.Error("failed to create kafka consumer",
			slog.Any("error", err),
			slog.String("group_id", groupID),
			slog.String("topic", topic))
		return nil, fmt.Errorf("kafka consumer: %w", err)
	}

	return &Consumer{
		client:  client,
		pool:    pool,
		handler: handler,
		topic:   topic,
		groupID: groupID,
		fatal:   make(chan error, 1),
	}, nil
}

// Run polls until ctx is cancelled or a handler reports a fenced producer.
func (c *Consumer) Run(ctx context.Context) error {
	slog.Info("kafka consumer started",
		slog.String("group_id", c.groupID),
		slog.String("topic", c.topic))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-c.fatal:
			slog.Error("consumer stopping on fatal handler error",
				slog.String("topic", c.topic),
				slog.Any("error", err))
			return err
		default:
		}

		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if errs := fetches.Errors(); len(errs) > 0 {
			for _, fe := range errs {
				if errors.Is(fe.Err, context.Canceled) {
					return ctx.Err()
				}
				slog.Error("fetch error",
					slog.String("topic", fe.Topic),
					slog.Int("partition", int(fe.Partition)),
					slog.Any("error", fe.Err))
			}
			time.Sleep(2 * time.Second)
			continue
		}

		fetches.EachRecord(func(rec *kgo.Record) {
			c.dispatch(ctx, rec)
		})
	}
}

// dispatch hands one record to the pool. A saturated pool holds the poll
// loop instead of dropping the record.
func (c *Consumer) dispatch(ctx context.Context, rec *kgo.Record) {
	observability.RecordConsumed(rec.Topic)

	msg := recordToInbound(rec)

	task := func() {
		rid := msg.Headers[domain.HeaderMessageKey]
		lg := slog.Default().With(
			slog.String("topic", rec.Topic),
			slog.Int("partition", int(rec.Partition)),
			slog.Int64("offset", rec.Offset),
			slog.String("request_id", rid),
		)
		hctx := observability.ContextWithRequestID(ctx, rid)
		hctx = observability.ContextWithLogger(hctx, lg)

		if err := c.handler(hctx, msg); err != nil {
			if errors.Is(err, domain.ErrFenced) {
				select {
				case c.fatal <- err:
				default:
				}
				return
			}
			lg.Error("record handling failed", slog.Any("error", err))
			return
		}
		c.client.MarkCommitRecords(rec)
	}

	for {
		err := c.pool.Submit(task)
		if err == nil {
			return
		}
		slog.Warn("worker pool saturated, holding poll loop",
			slog.String("topic", rec.Topic),
			slog.Int64("offset", rec.Offset),
			slog.Any("error", err))
		select {
		case <-ctx.Done():
			return
		case <-time.After(200 * time.Millisecond):
		}
	}
}

// recordToInbound converts a fetched record into the transport-neutral
// message handed to handlers.
func recordToInbound(rec *kgo.Record) domain.InboundMessage {
	msg := domain.InboundMessage{
		Topic:   rec.Topic,
		Key:     string(rec.Key),
		Body:    string(rec.Value),
		Headers: make(map[string]string, len(rec.Headers)),
	}
	for _, h := range rec.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}
	return msg
}

// Close tears down the underlying client.
func (c *Consumer) Close() {
	c.client.Close()
}
