// Package usecase contains the application services: the edge query flow
// and the two bus-driven resolution flows of the processing tier.
package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/EvgeniOk14/currency-rates-service/internal/adapter/observability"
	"github.com/EvgeniOk14/currency-rates-service/internal/correlator"
	"github.com/EvgeniOk14/currency-rates-service/internal/domain"
)

// QueryService turns an external rate query into a request-topic record and
// suspends the caller on a pending slot until the matching reply arrives or
// the deadline passes.
type QueryService struct {
	Table        *correlator.Table
	Pool         domain.TaskPool
	Bus          domain.BusPublisher
	RequestTopic string
	Timeout      time.Duration
}

// NewQueryService constructs a QueryService.
func NewQueryService(table *correlator.Table, pool domain.TaskPool, bus domain.BusPublisher, requestTopic string, timeout time.Duration) *QueryService {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &QueryService{
		Table:        table,
		Pool:         pool,
		Bus:          bus,
		RequestTopic: requestTopic,
		Timeout:      timeout,
	}
}

// Query publishes the query on the request topic and awaits the reply body.
func (s *QueryService) Query(ctx domain.Context, kind domain.QueryKind, argument string) (string, error) {
	tracer := otel.Tracer("usecase.query")
	ctx, span := tracer.Start(ctx, "query.Query")
	defer span.End()

	start := time.Now()
	q, err := domain.NewQuery(kind, argument)
	if err != nil {
		observability.ObserveQuery(string(kind), "invalid", time.Since(start))
		return "", err
	}

	rid := uuid.New().String()
	ch, err := s.Table.Add(rid)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrInternal, err)
	}
	defer func() {
		s.Table.Remove(rid)
		observability.SetPendingRequests(s.Table.Len())
	}()
	observability.SetPendingRequests(s.Table.Len())

	lg := observability.LoggerFromContext(ctx).With("request_id", rid)

	// The publish runs on the pool so a slow broker cannot stall the edge
	// handler past its own deadline; a failed publish settles the slot.
	publish := func() {
		pctx, cancel := context.WithTimeout(context.Background(), s.Timeout)
		defer cancel()
		perr := s.Bus.Publish(pctx, s.RequestTopic, rid, q.Envelope(), map[string]string{
			domain.HeaderMessageKey: rid,
		})
		if perr == nil {
			return
		}
		lg.Error("request publish failed", "error", perr)
		if errors.Is(perr, domain.ErrFenced) {
			s.Table.Fail(rid, perr)
			return
		}
		s.Table.Fail(rid, fmt.Errorf("%w: publish rejected: %v", domain.ErrOverloaded, perr))
	}
	if err := s.Pool.Submit(publish); err != nil {
		observability.ObserveQuery(string(kind), "overloaded", time.Since(start))
		return "", fmt.Errorf("%w: %v", domain.ErrOverloaded, err)
	}

	timer := time.NewTimer(s.Timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		if res.Err != nil {
			observability.ObserveQuery(string(kind), "error", time.Since(start))
			return "", res.Err
		}
		observability.ObserveQuery(string(kind), "ok", time.Since(start))
		return res.Body, nil
	case <-timer.C:
		observability.ObserveQuery(string(kind), "timeout", time.Since(start))
		return "", fmt.Errorf("%w: no reply within %s", domain.ErrTimeout, s.Timeout)
	case <-ctx.Done():
		observability.ObserveQuery(string(kind), "cancelled", time.Since(start))
		return "", fmt.Errorf("%w: %v", domain.ErrTimeout, ctx.Err())
	}
}

// HandleResponse is the response-topic handler. It joins the record back to
// its pending slot by the correlation header and settles the slot once. A
// record with no slot is a late or foreign reply and is dropped silently.
func (s *QueryService) HandleResponse(ctx domain.Context, msg domain.InboundMessage) error {
	lg := observability.LoggerFromContext(ctx)

	rid := msg.Headers[domain.HeaderCorrelationID]
	if rid == "" {
		rid = msg.Headers[domain.HeaderMessageKey]
	}
	if rid == "" {
		lg.Warn("response without correlation id dropped")
		return nil
	}

	var e domain.ErrorReply
	if err := json.Unmarshal([]byte(msg.Body), &e); err == nil && e.Error != "" {
		if !s.Table.Fail(rid, fmt.Errorf("%w: %s", domain.ErrUpstream, e.Error)) {
			lg.Debug("late error reply discarded", "request_id", rid)
		}
		observability.SetPendingRequests(s.Table.Len())
		return nil
	}

	if !s.Table.Complete(rid, msg.Body) {
		lg.Debug("late reply discarded", "request_id", rid)
	}
	observability.SetPendingRequests(s.Table.Len())
	return nil
}
