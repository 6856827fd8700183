package usecase

import (
	"encoding/json"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/EvgeniOk14/currency-rates-service/internal/adapter/observability"
	"github.com/EvgeniOk14/currency-rates-service/internal/domain"
)

// FetchService is the fetch-side handler: it calls the upstream provider,
// persists the new reply and publishes it on the response topic.
type FetchService struct {
	Store         domain.RateStore
	Provider      domain.RatesProvider
	Bus           domain.BusPublisher
	ResponseTopic string

	nowFn func() time.Time
}

// NewFetchService constructs a FetchService.
func NewFetchService(store domain.RateStore, provider domain.RatesProvider, bus domain.BusPublisher, responseTopic string) *FetchService {
	return &FetchService{
		Store:         store,
		Provider:      provider,
		Bus:           bus,
		ResponseTopic: responseTopic,
		nowFn:         time.Now,
	}
}

// HandleFetch processes one fetch-topic record. Retries around the upstream
// call live inside the provider; exhausted retries surface here as one
// error and turn into a dead letter plus a synthetic response so the edge
// observes an upstream failure, not a timeout.
func (s *FetchService) HandleFetch(ctx domain.Context, msg domain.InboundMessage) error {
	tracer := otel.Tracer("usecase.fetch")
	ctx, span := tracer.Start(ctx, "fetch.HandleFetch")
	defer span.End()

	lg := observability.LoggerFromContext(ctx)

	rid := msg.Headers[domain.HeaderMessageKey]
	if rid == "" {
		lg.Warn("fetch record without message key", "body", msg.Body)
		return s.Bus.PublishDeadLetter(ctx, msg.Key, msg.Body, domain.ReasonMissingCorrelation)
	}

	q, err := domain.ParseEnvelope(msg.Body)
	if err != nil {
		lg.Warn("unparsable fetch body", "body", msg.Body, "error", err)
		return s.Bus.PublishDeadLetter(ctx, rid, msg.Body, domain.ReasonUnrecognised)
	}

	up, err := s.Provider.Latest(ctx)
	if err != nil {
		lg.Error("upstream fetch failed", "error", err)
		if derr := s.Bus.PublishDeadLetter(ctx, rid, msg.Body, domain.ReasonUpstreamUnavailable); derr != nil {
			return derr
		}
		return s.publishError(ctx, rid, domain.ReasonUpstreamUnavailable)
	}

	// A requested code the provider does not know is a validation failure:
	// dead-letter only, no response record, so the bug surfaces as a
	// timeout at the edge rather than a business error.
	for _, code := range q.Codes() {
		if _, ok := up.Rates[code]; !ok {
			lg.Warn("requested code unknown upstream", "code", code)
			return s.Bus.PublishDeadLetter(ctx, rid, msg.Body, domain.ReasonUnknownCode)
		}
	}

	reply := domain.RateReply{
		BaseCurrency: up.Base,
		Date:         up.Date,
		Currency:     q.CacheKey(),
		RequestID:    rid,
	}
	if codes := q.Codes(); len(codes) > 0 {
		reply.Rates = make(map[string]float64, len(codes))
		for _, c := range codes {
			reply.Rates[c] = up.Rates[c]
		}
	} else {
		reply.Rates = up.Rates
	}

	now := s.nowFn()
	if err := s.Store.SaveReply(ctx, msg.Body, reply, now); err != nil {
		if err = s.Store.SaveReply(ctx, msg.Body, reply, now); err != nil {
			lg.Error("reply save failed twice", "error", err)
			if derr := s.Bus.PublishDeadLetter(ctx, rid, msg.Body, domain.ReasonStorageFailure); derr != nil {
				return derr
			}
			return s.publishError(ctx, rid, domain.ReasonStorageFailure)
		}
	}

	body, err := json.Marshal(reply)
	if err != nil {
		return err
	}
	return s.Bus.Publish(ctx, s.ResponseTopic, rid, string(body), map[string]string{
		domain.HeaderMessageKey:    rid,
		domain.HeaderCorrelationID: rid,
	})
}

func (s *FetchService) publishError(ctx domain.Context, rid, reason string) error {
	body, err := json.Marshal(domain.ErrorReply{Error: reason, RequestID: rid})
	if err != nil {
		return err
	}
	return s.Bus.Publish(ctx, s.ResponseTopic, rid, string(body), map[string]string{
		domain.HeaderMessageKey:    rid,
		domain.HeaderCorrelationID: rid,
	})
}
