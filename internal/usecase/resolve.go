package usecase

import (
	"encoding/json"
	"errors"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/EvgeniOk14/currency-rates-service/internal/adapter/observability"
	"github.com/EvgeniOk14/currency-rates-service/internal/domain"
)

// ResolveService is the request-side handler: it absorbs duplicate
// deliveries through the dedup ledger, answers fresh queries from the cache
// and forwards everything else to the fetch topic.
type ResolveService struct {
	Store         domain.RateStore
	Ledger        domain.DedupLedger
	Bus           domain.BusPublisher
	FetchTopic    string
	ResponseTopic string
	Freshness     time.Duration
	DedupTTL      time.Duration

	nowFn func() time.Time
}

// NewResolveService constructs a ResolveService.
func NewResolveService(store domain.RateStore, ledger domain.DedupLedger, bus domain.BusPublisher, fetchTopic, responseTopic string, freshness, dedupTTL time.Duration) *ResolveService {
	if freshness <= 0 {
		freshness = time.Hour
	}
	if dedupTTL <= 0 {
		dedupTTL = 240 * time.Hour
	}
	return &ResolveService{
		Store:         store,
		Ledger:        ledger,
		Bus:           bus,
		FetchTopic:    fetchTopic,
		ResponseTopic: responseTopic,
		Freshness:     freshness,
		DedupTTL:      dedupTTL,
		nowFn:         time.Now,
	}
}

// HandleRequest processes one request-topic record. Validation failures go
// to the dead-letter topic without a response record; only resolved queries
// and exhausted storage reach the response topic.
func (s *ResolveService) HandleRequest(ctx domain.Context, msg domain.InboundMessage) error {
	tracer := otel.Tracer("usecase.resolve")
	ctx, span := tracer.Start(ctx, "resolve.HandleRequest")
	defer span.End()

	lg := observability.LoggerFromContext(ctx)

	rid := msg.Headers[domain.HeaderMessageKey]
	if rid == "" {
		lg.Warn("request without message key", "body", msg.Body)
		return s.Bus.PublishDeadLetter(ctx, msg.Key, msg.Body, domain.ReasonMissingCorrelation)
	}

	q, err := domain.ParseEnvelope(msg.Body)
	if err != nil {
		lg.Warn("unparsable request body", "body", msg.Body, "error", err)
		return s.Bus.PublishDeadLetter(ctx, rid, msg.Body, domain.ReasonUnrecognised)
	}

	now := s.nowFn()

	// Dedup insert is the first durable side effect: once rid is recorded,
	// every redelivery of this record is dropped before it can touch the
	// cache again.
	inserted, err := s.insertDedup(ctx, rid, now)
	if err != nil {
		lg.Error("dedup insert failed twice", "error", err)
		if derr := s.Bus.PublishDeadLetter(ctx, rid, msg.Body, domain.ReasonStorageFailure); derr != nil {
			return derr
		}
		return s.publishError(ctx, rid, domain.ReasonStorageFailure)
	}
	if !inserted {
		observability.RecordDedupDrop()
		lg.Info("duplicate delivery dropped", "request_id", rid)
		return nil
	}

	lastSaved, err := s.Store.PayloadLastSaved(ctx, msg.Body)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		lastSaved, err = s.Store.PayloadLastSaved(ctx, msg.Body)
	}
	switch {
	case err == nil:
		if now.Sub(lastSaved) < s.Freshness {
			hit, herr := s.replyFromCache(ctx, q, q.CacheKey(), rid)
			if herr != nil {
				return herr
			}
			if hit {
				observability.RecordCacheLookup("hit")
				return nil
			}
			// A fresh ledger row without a usable reply means the code set
			// changed; fall through to refetch.
		}
		observability.RecordCacheLookup("stale")
		if terr := s.Store.TouchPayload(ctx, msg.Body, now); terr != nil {
			if terr = s.Store.TouchPayload(ctx, msg.Body, now); terr != nil {
				lg.Error("payload touch failed twice", "error", terr)
			}
		}
		return s.forwardToFetch(ctx, rid, msg.Body)

	case errors.Is(err, domain.ErrNotFound):
		// Never fetched under this exact payload. A fresh ALL snapshot can
		// still answer SINGLE/FILTER queries whose codes it covers.
		if q.Kind != domain.KindAll {
			hit, herr := s.supersetFallback(ctx, q, rid)
			if herr != nil {
				return herr
			}
			if hit {
				observability.RecordCacheLookup("superset_hit")
				return nil
			}
		}
		observability.RecordCacheLookup("miss")
		return s.forwardToFetch(ctx, rid, msg.Body)

	default:
		lg.Error("payload lookup failed twice", "error", err)
		if derr := s.Bus.PublishDeadLetter(ctx, rid, msg.Body, domain.ReasonStorageFailure); derr != nil {
			return derr
		}
		return s.publishError(ctx, rid, domain.ReasonStorageFailure)
	}
}

// insertDedup inserts rid into the ledger, retrying a storage failure once.
func (s *ResolveService) insertDedup(ctx domain.Context, rid string, now time.Time) (bool, error) {
	expires := now.Add(s.DedupTTL)
	inserted, err := s.Ledger.Insert(ctx, rid, expires)
	if err != nil {
		inserted, err = s.Ledger.Insert(ctx, rid, expires)
	}
	return inserted, err
}

// replyFromCache publishes the cached reply keyed by key when it covers the
// query's code set. It reports whether the query was answered.
func (s *ResolveService) replyFromCache(ctx domain.Context, q domain.Query, key, rid string) (bool, error) {
	reply, err := s.Store.ReplyByCurrency(ctx, key)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return false, nil
		}
		reply, err = s.Store.ReplyByCurrency(ctx, key)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return false, nil
			}
			observability.LoggerFromContext(ctx).Error("cached reply lookup failed twice", "error", err)
			if derr := s.Bus.PublishDeadLetter(ctx, rid, q.Envelope(), domain.ReasonStorageFailure); derr != nil {
				return false, derr
			}
			return true, s.publishError(ctx, rid, domain.ReasonStorageFailure)
		}
	}
	if !reply.ContainsCodes(q.Codes()) {
		return false, nil
	}
	out := reply.Project(q)
	out.RequestID = rid
	return true, s.publishReply(ctx, rid, out)
}

// supersetFallback answers a SINGLE/FILTER query from the full-table cache
// entry when that entry is inside the freshness window and covers every
// requested code. The ALL ledger row is left untouched; its refresh stays
// owned by ALL requests.
func (s *ResolveService) supersetFallback(ctx domain.Context, q domain.Query, rid string) (bool, error) {
	allPayload := domain.Query{Kind: domain.KindAll}.Envelope()
	allLast, err := s.Store.PayloadLastSaved(ctx, allPayload)
	if err != nil || s.nowFn().Sub(allLast) >= s.Freshness {
		return false, nil
	}
	return s.replyFromCache(ctx, q, "ALL", rid)
}

func (s *ResolveService) forwardToFetch(ctx domain.Context, rid, body string) error {
	return s.Bus.Publish(ctx, s.FetchTopic, rid, body, map[string]string{
		domain.HeaderMessageKey: rid,
	})
}

func (s *ResolveService) publishReply(ctx domain.Context, rid string, reply domain.RateReply) error {
	body, err := json.Marshal(reply)
	if err != nil {
		return err
	}
	return s.Bus.Publish(ctx, s.ResponseTopic, rid, string(body), map[string]string{
		domain.HeaderMessageKey:    rid,
		domain.HeaderCorrelationID: rid,
	})
}

// publishError emits the synthetic error body so the edge fails fast
// instead of waiting out its deadline.
func (s *ResolveService) publishError(ctx domain.Context, rid, reason string) error {
	body, err := json.Marshal(domain.ErrorReply{Error: reason, RequestID: rid})
	if err != nil {
		return err
	}
	return s.Bus.Publish(ctx, s.ResponseTopic, rid, string(body), map[string]string{
		domain.HeaderMessageKey:    rid,
		domain.HeaderCorrelationID: rid,
	})
}
