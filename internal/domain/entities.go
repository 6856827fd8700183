package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrNotFound       = errors.New("not found")
	ErrOverloaded     = errors.New("overloaded")
	ErrTimeout        = errors.New("timeout")
	ErrUpstream       = errors.New("upstream error")
	ErrStorage        = errors.New("storage error")
	ErrFenced         = errors.New("producer fenced")
	ErrInternal       = errors.New("internal error")
)

// Record headers carried on every bus message.
const (
	HeaderMessageKey    = "messageKey"
	HeaderCorrelationID = "correlationId"
)

// Dead-letter reasons. The dead-letter body wraps the original record as
// "Reason: <reason>, Message: <original>".
const (
	ReasonMissingCorrelation  = "MissingCorrelation"
	ReasonUnrecognised        = "Unrecognised"
	ReasonUnknownCode         = "UnknownCode"
	ReasonUpstreamUnavailable = "UpstreamUnavailable"
	ReasonStorageFailure      = "StorageFailure"
)

// RateReply is one cached exchange-rate snapshot, keyed by the query
// argument it was fetched for ("ALL", "USD", "USD,JPY", ...).
// Invariant: Rates keys cover every code parsed out of Currency.
type RateReply struct {
	Rates        map[string]float64 `json:"rates"`
	BaseCurrency string             `json:"baseCurrency"`
	Date         string             `json:"date"`
	Currency     string             `json:"currency"`
	RequestID    string             `json:"requestId"`
}

// ContainsCodes reports whether every code has a rate in the reply.
func (r RateReply) ContainsCodes(codes []string) bool {
	for _, c := range codes {
		if _, ok := r.Rates[c]; !ok {
			return false
		}
	}
	return true
}

// Project narrows the reply to the query's code set; an ALL query keeps the
// whole map. Currency is rewritten to the query's cache key so the reply
// echoes what was asked, not what the source row was keyed by.
func (r RateReply) Project(q Query) RateReply {
	out := RateReply{
		BaseCurrency: r.BaseCurrency,
		Date:         r.Date,
		Currency:     q.CacheKey(),
		RequestID:    r.RequestID,
	}
	codes := q.Codes()
	if len(codes) == 0 {
		out.Rates = make(map[string]float64, len(r.Rates))
		for k, v := range r.Rates {
			out.Rates[k] = v
		}
		return out
	}
	out.Rates = make(map[string]float64, len(codes))
	for _, c := range codes {
		if v, ok := r.Rates[c]; ok {
			out.Rates[c] = v
		}
	}
	return out
}

// ErrorReply is the synthetic body published on the response topic when a
// fetch fails for good, so the caller sees an upstream failure instead of
// waiting out its deadline.
type ErrorReply struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId"`
}

// UpstreamRates is the parsed body of the provider's latest-rates endpoint.
type UpstreamRates struct {
	Success bool
	Base    string
	Date    string
	Rates   map[string]float64
}

// InboundMessage is one consumed bus record handed to a handler.
type InboundMessage struct {
	Topic   string
	Key     string
	Body    string
	Headers map[string]string
}

// Repositories (ports)

// RateStore persists payload-ledger rows and cached replies.
type RateStore interface {
	// PayloadLastSaved returns lastSaved for the exact payload text, or ErrNotFound.
	PayloadLastSaved(ctx Context, payload string) (time.Time, error)
	// TouchPayload sets lastSaved = at on an existing payload row.
	TouchPayload(ctx Context, payload string, at time.Time) error
	// SaveReply upserts the payload row and the cached reply in one transaction.
	SaveReply(ctx Context, payload string, reply RateReply, at time.Time) error
	// ReplyByCurrency returns the cached reply keyed by the argument string, or ErrNotFound.
	ReplyByCurrency(ctx Context, currency string) (RateReply, error)
}

// DedupLedger records request ids so a redelivered record is absorbed once.
type DedupLedger interface {
	Exists(ctx Context, rid string) (bool, error)
	// Insert stores rid with its expiry; it reports false when rid was already present.
	Insert(ctx Context, rid string, expiresAt time.Time) (bool, error)
	PurgeExpired(ctx Context) (int64, error)
	PurgeOlderThan(ctx Context, days int) (int64, error)
}

// Bus (ports)

// BusPublisher publishes records inside producer transactions.
type BusPublisher interface {
	Publish(ctx Context, topic, key, body string, headers map[string]string) error
	PublishDeadLetter(ctx Context, key, original, reason string) error
}

// RatesProvider calls the upstream HTTPS rates API.
type RatesProvider interface {
	Latest(ctx Context) (UpstreamRates, error)
}

// TaskPool admits work into the bounded worker pool.
// A non-nil Submit error means the pool rejected the task.
type TaskPool interface {
	Submit(task func()) error
}

// Context is an alias to allow decoupling from std context in domain
// Adapters and usecases should pass context.Context through
type Context = context.Context
