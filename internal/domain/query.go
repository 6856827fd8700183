package domain

import (
	"fmt"
	"regexp"
	"strings"
)

// QueryKind selects how much of the rate table a query asks for.
type QueryKind string

const (
	KindAll    QueryKind = "ALL"
	KindSingle QueryKind = "SINGLE"
	KindFilter QueryKind = "FILTER"
)

var codeRe = regexp.MustCompile(`^[A-Z]{3}$`)

// Query is one validated rate request. ALL takes an empty argument, SINGLE
// one three-uppercase-letter code, FILTER a comma-separated list of such
// codes. The argument keeps its literal text; only outer whitespace is
// trimmed, so the bus body and the ledger key stay byte-stable.
type Query struct {
	Kind     QueryKind
	Argument string
}

// NewQuery validates kind and argument shape and returns the query.
func NewQuery(kind QueryKind, argument string) (Query, error) {
	q := Query{Kind: kind, Argument: strings.TrimSpace(argument)}
	switch kind {
	case KindAll:
		if q.Argument != "" {
			return Query{}, fmt.Errorf("%w: ALL takes no argument, got %q", ErrInvalidRequest, argument)
		}
	case KindSingle:
		if !codeRe.MatchString(q.Argument) {
			return Query{}, fmt.Errorf("%w: SINGLE wants one three-letter code, got %q", ErrInvalidRequest, argument)
		}
	case KindFilter:
		if q.Argument == "" {
			return Query{}, fmt.Errorf("%w: FILTER wants at least one code", ErrInvalidRequest)
		}
		for _, p := range strings.Split(q.Argument, ",") {
			if !codeRe.MatchString(strings.TrimSpace(p)) {
				return Query{}, fmt.Errorf("%w: bad currency code %q", ErrInvalidRequest, p)
			}
		}
	default:
		return Query{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidRequest, string(kind))
	}
	return q, nil
}

// ParseEnvelope parses and validates a bus record body of the form
// "<kind>:<argument>".
func ParseEnvelope(body string) (Query, error) {
	kind, argument, ok := strings.Cut(body, ":")
	if !ok {
		return Query{}, fmt.Errorf("%w: no kind prefix in %q", ErrInvalidRequest, body)
	}
	return NewQuery(QueryKind(kind), argument)
}

// Envelope renders the query as the bus record body "<kind>:<argument>".
func (q Query) Envelope() string {
	return string(q.Kind) + ":" + q.Argument
}

// Codes returns the requested currency codes; nil for ALL.
func (q Query) Codes() []string {
	if q.Kind == KindAll {
		return nil
	}
	parts := strings.Split(q.Argument, ",")
	codes := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			codes = append(codes, p)
		}
	}
	return codes
}

// CacheKey is the string the cached reply is keyed by: the literal "ALL"
// for the full table, otherwise the argument text.
func (q Query) CacheKey() string {
	if q.Kind == KindAll {
		return "ALL"
	}
	return q.Argument
}
