package usecase_test

import (
	"sync"
	"time"

	"github.com/EvgeniOk14/currency-rates-service/internal/domain"
)

// publishCall records one fakeBus publish.
type publishCall struct {
	Topic   string
	Key     string
	Body    string
	Headers map[string]string
}

// deadLetterCall records one fakeBus dead letter.
type deadLetterCall struct {
	Key      string
	Original string
	Reason   string
}

// fakeBus implements domain.BusPublisher.
type fakeBus struct {
	mu          sync.Mutex
	publishes   []publishCall
	deadLetters []deadLetterCall
	publishErr  map[string]error
	onPublish   func(publishCall)
}

func (b *fakeBus) Publish(_ domain.Context, topic, key, body string, headers map[string]string) error {
	b.mu.Lock()
	call := publishCall{Topic: topic, Key: key, Body: body, Headers: headers}
	b.publishes = append(b.publishes, call)
	err := b.publishErr[topic]
	hook := b.onPublish
	b.mu.Unlock()
	if err != nil {
		return err
	}
	if hook != nil {
		hook(call)
	}
	return nil
}

func (b *fakeBus) PublishDeadLetter(_ domain.Context, key, original, reason string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deadLetters = append(b.deadLetters, deadLetterCall{Key: key, Original: original, Reason: reason})
	return nil
}

func (b *fakeBus) published(topic string) []publishCall {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []publishCall
	for _, p := range b.publishes {
		if p.Topic == topic {
			out = append(out, p)
		}
	}
	return out
}

// saveCall records one fakeStore SaveReply.
type saveCall struct {
	Payload string
	Reply   domain.RateReply
	At      time.Time
}

// fakeStore implements domain.RateStore in memory.
type fakeStore struct {
	mu        sync.Mutex
	lastSaved map[string]time.Time
	replies   map[string]domain.RateReply
	touched   []string
	saves     []saveCall

	lastSavedErr error
	touchErr     error
	saveErr      error
	replyErr     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		lastSaved: map[string]time.Time{},
		replies:   map[string]domain.RateReply{},
	}
}

func (s *fakeStore) PayloadLastSaved(_ domain.Context, payload string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastSavedErr != nil {
		return time.Time{}, s.lastSavedErr
	}
	t, ok := s.lastSaved[payload]
	if !ok {
		return time.Time{}, domain.ErrNotFound
	}
	return t, nil
}

func (s *fakeStore) TouchPayload(_ domain.Context, payload string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.touchErr != nil {
		return s.touchErr
	}
	s.touched = append(s.touched, payload)
	s.lastSaved[payload] = at
	return nil
}

func (s *fakeStore) SaveReply(_ domain.Context, payload string, reply domain.RateReply, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.saveErr != nil {
		return s.saveErr
	}
	s.saves = append(s.saves, saveCall{Payload: payload, Reply: reply, At: at})
	s.replies[reply.Currency] = reply
	s.lastSaved[payload] = at
	return nil
}

func (s *fakeStore) ReplyByCurrency(_ domain.Context, currency string) (domain.RateReply, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.replyErr != nil {
		return domain.RateReply{}, s.replyErr
	}
	r, ok := s.replies[currency]
	if !ok {
		return domain.RateReply{}, domain.ErrNotFound
	}
	return r, nil
}

// fakeLedger implements domain.DedupLedger in memory.
type fakeLedger struct {
	mu        sync.Mutex
	seen      map[string]time.Time
	insertErr error
	failures  int
}

func newFakeLedger() *fakeLedger { return &fakeLedger{seen: map[string]time.Time{}} }

func (l *fakeLedger) Exists(_ domain.Context, rid string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.seen[rid]
	return ok, nil
}

func (l *fakeLedger) Insert(_ domain.Context, rid string, expiresAt time.Time) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.insertErr != nil && l.failures > 0 {
		l.failures--
		return false, l.insertErr
	}
	if _, ok := l.seen[rid]; ok {
		return false, nil
	}
	l.seen[rid] = expiresAt
	return true, nil
}

func (l *fakeLedger) PurgeExpired(_ domain.Context) (int64, error)         { return 0, nil }
func (l *fakeLedger) PurgeOlderThan(_ domain.Context, _ int) (int64, error) { return 0, nil }

// fakeProvider implements domain.RatesProvider.
type fakeProvider struct {
	mu    sync.Mutex
	rates domain.UpstreamRates
	err   error
	calls int
}

func (p *fakeProvider) Latest(_ domain.Context) (domain.UpstreamRates, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return domain.UpstreamRates{}, p.err
	}
	return p.rates, nil
}

// inlinePool runs submitted tasks synchronously.
type inlinePool struct{ err error }

func (p inlinePool) Submit(task func()) error {
	if p.err != nil {
		return p.err
	}
	task()
	return nil
}
