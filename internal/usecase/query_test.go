package usecase_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/EvgeniOk14/currency-rates-service/internal/correlator"
	"github.com/EvgeniOk14/currency-rates-service/internal/domain"
	"github.com/EvgeniOk14/currency-rates-service/internal/usecase"
)

const (
	topicRequest  = "request-currency-topic"
	topicFetch    = "fetch-currency-topic"
	topicResponse = "response-topic"
)

func TestQueryService_Query_InvalidInput(t *testing.T) {
	t.Parallel()
	svc := usecase.NewQueryService(correlator.NewTable(), inlinePool{}, &fakeBus{}, topicRequest, time.Second)

	cases := []struct {
		name string
		kind domain.QueryKind
		arg  string
	}{
		{"all with argument", domain.KindAll, "USD"},
		{"single lowercase", domain.KindSingle, "usd"},
		{"single too long", domain.KindSingle, "USDT"},
		{"filter empty", domain.KindFilter, ""},
		{"filter bad token", domain.KindFilter, "USD,42"},
		{"unknown kind", domain.QueryKind("SOME"), ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := svc.Query(context.Background(), tc.kind, tc.arg)
			require.ErrorIs(t, err, domain.ErrInvalidRequest)
		})
	}
}

func TestQueryService_Query_CompletesOnReply(t *testing.T) {
	t.Parallel()
	table := correlator.NewTable()
	bus := &fakeBus{}
	svc := usecase.NewQueryService(table, inlinePool{}, bus, topicRequest, time.Second)

	// The fake broker loops the request straight back as a reply, the way
	// the processing tier would on a cache hit.
	bus.onPublish = func(call publishCall) {
		rid := call.Headers[domain.HeaderMessageKey]
		body, _ := json.Marshal(domain.RateReply{
			Rates:     map[string]float64{"USD": 1.1},
			Currency:  "USD",
			RequestID: rid,
		})
		_ = svc.HandleResponse(context.Background(), domain.InboundMessage{
			Topic: topicResponse,
			Body:  string(body),
			Headers: map[string]string{
				domain.HeaderMessageKey:    rid,
				domain.HeaderCorrelationID: rid,
			},
		})
	}

	reply, err := svc.Query(context.Background(), domain.KindSingle, "USD")
	require.NoError(t, err)
	assert.Contains(t, reply, `"USD":1.1`)

	reqs := bus.published(topicRequest)
	require.Len(t, reqs, 1)
	assert.Equal(t, "SINGLE:USD", reqs[0].Body)
	assert.NotEmpty(t, reqs[0].Headers[domain.HeaderMessageKey])
	assert.Equal(t, 0, table.Len(), "slot removed on exit")
}

func TestQueryService_Query_Timeout(t *testing.T) {
	t.Parallel()
	table := correlator.NewTable()
	svc := usecase.NewQueryService(table, inlinePool{}, &fakeBus{}, topicRequest, 50*time.Millisecond)

	_, err := svc.Query(context.Background(), domain.KindAll, "")
	require.ErrorIs(t, err, domain.ErrTimeout)
	assert.Equal(t, 0, table.Len())
}

func TestQueryService_Query_PoolRejection(t *testing.T) {
	t.Parallel()
	svc := usecase.NewQueryService(correlator.NewTable(), inlinePool{err: assert.AnError}, &fakeBus{}, topicRequest, time.Second)

	_, err := svc.Query(context.Background(), domain.KindAll, "")
	require.ErrorIs(t, err, domain.ErrOverloaded)
}

func TestQueryService_Query_PublishFailure(t *testing.T) {
	t.Parallel()
	bus := &fakeBus{publishErr: map[string]error{topicRequest: assert.AnError}}
	svc := usecase.NewQueryService(correlator.NewTable(), inlinePool{}, bus, topicRequest, time.Second)

	_, err := svc.Query(context.Background(), domain.KindAll, "")
	require.ErrorIs(t, err, domain.ErrOverloaded)
}

func TestQueryService_Query_FencedPublishSurfaces(t *testing.T) {
	t.Parallel()
	bus := &fakeBus{publishErr: map[string]error{topicRequest: domain.ErrFenced}}
	svc := usecase.NewQueryService(correlator.NewTable(), inlinePool{}, bus, topicRequest, time.Second)

	_, err := svc.Query(context.Background(), domain.KindAll, "")
	require.ErrorIs(t, err, domain.ErrFenced)
}

func TestQueryService_HandleResponse_SyntheticError(t *testing.T) {
	t.Parallel()
	table := correlator.NewTable()
	svc := usecase.NewQueryService(table, inlinePool{}, &fakeBus{}, topicRequest, time.Second)

	ch, err := table.Add("rid-err")
	require.NoError(t, err)

	body, _ := json.Marshal(domain.ErrorReply{Error: domain.ReasonUpstreamUnavailable, RequestID: "rid-err"})
	require.NoError(t, svc.HandleResponse(context.Background(), domain.InboundMessage{
		Body:    string(body),
		Headers: map[string]string{domain.HeaderCorrelationID: "rid-err"},
	}))

	res := <-ch
	require.ErrorIs(t, res.Err, domain.ErrUpstream)
}

func TestQueryService_HandleResponse_LateReplyIsSilent(t *testing.T) {
	t.Parallel()
	svc := usecase.NewQueryService(correlator.NewTable(), inlinePool{}, &fakeBus{}, topicRequest, time.Second)

	err := svc.HandleResponse(context.Background(), domain.InboundMessage{
		Body:    `{"rates":{"USD":1.1}}`,
		Headers: map[string]string{domain.HeaderCorrelationID: "rid-unknown"},
	})
	require.NoError(t, err)
}

func TestQueryService_HandleResponse_MissingCorrelationIsSilent(t *testing.T) {
	t.Parallel()
	svc := usecase.NewQueryService(correlator.NewTable(), inlinePool{}, &fakeBus{}, topicRequest, time.Second)

	err := svc.HandleResponse(context.Background(), domain.InboundMessage{Body: `{}`})
	require.NoError(t, err)
}

func TestQueryService_HandleResponse_AtMostOnce(t *testing.T) {
	t.Parallel()
	table := correlator.NewTable()
	svc := usecase.NewQueryService(table, inlinePool{}, &fakeBus{}, topicRequest, time.Second)

	ch, err := table.Add("rid-once")
	require.NoError(t, err)

	msg := domain.InboundMessage{
		Body:    `{"rates":{"USD":1.1}}`,
		Headers: map[string]string{domain.HeaderCorrelationID: "rid-once"},
	}
	require.NoError(t, svc.HandleResponse(context.Background(), msg))
	require.NoError(t, svc.HandleResponse(context.Background(), msg))

	<-ch
	select {
	case res, ok := <-ch:
		if ok {
			t.Fatalf("second completion observed: %+v", res)
		}
	default:
	}
}
