package kafka

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kerr"

	"github.com/EvgeniOk14/currency-rates-service/internal/domain"
)

func TestDeadLetterBodyFormat(t *testing.T) {
	t.Parallel()
	got := deadLetterBody("Unrecognised", "SOME:USD")
	assert.Equal(t, "Reason: Unrecognised, Message: SOME:USD", got)

	got = deadLetterBody("UpstreamUnavailable", "ALL:")
	assert.Equal(t, "Reason: UpstreamUnavailable, Message: ALL:", got)
}

func TestMapFenced(t *testing.T) {
	t.Parallel()

	t.Run("producer fenced becomes domain sentinel", func(t *testing.T) {
		err := mapFenced(kerr.ProducerFenced)
		require.ErrorIs(t, err, domain.ErrFenced)
	})

	t.Run("invalid producer epoch becomes domain sentinel", func(t *testing.T) {
		err := mapFenced(kerr.InvalidProducerEpoch)
		require.ErrorIs(t, err, domain.ErrFenced)
	})

	t.Run("wrapped fencing error is still detected", func(t *testing.T) {
		err := mapFenced(errors.Join(errors.New("commit transaction"), kerr.ProducerFenced))
		require.ErrorIs(t, err, domain.ErrFenced)
	})

	t.Run("other errors pass through", func(t *testing.T) {
		base := errors.New("broker unreachable")
		err := mapFenced(base)
		require.ErrorIs(t, err, base)
		require.NotErrorIs(t, err, domain.ErrFenced)
	})

	t.Run("nil stays nil", func(t *testing.T) {
		require.NoError(t, mapFenced(nil))
	})
}

func TestTransactionChannelManagement(t *testing.T) {
	t.Parallel()
	p := &Producer{transactionChan: make(chan struct{}, 1)}

	// First acquisition succeeds immediately.
	select {
	case p.transactionChan <- struct{}{}:
	default:
		t.Fatal("expected transaction channel to accept first acquisition")
	}

	// Second acquisition must wait until released.
	select {
	case p.transactionChan <- struct{}{}:
		t.Fatal("transaction channel should serialize acquisitions")
	default:
	}

	<-p.transactionChan
	select {
	case p.transactionChan <- struct{}{}:
	default:
		t.Fatal("expected transaction channel free after release")
	}
}

func TestPublishRespectsContextWhileWaiting(t *testing.T) {
	t.Parallel()
	p := &Producer{transactionChan: make(chan struct{}, 1)}
	// Hold the transaction slot so publish blocks on acquisition.
	p.transactionChan <- struct{}{}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := p.publish(ctx, "response-topic", "rid", "{}", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}
