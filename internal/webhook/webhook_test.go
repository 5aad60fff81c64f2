package webhook

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stripe/stripe-go/v82/webhook"
)

const testSecret = "whsec_test_secret"

type recordingPublisher struct {
	published [][]byte
	err       error
}

func (p *recordingPublisher) Publish(_ context.Context, body []byte, _ string) error {
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, body)
	return nil
}

func signedHeader(t *testing.T, payload []byte) string {
	t.Helper()
	now := time.Now()
	sig := webhook.ComputeSignature(now, payload, testSecret)
	return fmt.Sprintf("t=%d,v1=%s", now.Unix(), hex.EncodeToString(sig))
}

func newIngestor(t *testing.T, pub Publisher) *Ingestor {
	t.Helper()
	dedup, err := NewLRUDedup(128)
	require.NoError(t, err)
	return NewIngestor(testSecret, dedup, pub, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestCategorize(t *testing.T) {
	tests := []struct {
		eventType string
		want      Category
	}{
		{"payment_intent.amount_capturable_updated", CategoryEscrow},
		{"payment_intent.succeeded", CategoryEscrow},
		{"payment_intent.payment_failed", CategoryEscrow},
		{"payment_intent.canceled", CategoryEscrow},
		{"charge.refunded", CategoryEscrow},
		{"charge.dispute.created", CategoryDispute},
		{"charge.dispute.updated", CategoryDispute},
		{"charge.dispute.closed", CategoryDispute},
		{"invoice.payment_succeeded", CategorySubscription},
		{"customer.subscription.deleted", CategorySubscription},
		{"balance.available", CategoryUnknown},
		{"payout.paid", CategoryUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.eventType, func(t *testing.T) {
			assert.Equal(t, tt.want, Categorize(tt.eventType))
		})
	}
}

func TestIngestQueuesEvent(t *testing.T) {
	pub := &recordingPublisher{}
	ing := newIngestor(t, pub)

	payload := []byte(`{"id":"evt_1","type":"payment_intent.succeeded","data":{"object":{}}}`)
	env, err := ing.Ingest(context.Background(), payload, signedHeader(t, payload))
	require.NoError(t, err)

	assert.Equal(t, "evt_1", env.EventID)
	assert.Equal(t, CategoryEscrow, env.Category)
	assert.Len(t, pub.published, 1)
}

func TestIngestRejectsBadSignature(t *testing.T) {
	pub := &recordingPublisher{}
	ing := newIngestor(t, pub)

	payload := []byte(`{"id":"evt_1","type":"payment_intent.succeeded"}`)
	_, err := ing.Ingest(context.Background(), payload, "t=1,v1=deadbeef")
	assert.ErrorIs(t, err, ErrInvalidSignature)
	assert.Empty(t, pub.published)
}

func TestIngestDropsDuplicate(t *testing.T) {
	pub := &recordingPublisher{}
	ing := newIngestor(t, pub)

	payload := []byte(`{"id":"evt_dup","type":"payment_intent.succeeded","data":{"object":{}}}`)
	header := signedHeader(t, payload)

	_, err := ing.Ingest(context.Background(), payload, header)
	require.NoError(t, err)

	_, err = ing.Ingest(context.Background(), payload, header)
	assert.ErrorIs(t, err, ErrDuplicateEvent)
	assert.Len(t, pub.published, 1)
}

func TestIngestAcksUnknownCategory(t *testing.T) {
	pub := &recordingPublisher{}
	ing := newIngestor(t, pub)

	payload := []byte(`{"id":"evt_2","type":"payout.paid","data":{"object":{}}}`)
	env, err := ing.Ingest(context.Background(), payload, signedHeader(t, payload))
	require.NoError(t, err)

	assert.Equal(t, CategoryUnknown, env.Category)
	assert.Empty(t, pub.published)
}

func TestRedisDedup(t *testing.T) {
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { client.Close() })

	dedup := NewRedisDedup(client, time.Minute)

	seen, err := dedup.MarkSeen(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.False(t, seen)

	seen, err = dedup.MarkSeen(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.True(t, seen)

	// Expiry reopens the redelivery window.
	srv.FastForward(2 * time.Minute)
	seen, err = dedup.MarkSeen(context.Background(), "evt_1")
	require.NoError(t, err)
	assert.False(t, seen)
}

func TestLRUDedup(t *testing.T) {
	dedup, err := NewLRUDedup(2)
	require.NoError(t, err)

	seen, _ := dedup.MarkSeen(context.Background(), "evt_1")
	assert.False(t, seen)
	seen, _ = dedup.MarkSeen(context.Background(), "evt_1")
	assert.True(t, seen)

	// Filling past capacity evicts the oldest id.
	dedup.MarkSeen(context.Background(), "evt_2")
	dedup.MarkSeen(context.Background(), "evt_3")
	seen, _ = dedup.MarkSeen(context.Background(), "evt_1")
	assert.False(t, seen)
}
