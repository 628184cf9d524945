// Copyright 2025 James Ross
package outbox

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

type stubListener struct {
	name string
}

func (s stubListener) Name() string { return s.name }
func (s stubListener) Handle(ctx context.Context, payload json.RawMessage, eventName string) error {
	return nil
}

func TestRecordDeliveryTracking(t *testing.T) {
	r := &Record{}
	assert.False(t, r.HasDelivered("L1"))

	r.MarkDelivered("L1")
	assert.True(t, r.HasDelivered("L1"))
	assert.False(t, r.HasDelivered("L2"))

	// idempotent
	r.MarkDelivered("L1")
	assert.Len(t, r.DeliveredToListeners, 1)
}

func TestRecordRemainingListeners(t *testing.T) {
	r := &Record{}
	r.MarkDelivered("L1")

	candidates := []Listener{stubListener{name: "L1"}, stubListener{name: "L2"}}
	remaining := r.RemainingListeners(candidates)

	assert.Len(t, remaining, 1)
	assert.Equal(t, "L2", remaining[0].Name())
}

func TestEventConfigResolveRetryStrategyDefault(t *testing.T) {
	cfg := EventConfig{ReadyToRetryAfterTTLMs: 5000}
	strategy := cfg.ResolveRetryStrategy()
	assert.Equal(t, int64(5000), strategy(1))
	assert.Equal(t, int64(5000), strategy(7))
}

func TestEventConfigResolveRetryStrategyCustom(t *testing.T) {
	cfg := EventConfig{
		ReadyToRetryAfterTTLMs: 5000,
		RetryStrategy:          func(retryCount int) int64 { return int64(retryCount) * 1000 },
	}
	strategy := cfg.ResolveRetryStrategy()
	assert.Equal(t, int64(3000), strategy(3))
}
