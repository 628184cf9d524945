// Copyright 2025 James Ross
package outbox

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type capturingFilter struct {
	captured *[]error
}

func (f capturingFilter) Catch(ctx context.Context, err error, host FilterHost) {
	*f.captured = append(*f.captured, err)
}

func TestFilterChainCatchDispatchesToAllFilters(t *testing.T) {
	var captured []error
	chain := NewFilterChain(
		capturingFilter{captured: &captured},
		capturingFilter{captured: &captured},
	)

	ec := EventContext{EventName: "OrderCreated", ListenerName: "email"}
	chain.Catch(context.Background(), errors.New("listener failed"), ec, nil)

	assert.Len(t, captured, 2)
}

type panickingFilter struct{}

func (panickingFilter) Catch(ctx context.Context, err error, host FilterHost) {
	panic("filter exploded")
}

func TestFilterChainIsolatesPanickingFilter(t *testing.T) {
	var captured []error
	chain := NewFilterChain(panickingFilter{}, capturingFilter{captured: &captured})

	var failure error
	ec := EventContext{EventName: "OrderCreated"}
	chain.Catch(context.Background(), errors.New("boom"), ec, func(err error) {
		failure = err
	})

	require.Error(t, failure)
	assert.Len(t, captured, 1, "the panicking filter must not block the next filter")
}

func TestEventContextHostAsEventContext(t *testing.T) {
	ec := EventContext{EventName: "OrderCreated", ListenerName: "email", EventID: 7}
	host := eventContextHost{ec: ec}

	got, ok := host.AsEventContext()
	require.True(t, ok)
	assert.Equal(t, ec, got)
}
