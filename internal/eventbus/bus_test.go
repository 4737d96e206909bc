package eventbus

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/loomworks/loom/internal/events"
)

func newTestBus(t *testing.T) *Bus {
	return New(zaptest.NewLogger(t))
}

func TestPublishDeliversToAllSubscribers(t *testing.T) {
	bus := newTestBus(t)

	var first, second []string
	h1 := func(_ context.Context, ev events.Event) { first = append(first, ev.Meta().ID) }
	h2 := func(_ context.Context, ev events.Event) { second = append(second, ev.Meta().ID) }
	bus.Subscribe(events.TypeSimpleMessage, h1)
	bus.Subscribe(events.TypeSimpleMessage, h2)

	ev := &events.SimpleMessage{Envelope: events.NewEnvelope("test", "")}
	bus.Publish(context.Background(), ev)

	require.Len(t, first, 1)
	require.Len(t, second, 1)
	assert.Equal(t, ev.ID, first[0])
	assert.Equal(t, ev.ID, second[0])
}

func TestPublishRoutesByConcreteType(t *testing.T) {
	bus := newTestBus(t)

	var got int
	bus.Subscribe(events.TypeDecisionMade, func(_ context.Context, _ events.Event) { got++ })

	bus.Publish(context.Background(), &events.SimpleMessage{Envelope: events.NewEnvelope("test", "")})
	assert.Zero(t, got, "handler for another type must not fire")

	bus.Publish(context.Background(), &events.DecisionMade{
		Envelope:     events.NewEnvelope("test", ""),
		DecisionType: "create_node",
	})
	assert.Equal(t, 1, got)
}

func TestSubscribeIsIdempotentPerHandler(t *testing.T) {
	bus := newTestBus(t)

	var calls int
	h := func(_ context.Context, _ events.Event) { calls++ }
	bus.Subscribe(events.TypeSimpleMessage, h)
	bus.Subscribe(events.TypeSimpleMessage, h)

	assert.Equal(t, 1, bus.SubscriberCount(events.TypeSimpleMessage))

	bus.Publish(context.Background(), &events.SimpleMessage{Envelope: events.NewEnvelope("test", "")})
	assert.Equal(t, 1, calls)
}

func TestUnsubscribe(t *testing.T) {
	bus := newTestBus(t)

	var calls int
	h := func(_ context.Context, _ events.Event) { calls++ }
	bus.Subscribe(events.TypeSimpleMessage, h)

	assert.True(t, bus.Unsubscribe(events.TypeSimpleMessage, h))
	assert.False(t, bus.Unsubscribe(events.TypeSimpleMessage, h), "second removal reports false")

	bus.Publish(context.Background(), &events.SimpleMessage{Envelope: events.NewEnvelope("test", "")})
	assert.Zero(t, calls)
}

func TestMiddlewareRunsInInsertionOrder(t *testing.T) {
	bus := newTestBus(t)

	var order []string
	bus.AddMiddleware(func(_ context.Context, ev events.Event) (events.Event, error) {
		order = append(order, "first")
		return ev, nil
	})
	bus.AddMiddleware(func(_ context.Context, ev events.Event) (events.Event, error) {
		order = append(order, "second")
		return ev, nil
	})
	bus.Subscribe(events.TypeSimpleMessage, func(_ context.Context, _ events.Event) {
		order = append(order, "handler")
	})

	bus.Publish(context.Background(), &events.SimpleMessage{Envelope: events.NewEnvelope("test", "")})
	assert.Equal(t, []string{"first", "second", "handler"}, order)
}

func TestMiddlewareNilBlocksDispatchAndAudit(t *testing.T) {
	bus := newTestBus(t)

	bus.AddMiddleware(func(_ context.Context, _ events.Event) (events.Event, error) {
		return nil, nil
	})
	var calls int
	bus.Subscribe(events.TypeSimpleMessage, func(_ context.Context, _ events.Event) { calls++ })

	bus.Publish(context.Background(), &events.SimpleMessage{Envelope: events.NewEnvelope("test", "")})

	assert.Zero(t, calls)
	assert.Empty(t, bus.AuditLog(), "blocked events are not audited")
}

func TestMiddlewareErrorAndPanicAreContained(t *testing.T) {
	tests := []struct {
		name string
		mw   Middleware
	}{
		{
			name: "error_return",
			mw: func(_ context.Context, _ events.Event) (events.Event, error) {
				return nil, errors.New("rejected")
			},
		},
		{
			name: "panic",
			mw: func(_ context.Context, _ events.Event) (events.Event, error) {
				panic("boom")
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bus := newTestBus(t)
			bus.AddMiddleware(tt.mw)
			var calls int
			bus.Subscribe(events.TypeSimpleMessage, func(_ context.Context, _ events.Event) { calls++ })

			// Must not panic the publisher.
			bus.Publish(context.Background(), &events.SimpleMessage{Envelope: events.NewEnvelope("test", "")})
			assert.Zero(t, calls)
		})
	}
}

func TestHandlerPanicDoesNotAffectSiblings(t *testing.T) {
	bus := newTestBus(t)

	var after int
	bus.Subscribe(events.TypeSimpleMessage, func(_ context.Context, _ events.Event) { panic("boom") })
	bus.Subscribe(events.TypeSimpleMessage, func(_ context.Context, _ events.Event) { after++ })

	bus.Publish(context.Background(), &events.SimpleMessage{Envelope: events.NewEnvelope("test", "")})
	assert.Equal(t, 1, after)
}

func TestMiddlewareCanRewriteEvent(t *testing.T) {
	bus := newTestBus(t)

	bus.AddMiddleware(func(_ context.Context, ev events.Event) (events.Event, error) {
		msg, ok := ev.(*events.SimpleMessage)
		if !ok {
			return ev, nil
		}
		out := *msg
		out.Payload = map[string]any{"rewritten": true}
		return &out, nil
	})

	var got map[string]any
	bus.Subscribe(events.TypeSimpleMessage, func(_ context.Context, ev events.Event) {
		got = ev.(*events.SimpleMessage).Payload
	})

	bus.Publish(context.Background(), &events.SimpleMessage{
		Envelope: events.NewEnvelope("test", ""),
		Payload:  map[string]any{"rewritten": false},
	})
	require.NotNil(t, got)
	assert.Equal(t, true, got["rewritten"])
}

func TestAuditLogReplaySince(t *testing.T) {
	bus := New(zaptest.NewLogger(t), WithAuditCapacity(3))

	for i := 0; i < 4; i++ {
		bus.Publish(context.Background(), &events.SimpleMessage{Envelope: events.NewEnvelope("test", "")})
	}

	// Capacity 3: entries 2,3,4 retained.
	all := bus.AuditLog()
	require.Len(t, all, 3)
	assert.Equal(t, uint64(2), all[0].Seq)
	assert.Equal(t, uint64(4), all[2].Seq)

	evs := bus.ReplaySince(2)
	require.Len(t, evs, 2)
	assert.Equal(t, uint64(3), evs[0].Seq)
	assert.Equal(t, uint64(4), evs[1].Seq)
}
