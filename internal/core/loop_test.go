package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coldwire/s2s/internal/identity"
	"github.com/coldwire/s2s/internal/stanza"
)

func TestNewWiresDependenciesAndStats(t *testing.T) {
	l := newTestLoop(t, &fakeResolver{}, nil)
	require.NotNil(t, l.tk)
	assert.Equal(t, int64(0), l.Stats().Value())
	l.Stats().Add(3)
	assert.Equal(t, int64(3), l.Stats().Value())
}

func TestRunRoutesInboundStanzaFromRouter(t *testing.T) {
	l := newTestLoop(t, &fakeResolver{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- l.Run(ctx) }()

	l.router.Inbound <- stanza.Stanza{Kind: stanza.KindMessage, From: "u@a.example", To: "v@b.example"}

	require.Eventually(t, func() bool {
		return l.queues.Len(identity.NewRouteKey("a.example", "b.example")) == 1
	}, 2*time.Second, 10*time.Millisecond, "expected router stanza to be enqueued on its route")

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not exit after cancellation")
	}
}

func TestShutdownDiscardsQueuesAndClosesConnections(t *testing.T) {
	l := newTestLoop(t, &fakeResolver{}, nil)
	route := identity.NewRouteKey("a.example", "b.example")
	l.queues.Enqueue(route, stanza.Stanza{Kind: stanza.KindMessage, From: "u@a.example", To: "v@b.example"})

	l.shutdown()

	assert.Equal(t, 0, l.queues.Len(route))
	assert.Equal(t, 0, l.reg.Len())
}
